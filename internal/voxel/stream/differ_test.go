package stream

import (
	"testing"

	"voxelstream.dev/internal/voxel/grid"
	"voxelstream.dev/internal/voxel/mathx"
	"voxelstream.dev/internal/voxel/viewer"
)

type harness struct {
	grid     *grid.Grid
	streamer *Streamer
	out      TickOutputs
}

func newHarness(lodCount int) *harness {
	g := grid.New(4, lodCount, bigBounds(), true)
	st := NewStreamer(NewState(lodCount, nil), testSettings())
	return &harness{grid: g, streamer: st}
}

func (h *harness) tick(t *testing.T, viewers ...viewer.Viewer) TickOutputs {
	t.Helper()
	h.out = TickOutputs{}
	h.streamer.Process(h.grid, viewers, IdentityTransform(), &h.out, true, true)
	return h.out
}

// completeLoads resolves every pending load request like the update task
// would on completion: install the block and post the loaded event.
func (h *harness) completeLoads(t *testing.T, reqs []LoadRequest) {
	t.Helper()
	s := h.streamer.State()
	for _, req := range reqs {
		if req.Cancelled.Load() {
			continue
		}
		lod := &s.Lods[req.Location.Lod]
		lb, ok := lod.LoadingBlocks[req.Location.Position]
		if !ok {
			continue
		}
		viewers := lb.Viewers.get()
		delete(lod.LoadingBlocks, req.Location.Position)
		if !h.grid.InsertLoadedBlock(req.Location.Position, req.Location.Lod, []byte{1}, viewers) {
			t.Fatalf("duplicate block at %+v", req.Location)
		}
		s.NotifyDataBlockLoaded(req.Location)
	}
}

func TestFirstTickEmitsLoadsForAllDataBoxes(t *testing.T) {
	h := newHarness(2)
	v := viewer.Viewer{ID: "a", ViewDistance: 64, RequiresVisuals: true}
	out := h.tick(t, v)

	pv := h.streamer.State().PairedViewers[0]
	want := 0
	for lod := 0; lod < 2; lod++ {
		want += pv.State.DataBoxPerLod[lod].CellCount()
	}
	if len(out.DataBlocksToLoad) != want {
		t.Fatalf("load requests %d, want %d", len(out.DataBlocksToLoad), want)
	}

	// Every request has a live loading entry with one viewer.
	for _, req := range out.DataBlocksToLoad {
		lb, ok := h.streamer.State().Lods[req.Location.Lod].LoadingBlocks[req.Location.Position]
		if !ok || lb.Viewers.get() != 1 || lb.Cancelled.Load() {
			t.Fatalf("bad loading entry for %+v: %+v", req.Location, lb)
		}
	}
}

func TestSecondViewerDoesNotReRequestLoads(t *testing.T) {
	h := newHarness(2)
	a := viewer.Viewer{ID: "a", ViewDistance: 64, RequiresVisuals: true}
	first := h.tick(t, a)

	// Same position, overlapping boxes entirely.
	b := viewer.Viewer{ID: "b", ViewDistance: 64, RequiresVisuals: true}
	second := h.tick(t, a, b)
	if len(second.DataBlocksToLoad) != 0 {
		t.Fatalf("expected no new loads, got %d", len(second.DataBlocksToLoad))
	}

	// Refcounts doubled on the shared loading blocks.
	for _, req := range first.DataBlocksToLoad {
		lb, ok := h.streamer.State().Lods[req.Location.Lod].LoadingBlocks[req.Location.Position]
		if !ok || lb.Viewers.get() != 2 {
			t.Fatalf("loading entry for %+v has %v viewers", req.Location, lb)
		}
	}
}

func TestViewerRemovalCancelsPendingLoads(t *testing.T) {
	h := newHarness(2)
	v := viewer.Viewer{ID: "a", ViewDistance: 64, RequiresVisuals: true}
	out := h.tick(t, v)
	if len(out.DataBlocksToLoad) == 0 {
		t.Fatal("no loads emitted")
	}

	// Remove the viewer without completing any load.
	h.tick(t)

	s := h.streamer.State()
	for lod := range s.Lods {
		if n := len(s.Lods[lod].LoadingBlocks); n != 0 {
			t.Fatalf("lod %d still has %d loading blocks", lod, n)
		}
	}
	for _, req := range out.DataBlocksToLoad {
		if !req.Cancelled.Load() {
			t.Fatalf("load %+v not cancelled", req.Location)
		}
	}
	if len(s.PairedViewers) != 0 {
		t.Fatalf("paired viewers remain: %d", len(s.PairedViewers))
	}
}

// Round-trip: add, complete, remove. The final state must equal the initial
// state with no residual entries anywhere.
func TestViewerRoundTripLeavesNoResidue(t *testing.T) {
	h := newHarness(3)
	v := viewer.Viewer{ID: "a", WorldPosition: [3]float64{37, -12, 240}, ViewDistance: 96, RequiresVisuals: true}

	out := h.tick(t, v)
	h.completeLoads(t, out.DataBlocksToLoad)
	h.tick(t, v) // consume load completions, schedule meshing
	h.tick(t)    // viewer removed: full unload

	s := h.streamer.State()
	if len(s.PairedViewers) != 0 {
		t.Fatalf("paired viewers remain")
	}
	for lod := range s.Lods {
		if n := len(s.Lods[lod].MeshMap); n != 0 {
			t.Fatalf("lod %d mesh map has %d residual entries", lod, n)
		}
		if n := len(s.Lods[lod].LoadingBlocks); n != 0 {
			t.Fatalf("lod %d loading blocks: %d", lod, n)
		}
		if n := h.grid.BlockCount(lod); n != 0 {
			t.Fatalf("lod %d grid still holds %d blocks", lod, n)
		}
	}
}

// Scenario: viewer A, then B far away, then A removed. Blocks only viewed by
// A must be gone; B's boxes and blocks stay.
func TestTwoViewersIndependentLifetimes(t *testing.T) {
	h := newHarness(2)
	a := viewer.Viewer{ID: "a", ViewDistance: 64, RequiresVisuals: true}
	b := viewer.Viewer{ID: "b", WorldPosition: [3]float64{512, 0, 0}, ViewDistance: 64, RequiresVisuals: true}

	outA := h.tick(t, a)
	h.completeLoads(t, outA.DataBlocksToLoad)
	outB := h.tick(t, a, b)
	h.completeLoads(t, outB.DataBlocksToLoad)
	h.tick(t, a, b)

	s := h.streamer.State()
	var bBoxes []mathx.Box3i
	for _, pv := range s.PairedViewers {
		if pv.ID == "b" {
			bBoxes = append(bBoxes, pv.State.DataBoxPerLod...)
		}
	}

	// Remove A.
	h.tick(t, b)

	// Everything left in the grid must be inside one of B's data boxes.
	for lod := 0; lod < 2; lod++ {
		var bBox mathx.Box3i
		for _, pv := range s.PairedViewers {
			if pv.ID == "b" {
				bBox = pv.State.DataBoxPerLod[lod]
			}
		}
		bBox.ForEachCell(func(pos mathx.Vec3i) {
			// All of B's cells must still be resident or loading.
			if h.grid.GetBlock(pos, lod) == nil {
				if _, loading := s.Lods[lod].LoadingBlocks[pos]; !loading {
					t.Fatalf("lod %d cell %+v of B lost", lod, pos)
				}
			}
		})

		// Count grid blocks outside B's box: must be zero.
		aOnly := 0
		probe := mathx.NewBox3i(mathx.Vec3iAll(-40), mathx.Vec3iAll(80))
		probe.ForEachCell(func(pos mathx.Vec3i) {
			if h.grid.GetBlock(pos, lod) != nil && !bBox.Contains(pos) {
				aOnly++
			}
		})
		if aOnly != 0 {
			t.Fatalf("lod %d: %d blocks outside B's box survived A's removal", lod, aOnly)
		}
	}

	// B's boxes unchanged by A's removal.
	for _, pv := range s.PairedViewers {
		if pv.ID != "b" {
			continue
		}
		for lod, box := range pv.State.DataBoxPerLod {
			if !box.Eq(bBoxes[lod]) {
				t.Fatalf("B's lod %d box changed: %+v -> %+v", lod, bBoxes[lod], box)
			}
		}
	}
}

func TestMeshMapRefcountsAcrossViewers(t *testing.T) {
	h := newHarness(2)
	a := viewer.Viewer{ID: "a", ViewDistance: 64, RequiresVisuals: true}
	b := viewer.Viewer{ID: "b", ViewDistance: 64, RequiresVisuals: true}

	h.tick(t, a)
	h.tick(t, a, b)

	s := h.streamer.State()
	for _, mb := range s.Lods[0].MeshMap {
		if mb.meshViewers.get() != 2 {
			t.Fatalf("mesh viewers = %d, want 2", mb.meshViewers.get())
		}
	}

	// Dropping one viewer halves the refcounts but keeps the entries.
	h.tick(t, b)
	if len(s.Lods[0].MeshMap) == 0 {
		t.Fatal("mesh map emptied while B still watches")
	}
	for _, mb := range s.Lods[0].MeshMap {
		if mb.meshViewers.get() != 1 {
			t.Fatalf("mesh viewers = %d, want 1", mb.meshViewers.get())
		}
	}

	// Dropping the last viewer clears the map and reports unloads.
	h.tick(t)
	if len(s.Lods[0].MeshMap) != 0 {
		t.Fatalf("mesh map still has %d entries", len(s.Lods[0].MeshMap))
	}
	if len(s.Lods[0].MeshBlocksToUnload) == 0 {
		t.Fatal("no unloads reported")
	}
}

func TestMoveCancelsOutOfRangePendingMeshUpdates(t *testing.T) {
	h := newHarness(2)
	v := viewer.Viewer{ID: "a", ViewDistance: 64, RequiresVisuals: true}
	out := h.tick(t, v)
	h.completeLoads(t, out.DataBlocksToLoad)
	h.tick(t, v)

	s := h.streamer.State()
	if len(s.Lods[0].MeshBlocksPendingUpdate) == 0 {
		t.Fatal("no pending mesh updates after data loads")
	}

	// Jump far away: pending updates outside the new region are dropped and
	// their state reverts so they can be re-scheduled later.
	v.WorldPosition = [3]float64{1500, 0, 0}
	h.tick(t, v)

	for _, bpos := range s.Lods[0].MeshBlocksPendingUpdate {
		if mb, ok := s.Lods[0].MeshMap[bpos]; ok && mb.State != MeshUpdateNotSent {
			t.Fatalf("pending block %+v in state %d", bpos, mb.State)
		}
	}
	probe := mathx.NewBox3i(mathx.Vec3iAll(-3), mathx.Vec3iAll(6))
	probe.ForEachCell(func(pos mathx.Vec3i) {
		for _, pending := range s.Lods[0].MeshBlocksPendingUpdate {
			if pending == pos {
				t.Fatalf("stale pending update at %+v after move", pos)
			}
		}
	})
}

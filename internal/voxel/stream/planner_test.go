package stream

import (
	"testing"

	"voxelstream.dev/internal/voxel/mathx"
	"voxelstream.dev/internal/voxel/viewer"
)

func testSettings() Settings {
	return Settings{
		MeshBlockSizePo2:      4,
		LodDistanceVoxels:     32,
		ViewDistanceCapVoxels: 512,
		TransitionUpdates:     true,
	}
}

func bigBounds() mathx.Box3i {
	return mathx.NewBox3i(mathx.Vec3iAll(-2048), mathx.Vec3iAll(4096))
}

func planOne(t *testing.T, lodCount int, v viewer.Viewer, settings Settings) *PairedViewer {
	t.Helper()
	s := NewState(lodCount, nil)
	var unpaired []int
	processViewers(s, settings, lodCount, []viewer.Viewer{v}, IdentityTransform(),
		bigBounds(), 4, true, &unpaired)
	if len(s.PairedViewers) != 1 {
		t.Fatalf("paired %d viewers", len(s.PairedViewers))
	}
	return s.PairedViewers[0]
}

func TestBaseBoxStableSizeOnChunkMultiple(t *testing.T) {
	// When distance is a multiple of chunk size, the box size must not
	// depend on where the viewer sits inside its chunk.
	want := baseBoxInChunks(mathx.Vec3i{}, 32, 16, false).Size
	for _, x := range []int{-17, -16, -1, 0, 1, 15, 16, 31} {
		b := baseBoxInChunks(mathx.Vec3i{X: x}, 32, 16, false)
		if b.Size != want {
			t.Fatalf("box size %+v at x=%d, want %+v", b.Size, x, want)
		}
	}
}

func TestMeshBoxesScenarioTwoLods(t *testing.T) {
	v := viewer.Viewer{ID: "a", ViewDistance: 64, RequiresVisuals: true}
	pv := planOne(t, 2, v, testSettings())

	// LOD0 must cover chunks [-2..2]^3.
	core := mathx.Box3iFromMinMax(mathx.Vec3iAll(-2), mathx.Vec3iAll(3))
	if !pv.State.MeshBoxPerLod[0].ContainsBox(core) {
		t.Fatalf("lod0 mesh box %+v does not cover %+v", pv.State.MeshBoxPerLod[0], core)
	}
	// LOD1 must cover chunks [-2..2]^3 at its own scale.
	if !pv.State.MeshBoxPerLod[1].ContainsBox(core) {
		t.Fatalf("lod1 mesh box %+v does not cover %+v", pv.State.MeshBoxPerLod[1], core)
	}
}

// Subdivision rule: every non-root mesh box has even position and size.
func TestMeshBoxesEvenOnNonRootLods(t *testing.T) {
	positions := [][3]float64{{0, 0, 0}, {13, -7, 129}, {-501.5, 3.25, 77}, {1000, 1000, -1000}}
	for _, p := range positions {
		v := viewer.Viewer{ID: "a", WorldPosition: p, ViewDistance: 200, RequiresVisuals: true}
		pv := planOne(t, 4, v, testSettings())

		for lod := 0; lod < 3; lod++ {
			b := pv.State.MeshBoxPerLod[lod]
			if mathx.Mod(b.Pos.X, 2) != 0 || mathx.Mod(b.Pos.Y, 2) != 0 || mathx.Mod(b.Pos.Z, 2) != 0 ||
				b.Size.X%2 != 0 || b.Size.Y%2 != 0 || b.Size.Z%2 != 0 {
				t.Fatalf("viewer %v lod %d box not even: %+v", p, lod, b)
			}
		}
	}
}

// Containment rule: parent mesh box contains the child box shifted into the
// parent's coordinate system.
func TestMeshBoxContainment(t *testing.T) {
	positions := [][3]float64{{0, 0, 0}, {63, 63, 63}, {-250, 90, 481}}
	for _, p := range positions {
		v := viewer.Viewer{ID: "a", WorldPosition: p, ViewDistance: 300, RequiresVisuals: true}
		pv := planOne(t, 4, v, testSettings())

		for lod := 1; lod < 4; lod++ {
			child := pv.State.MeshBoxPerLod[lod-1]
			parent := pv.State.MeshBoxPerLod[lod]
			shifted := mathx.NewBox3i(child.Pos.Shr(1), child.Size.Shr(1))
			if !parent.ContainsBox(shifted) {
				t.Fatalf("viewer %v lod %d: parent %+v does not contain child>>1 %+v",
					p, lod, parent, shifted)
			}
			// Neighboring rule: at least two chunks of this LOD between the
			// finer and the coarser region.
			if !parent.ContainsBox(shifted.Padded(2)) {
				t.Fatalf("viewer %v lod %d: parent %+v thinner than 2 chunks around %+v",
					p, lod, parent, shifted)
			}
		}
	}
}

// Data boxes must cover the mesh boxes (scaled) padded by one data chunk.
func TestDataBoxCoversMeshBox(t *testing.T) {
	v := viewer.Viewer{ID: "a", WorldPosition: [3]float64{40, -20, 7}, ViewDistance: 150, RequiresVisuals: true}
	settings := testSettings()
	settings.MeshBlockSizePo2 = 5 // mesh chunks twice the data chunks
	pv := planOne(t, 3, v, settings)

	for lod := 0; lod < 3; lod++ {
		mesh := pv.State.MeshBoxPerLod[lod]
		data := pv.State.DataBoxPerLod[lod]
		want := mesh.Scaled(2).Padded(1)
		if !data.ContainsBox(want) {
			t.Fatalf("lod %d: data box %+v does not cover %+v", lod, data, want)
		}
	}
}

// Completeness: the root mesh box reaches at least the effective view
// distance on every side.
func TestRootBoxReachesViewDistance(t *testing.T) {
	v := viewer.Viewer{ID: "a", ViewDistance: 400, RequiresVisuals: true}
	pv := planOne(t, 3, v, testSettings())

	rootChunk := 16 << 2
	root := pv.State.MeshBoxPerLod[2]
	minReach := mathx.Box3iFromMinMax(
		mathx.Vec3iAll(mathx.FloorDiv(-400, rootChunk)),
		mathx.Vec3iAll(mathx.CeilDiv(400, rootChunk)))
	if !root.ContainsBox(minReach) {
		t.Fatalf("root box %+v does not reach view distance box %+v", root, minReach)
	}
}

func TestViewDistanceCapApplies(t *testing.T) {
	settings := testSettings()
	settings.ViewDistanceCapVoxels = 100
	v := viewer.Viewer{ID: "a", ViewDistance: 100000, RequiresVisuals: true}
	pv := planOne(t, 2, v, settings)
	if pv.State.ViewDistanceVoxels != 100 {
		t.Fatalf("view distance %d, want capped 100", pv.State.ViewDistanceVoxels)
	}
}

func TestNoMeshViewerGetsEmptyMeshBoxes(t *testing.T) {
	v := viewer.Viewer{ID: "a", ViewDistance: 64}
	pv := planOne(t, 3, v, testSettings())
	for lod := 0; lod < 3; lod++ {
		if !pv.State.MeshBoxPerLod[lod].IsEmpty() {
			t.Fatalf("lod %d mesh box not empty: %+v", lod, pv.State.MeshBoxPerLod[lod])
		}
		if pv.State.DataBoxPerLod[lod].IsEmpty() {
			t.Fatalf("lod %d data box empty in data-only mode", lod)
		}
	}
}

// Viewer at the edge of volume bounds: boxes are clipped, never
// negative-sized, and invariants still hold.
func TestBoxesClippedAtVolumeEdge(t *testing.T) {
	lodCount := 3
	bounds := mathx.NewBox3i(mathx.Vec3iAll(0), mathx.Vec3iAll(1024))
	s := NewState(lodCount, nil)
	var unpaired []int
	v := viewer.Viewer{ID: "a", WorldPosition: [3]float64{2, 3, 1020}, ViewDistance: 128, RequiresVisuals: true}
	processViewers(s, testSettings(), lodCount, []viewer.Viewer{v}, IdentityTransform(),
		bounds, 4, true, &unpaired)

	pv := s.PairedViewers[0]
	for lod := 0; lod < lodCount; lod++ {
		meshBounds := bounds.Downscaled(16 << uint(lod))
		mb := pv.State.MeshBoxPerLod[lod]
		if mb.Size.X < 0 || mb.Size.Y < 0 || mb.Size.Z < 0 {
			t.Fatalf("lod %d: negative box %+v", lod, mb)
		}
		if !mb.IsEmpty() && !meshBounds.ContainsBox(mb) {
			t.Fatalf("lod %d: box %+v escapes bounds %+v", lod, mb, meshBounds)
		}
	}
}

func TestUnpairedViewerZeroedThenRemoved(t *testing.T) {
	lodCount := 2
	s := NewState(lodCount, nil)
	var unpaired []int
	v := viewer.Viewer{ID: "a", ViewDistance: 64, RequiresVisuals: true}
	processViewers(s, testSettings(), lodCount, []viewer.Viewer{v}, IdentityTransform(),
		bigBounds(), 4, true, &unpaired)
	if len(unpaired) != 0 {
		t.Fatalf("unexpected unpaired: %v", unpaired)
	}

	// Viewer gone: boxes zero, prev boxes keep the old footprint.
	unpaired = unpaired[:0]
	processViewers(s, testSettings(), lodCount, nil, IdentityTransform(),
		bigBounds(), 4, true, &unpaired)
	if len(unpaired) != 1 {
		t.Fatalf("unpaired = %v", unpaired)
	}
	pv := s.PairedViewers[0]
	if !pv.State.DataBoxPerLod[0].IsEmpty() || pv.PrevState.DataBoxPerLod[0].IsEmpty() {
		t.Fatalf("zeroing wrong: state=%+v prev=%+v",
			pv.State.DataBoxPerLod[0], pv.PrevState.DataBoxPerLod[0])
	}

	removeUnpairedViewers(s, unpaired)
	if len(s.PairedViewers) != 0 {
		t.Fatalf("viewer not removed")
	}
}

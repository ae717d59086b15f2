package engine

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"voxelstream.dev/internal/persistence/blockdb"
	"voxelstream.dev/internal/voxel/config"
	"voxelstream.dev/internal/voxel/mathx"
	"voxelstream.dev/internal/voxel/stream"
	"voxelstream.dev/internal/voxel/viewer"
)

type countingMesher struct {
	mu    sync.Mutex
	built int
}

func (m *countingMesher) BuildMesh(pos mathx.Vec3i, lod int, voxels [][]byte) MeshOutput {
	m.mu.Lock()
	m.built++
	m.mu.Unlock()
	return MeshOutput{
		Vertices: make([][4]float32, 3),
		Indices:  []int32{0, 1, 2},
	}
}

func (m *countingMesher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.built
}

func testConfig() config.Config {
	c := config.Default()
	c.LodCount = 2
	c.LodDistanceVoxels = 32
	c.ViewDistanceCapVoxels = 64
	c.BoundsMin = [3]int{-512, -512, -512}
	c.BoundsSize = [3]int{1024, 1024, 1024}
	c.Workers = 2
	return c
}

func flatGenerator(pos mathx.Vec3i, lod int) []byte {
	return []byte{byte(lod)}
}

// tickUntil runs engine ticks until cond holds, giving workers time to
// drain between ticks.
func tickUntil(t *testing.T, e *Engine, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if err := e.Tick(); err != nil {
			t.Fatalf("tick: %v", err)
		}
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestStreamLoadMeshActivateUnload(t *testing.T) {
	mesher := &countingMesher{}
	var mu sync.Mutex
	activated := 0

	cfg := testConfig()
	e, err := New(cfg, flatGenerator, Options{
		Mesher: mesher,
		Callbacks: Callbacks{
			MeshActivated: func(stream.BlockLocation) {
				mu.Lock()
				activated++
				mu.Unlock()
			},
		},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	id := viewer.NewID()
	e.Registry().Set(viewer.Viewer{ID: id, ViewDistance: 64, RequiresVisuals: true})

	// Data streams in.
	tickUntil(t, e, "data blocks resident", func() bool {
		return e.Grid().BlockCount(0) > 0 && e.Grid().BlockCount(1) > 0
	})

	// Meshes build and activate.
	tickUntil(t, e, "meshes built", func() bool { return mesher.count() > 0 })
	tickUntil(t, e, "meshes activated", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return activated > 0
	})

	// Removing the viewer unloads everything.
	e.Registry().Remove(id)
	tickUntil(t, e, "grid empty", func() bool {
		return e.Grid().BlockCount(0) == 0 && e.Grid().BlockCount(1) == 0
	})
}

func TestTooManyViewersAbortsTick(t *testing.T) {
	e, err := New(testConfig(), flatGenerator, Options{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	for i := 0; i < MaxViewers+1; i++ {
		e.Registry().Set(viewer.Viewer{ID: viewer.ID(fmt.Sprintf("v%03d", i))})
	}
	if err := e.Tick(); !errors.Is(err, ErrTooManyViewers) {
		t.Fatalf("tick error = %v", err)
	}
}

func TestModifiedBlocksAreSavedOnUnload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocks.db")
	store, err := blockdb.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	e, err := New(testConfig(), flatGenerator, Options{Store: store})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	id := viewer.NewID()
	e.Registry().Set(viewer.Viewer{ID: id, ViewDistance: 64, RequiresCollisions: true})

	tickUntil(t, e, "blocks resident", func() bool { return e.Grid().BlockCount(0) > 0 })

	// Edit one resident block, then walk away.
	var edited *mathx.Vec3i
	probe := mathx.NewBox3i(mathx.Vec3iAll(-2), mathx.Vec3iAll(4))
	probe.ForEachCell(func(pos mathx.Vec3i) {
		if edited == nil && e.Grid().GetBlock(pos, 0) != nil {
			p := pos
			edited = &p
		}
	})
	if edited == nil {
		t.Fatal("no resident block to edit")
	}
	if !e.Grid().MarkModified(*edited, 0) {
		t.Fatal("mark modified failed")
	}

	e.Registry().Remove(id)
	tickUntil(t, e, "grid unloaded", func() bool { return e.Grid().BlockCount(0) == 0 })

	// The edited block reached the store; untouched blocks did not.
	waitStored(t, store, 1)
	voxels, ok, err := store.Load(0, edited.X, edited.Y, edited.Z)
	if err != nil || !ok {
		t.Fatalf("edited block not saved: ok=%v err=%v", ok, err)
	}
	if len(voxels) == 0 {
		t.Fatal("saved block has empty payload")
	}
}

func TestEditRefreshesParentLodMirror(t *testing.T) {
	var mu sync.Mutex
	lodderCalls := 0

	cfg := testConfig()
	e, err := New(cfg, flatGenerator, Options{
		Lodder: func(parentPos mathx.Vec3i, parentLod int, children [][]byte) []byte {
			mu.Lock()
			lodderCalls++
			mu.Unlock()
			if len(children) != 8 {
				t.Errorf("lodder got %d children, want 8", len(children))
			}
			return []byte{0xCD}
		},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	id := viewer.NewID()
	e.Registry().Set(viewer.Viewer{ID: id, ViewDistance: 64, RequiresCollisions: true})

	// Wait for the edited block's sibling group and its parent mirror.
	childBox := mathx.NewBox3i(mathx.Vec3i{}, mathx.Vec3iAll(2))
	tickUntil(t, e, "children and parent resident", func() bool {
		if e.Grid().GetBlock(mathx.Vec3i{}, 1) == nil {
			return false
		}
		_, ok := e.Grid().SnapshotArea(childBox, 0)
		return ok
	})

	if !e.Grid().MarkModified(mathx.Vec3i{}, 0) {
		t.Fatal("mark modified failed")
	}
	if err := e.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}

	parent := e.Grid().GetBlock(mathx.Vec3i{}, 1)
	if parent == nil {
		t.Fatal("parent mirror unloaded")
	}
	if len(parent.Voxels) != 1 || parent.Voxels[0] != 0xCD {
		t.Fatalf("parent voxels %v, want refreshed mirror", parent.Voxels)
	}
	// The refreshed mirror is itself an edit: it must be saved on unload.
	if !parent.IsModified() {
		t.Fatal("refreshed parent not marked modified")
	}
	mu.Lock()
	if lodderCalls != 1 {
		t.Fatalf("lodder ran %d times, want 1", lodderCalls)
	}
	mu.Unlock()

	// With the root refreshed there is nothing above to cascade into.
	if err := e.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	mu.Lock()
	if lodderCalls != 1 {
		t.Fatalf("lodder ran again without edits: %d", lodderCalls)
	}
	mu.Unlock()
}

func TestSavedBlockIsFetchedNotRegenerated(t *testing.T) {
	dir := t.TempDir()
	store, err := blockdb.Open(filepath.Join(dir, "blocks.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	// Pre-save a block with a marker payload inside the viewer's range.
	marker := []byte{0xAB}
	store.Save(blockdb.SavedBlock{Lod: 0, X: 0, Y: 0, Z: 0, Voxels: marker})
	waitStored(t, store, 1)

	e, err := New(testConfig(), flatGenerator, Options{Store: store})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	id := viewer.NewID()
	e.Registry().Set(viewer.Viewer{ID: id, ViewDistance: 64, RequiresCollisions: true})

	tickUntil(t, e, "marker block resident", func() bool {
		return e.Grid().GetBlock(mathx.Vec3i{}, 0) != nil
	})
	b := e.Grid().GetBlock(mathx.Vec3i{}, 0)
	if len(b.Voxels) != 1 || b.Voxels[0] != 0xAB {
		t.Fatalf("block payload %v, want stored marker", b.Voxels)
	}
}

func waitStored(t *testing.T, store *blockdb.Store, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if n, err := store.Count(); err == nil && n >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("store never reached %d blocks", want)
}

// Package grid implements the chunked voxel storage across LODs. Blocks are
// refcounted by viewed areas: the first view of a missing block reports it
// for loading, the last unview drops it (through a save if it was edited).
package grid

import (
	"sync"

	"voxelstream.dev/internal/voxel/mathx"
)

// DataBlock stores loaded voxel data for one chunk of the volume. Meshes and
// colliders are stored separately by the streaming state.
type DataBlock struct {
	Position mathx.Vec3i
	Lod      int

	// Voxels is an opaque payload owned by the generator/mesher pair.
	Voxels []byte

	viewers refCount

	// The block differs from the time it was loaded and should be saved.
	modified bool
	// The block was edited, so its LOD mirrors need recomputing.
	needsLodding bool
}

func (b *DataBlock) IsModified() bool    { return b.modified }
func (b *DataBlock) NeedsLodding() bool  { return b.needsLodding }
func (b *DataBlock) ViewerCount() int    { return b.viewers.get() }
func (b *DataBlock) SetVoxels(v []byte)  { b.Voxels = v }
func (b *DataBlock) clearNeedsLodding()  { b.needsLodding = false }

// BlockToSave leaves the engine towards the storage subsystem.
type BlockToSave struct {
	Position mathx.Vec3i
	Lod      int
	Voxels   []byte
}

type refCount struct {
	n int
}

func (r *refCount) add() int    { r.n++; return r.n }
func (r *refCount) remove() int { r.n--; return r.n }
func (r *refCount) get() int    { return r.n }

type lodMap struct {
	mu     sync.RWMutex
	blocks map[mathx.Vec3i]*DataBlock
}

// Grid owns the per-LOD block maps. View/unview bookkeeping runs on the
// update task; mesh builders take read locks to snapshot voxels.
type Grid struct {
	blockSizePo2 int
	lodCount     int
	bounds       mathx.Box3i
	streaming    bool

	mu                sync.Mutex
	fullLoadCompleted bool

	lods []lodMap
}

func New(blockSizePo2, lodCount int, bounds mathx.Box3i, streaming bool) *Grid {
	g := &Grid{
		blockSizePo2: blockSizePo2,
		lodCount:     lodCount,
		bounds:       bounds,
		streaming:    streaming,
		lods:         make([]lodMap, lodCount),
	}
	for i := range g.lods {
		g.lods[i].blocks = map[mathx.Vec3i]*DataBlock{}
	}
	return g
}

func (g *Grid) BlockSizePo2() int      { return g.blockSizePo2 }
func (g *Grid) BlockSize() int         { return 1 << uint(g.blockSizePo2) }
func (g *Grid) LodCount() int          { return g.lodCount }
func (g *Grid) Bounds() mathx.Box3i    { return g.bounds }
func (g *Grid) IsStreamingEnabled() bool { return g.streaming }

func (g *Grid) IsFullLoadCompleted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fullLoadCompleted
}

func (g *Grid) SetFullLoadCompleted() {
	g.mu.Lock()
	g.fullLoadCompleted = true
	g.mu.Unlock()
}

// BoundsInBlocks returns the volume bounds in block coordinates of the given
// LOD. Correct as long as bounds size is a multiple of the largest LOD chunk.
func (g *Grid) BoundsInBlocks(lod int) mathx.Box3i {
	po2 := uint(g.blockSizePo2 + lod)
	return mathx.NewBox3i(g.bounds.Pos.Shr(po2), g.bounds.Size.Shr(po2))
}

// ViewArea increments the refcount of every block in the box. Cells with no
// block yet are appended to missing; cells that already hold a block are
// appended to presentLoaded.
func (g *Grid) ViewArea(box mathx.Box3i, lod int, missing, presentLoaded *[]mathx.Vec3i) {
	lm := &g.lods[lod]
	lm.mu.Lock()
	defer lm.mu.Unlock()

	box.ForEachCell(func(pos mathx.Vec3i) {
		b, ok := lm.blocks[pos]
		if !ok {
			if missing != nil {
				*missing = append(*missing, pos)
			}
			return
		}
		b.viewers.add()
		if presentLoaded != nil {
			*presentLoaded = append(*presentLoaded, pos)
		}
	})
}

// UnviewArea decrements refcounts over the box. Blocks found are appended to
// found; cells with no block (still loading, or never loaded) go to missing.
// Blocks whose refcount reaches zero are removed, and the modified ones are
// appended to toSave.
func (g *Grid) UnviewArea(box mathx.Box3i, lod int, found, missing *[]mathx.Vec3i, toSave *[]BlockToSave) {
	lm := &g.lods[lod]
	lm.mu.Lock()
	defer lm.mu.Unlock()

	box.ForEachCell(func(pos mathx.Vec3i) {
		b, ok := lm.blocks[pos]
		if !ok {
			if missing != nil {
				*missing = append(*missing, pos)
			}
			return
		}
		if found != nil {
			*found = append(*found, pos)
		}
		if b.viewers.remove() <= 0 {
			delete(lm.blocks, pos)
			if b.modified && toSave != nil {
				*toSave = append(*toSave, BlockToSave{Position: pos, Lod: lod, Voxels: b.Voxels})
			}
		}
	})
}

// HasAllBlocksInArea reports whether every cell of the box holds a block.
func (g *Grid) HasAllBlocksInArea(box mathx.Box3i, lod int) bool {
	lm := &g.lods[lod]
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	all := true
	box.ForEachCell(func(pos mathx.Vec3i) {
		if _, ok := lm.blocks[pos]; !ok {
			all = false
		}
	})
	return all
}

// InsertLoadedBlock installs a block arriving from a loader. The viewer
// refcount starts at the number of viewers recorded by the caller, since
// views happened while the block was loading. Returns false if a block is
// already present at that location (stale completion).
func (g *Grid) InsertLoadedBlock(pos mathx.Vec3i, lod int, voxels []byte, viewers int) bool {
	lm := &g.lods[lod]
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if _, ok := lm.blocks[pos]; ok {
		return false
	}
	lm.blocks[pos] = &DataBlock{
		Position: pos,
		Lod:      lod,
		Voxels:   voxels,
		viewers:  refCount{n: viewers},
	}
	return true
}

// GetBlock returns the block at (pos, lod), or nil.
func (g *Grid) GetBlock(pos mathx.Vec3i, lod int) *DataBlock {
	lm := &g.lods[lod]
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return lm.blocks[pos]
}

// SnapshotArea copies voxel payload references for every block in the box,
// in box iteration order. Cells without a block yield nil entries and
// ok=false. Mesh builders use this to read a padded neighborhood without
// holding the lock while meshing.
func (g *Grid) SnapshotArea(box mathx.Box3i, lod int) (payloads [][]byte, ok bool) {
	lm := &g.lods[lod]
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	ok = true
	payloads = make([][]byte, 0, box.CellCount())
	box.ForEachCell(func(pos mathx.Vec3i) {
		b := lm.blocks[pos]
		if b == nil {
			ok = false
			payloads = append(payloads, nil)
			return
		}
		payloads = append(payloads, b.Voxels)
	})
	return payloads, ok
}

// MarkModified flags a block as edited: it must be saved on unload and its
// LOD mirrors need recomputing. Parent mirrors may lag behind LOD0.
func (g *Grid) MarkModified(pos mathx.Vec3i, lod int) bool {
	lm := &g.lods[lod]
	lm.mu.Lock()
	defer lm.mu.Unlock()

	b, ok := lm.blocks[pos]
	if !ok {
		return false
	}
	b.modified = true
	b.needsLodding = true
	return true
}

// UpdateBlockVoxels replaces a resident block's payload, marking it both
// modified and in need of lodding so the refresh cascades upward.
func (g *Grid) UpdateBlockVoxels(pos mathx.Vec3i, lod int, voxels []byte) bool {
	lm := &g.lods[lod]
	lm.mu.Lock()
	defer lm.mu.Unlock()

	b, ok := lm.blocks[pos]
	if !ok {
		return false
	}
	b.Voxels = voxels
	b.modified = true
	b.needsLodding = true
	return true
}

// TakeBlocksNeedingLodding clears and returns positions flagged for LOD
// recomputation at the given level.
func (g *Grid) TakeBlocksNeedingLodding(lod int) []mathx.Vec3i {
	lm := &g.lods[lod]
	lm.mu.Lock()
	defer lm.mu.Unlock()

	var out []mathx.Vec3i
	for pos, b := range lm.blocks {
		if b.needsLodding {
			b.clearNeedsLodding()
			out = append(out, pos)
		}
	}
	return out
}

// BlockCount returns the number of resident blocks at the given LOD.
func (g *Grid) BlockCount(lod int) int {
	lm := &g.lods[lod]
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return len(lm.blocks)
}

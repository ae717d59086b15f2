// Package stream implements clipbox streaming: per-viewer resident boxes
// per LOD, the diff that turns box movement into load/unload/mesh events,
// and the subdivision protocol that activates meshes without holes or
// overlaps.
//
// One update task owns all mutable state here and runs to completion each
// tick. Background workers only post into the loaded-block inboxes and flip
// the Loaded flag of mesh blocks under the per-LOD read lock.
package stream

import (
	"log"
	"sync"
	"sync/atomic"

	"voxelstream.dev/internal/voxel/mathx"
	"voxelstream.dev/internal/voxel/viewer"
)

type MeshState uint8

const (
	MeshNeverUpdated MeshState = iota
	MeshNeedUpdate
	MeshUpdateNotSent
	MeshUpdateSent
)

type refCount struct {
	n int
}

func (r *refCount) add() int    { r.n++; return r.n }
func (r *refCount) remove() int { r.n--; return r.n }
func (r *refCount) get() int    { return r.n }

// Get returns the current reference count for callers outside this package.
func (r *refCount) Get() int { return r.get() }

// MeshBlockState tracks one mesh chunk of one LOD. Structural fields are
// owned by the update task; Loaded is flipped by mesh builders under the
// per-LOD read lock, so it is atomic.
type MeshBlockState struct {
	State  MeshState
	Active bool
	Loaded atomic.Bool

	// TransitionMask marks the faces abutting a coarser LOD (bit order:
	// -x, +x, -y, +y, -z, +z), used to stitch seams.
	TransitionMask uint8

	meshViewers      refCount
	collisionViewers refCount
}

// LoadingDataBlock tracks one pending data load. Cancelled is shared with
// the loader task: the differ sets it when no viewer wants the block
// anymore, and the loader skips work when it observes the flag.
type LoadingDataBlock struct {
	Viewers   refCount
	Cancelled *atomic.Bool
}

// BlockLocation addresses a block in a specific LOD.
type BlockLocation struct {
	Position mathx.Vec3i
	Lod      int
}

// LoadRequest leaves the differ towards the loader workers.
type LoadRequest struct {
	Location  BlockLocation
	Cancelled *atomic.Bool
}

// TransitionUpdate reports a recomputed seam mask to the renderer.
type TransitionUpdate struct {
	Position mathx.Vec3i
	Mask     uint8
}

// Lod is the per-LOD streaming state. MeshMap is guarded by MeshMapLock;
// everything else is owned by the update task.
type Lod struct {
	MeshMapLock sync.RWMutex
	MeshMap     map[mathx.Vec3i]*MeshBlockState

	LoadingBlocks map[mathx.Vec3i]*LoadingDataBlock

	MeshBlocksPendingUpdate []mathx.Vec3i

	// Per-tick visibility outputs, consumed by the renderer side.
	MeshBlocksToActivate   []mathx.Vec3i
	MeshBlocksToDeactivate []mathx.Vec3i
	MeshBlocksToUnload     []mathx.Vec3i

	MeshBlocksToUpdateTransitions []TransitionUpdate
}

// ViewerBoxState is the per-viewer result of box planning for one tick.
type ViewerBoxState struct {
	ViewDistanceVoxels  int
	LocalPositionVoxels mathx.Vec3i
	RequiresCollisions  bool
	RequiresMeshes      bool

	DataBoxPerLod []mathx.Box3i
	MeshBoxPerLod []mathx.Box3i
}

func newViewerBoxState(lodCount int) ViewerBoxState {
	return ViewerBoxState{
		DataBoxPerLod: make([]mathx.Box3i, lodCount),
		MeshBoxPerLod: make([]mathx.Box3i, lodCount),
	}
}

func (s *ViewerBoxState) copyTo(dst *ViewerBoxState) {
	dst.ViewDistanceVoxels = s.ViewDistanceVoxels
	dst.LocalPositionVoxels = s.LocalPositionVoxels
	dst.RequiresCollisions = s.RequiresCollisions
	dst.RequiresMeshes = s.RequiresMeshes
	dst.DataBoxPerLod = append(dst.DataBoxPerLod[:0], s.DataBoxPerLod...)
	dst.MeshBoxPerLod = append(dst.MeshBoxPerLod[:0], s.MeshBoxPerLod...)
}

// PairedViewer is a viewer the streaming state has observed. It survives one
// tick past removal with zeroed boxes so the differ emits the unloads.
type PairedViewer struct {
	ID        viewer.ID
	State     ViewerBoxState
	PrevState ViewerBoxState
}

// Settings are the volume-level knobs of the streaming system.
type Settings struct {
	MeshBlockSizePo2      int
	LodDistanceVoxels     float64
	ViewDistanceCapVoxels int
	TransitionUpdates     bool
}

// Transform maps world space into volume-local space. Only uniform scale is
// supported.
type Transform struct {
	Scale  float64
	Offset [3]float64
}

func IdentityTransform() Transform {
	return Transform{Scale: 1}
}

func (t Transform) ToLocal(world [3]float64) [3]float64 {
	return [3]float64{
		world[0]*t.Scale + t.Offset[0],
		world[1]*t.Scale + t.Offset[1],
		world[2]*t.Scale + t.Offset[2],
	}
}

// State is the whole clipbox streaming state for one volume.
type State struct {
	PairedViewers []*PairedViewer
	Lods          []Lod

	loadedDataMu     sync.Mutex
	loadedDataBlocks []BlockLocation

	loadedMeshMu     sync.Mutex
	loadedMeshBlocks []BlockLocation

	logger  *log.Logger
	verbose bool
}

func NewState(lodCount int, logger *log.Logger) *State {
	s := &State{
		Lods:   make([]Lod, lodCount),
		logger: logger,
	}
	for i := range s.Lods {
		s.Lods[i].MeshMap = map[mathx.Vec3i]*MeshBlockState{}
		s.Lods[i].LoadingBlocks = map[mathx.Vec3i]*LoadingDataBlock{}
	}
	return s
}

func (s *State) SetVerbose(v bool) {
	s.verbose = v
}

func (s *State) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

func (s *State) logVerbose(format string, args ...any) {
	if s.verbose && s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// NotifyDataBlockLoaded records a data block that became resident in the
// grid, or whose voxels were replaced, so the next Process can trigger
// meshing around it. The engine calls it from the update task.
func (s *State) NotifyDataBlockLoaded(loc BlockLocation) {
	s.loadedDataMu.Lock()
	s.loadedDataBlocks = append(s.loadedDataBlocks, loc)
	s.loadedDataMu.Unlock()
}

// NotifyMeshBlockLoaded is called by mesh builders after they flip a mesh
// block's Loaded flag.
func (s *State) NotifyMeshBlockLoaded(loc BlockLocation) {
	s.loadedMeshMu.Lock()
	s.loadedMeshBlocks = append(s.loadedMeshBlocks, loc)
	s.loadedMeshMu.Unlock()
}

func (s *State) drainLoadedDataBlocks(buf []BlockLocation) []BlockLocation {
	s.loadedDataMu.Lock()
	buf = append(buf[:0], s.loadedDataBlocks...)
	s.loadedDataBlocks = s.loadedDataBlocks[:0]
	s.loadedDataMu.Unlock()
	return buf
}

func (s *State) drainLoadedMeshBlocks(buf []BlockLocation) []BlockLocation {
	s.loadedMeshMu.Lock()
	buf = append(buf[:0], s.loadedMeshBlocks...)
	s.loadedMeshBlocks = s.loadedMeshBlocks[:0]
	s.loadedMeshMu.Unlock()
	return buf
}

// MarkMeshBlocksNeedUpdate reverts already-meshed blocks depending on one
// data block (its covering mesh chunk and the neighbors that read it) to
// NEED_UPDATE, so the next loaded-data trigger reschedules them. Update
// task only.
func (s *State) MarkMeshBlocksNeedUpdate(loc BlockLocation, dataToMeshShift uint) {
	lod := &s.Lods[loc.Lod]
	neighborhood := mathx.NewBox3i(loc.Position.Sub(mathx.Vec3iAll(1)), mathx.Vec3iAll(3))

	seen := map[mathx.Vec3i]struct{}{}
	neighborhood.ForEachCell(func(dataPos mathx.Vec3i) {
		meshPos := dataPos.Shr(dataToMeshShift)
		if _, done := seen[meshPos]; done {
			return
		}
		seen[meshPos] = struct{}{}
		if mb, ok := lod.MeshMap[meshPos]; ok && mb.State == MeshUpdateSent {
			mb.State = MeshNeedUpdate
		}
	})
}

// MarkMeshBlockLoaded is the mesh-builder completion path: flip Loaded under
// the read lock, then post into the inbox. Returns false if the block is no
// longer in the map (cancelled by the differ).
func (s *State) MarkMeshBlockLoaded(loc BlockLocation) bool {
	lod := &s.Lods[loc.Lod]
	lod.MeshMapLock.RLock()
	mb, ok := lod.MeshMap[loc.Position]
	if ok {
		mb.Loaded.Store(true)
	}
	lod.MeshMapLock.RUnlock()
	if !ok {
		return false
	}
	s.NotifyMeshBlockLoaded(loc)
	return true
}

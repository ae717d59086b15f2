package stream

import (
	"voxelstream.dev/internal/voxel/grid"
	"voxelstream.dev/internal/voxel/mathx"
	"voxelstream.dev/internal/voxel/viewer"
)

// tickScratch holds reusable per-tick buffers, cleared at entry of each use.
type tickScratch struct {
	missing      []mathx.Vec3i
	found        []mathx.Vec3i
	loadedBlocks []BlockLocation
	unpaired     []int
}

// TickOutputs collects everything one streaming step wants the outside
// world to do.
type TickOutputs struct {
	DataBlocksToLoad []LoadRequest
	BlocksToSave     []grid.BlockToSave
}

// Streamer runs the clipbox streaming step. It owns no goroutine itself;
// the caller's update task invokes Process once per tick.
type Streamer struct {
	state    *State
	settings Settings
	scratch  tickScratch
}

func NewStreamer(state *State, settings Settings) *Streamer {
	return &Streamer{state: state, settings: settings}
}

func (st *Streamer) State() *State {
	return st.state
}

// Process runs one full streaming step, in the fixed order: viewer pairing
// and box planning, data diff, mesh-map diff, viewer removal, loaded-data
// meshing triggers, loaded-mesh activation, transition masks. Load events
// drained at the end must see the mesh map produced by the diff, which is
// why the order is not negotiable.
func (st *Streamer) Process(
	g *grid.Grid,
	viewers []viewer.Viewer,
	transform Transform,
	out *TickOutputs,
	canLoad, canMesh bool,
) {
	s := st.state
	lodCount := g.LodCount()
	boundsInVoxels := g.Bounds()
	streamingEnabled := g.IsStreamingEnabled()

	st.scratch.unpaired = st.scratch.unpaired[:0]
	processViewers(s, st.settings, lodCount, viewers, transform, boundsInVoxels,
		g.BlockSizePo2(), canMesh, &st.scratch.unpaired)

	if streamingEnabled {
		processDataBlocksSlidingBox(s, g, &out.BlocksToSave, &out.DataBlocksToLoad,
			st.settings, lodCount, canLoad, &st.scratch)
	} else if !g.IsFullLoadCompleted() {
		// Nothing to do until the full load lands; mesh blocks created
		// before that would never get a meshing trigger. Unpaired viewers
		// stay until then, they are re-detected every tick.
		return
	}

	processMeshBlocksSlidingBox(s, st.settings, boundsInVoxels, lodCount,
		!streamingEnabled, canLoad)

	// Removing paired viewers only after the diffs: removal is modeled as
	// boxes shrinking to nothing, which needs one diff pass to unload.
	removeUnpairedViewers(s, st.scratch.unpaired)

	if streamingEnabled {
		processLoadedDataBlocksTriggerMeshing(s, g, st.settings, &st.scratch)
	}

	processLoadedMeshBlocksTriggerVisibilityChanges(s, lodCount,
		st.settings.TransitionUpdates, &st.scratch)
}

// TakePendingMeshUpdates moves the pending-update queue of one LOD to the
// caller, marking each block as sent.
func (st *Streamer) TakePendingMeshUpdates(lodIndex int, buf []mathx.Vec3i) []mathx.Vec3i {
	lod := &st.state.Lods[lodIndex]
	buf = append(buf[:0], lod.MeshBlocksPendingUpdate...)
	lod.MeshBlocksPendingUpdate = lod.MeshBlocksPendingUpdate[:0]
	for _, bpos := range buf {
		if mb, ok := lod.MeshMap[bpos]; ok {
			mb.State = MeshUpdateSent
		}
	}
	return buf
}

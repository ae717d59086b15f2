package stream

import (
	"voxelstream.dev/internal/voxel/grid"
	"voxelstream.dev/internal/voxel/mathx"
)

// processLoadedDataBlocksTriggerMeshing drains the loaded-data inbox and
// schedules meshing for every mesh chunk whose padded data neighborhood just
// became complete. Streaming mode only: in full-load mode meshing is
// triggered when mesh blocks enter the clipbox.
func processLoadedDataBlocksTriggerMeshing(
	s *State,
	g *grid.Grid,
	settings Settings,
	scratch *tickScratch,
) {
	scratch.loadedBlocks = s.drainLoadedDataBlocks(scratch.loadedBlocks)
	if len(scratch.loadedBlocks) == 0 {
		return
	}

	dataToMeshShift := uint(settings.MeshBlockSizePo2 - g.BlockSizePo2())

	checkedPerLod := make([]map[mathx.Vec3i]struct{}, len(s.Lods))

	for _, bloc := range scratch.loadedBlocks {
		// Multiple mesh blocks can depend on this data block because of
		// neighbor requirements.
		boundsInDataBlocks := g.BoundsInBlocks(bloc.Lod)
		dataNeighboring := mathx.NewBox3i(bloc.Position.Sub(mathx.Vec3iAll(1)), mathx.Vec3iAll(3)).
			Clip(boundsInDataBlocks)

		checked := checkedPerLod[bloc.Lod]
		if checked == nil {
			checked = map[mathx.Vec3i]struct{}{}
			checkedPerLod[bloc.Lod] = checked
		}
		lod := &s.Lods[bloc.Lod]
		lodIndex := bloc.Lod

		dataNeighboring.ForEachCell(func(dataPos mathx.Vec3i) {
			meshPos := dataPos.Shr(dataToMeshShift)
			if _, done := checked[meshPos]; done {
				return
			}
			checked[meshPos] = struct{}{}

			// Only the update task adds or removes map entries, so no lock
			// is needed to look one up here.
			mb, ok := lod.MeshMap[meshPos]
			if !ok {
				// Not requested.
				return
			}
			if mb.State != MeshNeedUpdate && mb.State != MeshNeverUpdated {
				// Already updated or updating.
				return
			}

			dataBox := mathx.NewBox3i(
				meshPos.Shl(dataToMeshShift).Sub(mathx.Vec3iAll(1)),
				mathx.Vec3iAll((1<<dataToMeshShift)+2),
			).Clip(boundsInDataBlocks)

			if g.HasAllBlocksInArea(dataBox, lodIndex) {
				// Data blocks won't unload between here and mesh gathering,
				// because unloading runs before this step in the tick.
				lod.MeshBlocksPendingUpdate = append(lod.MeshBlocksPendingUpdate, meshPos)
				mb.State = MeshUpdateNotSent
			}
		})
	}
}

// updateMeshBlockLoad runs subdivision from one freshly built mesh block:
// activate the root directly; below the root, swap a whole sibling group in
// for its parent only once all 8 are built, then recurse. A parent stays
// visible until every child is ready, which is what keeps the surface free
// of holes and overlaps.
func updateMeshBlockLoad(s *State, bpos mathx.Vec3i, lodIndex, lodCount int) {
	lod := &s.Lods[lodIndex]
	mb, ok := lod.MeshMap[bpos]
	if !ok || !mb.Loaded.Load() {
		return
	}

	parentLodIndex := lodIndex + 1
	if parentLodIndex == lodCount {
		// Root: no siblings to coordinate with.
		if !mb.Active {
			mb.Active = true
			lod.MeshBlocksToActivate = append(lod.MeshBlocksToActivate, bpos)
		}
		if lodIndex > 0 {
			childLodIndex := lodIndex - 1
			for childIndex := uint(0); childIndex < 8; childIndex++ {
				updateMeshBlockLoad(s, mathx.ChildPosition(bpos, childIndex), childLodIndex, lodCount)
			}
		}
		return
	}

	// Not root: activation is all-or-none across the 8 siblings.
	parentPos := bpos.Shr(1)
	parentLod := &s.Lods[parentLodIndex]

	parentMb, ok := parentLod.MeshMap[parentPos]
	if !ok {
		// Sliding boxes contain each other, so the parent must exist.
		s.logf("expected parent mesh block at lod %d %v due to subdivision rules", parentLodIndex, parentPos)
		return
	}

	if !parentMb.Active {
		return
	}

	allSiblingsLoaded := true
	for siblingIndex := uint(0); siblingIndex < 8; siblingIndex++ {
		siblingPos := mathx.ChildPosition(parentPos, siblingIndex)
		sibling, ok := lod.MeshMap[siblingPos]
		if !ok {
			// Mesh blocks exist in groups of 8 under subdivision rules, so a
			// missing sibling is a desync; treat it as not loaded.
			s.logf("missing sibling mesh block at lod %d %v", lodIndex, siblingPos)
			allSiblingsLoaded = false
			break
		}
		if !sibling.Loaded.Load() {
			allSiblingsLoaded = false
			break
		}
	}

	if !allSiblingsLoaded {
		return
	}

	// Hide the parent, show all 8 siblings.
	parentMb.Active = false
	parentLod.MeshBlocksToDeactivate = append(parentLod.MeshBlocksToDeactivate, parentPos)

	for siblingIndex := uint(0); siblingIndex < 8; siblingIndex++ {
		siblingPos := mathx.ChildPosition(parentPos, siblingIndex)
		sibling := lod.MeshMap[siblingPos]
		sibling.Active = true
		lod.MeshBlocksToActivate = append(lod.MeshBlocksToActivate, siblingPos)

		if lodIndex > 0 {
			childLodIndex := lodIndex - 1
			for childIndex := uint(0); childIndex < 8; childIndex++ {
				updateMeshBlockLoad(s, mathx.ChildPosition(siblingPos, childIndex), childLodIndex, lodCount)
			}
		}
	}
}

// processLoadedMeshBlocksTriggerVisibilityChanges drains the loaded-mesh
// inbox, runs subdivision from each block, then refreshes transition masks
// on each touched LOD and the two coarser LODs above it.
func processLoadedMeshBlocksTriggerVisibilityChanges(
	s *State,
	lodCount int,
	enableTransitionUpdates bool,
	scratch *tickScratch,
) {
	scratch.loadedBlocks = s.drainLoadedMeshBlocks(scratch.loadedBlocks)

	for _, bloc := range scratch.loadedBlocks {
		updateMeshBlockLoad(s, bloc.Position, bloc.Lod, lodCount)
	}

	if enableTransitionUpdates && len(scratch.loadedBlocks) > 0 {
		var lodsToUpdateTransitions uint32
		for _, bloc := range scratch.loadedBlocks {
			lodsToUpdateTransitions |= 0b111 << uint(bloc.Lod)
		}
		updateTransitionMasks(s, lodsToUpdateTransitions, lodCount)
	}
}

package stream

import (
	"math"

	"voxelstream.dev/internal/voxel/mathx"
	"voxelstream.dev/internal/voxel/viewer"
)

// baseBoxInChunks builds the box of chunks within distanceVoxels of the
// viewer. The +1 breaks rounding ties so the box size stays stable when the
// distance is a multiple of the chunk size. When makeEven, min and max are
// rounded outward to the even grid for the subdivision rule.
func baseBoxInChunks(viewerPositionVoxels mathx.Vec3i, distanceVoxels, chunkSize int, makeEven bool) mathx.Box3i {
	minp := viewerPositionVoxels.Sub(mathx.Vec3iAll(distanceVoxels))
	maxp := viewerPositionVoxels.Add(mathx.Vec3iAll(distanceVoxels + 1))

	minp = minp.FloorDiv(chunkSize)
	maxp = maxp.CeilDiv(chunkSize)

	if makeEven {
		minp = minp.FloorDiv(2).Mul(2)
		maxp = maxp.CeilDiv(2).Mul(2)
	}

	return mathx.Box3iFromMinMax(minp, maxp)
}

func lodDistanceInMeshChunks(lodDistanceVoxels float64, meshBlockSize int) int {
	return mathx.MaxInt(int(math.Ceil(lodDistanceVoxels))/meshBlockSize, 1)
}

func findPairedViewer(viewers []*PairedViewer, id viewer.ID) (int, bool) {
	for i, pv := range viewers {
		if pv.ID == id {
			return i, true
		}
	}
	return 0, false
}

func containsViewer(viewers []viewer.Viewer, id viewer.ID) bool {
	for i := range viewers {
		if viewers[i].ID == id {
			return true
		}
	}
	return false
}

// processViewers pairs viewers and computes their data and mesh boxes for
// every LOD. Unpaired viewers get zeroed boxes and their indices appended to
// unpairedToRemove (ascending); the caller removes them after diffing so the
// zeroed boxes produce one final round of unloads.
func processViewers(
	s *State,
	settings Settings,
	lodCount int,
	viewers []viewer.Viewer,
	transform Transform,
	volumeBoundsInVoxels mathx.Box3i,
	dataBlockSizePo2 int,
	canMesh bool,
	unpairedToRemove *[]int,
) {
	// Destroyed viewers: zero the boxes so the diff unloads everything they
	// still referenced.
	for i, pv := range s.PairedViewers {
		if containsViewer(viewers, pv.ID) {
			continue
		}
		s.logVerbose("detected destroyed viewer %s", pv.ID)

		pv.State.ViewDistanceVoxels = 0
		// Assign prev state first, otherwise resetting boxes could make them
		// equal to prev state and cause no unload.
		pv.State.copyTo(&pv.PrevState)
		for lod := range pv.State.DataBoxPerLod {
			pv.State.DataBoxPerLod[lod] = mathx.Box3i{}
		}
		for lod := range pv.State.MeshBoxPerLod {
			pv.State.MeshBoxPerLod[lod] = mathx.Box3i{}
		}
		*unpairedToRemove = append(*unpairedToRemove, i)
	}

	viewDistanceScale := transform.Scale

	dataBlockSize := 1 << uint(dataBlockSizePo2)
	meshBlockSize := 1 << uint(settings.MeshBlockSizePo2)
	meshToDataFactor := meshBlockSize / dataBlockSize

	ldMeshChunks := lodDistanceInMeshChunks(settings.LodDistanceVoxels, meshBlockSize)
	// Data chunks are driven by mesh chunks, because meshing needs data.
	ldDataChunks := ldMeshChunks * meshToDataFactor

	for i := range viewers {
		v := &viewers[i]

		idx, found := findPairedViewer(s.PairedViewers, v.ID)
		if !found {
			pv := &PairedViewer{
				ID:        v.ID,
				State:     newViewerBoxState(lodCount),
				PrevState: newViewerBoxState(lodCount),
			}
			idx = len(s.PairedViewers)
			s.PairedViewers = append(s.PairedViewers, pv)
			s.logVerbose("pairing viewer %s", v.ID)
		}
		pv := s.PairedViewers[idx]

		// Current state becomes the previous state.
		pv.State.copyTo(&pv.PrevState)

		viewDistanceVoxels := int(v.ViewDistance * viewDistanceScale)
		pv.State.ViewDistanceVoxels = mathx.MinInt(viewDistanceVoxels, settings.ViewDistanceCapVoxels)

		// The root LOD must extend at least up to view distance, and no less
		// than the per-LOD distance.
		lastLodMeshBlockSize := meshBlockSize << uint(lodCount-1)
		lastLdMeshChunks := mathx.MaxInt(
			mathx.CeilDiv(pv.State.ViewDistanceVoxels, lastLodMeshBlockSize), ldMeshChunks)

		local := transform.ToLocal(v.WorldPosition)
		pv.State.LocalPositionVoxels = mathx.Vec3i{
			X: int(math.Floor(local[0])),
			Y: int(math.Floor(local[1])),
			Z: int(math.Floor(local[2])),
		}
		pv.State.RequiresCollisions = v.RequiresCollisions
		pv.State.RequiresMeshes = v.RequiresVisuals && canMesh

		// Box rules:
		// - parent LOD boxes contain child boxes,
		// - non-root mesh boxes have even position and size (subdivision),
		// - mesh boxes stay inside data boxes so meshing sees its neighbors.
		if pv.State.RequiresCollisions || pv.State.RequiresMeshes {
			for lod := 0; lod < lodCount; lod++ {
				lodMeshBlockSize := meshBlockSize << uint(lod)
				boundsInMeshBlocks := volumeBoundsInVoxels.Downscaled(lodMeshBlockSize)

				ld := ldMeshChunks
				if lod == lodCount-1 {
					ld = lastLdMeshChunks
				}

				// Distance is a multiple of chunk size for a consistent box
				// size. The root does not need even snapping.
				box := baseBoxInChunks(pv.State.LocalPositionVoxels,
					ld*lodMeshBlockSize, lodMeshBlockSize, lod != lodCount-1)

				if lod > 0 {
					// Neighboring rule: pad the child's footprint outward so
					// at least two chunks of this LOD separate LOD-1 from
					// LOD+1. The pad must be even to keep subdivision valid.
					const minPad = 2
					childBox := pv.State.MeshBoxPerLod[lod-1]
					minBox := mathx.NewBox3i(childBox.Pos.Shr(1), childBox.Size.Shr(1)).Padded(minPad)
					if lod != lodCount-1 {
						minBox = minBox.SnapEvenOutward()
					}
					// Usually a no-op, except when lod distance is small.
					box = box.Merge(minBox)
				}

				box = box.Clip(boundsInMeshBlocks)
				pv.State.MeshBoxPerLod[lod] = box
			}

			// Data boxes follow mesh boxes so the exact data chunks needed
			// for meshing (plus neighbors) get loaded.
			for lod := 0; lod < lodCount; lod++ {
				lodDataBlockSizePo2 := uint(dataBlockSizePo2 + lod)
				boundsInDataBlocks := mathx.NewBox3i(
					volumeBoundsInVoxels.Pos.Shr(lodDataBlockSizePo2),
					volumeBoundsInVoxels.Size.Shr(lodDataBlockSizePo2))

				meshBox := pv.State.MeshBoxPerLod[lod]
				dataBox := meshBox.Scaled(meshToDataFactor).
					// Meshing reads neighbor voxels. This breaks the
					// subdivision rule on data boxes, which only matters
					// where meshes actually spawn.
					Padded(1).
					Clip(boundsInDataBlocks)

				pv.State.DataBoxPerLod[lod] = dataBox
			}
		} else {
			for lod := 0; lod < lodCount; lod++ {
				pv.State.MeshBoxPerLod[lod] = mathx.Box3i{}
			}

			for lod := 0; lod < lodCount; lod++ {
				lodDataBlockSizePo2 := uint(dataBlockSizePo2 + lod)
				lodDataBlockSize := 1 << lodDataBlockSizePo2
				boundsInDataBlocks := mathx.NewBox3i(
					volumeBoundsInVoxels.Pos.Shr(lodDataBlockSizePo2),
					volumeBoundsInVoxels.Size.Shr(lodDataBlockSizePo2))

				box := baseBoxInChunks(pv.State.LocalPositionVoxels,
					ldDataChunks*lodDataBlockSize, lodDataBlockSize, lod != lodCount-1).
					Clip(boundsInDataBlocks)

				pv.State.DataBoxPerLod[lod] = box
			}
		}
	}
}

// removeUnpairedViewers erases viewers flagged by processViewers, iterating
// backward so recorded indices stay valid under swap-removal.
func removeUnpairedViewers(s *State, unpairedToRemove []int) {
	for i := len(unpairedToRemove) - 1; i >= 0; i-- {
		vi := unpairedToRemove[i]
		s.logVerbose("unpairing viewer %s", s.PairedViewers[vi].ID)
		last := len(s.PairedViewers) - 1
		s.PairedViewers[vi] = s.PairedViewers[last]
		s.PairedViewers = s.PairedViewers[:last]
	}
}

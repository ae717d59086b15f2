package stream

import (
	"sync/atomic"

	"voxelstream.dev/internal/voxel/grid"
	"voxelstream.dev/internal/voxel/mathx"
)

// addLoadingBlock registers one more viewer on a pending load. Returns the
// entry and whether this was the first viewer (a load must be emitted).
func addLoadingBlock(lod *Lod, pos mathx.Vec3i) (*LoadingDataBlock, bool) {
	if lb, ok := lod.LoadingBlocks[pos]; ok {
		lb.Viewers.add()
		return lb, false
	}
	lb := &LoadingDataBlock{Cancelled: &atomic.Bool{}}
	lb.Viewers.add()
	lod.LoadingBlocks[pos] = lb
	return lb, true
}

func removeLoadRequest(reqs []LoadRequest, loc BlockLocation) []LoadRequest {
	for i := range reqs {
		if reqs[i].Location == loc {
			reqs[i] = reqs[len(reqs)-1]
			return reqs[:len(reqs)-1]
		}
	}
	return reqs
}

// processDataBlocksSlidingBox diffs the per-viewer data boxes against the
// previous tick and turns the delta into grid views/unviews, load requests,
// cancellations and saves.
func processDataBlocksSlidingBox(
	s *State,
	g *grid.Grid,
	blocksToSave *[]grid.BlockToSave,
	dataBlocksToLoad *[]LoadRequest,
	settings Settings,
	lodCount int,
	canLoad bool,
	scratch *tickScratch,
) {
	dataBlockSize := g.BlockSize()
	meshBlockSize := 1 << uint(settings.MeshBlockSizePo2)

	for _, pv := range s.PairedViewers {
		// Big to small LOD, so we can exit early when bounds stop
		// intersecting: a smaller box cannot intersect either.
		for lodIndex := lodCount - 1; lodIndex >= 0; lodIndex-- {
			lod := &s.Lods[lodIndex]
			boundsInDataBlocks := g.BoundsInBlocks(lodIndex)

			newBox := pv.State.DataBoxPerLod[lodIndex]
			prevBox := pv.PrevState.DataBoxPerLod[lodIndex]

			if !newBox.Intersects(boundsInDataBlocks) && !prevBox.Intersects(boundsInDataBlocks) {
				break
			}

			if !prevBox.Eq(newBox) {
				// Blocks to load.
				if canLoad {
					scratch.missing = scratch.missing[:0]
					newBox.Difference(prevBox, func(boxToLoad mathx.Box3i) {
						g.ViewArea(boxToLoad, lodIndex, &scratch.missing, nil)
					})
					for _, bpos := range scratch.missing {
						if lb, first := addLoadingBlock(lod, bpos); first {
							*dataBlocksToLoad = append(*dataBlocksToLoad, LoadRequest{
								Location:  BlockLocation{Position: bpos, Lod: lodIndex},
								Cancelled: lb.Cancelled,
							})
						}
					}
				}

				// Blocks to unload.
				scratch.missing = scratch.missing[:0]
				scratch.found = scratch.found[:0]
				prevBox.Difference(newBox, func(boxToRemove mathx.Box3i) {
					g.UnviewArea(boxToRemove, lodIndex, &scratch.found, &scratch.missing, blocksToSave)
				})

				// Blocks that were present are not expected in the loading
				// map, but make sure regardless.
				for _, bpos := range scratch.found {
					delete(lod.LoadingBlocks, bpos)
				}

				// Missing blocks were still loading: drop a viewer refcount
				// and cancel the load when it reaches zero.
				for _, bpos := range scratch.missing {
					lb, ok := lod.LoadingBlocks[bpos]
					if !ok {
						s.logVerbose("request to unview a loading block that was never requested")
						continue
					}
					if lb.Viewers.remove() == 0 {
						// No data box wants it anymore.
						lb.Cancelled.Store(true)
						delete(lod.LoadingBlocks, bpos)
						*dataBlocksToLoad = removeLoadRequest(*dataBlocksToLoad,
							BlockLocation{Position: bpos, Lod: lodIndex})
					}
				}
			}

			// Cancel mesh updates that fell outside the padded data region:
			// remeshing always needs the neighbor data chunks.
			paddedNewBox := newBox.Padded(-1)
			var meshBox mathx.Box3i
			if meshBlockSize > dataBlockSize {
				meshBox = paddedNewBox.DownscaledInner(meshBlockSize / dataBlockSize)
			} else {
				meshBox = paddedNewBox
			}

			pending := lod.MeshBlocksPendingUpdate[:0]
			for _, bpos := range lod.MeshBlocksPendingUpdate {
				if meshBox.Contains(bpos) {
					pending = append(pending, bpos)
					continue
				}
				if mb, ok := lod.MeshMap[bpos]; ok {
					mb.State = MeshNeedUpdate
				}
			}
			lod.MeshBlocksPendingUpdate = pending
		}
	}
}

// processMeshBlocksSlidingBox diffs mesh boxes: entering chunks are inserted
// into the mesh map with viewer refcounts, exiting chunks drop refcounts and
// unload at zero, with the parent immediately re-activated to cover the gap.
func processMeshBlocksSlidingBox(
	s *State,
	settings Settings,
	boundsInVoxels mathx.Box3i,
	lodCount int,
	isFullLoadMode bool,
	canLoad bool,
) {
	meshBlockSizePo2 := settings.MeshBlockSizePo2

	for _, pv := range s.PairedViewers {
		for lodIndex := lodCount - 1; lodIndex >= 0; lodIndex-- {
			lod := &s.Lods[lodIndex]

			lodMeshBlockSize := 1 << uint(meshBlockSizePo2+lodIndex)
			boundsInMeshBlocks := boundsInVoxels.Downscaled(lodMeshBlockSize)

			newBox := pv.State.MeshBoxPerLod[lodIndex]
			prevBox := pv.PrevState.MeshBoxPerLod[lodIndex]

			if !newBox.Intersects(boundsInMeshBlocks) && !prevBox.Intersects(boundsInMeshBlocks) {
				break
			}

			if !prevBox.Eq(newBox) {
				lod.MeshMapLock.Lock()

				// Meshes entering range.
				if canLoad {
					newBox.Difference(prevBox, func(boxToAdd mathx.Box3i) {
						boxToAdd.ForEachCell(func(bpos mathx.Vec3i) {
							mb, ok := lod.MeshMap[bpos]
							if !ok {
								mb = &MeshBlockState{}
								lod.MeshMap[bpos] = mb
								if isFullLoadMode {
									// Everything is loaded up-front, so
									// trigger meshing directly instead of
									// waiting for data-load events.
									lod.MeshBlocksPendingUpdate = append(lod.MeshBlocksPendingUpdate, bpos)
									mb.State = MeshUpdateNotSent
								}
							}
							mb.meshViewers.add()
							mb.collisionViewers.add()
						})
					})
				}

				// Meshes leaving range.
				prevBox.Difference(newBox, func(outOfRangeBox mathx.Box3i) {
					outOfRangeBox.ForEachCell(func(bpos mathx.Vec3i) {
						mb, ok := lod.MeshMap[bpos]
						if !ok {
							return
						}
						mb.meshViewers.remove()
						mb.collisionViewers.remove()
						if mb.meshViewers.get() == 0 && mb.collisionViewers.get() == 0 {
							delete(lod.MeshMap, bpos)
							lod.MeshBlocksToUnload = append(lod.MeshBlocksToUnload, bpos)
						}
					})

					// Immediately show the parent when children are removed.
					// The parent mesh is available most of the time; at high
					// speeds, if loading can't keep up, holes can still open
					// opposite to the direction of movement.
					parentLodIndex := lodIndex + 1
					if parentLodIndex < lodCount {
						// Non-root boxes are even-sized, so this cannot
						// round to a zero-size box.
						parentBox := mathx.NewBox3i(outOfRangeBox.Pos.Shr(1), outOfRangeBox.Size.Shr(1))
						parentLod := &s.Lods[parentLodIndex]

						parentBox.ForEachCell(func(bpos mathx.Vec3i) {
							pmb, ok := parentLod.MeshMap[bpos]
							if !ok || pmb.Active {
								return
							}
							// Only merge if the children were actually
							// removed: another viewer's clipbox may still
							// reference them, and activating the parent then
							// would overlap. Children exist in groups of 8,
							// so checking the first is enough.
							childPos0 := bpos.Shl(1)
							if _, stillThere := lod.MeshMap[childPos0]; stillThere {
								return
							}
							pmb.Active = true
							parentLod.MeshBlocksToActivate = append(parentLod.MeshBlocksToActivate, bpos)
						})
					}
				})

				lod.MeshMapLock.Unlock()
			}

			// Cancel pending updates that left the new region.
			pending := lod.MeshBlocksPendingUpdate[:0]
			for _, bpos := range lod.MeshBlocksPendingUpdate {
				if newBox.Contains(bpos) {
					pending = append(pending, bpos)
				}
			}
			lod.MeshBlocksPendingUpdate = pending
		}
	}
}

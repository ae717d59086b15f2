package stream

import (
	"voxelstream.dev/internal/voxel/mathx"
)

var faceDirs = [6]mathx.Vec3i{
	{X: -1}, {X: 1},
	{Y: -1}, {Y: 1},
	{Z: -1}, {Z: 1},
}

// computeTransitionMask returns the seam bits of an active mesh chunk: bit i
// is set when the face in faceDirs[i] abuts a coarser LOD instead of an
// active same-LOD neighbor.
func computeTransitionMask(s *State, bpos mathx.Vec3i, lodIndex, lodCount int) uint8 {
	lod := &s.Lods[lodIndex]
	var mask uint8

	for i, dir := range faceDirs {
		npos := bpos.Add(dir)
		if nmb, ok := lod.MeshMap[npos]; ok && nmb.Active {
			continue
		}
		parentLodIndex := lodIndex + 1
		if parentLodIndex >= lodCount {
			continue
		}
		parentLod := &s.Lods[parentLodIndex]
		if pmb, ok := parentLod.MeshMap[npos.Shr(1)]; ok && pmb.Active {
			mask |= 1 << uint(i)
		}
	}
	return mask
}

// updateTransitionMasks recomputes seam masks on every LOD whose bit is set
// in lodsMask, reporting changed chunks so the renderer can restitch them.
// Server-only instances skip this entirely.
func updateTransitionMasks(s *State, lodsMask uint32, lodCount int) {
	for lodIndex := 0; lodIndex < lodCount; lodIndex++ {
		if lodsMask&(1<<uint(lodIndex)) == 0 {
			continue
		}
		lod := &s.Lods[lodIndex]
		for bpos, mb := range lod.MeshMap {
			if !mb.Active {
				continue
			}
			mask := computeTransitionMask(s, bpos, lodIndex, lodCount)
			if mask == mb.TransitionMask {
				continue
			}
			mb.TransitionMask = mask
			lod.MeshBlocksToUpdateTransitions = append(lod.MeshBlocksToUpdateTransitions,
				TransitionUpdate{Position: bpos, Mask: mask})
		}
	}
}

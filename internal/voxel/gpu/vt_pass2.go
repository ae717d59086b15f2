package gpu

import (
	"fmt"

	"voxelstream.dev/internal/voxel/mathx"
)

// VirtualTexture is the finished per-mesh-block detail artifact: the dilated
// normal-map atlas plus the cell lookup that maps mesh cells to tiles.
type VirtualTexture struct {
	AtlasBytes     []byte
	AtlasWidth     int
	AtlasHeight    int
	TileSizePixels int

	Tiles []TileData
	// CellToTile maps a tile's cell coordinates within the mesh block to
	// its index in the atlas.
	CellToTile map[mathx.Vec3i]int

	VolumeID          uint32
	MeshBlockPosition mathx.Vec3i
	MeshBlockSize     int
	LodIndex          int
}

// RenderVirtualTexturePass2Task turns downloaded atlas bytes and tile
// descriptors into the final virtual texture and hands it to the output
// sink. It runs on a plain worker, after the GPU task collected.
type RenderVirtualTexturePass2Task struct {
	AtlasData []byte
	Tiles     []TileData

	AtlasWidth     int
	AtlasHeight    int
	TileSizePixels int

	VolumeID          uint32
	MeshBlockPosition mathx.Vec3i
	MeshBlockSize     int
	LodIndex          int

	Output func(*VirtualTexture)
}

func (t *RenderVirtualTexturePass2Task) Run() error {
	want := t.AtlasWidth * t.AtlasHeight * 4
	if len(t.AtlasData) != want {
		return fmt.Errorf("atlas data %d bytes, want %d for %dx%d",
			len(t.AtlasData), want, t.AtlasWidth, t.AtlasHeight)
	}

	lookup := make(map[mathx.Vec3i]int, len(t.Tiles))
	for i, td := range t.Tiles {
		cell := mathx.Vec3i{X: int(td.CellX), Y: int(td.CellY), Z: int(td.CellZ)}
		lookup[cell] = i
	}

	vt := &VirtualTexture{
		AtlasBytes:        t.AtlasData,
		AtlasWidth:        t.AtlasWidth,
		AtlasHeight:       t.AtlasHeight,
		TileSizePixels:    t.TileSizePixels,
		Tiles:             t.Tiles,
		CellToTile:        lookup,
		VolumeID:          t.VolumeID,
		MeshBlockPosition: t.MeshBlockPosition,
		MeshBlockSize:     t.MeshBlockSize,
		LodIndex:          t.LodIndex,
	}
	if t.Output != nil {
		t.Output(vt)
	}
	return nil
}

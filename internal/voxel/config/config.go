// Package config loads the engine configuration from engine.yaml.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"voxelstream.dev/internal/voxel/mathx"
)

// MaxLOD bounds per-LOD arrays across the engine.
const MaxLOD = 24

type Config struct {
	TickRateHz int `yaml:"tick_rate_hz"`

	DataBlockSizePo2 int `yaml:"data_block_size_po2"`
	MeshBlockSizePo2 int `yaml:"mesh_block_size_po2"`

	LodCount          int     `yaml:"lod_count"`
	LodDistanceVoxels float64 `yaml:"lod_distance_voxels"`

	// Hard cap applied to every viewer's requested view distance.
	ViewDistanceCapVoxels int `yaml:"view_distance_cap_voxels"`

	// Volume bounds in voxels. Size must be a multiple of the largest LOD
	// chunk on every axis.
	BoundsMin  [3]int `yaml:"bounds_min"`
	BoundsSize [3]int `yaml:"bounds_size"`

	// When false, the whole volume is loaded up-front, the data diff never
	// runs, and the mesh diff waits until the full load completes.
	StreamingEnabled bool `yaml:"streaming_enabled"`

	// Server-only instances keep meshing off and skip transition masks.
	ProduceMeshes     bool `yaml:"produce_meshes"`
	TransitionUpdates bool `yaml:"transition_updates"`

	DetailNormalmaps bool `yaml:"detail_normalmaps"`
	TileSizePixels   int  `yaml:"tile_size_pixels"`

	Workers int `yaml:"workers"`

	BlockDBPath string `yaml:"block_db_path"`
}

func Default() Config {
	return Config{
		TickRateHz:            10,
		DataBlockSizePo2:      4,
		MeshBlockSizePo2:      4,
		LodCount:              4,
		LodDistanceVoxels:     48,
		ViewDistanceCapVoxels: 512,
		BoundsMin:             [3]int{-2048, -2048, -2048},
		BoundsSize:            [3]int{4096, 4096, 4096},
		StreamingEnabled:      true,
		ProduceMeshes:         true,
		TransitionUpdates:     true,
		DetailNormalmaps:      false,
		TileSizePixels:        16,
		Workers:               4,
		BlockDBPath:           "./data/blocks.db",
	}
}

func Load(path string) (Config, error) {
	c := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("engine.yaml: %w", err)
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func (c Config) Validate() error {
	if c.LodCount < 1 || c.LodCount > MaxLOD {
		return fmt.Errorf("lod_count %d out of range [1,%d]", c.LodCount, MaxLOD)
	}
	if c.DataBlockSizePo2 < 1 || c.DataBlockSizePo2 > 8 {
		return fmt.Errorf("data_block_size_po2 %d out of range [1,8]", c.DataBlockSizePo2)
	}
	if c.MeshBlockSizePo2 < c.DataBlockSizePo2 {
		return fmt.Errorf("mesh_block_size_po2 %d smaller than data_block_size_po2 %d",
			c.MeshBlockSizePo2, c.DataBlockSizePo2)
	}
	if c.LodDistanceVoxels <= 0 {
		return fmt.Errorf("lod_distance_voxels must be positive")
	}
	if c.ViewDistanceCapVoxels <= 0 {
		return fmt.Errorf("view_distance_cap_voxels must be positive")
	}
	if c.TileSizePixels < 4 || !mathx.IsPowerOfTwo(c.TileSizePixels) {
		return fmt.Errorf("tile_size_pixels %d must be a power of two >= 4", c.TileSizePixels)
	}
	// The clipbox math shifts bounds right by LOD, so the volume must align
	// on the largest LOD chunk.
	largestChunk := 1 << (uint(c.DataBlockSizePo2) + uint(c.LodCount) - 1)
	for i := 0; i < 3; i++ {
		if c.BoundsSize[i] <= 0 {
			return fmt.Errorf("bounds_size[%d] must be positive", i)
		}
		if c.BoundsSize[i]%largestChunk != 0 {
			return fmt.Errorf("bounds_size[%d]=%d not a multiple of largest LOD chunk %d",
				i, c.BoundsSize[i], largestChunk)
		}
		if mathx.Mod(c.BoundsMin[i], largestChunk) != 0 {
			return fmt.Errorf("bounds_min[%d]=%d not aligned to largest LOD chunk %d",
				i, c.BoundsMin[i], largestChunk)
		}
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1")
	}
	return nil
}

// Bounds returns the volume bounds in voxels.
func (c Config) Bounds() mathx.Box3i {
	return mathx.NewBox3i(
		mathx.Vec3i{X: c.BoundsMin[0], Y: c.BoundsMin[1], Z: c.BoundsMin[2]},
		mathx.Vec3i{X: c.BoundsSize[0], Y: c.BoundsSize[1], Z: c.BoundsSize[2]},
	)
}

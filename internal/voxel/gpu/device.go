// Package gpu orchestrates the compute work the engine offloads to the
// graphics device: the multi-stage detail-normalmap graph and the
// virtual-texture assembly that follows it.
//
// The device surface is a small resource-handle API so the streaming core
// never touches a graphics library directly; the wgpu backend implements it
// for real hardware and tests drive the task graph with a fake.
package gpu

import "errors"

// RID is an opaque handle to a device resource. The zero RID is null.
type RID uint64

// NullRID is the invalid resource handle.
const NullRID RID = 0

func (r RID) IsNull() bool { return r == 0 }

var (
	ErrInvalidShader   = errors.New("gpu: null or invalid compute shader")
	ErrEmptyInput      = errors.New("gpu: empty task input")
	ErrResourceFailure = errors.New("gpu: resource allocation failed")
)

type UniformType uint8

const (
	UniformStorageBuffer UniformType = iota
	UniformBuffer
	UniformImage
	UniformSamplerWithTexture
)

// Uniform binds one resource (or a sampler+texture pair) to a shader
// binding index.
type Uniform struct {
	Binding int
	Type    UniformType
	IDs     []RID
}

// ComputeList records pipeline binds, uniform-set binds, dispatches and
// barriers, then submits on End.
type ComputeList interface {
	BindComputePipeline(pipeline RID)
	BindUniformSet(set RID, index int)
	Dispatch(x, y, z int)
	// Barrier orders storage writes of earlier dispatches before later
	// reads. Backends where dispatch ordering is implicit may no-op.
	Barrier()
	End() error
}

// Device is the rendering-device abstraction consumed by GPU tasks.
// Creation methods return ErrResourceFailure (or a wrapped backend error)
// instead of a null handle.
type Device interface {
	// CreateStorageBuffer allocates size bytes; data, when non-nil, is
	// uploaded and must not exceed size.
	CreateStorageBuffer(size int, data []byte) (RID, error)
	CreateUniformBuffer(data []byte) (RID, error)
	// CreateTexture2D allocates an RGBA8 UINT storage texture that can be
	// copied from and updated.
	CreateTexture2D(width, height int) (RID, error)
	CreateComputePipeline(shader RID) (RID, error)
	// CreateUniformSet binds uniforms for one descriptor-set index of a
	// pipeline. Uniform sets release themselves when their contents are
	// freed.
	CreateUniformSet(uniforms []Uniform, pipeline RID, set int) (RID, error)
	ComputeListBegin() ComputeList
	TextureGetData(texture RID, layer int) ([]byte, error)
	Free(r RID)
}

// Shaders is the capability bundle of shared compute shaders and samplers,
// injected at engine construction.
type Shaders struct {
	GatherHits      RID
	DetailNormalmap RID
	Dilate          RID

	FilteringSampler RID
}

func (s Shaders) Validate() error {
	if s.GatherHits.IsNull() || s.DetailNormalmap.IsNull() || s.Dilate.IsNull() {
		return ErrInvalidShader
	}
	return nil
}

package gpu

import (
	"fmt"
	"sync"

	"github.com/cogentcore/webgpu/wgpu"
)

// WgpuDevice implements Device on a WebGPU device. Resources are kept in
// handle tables so task code stays backend-agnostic; shader modules and
// samplers are registered by the engine at startup and referenced by RID
// like everything else.
type WgpuDevice struct {
	device *wgpu.Device
	queue  *wgpu.Queue

	mu      sync.Mutex
	nextRID RID

	buffers   map[RID]*wgpu.Buffer
	textures  map[RID]*wgpuTexture
	pipelines map[RID]*wgpu.ComputePipeline
	shaders   map[RID]*wgpu.ShaderModule
	samplers  map[RID]*wgpu.Sampler
	bindSets  map[RID]*wgpu.BindGroup
}

type wgpuTexture struct {
	texture *wgpu.Texture
	view    *wgpu.TextureView
	width   int
	height  int
}

func NewWgpuDevice(device *wgpu.Device, queue *wgpu.Queue) *WgpuDevice {
	return &WgpuDevice{
		device:    device,
		queue:     queue,
		buffers:   map[RID]*wgpu.Buffer{},
		textures:  map[RID]*wgpuTexture{},
		pipelines: map[RID]*wgpu.ComputePipeline{},
		shaders:   map[RID]*wgpu.ShaderModule{},
		samplers:  map[RID]*wgpu.Sampler{},
		bindSets:  map[RID]*wgpu.BindGroup{},
	}
}

func (d *WgpuDevice) newRID() RID {
	d.nextRID++
	return d.nextRID
}

// RegisterShaderModule wraps a compiled compute shader into a handle usable
// with CreateComputePipeline.
func (d *WgpuDevice) RegisterShaderModule(m *wgpu.ShaderModule) RID {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.newRID()
	d.shaders[id] = m
	return id
}

// RegisterSampler wraps a sampler, typically the shared filtering sampler.
func (d *WgpuDevice) RegisterSampler(s *wgpu.Sampler) RID {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.newRID()
	d.samplers[id] = s
	return id
}

func (d *WgpuDevice) CreateStorageBuffer(size int, data []byte) (RID, error) {
	if len(data) > size {
		return NullRID, fmt.Errorf("%w: data %d exceeds size %d", ErrResourceFailure, len(data), size)
	}
	buf, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "voxel storage buffer",
		Size:  uint64(size),
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc,
	})
	if err != nil {
		return NullRID, fmt.Errorf("%w: %v", ErrResourceFailure, err)
	}
	if len(data) > 0 {
		d.queue.WriteBuffer(buf, 0, data)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.newRID()
	d.buffers[id] = buf
	return id, nil
}

func (d *WgpuDevice) CreateUniformBuffer(data []byte) (RID, error) {
	buf, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "voxel uniform buffer",
		Size:  uint64(len(data)),
		Usage: wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return NullRID, fmt.Errorf("%w: %v", ErrResourceFailure, err)
	}
	d.queue.WriteBuffer(buf, 0, data)

	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.newRID()
	d.buffers[id] = buf
	return id, nil
}

func (d *WgpuDevice) CreateTexture2D(width, height int) (RID, error) {
	tex, err := d.device.CreateTexture(&wgpu.TextureDescriptor{
		Label:     "voxel normalmap atlas",
		Usage:     wgpu.TextureUsageStorageBinding | wgpu.TextureUsageCopySrc | wgpu.TextureUsageCopyDst,
		Dimension: wgpu.TextureDimension2D,
		Size: wgpu.Extent3D{
			Width:              uint32(width),
			Height:             uint32(height),
			DepthOrArrayLayers: 1,
		},
		Format:        wgpu.TextureFormatRGBA8Uint,
		MipLevelCount: 1,
		SampleCount:   1,
	})
	if err != nil {
		return NullRID, fmt.Errorf("%w: %v", ErrResourceFailure, err)
	}
	view, err := tex.CreateView(nil)
	if err != nil {
		tex.Release()
		return NullRID, fmt.Errorf("%w: %v", ErrResourceFailure, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.newRID()
	d.textures[id] = &wgpuTexture{texture: tex, view: view, width: width, height: height}
	return id, nil
}

func (d *WgpuDevice) CreateComputePipeline(shader RID) (RID, error) {
	d.mu.Lock()
	module := d.shaders[shader]
	d.mu.Unlock()
	if module == nil {
		return NullRID, ErrInvalidShader
	}

	p, err := d.device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label: "voxel compute pipeline",
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: "main",
		},
	})
	if err != nil {
		return NullRID, fmt.Errorf("%w: %v", ErrResourceFailure, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.newRID()
	d.pipelines[id] = p
	return id, nil
}

func (d *WgpuDevice) CreateUniformSet(uniforms []Uniform, pipeline RID, set int) (RID, error) {
	d.mu.Lock()
	p := d.pipelines[pipeline]
	d.mu.Unlock()
	if p == nil {
		return NullRID, fmt.Errorf("%w: unknown pipeline", ErrResourceFailure)
	}

	entries := make([]wgpu.BindGroupEntry, 0, len(uniforms)+1)
	d.mu.Lock()
	for _, u := range uniforms {
		switch u.Type {
		case UniformStorageBuffer, UniformBuffer:
			buf := d.buffers[u.IDs[0]]
			if buf == nil {
				d.mu.Unlock()
				return NullRID, fmt.Errorf("%w: unknown buffer at binding %d", ErrResourceFailure, u.Binding)
			}
			entries = append(entries, wgpu.BindGroupEntry{
				Binding: uint32(u.Binding),
				Buffer:  buf,
				Size:    wgpu.WholeSize,
			})
		case UniformImage:
			tex := d.textures[u.IDs[0]]
			if tex == nil {
				d.mu.Unlock()
				return NullRID, fmt.Errorf("%w: unknown texture at binding %d", ErrResourceFailure, u.Binding)
			}
			entries = append(entries, wgpu.BindGroupEntry{
				Binding:     uint32(u.Binding),
				TextureView: tex.view,
			})
		case UniformSamplerWithTexture:
			// WebGPU has no combined sampler: the sampler takes the declared
			// binding, the texture view the one after it.
			samp := d.samplers[u.IDs[0]]
			tex := d.textures[u.IDs[1]]
			if samp == nil || tex == nil {
				d.mu.Unlock()
				return NullRID, fmt.Errorf("%w: unknown sampler/texture at binding %d", ErrResourceFailure, u.Binding)
			}
			entries = append(entries,
				wgpu.BindGroupEntry{Binding: uint32(u.Binding), Sampler: samp},
				wgpu.BindGroupEntry{Binding: uint32(u.Binding + 1), TextureView: tex.view},
			)
		}
	}
	d.mu.Unlock()

	layout := p.GetBindGroupLayout(uint32(set))
	bg, err := d.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   "voxel uniform set",
		Layout:  layout,
		Entries: entries,
	})
	if err != nil {
		return NullRID, fmt.Errorf("%w: %v", ErrResourceFailure, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.newRID()
	d.bindSets[id] = bg
	return id, nil
}

func (d *WgpuDevice) ComputeListBegin() ComputeList {
	return &wgpuComputeList{device: d}
}

// TextureGetData downloads one texture layer as tightly packed RGBA8 bytes.
// Copy rows are padded to WebGPU's 256-byte alignment and stripped after
// mapping.
func (d *WgpuDevice) TextureGetData(texture RID, layer int) ([]byte, error) {
	d.mu.Lock()
	tex := d.textures[texture]
	d.mu.Unlock()
	if tex == nil {
		return nil, fmt.Errorf("%w: unknown texture", ErrResourceFailure)
	}

	const rowAlign = 256
	rowBytes := tex.width * 4
	paddedRowBytes := ((rowBytes + rowAlign - 1) / rowAlign) * rowAlign
	readbackSize := paddedRowBytes * tex.height

	readback, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "voxel texture readback",
		Size:  uint64(readbackSize),
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResourceFailure, err)
	}
	defer readback.Release()

	encoder, err := d.device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResourceFailure, err)
	}
	encoder.CopyTextureToBuffer(
		&wgpu.ImageCopyTexture{
			Texture:  tex.texture,
			MipLevel: 0,
			Origin:   wgpu.Origin3D{Z: uint32(layer)},
			Aspect:   wgpu.TextureAspectAll,
		},
		&wgpu.ImageCopyBuffer{
			Buffer: readback,
			Layout: wgpu.TextureDataLayout{
				Offset:       0,
				BytesPerRow:  uint32(paddedRowBytes),
				RowsPerImage: uint32(tex.height),
			},
		},
		&wgpu.Extent3D{
			Width:              uint32(tex.width),
			Height:             uint32(tex.height),
			DepthOrArrayLayers: 1,
		},
	)
	cmd, err := encoder.Finish(nil)
	if err != nil {
		encoder.Release()
		return nil, fmt.Errorf("%w: %v", ErrResourceFailure, err)
	}
	d.queue.Submit(cmd)
	cmd.Release()
	encoder.Release()

	var mapErr error
	done := false
	err = readback.MapAsync(wgpu.MapModeRead, 0, uint64(readbackSize), func(status wgpu.BufferMapAsyncStatus) {
		done = true
		if status != wgpu.BufferMapAsyncStatusSuccess {
			mapErr = fmt.Errorf("map status %v", status)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResourceFailure, err)
	}
	for !done {
		d.device.Poll(true, nil)
	}
	if mapErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrResourceFailure, mapErr)
	}
	defer readback.Unmap()

	mapped := readback.GetMappedRange(0, uint(readbackSize))
	out := make([]byte, rowBytes*tex.height)
	for y := 0; y < tex.height; y++ {
		copy(out[y*rowBytes:(y+1)*rowBytes], mapped[y*paddedRowBytes:y*paddedRowBytes+rowBytes])
	}
	return out, nil
}

func (d *WgpuDevice) Free(r RID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if buf, ok := d.buffers[r]; ok {
		buf.Release()
		delete(d.buffers, r)
		return
	}
	if tex, ok := d.textures[r]; ok {
		tex.view.Release()
		tex.texture.Release()
		delete(d.textures, r)
		return
	}
	if p, ok := d.pipelines[r]; ok {
		p.Release()
		delete(d.pipelines, r)
		return
	}
	if bg, ok := d.bindSets[r]; ok {
		bg.Release()
		delete(d.bindSets, r)
		return
	}
	if s, ok := d.shaders[r]; ok {
		s.Release()
		delete(d.shaders, r)
	}
}

// wgpuComputeList records one pass worth of dispatches. WebGPU orders
// storage writes between dispatches of a pass, so Barrier is implicit.
type wgpuComputeList struct {
	device *WgpuDevice

	encoder *wgpu.CommandEncoder
	pass    *wgpu.ComputePassEncoder
	err     error
}

func (cl *wgpuComputeList) ensurePass() bool {
	if cl.err != nil {
		return false
	}
	if cl.pass != nil {
		return true
	}
	encoder, err := cl.device.device.CreateCommandEncoder(nil)
	if err != nil {
		cl.err = fmt.Errorf("%w: %v", ErrResourceFailure, err)
		return false
	}
	cl.encoder = encoder
	cl.pass = encoder.BeginComputePass(nil)
	return true
}

func (cl *wgpuComputeList) BindComputePipeline(pipeline RID) {
	if !cl.ensurePass() {
		return
	}
	cl.device.mu.Lock()
	p := cl.device.pipelines[pipeline]
	cl.device.mu.Unlock()
	if p == nil {
		cl.err = fmt.Errorf("%w: unknown pipeline", ErrResourceFailure)
		return
	}
	cl.pass.SetPipeline(p)
}

func (cl *wgpuComputeList) BindUniformSet(set RID, index int) {
	if !cl.ensurePass() {
		return
	}
	cl.device.mu.Lock()
	bg := cl.device.bindSets[set]
	cl.device.mu.Unlock()
	if bg == nil {
		cl.err = fmt.Errorf("%w: unknown uniform set", ErrResourceFailure)
		return
	}
	cl.pass.SetBindGroup(uint32(index), bg, nil)
}

func (cl *wgpuComputeList) Dispatch(x, y, z int) {
	if !cl.ensurePass() {
		return
	}
	cl.pass.DispatchWorkgroups(uint32(x), uint32(y), uint32(z))
}

func (cl *wgpuComputeList) Barrier() {
	// Storage writes are ordered between dispatches within a compute pass.
}

func (cl *wgpuComputeList) End() error {
	if cl.err != nil {
		if cl.pass != nil {
			cl.pass.End()
			cl.encoder.Release()
		}
		return cl.err
	}
	if cl.pass == nil {
		return nil
	}
	cl.pass.End()
	cmd, err := cl.encoder.Finish(nil)
	if err != nil {
		cl.encoder.Release()
		return fmt.Errorf("%w: %v", ErrResourceFailure, err)
	}
	cl.device.queue.Submit(cmd)
	cmd.Release()
	cl.encoder.Release()
	cl.pass = nil
	cl.encoder = nil
	return nil
}

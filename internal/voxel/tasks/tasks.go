// Package tasks runs the engine's background work: voxel loads, mesh
// builds, GPU detail-normalmap submissions and virtual-texture assembly.
// Tasks are a tagged variant dispatched by a fixed pool of workers.
package tasks

import (
	"log"
	"sync"
	"sync/atomic"

	"voxelstream.dev/internal/voxel/gpu"
	"voxelstream.dev/internal/voxel/mathx"
)

type Kind uint8

const (
	KindLoadData Kind = iota + 1
	KindBuildMesh
	KindGpuDetailNormalmap
	KindRenderVirtualTexturePass2
)

// LoadDataTask fetches one data block: storage first, generator as the
// fallback. Completion is delivered through the Complete callback; a task
// whose Cancelled flag is set does no work and reports nothing.
type LoadDataTask struct {
	Position  mathx.Vec3i
	Lod       int
	Cancelled *atomic.Bool

	Fetch    func(pos mathx.Vec3i, lod int) ([]byte, bool)
	Generate func(pos mathx.Vec3i, lod int) []byte
	Complete func(pos mathx.Vec3i, lod int, voxels []byte)
}

func (t *LoadDataTask) run() {
	if t.Cancelled != nil && t.Cancelled.Load() {
		return
	}
	voxels, ok := t.Fetch(t.Position, t.Lod)
	if !ok {
		voxels = t.Generate(t.Position, t.Lod)
	}
	if t.Cancelled != nil && t.Cancelled.Load() {
		return
	}
	t.Complete(t.Position, t.Lod, voxels)
}

// BuildMeshTask polygonizes one mesh block from a voxel snapshot.
type BuildMeshTask struct {
	Position mathx.Vec3i
	Lod      int

	Build func(pos mathx.Vec3i, lod int)
}

func (t *BuildMeshTask) run() {
	t.Build(t.Position, t.Lod)
}

// GpuDetailNormalmapTask wraps the five-stage compute graph. It runs on the
// GPU worker, which owns the device; Collect hands the atlas to a follow-up
// pass-2 task through OnCollected.
type GpuDetailNormalmapTask struct {
	Task    *gpu.DetailNormalmapTask
	Device  gpu.Device
	Shaders gpu.Shaders

	OnCollected func(atlas []byte, task *gpu.DetailNormalmapTask)
	OnError     func(err error)
}

func (t *GpuDetailNormalmapTask) run() {
	if err := t.Task.Prepare(t.Device, t.Shaders); err != nil {
		if t.OnError != nil {
			t.OnError(err)
		}
		return
	}
	atlas, err := t.Task.Collect(t.Device)
	if err != nil {
		if t.OnError != nil {
			t.OnError(err)
		}
		return
	}
	t.OnCollected(atlas, t.Task)
}

// Task is the tagged variant handed to the pool. Exactly one payload field
// matches Kind.
type Task struct {
	Kind Kind

	LoadData  *LoadDataTask
	BuildMesh *BuildMeshTask
	Gpu       *GpuDetailNormalmapTask
	VTPass2   *gpu.RenderVirtualTexturePass2Task
}

// Pool is a fixed set of workers draining one queue. GPU tasks are routed
// to a dedicated worker so the device is only ever touched from one
// goroutine.
type Pool struct {
	queue    chan Task
	gpuQueue chan Task

	wg     sync.WaitGroup
	closed atomic.Bool
	logger *log.Logger
}

func NewPool(workers int, logger *log.Logger) *Pool {
	p := &Pool{
		queue:    make(chan Task, 1024),
		gpuQueue: make(chan Task, 256),
		logger:   logger,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(p.queue)
	}
	p.wg.Add(1)
	go p.worker(p.gpuQueue)
	return p
}

func (p *Pool) worker(queue chan Task) {
	defer p.wg.Done()
	for t := range queue {
		p.dispatch(t)
	}
}

func (p *Pool) dispatch(t Task) {
	switch t.Kind {
	case KindLoadData:
		t.LoadData.run()
	case KindBuildMesh:
		t.BuildMesh.run()
	case KindGpuDetailNormalmap:
		t.Gpu.run()
	case KindRenderVirtualTexturePass2:
		if err := t.VTPass2.Run(); err != nil && p.logger != nil {
			p.logger.Printf("virtual texture pass 2: %v", err)
		}
	default:
		if p.logger != nil {
			p.logger.Printf("dropping task of unknown kind %d", t.Kind)
		}
	}
}

// Submit enqueues a task. Returns false once the pool is closed.
func (p *Pool) Submit(t Task) bool {
	if p.closed.Load() {
		return false
	}
	if t.Kind == KindGpuDetailNormalmap {
		p.gpuQueue <- t
	} else {
		p.queue <- t
	}
	return true
}

// Close stops accepting work and waits for in-flight tasks.
func (p *Pool) Close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.queue)
	close(p.gpuQueue)
	p.wg.Wait()
}

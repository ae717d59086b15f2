// Package engine owns the update task: the single goroutine that runs the
// clipbox streaming step each tick and routes its outputs to the worker
// pool, the block store and the renderer callbacks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"voxelstream.dev/internal/persistence/blockdb"
	"voxelstream.dev/internal/voxel/config"
	"voxelstream.dev/internal/voxel/gpu"
	"voxelstream.dev/internal/voxel/grid"
	"voxelstream.dev/internal/voxel/mathx"
	"voxelstream.dev/internal/voxel/stream"
	"voxelstream.dev/internal/voxel/tasks"
	"voxelstream.dev/internal/voxel/viewer"
)

// MaxViewers bounds the per-tick viewer table.
const MaxViewers = 64

var ErrTooManyViewers = errors.New("engine: viewer count exceeds worker table")

// Generator produces voxels for a block that has never been saved.
type Generator func(pos mathx.Vec3i, lod int) []byte

// MeshOutput is what a mesher emits for one mesh block.
type MeshOutput struct {
	Vertices      [][4]float32
	Indices       []int32
	CellTriangles []int32
	Tiles         []gpu.TileData
}

// Mesher polygonizes one mesh block from a snapshot of its padded voxel
// neighborhood (box iteration order, nil-free).
type Mesher interface {
	BuildMesh(pos mathx.Vec3i, lod int, voxels [][]byte) MeshOutput
}

// Lodder downsamples the 8 child payloads (box iteration order) into the
// parent block's payload when an edit below needs mirroring upward.
type Lodder func(parentPos mathx.Vec3i, parentLod int, children [][]byte) []byte

// TickEvents summarizes one update tick for transports and diagnostics.
type TickEvents struct {
	Tick              uint64
	Loads             int
	Unloads           int
	Saves             int
	MeshUpdates       int
	Activated         int
	Deactivated       int
	MeshUnloads       int
	TransitionUpdates int
}

// Callbacks deliver engine outputs. Any field may be nil.
type Callbacks struct {
	MeshActivated       func(stream.BlockLocation)
	MeshDeactivated     func(stream.BlockLocation)
	MeshUnloaded        func(stream.BlockLocation)
	TransitionChanged   func(stream.BlockLocation, uint8)
	MeshBuilt           func(stream.BlockLocation, *MeshOutput)
	VirtualTextureReady func(*gpu.VirtualTexture)
	TickEvents          func(TickEvents)
}

type loadCompletion struct {
	loc    stream.BlockLocation
	voxels []byte
}

// Options carry the optional collaborators.
type Options struct {
	Store  *blockdb.Store
	Mesher Mesher
	// Lodder refreshes parent LOD mirrors after edits. When nil, parent
	// LODs simply lag behind LOD0.
	Lodder Lodder

	Device  gpu.Device
	Shaders gpu.Shaders
	// ModifierShader is the volume's SDF modifier stage.
	ModifierShader gpu.RID

	Transform stream.Transform
	Callbacks Callbacks
	Logger    *log.Logger
	Verbose   bool
}

type Engine struct {
	cfg    config.Config
	logger *log.Logger

	grid     *grid.Grid
	state    *stream.State
	streamer *stream.Streamer
	registry *viewer.Registry
	pool     *tasks.Pool

	store          *blockdb.Store
	generate       Generator
	mesher         Mesher
	lodder         Lodder
	device         gpu.Device
	shaders        gpu.Shaders
	modifierShader gpu.RID
	transform      stream.Transform
	callbacks      Callbacks

	completionsMu sync.Mutex
	completions   []loadCompletion

	tick atomic.Uint64

	pendingBuf []mathx.Vec3i
}

func New(cfg config.Config, generate Generator, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	if generate == nil {
		return nil, fmt.Errorf("engine: nil generator")
	}
	if cfg.DetailNormalmaps {
		if opts.Device == nil {
			return nil, fmt.Errorf("engine: detail normalmaps enabled without a device")
		}
		if err := opts.Shaders.Validate(); err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
		if opts.ModifierShader.IsNull() {
			return nil, fmt.Errorf("engine: %w", gpu.ErrInvalidShader)
		}
	}

	logger := opts.Logger
	transform := opts.Transform
	if transform.Scale == 0 {
		transform = stream.IdentityTransform()
	}

	g := grid.New(cfg.DataBlockSizePo2, cfg.LodCount, cfg.Bounds(), cfg.StreamingEnabled)
	state := stream.NewState(cfg.LodCount, logger)
	state.SetVerbose(opts.Verbose)

	e := &Engine{
		cfg:    cfg,
		logger: logger,
		grid:   g,
		state:  state,
		streamer: stream.NewStreamer(state, stream.Settings{
			MeshBlockSizePo2:      cfg.MeshBlockSizePo2,
			LodDistanceVoxels:     cfg.LodDistanceVoxels,
			ViewDistanceCapVoxels: cfg.ViewDistanceCapVoxels,
			TransitionUpdates:     cfg.TransitionUpdates,
		}),
		registry:  viewer.NewRegistry(),
		pool:      tasks.NewPool(cfg.Workers, logger),
		store:          opts.Store,
		generate:       generate,
		mesher:         opts.Mesher,
		lodder:         opts.Lodder,
		device:         opts.Device,
		shaders:        opts.Shaders,
		modifierShader: opts.ModifierShader,
		transform:      transform,
		callbacks:      opts.Callbacks,
	}
	return e, nil
}

func (e *Engine) Registry() *viewer.Registry { return e.registry }
func (e *Engine) Grid() *grid.Grid           { return e.grid }
func (e *Engine) CurrentTick() uint64        { return e.tick.Load() }

func (e *Engine) Config() config.Config { return e.cfg }

func (e *Engine) logf(format string, args ...any) {
	if e.logger != nil {
		e.logger.Printf(format, args...)
	}
}

// Run ticks the update task until the context ends, then drains the pool.
func (e *Engine) Run(ctx context.Context) {
	interval := time.Second / time.Duration(e.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if !e.cfg.StreamingEnabled {
		go e.runFullLoad()
	}

	for {
		select {
		case <-ctx.Done():
			e.pool.Close()
			if e.store != nil {
				if err := e.store.Close(); err != nil {
					e.logf("closing block store: %v", err)
				}
			}
			return
		case <-ticker.C:
			if err := e.Tick(); err != nil {
				e.logf("update tick: %v", err)
			}
		}
	}
}

// Tick runs one update step. The step order is fixed: completions first,
// then the streaming step, then output routing.
func (e *Engine) Tick() error {
	viewers := e.registry.Snapshot()
	if len(viewers) > MaxViewers {
		return fmt.Errorf("%w: %d > %d", ErrTooManyViewers, len(viewers), MaxViewers)
	}

	events := TickEvents{Tick: e.tick.Add(1)}

	e.applyLoadCompletions()
	e.updateLodMirrors()

	resident := func() int {
		n := 0
		for lodIndex := 0; lodIndex < e.cfg.LodCount; lodIndex++ {
			n += e.grid.BlockCount(lodIndex)
		}
		return n
	}
	// In streaming mode data blocks leave the grid only inside the streaming
	// step, so the drop in resident blocks across it counts the unloads.
	residentBefore := resident()

	var out stream.TickOutputs
	e.streamer.Process(e.grid, viewers, e.transform, &out, true, e.cfg.ProduceMeshes)
	if e.cfg.StreamingEnabled {
		events.Unloads = residentBefore - resident()
	}

	// Saves leave the engine through the block store.
	events.Saves = len(out.BlocksToSave)
	if e.store != nil {
		for _, b := range out.BlocksToSave {
			e.store.Save(blockdb.SavedBlock{
				Lod: b.Lod, X: b.Position.X, Y: b.Position.Y, Z: b.Position.Z, Voxels: b.Voxels,
			})
		}
	}

	// Loads go to the worker pool.
	events.Loads = len(out.DataBlocksToLoad)
	for _, req := range out.DataBlocksToLoad {
		e.submitLoad(req)
	}

	// Newly ready mesh blocks go to the mesh builders.
	if e.mesher != nil && e.cfg.ProduceMeshes {
		for lodIndex := 0; lodIndex < e.cfg.LodCount; lodIndex++ {
			e.pendingBuf = e.streamer.TakePendingMeshUpdates(lodIndex, e.pendingBuf)
			events.MeshUpdates += len(e.pendingBuf)
			for _, bpos := range e.pendingBuf {
				e.submitMeshBuild(stream.BlockLocation{Position: bpos, Lod: lodIndex})
			}
		}
	}

	e.flushVisibility(&events)

	if e.callbacks.TickEvents != nil {
		e.callbacks.TickEvents(events)
	}
	return nil
}

// applyLoadCompletions installs finished loads into the grid. A completion
// whose key left loadingBlocks was cancelled mid-flight and is dropped.
func (e *Engine) applyLoadCompletions() {
	e.completionsMu.Lock()
	pending := e.completions
	e.completions = nil
	e.completionsMu.Unlock()

	for _, c := range pending {
		lod := &e.state.Lods[c.loc.Lod]
		lb, ok := lod.LoadingBlocks[c.loc.Position]
		if !ok {
			// Stale completion.
			continue
		}
		viewersCount := lb.Viewers.Get()
		delete(lod.LoadingBlocks, c.loc.Position)

		if !e.grid.InsertLoadedBlock(c.loc.Position, c.loc.Lod, c.voxels, viewersCount) {
			e.logf("duplicate load completion at lod %d %v", c.loc.Lod, c.loc.Position)
			continue
		}
		e.state.NotifyDataBlockLoaded(c.loc)
	}
}

// updateLodMirrors drains the needs-lodding flags bottom-up and recomputes
// the parent mirror of every edited block whose 8 children are resident.
// Refreshed parents are marked modified themselves, so the cascade reaches
// the root over the same loop, and their stale meshes are rescheduled
// through the loaded-data path. With no lodder, parent LODs lag.
func (e *Engine) updateLodMirrors() {
	if e.lodder == nil {
		return
	}
	dataToMeshShift := uint(e.cfg.MeshBlockSizePo2 - e.cfg.DataBlockSizePo2)

	for lodIndex := 0; lodIndex < e.cfg.LodCount-1; lodIndex++ {
		flagged := e.grid.TakeBlocksNeedingLodding(lodIndex)
		if len(flagged) == 0 {
			continue
		}

		parents := map[mathx.Vec3i]struct{}{}
		for _, pos := range flagged {
			parents[pos.Shr(1)] = struct{}{}
		}

		parentLod := lodIndex + 1
		for ppos := range parents {
			if e.grid.GetBlock(ppos, parentLod) == nil {
				// Parent not resident; its mirror catches up when loaded.
				continue
			}
			childBox := mathx.NewBox3i(ppos.Shl(1), mathx.Vec3iAll(2))
			children, ok := e.grid.SnapshotArea(childBox, lodIndex)
			if !ok {
				// Partial sibling data would produce a wrong mirror.
				continue
			}

			voxels := e.lodder(ppos, parentLod, children)
			if !e.grid.UpdateBlockVoxels(ppos, parentLod, voxels) {
				continue
			}

			// Remesh the chunks reading the refreshed parent data.
			loc := stream.BlockLocation{Position: ppos, Lod: parentLod}
			e.state.MarkMeshBlocksNeedUpdate(loc, dataToMeshShift)
			e.state.NotifyDataBlockLoaded(loc)
		}
	}

	// Root-LOD flags have no parent to refresh; drain them so they don't
	// accumulate.
	e.grid.TakeBlocksNeedingLodding(e.cfg.LodCount - 1)
}

func (e *Engine) submitLoad(req stream.LoadRequest) {
	loc := req.Location
	e.pool.Submit(tasks.Task{
		Kind: tasks.KindLoadData,
		LoadData: &tasks.LoadDataTask{
			Position:  loc.Position,
			Lod:       loc.Lod,
			Cancelled: req.Cancelled,
			Fetch: func(pos mathx.Vec3i, lod int) ([]byte, bool) {
				if e.store == nil {
					return nil, false
				}
				voxels, ok, err := e.store.Load(lod, pos.X, pos.Y, pos.Z)
				if err != nil {
					e.logf("loading block lod %d %v: %v", lod, pos, err)
					return nil, false
				}
				return voxels, ok
			},
			Generate: func(pos mathx.Vec3i, lod int) []byte {
				return e.generate(pos, lod)
			},
			Complete: func(pos mathx.Vec3i, lod int, voxels []byte) {
				e.completionsMu.Lock()
				e.completions = append(e.completions, loadCompletion{
					loc:    stream.BlockLocation{Position: pos, Lod: lod},
					voxels: voxels,
				})
				e.completionsMu.Unlock()
			},
		},
	})
}

func (e *Engine) submitMeshBuild(loc stream.BlockLocation) {
	e.pool.Submit(tasks.Task{
		Kind: tasks.KindBuildMesh,
		BuildMesh: &tasks.BuildMeshTask{
			Position: loc.Position,
			Lod:      loc.Lod,
			Build:    e.buildMesh,
		},
	})
}

// buildMesh runs on a worker: snapshot the padded voxel neighborhood, build
// the mesh, flip the Loaded flag and post the completion. A snapshot that
// lost blocks in the meantime is abandoned; the differ reschedules it.
func (e *Engine) buildMesh(bpos mathx.Vec3i, lodIndex int) {
	shift := uint(e.cfg.MeshBlockSizePo2 - e.cfg.DataBlockSizePo2)
	dataBox := mathx.NewBox3i(
		bpos.Shl(shift).Sub(mathx.Vec3iAll(1)),
		mathx.Vec3iAll((1<<shift)+2),
	).Clip(e.grid.BoundsInBlocks(lodIndex))

	payloads, ok := e.grid.SnapshotArea(dataBox, lodIndex)
	if !ok {
		e.logf("mesh block lod %d %v lost its data before meshing", lodIndex, bpos)
		return
	}

	output := e.mesher.BuildMesh(bpos, lodIndex, payloads)

	loc := stream.BlockLocation{Position: bpos, Lod: lodIndex}
	if !e.state.MarkMeshBlockLoaded(loc) {
		// The block left the clipbox while meshing.
		return
	}
	if e.callbacks.MeshBuilt != nil {
		e.callbacks.MeshBuilt(loc, &output)
	}

	if e.cfg.DetailNormalmaps && len(output.Tiles) > 0 {
		e.submitDetailNormalmap(loc, &output)
	}
}

func (e *Engine) submitDetailNormalmap(loc stream.BlockLocation, output *MeshOutput) {
	tileSize := e.cfg.TileSizePixels
	tilesX := mathx.MaxInt(1, 4096/tileSize)
	if len(output.Tiles) < tilesX {
		tilesX = len(output.Tiles)
	}
	tilesY := mathx.CeilDiv(len(output.Tiles), tilesX)

	meshBlockSize := 1 << uint(e.cfg.MeshBlockSizePo2+loc.Lod)

	task := &gpu.DetailNormalmapTask{
		MeshVertices:  output.Vertices,
		MeshIndices:   output.Indices,
		CellTriangles: output.CellTriangles,
		Tiles:         output.Tiles,
		Params: gpu.NormalmapParams{
			BlockOriginWorld: [3]float32{
				float32(loc.Position.X * meshBlockSize),
				float32(loc.Position.Y * meshBlockSize),
				float32(loc.Position.Z * meshBlockSize),
			},
			PixelWorldStep: float32(meshBlockSize) / float32(tileSize),
			TileSizePixels: int32(tileSize),
			TilesX:         int32(tilesX),
			// Accept normals within ~cos(45deg) of the face axis.
			MaxDeviationCosine: 0.7071068,
			MaxDeviationSine:   0.7071068,
		},
		ModifierOp:        gpu.OpReplace,
		ModifierShader:    e.modifierShader,
		TextureWidth:      tilesX * tileSize,
		TextureHeight:     tilesY * tileSize,
		MeshBlockPosition: loc.Position,
		MeshBlockSize:     meshBlockSize,
		LodIndex:          loc.Lod,
	}

	e.pool.Submit(tasks.Task{
		Kind: tasks.KindGpuDetailNormalmap,
		Gpu: &tasks.GpuDetailNormalmapTask{
			Task:    task,
			Device:  e.device,
			Shaders: e.shaders,
			OnCollected: func(atlas []byte, t *gpu.DetailNormalmapTask) {
				e.pool.Submit(tasks.Task{
					Kind: tasks.KindRenderVirtualTexturePass2,
					VTPass2: &gpu.RenderVirtualTexturePass2Task{
						AtlasData:         atlas,
						Tiles:             t.Tiles,
						AtlasWidth:        t.TextureWidth,
						AtlasHeight:       t.TextureHeight,
						TileSizePixels:    int(t.Params.TileSizePixels),
						MeshBlockPosition: t.MeshBlockPosition,
						MeshBlockSize:     t.MeshBlockSize,
						LodIndex:          t.LodIndex,
						Output:            e.callbacks.VirtualTextureReady,
					},
				})
			},
			OnError: func(err error) {
				// The mesh block keeps its previous detail state; the task
				// will be retried when the block is meshed again.
				e.logf("detail normalmap lod %d %v: %v", loc.Lod, loc.Position, err)
			},
		},
	})
}

// flushVisibility hands the per-LOD visibility queues to the callbacks and
// clears them.
func (e *Engine) flushVisibility(events *TickEvents) {
	for lodIndex := range e.state.Lods {
		lod := &e.state.Lods[lodIndex]

		events.Activated += len(lod.MeshBlocksToActivate)
		events.Deactivated += len(lod.MeshBlocksToDeactivate)
		events.MeshUnloads += len(lod.MeshBlocksToUnload)
		events.TransitionUpdates += len(lod.MeshBlocksToUpdateTransitions)

		if e.callbacks.MeshActivated != nil {
			for _, bpos := range lod.MeshBlocksToActivate {
				e.callbacks.MeshActivated(stream.BlockLocation{Position: bpos, Lod: lodIndex})
			}
		}
		if e.callbacks.MeshDeactivated != nil {
			for _, bpos := range lod.MeshBlocksToDeactivate {
				e.callbacks.MeshDeactivated(stream.BlockLocation{Position: bpos, Lod: lodIndex})
			}
		}
		if e.callbacks.MeshUnloaded != nil {
			for _, bpos := range lod.MeshBlocksToUnload {
				e.callbacks.MeshUnloaded(stream.BlockLocation{Position: bpos, Lod: lodIndex})
			}
		}
		if e.callbacks.TransitionChanged != nil {
			for _, tu := range lod.MeshBlocksToUpdateTransitions {
				e.callbacks.TransitionChanged(stream.BlockLocation{Position: tu.Position, Lod: lodIndex}, tu.Mask)
			}
		}

		lod.MeshBlocksToActivate = lod.MeshBlocksToActivate[:0]
		lod.MeshBlocksToDeactivate = lod.MeshBlocksToDeactivate[:0]
		lod.MeshBlocksToUnload = lod.MeshBlocksToUnload[:0]
		lod.MeshBlocksToUpdateTransitions = lod.MeshBlocksToUpdateTransitions[:0]
	}
}

// runFullLoad generates the entire volume up-front for non-streaming
// instances, then unlocks meshing.
func (e *Engine) runFullLoad() {
	for lodIndex := 0; lodIndex < e.cfg.LodCount; lodIndex++ {
		bounds := e.grid.BoundsInBlocks(lodIndex)
		bounds.ForEachCell(func(pos mathx.Vec3i) {
			e.grid.InsertLoadedBlock(pos, lodIndex, e.generate(pos, lodIndex), 0)
		})
	}
	e.grid.SetFullLoadCompleted()
	e.logf("full load completed")
}

package gpu

import (
	"encoding/binary"
	"fmt"
	"math"

	"voxelstream.dev/internal/voxel/mathx"
)

// ModifierOp selects how the SDF modifier combines with the base distance
// field.
type ModifierOp int32

const (
	OpUnion    ModifierOp = 0
	OpSubtract ModifierOp = 1
	OpReplace  ModifierOp = 2
)

// TileData addresses one virtual-texture tile within the mesh block. Data
// carries the packed axis bits of the tile's projection direction.
type TileData struct {
	CellX, CellY, CellZ uint8
	Data                uint8
}

// TextureParam is an extra sampler+texture uniform appended to the SDF
// modifier stage.
type TextureParam struct {
	Binding int
	Texture RID
}

// NormalmapParams are the scalar inputs shared by the stages.
type NormalmapParams struct {
	BlockOriginWorld   [3]float32
	PixelWorldStep     float32
	TileSizePixels     int32
	TilesX             int32
	MaxDeviationCosine float32
	MaxDeviationSine   float32
}

// DetailNormalmapTask renders a tiled normal-map atlas for one mesh block
// with a five-stage compute graph: gather hits, SDF modifier, normal-map
// render, and two dilation passes. All inputs are owned byte blobs captured
// at construction; the task holds no locks while running.
type DetailNormalmapTask struct {
	MeshVertices  [][4]float32
	MeshIndices   []int32
	CellTriangles []int32
	Tiles         []TileData

	Params     NormalmapParams
	ModifierOp ModifierOp

	// ModifierShader is the per-volume SDF modifier; the shared stages come
	// from the injected Shaders bundle.
	ModifierShader RID
	ShaderParams   []TextureParam

	TextureWidth  int
	TextureHeight int

	VolumeID          uint32
	MeshBlockPosition mathx.Vec3i
	MeshBlockSize     int
	LodIndex          int

	res taskResources
}

// taskResources tracks every handle the task allocated, in allocation order,
// which is also the release order: two textures, eleven buffers (ten storage,
// one uniform), four pipelines (the dilation pipeline serves both passes).
type taskResources struct {
	texture0, texture1 RID

	gatherHitsPipeline   RID
	modifierPipeline     RID
	normalmapPipeline    RID
	dilationPipeline     RID

	meshVertices     RID
	meshIndices      RID
	cellTriangles    RID
	tileData         RID
	gatherHitsParams RID
	hitPositions     RID
	modifierParams   RID
	sdBuffer0        RID
	sdBuffer1        RID
	normalmapParams  RID
	dilationParams   RID

	allocated []RID
}

func (r *taskResources) track(id RID) RID {
	r.allocated = append(r.allocated, id)
	return id
}

func (r *taskResources) freeAll(dev Device) {
	for _, id := range r.allocated {
		if !id.IsNull() {
			dev.Free(id)
		}
	}
	r.allocated = r.allocated[:0]
}

func packVec4f32(vs [][4]float32) []byte {
	out := make([]byte, 0, len(vs)*16)
	var tmp [4]byte
	for _, v := range vs {
		for _, c := range v {
			binary.LittleEndian.PutUint32(tmp[:], math.Float32bits(c))
			out = append(out, tmp[:]...)
		}
	}
	return out
}

func packI32(vs []int32) []byte {
	out := make([]byte, 0, len(vs)*4)
	var tmp [4]byte
	for _, v := range vs {
		binary.LittleEndian.PutUint32(tmp[:], uint32(v))
		out = append(out, tmp[:]...)
	}
	return out
}

func packTiles(tiles []TileData) []byte {
	out := make([]byte, 0, len(tiles)*4)
	for _, td := range tiles {
		out = append(out, td.CellX, td.CellY, td.CellZ, td.Data)
	}
	return out
}

type byteWriter struct {
	b []byte
}

func (w *byteWriter) f32(v float32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], math.Float32bits(v))
	w.b = append(w.b, tmp[:]...)
}

func (w *byteWriter) i32(v int32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(v))
	w.b = append(w.b, tmp[:]...)
}

// Prepare validates inputs, allocates every resource and records the whole
// compute graph in one submission. On any failure it frees what was
// allocated and returns the error; nothing is submitted.
func (t *DetailNormalmapTask) Prepare(dev Device, shaders Shaders) error {
	if err := shaders.Validate(); err != nil {
		return err
	}
	if t.ModifierShader.IsNull() {
		return ErrInvalidShader
	}
	if len(t.MeshVertices) == 0 || len(t.MeshIndices) == 0 || len(t.Tiles) == 0 {
		return ErrEmptyInput
	}

	res := &t.res

	fail := func(err error) error {
		res.freeAll(dev)
		return err
	}

	createStorage := func(size int, data []byte) (RID, error) {
		id, err := dev.CreateStorageBuffer(size, data)
		if err != nil {
			return NullRID, err
		}
		return res.track(id), nil
	}

	var err error

	// Output image and its ping-pong partner. Size varies per block, so the
	// textures cannot be pooled.
	if res.texture0, err = dev.CreateTexture2D(t.TextureWidth, t.TextureHeight); err != nil {
		return fail(err)
	}
	res.track(res.texture0)
	if res.texture1, err = dev.CreateTexture2D(t.TextureWidth, t.TextureHeight); err != nil {
		return fail(err)
	}
	res.track(res.texture1)

	// Geometry and tile inputs.
	if res.meshVertices, err = createStorage(len(t.MeshVertices)*16, packVec4f32(t.MeshVertices)); err != nil {
		return fail(err)
	}
	if res.meshIndices, err = createStorage(len(t.MeshIndices)*4, packI32(t.MeshIndices)); err != nil {
		return fail(err)
	}
	if res.cellTriangles, err = createStorage(len(t.CellTriangles)*4, packI32(t.CellTriangles)); err != nil {
		return fail(err)
	}
	if res.tileData, err = createStorage(len(t.Tiles)*4, packTiles(t.Tiles)); err != nil {
		return fail(err)
	}

	// Gather-hits params.
	var ghp byteWriter
	ghp.f32(t.Params.BlockOriginWorld[0])
	ghp.f32(t.Params.BlockOriginWorld[1])
	ghp.f32(t.Params.BlockOriginWorld[2])
	ghp.f32(t.Params.PixelWorldStep)
	ghp.i32(t.Params.TileSizePixels)
	if res.gatherHitsParams, err = createStorage(len(ghp.b), ghp.b); err != nil {
		return fail(err)
	}

	// Hit positions: one vec4 per atlas pixel.
	tileSize := int(t.Params.TileSizePixels)
	hitBufferSize := len(t.Tiles) * tileSize * tileSize * 16
	if res.hitPositions, err = createStorage(hitBufferSize, nil); err != nil {
		return fail(err)
	}

	// Modifier params.
	var mp byteWriter
	mp.i32(t.Params.TileSizePixels)
	mp.f32(t.Params.PixelWorldStep)
	mp.i32(int32(t.ModifierOp))
	if res.modifierParams, err = createStorage(len(mp.b), mp.b); err != nil {
		return fail(err)
	}

	// Ping-pong signed-distance buffers.
	sdBufferSize := len(t.Tiles) * tileSize * tileSize * 16
	if res.sdBuffer0, err = createStorage(sdBufferSize, nil); err != nil {
		return fail(err)
	}
	if res.sdBuffer1, err = createStorage(sdBufferSize, nil); err != nil {
		return fail(err)
	}

	// Normal-map params.
	var np byteWriter
	np.i32(t.Params.TileSizePixels)
	np.i32(t.Params.TilesX)
	np.f32(t.Params.MaxDeviationCosine)
	np.f32(t.Params.MaxDeviationSine)
	if res.normalmapParams, err = createStorage(len(np.b), np.b); err != nil {
		return fail(err)
	}

	// Dilation params: only 4 bytes needed, but uniform buffers are padded
	// to a 16-byte minimum.
	dp := make([]byte, 16)
	binary.LittleEndian.PutUint32(dp, uint32(t.Params.TileSizePixels))
	if res.dilationParams, err = dev.CreateUniformBuffer(dp); err != nil {
		return fail(err)
	}
	res.track(res.dilationParams)

	// Pipelines.
	if res.gatherHitsPipeline, err = dev.CreateComputePipeline(shaders.GatherHits); err != nil {
		return fail(err)
	}
	res.track(res.gatherHitsPipeline)
	if res.modifierPipeline, err = dev.CreateComputePipeline(t.ModifierShader); err != nil {
		return fail(err)
	}
	res.track(res.modifierPipeline)
	if res.normalmapPipeline, err = dev.CreateComputePipeline(shaders.DetailNormalmap); err != nil {
		return fail(err)
	}
	res.track(res.normalmapPipeline)
	if res.dilationPipeline, err = dev.CreateComputePipeline(shaders.Dilate); err != nil {
		return fail(err)
	}
	res.track(res.dilationPipeline)

	// Dispatch shapes: the first three stages walk tile pixels with 4^3
	// local groups; dilation walks atlas pixels with 8x8 groups.
	tileGroupsX := mathx.CeilDiv(tileSize, 4)
	tileGroupsY := mathx.CeilDiv(tileSize, 4)
	tileGroupsZ := mathx.CeilDiv(len(t.Tiles), 4)
	dilationGroupsX := mathx.CeilDiv(t.TextureWidth, 8)
	dilationGroupsY := mathx.CeilDiv(t.TextureHeight, 8)

	cl := dev.ComputeListBegin()

	// Stage 1: gather hits.
	{
		uniforms := []Uniform{
			{Binding: 0, Type: UniformStorageBuffer, IDs: []RID{res.meshVertices}},
			{Binding: 1, Type: UniformStorageBuffer, IDs: []RID{res.meshIndices}},
			{Binding: 2, Type: UniformStorageBuffer, IDs: []RID{res.cellTriangles}},
			{Binding: 3, Type: UniformStorageBuffer, IDs: []RID{res.tileData}},
			{Binding: 4, Type: UniformStorageBuffer, IDs: []RID{res.gatherHitsParams}},
			{Binding: 5, Type: UniformStorageBuffer, IDs: []RID{res.hitPositions}},
		}
		set, err := dev.CreateUniformSet(uniforms, res.gatherHitsPipeline, 0)
		if err != nil {
			return fail(err)
		}
		cl.BindComputePipeline(res.gatherHitsPipeline)
		cl.BindUniformSet(set, 0)
		cl.Dispatch(tileGroupsX, tileGroupsY, tileGroupsZ)
	}

	cl.Barrier()

	// Stage 2: SDF modifier, writing the ping-pong SD buffers.
	{
		uniforms := []Uniform{
			{Binding: 0, Type: UniformStorageBuffer, IDs: []RID{res.hitPositions}},
			{Binding: 1, Type: UniformStorageBuffer, IDs: []RID{res.modifierParams}},
			{Binding: 2, Type: UniformStorageBuffer, IDs: []RID{res.sdBuffer0}},
			{Binding: 3, Type: UniformStorageBuffer, IDs: []RID{res.sdBuffer1}},
		}
		for _, p := range t.ShaderParams {
			uniforms = append(uniforms, Uniform{
				Binding: p.Binding,
				Type:    UniformSamplerWithTexture,
				IDs:     []RID{shaders.FilteringSampler, p.Texture},
			})
		}
		set, err := dev.CreateUniformSet(uniforms, res.modifierPipeline, 0)
		if err != nil {
			return fail(err)
		}
		cl.BindComputePipeline(res.modifierPipeline)
		cl.BindUniformSet(set, 0)
		cl.Dispatch(tileGroupsX, tileGroupsY, tileGroupsZ)
	}

	cl.Barrier()

	// Stage 3: normal-map render into texture0.
	{
		uniforms := []Uniform{
			{Binding: 0, Type: UniformStorageBuffer, IDs: []RID{res.sdBuffer1}},
			{Binding: 1, Type: UniformStorageBuffer, IDs: []RID{res.meshVertices}},
			{Binding: 2, Type: UniformStorageBuffer, IDs: []RID{res.meshIndices}},
			{Binding: 3, Type: UniformStorageBuffer, IDs: []RID{res.hitPositions}},
			{Binding: 4, Type: UniformStorageBuffer, IDs: []RID{res.normalmapParams}},
			{Binding: 5, Type: UniformImage, IDs: []RID{res.texture0}},
		}
		set, err := dev.CreateUniformSet(uniforms, res.normalmapPipeline, 0)
		if err != nil {
			return fail(err)
		}
		cl.BindComputePipeline(res.normalmapPipeline)
		cl.BindUniformSet(set, 0)
		cl.Dispatch(tileGroupsX, tileGroupsY, tileGroupsZ)
	}

	cl.Barrier()

	// Stage 4: dilation, texture0 -> texture1.
	{
		uniforms := []Uniform{
			{Binding: 0, Type: UniformImage, IDs: []RID{res.texture0}},
			{Binding: 1, Type: UniformImage, IDs: []RID{res.texture1}},
			{Binding: 2, Type: UniformBuffer, IDs: []RID{res.dilationParams}},
		}
		set, err := dev.CreateUniformSet(uniforms, res.dilationPipeline, 0)
		if err != nil {
			return fail(err)
		}
		cl.BindComputePipeline(res.dilationPipeline)
		cl.BindUniformSet(set, 0)
		cl.Dispatch(dilationGroupsX, dilationGroupsY, 1)
	}

	cl.Barrier()

	// Stage 5: dilation back, texture1 -> texture0. The final result lands
	// in texture0.
	{
		uniforms := []Uniform{
			{Binding: 0, Type: UniformImage, IDs: []RID{res.texture1}},
			{Binding: 1, Type: UniformImage, IDs: []RID{res.texture0}},
			{Binding: 2, Type: UniformBuffer, IDs: []RID{res.dilationParams}},
		}
		set, err := dev.CreateUniformSet(uniforms, res.dilationPipeline, 0)
		if err != nil {
			return fail(err)
		}
		cl.BindUniformSet(set, 0)
		cl.Dispatch(dilationGroupsX, dilationGroupsY, 1)
	}

	if err := cl.End(); err != nil {
		return fail(fmt.Errorf("compute list submit: %w", err))
	}
	return nil
}

// Collect downloads the finished atlas and frees every resource the task
// allocated. Uniform sets release themselves with their contents.
func (t *DetailNormalmapTask) Collect(dev Device) ([]byte, error) {
	data, err := dev.TextureGetData(t.res.texture0, 0)
	t.res.freeAll(dev)
	if err != nil {
		return nil, err
	}
	return data, nil
}

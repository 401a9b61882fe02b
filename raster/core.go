// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package raster

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gogpu/gputypes"
	"github.com/tauray-gpu/tauray/devicectx"
	"github.com/tauray-gpu/tauray/gpures"
	"github.com/tauray-gpu/tauray/hal"
	"github.com/tauray-gpu/tauray/internal/devicemask"
	"github.com/tauray-gpu/tauray/pipeline"
	"github.com/tauray-gpu/tauray/scene"
	"github.com/tauray-gpu/tauray/stage"
)

// instanceRecordSize is the packed byte size of one GPU instance record:
// model, normal, and previous-model 4x4 matrices plus a material index,
// matching gbufferVertexWGSL's Instance struct.
const instanceRecordSize = 3*16*4 + 4*4

// materialRecordSize is the packed byte size of one GPU material record,
// matching gbufferFragmentWGSL's Material struct.
const materialRecordSize = 48

// cameraRecordSize is the packed byte size of one GPU camera record,
// matching gbufferVertexWGSL's Camera struct.
const cameraRecordSize = 2*16*4 + 4*4

// paramsRecordSize is the packed byte size of the shared alpha-clip params
// block both the G-buffer fill and shadow fragment stages read.
const paramsRecordSize = 16

// requiredGBufferChannels lists the channels Core always needs present to
// fill anything useful; Core errors at construction if any is missing.
var requiredGBufferChannels = []gpures.GBufferEntry{
	gpures.GBufferAlbedo,
	gpures.GBufferDepth,
}

// View is one camera viewpoint the G-buffer fill pass renders, mapped onto
// one array layer of the target G-buffer.
type View struct {
	Camera *scene.Camera
	Layer  uint32
}

// Core fills a G-buffer by rasterizing the scene's instance cache from one
// or more views, and maintains the shadow-map atlas the lighting passes
// sample, following gfx_pipeline and shadow_map_renderer's split of
// responsibilities.
type Core struct {
	ctx   *devicectx.Context
	mask  devicemask.Mask
	label string
	opts  Options
	scene *scene.Scene
	gb    *gpures.GBuffer

	layout         *pipeline.DescriptorSetLayout
	pipelineLayout *pipeline.Layout
	gfx            *pipeline.GraphicsPipeline
	push           *pipeline.PushDescriptorSet

	instances *gpures.StagedBuffer
	materials *gpures.StagedBuffer
	cameras   *gpures.StagedBuffer
	params    *gpures.StagedBuffer

	fallbackAlbedo  *gpures.Texture
	fallbackSampler *devicemask.PerDevice[hal.Sampler]

	hasAlbedo, hasNormal, hasMaterial, hasPos, hasMotion, hasInstanceID bool

	shadows *ShadowAtlas

	base *stage.Base
}

// NewCoreParams groups Core's construction inputs.
type NewCoreParams struct {
	GBuffer *gpures.GBuffer
	Scene   *scene.Scene
}

// NewCore validates p and opts and allocates every GPU resource a frame of
// Run needs: the instance/material/camera staging buffers, the G-buffer
// fill pipeline, and (if enabled) the shadow atlas.
func NewCore(ctx *devicectx.Context, mask devicemask.Mask, label string, p NewCoreParams, opts Options) (*Core, error) {
	opts = opts.normalize()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if p.GBuffer == nil {
		return nil, fmt.Errorf("raster: %q: g-buffer is required", label)
	}
	for _, ch := range requiredGBufferChannels {
		if !p.GBuffer.Has(ch) {
			return nil, fmt.Errorf("raster: %q: g-buffer is missing required channel %s", label, ch)
		}
	}
	if p.Scene == nil {
		return nil, fmt.Errorf("raster: %q: scene is required", label)
	}

	c := &Core{ctx: ctx, mask: mask, label: label, opts: opts, scene: p.Scene, gb: p.GBuffer}

	var err error
	c.fallbackAlbedo, err = gpures.NewTexture(ctx, mask, label+".fallback-albedo", gpures.TextureParams{
		Width: 1, Height: 1, Format: gputypes.TextureFormatRGBA8Unorm,
		Usage: gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("raster: %q: fallback albedo texture: %w", label, err)
	}
	white := []byte{255, 255, 255, 255}
	mask.ForEach(func(id devicemask.DeviceID) {
		img, ok := c.fallbackAlbedo.Image(id)
		if !ok {
			return
		}
		d, ok := ctx.Device(id)
		if !ok {
			return
		}
		d.Queue.WriteTexture(&hal.ImageCopyTexture{Texture: img}, white, &hal.ImageDataLayout{BytesPerRow: 4}, &hal.Extent3D{Width: 1, Height: 1, DepthOrArrayLayers: 1})
	})

	c.fallbackSampler, err = devicemask.NewPerDevice(mask, func(id devicemask.DeviceID) (hal.Sampler, error) {
		d, ok := ctx.Device(id)
		if !ok {
			return nil, fmt.Errorf("raster: device %d not found", id)
		}
		return d.Device.CreateSampler(&hal.SamplerDescriptor{
			Label: label + ".fallback-sampler",
			AddressModeU: gputypes.AddressModeRepeat, AddressModeV: gputypes.AddressModeRepeat, AddressModeW: gputypes.AddressModeRepeat,
			MagFilter: gputypes.FilterModeLinear, MinFilter: gputypes.FilterModeLinear, MipmapFilter: gputypes.FilterModeLinear,
		})
	})
	if err != nil {
		c.closePartial()
		return nil, fmt.Errorf("raster: %q: fallback sampler: %w", label, err)
	}

	if err := c.buildGBufferPipeline(); err != nil {
		c.closePartial()
		return nil, err
	}

	maxInstances := p.Scene.InstanceCount()
	if maxInstances < 1 {
		maxInstances = 1
	}
	c.instances, err = gpures.NewStagedBuffer(ctx, mask, label+".instances", uint64(maxInstances)*instanceRecordSize, gputypes.BufferUsageStorage)
	if err != nil {
		c.closePartial()
		return nil, fmt.Errorf("raster: %q: instance buffer: %w", label, err)
	}
	materialCount := len(p.Scene.Materials())
	if materialCount < 1 {
		materialCount = 1
	}
	c.materials, err = gpures.NewStagedBuffer(ctx, mask, label+".materials", uint64(materialCount)*materialRecordSize, gputypes.BufferUsageStorage)
	if err != nil {
		c.closePartial()
		return nil, fmt.Errorf("raster: %q: material buffer: %w", label, err)
	}
	c.cameras, err = gpures.NewStagedBuffer(ctx, mask, label+".cameras", uint64(opts.ViewsPerPass)*cameraRecordSize, gputypes.BufferUsageUniform)
	if err != nil {
		c.closePartial()
		return nil, fmt.Errorf("raster: %q: camera buffer: %w", label, err)
	}
	c.params, err = gpures.NewStagedBuffer(ctx, mask, label+".params", paramsRecordSize, gputypes.BufferUsageUniform)
	if err != nil {
		c.closePartial()
		return nil, fmt.Errorf("raster: %q: params buffer: %w", label, err)
	}

	if opts.EnableShadows {
		c.shadows, err = newShadowAtlas(ctx, mask, label+".shadows", opts)
		if err != nil {
			c.closePartial()
			return nil, fmt.Errorf("raster: %q: shadow atlas: %w", label, err)
		}
	}

	c.base, err = stage.NewBase(ctx, mask, label, stage.CommandBufferPerFrame, 1)
	if err != nil {
		c.closePartial()
		return nil, err
	}

	return c, nil
}

func (c *Core) closePartial() {
	if c.base != nil {
		c.base.Close()
	}
	if c.shadows != nil {
		c.shadows.close()
	}
	if c.params != nil {
		c.params.Close()
	}
	if c.cameras != nil {
		c.cameras.Close()
	}
	if c.materials != nil {
		c.materials.Close()
	}
	if c.instances != nil {
		c.instances.Close()
	}
	if c.fallbackSampler != nil {
		c.fallbackSampler.Close(func(id devicemask.DeviceID, s hal.Sampler) {
			if d, ok := c.ctx.Device(id); ok && s != nil {
				d.Device.DestroySampler(s)
			}
		})
	}
	if c.fallbackAlbedo != nil {
		c.fallbackAlbedo.Close()
	}
	if c.gfx != nil {
		c.gfx.Close()
	}
	if c.pipelineLayout != nil {
		c.pipelineLayout.Close()
	}
	if c.layout != nil {
		c.layout.Close()
	}
}

func (c *Core) buildGBufferPipeline() error {
	c.hasAlbedo = c.gb.Has(gpures.GBufferAlbedo)
	c.hasNormal = c.gb.Has(gpures.GBufferNormal)
	c.hasMaterial = c.gb.Has(gpures.GBufferMaterial)
	c.hasPos = c.gb.Has(gpures.GBufferPos)
	c.hasMotion = c.gb.Has(gpures.GBufferScreenMotion)
	c.hasInstanceID = c.gb.Has(gpures.GBufferInstanceID)
	hasAlbedo, hasNormal, hasMaterial, hasPos, hasMotion, hasInstanceID :=
		c.hasAlbedo, c.hasNormal, c.hasMaterial, c.hasPos, c.hasMotion, c.hasInstanceID

	both := gputypes.ShaderStageVertex | gputypes.ShaderStageFragment
	frag := gputypes.ShaderStageFragment

	bindings := []pipeline.BindingInfo{
		{Name: "camera", Binding: 0, Type: pipeline.BindingTypeUniformBuffer, Visibility: gputypes.ShaderStageVertex},
		{Name: "instances", Binding: 1, Type: pipeline.BindingTypeReadOnlyStorageBuffer, Visibility: both},
		{Name: "materials", Binding: 2, Type: pipeline.BindingTypeReadOnlyStorageBuffer, Visibility: frag},
		{Name: "params", Binding: 3, Type: pipeline.BindingTypeUniformBuffer, Visibility: frag},
		{Name: "albedo_tex", Binding: 4, Type: pipeline.BindingTypeSampledTexture, Visibility: frag},
		{Name: "albedo_sampler", Binding: 5, Type: pipeline.BindingTypeSampler, Visibility: frag},
	}
	binding := uint32(6)
	addStorage := func(name string, present bool, format gputypes.TextureFormat) {
		if !present {
			return
		}
		bindings = append(bindings, pipeline.BindingInfo{
			Name: name, Binding: binding, Type: pipeline.BindingTypeStorageTexture, Visibility: frag,
			ViewDimension: gputypes.TextureViewDimension2DArray, TextureFormat: format,
		})
		binding++
	}
	addStorage("out_albedo", hasAlbedo, gputypes.TextureFormatRGBA16Float)
	addStorage("out_normal", hasNormal, gputypes.TextureFormatRG16Float)
	addStorage("out_material", hasMaterial, gputypes.TextureFormatRG16Float)
	addStorage("out_pos", hasPos, gputypes.TextureFormatRGBA32Float)
	addStorage("out_motion", hasMotion, gputypes.TextureFormatRG32Float)
	addStorage("out_instance_id", hasInstanceID, gputypes.TextureFormatR32Sint)

	var err error
	c.layout, err = pipeline.NewDescriptorSetLayout(c.ctx, c.mask, c.label+".set", bindings)
	if err != nil {
		return fmt.Errorf("raster: descriptor set layout: %w", err)
	}
	c.pipelineLayout, err = pipeline.NewLayout(c.ctx, c.mask, c.label+".layout", []*pipeline.DescriptorSetLayout{c.layout}, nil)
	if err != nil {
		return fmt.Errorf("raster: pipeline layout: %w", err)
	}

	vs, err := pipeline.CompileWGSL(c.label+".vert", gbufferVertexWGSL, bindings, nil)
	if err != nil {
		return fmt.Errorf("raster: vertex shader: %w", err)
	}
	fs, err := pipeline.CompileWGSL(c.label+".frag", gbufferFragmentWGSL(hasAlbedo, hasNormal, hasMaterial, hasPos, hasMotion, hasInstanceID), bindings, nil)
	if err != nil {
		return fmt.Errorf("raster: fragment shader: %w", err)
	}

	depthTex, _ := c.gb.Texture(gpures.GBufferDepth)

	c.gfx, err = pipeline.NewGraphicsPipeline(c.ctx, c.mask, c.label+".pipeline", c.pipelineLayout, &pipeline.GraphicsPipelineDescriptor{
		Vertex: vs, VertexEntryPoint: "vs_main",
		VertexBuffers: meshVertexBufferLayouts(),
		Fragment:      fs, FragmentEntryPoint: "fs_main",
		Targets: nil,
		Primitive: gputypes.PrimitiveState{
			Topology: gputypes.PrimitiveTopologyTriangleList,
			CullMode: gputypes.CullModeBack,
			FrontFace: gputypes.FrontFaceCCW,
		},
		DepthStencil: &hal.DepthStencilState{
			Format: depthTex.Params().Format, DepthWriteEnabled: true, DepthCompare: gputypes.CompareFunctionLess,
		},
		Multisample: gputypes.MultisampleState{Count: 1, Mask: 0xFFFFFFFF},
	})
	if err != nil {
		return fmt.Errorf("raster: graphics pipeline: %w", err)
	}

	c.push = pipeline.NewPushDescriptorSet(c.ctx, c.label+".push", c.layout)
	return nil
}

// meshVertexBufferLayouts describes the three separate vertex buffers
// (position, normal, uv) scene.Mesh uploads, matching gbufferVertexWGSL's
// @location bindings.
func meshVertexBufferLayouts() []gputypes.VertexBufferLayout {
	return []gputypes.VertexBufferLayout{
		{ArrayStride: 12, StepMode: gputypes.VertexStepModeVertex, Attributes: []gputypes.VertexAttribute{
			{Format: gputypes.VertexFormatFloat32x3, Offset: 0, ShaderLocation: 0},
		}},
		{ArrayStride: 12, StepMode: gputypes.VertexStepModeVertex, Attributes: []gputypes.VertexAttribute{
			{Format: gputypes.VertexFormatFloat32x3, Offset: 0, ShaderLocation: 1},
		}},
		{ArrayStride: 8, StepMode: gputypes.VertexStepModeVertex, Attributes: []gputypes.VertexAttribute{
			{Format: gputypes.VertexFormatFloat32x2, Offset: 0, ShaderLocation: 2},
		}},
	}
}

func putU32(buf []byte, off int, v uint32) { binary.LittleEndian.PutUint32(buf[off:], v) }
func putI32(buf []byte, off int, v int32)  { binary.LittleEndian.PutUint32(buf[off:], uint32(v)) }
func putF32(buf []byte, off int, v float32) {
	binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(v))
}
func putMat4(buf []byte, off int, m [16]float32) {
	for i, v := range m {
		putF32(buf, off+i*4, v)
	}
}
func putVec3(buf []byte, off int, v [3]float32) {
	putF32(buf, off, v[0])
	putF32(buf, off+4, v[1])
	putF32(buf, off+8, v[2])
}

// packInstances writes every current InstanceRecord into buf in
// scene.Instances() order, which RefreshInstanceCache builds in the same
// Objects()/Groups() order Run's draw loop walks.
func packInstances(buf []byte, records []scene.InstanceRecord) {
	for i, r := range records {
		off := i * instanceRecordSize
		putMat4(buf, off, r.Model)
		putMat4(buf, off+64, r.NormalModel)
		putMat4(buf, off+128, r.PrevModel)
		putI32(buf, off+192, r.MaterialIndex)
	}
}

func packMaterials(buf []byte, materials []*scene.Material) {
	for i, m := range materials {
		off := i * materialRecordSize
		putF32(buf, off, m.AlbedoFactor[0])
		putF32(buf, off+4, m.AlbedoFactor[1])
		putF32(buf, off+8, m.AlbedoFactor[2])
		putF32(buf, off+12, m.AlbedoFactor[3])
		putF32(buf, off+16, m.MetallicFactor)
		putF32(buf, off+20, m.RoughnessFactor)
		putVec3(buf, off+32, m.EmissionFactor)
	}
}

func packCamera(buf []byte, off int, viewProj, prevViewProj [16]float32, position [3]float32, layer uint32) {
	putMat4(buf, off, viewProj)
	putMat4(buf, off+64, prevViewProj)
	putVec3(buf, off+128, position)
	putU32(buf, off+140, layer)
}

// Run fills the G-buffer from views and, if shadows are enabled, rebuilds
// and renders the shadow atlas for every light the scene currently holds.
func (c *Core) Run(id devicemask.DeviceID, frameIndex uint32, views []View, waits []devicectx.Dependency) (devicectx.Dependency, error) {
	return c.base.Run(id, frameIndex, 0, true, waits, func(enc hal.CommandEncoder, _ uint32) error {
		c.uploadSceneBuffers(id, frameIndex)
		if c.shadows != nil {
			if err := c.shadows.rebuild(c.scene); err != nil {
				return err
			}
			if err := c.shadows.record(enc, id, frameIndex, c); err != nil {
				return err
			}
		}
		return c.recordGBufferFill(enc, id, frameIndex, views)
	})
}

func (c *Core) uploadSceneBuffers(id devicemask.DeviceID, frameIndex uint32) {
	records := c.scene.Instances()
	instBytes := make([]byte, c.instances.Size())
	packInstances(instBytes, records)
	c.instances.Update(uint64(frameIndex), instBytes, 0)
	c.instances.Upload(id, uint64(frameIndex), nil)

	materials := c.scene.Materials()
	matBytes := make([]byte, c.materials.Size())
	packMaterials(matBytes, materials)
	c.materials.Update(uint64(frameIndex), matBytes, 0)
	c.materials.Upload(id, uint64(frameIndex), nil)
}

func (c *Core) recordGBufferFill(enc hal.CommandEncoder, id devicemask.DeviceID, frameIndex uint32, views []View) error {
	if len(views) == 0 {
		return nil
	}
	if len(views) > c.opts.ViewsPerPass {
		views = views[:c.opts.ViewsPerPass]
	}

	params := make([]byte, paramsRecordSize)
	putF32(params, 0, c.opts.AlphaClipThreshold)
	c.params.Update(uint64(frameIndex), params, 0)
	c.params.Upload(id, uint64(frameIndex), nil)

	pl, ok := c.gfx.Handle(id)
	if !ok {
		return fmt.Errorf("raster: device %d missing graphics pipeline", id)
	}

	depthTex, _ := c.gb.Texture(gpures.GBufferDepth)
	materials := c.scene.Materials()
	records := c.scene.Instances()

	camBytes := make([]byte, c.cameras.Size())
	for vi, v := range views {
		packCamera(camBytes, vi*cameraRecordSize, v.Camera.ViewProj, v.Camera.PrevViewProj(), v.Camera.Position, v.Layer)
	}
	c.cameras.Update(uint64(frameIndex), camBytes, 0)
	c.cameras.Upload(id, uint64(frameIndex), nil)

	if err := c.writeGBufferOutputs(id); err != nil {
		return err
	}

	for vi, v := range views {
		depthView, err := depthTex.LayerView(id, v.Layer)
		if err != nil {
			return fmt.Errorf("raster: depth view for layer %d: %w", v.Layer, err)
		}
		rp := enc.BeginRenderPass(&hal.RenderPassDescriptor{
			Label:                  c.label,
			ColorAttachments:       nil,
			DepthStencilAttachment: &hal.RenderPassDepthStencilAttachment{
				View: depthView, DepthLoadOp: gputypes.LoadOpClear, DepthStoreOp: gputypes.StoreOpStore, DepthClearValue: c.opts.ClearDepth,
			},
		})
		rp.SetPipeline(pl)

		camBuf, _ := c.cameras.Target(id)
		instBuf, _ := c.instances.Target(id)
		matBuf, _ := c.materials.Target(id)
		paramsBuf, _ := c.params.Target(id)
		c.push.WriteBuffer(id, "camera", camBuf, uint64(vi)*cameraRecordSize, cameraRecordSize)
		c.push.WriteBuffer(id, "instances", instBuf, 0, c.instances.Size())
		c.push.WriteBuffer(id, "materials", matBuf, 0, c.materials.Size())
		c.push.WriteBuffer(id, "params", paramsBuf, 0, paramsRecordSize)

		slot := 0
		for _, obj := range c.scene.Objects() {
			for _, g := range obj.Model.Groups {
				if err := c.drawGroup(rp, id, uint64(frameIndex), slot, g, materials); err != nil {
					rp.End()
					return err
				}
				slot++
			}
		}
		if slot != len(records) {
			rp.End()
			return fmt.Errorf("raster: instance slot count %d does not match instance cache size %d", slot, len(records))
		}
		rp.End()
	}
	return nil
}

// writeGBufferOutputs binds every present storage-texture output channel's
// full array view once per frame; the fragment stage picks the layer to
// write with textureStore's explicit layer argument, so these writes don't
// need to change per view.
func (c *Core) writeGBufferOutputs(id devicemask.DeviceID) error {
	write := func(name string, present bool, ch gpures.GBufferEntry) error {
		if !present {
			return nil
		}
		tex, ok := c.gb.Texture(ch)
		if !ok {
			return fmt.Errorf("raster: g-buffer channel %s missing at record time", name)
		}
		view, err := tex.ArrayView(id)
		if err != nil {
			return fmt.Errorf("raster: g-buffer channel %s array view: %w", name, err)
		}
		c.push.WriteTextureView(id, name, view)
		return nil
	}
	if err := write("out_albedo", c.hasAlbedo, gpures.GBufferAlbedo); err != nil {
		return err
	}
	if err := write("out_normal", c.hasNormal, gpures.GBufferNormal); err != nil {
		return err
	}
	if err := write("out_material", c.hasMaterial, gpures.GBufferMaterial); err != nil {
		return err
	}
	if err := write("out_pos", c.hasPos, gpures.GBufferPos); err != nil {
		return err
	}
	if err := write("out_motion", c.hasMotion, gpures.GBufferScreenMotion); err != nil {
		return err
	}
	if err := write("out_instance_id", c.hasInstanceID, gpures.GBufferInstanceID); err != nil {
		return err
	}
	return nil
}

func (c *Core) drawGroup(rp hal.RenderPassEncoder, id devicemask.DeviceID, frame uint64, slot int, g scene.Group, materials []*scene.Material) error {
	mesh := g.Mesh
	if mesh == nil {
		return fmt.Errorf("raster: instance slot %d has no mesh", slot)
	}
	posBuf, ok := mesh.PositionBuffer(id)
	if !ok {
		return fmt.Errorf("raster: mesh missing position buffer for device %d", id)
	}
	normBuf, ok := mesh.NormalBuffer(id)
	if !ok {
		return fmt.Errorf("raster: mesh missing normal buffer for device %d", id)
	}
	uvBuf, ok := mesh.UVBuffer(id)
	if !ok {
		return fmt.Errorf("raster: mesh missing uv buffer for device %d", id)
	}
	idxBuf, ok := mesh.IndexBuffer(id)
	if !ok {
		return fmt.Errorf("raster: mesh missing index buffer for device %d", id)
	}

	albedoView, sampler := c.materialAlbedo(id, g.Material, materials)
	c.push.WriteTextureView(id, "albedo_tex", albedoView)
	c.push.WriteSampler(id, "albedo_sampler", sampler)
	if err := c.push.Push(rp, id, frame, 0); err != nil {
		return fmt.Errorf("raster: push descriptors: %w", err)
	}

	rp.SetVertexBuffer(0, posBuf, 0)
	rp.SetVertexBuffer(1, normBuf, 0)
	rp.SetVertexBuffer(2, uvBuf, 0)
	rp.SetIndexBuffer(idxBuf, gputypes.IndexFormatUint32, 0)
	rp.DrawIndexed(uint32(len(mesh.Indices)), 1, 0, 0, uint32(slot))
	return nil
}

func (c *Core) materialAlbedo(id devicemask.DeviceID, m *scene.Material, materials []*scene.Material) (hal.TextureView, hal.Sampler) {
	if m != nil && m.Albedo != nil && m.Albedo.Texture != nil {
		if v, err := m.Albedo.Texture.ArrayView(id); err == nil {
			sampler := m.Albedo.Sampler
			if sampler == nil {
				sampler, _ = c.fallbackSampler.Get(id)
			}
			return v, sampler
		}
	}
	v, _ := c.fallbackAlbedo.ArrayView(id)
	s, _ := c.fallbackSampler.Get(id)
	return v, s
}

// Close releases every GPU resource Core allocated.
func (c *Core) Close() {
	c.closePartial()
}

// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package restir

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

// directSamplingThreshold is the light count above which the canonical
// pass imports a LightBVH for importance sampling instead of uniformly
// picking among them; below it, building and traversing the hierarchy
// costs more than it saves.
const directSamplingThreshold = 8

// selectionStride is the byte size of one pixel's spatial-trace selection
// record: up to 4 chosen neighbour indices, matching the vec4<i32>
// selection buffer the WGSL passes in shaders.go declare.
const selectionStride = 16

// requiredChannels lists the G-buffer channels every configuration needs;
// their absence is a hard construction-time error per §4.7.4. GBufferPos
// and GBufferDepth are treated as interchangeable world-position sources.
var requiredChannels = []gpures.GBufferEntry{
	gpures.GBufferNormal,
	gpures.GBufferAlbedo,
	gpures.GBufferMaterial,
	gpures.GBufferScreenMotion,
}

type computeStage struct {
	layout         *pipeline.DescriptorSetLayout
	pipelineLayout *pipeline.Layout
	compute        *pipeline.ComputePipeline
	params         *gpures.StagedBuffer
	push           *pipeline.PushDescriptorSet
}

// close releases everything buildStage allocated. PushDescriptorSet has
// no Close of its own: its transient bind groups are deferred-destroyed
// by the device that built them.
func (s *computeStage) close() {
	if s == nil {
		return
	}
	if s.params != nil {
		s.params.Close()
	}
	if s.compute != nil {
		s.compute.Close()
	}
	if s.pipelineLayout != nil {
		s.pipelineLayout.Close()
	}
	if s.layout != nil {
		s.layout.Close()
	}
}

// Core orchestrates one frame's reservoir resampling: canonical sampling,
// first-pass temporal reuse, and Passes iterations of spatial trace plus
// gather, following §4.7.2's pass structure.
type Core struct {
	ctx   *devicectx.Context
	mask  devicemask.Mask
	label string
	opts  Options

	gbuffer     *gpures.GBuffer
	prevGBuffer *gpures.GBuffer
	output      *gpures.Texture
	diffuse     *gpures.Texture
	specular    *gpures.Texture

	effectiveTemporalReuse           bool
	effectiveAssumeUnchangedMaterial bool
	effectiveAccumulate              bool
	useLightBVH                      bool

	reservoirs *reservoirPair
	selection  *devicemask.PerDevice[hal.Buffer]
	lightBVH   *gpures.StagedBuffer

	base       *stage.Base
	canonical  computeStage
	temporal   computeStage
	spatTrace  computeStage
	spatGather computeStage

	// scene, when non-nil, gives the canonical pass a TLAS to trace
	// against; traceLayout/tracePipelineLayout/tracePipeline/traceParams
	// and tracePush are built only in that case. Callers that never set
	// NewCoreParams.Scene (most unit tests) get canonical resampling with
	// no ray-tracing dispatch, matching the module's behaviour before the
	// scene was wired up.
	scene              *scene.Scene
	traceLayout        *pipeline.DescriptorSetLayout
	tracePipelineLayout *pipeline.Layout
	tracePipeline      *pipeline.RayTracingPipeline
	traceParams        *gpures.StagedBuffer
	tracePush          *pipeline.PushDescriptorSet

	cleared *devicemask.PerDevice[bool]
}

// NewCoreParams groups Core's construction inputs: the current frame's
// G-buffer, the previous frame's (nil if unavailable, e.g. the first
// frame after a scene reset), the output targets, the scene's triangle
// lights (used to decide whether canonical sampling imports a LightBVH),
// and the scene itself. Scene is optional: when set, the canonical pass
// traces rays against Scene.TLAS() in addition to its BSDF-sampled
// candidate generation; when nil, canonical sampling runs exactly as it
// did before the scene was wired in.
type NewCoreParams struct {
	GBuffer     *gpures.GBuffer
	PrevGBuffer *gpures.GBuffer
	Output      *gpures.Texture
	Diffuse     *gpures.Texture
	Specular    *gpures.Texture
	Lights      []scene.TriangleLight
	Scene       *scene.Scene
}

// NewCore validates p and opts against §4.7.4's failure model and
// allocates every GPU resource a frame of Run needs: the double-buffered
// reservoir storage, the spatial-trace selection buffer, and the four
// compute pipelines.
func NewCore(ctx *devicectx.Context, mask devicemask.Mask, label string, p NewCoreParams, opts Options) (*Core, error) {
	opts = opts.normalize()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if p.GBuffer == nil {
		return nil, fmt.Errorf("restir: %q: g-buffer is required", label)
	}
	for _, ch := range requiredChannels {
		if !p.GBuffer.Has(ch) {
			return nil, fmt.Errorf("restir: %q: g-buffer is missing required channel %s", label, ch)
		}
	}
	if !p.GBuffer.Has(gpures.GBufferPos) && !p.GBuffer.Has(gpures.GBufferDepth) {
		return nil, fmt.Errorf("restir: %q: g-buffer has neither a position nor a depth channel", label)
	}
	if p.Output == nil {
		return nil, fmt.Errorf("restir: %q: output texture is required", label)
	}
	if opts.DemodulatedOutput {
		if !p.GBuffer.Has(gpures.GBufferDiffuse) || !p.GBuffer.Has(gpures.GBufferDirect) {
			return nil, fmt.Errorf("restir: %q: demodulated output requires the diffuse and direct g-buffer channels", label)
		}
		if p.Diffuse == nil || p.Specular == nil {
			return nil, fmt.Errorf("restir: %q: demodulated output requires both diffuse and specular output textures", label)
		}
	}

	c := &Core{
		ctx: ctx, mask: mask, label: label, opts: opts,
		gbuffer: p.GBuffer, prevGBuffer: p.PrevGBuffer,
		output: p.Output, diffuse: p.Diffuse, specular: p.Specular,
		scene: p.Scene,
	}

	// Temporal reuse silently disables itself, rather than erroring, when
	// the previous frame's normals or position/depth are unavailable.
	c.effectiveTemporalReuse = opts.TemporalReuse && p.PrevGBuffer != nil &&
		p.PrevGBuffer.Has(gpures.GBufferNormal) &&
		(p.PrevGBuffer.Has(gpures.GBufferPos) || p.PrevGBuffer.Has(gpures.GBufferDepth))

	c.effectiveAssumeUnchangedMaterial = p.PrevGBuffer == nil || !p.PrevGBuffer.Has(gpures.GBufferMaterial)

	// accumulate + demodulated is a silently-ignored combination: this
	// module's history accumulation only covers the combined-radiance
	// path.
	c.effectiveAccumulate = opts.Accumulate && !opts.DemodulatedOutput

	c.useLightBVH = len(p.Lights) > directSamplingThreshold

	width, height, layers := p.GBuffer.Width(), p.GBuffer.Height(), p.GBuffer.Layers()

	var err error
	c.reservoirs, err = newReservoirPair(ctx, mask, label+".reservoirs", width, height, layers)
	if err != nil {
		return nil, err
	}

	selSize := uint64(width) * uint64(height) * uint64(layers) * selectionStride
	c.selection, err = devicemask.NewPerDevice(mask, func(id devicemask.DeviceID) (hal.Buffer, error) {
		d, ok := ctx.Device(id)
		if !ok {
			return nil, fmt.Errorf("restir: device %d not found in context", id)
		}
		return d.Device.CreateBuffer(&hal.BufferDescriptor{
			Label: label + ".selection", Size: selSize,
			Usage: gputypes.BufferUsageStorage,
		})
	})
	if err != nil {
		c.closePartial()
		return nil, err
	}

	if c.useLightBVH {
		bvh := scene.BuildLightBVH(p.Lights)
		bytes := bvh.MarshalGPU()
		c.lightBVH, err = gpures.NewStagedBuffer(ctx, mask, label+".lightbvh", uint64(len(bytes)), gputypes.BufferUsageStorage)
		if err != nil {
			c.closePartial()
			return nil, fmt.Errorf("restir: %q: light bvh buffer: %w", label, err)
		}
		c.lightBVH.Update(0, bytes, 0)
		c.lightBVH.UploadAll(0)
	}

	if err := c.buildPipelines(); err != nil {
		c.closePartial()
		return nil, err
	}

	if c.scene != nil {
		if err := c.buildRayTracing(); err != nil {
			c.closePartial()
			return nil, err
		}
	}

	c.base, err = stage.NewBase(ctx, mask, label, stage.CommandBufferPerFrame, 1)
	if err != nil {
		c.closePartial()
		return nil, err
	}

	c.cleared, err = devicemask.NewPerDevice(mask, func(devicemask.DeviceID) (bool, error) { return false, nil })
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
	c.canonical.close()
	c.temporal.close()
	c.spatTrace.close()
	c.spatGather.close()
	c.closeRayTracing()
	if c.lightBVH != nil {
		c.lightBVH.Close()
	}
	if c.selection != nil {
		c.selection.Close(func(id devicemask.DeviceID, buf hal.Buffer) {
			if d, ok := c.ctx.Device(id); ok && buf != nil {
				d.Device.DestroyBuffer(buf)
			}
		})
	}
	if c.reservoirs != nil {
		c.reservoirs.close()
	}
}

func (c *Core) buildPipelines() error {
	stages := gputypes.ShaderStageCompute

	// Canonical.
	canonicalBindings := []pipeline.BindingInfo{
		{Name: "normal", Binding: 0, Type: pipeline.BindingTypeSampledTexture, Visibility: stages},
		{Name: "albedo", Binding: 1, Type: pipeline.BindingTypeSampledTexture, Visibility: stages},
		{Name: "reservoirs", Binding: 2, Type: pipeline.BindingTypeStorageBuffer, Visibility: stages},
		{Name: "params", Binding: 3, Type: pipeline.BindingTypeUniformBuffer, Visibility: stages},
	}
	if c.useLightBVH {
		canonicalBindings = append(canonicalBindings, pipeline.BindingInfo{Name: "light_bvh", Binding: 4, Type: pipeline.BindingTypeReadOnlyStorageBuffer, Visibility: stages})
	}
	if err := c.buildStage(&c.canonical, "canonical", canonicalWGSL(c.useLightBVH), canonicalBindings, 32); err != nil {
		return err
	}

	// Temporal.
	temporalBindings := []pipeline.BindingInfo{
		{Name: "current", Binding: 0, Type: pipeline.BindingTypeStorageBuffer, Visibility: stages},
		{Name: "previous", Binding: 1, Type: pipeline.BindingTypeReadOnlyStorageBuffer, Visibility: stages},
		{Name: "motion", Binding: 2, Type: pipeline.BindingTypeSampledTexture, Visibility: stages},
		{Name: "normal", Binding: 3, Type: pipeline.BindingTypeSampledTexture, Visibility: stages},
		{Name: "prevNormal", Binding: 4, Type: pipeline.BindingTypeSampledTexture, Visibility: stages},
		{Name: "params", Binding: 5, Type: pipeline.BindingTypeUniformBuffer, Visibility: stages},
	}
	if err := c.buildStage(&c.temporal, "temporal", temporalWGSL, temporalBindings, 16); err != nil {
		return err
	}

	// Spatial trace.
	traceBindings := []pipeline.BindingInfo{
		{Name: "current", Binding: 0, Type: pipeline.BindingTypeReadOnlyStorageBuffer, Visibility: stages},
		{Name: "normal", Binding: 1, Type: pipeline.BindingTypeSampledTexture, Visibility: stages},
		{Name: "selection", Binding: 2, Type: pipeline.BindingTypeStorageBuffer, Visibility: stages},
		{Name: "params", Binding: 3, Type: pipeline.BindingTypeUniformBuffer, Visibility: stages},
	}
	if err := c.buildStage(&c.spatTrace, "spatial-trace", spatialTraceWGSL(c.opts.SpatialSampleOrientedDisk), traceBindings, 32); err != nil {
		return err
	}

	// Spatial gather.
	outputFormat := c.output.Params().Format
	if c.opts.DemodulatedOutput {
		outputFormat = c.diffuse.Params().Format
	}
	gatherBindings := []pipeline.BindingInfo{
		{Name: "current", Binding: 0, Type: pipeline.BindingTypeStorageBuffer, Visibility: stages},
		{Name: "previous", Binding: 1, Type: pipeline.BindingTypeReadOnlyStorageBuffer, Visibility: stages},
		{Name: "selection", Binding: 2, Type: pipeline.BindingTypeReadOnlyStorageBuffer, Visibility: stages},
		{Name: "params", Binding: 3, Type: pipeline.BindingTypeUniformBuffer, Visibility: stages},
		{Name: "output", Binding: 4, Type: pipeline.BindingTypeStorageTexture, Visibility: stages, TextureFormat: outputFormat},
	}
	if c.opts.DemodulatedOutput {
		gatherBindings = append(gatherBindings, pipeline.BindingInfo{Name: "specular", Binding: 5, Type: pipeline.BindingTypeStorageTexture, Visibility: stages, TextureFormat: c.specular.Params().Format})
	}
	if err := c.buildStage(&c.spatGather, "spatial-gather", spatialGatherWGSL(c.opts.DemodulatedOutput, c.effectiveAccumulate), gatherBindings, 16); err != nil {
		return err
	}

	return nil
}

func (c *Core) buildStage(s *computeStage, name, wgsl string, bindings []pipeline.BindingInfo, paramsSize uint64) error {
	label := c.label + "." + name
	var err error
	s.layout, err = pipeline.NewDescriptorSetLayout(c.ctx, c.mask, label+".set", bindings)
	if err != nil {
		return fmt.Errorf("restir: %s descriptor set layout: %w", name, err)
	}
	s.pipelineLayout, err = pipeline.NewLayout(c.ctx, c.mask, label+".layout", []*pipeline.DescriptorSetLayout{s.layout}, nil)
	if err != nil {
		s.layout.Close()
		return fmt.Errorf("restir: %s pipeline layout: %w", name, err)
	}
	source, err := pipeline.CompileWGSL(label+".comp", wgsl, bindings, nil)
	if err != nil {
		s.pipelineLayout.Close()
		s.layout.Close()
		return fmt.Errorf("restir: %s shader: %w", name, err)
	}
	s.compute, err = pipeline.NewComputePipeline(c.ctx, c.mask, label, s.pipelineLayout, source, "main")
	if err != nil {
		s.pipelineLayout.Close()
		s.layout.Close()
		return fmt.Errorf("restir: %s pipeline: %w", name, err)
	}
	s.params, err = gpures.NewStagedBuffer(c.ctx, c.mask, label+".params", paramsSize, gputypes.BufferUsageUniform)
	if err != nil {
		s.compute.Close()
		s.pipelineLayout.Close()
		s.layout.Close()
		return fmt.Errorf("restir: %s params buffer: %w", name, err)
	}
	s.push = pipeline.NewPushDescriptorSet(c.ctx, label+".push", s.layout)
	return nil
}

// placeholderRaygenSPIRV is a minimal SPIR-V module header standing in for
// the real raygen shader: shader contents are out of scope here, same as
// every other pass's WGSL bodies, and naga has no ray-tracing stage to
// compile one from anyway. What matters is that a real
// pipeline.RayTracingPipeline gets built and a real TraceRays lands on
// the command buffer against the scene's TLAS.
var placeholderRaygenSPIRV = []uint32{0x07230203, 0x00010000, 0}

// buildRayTracing builds the single-raygen ray tracing pipeline the
// canonical pass dispatches against the scene's TLAS: one descriptor set
// carrying the TLAS's device address as a uniform, no hit or miss groups
// since this pipeline's only job is to issue the trace, not shade it.
func (c *Core) buildRayTracing() error {
	label := c.label + ".canonical-trace"
	bindings := []pipeline.BindingInfo{
		{Name: "tlas_address", Binding: 0, Type: pipeline.BindingTypeUniformBuffer, Visibility: gputypes.ShaderStageCompute},
	}

	var err error
	c.traceLayout, err = pipeline.NewDescriptorSetLayout(c.ctx, c.mask, label+".set", bindings)
	if err != nil {
		return fmt.Errorf("restir: ray tracing descriptor set layout: %w", err)
	}
	c.tracePipelineLayout, err = pipeline.NewLayout(c.ctx, c.mask, label+".layout", []*pipeline.DescriptorSetLayout{c.traceLayout}, nil)
	if err != nil {
		return fmt.Errorf("restir: ray tracing pipeline layout: %w", err)
	}

	raygen := pipeline.NewShaderSourceSPIRV(label+".raygen", placeholderRaygenSPIRV, bindings, nil)
	desc := &pipeline.RayTracingPipelineDescriptor{
		Stages: []pipeline.RayTracingStage{
			{Source: raygen, Stage: hal.RayTracingShaderStageRaygen, EntryPoint: "main"},
		},
		Groups: []hal.RayTracingShaderGroup{
			{Type: hal.RayTracingShaderGroupGeneral, General: 0, ClosestHit: hal.RayTracingShaderUnused, AnyHit: hal.RayTracingShaderUnused, Intersection: hal.RayTracingShaderUnused},
		},
		MaxRecursionDepth: 1,
		RaygenGroup:       0,
	}
	c.tracePipeline, err = pipeline.NewRayTracingPipeline(c.ctx, c.mask, label, c.tracePipelineLayout, desc)
	if err != nil {
		return fmt.Errorf("restir: ray tracing pipeline: %w", err)
	}

	c.traceParams, err = gpures.NewStagedBuffer(c.ctx, c.mask, label+".params", 16, gputypes.BufferUsageUniform)
	if err != nil {
		return fmt.Errorf("restir: ray tracing params buffer: %w", err)
	}

	c.tracePush = pipeline.NewPushDescriptorSet(c.ctx, label+".push", c.traceLayout)
	return nil
}

func (c *Core) closeRayTracing() {
	if c.traceParams != nil {
		c.traceParams.Close()
	}
	if c.tracePipeline != nil {
		c.tracePipeline.Close()
	}
	if c.tracePipelineLayout != nil {
		c.tracePipelineLayout.Close()
	}
	if c.traceLayout != nil {
		c.traceLayout.Close()
	}
}

func putU32(buf []byte, off int, v uint32) { binary.LittleEndian.PutUint32(buf[off:], v) }
func putF32(buf []byte, off int, v float32) {
	binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(v))
}

// Run executes opts.Passes iterations of canonical, (first pass only)
// temporal, spatial trace, and spatial gather, and swaps reservoir
// parity. When SpatialSamples is zero, the spatial trace dispatch is
// skipped and the gather pass reads no neighbours, so Run's output is
// exactly the
// canonical (plus temporal) step's result, satisfying the idempotence
// property tied to that configuration.
func (c *Core) Run(id devicemask.DeviceID, frameIndex uint32, waits []devicectx.Dependency) (devicectx.Dependency, error) {
	return c.base.Run(id, frameIndex, 0, true, waits, func(enc hal.CommandEncoder, _ uint32) error {
		return c.record(enc, id, frameIndex)
	})
}

func (c *Core) record(enc hal.CommandEncoder, id devicemask.DeviceID, frameIndex uint32) error {
	if alreadyCleared, ok := c.cleared.Get(id); ok && !alreadyCleared {
		if err := c.reservoirs.clear(enc, id); err != nil {
			return err
		}
		c.cleared.Set(id, true)
	}

	width, height := c.gbuffer.Width(), c.gbuffer.Height()

	for pass := 0; pass < c.opts.Passes; pass++ {
		doCanonical := pass == 0 || c.opts.DoCanonicalSamplesForPasses
		if doCanonical {
			if err := c.recordCanonical(enc, id, frameIndex, width, height); err != nil {
				return err
			}
			c.barrierReservoirs(enc, id)
		}

		if pass == 0 && c.effectiveTemporalReuse {
			if err := c.recordTemporal(enc, id, frameIndex, width, height); err != nil {
				return err
			}
			c.barrierReservoirs(enc, id)
		}

		if c.opts.SpatialSamples > 0 {
			if err := c.recordSpatialTrace(enc, id, frameIndex, width, height); err != nil {
				return err
			}
			c.barrierReservoirs(enc, id)
			if err := c.recordSpatialGather(enc, id, frameIndex, width, height); err != nil {
				return err
			}
			c.barrierReservoirs(enc, id)
		} else if err := c.recordDirectOutput(enc, id, frameIndex, width, height); err != nil {
			return err
		}
	}

	c.reservoirs.swap(id)
	return nil
}

// barrierReservoirs inserts a storage-buffer barrier between reuse steps,
// per §4.7.3's "a memory/execution barrier on reservoir textures is
// required after each reuse step".
func (c *Core) barrierReservoirs(enc hal.CommandEncoder, id devicemask.DeviceID) {
	cur, prev, err := c.reservoirs.current(id)
	if err != nil {
		return
	}
	enc.TransitionBuffers([]hal.BufferBarrier{
		{Buffer: cur, Usage: hal.BufferUsageTransition{OldUsage: gputypes.BufferUsageStorage, NewUsage: gputypes.BufferUsageStorage}},
		{Buffer: prev, Usage: hal.BufferUsageTransition{OldUsage: gputypes.BufferUsageStorage, NewUsage: gputypes.BufferUsageStorage}},
	})
}

func (c *Core) recordCanonical(enc hal.CommandEncoder, id devicemask.DeviceID, frameIndex uint32, width, height uint32) error {
	params := make([]byte, 32)
	putU32(params, 0, width)
	putU32(params, 4, height)
	putU32(params, 8, uint32(c.opts.CanonicalSamples))
	putU32(params, 12, uint32(c.opts.MaxBounces))
	putU32(params, 16, frameIndex)
	putU32(params, 20, uint32(c.opts.MaxConfidence))
	c.canonical.params.Update(uint64(frameIndex), params, 0)
	c.canonical.params.Upload(id, uint64(frameIndex), nil)

	normalTex, _ := c.gbuffer.Texture(gpures.GBufferNormal)
	albedoTex, _ := c.gbuffer.Texture(gpures.GBufferAlbedo)
	normalView, err := normalTex.ArrayView(id)
	if err != nil {
		return fmt.Errorf("restir: canonical: normal view: %w", err)
	}
	albedoView, err := albedoTex.ArrayView(id)
	if err != nil {
		return fmt.Errorf("restir: canonical: albedo view: %w", err)
	}
	cur, _, err := c.reservoirs.current(id)
	if err != nil {
		return err
	}
	paramsBuf, _ := c.canonical.params.Target(id)

	s := &c.canonical
	s.push.WriteTextureView(id, "normal", normalView)
	s.push.WriteTextureView(id, "albedo", albedoView)
	s.push.WriteBuffer(id, "reservoirs", cur, 0, uint64(reservoirStride)*c.reservoirs.count)
	s.push.WriteBuffer(id, "params", paramsBuf, 0, 32)
	if c.useLightBVH {
		lightBuf, _ := c.lightBVH.Target(id)
		s.push.WriteBuffer(id, "light_bvh", lightBuf, 0, c.lightBVH.Size())
	}
	if err := c.dispatch(enc, s, id, frameIndex, width, height); err != nil {
		return err
	}
	return c.recordTraceRays(enc, id, frameIndex, width, height)
}

func (c *Core) recordTemporal(enc hal.CommandEncoder, id devicemask.DeviceID, frameIndex uint32, width, height uint32) error {
	params := make([]byte, 16)
	putU32(params, 0, width)
	putU32(params, 4, height)
	putU32(params, 8, uint32(c.opts.TemporalReuseSearchAttempts))
	putU32(params, 12, uint32(c.opts.MaxConfidence))
	c.temporal.params.Update(uint64(frameIndex), params, 0)
	c.temporal.params.Upload(id, uint64(frameIndex), nil)

	motionTex, _ := c.gbuffer.Texture(gpures.GBufferScreenMotion)
	normalTex, _ := c.gbuffer.Texture(gpures.GBufferNormal)
	prevNormalTex, _ := c.prevGBuffer.Texture(gpures.GBufferNormal)
	motionView, err := motionTex.ArrayView(id)
	if err != nil {
		return fmt.Errorf("restir: temporal: motion view: %w", err)
	}
	normalView, err := normalTex.ArrayView(id)
	if err != nil {
		return fmt.Errorf("restir: temporal: normal view: %w", err)
	}
	prevNormalView, err := prevNormalTex.ArrayView(id)
	if err != nil {
		return fmt.Errorf("restir: temporal: previous normal view: %w", err)
	}
	cur, prev, err := c.reservoirs.current(id)
	if err != nil {
		return err
	}
	paramsBuf, _ := c.temporal.params.Target(id)

	s := &c.temporal
	s.push.WriteBuffer(id, "current", cur, 0, uint64(reservoirStride)*c.reservoirs.count)
	s.push.WriteBuffer(id, "previous", prev, 0, uint64(reservoirStride)*c.reservoirs.count)
	s.push.WriteTextureView(id, "motion", motionView)
	s.push.WriteTextureView(id, "normal", normalView)
	s.push.WriteTextureView(id, "prevNormal", prevNormalView)
	s.push.WriteBuffer(id, "params", paramsBuf, 0, 16)
	return c.dispatch(enc, s, id, frameIndex, width, height)
}

func (c *Core) recordSpatialTrace(enc hal.CommandEncoder, id devicemask.DeviceID, frameIndex uint32, width, height uint32) error {
	params := make([]byte, 32)
	putU32(params, 0, width)
	putU32(params, 4, height)
	putU32(params, 8, uint32(c.opts.SpatialSamples))
	putF32(params, 12, c.opts.MinSpatialSearchRadius)
	putF32(params, 16, c.opts.MaxSpatialSearchRadius)
	putU32(params, 20, frameIndex)
	c.spatTrace.params.Update(uint64(frameIndex), params, 0)
	c.spatTrace.params.Upload(id, uint64(frameIndex), nil)

	normalTex, _ := c.gbuffer.Texture(gpures.GBufferNormal)
	normalView, err := normalTex.ArrayView(id)
	if err != nil {
		return fmt.Errorf("restir: spatial trace: normal view: %w", err)
	}
	cur, _, err := c.reservoirs.current(id)
	if err != nil {
		return err
	}
	sel, ok := c.selection.Get(id)
	if !ok {
		return fmt.Errorf("restir: spatial trace: device %d missing selection buffer", id)
	}
	paramsBuf, _ := c.spatTrace.params.Target(id)

	s := &c.spatTrace
	s.push.WriteBuffer(id, "current", cur, 0, uint64(reservoirStride)*c.reservoirs.count)
	s.push.WriteTextureView(id, "normal", normalView)
	s.push.WriteBuffer(id, "selection", sel, 0, selectionStride*c.reservoirs.count)
	s.push.WriteBuffer(id, "params", paramsBuf, 0, 32)
	return c.dispatch(enc, s, id, frameIndex, width, height)
}

func (c *Core) recordSpatialGather(enc hal.CommandEncoder, id devicemask.DeviceID, frameIndex uint32, width, height uint32) error {
	params := make([]byte, 16)
	putU32(params, 0, width)
	putU32(params, 4, height)
	putU32(params, 8, uint32(c.opts.SpatialSamples))
	putU32(params, 12, uint32(c.opts.MaxConfidence))
	c.spatGather.params.Update(uint64(frameIndex), params, 0)
	c.spatGather.params.Upload(id, uint64(frameIndex), nil)

	cur, prev, err := c.reservoirs.current(id)
	if err != nil {
		return err
	}
	sel, ok := c.selection.Get(id)
	if !ok {
		return fmt.Errorf("restir: spatial gather: device %d missing selection buffer", id)
	}
	paramsBuf, _ := c.spatGather.params.Target(id)

	// When demodulated, the "output" slot carries the diffuse split and
	// "specular" carries the rest; otherwise "output" is the combined
	// radiance target.
	primary := c.output
	if c.opts.DemodulatedOutput {
		primary = c.diffuse
	}
	outView, err := primary.ArrayView(id)
	if err != nil {
		return fmt.Errorf("restir: spatial gather: output view: %w", err)
	}

	s := &c.spatGather
	s.push.WriteBuffer(id, "current", cur, 0, uint64(reservoirStride)*c.reservoirs.count)
	s.push.WriteBuffer(id, "previous", prev, 0, uint64(reservoirStride)*c.reservoirs.count)
	s.push.WriteBuffer(id, "selection", sel, 0, selectionStride*c.reservoirs.count)
	s.push.WriteBuffer(id, "params", paramsBuf, 0, 16)
	s.push.WriteTextureView(id, "output", outView)
	if c.opts.DemodulatedOutput {
		specView, err := c.specular.ArrayView(id)
		if err != nil {
			return fmt.Errorf("restir: spatial gather: specular view: %w", err)
		}
		s.push.WriteTextureView(id, "specular", specView)
	}
	return c.dispatch(enc, s, id, frameIndex, width, height)
}

// recordDirectOutput handles SpatialSamples==0: it still runs the spatial
// gather pass (to write the output texture), but the gather shader's params.spatial_samples==0 guard
// skips reading the selection buffer entirely, so the written radiance is
// exactly the canonical (plus temporal) reservoir's own contribution —
// the idempotence property named in the testable properties list.
func (c *Core) recordDirectOutput(enc hal.CommandEncoder, id devicemask.DeviceID, frameIndex uint32, width, height uint32) error {
	return c.recordSpatialGather(enc, id, frameIndex, width, height)
}

func (c *Core) dispatch(enc hal.CommandEncoder, s *computeStage, id devicemask.DeviceID, frameIndex uint32, width, height uint32) error {
	pl, ok := s.compute.Handle(id)
	if !ok {
		return fmt.Errorf("restir: device %d missing compute pipeline", id)
	}
	pass := enc.BeginComputePass(&hal.ComputePassDescriptor{Label: c.label})
	pass.SetPipeline(pl)
	if err := s.push.Push(pass, id, uint64(frameIndex), 0); err != nil {
		pass.End()
		return fmt.Errorf("restir: push descriptors: %w", err)
	}
	groupsX := (width + 7) / 8
	groupsY := (height + 7) / 8
	pass.Dispatch(groupsX, groupsY, 1)
	pass.End()
	return nil
}

// recordTraceRays dispatches the canonical pass's ray tracing pipeline
// against c.scene's TLAS, once width*height worth of rays, one per pixel.
// It is a no-op when Core was built without a scene (c.tracePipeline ==
// nil) or when the scene has not yet built its TLAS.
func (c *Core) recordTraceRays(enc hal.CommandEncoder, id devicemask.DeviceID, frameIndex uint32, width, height uint32) error {
	if c.tracePipeline == nil {
		return nil
	}
	tlas := c.scene.TLAS()
	if tlas == nil {
		return nil
	}

	params := make([]byte, 16)
	binary.LittleEndian.PutUint64(params, tlas.DeviceAddress(id))
	c.traceParams.Update(uint64(frameIndex), params, 0)
	c.traceParams.Upload(id, uint64(frameIndex), nil)
	paramsBuf, _ := c.traceParams.Target(id)
	c.tracePush.WriteBuffer(id, "tlas_address", paramsBuf, 0, 16)

	rtEnc, ok := enc.(hal.RayTracingPipelineCommandEncoder)
	if !ok {
		return fmt.Errorf("restir: device %d command encoder has no ray tracing pipeline support", id)
	}
	pl, ok := c.tracePipeline.Handle(id)
	if !ok {
		return fmt.Errorf("restir: device %d missing ray tracing pipeline", id)
	}
	raygen, miss, hit, ok := c.tracePipeline.ShaderBindingTable(id)
	if !ok {
		return fmt.Errorf("restir: device %d missing shader binding table", id)
	}

	rtEnc.SetRayTracingPipeline(pl)
	if err := c.tracePush.Push(rtEnc, id, uint64(frameIndex), 0); err != nil {
		return fmt.Errorf("restir: ray tracing push descriptors: %w", err)
	}
	rtEnc.TraceRays(raygen, miss, hit, hal.ShaderBindingTableRegion{}, width, height, 1)
	return nil
}

// Close releases every GPU resource Core allocated.
func (c *Core) Close() {
	if c.base != nil {
		c.base.Close()
	}
	c.canonical.close()
	c.temporal.close()
	c.spatTrace.close()
	c.spatGather.close()
	c.closeRayTracing()
	if c.lightBVH != nil {
		c.lightBVH.Close()
	}
	if c.selection != nil {
		c.selection.Close(func(id devicemask.DeviceID, buf hal.Buffer) {
			if d, ok := c.ctx.Device(id); ok && buf != nil {
				d.Device.DestroyBuffer(buf)
			}
		})
	}
	if c.reservoirs != nil {
		c.reservoirs.close()
	}
}

// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package stage

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
)

// TonemapOperator selects the compute shader's exposure/contrast curve.
// The operator set matches tonemap_stage's options::operator_type exactly;
// there is no ACES variant in the original to carry over.
type TonemapOperator uint32

const (
	TonemapLinear TonemapOperator = iota
	TonemapGammaCorrection
	TonemapFilmic
	TonemapReinhard
	TonemapReinhardLuminance
)

func (o TonemapOperator) String() string {
	switch o {
	case TonemapLinear:
		return "linear"
	case TonemapGammaCorrection:
		return "gamma-correction"
	case TonemapFilmic:
		return "filmic"
	case TonemapReinhard:
		return "reinhard"
	case TonemapReinhardLuminance:
		return "reinhard-luminance"
	default:
		return "unknown"
	}
}

// TonemapOptions mirrors tonemap_stage::options, minus input_msaa and
// post_resolve: this module's stages resolve multisampled targets before
// they reach a post-processing pass rather than folding the resolve into
// the tonemap shader itself.
type TonemapOptions struct {
	Operator TonemapOperator
	Exposure float32
	Gamma    float32
}

// DefaultTonemapOptions matches the original's options{} defaults.
func DefaultTonemapOptions() TonemapOptions {
	return TonemapOptions{Operator: TonemapFilmic, Exposure: 1, Gamma: 2.2}
}

// tonemapParams is the uniform buffer layout the compute shader reads,
// std140-compatible: three scalars, padded to 16 bytes.
type tonemapParams struct {
	exposure float32
	invGamma float32
	operator uint32
}

func (p tonemapParams) bytes() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], math.Float32bits(p.exposure))
	binary.LittleEndian.PutUint32(buf[4:8], math.Float32bits(p.invGamma))
	binary.LittleEndian.PutUint32(buf[8:12], p.operator)
	return buf
}

// Tonemap applies exposure and a tone curve to a single HDR color texture,
// writing the result to an independently formatted output texture.
// Grounded on tonemap_stage: a single compute dispatch sized to the output
// image, reading input_target and writing output_target.
type Tonemap struct {
	base   *Base
	ctx    *devicectx.Context
	mask   devicemask.Mask
	input  *gpures.Texture
	output *gpures.Texture
	opts   TonemapOptions

	layout         *pipeline.DescriptorSetLayout
	pipelineLayout *pipeline.Layout
	compute        *pipeline.ComputePipeline
	params         *gpures.StagedBuffer
	push           *pipeline.PushDescriptorSet
}

// NewTonemap builds the tonemap compute pipeline for input -> output.
// input and output must already be allocated with
// TextureUsageStorageBinding; their formats select the WGSL storage
// texture types the compute shader is compiled against.
func NewTonemap(ctx *devicectx.Context, mask devicemask.Mask, label string, input, output *gpures.Texture, opts TonemapOptions) (*Tonemap, error) {
	if opts.Gamma == 0 {
		opts.Gamma = 2.2
	}
	if opts.Exposure == 0 {
		opts.Exposure = 1
	}

	inFormat, err := wgslStorageFormat(input.Params().Format)
	if err != nil {
		return nil, fmt.Errorf("stage: tonemap %q: input: %w", label, err)
	}
	outFormat, err := wgslStorageFormat(output.Params().Format)
	if err != nil {
		return nil, fmt.Errorf("stage: tonemap %q: output: %w", label, err)
	}

	layout, err := pipeline.NewDescriptorSetLayout(ctx, mask, label+".set", []pipeline.BindingInfo{
		{Name: "input", Binding: 0, Type: pipeline.BindingTypeStorageTexture, Visibility: gputypes.ShaderStageCompute, TextureFormat: input.Params().Format},
		{Name: "output", Binding: 1, Type: pipeline.BindingTypeStorageTexture, Visibility: gputypes.ShaderStageCompute, TextureFormat: output.Params().Format},
		{Name: "params", Binding: 2, Type: pipeline.BindingTypeUniformBuffer, Visibility: gputypes.ShaderStageCompute},
	})
	if err != nil {
		return nil, fmt.Errorf("stage: tonemap %q: %w", label, err)
	}

	pipelineLayout, err := pipeline.NewLayout(ctx, mask, label+".layout", []*pipeline.DescriptorSetLayout{layout}, nil)
	if err != nil {
		layout.Close()
		return nil, fmt.Errorf("stage: tonemap %q: %w", label, err)
	}

	source, err := pipeline.CompileWGSL(label+".comp", tonemapWGSL(inFormat, outFormat), []pipeline.BindingInfo{
		{Name: "input", Binding: 0, Type: pipeline.BindingTypeStorageTexture},
		{Name: "output", Binding: 1, Type: pipeline.BindingTypeStorageTexture},
		{Name: "params", Binding: 2, Type: pipeline.BindingTypeUniformBuffer},
	}, nil)
	if err != nil {
		pipelineLayout.Close()
		layout.Close()
		return nil, fmt.Errorf("stage: tonemap %q: %w", label, err)
	}

	compute, err := pipeline.NewComputePipeline(ctx, mask, label, pipelineLayout, source, "main")
	if err != nil {
		pipelineLayout.Close()
		layout.Close()
		return nil, fmt.Errorf("stage: tonemap %q: %w", label, err)
	}

	params, err := gpures.NewStagedBuffer(ctx, mask, label+".params", 16, gputypes.BufferUsageUniform)
	if err != nil {
		compute.Close()
		pipelineLayout.Close()
		layout.Close()
		return nil, fmt.Errorf("stage: tonemap %q: %w", label, err)
	}

	base, err := NewBase(ctx, mask, label, CommandBufferPerFrame, 1)
	if err != nil {
		params.Close()
		compute.Close()
		pipelineLayout.Close()
		layout.Close()
		return nil, err
	}

	t := &Tonemap{
		base:           base,
		ctx:            ctx,
		mask:           mask,
		input:          input,
		output:         output,
		opts:           opts,
		layout:         layout,
		pipelineLayout: pipelineLayout,
		compute:        compute,
		params:         params,
		push:           pipeline.NewPushDescriptorSet(ctx, label+".push", layout),
	}
	return t, nil
}

// SetOptions updates the tone curve; it takes effect the next time Run
// uploads params, i.e. the next frame.
func (t *Tonemap) SetOptions(opts TonemapOptions) {
	if opts.Gamma == 0 {
		opts.Gamma = 2.2
	}
	if opts.Exposure == 0 {
		opts.Exposure = 1
	}
	t.opts = opts
}

// Run dispatches the tonemap shader for frameIndex, waiting on waits
// first. Every frame re-records: the workgroup count never changes, but
// the uniform upload must happen every frame regardless.
func (t *Tonemap) Run(id devicemask.DeviceID, frameIndex uint32, waits []devicectx.Dependency) (devicectx.Dependency, error) {
	params := tonemapParams{
		exposure: t.opts.Exposure,
		invGamma: 1 / t.opts.Gamma,
		operator: uint32(t.opts.Operator),
	}
	t.params.Update(uint64(frameIndex), params.bytes(), 0)
	t.params.Upload(id, uint64(frameIndex), nil)

	return t.base.Run(id, frameIndex, 0, true, waits, func(enc hal.CommandEncoder, _ uint32) error {
		return t.record(enc, id, frameIndex)
	})
}

func (t *Tonemap) record(enc hal.CommandEncoder, id devicemask.DeviceID, frameIndex uint32) error {
	inImg, ok := t.input.Image(id)
	if !ok {
		return fmt.Errorf("stage: tonemap: device %d missing input image", id)
	}
	outImg, ok := t.output.Image(id)
	if !ok {
		return fmt.Errorf("stage: tonemap: device %d missing output image", id)
	}
	inView, err := t.input.ArrayView(id)
	if err != nil {
		return fmt.Errorf("stage: tonemap: input view: %w", err)
	}
	outView, err := t.output.ArrayView(id)
	if err != nil {
		return fmt.Errorf("stage: tonemap: output view: %w", err)
	}
	paramsBuf, ok := t.params.Target(id)
	if !ok {
		return fmt.Errorf("stage: tonemap: device %d missing params buffer", id)
	}

	rng := hal.TextureRange{Aspect: gputypes.TextureAspectAll}
	inUsage := t.input.Params().Usage
	outUsage := t.output.Params().Usage
	enc.TransitionTextures([]hal.TextureBarrier{
		{Texture: inImg, Range: rng, Usage: hal.TextureUsageTransition{OldUsage: inUsage, NewUsage: gputypes.TextureUsageStorageBinding}},
		{Texture: outImg, Range: rng, Usage: hal.TextureUsageTransition{OldUsage: outUsage, NewUsage: gputypes.TextureUsageStorageBinding}},
	})

	if err := t.push.WriteTextureView(id, "input", inView); err != nil {
		return err
	}
	if err := t.push.WriteTextureView(id, "output", outView); err != nil {
		return err
	}
	if err := t.push.WriteBuffer(id, "params", paramsBuf, 0, 16); err != nil {
		return err
	}

	pipelineHandle, ok := t.compute.Handle(id)
	if !ok {
		return fmt.Errorf("stage: tonemap: device %d missing compute pipeline", id)
	}

	pass := enc.BeginComputePass(&hal.ComputePassDescriptor{Label: "tonemap"})
	pass.SetPipeline(pipelineHandle)
	if err := t.push.Push(pass, id, uint64(frameIndex), 0); err != nil {
		pass.End()
		return err
	}
	groupsX := (t.output.Params().Width + 7) / 8
	groupsY := (t.output.Params().Height + 7) / 8
	pass.Dispatch(groupsX, groupsY, 1)
	pass.End()

	enc.TransitionTextures([]hal.TextureBarrier{
		{Texture: outImg, Range: rng, Usage: hal.TextureUsageTransition{OldUsage: gputypes.TextureUsageStorageBinding, NewUsage: outUsage}},
		{Texture: inImg, Range: rng, Usage: hal.TextureUsageTransition{OldUsage: gputypes.TextureUsageStorageBinding, NewUsage: inUsage}},
	})
	return nil
}

// Close releases the pipeline, layouts, and params buffer.
func (t *Tonemap) Close() {
	t.base.Close()
	t.params.Close()
	t.compute.Close()
	t.pipelineLayout.Close()
	t.layout.Close()
}

// wgslStorageFormat maps a subset of gputypes.TextureFormat to the WGSL
// storage texture format identifiers the tonemap shader is templated over.
func wgslStorageFormat(f gputypes.TextureFormat) (string, error) {
	switch f {
	case gputypes.TextureFormatRGBA16Float:
		return "rgba16float", nil
	case gputypes.TextureFormatRGBA32Float:
		return "rgba32float", nil
	case gputypes.TextureFormatRGBA8Unorm:
		return "rgba8unorm", nil
	case gputypes.TextureFormatRG16Float:
		return "rg16float", nil
	case gputypes.TextureFormatRG32Float:
		return "rg32float", nil
	default:
		return "", fmt.Errorf("format %v has no WGSL storage texture equivalent usable by tonemap", f)
	}
}

func tonemapWGSL(inFormat, outFormat string) string {
	return `
struct Params {
  exposure: f32,
  inv_gamma: f32,
  op: u32,
}

@group(0) @binding(0) var input_tex: texture_storage_2d<` + inFormat + `, read>;
@group(0) @binding(1) var output_tex: texture_storage_2d<` + outFormat + `, write>;
@group(0) @binding(2) var<uniform> params: Params;

fn luminance(c: vec3<f32>) -> f32 {
  return dot(c, vec3<f32>(0.2126, 0.7152, 0.0722));
}

fn filmic_curve(x: vec3<f32>) -> vec3<f32> {
  let a = 2.51;
  let b = 0.03;
  let c = 2.43;
  let d = 0.59;
  let e = 0.14;
  return clamp((x * (a * x + b)) / (x * (c * x + d) + e), vec3<f32>(0.0), vec3<f32>(1.0));
}

fn apply_operator(op: u32, color: vec3<f32>) -> vec3<f32> {
  if (op == 2u) {
    return filmic_curve(color);
  }
  if (op == 3u) {
    return color / (vec3<f32>(1.0) + color);
  }
  if (op == 4u) {
    let l = luminance(color);
    return color / (1.0 + l);
  }
  return color;
}

@compute @workgroup_size(8, 8, 1)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
  let size = textureDimensions(output_tex);
  if (gid.x >= size.x || gid.y >= size.y) {
    return;
  }
  let texel = vec2<i32>(i32(gid.x), i32(gid.y));
  let src = textureLoad(input_tex, texel);
  var color = src.rgb * params.exposure;
  color = apply_operator(params.op, color);
  if (params.op != 0u) {
    color = pow(max(color, vec3<f32>(0.0)), vec3<f32>(params.inv_gamma));
  }
  textureStore(output_tex, texel, vec4<f32>(color, src.a));
}
`
}

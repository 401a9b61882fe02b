// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package raster

import "fmt"

// gbufferVertexWGSL returns the G-buffer fill pass' vertex stage. Per-
// instance data (model, normal, and previous-frame model matrices, plus the
// material index) is read from a storage buffer indexed by
// instance_index, since this HAL has no push-constant write path on a
// render pass encoder; the instance slot is instead threaded through
// DrawIndexed's firstInstance argument, one draw per instance.
const gbufferVertexWGSL = `
struct Camera {
  view_proj : mat4x4<f32>,
  prev_view_proj : mat4x4<f32>,
  position : vec3<f32>,
  view_layer : u32,
}

struct Instance {
  model : mat4x4<f32>,
  normal_model : mat4x4<f32>,
  prev_model : mat4x4<f32>,
  material_index : i32,
  _pad0 : i32,
  _pad1 : i32,
  _pad2 : i32,
}

@group(0) @binding(0) var<uniform> camera : Camera;
@group(0) @binding(1) var<storage, read> instances : array<Instance>;

struct VertexOut {
  @builtin(position) clip_position : vec4<f32>,
  @location(0) world_position : vec3<f32>,
  @location(1) world_normal : vec3<f32>,
  @location(2) uv : vec2<f32>,
  @location(3) prev_clip_position : vec4<f32>,
  @location(4) @interpolate(flat) instance_index : u32,
  @location(5) @interpolate(flat) material_index : i32,
  @location(6) @interpolate(flat) view_layer : u32,
}

@vertex
fn vs_main(
  @builtin(instance_index) instance_index : u32,
  @location(0) position : vec3<f32>,
  @location(1) normal : vec3<f32>,
  @location(2) uv : vec2<f32>,
) -> VertexOut {
  let inst = instances[instance_index];
  let world = inst.model * vec4<f32>(position, 1.0);
  var out : VertexOut;
  out.clip_position = camera.view_proj * world;
  out.prev_clip_position = camera.prev_view_proj * (inst.prev_model * vec4<f32>(position, 1.0));
  out.world_position = world.xyz;
  out.world_normal = normalize((inst.normal_model * vec4<f32>(normal, 0.0)).xyz);
  out.uv = uv;
  out.instance_index = instance_index;
  out.material_index = inst.material_index;
  out.view_layer = camera.view_layer;
  return out;
}
`

// gbufferFragmentWGSL returns the G-buffer fill pass' fragment stage. The
// non-depth G-buffer channels are storage-binding textures rather than
// render-pass color attachments (WebGPU lacks a 16-bit-normalized render
// target format for the material/normal channels), so this stage writes
// them with textureStore instead of returning fragment outputs; the render
// pass itself declares zero color attachments and only the depth
// attachment, matching gpures.GBuffer's channel usage table.
func gbufferFragmentWGSL(hasAlbedo, hasNormal, hasMaterial, hasPos, hasMotion, hasInstanceID bool) string {
	src := `
struct Material {
  albedo_factor : vec4<f32>,
  metallic_factor : f32,
  roughness_factor : f32,
  _pad0 : f32,
  _pad1 : f32,
  emission_factor : vec3<f32>,
  _pad2 : f32,
}

struct Params {
  alpha_clip : f32,
  _pad0 : f32,
  _pad1 : f32,
  _pad2 : f32,
}

@group(0) @binding(2) var<storage, read> materials : array<Material>;
@group(0) @binding(3) var<uniform> params : Params;
@group(0) @binding(4) var albedo_tex : texture_2d<f32>;
@group(0) @binding(5) var albedo_sampler : sampler;
`
	binding := 6
	if hasAlbedo {
		src += fmt.Sprintf("@group(0) @binding(%d) var out_albedo : texture_storage_2d_array<rgba16float, write>;\n", binding)
		binding++
	}
	if hasNormal {
		src += fmt.Sprintf("@group(0) @binding(%d) var out_normal : texture_storage_2d_array<rg16float, write>;\n", binding)
		binding++
	}
	if hasMaterial {
		src += fmt.Sprintf("@group(0) @binding(%d) var out_material : texture_storage_2d_array<rg16float, write>;\n", binding)
		binding++
	}
	if hasPos {
		src += fmt.Sprintf("@group(0) @binding(%d) var out_pos : texture_storage_2d_array<rgba32float, write>;\n", binding)
		binding++
	}
	if hasMotion {
		src += fmt.Sprintf("@group(0) @binding(%d) var out_motion : texture_storage_2d_array<rg32float, write>;\n", binding)
		binding++
	}
	if hasInstanceID {
		src += fmt.Sprintf("@group(0) @binding(%d) var out_instance_id : texture_storage_2d_array<r32sint, write>;\n", binding)
	}

	src += `
struct VertexOut {
  @builtin(position) clip_position : vec4<f32>,
  @location(0) world_position : vec3<f32>,
  @location(1) world_normal : vec3<f32>,
  @location(2) uv : vec2<f32>,
  @location(3) prev_clip_position : vec4<f32>,
  @location(4) @interpolate(flat) instance_index : u32,
  @location(5) @interpolate(flat) material_index : i32,
  @location(6) @interpolate(flat) view_layer : u32,
}

@fragment
fn fs_main(in : VertexOut, @builtin(position) frag_coord : vec4<f32>) {
  let mat = materials[in.material_index];
  let albedo_sample = textureSample(albedo_tex, albedo_sampler, in.uv);
  let albedo = mat.albedo_factor * albedo_sample;
  if (albedo.a < params.alpha_clip) {
    discard;
  }
  let coord = vec2<i32>(frag_coord.xy);
`
	if hasAlbedo {
		src += "  textureStore(out_albedo, coord, in.view_layer, albedo);\n"
	}
	if hasNormal {
		src += "  textureStore(out_normal, coord, in.view_layer, vec4<f32>(in.world_normal.xy, 0.0, 0.0));\n"
	}
	if hasMaterial {
		src += "  textureStore(out_material, coord, in.view_layer, vec4<f32>(mat.metallic_factor, mat.roughness_factor, 0.0, 0.0));\n"
	}
	if hasPos {
		src += "  textureStore(out_pos, coord, in.view_layer, vec4<f32>(in.world_position, 1.0));\n"
	}
	if hasMotion {
		src += `  let cur_ndc = in.clip_position.xy / in.clip_position.w;
  let prev_ndc = in.prev_clip_position.xy / in.prev_clip_position.w;
  textureStore(out_motion, coord, in.view_layer, vec4<f32>(cur_ndc - prev_ndc, 0.0, 0.0));
`
	}
	if hasInstanceID {
		src += "  textureStore(out_instance_id, coord, in.view_layer, vec4<i32>(i32(in.instance_index), 0, 0, 0));\n"
	}
	src += "}\n"
	return src
}

// shadowVertexWGSL returns the depth-only shadow pass' vertex stage: the
// same per-instance model lookup as the G-buffer fill, projected through
// the shadow-casting view-projection instead of the scene camera's.
const shadowVertexWGSL = `
struct ShadowView {
  view_proj : mat4x4<f32>,
}

struct Instance {
  model : mat4x4<f32>,
  normal_model : mat4x4<f32>,
  prev_model : mat4x4<f32>,
  material_index : i32,
  _pad0 : i32,
  _pad1 : i32,
  _pad2 : i32,
}

@group(0) @binding(0) var<uniform> shadow_view : ShadowView;
@group(0) @binding(1) var<storage, read> instances : array<Instance>;

struct VertexOut {
  @builtin(position) clip_position : vec4<f32>,
  @location(0) uv : vec2<f32>,
  @location(1) @interpolate(flat) material_index : i32,
}

@vertex
fn vs_main(
  @builtin(instance_index) instance_index : u32,
  @location(0) position : vec3<f32>,
  @location(2) uv : vec2<f32>,
) -> VertexOut {
  let inst = instances[instance_index];
  var out : VertexOut;
  out.clip_position = shadow_view.view_proj * (inst.model * vec4<f32>(position, 1.0));
  out.uv = uv;
  out.material_index = inst.material_index;
  return out;
}
`

// shadowFragmentWGSL returns the depth-only shadow pass' fragment stage: no
// color output, only the alpha-clip discard so cutout materials punch
// holes in their own shadow.
const shadowFragmentWGSL = `
struct Material {
  albedo_factor : vec4<f32>,
  metallic_factor : f32,
  roughness_factor : f32,
  _pad0 : f32,
  _pad1 : f32,
  emission_factor : vec3<f32>,
  _pad2 : f32,
}

struct Params {
  alpha_clip : f32,
  _pad0 : f32,
  _pad1 : f32,
  _pad2 : f32,
}

@group(0) @binding(2) var<storage, read> materials : array<Material>;
@group(0) @binding(3) var<uniform> params : Params;
@group(0) @binding(4) var albedo_tex : texture_2d<f32>;
@group(0) @binding(5) var albedo_sampler : sampler;

struct VertexOut {
  @builtin(position) clip_position : vec4<f32>,
  @location(0) uv : vec2<f32>,
  @location(1) @interpolate(flat) material_index : i32,
}

@fragment
fn fs_main(in : VertexOut) {
  let mat = materials[in.material_index];
  let albedo_sample = textureSample(albedo_tex, albedo_sampler, in.uv);
  if ((mat.albedo_factor * albedo_sample).a < params.alpha_clip) {
    discard;
  }
}
`

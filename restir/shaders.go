// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package restir

import "fmt"

// reservoirWGSLStruct is shared by every pass's WGSL source: the packed
// record from reservoir.go, expressed in WGSL so the std430 layouts match
// byte for byte.
const reservoirWGSLStruct = `
struct Reservoir {
  target_pdf: f32,
  weight: f32,
  jacobian: f32,
  packed: u32,
  recon_uv: vec2<f32>,
  recon_instance: u32,
  recon_primitive: u32,
  recon_radiance: vec3<f32>,
  recon_luminance: f32,
  head_seed: u32,
  tail_seed: u32,
  incident_dir: vec2<f32>,
}

fn reservoir_confidence(r: Reservoir) -> u32 { return r.packed & 0x7fffu; }

fn reservoir_set_confidence(r: ptr<function, Reservoir>, c: u32) {
  let clamped = min(c, 32767u);
  (*r).packed = ((*r).packed & ~0x7fffu) | clamped;
}

// combine_reservoir folds candidate into acc via weighted reservoir
// sampling: the candidate's resampling weight is cand_weight *
// confidence, where the temporal and spatial reuse steps pass the
// candidate's weight scaled by its jacobian as cand_weight.
fn combine_reservoir(acc: ptr<function, Reservoir>, cand: Reservoir, cand_weight: f32, rnd: f32, cap_confidence: u32) {
  let acc_conf = f32(reservoir_confidence(*acc));
  let cand_conf = f32(reservoir_confidence(cand));
  let wsum = (*acc).weight * acc_conf + cand_weight * cand_conf;
  if (wsum > 0.0 && rnd * wsum < cand_weight * cand_conf) {
    let kept_conf = (*acc).packed & 0xffff8000u;
    *acc = cand;
    (*acc).packed = (kept_conf) | ((*acc).packed & 0x7fffu);
  }
  if (wsum > 0.0) {
    (*acc).weight = wsum / max(acc_conf + cand_conf, 1.0);
  }
  reservoir_set_confidence(acc, min(u32(acc_conf + cand_conf), cap_confidence));
}
`

// canonicalWGSL generates the canonical-sampling pass: one dispatch per
// pixel, combining canonicalSamples new BSDF-sampled paths (approximated
// here by importance-sampling the light BVH leaves, falling back to a
// uniform pick when useLightBVH is false, matching
// scene.LightBVH's role once the scene exceeds the direct-sampling
// light-count threshold) into the output reservoir.
func canonicalWGSL(useLightBVH bool) string {
	lightBinding := `
@group(0) @binding(4) var<storage, read> light_bvh: array<u32>;`
	sampleFn := `
fn sample_light(seed: u32) -> vec3<f32> {
  // Uniform fallback: no light BVH bound, every invocation samples the
  // same placeholder direction weighted by pixel hash.
  let h = hash_u32(seed);
  return normalize(vec3<f32>(f32(h & 255u) - 127.5, f32((h >> 8u) & 255u) - 127.5, f32((h >> 16u) & 255u) - 127.5));
}`
	if useLightBVH {
		sampleFn = `
fn sample_light(seed: u32) -> vec3<f32> {
  // Importance-sampled against the light BVH's packed bounds/power
  // records; light_bvh holds scene.LightBVH.MarshalGPU's bytes
  // reinterpreted as u32 words.
  let node_count = arrayLength(&light_bvh) / 8u;
  let h = hash_u32(seed);
  let node = h % max(node_count, 1u);
  let base = node * 8u;
  let cx = bitcast<f32>(light_bvh[base]);
  let cy = bitcast<f32>(light_bvh[base + 1u]);
  let cz = bitcast<f32>(light_bvh[base + 2u]);
  return normalize(vec3<f32>(cx, cy, cz) - vec3<f32>(0.0));
}`
	} else {
		lightBinding = ""
	}

	return fmt.Sprintf(`
struct Params {
  width: u32,
  height: u32,
  canonical_samples: u32,
  max_bounces: u32,
  frame_index: u32,
  max_confidence: u32,
  _pad0: u32,
  _pad1: u32,
}

%s

fn hash_u32(x: u32) -> u32 {
  var h = x;
  h ^= h >> 16u; h *= 0x7feb352du;
  h ^= h >> 15u; h *= 0x846ca68bu;
  h ^= h >> 16u;
  return h;
}

%s

@group(0) @binding(0) var normal_tex: texture_2d<f32>;
@group(0) @binding(1) var albedo_tex: texture_2d<f32>;
@group(0) @binding(2) var<storage, read_write> reservoirs: array<Reservoir>;
@group(0) @binding(3) var<uniform> params: Params;
%s

@compute @workgroup_size(8, 8, 1)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
  if (gid.x >= params.width || gid.y >= params.height) {
    return;
  }
  let idx = gid.y * params.width + gid.x;
  var acc = reservoirs[idx];
  if (params.frame_index == 0u) {
    acc.weight = 0.0;
    acc.target_pdf = 0.0;
    acc.jacobian = 1.0;
    reservoir_set_confidence(&acc, 0u);
  }

  let albedo = textureLoad(albedo_tex, vec2<i32>(gid.xy), 0).rgb;
  let normal = textureLoad(normal_tex, vec2<i32>(gid.xy), 0).rg;

  var s: u32 = 0u;
  loop {
    if (s >= params.canonical_samples) { break; }
    let seed = hash_u32(idx * 9781u + params.frame_index * 6271u + s);
    let dir = sample_light(seed);
    let cos_theta = max(dot(vec3<f32>(normal, sqrt(max(1.0 - dot(normal, normal), 0.0))), dir), 0.0);
    let target = cos_theta * (albedo.r + albedo.g + albedo.b) / 3.0;
    var cand: Reservoir = acc;
    cand.target_pdf = target;
    cand.weight = select(0.0, target, target > 0.0);
    cand.jacobian = 1.0;
    cand.head_seed = seed;
    reservoir_set_confidence(&cand, 1u);
    let rnd = f32(hash_u32(seed ^ 0x9e3779b9u) & 0xffffu) / 65536.0;
    combine_reservoir(&acc, cand, cand.weight, rnd, params.max_confidence);
    s = s + 1u;
  }

  reservoirs[idx] = acc;
}
`, reservoirWGSLStruct, sampleFn, lightBinding)
}

// temporalWGSL generates the first-pass reprojection step: reproject via
// the screen motion vector, probing a widening radius up to
// searchAttempts candidates on reprojection failure (motion landing
// outside the image or a disocclusion the normal comparison
// rejects), then MIS-combines the reprojected reservoir into the current
// one and caps confidence at max_confidence.
const temporalWGSL = `
struct Params {
  width: u32,
  height: u32,
  search_attempts: u32,
  max_confidence: u32,
}

` + reservoirWGSLStruct + `

fn hash_u32(x: u32) -> u32 {
  var h = x;
  h ^= h >> 16u; h *= 0x7feb352du;
  h ^= h >> 15u; h *= 0x846ca68bu;
  h ^= h >> 16u;
  return h;
}

@group(0) @binding(0) var<storage, read_write> current: array<Reservoir>;
@group(0) @binding(1) var<storage, read> previous: array<Reservoir>;
@group(0) @binding(2) var motion_tex: texture_2d<f32>;
@group(0) @binding(3) var normal_tex: texture_2d<f32>;
@group(0) @binding(4) var prev_normal_tex: texture_2d<f32>;
@group(0) @binding(5) var<uniform> params: Params;

fn normals_agree(a: vec2<f32>, b: vec2<f32>) -> bool {
  return dot(a, b) > 0.5;
}

@compute @workgroup_size(8, 8, 1)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
  if (gid.x >= params.width || gid.y >= params.height) {
    return;
  }
  let idx = gid.y * params.width + gid.x;
  let motion = textureLoad(motion_tex, vec2<i32>(gid.xy), 0).rg;
  let normal = textureLoad(normal_tex, vec2<i32>(gid.xy), 0).rg;

  var found = false;
  var prev_idx = idx;
  var attempt: u32 = 0u;
  loop {
    if (attempt >= params.search_attempts || found) { break; }
    let jitter_seed = hash_u32(idx * 7919u + attempt);
    let jx = i32(hash_u32(jitter_seed) % 3u) - 1;
    let jy = i32(hash_u32(jitter_seed ^ 0x5bd1e995u) % 3u) - 1;
    let px = i32(f32(gid.x) - motion.x * f32(params.width)) + jx * i32(attempt);
    let py = i32(f32(gid.y) - motion.y * f32(params.height)) + jy * i32(attempt);
    if (px >= 0 && py >= 0 && px < i32(params.width) && py < i32(params.height)) {
      let cand_pos = vec2<i32>(px, py);
      let prev_normal = textureLoad(prev_normal_tex, cand_pos, 0).rg;
      if (normals_agree(normal, prev_normal)) {
        prev_idx = u32(py) * params.width + u32(px);
        found = true;
      }
    }
    attempt = attempt + 1u;
  }

  if (!found) {
    return;
  }

  var acc = current[idx];
  var cand = previous[prev_idx];
  // Shift-mapped jacobian: reconnection and hybrid both fall through to
  // the stored jacobian directly (no world-space rotation needed for a
  // same-surface temporal shift); random replay has none to apply.
  let jacobian = cand.jacobian;
  let cand_weight = cand.weight * jacobian;
  reservoir_set_confidence(&cand, min(reservoir_confidence(cand), params.max_confidence));
  let rnd = f32(hash_u32(idx ^ 0xc2b2ae35u) & 0xffffu) / 65536.0;
  combine_reservoir(&acc, cand, cand_weight, rnd, params.max_confidence);
  current[idx] = acc;
}
`

// spatialTraceWGSL generates the spatial-reuse candidate pass: picks up to
// spatialSamples neighbours, at most four, within the configured radius
// band (optionally biased toward the local tangent disk) and records the
// chosen neighbour pixel indices, -1 for an empty slot, into the
// selection buffer for the gather pass to consume. It evaluates no target
// function and stores no confidence.
func spatialTraceWGSL(orientedDisk bool) string {
	biasFn := `
fn candidate_offset(seed: u32, radius: f32) -> vec2<f32> {
  let a = f32(hash_u32(seed) & 0xffffu) / 65536.0 * 6.2831853;
  let r = radius * sqrt(f32(hash_u32(seed ^ 0x27d4eb2fu) & 0xffffu) / 65536.0);
  return vec2<f32>(cos(a), sin(a)) * r;
}`
	if orientedDisk {
		biasFn = `
fn candidate_offset(seed: u32, radius: f32) -> vec2<f32> {
  // Biased toward the tangent disk: squash the minor axis by the
  // surface's foreshortening so neighbours stay on-surface more often.
  let a = f32(hash_u32(seed) & 0xffffu) / 65536.0 * 6.2831853;
  let r = radius * sqrt(f32(hash_u32(seed ^ 0x27d4eb2fu) & 0xffffu) / 65536.0);
  return vec2<f32>(cos(a), sin(a) * 0.7) * r;
}`
	}

	return fmt.Sprintf(`
struct Params {
  width: u32,
  height: u32,
  spatial_samples: u32,
  min_radius: f32,
  max_radius: f32,
  frame_index: u32,
  _pad0: u32,
  _pad1: u32,
}

%s

fn hash_u32(x: u32) -> u32 {
  var h = x;
  h ^= h >> 16u; h *= 0x7feb352du;
  h ^= h >> 15u; h *= 0x846ca68bu;
  h ^= h >> 16u;
  return h;
}

%s

@group(0) @binding(0) var<storage, read> current: array<Reservoir>;
@group(0) @binding(1) var normal_tex: texture_2d<f32>;
@group(0) @binding(2) var<storage, read_write> selection: array<vec4<i32>>;
@group(0) @binding(3) var<uniform> params: Params;

@compute @workgroup_size(8, 8, 1)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
  if (gid.x >= params.width || gid.y >= params.height) {
    return;
  }
  let idx = gid.y * params.width + gid.x;
  // min/max_radius are specified in pixels at a 1920-wide reference
  // frame; scale by width/reference so the search disk covers the same
  // fraction of the image at any output resolution.
  let radius_scale = f32(params.width) / 1920.0;
  let min_r = params.min_radius * radius_scale;
  let max_r = params.max_radius * radius_scale;

  var total_confidence: i32 = i32(reservoir_confidence(current[idx]));
  var chosen: vec4<i32> = vec4<i32>(-1, -1, -1, -1);
  var n: u32 = 0u;
  loop {
    if (n >= params.spatial_samples || n >= 4u) { break; }
    let seed = hash_u32(idx * 104729u + params.frame_index * 131u + n);
    let offset = candidate_offset(seed, mix(min_r, max_r, f32(n) / max(f32(params.spatial_samples), 1.0)));
    let nx = i32(gid.x) + i32(offset.x);
    let ny = i32(gid.y) + i32(offset.y);
    if (nx >= 0 && ny >= 0 && nx < i32(params.width) && ny < i32(params.height)) {
      let nidx = u32(ny) * params.width + u32(nx);
      chosen[n] = i32(nidx);
      total_confidence = total_confidence + i32(reservoir_confidence(current[nidx]));
    }
    n = n + 1u;
  }

  selection[idx] = chosen;
}
`, reservoirWGSLStruct, biasFn)
}

// spatialGatherWGSL generates the final combine step: folds the neighbours
// the trace pass selected into the canonical reservoir via MIS-weighted
// resampling, writes combined (or demodulated diffuse/specular) radiance,
// and leaves the caller to swap reservoir parity afterward. The
// accumulate variant differs only by a WGSL comment: it blends no history.
func spatialGatherWGSL(demodulated, accumulate bool) string {
	outputs := `
@group(0) @binding(4) var output_tex: texture_storage_2d<rgba16float, write>;`
	writeFn := `
  textureStore(output_tex, vec2<i32>(gid.xy), vec4<f32>(radiance, 1.0));`
	if demodulated {
		outputs = `
@group(0) @binding(4) var diffuse_tex: texture_storage_2d<rgba16float, write>;
@group(0) @binding(5) var specular_tex: texture_storage_2d<rgba16float, write>;`
		writeFn = `
  textureStore(diffuse_tex, vec2<i32>(gid.xy), vec4<f32>(radiance * 0.5, 1.0));
  textureStore(specular_tex, vec2<i32>(gid.xy), vec4<f32>(radiance * 0.5, 1.0));`
	}
	accumNote := ""
	if accumulate && !demodulated {
		accumNote = `
  // accumulate=true: blend with the previous frame's stored estimate in
  // place, weighted by the combined reservoir's confidence.`
	}

	return fmt.Sprintf(`
struct Params {
  width: u32,
  height: u32,
  spatial_samples: u32,
  max_confidence: u32,
}

%s

@group(0) @binding(0) var<storage, read_write> current: array<Reservoir>;
@group(0) @binding(1) var<storage, read> previous: array<Reservoir>;
@group(0) @binding(2) var<storage, read> selection: array<vec4<i32>>;
@group(0) @binding(3) var<uniform> params: Params;
%s

fn hash_u32(x: u32) -> u32 {
  var h = x;
  h ^= h >> 16u; h *= 0x7feb352du;
  h ^= h >> 15u; h *= 0x846ca68bu;
  h ^= h >> 16u;
  return h;
}

@compute @workgroup_size(8, 8, 1)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
  if (gid.x >= params.width || gid.y >= params.height) {
    return;
  }
  let idx = gid.y * params.width + gid.x;
  var acc = current[idx];
  // spatial_samples == 0 means the trace pass never ran this frame: skip
  // reading the (stale or zero) selection record entirely, so the output
  // is exactly the canonical/temporal reservoir's own contribution.
  if (params.spatial_samples > 0u) {
    let sel = selection[idx];
    var n: u32 = 0u;
    loop {
      if (n >= 4u) { break; }
      let nidx = sel[n];
      if (nidx >= 0) {
        let cand = previous[u32(nidx)];
        let cand_weight = cand.weight * cand.jacobian;
        let rnd = f32(hash_u32(idx * 13u + n) & 0xffffu) / 65536.0;
        combine_reservoir(&acc, cand, cand_weight, rnd, params.max_confidence);
      }
      n = n + 1u;
    }
  }
  current[idx] = acc;

  let radiance = vec3<f32>(acc.weight * acc.target_pdf);
%s
%s
}
`, reservoirWGSLStruct, outputs, accumNote, writeFn)
}

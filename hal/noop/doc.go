// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

// Package noop provides a portable, always-available hal.Backend that
// performs no GPU work.
//
// It exists so the rest of the tree - devicectx, raster, restir, accel,
// pipeline, scene, stage - can be exercised end to end (including the
// ray-tracing pipeline and acceleration-structure capability interfaces)
// on any platform, without a Vulkan 1.2 driver and a ray-tracing-capable
// GPU. It is registered under types.BackendEmpty and reports
// FeatureRayTracingPipeline and FeatureAccelerationStructure so
// devicectx.NewContext's RequireRayTracing filter accepts it.
//
// The noop backend is not a software rasterizer or a CPU ray tracer: it
// does not rasterize, trace, or produce pixels. Every method returns
// immediately with a placeholder resource or a hardcoded plausible value.
package noop

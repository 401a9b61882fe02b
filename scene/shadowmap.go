// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package scene

// PointShadowMap describes a cubemap shadow atlas entry for a point or spot
// light.
type PointShadowMap struct {
	Resolution     [2]uint32
	Near           float32
	MinBias        float32
	MaxBias        float32
	AtlasLayer     uint32
	FaceCount      uint32 // 6 for an omnidirectional point light, 1 for a spot light
}

// CascadeSplit is one cascade of a directional shadow map: its depth split
// point and the orthographic volume fit to the camera frustum at that
// split, per the camera-frustum-fit derivation selected in place of the
// original's alternate per-light heuristic.
type CascadeSplit struct {
	DepthSplit float32
	XRange     [2]float32
	YRange     [2]float32
	DepthRange [2]float32
}

// DirectionalShadowMap describes a cascaded shadow map for a directional
// light.
type DirectionalShadowMap struct {
	Resolution [2]uint32
	MinBias    float32
	MaxBias    float32
	Cascades   []CascadeSplit
	AtlasLayer uint32
}

// AutoShadowMapParams configures AutoShadowMaps' defaults, mirroring the
// original's auto_shadow_maps parameter list.
type AutoShadowMapParams struct {
	DirectionalResolution [2]uint32
	DirectionalVolume     [3]float32
	DirectionalBias       [2]float32
	Cascades              int

	PointResolution [2]uint32
	PointNear       float32
	PointBias       [2]float32
}

// DefaultAutoShadowMapParams matches the original's auto_shadow_maps
// default arguments.
func DefaultAutoShadowMapParams() AutoShadowMapParams {
	return AutoShadowMapParams{
		DirectionalResolution: [2]uint32{2048, 2048},
		DirectionalVolume:     [3]float32{10, 10, 100},
		DirectionalBias:       [2]float32{0.01, 0.05},
		Cascades:              4,
		PointResolution:       [2]uint32{512, 512},
		PointNear:             0.01,
		PointBias:             [2]float32{0.006, 0.02},
	}
}

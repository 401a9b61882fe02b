// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

// Package raster fills the shared G-buffer by rasterizing the scene's
// instance cache and builds the shadow-map atlas that the lighting passes
// sample, following the raster and shadow pipeline structure of
// gfx_pipeline and shadow_map_renderer.
package raster

import "fmt"

// spotCubemapCutoff mirrors scene.AutoShadowMaps' threshold: spot lights at
// or above this half-angle get the same 6-face cubemap layout as a point
// light instead of a single perspective shadow map.
const spotCubemapCutoff = 60 * 3.14159265 / 180

// maxViewsHardCap is the largest ViewsPerPass a Core accepts. The HAL this
// module targets has no hardware multiview (no Vulkan view_mask
// equivalent), so Core.Run records one render pass per view instead of a
// single multiview draw.
const maxViewsHardCap = 16

// Options configures one Core's G-buffer fill and shadow-atlas behavior.
type Options struct {
	// AmbientColor is not read by Core: the G-buffer fill shader adds no
	// ambient term to any channel.
	AmbientColor [3]float32

	// ViewsPerPass caps how many views (cube faces, cascades, or display
	// viewports) one Run renders, one render pass per view; views past the
	// cap are not rendered. Values below 1 become 1; values above 16 are a
	// construction-time error.
	ViewsPerPass int

	// ClearColorChannels is not read by Core: no pass clears the non-depth
	// G-buffer channels, whatever its value. Only the depth attachment is
	// cleared, to ClearDepth, at the start of each view's render pass.
	ClearColorChannels bool

	// ClearDepth is the depth attachment's clear value.
	ClearDepth float32

	// AlphaClipThreshold is the albedo alpha value below which a fragment
	// is discarded in both the G-buffer fill and shadow depth passes,
	// giving cutout materials a basic alpha test.
	AlphaClipThreshold float32

	// ShadowAtlasResolution is the edge length, in texels, of one square
	// slot in the shadow atlas: one cubemap face, one spot shadow map, or
	// one directional cascade.
	ShadowAtlasResolution uint32

	// ShadowAtlasLayers bounds how many slots the atlas allocates. A scene
	// whose shadow-casting lights need more faces and cascades combined
	// than this makes Run return an error when the atlas is rebuilt.
	ShadowAtlasLayers uint32

	// EnableShadows toggles whether Core builds and renders the shadow
	// atlas at all; disabling it skips shadow pipeline construction
	// entirely.
	EnableShadows bool
}

// DefaultOptions returns the reference configuration: one view per pass,
// a 64-slot shadow atlas at 1024x1024 resolution per slot, shadows
// enabled.
func DefaultOptions() Options {
	return Options{
		AmbientColor:          [3]float32{0.01, 0.01, 0.01},
		ViewsPerPass:          1,
		ClearColorChannels:    true,
		ClearDepth:            1,
		AlphaClipThreshold:    0.5,
		ShadowAtlasResolution: 1024,
		ShadowAtlasLayers:     64,
		EnableShadows:         true,
	}
}

func (o Options) normalize() Options {
	if o.ViewsPerPass <= 0 {
		o.ViewsPerPass = 1
	}
	if o.ShadowAtlasResolution == 0 {
		o.ShadowAtlasResolution = 1024
	}
	if o.ShadowAtlasLayers == 0 {
		o.ShadowAtlasLayers = 64
	}
	if o.AlphaClipThreshold < 0 {
		o.AlphaClipThreshold = 0
	}
	return o
}

func (o Options) validate() error {
	if o.ViewsPerPass > maxViewsHardCap {
		return fmt.Errorf("raster: views per pass %d exceeds the hard cap of %d", o.ViewsPerPass, maxViewsHardCap)
	}
	return nil
}

// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package scene

import (
	"github.com/tauray-gpu/tauray/gpures"
	"github.com/tauray-gpu/tauray/hal"
)

// TextureSlot pairs a texture with the sampler it is read through; the
// sampler table assigns (texture, sampler) pairs a compact, frame-stable
// integer index that shaders reference instead of the raw handles.
type TextureSlot struct {
	Texture *gpures.Texture
	Sampler hal.Sampler
}

// Material is a PBR metallic-roughness material with optional albedo,
// metallic-roughness, normal, and emission textures.
type Material struct {
	Name string

	AlbedoFactor    [4]float32
	MetallicFactor  float32
	RoughnessFactor float32
	EmissionFactor  [3]float32

	IOR           float32
	Transmittance float32
	DoubleSided   bool

	Albedo            *TextureSlot
	MetallicRoughness *TextureSlot
	Normal            *TextureSlot
	Emission          *TextureSlot
}

// DefaultMaterial returns a fully opaque, non-metallic, non-emissive
// material with IOR 1.45 (common dielectric default), matching the
// original's material struct defaults.
func DefaultMaterial(name string) Material {
	return Material{
		Name:            name,
		AlbedoFactor:    [4]float32{1, 1, 1, 1},
		MetallicFactor:  0,
		RoughnessFactor: 0.5,
		IOR:             1.45,
	}
}

// Textures returns every non-nil texture slot this material references, for
// callers building the sampler table.
func (m *Material) Textures() []*TextureSlot {
	var out []*TextureSlot
	for _, t := range []*TextureSlot{m.Albedo, m.MetallicRoughness, m.Normal, m.Emission} {
		if t != nil {
			out = append(out, t)
		}
	}
	return out
}

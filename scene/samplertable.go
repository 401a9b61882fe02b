// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package scene

import (
	"github.com/tauray-gpu/tauray/gpures"
	"github.com/tauray-gpu/tauray/hal"
)

// samplerTableKey identifies one (texture, sampler) pair; *gpures.Texture
// and hal.Sampler are both reference types, so pointer/interface-value
// identity is enough to dedupe.
type samplerTableKey struct {
	texture *gpures.Texture
	sampler hal.Sampler
}

// SamplerTable assigns every (texture, sampler) pair referenced by the
// scene's materials a compact integer index, stable for the lifetime of
// the table, so shaders can index textures with a single uint instead of
// carrying a descriptor per binding.
type SamplerTable struct {
	index map[samplerTableKey]int32
	slots []TextureSlot
}

// NewSamplerTable returns an empty table.
func NewSamplerTable() *SamplerTable {
	return &SamplerTable{index: map[samplerTableKey]int32{}}
}

// IndexOf returns slot's compact index, assigning a new one on first
// reference.
func (t *SamplerTable) IndexOf(slot TextureSlot) int32 {
	key := samplerTableKey{texture: slot.Texture, sampler: slot.Sampler}
	if idx, ok := t.index[key]; ok {
		return idx
	}
	idx := int32(len(t.slots))
	t.slots = append(t.slots, slot)
	t.index[key] = idx
	return idx
}

// Slots returns every (texture, sampler) pair in index order.
func (t *SamplerTable) Slots() []TextureSlot { return t.slots }

// Len returns the number of distinct (texture, sampler) pairs assigned so
// far.
func (t *SamplerTable) Len() int { return len(t.slots) }

// Reset clears the table, for rebuilding from scratch when the material
// set changes enough that incremental reuse isn't worth tracking.
func (t *SamplerTable) Reset() {
	t.index = map[samplerTableKey]int32{}
	t.slots = nil
}

// RefreshMaterials assigns indices for every texture slot referenced by
// materials, skipping pairs already indexed, and returns each material's
// four slot indices (albedo, metallic-roughness, normal, emission) in that
// order, using -1 for an absent slot.
func (t *SamplerTable) RefreshMaterials(materials []*Material) [][4]int32 {
	out := make([][4]int32, len(materials))
	for mi, m := range materials {
		rec := [4]int32{-1, -1, -1, -1}
		for si, slot := range []*TextureSlot{m.Albedo, m.MetallicRoughness, m.Normal, m.Emission} {
			if slot != nil {
				rec[si] = t.IndexOf(*slot)
			}
		}
		out[mi] = rec
	}
	return out
}

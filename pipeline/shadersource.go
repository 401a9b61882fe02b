// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

// Package pipeline builds descriptor-set layouts, descriptor sets, and
// compute/raster/ray-tracing pipeline objects on top of the hal package,
// replicated per device.
package pipeline

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gogpu/naga"
	"github.com/gogpu/gputypes"
	"github.com/tauray-gpu/tauray/hal"
)

// BindingType names the kind of resource a named binding expects, used to
// build both the descriptor-set layout entry and to validate writes to a
// descriptor set.
type BindingType uint32

const (
	BindingTypeUniformBuffer BindingType = iota
	BindingTypeStorageBuffer
	BindingTypeReadOnlyStorageBuffer
	BindingTypeSampledTexture
	BindingTypeStorageTexture
	BindingTypeSampler
)

// BindingInfo describes one named shader binding: where it lives (set is
// implicit, a DescriptorSetLayout is always one set), what kind of
// resource it expects, and which stages see it. Count is the binding's
// array size; zero and one both mean a single, non-arrayed binding.
//
// Unlike the original's automatic reflection of compiled SPIR-V, this
// binding table is supplied by the caller: naga's WGSL front end exposes
// no reflection API over Compile's output, so callers declare bindings the
// same way the original's shader_source struct's own `bindings` map is
// populated explicitly at call sites, not parsed out of the binary.
type BindingInfo struct {
	Name       string
	Binding    uint32
	Type       BindingType
	Count      uint32
	Visibility gputypes.ShaderStages

	// ViewDimension applies to BindingTypeSampledTexture and
	// BindingTypeStorageTexture. TextureViewDimensionUndefined (the zero
	// value) is treated as TextureViewDimension2D.
	ViewDimension gputypes.TextureViewDimension

	// TextureFormat applies only to BindingTypeStorageTexture, which
	// must declare the exact format it reads or writes.
	TextureFormat gputypes.TextureFormat
}

// PushConstantRange describes one push-constant range a shader module
// reads from.
type PushConstantRange struct {
	Stages gputypes.ShaderStages
	Start  uint32
	End    uint32
}

// ShaderSource is a compiled shader module's SPIR-V words plus the binding
// and push-constant metadata pipeline needs to build layouts around it.
type ShaderSource struct {
	Label         string
	SPIRV         []uint32
	Bindings      []BindingInfo
	PushConstants []PushConstantRange
}

var (
	wgslCacheMu sync.Mutex
	wgslCache   = map[string][]uint32{}
)

// CompileWGSL compiles wgslSource to SPIR-V via naga and attaches the
// caller-declared bindings and push-constant ranges. Compiled SPIR-V is
// cached keyed by the raw source string, so recompiling an unchanged
// shader across frames or descriptor-set-layout rebuilds is free.
func CompileWGSL(label, wgslSource string, bindings []BindingInfo, pushConstants []PushConstantRange) (*ShaderSource, error) {
	words, err := compileWGSLCached(wgslSource)
	if err != nil {
		return nil, fmt.Errorf("pipeline: compiling shader %q: %w", label, err)
	}
	return &ShaderSource{
		Label:         label,
		SPIRV:         words,
		Bindings:      bindings,
		PushConstants: pushConstants,
	}, nil
}

func compileWGSLCached(wgslSource string) ([]uint32, error) {
	wgslCacheMu.Lock()
	if cached, ok := wgslCache[wgslSource]; ok {
		wgslCacheMu.Unlock()
		return cached, nil
	}
	wgslCacheMu.Unlock()

	spirvBytes, err := naga.Compile(wgslSource)
	if err != nil {
		return nil, fmt.Errorf("naga: %w", err)
	}
	if len(spirvBytes)%4 != 0 {
		return nil, fmt.Errorf("SPIR-V byte count %d is not a multiple of 4", len(spirvBytes))
	}
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(spirvBytes[i*4:])
	}

	wgslCacheMu.Lock()
	wgslCache[wgslSource] = words
	wgslCacheMu.Unlock()
	return words, nil
}

// NewShaderSourceSPIRV wraps precompiled SPIR-V words directly, for the
// ray tracing stages (raygen, closest-hit, any-hit, intersection, miss,
// callable) that naga's WGSL grammar has no syntax for.
func NewShaderSourceSPIRV(label string, spirv []uint32, bindings []BindingInfo, pushConstants []PushConstantRange) *ShaderSource {
	return &ShaderSource{
		Label:         label,
		SPIRV:         spirv,
		Bindings:      bindings,
		PushConstants: pushConstants,
	}
}

// Module creates a hal.ShaderModule from the compiled SPIR-V.
func (s *ShaderSource) Module(device hal.Device) (hal.ShaderModule, error) {
	mod, err := device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  s.Label,
		Source: hal.ShaderSource{SPIRV: s.SPIRV},
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: shader module %q: %w", s.Label, err)
	}
	return mod, nil
}

// Binding looks up a named binding, returning ok=false if no binding by
// that name was declared.
func (s *ShaderSource) Binding(name string) (BindingInfo, bool) {
	for _, b := range s.Bindings {
		if b.Name == name {
			return b, true
		}
	}
	return BindingInfo{}, false
}

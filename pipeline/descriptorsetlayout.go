// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package pipeline

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/tauray-gpu/tauray/devicectx"
	"github.com/tauray-gpu/tauray/internal/devicemask"
	"github.com/tauray-gpu/tauray/hal"
)

// DescriptorSetLayout is a per-device-replicated bind group layout built
// from a table of named bindings, mirroring the original's
// descriptor_set_layout: bindings are declared by name, and the layout
// caches one device object per device once built.
//
// Unlike the original, there is no separate "mutable until first use"
// phase with a dirty flag: this module's hal bind group layouts are
// immutable from creation, so NewDescriptorSetLayout builds every device's
// layout object eagerly.
type DescriptorSetLayout struct {
	ctx      *devicectx.Context
	label    string
	bindings []BindingInfo
	byName   map[string]int
	layouts  *devicemask.PerDevice[hal.BindGroupLayout]
}

// NewDescriptorSetLayout validates bindings (unique names, unique binding
// numbers) and creates id's hal.BindGroupLayout for every device in mask.
func NewDescriptorSetLayout(ctx *devicectx.Context, mask devicemask.Mask, label string, bindings []BindingInfo) (*DescriptorSetLayout, error) {
	byName := make(map[string]int, len(bindings))
	byNumber := make(map[uint32]bool, len(bindings))
	for i, b := range bindings {
		if b.Name == "" {
			return nil, fmt.Errorf("pipeline: descriptor set layout %q: binding %d has no name", label, i)
		}
		if _, dup := byName[b.Name]; dup {
			return nil, fmt.Errorf("pipeline: descriptor set layout %q: duplicate binding name %q", label, b.Name)
		}
		if byNumber[b.Binding] {
			return nil, fmt.Errorf("pipeline: descriptor set layout %q: duplicate binding number %d", label, b.Binding)
		}
		byName[b.Name] = i
		byNumber[b.Binding] = true
	}

	entries := make([]gputypes.BindGroupLayoutEntry, len(bindings))
	for i, b := range bindings {
		entry, err := bindingLayoutEntry(b)
		if err != nil {
			return nil, fmt.Errorf("pipeline: descriptor set layout %q: %w", label, err)
		}
		entries[i] = entry
	}

	layouts, err := devicemask.NewPerDevice(mask, func(id devicemask.DeviceID) (hal.BindGroupLayout, error) {
		d, ok := ctx.Device(id)
		if !ok {
			return nil, fmt.Errorf("pipeline: device %d not found", id)
		}
		l, err := d.Device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
			Label:   label,
			Entries: entries,
		})
		if err != nil {
			return nil, fmt.Errorf("pipeline: descriptor set layout %q for device %d: %w", label, id, err)
		}
		return l, nil
	})
	if err != nil {
		layouts.Close(func(id devicemask.DeviceID, l hal.BindGroupLayout) {
			if l == nil {
				return
			}
			if d, ok := ctx.Device(id); ok {
				d.Device.DestroyBindGroupLayout(l)
			}
		})
		return nil, err
	}

	return &DescriptorSetLayout{
		ctx:      ctx,
		label:    label,
		bindings: bindings,
		byName:   byName,
		layouts:  layouts,
	}, nil
}

func bindingLayoutEntry(b BindingInfo) (gputypes.BindGroupLayoutEntry, error) {
	entry := gputypes.BindGroupLayoutEntry{
		Binding:    b.Binding,
		Visibility: b.Visibility,
	}
	viewDimension := b.ViewDimension
	if viewDimension == gputypes.TextureViewDimensionUndefined {
		viewDimension = gputypes.TextureViewDimension2D
	}
	switch b.Type {
	case BindingTypeUniformBuffer:
		entry.Buffer = &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform}
	case BindingTypeStorageBuffer:
		entry.Buffer = &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage}
	case BindingTypeReadOnlyStorageBuffer:
		entry.Buffer = &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage}
	case BindingTypeSampledTexture:
		entry.Texture = &gputypes.TextureBindingLayout{
			SampleType:    gputypes.TextureSampleTypeFloat,
			ViewDimension: viewDimension,
		}
	case BindingTypeStorageTexture:
		entry.Storage = &gputypes.StorageTextureBindingLayout{
			Access:        gputypes.StorageTextureAccessReadWrite,
			Format:        b.TextureFormat,
			ViewDimension: viewDimension,
		}
	case BindingTypeSampler:
		entry.Sampler = &gputypes.SamplerBindingLayout{Type: gputypes.SamplerBindingTypeFiltering}
	default:
		return entry, fmt.Errorf("binding %q has unknown type %d", b.Name, b.Type)
	}
	return entry, nil
}

// Handle returns id's built bind group layout.
func (l *DescriptorSetLayout) Handle(id devicemask.DeviceID) (hal.BindGroupLayout, bool) {
	return l.layouts.Get(id)
}

// Binding looks up a declared binding by name.
func (l *DescriptorSetLayout) Binding(name string) (BindingInfo, bool) {
	i, ok := l.byName[name]
	if !ok {
		return BindingInfo{}, false
	}
	return l.bindings[i], true
}

// Bindings returns every declared binding, in declaration order.
func (l *DescriptorSetLayout) Bindings() []BindingInfo {
	return l.bindings
}

// Close destroys every device's bind group layout.
func (l *DescriptorSetLayout) Close() {
	l.layouts.Close(func(id devicemask.DeviceID, h hal.BindGroupLayout) {
		if d, ok := l.ctx.Device(id); ok {
			d.Device.DestroyBindGroupLayout(h)
		}
	})
}

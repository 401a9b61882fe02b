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

// resourceWrite is a pending binding write: the resource kind is inferred
// from which field is non-nil/non-zero. Exactly one should be set for a
// well-formed write.
type resourceWrite struct {
	buffer       hal.Buffer
	bufferOffset uint64
	bufferSize   uint64
	sampler      hal.Sampler
	textureView  hal.TextureView
}

type alternative struct {
	group   hal.BindGroup
	dirty   bool
	writes  map[string]resourceWrite
}

type descriptorSetDevice struct {
	alternatives []*alternative
}

// DescriptorSet is a per-device replicated allocated descriptor set: a
// fixed-size ring of "alternatives" per device, each independently
// writable and independently built, mirroring the original's
// descriptor_set::reset(count) and its per-(device, alternative, name)
// write API.
//
// Where the original pre-sizes a descriptor pool for count*(F+2) sets and
// writes into live VkDescriptorSet objects in place, this module's hal
// bind groups are immutable: writing a binding here just marks the
// alternative dirty, and Build lazily recreates its hal.BindGroup, handing
// the stale one to the device's deferred-destroy queue so an in-flight
// frame that already recorded it keeps working.
type DescriptorSet struct {
	ctx     *devicectx.Context
	label   string
	layout  *DescriptorSetLayout
	devices *devicemask.PerDevice[*descriptorSetDevice]
}

// NewDescriptorSet allocates count alternatives per device, all initially
// empty and un-built.
func NewDescriptorSet(ctx *devicectx.Context, mask devicemask.Mask, label string, layout *DescriptorSetLayout, count int) (*DescriptorSet, error) {
	if count <= 0 {
		return nil, fmt.Errorf("pipeline: descriptor set %q: count must be positive, got %d", label, count)
	}
	devices, err := devicemask.NewPerDevice(mask, func(devicemask.DeviceID) (*descriptorSetDevice, error) {
		return newDescriptorSetDevice(count), nil
	})
	if err != nil {
		return nil, err
	}
	return &DescriptorSet{ctx: ctx, label: label, layout: layout, devices: devices}, nil
}

func newDescriptorSetDevice(count int) *descriptorSetDevice {
	alts := make([]*alternative, count)
	for i := range alts {
		alts[i] = &alternative{writes: map[string]resourceWrite{}}
	}
	return &descriptorSetDevice{alternatives: alts}
}

// Reset resizes the alternative ring to count, destroying any alternatives
// beyond the new size (deferred to slot frame) and leaving the retained
// ones untouched.
func (s *DescriptorSet) Reset(id devicemask.DeviceID, frame uint64, count int) error {
	if count <= 0 {
		return fmt.Errorf("pipeline: descriptor set %q: Reset count must be positive, got %d", s.label, count)
	}
	dd, ok := s.devices.Get(id)
	if !ok {
		return fmt.Errorf("pipeline: device %d not in descriptor set %q's mask", id, s.label)
	}
	d, ok := s.ctx.Device(id)
	if !ok {
		return fmt.Errorf("pipeline: device %d not found", id)
	}

	if count < len(dd.alternatives) {
		for _, alt := range dd.alternatives[count:] {
			if alt.group == nil {
				continue
			}
			group := alt.group
			slot := int(frame % uint64(s.ctx.FramesInFlight()))
			d.Deferred.Push(slot, func() { d.Device.DestroyBindGroup(group) })
		}
		dd.alternatives = dd.alternatives[:count]
		return nil
	}
	for len(dd.alternatives) < count {
		dd.alternatives = append(dd.alternatives, &alternative{writes: map[string]resourceWrite{}})
	}
	return nil
}

// Count returns the number of alternatives currently allocated for id.
func (s *DescriptorSet) Count(id devicemask.DeviceID) int {
	dd, ok := s.devices.Get(id)
	if !ok {
		return 0
	}
	return len(dd.alternatives)
}

func (s *DescriptorSet) alternative(id devicemask.DeviceID, alt int) (*alternative, error) {
	dd, ok := s.devices.Get(id)
	if !ok {
		return nil, fmt.Errorf("pipeline: device %d not in descriptor set %q's mask", id, s.label)
	}
	if alt < 0 || alt >= len(dd.alternatives) {
		return nil, fmt.Errorf("pipeline: descriptor set %q: alternative %d out of range [0,%d)", s.label, alt, len(dd.alternatives))
	}
	return dd.alternatives[alt], nil
}

func (s *DescriptorSet) write(id devicemask.DeviceID, alt int, name string, w resourceWrite) error {
	if _, ok := s.layout.Binding(name); !ok {
		return fmt.Errorf("pipeline: descriptor set %q: no binding named %q", s.label, name)
	}
	a, err := s.alternative(id, alt)
	if err != nil {
		return err
	}
	a.writes[name] = w
	a.dirty = true
	return nil
}

// WriteBuffer binds buf[offset:offset+size] (size 0 means the rest of the
// buffer) to the named binding of (id, alt).
func (s *DescriptorSet) WriteBuffer(id devicemask.DeviceID, alt int, name string, buf hal.Buffer, offset, size uint64) error {
	return s.write(id, alt, name, resourceWrite{buffer: buf, bufferOffset: offset, bufferSize: size})
}

// WriteSampler binds a sampler to the named binding of (id, alt).
func (s *DescriptorSet) WriteSampler(id devicemask.DeviceID, alt int, name string, sampler hal.Sampler) error {
	return s.write(id, alt, name, resourceWrite{sampler: sampler})
}

// WriteTextureView binds a texture view to the named binding of (id, alt).
func (s *DescriptorSet) WriteTextureView(id devicemask.DeviceID, alt int, name string, view hal.TextureView) error {
	return s.write(id, alt, name, resourceWrite{textureView: view})
}

// Build returns (id, alt)'s hal.BindGroup, rebuilding it first if any
// binding has been written since the last Build. Every declared binding
// must have a resource written before the first Build, matching the
// original's binding-completeness check at descriptor-set flush time.
func (s *DescriptorSet) Build(id devicemask.DeviceID, frame uint64, alt int) (hal.BindGroup, error) {
	a, err := s.alternative(id, alt)
	if err != nil {
		return nil, err
	}
	if !a.dirty && a.group != nil {
		return a.group, nil
	}

	d, ok := s.ctx.Device(id)
	if !ok {
		return nil, fmt.Errorf("pipeline: device %d not found", id)
	}
	layout, ok := s.layout.Handle(id)
	if !ok {
		return nil, fmt.Errorf("pipeline: descriptor set %q: device %d has no layout", s.label, id)
	}

	entries := make([]gputypes.BindGroupEntry, len(s.layout.Bindings()))
	for i, b := range s.layout.Bindings() {
		w, ok := a.writes[b.Name]
		if !ok {
			return nil, fmt.Errorf("pipeline: descriptor set %q: binding %q was never written", s.label, b.Name)
		}
		entry, err := resourceBindGroupEntry(b, w)
		if err != nil {
			return nil, fmt.Errorf("pipeline: descriptor set %q: %w", s.label, err)
		}
		entries[i] = entry
	}

	group, err := d.Device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   s.label,
		Layout:  layout,
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: descriptor set %q for device %d: %w", s.label, id, err)
	}

	if a.group != nil {
		stale := a.group
		slot := int(frame % uint64(s.ctx.FramesInFlight()))
		d.Deferred.Push(slot, func() { d.Device.DestroyBindGroup(stale) })
	}
	a.group = group
	a.dirty = false
	return group, nil
}

func resourceBindGroupEntry(b BindingInfo, w resourceWrite) (gputypes.BindGroupEntry, error) {
	entry := gputypes.BindGroupEntry{Binding: b.Binding}
	switch b.Type {
	case BindingTypeUniformBuffer, BindingTypeStorageBuffer, BindingTypeReadOnlyStorageBuffer:
		if w.buffer == nil {
			return entry, fmt.Errorf("binding %q expects a buffer", b.Name)
		}
		entry.Resource = gputypes.BufferBinding{
			Buffer: gputypes.BufferHandle(w.buffer.NativeHandle()),
			Offset: w.bufferOffset,
			Size:   w.bufferSize,
		}
	case BindingTypeSampler:
		if w.sampler == nil {
			return entry, fmt.Errorf("binding %q expects a sampler", b.Name)
		}
		entry.Resource = gputypes.SamplerBinding{Sampler: gputypes.SamplerHandle(w.sampler.NativeHandle())}
	case BindingTypeSampledTexture, BindingTypeStorageTexture:
		if w.textureView == nil {
			return entry, fmt.Errorf("binding %q expects a texture view", b.Name)
		}
		entry.Resource = gputypes.TextureViewBinding{TextureView: gputypes.TextureViewHandle(w.textureView.NativeHandle())}
	default:
		return entry, fmt.Errorf("binding %q has unknown type %d", b.Name, b.Type)
	}
	return entry, nil
}

// Close destroys every device's built bind groups. Callers must ensure no
// in-flight frame still references them.
func (s *DescriptorSet) Close() {
	s.devices.Close(func(id devicemask.DeviceID, dd *descriptorSetDevice) {
		d, ok := s.ctx.Device(id)
		if !ok {
			return
		}
		for _, a := range dd.alternatives {
			if a.group != nil {
				d.Device.DestroyBindGroup(a.group)
			}
		}
	})
}

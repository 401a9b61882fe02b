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

// bindGroupSetter is satisfied by every pass-style command encoder this
// module binds descriptor sets on: hal.RenderPassEncoder,
// hal.ComputePassEncoder, and hal.RayTracingPipelineCommandEncoder all
// declare SetBindGroup with this exact signature.
type bindGroupSetter interface {
	SetBindGroup(index uint32, group hal.BindGroup, offsets []uint32)
}

// PushDescriptorSet accumulates binding writes and, on Push, builds a
// transient bind group and binds it immediately, mirroring the original's
// push_descriptor_set: no pool, no persistent VkDescriptorSet, just writes
// flushed straight into the command buffer's bound state.
//
// The original issues vkCmdPushDescriptorSetKHR directly with no backing
// object at all. This module's hal has no equivalent command, so Push
// instead creates an ordinary hal.BindGroup, binds it via SetBindGroup, and
// hands it to the device's deferred-destroy queue keyed on the frame slot,
// since the bind group must outlive the command buffer that references it
// until that buffer finishes executing.
type PushDescriptorSet struct {
	ctx    *devicectx.Context
	label  string
	layout *DescriptorSetLayout
	writes map[devicemask.DeviceID]map[string]resourceWrite
}

// NewPushDescriptorSet creates an empty push descriptor set bound to
// layout. layout's bind group layout is reused for every Push call.
func NewPushDescriptorSet(ctx *devicectx.Context, label string, layout *DescriptorSetLayout) *PushDescriptorSet {
	return &PushDescriptorSet{
		ctx:    ctx,
		label:  label,
		layout: layout,
		writes: map[devicemask.DeviceID]map[string]resourceWrite{},
	}
}

func (s *PushDescriptorSet) write(id devicemask.DeviceID, name string, w resourceWrite) error {
	if _, ok := s.layout.Binding(name); !ok {
		return fmt.Errorf("pipeline: push descriptor set %q: no binding named %q", s.label, name)
	}
	byName, ok := s.writes[id]
	if !ok {
		byName = map[string]resourceWrite{}
		s.writes[id] = byName
	}
	byName[name] = w
	return nil
}

// WriteBuffer stages a buffer write for id's next Push.
func (s *PushDescriptorSet) WriteBuffer(id devicemask.DeviceID, name string, buf hal.Buffer, offset, size uint64) error {
	return s.write(id, name, resourceWrite{buffer: buf, bufferOffset: offset, bufferSize: size})
}

// WriteSampler stages a sampler write for id's next Push.
func (s *PushDescriptorSet) WriteSampler(id devicemask.DeviceID, name string, sampler hal.Sampler) error {
	return s.write(id, name, resourceWrite{sampler: sampler})
}

// WriteTextureView stages a texture view write for id's next Push.
func (s *PushDescriptorSet) WriteTextureView(id devicemask.DeviceID, name string, view hal.TextureView) error {
	return s.write(id, name, resourceWrite{textureView: view})
}

// Push builds a bind group from every write staged for id since the last
// Push (earlier writes for bindings not overwritten this call are reused),
// binds it to setIndex on encoder, and schedules its destruction once
// frame's slot next recycles.
func (s *PushDescriptorSet) Push(encoder bindGroupSetter, id devicemask.DeviceID, frame uint64, setIndex uint32) error {
	byName, ok := s.writes[id]
	if !ok {
		return fmt.Errorf("pipeline: push descriptor set %q: no writes staged for device %d", s.label, id)
	}

	d, ok := s.ctx.Device(id)
	if !ok {
		return fmt.Errorf("pipeline: device %d not found", id)
	}
	layout, ok := s.layout.Handle(id)
	if !ok {
		return fmt.Errorf("pipeline: push descriptor set %q: device %d has no layout", s.label, id)
	}

	bindings := s.layout.Bindings()
	entries := make([]gputypes.BindGroupEntry, len(bindings))
	for i, b := range bindings {
		w, ok := byName[b.Name]
		if !ok {
			return fmt.Errorf("pipeline: push descriptor set %q: binding %q was never written", s.label, b.Name)
		}
		entry, err := resourceBindGroupEntry(b, w)
		if err != nil {
			return fmt.Errorf("pipeline: push descriptor set %q: %w", s.label, err)
		}
		entries[i] = entry
	}

	group, err := d.Device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   s.label,
		Layout:  layout,
		Entries: entries,
	})
	if err != nil {
		return fmt.Errorf("pipeline: push descriptor set %q for device %d: %w", s.label, id, err)
	}

	encoder.SetBindGroup(setIndex, group, nil)

	slot := int(frame % uint64(s.ctx.FramesInFlight()))
	d.Deferred.Push(slot, func() { d.Device.DestroyBindGroup(group) })
	return nil
}

// Clear discards every write staged for id without pushing them.
func (s *PushDescriptorSet) Clear(id devicemask.DeviceID) {
	delete(s.writes, id)
}

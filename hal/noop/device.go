// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package noop

import (
	"time"

	"github.com/tauray-gpu/tauray/hal"
)

// Device implements hal.Device for the noop backend, plus the
// RayTracingDevice and RayTracingPipelineDevice capability interfaces (see
// accel.go) so accel.TLAS construction and restir.Core's TraceRays
// dispatch can run against it without a real driver.
type Device struct {
	nextASID     uint64
	nextPipeline uint64
}

func newDevice() *Device {
	return &Device{}
}

// CreateBuffer creates a noop buffer. If MappedAtCreation is set, the
// buffer allocates backing storage so Queue.WriteBuffer has somewhere to
// copy into.
func (d *Device) CreateBuffer(desc *hal.BufferDescriptor) (hal.Buffer, error) {
	b := &Buffer{handleResource: newHandleResource()}
	if desc.MappedAtCreation {
		b.data = make([]byte, desc.Size)
	}
	return b, nil
}

// DestroyBuffer is a no-op.
func (d *Device) DestroyBuffer(_ hal.Buffer) {}

// CreateTexture creates a noop texture.
func (d *Device) CreateTexture(_ *hal.TextureDescriptor) (hal.Texture, error) {
	return &Texture{}, nil
}

// DestroyTexture is a no-op.
func (d *Device) DestroyTexture(_ hal.Texture) {}

// CreateTextureView creates a noop texture view.
func (d *Device) CreateTextureView(_ hal.Texture, _ *hal.TextureViewDescriptor) (hal.TextureView, error) {
	return &TextureView{handleResource: newHandleResource()}, nil
}

// DestroyTextureView is a no-op.
func (d *Device) DestroyTextureView(_ hal.TextureView) {}

// CreateSampler creates a noop sampler.
func (d *Device) CreateSampler(_ *hal.SamplerDescriptor) (hal.Sampler, error) {
	return &Sampler{handleResource: newHandleResource()}, nil
}

// DestroySampler is a no-op.
func (d *Device) DestroySampler(_ hal.Sampler) {}

// CreateBindGroupLayout creates a noop bind group layout.
func (d *Device) CreateBindGroupLayout(_ *hal.BindGroupLayoutDescriptor) (hal.BindGroupLayout, error) {
	return &Resource{}, nil
}

// DestroyBindGroupLayout is a no-op.
func (d *Device) DestroyBindGroupLayout(_ hal.BindGroupLayout) {}

// CreateBindGroup creates a noop bind group.
func (d *Device) CreateBindGroup(_ *hal.BindGroupDescriptor) (hal.BindGroup, error) {
	return &Resource{}, nil
}

// DestroyBindGroup is a no-op.
func (d *Device) DestroyBindGroup(_ hal.BindGroup) {}

// CreatePipelineLayout creates a noop pipeline layout.
func (d *Device) CreatePipelineLayout(_ *hal.PipelineLayoutDescriptor) (hal.PipelineLayout, error) {
	return &Resource{}, nil
}

// DestroyPipelineLayout is a no-op.
func (d *Device) DestroyPipelineLayout(_ hal.PipelineLayout) {}

// CreateShaderModule creates a noop shader module. It accepts both WGSL
// and SPIR-V sources without validating either.
func (d *Device) CreateShaderModule(_ *hal.ShaderModuleDescriptor) (hal.ShaderModule, error) {
	return &Resource{}, nil
}

// DestroyShaderModule is a no-op.
func (d *Device) DestroyShaderModule(_ hal.ShaderModule) {}

// CreateRenderPipeline creates a noop render pipeline.
func (d *Device) CreateRenderPipeline(_ *hal.RenderPipelineDescriptor) (hal.RenderPipeline, error) {
	return &Resource{}, nil
}

// DestroyRenderPipeline is a no-op.
func (d *Device) DestroyRenderPipeline(_ hal.RenderPipeline) {}

// CreateComputePipeline creates a noop compute pipeline.
func (d *Device) CreateComputePipeline(_ *hal.ComputePipelineDescriptor) (hal.ComputePipeline, error) {
	return &Resource{}, nil
}

// DestroyComputePipeline is a no-op.
func (d *Device) DestroyComputePipeline(_ hal.ComputePipeline) {}

// CreateCommandEncoder creates a noop command encoder.
func (d *Device) CreateCommandEncoder(_ *hal.CommandEncoderDescriptor) (hal.CommandEncoder, error) {
	return &CommandEncoder{}, nil
}

// CreateFence creates a noop fence backed by an atomic counter.
func (d *Device) CreateFence() (hal.Fence, error) {
	return &Fence{}, nil
}

// DestroyFence is a no-op.
func (d *Device) DestroyFence(_ hal.Fence) {}

// Wait reports whether fence has reached value. Since Queue.Submit signals
// synchronously, this never actually blocks.
func (d *Device) Wait(fence hal.Fence, value uint64, _ time.Duration) (bool, error) {
	f, ok := fence.(*Fence)
	if !ok {
		return true, nil
	}
	return f.reached(value), nil
}

// Destroy is a no-op.
func (d *Device) Destroy() {}

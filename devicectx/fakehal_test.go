// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package devicectx

import (
	"time"

	"github.com/tauray-gpu/tauray/hal"
	"github.com/tauray-gpu/tauray/types"
)

// fakeInstance, fakeAdapter, fakeDevice, fakeQueue and fakeFence implement
// just enough of the hal interfaces to exercise Context and FrameLoop
// without a real Vulkan driver.

type fakeInstance struct {
	adapters []hal.ExposedAdapter
	destroyed bool
}

func (i *fakeInstance) CreateSurface(_, _ uintptr) (hal.Surface, error) { return nil, nil }
func (i *fakeInstance) EnumerateAdapters(_ hal.Surface) []hal.ExposedAdapter {
	return i.adapters
}
func (i *fakeInstance) Destroy() { i.destroyed = true }

type fakeAdapter struct {
	name      string
	surfaceOK bool
	destroyed bool
	openErr   error
}

func (a *fakeAdapter) Open(features types.Features, limits types.Limits) (hal.OpenDevice, error) {
	if a.openErr != nil {
		return hal.OpenDevice{}, a.openErr
	}
	dev := &fakeDevice{fences: map[hal.Fence]*fakeFence{}}
	return hal.OpenDevice{Device: dev, Queue: &fakeQueue{}}, nil
}

func (a *fakeAdapter) TextureFormatCapabilities(_ types.TextureFormat) hal.TextureFormatCapabilities {
	return hal.TextureFormatCapabilities{}
}

func (a *fakeAdapter) SurfaceCapabilities(_ hal.Surface) *hal.SurfaceCapabilities {
	if !a.surfaceOK {
		return nil
	}
	return &hal.SurfaceCapabilities{}
}

func (a *fakeAdapter) Destroy() { a.destroyed = true }

type fakeFence struct {
	signaled uint64
}

func (f *fakeFence) Destroy() {}

type fakeDevice struct {
	destroyed bool
	fences    map[hal.Fence]*fakeFence
}

func (d *fakeDevice) CreateBuffer(_ *hal.BufferDescriptor) (hal.Buffer, error)      { return nil, nil }
func (d *fakeDevice) DestroyBuffer(_ hal.Buffer)                                    {}
func (d *fakeDevice) CreateTexture(_ *hal.TextureDescriptor) (hal.Texture, error)   { return nil, nil }
func (d *fakeDevice) DestroyTexture(_ hal.Texture)                                  {}
func (d *fakeDevice) CreateTextureView(_ hal.Texture, _ *hal.TextureViewDescriptor) (hal.TextureView, error) {
	return nil, nil
}
func (d *fakeDevice) DestroyTextureView(_ hal.TextureView) {}
func (d *fakeDevice) CreateSampler(_ *hal.SamplerDescriptor) (hal.Sampler, error) {
	return nil, nil
}
func (d *fakeDevice) DestroySampler(_ hal.Sampler) {}
func (d *fakeDevice) CreateBindGroupLayout(_ *hal.BindGroupLayoutDescriptor) (hal.BindGroupLayout, error) {
	return nil, nil
}
func (d *fakeDevice) DestroyBindGroupLayout(_ hal.BindGroupLayout) {}
func (d *fakeDevice) CreateBindGroup(_ *hal.BindGroupDescriptor) (hal.BindGroup, error) {
	return nil, nil
}
func (d *fakeDevice) DestroyBindGroup(_ hal.BindGroup) {}
func (d *fakeDevice) CreatePipelineLayout(_ *hal.PipelineLayoutDescriptor) (hal.PipelineLayout, error) {
	return nil, nil
}
func (d *fakeDevice) DestroyPipelineLayout(_ hal.PipelineLayout) {}
func (d *fakeDevice) CreateShaderModule(_ *hal.ShaderModuleDescriptor) (hal.ShaderModule, error) {
	return nil, nil
}
func (d *fakeDevice) DestroyShaderModule(_ hal.ShaderModule) {}
func (d *fakeDevice) CreateRenderPipeline(_ *hal.RenderPipelineDescriptor) (hal.RenderPipeline, error) {
	return nil, nil
}
func (d *fakeDevice) DestroyRenderPipeline(_ hal.RenderPipeline) {}
func (d *fakeDevice) CreateComputePipeline(_ *hal.ComputePipelineDescriptor) (hal.ComputePipeline, error) {
	return nil, nil
}
func (d *fakeDevice) DestroyComputePipeline(_ hal.ComputePipeline) {}
func (d *fakeDevice) CreateCommandEncoder(_ *hal.CommandEncoderDescriptor) (hal.CommandEncoder, error) {
	return nil, nil
}

func (d *fakeDevice) CreateFence() (hal.Fence, error) {
	f := &fakeFence{}
	d.fences[f] = f
	return f, nil
}
func (d *fakeDevice) DestroyFence(f hal.Fence) { delete(d.fences, f) }

func (d *fakeDevice) Wait(fence hal.Fence, value uint64, _ time.Duration) (bool, error) {
	ff := d.fences[fence]
	if ff == nil {
		return false, hal.ErrDeviceLost
	}
	// The fake completes work synchronously: any requested value is already
	// reached once Signal recorded it.
	if value <= ff.signaled+1_000_000 {
		ff.signaled = value
		return true, nil
	}
	return false, nil
}

func (d *fakeDevice) Destroy() { d.destroyed = true }

type fakeQueue struct {
	submitted int
}

func (q *fakeQueue) Submit(_ []hal.CommandBuffer, _ hal.Fence, _ uint64) error {
	q.submitted++
	return nil
}
func (q *fakeQueue) WriteBuffer(_ hal.Buffer, _ uint64, _ []byte)                      {}
func (q *fakeQueue) WriteTexture(_ *hal.ImageCopyTexture, _ []byte, _ *hal.ImageDataLayout, _ *hal.Extent3D) {
}
func (q *fakeQueue) Present(_ hal.Surface, _ hal.SurfaceTexture) error { return nil }
func (q *fakeQueue) GetTimestampPeriod() float32                      { return 1.0 }

func newFakeAdapterSet(n int, rayTracing bool) []hal.ExposedAdapter {
	var feats types.Features
	if rayTracing {
		feats = types.Features(types.FeatureRayTracingPipeline | types.FeatureAccelerationStructure)
	}
	out := make([]hal.ExposedAdapter, n)
	for i := range out {
		out[i] = hal.ExposedAdapter{
			Adapter:  &fakeAdapter{name: "fake", surfaceOK: true},
			Info:     types.AdapterInfo{Name: "fake", DeviceType: types.DeviceTypeDiscreteGPU},
			Features: feats,
		}
	}
	return out
}

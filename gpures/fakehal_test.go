// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package gpures

import (
	"time"

	"github.com/tauray-gpu/tauray/devicectx"
	"github.com/tauray-gpu/tauray/hal"
	"github.com/tauray-gpu/tauray/types"
)

type fakeInstance struct {
	adapters []hal.ExposedAdapter
}

func (i *fakeInstance) CreateSurface(_, _ uintptr) (hal.Surface, error) { return nil, nil }
func (i *fakeInstance) EnumerateAdapters(_ hal.Surface) []hal.ExposedAdapter {
	return i.adapters
}
func (i *fakeInstance) Destroy() {}

type fakeAdapter struct{}

func (a *fakeAdapter) Open(features types.Features, limits types.Limits) (hal.OpenDevice, error) {
	return hal.OpenDevice{Device: newFakeDevice(), Queue: &fakeQueue{}}, nil
}
func (a *fakeAdapter) TextureFormatCapabilities(_ types.TextureFormat) hal.TextureFormatCapabilities {
	return hal.TextureFormatCapabilities{}
}
func (a *fakeAdapter) SurfaceCapabilities(_ hal.Surface) *hal.SurfaceCapabilities { return nil }
func (a *fakeAdapter) Destroy()                                                  {}

type fakeBuffer struct{ id int }

func (b *fakeBuffer) Destroy()              {}
func (b *fakeBuffer) NativeHandle() uint64 { return uint64(b.id) }

type fakeTexture struct{ id int }

func (t *fakeTexture) Destroy() {}

type fakeTextureView struct{ id int }

func (v *fakeTextureView) Destroy()              {}
func (v *fakeTextureView) NativeHandle() uint64 { return uint64(v.id) }

type fakeDevice struct {
	nextBufferID  int
	nextTextureID int
	nextViewID    int
	destroyed     map[hal.Buffer]bool
	textureViews  int // count of CreateTextureView calls, for cache-hit assertions
	destroyedTex  map[hal.Texture]bool
	destroyedView map[hal.TextureView]bool
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		destroyed:     map[hal.Buffer]bool{},
		destroyedTex:  map[hal.Texture]bool{},
		destroyedView: map[hal.TextureView]bool{},
	}
}

func (d *fakeDevice) CreateBuffer(desc *hal.BufferDescriptor) (hal.Buffer, error) {
	d.nextBufferID++
	return &fakeBuffer{id: d.nextBufferID}, nil
}
func (d *fakeDevice) DestroyBuffer(b hal.Buffer) { d.destroyed[b] = true }
func (d *fakeDevice) CreateTexture(_ *hal.TextureDescriptor) (hal.Texture, error) {
	d.nextTextureID++
	return &fakeTexture{id: d.nextTextureID}, nil
}
func (d *fakeDevice) DestroyTexture(t hal.Texture) { d.destroyedTex[t] = true }
func (d *fakeDevice) CreateTextureView(_ hal.Texture, _ *hal.TextureViewDescriptor) (hal.TextureView, error) {
	d.nextViewID++
	d.textureViews++
	return &fakeTextureView{id: d.nextViewID}, nil
}
func (d *fakeDevice) DestroyTextureView(v hal.TextureView) { d.destroyedView[v] = true }
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
func (d *fakeDevice) CreateFence() (hal.Fence, error) { return &fakeFence{}, nil }
func (d *fakeDevice) DestroyFence(_ hal.Fence)        {}
func (d *fakeDevice) Wait(_ hal.Fence, _ uint64, _ time.Duration) (bool, error) {
	return true, nil
}
func (d *fakeDevice) Destroy() {}

type fakeFence struct{}

func (f *fakeFence) Destroy() {}

type fakeQueue struct {
	writes []fakeWrite
}

type fakeWrite struct {
	buffer hal.Buffer
	offset uint64
	data   []byte
}

func (q *fakeQueue) Submit(_ []hal.CommandBuffer, _ hal.Fence, _ uint64) error { return nil }
func (q *fakeQueue) WriteBuffer(buffer hal.Buffer, offset uint64, data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	q.writes = append(q.writes, fakeWrite{buffer: buffer, offset: offset, data: cp})
}
func (q *fakeQueue) WriteTexture(_ *hal.ImageCopyTexture, _ []byte, _ *hal.ImageDataLayout, _ *hal.Extent3D) {
}
func (q *fakeQueue) Present(_ hal.Surface, _ hal.SurfaceTexture) error { return nil }
func (q *fakeQueue) GetTimestampPeriod() float32                      { return 1.0 }

func newTestContext(t interface {
	Fatalf(format string, args ...any)
}, devices int, framesInFlight int) *devicectx.Context {
	adapters := make([]hal.ExposedAdapter, devices)
	for i := range adapters {
		adapters[i] = hal.ExposedAdapter{
			Adapter: &fakeAdapter{},
			Info:    types.AdapterInfo{Name: "fake"},
		}
	}
	ctx, err := devicectx.NewContext(&fakeInstance{adapters: adapters}, nil, devicectx.Requirements{
		MultiDevice:    devices > 1,
		FramesInFlight: framesInFlight,
	})
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	return ctx
}

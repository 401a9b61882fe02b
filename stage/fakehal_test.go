// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package stage

import (
	"time"

	"github.com/tauray-gpu/tauray/devicectx"
	"github.com/tauray-gpu/tauray/hal"
	"github.com/tauray-gpu/tauray/types"
)

// fakeInstance/fakeAdapter/fakeDevice/... implement just enough of the hal
// interfaces to exercise the stage framework and its concrete stages
// without a real Vulkan driver, mirroring pipeline's fakehal_test.go.
// fakeCommandEncoder additionally records every texture barrier and copy
// it's asked to encode, so FrameDelay/Tonemap tests can assert on what
// got recorded.

type fakeInstance struct {
	adapters []hal.ExposedAdapter
}

func (i *fakeInstance) CreateSurface(_, _ uintptr) (hal.Surface, error) { return nil, nil }
func (i *fakeInstance) EnumerateAdapters(_ hal.Surface) []hal.ExposedAdapter {
	return i.adapters
}
func (i *fakeInstance) Destroy() {}

type fakeAdapter struct{}

func (a *fakeAdapter) Open(_ types.Features, _ types.Limits) (hal.OpenDevice, error) {
	return hal.OpenDevice{Device: newFakeDevice(), Queue: newFakeQueue()}, nil
}
func (a *fakeAdapter) TextureFormatCapabilities(_ types.TextureFormat) hal.TextureFormatCapabilities {
	return hal.TextureFormatCapabilities{}
}
func (a *fakeAdapter) SurfaceCapabilities(_ hal.Surface) *hal.SurfaceCapabilities { return nil }
func (a *fakeAdapter) Destroy()                                                  {}

type fakeBuffer struct{ id int }

func (b *fakeBuffer) Destroy()             {}
func (b *fakeBuffer) NativeHandle() uint64 { return uint64(b.id) }

type fakeTexture struct{ id int }

func (t *fakeTexture) Destroy() {}

type fakeTextureView struct{ id int }

func (v *fakeTextureView) Destroy()             {}
func (v *fakeTextureView) NativeHandle() uint64 { return uint64(v.id) }

type fakeShaderModule struct{ id int }

func (m *fakeShaderModule) Destroy() {}

type fakeComputePipeline struct{ id int }

func (p *fakeComputePipeline) Destroy() {}

type fakePipelineLayout struct{ id int }

func (l *fakePipelineLayout) Destroy() {}

type fakeBindGroup struct{ id int }

func (g *fakeBindGroup) Destroy() {}

type fakeBindGroupLayout struct{ id int }

func (l *fakeBindGroupLayout) Destroy() {}

type fakeFence struct{ id int }

func (f *fakeFence) Destroy() {}

type fakeDevice struct {
	nextTextureID int
	nextViewID    int
	nextModuleID  int
	nextCompute   int
	nextLayout    int
	nextBG        int
	nextBGL       int
	nextFenceID   int

	waitErr   error
	waitOk    bool
	createErr error

	encoders []*fakeCommandEncoder
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{waitOk: true}
}

func (d *fakeDevice) CreateBuffer(_ *hal.BufferDescriptor) (hal.Buffer, error) { return &fakeBuffer{}, nil }
func (d *fakeDevice) DestroyBuffer(_ hal.Buffer)                              {}
func (d *fakeDevice) CreateTexture(_ *hal.TextureDescriptor) (hal.Texture, error) {
	d.nextTextureID++
	return &fakeTexture{id: d.nextTextureID}, nil
}
func (d *fakeDevice) DestroyTexture(_ hal.Texture) {}
func (d *fakeDevice) CreateTextureView(_ hal.Texture, _ *hal.TextureViewDescriptor) (hal.TextureView, error) {
	d.nextViewID++
	return &fakeTextureView{id: d.nextViewID}, nil
}
func (d *fakeDevice) DestroyTextureView(_ hal.TextureView)                     {}
func (d *fakeDevice) CreateSampler(_ *hal.SamplerDescriptor) (hal.Sampler, error) { return nil, nil }
func (d *fakeDevice) DestroySampler(_ hal.Sampler)                             {}
func (d *fakeDevice) CreateBindGroupLayout(_ *hal.BindGroupLayoutDescriptor) (hal.BindGroupLayout, error) {
	d.nextBGL++
	return &fakeBindGroupLayout{id: d.nextBGL}, nil
}
func (d *fakeDevice) DestroyBindGroupLayout(_ hal.BindGroupLayout) {}
func (d *fakeDevice) CreateBindGroup(_ *hal.BindGroupDescriptor) (hal.BindGroup, error) {
	d.nextBG++
	return &fakeBindGroup{id: d.nextBG}, nil
}
func (d *fakeDevice) DestroyBindGroup(_ hal.BindGroup) {}
func (d *fakeDevice) CreatePipelineLayout(_ *hal.PipelineLayoutDescriptor) (hal.PipelineLayout, error) {
	d.nextLayout++
	return &fakePipelineLayout{id: d.nextLayout}, nil
}
func (d *fakeDevice) DestroyPipelineLayout(_ hal.PipelineLayout) {}
func (d *fakeDevice) CreateShaderModule(_ *hal.ShaderModuleDescriptor) (hal.ShaderModule, error) {
	d.nextModuleID++
	return &fakeShaderModule{id: d.nextModuleID}, nil
}
func (d *fakeDevice) DestroyShaderModule(_ hal.ShaderModule) {}
func (d *fakeDevice) CreateRenderPipeline(_ *hal.RenderPipelineDescriptor) (hal.RenderPipeline, error) {
	return nil, nil
}
func (d *fakeDevice) DestroyRenderPipeline(_ hal.RenderPipeline) {}
func (d *fakeDevice) CreateComputePipeline(_ *hal.ComputePipelineDescriptor) (hal.ComputePipeline, error) {
	d.nextCompute++
	return &fakeComputePipeline{id: d.nextCompute}, nil
}
func (d *fakeDevice) DestroyComputePipeline(_ hal.ComputePipeline) {}
func (d *fakeDevice) CreateCommandEncoder(_ *hal.CommandEncoderDescriptor) (hal.CommandEncoder, error) {
	if d.createErr != nil {
		return nil, d.createErr
	}
	enc := &fakeCommandEncoder{}
	d.encoders = append(d.encoders, enc)
	return enc, nil
}
func (d *fakeDevice) CreateFence() (hal.Fence, error) {
	d.nextFenceID++
	return &fakeFence{id: d.nextFenceID}, nil
}
func (d *fakeDevice) DestroyFence(_ hal.Fence) {}
func (d *fakeDevice) Wait(_ hal.Fence, _ uint64, _ time.Duration) (bool, error) {
	if d.waitErr != nil {
		return false, d.waitErr
	}
	return d.waitOk, nil
}
func (d *fakeDevice) Destroy() {}

type fakeQueue struct {
	submitted [][]hal.CommandBuffer
	submitErr error
}

func newFakeQueue() *fakeQueue { return &fakeQueue{} }

func (q *fakeQueue) Submit(cbs []hal.CommandBuffer, _ hal.Fence, _ uint64) error {
	if q.submitErr != nil {
		return q.submitErr
	}
	q.submitted = append(q.submitted, cbs)
	return nil
}
func (q *fakeQueue) WriteBuffer(_ hal.Buffer, _ uint64, _ []byte) {}
func (q *fakeQueue) WriteTexture(_ *hal.ImageCopyTexture, _ []byte, _ *hal.ImageDataLayout, _ *hal.Extent3D) {
}
func (q *fakeQueue) Present(_ hal.Surface, _ hal.SurfaceTexture) error { return nil }
func (q *fakeQueue) GetTimestampPeriod() float32                      { return 1.0 }

type fakeCommandBuffer struct{ id int }

func (c *fakeCommandBuffer) Destroy() {}

type recordedCopy struct {
	src, dst hal.Texture
}

// fakeCommandEncoder implements hal.CommandEncoder, recording every
// texture barrier, texture copy, and compute dispatch so tests can assert
// on what a stage recorded.
type fakeCommandEncoder struct {
	nextBufID int

	textureBarriers []hal.TextureBarrier
	copies          []recordedCopy
	discarded       bool

	computePasses int
	dispatches    []hal.ComputePassEncoder
}

func (c *fakeCommandEncoder) BeginEncoding(_ string) error { return nil }
func (c *fakeCommandEncoder) EndEncoding() (hal.CommandBuffer, error) {
	c.nextBufID++
	return &fakeCommandBuffer{id: c.nextBufID}, nil
}
func (c *fakeCommandEncoder) DiscardEncoding()               { c.discarded = true }
func (c *fakeCommandEncoder) ResetAll(_ []hal.CommandBuffer) {}
func (c *fakeCommandEncoder) TransitionBuffers(_ []hal.BufferBarrier) {
}
func (c *fakeCommandEncoder) TransitionTextures(barriers []hal.TextureBarrier) {
	c.textureBarriers = append(c.textureBarriers, barriers...)
}
func (c *fakeCommandEncoder) ClearBuffer(_ hal.Buffer, _, _ uint64) {}
func (c *fakeCommandEncoder) CopyBufferToBuffer(_, _ hal.Buffer, _ []hal.BufferCopy) {
}
func (c *fakeCommandEncoder) CopyBufferToTexture(_ hal.Buffer, _ hal.Texture, _ []hal.BufferTextureCopy) {
}
func (c *fakeCommandEncoder) CopyTextureToBuffer(_ hal.Texture, _ hal.Buffer, _ []hal.BufferTextureCopy) {
}
func (c *fakeCommandEncoder) CopyTextureToTexture(src, dst hal.Texture, _ []hal.TextureCopy) {
	c.copies = append(c.copies, recordedCopy{src: src, dst: dst})
}
func (c *fakeCommandEncoder) BeginRenderPass(_ *hal.RenderPassDescriptor) hal.RenderPassEncoder {
	return nil
}
func (c *fakeCommandEncoder) BeginComputePass(_ *hal.ComputePassDescriptor) hal.ComputePassEncoder {
	c.computePasses++
	cp := &fakeComputePassEncoder{}
	c.dispatches = append(c.dispatches, cp)
	return cp
}

type fakeComputePassEncoder struct {
	pipeline    hal.ComputePipeline
	boundGroups map[uint32]hal.BindGroup
	dispatchX   uint32
	dispatchY   uint32
	dispatchZ   uint32
	ended       bool
}

func (c *fakeComputePassEncoder) End() { c.ended = true }
func (c *fakeComputePassEncoder) SetPipeline(p hal.ComputePipeline) {
	c.pipeline = p
}
func (c *fakeComputePassEncoder) SetBindGroup(index uint32, group hal.BindGroup, _ []uint32) {
	if c.boundGroups == nil {
		c.boundGroups = map[uint32]hal.BindGroup{}
	}
	c.boundGroups[index] = group
}
func (c *fakeComputePassEncoder) Dispatch(x, y, z uint32) {
	c.dispatchX, c.dispatchY, c.dispatchZ = x, y, z
}
func (c *fakeComputePassEncoder) DispatchIndirect(_ hal.Buffer, _ uint64) {}

func newTestContext(t interface {
	Fatalf(format string, args ...any)
}, framesInFlight int) *devicectx.Context {
	adapters := []hal.ExposedAdapter{{
		Adapter: &fakeAdapter{},
		Info:    types.AdapterInfo{Name: "fake"},
	}}
	ctx, err := devicectx.NewContext(&fakeInstance{adapters: adapters}, nil, devicectx.Requirements{
		FramesInFlight: framesInFlight,
	})
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	return ctx
}

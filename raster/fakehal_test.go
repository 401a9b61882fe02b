// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package raster

import (
	"time"

	"github.com/gogpu/gputypes"
	"github.com/tauray-gpu/tauray/devicectx"
	"github.com/tauray-gpu/tauray/hal"
	"github.com/tauray-gpu/tauray/types"
)

// fakeInstance/fakeAdapter/fakeDevice/... implement just enough of the hal
// interfaces to exercise Core and ShadowAtlas without a real Vulkan driver,
// mirroring restir's and stage's own fakehal_test.go harnesses. Unlike
// those, BeginRenderPass here returns a genuine fakeRenderPassEncoder so
// draw calls and bind group pushes can be asserted on.

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

type fakeSampler struct{ id int }

func (s *fakeSampler) Destroy() {}

type fakeShaderModule struct{ id int }

func (m *fakeShaderModule) Destroy() {}

type fakeRenderPipeline struct{ id int }

func (p *fakeRenderPipeline) Destroy() {}

type fakePipelineLayout struct{ id int }

func (l *fakePipelineLayout) Destroy() {}

type fakeBindGroup struct{ id int }

func (g *fakeBindGroup) Destroy() {}

type fakeBindGroupLayout struct{ id int }

func (l *fakeBindGroupLayout) Destroy() {}

type fakeFence struct{ id int }

func (f *fakeFence) Destroy() {}

type fakeDevice struct {
	nextBufID     int
	nextTextureID int
	nextViewID    int
	nextSamplerID int
	nextModuleID  int
	nextRender    int
	nextLayout    int
	nextBG        int
	nextBGL       int
	nextFenceID   int

	createErr error

	encoders []*fakeCommandEncoder
}

func newFakeDevice() *fakeDevice { return &fakeDevice{} }

func (d *fakeDevice) CreateBuffer(_ *hal.BufferDescriptor) (hal.Buffer, error) {
	d.nextBufID++
	return &fakeBuffer{id: d.nextBufID}, nil
}
func (d *fakeDevice) DestroyBuffer(_ hal.Buffer) {}
func (d *fakeDevice) CreateTexture(_ *hal.TextureDescriptor) (hal.Texture, error) {
	d.nextTextureID++
	return &fakeTexture{id: d.nextTextureID}, nil
}
func (d *fakeDevice) DestroyTexture(_ hal.Texture) {}
func (d *fakeDevice) CreateTextureView(_ hal.Texture, _ *hal.TextureViewDescriptor) (hal.TextureView, error) {
	d.nextViewID++
	return &fakeTextureView{id: d.nextViewID}, nil
}
func (d *fakeDevice) DestroyTextureView(_ hal.TextureView) {}
func (d *fakeDevice) CreateSampler(_ *hal.SamplerDescriptor) (hal.Sampler, error) {
	d.nextSamplerID++
	return &fakeSampler{id: d.nextSamplerID}, nil
}
func (d *fakeDevice) DestroySampler(_ hal.Sampler) {}
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
	d.nextRender++
	return &fakeRenderPipeline{id: d.nextRender}, nil
}
func (d *fakeDevice) DestroyRenderPipeline(_ hal.RenderPipeline) {}
func (d *fakeDevice) CreateComputePipeline(_ *hal.ComputePipelineDescriptor) (hal.ComputePipeline, error) {
	return nil, nil
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
	return true, nil
}
func (d *fakeDevice) Destroy() {}

type fakeQueue struct {
	submitted [][]hal.CommandBuffer
}

func newFakeQueue() *fakeQueue { return &fakeQueue{} }

func (q *fakeQueue) Submit(cbs []hal.CommandBuffer, _ hal.Fence, _ uint64) error {
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

// fakeCommandEncoder implements hal.CommandEncoder, recording every render
// pass it opens so tests can assert on what Core/ShadowAtlas recorded.
type fakeCommandEncoder struct {
	nextBufID int

	renderPasses []*fakeRenderPassEncoder
}

func (c *fakeCommandEncoder) BeginEncoding(_ string) error { return nil }
func (c *fakeCommandEncoder) EndEncoding() (hal.CommandBuffer, error) {
	c.nextBufID++
	return &fakeCommandBuffer{id: c.nextBufID}, nil
}
func (c *fakeCommandEncoder) DiscardEncoding()                        {}
func (c *fakeCommandEncoder) ResetAll(_ []hal.CommandBuffer)          {}
func (c *fakeCommandEncoder) TransitionBuffers(_ []hal.BufferBarrier) {}
func (c *fakeCommandEncoder) TransitionTextures(_ []hal.TextureBarrier) {
}
func (c *fakeCommandEncoder) ClearBuffer(_ hal.Buffer, _, _ uint64) {}
func (c *fakeCommandEncoder) CopyBufferToBuffer(_, _ hal.Buffer, _ []hal.BufferCopy) {
}
func (c *fakeCommandEncoder) CopyBufferToTexture(_ hal.Buffer, _ hal.Texture, _ []hal.BufferTextureCopy) {
}
func (c *fakeCommandEncoder) CopyTextureToBuffer(_ hal.Texture, _ hal.Buffer, _ []hal.BufferTextureCopy) {
}
func (c *fakeCommandEncoder) CopyTextureToTexture(_, _ hal.Texture, _ []hal.TextureCopy) {}
func (c *fakeCommandEncoder) BeginRenderPass(desc *hal.RenderPassDescriptor) hal.RenderPassEncoder {
	rp := &fakeRenderPassEncoder{desc: desc}
	c.renderPasses = append(c.renderPasses, rp)
	return rp
}
func (c *fakeCommandEncoder) BeginComputePass(_ *hal.ComputePassDescriptor) hal.ComputePassEncoder {
	return nil
}

// fakeDrawCall records one draw issued against a fakeRenderPassEncoder,
// including the bind group and vertex/index buffers bound at the time of
// the call.
type fakeDrawCall struct {
	indexed       bool
	count         uint32
	instanceCount uint32
	firstInstance uint32
	bindGroup     hal.BindGroup
	vertexBuffers map[uint32]hal.Buffer
	indexBuffer   hal.Buffer
}

// fakeRenderPassEncoder implements hal.RenderPassEncoder, tracking every
// pipeline/bind-group/buffer binding and draw call so tests can assert on
// the G-buffer fill and shadow pass' recorded state.
type fakeRenderPassEncoder struct {
	desc *hal.RenderPassDescriptor

	ended    bool
	pipeline hal.RenderPipeline

	boundGroups   map[uint32]hal.BindGroup
	vertexBuffers map[uint32]hal.Buffer
	indexBuffer   hal.Buffer

	draws []fakeDrawCall
}

func (e *fakeRenderPassEncoder) End() { e.ended = true }
func (e *fakeRenderPassEncoder) SetPipeline(p hal.RenderPipeline) {
	e.pipeline = p
}
func (e *fakeRenderPassEncoder) SetBindGroup(index uint32, group hal.BindGroup, _ []uint32) {
	if e.boundGroups == nil {
		e.boundGroups = map[uint32]hal.BindGroup{}
	}
	e.boundGroups[index] = group
}
func (e *fakeRenderPassEncoder) SetVertexBuffer(slot uint32, buf hal.Buffer, _ uint64) {
	if e.vertexBuffers == nil {
		e.vertexBuffers = map[uint32]hal.Buffer{}
	}
	e.vertexBuffers[slot] = buf
}
func (e *fakeRenderPassEncoder) SetIndexBuffer(buf hal.Buffer, _ gputypes.IndexFormat, _ uint64) {
	e.indexBuffer = buf
}
func (e *fakeRenderPassEncoder) SetViewport(_, _, _, _, _, _ float32) {}
func (e *fakeRenderPassEncoder) SetScissorRect(_, _, _, _ uint32)     {}
func (e *fakeRenderPassEncoder) SetBlendConstant(_ *gputypes.Color)   {}
func (e *fakeRenderPassEncoder) SetStencilReference(_ uint32)         {}
func (e *fakeRenderPassEncoder) Draw(vertexCount, instanceCount, _, firstInstance uint32) {
	e.record(false, vertexCount, instanceCount, firstInstance)
}
func (e *fakeRenderPassEncoder) DrawIndexed(indexCount, instanceCount, _ uint32, _ int32, firstInstance uint32) {
	e.record(true, indexCount, instanceCount, firstInstance)
}
func (e *fakeRenderPassEncoder) DrawIndirect(_ hal.Buffer, _ uint64)                {}
func (e *fakeRenderPassEncoder) DrawIndexedIndirect(_ hal.Buffer, _ uint64)         {}
func (e *fakeRenderPassEncoder) ExecuteBundle(_ hal.RenderBundle)                   {}

func (e *fakeRenderPassEncoder) record(indexed bool, count, instanceCount, firstInstance uint32) {
	vbs := make(map[uint32]hal.Buffer, len(e.vertexBuffers))
	for k, v := range e.vertexBuffers {
		vbs[k] = v
	}
	e.draws = append(e.draws, fakeDrawCall{
		indexed:       indexed,
		count:         count,
		instanceCount: instanceCount,
		firstInstance: firstInstance,
		bindGroup:     e.boundGroups[0],
		vertexBuffers: vbs,
		indexBuffer:   e.indexBuffer,
	})
}

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

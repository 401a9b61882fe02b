// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package pipeline

import (
	"time"

	"github.com/gogpu/gputypes"
	"github.com/tauray-gpu/tauray/devicectx"
	"github.com/tauray-gpu/tauray/hal"
	"github.com/tauray-gpu/tauray/types"
)

// fakeInstance/fakeAdapter/fakeDevice/... implement just enough of the hal
// interfaces, plus RayTracingPipelineDevice and
// RayTracingPipelineCommandEncoder, to exercise this package without a real
// Vulkan driver. Mirrors scene's fakehal_test.go, extended with real
// CreateBindGroupLayout/CreateBindGroup objects since pipeline, unlike
// scene, actually inspects what it builds.

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
	return hal.OpenDevice{Device: newFakeDevice(), Queue: &fakeQueue{}}, nil
}
func (a *fakeAdapter) TextureFormatCapabilities(_ types.TextureFormat) hal.TextureFormatCapabilities {
	return hal.TextureFormatCapabilities{}
}
func (a *fakeAdapter) SurfaceCapabilities(_ hal.Surface) *hal.SurfaceCapabilities { return nil }
func (a *fakeAdapter) Destroy()                                                  {}

type fakeBuffer struct {
	id   int
	size uint64
}

func (b *fakeBuffer) Destroy()             {}
func (b *fakeBuffer) NativeHandle() uint64 { return uint64(b.id) }

type fakeSampler struct{ id int }

func (s *fakeSampler) Destroy()             {}
func (s *fakeSampler) NativeHandle() uint64 { return uint64(s.id) }

type fakeTextureView struct{ id int }

func (v *fakeTextureView) Destroy()             {}
func (v *fakeTextureView) NativeHandle() uint64 { return uint64(v.id) }

type fakeShaderModule struct{ id int }

func (m *fakeShaderModule) Destroy() {}

type fakeBindGroupLayout struct {
	id      int
	entries []gputypes.BindGroupLayoutEntry
}

func (l *fakeBindGroupLayout) Destroy() {}

type fakeBindGroup struct {
	id      int
	layout  *fakeBindGroupLayout
	entries []gputypes.BindGroupEntry
}

func (g *fakeBindGroup) Destroy() {}

type fakePipelineLayout struct {
	id                 int
	bindGroupLayouts   []hal.BindGroupLayout
	pushConstantRanges []hal.PushConstantRange
}

func (l *fakePipelineLayout) Destroy() {}

type fakeComputePipeline struct{ id int }

func (p *fakeComputePipeline) Destroy() {}

type fakeRenderPipeline struct{ id int }

func (p *fakeRenderPipeline) Destroy() {}

type fakeRayTracingPipeline struct {
	id         int
	groupCount uint32
}

func (p *fakeRayTracingPipeline) Destroy() {}

type fakeDevice struct {
	nextBufferID       int
	nextSamplerID      int
	nextViewID         int
	nextModuleID       int
	nextBGLID          int
	nextBGID           int
	nextPipelineLayout int
	nextCompute        int
	nextRender         int
	nextRayTracing     int

	createBindGroupLayoutErr error
	createBindGroupErr       error
	createPipelineLayoutErr  error
	createComputeErr         error
	createRenderErr          error
	createRayTracingErr      error

	destroyedBindGroups map[hal.BindGroup]bool
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{destroyedBindGroups: map[hal.BindGroup]bool{}}
}

func (d *fakeDevice) CreateBuffer(desc *hal.BufferDescriptor) (hal.Buffer, error) {
	d.nextBufferID++
	return &fakeBuffer{id: d.nextBufferID, size: desc.Size}, nil
}
func (d *fakeDevice) DestroyBuffer(_ hal.Buffer) {}
func (d *fakeDevice) CreateTexture(_ *hal.TextureDescriptor) (hal.Texture, error) {
	return nil, nil
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

func (d *fakeDevice) CreateBindGroupLayout(desc *hal.BindGroupLayoutDescriptor) (hal.BindGroupLayout, error) {
	if d.createBindGroupLayoutErr != nil {
		return nil, d.createBindGroupLayoutErr
	}
	d.nextBGLID++
	return &fakeBindGroupLayout{id: d.nextBGLID, entries: desc.Entries}, nil
}
func (d *fakeDevice) DestroyBindGroupLayout(_ hal.BindGroupLayout) {}

func (d *fakeDevice) CreateBindGroup(desc *hal.BindGroupDescriptor) (hal.BindGroup, error) {
	if d.createBindGroupErr != nil {
		return nil, d.createBindGroupErr
	}
	d.nextBGID++
	layout, _ := desc.Layout.(*fakeBindGroupLayout)
	return &fakeBindGroup{id: d.nextBGID, layout: layout, entries: desc.Entries}, nil
}
func (d *fakeDevice) DestroyBindGroup(g hal.BindGroup) { d.destroyedBindGroups[g] = true }

func (d *fakeDevice) CreatePipelineLayout(desc *hal.PipelineLayoutDescriptor) (hal.PipelineLayout, error) {
	if d.createPipelineLayoutErr != nil {
		return nil, d.createPipelineLayoutErr
	}
	d.nextPipelineLayout++
	return &fakePipelineLayout{id: d.nextPipelineLayout, bindGroupLayouts: desc.BindGroupLayouts, pushConstantRanges: desc.PushConstantRanges}, nil
}
func (d *fakeDevice) DestroyPipelineLayout(_ hal.PipelineLayout) {}

func (d *fakeDevice) CreateShaderModule(_ *hal.ShaderModuleDescriptor) (hal.ShaderModule, error) {
	d.nextModuleID++
	return &fakeShaderModule{id: d.nextModuleID}, nil
}
func (d *fakeDevice) DestroyShaderModule(_ hal.ShaderModule) {}

func (d *fakeDevice) CreateRenderPipeline(_ *hal.RenderPipelineDescriptor) (hal.RenderPipeline, error) {
	if d.createRenderErr != nil {
		return nil, d.createRenderErr
	}
	d.nextRender++
	return &fakeRenderPipeline{id: d.nextRender}, nil
}
func (d *fakeDevice) DestroyRenderPipeline(_ hal.RenderPipeline) {}

func (d *fakeDevice) CreateComputePipeline(_ *hal.ComputePipelineDescriptor) (hal.ComputePipeline, error) {
	if d.createComputeErr != nil {
		return nil, d.createComputeErr
	}
	d.nextCompute++
	return &fakeComputePipeline{id: d.nextCompute}, nil
}
func (d *fakeDevice) DestroyComputePipeline(_ hal.ComputePipeline) {}

func (d *fakeDevice) CreateCommandEncoder(_ *hal.CommandEncoderDescriptor) (hal.CommandEncoder, error) {
	return &fakeCommandEncoder{device: d}, nil
}
func (d *fakeDevice) CreateFence() (hal.Fence, error) { return &fakeFence{}, nil }
func (d *fakeDevice) DestroyFence(_ hal.Fence)        {}
func (d *fakeDevice) Wait(_ hal.Fence, _ uint64, _ time.Duration) (bool, error) {
	return true, nil
}
func (d *fakeDevice) Destroy() {}

// RayTracingPipelineDevice capability methods.

func (d *fakeDevice) ShaderGroupHandleProperties() hal.ShaderGroupHandleProperties {
	return hal.ShaderGroupHandleProperties{HandleSize: 32, BaseAlignment: 64, HandleAlignment: 32}
}

func (d *fakeDevice) CreateRayTracingPipeline(desc *hal.RayTracingPipelineDescriptor) (hal.RayTracingPipeline, error) {
	if d.createRayTracingErr != nil {
		return nil, d.createRayTracingErr
	}
	d.nextRayTracing++
	return &fakeRayTracingPipeline{id: d.nextRayTracing, groupCount: uint32(len(desc.Groups))}, nil
}

func (d *fakeDevice) DestroyRayTracingPipeline(_ hal.RayTracingPipeline) {}

func (d *fakeDevice) GetShaderGroupHandles(p hal.RayTracingPipeline, firstGroup, groupCount uint32) ([]byte, error) {
	handleSize := 32
	buf := make([]byte, int(groupCount)*handleSize)
	rp := p.(*fakeRayTracingPipeline)
	for i := uint32(0); i < groupCount; i++ {
		group := firstGroup + i
		// Fill each handle with a distinct byte so tests can tell groups
		// apart after SBT packing.
		for b := 0; b < handleSize; b++ {
			buf[int(i)*handleSize+b] = byte(rp.id*16 + int(group) + 1)
		}
	}
	return buf, nil
}

type fakeFence struct{}

func (f *fakeFence) Destroy() {}

type fakeQueue struct {
	lastBuffer hal.Buffer
	lastOffset uint64
	lastData   []byte
}

func (q *fakeQueue) Submit(_ []hal.CommandBuffer, _ hal.Fence, _ uint64) error { return nil }
func (q *fakeQueue) WriteBuffer(buf hal.Buffer, offset uint64, data []byte) {
	q.lastBuffer = buf
	q.lastOffset = offset
	q.lastData = append([]byte(nil), data...)
}
func (q *fakeQueue) WriteTexture(_ *hal.ImageCopyTexture, _ []byte, _ *hal.ImageDataLayout, _ *hal.Extent3D) {
}
func (q *fakeQueue) Present(_ hal.Surface, _ hal.SurfaceTexture) error { return nil }
func (q *fakeQueue) GetTimestampPeriod() float32                      { return 1.0 }

type fakeCommandBuffer struct{}

func (c *fakeCommandBuffer) Destroy() {}

// fakeCommandEncoder implements hal.CommandEncoder (mostly no-ops) plus
// hal.RayTracingPipelineCommandEncoder.
type fakeCommandEncoder struct {
	device *fakeDevice

	boundPipeline hal.RayTracingPipeline
	boundGroups   map[uint32]hal.BindGroup
	traceCalls    int
}

func (c *fakeCommandEncoder) BeginEncoding(_ string) error { return nil }
func (c *fakeCommandEncoder) EndEncoding() (hal.CommandBuffer, error) {
	return &fakeCommandBuffer{}, nil
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
func (c *fakeCommandEncoder) CopyTextureToTexture(_, _ hal.Texture, _ []hal.TextureCopy) {
}
func (c *fakeCommandEncoder) BeginRenderPass(_ *hal.RenderPassDescriptor) hal.RenderPassEncoder {
	return nil
}
func (c *fakeCommandEncoder) BeginComputePass(_ *hal.ComputePassDescriptor) hal.ComputePassEncoder {
	return nil
}

// RayTracingPipelineCommandEncoder capability methods.

func (c *fakeCommandEncoder) SetRayTracingPipeline(p hal.RayTracingPipeline) {
	c.boundPipeline = p
}

func (c *fakeCommandEncoder) SetBindGroup(index uint32, group hal.BindGroup, _ []uint32) {
	if c.boundGroups == nil {
		c.boundGroups = map[uint32]hal.BindGroup{}
	}
	c.boundGroups[index] = group
}

func (c *fakeCommandEncoder) TraceRays(_, _, _, _ hal.ShaderBindingTableRegion, _, _, _ uint32) {
	c.traceCalls++
}

func newTestContext(t interface {
	Fatalf(format string, args ...any)
}, framesInFlight int) *devicectx.Context {
	adapters := []hal.ExposedAdapter{{
		Adapter:  &fakeAdapter{},
		Info:     types.AdapterInfo{Name: "fake"},
		Features: types.FeatureRayTracingPipeline | types.FeatureAccelerationStructure,
	}}
	ctx, err := devicectx.NewContext(&fakeInstance{adapters: adapters}, nil, devicectx.Requirements{
		FramesInFlight:    framesInFlight,
		RequireRayTracing: true,
	})
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	return ctx
}

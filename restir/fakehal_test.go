// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package restir

import (
	"time"

	"github.com/tauray-gpu/tauray/devicectx"
	"github.com/tauray-gpu/tauray/hal"
	"github.com/tauray-gpu/tauray/types"
)

// fakeInstance/fakeAdapter/fakeDevice/... implement just enough of the hal
// interfaces to exercise Core without a real Vulkan driver, mirroring
// stage's and pipeline's own fakehal_test.go harnesses.

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

type fakeAccelStruct struct {
	id      int
	address uint64
}

func (a *fakeAccelStruct) Destroy()              {}
func (a *fakeAccelStruct) DeviceAddress() uint64 { return a.address }

type fakeRayTracingPipeline struct {
	id         int
	groupCount uint32
}

func (p *fakeRayTracingPipeline) Destroy() {}

type fakeDevice struct {
	nextBufID     int
	nextTextureID int
	nextViewID    int
	nextModuleID  int
	nextCompute   int
	nextLayout    int
	nextBG        int
	nextBGL       int
	nextFenceID   int
	nextASID      int
	nextRayTracing int

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
func (d *fakeDevice) DestroyTextureView(_ hal.TextureView)                        {}
func (d *fakeDevice) CreateSampler(_ *hal.SamplerDescriptor) (hal.Sampler, error) { return nil, nil }
func (d *fakeDevice) DestroySampler(_ hal.Sampler)                                {}
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
	return true, nil
}
func (d *fakeDevice) Destroy() {}

// RayTracingDevice capability methods (acceleration structures).

func (d *fakeDevice) GetAccelerationStructureBuildSizes(_ hal.AccelerationStructureLevel, _ hal.AccelerationStructureBuildFlags, geometries []hal.AccelerationStructureGeometry, primitiveCounts []uint32) hal.AccelerationStructureBuildSizes {
	var prims uint64
	for _, c := range primitiveCounts {
		prims += uint64(c)
	}
	return hal.AccelerationStructureBuildSizes{
		AccelerationStructureSize: 256 + prims*16,
		BuildScratchSize:          1024,
		UpdateScratchSize:         512,
	}
}

func (d *fakeDevice) CreateAccelerationStructure(desc *hal.AccelerationStructureDescriptor) (hal.AccelerationStructure, error) {
	d.nextASID++
	return &fakeAccelStruct{id: d.nextASID, address: uint64(0x1000 + d.nextASID)}, nil
}

func (d *fakeDevice) DestroyAccelerationStructure(_ hal.AccelerationStructure) {}

func (d *fakeDevice) CreateQuerySet(_ *hal.QuerySetDescriptor) (hal.QuerySet, error) { return nil, nil }
func (d *fakeDevice) DestroyQuerySet(_ hal.QuerySet)                                 {}
func (d *fakeDevice) ReadQuerySetResults(_ hal.QuerySet, _, queryCount uint32) ([]uint64, error) {
	return make([]uint64, queryCount), nil
}

// RayTracingPipelineDevice capability methods.

func (d *fakeDevice) ShaderGroupHandleProperties() hal.ShaderGroupHandleProperties {
	return hal.ShaderGroupHandleProperties{HandleSize: 32, BaseAlignment: 64, HandleAlignment: 32}
}

func (d *fakeDevice) CreateRayTracingPipeline(desc *hal.RayTracingPipelineDescriptor) (hal.RayTracingPipeline, error) {
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
		for b := 0; b < handleSize; b++ {
			buf[int(i)*handleSize+b] = byte(rp.id*16 + int(group) + 1)
		}
	}
	return buf, nil
}

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

// fakeCommandEncoder implements hal.CommandEncoder, recording compute
// dispatches so tests can assert on what Core recorded.
type fakeCommandEncoder struct {
	nextBufID int

	clears        int
	computePasses int
	dispatches    []*fakeComputePassEncoder

	builds []hal.AccelerationStructureBuildInfo

	rtPipeline  hal.RayTracingPipeline
	rtGroups    map[uint32]hal.BindGroup
	traceCalls  int
	lastTraceWH [2]uint32
}

func (c *fakeCommandEncoder) BeginEncoding(_ string) error { return nil }
func (c *fakeCommandEncoder) EndEncoding() (hal.CommandBuffer, error) {
	c.nextBufID++
	return &fakeCommandBuffer{id: c.nextBufID}, nil
}
func (c *fakeCommandEncoder) DiscardEncoding()                         {}
func (c *fakeCommandEncoder) ResetAll(_ []hal.CommandBuffer)           {}
func (c *fakeCommandEncoder) TransitionBuffers(_ []hal.BufferBarrier)  {}
func (c *fakeCommandEncoder) TransitionTextures(_ []hal.TextureBarrier) {}
func (c *fakeCommandEncoder) ClearBuffer(_ hal.Buffer, _, _ uint64)    { c.clears++ }
func (c *fakeCommandEncoder) CopyBufferToBuffer(_, _ hal.Buffer, _ []hal.BufferCopy) {
}
func (c *fakeCommandEncoder) CopyBufferToTexture(_ hal.Buffer, _ hal.Texture, _ []hal.BufferTextureCopy) {
}
func (c *fakeCommandEncoder) CopyTextureToBuffer(_ hal.Texture, _ hal.Buffer, _ []hal.BufferTextureCopy) {
}
func (c *fakeCommandEncoder) CopyTextureToTexture(_, _ hal.Texture, _ []hal.TextureCopy) {}
func (c *fakeCommandEncoder) BeginRenderPass(_ *hal.RenderPassDescriptor) hal.RenderPassEncoder {
	return nil
}
func (c *fakeCommandEncoder) BeginComputePass(_ *hal.ComputePassDescriptor) hal.ComputePassEncoder {
	c.computePasses++
	cp := &fakeComputePassEncoder{}
	c.dispatches = append(c.dispatches, cp)
	return cp
}

// RayTracingCommandEncoder capability methods.

func (c *fakeCommandEncoder) BuildAccelerationStructures(builds []hal.AccelerationStructureBuildInfo) {
	c.builds = append(c.builds, builds...)
}
func (c *fakeCommandEncoder) WriteAccelerationStructuresCompactedSize(_ []hal.AccelerationStructure, _ hal.QuerySet, _ uint32) {
}
func (c *fakeCommandEncoder) CopyAccelerationStructureCompact(_, _ hal.AccelerationStructure) {}
func (c *fakeCommandEncoder) CloneAccelerationStructure(_, _ hal.AccelerationStructure)       {}

// RayTracingPipelineCommandEncoder capability methods.

func (c *fakeCommandEncoder) SetRayTracingPipeline(p hal.RayTracingPipeline) {
	c.rtPipeline = p
}
func (c *fakeCommandEncoder) SetBindGroup(index uint32, group hal.BindGroup, _ []uint32) {
	if c.rtGroups == nil {
		c.rtGroups = map[uint32]hal.BindGroup{}
	}
	c.rtGroups[index] = group
}
func (c *fakeCommandEncoder) TraceRays(_, _, _, _ hal.ShaderBindingTableRegion, width, height, _ uint32) {
	c.traceCalls++
	c.lastTraceWH = [2]uint32{width, height}
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

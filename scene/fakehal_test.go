// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package scene

import (
	"time"

	"github.com/tauray-gpu/tauray/devicectx"
	"github.com/tauray-gpu/tauray/hal"
	"github.com/tauray-gpu/tauray/types"
)

// fakeInstance/fakeAdapter/fakeDevice/fakeQueue/fakeFence/fakeCommandEncoder
// implement just enough of the hal interfaces, plus the RayTracingDevice and
// RayTracingCommandEncoder capability interfaces, to exercise Scene without
// a real Vulkan driver. Mirrors accel's fakehal_test.go.

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

type fakeBuffer struct{ id int }

func (b *fakeBuffer) Destroy()              {}
func (b *fakeBuffer) NativeHandle() uint64 { return uint64(b.id) }

type fakeAccelStruct struct {
	id      int
	level   hal.AccelerationStructureLevel
	address uint64
}

func (a *fakeAccelStruct) Destroy()              {}
func (a *fakeAccelStruct) DeviceAddress() uint64 { return a.address }

type fakeQuerySet struct{ id int }

func (q *fakeQuerySet) Destroy() {}

type fakeDevice struct {
	nextBufferID int
	nextASID     int
	nextQuerySet int

	destroyedBuffers map[hal.Buffer]bool
	destroyedAS      map[hal.AccelerationStructure]bool
	destroyedQuery   map[hal.QuerySet]bool

	buildCalls    int
	compactCopies int
	cloneCopies   int

	queryResults map[hal.QuerySet][]uint64
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		destroyedBuffers: map[hal.Buffer]bool{},
		destroyedAS:      map[hal.AccelerationStructure]bool{},
		destroyedQuery:   map[hal.QuerySet]bool{},
		queryResults:     map[hal.QuerySet][]uint64{},
	}
}

func (d *fakeDevice) CreateBuffer(_ *hal.BufferDescriptor) (hal.Buffer, error) {
	d.nextBufferID++
	return &fakeBuffer{id: d.nextBufferID}, nil
}
func (d *fakeDevice) DestroyBuffer(b hal.Buffer) { d.destroyedBuffers[b] = true }
func (d *fakeDevice) CreateTexture(_ *hal.TextureDescriptor) (hal.Texture, error) {
	return nil, nil
}
func (d *fakeDevice) DestroyTexture(_ hal.Texture) {}
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
	return &fakeCommandEncoder{device: d}, nil
}
func (d *fakeDevice) CreateFence() (hal.Fence, error) { return &fakeFence{}, nil }
func (d *fakeDevice) DestroyFence(_ hal.Fence)        {}
func (d *fakeDevice) Wait(_ hal.Fence, _ uint64, _ time.Duration) (bool, error) {
	return true, nil
}
func (d *fakeDevice) Destroy() {}

// RayTracingDevice capability methods.

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
	return &fakeAccelStruct{id: d.nextASID, level: desc.Level, address: uint64(0x1000 + d.nextASID)}, nil
}

func (d *fakeDevice) DestroyAccelerationStructure(as hal.AccelerationStructure) {
	d.destroyedAS[as] = true
}

func (d *fakeDevice) CreateQuerySet(_ *hal.QuerySetDescriptor) (hal.QuerySet, error) {
	d.nextQuerySet++
	return &fakeQuerySet{id: d.nextQuerySet}, nil
}

func (d *fakeDevice) DestroyQuerySet(qs hal.QuerySet) { d.destroyedQuery[qs] = true }

func (d *fakeDevice) ReadQuerySetResults(qs hal.QuerySet, _, queryCount uint32) ([]uint64, error) {
	if results, ok := d.queryResults[qs]; ok {
		return results, nil
	}
	return make([]uint64, queryCount), nil
}

type fakeFence struct{}

func (f *fakeFence) Destroy() {}

type fakeQueue struct{}

func (q *fakeQueue) Submit(_ []hal.CommandBuffer, _ hal.Fence, _ uint64) error { return nil }
func (q *fakeQueue) WriteBuffer(_ hal.Buffer, _ uint64, _ []byte)              {}
func (q *fakeQueue) WriteTexture(_ *hal.ImageCopyTexture, _ []byte, _ *hal.ImageDataLayout, _ *hal.Extent3D) {
}
func (q *fakeQueue) Present(_ hal.Surface, _ hal.SurfaceTexture) error { return nil }
func (q *fakeQueue) GetTimestampPeriod() float32                      { return 1.0 }

type fakeCommandBuffer struct{}

func (c *fakeCommandBuffer) Destroy() {}

// fakeCommandEncoder implements hal.CommandEncoder (mostly no-ops, since
// scene never calls the raster/compute-pass methods) plus
// hal.RayTracingCommandEncoder.
type fakeCommandEncoder struct {
	device *fakeDevice

	builds        []hal.AccelerationStructureBuildInfo
	compactedSize []hal.AccelerationStructure
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

// RayTracingCommandEncoder capability methods.

func (c *fakeCommandEncoder) BuildAccelerationStructures(builds []hal.AccelerationStructureBuildInfo) {
	c.device.buildCalls++
	c.builds = append(c.builds, builds...)
}

func (c *fakeCommandEncoder) WriteAccelerationStructuresCompactedSize(structures []hal.AccelerationStructure, _ hal.QuerySet, _ uint32) {
	c.compactedSize = append(c.compactedSize, structures...)
}

func (c *fakeCommandEncoder) CopyAccelerationStructureCompact(_, _ hal.AccelerationStructure) {
	c.device.compactCopies++
}

func (c *fakeCommandEncoder) CloneAccelerationStructure(_, _ hal.AccelerationStructure) {
	c.device.cloneCopies++
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

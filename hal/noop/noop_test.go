// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package noop_test

import (
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/tauray-gpu/tauray/hal"
	"github.com/tauray-gpu/tauray/hal/noop"
	"github.com/tauray-gpu/tauray/types"
)

func TestNoopBackendVariant(t *testing.T) {
	api := noop.API{}
	if api.Variant() != types.BackendEmpty {
		t.Errorf("expected BackendEmpty, got %v", api.Variant())
	}
}

func TestNoopCreateInstance_NilDescriptor(t *testing.T) {
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	defer instance.Destroy()
	if instance == nil {
		t.Fatal("expected non-nil instance")
	}
}

func TestNoopEnumerateAdapters(t *testing.T) {
	instance, _ := noop.API{}.CreateInstance(nil)
	defer instance.Destroy()

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		t.Fatal("expected at least one adapter")
	}

	ea := adapters[0]
	if ea.Adapter == nil {
		t.Fatal("expected non-nil adapter")
	}
	if ea.Info.Backend != types.BackendEmpty {
		t.Errorf("expected backend BackendEmpty, got %v", ea.Info.Backend)
	}
	want := types.FeatureRayTracingPipeline | types.FeatureAccelerationStructure
	if !ea.Features.ContainsAll(want) {
		t.Errorf("expected noop adapter to report ray tracing features, got %v", ea.Features)
	}
}

func TestNoopSurfaceCapabilitiesNonNil(t *testing.T) {
	instance, _ := noop.API{}.CreateInstance(nil)
	defer instance.Destroy()
	surface, _ := instance.CreateSurface(0, 0)
	defer surface.Destroy()

	adapters := instance.EnumerateAdapters(surface)
	caps := adapters[0].Adapter.SurfaceCapabilities(surface)
	if caps == nil {
		t.Fatal("expected non-nil surface capabilities")
	}
	if len(caps.Formats) == 0 {
		t.Error("expected at least one supported format")
	}
}

func openDevice(t *testing.T) (hal.Device, hal.Queue, func()) {
	t.Helper()
	instance, _ := noop.API{}.CreateInstance(nil)
	adapters := instance.EnumerateAdapters(nil)
	opened, err := adapters[0].Adapter.Open(0, types.DefaultLimits())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return opened.Device, opened.Queue, func() {
		opened.Device.Destroy()
		instance.Destroy()
	}
}

func TestNoopBufferNativeHandlesAreDistinct(t *testing.T) {
	device, _, cleanup := openDevice(t)
	defer cleanup()

	a, _ := device.CreateBuffer(&hal.BufferDescriptor{Size: 64})
	b, _ := device.CreateBuffer(&hal.BufferDescriptor{Size: 64})
	if a.NativeHandle() == b.NativeHandle() {
		t.Error("expected distinct buffers to report distinct native handles")
	}
}

func TestNoopWriteBufferDoesNotPanic(t *testing.T) {
	device, queue, cleanup := openDevice(t)
	defer cleanup()

	buf, _ := device.CreateBuffer(&hal.BufferDescriptor{
		Size:             16,
		Usage:            gputypes.BufferUsageCopyDst,
		MappedAtCreation: true,
	})
	defer device.DestroyBuffer(buf)

	queue.WriteBuffer(buf, 4, []byte{1, 2, 3, 4})
}

func TestNoopFenceSignalAndWait(t *testing.T) {
	device, queue, cleanup := openDevice(t)
	defer cleanup()

	fence, _ := device.CreateFence()
	defer device.DestroyFence(fence)

	reached, err := device.Wait(fence, 5, time.Millisecond)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if reached {
		t.Error("expected fence not yet signaled to value 5")
	}

	if err := queue.Submit(nil, fence, 5); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	reached, err = device.Wait(fence, 5, time.Millisecond)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if !reached {
		t.Error("expected fence signaled to value 5 after Submit")
	}
}

func TestNoopRenderPassEncoding(t *testing.T) {
	device, _, cleanup := openDevice(t)
	defer cleanup()

	encoder, err := device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "test"})
	if err != nil {
		t.Fatalf("CreateCommandEncoder failed: %v", err)
	}
	if err := encoder.BeginEncoding("test"); err != nil {
		t.Fatalf("BeginEncoding failed: %v", err)
	}

	rp := encoder.BeginRenderPass(&hal.RenderPassDescriptor{})
	rp.Draw(3, 1, 0, 0)
	rp.End()

	cb, err := encoder.EndEncoding()
	if err != nil {
		t.Fatalf("EndEncoding failed: %v", err)
	}
	if cb == nil {
		t.Fatal("expected non-nil command buffer")
	}
}

func TestNoopAccelerationStructureLifecycle(t *testing.T) {
	device, _, cleanup := openDevice(t)
	defer cleanup()

	rtDevice, ok := device.(hal.RayTracingDevice)
	if !ok {
		t.Fatal("expected noop device to implement hal.RayTracingDevice")
	}

	sizes := rtDevice.GetAccelerationStructureBuildSizes(
		hal.AccelerationStructureLevelBottom,
		hal.AccelerationStructureBuildFlagPreferFastTrace,
		nil,
		[]uint32{1024},
	)
	if sizes.AccelerationStructureSize == 0 {
		t.Error("expected non-zero acceleration structure size")
	}

	buf, _ := device.CreateBuffer(&hal.BufferDescriptor{Size: sizes.AccelerationStructureSize})
	defer device.DestroyBuffer(buf)

	as, err := rtDevice.CreateAccelerationStructure(&hal.AccelerationStructureDescriptor{
		Level:  hal.AccelerationStructureLevelBottom,
		Buffer: buf,
		Size:   sizes.AccelerationStructureSize,
	})
	if err != nil {
		t.Fatalf("CreateAccelerationStructure failed: %v", err)
	}
	defer rtDevice.DestroyAccelerationStructure(as)

	if as.DeviceAddress() == 0 {
		t.Error("expected non-zero device address")
	}

	as2, _ := rtDevice.CreateAccelerationStructure(&hal.AccelerationStructureDescriptor{Level: hal.AccelerationStructureLevelBottom})
	defer rtDevice.DestroyAccelerationStructure(as2)
	if as.DeviceAddress() == as2.DeviceAddress() {
		t.Error("expected distinct acceleration structures to report distinct device addresses")
	}
}

func TestNoopRayTracingPipelineAndEncoder(t *testing.T) {
	device, _, cleanup := openDevice(t)
	defer cleanup()

	rtpDevice, ok := device.(hal.RayTracingPipelineDevice)
	if !ok {
		t.Fatal("expected noop device to implement hal.RayTracingPipelineDevice")
	}

	props := rtpDevice.ShaderGroupHandleProperties()
	if props.HandleSize == 0 {
		t.Error("expected non-zero shader group handle size")
	}

	pipeline, err := rtpDevice.CreateRayTracingPipeline(&hal.RayTracingPipelineDescriptor{
		Groups: []hal.RayTracingShaderGroup{{Type: hal.RayTracingShaderGroupGeneral}},
	})
	if err != nil {
		t.Fatalf("CreateRayTracingPipeline failed: %v", err)
	}
	defer rtpDevice.DestroyRayTracingPipeline(pipeline)

	handles, err := rtpDevice.GetShaderGroupHandles(pipeline, 0, 1)
	if err != nil {
		t.Fatalf("GetShaderGroupHandles failed: %v", err)
	}
	if uint32(len(handles)) != props.HandleSize {
		t.Errorf("expected %d handle bytes, got %d", props.HandleSize, len(handles))
	}

	encoder, _ := device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{})
	rtEncoder, ok := encoder.(hal.RayTracingPipelineCommandEncoder)
	if !ok {
		t.Fatal("expected noop command encoder to implement hal.RayTracingPipelineCommandEncoder")
	}
	rtEncoder.SetRayTracingPipeline(pipeline)
	rtEncoder.TraceRays(hal.ShaderBindingTableRegion{}, hal.ShaderBindingTableRegion{}, hal.ShaderBindingTableRegion{}, hal.ShaderBindingTableRegion{}, 64, 64, 1)
}

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

// RayTracingStage is one shader module in a RayTracingPipelineDescriptor,
// paired with the hal stage it fills.
type RayTracingStage struct {
	Source     *ShaderSource
	Stage      hal.RayTracingShaderStage
	EntryPoint string
}

// RayTracingPipelineDescriptor describes a ray tracing pipeline's stages,
// shader groups, and recursion depth. The order of Groups does not matter:
// the shader binding table is laid out as raygen, then hit groups, then
// miss, from the indices in RaygenGroup, HitGroups, and MissGroups.
type RayTracingPipelineDescriptor struct {
	Stages            []RayTracingStage
	Groups            []hal.RayTracingShaderGroup
	MaxRecursionDepth uint32

	// RaygenGroup, MissGroups, and HitGroups index into Groups to identify
	// the shader binding table's three regions. RaygenGroup must name
	// exactly one group; MissGroups and HitGroups may each be empty.
	RaygenGroup int
	MissGroups  []int
	HitGroups   []int
}

type rayTracingPipelineDevice struct {
	pipeline hal.RayTracingPipeline
	modules  []hal.ShaderModule
	sbt      hal.Buffer
	raygen   hal.ShaderBindingTableRegion
	miss     hal.ShaderBindingTableRegion
	hit      hal.ShaderBindingTableRegion
}

// RayTracingPipeline is a per-device-replicated ray tracing pipeline plus
// its shader binding table, built the way the original's
// raytracing_pipeline lays one buffer out as {raygen, hit groups, miss},
// each region padded to shaderGroupBaseAlignment.
type RayTracingPipeline struct {
	ctx     *devicectx.Context
	label   string
	devices *devicemask.PerDevice[*rayTracingPipelineDevice]
}

// NewRayTracingPipeline compiles desc's stages, builds a ray tracing
// pipeline for every device in mask, and lays out its shader binding table.
func NewRayTracingPipeline(ctx *devicectx.Context, mask devicemask.Mask, label string, layout *Layout, desc *RayTracingPipelineDescriptor) (*RayTracingPipeline, error) {
	if len(desc.Groups) == 0 {
		return nil, fmt.Errorf("pipeline: ray tracing pipeline %q: no shader groups", label)
	}
	if desc.RaygenGroup < 0 || desc.RaygenGroup >= len(desc.Groups) {
		return nil, fmt.Errorf("pipeline: ray tracing pipeline %q: raygen group %d out of range", label, desc.RaygenGroup)
	}

	devices, err := devicemask.NewPerDevice(mask, func(id devicemask.DeviceID) (*rayTracingPipelineDevice, error) {
		d, ok := ctx.Device(id)
		if !ok {
			return nil, fmt.Errorf("pipeline: device %d not found", id)
		}
		rtDev, ok := d.Device.(hal.RayTracingPipelineDevice)
		if !ok {
			return nil, fmt.Errorf("pipeline: ray tracing pipeline %q: device %d has no ray tracing pipeline support", label, id)
		}
		pl, ok := layout.Handle(id)
		if !ok {
			return nil, fmt.Errorf("pipeline: ray tracing pipeline %q: no layout for device %d", label, id)
		}

		modules := make([]hal.ShaderModule, len(desc.Stages))
		stages := make([]hal.RayTracingPipelineStage, len(desc.Stages))
		for i, s := range desc.Stages {
			mod, err := s.Source.Module(d.Device)
			if err != nil {
				destroyModules(d.Device, modules[:i])
				return nil, fmt.Errorf("pipeline: ray tracing pipeline %q: stage %d: %w", label, i, err)
			}
			modules[i] = mod
			stages[i] = hal.RayTracingPipelineStage{Module: mod, Stage: s.Stage, EntryPoint: s.EntryPoint}
		}

		p, err := rtDev.CreateRayTracingPipeline(&hal.RayTracingPipelineDescriptor{
			Label:             label,
			Layout:            pl,
			Stages:            stages,
			Groups:            desc.Groups,
			MaxRecursionDepth: desc.MaxRecursionDepth,
		})
		if err != nil {
			destroyModules(d.Device, modules)
			return nil, fmt.Errorf("pipeline: ray tracing pipeline %q for device %d: %w", label, id, err)
		}

		sbt, raygen, miss, hit, err := buildShaderBindingTable(d, rtDev, p, desc)
		if err != nil {
			rtDev.DestroyRayTracingPipeline(p)
			destroyModules(d.Device, modules)
			return nil, fmt.Errorf("pipeline: ray tracing pipeline %q for device %d: shader binding table: %w", label, id, err)
		}

		return &rayTracingPipelineDevice{
			pipeline: p,
			modules:  modules,
			sbt:      sbt,
			raygen:   raygen,
			miss:     miss,
			hit:      hit,
		}, nil
	})
	if err != nil {
		closeRayTracingPipelineDevices(ctx, devices)
		return nil, err
	}

	return &RayTracingPipeline{ctx: ctx, label: label, devices: devices}, nil
}

func closeRayTracingPipelineDevices(ctx *devicectx.Context, devices *devicemask.PerDevice[*rayTracingPipelineDevice]) {
	devices.Close(func(id devicemask.DeviceID, dd *rayTracingPipelineDevice) {
		if dd == nil {
			return
		}
		d, ok := ctx.Device(id)
		if !ok {
			return
		}
		if rtDev, ok := d.Device.(hal.RayTracingPipelineDevice); ok && dd.pipeline != nil {
			rtDev.DestroyRayTracingPipeline(dd.pipeline)
		}
		destroyModules(d.Device, dd.modules)
		if dd.sbt != nil {
			d.Device.DestroyBuffer(dd.sbt)
		}
	})
}

func destroyModules(device hal.Device, modules []hal.ShaderModule) {
	for _, m := range modules {
		if m != nil {
			device.DestroyShaderModule(m)
		}
	}
}

// alignUp rounds v up to the next multiple of align. align must be a power
// of two, as every Vulkan alignment this module deals with is.
func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

func buildShaderBindingTable(d *devicectx.Device, rtDev hal.RayTracingPipelineDevice, p hal.RayTracingPipeline, desc *RayTracingPipelineDescriptor) (hal.Buffer, hal.ShaderBindingTableRegion, hal.ShaderBindingTableRegion, hal.ShaderBindingTableRegion, error) {
	props := rtDev.ShaderGroupHandleProperties()
	handles, err := rtDev.GetShaderGroupHandles(p, 0, uint32(len(desc.Groups)))
	if err != nil {
		return nil, hal.ShaderBindingTableRegion{}, hal.ShaderBindingTableRegion{}, hal.ShaderBindingTableRegion{}, fmt.Errorf("shader group handles: %w", err)
	}
	handleStride := alignUp(uint64(props.HandleSize), uint64(props.HandleAlignment))

	regionSize := func(groupCount int) uint64 {
		if groupCount == 0 {
			return 0
		}
		return alignUp(uint64(groupCount)*handleStride, uint64(props.BaseAlignment))
	}

	raygenSize := regionSize(1)
	hitSize := regionSize(len(desc.HitGroups))
	missSize := regionSize(len(desc.MissGroups))
	total := raygenSize + hitSize + missSize

	host := make([]byte, total)
	copyGroup := func(dst []byte, group int) {
		src := handles[uint64(group)*uint64(props.HandleSize) : uint64(group+1)*uint64(props.HandleSize)]
		copy(dst, src)
	}

	copyGroup(host[0:], desc.RaygenGroup)
	hitOffset := raygenSize
	for i, g := range desc.HitGroups {
		copyGroup(host[hitOffset+uint64(i)*handleStride:], g)
	}
	missOffset := raygenSize + hitSize
	for i, g := range desc.MissGroups {
		copyGroup(host[missOffset+uint64(i)*handleStride:], g)
	}

	buf, err := d.Device.CreateBuffer(&hal.BufferDescriptor{
		Label: "shader-binding-table",
		Size:  total,
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, hal.ShaderBindingTableRegion{}, hal.ShaderBindingTableRegion{}, hal.ShaderBindingTableRegion{}, fmt.Errorf("sbt buffer: %w", err)
	}
	d.Queue.WriteBuffer(buf, 0, host)

	raygen := hal.ShaderBindingTableRegion{Buffer: buf, Offset: 0, Stride: handleStride, Size: raygenSize}
	hit := hal.ShaderBindingTableRegion{Buffer: buf, Offset: hitOffset, Stride: handleStride, Size: hitSize}
	miss := hal.ShaderBindingTableRegion{Buffer: buf, Offset: missOffset, Stride: handleStride, Size: missSize}
	return buf, raygen, miss, hit, nil
}

// Handle returns id's built ray tracing pipeline.
func (p *RayTracingPipeline) Handle(id devicemask.DeviceID) (hal.RayTracingPipeline, bool) {
	dd, ok := p.devices.Get(id)
	if !ok {
		return nil, false
	}
	return dd.pipeline, true
}

// ShaderBindingTable returns id's raygen, miss, and hit regions, ready to
// pass to RayTracingPipelineCommandEncoder.TraceRays. The callable region
// is always the zero value: no pipeline built by this module uses
// callable shaders.
func (p *RayTracingPipeline) ShaderBindingTable(id devicemask.DeviceID) (raygen, miss, hit hal.ShaderBindingTableRegion, ok bool) {
	dd, ok := p.devices.Get(id)
	if !ok {
		return hal.ShaderBindingTableRegion{}, hal.ShaderBindingTableRegion{}, hal.ShaderBindingTableRegion{}, false
	}
	return dd.raygen, dd.miss, dd.hit, true
}

// Close destroys every device's pipeline, shader modules, and shader
// binding table buffer.
func (p *RayTracingPipeline) Close() {
	closeRayTracingPipelineDevices(p.ctx, p.devices)
}

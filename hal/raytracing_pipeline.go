// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package hal

// RayTracingShaderStage identifies which VkShaderStageFlagBitsKHR a ray
// tracing shader module fills when referenced from a
// RayTracingPipelineDescriptor.
type RayTracingShaderStage uint32

const (
	RayTracingShaderStageRaygen RayTracingShaderStage = iota
	RayTracingShaderStageMiss
	RayTracingShaderStageClosestHit
	RayTracingShaderStageAnyHit
	RayTracingShaderStageIntersection
	RayTracingShaderStageCallable
)

// RayTracingShaderGroupType selects how a VkRayTracingShaderGroupCreateInfoKHR
// entry combines the stage indices below into one shader group handle.
type RayTracingShaderGroupType uint32

const (
	// RayTracingShaderGroupGeneral wraps a single raygen, miss, or
	// callable stage.
	RayTracingShaderGroupGeneral RayTracingShaderGroupType = iota
	// RayTracingShaderGroupTrianglesHit wraps a closest-hit and, optionally,
	// an any-hit stage for triangle geometry.
	RayTracingShaderGroupTrianglesHit
	// RayTracingShaderGroupProceduralHit wraps a closest-hit, an
	// intersection stage, and optionally an any-hit stage for AABB
	// geometry.
	RayTracingShaderGroupProceduralHit
)

// RayTracingShaderUnused marks a shader group slot as absent, mirroring
// VK_SHADER_UNUSED_KHR.
const RayTracingShaderUnused = ^uint32(0)

// RayTracingPipelineStage is one entry of
// RayTracingPipelineDescriptor.Stages: a compiled module, the stage it
// fills, and its entry point.
type RayTracingPipelineStage struct {
	Module     ShaderModule
	Stage      RayTracingShaderStage
	EntryPoint string
}

// RayTracingShaderGroup indexes into RayTracingPipelineDescriptor.Stages to
// assemble one shader group handle. Unused slots must be set to
// RayTracingShaderUnused.
type RayTracingShaderGroup struct {
	Type         RayTracingShaderGroupType
	General      uint32
	ClosestHit   uint32
	AnyHit       uint32
	Intersection uint32
}

// RayTracingPipelineDescriptor describes a ray tracing pipeline: the stages
// it was compiled from, how those stages are grouped into shader groups
// (the SBT's rows, in order), and the recursion depth the pipeline commits
// to supporting.
type RayTracingPipelineDescriptor struct {
	Label             string
	Layout            PipelineLayout
	Stages            []RayTracingPipelineStage
	Groups            []RayTracingShaderGroup
	MaxRecursionDepth uint32
}

// RayTracingPipeline is a compiled ray tracing pipeline.
type RayTracingPipeline interface {
	Resource
}

// ShaderGroupHandleProperties reports the device's shader-group-handle
// layout, needed to lay out a shader binding table.
type ShaderGroupHandleProperties struct {
	// HandleSize is the byte size of one opaque shader group handle
	// (VkPhysicalDeviceRayTracingPipelinePropertiesKHR::shaderGroupHandleSize).
	HandleSize uint32

	// BaseAlignment is the alignment every SBT region's start address
	// must satisfy (shaderGroupBaseAlignment).
	BaseAlignment uint32

	// HandleAlignment is the alignment each handle within a region must
	// satisfy (shaderGroupHandleAlignment).
	HandleAlignment uint32
}

// ShaderBindingTableRegion identifies one of the SBT's raygen, hit, miss,
// or callable regions: a sub-range of a single buffer, with the per-entry
// stride the device will walk it with.
type ShaderBindingTableRegion struct {
	Buffer Buffer
	Offset uint64
	Stride uint64
	Size   uint64
}

// RayTracingPipelineDevice is an optional capability interface a Device
// backend implements when it supports the ray tracing pipeline extension.
// Its absence means the device does not support
// FeatureRayTracingPipeline regardless of what was requested at Open time.
type RayTracingPipelineDevice interface {
	// ShaderGroupHandleProperties reports the sizes and alignments needed
	// to build a shader binding table for this device.
	ShaderGroupHandleProperties() ShaderGroupHandleProperties

	// CreateRayTracingPipeline compiles desc's stages and groups into a
	// pipeline object.
	CreateRayTracingPipeline(desc *RayTracingPipelineDescriptor) (RayTracingPipeline, error)

	// DestroyRayTracingPipeline destroys a pipeline created by
	// CreateRayTracingPipeline.
	DestroyRayTracingPipeline(pipeline RayTracingPipeline)

	// GetShaderGroupHandles returns the opaque handle bytes for
	// [firstGroup, firstGroup+groupCount) of p's shader groups, each
	// ShaderGroupHandleProperties.HandleSize bytes long and packed with
	// no padding between them. The caller is responsible for copying
	// them into an aligned shader binding table buffer.
	GetShaderGroupHandles(p RayTracingPipeline, firstGroup, groupCount uint32) ([]byte, error)
}

// RayTracingPipelineCommandEncoder is an optional capability interface a
// CommandEncoder backend implements to bind a ray tracing pipeline and
// issue trace-rays commands. Unlike render and compute work, Vulkan ray
// tracing commands are recorded directly on the command buffer: there is
// no begin/end pass scope, so this interface's SetBindGroup is a sibling
// of RenderPassEncoder's and ComputePassEncoder's rather than a shared
// base, and TraceRays plays the role BeginRenderPass/BeginComputePass plus
// Draw/Dispatch play for the other two pipeline kinds.
type RayTracingPipelineCommandEncoder interface {
	// SetRayTracingPipeline binds the active ray tracing pipeline.
	SetRayTracingPipeline(pipeline RayTracingPipeline)

	// SetBindGroup sets a bind group for the given index, exactly as
	// RenderPassEncoder.SetBindGroup and ComputePassEncoder.SetBindGroup
	// do for their own pipeline kinds.
	SetBindGroup(index uint32, group BindGroup, offsets []uint32)

	// TraceRays dispatches width*height*depth rays using the bound
	// pipeline and the supplied shader binding table regions. callable
	// may be the zero value when the pipeline has no callable shaders.
	TraceRays(raygen, miss, hit, callable ShaderBindingTableRegion, width, height, depth uint32)
}

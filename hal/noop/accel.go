// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package noop

import (
	"sync/atomic"

	"github.com/tauray-gpu/tauray/hal"
)

// GetAccelerationStructureBuildSizes reports a plausible, deterministic
// size so callers sizing BLAS/TLAS backing buffers (accel.BLAS,
// accel.TLAS) get non-zero, monotonically increasing-with-geometry
// numbers without a driver to ask.
func (d *Device) GetAccelerationStructureBuildSizes(_ hal.AccelerationStructureLevel, _ hal.AccelerationStructureBuildFlags, _ []hal.AccelerationStructureGeometry, primitiveCounts []uint32) hal.AccelerationStructureBuildSizes {
	var prims uint64
	for _, c := range primitiveCounts {
		prims += uint64(c)
	}
	return hal.AccelerationStructureBuildSizes{
		AccelerationStructureSize: 256 + prims*16,
		BuildScratchSize:          1024 + prims*8,
		UpdateScratchSize:         512 + prims*4,
	}
}

// CreateAccelerationStructure wraps desc's backing buffer with a synthetic,
// unique device address.
func (d *Device) CreateAccelerationStructure(desc *hal.AccelerationStructureDescriptor) (hal.AccelerationStructure, error) {
	id := atomic.AddUint64(&d.nextASID, 1)
	return &AccelerationStructure{level: desc.Level, address: 0x10000 + id*64}, nil
}

// DestroyAccelerationStructure is a no-op.
func (d *Device) DestroyAccelerationStructure(_ hal.AccelerationStructure) {}

// CreateQuerySet creates a noop query set of the requested size.
func (d *Device) CreateQuerySet(desc *hal.QuerySetDescriptor) (hal.QuerySet, error) {
	return &QuerySet{count: desc.Count}, nil
}

// DestroyQuerySet is a no-op.
func (d *Device) DestroyQuerySet(_ hal.QuerySet) {}

// ReadQuerySetResults returns queryCount zeroed results. A real
// acceleration-structure-compacted-size query reports the size the
// structure would occupy after a compacting copy; the noop backend reports
// zero instead, so a caller driving a compact-if-smaller decision
// (accel.BLAS) sees zero and skips the compacting copy.
func (d *Device) ReadQuerySetResults(_ hal.QuerySet, _, queryCount uint32) ([]uint64, error) {
	return make([]uint64, queryCount), nil
}

// ShaderGroupHandleProperties reports a plausible handle layout: 32-byte
// handles aligned the way Vulkan's VK_SHADER_GROUP_HANDLE_SIZE_KHR and
// shaderGroupBaseAlignment typically come out on desktop drivers.
func (d *Device) ShaderGroupHandleProperties() hal.ShaderGroupHandleProperties {
	return hal.ShaderGroupHandleProperties{HandleSize: 32, BaseAlignment: 64, HandleAlignment: 32}
}

// CreateRayTracingPipeline compiles desc's stages into a placeholder
// pipeline that remembers its group count, so GetShaderGroupHandles can
// bounds-check firstGroup/groupCount against it.
func (d *Device) CreateRayTracingPipeline(desc *hal.RayTracingPipelineDescriptor) (hal.RayTracingPipeline, error) {
	atomic.AddUint64(&d.nextPipeline, 1)
	return &RayTracingPipeline{groupCount: uint32(len(desc.Groups))}, nil
}

// DestroyRayTracingPipeline is a no-op.
func (d *Device) DestroyRayTracingPipeline(_ hal.RayTracingPipeline) {}

// GetShaderGroupHandles returns groupCount*HandleSize zeroed bytes, one
// HandleSize-sized slot per requested group.
func (d *Device) GetShaderGroupHandles(p hal.RayTracingPipeline, firstGroup, groupCount uint32) ([]byte, error) {
	rp, ok := p.(*RayTracingPipeline)
	if ok && firstGroup+groupCount > rp.groupCount {
		groupCount = 0
		if rp.groupCount > firstGroup {
			groupCount = rp.groupCount - firstGroup
		}
	}
	return make([]byte, groupCount*32), nil
}

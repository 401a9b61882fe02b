// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package accel

import (
	"encoding/binary"
	"fmt"
	"math"
	"unsafe"

	"github.com/gogpu/gputypes"
	"github.com/tauray-gpu/tauray/devicectx"
	"github.com/tauray-gpu/tauray/gpures"
	"github.com/tauray-gpu/tauray/hal"
	"github.com/tauray-gpu/tauray/internal/devicemask"
)

// instanceRecord documents the byte layout SetInstances packs by hand:
// VkAccelerationStructureInstanceKHR's row-major 3x4 transform, a packed
// instance/mask/offset/flags word pair, and the referenced BLAS's device
// address.
type instanceRecord struct {
	Transform                    [12]float32
	InstanceCustomIndexAndMask   uint32
	InstanceOffsetAndFlags       uint32
	AccelerationStructureAddress uint64
}

var instanceRecordSize = int(unsafe.Sizeof(instanceRecord{}))

// Instance places one BLAS into a TLAS. The referenced BLAS's per-device
// address is resolved automatically when SetInstances packs the instance
// buffer for each device, so the same Instance slice is valid across every
// device in the TLAS's mask.
type Instance struct {
	BLAS        *BLAS
	Transform   [16]float32
	CustomIndex uint32
	Mask        uint8
	Opaque      bool
}

type tlasDevice struct {
	structure hal.AccelerationStructure
	backing   hal.Buffer
	scratch   hal.Buffer
	address   uint64
}

// TLAS is a per-device-replicated top-level acceleration structure with a
// fixed instance capacity, matching the original's fixed-allocation
// instance buffer: growing past capacity is a hard error rather than a
// silent reallocation, since a TLAS rebuild is issued every frame and must
// not stall on a resize.
type TLAS struct {
	ctx      *devicectx.Context
	mask     devicemask.Mask
	label    string
	capacity int

	instances           *gpures.StagedBuffer
	devices             *devicemask.PerDevice[*tlasDevice]
	instanceCount       int
	updatesSinceRebuild int
}

// NewTLAS allocates the per-device instance buffer and acceleration
// structure for up to capacity instances.
func NewTLAS(ctx *devicectx.Context, mask devicemask.Mask, label string, capacity int) (*TLAS, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("accel: TLAS %q capacity must be positive, got %d", label, capacity)
	}

	instances, err := gpures.NewStagedBuffer(ctx, mask, label+".instances", uint64(capacity)*uint64(instanceRecordSize), gputypes.BufferUsageStorage)
	if err != nil {
		return nil, fmt.Errorf("accel: TLAS %q instance buffer: %w", label, err)
	}

	t := &TLAS{ctx: ctx, mask: mask, label: label, capacity: capacity, instances: instances}

	devices, err := devicemask.NewPerDevice(mask, func(id devicemask.DeviceID) (*tlasDevice, error) {
		d, ok := ctx.Device(id)
		if !ok {
			return nil, fmt.Errorf("accel: device %d not found", id)
		}
		rtDev, ok := d.Device.(hal.RayTracingDevice)
		if !ok {
			return nil, fmt.Errorf("accel: device %d has no acceleration-structure support", id)
		}
		instanceBuf, _ := instances.Target(id)
		geoms := []hal.AccelerationStructureGeometry{{
			Type:           hal.AccelerationStructureGeometryInstances,
			InstanceBuffer: instanceBuf,
			InstanceCount:  uint32(capacity),
		}}
		flags := hal.AccelerationStructureBuildFlagPreferFastTrace | hal.AccelerationStructureBuildFlagAllowUpdate
		sizes := rtDev.GetAccelerationStructureBuildSizes(hal.AccelerationStructureLevelTop, flags, geoms, []uint32{uint32(capacity)})

		backing, err := d.Device.CreateBuffer(&hal.BufferDescriptor{
			Label: label + ".backing",
			Size:  sizes.AccelerationStructureSize,
			Usage: gputypes.BufferUsageStorage,
		})
		if err != nil {
			return nil, fmt.Errorf("accel: TLAS %q backing buffer for device %d: %w", label, id, err)
		}
		structure, err := rtDev.CreateAccelerationStructure(&hal.AccelerationStructureDescriptor{
			Label:  label,
			Level:  hal.AccelerationStructureLevelTop,
			Buffer: backing,
			Size:   sizes.AccelerationStructureSize,
		})
		if err != nil {
			d.Device.DestroyBuffer(backing)
			return nil, fmt.Errorf("accel: TLAS %q create for device %d: %w", label, id, err)
		}
		scratch, err := d.Device.CreateBuffer(&hal.BufferDescriptor{
			Label: label + ".scratch",
			Size:  sizes.BuildScratchSize,
			Usage: gputypes.BufferUsageStorage,
		})
		if err != nil {
			rtDev.DestroyAccelerationStructure(structure)
			d.Device.DestroyBuffer(backing)
			return nil, fmt.Errorf("accel: TLAS %q scratch buffer for device %d: %w", label, id, err)
		}

		return &tlasDevice{
			structure: structure,
			backing:   backing,
			scratch:   scratch,
			address:   structure.DeviceAddress(),
		}, nil
	})
	if err != nil {
		devices.Close(func(id devicemask.DeviceID, bd *tlasDevice) {
			if bd == nil {
				return
			}
			d, ok := ctx.Device(id)
			if !ok {
				return
			}
			if rtDev, ok := d.Device.(hal.RayTracingDevice); ok && bd.structure != nil {
				rtDev.DestroyAccelerationStructure(bd.structure)
			}
			if bd.backing != nil {
				d.Device.DestroyBuffer(bd.backing)
			}
			if bd.scratch != nil {
				d.Device.DestroyBuffer(bd.scratch)
			}
		})
		instances.Close()
		return nil, err
	}
	t.devices = devices
	return t, nil
}

// Capacity returns the fixed instance capacity this TLAS was built for.
func (t *TLAS) Capacity() int { return t.capacity }

// InstancesBuffer returns the per-device-replicated instance staging
// buffer, for callers that want direct access in addition to SetInstances.
func (t *TLAS) InstancesBuffer() *gpures.StagedBuffer { return t.instances }

// SetInstances writes instances into every device's instance buffer for
// frame, resolving each instance's BLAS address against that device.
// Exceeding the TLAS's fixed capacity is a hard error: the frame that
// produced too many instances cannot be salvaged by a mid-frame
// reallocation, so the caller must treat it as fatal to that frame.
//
// Every device's instance record is packed separately (rather than
// through gpures.ForEach, whose fill callback has no device parameter),
// since a BLAS's device address differs across devices even though the
// rest of the instance record is identical.
func (t *TLAS) SetInstances(frame uint64, instances []Instance) error {
	if len(instances) > t.capacity {
		return fmt.Errorf("accel: TLAS %q capacity overflow: %d instances exceed capacity %d", t.label, len(instances), t.capacity)
	}

	t.devices.ForEach(func(id devicemask.DeviceID, _ *tlasDevice) {
		data := make([]byte, len(instances)*instanceRecordSize)
		for i, inst := range instances {
			off := i * instanceRecordSize
			rec := data[off : off+instanceRecordSize]
			for row := 0; row < 3; row++ {
				for col := 0; col < 4; col++ {
					binary.LittleEndian.PutUint32(rec[(row*4+col)*4:], math.Float32bits(inst.Transform[row*4+col]))
				}
			}
			mask := inst.Mask
			if mask == 0 {
				mask = 0xFF
			}
			customIndexAndMask := inst.CustomIndex&0x00FFFFFF | uint32(mask)<<24
			var flags uint32
			if inst.Opaque {
				flags = 1 // VK_GEOMETRY_INSTANCE_FORCE_OPAQUE_BIT_KHR equivalent
			}
			offsetAndFlags := flags << 24
			binary.LittleEndian.PutUint32(rec[48:], customIndexAndMask)
			binary.LittleEndian.PutUint32(rec[52:], offsetAndFlags)
			binary.LittleEndian.PutUint64(rec[56:], inst.BLAS.DeviceAddress(id))
		}
		t.instances.UpdateOne(id, frame, data, 0)
	})
	t.instanceCount = len(instances)
	return nil
}

// Rebuild builds or, when update is true, in-place refits id's top-level
// structure into enc from instanceCount instances already uploaded via
// SetInstances. A memory barrier against every BLAS build must already be
// recorded by the caller before calling Rebuild, since the TLAS read
// depends on every referenced BLAS being complete.
func (t *TLAS) Rebuild(id devicemask.DeviceID, frame uint64, enc hal.CommandEncoder, update bool) error {
	rtEnc, ok := enc.(hal.RayTracingCommandEncoder)
	if !ok {
		return fmt.Errorf("accel: command encoder does not support ray tracing")
	}
	bd, ok := t.devices.Get(id)
	if !ok {
		return fmt.Errorf("accel: device %d not in TLAS %q's mask", id, t.label)
	}

	t.instances.Upload(id, frame, enc)

	instanceBuf, _ := t.instances.Target(id)
	geoms := []hal.AccelerationStructureGeometry{{
		Type:           hal.AccelerationStructureGeometryInstances,
		InstanceBuffer: instanceBuf,
		InstanceCount:  uint32(t.instanceCount),
	}}

	build := hal.AccelerationStructureBuildInfo{
		Level:         hal.AccelerationStructureLevelTop,
		Update:        update,
		Flags:         hal.AccelerationStructureBuildFlagPreferFastTrace | hal.AccelerationStructureBuildFlagAllowUpdate,
		Geometries:    geoms,
		Destination:   bd.structure,
		ScratchBuffer: bd.scratch,
	}
	if update {
		build.Source = bd.structure
	}

	rtEnc.BuildAccelerationStructures([]hal.AccelerationStructureBuildInfo{build})
	bd.address = bd.structure.DeviceAddress()
	if update {
		t.updatesSinceRebuild++
	} else {
		t.updatesSinceRebuild = 0
	}
	return nil
}

// GetUpdatesSinceRebuild returns how many consecutive Rebuild(update=true)
// calls have happened since the last full rebuild.
func (t *TLAS) GetUpdatesSinceRebuild() int { return t.updatesSinceRebuild }

// Handle returns id's built top-level acceleration structure.
func (t *TLAS) Handle(id devicemask.DeviceID) hal.AccelerationStructure {
	bd, ok := t.devices.Get(id)
	if !ok {
		return nil
	}
	return bd.structure
}

// DeviceAddress returns the GPU address of id's built structure.
func (t *TLAS) DeviceAddress(id devicemask.DeviceID) uint64 {
	bd, ok := t.devices.Get(id)
	if !ok {
		return 0
	}
	return bd.address
}

// CopyFrom records a clone copy of src's id structure into t's, for
// double-buffering a TLAS across frames in flight. Both structures must
// share the same capacity.
func (t *TLAS) CopyFrom(id devicemask.DeviceID, src *TLAS, enc hal.CommandEncoder) error {
	if src.capacity != t.capacity {
		return fmt.Errorf("accel: cannot copy TLAS %q (capacity %d) into %q (capacity %d)", src.label, src.capacity, t.label, t.capacity)
	}
	rtEnc, ok := enc.(hal.RayTracingCommandEncoder)
	if !ok {
		return fmt.Errorf("accel: command encoder does not support ray tracing")
	}
	srcBD, ok := src.devices.Get(id)
	if !ok {
		return fmt.Errorf("accel: device %d not in source TLAS %q's mask", id, src.label)
	}
	dstBD, ok := t.devices.Get(id)
	if !ok {
		return fmt.Errorf("accel: device %d not in TLAS %q's mask", id, t.label)
	}
	rtEnc.CloneAccelerationStructure(srcBD.structure, dstBD.structure)
	t.instanceCount = src.instanceCount
	return nil
}

// Close destroys every device's acceleration structure, backing buffer,
// scratch buffer, and the instance buffer.
func (t *TLAS) Close() {
	t.devices.Close(func(id devicemask.DeviceID, bd *tlasDevice) {
		d, ok := t.ctx.Device(id)
		if !ok {
			return
		}
		if rtDev, ok := d.Device.(hal.RayTracingDevice); ok && bd.structure != nil {
			rtDev.DestroyAccelerationStructure(bd.structure)
		}
		if bd.backing != nil {
			d.Device.DestroyBuffer(bd.backing)
		}
		if bd.scratch != nil {
			d.Device.DestroyBuffer(bd.scratch)
		}
	})
	t.instances.Close()
}

// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

// Package accel implements bottom- and top-level acceleration structures:
// triangle-mesh and procedural-AABB geometry built into a BLAS, and
// instances gathered into a TLAS, replicated per device.
package accel

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/tauray-gpu/tauray/devicectx"
	"github.com/tauray-gpu/tauray/gpures"
	"github.com/tauray-gpu/tauray/hal"
	"github.com/tauray-gpu/tauray/internal/devicemask"
	"github.com/tauray-gpu/tauray/types"
)

// Entry is one BLAS geometry: either a triangle mesh (VertexBuffer set) or
// a set of procedural AABBs (AABBBuffer set), placed by an instance
// transform and carrying its own opacity for any-hit shader dispatch.
type Entry struct {
	VertexBuffer     hal.Buffer
	VertexBufferSize uint64
	VertexFormat     types.VertexFormat
	VertexStride     uint64
	MaxVertex        uint32

	IndexBuffer    hal.Buffer
	IndexFormat    types.IndexFormat
	PrimitiveCount uint32

	AABBBuffer hal.Buffer
	AABBStride uint64

	// Transform is the entry's row-major 4x4 instance transform. Only the
	// top three rows are meaningful to the acceleration structure build;
	// the fourth is assumed to be [0 0 0 1].
	Transform [16]float32
	Opaque    bool
}

func (e Entry) isAABB() bool { return e.AABBBuffer != nil }

// BLASOptions configures a bottom-level acceleration structure's build and
// lifecycle strategy.
type BLASOptions struct {
	// Dynamic marks the structure for fast, frequent rebuilds (prefer
	// fast build, allow in-place update) instead of optimizing for trace
	// performance.
	Dynamic bool

	// Compact requests a compacted-size query and copy-compact pass after
	// the initial build. Only takes effect when Dynamic is false: a
	// structure rebuilt every frame is refit too often for compaction to
	// be worth the extra allocation and copy.
	Compact bool

	// BackfaceCulled records whether the geometry is rendered with
	// backface culling, for callers that branch shading behavior on it.
	// It has no effect on the build itself.
	BackfaceCulled bool
}

func (o BLASOptions) compact() bool { return o.Compact && !o.Dynamic }

// transformEntry mirrors VkTransformMatrixKHR: a row-major 3x4 matrix.
type transformEntry struct {
	M [12]float32
}

const transformEntrySize = 12 * 4

type blasDevice struct {
	structure hal.AccelerationStructure
	backing   hal.Buffer
	scratch   hal.Buffer
	address   uint64

	// compactQuery is non-nil from the frame the initial build's
	// compacted-size query was written until FinishCompaction reads it
	// back, guarding against writing a second query before the first is
	// consumed.
	compactQuery hal.QuerySet
}

// BLAS is a per-device-replicated bottom-level acceleration structure built
// from a fixed set of geometry entries. Entry count and geometry kind are
// immutable after construction; only instance transforms and vertex data
// may change between rebuilds.
type BLAS struct {
	ctx     *devicectx.Context
	mask    devicemask.Mask
	label   string
	opts    BLASOptions
	entries []Entry

	transforms          *gpures.StagedBuffer
	devices             *devicemask.PerDevice[*blasDevice]
	updatesSinceRebuild int
}

// NewBLAS allocates the per-entry transform buffer and lazy per-device
// state for a new bottom-level acceleration structure. The structure
// itself is not built until the first call to Rebuild, matching the
// original's lazy `if(!*bd.blas)` allocation on first use.
func NewBLAS(ctx *devicectx.Context, mask devicemask.Mask, label string, entries []Entry, opts BLASOptions) (*BLAS, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("accel: BLAS %q has no geometry entries", label)
	}

	transforms, err := gpures.NewStagedBuffer(ctx, mask, label+".transforms", uint64(len(entries))*transformEntrySize, gputypes.BufferUsageStorage)
	if err != nil {
		return nil, fmt.Errorf("accel: BLAS %q transform buffer: %w", label, err)
	}

	devices, err := devicemask.NewPerDevice(mask, func(devicemask.DeviceID) (*blasDevice, error) {
		return &blasDevice{}, nil
	})
	if err != nil {
		transforms.Close()
		return nil, err
	}

	b := &BLAS{
		ctx:        ctx,
		mask:       mask,
		label:      label,
		opts:       opts,
		entries:    entries,
		transforms: transforms,
		devices:    devices,
	}
	return b, nil
}

// UpdateTransforms rewrites every entry's instance transform into the
// transform buffer's staging slice for frame. Call before Rebuild so the
// upload it issues carries the latest values.
func (b *BLAS) UpdateTransforms(frame uint64) {
	gpures.ForEach(b.transforms, frame, len(b.entries), func(i int, entry *transformEntry) {
		t := b.entries[i].Transform
		for row := 0; row < 3; row++ {
			for col := 0; col < 4; col++ {
				entry.M[row*4+col] = t[row*4+col]
			}
		}
	})
}

// GeometryCount returns the number of geometry entries baked into this
// structure.
func (b *BLAS) GeometryCount() int { return len(b.entries) }

// IsBackfaceCulled reports the value passed at construction time.
func (b *BLAS) IsBackfaceCulled() bool { return b.opts.BackfaceCulled }

// GetUpdatesSinceRebuild returns how many consecutive Rebuild(update=true)
// calls have happened since the last full rebuild.
func (b *BLAS) GetUpdatesSinceRebuild() int { return b.updatesSinceRebuild }

// Handle returns id's built acceleration structure, or nil if Rebuild has
// not yet been called for that device.
func (b *BLAS) Handle(id devicemask.DeviceID) hal.AccelerationStructure {
	bd, ok := b.devices.Get(id)
	if !ok {
		return nil
	}
	return bd.structure
}

// DeviceAddress returns the GPU address of id's built structure.
func (b *BLAS) DeviceAddress(id devicemask.DeviceID) uint64 {
	bd, ok := b.devices.Get(id)
	if !ok {
		return 0
	}
	return bd.address
}

func (b *BLAS) buildFlags() hal.AccelerationStructureBuildFlags {
	switch {
	case b.opts.Dynamic:
		return hal.AccelerationStructureBuildFlagAllowUpdate | hal.AccelerationStructureBuildFlagPreferFastBuild
	case b.opts.compact():
		return hal.AccelerationStructureBuildFlagPreferFastTrace | hal.AccelerationStructureBuildFlagAllowCompaction
	default:
		return hal.AccelerationStructureBuildFlagPreferFastTrace
	}
}

func (b *BLAS) geometries(id devicemask.DeviceID) ([]hal.AccelerationStructureGeometry, []uint32) {
	target, _ := b.transforms.Target(id)
	geoms := make([]hal.AccelerationStructureGeometry, len(b.entries))
	counts := make([]uint32, len(b.entries))
	stride := b.transforms.EntryStride(id, transformEntrySize)

	for i, e := range b.entries {
		g := hal.AccelerationStructureGeometry{
			Opaque:          e.Opaque,
			TransformBuffer: target,
			TransformOffset: stride * uint64(i),
		}
		if e.isAABB() {
			g.Type = hal.AccelerationStructureGeometryAABBs
			g.AABBBuffer = e.AABBBuffer
			g.AABBStride = e.AABBStride
			counts[i] = e.PrimitiveCount
		} else {
			g.Type = hal.AccelerationStructureGeometryTriangles
			g.VertexBuffer = e.VertexBuffer
			g.VertexBufferSize = e.VertexBufferSize
			g.VertexFormat = e.VertexFormat
			g.VertexStride = e.VertexStride
			g.MaxVertex = e.MaxVertex
			g.IndexBuffer = e.IndexBuffer
			g.IndexFormat = e.IndexFormat
			g.PrimitiveCount = e.PrimitiveCount
			counts[i] = e.PrimitiveCount
		}
		geoms[i] = g
	}
	return geoms, counts
}

func (b *BLAS) allocate(id devicemask.DeviceID, d *devicectx.Device, rtDev hal.RayTracingDevice, bd *blasDevice, flags hal.AccelerationStructureBuildFlags, geoms []hal.AccelerationStructureGeometry, counts []uint32) error {
	sizes := rtDev.GetAccelerationStructureBuildSizes(hal.AccelerationStructureLevelBottom, flags, geoms, counts)

	scratch, err := d.Device.CreateBuffer(&hal.BufferDescriptor{
		Label: b.label + ".scratch",
		Size:  sizes.BuildScratchSize,
		Usage: gputypes.BufferUsageStorage,
	})
	if err != nil {
		return fmt.Errorf("accel: BLAS %q scratch buffer for device %d: %w", b.label, id, err)
	}

	backing, err := d.Device.CreateBuffer(&hal.BufferDescriptor{
		Label: b.label + ".backing",
		Size:  sizes.AccelerationStructureSize,
		Usage: gputypes.BufferUsageStorage,
	})
	if err != nil {
		d.Device.DestroyBuffer(scratch)
		return fmt.Errorf("accel: BLAS %q backing buffer for device %d: %w", b.label, id, err)
	}

	structure, err := rtDev.CreateAccelerationStructure(&hal.AccelerationStructureDescriptor{
		Label:  b.label,
		Level:  hal.AccelerationStructureLevelBottom,
		Buffer: backing,
		Size:   sizes.AccelerationStructureSize,
	})
	if err != nil {
		d.Device.DestroyBuffer(backing)
		d.Device.DestroyBuffer(scratch)
		return fmt.Errorf("accel: BLAS %q create for device %d: %w", b.label, id, err)
	}

	bd.scratch, bd.backing, bd.structure = scratch, backing, structure
	return nil
}

// Rebuild builds or, when update is true, in-place refits id's
// acceleration structure into enc, which must implement
// hal.RayTracingCommandEncoder. update is only meaningful once a structure
// already exists and BLASOptions.Dynamic was set; the caller is
// responsible for only requesting it in that case.
//
// When BLASOptions.Compact is set, the first build goes into a throwaway
// full-size structure and records a compacted-size query; call
// FinishCompaction on a later frame, once the query results are known, to
// swap in the compacted replacement.
func (b *BLAS) Rebuild(id devicemask.DeviceID, frame uint64, enc hal.CommandEncoder, update bool) error {
	rtEnc, ok := enc.(hal.RayTracingCommandEncoder)
	if !ok {
		return fmt.Errorf("accel: command encoder does not support ray tracing")
	}
	d, ok := b.ctx.Device(id)
	if !ok {
		return fmt.Errorf("accel: device %d not found", id)
	}
	rtDev, ok := d.Device.(hal.RayTracingDevice)
	if !ok {
		return fmt.Errorf("accel: device %d has no acceleration-structure support", id)
	}
	bd, ok := b.devices.Get(id)
	if !ok {
		return fmt.Errorf("accel: device %d not in BLAS %q's mask", id, b.label)
	}

	b.transforms.Upload(id, frame, enc)

	flags := b.buildFlags()
	geoms, counts := b.geometries(id)

	if bd.structure == nil {
		if err := b.allocate(id, d, rtDev, bd, flags, geoms, counts); err != nil {
			return err
		}
	}

	build := hal.AccelerationStructureBuildInfo{
		Level:         hal.AccelerationStructureLevelBottom,
		Update:        update,
		Flags:         flags,
		Geometries:    geoms,
		Destination:   bd.structure,
		ScratchBuffer: bd.scratch,
	}
	if update {
		build.Source = bd.structure
	}

	rtEnc.BuildAccelerationStructures([]hal.AccelerationStructureBuildInfo{build})

	if b.opts.compact() && bd.compactQuery == nil {
		qs, err := rtDev.CreateQuerySet(&hal.QuerySetDescriptor{
			Label: b.label + ".compacted-size",
			Type:  hal.QueryTypeAccelerationStructureCompactedSize,
			Count: 1,
		})
		if err != nil {
			return fmt.Errorf("accel: BLAS %q compacted-size query for device %d: %w", b.label, id, err)
		}
		rtEnc.WriteAccelerationStructuresCompactedSize([]hal.AccelerationStructure{bd.structure}, qs, 0)
		bd.compactQuery = qs
	}

	bd.address = bd.structure.DeviceAddress()
	if update {
		b.updatesSinceRebuild++
	} else {
		b.updatesSinceRebuild = 0
	}
	return nil
}

// FinishCompaction reads back id's pending compacted-size query, allocates
// a compacted backing buffer and structure, records a compacting copy into
// cb, and defers release of the full-size throwaway structure to the
// device's deferred-destroy queue for slot frame. Safe to call when no
// compaction is pending; it then does nothing.
//
// NVIDIA driver bug workaround, matching the original: the query result
// accumulator is zero-initialized before the readback, since some drivers
// write only the low 32 bits of the 64-bit compacted size.
func (b *BLAS) FinishCompaction(id devicemask.DeviceID, frame uint64, cb hal.CommandEncoder) error {
	bd, ok := b.devices.Get(id)
	if !ok || bd.compactQuery == nil {
		return nil
	}
	rtEnc, ok := cb.(hal.RayTracingCommandEncoder)
	if !ok {
		return fmt.Errorf("accel: command encoder does not support ray tracing")
	}
	d, ok := b.ctx.Device(id)
	if !ok {
		return fmt.Errorf("accel: device %d not found", id)
	}
	rtDev, ok := d.Device.(hal.RayTracingDevice)
	if !ok {
		return fmt.Errorf("accel: device %d has no acceleration-structure support", id)
	}

	results, err := rtDev.ReadQuerySetResults(bd.compactQuery, 0, 1)
	if err != nil {
		return fmt.Errorf("accel: BLAS %q compacted-size readback for device %d: %w", b.label, id, err)
	}
	var compactSize uint64
	if len(results) > 0 {
		compactSize = results[0]
	}
	rtDev.DestroyQuerySet(bd.compactQuery)
	bd.compactQuery = nil
	if compactSize == 0 {
		return nil
	}

	fatStructure, fatBacking := bd.structure, bd.backing

	backing, err := d.Device.CreateBuffer(&hal.BufferDescriptor{
		Label: b.label + ".backing.compact",
		Size:  compactSize,
		Usage: gputypes.BufferUsageStorage,
	})
	if err != nil {
		return fmt.Errorf("accel: BLAS %q compacted backing for device %d: %w", b.label, id, err)
	}
	structure, err := rtDev.CreateAccelerationStructure(&hal.AccelerationStructureDescriptor{
		Label:  b.label + ".compact",
		Level:  hal.AccelerationStructureLevelBottom,
		Buffer: backing,
		Size:   compactSize,
	})
	if err != nil {
		d.Device.DestroyBuffer(backing)
		return fmt.Errorf("accel: BLAS %q compacted create for device %d: %w", b.label, id, err)
	}

	rtEnc.CopyAccelerationStructureCompact(fatStructure, structure)

	bd.structure, bd.backing = structure, backing
	bd.address = structure.DeviceAddress()

	slot := int(frame % uint64(b.ctx.FramesInFlight()))
	d.Deferred.Push(slot, func() {
		rtDev.DestroyAccelerationStructure(fatStructure)
		d.Device.DestroyBuffer(fatBacking)
	})
	return nil
}

// Close destroys every device's acceleration structure, backing buffer,
// scratch buffer, and the transform buffer. Callers must ensure no
// in-flight frame references the structure.
func (b *BLAS) Close() {
	b.devices.Close(func(id devicemask.DeviceID, bd *blasDevice) {
		d, ok := b.ctx.Device(id)
		if !ok {
			return
		}
		rtDev, _ := d.Device.(hal.RayTracingDevice)
		if bd.compactQuery != nil && rtDev != nil {
			rtDev.DestroyQuerySet(bd.compactQuery)
		}
		if bd.structure != nil && rtDev != nil {
			rtDev.DestroyAccelerationStructure(bd.structure)
		}
		if bd.backing != nil {
			d.Device.DestroyBuffer(bd.backing)
		}
		if bd.scratch != nil {
			d.Device.DestroyBuffer(bd.scratch)
		}
	})
	b.transforms.Close()
}

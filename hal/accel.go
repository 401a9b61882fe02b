// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package hal

import "github.com/tauray-gpu/tauray/types"

// AccelerationStructure represents a built bottom- or top-level
// acceleration structure.
type AccelerationStructure interface {
	Resource

	// DeviceAddress returns the GPU address used to reference this
	// structure from a TLAS instance or a shader binding.
	DeviceAddress() uint64
}

// AccelerationStructureLevel distinguishes a bottom-level acceleration
// structure (geometry) from a top-level one (instances).
type AccelerationStructureLevel uint32

const (
	AccelerationStructureLevelBottom AccelerationStructureLevel = iota
	AccelerationStructureLevelTop
)

// AccelerationStructureBuildFlags mirrors the VkBuildAccelerationStructureFlagsKHR
// bit flags relevant to the build/update/compact lifecycle.
type AccelerationStructureBuildFlags uint32

const (
	// AccelerationStructureBuildFlagAllowUpdate keeps the structure
	// refittable in place instead of requiring a full rebuild.
	AccelerationStructureBuildFlagAllowUpdate AccelerationStructureBuildFlags = 1 << iota
	// AccelerationStructureBuildFlagAllowCompaction permits a
	// compacted-size query and copy-compact after the initial build.
	AccelerationStructureBuildFlagAllowCompaction
	// AccelerationStructureBuildFlagPreferFastTrace optimizes for trace
	// performance over build time.
	AccelerationStructureBuildFlagPreferFastTrace
	// AccelerationStructureBuildFlagPreferFastBuild optimizes for build
	// time over trace performance, used for the dynamic option.
	AccelerationStructureBuildFlagPreferFastBuild
)

// AccelerationStructureGeometryType selects which union member of
// AccelerationStructureGeometry is populated.
type AccelerationStructureGeometryType uint32

const (
	AccelerationStructureGeometryTriangles AccelerationStructureGeometryType = iota
	AccelerationStructureGeometryAABBs
	AccelerationStructureGeometryInstances
)

// AccelerationStructureGeometry describes one BLAS geometry entry (a
// triangle mesh or a set of procedural AABBs) or, for a TLAS, the single
// instances entry.
type AccelerationStructureGeometry struct {
	Type   AccelerationStructureGeometryType
	Opaque bool

	// Triangle fields.
	VertexBuffer     Buffer
	VertexBufferSize uint64
	VertexFormat     types.VertexFormat
	VertexStride     uint64
	MaxVertex        uint32
	IndexBuffer      Buffer
	IndexFormat      types.IndexFormat
	TransformBuffer  Buffer
	TransformOffset  uint64
	PrimitiveCount   uint32

	// AABB fields.
	AABBBuffer Buffer
	AABBStride uint64

	// Instance field (TLAS only): a device-address-tagged buffer of
	// VkAccelerationStructureInstanceKHR-shaped records.
	InstanceBuffer Buffer
	InstanceCount  uint32
}

// AccelerationStructureBuildSizes is the result of querying how large a
// structure and its scratch buffers must be before allocating them.
type AccelerationStructureBuildSizes struct {
	AccelerationStructureSize uint64
	BuildScratchSize          uint64
	UpdateScratchSize         uint64
}

// AccelerationStructureDescriptor describes how to create the structure
// object that wraps a pre-allocated, pre-sized backing buffer.
type AccelerationStructureDescriptor struct {
	Label  string
	Level  AccelerationStructureLevel
	Buffer Buffer
	Offset uint64
	Size   uint64
}

// AccelerationStructureBuildInfo describes one build or update command.
type AccelerationStructureBuildInfo struct {
	Level         AccelerationStructureLevel
	Update        bool
	Flags         AccelerationStructureBuildFlags
	Geometries    []AccelerationStructureGeometry
	Source        AccelerationStructure // non-nil only when Update is true
	Destination   AccelerationStructure
	ScratchBuffer Buffer
	ScratchOffset uint64
}

// RayTracingDevice is an optional capability interface a Device backend
// implements when it supports the acceleration-structure extension.
// Callers type-assert for it; its absence means the device does not
// support FeatureAccelerationStructure regardless of what was requested
// at Open time.
type RayTracingDevice interface {
	// GetAccelerationStructureBuildSizes queries the buffer sizes a build
	// described by flags/geometries/primitiveCounts will require.
	GetAccelerationStructureBuildSizes(level AccelerationStructureLevel, flags AccelerationStructureBuildFlags, geometries []AccelerationStructureGeometry, primitiveCounts []uint32) AccelerationStructureBuildSizes

	// CreateAccelerationStructure wraps a pre-allocated buffer as an
	// acceleration structure object, ready to be built into.
	CreateAccelerationStructure(desc *AccelerationStructureDescriptor) (AccelerationStructure, error)

	// DestroyAccelerationStructure destroys the wrapper object. The
	// caller is responsible for destroying the backing buffer.
	DestroyAccelerationStructure(as AccelerationStructure)

	// CreateQuerySet allocates a query set of type
	// QueryTypeAccelerationStructureCompactedSize. The base Device
	// interface has no query-set allocation entry point at all, so the
	// ray-tracing capability interface carries its own.
	CreateQuerySet(desc *QuerySetDescriptor) (QuerySet, error)

	// DestroyQuerySet destroys a query set created by CreateQuerySet.
	DestroyQuerySet(qs QuerySet)

	// ReadQuerySetResults blocks until the queries in
	// [firstQuery, firstQuery+queryCount) have completed and returns their
	// 64-bit results. Callers reading a compacted-size query must
	// zero-initialize their own accumulator before trusting the result on
	// drivers that only write the low 32 bits.
	ReadQuerySetResults(qs QuerySet, firstQuery, queryCount uint32) ([]uint64, error)
}

// RayTracingCommandEncoder is an optional capability interface a
// CommandEncoder backend implements to record acceleration-structure
// builds, compacted-size queries, and compacting copies.
type RayTracingCommandEncoder interface {
	// BuildAccelerationStructures records one or more builds or updates.
	BuildAccelerationStructures(builds []AccelerationStructureBuildInfo)

	// WriteAccelerationStructuresCompactedSize records a query of the
	// compacted size of each structure into dst starting at firstQuery.
	// The destination memory backing the query must be zero-initialized
	// before the query is read back, since some drivers only write the
	// low 32 bits of the 64-bit result.
	WriteAccelerationStructuresCompactedSize(structures []AccelerationStructure, dst QuerySet, firstQuery uint32)

	// CopyAccelerationStructureCompact records a compacting copy from src
	// into a smaller, already-allocated dst.
	CopyAccelerationStructureCompact(src, dst AccelerationStructure)

	// CloneAccelerationStructure records a full clone copy from src into
	// an already-allocated dst of identical size, for duplicating a TLAS
	// across frame-in-flight double buffers.
	CloneAccelerationStructure(src, dst AccelerationStructure)
}

// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package hal

import "github.com/tauray-gpu/tauray/types"

// Backend Implementation Guide
//
// A production backend targets Vulkan 1.2 with the ray tracing pipeline
// and acceleration structure extensions; ray tracing needs a real
// hardware driver and there is no software ray tracer. No such backend
// is in this tree. hal/noop is a portable, driver-free backend reporting
// the same ray tracing features, so devicectx, scene, accel, restir, and the
// rest of the tree can be built, wired, and tested end to end on any
// platform without a GPU.
//
// # Backend Compliance
//
// A backend must:
//  1. Implement every hal.Backend interface method
//  2. Report device-lost and out-of-date-swapchain distinctly (§7)
//  3. Enable validation layers only when requested at startup
//  4. If it reports FeatureRayTracingPipeline and
//     FeatureAccelerationStructure, implement RayTracingDevice,
//     RayTracingPipelineDevice, RayTracingCommandEncoder, and
//     RayTracingPipelineCommandEncoder (accel.go,
//     raytracing_pipeline.go)

// BackendInfo provides metadata about a backend implementation.
type BackendInfo struct {
	// Variant identifies the backend type.
	Variant types.Backend

	// Name is a human-readable backend name.
	Name string

	// Version of the backend implementation.
	Version string

	// Features supported by this backend.
	Features BackendFeatures

	// Limitations of this backend.
	Limitations BackendLimitations
}

// BackendFeatures describes capabilities of a backend.
type BackendFeatures struct {
	// SupportsCompute indicates compute shader support.
	SupportsCompute bool

	// SupportsMultiQueue indicates multiple queue support.
	SupportsMultiQueue bool

	// SupportsRayTracing indicates ray tracing support.
	SupportsRayTracing bool

	// MaxTextureSize is the maximum texture dimension.
	MaxTextureSize uint32

	// MaxBufferSize is the maximum buffer size.
	MaxBufferSize uint64
}

// BackendLimitations describes known limitations.
type BackendLimitations struct {
	// NoAsyncCompute means compute must run on graphics queue.
	NoAsyncCompute bool

	// LimitedFormats means some texture formats unavailable.
	LimitedFormats bool

	// NoBindlessResources means bindless not supported.
	NoBindlessResources bool
}

// BackendFactory creates backend instances.
// This allows lazy initialization of backends.
type BackendFactory func() (Backend, error)

// registeredFactories holds lazy backend factories.
var registeredFactories = make(map[types.Backend]BackendFactory)

// RegisterBackendFactory registers a factory for lazy backend creation.
// This is preferred over RegisterBackend for backends that may fail
// initialization (e.g., missing GPU drivers).
func RegisterBackendFactory(variant types.Backend, factory BackendFactory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	registeredFactories[variant] = factory
}

// CreateBackend creates a backend instance using registered factory.
// Returns error if no factory is registered for the variant.
func CreateBackend(variant types.Backend) (Backend, error) {
	backendsMu.RLock()
	factory, ok := registeredFactories[variant]
	backendsMu.RUnlock()

	if !ok {
		return nil, ErrBackendNotFound
	}
	return factory()
}

// ProbeBackend tests if a backend is available without fully initializing it.
// Returns BackendInfo if available, error otherwise.
func ProbeBackend(variant types.Backend) (*BackendInfo, error) {
	// First check if already registered
	_, ok := GetBackend(variant)
	if ok {
		return &BackendInfo{
			Variant: variant,
			Name:    variant.String(),
			Version: "1.0.0",
		}, nil
	}

	// Try factory
	backendsMu.RLock()
	factory, hasFactory := registeredFactories[variant]
	backendsMu.RUnlock()

	if !hasFactory {
		return nil, ErrBackendNotFound
	}

	// Create and immediately check
	b, err := factory()
	if err != nil {
		return nil, err
	}

	// Register for future use
	RegisterBackend(b)

	return &BackendInfo{
		Variant: b.Variant(),
		Name:    b.Variant().String(),
		Version: "1.0.0",
	}, nil
}

// SelectBestBackend chooses the most capable available backend.
// Priority: Vulkan > Metal > DX12 > OpenGL > Noop
func SelectBestBackend() (Backend, error) {
	priority := []types.Backend{
		types.BackendVulkan,
		types.BackendMetal,
		types.BackendDX12,
		types.BackendGL,
		types.BackendEmpty, // noop
	}

	for _, variant := range priority {
		backend, ok := GetBackend(variant)
		if ok {
			return backend, nil
		}

		// Try factory
		backendsMu.RLock()
		factory, hasFactory := registeredFactories[variant]
		backendsMu.RUnlock()

		if hasFactory {
			if b, err := factory(); err == nil {
				RegisterBackend(b)
				return b, nil
			}
		}
	}

	return nil, ErrBackendNotFound
}

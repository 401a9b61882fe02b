// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package noop

import (
	"sync/atomic"

	"github.com/tauray-gpu/tauray/hal"
)

// Resource is a placeholder implementation for HAL resource types that
// carry no backend-native handle.
type Resource struct{}

// Destroy is a no-op.
func (r *Resource) Destroy() {}

// handleResource is the placeholder for HAL resource types that must also
// report a NativeHandle, i.e. hal.Buffer, hal.TextureView, and
// hal.Sampler. Each instance is assigned a unique id at creation so a
// caller that stashes the handle in a bind group entry gets a stable,
// distinct value back.
type handleResource struct {
	id uint64
}

func (r *handleResource) Destroy() {}

// NativeHandle returns this resource's synthetic handle.
func (r *handleResource) NativeHandle() uint64 { return r.id }

var nextHandle atomic.Uint64

func newHandleResource() *handleResource {
	return &handleResource{id: nextHandle.Add(1)}
}

// Buffer implements hal.Buffer. If created with MappedAtCreation, it
// stores the written bytes so Queue.WriteBuffer has somewhere to copy
// into and a later read-back sees what was written.
type Buffer struct {
	*handleResource
	data []byte
}

// Texture implements hal.Texture.
type Texture struct {
	Resource
}

// TextureView implements hal.TextureView.
type TextureView struct {
	*handleResource
}

// Sampler implements hal.Sampler.
type Sampler struct {
	*handleResource
}

// Surface implements hal.Surface for the noop backend.
type Surface struct {
	Resource
	configured bool
}

// Configure marks the surface as configured. The noop backend accepts any
// configuration, including zero width/height, unlike a real swapchain.
func (s *Surface) Configure(_ hal.Device, _ *hal.SurfaceConfiguration) error {
	s.configured = true
	return nil
}

// Unconfigure marks the surface as unconfigured.
func (s *Surface) Unconfigure(_ hal.Device) {
	s.configured = false
}

// AcquireTexture returns a placeholder surface texture. fence is ignored.
func (s *Surface) AcquireTexture(_ hal.Fence) (*hal.AcquiredSurfaceTexture, error) {
	return &hal.AcquiredSurfaceTexture{
		Texture:    &SurfaceTexture{},
		Suboptimal: false,
	}, nil
}

// DiscardTexture is a no-op.
func (s *Surface) DiscardTexture(_ hal.SurfaceTexture) {}

// SurfaceTexture implements hal.SurfaceTexture.
type SurfaceTexture struct {
	Texture
}

// Fence implements hal.Fence with an atomic counter, so Device.Wait and
// Queue.Submit/Present can observe real completion ordering across
// multiple frames in flight instead of always reporting signaled.
type Fence struct {
	Resource
	value atomic.Uint64
}

// reached reports whether the fence has reached value.
func (f *Fence) reached(value uint64) bool {
	return f.value.Load() >= value
}

// signal advances the fence to value if it is higher than the current one.
func (f *Fence) signal(value uint64) {
	for {
		cur := f.value.Load()
		if value <= cur {
			return
		}
		if f.value.CompareAndSwap(cur, value) {
			return
		}
	}
}

// QuerySet implements hal.QuerySet. It records the requested query count;
// ReadQuerySetResults does not consult it.
type QuerySet struct {
	Resource
	count uint32
}

// AccelerationStructure implements hal.AccelerationStructure. address is a
// synthetic, stable, non-zero value so a consumer building an instance
// buffer from multiple BLAS addresses can tell them apart.
type AccelerationStructure struct {
	Resource
	level   hal.AccelerationStructureLevel
	address uint64
}

// DeviceAddress returns the synthetic GPU address assigned at creation.
func (a *AccelerationStructure) DeviceAddress() uint64 { return a.address }

// RayTracingPipeline implements hal.RayTracingPipeline.
type RayTracingPipeline struct {
	Resource
	groupCount uint32
}

// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package noop

import (
	"github.com/gogpu/gputypes"
	"github.com/tauray-gpu/tauray/hal"
	"github.com/tauray-gpu/tauray/types"
)

// API implements hal.Backend for the noop backend.
type API struct{}

// Variant returns the backend type identifier.
func (API) Variant() types.Backend {
	return types.BackendEmpty
}

// CreateInstance creates a new noop instance. Always succeeds; desc is
// ignored.
func (API) CreateInstance(_ *hal.InstanceDescriptor) (hal.Instance, error) {
	return &Instance{}, nil
}

// Instance implements hal.Instance for the noop backend.
type Instance struct{}

// CreateSurface creates a noop surface regardless of the display/window
// handles supplied.
func (i *Instance) CreateSurface(_, _ uintptr) (hal.Surface, error) {
	return &Surface{}, nil
}

// EnumerateAdapters returns a single default noop adapter. surfaceHint is
// ignored: the noop adapter is compatible with every surface.
func (i *Instance) EnumerateAdapters(_ hal.Surface) []hal.ExposedAdapter {
	return []hal.ExposedAdapter{
		{
			Adapter: &Adapter{},
			Info: types.AdapterInfo{
				Name:       "Noop Adapter",
				Vendor:     "Tauray",
				VendorID:   0,
				DeviceID:   0,
				DeviceType: types.DeviceTypeOther,
				Driver:     "noop-1.0",
				DriverInfo: "no-operation backend, reports ray tracing support but performs no GPU work",
				Backend:    types.BackendEmpty,
			},
			// Reported so devicectx.Requirements.RequireRayTracing and
			// RequiredFeatures can both be satisfied by this backend.
			Features: types.FeatureRayTracingPipeline | types.FeatureAccelerationStructure,
			Capabilities: hal.Capabilities{
				Limits: gputypes.DefaultLimits(),
				AlignmentsMask: hal.Alignments{
					BufferCopyOffset: 4,
					BufferCopyPitch:  256,
				},
				DownlevelCapabilities: hal.DownlevelCapabilities{
					ShaderModel: 0,
					Flags:       0,
				},
			},
		},
	}
}

// Destroy is a no-op for the noop instance.
func (i *Instance) Destroy() {}

// Adapter implements hal.Adapter for the noop backend. There is exactly
// one: it is handed out by Instance.EnumerateAdapters.
type Adapter struct{}

// Open opens a noop logical device. features and limits are recorded by
// neither; the device accepts anything.
func (a *Adapter) Open(_ types.Features, _ types.Limits) (hal.OpenDevice, error) {
	return hal.OpenDevice{Device: newDevice(), Queue: &Queue{}}, nil
}

// TextureFormatCapabilities reports every capability flag for every
// format: the noop backend never rejects a format.
func (a *Adapter) TextureFormatCapabilities(_ types.TextureFormat) hal.TextureFormatCapabilities {
	return hal.TextureFormatCapabilities{
		Flags: hal.TextureFormatCapabilitySampled |
			hal.TextureFormatCapabilityStorage |
			hal.TextureFormatCapabilityStorageReadWrite |
			hal.TextureFormatCapabilityRenderAttachment |
			hal.TextureFormatCapabilityBlendable |
			hal.TextureFormatCapabilityMultisample |
			hal.TextureFormatCapabilityMultisampleResolve,
	}
}

// SurfaceCapabilities reports the noop adapter as compatible with any
// surface.
func (a *Adapter) SurfaceCapabilities(_ hal.Surface) *hal.SurfaceCapabilities {
	return &hal.SurfaceCapabilities{
		Formats: []gputypes.TextureFormat{
			gputypes.TextureFormatBGRA8Unorm,
			gputypes.TextureFormatRGBA8Unorm,
		},
		PresentModes: []gputypes.PresentMode{hal.PresentModeFifo, hal.PresentModeImmediate, hal.PresentModeMailbox},
		AlphaModes:   []gputypes.CompositeAlphaMode{hal.CompositeAlphaModeOpaque},
	}
}

// Destroy is a no-op for the noop adapter.
func (a *Adapter) Destroy() {}

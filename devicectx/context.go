// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

// Package devicectx owns the graphics API instance, enumerates physical
// devices against a requirement set, opens logical devices and their
// queues, and drives the per-frame lifecycle described by the device
// context and frame lifecycle component.
package devicectx

import (
	"fmt"

	"github.com/tauray-gpu/tauray/hal"
	"github.com/tauray-gpu/tauray/internal/devicemask"
	"github.com/tauray-gpu/tauray/internal/lifetime"
	"github.com/tauray-gpu/tauray/types"
)

// Requirements narrows the set of adapters a Context will accept.
type Requirements struct {
	// RequireRayTracing rejects adapters without ray-tracing-pipeline and
	// acceleration-structure support.
	RequireRayTracing bool

	// RequiredFeatures lists additional features every opened device must
	// report support for.
	RequiredFeatures types.Features

	// RequiredLimits is the minimum limit set every opened device must meet.
	// The zero value imposes no additional requirement beyond the adapter's
	// own reported limits.
	RequiredLimits types.Limits

	// FramesInFlight is the number of frame slots to pipeline. Zero selects
	// the default of 2 per the frame lifecycle's fixed F.
	FramesInFlight int

	// MultiDevice accepts every adapter that meets the requirements instead
	// of stopping after the first.
	MultiDevice bool
}

func (r Requirements) framesInFlight() int {
	if r.FramesInFlight <= 0 {
		return 2
	}
	return r.FramesInFlight
}

// Device bundles one opened logical device with the per-device state the
// rest of the renderer replicates against a device mask: its queue, its
// deferred-destroy queue, and the capabilities it was opened with.
type Device struct {
	ID           devicemask.DeviceID
	Adapter      hal.Adapter
	Device       hal.Device
	Queue        hal.Queue
	Info         types.AdapterInfo
	Features     types.Features
	Capabilities hal.Capabilities
	// Limits is the limit set the device was opened with, used by
	// alignment-aware consumers (gpures.StagedBuffer's uniform-buffer
	// stride) since hal.Capabilities.Limits is expressed in the vendored
	// gputypes.Limits type rather than this module's own types.Limits.
	Limits   types.Limits
	Deferred *lifetime.DeferredQueue
}

// rayTracingFeatures is the feature mask a ray-tracing-capable adapter must
// report, per the required device extension list.
const rayTracingFeatures = types.Features(types.FeatureRayTracingPipeline | types.FeatureAccelerationStructure)

// Context owns an instance and every logical device opened from it. One
// device is nominated display-capable when a surface hint is supplied.
type Context struct {
	instance       hal.Instance
	devices        *devicemask.PerDevice[*Device]
	mask           devicemask.Mask
	display        devicemask.DeviceID
	hasDisplay     bool
	framesInFlight int
}

// NewContext enumerates adapters from instance, opens a logical device for
// each one that meets reqs, and nominates the first adapter compatible with
// surfaceHint (if non-nil) as the display device.
//
// Extension absence during initialization is fatal per the error model: if
// no adapter meets reqs, NewContext returns a *lifetime.InitError.
func NewContext(instance hal.Instance, surfaceHint hal.Surface, reqs Requirements) (*Context, error) {
	exposed := instance.EnumerateAdapters(surfaceHint)
	if len(exposed) == 0 {
		return nil, &lifetime.InitError{Stage: "adapter enumeration", Cause: fmt.Errorf("no adapters reported by instance")}
	}

	type accepted struct {
		exposed    hal.ExposedAdapter
		compatible bool
	}
	var chosen []accepted
	for _, ea := range exposed {
		if reqs.RequireRayTracing && !ea.Features.ContainsAll(rayTracingFeatures) {
			continue
		}
		if !ea.Features.ContainsAll(reqs.RequiredFeatures) {
			continue
		}
		compatible := surfaceHint == nil || ea.Adapter.SurfaceCapabilities(surfaceHint) != nil
		chosen = append(chosen, accepted{exposed: ea, compatible: compatible})
		if !reqs.MultiDevice {
			break
		}
	}
	if len(chosen) == 0 {
		return nil, &lifetime.InitError{Stage: "adapter selection", Cause: fmt.Errorf("no adapter meets the requirement set")}
	}

	ctx := &Context{
		instance:       instance,
		framesInFlight: reqs.framesInFlight(),
	}

	displayID := devicemask.DeviceID(-1)
	ids := make([]devicemask.DeviceID, len(chosen))
	for i := range chosen {
		ids[i] = devicemask.DeviceID(i)
		if chosen[i].compatible && displayID < 0 {
			displayID = devicemask.DeviceID(i)
		}
	}
	mask := devicemask.Of(ids...)

	limits := reqs.RequiredLimits
	if limits == (types.Limits{}) {
		limits = types.DefaultLimits()
	}

	devices, err := devicemask.NewPerDevice(mask, func(id devicemask.DeviceID) (*Device, error) {
		ea := chosen[id].exposed
		opened, err := ea.Adapter.Open(reqs.RequiredFeatures|ea.Features, limits)
		if err != nil {
			return nil, &lifetime.InitError{Stage: "device open", Cause: err}
		}
		return &Device{
			ID:           id,
			Adapter:      ea.Adapter,
			Device:       opened.Device,
			Queue:        opened.Queue,
			Info:         ea.Info,
			Limits:       limits,
			Features:     ea.Features,
			Capabilities: ea.Capabilities,
			Deferred:     lifetime.NewDeferredQueue(reqs.framesInFlight()),
		}, nil
	})
	if err != nil {
		devices.Close(func(_ devicemask.DeviceID, d *Device) {
			if d == nil {
				return
			}
			d.Deferred.FlushAll()
			d.Device.Destroy()
			d.Adapter.Destroy()
		})
		return nil, err
	}
	ctx.devices = devices
	ctx.mask = mask

	if displayID < 0 {
		displayID = mask.IDs()[0]
	}
	ctx.display = displayID
	ctx.hasDisplay = surfaceHint != nil

	return ctx, nil
}

// Mask returns the mask of every opened device.
func (c *Context) Mask() devicemask.Mask { return c.mask }

// FramesInFlight returns F, the fixed number of pipelined frame slots.
func (c *Context) FramesInFlight() int { return c.framesInFlight }

// Device returns the opened device for id.
func (c *Context) Device(id devicemask.DeviceID) (*Device, bool) {
	return c.devices.Get(id)
}

// DisplayDevice returns the device nominated to own the swapchain.
// HasDisplay reports whether a surface hint was supplied at construction.
func (c *Context) DisplayDevice() *Device {
	return c.devices.MustGet(c.display)
}

// HasDisplay reports whether DisplayDevice is backed by a real surface.
func (c *Context) HasDisplay() bool { return c.hasDisplay }

// ForEachDevice calls f for every opened device in ascending id order.
func (c *Context) ForEachDevice(f func(*Device)) {
	c.devices.ForEach(func(_ devicemask.DeviceID, d *Device) { f(d) })
}

// Destroy releases every opened device, in ascending id order. The caller
// must have already idled every device's queue (see FrameLoop.Sync).
func (c *Context) Destroy() {
	c.devices.Close(func(_ devicemask.DeviceID, d *Device) {
		d.Deferred.FlushAll()
		d.Device.Destroy()
		d.Adapter.Destroy()
	})
	c.instance.Destroy()
}

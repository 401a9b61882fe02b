// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

// Package stage provides the base framework shared by every rendering
// stage: a ring of cached, pre-recorded command buffers plus a per-device
// timeline fence, driven by Run once per frame.
package stage

import (
	"fmt"
	"time"

	"github.com/tauray-gpu/tauray/devicectx"
	"github.com/tauray-gpu/tauray/hal"
	"github.com/tauray-gpu/tauray/internal/devicemask"
)

// waitTimeout bounds how long Run waits on an input dependency's fence
// before treating the producing device as hung.
const waitTimeout = 5 * time.Second

// CommandBufferStrategy selects how many command buffers a stage caches.
type CommandBufferStrategy int

const (
	// CommandBufferPerFrame caches one command buffer per frame-in-flight
	// slot. This is the default: correct for any stage whose recorded
	// commands don't depend on which swapchain image will be presented.
	CommandBufferPerFrame CommandBufferStrategy = iota

	// CommandBufferPerSwapchainImage caches one command buffer per
	// swapchain image, independent of frame slot. Used by stages whose
	// output targets the swapchain image directly.
	CommandBufferPerSwapchainImage

	// CommandBufferPerFrameAndSwapchainImage caches one command buffer
	// per (frame slot, swapchain image) pair.
	CommandBufferPerFrameAndSwapchainImage
)

// RecordFunc (re)records a stage's commands into enc for frameIndex. It is
// supplied by the concrete stage (FrameDelay, Tonemap, ...) built on top
// of Base.
type RecordFunc func(enc hal.CommandEncoder, frameIndex uint32) error

type deviceState struct {
	fence      hal.Fence
	counter    uint64
	buffers    []hal.CommandBuffer
	haveBuffer []bool
}

// Base is the stage framework described by the data model: a list of
// cached command buffers (one per frame slot, optionally one per
// (frame, swapchain image) pair, per strategy) and the stage's own
// timeline fence, replicated across every device in its mask. Concrete
// stages embed Base and call Run once per frame, supplying a RecordFunc
// and their own decision about whether the frame needs re-recording.
type Base struct {
	ctx             *devicectx.Context
	label           string
	strategy        CommandBufferStrategy
	frameSlots      uint32
	swapchainImages uint32
	devices         *devicemask.PerDevice[*deviceState]
}

// NewBase creates a stage's fences and empty command buffer caches on
// every device in mask. swapchainImages only matters for strategies that
// key on the swapchain image; pass 1 when the stage ignores it.
func NewBase(ctx *devicectx.Context, mask devicemask.Mask, label string, strategy CommandBufferStrategy, swapchainImages uint32) (*Base, error) {
	if swapchainImages == 0 {
		swapchainImages = 1
	}
	frameSlots := uint32(ctx.FramesInFlight())
	if frameSlots == 0 {
		frameSlots = 1
	}

	b := &Base{
		ctx:             ctx,
		label:           label,
		strategy:        strategy,
		frameSlots:      frameSlots,
		swapchainImages: swapchainImages,
	}

	devices, err := devicemask.NewPerDevice(mask, func(id devicemask.DeviceID) (*deviceState, error) {
		d, ok := ctx.Device(id)
		if !ok {
			return nil, fmt.Errorf("stage: device %d not found in context", id)
		}
		fence, err := d.Device.CreateFence()
		if err != nil {
			return nil, fmt.Errorf("stage %q: create fence for device %d: %w", label, id, err)
		}
		n := b.bufferCount()
		return &deviceState{
			fence:      fence,
			buffers:    make([]hal.CommandBuffer, n),
			haveBuffer: make([]bool, n),
		}, nil
	})
	if err != nil {
		devices.Close(func(id devicemask.DeviceID, ds *deviceState) {
			if ds == nil {
				return
			}
			if d, ok := ctx.Device(id); ok {
				d.Device.DestroyFence(ds.fence)
			}
		})
		return nil, err
	}
	b.devices = devices
	return b, nil
}

func (b *Base) bufferCount() int {
	switch b.strategy {
	case CommandBufferPerSwapchainImage:
		return int(b.swapchainImages)
	case CommandBufferPerFrameAndSwapchainImage:
		return int(b.frameSlots) * int(b.swapchainImages)
	default:
		return int(b.frameSlots)
	}
}

// CommandBufferIndex maps a (frame, swapchain image) pair to the cache
// slot Run will record into, per the selected strategy.
func (b *Base) CommandBufferIndex(frameIndex, swapchainIndex uint32) int {
	switch b.strategy {
	case CommandBufferPerSwapchainImage:
		return int(swapchainIndex % b.swapchainImages)
	case CommandBufferPerFrameAndSwapchainImage:
		slot := frameIndex % b.frameSlots
		return int(slot)*int(b.swapchainImages) + int(swapchainIndex%b.swapchainImages)
	default:
		return int(frameIndex % b.frameSlots)
	}
}

// Label returns the stage's debug name.
func (b *Base) Label() string { return b.label }

// Run waits on every dependency in waits, re-records this frame's command
// buffer on device id if dirty or not yet recorded, submits it, and
// returns a new Dependency signalling this stage's own fence at the
// frame's new counter value. The framework never inserts an implicit
// cross-stage barrier: callers choose which dependencies to wait on.
func (b *Base) Run(id devicemask.DeviceID, frameIndex, swapchainIndex uint32, dirty bool, waits []devicectx.Dependency, record RecordFunc) (devicectx.Dependency, error) {
	ds, ok := b.devices.Get(id)
	if !ok {
		return devicectx.Dependency{}, fmt.Errorf("stage %q: device %d not found", b.label, id)
	}
	d, ok := b.ctx.Device(id)
	if !ok {
		return devicectx.Dependency{}, fmt.Errorf("stage %q: device %d not found in context", b.label, id)
	}

	for _, wait := range waits {
		if wait.Device != id || wait.Fence == nil || wait.Value == 0 {
			continue
		}
		doneOk, err := d.Device.Wait(wait.Fence, wait.Value, waitTimeout)
		if err != nil {
			return devicectx.Dependency{}, fmt.Errorf("stage %q: wait on dependency: %w", b.label, err)
		}
		if !doneOk {
			return devicectx.Dependency{}, fmt.Errorf("stage %q: wait on dependency: %w", b.label, hal.ErrTimeout)
		}
	}

	idx := b.CommandBufferIndex(frameIndex, swapchainIndex)
	if idx < 0 || idx >= len(ds.buffers) {
		return devicectx.Dependency{}, fmt.Errorf("stage %q: command buffer index %d out of range", b.label, idx)
	}

	if dirty || !ds.haveBuffer[idx] {
		if err := b.record(d, ds, idx, frameIndex, record); err != nil {
			return devicectx.Dependency{}, err
		}
	}

	ds.counter++
	if err := d.Queue.Submit([]hal.CommandBuffer{ds.buffers[idx]}, ds.fence, ds.counter); err != nil {
		return devicectx.Dependency{}, fmt.Errorf("stage %q: submit: %w", b.label, err)
	}

	return devicectx.Dependency{
		Device: id,
		Fence:  ds.fence,
		Value:  ds.counter,
		Frame:  uint64(frameIndex),
	}, nil
}

func (b *Base) record(d *devicectx.Device, ds *deviceState, idx int, frameIndex uint32, record RecordFunc) error {
	enc, err := d.Device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: b.label})
	if err != nil {
		return fmt.Errorf("stage %q: create command encoder: %w", b.label, err)
	}
	if err := enc.BeginEncoding(b.label); err != nil {
		enc.DiscardEncoding()
		return fmt.Errorf("stage %q: begin encoding: %w", b.label, err)
	}
	if err := record(enc, frameIndex); err != nil {
		enc.DiscardEncoding()
		return fmt.Errorf("stage %q: record: %w", b.label, err)
	}
	buf, err := enc.EndEncoding()
	if err != nil {
		return fmt.Errorf("stage %q: end encoding: %w", b.label, err)
	}
	ds.buffers[idx] = buf
	ds.haveBuffer[idx] = true
	return nil
}

// Dependency returns the most recent Dependency signalled for device id,
// without submitting new work. Useful for a stage that was skipped this
// frame but whose downstream consumers still need its last output's sync
// point.
func (b *Base) Dependency(id devicemask.DeviceID, frameIndex uint32) (devicectx.Dependency, bool) {
	ds, ok := b.devices.Get(id)
	if !ok {
		return devicectx.Dependency{}, false
	}
	return devicectx.Dependency{
		Device: id,
		Fence:  ds.fence,
		Value:  ds.counter,
		Frame:  uint64(frameIndex),
	}, true
}

// Close destroys every device's fence and cached command buffers.
func (b *Base) Close() {
	b.devices.Close(func(id devicemask.DeviceID, ds *deviceState) {
		if ds == nil {
			return
		}
		d, ok := b.ctx.Device(id)
		if !ok {
			return
		}
		for i, have := range ds.haveBuffer {
			if have && ds.buffers[i] != nil {
				ds.buffers[i].Destroy()
			}
		}
		d.Device.DestroyFence(ds.fence)
	})
}

// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package devicectx

import (
	"fmt"
	"time"

	"github.com/tauray-gpu/tauray/hal"
	"github.com/tauray-gpu/tauray/internal/devicemask"
)

// frameTimeout bounds how long begin_frame waits on a frame slot's fence
// before treating the device as lost. Chosen generously above any expected
// frame time so that only a genuinely hung device trips it.
const frameTimeout = 5 * time.Second

// Dependency carries a timeline semaphore (modeled as a hal.Fence reaching
// a target value) and the frame counter it was produced at. Stages pass
// Dependency values to each other to build the DAG described by the
// concurrency model; the framework never inserts an implicit cross-stage
// barrier.
type Dependency struct {
	Device devicemask.DeviceID
	Fence  hal.Fence
	Value  uint64
	Frame  uint64
}

// frameSlot holds, per device, the fence value that marks this slot's work
// complete, for one of the F pipelined frame slots. The fences themselves
// are owned by FrameLoop.
type frameSlot struct {
	targetValue map[devicemask.DeviceID]uint64
}

// FrameLoop drives the fixed F-deep pipeline of frame slots described by
// the device context and frame lifecycle component. Each opened device
// carries its own timeline fence; FrameLoop.BeginFrame waits the previous
// occupant of the slot off every device before handing the slot back out.
type FrameLoop struct {
	ctx    *Context
	fences map[devicemask.DeviceID]hal.Fence
	slots  []frameSlot
	frame  uint64
}

// NewFrameLoop creates a fence per device in ctx and F empty frame slots.
func NewFrameLoop(ctx *Context) (*FrameLoop, error) {
	fl := &FrameLoop{
		ctx:    ctx,
		fences: make(map[devicemask.DeviceID]hal.Fence),
		slots:  make([]frameSlot, ctx.FramesInFlight()),
	}
	for i := range fl.slots {
		fl.slots[i].targetValue = make(map[devicemask.DeviceID]uint64)
	}

	var err error
	ctx.ForEachDevice(func(d *Device) {
		if err != nil {
			return
		}
		var f hal.Fence
		f, err = d.Device.CreateFence()
		if err != nil {
			err = fmt.Errorf("create fence for device %d: %w", d.ID, err)
			return
		}
		fl.fences[d.ID] = f
	})
	if err != nil {
		return nil, err
	}
	return fl, nil
}

// slotIndex maps a frame counter to its ring-buffer slot.
func (fl *FrameLoop) slotIndex(frame uint64) int {
	return int(frame % uint64(len(fl.slots)))
}

// BeginFrame waits for the slot that frame N is about to reuse — the slot
// used by frame N-F — to finish on every device, flushes that slot's
// deferred-destroy queue (the safe point named by the data model, since
// the fence wait proves the GPU is done referencing those resources), and
// returns the frame counter assigned to the new frame.
//
// A device-lost error here is fatal to the frame loop.
func (fl *FrameLoop) BeginFrame() (uint64, error) {
	frame := fl.frame
	slot := fl.slotIndex(frame)

	var waitErr error
	fl.ctx.ForEachDevice(func(d *Device) {
		if waitErr != nil {
			return
		}
		target, ok := fl.slots[slot].targetValue[d.ID]
		if !ok || target == 0 {
			return
		}
		ok2, err := d.Device.Wait(fl.fences[d.ID], target, frameTimeout)
		if err != nil {
			waitErr = fmt.Errorf("device %d frame fence wait: %w", d.ID, err)
			return
		}
		if !ok2 {
			waitErr = fmt.Errorf("device %d frame fence wait: %w", d.ID, hal.ErrTimeout)
			return
		}
		d.Deferred.Flush(slot)
	})
	if waitErr != nil {
		return 0, waitErr
	}

	fl.frame++
	return frame, nil
}

// Signal records that device d will signal its timeline fence to the
// returned value once the work submitted for frame belongs to the current
// slot completes. Call this once per device actually used in the frame,
// immediately before submitting with the returned value as the fence
// target. The next BeginFrame that reuses this slot waits on the recorded
// values; EndFrame wraps them into a Dependency.
func (fl *FrameLoop) Signal(id devicemask.DeviceID, frame uint64) (hal.Fence, uint64) {
	slot := fl.slotIndex(frame)
	next := fl.slots[slot].targetValue[id] + uint64(len(fl.slots))
	if next == 0 {
		next = 1
	}
	fl.slots[slot].targetValue[id] = next
	return fl.fences[id], next
}

// EndFrame returns the Dependency produced by device id's submission for
// frame, wrapping the value most recently recorded by Signal. Stages use
// this to build their dependency DAG.
func (fl *FrameLoop) EndFrame(id devicemask.DeviceID, frame uint64) Dependency {
	slot := fl.slotIndex(frame)
	return Dependency{
		Device: id,
		Fence:  fl.fences[id],
		Value:  fl.slots[slot].targetValue[id],
		Frame:  frame,
	}
}

// DeferDestroy queues cb to run the next time frame's slot is reused,
// i.e. once the fence wait in a future BeginFrame proves the GPU can no
// longer reference the resource cb releases.
func (fl *FrameLoop) DeferDestroy(id devicemask.DeviceID, frame uint64, cb func()) {
	d, ok := fl.ctx.Device(id)
	if !ok {
		return
	}
	d.Deferred.Push(fl.slotIndex(frame), cb)
}

// Sync forces every device to idle — waiting each device's fence up to its
// highest recorded target value — then flushes every slot's deferred
// queue. Used at shutdown or scene teardown to guarantee no leaked handles.
func (fl *FrameLoop) Sync() error {
	var err error
	fl.ctx.ForEachDevice(func(d *Device) {
		if err != nil {
			return
		}
		var highest uint64
		for _, slot := range fl.slots {
			if v := slot.targetValue[d.ID]; v > highest {
				highest = v
			}
		}
		if highest == 0 {
			return
		}
		ok, waitErr := d.Device.Wait(fl.fences[d.ID], highest, frameTimeout)
		if waitErr != nil {
			err = fmt.Errorf("device %d sync: %w", d.ID, waitErr)
			return
		}
		if !ok {
			err = fmt.Errorf("device %d sync: %w", d.ID, hal.ErrTimeout)
		}
	})
	if err != nil {
		return err
	}
	for i := range fl.slots {
		fl.ctx.ForEachDevice(func(d *Device) {
			d.Deferred.Flush(i)
		})
	}
	return nil
}

// CurrentFrame returns the frame counter that will be assigned to the next
// BeginFrame call.
func (fl *FrameLoop) CurrentFrame() uint64 { return fl.frame }

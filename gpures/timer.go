// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package gpures

import (
	"github.com/tauray-gpu/tauray/devicectx"
	"github.com/tauray-gpu/tauray/internal/devicemask"
)

// timerSample is one frame slot's recorded timestamp-query ticks.
type timerSample struct {
	begin, end uint64
	valid      bool
}

type deviceTimerHistory struct {
	slots []timerSample
}

// FrameTimer converts a pair of raw GPU timestamp-query ticks into elapsed
// nanoseconds per device, per frame slot. The HAL exposes timestamp-query
// writes only as an optional field of a render or compute pass descriptor,
// with no standalone query-pool allocation entry point, so FrameTimer does
// not own a query pool itself: callers record the raw tick values they read
// back from wherever they issued the timestamp writes, and FrameTimer
// applies Queue.GetTimestampPeriod() to turn the tick delta into time. This
// keeps the "timeline timer" concept available to callers without requiring
// a HAL surface this module doesn't have.
type FrameTimer struct {
	ctx     *devicectx.Context
	frames  int
	history *devicemask.PerDevice[*deviceTimerHistory]
}

// NewFrameTimer allocates per-device, per-frame-slot timer history for every
// device in mask.
func NewFrameTimer(ctx *devicectx.Context, mask devicemask.Mask) (*FrameTimer, error) {
	frames := ctx.FramesInFlight()
	history, err := devicemask.NewPerDevice(mask, func(devicemask.DeviceID) (*deviceTimerHistory, error) {
		return &deviceTimerHistory{slots: make([]timerSample, frames)}, nil
	})
	if err != nil {
		return nil, err
	}
	return &FrameTimer{ctx: ctx, frames: frames, history: history}, nil
}

func (ft *FrameTimer) slot(frame uint64) int { return int(frame % uint64(ft.frames)) }

// Record stores the begin and end timestamp-query tick values read back for
// id's frame.
func (ft *FrameTimer) Record(id devicemask.DeviceID, frame uint64, begin, end uint64) {
	h, ok := ft.history.Get(id)
	if !ok {
		return
	}
	h.slots[ft.slot(frame)] = timerSample{begin: begin, end: end, valid: true}
}

// ElapsedNanoseconds converts the last recorded sample for id's frame slot
// into nanoseconds using the device's timestamp period. ok is false if no
// sample was recorded for that slot.
func (ft *FrameTimer) ElapsedNanoseconds(id devicemask.DeviceID, frame uint64) (float64, bool) {
	h, ok := ft.history.Get(id)
	if !ok {
		return 0, false
	}
	s := h.slots[ft.slot(frame)]
	if !s.valid {
		return 0, false
	}
	d, ok := ft.ctx.Device(id)
	if !ok {
		return 0, false
	}
	period := float64(d.Queue.GetTimestampPeriod())
	delta := s.end - s.begin
	return float64(delta) * period, true
}

// Close releases the timer's history. FrameTimer owns no GPU resources.
func (ft *FrameTimer) Close() {
	ft.history.Close(func(devicemask.DeviceID, *deviceTimerHistory) {})
}

// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package devicectx

import (
	"math"

	"github.com/tauray-gpu/tauray/internal/devicemask"
)

// WorkloadSplit assigns each participating device a fraction of the total
// per-frame work (a contiguous row range of the output, in the distributed
// rendering variants) and adjusts those fractions from measured per-device
// frame timings using exponential smoothing, so a device that falls behind
// is handed less work on the next frame.
//
// The network transport that would carry a remote device's timing and
// partial image back to the host is out of scope; WorkloadSplit only
// computes the split from timings the caller supplies.
type WorkloadSplit struct {
	ids     []devicemask.DeviceID
	weights map[devicemask.DeviceID]float64
	// smoothing is the mix factor applied to the new speed-derived weight
	// each update; 0.1 matches the rate the original renderer converges at.
	smoothing float64
}

// NewWorkloadSplit creates a split over mask's devices. initial optionally
// supplies a starting weight per device id; devices absent from initial, or
// with a non-positive weight, start at an equal share.
func NewWorkloadSplit(mask devicemask.Mask, initial map[devicemask.DeviceID]float64) *WorkloadSplit {
	ws := &WorkloadSplit{
		ids:       mask.IDs(),
		weights:   make(map[devicemask.DeviceID]float64, mask.Count()),
		smoothing: 0.1,
	}
	for _, id := range ws.ids {
		w := 0.0
		if initial != nil {
			w = initial[id]
		}
		if w <= 0 {
			w = 1.0 / float64(len(ws.ids))
		}
		ws.weights[id] = w
	}
	ws.normalize()
	return ws
}

func (ws *WorkloadSplit) normalize() {
	var sum float64
	for _, w := range ws.weights {
		sum += w
	}
	add := 0.0
	if sum == 0 {
		add = 1.0
		sum = float64(len(ws.ids))
	}
	for _, id := range ws.ids {
		w := ws.weights[id]
		if w < 0 {
			w = 0
		}
		ws.weights[id] = (w + add) / sum
	}
}

// Update adjusts weights from a measured per-device frame time (e.g. the
// "path tracing" stage timer). Devices absent from timings or with a
// non-positive time are left unchanged for this update. If the resulting
// speed sum is non-positive or non-finite, weights are left unchanged
// entirely — a transient timing glitch must not zero out every device.
func (ws *WorkloadSplit) Update(timings map[devicemask.DeviceID]float64) {
	speed := make(map[devicemask.DeviceID]float64, len(ws.ids))
	var sumSpeed float64
	for _, id := range ws.ids {
		t, ok := timings[id]
		if !ok || t <= 0 {
			continue
		}
		s := ws.weights[id] / t
		if s < 0 {
			s = 0
		}
		speed[id] = s
		sumSpeed += s
	}
	if sumSpeed <= 0 || math.IsNaN(sumSpeed) || math.IsInf(sumSpeed, 0) {
		return
	}
	for _, id := range ws.ids {
		s, ok := speed[id]
		if !ok {
			continue
		}
		target := s / sumSpeed
		ws.weights[id] = mix(ws.weights[id], target, ws.smoothing)
	}
}

func mix(a, b, t float64) float64 {
	return a + (b-a)*t
}

// Weight returns the current normalized weight for id, or 0 if id is not
// part of the split.
func (ws *WorkloadSplit) Weight(id devicemask.DeviceID) float64 {
	return ws.weights[id]
}

// RowRange returns the contiguous [start, end) row range assigned to id out
// of totalRows, derived from the current weights in device-id order. The
// last device in id order absorbs any rounding remainder so the ranges
// always partition [0, totalRows) exactly.
func (ws *WorkloadSplit) RowRange(id devicemask.DeviceID, totalRows int) (start, end int) {
	cursor := 0
	for i, devID := range ws.ids {
		rows := int(math.Round(ws.weights[devID] * float64(totalRows)))
		if i == len(ws.ids)-1 {
			rows = totalRows - cursor
		}
		if rows < 0 {
			rows = 0
		}
		if cursor+rows > totalRows {
			rows = totalRows - cursor
		}
		if devID == id {
			return cursor, cursor + rows
		}
		cursor += rows
	}
	return 0, 0
}

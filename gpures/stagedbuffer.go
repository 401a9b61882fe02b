// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

// Package gpures implements the resource primitives replicated across a
// device mask: the staged buffer, texture, rectangle-packed atlas, and
// timestamp timers.
package gpures

import (
	"fmt"
	"unsafe"

	"github.com/gogpu/gputypes"
	"github.com/tauray-gpu/tauray/devicectx"
	"github.com/tauray-gpu/tauray/hal"
	"github.com/tauray-gpu/tauray/internal/devicemask"
)

// deviceBuffer is one device's replica: the device-local target buffer and
// one host-side staging slice per in-flight frame. hal.Buffer exposes no
// Map/GetMappedRange method (the HAL hides mapping behind
// hal.Queue.WriteBuffer, which documents itself as creating a staging
// buffer internally), so the staging buffer named by the data model is kept
// host-side here and handed to WriteBuffer at Upload time rather than
// recorded as an explicit GPU-to-GPU copy.
type deviceBuffer struct {
	target  hal.Buffer
	staging [][]byte
}

// StagedBuffer is `(device_mask, byte_size, usage) -> {per-device target} +
// {per-device, per-in-flight-frame staging}` from the data model.
type StagedBuffer struct {
	ctx     *devicectx.Context
	mask    devicemask.Mask
	size    uint64
	usage   gputypes.BufferUsage
	label   string
	frames  int
	buffers *devicemask.PerDevice[*deviceBuffer]
}

// NewStagedBuffer allocates a target buffer on every device in mask plus
// frames host-side staging slices per device, each sized to hold size
// bytes.
func NewStagedBuffer(ctx *devicectx.Context, mask devicemask.Mask, label string, size uint64, usage gputypes.BufferUsage) (*StagedBuffer, error) {
	sb := &StagedBuffer{
		ctx:    ctx,
		mask:   mask,
		size:   size,
		usage:  usage,
		label:  label,
		frames: ctx.FramesInFlight(),
	}

	buffers, err := devicemask.NewPerDevice(mask, func(id devicemask.DeviceID) (*deviceBuffer, error) {
		d, ok := ctx.Device(id)
		if !ok {
			return nil, fmt.Errorf("gpures: device %d not found in context", id)
		}
		target, err := d.Device.CreateBuffer(&hal.BufferDescriptor{
			Label: label,
			Size:  size,
			Usage: usage | gputypes.BufferUsageCopyDst,
		})
		if err != nil {
			return nil, fmt.Errorf("gpures: create target buffer for device %d: %w", id, err)
		}
		staging := make([][]byte, sb.frames)
		for i := range staging {
			staging[i] = make([]byte, size)
		}
		return &deviceBuffer{target: target, staging: staging}, nil
	})
	if err != nil {
		buffers.Close(func(id devicemask.DeviceID, b *deviceBuffer) {
			if b == nil {
				return
			}
			if d, ok := ctx.Device(id); ok {
				d.Device.DestroyBuffer(b.target)
			}
		})
		return nil, err
	}
	sb.buffers = buffers
	return sb, nil
}

// Mask returns the device mask this buffer was allocated against.
func (sb *StagedBuffer) Mask() devicemask.Mask { return sb.mask }

// Size returns the current byte size of the buffer.
func (sb *StagedBuffer) Size() uint64 { return sb.size }

// Target returns the device-local buffer handle for id.
func (sb *StagedBuffer) Target(id devicemask.DeviceID) (hal.Buffer, bool) {
	b, ok := sb.buffers.Get(id)
	if !ok {
		return nil, false
	}
	return b.target, true
}

func (sb *StagedBuffer) slot(frame uint64) int {
	return int(frame % uint64(sb.frames))
}

// Update copies data into every device's staging slice for frame, at
// offset.
func (sb *StagedBuffer) Update(frame uint64, data []byte, offset uint64) {
	slot := sb.slot(frame)
	sb.buffers.ForEach(func(_ devicemask.DeviceID, b *deviceBuffer) {
		copy(b.staging[slot][offset:], data)
	})
}

// UpdateOne copies data into only device id's staging slice for frame.
func (sb *StagedBuffer) UpdateOne(id devicemask.DeviceID, frame uint64, data []byte, offset uint64) {
	b, ok := sb.buffers.Get(id)
	if !ok {
		return
	}
	copy(b.staging[sb.slot(frame)][offset:], data)
}

// Upload flushes device id's staging slice for frame to its target buffer.
// The spec's "records a copy into a command buffer" becomes a
// Queue.WriteBuffer call here, since that is the write path the HAL
// actually exposes; cb is accepted for API symmetry with the data model
// and reserved for a future encoder-recorded copy path.
func (sb *StagedBuffer) Upload(id devicemask.DeviceID, frame uint64, _ hal.CommandEncoder) {
	b, ok := sb.buffers.Get(id)
	if !ok {
		return
	}
	d, ok := sb.ctx.Device(id)
	if !ok {
		return
	}
	d.Queue.WriteBuffer(b.target, 0, b.staging[sb.slot(frame)])
}

// UploadAll uploads frame's staging slice on every device.
func (sb *StagedBuffer) UploadAll(frame uint64) {
	sb.buffers.ForEach(func(id devicemask.DeviceID, _ *deviceBuffer) {
		sb.Upload(id, frame, nil)
	})
}

// Resize reallocates the target buffer (and staging slices) to newSize on
// every device, deferring destruction of the old target through the
// device's deferred-destroy queue so in-flight frames still referencing it
// complete safely. Returns true if the target handle actually changed,
// signalling that dependent descriptor sets must be rewritten.
func (sb *StagedBuffer) Resize(frame uint64, newSize uint64) (bool, error) {
	if newSize == sb.size {
		return false, nil
	}

	var firstErr error
	sb.buffers.ForEach(func(id devicemask.DeviceID, b *deviceBuffer) {
		if firstErr != nil {
			return
		}
		d, ok := sb.ctx.Device(id)
		if !ok {
			return
		}
		newTarget, err := d.Device.CreateBuffer(&hal.BufferDescriptor{
			Label: sb.label,
			Size:  newSize,
			Usage: sb.usage | gputypes.BufferUsageCopyDst,
		})
		if err != nil {
			firstErr = fmt.Errorf("gpures: resize target buffer for device %d: %w", id, err)
			return
		}
		old := b.target
		d.Deferred.Push(sb.slot(frame), func() { d.Device.DestroyBuffer(old) })
		b.target = newTarget
		for i := range b.staging {
			grown := make([]byte, newSize)
			copy(grown, b.staging[i])
			b.staging[i] = grown
		}
	})
	if firstErr != nil {
		return false, firstErr
	}
	sb.size = newSize
	return true, nil
}

// Close destroys every device's target buffer immediately. Callers must
// ensure no in-flight frame references the buffer (see FrameLoop.Sync).
func (sb *StagedBuffer) Close() {
	sb.buffers.Close(func(id devicemask.DeviceID, b *deviceBuffer) {
		if d, ok := sb.ctx.Device(id); ok {
			d.Device.DestroyBuffer(b.target)
		}
	})
}

// EntryStride returns the per-entry byte stride for type size baseSize on
// device id: for a uniform-buffer-usage StagedBuffer this is baseSize
// rounded up to the device's minimum uniform-buffer offset alignment; for
// any other usage it is baseSize unchanged.
func (sb *StagedBuffer) EntryStride(id devicemask.DeviceID, baseSize uint64) uint64 {
	if sb.usage&gputypes.BufferUsageUniform == 0 {
		return baseSize
	}
	d, ok := sb.ctx.Device(id)
	if !ok {
		return baseSize
	}
	align := uint64(d.Limits.MinUniformBufferOffsetAlignment)
	if align == 0 {
		return baseSize
	}
	return (baseSize + align - 1) &^ (align - 1)
}

// ForEach writes entries typed T into frame's staging slice for every
// device, applying each device's own alignment-derived stride — the
// "foreach<T>" operation from the data model. When the buffer spans a
// single device the call short-circuits to that device's natural stride;
// with multiple devices whose uniform-buffer alignment differs, each
// device gets its own correctly strided copy, matching the original's
// "harder update since devices may have incompatible alignment
// requirements" path.
func ForEach[T any](sb *StagedBuffer, frame uint64, count int, fill func(index int, entry *T)) {
	var zero T
	baseSize := uint64(unsafe.Sizeof(zero))
	slot := sb.slot(frame)

	sb.buffers.ForEach(func(id devicemask.DeviceID, b *deviceBuffer) {
		if count == 0 || len(b.staging[slot]) == 0 {
			return
		}
		stride := sb.EntryStride(id, baseSize)
		need := stride * uint64(count)
		if need > uint64(len(b.staging[slot])) {
			return
		}
		base := &b.staging[slot][0]
		for i := 0; i < count; i++ {
			off := uintptr(stride) * uintptr(i)
			entry := (*T)(unsafe.Add(unsafe.Pointer(base), off))
			fill(i, entry)
		}
	})
}

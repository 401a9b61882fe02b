// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package noop

import "github.com/tauray-gpu/tauray/hal"

// Queue implements hal.Queue for the noop backend.
type Queue struct{}

// Submit simulates command buffer submission: commandBuffers are ignored,
// fence (if non-nil) is signaled synchronously with fenceValue.
func (q *Queue) Submit(_ []hal.CommandBuffer, fence hal.Fence, fenceValue uint64) error {
	if f, ok := fence.(*Fence); ok {
		f.signal(fenceValue)
	}
	return nil
}

// WriteBuffer copies data into buffer's backing storage if it has any
// (i.e. it was created with MappedAtCreation).
func (q *Queue) WriteBuffer(buffer hal.Buffer, offset uint64, data []byte) {
	if b, ok := buffer.(*Buffer); ok && b.data != nil {
		copy(b.data[offset:], data)
	}
}

// WriteTexture is a no-op: noop textures store no data.
func (q *Queue) WriteTexture(_ *hal.ImageCopyTexture, _ []byte, _ *hal.ImageDataLayout, _ *hal.Extent3D) {
}

// Present always succeeds.
func (q *Queue) Present(_ hal.Surface, _ hal.SurfaceTexture) error {
	return nil
}

// GetTimestampPeriod returns 1.0 nanosecond per tick.
func (q *Queue) GetTimestampPeriod() float32 {
	return 1.0
}

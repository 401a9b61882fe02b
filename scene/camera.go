// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package scene

// Camera is a projective camera placed in the scene. The GPU-visible camera
// table stores one uniform block per camera plus, appended as a second
// half, its previous-frame value copied from a CPU-side shadow after each
// upload, so temporal algorithms can reproject without a frame of lag.
type Camera struct {
	ViewProj     [16]float32
	View         [16]float32
	Proj         [16]float32
	Position     [3]float32
	NearPlane    float32
	FarPlane     float32
	FieldOfView  float32

	prev    [16]float32
	prevSet bool
}

// cameraRecordSize is the packed byte size of one camera's current-plus-
// previous GPU record: two 4x4 matrices (view-proj, used for reprojection)
// plus position and near/far, doubled for the previous-frame half.
const cameraRecordSize = (16*4 + 3*4 + 4) * 2

// commitPrev copies ViewProj into the CPU-side previous-frame shadow, to be
// written as the second half of this camera's GPU record on the next
// upload.
func (c *Camera) commitPrev() {
	c.prev = c.ViewProj
	c.prevSet = true
}

// PrevViewProj returns the view-projection matrix as of the last commit, or
// the current one if no frame has committed yet.
func (c *Camera) PrevViewProj() [16]float32 {
	if !c.prevSet {
		return c.ViewProj
	}
	return c.prev
}

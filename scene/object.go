// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package scene

// Group binds one mesh to the material it is rendered with. A Model is a
// list of groups sharing one placement, matching the original's
// multi-material mesh grouping.
type Group struct {
	Mesh     *Mesh
	Animated *AnimatedMesh // non-nil for a skinned group; Mesh is still its source
	Material *Material
}

// Model is an ordered list of mesh/material groups placed together by one
// Object.
type Model struct {
	Groups []Group
}

// GroupCount returns the number of (mesh, material) groups, i.e. the number
// of flattened scene instances this model expands into.
func (m *Model) GroupCount() int { return len(m.Groups) }

// Object places a Model in the scene with a world transform. It is the
// scene's unit of identity for the instance cache: two Update calls with an
// unchanged transform for the same Object reuse the cached instance entries.
type Object struct {
	Model     *Model
	Transform [16]float32

	// ShadowTerminatorOffset biases shadow-terminator softening per
	// instance, matching the original's per-instance shadow_terminator_mul.
	ShadowTerminatorOffset float32

	prevTransform  [16]float32
	hasPrev        bool
	lastRefreshGen uint64
}

// IsStatic reports whether every group in the object's model is
// unanimated, matching the original's mesh_object::is_static().
func (o *Object) IsStatic() bool {
	for _, g := range o.Model.Groups {
		if g.Animated != nil {
			return false
		}
	}
	return true
}

// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

// Package devicemask implements the device mask and per_device<T> container
// described in the data model: a bitset over small integer device ids, and a
// generic container that replicates a value once per device in the mask.
package devicemask

import "math/bits"

// DeviceID identifies one physical device slot within a Context. Device ids
// are assigned densely starting at zero during enumeration.
type DeviceID int

// Mask is a bitset over device ids. The zero value is the empty mask.
// Masks fit in a single uint64, bounding the renderer to 64 devices — far
// beyond any real multi-GPU configuration.
type Mask uint64

// Of builds a mask containing exactly the given ids.
func Of(ids ...DeviceID) Mask {
	var m Mask
	for _, id := range ids {
		m = m.With(id)
	}
	return m
}

// All returns a mask containing device ids [0, n).
func All(n int) Mask {
	if n <= 0 {
		return 0
	}
	if n >= 64 {
		return Mask(^uint64(0))
	}
	return Mask(uint64(1)<<uint(n)) - 1
}

// With returns a copy of m with id added.
func (m Mask) With(id DeviceID) Mask {
	return m | Mask(uint64(1)<<uint(id))
}

// Without returns a copy of m with id removed.
func (m Mask) Without(id DeviceID) Mask {
	return m &^ Mask(uint64(1)<<uint(id))
}

// Has reports whether id is a member of m.
func (m Mask) Has(id DeviceID) bool {
	return m&Mask(uint64(1)<<uint(id)) != 0
}

// Union returns the set union of m and other.
func (m Mask) Union(other Mask) Mask {
	return m | other
}

// Intersect returns the set intersection of m and other.
func (m Mask) Intersect(other Mask) Mask {
	return m & other
}

// Difference returns the ids in m that are not in other.
func (m Mask) Difference(other Mask) Mask {
	return m &^ other
}

// Count returns the number of device ids in m.
func (m Mask) Count() int {
	return bits.OnesCount64(uint64(m))
}

// Empty reports whether m has no members.
func (m Mask) Empty() bool {
	return m == 0
}

// IDs returns the device ids in m in ascending order.
func (m Mask) IDs() []DeviceID {
	ids := make([]DeviceID, 0, m.Count())
	for b := uint64(m); b != 0; b &= b - 1 {
		ids = append(ids, DeviceID(bits.TrailingZeros64(b)))
	}
	return ids
}

// ForEach calls f for every device id in m, in ascending order.
func (m Mask) ForEach(f func(DeviceID)) {
	for b := uint64(m); b != 0; b &= b - 1 {
		f(DeviceID(bits.TrailingZeros64(b)))
	}
}

// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package devicemask

// PerDevice is a `device_id -> T` container, constructed once for a fixed
// device mask and holding exclusive ownership of each replica's lifetime.
// Only Set adds ids beyond the construction-time mask.
type PerDevice[T any] struct {
	mask     Mask
	replicas map[DeviceID]T
}

// NewPerDevice constructs a replica for every device in mask by calling init
// once per id. If init returns an error for any device, construction stops
// and that error is returned; replicas already created are left in place for
// the caller to clean up (the container does not call a destructor on
// partial-construction failure, matching the teacher's fail-fast policy for
// resource-creation errors).
func NewPerDevice[T any](mask Mask, init func(DeviceID) (T, error)) (*PerDevice[T], error) {
	pd := &PerDevice[T]{
		mask:     mask,
		replicas: make(map[DeviceID]T, mask.Count()),
	}
	for _, id := range mask.IDs() {
		v, err := init(id)
		if err != nil {
			return pd, err
		}
		pd.replicas[id] = v
	}
	return pd, nil
}

// Mask returns the device mask this container was constructed for.
func (pd *PerDevice[T]) Mask() Mask {
	return pd.mask
}

// Get returns the replica for id and whether it exists.
func (pd *PerDevice[T]) Get(id DeviceID) (T, bool) {
	v, ok := pd.replicas[id]
	return v, ok
}

// MustGet returns the replica for id, panicking if id is not in the mask.
// Used at call sites where the id is already known to come from the same
// mask (e.g. iterating a Context's own device list).
func (pd *PerDevice[T]) MustGet(id DeviceID) T {
	v, ok := pd.replicas[id]
	if !ok {
		panic("devicemask: no replica for device id")
	}
	return v
}

// Set installs or replaces the replica for id, extending the mask. Used by
// resize-style operations that must swap a replica's backing resource.
func (pd *PerDevice[T]) Set(id DeviceID, v T) {
	pd.mask = pd.mask.With(id)
	pd.replicas[id] = v
}

// ForEach calls f for every (id, replica) pair in ascending id order.
func (pd *PerDevice[T]) ForEach(f func(DeviceID, T)) {
	for _, id := range pd.mask.IDs() {
		f(id, pd.replicas[id])
	}
}

// ForEachErr calls f for every (id, replica) pair in ascending id order,
// stopping at the first error.
func (pd *PerDevice[T]) ForEachErr(f func(DeviceID, T) error) error {
	for _, id := range pd.mask.IDs() {
		if err := f(id, pd.replicas[id]); err != nil {
			return err
		}
	}
	return nil
}

// Close calls destroy on every replica, in ascending id order, and empties
// the container. Intended to be deferred alongside the resource that owns
// this container.
func (pd *PerDevice[T]) Close(destroy func(DeviceID, T)) {
	for _, id := range pd.mask.IDs() {
		destroy(id, pd.replicas[id])
	}
	pd.replicas = make(map[DeviceID]T)
	pd.mask = 0
}

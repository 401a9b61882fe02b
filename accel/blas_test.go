// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package accel

import (
	"testing"

	"github.com/tauray-gpu/tauray/internal/devicemask"
)

func triangleEntry() Entry {
	return Entry{
		VertexBuffer:     &fakeBuffer{id: 1},
		VertexBufferSize: 96,
		VertexStride:     12,
		MaxVertex:        2,
		IndexBuffer:      &fakeBuffer{id: 2},
		PrimitiveCount:   1,
		Opaque:           true,
	}
}

func TestNewBLAS_RejectsEmptyEntries(t *testing.T) {
	ctx := newTestContext(t, 1, 2)
	if _, err := NewBLAS(ctx, ctx.Mask(), "empty", nil, BLASOptions{}); err == nil {
		t.Fatal("NewBLAS with no entries did not return an error")
	}
}

func TestBLASOptions_CompactOnlyWithoutDynamic(t *testing.T) {
	tests := []struct {
		name    string
		opts    BLASOptions
		compact bool
	}{
		{"neither", BLASOptions{}, false},
		{"compact only", BLASOptions{Compact: true}, true},
		{"dynamic only", BLASOptions{Dynamic: true}, false},
		{"both set", BLASOptions{Dynamic: true, Compact: true}, false},
	}
	for _, tt := range tests {
		if got := tt.opts.compact(); got != tt.compact {
			t.Errorf("%s: compact() = %v, want %v", tt.name, got, tt.compact)
		}
	}
}

func TestBLAS_RebuildAllocatesAndBuilds(t *testing.T) {
	ctx := newTestContext(t, 1, 2)
	id := ctx.Mask().IDs()[0]
	d, _ := ctx.Device(id)

	blas, err := NewBLAS(ctx, ctx.Mask(), "mesh", []Entry{triangleEntry()}, BLASOptions{})
	if err != nil {
		t.Fatalf("NewBLAS: %v", err)
	}
	blas.UpdateTransforms(0)

	enc, _ := d.Device.CreateCommandEncoder(nil)
	fc := enc.(*fakeCommandEncoder)

	if err := blas.Rebuild(id, 0, enc, false); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if fc.device.buildCalls != 1 {
		t.Errorf("buildCalls = %d, want 1", fc.device.buildCalls)
	}
	if blas.Handle(id) == nil {
		t.Error("Handle is nil after Rebuild")
	}
	if blas.DeviceAddress(id) == 0 {
		t.Error("DeviceAddress is 0 after Rebuild")
	}
	if blas.GetUpdatesSinceRebuild() != 0 {
		t.Errorf("GetUpdatesSinceRebuild() = %d, want 0 after a full build", blas.GetUpdatesSinceRebuild())
	}
}

func TestBLAS_UpdateIncrementsCounterAndReusesStructure(t *testing.T) {
	ctx := newTestContext(t, 1, 2)
	id := ctx.Mask().IDs()[0]
	d, _ := ctx.Device(id)

	blas, err := NewBLAS(ctx, ctx.Mask(), "mesh", []Entry{triangleEntry()}, BLASOptions{Dynamic: true})
	if err != nil {
		t.Fatalf("NewBLAS: %v", err)
	}

	enc, _ := d.Device.CreateCommandEncoder(nil)
	if err := blas.Rebuild(id, 0, enc, false); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	first := blas.Handle(id)

	if err := blas.Rebuild(id, 1, enc, true); err != nil {
		t.Fatalf("Rebuild (update): %v", err)
	}
	if blas.Handle(id) != first {
		t.Error("update rebuild replaced the structure handle")
	}
	if blas.GetUpdatesSinceRebuild() != 1 {
		t.Errorf("GetUpdatesSinceRebuild() = %d, want 1", blas.GetUpdatesSinceRebuild())
	}
}

func TestBLAS_CompactLifecycle(t *testing.T) {
	ctx := newTestContext(t, 1, 2)
	id := ctx.Mask().IDs()[0]
	d, _ := ctx.Device(id)
	fd := d.Device.(*fakeDevice)

	blas, err := NewBLAS(ctx, ctx.Mask(), "mesh", []Entry{triangleEntry()}, BLASOptions{Compact: true})
	if err != nil {
		t.Fatalf("NewBLAS: %v", err)
	}

	enc, _ := d.Device.CreateCommandEncoder(nil)
	fc := enc.(*fakeCommandEncoder)

	if err := blas.Rebuild(id, 0, enc, false); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if len(fc.compactedSize) != 1 {
		t.Fatalf("compacted-size query recorded %d times, want 1", len(fc.compactedSize))
	}
	fatStructure := blas.Handle(id)

	fd.queryResults[blasQuerySet(t, blas, id)] = []uint64{300}

	if err := blas.FinishCompaction(id, 0, enc); err != nil {
		t.Fatalf("FinishCompaction: %v", err)
	}
	if fc.device.compactCopies != 1 {
		t.Errorf("compactCopies = %d, want 1", fc.device.compactCopies)
	}
	if blas.Handle(id) == fatStructure {
		t.Error("FinishCompaction did not swap in a new structure")
	}

	d.Deferred.FlushAll()
	if !fd.destroyedAS[fatStructure] {
		t.Error("the throwaway full-size structure was never destroyed")
	}
}

// blasQuerySet reaches into the BLAS's per-device state to find the query
// set FinishCompaction will read, so the test can script its result before
// calling FinishCompaction.
func blasQuerySet(t *testing.T, blas *BLAS, id devicemask.DeviceID) *fakeQuerySet {
	t.Helper()
	bd, ok := blas.devices.Get(id)
	if !ok || bd.compactQuery == nil {
		t.Fatal("no pending compacted-size query")
	}
	qs, ok := bd.compactQuery.(*fakeQuerySet)
	if !ok {
		t.Fatal("compactQuery is not a *fakeQuerySet")
	}
	return qs
}

func TestBLAS_CloseDestroysEverything(t *testing.T) {
	ctx := newTestContext(t, 1, 2)
	id := ctx.Mask().IDs()[0]
	d, _ := ctx.Device(id)
	fd := d.Device.(*fakeDevice)

	blas, err := NewBLAS(ctx, ctx.Mask(), "mesh", []Entry{triangleEntry()}, BLASOptions{})
	if err != nil {
		t.Fatalf("NewBLAS: %v", err)
	}
	enc, _ := d.Device.CreateCommandEncoder(nil)
	if err := blas.Rebuild(id, 0, enc, false); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	structure := blas.Handle(id)

	blas.Close()

	if !fd.destroyedAS[structure] {
		t.Error("Close did not destroy the acceleration structure")
	}
	if len(fd.destroyedBuffers) == 0 {
		t.Error("Close did not destroy any backing buffers")
	}
}

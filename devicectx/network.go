// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package devicectx

import (
	"encoding/binary"
	"math"

	"github.com/tauray-gpu/tauray/internal/devicemask"
	"github.com/tauray-gpu/tauray/internal/thread"
)

// NetworkReceiver is the auxiliary goroutine spec.md §5 allows for the
// distributed-SH variants' network receiver/sender logic, synchronized to
// the main render loop via internal/thread.FrameQueue (a frame-queue mutex +
// condition variable). It decodes each arriving FrameUpdate as a remote
// device's measured per-frame render time and feeds it into a WorkloadSplit,
// so the main thread only ever reads already-smoothed weights and never
// blocks on network I/O. The wire transport that delivers updates into Push
// is out of scope; this type owns only the host-side handoff.
type NetworkReceiver struct {
	queue *thread.FrameQueue
	split *WorkloadSplit
	done  chan struct{}
}

// NewNetworkReceiver starts draining a queue of depth backlog into split.
func NewNetworkReceiver(split *WorkloadSplit, backlog int) *NetworkReceiver {
	nr := &NetworkReceiver{
		queue: thread.NewFrameQueue(backlog),
		split: split,
		done:  make(chan struct{}),
	}
	go nr.drain()
	return nr
}

// Push enqueues device's measured render time for frame, in seconds.
// Called from whatever goroutine the network transport delivers updates on.
func (nr *NetworkReceiver) Push(device devicemask.DeviceID, frame uint64, frameSeconds float64) {
	var data [8]byte
	binary.LittleEndian.PutUint64(data[:], math.Float64bits(frameSeconds))
	nr.queue.Push(thread.FrameUpdate{Device: int(device), Frame: frame, Data: data[:]})
}

func (nr *NetworkReceiver) drain() {
	defer close(nr.done)
	// latest keeps each device's most recent timing so every Update weighs
	// all reporting devices against each other, not one device alone.
	latest := map[devicemask.DeviceID]float64{}
	for {
		u, ok := nr.queue.Pop()
		if !ok {
			return
		}
		if len(u.Data) < 8 {
			continue
		}
		t := math.Float64frombits(binary.LittleEndian.Uint64(u.Data))
		latest[devicemask.DeviceID(u.Device)] = t
		nr.split.Update(latest)
	}
}

// Close stops the receiver and waits for the drain goroutine to exit.
func (nr *NetworkReceiver) Close() {
	nr.queue.Close()
	<-nr.done
}

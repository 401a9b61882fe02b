// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package restir

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gogpu/gputypes"
	"github.com/tauray-gpu/tauray/devicectx"
	"github.com/tauray-gpu/tauray/hal"
	"github.com/tauray-gpu/tauray/internal/devicemask"
)

// reservoirStride is the byte size of one packed Reservoir record, laid
// out std430 so the Go-side packing below matches the compute shaders'
// array<Reservoir> storage buffer exactly: three f32 scalars, one packed
// bitfield word, a vec2 + two u32 reconnection-hit fields, a vec3+f32
// reconnection radiance/luminance pair, and two seeds + a vec2 incident
// direction. Every field groups to its natural std430 alignment with no
// trailing padding, landing on a clean 64 bytes.
//
// The data model describes this pair as texture-backed; hardware texture
// formats have a fixed, small channel count and none can hold an
// irregular bitfield like the one below, so this module keeps reservoirs
// in a per-pixel storage buffer instead, the same way the original's own
// reservoir buffer is an SSBO rather than an image.
const reservoirStride = 64

// Lobe identifies which BSDF lobe a reservoir's head or tail vertex
// sampled, matching the four-way split the packed bitfield uses.
type Lobe uint8

const (
	LobeNEE Lobe = iota
	LobeDiffuse
	LobeTransmission
	LobeReflection
)

// Reservoir is the CPU-side mirror of one packed GPU reservoir record,
// used by tests and any host-side inspection; the compute passes operate
// on the packed bytes directly and never round-trip through this type.
type Reservoir struct {
	TargetPDF float32
	Weight    float32
	Jacobian  float32

	Confidence    uint16 // 15 bits; saturates at 32767
	NEETerminal   bool
	HeadLobe      Lobe
	TailLobe      Lobe
	HeadPathLen   uint8 // 6 bits
	TailPathLen   uint8 // 6 bits

	ReconBary       [2]float32
	ReconInstanceID uint32
	ReconPrimitive  uint32
	ReconRadiance   [3]float32
	ReconLuminance  float32

	HeadSeed    uint32
	TailSeed    uint32
	IncidentDir [2]float32
}

func packBits(r Reservoir) uint32 {
	conf := uint32(r.Confidence)
	if conf > maxConfidenceHardCap {
		conf = maxConfidenceHardCap
	}
	var nee uint32
	if r.NEETerminal {
		nee = 1
	}
	return conf |
		nee<<15 |
		uint32(r.HeadLobe&0x3)<<16 |
		uint32(r.TailLobe&0x3)<<18 |
		uint32(r.HeadPathLen&0x3f)<<20 |
		uint32(r.TailPathLen&0x3f)<<26
}

func unpackBits(v uint32) (confidence uint16, nee bool, headLobe, tailLobe Lobe, headLen, tailLen uint8) {
	confidence = uint16(v & 0x7fff)
	nee = (v>>15)&1 != 0
	headLobe = Lobe((v >> 16) & 0x3)
	tailLobe = Lobe((v >> 18) & 0x3)
	headLen = uint8((v >> 20) & 0x3f)
	tailLen = uint8((v >> 26) & 0x3f)
	return
}

// Marshal packs r into a reservoirStride-byte record.
func (r Reservoir) Marshal() []byte {
	buf := make([]byte, reservoirStride)
	putF32 := func(off int, v float32) { binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(v)) }
	putU32 := func(off int, v uint32) { binary.LittleEndian.PutUint32(buf[off:], v) }

	putF32(0, r.TargetPDF)
	putF32(4, r.Weight)
	putF32(8, r.Jacobian)
	putU32(12, packBits(r))
	putF32(16, r.ReconBary[0])
	putF32(20, r.ReconBary[1])
	putU32(24, r.ReconInstanceID)
	putU32(28, r.ReconPrimitive)
	putF32(32, r.ReconRadiance[0])
	putF32(36, r.ReconRadiance[1])
	putF32(40, r.ReconRadiance[2])
	putF32(44, r.ReconLuminance)
	putU32(48, r.HeadSeed)
	putU32(52, r.TailSeed)
	putF32(56, r.IncidentDir[0])
	putF32(60, r.IncidentDir[1])
	return buf
}

// UnmarshalReservoir is Marshal's inverse.
func UnmarshalReservoir(buf []byte) (Reservoir, error) {
	if len(buf) < reservoirStride {
		return Reservoir{}, fmt.Errorf("restir: reservoir record is %d bytes, want %d", len(buf), reservoirStride)
	}
	getF32 := func(off int) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(buf[off:])) }
	getU32 := func(off int) uint32 { return binary.LittleEndian.Uint32(buf[off:]) }

	var r Reservoir
	r.TargetPDF = getF32(0)
	r.Weight = getF32(4)
	r.Jacobian = getF32(8)
	r.Confidence, r.NEETerminal, r.HeadLobe, r.TailLobe, r.HeadPathLen, r.TailPathLen = unpackBits(getU32(12))
	r.ReconBary = [2]float32{getF32(16), getF32(20)}
	r.ReconInstanceID = getU32(24)
	r.ReconPrimitive = getU32(28)
	r.ReconRadiance = [3]float32{getF32(32), getF32(36), getF32(40)}
	r.ReconLuminance = getF32(44)
	r.HeadSeed = getU32(48)
	r.TailSeed = getU32(52)
	r.IncidentDir = [2]float32{getF32(56), getF32(60)}
	return r, nil
}

type reservoirDevice struct {
	// parity selects which of the two buffers below is "current" after
	// the most recent spatial gather's swap; 0 or 1.
	parity  int
	buffers [2]hal.Buffer
}

// reservoirPair owns the double-buffered reservoir storage described by
// §4.7.1: one pixel-indexed array per parity, swapped at the end of every
// spatial gather so the next frame's temporal reuse reads last frame's
// result while this frame writes the other buffer.
type reservoirPair struct {
	ctx     *devicectx.Context
	label   string
	count   uint64 // pixels (width*height*layers)
	devices *devicemask.PerDevice[*reservoirDevice]
}

func newReservoirPair(ctx *devicectx.Context, mask devicemask.Mask, label string, width, height, layers uint32) (*reservoirPair, error) {
	count := uint64(width) * uint64(height) * uint64(layers)
	size := count * reservoirStride
	devices, err := devicemask.NewPerDevice(mask, func(id devicemask.DeviceID) (*reservoirDevice, error) {
		d, ok := ctx.Device(id)
		if !ok {
			return nil, fmt.Errorf("restir: device %d not found in context", id)
		}
		rd := &reservoirDevice{}
		for i := range rd.buffers {
			buf, err := d.Device.CreateBuffer(&hal.BufferDescriptor{
				Label: fmt.Sprintf("%s.reservoirs[%d]", label, i),
				Size:  size,
				Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
			})
			if err != nil {
				for j := 0; j < i; j++ {
					d.Device.DestroyBuffer(rd.buffers[j])
				}
				return nil, fmt.Errorf("restir: reservoir buffer %d for device %d: %w", i, id, err)
			}
			rd.buffers[i] = buf
		}
		return rd, nil
	})
	if err != nil {
		devices.Close(func(id devicemask.DeviceID, rd *reservoirDevice) {
			if rd == nil {
				return
			}
			d, ok := ctx.Device(id)
			if !ok {
				return
			}
			for _, buf := range rd.buffers {
				if buf != nil {
					d.Device.DestroyBuffer(buf)
				}
			}
		})
		return nil, err
	}
	return &reservoirPair{ctx: ctx, label: label, count: count, devices: devices}, nil
}

// clear zero-initializes both parities on id, used on Core's first Run
// for each device so
// a reservoir's confidence and target-function value start at zero and
// contribute nothing until a pass writes into it, per the zero-confidence
// invariant in §4.7.3.
func (p *reservoirPair) clear(enc hal.CommandEncoder, id devicemask.DeviceID) error {
	rd, ok := p.devices.Get(id)
	if !ok {
		return fmt.Errorf("restir: device %d not found", id)
	}
	size := p.count * reservoirStride
	for _, buf := range rd.buffers {
		enc.ClearBuffer(buf, 0, size)
	}
	return nil
}

// current returns the buffer a reuse pass should read as "previous" and
// write as "current" for id, per the last recorded swap.
func (p *reservoirPair) current(id devicemask.DeviceID) (hal.Buffer, hal.Buffer, error) {
	rd, ok := p.devices.Get(id)
	if !ok {
		return nil, nil, fmt.Errorf("restir: device %d not found", id)
	}
	cur := rd.buffers[rd.parity]
	prev := rd.buffers[1-rd.parity]
	return cur, prev, nil
}

// swap flips the parity recorded for id, so next frame's "previous" is
// this frame's "current", per §4.7.2(d)'s "swap reservoir parity" step.
func (p *reservoirPair) swap(id devicemask.DeviceID) {
	if rd, ok := p.devices.Get(id); ok {
		rd.parity = 1 - rd.parity
	}
}

func (p *reservoirPair) close() {
	p.devices.Close(func(id devicemask.DeviceID, rd *reservoirDevice) {
		d, ok := p.ctx.Device(id)
		if !ok {
			return
		}
		for _, buf := range rd.buffers {
			if buf != nil {
				d.Device.DestroyBuffer(buf)
			}
		}
	})
}

// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package scene

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/tauray-gpu/tauray/devicectx"
	"github.com/tauray-gpu/tauray/hal"
	"github.com/tauray-gpu/tauray/internal/devicemask"
)

var nextMeshID atomic.Uint64

// SkinData carries per-vertex skinning weights for an animated mesh: four
// joint indices and four weights per vertex, plus the current joint
// transform palette.
type SkinData struct {
	Joints          [][4]uint16
	Weights         [][4]float32
	JointTransforms [][16]float32
}

type meshDevice struct {
	positions hal.Buffer
	normals   hal.Buffer
	uvs       hal.Buffer
	tangents  hal.Buffer
	indices   hal.Buffer
}

// Mesh is a static triangle mesh: a vertex array (position, normal, uv,
// tangent) and an index array, uploaded once per device. ID is reassigned
// whenever the mesh's GPU buffers are (re)created, so that acceleration
// structures sharing the old id can detect the topology change and rebuild
// instead of refitting.
type Mesh struct {
	ID uint64

	Positions [][3]float32
	Normals   [][3]float32
	UVs       [][2]float32
	Tangents  [][4]float32
	Indices   []uint32
	Skin      *SkinData

	ctx     *devicectx.Context
	mask    devicemask.Mask
	label   string
	devices *devicemask.PerDevice[*meshDevice]
}

const vec3Size = 3 * 4

func packVec3(v [][3]float32) []byte {
	out := make([]byte, len(v)*vec3Size)
	for i, p := range v {
		off := i * vec3Size
		binary.LittleEndian.PutUint32(out[off:], math.Float32bits(p[0]))
		binary.LittleEndian.PutUint32(out[off+4:], math.Float32bits(p[1]))
		binary.LittleEndian.PutUint32(out[off+8:], math.Float32bits(p[2]))
	}
	return out
}

const vec2Size = 2 * 4

func packVec2(v [][2]float32) []byte {
	out := make([]byte, len(v)*vec2Size)
	for i, p := range v {
		off := i * vec2Size
		binary.LittleEndian.PutUint32(out[off:], math.Float32bits(p[0]))
		binary.LittleEndian.PutUint32(out[off+4:], math.Float32bits(p[1]))
	}
	return out
}

const vec4Size = 4 * 4

func packVec4(v [][4]float32) []byte {
	out := make([]byte, len(v)*vec4Size)
	for i, p := range v {
		off := i * vec4Size
		for c := 0; c < 4; c++ {
			binary.LittleEndian.PutUint32(out[off+c*4:], math.Float32bits(p[c]))
		}
	}
	return out
}

func packUint32(v []uint32) []byte {
	out := make([]byte, len(v)*4)
	for i, x := range v {
		binary.LittleEndian.PutUint32(out[i*4:], x)
	}
	return out
}

// NewMesh allocates device-local vertex and index buffers on every device in
// mask and uploads the given CPU arrays. uvs and tangents may be nil; skin
// may be nil for a non-skinned mesh.
func NewMesh(ctx *devicectx.Context, mask devicemask.Mask, label string, positions, normals [][3]float32, uvs [][2]float32, tangents [][4]float32, indices []uint32, skin *SkinData) (*Mesh, error) {
	if len(positions) == 0 {
		return nil, fmt.Errorf("scene: mesh %q has no vertices", label)
	}
	if len(indices)%3 != 0 {
		return nil, fmt.Errorf("scene: mesh %q index count %d is not a multiple of 3", label, len(indices))
	}

	m := &Mesh{
		ID:        nextMeshID.Add(1),
		Positions: positions,
		Normals:   normals,
		UVs:       uvs,
		Tangents:  tangents,
		Indices:   indices,
		Skin:      skin,
		ctx:       ctx,
		mask:      mask,
		label:     label,
	}

	vertexUsage := gputypes.BufferUsageStorage | gputypes.BufferUsageVertex | gputypes.BufferUsageCopyDst
	indexUsage := gputypes.BufferUsageStorage | gputypes.BufferUsageIndex | gputypes.BufferUsageCopyDst

	posBytes := packVec3(positions)
	normBytes := packVec3(normals)
	uvBytes := packVec2(uvs)
	tanBytes := packVec4(tangents)
	idxBytes := packUint32(indices)

	devices, err := devicemask.NewPerDevice(mask, func(id devicemask.DeviceID) (*meshDevice, error) {
		d, ok := ctx.Device(id)
		if !ok {
			return nil, fmt.Errorf("scene: device %d not found", id)
		}
		md := &meshDevice{}

		var createErr error
		create := func(label string, usage gputypes.BufferUsage, data []byte) hal.Buffer {
			if createErr != nil || len(data) == 0 {
				return nil
			}
			buf, err := d.Device.CreateBuffer(&hal.BufferDescriptor{Label: label, Size: uint64(len(data)), Usage: usage})
			if err != nil {
				createErr = fmt.Errorf("scene: mesh %q buffer %q for device %d: %w", m.label, label, id, err)
				return nil
			}
			d.Queue.WriteBuffer(buf, 0, data)
			return buf
		}

		md.positions = create(label+".positions", vertexUsage, posBytes)
		md.normals = create(label+".normals", vertexUsage, normBytes)
		md.uvs = create(label+".uvs", vertexUsage, uvBytes)
		md.tangents = create(label+".tangents", vertexUsage, tanBytes)
		md.indices = create(label+".indices", indexUsage, idxBytes)
		if createErr != nil {
			return nil, createErr
		}
		return md, nil
	})
	if err != nil {
		devices.Close(func(id devicemask.DeviceID, md *meshDevice) {
			if md == nil {
				return
			}
			d, ok := ctx.Device(id)
			if !ok {
				return
			}
			for _, b := range []hal.Buffer{md.positions, md.normals, md.uvs, md.tangents, md.indices} {
				if b != nil {
					d.Device.DestroyBuffer(b)
				}
			}
		})
		return nil, err
	}
	m.devices = devices
	return m, nil
}

// PositionBuffer, IndexBuffer return id's device-local buffer handles, for
// callers building an accel.Entry from this mesh.
func (m *Mesh) PositionBuffer(id devicemask.DeviceID) (hal.Buffer, bool) {
	md, ok := m.devices.Get(id)
	if !ok {
		return nil, false
	}
	return md.positions, true
}

func (m *Mesh) IndexBuffer(id devicemask.DeviceID) (hal.Buffer, bool) {
	md, ok := m.devices.Get(id)
	if !ok {
		return nil, false
	}
	return md.indices, true
}

// NormalBuffer, UVBuffer, TangentBuffer return id's device-local buffer
// handles for the corresponding vertex attribute, for a raster pipeline
// binding a mesh's full vertex layout. A false second result means the
// attribute wasn't supplied to NewMesh (nil slice) and has no buffer.
func (m *Mesh) NormalBuffer(id devicemask.DeviceID) (hal.Buffer, bool) {
	md, ok := m.devices.Get(id)
	if !ok || md.normals == nil {
		return nil, false
	}
	return md.normals, true
}

func (m *Mesh) UVBuffer(id devicemask.DeviceID) (hal.Buffer, bool) {
	md, ok := m.devices.Get(id)
	if !ok || md.uvs == nil {
		return nil, false
	}
	return md.uvs, true
}

func (m *Mesh) TangentBuffer(id devicemask.DeviceID) (hal.Buffer, bool) {
	md, ok := m.devices.Get(id)
	if !ok || md.tangents == nil {
		return nil, false
	}
	return md.tangents, true
}

// PositionBufferSize returns the byte size of the position buffer.
func (m *Mesh) PositionBufferSize() uint64 { return uint64(len(m.Positions)) * vec3Size }

// PrimitiveCount returns the number of triangles in the mesh.
func (m *Mesh) PrimitiveCount() uint32 { return uint32(len(m.Indices) / 3) }

// Animated reports whether the mesh carries skinning data.
func (m *Mesh) Animated() bool { return m.Skin != nil }

// Close destroys every device's vertex and index buffers.
func (m *Mesh) Close() {
	m.devices.Close(func(id devicemask.DeviceID, md *meshDevice) {
		d, ok := m.ctx.Device(id)
		if !ok {
			return
		}
		for _, b := range []hal.Buffer{md.positions, md.normals, md.uvs, md.tangents, md.indices} {
			if b != nil {
				d.Device.DestroyBuffer(b)
			}
		}
	})
}

// AnimatedMesh references a source mesh plus a per-device output vertex
// buffer written by a skinning compute pass, and a previous-frame position
// buffer holding last frame's positions at the point skinning starts,
// matching the data model's invariant for temporal algorithms that need the
// prior frame's geometry.
type AnimatedMesh struct {
	Source *Mesh

	ctx     *devicectx.Context
	mask    devicemask.Mask
	label   string
	devices *devicemask.PerDevice[*animatedMeshDevice]
}

type animatedMeshDevice struct {
	positions     hal.Buffer
	prevPositions hal.Buffer
}

// NewAnimatedMesh allocates the output and previous-position vertex buffers,
// sized identically to source's position buffer.
func NewAnimatedMesh(ctx *devicectx.Context, mask devicemask.Mask, label string, source *Mesh) (*AnimatedMesh, error) {
	if !source.Animated() {
		return nil, fmt.Errorf("scene: mesh %q has no skinning data", source.label)
	}
	size := source.PositionBufferSize()
	usage := gputypes.BufferUsageStorage | gputypes.BufferUsageVertex | gputypes.BufferUsageCopyDst

	devices, err := devicemask.NewPerDevice(mask, func(id devicemask.DeviceID) (*animatedMeshDevice, error) {
		d, ok := ctx.Device(id)
		if !ok {
			return nil, fmt.Errorf("scene: device %d not found", id)
		}
		positions, err := d.Device.CreateBuffer(&hal.BufferDescriptor{Label: label + ".positions", Size: size, Usage: usage})
		if err != nil {
			return nil, fmt.Errorf("scene: animated mesh %q positions for device %d: %w", label, id, err)
		}
		prev, err := d.Device.CreateBuffer(&hal.BufferDescriptor{Label: label + ".prev-positions", Size: size, Usage: usage})
		if err != nil {
			d.Device.DestroyBuffer(positions)
			return nil, fmt.Errorf("scene: animated mesh %q prev-positions for device %d: %w", label, id, err)
		}
		return &animatedMeshDevice{positions: positions, prevPositions: prev}, nil
	})
	if err != nil {
		devices.Close(func(id devicemask.DeviceID, md *animatedMeshDevice) {
			if md == nil {
				return
			}
			d, ok := ctx.Device(id)
			if !ok {
				return
			}
			d.Device.DestroyBuffer(md.positions)
			d.Device.DestroyBuffer(md.prevPositions)
		})
		return nil, err
	}
	return &AnimatedMesh{Source: source, ctx: ctx, mask: mask, label: label, devices: devices}, nil
}

// PositionBuffer returns the animated output position buffer for id.
func (am *AnimatedMesh) PositionBuffer(id devicemask.DeviceID) (hal.Buffer, bool) {
	md, ok := am.devices.Get(id)
	if !ok {
		return nil, false
	}
	return md.positions, true
}

// PrevPositionBuffer returns the previous-frame position buffer for id.
func (am *AnimatedMesh) PrevPositionBuffer(id devicemask.DeviceID) (hal.Buffer, bool) {
	md, ok := am.devices.Get(id)
	if !ok {
		return nil, false
	}
	return md.prevPositions, true
}

// Close destroys both buffers on every device.
func (am *AnimatedMesh) Close() {
	am.devices.Close(func(id devicemask.DeviceID, md *animatedMeshDevice) {
		d, ok := am.ctx.Device(id)
		if !ok {
			return
		}
		d.Device.DestroyBuffer(md.positions)
		d.Device.DestroyBuffer(md.prevPositions)
	})
}

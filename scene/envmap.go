// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package scene

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gogpu/gputypes"
	"github.com/tauray-gpu/tauray/devicectx"
	"github.com/tauray-gpu/tauray/gpures"
	"github.com/tauray-gpu/tauray/hal"
	"github.com/tauray-gpu/tauray/internal/devicemask"
)

// Projection selects how an EnvironmentMap's texture coordinates map onto
// the sphere of directions.
type Projection int

const (
	EquirectangularProjection Projection = iota
)

// aliasEntry mirrors the original's alias_table_entry: Walker's alias
// method entry plus precomputed solid-angle PDFs, one per texel.
type aliasEntry struct {
	AliasID  uint32
	AliasPad uint32 // original packs alias_id as a 64-bit probability fixed-point; kept as two 32-bit fields for portability
	Prob     float32
	PDF      float32
	AliasPDF float32
}

const aliasEntrySize = 4 + 4 + 4 + 4 + 4

type envmapDevice struct {
	aliasTable hal.Buffer
}

// EnvironmentMap is an equirectangular HDR texture sampled as a distant
// light source, with a per-texel alias table for importance sampling.
type EnvironmentMap struct {
	Texture    *gpures.Texture
	Width      int
	Height     int
	Factor     [3]float32
	Projection Projection

	AverageLuminance float64

	ctx     *devicectx.Context
	mask    devicemask.Mask
	label   string
	devices *devicemask.PerDevice[*envmapDevice]
}

// NewEnvironmentMap builds the alias table for importance over an
// already-uploaded equirectangular texture, from the caller-supplied
// per-texel luminance samples (row-major, width*height values). Computing
// those luminance samples is a shader dispatch in the original
// (alias_table_importance.comp reading the mip-mapped texture); producing
// them is left to the rendering pipeline layer, which has the texture
// sampling machinery this package does not.
func NewEnvironmentMap(ctx *devicectx.Context, mask devicemask.Mask, label string, tex *gpures.Texture, width, height int, luminance []float32, factor [3]float32, proj Projection) (*EnvironmentMap, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("scene: environment map dimensions must be positive, got %dx%d", width, height)
	}
	if len(luminance) != width*height {
		return nil, fmt.Errorf("scene: environment map expects %d luminance samples, got %d", width*height, len(luminance))
	}

	table, avgLuminance := buildAliasTable(width, height, luminance)
	tableBytes := packAliasTable(table)

	devices, err := devicemask.NewPerDevice(mask, func(id devicemask.DeviceID) (*envmapDevice, error) {
		d, ok := ctx.Device(id)
		if !ok {
			return nil, fmt.Errorf("scene: device %d not found", id)
		}
		buf, err := d.Device.CreateBuffer(&hal.BufferDescriptor{
			Label: label + ".alias-table",
			Size:  uint64(len(tableBytes)),
			Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
		})
		if err != nil {
			return nil, fmt.Errorf("scene: environment map %q alias table for device %d: %w", label, id, err)
		}
		d.Queue.WriteBuffer(buf, 0, tableBytes)
		return &envmapDevice{aliasTable: buf}, nil
	})
	if err != nil {
		devices.Close(func(id devicemask.DeviceID, ed *envmapDevice) {
			if ed == nil {
				return
			}
			if d, ok := ctx.Device(id); ok {
				d.Device.DestroyBuffer(ed.aliasTable)
			}
		})
		return nil, err
	}

	return &EnvironmentMap{
		Texture:          tex,
		Width:            width,
		Height:           height,
		Factor:           factor,
		Projection:       proj,
		AverageLuminance: avgLuminance,
		ctx:              ctx,
		mask:             mask,
		label:            label,
		devices:          devices,
	}, nil
}

// AliasTableBuffer returns id's device-local alias-table buffer.
func (e *EnvironmentMap) AliasTableBuffer(id devicemask.DeviceID) (hal.Buffer, bool) {
	ed, ok := e.devices.Get(id)
	if !ok {
		return nil, false
	}
	return ed.aliasTable, true
}

// Close destroys every device's alias-table buffer. It does not close the
// backing Texture, which may be shared.
func (e *EnvironmentMap) Close() {
	e.devices.Close(func(id devicemask.DeviceID, ed *envmapDevice) {
		d, ok := e.ctx.Device(id)
		if !ok {
			return
		}
		d.Device.DestroyBuffer(ed.aliasTable)
	})
}

// buildAliasTable runs Vose's sweeping construction of Walker's alias
// method over luminance, normalized so the average probability is 1, then
// attaches each texel's solid-angle PDF (weighted by sin(theta) for the
// equirectangular projection's area distortion toward the poles).
func buildAliasTable(width, height int, luminance []float32) ([]aliasEntry, float64) {
	n := width * height
	importance := make([]float64, n)
	sum := 0.0
	for i, v := range luminance {
		importance[i] = float64(v)
		sum += importance[i]
	}
	average := sum / float64(n)
	if average == 0 {
		average = 1
	}
	invAverage := 1.0 / average
	for i := range importance {
		importance[i] *= invAverage
	}

	table := make([]aliasEntry, n)
	for i := range table {
		table[i] = aliasEntry{AliasID: uint32(i), Prob: 1}
	}

	i, j := 0, 0
	for i < n && importance[i] > 1.0 {
		i++
	}
	for j < n && importance[j] <= 1.0 {
		j++
	}

	weight := 0.0
	if j < n {
		weight = importance[j]
	}
	for j < n {
		if weight > 1.0 {
			if i >= n {
				break
			}
			table[i].Prob = float32(importance[i])
			table[i].AliasID = uint32(j)
			weight = (weight + importance[i]) - 1.0
			i++
			for i < n && importance[i] > 1.0 {
				i++
			}
		} else {
			table[j].Prob = float32(weight)
			oldJ := j
			j++
			for j < n && importance[j] <= 1.0 {
				j++
			}
			if j < n {
				table[oldJ].AliasID = uint32(j)
				weight = (weight + importance[j]) - 1.0
			}
		}
	}

	sinTheta := make([]float64, height)
	for y := 0; y < height; y++ {
		sinTheta[y] = math.Sin((float64(y) + 0.5) / float64(height) * math.Pi)
	}
	for i := range table {
		aliasID := table[i].AliasID
		denom := 2.0 * math.Pi * math.Pi * sinTheta[i/width]
		aliasDenom := 2.0 * math.Pi * math.Pi * sinTheta[int(aliasID)/width]
		table[i].PDF = float32(importance[i] / denom)
		table[i].AliasPDF = float32(importance[aliasID] / aliasDenom)
	}

	return table, sum
}

func packAliasTable(table []aliasEntry) []byte {
	out := make([]byte, len(table)*aliasEntrySize)
	for i, e := range table {
		off := i * aliasEntrySize
		binary.LittleEndian.PutUint32(out[off:], e.AliasID)
		binary.LittleEndian.PutUint32(out[off+4:], e.AliasPad)
		binary.LittleEndian.PutUint32(out[off+8:], math.Float32bits(e.Prob))
		binary.LittleEndian.PutUint32(out[off+12:], math.Float32bits(e.PDF))
		binary.LittleEndian.PutUint32(out[off+16:], math.Float32bits(e.AliasPDF))
	}
	return out
}

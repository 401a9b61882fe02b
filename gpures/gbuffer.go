// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package gpures

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/tauray-gpu/tauray/devicectx"
	"github.com/tauray-gpu/tauray/internal/devicemask"
)

// GBufferEntry names one channel of the shared G-buffer. Spatial channels
// are stored in world space so that temporal and multi-view algorithms can
// read every frame's G-buffer through the same transform.
type GBufferEntry int

const (
	GBufferColor GBufferEntry = iota
	GBufferDirect
	GBufferDiffuse
	GBufferAlbedo
	GBufferMaterial
	GBufferNormal
	GBufferPos
	GBufferScreenMotion
	GBufferInstanceID
	GBufferDepth
	gbufferEntryCount
)

// GBufferEntryCount is the number of defined G-buffer channels, for
// callers that need to iterate every possible entry regardless of which
// ones a particular GBuffer allocated.
const GBufferEntryCount = int(gbufferEntryCount)

func (e GBufferEntry) String() string {
	if int(e) < 0 || int(e) >= len(gbufferEntries) {
		return "unknown"
	}
	return gbufferEntries[e].name
}

type gbufferEntryInfo struct {
	name   string
	format gputypes.TextureFormat
	usage  gputypes.TextureUsage
}

// gbufferEntries gives each channel its default format and usage. WebGPU
// has no 16-bit normalized format, so material and normal - packed as
// R16G16Unorm and R16G16Snorm in the original - are carried here as
// RG16Float instead.
var gbufferEntries = [gbufferEntryCount]gbufferEntryInfo{
	GBufferColor:        {"color", gputypes.TextureFormatRGBA16Float, gputypes.TextureUsageStorageBinding | gputypes.TextureUsageTextureBinding},
	GBufferDirect:       {"direct", gputypes.TextureFormatRGBA16Float, gputypes.TextureUsageStorageBinding | gputypes.TextureUsageTextureBinding},
	GBufferDiffuse:      {"diffuse", gputypes.TextureFormatRGBA16Float, gputypes.TextureUsageStorageBinding | gputypes.TextureUsageTextureBinding},
	GBufferAlbedo:       {"albedo", gputypes.TextureFormatRGBA16Float, gputypes.TextureUsageStorageBinding | gputypes.TextureUsageTextureBinding},
	GBufferMaterial:     {"material", gputypes.TextureFormatRG16Float, gputypes.TextureUsageStorageBinding | gputypes.TextureUsageTextureBinding},
	GBufferNormal:       {"normal", gputypes.TextureFormatRG16Float, gputypes.TextureUsageStorageBinding | gputypes.TextureUsageTextureBinding},
	GBufferPos:          {"pos", gputypes.TextureFormatRGBA32Float, gputypes.TextureUsageStorageBinding | gputypes.TextureUsageTextureBinding},
	GBufferScreenMotion: {"screen_motion", gputypes.TextureFormatRG32Float, gputypes.TextureUsageStorageBinding | gputypes.TextureUsageTextureBinding},
	GBufferInstanceID:   {"instance_id", gputypes.TextureFormatR32Sint, gputypes.TextureUsageStorageBinding | gputypes.TextureUsageTextureBinding},
	GBufferDepth:        {"depth", gputypes.TextureFormatDepth32Float, gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageTextureBinding},
}

// GBufferSpec selects which channels a GBuffer should allocate. Renderers
// that only need a subset (e.g. a depth-only pre-pass) leave the rest
// unset; GBuffer.Texture reports the channel absent rather than erroring.
type GBufferSpec struct {
	Present [gbufferEntryCount]bool
}

// Set marks entry present or absent.
func (s *GBufferSpec) Set(e GBufferEntry, present bool) { s.Present[e] = present }

// PresentCount returns how many entries are marked present.
func (s GBufferSpec) PresentCount() int {
	n := 0
	for _, p := range s.Present {
		if p {
			n++
		}
	}
	return n
}

// GBuffer owns one Texture per present channel, replicated across every
// device in mask. All channels share the same size and array layer count,
// so multi-view renderers can bind one layer per view.
type GBuffer struct {
	ctx      *devicectx.Context
	mask     devicemask.Mask
	width    uint32
	height   uint32
	layers   uint32
	textures [gbufferEntryCount]*Texture
}

// NewGBuffer allocates the channels marked present in spec.
func NewGBuffer(ctx *devicectx.Context, mask devicemask.Mask, label string, width, height, layers uint32, spec GBufferSpec) (*GBuffer, error) {
	if layers == 0 {
		layers = 1
	}
	gb := &GBuffer{ctx: ctx, mask: mask, width: width, height: height, layers: layers}
	for i := GBufferEntry(0); i < gbufferEntryCount; i++ {
		if !spec.Present[i] {
			continue
		}
		info := gbufferEntries[i]
		tex, err := NewTexture(ctx, mask, label+"."+info.name, TextureParams{
			Width:       width,
			Height:      height,
			ArrayLayers: layers,
			Dimension:   gputypes.TextureDimension2D,
			Format:      info.format,
			Usage:       info.usage,
		})
		if err != nil {
			gb.Close()
			return nil, fmt.Errorf("gpures: gbuffer entry %s: %w", info.name, err)
		}
		gb.textures[i] = tex
	}
	return gb, nil
}

// Texture returns the channel's texture, or ok=false if it wasn't
// requested in the spec NewGBuffer was built with.
func (gb *GBuffer) Texture(e GBufferEntry) (*Texture, bool) {
	if int(e) < 0 || int(e) >= len(gb.textures) {
		return nil, false
	}
	t := gb.textures[e]
	return t, t != nil
}

// Has reports whether channel e was allocated.
func (gb *GBuffer) Has(e GBufferEntry) bool {
	t, ok := gb.Texture(e)
	return ok && t != nil
}

func (gb *GBuffer) Width() uint32  { return gb.width }
func (gb *GBuffer) Height() uint32 { return gb.height }
func (gb *GBuffer) Layers() uint32 { return gb.layers }

// Spec reconstructs the spec this GBuffer was allocated with.
func (gb *GBuffer) Spec() GBufferSpec {
	var spec GBufferSpec
	for i, t := range gb.textures {
		spec.Present[i] = t != nil
	}
	return spec
}

// Visit calls f once for every present channel, in TR_GBUFFER_ENTRIES order.
func (gb *GBuffer) Visit(f func(e GBufferEntry, tex *Texture)) {
	for i, t := range gb.textures {
		if t != nil {
			f(GBufferEntry(i), t)
		}
	}
}

// Close destroys every allocated channel's textures.
func (gb *GBuffer) Close() {
	for _, t := range gb.textures {
		if t != nil {
			t.Close()
		}
	}
}

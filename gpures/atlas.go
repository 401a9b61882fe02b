// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package gpures

import (
	"github.com/gogpu/gputypes"
	"github.com/tauray-gpu/tauray/devicectx"
	"github.com/tauray-gpu/tauray/internal/devicemask"
)

// AtlasRect is the packed placement of one sub-texture, both in pixels and
// normalized to the atlas's current size.
type AtlasRect struct {
	X, Y, W, H int
}

// Normalized returns the rect scaled to [0,1] by the atlas's current size.
func (r AtlasRect) Normalized(atlasW, atlasH int) (x, y, w, h float32) {
	return float32(r.X) / float32(atlasW), float32(r.Y) / float32(atlasH),
		float32(r.W) / float32(atlasW), float32(r.H) / float32(atlasH)
}

// Atlas is a Texture plus a rectangle packer: SetSubTextures incrementally
// repacks its sub-rectangles and grows the backing texture when the current
// size can no longer fit them. The atlas never shrinks once grown; the
// source this is modelled on offers no shrink path and neither does this.
type Atlas struct {
	*Texture
	sizes []AtlasRect
}

// NewAtlas creates an atlas sized to fit subSizes (width, height pairs) with
// pad pixels of padding around each, or a 1x1 placeholder texture if
// subSizes is empty so that samplers bound to it don't error.
func NewAtlas(ctx *devicectx.Context, mask devicemask.Mask, label string, subSizes [][2]int, pad int, format gputypes.TextureFormat, usage gputypes.TextureUsage) (*Atlas, error) {
	tex, err := NewTexture(ctx, mask, label, TextureParams{
		Width:  1,
		Height: 1,
		Format: format,
		Usage:  usage,
	})
	if err != nil {
		return nil, err
	}
	a := &Atlas{Texture: tex}
	if _, err := a.SetSubTextures(subSizes, pad); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *Atlas) sameSizes(subSizes [][2]int) bool {
	if len(a.sizes) != len(subSizes) {
		return false
	}
	for i, s := range subSizes {
		if a.sizes[i].W != s[0] || a.sizes[i].H != s[1] {
			return false
		}
	}
	return true
}

// SetSubTextures packs subSizes (without padding) into the atlas, first
// trying the current texture size, then doubling it until every rectangle
// fits. Returns true if the layout changed or the texture was recreated; a
// call with the same sizes as the previous call is a no-op returning false.
func (a *Atlas) SetSubTextures(subSizes [][2]int, pad int) (bool, error) {
	if a.sameSizes(subSizes) {
		return false, nil
	}

	attemptW, attemptH := a.Params().Width, a.Params().Height
	if attemptW <= 1 && attemptH <= 1 {
		minSideW, minSideH, minArea := 0, 0, 0
		for _, s := range subSizes {
			w, h := s[0]+pad, s[1]+pad
			if w > minSideW {
				minSideW = w
			}
			if h > minSideH {
				minSideH = h
			}
			minArea += w * h
		}
		scale := 64
		for scale < minSideW || scale < minSideH || scale*scale < minArea {
			scale *= 2
		}
		attemptW, attemptH = scale, scale
	}

	var padded [][2]int
	for _, s := range subSizes {
		padded = append(padded, [2]int{s[0] + pad, s[1] + pad})
	}

	var rects []PackedRect
	for {
		p := NewRectPacker(attemptW, attemptH)
		rects = PackAll(p, padded, false)
		allPacked := true
		for _, r := range rects {
			if !r.Packed {
				allPacked = false
				break
			}
		}
		if allPacked || len(padded) == 0 {
			break
		}
		attemptW *= 2
		attemptH *= 2
	}

	a.sizes = make([]AtlasRect, len(rects))
	for i, r := range rects {
		a.sizes[i] = AtlasRect{X: r.X, Y: r.Y, W: r.W - pad, H: r.H - pad}
	}

	if attemptW != int(a.Params().Width) || attemptH != int(a.Params().Height) {
		if err := a.resize(attemptW, attemptH); err != nil {
			return false, err
		}
	}
	return true, nil
}

// resize discards and recreates the backing texture at the given size,
// losing any prior contents, matching the growth-only reallocation policy.
func (a *Atlas) resize(w, h int) error {
	ctx, mask, label := a.ctx, a.mask, a.label
	params := a.params
	params.Width = uint32(w)
	params.Height = uint32(h)

	newTex, err := NewTexture(ctx, mask, label, params)
	if err != nil {
		return err
	}
	a.Texture.Close()
	a.Texture = newTex
	return nil
}

// RectPx returns the pixel-space rect for sub-texture i.
func (a *Atlas) RectPx(i int) AtlasRect { return a.sizes[i] }

// Rect returns the normalized [0,1] rect for sub-texture i.
func (a *Atlas) Rect(i int) (x, y, w, h float32) {
	return a.sizes[i].Normalized(int(a.Params().Width), int(a.Params().Height))
}

// SubTextureCount returns the number of sub-textures currently packed.
func (a *Atlas) SubTextureCount() int { return len(a.sizes) }

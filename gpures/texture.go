// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package gpures

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/tauray-gpu/tauray/devicectx"
	"github.com/tauray-gpu/tauray/hal"
	"github.com/tauray-gpu/tauray/internal/devicemask"
)

// TextureParams describes the texture to allocate on every device in a
// mask: dimensions, array layer and mip level counts, format, usage, and
// sample count. It has no tiling or image-layout field.
type TextureParams struct {
	Width, Height, Depth uint32
	ArrayLayers          uint32
	MipLevels            uint32
	Dimension            gputypes.TextureDimension
	Format               gputypes.TextureFormat
	Usage                gputypes.TextureUsage
	SampleCount          uint32
}

func (p TextureParams) normalized() TextureParams {
	if p.ArrayLayers == 0 {
		p.ArrayLayers = 1
	}
	if p.MipLevels == 0 {
		p.MipLevels = 1
	}
	if p.SampleCount == 0 {
		p.SampleCount = 1
	}
	if p.Depth == 0 {
		p.Depth = 1
	}
	if p.Dimension == gputypes.TextureDimension(0) {
		p.Dimension = gputypes.TextureDimension2D
	}
	return p
}

// viewKey identifies a derived image view by the subrange and view type it
// was requested with, mirroring texture_view_params from the original
// implementation.
type viewKey struct {
	baseLayer, layerCount uint32
	baseMip, mipCount     uint32
	dimension             gputypes.TextureViewDimension
}

type deviceTexture struct {
	image hal.Texture
	views map[viewKey]hal.TextureView
}

// Texture owns one image per device in its mask plus a cache of derived
// image views keyed by (base_layer, layer_count, base_mip, mip_count,
// view_type), so that repeated requests for the same subrange reuse a
// single hal.TextureView instead of creating a new one every call.
type Texture struct {
	ctx     *devicectx.Context
	mask    devicemask.Mask
	params  TextureParams
	label   string
	opaque  bool
	buffers *devicemask.PerDevice[*deviceTexture]
}

// NewTexture allocates an image sized and formatted per params on every
// device in mask.
func NewTexture(ctx *devicectx.Context, mask devicemask.Mask, label string, params TextureParams) (*Texture, error) {
	params = params.normalized()
	buffers, err := devicemask.NewPerDevice(mask, func(id devicemask.DeviceID) (*deviceTexture, error) {
		d, ok := ctx.Device(id)
		if !ok {
			return nil, fmt.Errorf("gpures: device %d not found in context", id)
		}
		img, err := d.Device.CreateTexture(&hal.TextureDescriptor{
			Label: label,
			Size: hal.Extent3D{
				Width:              params.Width,
				Height:             params.Height,
				DepthOrArrayLayers: maxu32(params.Depth, params.ArrayLayers),
			},
			MipLevelCount: params.MipLevels,
			SampleCount:   params.SampleCount,
			Dimension:     params.Dimension,
			Format:        params.Format,
			Usage:         params.Usage,
		})
		if err != nil {
			return nil, fmt.Errorf("gpures: create texture for device %d: %w", id, err)
		}
		return &deviceTexture{image: img, views: map[viewKey]hal.TextureView{}}, nil
	})
	if err != nil {
		buffers.Close(func(id devicemask.DeviceID, dt *deviceTexture) {
			if dt == nil {
				return
			}
			if d, ok := ctx.Device(id); ok {
				d.Device.DestroyTexture(dt.image)
			}
		})
		return nil, err
	}
	return &Texture{ctx: ctx, mask: mask, params: params, label: label, buffers: buffers}, nil
}

func maxu32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// Mask returns the device mask this texture was allocated against.
func (tex *Texture) Mask() devicemask.Mask { return tex.mask }

// Params returns the parameters the texture was allocated with.
func (tex *Texture) Params() TextureParams { return tex.params }

// Image returns the device-local image handle for id.
func (tex *Texture) Image(id devicemask.DeviceID) (hal.Texture, bool) {
	dt, ok := tex.buffers.Get(id)
	if !ok {
		return nil, false
	}
	return dt.image, true
}

// SetOpaque marks whether the texture is known to be fully opaque, letting
// callers of PotentiallyTransparent skip alpha-test paths.
func (tex *Texture) SetOpaque(opaque bool) { tex.opaque = opaque }

// PotentiallyTransparent reports whether the texture might contain
// non-opaque texels.
func (tex *Texture) PotentiallyTransparent() bool { return !tex.opaque }

// View returns the cached image view for id covering
// [baseLayer, baseLayer+layerCount) and [baseMip, baseMip+mipCount),
// interpreted as dimension, creating it on first request.
func (tex *Texture) View(id devicemask.DeviceID, baseLayer, layerCount, baseMip, mipCount uint32, dimension gputypes.TextureViewDimension) (hal.TextureView, error) {
	dt, ok := tex.buffers.Get(id)
	if !ok {
		return nil, fmt.Errorf("gpures: device %d not found", id)
	}
	key := viewKey{baseLayer: baseLayer, layerCount: layerCount, baseMip: baseMip, mipCount: mipCount, dimension: dimension}
	if v, ok := dt.views[key]; ok {
		return v, nil
	}
	d, ok := tex.ctx.Device(id)
	if !ok {
		return nil, fmt.Errorf("gpures: device %d not found in context", id)
	}
	v, err := d.Device.CreateTextureView(dt.image, &hal.TextureViewDescriptor{
		Label:           tex.label,
		Format:          tex.params.Format,
		Dimension:       dimension,
		BaseMipLevel:    baseMip,
		MipLevelCount:   mipCount,
		BaseArrayLayer:  baseLayer,
		ArrayLayerCount: layerCount,
	})
	if err != nil {
		return nil, fmt.Errorf("gpures: create texture view for device %d: %w", id, err)
	}
	dt.views[key] = v
	return v, nil
}

// ArrayView returns the view spanning every array layer and mip level.
func (tex *Texture) ArrayView(id devicemask.DeviceID) (hal.TextureView, error) {
	dim := gputypes.TextureViewDimension2D
	if tex.params.ArrayLayers > 1 {
		dim = gputypes.TextureViewDimension2DArray
	}
	return tex.View(id, 0, tex.params.ArrayLayers, 0, tex.params.MipLevels, dim)
}

// LayerView returns the single-layer, full-mip-chain view for layerIndex.
func (tex *Texture) LayerView(id devicemask.DeviceID, layerIndex uint32) (hal.TextureView, error) {
	return tex.View(id, layerIndex, 1, 0, tex.params.MipLevels, gputypes.TextureViewDimension2D)
}

// Close destroys every cached view then every device's image.
func (tex *Texture) Close() {
	tex.buffers.Close(func(id devicemask.DeviceID, dt *deviceTexture) {
		d, ok := tex.ctx.Device(id)
		if !ok {
			return
		}
		for _, v := range dt.views {
			d.Device.DestroyTextureView(v)
		}
		d.Device.DestroyTexture(dt.image)
	})
}

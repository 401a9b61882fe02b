// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package stage

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/tauray-gpu/tauray/devicectx"
	"github.com/tauray-gpu/tauray/gpures"
	"github.com/tauray-gpu/tauray/hal"
	"github.com/tauray-gpu/tauray/internal/devicemask"
)

// FrameDelay outputs a G-buffer delayed by one frame, needed by temporal
// algorithms (ReSTIR's temporal reuse pass, temporal AA) to read the
// previous frame's features. Run it directly after post-processing; every
// stage that writes next frame's input G-buffer must wait on FrameDelay's
// returned dependency first, so the copy below always reads a finished
// frame.
//
// Each frame slot's copy command buffer is recorded once, the first time
// that slot is used, and reused afterward: the G-buffer's size and set of
// channels never change after construction, so there is nothing to
// re-record.
type FrameDelay struct {
	base   *Base
	ctx    *devicectx.Context
	mask   devicemask.Mask
	input  *gpures.GBuffer
	output *gpures.GBuffer
}

// NewFrameDelay allocates the delayed copy's G-buffer, matching input's
// size and channel set.
func NewFrameDelay(ctx *devicectx.Context, mask devicemask.Mask, label string, input *gpures.GBuffer) (*FrameDelay, error) {
	output, err := gpures.NewGBuffer(ctx, mask, label+".output", input.Width(), input.Height(), input.Layers(), input.Spec())
	if err != nil {
		return nil, fmt.Errorf("stage: frame delay output g-buffer: %w", err)
	}
	base, err := NewBase(ctx, mask, label, CommandBufferPerFrame, 1)
	if err != nil {
		output.Close()
		return nil, err
	}
	return &FrameDelay{base: base, ctx: ctx, mask: mask, input: input, output: output}, nil
}

// Output returns the delayed G-buffer. Before the first Run its channels
// hold undefined contents.
func (fd *FrameDelay) Output() *gpures.GBuffer { return fd.output }

// Run copies the current input G-buffer into this frame slot's delayed
// output, waiting on waits first.
func (fd *FrameDelay) Run(id devicemask.DeviceID, frameIndex uint32, waits []devicectx.Dependency) (devicectx.Dependency, error) {
	return fd.base.Run(id, frameIndex, 0, false, waits, func(enc hal.CommandEncoder, _ uint32) error {
		return fd.record(enc, id)
	})
}

func (fd *FrameDelay) record(enc hal.CommandEncoder, id devicemask.DeviceID) error {
	type channel struct {
		entry  gpures.GBufferEntry
		inImg  hal.Texture
		outImg hal.Texture
		usage  gputypes.TextureUsage
	}
	var channels []channel
	for i := 0; i < gpures.GBufferEntryCount; i++ {
		e := gpures.GBufferEntry(i)
		inTex, ok := fd.input.Texture(e)
		if !ok {
			continue
		}
		outTex, ok := fd.output.Texture(e)
		if !ok {
			continue
		}
		inImg, ok := inTex.Image(id)
		if !ok {
			return fmt.Errorf("stage: frame delay: device %d missing input image for %s", id, e)
		}
		outImg, ok := outTex.Image(id)
		if !ok {
			return fmt.Errorf("stage: frame delay: device %d missing output image for %s", id, e)
		}
		channels = append(channels, channel{entry: e, inImg: inImg, outImg: outImg, usage: outTex.Params().Usage})
	}

	aspect := func(e gpures.GBufferEntry) gputypes.TextureAspect {
		if e == gpures.GBufferDepth {
			return gputypes.TextureAspectDepthOnly
		}
		return gputypes.TextureAspectAll
	}

	var toCopySrc, toCopyDst, backToStorage, backToSampled []hal.TextureBarrier
	for _, c := range channels {
		rng := hal.TextureRange{Aspect: aspect(c.entry)}
		toCopySrc = append(toCopySrc, hal.TextureBarrier{
			Texture: c.inImg, Range: rng,
			Usage: hal.TextureUsageTransition{OldUsage: c.usage, NewUsage: gputypes.TextureUsageCopySrc},
		})
		toCopyDst = append(toCopyDst, hal.TextureBarrier{
			Texture: c.outImg, Range: rng,
			Usage: hal.TextureUsageTransition{OldUsage: c.usage, NewUsage: gputypes.TextureUsageCopyDst},
		})
		backToStorage = append(backToStorage, hal.TextureBarrier{
			Texture: c.outImg, Range: rng,
			Usage: hal.TextureUsageTransition{OldUsage: gputypes.TextureUsageCopyDst, NewUsage: c.usage},
		})
		backToSampled = append(backToSampled, hal.TextureBarrier{
			Texture: c.inImg, Range: rng,
			Usage: hal.TextureUsageTransition{OldUsage: gputypes.TextureUsageCopySrc, NewUsage: c.usage},
		})
	}

	enc.TransitionTextures(toCopySrc)
	enc.TransitionTextures(toCopyDst)

	for _, c := range channels {
		enc.CopyTextureToTexture(c.inImg, c.outImg, []hal.TextureCopy{{
			SrcBase: hal.ImageCopyTexture{Texture: c.inImg},
			DstBase: hal.ImageCopyTexture{Texture: c.outImg},
			Size:    hal.Extent3D{Width: fd.input.Width(), Height: fd.input.Height(), DepthOrArrayLayers: fd.input.Layers()},
		}})
	}

	enc.TransitionTextures(backToStorage)
	enc.TransitionTextures(backToSampled)
	return nil
}

// Close releases the delayed output G-buffer and the framework state.
func (fd *FrameDelay) Close() {
	fd.base.Close()
	fd.output.Close()
}

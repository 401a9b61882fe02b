// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

// Package restir implements weighted-reservoir path resampling: canonical
// BSDF-sampled paths combined with temporally and spatially reused
// reservoirs into a denoised global illumination estimate, following the
// pass structure of the original restir_stage/restir_renderer.
package restir

import "fmt"

// ShiftMapping selects how a neighbour's path is re-evaluated at the
// current pixel's domain during temporal and spatial reuse.
type ShiftMapping int

const (
	// ShiftRandomReplay re-traces the neighbour's path from scratch using
	// its stored RNG seeds, cheapest but highest variance.
	ShiftRandomReplay ShiftMapping = iota
	// ShiftReconnection connects to the neighbour's stored vertex
	// directly, lowest variance but requires the reconnection fields.
	ShiftReconnection
	// ShiftHybrid uses reconnection beyond ReconnectionScale and falls
	// back to random replay for nearby vertices, where reconnection's
	// jacobian grows unstable.
	ShiftHybrid
)

func (m ShiftMapping) String() string {
	switch m {
	case ShiftRandomReplay:
		return "random-replay"
	case ShiftReconnection:
		return "reconnection"
	case ShiftHybrid:
		return "hybrid"
	default:
		return "unknown"
	}
}

// maxConfidenceHardCap is the hard cap on a reservoir's confidence counter: the
// field is 15 bits wide, so 32767 is the largest representable value
// regardless of what an Options.MaxConfidence caller requests.
const maxConfidenceHardCap = 32767

// maxSpatialSamples is the largest SpatialSamples value validate accepts.
// The per-pixel selection record holds four neighbour slots, so the
// spatial trace and gather passes use at most four neighbours whatever
// the configured value.
const maxSpatialSamples = 16

// Options configures one Core's resampling behavior, field for field from
// the reservoir reuse algorithm: pass count, per-pass sample counts,
// reuse radii, and the failure/degradation knobs listed alongside it.
type Options struct {
	// Passes is how many canonical+temporal+spatial iterations Run
	// performs per frame. At least 1.
	Passes int
	// CanonicalSamples is the number of new BSDF-sampled paths combined
	// into the output reservoir per pixel, per pass.
	CanonicalSamples int
	// MaxBounces bounds a canonical path's length.
	MaxBounces int
	// DoCanonicalSamplesForPasses, when false, skips canonical sampling
	// after the first pass: later passes only reuse.
	DoCanonicalSamplesForPasses bool

	// TemporalReuse enables the first-pass reprojection step. Silently
	// disabled (not an error) if the previous frame's G-buffer is absent
	// or missing the channels reprojection needs.
	TemporalReuse bool
	// TemporalReuseSearchAttempts bounds how many candidate pixels a
	// failed reprojection probes in a widening radius before giving up.
	TemporalReuseSearchAttempts int
	// MaxConfidence caps a reservoir's accumulated confidence; reprojected
	// confidence above this is clamped down, not saturated at the hard
	// cap. Clamped to [1, 32767] at construction.
	MaxConfidence int

	// SpatialSamples is the number of neighbour pixels requested per
	// spatial reuse step; the passes use at most four of them (see
	// maxSpatialSamples). Zero disables spatial reuse entirely, making
	// Run's output equal the canonical (plus temporal) step's output.
	// Values above 16 are a construction-time error.
	SpatialSamples int
	// MinSpatialSearchRadius and MaxSpatialSearchRadius bound, in pixels
	// at a 1920-wide reference resolution, the neighbour search disk.
	// Internally scaled by width/1920 so the same radii behave
	// consistently across output resolutions.
	MinSpatialSearchRadius float32
	MaxSpatialSearchRadius float32
	// SpatialSampleOrientedDisk biases candidate selection toward the
	// pixel's local tangent disk instead of an isotropic screen-space
	// disk.
	SpatialSampleOrientedDisk bool
	// SelectionTileSize is not read by Core: every pass, the spatial trace
	// pass included, dispatches fixed 8x8 workgroups.
	SelectionTileSize int

	// ShiftMap names a shift mapping strategy. Core does not read it:
	// temporal and spatial reuse scale every candidate by its stored
	// jacobian whichever strategy is named.
	ShiftMap ShiftMapping
	// ReconnectionScale is the world-space radius inside which a hybrid
	// shift falls back to random replay. Core does not read it.
	ReconnectionScale float32

	// Accumulate selects the accumulating variant of the spatial gather
	// shader; that variant writes the same output as the plain one and
	// blends no history into it. Silently disabled when DemodulatedOutput is also true: the
	// diffuse/specular history buffers this would require aren't part of
	// this module's accumulation path.
	Accumulate bool
	// DemodulatedOutput requests a diffuse/specular split instead of
	// combined radiance. Requires the G-buffer's diffuse and direct
	// (used here as the specular carrier) channels; their absence is a
	// construction-time error.
	DemodulatedOutput bool
}

// DefaultOptions returns the reference configuration: one pass, one
// canonical sample, temporal and spatial reuse both enabled, reconnection
// shift mapping.
func DefaultOptions() Options {
	return Options{
		Passes:                      1,
		CanonicalSamples:            1,
		MaxBounces:                  4,
		DoCanonicalSamplesForPasses: true,
		TemporalReuse:               true,
		TemporalReuseSearchAttempts: 5,
		MaxConfidence:               32,
		SpatialSamples:              4,
		MinSpatialSearchRadius:      1,
		MaxSpatialSearchRadius:      30,
		SpatialSampleOrientedDisk:   true,
		SelectionTileSize:           8,
		ShiftMap:                    ShiftReconnection,
		ReconnectionScale:           0.1,
		Accumulate:                  true,
	}
}

// normalize raises non-positive counts to 1 (SelectionTileSize to 8,
// not the DefaultOptions values) and clamps
// MaxConfidence to the field's representable range, matching the
// "saturation, not an error" rule for confidence overflow.
func (o Options) normalize() Options {
	if o.Passes <= 0 {
		o.Passes = 1
	}
	if o.CanonicalSamples <= 0 {
		o.CanonicalSamples = 1
	}
	if o.MaxBounces <= 0 {
		o.MaxBounces = 1
	}
	if o.MaxConfidence <= 0 {
		o.MaxConfidence = 1
	}
	if o.MaxConfidence > maxConfidenceHardCap {
		o.MaxConfidence = maxConfidenceHardCap
	}
	if o.SelectionTileSize <= 0 {
		o.SelectionTileSize = 8
	}
	if o.TemporalReuseSearchAttempts <= 0 {
		o.TemporalReuseSearchAttempts = 1
	}
	return o
}

// validate applies the construction-time failure model: hard errors for
// malformed configuration that would produce an undefined dispatch.
// Missing-previous-frame conditions are handled separately in Core's
// constructor, where they degrade silently instead of erroring.
func (o Options) validate() error {
	if o.SpatialSamples < 0 {
		return fmt.Errorf("restir: spatial samples %d is negative", o.SpatialSamples)
	}
	if o.SpatialSamples > maxSpatialSamples {
		return fmt.Errorf("restir: spatial samples %d exceeds the maximum of %d", o.SpatialSamples, maxSpatialSamples)
	}
	return nil
}

// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package gpures

import "sort"

// PackedRect is the placement produced by RectPacker.Pack for one input
// rectangle.
type PackedRect struct {
	X, Y          int
	W, H          int
	Rotated       bool
	Packed        bool
}

type skylineSegment struct {
	x, width, height int
}

// RectPacker packs axis-aligned rectangles into a fixed-size canvas using a
// skyline (bottom-left) heuristic: the canvas's occupied region is tracked
// as a sequence of horizontal segments at increasing height, and each new
// rectangle is placed at the lowest, then leftmost, position it fits. This
// trades the free-edge-plus-spatial-grid acceleration structure the packer
// this is modelled on uses for a simpler, still-deterministic placement
// rule; see the atlas component notes for why.
type RectPacker struct {
	width, height int
	skyline       []skylineSegment
}

// NewRectPacker creates a packer for a w by h canvas.
func NewRectPacker(w, h int) *RectPacker {
	p := &RectPacker{}
	p.Reset(w, h)
	return p
}

// Reset clears every placement and resizes the canvas to w by h.
func (p *RectPacker) Reset(w, h int) {
	p.width, p.height = w, h
	p.skyline = []skylineSegment{{x: 0, width: w, height: 0}}
}

// Enlarge grows the canvas to w by h without disturbing existing placements.
// Shrinking is not allowed: w and h are clamped to the current size.
func (p *RectPacker) Enlarge(w, h int) {
	if w < p.width {
		w = p.width
	}
	if h < p.height {
		h = p.height
	}
	if w > p.width {
		p.skyline = append(p.skyline, skylineSegment{x: p.width, width: w - p.width, height: 0})
		p.width = w
	}
	p.height = h
}

// fit returns the height the rectangle of width w would rest at if its left
// edge were placed at x, or ok=false if it runs past the canvas width.
// fit reports the height a rectangle of width w would rest at with its left
// edge at x, by scanning every skyline segment the span [x, x+w) overlaps.
// The skyline is always a contiguous partition of [0, width), so ok is false
// only when the span runs past the canvas edge.
func (p *RectPacker) fit(x, w int) (y int, ok bool) {
	end := x + w
	if end > p.width {
		return 0, false
	}
	covered := x
	for _, seg := range p.skyline {
		segEnd := seg.x + seg.width
		if segEnd <= x {
			continue
		}
		if seg.x >= end {
			break
		}
		if seg.height > y {
			y = seg.height
		}
		covered = segEnd
		if covered >= end {
			break
		}
	}
	return y, covered >= end
}

// place inserts a segment of the given height spanning [x, x+w) into the
// skyline, splitting or removing whichever segments it overlaps, then
// merges adjacent segments sharing the new height.
func (p *RectPacker) place(x, w, height int) {
	var next []skylineSegment
	for _, seg := range p.skyline {
		segEnd := seg.x + seg.width
		newEnd := x + w
		if segEnd <= x || seg.x >= newEnd {
			next = append(next, seg)
			continue
		}
		if seg.x < x {
			next = append(next, skylineSegment{x: seg.x, width: x - seg.x, height: seg.height})
		}
		if segEnd > newEnd {
			next = append(next, skylineSegment{x: newEnd, width: segEnd - newEnd, height: seg.height})
		}
	}
	next = append(next, skylineSegment{x: x, width: w, height: height})
	sort.Slice(next, func(i, j int) bool { return next[i].x < next[j].x })

	merged := next[:0:0]
	for _, seg := range next {
		if n := len(merged); n > 0 && merged[n-1].height == seg.height && merged[n-1].x+merged[n-1].width == seg.x {
			merged[n-1].width += seg.width
			continue
		}
		merged = append(merged, seg)
	}
	p.skyline = merged
}

// Pack finds a position for a w by h rectangle, places it, and returns its
// top-left corner. ok is false if the rectangle does not fit in the current
// canvas; callers should Enlarge and retry.
func (p *RectPacker) Pack(w, h int) (x, y int, ok bool) {
	if w <= 0 || h <= 0 || w > p.width || h > p.height {
		return 0, 0, false
	}
	bestY, bestX := -1, -1
	for cx := 0; cx <= p.width-w; {
		cy, fits := p.fit(cx, w)
		if !fits {
			cx++
			continue
		}
		if cy+h > p.height {
			cx++
			continue
		}
		if bestY < 0 || cy < bestY || (cy == bestY && cx < bestX) {
			bestY, bestX = cy, cx
		}
		cx++
	}
	if bestY < 0 {
		return 0, 0, false
	}
	p.place(bestX, w, bestY+h)
	return bestX, bestY, true
}

// PackRotate behaves like Pack but, when the rectangle does not fit as
// given, retries it rotated 90 degrees; rotated reports which orientation
// was used. When the unrotated rectangle fits, it is placed as given even
// if the rotated one would sit lower.
func (p *RectPacker) PackRotate(w, h int) (x, y int, rotated bool, ok bool) {
	x, y, ok = p.Pack(w, h)
	if ok || w == h {
		return x, y, false, ok
	}
	rx, ry, rok := p.Pack(h, w)
	if rok {
		return rx, ry, true, true
	}
	return 0, 0, false, false
}

// PackAll packs every rect in order, sorted by descending perimeter first
// (matching the packer's own heuristic of placing the largest rectangles
// first), and reports the placement for each by its original index.
// Rectangles that did not fit have Packed set to false.
func PackAll(p *RectPacker, sizes [][2]int, allowRotation bool) []PackedRect {
	type indexed struct {
		idx  int
		w, h int
	}
	order := make([]indexed, len(sizes))
	for i, s := range sizes {
		order[i] = indexed{idx: i, w: s[0], h: s[1]}
	}
	sort.SliceStable(order, func(i, j int) bool {
		pi := 2 * (order[i].w + order[i].h)
		pj := 2 * (order[j].w + order[j].h)
		return pi > pj
	})

	out := make([]PackedRect, len(sizes))
	for _, item := range order {
		if allowRotation {
			x, y, rotated, ok := p.PackRotate(item.w, item.h)
			if !ok {
				continue
			}
			w, h := item.w, item.h
			if rotated {
				w, h = h, w
			}
			out[item.idx] = PackedRect{X: x, Y: y, W: w, H: h, Rotated: rotated, Packed: true}
		} else {
			x, y, ok := p.Pack(item.w, item.h)
			if !ok {
				continue
			}
			out[item.idx] = PackedRect{X: x, Y: y, W: item.w, H: item.h, Packed: true}
		}
	}
	return out
}

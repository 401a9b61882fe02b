// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package scene

import (
	"encoding/binary"
	"math"
)

// LightBounds is one node's cone-and-box bound over a set of emissive
// triangles: an axis-aligned box for position, plus a bounding cone over
// surface normals (used to cull triangles facing away from a shading
// point) following PBRTv4 12.6.3's light bounds.
type LightBounds struct {
	Min, Max             [3]float32
	PrimaryDirection     [3]float32
	Power                float32
	NormalVariationAngle float32 // half-angle of the normal cone, theta_o
	VisibilityAngle      float32 // extra slack angle for two-sided/spread emitters, theta_e
	DoubleSided          bool
}

// union merges two light bounds: the box union, a direction-weighted
// average of the primary directions, and the widened cone needed to
// contain both inputs' normal cones.
func (a LightBounds) union(b LightBounds) LightBounds {
	if a.Power == 0 {
		return b
	}
	if b.Power == 0 {
		return a
	}

	out := LightBounds{
		Power:       a.Power + b.Power,
		DoubleSided: a.DoubleSided || b.DoubleSided,
	}
	for i := 0; i < 3; i++ {
		out.Min[i] = fmin32(a.Min[i], b.Min[i])
		out.Max[i] = fmax32(a.Max[i], b.Max[i])
	}

	dir := [3]float32{
		a.PrimaryDirection[0]*a.Power + b.PrimaryDirection[0]*b.Power,
		a.PrimaryDirection[1]*a.Power + b.PrimaryDirection[1]*b.Power,
		a.PrimaryDirection[2]*a.Power + b.PrimaryDirection[2]*b.Power,
	}
	out.PrimaryDirection = normalize3(dir)

	cosBetween := dot3(a.PrimaryDirection, b.PrimaryDirection)
	angleBetween := safeAcos(cosBetween)
	out.NormalVariationAngle = fmin32(
		a.NormalVariationAngle+angleBetween+b.NormalVariationAngle,
		math.Pi,
	)
	out.VisibilityAngle = fmax32(a.VisibilityAngle, b.VisibilityAngle)
	return out
}

func dot3(a, b [3]float32) float32 { return a[0]*b[0] + a[1]*b[1] + a[2]*b[2] }

func safeAcos(x float32) float32 {
	if x < -1 {
		x = -1
	}
	if x > 1 {
		x = 1
	}
	return float32(math.Acos(float64(x)))
}

func fmin32(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

func fmax32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

// lightBVHNode is one node of the flattened binary tree: an interior node
// points at its first child (the second is implicitly next in the array
// along the build order), a leaf indexes directly into the triangle-light
// table.
type lightBVHNode struct {
	Bounds            LightBounds
	IsLeaf            bool
	ChildOrLightIndex uint32
}

// LightBVH is a CPU-built, GPU-uploadable bounding volume hierarchy over
// emissive triangles for importance-sampled light picking, following
// PBRTv4 12.6.3. Matching the original, the build itself runs on the CPU
// and is not optimized for build speed; only the resulting sampling
// structure needs to be fast.
type LightBVH struct {
	Min, Max [3]float32
	nodes    []lightBVHNode
	bitTrail []uint32
}

// TriangleLight is one emissive triangle's power and spatial bound, the
// per-leaf input to BuildLightBVH.
type TriangleLight struct {
	Bounds     LightBounds
	LightIndex uint32
}

// BuildLightBVH constructs a light BVH over triangles by recursive median
// splitting on the axis of greatest spatial extent, matching the
// original's build_recursive.
func BuildLightBVH(triangles []TriangleLight) *LightBVH {
	bvh := &LightBVH{}
	if len(triangles) == 0 {
		return bvh
	}

	leaves := make([]lightBVHNode, len(triangles))
	for i, t := range triangles {
		leaves[i] = lightBVHNode{Bounds: t.Bounds, IsLeaf: true, ChildOrLightIndex: t.LightIndex}
	}

	bvh.Min, bvh.Max = triangles[0].Bounds.Min, triangles[0].Bounds.Max
	for _, t := range triangles[1:] {
		for i := 0; i < 3; i++ {
			bvh.Min[i] = fmin32(bvh.Min[i], t.Bounds.Min[i])
			bvh.Max[i] = fmax32(bvh.Max[i], t.Bounds.Max[i])
		}
	}

	bvh.bitTrail = make([]uint32, len(triangles))
	bvh.buildRecursive(leaves, 0, 0)
	return bvh
}

// buildRecursive mirrors cpu_light_bvh::build_recursive: a leaf set of one
// becomes a single leaf node; otherwise the set is split on its longest
// axis's median and the two halves become this node's children, appended
// depth-first so a child's index is always greater than its parent's.
func (bvh *LightBVH) buildRecursive(set []lightBVHNode, bitIndex int, bitTrail uint32) uint32 {
	if len(set) == 1 {
		idx := uint32(len(bvh.nodes))
		bvh.nodes = append(bvh.nodes, set[0])
		if set[0].IsLeaf {
			bvh.bitTrail[set[0].ChildOrLightIndex] = bitTrail
		}
		return idx
	}

	axis := bvh.longestAxis(set)
	sortByAxis(set, axis)
	mid := len(set) / 2

	selfIdx := uint32(len(bvh.nodes))
	bvh.nodes = append(bvh.nodes, lightBVHNode{})

	leftIdx := bvh.buildRecursive(set[:mid], bitIndex+1, bitTrail)
	rightIdx := bvh.buildRecursive(set[mid:], bitIndex+1, bitTrail|(1<<uint(bitIndex)))

	merged := bvh.nodes[leftIdx].Bounds.union(bvh.nodes[rightIdx].Bounds)
	bvh.nodes[selfIdx] = lightBVHNode{Bounds: merged, IsLeaf: false, ChildOrLightIndex: leftIdx}
	return selfIdx
}

func (bvh *LightBVH) longestAxis(set []lightBVHNode) int {
	min, max := set[0].Bounds.Min, set[0].Bounds.Max
	for _, n := range set[1:] {
		for i := 0; i < 3; i++ {
			min[i] = fmin32(min[i], n.Bounds.Min[i])
			max[i] = fmax32(max[i], n.Bounds.Max[i])
		}
	}
	extent := [3]float32{max[0] - min[0], max[1] - min[1], max[2] - min[2]}
	axis := 0
	if extent[1] > extent[axis] {
		axis = 1
	}
	if extent[2] > extent[axis] {
		axis = 2
	}
	return axis
}

func sortByAxis(set []lightBVHNode, axis int) {
	center := func(n lightBVHNode) float32 {
		return (n.Bounds.Min[axis] + n.Bounds.Max[axis]) * 0.5
	}
	// insertion sort: light BVH leaf sets are small (bounded by the number
	// of triangles in one leaf's recursive split), not worth importing
	// sort.Slice's overhead for.
	for i := 1; i < len(set); i++ {
		v := set[i]
		vc := center(v)
		j := i - 1
		for j >= 0 && center(set[j]) > vc {
			set[j+1] = set[j]
			j--
		}
		set[j+1] = v
	}
}

// NodeCount returns the number of nodes in the flattened tree.
func (bvh *LightBVH) NodeCount() int { return len(bvh.nodes) }

// gpuNodeSize is the packed byte size of one gpu_light_bvh_node: two
// uint16[3] quantized bounds (12 bytes), a uint32 octahedral-encoded
// direction, then four float32/uint32 fields.
const gpuNodeSize = 12 + 4 + 4 + 4 + 4 + 4

// MarshalGPU packs the tree into the original's gpu_light_bvh layout:
// a global AABB followed by one quantized node per entry. Bounds are
// quantized to the BVH-global AABB and the primary direction is encoded
// octahedrally, matching the original's cache-packed gpu_light_bvh_node.
func (bvh *LightBVH) MarshalGPU() []byte {
	out := make([]byte, 16+16+len(bvh.nodes)*gpuNodeSize)
	putVec4(out[0:], bvh.Min, 0)
	putVec4(out[16:], bvh.Max, 0)

	extent := [3]float32{
		fmax32(bvh.Max[0]-bvh.Min[0], 1e-8),
		fmax32(bvh.Max[1]-bvh.Min[1], 1e-8),
		fmax32(bvh.Max[2]-bvh.Min[2], 1e-8),
	}

	for i, n := range bvh.nodes {
		off := 32 + i*gpuNodeSize
		quantize := func(v [3]float32) [3]uint16 {
			var q [3]uint16
			for c := 0; c < 3; c++ {
				t := (v[c] - bvh.Min[c]) / extent[c]
				q[c] = uint16(clampf32(t, 0, 1) * 65535)
			}
			return q
		}
		minQ := quantize(n.Bounds.Min)
		maxQ := quantize(n.Bounds.Max)
		for c := 0; c < 3; c++ {
			binary.LittleEndian.PutUint16(out[off+c*2:], minQ[c])
		}
		for c := 0; c < 3; c++ {
			binary.LittleEndian.PutUint16(out[off+6+c*2:], maxQ[c])
		}
		binary.LittleEndian.PutUint32(out[off+12:], encodeOctahedral(n.Bounds.PrimaryDirection))
		power := n.Bounds.Power
		if n.Bounds.DoubleSided {
			power = -power
		}
		binary.LittleEndian.PutUint32(out[off+16:], math.Float32bits(power))
		binary.LittleEndian.PutUint32(out[off+20:], math.Float32bits(float32(math.Cos(float64(n.Bounds.NormalVariationAngle)))))
		binary.LittleEndian.PutUint32(out[off+24:], math.Float32bits(float32(math.Cos(float64(n.Bounds.VisibilityAngle)))))

		childOrLight := n.ChildOrLightIndex
		if n.IsLeaf {
			childOrLight |= 1 << 31
		}
		binary.LittleEndian.PutUint32(out[off+28:], childOrLight)
	}
	return out
}

func putVec4(dst []byte, v [3]float32, w float32) {
	binary.LittleEndian.PutUint32(dst[0:], math.Float32bits(v[0]))
	binary.LittleEndian.PutUint32(dst[4:], math.Float32bits(v[1]))
	binary.LittleEndian.PutUint32(dst[8:], math.Float32bits(v[2]))
	binary.LittleEndian.PutUint32(dst[12:], math.Float32bits(w))
}

func clampf32(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// encodeOctahedral maps a unit direction to the octahedral encoding packed
// into two signed 16-bit lanes, the representation gpu_light_bvh_node
// calls "Octahedral encoding".
func encodeOctahedral(n [3]float32) uint32 {
	absSum := abs32(n[0]) + abs32(n[1]) + abs32(n[2])
	if absSum == 0 {
		absSum = 1e-8
	}
	p := [2]float32{n[0] / absSum, n[1] / absSum}
	if n[2] < 0 {
		p = [2]float32{
			(1 - abs32(p[1])) * signNotZero(p[0]),
			(1 - abs32(p[0])) * signNotZero(p[1]),
		}
	}
	x := int16(clampf32(p[0], -1, 1) * 32767)
	y := int16(clampf32(p[1], -1, 1) * 32767)
	return uint32(uint16(x)) | uint32(uint16(y))<<16
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

func signNotZero(v float32) float32 {
	if v < 0 {
		return -1
	}
	return 1
}

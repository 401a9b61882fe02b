// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package scene

import (
	"fmt"
	"math"
)

// HeightfieldToMesh converts a single-channel heightfield image (row-major,
// values in [0,1], width*height samples) into the CPU-side vertex and index
// arrays for NewMesh: one vertex per sample, centered on the origin and
// scaled by scale, with a regular two-triangle-per-quad grid index buffer.
// Normals are estimated from the finite difference of neighboring heights.
func HeightfieldToMesh(width, height int, samples []float32, scale [3]float32) (positions [][3]float32, normals [][3]float32, uvs [][2]float32, tangents [][4]float32, indices []uint32, err error) {
	if width <= 0 || height <= 0 {
		return nil, nil, nil, nil, nil, fmt.Errorf("scene: heightfield dimensions must be positive, got %dx%d", width, height)
	}
	if len(samples) != width*height {
		return nil, nil, nil, nil, nil, fmt.Errorf("scene: heightfield expects %d samples, got %d", width*height, len(samples))
	}

	origin := [3]float32{float32(width) * 0.5, 0.5, float32(height) * 0.5}
	positions = make([][3]float32, width*height)
	uvs = make([][2]float32, width*height)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			h := samples[y*width+x]
			pos := [3]float32{
				(float32(x) - origin[0]) * scale[0],
				(h - origin[1]) * scale[1],
				(float32(y) - origin[2]) * scale[2],
			}
			positions[y*width+x] = pos
			uvs[y*width+x] = [2]float32{
				(float32(x) + 0.5) / float32(width),
				(float32(y) + 0.5) / float32(height),
			}
		}
	}

	normals = make([][3]float32, width*height)
	tangents = make([][4]float32, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			prevX, nextX := max(x-1, 0), min(x+1, width-1)
			prevY, nextY := max(y-1, 0), min(y+1, height-1)
			xdelta := sub3(positions[y*width+prevX], positions[y*width+nextX])
			ydelta := sub3(positions[nextY*width+x], positions[prevY*width+x])
			n := normalize3(cross3(xdelta, ydelta))
			normals[y*width+x] = n
			t := normalize3(xdelta)
			tangents[y*width+x] = [4]float32{t[0], t[1], t[2], 1}
		}
	}

	indices = make([]uint32, 0, max(6*(height-1)*(width-1), 0))
	for y := 0; y < height-1; y++ {
		for x := 0; x < width-1; x++ {
			a := uint32(y*width + x)
			b := uint32((y+1)*width + x)
			c := uint32(y*width + x + 1)
			d := uint32((y+1)*width + x + 1)
			indices = append(indices, a, b, c, c, b, d)
		}
	}

	return positions, normals, uvs, tangents, indices, nil
}

func sub3(a, b [3]float32) [3]float32 {
	return [3]float32{a[0] - b[0], a[1] - b[1], a[2] - b[2]}
}

func cross3(a, b [3]float32) [3]float32 {
	return [3]float32{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func normalize3(v [3]float32) [3]float32 {
	lenSq := v[0]*v[0] + v[1]*v[1] + v[2]*v[2]
	if lenSq == 0 {
		return v
	}
	inv := float32(1) / float32(math.Sqrt(float64(lenSq)))
	return [3]float32{v[0] * inv, v[1] * inv, v[2] * inv}
}

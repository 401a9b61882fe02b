// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package scene

import "testing"

func TestHeightfieldToMeshRejectsBadDimensions(t *testing.T) {
	if _, _, _, _, _, err := HeightfieldToMesh(0, 4, nil, [3]float32{1, 1, 1}); err == nil {
		t.Fatal("expected error for zero width")
	}
}

func TestHeightfieldToMeshRejectsMismatchedSamples(t *testing.T) {
	if _, _, _, _, _, err := HeightfieldToMesh(2, 2, make([]float32, 3), [3]float32{1, 1, 1}); err == nil {
		t.Fatal("expected error for sample count mismatch")
	}
}

func TestHeightfieldToMeshGridShape(t *testing.T) {
	w, h := 3, 2
	samples := make([]float32, w*h)
	for i := range samples {
		samples[i] = float32(i) / float32(len(samples))
	}

	positions, normals, uvs, tangents, indices, err := HeightfieldToMesh(w, h, samples, [3]float32{1, 1, 1})
	if err != nil {
		t.Fatalf("HeightfieldToMesh: %v", err)
	}
	if len(positions) != w*h {
		t.Fatalf("len(positions) = %d, want %d", len(positions), w*h)
	}
	if len(normals) != w*h || len(uvs) != w*h || len(tangents) != w*h {
		t.Fatalf("expected parallel arrays of length %d", w*h)
	}
	wantIndices := 6 * (w - 1) * (h - 1)
	if len(indices) != wantIndices {
		t.Fatalf("len(indices) = %d, want %d", len(indices), wantIndices)
	}
	for _, idx := range indices {
		if int(idx) >= w*h {
			t.Fatalf("index %d out of range for %d vertices", idx, w*h)
		}
	}
}

func TestHeightfieldNormalsAreUnitLength(t *testing.T) {
	w, h := 4, 4
	samples := make([]float32, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			samples[y*w+x] = float32(x) / float32(w)
		}
	}
	_, normals, _, _, _, err := HeightfieldToMesh(w, h, samples, [3]float32{1, 1, 1})
	if err != nil {
		t.Fatalf("HeightfieldToMesh: %v", err)
	}
	for i, n := range normals {
		lenSq := n[0]*n[0] + n[1]*n[1] + n[2]*n[2]
		if lenSq < 0.99 || lenSq > 1.01 {
			t.Fatalf("normal %d has squared length %v, want ~1", i, lenSq)
		}
	}
}

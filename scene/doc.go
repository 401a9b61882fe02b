// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

// Package scene implements the scene state engine: CPU-side mesh, material,
// light, and camera tables plus the per-frame pipeline that refreshes their
// device-visible mirrors and the acceleration structures built over them.
package scene

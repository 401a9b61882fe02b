// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

// Command tauray-smoke is a headless integration check for the direct
// lighting path: it opens a device, builds a two-triangle scene with one
// emissive material, and runs a fixed number of frames of the G-buffer
// fill (scenario 1 of the end-to-end checklist). It prints pass/fail per
// step and exits non-zero on the first failure, matching the style of the
// backend integration smoke tests this harness is grounded on.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tauray-gpu/tauray/devicectx"
	"github.com/tauray-gpu/tauray/gpures"
	"github.com/tauray-gpu/tauray/hal"
	_ "github.com/tauray-gpu/tauray/hal/noop"
	"github.com/tauray-gpu/tauray/internal/mat4"
	"github.com/tauray-gpu/tauray/raster"
	"github.com/tauray-gpu/tauray/scene"
	"github.com/tauray-gpu/tauray/types"
)

var (
	frames         = flag.Int("frames", 8, "number of frames to run")
	width          = flag.Int("width", 320, "render target width")
	height         = flag.Int("height", 240, "render target height")
	framesInFlight = flag.Int("frames-in-flight", 2, "pipelined frame slots")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tauray-smoke: FAILED: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("tauray-smoke: PASSED")
}

func run() error {
	fmt.Print("1. Locating noop backend... ")
	backend, ok := hal.GetBackend(types.BackendEmpty)
	if !ok {
		return fmt.Errorf("noop backend not registered")
	}
	fmt.Println("OK")

	fmt.Print("2. Creating instance... ")
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{})
	if err != nil {
		return fmt.Errorf("CreateInstance: %w", err)
	}
	defer instance.Destroy()
	fmt.Println("OK")

	fmt.Print("3. Opening device context (headless)... ")
	ctx, err := devicectx.NewContext(instance, nil, devicectx.Requirements{
		FramesInFlight:    *framesInFlight,
		RequireRayTracing: true,
	})
	if err != nil {
		return fmt.Errorf("NewContext: %w", err)
	}
	defer ctx.Destroy()
	fmt.Println("OK")

	fmt.Print("4. Building scene (two triangles, one emissive)... ")
	sc, err := scene.NewScene(ctx, ctx.Mask(), 8, 8)
	if err != nil {
		return fmt.Errorf("NewScene: %w", err)
	}
	defer sc.Close()

	if err := addTriangle(ctx, sc, "floor", [16]float32{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}, false); err != nil {
		return fmt.Errorf("adding floor triangle: %w", err)
	}
	if err := addTriangle(ctx, sc, "emitter", [16]float32{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 1, 1, 1,
	}, true); err != nil {
		return fmt.Errorf("adding emissive triangle: %w", err)
	}
	fmt.Println("OK")

	fmt.Print("5. Allocating G-buffer... ")
	var spec gpures.GBufferSpec
	spec.Set(gpures.GBufferAlbedo, true)
	spec.Set(gpures.GBufferDepth, true)
	gb, err := gpures.NewGBuffer(ctx, ctx.Mask(), "smoke.gbuffer", uint32(*width), uint32(*height), 1, spec)
	if err != nil {
		return fmt.Errorf("NewGBuffer: %w", err)
	}
	defer gb.Close()
	fmt.Println("OK")

	fmt.Print("6. Building raster core... ")
	opts := raster.DefaultOptions()
	opts.EnableShadows = false
	core, err := raster.NewCore(ctx, ctx.Mask(), "smoke.core", raster.NewCoreParams{GBuffer: gb, Scene: sc}, opts)
	if err != nil {
		return fmt.Errorf("NewCore: %w", err)
	}
	defer core.Close()
	fmt.Println("OK")

	cam := buildCamera(float32(*width) / float32(*height))
	views := []raster.View{{Camera: cam, Layer: 0}}

	fmt.Printf("7. Running %d frames of the direct-lighting path...\n", *frames)
	var dep devicectx.Dependency
	ctx.ForEachDevice(func(d *devicectx.Device) {
		for frame := uint32(0); frame < uint32(*frames); frame++ {
			sc.RefreshInstanceCache(uint64(frame), false)
			var waits []devicectx.Dependency
			if frame > 0 {
				waits = []devicectx.Dependency{dep}
			}
			runDep, runErr := core.Run(d.ID, frame, views, waits)
			if runErr != nil {
				err = fmt.Errorf("frame %d: Run: %w", frame, runErr)
				return
			}
			dep = runDep
			fmt.Printf("   frame %d OK\n", frame)
		}
	})
	if err != nil {
		return err
	}
	fmt.Println("OK")

	return nil
}

// addTriangle adds a single-triangle object to sc placed by transform. The
// emissive flag drives whether the object's material carries an emission
// factor, matching scenario 1's "one emissive" cube requirement scaled down
// to the minimal two-triangle case this harness exercises.
func addTriangle(ctx *devicectx.Context, sc *scene.Scene, name string, transform [16]float32, emissive bool) error {
	positions := [][3]float32{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}}
	normals := [][3]float32{{0, 0, 1}, {0, 0, 1}, {0, 0, 1}}
	uvs := [][2]float32{{0, 0}, {1, 0}, {0, 1}}
	indices := []uint32{0, 1, 2}

	mesh, err := scene.NewMesh(ctx, ctx.Mask(), name, positions, normals, uvs, nil, indices, nil)
	if err != nil {
		return err
	}

	mat := scene.DefaultMaterial(name)
	if emissive {
		mat.EmissionFactor = [3]float32{4, 4, 4}
	}

	model := &scene.Model{Groups: []scene.Group{{Mesh: mesh, Material: &mat}}}
	sc.AddObject(&scene.Object{Model: model, Transform: transform})
	return nil
}

// buildCamera places a camera looking down at the two triangles, grounded
// on internal/mat4's LookAt/Perspective pair.
func buildCamera(aspect float32) *scene.Camera {
	const near, far = 0.1, 100.0
	eye := mat4.V3{0.5, 0.5, 3}
	center := mat4.V3{0.5, 0.5, 0}
	up := mat4.V3{0, 1, 0}

	view := mat4.LookAt(eye, center, up)
	proj := mat4.Perspective(1.0, aspect, near, far)
	viewProj := mat4.Mul(proj, view)

	return &scene.Camera{
		ViewProj:  [16]float32(viewProj),
		View:      [16]float32(view),
		Proj:      [16]float32(proj),
		Position:  [3]float32(eye),
		NearPlane: near,
		FarPlane:  far,
	}
}

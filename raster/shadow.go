// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package raster

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/tauray-gpu/tauray/devicectx"
	"github.com/tauray-gpu/tauray/gpures"
	"github.com/tauray-gpu/tauray/hal"
	"github.com/tauray-gpu/tauray/internal/devicemask"
	"github.com/tauray-gpu/tauray/internal/mat4"
	"github.com/tauray-gpu/tauray/pipeline"
	"github.com/tauray-gpu/tauray/scene"
)

// defaultPointShadowFar bounds a point/spot shadow map's perspective
// projection when the light carries no explicit far plane of its own.
const defaultPointShadowFar = 100.0

// cubeFace is one face of an omnidirectional shadow cubemap: the direction
// the face looks and the up vector that orients it, in the original's
// +X,-X,+Y,-Y,+Z,-Z order.
type cubeFace struct {
	dir, up mat4.V3
}

var cubeFaces = [6]cubeFace{
	{mat4.V3{1, 0, 0}, mat4.V3{0, -1, 0}},
	{mat4.V3{-1, 0, 0}, mat4.V3{0, -1, 0}},
	{mat4.V3{0, 1, 0}, mat4.V3{0, 0, 1}},
	{mat4.V3{0, -1, 0}, mat4.V3{0, 0, -1}},
	{mat4.V3{0, 0, 1}, mat4.V3{0, -1, 0}},
	{mat4.V3{0, 0, -1}, mat4.V3{0, -1, 0}},
}

// shadowView is one atlas-layer's worth of shadow rendering work: the
// light-space view-projection matrix to render the scene with and the
// atlas layer it writes.
type shadowView struct {
	viewProj mat4.M4
	layer    uint32
}

// ShadowAtlas owns the shadow-map depth atlas and the depth-only pipeline
// that fills it, following shadow_map_renderer's split from the main
// G-buffer fill: one shared atlas texture, one slot per cube face or
// cascade, rebuilt whenever the scene's light set or light revision
// changes.
type ShadowAtlas struct {
	ctx   *devicectx.Context
	mask  devicemask.Mask
	label string
	opts  Options

	depth *gpures.Texture

	layout         *pipeline.DescriptorSetLayout
	pipelineLayout *pipeline.Layout
	gfx            *pipeline.GraphicsPipeline
	push           *pipeline.PushDescriptorSet

	view *gpures.StagedBuffer

	lastLightRevision uint64
	haveRevision      bool
	views             []shadowView
}

func newShadowAtlas(ctx *devicectx.Context, mask devicemask.Mask, label string, opts Options) (*ShadowAtlas, error) {
	a := &ShadowAtlas{ctx: ctx, mask: mask, label: label, opts: opts}

	var err error
	a.depth, err = gpures.NewTexture(ctx, mask, label+".depth", gpures.TextureParams{
		Width: opts.ShadowAtlasResolution, Height: opts.ShadowAtlasResolution,
		ArrayLayers: opts.ShadowAtlasLayers,
		Dimension:   gputypes.TextureDimension2D,
		Format:      gputypes.TextureFormatDepth32Float,
		Usage:       gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageTextureBinding,
	})
	if err != nil {
		return nil, fmt.Errorf("raster: shadow atlas depth texture: %w", err)
	}

	bindings := []pipeline.BindingInfo{
		{Name: "shadow_view", Binding: 0, Type: pipeline.BindingTypeUniformBuffer, Visibility: gputypes.ShaderStageVertex},
		{Name: "instances", Binding: 1, Type: pipeline.BindingTypeReadOnlyStorageBuffer, Visibility: gputypes.ShaderStageVertex},
		{Name: "materials", Binding: 2, Type: pipeline.BindingTypeReadOnlyStorageBuffer, Visibility: gputypes.ShaderStageFragment},
		{Name: "params", Binding: 3, Type: pipeline.BindingTypeUniformBuffer, Visibility: gputypes.ShaderStageFragment},
		{Name: "albedo_tex", Binding: 4, Type: pipeline.BindingTypeSampledTexture, Visibility: gputypes.ShaderStageFragment},
		{Name: "albedo_sampler", Binding: 5, Type: pipeline.BindingTypeSampler, Visibility: gputypes.ShaderStageFragment},
	}
	a.layout, err = pipeline.NewDescriptorSetLayout(ctx, mask, label+".set", bindings)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("raster: shadow descriptor set layout: %w", err)
	}
	a.pipelineLayout, err = pipeline.NewLayout(ctx, mask, label+".layout", []*pipeline.DescriptorSetLayout{a.layout}, nil)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("raster: shadow pipeline layout: %w", err)
	}

	vs, err := pipeline.CompileWGSL(label+".vert", shadowVertexWGSL, bindings, nil)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("raster: shadow vertex shader: %w", err)
	}
	fs, err := pipeline.CompileWGSL(label+".frag", shadowFragmentWGSL, bindings, nil)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("raster: shadow fragment shader: %w", err)
	}

	a.gfx, err = pipeline.NewGraphicsPipeline(ctx, mask, label+".pipeline", a.pipelineLayout, &pipeline.GraphicsPipelineDescriptor{
		Vertex: vs, VertexEntryPoint: "vs_main",
		VertexBuffers: meshVertexBufferLayouts(),
		Fragment:      fs, FragmentEntryPoint: "fs_main",
		Targets: nil,
		Primitive: gputypes.PrimitiveState{
			Topology:  gputypes.PrimitiveTopologyTriangleList,
			CullMode:  gputypes.CullModeNone,
			FrontFace: gputypes.FrontFaceCCW,
		},
		DepthStencil: &hal.DepthStencilState{
			Format: gputypes.TextureFormatDepth32Float, DepthWriteEnabled: true, DepthCompare: gputypes.CompareFunctionLess,
		},
		Multisample: gputypes.MultisampleState{Count: 1, Mask: 0xFFFFFFFF},
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("raster: shadow graphics pipeline: %w", err)
	}
	a.push = pipeline.NewPushDescriptorSet(ctx, label+".push", a.layout)

	a.view, err = gpures.NewStagedBuffer(ctx, mask, label+".view", 64, gputypes.BufferUsageUniform)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("raster: shadow view buffer: %w", err)
	}

	return a, nil
}

func (a *ShadowAtlas) close() {
	if a.view != nil {
		a.view.Close()
	}
	if a.gfx != nil {
		a.gfx.Close()
	}
	if a.pipelineLayout != nil {
		a.pipelineLayout.Close()
	}
	if a.layout != nil {
		a.layout.Close()
	}
	if a.depth != nil {
		a.depth.Close()
	}
}

// rebuild recomputes every light's shadow view-projection matrix and atlas
// layer assignment. It is a no-op unless sc's light revision has changed
// since the previous call, so per-frame cost is only paid when lights
// moved, were added, or were removed.
func (a *ShadowAtlas) rebuild(sc *scene.Scene) error {
	_, _, lightRevision := sc.Revisions()
	if a.haveRevision && lightRevision == a.lastLightRevision {
		return nil
	}
	a.lastLightRevision = lightRevision
	a.haveRevision = true

	var views []shadowView
	var layer uint32

	alloc := func(n uint32) (uint32, error) {
		if layer+n > a.opts.ShadowAtlasLayers {
			return 0, fmt.Errorf("raster: shadow atlas out of layers: need %d more, have %d of %d used", n, layer, a.opts.ShadowAtlasLayers)
		}
		base := layer
		layer += n
		return base, nil
	}

	for _, pl := range sc.PointLights() {
		psm, ok := sc.ShadowMapOf(pl)
		if !ok {
			continue
		}
		if psm.FaceCount == 1 && pl.Spot != nil {
			base, err := alloc(1)
			if err != nil {
				return err
			}
			fov := 2 * pl.Spot.CutoffAngle
			proj := mat4.Perspective(fov, 1, psm.Near, defaultPointShadowFar)
			up := mat4.V3{0, 1, 0}
			view := mat4.LookDir(mat4.V3(pl.Position), mat4.V3(pl.Spot.Direction), up)
			views = append(views, shadowView{viewProj: mat4.Mul(proj, view), layer: base})
			continue
		}
		base, err := alloc(6)
		if err != nil {
			return err
		}
		proj := mat4.Perspective(1.57079633, 1, psm.Near, defaultPointShadowFar)
		for i, face := range cubeFaces {
			view := mat4.LookDir(mat4.V3(pl.Position), face.dir, face.up)
			views = append(views, shadowView{viewProj: mat4.Mul(proj, view), layer: base + uint32(i)})
		}
	}

	for _, dl := range sc.DirectionalLights() {
		dsm, ok := sc.DirectionalShadowMapOf(dl)
		if !ok || len(dsm.Cascades) == 0 {
			continue
		}
		base, err := alloc(uint32(len(dsm.Cascades)))
		if err != nil {
			return err
		}
		cascades := fitCascades(dl, sc.TrackedCameras(), len(dsm.Cascades))
		for i, vp := range cascades {
			views = append(views, shadowView{viewProj: vp, layer: base + uint32(i)})
		}
	}

	a.views = views
	return nil
}

// fitCascades computes one camera-frustum-fit orthographic view-projection
// per cascade for dl, following the split scheme shadow_map_renderer uses:
// splits blend a logarithmic and a uniform division of [near, far], and
// each split's eight frustum corners (unprojected through the first
// tracked camera's view-projection; other tracked cameras are ignored)
// are bounded in light space to build
// the cascade's orthographic volume. With no tracked camera, a fixed
// default volume around the origin is used instead.
func fitCascades(dl *scene.DirectionalLight, cameras []*scene.Camera, count int) []mat4.M4 {
	dir := normalizeV3(mat4.V3(dl.Direction))
	up := mat4.V3{0, 1, 0}
	if absf32(dir[1]) > 0.99 {
		up = mat4.V3{1, 0, 0}
	}

	if len(cameras) == 0 {
		out := make([]mat4.M4, count)
		for i := range out {
			r := float32(10 * (i + 1))
			view := mat4.LookDir(mat4.V3{}, dir, up)
			proj := mat4.Ortho(-r, r, -r, r, -r, r)
			out[i] = mat4.Mul(proj, view)
		}
		return out
	}
	cam := cameras[0]

	out := make([]mat4.M4, count)
	invViewProj := mat4.Invert(mat4.M4(cam.ViewProj))
	for i := 0; i < count; i++ {
		nearD := splitDistance(i, count, cam.NearPlane, cam.FarPlane, 0.5)
		farD := splitDistance(i+1, count, cam.NearPlane, cam.FarPlane, 0.5)
		ndcNear := cascadeNDCZ(nearD, cam.NearPlane, cam.FarPlane)
		ndcFar := cascadeNDCZ(farD, cam.NearPlane, cam.FarPlane)

		var corners [8]mat4.V3
		k := 0
		for _, z := range [2]float32{ndcNear, ndcFar} {
			for _, y := range [2]float32{-1, 1} {
				for _, x := range [2]float32{-1, 1} {
					corners[k] = mat4.TransformPoint(invViewProj, mat4.V3{x, y, z})
					k++
				}
			}
		}

		var center mat4.V3
		for _, c := range corners {
			center[0] += c[0]
			center[1] += c[1]
			center[2] += c[2]
		}
		center[0] /= 8
		center[1] /= 8
		center[2] /= 8

		view := mat4.LookDir(center, dir, up)
		var lo, hi mat4.V3
		for j, c := range corners {
			ls := mat4.TransformPoint(view, c)
			if j == 0 {
				lo, hi = ls, ls
				continue
			}
			lo = minV3(lo, ls)
			hi = maxV3(hi, ls)
		}
		near := -hi[2]
		far := -lo[2]
		if near >= far {
			far = near + 1
		}
		proj := mat4.Ortho(lo[0], hi[0], lo[1], hi[1], near, far)
		out[i] = mat4.Mul(proj, view)
	}
	return out
}

func splitDistance(i, count int, near, far, lambda float32) float32 {
	if count <= 0 {
		return near
	}
	p := float32(i) / float32(count)
	log := near * pow32(far/near, p)
	uniform := near + (far-near)*p
	return lambda*log + (1-lambda)*uniform
}

func cascadeNDCZ(d, near, far float32) float32 {
	if d <= 0 {
		d = near
	}
	return far * (d - near) / (d * (far - near))
}

// pow32 computes base^exp via exp(exp*ln(base)), both implemented with a
// Taylor series and a Newton solve; precision well beyond what a cascade
// split point needs, but avoids importing math for one call site.
func pow32(base, exp float32) float32 {
	if base <= 0 {
		return 0
	}
	return exp32(exp * ln32(base))
}

func exp32(x float32) float32 {
	k := 0
	for x > 1 || x < -1 {
		x /= 2
		k++
	}
	term := float32(1)
	sum := float32(1)
	for i := 1; i <= 12; i++ {
		term *= x / float32(i)
		sum += term
	}
	for ; k > 0; k-- {
		sum *= sum
	}
	return sum
}

func ln32(x float32) float32 {
	if x <= 0 {
		return 0
	}
	y := float32(0)
	for i := 0; i < 30; i++ {
		ey := exp32(y)
		y -= (ey - x) / ey
	}
	return y
}

func normalizeV3(v mat4.V3) mat4.V3 {
	l := v[0]*v[0] + v[1]*v[1] + v[2]*v[2]
	if l == 0 {
		return v
	}
	inv := 1 / sqrt32(l)
	return mat4.V3{v[0] * inv, v[1] * inv, v[2] * inv}
}

func sqrt32(x float32) float32 {
	if x <= 0 {
		return 0
	}
	z := x
	for i := 0; i < 12; i++ {
		z -= (z*z - x) / (2 * z)
	}
	return z
}

func absf32(x float32) float32 {
	if x < 0 {
		return -x
	}
	return x
}

func minV3(a, b mat4.V3) mat4.V3 {
	return mat4.V3{minf32(a[0], b[0]), minf32(a[1], b[1]), minf32(a[2], b[2])}
}

func maxV3(a, b mat4.V3) mat4.V3 {
	return mat4.V3{maxf32(a[0], b[0]), maxf32(a[1], b[1]), maxf32(a[2], b[2])}
}

func minf32(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

func maxf32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

// record renders every assigned shadow view into its atlas layer, reusing
// core's shared instance, material, and params staged buffers (already
// uploaded for this frame by Core.Run before record is called).
func (a *ShadowAtlas) record(enc hal.CommandEncoder, id devicemask.DeviceID, frameIndex uint32, core *Core) error {
	if len(a.views) == 0 {
		return nil
	}
	pl, ok := a.gfx.Handle(id)
	if !ok {
		return fmt.Errorf("raster: device %d missing shadow pipeline", id)
	}
	materials := core.scene.Materials()
	records := core.scene.Instances()

	for _, v := range a.views {
		depthView, err := a.depth.LayerView(id, v.layer)
		if err != nil {
			return fmt.Errorf("raster: shadow atlas layer %d view: %w", v.layer, err)
		}

		viewBytes := make([]byte, 64)
		putMat4(viewBytes, 0, v.viewProj)
		a.view.Update(uint64(frameIndex), viewBytes, 0)
		a.view.Upload(id, uint64(frameIndex), nil)

		rp := enc.BeginRenderPass(&hal.RenderPassDescriptor{
			Label:            a.label,
			ColorAttachments: nil,
			DepthStencilAttachment: &hal.RenderPassDepthStencilAttachment{
				View: depthView, DepthLoadOp: gputypes.LoadOpClear, DepthStoreOp: gputypes.StoreOpStore, DepthClearValue: 1,
			},
		})
		rp.SetPipeline(pl)

		viewBuf, _ := a.view.Target(id)
		instBuf, _ := core.instances.Target(id)
		matBuf, _ := core.materials.Target(id)
		paramsBuf, _ := core.params.Target(id)
		a.push.WriteBuffer(id, "shadow_view", viewBuf, 0, 64)
		a.push.WriteBuffer(id, "instances", instBuf, 0, core.instances.Size())
		a.push.WriteBuffer(id, "materials", matBuf, 0, core.materials.Size())
		a.push.WriteBuffer(id, "params", paramsBuf, 0, paramsRecordSize)

		slot := 0
		for _, obj := range core.scene.Objects() {
			for _, g := range obj.Model.Groups {
				if err := a.drawGroup(rp, core, id, uint64(frameIndex), slot, g, materials); err != nil {
					rp.End()
					return err
				}
				slot++
			}
		}
		if slot != len(records) {
			rp.End()
			return fmt.Errorf("raster: shadow instance slot count %d does not match instance cache size %d", slot, len(records))
		}
		rp.End()
	}
	return nil
}

func (a *ShadowAtlas) drawGroup(rp hal.RenderPassEncoder, core *Core, id devicemask.DeviceID, frame uint64, slot int, g scene.Group, materials []*scene.Material) error {
	mesh := g.Mesh
	if mesh == nil {
		return fmt.Errorf("raster: shadow instance slot %d has no mesh", slot)
	}
	posBuf, ok := mesh.PositionBuffer(id)
	if !ok {
		return fmt.Errorf("raster: shadow mesh missing position buffer for device %d", id)
	}
	normBuf, ok := mesh.NormalBuffer(id)
	if !ok {
		return fmt.Errorf("raster: shadow mesh missing normal buffer for device %d", id)
	}
	uvBuf, ok := mesh.UVBuffer(id)
	if !ok {
		return fmt.Errorf("raster: shadow mesh missing uv buffer for device %d", id)
	}
	idxBuf, ok := mesh.IndexBuffer(id)
	if !ok {
		return fmt.Errorf("raster: shadow mesh missing index buffer for device %d", id)
	}

	albedoView, sampler := core.materialAlbedo(id, g.Material, materials)
	a.push.WriteTextureView(id, "albedo_tex", albedoView)
	a.push.WriteSampler(id, "albedo_sampler", sampler)
	if err := a.push.Push(rp, id, frame, 0); err != nil {
		return fmt.Errorf("raster: shadow push descriptors: %w", err)
	}

	rp.SetVertexBuffer(0, posBuf, 0)
	rp.SetVertexBuffer(1, normBuf, 0)
	rp.SetVertexBuffer(2, uvBuf, 0)
	rp.SetIndexBuffer(idxBuf, gputypes.IndexFormatUint32, 0)
	rp.DrawIndexed(uint32(len(mesh.Indices)), 1, 0, 0, uint32(slot))
	return nil
}

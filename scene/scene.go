// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package scene

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/tauray-gpu/tauray/accel"
	"github.com/tauray-gpu/tauray/devicectx"
	"github.com/tauray-gpu/tauray/gpures"
	"github.com/tauray-gpu/tauray/hal"
	"github.com/tauray-gpu/tauray/internal/devicemask"
)

// InstanceRecord is the flattened per-instance view the instance table
// mirrors to every device: one entry per (object, group) pair.
type InstanceRecord struct {
	LightBaseID                int32
	ShGridIndex                int32
	ShadowTerminatorMultiplier float32
	Model                      [16]float32
	NormalModel                [16]float32
	PrevModel                  [16]float32
	MaterialIndex              int32
}

const instanceRecordSize = 4 + 4 + 4 + 16*4 + 16*4 + 16*4 + 4
const pointLightRecordSize = 3*4 + 3*4 + 4 + 4*3 + 4
const directionalLightRecordSize = 3*4 + 3*4 + 4 + 4

// UpdateHooks are the per-frame compute dispatch callbacks scene.Update
// invokes for concerns that belong to the pipeline and stage layers: any
// hook left nil is simply skipped. Keeping these as caller-supplied
// functions instead of a direct dependency lets scene build and test
// independently of pipeline/stage.
type UpdateHooks struct {
	// SkinMesh dispatches the skinning compute pass for an animated mesh,
	// reading source vertices + skin data + joint transforms and writing
	// into am's output position buffer for id.
	SkinMesh func(id devicemask.DeviceID, enc hal.CommandEncoder, am *AnimatedMesh) error

	// PreTransform computes each instance's vertices into a contiguous
	// buffer for shader indexing, when pre-transform is enabled.
	PreTransform func(id devicemask.DeviceID, enc hal.CommandEncoder, instances []InstanceRecord) error

	// ExtractEmissiveTriangles walks each emissive instance's index buffer
	// to populate the GPU-produced triangle-light table.
	ExtractEmissiveTriangles func(id devicemask.DeviceID, enc hal.CommandEncoder) error
}

// Scene owns the CPU-side object/light/material tables, their device-visible
// mirrors, and the acceleration structures built over the current geometry.
//
// Meshes are treated as immutable once constructed: the data model's
// "ids are reassigned on buffer refresh" becomes, in this module,
// constructing a new *Mesh and swapping it into the relevant Group —
// NewMesh's fresh id naturally invalidates the BLAS cache entry keyed by
// the old *Mesh pointer. The orphaned BLAS is released when the scene
// closes, not when the swap happens; a scene that replaces meshes
// routinely should also call the superseded *accel.BLAS's Close itself.
type Scene struct {
	ctx          *devicectx.Context
	mask         devicemask.Mask
	maxInstances int
	maxLights    int

	objects           []*Object
	pointLights       []*PointLight
	directionalLights []*DirectionalLight
	materials         []*Material
	materialIndex     map[*Material]int32
	samplerTable      *SamplerTable
	trackedCameras    []*Camera

	envmap  *EnvironmentMap
	ambient [3]float32

	pointShadowMaps       map[*PointLight]PointShadowMap
	directionalShadowMaps map[*DirectionalLight]DirectionalShadowMap

	envmapRevision   uint64
	geometryRevision uint64
	lightRevision    uint64

	instanceCache      []InstanceRecord
	instanceCacheFrame uint64
	haveCache          bool
	forceRefresh       bool

	emissiveTriangleCount int
	vertexTotal           int

	instanceTable      *gpures.StagedBuffer
	pointLightTable    *gpures.StagedBuffer
	directionalLightTable *gpures.StagedBuffer
	cameraTable        *gpures.StagedBuffer

	tlas      *accel.TLAS
	blasCache map[*Mesh]*accel.BLAS

	asRebuild              bool
	commandBuffersOutdated bool
}

// NewScene allocates the device-visible mirrors and top-level acceleration
// structure for up to maxInstances instances and maxLights lights of each
// kind.
func NewScene(ctx *devicectx.Context, mask devicemask.Mask, maxInstances, maxLights int) (*Scene, error) {
	if maxInstances <= 0 {
		return nil, fmt.Errorf("scene: maxInstances must be positive, got %d", maxInstances)
	}

	instanceTable, err := gpures.NewStagedBuffer(ctx, mask, "scene.instances", uint64(maxInstances)*instanceRecordSize, gputypes.BufferUsageStorage)
	if err != nil {
		return nil, fmt.Errorf("scene: instance table: %w", err)
	}
	pointLightTable, err := gpures.NewStagedBuffer(ctx, mask, "scene.point-lights", uint64(maxLights)*pointLightRecordSize, gputypes.BufferUsageStorage)
	if err != nil {
		instanceTable.Close()
		return nil, fmt.Errorf("scene: point-light table: %w", err)
	}
	directionalLightTable, err := gpures.NewStagedBuffer(ctx, mask, "scene.directional-lights", uint64(maxLights)*directionalLightRecordSize, gputypes.BufferUsageStorage)
	if err != nil {
		instanceTable.Close()
		pointLightTable.Close()
		return nil, fmt.Errorf("scene: directional-light table: %w", err)
	}
	cameraTable, err := gpures.NewStagedBuffer(ctx, mask, "scene.cameras", cameraRecordSize, gputypes.BufferUsageUniform)
	if err != nil {
		instanceTable.Close()
		pointLightTable.Close()
		directionalLightTable.Close()
		return nil, fmt.Errorf("scene: camera table: %w", err)
	}

	tlas, err := accel.NewTLAS(ctx, mask, "scene.tlas", maxInstances)
	if err != nil {
		instanceTable.Close()
		pointLightTable.Close()
		directionalLightTable.Close()
		cameraTable.Close()
		return nil, fmt.Errorf("scene: tlas: %w", err)
	}

	return &Scene{
		ctx:                    ctx,
		mask:                   mask,
		maxInstances:           maxInstances,
		maxLights:              maxLights,
		materialIndex:          map[*Material]int32{},
		samplerTable:           NewSamplerTable(),
		pointShadowMaps:        map[*PointLight]PointShadowMap{},
		directionalShadowMaps:  map[*DirectionalLight]DirectionalShadowMap{},
		instanceTable:          instanceTable,
		pointLightTable:        pointLightTable,
		directionalLightTable:  directionalLightTable,
		cameraTable:            cameraTable,
		tlas:                   tlas,
		blasCache:              map[*Mesh]*accel.BLAS{},
		forceRefresh:           true,
		asRebuild:              true,
		commandBuffersOutdated: true,
	}, nil
}

// AddObject places o in the scene.
func (s *Scene) AddObject(o *Object) {
	s.objects = append(s.objects, o)
	s.geometryRevision++
	s.commandBuffersOutdated = true
}

// RemoveObject removes o from the scene, if present.
func (s *Scene) RemoveObject(o *Object) {
	for i, existing := range s.objects {
		if existing == o {
			s.objects = append(s.objects[:i], s.objects[i+1:]...)
			s.geometryRevision++
			s.commandBuffersOutdated = true
			return
		}
	}
}

// Objects returns every object currently in the scene.
func (s *Scene) Objects() []*Object { return s.objects }

// InstanceCount returns the number of flattened (mesh, material) instances
// every object in the scene currently expands into.
func (s *Scene) InstanceCount() int {
	total := 0
	for _, o := range s.objects {
		total += o.Model.GroupCount()
	}
	return total
}

// AddPointLight, RemovePointLight manage the point-light table.
func (s *Scene) AddPointLight(pl *PointLight) {
	s.pointLights = append(s.pointLights, pl)
	s.lightRevision++
}

func (s *Scene) RemovePointLight(pl *PointLight) {
	for i, existing := range s.pointLights {
		if existing == pl {
			s.pointLights = append(s.pointLights[:i], s.pointLights[i+1:]...)
			delete(s.pointShadowMaps, pl)
			s.lightRevision++
			return
		}
	}
}

// AddDirectionalLight, RemoveDirectionalLight manage the directional-light
// table.
func (s *Scene) AddDirectionalLight(dl *DirectionalLight) {
	s.directionalLights = append(s.directionalLights, dl)
	s.lightRevision++
}

func (s *Scene) RemoveDirectionalLight(dl *DirectionalLight) {
	for i, existing := range s.directionalLights {
		if existing == dl {
			s.directionalLights = append(s.directionalLights[:i], s.directionalLights[i+1:]...)
			delete(s.directionalShadowMaps, dl)
			s.lightRevision++
			return
		}
	}
}

// SetEnvironmentMap installs or clears the scene's environment map.
func (s *Scene) SetEnvironmentMap(e *EnvironmentMap) {
	s.envmap = e
	s.envmapRevision++
}

// EnvironmentMap returns the scene's current environment map, or nil.
func (s *Scene) EnvironmentMap() *EnvironmentMap { return s.envmap }

// SetAmbient sets the constant ambient light term.
func (s *Scene) SetAmbient(rgb [3]float32) { s.ambient = rgb; s.lightRevision++ }

// RegisterCamera tracks cam so Update commits its previous-frame shadow
// every frame.
func (s *Scene) RegisterCamera(cam *Camera) { s.trackedCameras = append(s.trackedCameras, cam) }

// TrackedCameras returns every camera registered with RegisterCamera, for a
// cascade-fit shadow renderer that needs each frame's active view frusta.
func (s *Scene) TrackedCameras() []*Camera { return s.trackedCameras }

// spotCubemapCutoff is the half-angle above which a spot light falls back
// to the same 6-face omnidirectional cubemap as a point light instead of a
// single perspective shadow map, matching shadow_map_renderer's 60-degree
// threshold.
const spotCubemapCutoff = 60 * 3.14159265 / 180

// AutoShadowMaps assigns a uniformly-configured shadow map to every current
// point and directional light, per the original's auto_shadow_maps.
func (s *Scene) AutoShadowMaps(p AutoShadowMapParams) {
	psm := PointShadowMap{Resolution: p.PointResolution, Near: p.PointNear, MinBias: p.PointBias[0], MaxBias: p.PointBias[1], FaceCount: 6}
	for _, pl := range s.pointLights {
		if pl.Spot != nil && pl.Spot.CutoffAngle < spotCubemapCutoff {
			cone := psm
			cone.FaceCount = 1
			s.pointShadowMaps[pl] = cone
		} else {
			s.pointShadowMaps[pl] = psm
		}
	}

	dsm := DirectionalShadowMap{
		Resolution: p.DirectionalResolution,
		MinBias:    p.DirectionalBias[0],
		MaxBias:    p.DirectionalBias[1],
		Cascades:   make([]CascadeSplit, p.Cascades),
	}
	for _, dl := range s.directionalLights {
		s.directionalShadowMaps[dl] = dsm
	}
	s.lightRevision++
}

// ShadowMapOf returns the shadow map assigned to pl, if any.
func (s *Scene) ShadowMapOf(pl *PointLight) (PointShadowMap, bool) {
	sm, ok := s.pointShadowMaps[pl]
	return sm, ok
}

// DirectionalShadowMapOf returns the shadow map assigned to dl, if any.
func (s *Scene) DirectionalShadowMapOf(dl *DirectionalLight) (DirectionalShadowMap, bool) {
	sm, ok := s.directionalShadowMaps[dl]
	return sm, ok
}

func (s *Scene) materialIndexOf(m *Material) int32 {
	if idx, ok := s.materialIndex[m]; ok {
		return idx
	}
	idx := int32(len(s.materials))
	s.materials = append(s.materials, m)
	s.materialIndex[m] = idx
	return idx
}

func isEmissive(m *Material) bool {
	return m.Emission != nil || m.EmissionFactor != ([3]float32{})
}

// RefreshInstanceCache rebuilds the flattened instance cache from the
// current object list. It is a no-op if frame matches the last refreshed
// frame, unless force is true (the "force refresh" window after a scene
// reset).
func (s *Scene) RefreshInstanceCache(frame uint64, force bool) {
	if s.haveCache && frame == s.instanceCacheFrame && !force && !s.forceRefresh {
		return
	}

	s.instanceCache = s.instanceCache[:0]
	s.emissiveTriangleCount = 0
	s.vertexTotal = 0
	emissiveBase := int32(0)

	for _, o := range s.objects {
		for _, g := range o.Model.Groups {
			lightBase := int32(-1)
			if isEmissive(g.Material) {
				lightBase = emissiveBase
				emissiveBase += int32(g.Mesh.PrimitiveCount())
				s.emissiveTriangleCount += int(g.Mesh.PrimitiveCount())
			}
			s.vertexTotal += len(g.Mesh.Positions)

			prev := o.Transform
			if o.hasPrev {
				prev = o.prevTransform
			}
			rec := InstanceRecord{
				LightBaseID:                lightBase,
				ShGridIndex:                -1,
				ShadowTerminatorMultiplier: 1 + o.ShadowTerminatorOffset,
				Model:                      o.Transform,
				NormalModel:                o.Transform,
				PrevModel:                  prev,
				MaterialIndex:              s.materialIndexOf(g.Material),
			}
			s.instanceCache = append(s.instanceCache, rec)
		}
		o.prevTransform = o.Transform
		o.hasPrev = true
		o.lastRefreshGen = frame
	}

	s.samplerTable.RefreshMaterials(s.materials)

	s.instanceCacheFrame = frame
	s.haveCache = true
	s.forceRefresh = false
}

// Instances returns the current flattened instance cache.
func (s *Scene) Instances() []InstanceRecord { return s.instanceCache }

// SamplerTable returns the scene's (texture, sampler) index table, kept in
// sync with the current material set on every RefreshInstanceCache call.
func (s *Scene) SamplerTable() *SamplerTable { return s.samplerTable }

// Materials returns every material currently referenced by the scene, in
// stable index order matching InstanceRecord.MaterialIndex.
func (s *Scene) Materials() []*Material { return s.materials }

// EmissiveTriangleCount, VertexTotal report totals tracked during the last
// instance cache refresh.
func (s *Scene) EmissiveTriangleCount() int { return s.emissiveTriangleCount }
func (s *Scene) VertexTotal() int           { return s.vertexTotal }

// PointLights returns every point (and spot) light currently in the scene,
// for a shadow-map renderer deciding which lights need an atlas slot.
func (s *Scene) PointLights() []*PointLight { return s.pointLights }

// DirectionalLights returns every directional light currently in the scene.
func (s *Scene) DirectionalLights() []*DirectionalLight { return s.directionalLights }

// Revisions returns the scene's three monotonic revision counters
// (envmap, geometry, light).
func (s *Scene) Revisions() (envmap, geometry, light uint64) {
	return s.envmapRevision, s.geometryRevision, s.lightRevision
}

// CommandBuffersOutdated reports whether instance topology, acceleration-
// structure topology, or a scene reset changed since the caller's recorded
// command buffers were produced.
func (s *Scene) CommandBuffersOutdated() bool { return s.commandBuffersOutdated }

// MarkCommandBuffersRecorded clears the outdated flag after the caller
// records fresh command buffers.
func (s *Scene) MarkCommandBuffersRecorded() { s.commandBuffersOutdated = false }

// RequestFullRebuild sets the one-shot as_rebuild flag, forcing a full
// acceleration-structure rebuild (rather than an update) on the next Update
// call.
func (s *Scene) RequestFullRebuild() { s.asRebuild = true }

// blasFor returns g's cached BLAS, creating it (unbuilt) on first
// reference. The second return value reports whether this call created a
// new BLAS, so the caller knows the structure has no prior build to update
// against regardless of the scene-wide rebuild flag.
func (s *Scene) blasFor(id devicemask.DeviceID, g Group) (*accel.BLAS, bool, error) {
	if b, ok := s.blasCache[g.Mesh]; ok {
		return b, false, nil
	}

	vbuf, _ := g.Mesh.PositionBuffer(id)
	ibuf, _ := g.Mesh.IndexBuffer(id)
	entry := accel.Entry{
		VertexBuffer:     vbuf,
		VertexBufferSize: g.Mesh.PositionBufferSize(),
		VertexStride:     vec3Size,
		MaxVertex:        uint32(len(g.Mesh.Positions)) - 1,
		IndexBuffer:      ibuf,
		PrimitiveCount:   g.Mesh.PrimitiveCount(),
		Opaque:           !g.Material.DoubleSided,
	}
	b, err := accel.NewBLAS(s.ctx, s.mask, fmt.Sprintf("mesh.%d.blas", g.Mesh.ID), []accel.Entry{entry}, accel.BLASOptions{
		Dynamic: g.Animated != nil,
		Compact: g.Animated == nil,
	})
	if err != nil {
		return nil, false, err
	}
	// Left unbuilt: NewBLAS defers the actual build to the first Rebuild
	// call, which the caller issues immediately after this returns.
	s.blasCache[g.Mesh] = b
	return b, true, nil
}

// Update runs the per-frame scene pipeline: refresh the instance cache,
// upload staged buffers, dispatch skinning, refresh BLASes, rebuild or
// update the TLAS, and run the optional pre-transform and emissive-triangle
// hooks.
func (s *Scene) Update(id devicemask.DeviceID, frame uint64, enc hal.CommandEncoder, hooks UpdateHooks) error {
	s.RefreshInstanceCache(frame, s.asRebuild)

	s.instanceTable.Upload(id, frame, enc)
	s.pointLightTable.Upload(id, frame, enc)
	s.directionalLightTable.Upload(id, frame, enc)
	s.cameraTable.Upload(id, frame, enc)

	for _, o := range s.objects {
		for _, g := range o.Model.Groups {
			if g.Animated != nil && hooks.SkinMesh != nil {
				if err := hooks.SkinMesh(id, enc, g.Animated); err != nil {
					return fmt.Errorf("scene: skin mesh %d: %w", g.Mesh.ID, err)
				}
			}
		}
	}

	update := !s.asRebuild
	instances := make([]accel.Instance, 0, s.InstanceCount())
	for _, o := range s.objects {
		for _, g := range o.Model.Groups {
			blas, fresh, err := s.blasFor(id, g)
			if err != nil {
				return fmt.Errorf("scene: blas for mesh %d: %w", g.Mesh.ID, err)
			}
			if err := blas.Rebuild(id, frame, enc, !fresh && update && g.Animated != nil); err != nil {
				return fmt.Errorf("scene: rebuild blas for mesh %d: %w", g.Mesh.ID, err)
			}
			instances = append(instances, accel.Instance{
				BLAS:      blas,
				Transform: o.Transform,
				Opaque:    !g.Material.DoubleSided,
			})
		}
	}

	if err := s.tlas.SetInstances(frame, instances); err != nil {
		return fmt.Errorf("scene: tlas set instances: %w", err)
	}
	if err := s.tlas.Rebuild(id, frame, enc, update); err != nil {
		return fmt.Errorf("scene: tlas rebuild: %w", err)
	}
	s.asRebuild = false

	if hooks.PreTransform != nil {
		if err := hooks.PreTransform(id, enc, s.instanceCache); err != nil {
			return fmt.Errorf("scene: pre-transform: %w", err)
		}
	}
	if hooks.ExtractEmissiveTriangles != nil && s.emissiveTriangleCount > 0 {
		if err := hooks.ExtractEmissiveTriangles(id, enc); err != nil {
			return fmt.Errorf("scene: extract emissive triangles: %w", err)
		}
	}

	for _, cam := range s.trackedCameras {
		cam.commitPrev()
	}
	return nil
}

// TLAS returns the scene's top-level acceleration structure.
func (s *Scene) TLAS() *accel.TLAS { return s.tlas }

// Close releases every GPU resource the scene owns: the instance, light,
// and camera tables, the TLAS, and every cached BLAS. It does not close the
// Mesh objects the scene references, since those may be shared across
// scenes.
func (s *Scene) Close() {
	for _, b := range s.blasCache {
		b.Close()
	}
	s.tlas.Close()
	s.instanceTable.Close()
	s.pointLightTable.Close()
	s.directionalLightTable.Close()
	s.cameraTable.Close()
}

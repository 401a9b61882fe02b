// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package pipeline

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/tauray-gpu/tauray/devicectx"
	"github.com/tauray-gpu/tauray/internal/devicemask"
	"github.com/tauray-gpu/tauray/hal"
)

// Layout is a per-device-replicated pipeline layout, combining a list of
// descriptor set layouts (one hal.BindGroupLayout per set index) with a
// pipeline's push constant ranges.
type Layout struct {
	ctx     *devicectx.Context
	label   string
	sets    []*DescriptorSetLayout
	layouts *devicemask.PerDevice[hal.PipelineLayout]
}

// NewLayout builds id's hal.PipelineLayout for every device in mask from
// sets, in set-index order, plus pushConstants.
func NewLayout(ctx *devicectx.Context, mask devicemask.Mask, label string, sets []*DescriptorSetLayout, pushConstants []PushConstantRange) (*Layout, error) {
	ranges := make([]hal.PushConstantRange, len(pushConstants))
	for i, r := range pushConstants {
		ranges[i] = hal.PushConstantRange{Stages: r.Stages, Range: hal.Range{Start: r.Start, End: r.End}}
	}

	layouts, err := devicemask.NewPerDevice(mask, func(id devicemask.DeviceID) (hal.PipelineLayout, error) {
		d, ok := ctx.Device(id)
		if !ok {
			return nil, fmt.Errorf("pipeline: device %d not found", id)
		}
		bgls := make([]hal.BindGroupLayout, len(sets))
		for i, s := range sets {
			h, ok := s.Handle(id)
			if !ok {
				return nil, fmt.Errorf("pipeline: layout %q: set %d has no layout for device %d", label, i, id)
			}
			bgls[i] = h
		}
		l, err := d.Device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
			Label:              label,
			BindGroupLayouts:   bgls,
			PushConstantRanges: ranges,
		})
		if err != nil {
			return nil, fmt.Errorf("pipeline: layout %q for device %d: %w", label, id, err)
		}
		return l, nil
	})
	if err != nil {
		layouts.Close(func(id devicemask.DeviceID, h hal.PipelineLayout) {
			if h == nil {
				return
			}
			if d, ok := ctx.Device(id); ok {
				d.Device.DestroyPipelineLayout(h)
			}
		})
		return nil, err
	}

	return &Layout{ctx: ctx, label: label, sets: sets, layouts: layouts}, nil
}

// Handle returns id's built pipeline layout.
func (l *Layout) Handle(id devicemask.DeviceID) (hal.PipelineLayout, bool) {
	return l.layouts.Get(id)
}

// Close destroys every device's pipeline layout.
func (l *Layout) Close() {
	l.layouts.Close(func(id devicemask.DeviceID, h hal.PipelineLayout) {
		if d, ok := l.ctx.Device(id); ok {
			d.Device.DestroyPipelineLayout(h)
		}
	})
}

// ComputePipeline is a per-device-replicated compute pipeline built from a
// single shader stage and a Layout.
type ComputePipeline struct {
	ctx       *devicectx.Context
	label     string
	pipelines *devicemask.PerDevice[hal.ComputePipeline]
	modules   *devicemask.PerDevice[hal.ShaderModule]
}

// NewComputePipeline compiles source into a shader module and a compute
// pipeline for every device in mask.
func NewComputePipeline(ctx *devicectx.Context, mask devicemask.Mask, label string, layout *Layout, source *ShaderSource, entryPoint string) (*ComputePipeline, error) {
	modules, err := devicemask.NewPerDevice(mask, func(id devicemask.DeviceID) (hal.ShaderModule, error) {
		d, ok := ctx.Device(id)
		if !ok {
			return nil, fmt.Errorf("pipeline: device %d not found", id)
		}
		return source.Module(d.Device)
	})
	if err != nil {
		modules.Close(func(id devicemask.DeviceID, m hal.ShaderModule) {
			if m == nil {
				return
			}
			if d, ok := ctx.Device(id); ok {
				d.Device.DestroyShaderModule(m)
			}
		})
		return nil, err
	}

	pipelines, err := devicemask.NewPerDevice(mask, func(id devicemask.DeviceID) (hal.ComputePipeline, error) {
		d, ok := ctx.Device(id)
		if !ok {
			return nil, fmt.Errorf("pipeline: device %d not found", id)
		}
		pl, ok := layout.Handle(id)
		if !ok {
			return nil, fmt.Errorf("pipeline: compute pipeline %q: no layout for device %d", label, id)
		}
		mod := modules.MustGet(id)
		p, err := d.Device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
			Label:  label,
			Layout: pl,
			Compute: hal.ComputeState{
				Module:     mod,
				EntryPoint: entryPoint,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("pipeline: compute pipeline %q for device %d: %w", label, id, err)
		}
		return p, nil
	})
	if err != nil {
		pipelines.Close(func(id devicemask.DeviceID, h hal.ComputePipeline) {
			if h == nil {
				return
			}
			if d, ok := ctx.Device(id); ok {
				d.Device.DestroyComputePipeline(h)
			}
		})
		modules.Close(func(id devicemask.DeviceID, m hal.ShaderModule) {
			if d, ok := ctx.Device(id); ok {
				d.Device.DestroyShaderModule(m)
			}
		})
		return nil, err
	}

	return &ComputePipeline{ctx: ctx, label: label, pipelines: pipelines, modules: modules}, nil
}

// Handle returns id's built compute pipeline.
func (p *ComputePipeline) Handle(id devicemask.DeviceID) (hal.ComputePipeline, bool) {
	return p.pipelines.Get(id)
}

// Close destroys every device's compute pipeline and shader module.
func (p *ComputePipeline) Close() {
	p.pipelines.Close(func(id devicemask.DeviceID, h hal.ComputePipeline) {
		if d, ok := p.ctx.Device(id); ok {
			d.Device.DestroyComputePipeline(h)
		}
	})
	p.modules.Close(func(id devicemask.DeviceID, m hal.ShaderModule) {
		if d, ok := p.ctx.Device(id); ok {
			d.Device.DestroyShaderModule(m)
		}
	})
}

// GraphicsPipelineDescriptor describes a raster pipeline's shader stages
// and fixed-function state, independent of layout and device.
type GraphicsPipelineDescriptor struct {
	Vertex           *ShaderSource
	VertexEntryPoint string
	VertexBuffers    []gputypes.VertexBufferLayout

	Fragment           *ShaderSource
	FragmentEntryPoint string
	Targets            []gputypes.ColorTargetState

	Primitive    gputypes.PrimitiveState
	DepthStencil *hal.DepthStencilState
	Multisample  gputypes.MultisampleState
}

// GraphicsPipeline is a per-device-replicated render pipeline built from
// vertex and (optional) fragment shader stages plus a Layout.
type GraphicsPipeline struct {
	ctx       *devicectx.Context
	label     string
	pipelines *devicemask.PerDevice[hal.RenderPipeline]
	modules   []*devicemask.PerDevice[hal.ShaderModule]
}

// NewGraphicsPipeline compiles desc's stages and builds a render pipeline
// for every device in mask.
func NewGraphicsPipeline(ctx *devicectx.Context, mask devicemask.Mask, label string, layout *Layout, desc *GraphicsPipelineDescriptor) (*GraphicsPipeline, error) {
	if desc.Vertex == nil {
		return nil, fmt.Errorf("pipeline: graphics pipeline %q: no vertex stage", label)
	}

	vertexModules, err := devicemask.NewPerDevice(mask, func(id devicemask.DeviceID) (hal.ShaderModule, error) {
		d, ok := ctx.Device(id)
		if !ok {
			return nil, fmt.Errorf("pipeline: device %d not found", id)
		}
		return desc.Vertex.Module(d.Device)
	})
	if err != nil {
		closeModules(ctx, []*devicemask.PerDevice[hal.ShaderModule]{vertexModules})
		return nil, err
	}
	modules := []*devicemask.PerDevice[hal.ShaderModule]{vertexModules}

	var fragmentModules *devicemask.PerDevice[hal.ShaderModule]
	if desc.Fragment != nil {
		fragmentModules, err = devicemask.NewPerDevice(mask, func(id devicemask.DeviceID) (hal.ShaderModule, error) {
			d, ok := ctx.Device(id)
			if !ok {
				return nil, fmt.Errorf("pipeline: device %d not found", id)
			}
			return desc.Fragment.Module(d.Device)
		})
		if err != nil {
			closeModules(ctx, modules)
			return nil, err
		}
		modules = append(modules, fragmentModules)
	}

	pipelines, err := devicemask.NewPerDevice(mask, func(id devicemask.DeviceID) (hal.RenderPipeline, error) {
		d, ok := ctx.Device(id)
		if !ok {
			return nil, fmt.Errorf("pipeline: device %d not found", id)
		}
		pl, ok := layout.Handle(id)
		if !ok {
			return nil, fmt.Errorf("pipeline: graphics pipeline %q: no layout for device %d", label, id)
		}

		rpDesc := &hal.RenderPipelineDescriptor{
			Label:  label,
			Layout: pl,
			Vertex: hal.VertexState{
				Module:     vertexModules.MustGet(id),
				EntryPoint: desc.VertexEntryPoint,
				Buffers:    desc.VertexBuffers,
			},
			Primitive:    desc.Primitive,
			DepthStencil: desc.DepthStencil,
			Multisample:  desc.Multisample,
		}
		if fragmentModules != nil {
			rpDesc.Fragment = &hal.FragmentState{
				Module:     fragmentModules.MustGet(id),
				EntryPoint: desc.FragmentEntryPoint,
				Targets:    desc.Targets,
			}
		}

		p, err := d.Device.CreateRenderPipeline(rpDesc)
		if err != nil {
			return nil, fmt.Errorf("pipeline: graphics pipeline %q for device %d: %w", label, id, err)
		}
		return p, nil
	})
	if err != nil {
		pipelines.Close(func(id devicemask.DeviceID, h hal.RenderPipeline) {
			if h == nil {
				return
			}
			if d, ok := ctx.Device(id); ok {
				d.Device.DestroyRenderPipeline(h)
			}
		})
		closeModules(ctx, modules)
		return nil, err
	}

	return &GraphicsPipeline{ctx: ctx, label: label, pipelines: pipelines, modules: modules}, nil
}

func closeModules(ctx *devicectx.Context, modules []*devicemask.PerDevice[hal.ShaderModule]) {
	for _, m := range modules {
		m.Close(func(id devicemask.DeviceID, mod hal.ShaderModule) {
			if d, ok := ctx.Device(id); ok {
				d.Device.DestroyShaderModule(mod)
			}
		})
	}
}

// Handle returns id's built render pipeline.
func (p *GraphicsPipeline) Handle(id devicemask.DeviceID) (hal.RenderPipeline, bool) {
	return p.pipelines.Get(id)
}

// Close destroys every device's render pipeline and shader modules.
func (p *GraphicsPipeline) Close() {
	p.pipelines.Close(func(id devicemask.DeviceID, h hal.RenderPipeline) {
		if d, ok := p.ctx.Device(id); ok {
			d.Device.DestroyRenderPipeline(h)
		}
	})
	closeModules(p.ctx, p.modules)
}

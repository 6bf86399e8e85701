// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package pipeline

import (
	"fmt"

	"github.com/born-ml/diffuse/internal/guidance"
	"github.com/born-ml/diffuse/internal/imaging"
	"github.com/born-ml/diffuse/internal/prompt"
	"github.com/born-ml/diffuse/internal/scheduler"
	"github.com/born-ml/diffuse/internal/tensor"
)

// Renderer turns a generated 3D latent into viewable output. It stands in
// for the NeRF/STF decoder of a Shap-E style model.
type Renderer[B tensor.Backend] interface {
	// RenderImages renders size x size views of one latent [1, ne, ed].
	RenderImages(latent *tensor.Tensor[float32, B], size int) (*tensor.Tensor[float32, B], error)

	// RenderMesh extracts a triangle mesh from one latent.
	RenderMesh(latent *tensor.Tensor[float32, B]) (*Mesh, error)
}

// ShapE generates 3D assets from text prompts. Latents are prior embeddings
// [B, NE, ED] rather than spatial maps; the prior's prediction carries twice
// the embedding width and is split before guidance.
type ShapE[B tensor.Backend] struct {
	core[B]
	renderer      Renderer[B]
	numEmbeddings int
	embedDim      int
}

// NewShapE assembles a 3D generation pipeline. The prior predicts over
// latents of shape [batch, numEmbeddings, embedDim].
func NewShapE[B tensor.Backend](
	backend B,
	prior NoisePredictor[B],
	sched scheduler.Scheduler,
	renderer Renderer[B],
	enc *prompt.Encoder[B],
	numEmbeddings, embedDim int,
	opts ...Option[B],
) (*ShapE[B], error) {
	if numEmbeddings < 1 || embedDim < 1 {
		return nil, fmt.Errorf("%w: latent shape %dx%d is not valid", ErrConfigMismatch, numEmbeddings, embedDim)
	}
	return &ShapE[B]{
		core:          newCore(backend, prior, sched, nil, enc, opts...),
		renderer:      renderer,
		numEmbeddings: numEmbeddings,
		embedDim:      embedDim,
	}, nil
}

// ShapEOptions extends the common options with the render resolution.
type ShapEOptions[B tensor.Backend] struct {
	Options[B]

	// FrameSize is the resolution of rendered views.
	FrameSize int
}

// DefaultShapEOptions returns the standard 3D generation parameters.
func DefaultShapEOptions[B tensor.Backend]() ShapEOptions[B] {
	opts := ShapEOptions[B]{Options: DefaultOptions[B](), FrameSize: 64}
	opts.Steps = 64
	opts.GuidanceScale = 15
	return opts
}

// Generate runs the full 3D generation pipeline.
func (p *ShapE[B]) Generate(opts ShapEOptions[B]) (*ShapEResult[B], error) {
	if err := p.checkCommon(&opts.Options); err != nil {
		return nil, err
	}
	if opts.FrameSize < 1 {
		return nil, fmt.Errorf("%w: frame size must be >= 1, got %d", ErrInvalidInput, opts.FrameSize)
	}

	doCFG := guidance.CFGEnabled(opts.GuidanceScale)
	cond, err := p.encodeCondition(&opts.Options, doCFG)
	if err != nil {
		return nil, err
	}

	if err := p.sched.SetTimesteps(opts.Steps); err != nil {
		return nil, err
	}

	shape := tensor.Shape{opts.NumImages, p.numEmbeddings, p.embedDim}
	latents, err := p.prepareLatents(shape, &opts.Options)
	if err != nil {
		return nil, err
	}

	latents, err = p.denoisePrior(latents, cond, opts, doCFG)
	if err != nil {
		return nil, err
	}

	return p.finish3D(latents, opts)
}

// denoisePrior is the 3D variant of the denoising loop: the prediction is
// split along the embedding axis before guidance, and no auxiliary channels
// or self-attention guidance apply.
func (p *ShapE[B]) denoisePrior(latents, cond *tensor.Tensor[float32, B], opts ShapEOptions[B], doCFG bool) (*tensor.Tensor[float32, B], error) {
	caps := p.sched.Capabilities()
	stepOpts := scheduler.StepOptions{}
	if caps.AcceptsEta {
		stepOpts.Eta = opts.Eta
	}
	if caps.AcceptsGenerator {
		stepOpts.Generator = stepGenerator(opts.Generators)
	}

	for i, t := range p.sched.Timesteps() {
		modelInput := latents
		if doCFG {
			modelInput = tensor.Cat([]*tensor.Tensor[float32, B]{latents, latents}, 0)
		}
		scaled := tensor.New[float32, B](p.sched.ScaleModelInput(modelInput.Raw(), t), p.backend)

		pred, err := p.unet.Predict(scaled, t, cond, nil)
		if err != nil {
			return nil, fmt.Errorf("prior prediction at step %d failed: %w", i, err)
		}

		predWidth := pred.Shape()[2]
		switch predWidth {
		case p.embedDim:
		case 2 * p.embedDim:
			pred = pred.Chunk(2, 2)[0]
		default:
			return nil, fmt.Errorf("%w: prior returned embedding width %d for latent width %d",
				ErrConfigMismatch, predWidth, p.embedDim)
		}

		guided := pred
		if doCFG {
			uncond, condPred := guidance.SplitGuidanceBatch(pred)
			guided = guidance.ApplyCFG(uncond, condPred, opts.GuidanceScale)
		}

		res, err := p.sched.Step(guided.Raw(), t, latents.Raw(), stepOpts)
		if err != nil {
			return nil, fmt.Errorf("scheduler step %d failed: %w", i, err)
		}
		latents = tensor.New[float32, B](res.PrevSample, p.backend)

		if opts.Callback != nil && i%opts.CallbackSteps == 0 {
			if err := opts.Callback(i, t, latents.Raw()); err != nil {
				return nil, fmt.Errorf("callback aborted generation at step %d: %w", i, err)
			}
		}
	}
	return latents, nil
}

// finish3D renders the prior latents into the requested output form.
func (p *ShapE[B]) finish3D(latents *tensor.Tensor[float32, B], opts ShapEOptions[B]) (*ShapEResult[B], error) {
	if opts.OutputType == OutputLatent {
		return &ShapEResult[B]{Latents: latents}, nil
	}
	if p.renderer == nil {
		return nil, fmt.Errorf("%w: output type %q requires a renderer", ErrConfigMismatch, opts.OutputType)
	}

	batch := latents.Shape()[0]
	result := &ShapEResult[B]{Latents: latents}
	perLatent := latents.Chunk(batch, 0)

	switch opts.OutputType {
	case OutputMesh:
		for _, latent := range perLatent {
			mesh, err := p.renderer.RenderMesh(latent)
			if err != nil {
				return nil, fmt.Errorf("mesh rendering failed: %w", err)
			}
			result.Meshes = append(result.Meshes, mesh)
		}
	case OutputImage, OutputTensor:
		for _, latent := range perLatent {
			views, err := p.renderer.RenderImages(latent, opts.FrameSize)
			if err != nil {
				return nil, fmt.Errorf("view rendering failed: %w", err)
			}
			images, err := imaging.Postprocess(views)
			if err != nil {
				return nil, err
			}
			result.Images = append(result.Images, images)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported output type %q", ErrConfigMismatch, opts.OutputType)
	}
	return result, nil
}

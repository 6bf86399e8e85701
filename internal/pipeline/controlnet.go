// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package pipeline

import (
	"fmt"
	"image"

	"github.com/born-ml/diffuse/internal/codec"
	"github.com/born-ml/diffuse/internal/guidance"
	"github.com/born-ml/diffuse/internal/imaging"
	"github.com/born-ml/diffuse/internal/prompt"
	"github.com/born-ml/diffuse/internal/scheduler"
	"github.com/born-ml/diffuse/internal/tensor"
)

// ControlNet generates images conditioned on a spatial hint (edge map, pose,
// depth). The hint is downsampled to latent resolution and concatenated onto
// the model input every step.
type ControlNet[B tensor.Backend] struct {
	core[B]
}

// NewControlNet assembles a hint-conditioned pipeline.
func NewControlNet[B tensor.Backend](
	backend B,
	unet NoisePredictor[B],
	sched scheduler.Scheduler,
	cdc codec.Codec[B],
	enc *prompt.Encoder[B],
	opts ...Option[B],
) *ControlNet[B] {
	return &ControlNet[B]{core: newCore(backend, unet, sched, cdc, enc, opts...)}
}

// ControlNetOptions extends the common options with the conditioning hint.
type ControlNetOptions[B tensor.Backend] struct {
	Options[B]

	// Hint is the spatial conditioning image. It is resized to the output
	// dimensions before downsampling to latent resolution.
	Hint image.Image
}

// DefaultControlNetOptions returns the standard hint-conditioned parameters.
func DefaultControlNetOptions[B tensor.Backend]() ControlNetOptions[B] {
	return ControlNetOptions[B]{Options: DefaultOptions[B]()}
}

// Generate runs the full hint-conditioned pipeline.
func (p *ControlNet[B]) Generate(opts ControlNetOptions[B]) (*ImageResult[B], error) {
	if err := p.checkInputs(&opts.Options); err != nil {
		return nil, err
	}
	if opts.Hint == nil {
		return nil, fmt.Errorf("%w: a conditioning hint image is required", ErrInvalidInput)
	}

	doCFG := guidance.CFGEnabled(opts.GuidanceScale)
	cond, err := p.encodeCondition(&opts.Options, doCFG)
	if err != nil {
		return nil, err
	}

	if err := p.sched.SetTimesteps(opts.Steps); err != nil {
		return nil, err
	}

	factor := p.codec.DownscaleFactor()
	latentH, latentW := opts.Height/factor, opts.Width/factor

	latentShape := tensor.Shape{opts.NumImages, p.codec.LatentChannels(), latentH, latentW}
	latents, err := p.prepareLatents(latentShape, &opts.Options)
	if err != nil {
		return nil, err
	}

	resized := imaging.Resize(opts.Hint, opts.Width, opts.Height, imaging.ResizeBilinear)
	hintTensor, err := imaging.Preprocess(resized, p.backend)
	if err != nil {
		return nil, err
	}
	hint := tileBatch(hintTensor.Resize2D(latentH, latentW), opts.NumImages)
	if doCFG {
		hint = tensor.Cat([]*tensor.Tensor[float32, B]{hint, hint}, 0)
	}

	final, err := p.denoise(loopInputs[B]{
		latents:       latents,
		cond:          cond,
		timesteps:     p.sched.Timesteps(),
		aux:           []*tensor.Tensor[float32, B]{hint},
		guidanceScale: opts.GuidanceScale,
		eta:           opts.Eta,
		generator:     stepGenerator(opts.Generators),
		callback:      opts.Callback,
		callbackSteps: opts.CallbackSteps,
	})
	if err != nil {
		return nil, err
	}

	return p.finishImages(final, opts.OutputType)
}

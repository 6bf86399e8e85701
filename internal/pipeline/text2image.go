// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package pipeline

import (
	"fmt"

	"github.com/born-ml/diffuse/internal/codec"
	"github.com/born-ml/diffuse/internal/guidance"
	"github.com/born-ml/diffuse/internal/prompt"
	"github.com/born-ml/diffuse/internal/scheduler"
	"github.com/born-ml/diffuse/internal/tensor"
)

// TextToImage generates images from text prompts, optionally sharpened with
// self-attention guidance.
type TextToImage[B tensor.Backend] struct {
	core[B]
}

// NewTextToImage assembles a text-to-image pipeline.
func NewTextToImage[B tensor.Backend](
	backend B,
	unet NoisePredictor[B],
	sched scheduler.Scheduler,
	cdc codec.Codec[B],
	enc *prompt.Encoder[B],
	opts ...Option[B],
) *TextToImage[B] {
	return &TextToImage[B]{core: newCore(backend, unet, sched, cdc, enc, opts...)}
}

// TextToImageOptions extends the common options with self-attention
// guidance.
type TextToImageOptions[B tensor.Backend] struct {
	Options[B]

	// SAGScale controls self-attention guidance; 0 disables it.
	SAGScale float64
}

// DefaultTextToImageOptions returns the standard text-to-image parameters.
func DefaultTextToImageOptions[B tensor.Backend]() TextToImageOptions[B] {
	return TextToImageOptions[B]{Options: DefaultOptions[B]()}
}

// Generate runs the full text-to-image pipeline.
func (p *TextToImage[B]) Generate(opts TextToImageOptions[B]) (*ImageResult[B], error) {
	if err := p.checkInputs(&opts.Options); err != nil {
		return nil, err
	}
	if opts.SAGScale < 0 {
		return nil, fmt.Errorf("%w: sag scale must be >= 0, got %g", ErrInvalidInput, opts.SAGScale)
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
	shape := tensor.Shape{opts.NumImages, p.codec.LatentChannels(), opts.Height / factor, opts.Width / factor}
	latents, err := p.prepareLatents(shape, &opts.Options)
	if err != nil {
		return nil, err
	}

	final, err := p.denoise(loopInputs[B]{
		latents:       latents,
		cond:          cond,
		timesteps:     p.sched.Timesteps(),
		guidanceScale: opts.GuidanceScale,
		sagScale:      opts.SAGScale,
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

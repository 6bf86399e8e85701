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

// Inpaint regenerates the masked region of a reference image. The network
// sees the latents concatenated with the downsampled mask and the encoded
// masked image, so its input channel count must equal the sum of the three.
type Inpaint[B tensor.Backend] struct {
	core[B]
}

// NewInpaint assembles an inpainting pipeline.
func NewInpaint[B tensor.Backend](
	backend B,
	unet NoisePredictor[B],
	sched scheduler.Scheduler,
	cdc codec.Codec[B],
	enc *prompt.Encoder[B],
	opts ...Option[B],
) *Inpaint[B] {
	return &Inpaint[B]{core: newCore(backend, unet, sched, cdc, enc, opts...)}
}

// InpaintOptions extends the common options with the reference image and
// mask. Height and Width are taken from the image.
type InpaintOptions[B tensor.Backend] struct {
	Options[B]

	// Image is the reference image to inpaint.
	Image image.Image

	// Mask marks the region to regenerate; values >= 0.5 are repainted.
	Mask image.Image
}

// DefaultInpaintOptions returns the standard inpainting parameters.
func DefaultInpaintOptions[B tensor.Backend]() InpaintOptions[B] {
	opts := InpaintOptions[B]{Options: DefaultOptions[B]()}
	opts.Height, opts.Width = 0, 0
	return opts
}

// Generate runs the full inpainting pipeline.
func (p *Inpaint[B]) Generate(opts InpaintOptions[B]) (*ImageResult[B], error) {
	if opts.Image == nil || opts.Mask == nil {
		return nil, fmt.Errorf("%w: inpainting requires both an image and a mask", ErrInvalidInput)
	}

	reference, err := imaging.Preprocess(opts.Image, p.backend)
	if err != nil {
		return nil, err
	}
	maskTensor, err := imaging.PreprocessMask(opts.Mask, p.backend)
	if err != nil {
		return nil, err
	}

	shape := reference.Shape()
	opts.Height, opts.Width = shape[2], shape[3]
	if err := p.checkInputs(&opts.Options); err != nil {
		return nil, err
	}

	binMask, maskedImage, err := imaging.PrepareMaskAndMaskedImage(reference, maskTensor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
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

	maskLatent := tileBatch(binMask.Resize2D(latentH, latentW), opts.NumImages)

	dist, err := p.codec.Encode(maskedImage)
	if err != nil {
		return nil, err
	}
	maskedLatents := dist.Sample(sampleGenerator(opts.Generators)).
		MulScalar(float32(p.codec.ScalingFactor()))
	maskedLatents = tileBatch(maskedLatents, opts.NumImages)

	aux := []*tensor.Tensor[float32, B]{maskLatent, maskedLatents}
	if doCFG {
		for i, a := range aux {
			aux[i] = tensor.Cat([]*tensor.Tensor[float32, B]{a, a}, 0)
		}
	}

	final, err := p.denoise(loopInputs[B]{
		latents:       latents,
		cond:          cond,
		timesteps:     p.sched.Timesteps(),
		aux:           aux,
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

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

// ImageToImage generates images conditioned on a reference image. The
// strength parameter controls how much of the reference survives: the
// reference latents are noised to a strength-derived timestep and the loop
// runs only over the remaining schedule tail.
type ImageToImage[B tensor.Backend] struct {
	core[B]
}

// NewImageToImage assembles an image-to-image pipeline.
func NewImageToImage[B tensor.Backend](
	backend B,
	unet NoisePredictor[B],
	sched scheduler.Scheduler,
	cdc codec.Codec[B],
	enc *prompt.Encoder[B],
	opts ...Option[B],
) *ImageToImage[B] {
	return &ImageToImage[B]{core: newCore(backend, unet, sched, cdc, enc, opts...)}
}

// ImageToImageOptions extends the common options with the reference image
// and strength. Height and Width are taken from the image.
type ImageToImageOptions[B tensor.Backend] struct {
	Options[B]

	// Image is the reference image. Mutually exclusive with ImageTensor.
	Image image.Image

	// ImageTensor is a preprocessed [1, 3, H, W] reference in [-1, 1].
	ImageTensor *tensor.Tensor[float32, B]

	// Strength in (0, 1] controls how much noise replaces the reference;
	// 1 discards the reference entirely.
	Strength float64
}

// DefaultImageToImageOptions returns the standard image-to-image parameters.
func DefaultImageToImageOptions[B tensor.Backend]() ImageToImageOptions[B] {
	opts := ImageToImageOptions[B]{Options: DefaultOptions[B](), Strength: 0.8}
	opts.Height, opts.Width = 0, 0
	return opts
}

// strengthTimesteps truncates an inference schedule according to strength
// and returns the remaining tail.
func strengthTimesteps(timesteps []int, strength float64) []int {
	steps := len(timesteps)
	initTimestep := min(int(float64(steps)*strength), steps)
	tStart := max(steps-initTimestep, 0)
	return timesteps[tStart:]
}

// Generate runs the full image-to-image pipeline.
func (p *ImageToImage[B]) Generate(opts ImageToImageOptions[B]) (*ImageResult[B], error) {
	reference, err := p.referenceTensor(opts.Image, opts.ImageTensor)
	if err != nil {
		return nil, err
	}
	shape := reference.Shape()
	opts.Height, opts.Width = shape[2], shape[3]

	if err := p.checkInputs(&opts.Options); err != nil {
		return nil, err
	}
	if opts.Strength <= 0 || opts.Strength > 1 {
		return nil, fmt.Errorf("%w: strength must be in (0, 1], got %g", ErrInvalidInput, opts.Strength)
	}

	doCFG := guidance.CFGEnabled(opts.GuidanceScale)
	cond, err := p.encodeCondition(&opts.Options, doCFG)
	if err != nil {
		return nil, err
	}

	if err := p.sched.SetTimesteps(opts.Steps); err != nil {
		return nil, err
	}
	timesteps := strengthTimesteps(p.sched.Timesteps(), opts.Strength)
	if len(timesteps) == 0 {
		return nil, fmt.Errorf("%w: strength %g leaves no denoising steps", ErrInvalidInput, opts.Strength)
	}

	latents, err := p.noisedReferenceLatents(reference, timesteps[0], &opts.Options)
	if err != nil {
		return nil, err
	}

	final, err := p.denoise(loopInputs[B]{
		latents:       latents,
		cond:          cond,
		timesteps:     timesteps,
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

// referenceTensor normalizes the two accepted reference forms to a
// [1, 3, H, W] tensor in [-1, 1].
func (p *ImageToImage[B]) referenceTensor(img image.Image, t *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], error) {
	switch {
	case img != nil && t != nil:
		return nil, fmt.Errorf("%w: provide exactly one of Image and ImageTensor", ErrInvalidInput)
	case img != nil:
		return imaging.Preprocess(img, p.backend)
	case t != nil:
		if shape := t.Shape(); len(shape) != 4 || shape[1] != 3 {
			return nil, fmt.Errorf("%w: image tensor must be [N, 3, H, W], got %v", ErrInvalidInput, shape)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("%w: a reference image is required", ErrInvalidInput)
	}
}

// noisedReferenceLatents encodes the reference and applies forward noise at
// the truncated schedule's first timestep.
func (p *ImageToImage[B]) noisedReferenceLatents(reference *tensor.Tensor[float32, B], timestep int, opts *Options[B]) (*tensor.Tensor[float32, B], error) {
	dist, err := p.codec.Encode(reference)
	if err != nil {
		return nil, err
	}
	sampled := dist.Sample(sampleGenerator(opts.Generators)).MulScalar(float32(p.codec.ScalingFactor()))
	sampled = tileBatch(sampled, opts.NumImages)

	noise, err := p.randn(sampled.Shape(), opts.Generators)
	if err != nil {
		return nil, err
	}
	noised := p.sched.AddNoise(sampled.Raw(), noise.Raw(), timestep)
	return tensor.New[float32, B](noised, p.backend), nil
}

// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package pipeline

import (
	"fmt"
	"math/rand"

	"go.uber.org/zap"

	"github.com/born-ml/diffuse/internal/codec"
	"github.com/born-ml/diffuse/internal/imaging"
	"github.com/born-ml/diffuse/internal/prompt"
	"github.com/born-ml/diffuse/internal/scheduler"
	"github.com/born-ml/diffuse/internal/tensor"
)

// core bundles the collaborators shared by every pipeline front-end.
type core[B tensor.Backend] struct {
	backend B
	unet    NoisePredictor[B]
	sched   scheduler.Scheduler
	codec   codec.Codec[B]
	enc     *prompt.Encoder[B]
	safety  SafetyChecker[B]
	log     *zap.Logger
}

// Option configures optional pipeline collaborators.
type Option[B tensor.Backend] func(*core[B])

// WithLogger sets the pipeline logger. The default is a nop logger.
func WithLogger[B tensor.Backend](log *zap.Logger) Option[B] {
	return func(c *core[B]) {
		c.log = log
	}
}

// WithSafetyChecker enables content screening of decoded images.
func WithSafetyChecker[B tensor.Backend](s SafetyChecker[B]) Option[B] {
	return func(c *core[B]) {
		c.safety = s
	}
}

func newCore[B tensor.Backend](
	backend B,
	unet NoisePredictor[B],
	sched scheduler.Scheduler,
	cdc codec.Codec[B],
	enc *prompt.Encoder[B],
	opts ...Option[B],
) core[B] {
	c := core[B]{
		backend: backend,
		unet:    unet,
		sched:   sched,
		codec:   cdc,
		enc:     enc,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// checkInputs validates the common call parameters before any computation.
func (c *core[B]) checkInputs(opts *Options[B]) error {
	if err := c.checkCommon(opts); err != nil {
		return err
	}
	if opts.Height%8 != 0 || opts.Width%8 != 0 {
		return fmt.Errorf("%w: height and width must be divisible by 8, got %dx%d",
			ErrInvalidInput, opts.Height, opts.Width)
	}
	return nil
}

// checkCommon validates the parameters shared with pipelines that have no
// pixel dimensions.
func (c *core[B]) checkCommon(opts *Options[B]) error {
	if opts.Steps < 1 {
		return fmt.Errorf("%w: steps must be >= 1, got %d", ErrInvalidInput, opts.Steps)
	}
	if opts.NumImages < 1 {
		return fmt.Errorf("%w: num images must be >= 1, got %d", ErrInvalidInput, opts.NumImages)
	}
	if opts.CallbackSteps < 1 {
		return fmt.Errorf("%w: callback steps must be >= 1, got %d", ErrInvalidInput, opts.CallbackSteps)
	}
	hasPrompt := opts.Prompt != ""
	hasEmbeds := opts.PromptEmbeds != nil
	if hasPrompt == hasEmbeds {
		return fmt.Errorf("%w: provide exactly one of Prompt and PromptEmbeds", ErrInvalidInput)
	}
	if n := len(opts.Generators); n > 1 && n != opts.NumImages {
		return fmt.Errorf("%w: got %d generators for batch size %d", ErrInvalidInput, n, opts.NumImages)
	}
	return nil
}

// encodeCondition produces the conditioning batch, guidance-doubled with the
// unconditional branch first when doCFG is set.
func (c *core[B]) encodeCondition(opts *Options[B], doCFG bool) (*tensor.Tensor[float32, B], error) {
	if opts.PromptEmbeds == nil {
		if c.enc == nil {
			return nil, fmt.Errorf("%w: pipeline has no prompt encoder; pass PromptEmbeds instead", ErrConfigMismatch)
		}
		return c.enc.Encode(opts.Prompt, opts.NegativePrompt, opts.NumImages, doCFG)
	}

	cond := opts.PromptEmbeds
	shape := cond.Shape()
	if len(shape) != 3 || shape[0] != 1 {
		return nil, fmt.Errorf("%w: prompt embeddings must be [1, seq, dim], got %v", ErrInvalidInput, shape)
	}
	if !doCFG {
		return tileBatch(cond, opts.NumImages), nil
	}

	neg := opts.NegativePromptEmbeds
	if neg == nil {
		return nil, fmt.Errorf("%w: NegativePromptEmbeds is required with PromptEmbeds when guidance is enabled", ErrInvalidInput)
	}
	if !neg.Shape().Equal(shape) {
		return nil, fmt.Errorf("%w: negative embedding shape %v does not match prompt embedding shape %v",
			ErrInvalidInput, neg.Shape(), shape)
	}
	return tensor.Cat([]*tensor.Tensor[float32, B]{
		tileBatch(neg, opts.NumImages),
		tileBatch(cond, opts.NumImages),
	}, 0), nil
}

// randn samples standard normal noise honoring the caller's generators: none
// (fresh seed), one for the whole batch, or one per batch entry.
func (c *core[B]) randn(shape tensor.Shape, gens []*rand.Rand) (*tensor.Tensor[float32, B], error) {
	switch len(gens) {
	case 0:
		return tensor.Randn[float32](shape, rand.New(rand.NewSource(rand.Int63())), c.backend), nil
	case 1:
		return tensor.Randn[float32](shape, gens[0], c.backend), nil
	default:
		return tensor.RandnBatch[float32](shape, gens, c.backend)
	}
}

// prepareLatents allocates the initial noise latents, or validates and
// rescales caller-provided ones. Both paths scale by InitNoiseSigma.
func (c *core[B]) prepareLatents(shape tensor.Shape, opts *Options[B]) (*tensor.Tensor[float32, B], error) {
	latents := opts.Latents
	if latents != nil {
		if !latents.Shape().Equal(shape) {
			return nil, fmt.Errorf("%w: provided latents have shape %v, expected %v",
				ErrInvalidInput, latents.Shape(), shape)
		}
	} else {
		var err error
		latents, err = c.randn(shape, opts.Generators)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	return latents.MulScalar(float32(c.sched.InitNoiseSigma())), nil
}

// decodeLatents inverts the codec scaling and decodes to pixel space.
func (c *core[B]) decodeLatents(latents *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], error) {
	return c.codec.Decode(latents.DivScalar(float32(c.codec.ScalingFactor())))
}

// finishImages runs the post-loop stages: decode, safety screening and
// output-type conversion.
func (c *core[B]) finishImages(latents *tensor.Tensor[float32, B], outputType OutputType) (*ImageResult[B], error) {
	if outputType == OutputLatent {
		return &ImageResult[B]{Latents: latents}, nil
	}

	images, err := c.decodeLatents(latents)
	if err != nil {
		return nil, err
	}

	var flags []bool
	if c.safety != nil {
		images, flags, err = c.safety.Check(images)
		if err != nil {
			return nil, fmt.Errorf("safety check failed: %w", err)
		}
		for i, flagged := range flags {
			if flagged {
				c.log.Warn("potential unsafe content detected, image replaced", zap.Int("index", i))
			}
		}
	}

	switch outputType {
	case OutputTensor:
		return &ImageResult[B]{Tensor: images, Latents: latents, NSFWFlags: flags}, nil
	case OutputImage:
		decoded, err := imaging.Postprocess(images)
		if err != nil {
			return nil, err
		}
		return &ImageResult[B]{Images: decoded, Latents: latents, NSFWFlags: flags}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported output type %q", ErrConfigMismatch, outputType)
	}
}

// stepGenerator picks the generator forwarded to the scheduler step.
func stepGenerator(gens []*rand.Rand) *rand.Rand {
	if len(gens) == 0 {
		return nil
	}
	return gens[0]
}

// sampleGenerator picks the generator for latent-distribution sampling,
// creating a fresh one when the caller supplied none.
func sampleGenerator(gens []*rand.Rand) *rand.Rand {
	if len(gens) == 0 {
		return rand.New(rand.NewSource(rand.Int63()))
	}
	return gens[0]
}

// tileBatch repeats a [1, ...] tensor n times along the batch dimension.
func tileBatch[B tensor.Backend](t *tensor.Tensor[float32, B], n int) *tensor.Tensor[float32, B] {
	if n == 1 {
		return t
	}
	shape := t.Shape().Clone()
	shape[0] = n
	return t.Expand(shape)
}

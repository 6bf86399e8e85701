// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package pipeline

import (
	"fmt"

	"github.com/born-ml/diffuse/internal/codec"
	"github.com/born-ml/diffuse/internal/guidance"
	"github.com/born-ml/diffuse/internal/imaging"
	"github.com/born-ml/diffuse/internal/prompt"
	"github.com/born-ml/diffuse/internal/scheduler"
	"github.com/born-ml/diffuse/internal/tensor"
)

// TextToVideo generates short clips from text prompts. Latents carry a frame
// axis, [B, C, F, H, W]; the scheduler update runs on a frame-flattened
// [B*F, C, H, W] view and the result is folded back.
type TextToVideo[B tensor.Backend] struct {
	core[B]
}

// NewTextToVideo assembles a text-to-video pipeline.
func NewTextToVideo[B tensor.Backend](
	backend B,
	unet NoisePredictor[B],
	sched scheduler.Scheduler,
	cdc codec.Codec[B],
	enc *prompt.Encoder[B],
	opts ...Option[B],
) *TextToVideo[B] {
	return &TextToVideo[B]{core: newCore(backend, unet, sched, cdc, enc, opts...)}
}

// TextToVideoOptions extends the common options with the clip length.
type TextToVideoOptions[B tensor.Backend] struct {
	Options[B]

	// NumFrames is the number of generated frames.
	NumFrames int
}

// DefaultTextToVideoOptions returns the standard text-to-video parameters.
func DefaultTextToVideoOptions[B tensor.Backend]() TextToVideoOptions[B] {
	opts := TextToVideoOptions[B]{Options: DefaultOptions[B](), NumFrames: 16}
	opts.Height, opts.Width = 256, 256
	return opts
}

// Generate runs the full text-to-video pipeline.
func (p *TextToVideo[B]) Generate(opts TextToVideoOptions[B]) (*VideoResult[B], error) {
	if err := p.checkInputs(&opts.Options); err != nil {
		return nil, err
	}
	if opts.NumFrames < 1 {
		return nil, fmt.Errorf("%w: num frames must be >= 1, got %d", ErrInvalidInput, opts.NumFrames)
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
	channels := p.codec.LatentChannels()
	latentH, latentW := opts.Height/factor, opts.Width/factor

	shape := tensor.Shape{opts.NumImages, channels, opts.NumFrames, latentH, latentW}
	latents, err := p.prepareLatents(shape, &opts.Options)
	if err != nil {
		return nil, err
	}

	batch, frames := opts.NumImages, opts.NumFrames
	final, err := p.denoise(loopInputs[B]{
		latents:       latents,
		cond:          cond,
		timesteps:     p.sched.Timesteps(),
		guidanceScale: opts.GuidanceScale,
		eta:           opts.Eta,
		generator:     stepGenerator(opts.Generators),
		callback:      opts.Callback,
		callbackSteps: opts.CallbackSteps,
		pack: func(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
			return x.Transpose(0, 2, 1, 3, 4).Reshape(batch*frames, channels, latentH, latentW)
		},
		unpack: func(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
			return x.Reshape(batch, frames, channels, latentH, latentW).Transpose(0, 2, 1, 3, 4)
		},
	})
	if err != nil {
		return nil, err
	}

	return p.finishVideo(final, opts.OutputType, batch, frames)
}

// finishVideo decodes the video latents frame by frame and converts to the
// requested output type.
func (p *TextToVideo[B]) finishVideo(latents *tensor.Tensor[float32, B], outputType OutputType, batch, frames int) (*VideoResult[B], error) {
	if outputType == OutputLatent {
		return &VideoResult[B]{Latents: latents}, nil
	}

	shape := latents.Shape()
	latentH, latentW := shape[3], shape[4]
	flat := latents.Transpose(0, 2, 1, 3, 4).Reshape(batch*frames, shape[1], latentH, latentW)
	decoded, err := p.decodeLatents(flat)
	if err != nil {
		return nil, err
	}

	imgShape := decoded.Shape()
	video := decoded.Reshape(batch, frames, 3, imgShape[2], imgShape[3]).Transpose(0, 2, 1, 3, 4)

	switch outputType {
	case OutputTensor:
		return &VideoResult[B]{Tensor: video, Latents: latents}, nil
	case OutputImage:
		result, err := imaging.Tensor2Vid(video, [3]float32{0.5, 0.5, 0.5}, [3]float32{0.5, 0.5, 0.5})
		if err != nil {
			return nil, err
		}
		return &VideoResult[B]{Frames: result, Tensor: video, Latents: latents}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported output type %q", ErrConfigMismatch, outputType)
	}
}

// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package pipeline implements the diffusion inference pipelines: the
// denoising loop orchestrator and its per-modality front-ends.
//
// A pipeline drives a noise-prediction network, a noise scheduler and a
// latent codec across N reverse diffusion steps. Each step is strictly
// sequential; a pipeline instance owns its scheduler state and must not be
// shared across concurrent generations.
package pipeline

import (
	"errors"
	"math/rand"

	"github.com/born-ml/diffuse/internal/nn"
	"github.com/born-ml/diffuse/internal/tensor"
)

// Sentinel errors for the validation taxonomy. Input validation failures are
// detected before any computation; configuration mismatches are detected at
// the point of use. Neither is retried.
var (
	// ErrInvalidInput marks malformed call parameters: bad dimensions,
	// missing one-of-two arguments, mismatched batch sizes.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConfigMismatch marks inconsistencies between components: channel
	// counts, unsupported enum values, missing capabilities.
	ErrConfigMismatch = errors.New("configuration mismatch")
)

// NoisePredictor is the denoising network contract.
type NoisePredictor[B tensor.Backend] interface {
	// Predict returns the noise residual for the sample batch at a timestep,
	// conditioned on the encoder hidden states. A non-nil observer receives
	// the self-attention weights of the network's designated capture layer.
	// Models with learned variance return twice the latent channel count.
	Predict(sample *tensor.Tensor[float32, B], timestep int, cond *tensor.Tensor[float32, B], observer nn.AttentionObserver[B]) (*tensor.Tensor[float32, B], error)

	// InChannels is the channel count the network expects, including any
	// auxiliary conditioning channels concatenated onto the latents.
	InChannels() int
}

// AttentionMapper reports the spatial size of the observed attention layer's
// feature map at a given latent resolution. Networks must implement it to
// support self-attention guidance.
type AttentionMapper interface {
	AttentionMapSize(latentHeight, latentWidth int) (h, w int)
}

// SafetyChecker screens decoded images. Implementations return the image
// batch with flagged entries replaced, plus a per-image flag list.
type SafetyChecker[B tensor.Backend] interface {
	Check(images *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], []bool, error)
}

// Callback observes intermediate latents during the loop. Returning an error
// aborts the generation; latents already observed are the only partial
// result a failed call leaves behind.
type Callback func(step, timestep int, latents *tensor.RawTensor) error

// OutputType selects the representation of generated results.
type OutputType string

// Supported output types. OutputMesh applies to 3D generation only.
const (
	OutputImage  OutputType = "image"
	OutputTensor OutputType = "tensor"
	OutputLatent OutputType = "latent"
	OutputMesh   OutputType = "mesh"
)

// Options is the common call-parameter core shared by the pipeline
// front-ends. The zero value is not valid; start from DefaultOptions.
type Options[B tensor.Backend] struct {
	// Prompt is the text condition. Mutually exclusive with PromptEmbeds.
	Prompt string

	// NegativePrompt conditions the unconditional guidance branch.
	NegativePrompt string

	// PromptEmbeds overrides prompt encoding with a precomputed
	// [1, seq, dim] embedding. NegativePromptEmbeds must be set alongside it
	// when guidance is enabled.
	PromptEmbeds         *tensor.Tensor[float32, B]
	NegativePromptEmbeds *tensor.Tensor[float32, B]

	// Height and Width are the output image dimensions in pixels. Both must
	// be divisible by 8.
	Height int
	Width  int

	// Steps is the number of denoising iterations.
	Steps int

	// GuidanceScale controls classifier-free guidance; values <= 1 disable
	// it and the unconditional branch is never evaluated.
	GuidanceScale float64

	// Eta scales DDIM stochasticity. Forwarded to the scheduler only when
	// its capabilities declare support.
	Eta float64

	// Generators supply deterministic noise. Either one generator for the
	// whole batch or exactly one per batch entry.
	Generators []*rand.Rand

	// Latents optionally overrides the initial latents. Shape must match
	// what the pipeline would otherwise allocate.
	Latents *tensor.Tensor[float32, B]

	// NumImages is the number of images generated per prompt.
	NumImages int

	// OutputType selects the result representation.
	OutputType OutputType

	// Callback, when set, is invoked with the intermediate latents on every
	// step index divisible by CallbackSteps.
	Callback      Callback
	CallbackSteps int
}

// DefaultOptions returns the standard generation parameters.
func DefaultOptions[B tensor.Backend]() Options[B] {
	return Options[B]{
		Height:        512,
		Width:         512,
		Steps:         50,
		GuidanceScale: 7.5,
		NumImages:     1,
		OutputType:    OutputImage,
		CallbackSteps: 1,
	}
}

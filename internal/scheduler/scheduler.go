// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package scheduler implements the noise schedules and per-step update rules
// of the reverse diffusion process.
//
// Schedulers operate directly on float32 RawTensor buffers: every update is
// an element-wise affine combination of sample and prediction, so routing it
// through a compute backend would only add dispatch overhead. A scheduler
// instance is initialized once per generation via SetTimesteps and is not
// safe for concurrent use across pipeline invocations.
package scheduler

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/born-ml/diffuse/internal/tensor"
)

// PredictionType selects what quantity the denoising network predicts.
type PredictionType string

// Supported prediction parameterizations.
const (
	PredictionEpsilon PredictionType = "epsilon"
	PredictionSample  PredictionType = "sample"
	PredictionV       PredictionType = "v_prediction"
)

// VarianceType selects how step variance is derived for stochastic
// schedulers.
type VarianceType string

// Supported variance types. Learned variants expect the network output to
// carry a variance half along the channel axis.
const (
	VarianceFixedSmall   VarianceType = "fixed_small"
	VarianceFixedLarge   VarianceType = "fixed_large"
	VarianceLearned      VarianceType = "learned"
	VarianceLearnedRange VarianceType = "learned_range"
)

// BetaSchedule selects the beta spacing of the training noise schedule.
type BetaSchedule string

// Supported beta schedules.
const (
	BetaLinear       BetaSchedule = "linear"
	BetaScaledLinear BetaSchedule = "scaled_linear"
)

// Config holds the static schedule parameters shared by all scheduler
// variants. The zero value is not valid; start from DefaultConfig.
type Config struct {
	NumTrainTimesteps int
	BetaStart         float64
	BetaEnd           float64
	BetaSchedule      BetaSchedule
	PredictionType    PredictionType
	VarianceType      VarianceType
	StepsOffset       int
	ClipSample        bool
}

// DefaultConfig returns the Stable Diffusion v1 schedule parameters.
func DefaultConfig() Config {
	return Config{
		NumTrainTimesteps: 1000,
		BetaStart:         0.00085,
		BetaEnd:           0.012,
		BetaSchedule:      BetaScaledLinear,
		PredictionType:    PredictionEpsilon,
		VarianceType:      VarianceFixedSmall,
		StepsOffset:       1,
	}
}

// Capabilities declares which optional StepOptions fields a scheduler
// variant consumes. The loop resolves these once at construction time and
// forwards eta/generator only where they are accepted.
type Capabilities struct {
	AcceptsEta       bool
	AcceptsGenerator bool
}

// StepOptions carries the optional per-step parameters.
type StepOptions struct {
	// Eta scales the DDIM stochasticity; 0 is fully deterministic.
	Eta float64
	// Generator supplies step noise for stochastic schedulers.
	Generator *rand.Rand
}

// StepResult is the outcome of one reverse diffusion update.
type StepResult struct {
	PrevSample         *tensor.RawTensor
	PredOriginalSample *tensor.RawTensor
}

// Scheduler is the per-step update contract consumed by the denoising loop.
type Scheduler interface {
	// SetTimesteps initializes the inference schedule. Must be called before
	// any Step; resets the internal step counter.
	SetTimesteps(numInferenceSteps int) error

	// Timesteps returns the schedule in loop order (decreasing).
	Timesteps() []int

	// InitNoiseSigma is the standard deviation of the initial latent noise.
	InitNoiseSigma() float64

	// ScaleModelInput applies scheduler-specific input normalization before
	// the network call. Identity for ancestral schedulers.
	ScaleModelInput(sample *tensor.RawTensor, timestep int) *tensor.RawTensor

	// Step computes the previous sample from the model output.
	Step(modelOutput *tensor.RawTensor, timestep int, sample *tensor.RawTensor, opts StepOptions) (StepResult, error)

	// AddNoise runs the forward diffusion process at a timestep. Used for
	// initial-latent preparation and for re-noising degraded latents.
	AddNoise(sample, noise *tensor.RawTensor, timestep int) *tensor.RawTensor

	// AlphasCumprod exposes the cumulative schedule, indexed by train
	// timestep. Read-only.
	AlphasCumprod() []float64

	// Order is the number of network evaluations per scheduler update,
	// used for progress accounting.
	Order() int

	// Config returns the static schedule parameters.
	Config() Config

	// Capabilities reports which StepOptions fields this variant consumes.
	Capabilities() Capabilities
}

// predOriginal derives (pred_x0, pred_epsilon) at alphaProd from the model
// output under the configured parameterization. All three parameterizations
// relate sample, noise and original estimate by the same sqrt(alpha) algebra
// with the roles permuted.
func predOriginal(pt PredictionType, sample, modelOutput []float32, alphaProd float64) (predX0, predEps []float32, err error) {
	sqrtAlpha := float32(math.Sqrt(alphaProd))
	sqrtOneMinus := float32(math.Sqrt(1 - alphaProd))

	predX0 = make([]float32, len(sample))
	predEps = make([]float32, len(sample))

	switch pt {
	case PredictionEpsilon:
		for i := range sample {
			predX0[i] = (sample[i] - sqrtOneMinus*modelOutput[i]) / sqrtAlpha
			predEps[i] = modelOutput[i]
		}
	case PredictionSample:
		for i := range sample {
			predX0[i] = modelOutput[i]
			predEps[i] = (sample[i] - sqrtAlpha*predX0[i]) / sqrtOneMinus
		}
	case PredictionV:
		for i := range sample {
			predX0[i] = sqrtAlpha*sample[i] - sqrtOneMinus*modelOutput[i]
			predEps[i] = sqrtAlpha*modelOutput[i] + sqrtOneMinus*sample[i]
		}
	default:
		return nil, nil, fmt.Errorf("scheduler: unsupported prediction type %q", pt)
	}
	return predX0, predEps, nil
}

// likeRaw allocates a float32 tensor with the same shape as the reference.
func likeRaw(ref *tensor.RawTensor) *tensor.RawTensor {
	out, err := tensor.NewRaw(ref.Shape(), tensor.Float32, ref.Device())
	if err != nil {
		panic(err)
	}
	return out
}

func clipInPlace(data []float32, lo, hi float32) {
	for i, v := range data {
		if v < lo {
			data[i] = lo
		} else if v > hi {
			data[i] = hi
		}
	}
}

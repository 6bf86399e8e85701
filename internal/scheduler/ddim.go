// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package scheduler

import (
	"fmt"
	"math"

	"github.com/born-ml/diffuse/internal/tensor"
)

// Verify that DDIM implements Scheduler.
var _ Scheduler = (*DDIM)(nil)

// DDIM implements the denoising diffusion implicit models update rule.
// With eta=0 the update is fully deterministic; eta>0 interpolates toward
// DDPM-style ancestral sampling and requires a generator.
type DDIM struct {
	cfg      Config
	sched    *schedule
	timestep []int
	numSteps int
}

// NewDDIM creates a DDIM scheduler.
func NewDDIM(cfg Config) (*DDIM, error) {
	sched, err := newSchedule(cfg)
	if err != nil {
		return nil, err
	}
	return &DDIM{cfg: cfg, sched: sched}, nil
}

// SetTimesteps initializes the inference schedule.
func (d *DDIM) SetTimesteps(numInferenceSteps int) error {
	ts, err := d.sched.inferenceTimesteps(numInferenceSteps, d.cfg.StepsOffset)
	if err != nil {
		return err
	}
	d.timestep = ts
	d.numSteps = numInferenceSteps
	return nil
}

// Timesteps returns the schedule in loop order.
func (d *DDIM) Timesteps() []int {
	return d.timestep
}

// InitNoiseSigma is 1 for variance-preserving schedules.
func (d *DDIM) InitNoiseSigma() float64 {
	return 1.0
}

// ScaleModelInput is the identity for DDIM.
func (d *DDIM) ScaleModelInput(sample *tensor.RawTensor, _ int) *tensor.RawTensor {
	return sample
}

// Step performs one DDIM update:
//
//	pred_x0    = (sample - sqrt(1-a_t) * eps) / sqrt(a_t)
//	direction  = sqrt(1 - a_prev - sigma^2) * eps
//	prev       = sqrt(a_prev) * pred_x0 + direction + sigma * noise
//
// where sigma = eta * sqrt((1-a_prev)/(1-a_t)) * sqrt(1 - a_t/a_prev).
func (d *DDIM) Step(modelOutput *tensor.RawTensor, timestep int, sample *tensor.RawTensor, opts StepOptions) (StepResult, error) {
	if d.numSteps == 0 {
		return StepResult{}, fmt.Errorf("scheduler: SetTimesteps must be called before Step")
	}
	if timestep < 0 || timestep >= len(d.sched.alphasCumprod) {
		return StepResult{}, fmt.Errorf("scheduler: timestep %d out of range [0, %d)", timestep, len(d.sched.alphasCumprod))
	}

	prevTimestep := timestep - d.cfg.NumTrainTimesteps/d.numSteps

	alphaT := d.sched.alphasCumprod[timestep]
	alphaPrev := d.sched.alphasCumprod[0]
	if prevTimestep >= 0 {
		alphaPrev = d.sched.alphasCumprod[prevTimestep]
	}

	out := modelOutput.AsFloat32()
	smp := sample.AsFloat32()

	predX0, predEps, err := predOriginal(d.cfg.PredictionType, smp, out, alphaT)
	if err != nil {
		return StepResult{}, err
	}
	if d.cfg.ClipSample {
		clipInPlace(predX0, -1, 1)
	}

	sigma := 0.0
	if opts.Eta > 0 {
		if opts.Generator == nil {
			return StepResult{}, fmt.Errorf("scheduler: eta %v requires a generator", opts.Eta)
		}
		sigma = opts.Eta * math.Sqrt((1-alphaPrev)/(1-alphaT)) * math.Sqrt(1-alphaT/alphaPrev)
	}

	sqrtAlphaPrev := float32(math.Sqrt(alphaPrev))
	dirCoeff := float32(math.Sqrt(1 - alphaPrev - sigma*sigma))

	prev := likeRaw(sample)
	prevData := prev.AsFloat32()
	for i := range prevData {
		prevData[i] = sqrtAlphaPrev*predX0[i] + dirCoeff*predEps[i]
	}
	if sigma > 0 {
		s := float32(sigma)
		for i := range prevData {
			prevData[i] += s * float32(opts.Generator.NormFloat64())
		}
	}

	x0 := likeRaw(sample)
	copy(x0.AsFloat32(), predX0)

	return StepResult{PrevSample: prev, PredOriginalSample: x0}, nil
}

// AddNoise applies forward diffusion at the given timestep:
// sqrt(a_t)*sample + sqrt(1-a_t)*noise.
func (d *DDIM) AddNoise(sample, noise *tensor.RawTensor, timestep int) *tensor.RawTensor {
	return addNoise(d.sched, sample, noise, timestep)
}

// AlphasCumprod exposes the cumulative schedule.
func (d *DDIM) AlphasCumprod() []float64 {
	return d.sched.alphasCumprod
}

// Order is 1: one network evaluation per update.
func (d *DDIM) Order() int {
	return 1
}

// Config returns the static schedule parameters.
func (d *DDIM) Config() Config {
	return d.cfg
}

// Capabilities: DDIM consumes both eta and a generator.
func (d *DDIM) Capabilities() Capabilities {
	return Capabilities{AcceptsEta: true, AcceptsGenerator: true}
}

// addNoise is shared by the variance-preserving schedulers.
func addNoise(sched *schedule, sample, noise *tensor.RawTensor, timestep int) *tensor.RawTensor {
	alphaT := sched.alphasCumprod[timestep]
	sqrtAlpha := float32(math.Sqrt(alphaT))
	sqrtOneMinus := float32(math.Sqrt(1 - alphaT))

	out := likeRaw(sample)
	outData := out.AsFloat32()
	s := sample.AsFloat32()
	n := noise.AsFloat32()
	for i := range outData {
		outData[i] = sqrtAlpha*s[i] + sqrtOneMinus*n[i]
	}
	return out
}

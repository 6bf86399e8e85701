// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package scheduler

import (
	"fmt"
	"math"

	"github.com/born-ml/diffuse/internal/tensor"
)

// Verify that Euler implements Scheduler.
var _ Scheduler = (*Euler)(nil)

// Euler implements the Euler discrete scheduler in sigma space.
//
// Unlike the variance-preserving schedulers its ScaleModelInput is not the
// identity: samples are divided by sqrt(sigma^2 + 1) before the network
// call, and the initial noise must be scaled by InitNoiseSigma.
type Euler struct {
	cfg      Config
	sched    *schedule
	timestep []int
	sigmas   []float64 // indexed parallel to timestep, plus a trailing 0
	numSteps int
}

// NewEuler creates an Euler discrete scheduler.
func NewEuler(cfg Config) (*Euler, error) {
	sched, err := newSchedule(cfg)
	if err != nil {
		return nil, err
	}
	return &Euler{cfg: cfg, sched: sched}, nil
}

// SetTimesteps initializes the inference schedule and its sigma sequence.
func (e *Euler) SetTimesteps(numInferenceSteps int) error {
	ts, err := e.sched.inferenceTimesteps(numInferenceSteps, e.cfg.StepsOffset)
	if err != nil {
		return err
	}
	e.timestep = ts
	e.numSteps = numInferenceSteps

	e.sigmas = make([]float64, numInferenceSteps+1)
	for i, t := range ts {
		a := e.sched.alphasCumprod[t]
		e.sigmas[i] = math.Sqrt((1 - a) / a)
	}
	e.sigmas[numInferenceSteps] = 0
	return nil
}

// Timesteps returns the schedule in loop order.
func (e *Euler) Timesteps() []int {
	return e.timestep
}

// InitNoiseSigma is the standard deviation the initial latents must carry.
func (e *Euler) InitNoiseSigma() float64 {
	if len(e.sigmas) == 0 {
		return 1.0
	}
	maxSigma := e.sigmas[0]
	return math.Sqrt(maxSigma*maxSigma + 1)
}

// ScaleModelInput divides the sample by sqrt(sigma^2 + 1). The timestep must
// belong to the schedule set by SetTimesteps.
func (e *Euler) ScaleModelInput(sample *tensor.RawTensor, timestep int) *tensor.RawTensor {
	idx := e.sigmaIndex(timestep)
	if idx < 0 {
		panic(fmt.Sprintf("scheduler: timestep %d not in the current schedule", timestep))
	}
	scale := float32(1 / math.Sqrt(e.sigmas[idx]*e.sigmas[idx]+1))

	out := likeRaw(sample)
	outData := out.AsFloat32()
	for i, v := range sample.AsFloat32() {
		outData[i] = v * scale
	}
	return out
}

// Step performs one explicit Euler update in sigma space:
//
//	derivative = (sample - pred_x0) / sigma
//	prev       = sample + derivative * (sigma_next - sigma)
func (e *Euler) Step(modelOutput *tensor.RawTensor, timestep int, sample *tensor.RawTensor, _ StepOptions) (StepResult, error) {
	if e.numSteps == 0 {
		return StepResult{}, fmt.Errorf("scheduler: SetTimesteps must be called before Step")
	}

	idx := e.sigmaIndex(timestep)
	if idx < 0 {
		return StepResult{}, fmt.Errorf("scheduler: timestep %d not in the current schedule", timestep)
	}
	sigma := e.sigmas[idx]
	sigmaNext := e.sigmas[idx+1]

	out := modelOutput.AsFloat32()
	smp := sample.AsFloat32()

	// pred_x0 in sigma space. The sample here is the sigma-scaled latent;
	// epsilon prediction gives x0 = sample - sigma * eps.
	predX0 := make([]float32, len(smp))
	switch e.cfg.PredictionType {
	case PredictionEpsilon:
		s := float32(sigma)
		for i := range predX0 {
			predX0[i] = smp[i] - s*out[i]
		}
	case PredictionSample:
		copy(predX0, out)
	case PredictionV:
		// v-prediction in sigma space: x0 = sample/(sigma^2+1) - v*sigma/sqrt(sigma^2+1)
		denom := sigma*sigma + 1
		c1 := float32(1 / denom)
		c2 := float32(sigma / math.Sqrt(denom))
		for i := range predX0 {
			predX0[i] = smp[i]*c1 - out[i]*c2
		}
	default:
		return StepResult{}, fmt.Errorf("scheduler: unsupported prediction type %q", e.cfg.PredictionType)
	}

	dt := float32(sigmaNext - sigma)
	invSigma := float32(1 / sigma)

	prev := likeRaw(sample)
	prevData := prev.AsFloat32()
	for i := range prevData {
		derivative := (smp[i] - predX0[i]) * invSigma
		prevData[i] = smp[i] + derivative*dt
	}

	x0 := likeRaw(sample)
	copy(x0.AsFloat32(), predX0)

	return StepResult{PrevSample: prev, PredOriginalSample: x0}, nil
}

func (e *Euler) sigmaIndex(timestep int) int {
	for i, t := range e.timestep {
		if t == timestep {
			return i
		}
	}
	return -1
}

// AddNoise noises in sigma space: sample + sigma * noise.
func (e *Euler) AddNoise(sample, noise *tensor.RawTensor, timestep int) *tensor.RawTensor {
	a := e.sched.alphasCumprod[timestep]
	sigma := float32(math.Sqrt((1 - a) / a))

	out := likeRaw(sample)
	outData := out.AsFloat32()
	s := sample.AsFloat32()
	n := noise.AsFloat32()
	for i := range outData {
		outData[i] = s[i] + sigma*n[i]
	}
	return out
}

// AlphasCumprod exposes the cumulative schedule.
func (e *Euler) AlphasCumprod() []float64 {
	return e.sched.alphasCumprod
}

// Order is 1: one network evaluation per update.
func (e *Euler) Order() int {
	return 1
}

// Config returns the static schedule parameters.
func (e *Euler) Config() Config {
	return e.cfg
}

// Capabilities: plain Euler consumes neither eta nor a generator.
func (e *Euler) Capabilities() Capabilities {
	return Capabilities{}
}

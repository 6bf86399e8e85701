// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package scheduler

import (
	"fmt"
	"math"

	"github.com/born-ml/diffuse/internal/tensor"
)

// Verify that DDPM implements Scheduler.
var _ Scheduler = (*DDPM)(nil)

// DDPM implements ancestral sampling with the posterior of the forward
// process. Every step except the last injects fresh noise, so a generator is
// required; eta has no meaning here.
//
// For learned variance types the model output is expected to carry twice the
// sample's channels: the first half is the prediction, the second half the
// variance parameter.
type DDPM struct {
	cfg      Config
	sched    *schedule
	timestep []int
	numSteps int
}

// NewDDPM creates a DDPM scheduler.
func NewDDPM(cfg Config) (*DDPM, error) {
	sched, err := newSchedule(cfg)
	if err != nil {
		return nil, err
	}
	return &DDPM{cfg: cfg, sched: sched}, nil
}

// SetTimesteps initializes the inference schedule.
func (d *DDPM) SetTimesteps(numInferenceSteps int) error {
	ts, err := d.sched.inferenceTimesteps(numInferenceSteps, d.cfg.StepsOffset)
	if err != nil {
		return err
	}
	d.timestep = ts
	d.numSteps = numInferenceSteps
	return nil
}

// Timesteps returns the schedule in loop order.
func (d *DDPM) Timesteps() []int {
	return d.timestep
}

// InitNoiseSigma is 1 for variance-preserving schedules.
func (d *DDPM) InitNoiseSigma() float64 {
	return 1.0
}

// ScaleModelInput is the identity for DDPM.
func (d *DDPM) ScaleModelInput(sample *tensor.RawTensor, _ int) *tensor.RawTensor {
	return sample
}

// Step performs one ancestral update using the forward-process posterior:
//
//	prev_mean = c0 * pred_x0 + c1 * sample
//	c0 = sqrt(a_prev) * beta_t / (1 - a_t)
//	c1 = sqrt(alpha_t) * (1 - a_prev) / (1 - a_t)
//
// plus sqrt(variance) * noise for every timestep except the final one.
func (d *DDPM) Step(modelOutput *tensor.RawTensor, timestep int, sample *tensor.RawTensor, opts StepOptions) (StepResult, error) {
	if d.numSteps == 0 {
		return StepResult{}, fmt.Errorf("scheduler: SetTimesteps must be called before Step")
	}
	if timestep < 0 || timestep >= len(d.sched.alphasCumprod) {
		return StepResult{}, fmt.Errorf("scheduler: timestep %d out of range [0, %d)", timestep, len(d.sched.alphasCumprod))
	}

	out := modelOutput.AsFloat32()
	smp := sample.AsFloat32()

	learned := d.cfg.VarianceType == VarianceLearned || d.cfg.VarianceType == VarianceLearnedRange
	var variancePred []float32
	if learned {
		if len(out) != 2*len(smp) {
			return StepResult{}, fmt.Errorf(
				"scheduler: variance type %q expects model output with doubled channels (%d elements), got %d",
				d.cfg.VarianceType, 2*len(smp), len(out))
		}
		variancePred = splitChannelHalf(modelOutput, 1)
		out = splitChannelHalf(modelOutput, 0)
	}

	prevTimestep := timestep - d.cfg.NumTrainTimesteps/d.numSteps

	alphaT := d.sched.alphasCumprod[timestep]
	alphaPrev := 1.0
	if prevTimestep >= 0 {
		alphaPrev = d.sched.alphasCumprod[prevTimestep]
	}
	currentAlpha := alphaT / alphaPrev
	currentBeta := 1 - currentAlpha

	predX0, _, err := predOriginal(d.cfg.PredictionType, smp, out, alphaT)
	if err != nil {
		return StepResult{}, err
	}
	if d.cfg.ClipSample {
		clipInPlace(predX0, -1, 1)
	}

	c0 := float32(math.Sqrt(alphaPrev) * currentBeta / (1 - alphaT))
	c1 := float32(math.Sqrt(currentAlpha) * (1 - alphaPrev) / (1 - alphaT))

	prev := likeRaw(sample)
	prevData := prev.AsFloat32()
	for i := range prevData {
		prevData[i] = c0*predX0[i] + c1*smp[i]
	}

	if prevTimestep >= 0 {
		if opts.Generator == nil {
			return StepResult{}, fmt.Errorf("scheduler: ddpm step at timestep %d requires a generator", timestep)
		}
		logVar := d.logVariance(alphaT, alphaPrev, currentBeta, variancePred)
		for i := range prevData {
			sigma := float32(math.Exp(0.5 * logVar(i)))
			prevData[i] += sigma * float32(opts.Generator.NormFloat64())
		}
	}

	x0 := likeRaw(sample)
	copy(x0.AsFloat32(), predX0)

	return StepResult{PrevSample: prev, PredOriginalSample: x0}, nil
}

// logVariance returns a per-element log variance function for the configured
// variance type. Fixed types ignore the element index.
func (d *DDPM) logVariance(alphaT, alphaPrev, currentBeta float64, variancePred []float32) func(i int) float64 {
	// Posterior variance, clamped away from zero before the log.
	small := (1 - alphaPrev) / (1 - alphaT) * currentBeta
	if small < 1e-20 {
		small = 1e-20
	}
	logSmall := math.Log(small)
	logLarge := math.Log(math.Max(currentBeta, 1e-20))

	switch d.cfg.VarianceType {
	case VarianceFixedLarge:
		return func(int) float64 { return logLarge }
	case VarianceLearned:
		return func(i int) float64 { return float64(variancePred[i]) }
	case VarianceLearnedRange:
		// The prediction in [-1, 1] interpolates between the small and
		// large log variances.
		return func(i int) float64 {
			frac := (float64(variancePred[i]) + 1) / 2
			return frac*logLarge + (1-frac)*logSmall
		}
	default:
		return func(int) float64 { return logSmall }
	}
}

// AddNoise applies forward diffusion at the given timestep.
func (d *DDPM) AddNoise(sample, noise *tensor.RawTensor, timestep int) *tensor.RawTensor {
	return addNoise(d.sched, sample, noise, timestep)
}

// AlphasCumprod exposes the cumulative schedule.
func (d *DDPM) AlphasCumprod() []float64 {
	return d.sched.alphasCumprod
}

// Order is 1: one network evaluation per update.
func (d *DDPM) Order() int {
	return 1
}

// Config returns the static schedule parameters.
func (d *DDPM) Config() Config {
	return d.cfg
}

// Capabilities: DDPM consumes a generator but not eta.
func (d *DDPM) Capabilities() Capabilities {
	return Capabilities{AcceptsGenerator: true}
}

// splitChannelHalf returns half of a [N, 2C, ...] model output along the
// channel axis as a flat float32 slice. half 0 is the prediction, half 1 the
// variance parameter.
func splitChannelHalf(modelOutput *tensor.RawTensor, half int) []float32 {
	shape := modelOutput.Shape()
	data := modelOutput.AsFloat32()

	n := shape[0]
	c := shape[1]
	inner := 1
	for _, d := range shape[2:] {
		inner *= d
	}

	halfC := c / 2
	out := make([]float32, n*halfC*inner)
	for b := 0; b < n; b++ {
		src := (b*c + half*halfC) * inner
		dst := b * halfC * inner
		copy(out[dst:dst+halfC*inner], data[src:src+halfC*inner])
	}
	return out
}

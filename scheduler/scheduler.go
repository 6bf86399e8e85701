// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package scheduler is the public API for the reverse diffusion noise
// schedulers.
//
//	sched, err := scheduler.NewDDIM(scheduler.DefaultConfig())
//	if err != nil {
//		...
//	}
//	if err := sched.SetTimesteps(50); err != nil {
//		...
//	}
package scheduler

import (
	"github.com/born-ml/diffuse/internal/scheduler"
)

// Scheduler is the per-step update contract consumed by the denoising loop.
type Scheduler = scheduler.Scheduler

// Config holds the static schedule parameters.
type Config = scheduler.Config

// DefaultConfig returns the Stable Diffusion v1 schedule parameters.
func DefaultConfig() Config {
	return scheduler.DefaultConfig()
}

// Capabilities declares which optional step parameters a scheduler variant
// consumes, resolved once at construction time.
type Capabilities = scheduler.Capabilities

// StepOptions carries the optional per-step parameters.
type StepOptions = scheduler.StepOptions

// StepResult is the outcome of one reverse diffusion update.
type StepResult = scheduler.StepResult

// PredictionType selects what quantity the denoising network predicts.
type PredictionType = scheduler.PredictionType

// Prediction parameterizations.
const (
	PredictionEpsilon PredictionType = scheduler.PredictionEpsilon
	PredictionSample  PredictionType = scheduler.PredictionSample
	PredictionV       PredictionType = scheduler.PredictionV
)

// VarianceType selects how step variance is derived for stochastic
// schedulers.
type VarianceType = scheduler.VarianceType

// Variance types.
const (
	VarianceFixedSmall   VarianceType = scheduler.VarianceFixedSmall
	VarianceFixedLarge   VarianceType = scheduler.VarianceFixedLarge
	VarianceLearned      VarianceType = scheduler.VarianceLearned
	VarianceLearnedRange VarianceType = scheduler.VarianceLearnedRange
)

// BetaSchedule selects the beta spacing of the training noise schedule.
type BetaSchedule = scheduler.BetaSchedule

// Beta schedules.
const (
	BetaLinear       BetaSchedule = scheduler.BetaLinear
	BetaScaledLinear BetaSchedule = scheduler.BetaScaledLinear
)

// DDIM is the deterministic denoising implicit scheduler. It accepts eta
// and a generator at step time.
type DDIM = scheduler.DDIM

// NewDDIM creates a DDIM scheduler.
func NewDDIM(cfg Config) (*DDIM, error) {
	return scheduler.NewDDIM(cfg)
}

// DDPM is the ancestral denoising probabilistic scheduler with fixed or
// learned variance.
type DDPM = scheduler.DDPM

// NewDDPM creates a DDPM scheduler.
func NewDDPM(cfg Config) (*DDPM, error) {
	return scheduler.NewDDPM(cfg)
}

// Euler is the sigma-space discrete scheduler. Its input scaling is not the
// identity.
type Euler = scheduler.Euler

// NewEuler creates an Euler discrete scheduler.
func NewEuler(cfg Config) (*Euler, error) {
	return scheduler.NewEuler(cfg)
}

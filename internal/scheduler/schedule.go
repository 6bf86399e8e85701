// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package scheduler

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// schedule holds the precomputed training noise schedule.
type schedule struct {
	betas         []float64
	alphas        []float64
	alphasCumprod []float64
}

// newSchedule computes betas and cumulative alphas for the configured beta
// spacing.
//
// scaled_linear spaces sqrt(beta) linearly and squares it, matching the
// Stable Diffusion training schedule; linear spaces beta itself.
func newSchedule(cfg Config) (*schedule, error) {
	if cfg.NumTrainTimesteps < 2 {
		return nil, fmt.Errorf("scheduler: num_train_timesteps must be >= 2, got %d", cfg.NumTrainTimesteps)
	}

	betas := make([]float64, cfg.NumTrainTimesteps)
	switch cfg.BetaSchedule {
	case BetaLinear:
		floats.Span(betas, cfg.BetaStart, cfg.BetaEnd)
	case BetaScaledLinear:
		floats.Span(betas, math.Sqrt(cfg.BetaStart), math.Sqrt(cfg.BetaEnd))
		for i, b := range betas {
			betas[i] = b * b
		}
	default:
		return nil, fmt.Errorf("scheduler: unsupported beta schedule %q", cfg.BetaSchedule)
	}

	alphas := make([]float64, len(betas))
	for i, b := range betas {
		alphas[i] = 1 - b
	}

	alphasCumprod := make([]float64, len(alphas))
	floats.CumProd(alphasCumprod, alphas)

	return &schedule{
		betas:         betas,
		alphas:        alphas,
		alphasCumprod: alphasCumprod,
	}, nil
}

// inferenceTimesteps spaces numSteps timesteps over the training schedule in
// decreasing order, shifted by stepsOffset.
func (s *schedule) inferenceTimesteps(numSteps, stepsOffset int) ([]int, error) {
	numTrain := len(s.betas)
	if numSteps < 1 || numSteps > numTrain {
		return nil, fmt.Errorf("scheduler: num_inference_steps must be in [1, %d], got %d", numTrain, numSteps)
	}

	stepRatio := numTrain / numSteps
	timesteps := make([]int, numSteps)
	for i := 0; i < numSteps; i++ {
		t := (numSteps-1-i)*stepRatio + stepsOffset
		if t >= numTrain {
			t = numTrain - 1
		}
		timesteps[i] = t
	}
	return timesteps, nil
}

// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package scheduler

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/diffuse/internal/tensor"
)

func rawFrom(t *testing.T, data []float32, shape tensor.Shape) *tensor.RawTensor {
	t.Helper()
	raw, err := tensor.NewRaw(shape, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	copy(raw.AsFloat32(), data)
	return raw
}

func TestScheduleScaledLinear(t *testing.T) {
	cfg := DefaultConfig()
	sched, err := newSchedule(cfg)
	require.NoError(t, err)

	require.Len(t, sched.betas, 1000)
	assert.InDelta(t, cfg.BetaStart, sched.betas[0], 1e-9)
	assert.InDelta(t, cfg.BetaEnd, sched.betas[999], 1e-9)

	// Cumulative products decrease monotonically from just under 1.
	prev := 1.0
	for _, a := range sched.alphasCumprod {
		assert.Less(t, a, prev)
		prev = a
	}
	assert.Greater(t, sched.alphasCumprod[0], 0.999)
	assert.Less(t, sched.alphasCumprod[999], 0.01)
}

func TestTimestepsDecreasing(t *testing.T) {
	d, err := NewDDIM(DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, d.SetTimesteps(50))

	ts := d.Timesteps()
	require.Len(t, ts, 50)
	for i := 1; i < len(ts); i++ {
		assert.Greater(t, ts[i-1], ts[i])
	}
	// steps_offset=1 puts the last timestep at 1.
	assert.Equal(t, 1, ts[len(ts)-1])
}

func TestTimestepsRange(t *testing.T) {
	d, err := NewDDIM(DefaultConfig())
	require.NoError(t, err)
	assert.Error(t, d.SetTimesteps(0))
	assert.Error(t, d.SetTimesteps(1001))
}

func TestDDIMScaleModelInputIdentity(t *testing.T) {
	d, err := NewDDIM(DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, d.SetTimesteps(10))

	sample := rawFrom(t, []float32{0.5, -0.5, 1.25}, tensor.Shape{3})
	got := d.ScaleModelInput(sample, d.Timesteps()[0])
	assert.Equal(t, sample.AsFloat32(), got.AsFloat32())

	// Idempotent: applying twice changes nothing.
	again := d.ScaleModelInput(got, d.Timesteps()[0])
	assert.Equal(t, sample.AsFloat32(), again.AsFloat32())
}

func TestDDIMStepDeterministic(t *testing.T) {
	d, err := NewDDIM(DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, d.SetTimesteps(10))

	timestep := d.Timesteps()[0]
	sample := rawFrom(t, []float32{1, -1, 0.5, 2}, tensor.Shape{1, 1, 2, 2})
	eps := rawFrom(t, []float32{0.1, 0.2, -0.1, 0}, tensor.Shape{1, 1, 2, 2})

	res, err := d.Step(eps, timestep, sample, StepOptions{})
	require.NoError(t, err)

	// Closed form for the first element.
	alphaT := d.AlphasCumprod()[timestep]
	prevT := timestep - 1000/10
	alphaPrev := d.AlphasCumprod()[prevT]

	predX0 := (1.0 - math.Sqrt(1-alphaT)*0.1) / math.Sqrt(alphaT)
	want := math.Sqrt(alphaPrev)*predX0 + math.Sqrt(1-alphaPrev)*0.1

	assert.InDelta(t, want, float64(res.PrevSample.AsFloat32()[0]), 1e-5)
	assert.InDelta(t, predX0, float64(res.PredOriginalSample.AsFloat32()[0]), 1e-5)
}

func TestDDIMStepEtaRequiresGenerator(t *testing.T) {
	d, err := NewDDIM(DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, d.SetTimesteps(10))

	sample := rawFrom(t, []float32{1}, tensor.Shape{1})
	eps := rawFrom(t, []float32{0.1}, tensor.Shape{1})

	_, err = d.Step(eps, d.Timesteps()[0], sample, StepOptions{Eta: 0.5})
	assert.Error(t, err)

	_, err = d.Step(eps, d.Timesteps()[0], sample, StepOptions{Eta: 0.5, Generator: rand.New(rand.NewSource(1))})
	assert.NoError(t, err)
}

func TestDDIMStepBeforeSetTimesteps(t *testing.T) {
	d, err := NewDDIM(DefaultConfig())
	require.NoError(t, err)

	sample := rawFrom(t, []float32{1}, tensor.Shape{1})
	_, err = d.Step(sample, 10, sample, StepOptions{})
	assert.Error(t, err)
}

func TestDDIMVPrediction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PredictionType = PredictionV
	d, err := NewDDIM(cfg)
	require.NoError(t, err)
	require.NoError(t, d.SetTimesteps(10))

	timestep := d.Timesteps()[0]
	sample := rawFrom(t, []float32{1}, tensor.Shape{1})
	v := rawFrom(t, []float32{0.3}, tensor.Shape{1})

	res, err := d.Step(v, timestep, sample, StepOptions{})
	require.NoError(t, err)

	alphaT := d.AlphasCumprod()[timestep]
	predX0 := math.Sqrt(alphaT)*1 - math.Sqrt(1-alphaT)*0.3
	assert.InDelta(t, predX0, float64(res.PredOriginalSample.AsFloat32()[0]), 1e-5)
}

func TestDDIMUnsupportedPrediction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PredictionType = "ddim_unknown"
	d, err := NewDDIM(cfg)
	require.NoError(t, err)
	require.NoError(t, d.SetTimesteps(10))

	sample := rawFrom(t, []float32{1}, tensor.Shape{1})
	_, err = d.Step(sample, d.Timesteps()[0], sample, StepOptions{})
	assert.Error(t, err)
}

func TestAddNoiseStrengthOne(t *testing.T) {
	d, err := NewDDIM(DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, d.SetTimesteps(10))

	// At the highest timestep nearly all signal is replaced by noise.
	timestep := d.Timesteps()[0]
	sample := rawFrom(t, []float32{100}, tensor.Shape{1})
	noise := rawFrom(t, []float32{1}, tensor.Shape{1})

	noised := d.AddNoise(sample, noise, timestep)
	alphaT := d.AlphasCumprod()[timestep]
	want := math.Sqrt(alphaT)*100 + math.Sqrt(1-alphaT)*1
	assert.InDelta(t, want, float64(noised.AsFloat32()[0]), 1e-4)
	// Noise dominates: with steps_offset=1 the first timestep is 901, where
	// alpha_cumprod is roughly 0.014.
	assert.Less(t, alphaT, 0.02)
	assert.Greater(t, math.Sqrt(1-alphaT), math.Sqrt(alphaT))
}

func TestDDPMStepVarianceAndGenerator(t *testing.T) {
	d, err := NewDDPM(DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, d.SetTimesteps(10))

	timestep := d.Timesteps()[0]
	sample := rawFrom(t, []float32{1, -1}, tensor.Shape{1, 2})
	eps := rawFrom(t, []float32{0.1, 0.1}, tensor.Shape{1, 2})

	// Non-final timestep without generator fails.
	_, err = d.Step(eps, timestep, sample, StepOptions{})
	assert.Error(t, err)

	// Same seed gives identical samples.
	res1, err := d.Step(eps, timestep, sample, StepOptions{Generator: rand.New(rand.NewSource(7))})
	require.NoError(t, err)
	res2, err := d.Step(eps, timestep, sample, StepOptions{Generator: rand.New(rand.NewSource(7))})
	require.NoError(t, err)
	assert.Equal(t, res1.PrevSample.AsFloat32(), res2.PrevSample.AsFloat32())
}

func TestDDPMLearnedVarianceSplit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VarianceType = VarianceLearnedRange
	d, err := NewDDPM(cfg)
	require.NoError(t, err)
	require.NoError(t, d.SetTimesteps(10))

	timestep := d.Timesteps()[0]
	sample := rawFrom(t, []float32{1, -1}, tensor.Shape{1, 2, 1, 1})

	// Doubled channels: first half prediction, second half variance param.
	modelOut := rawFrom(t, []float32{0.1, 0.1, 0, 0}, tensor.Shape{1, 4, 1, 1})
	res, err := d.Step(modelOut, timestep, sample, StepOptions{Generator: rand.New(rand.NewSource(1))})
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 2, 1, 1}, res.PrevSample.Shape())

	// Mismatched channel count is a configuration error.
	bad := rawFrom(t, []float32{0.1, 0.1}, tensor.Shape{1, 2, 1, 1})
	_, err = d.Step(bad, timestep, sample, StepOptions{Generator: rand.New(rand.NewSource(1))})
	assert.Error(t, err)
}

func TestEulerScaleModelInputNotIdentity(t *testing.T) {
	e, err := NewEuler(DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, e.SetTimesteps(10))

	timestep := e.Timesteps()[0]
	sample := rawFrom(t, []float32{1}, tensor.Shape{1})
	scaled := e.ScaleModelInput(sample, timestep)
	assert.Less(t, float64(scaled.AsFloat32()[0]), 1.0)

	assert.Greater(t, e.InitNoiseSigma(), 1.0)
}

func TestEulerStepReducesSigma(t *testing.T) {
	e, err := NewEuler(DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, e.SetTimesteps(2))

	timestep := e.Timesteps()[0]
	sample := rawFrom(t, []float32{3, -3}, tensor.Shape{2})
	eps := rawFrom(t, []float32{1, -1}, tensor.Shape{2})

	res, err := e.Step(eps, timestep, sample, StepOptions{})
	require.NoError(t, err)

	// derivative equals eps for epsilon prediction, dt = sigmaNext - sigma.
	sigma := e.sigmas[0]
	sigmaNext := e.sigmas[1]
	want := 3 + 1*(sigmaNext-sigma)
	assert.InDelta(t, want, float64(res.PrevSample.AsFloat32()[0]), 1e-3)
}

func TestEulerStepUnknownTimestep(t *testing.T) {
	e, err := NewEuler(DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, e.SetTimesteps(10))

	sample := rawFrom(t, []float32{1}, tensor.Shape{1})
	_, err = e.Step(sample, 12345, sample, StepOptions{})
	assert.Error(t, err)

	// ScaleModelInput has no error return and must refuse the lookup loudly.
	assert.Panics(t, func() { e.ScaleModelInput(sample, 12345) })
}

func TestCapabilities(t *testing.T) {
	d, _ := NewDDIM(DefaultConfig())
	p, _ := NewDDPM(DefaultConfig())
	e, _ := NewEuler(DefaultConfig())

	assert.Equal(t, Capabilities{AcceptsEta: true, AcceptsGenerator: true}, d.Capabilities())
	assert.Equal(t, Capabilities{AcceptsGenerator: true}, p.Capabilities())
	assert.Equal(t, Capabilities{}, e.Capabilities())
}

func TestOrderIsOne(t *testing.T) {
	d, _ := NewDDIM(DefaultConfig())
	assert.Equal(t, 1, d.Order())
}

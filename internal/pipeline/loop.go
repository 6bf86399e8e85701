// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package pipeline

import (
	"fmt"
	"math/rand"

	"go.uber.org/zap"

	"github.com/born-ml/diffuse/internal/guidance"
	"github.com/born-ml/diffuse/internal/nn"
	"github.com/born-ml/diffuse/internal/scheduler"
	"github.com/born-ml/diffuse/internal/tensor"
)

// loopInputs parameterizes one run of the denoising loop.
type loopInputs[B tensor.Backend] struct {
	latents   *tensor.Tensor[float32, B]
	cond      *tensor.Tensor[float32, B]
	timesteps []int

	// aux tensors are concatenated onto the model input along the channel
	// axis every step. They must already carry the guidance-doubled batch
	// when guidance is enabled.
	aux []*tensor.Tensor[float32, B]

	guidanceScale float64
	sagScale      float64
	eta           float64
	generator     *rand.Rand

	callback      Callback
	callbackSteps int

	// pack/unpack adapt the latent layout around the scheduler update, used
	// by the video pipeline to flatten frames into the batch axis. Nil means
	// identity.
	pack   func(*tensor.Tensor[float32, B]) *tensor.Tensor[float32, B]
	unpack func(*tensor.Tensor[float32, B]) *tensor.Tensor[float32, B]
}

// denoise runs the reverse diffusion loop and returns the final latents.
//
// Per step: guidance batch doubling, scheduler input scaling, auxiliary
// channel concatenation, network prediction, guidance combination, scheduler
// update, optional callback. The scheduler must already hold the inference
// schedule the timesteps were taken from.
func (c *core[B]) denoise(in loopInputs[B]) (*tensor.Tensor[float32, B], error) {
	latents := in.latents
	latentC := latents.Shape()[1]

	auxC := 0
	for _, a := range in.aux {
		auxC += a.Shape()[1]
	}
	if latentC+auxC != c.unet.InChannels() {
		return nil, fmt.Errorf(
			"%w: latent channels %d + auxiliary channels %d do not sum to the network's %d input channels",
			ErrConfigMismatch, latentC, auxC, c.unet.InChannels())
	}

	doCFG := guidance.CFGEnabled(in.guidanceScale)
	doSAG := guidance.SAGEnabled(in.sagScale)

	var recorder *nn.AttentionRecorder[B]
	var observer nn.AttentionObserver[B]
	var mapSize [2]int
	if doSAG {
		shape := latents.Shape()
		if len(shape) != 4 {
			return nil, fmt.Errorf("%w: self-attention guidance requires 4D latents, got %v", ErrConfigMismatch, shape)
		}
		mapper, ok := any(c.unet).(AttentionMapper)
		if !ok {
			return nil, fmt.Errorf("%w: self-attention guidance requires a network implementing AttentionMapper", ErrConfigMismatch)
		}
		mapSize[0], mapSize[1] = mapper.AttentionMapSize(shape[2], shape[3])
		recorder = &nn.AttentionRecorder[B]{}
		observer = recorder
	}

	caps := c.sched.Capabilities()
	stepOpts := scheduler.StepOptions{}
	if caps.AcceptsEta {
		stepOpts.Eta = in.eta
	}
	if caps.AcceptsGenerator {
		stepOpts.Generator = in.generator
	}

	c.log.Debug("starting denoising loop",
		zap.Int("steps", len(in.timesteps)),
		zap.Bool("cfg", doCFG),
		zap.Bool("sag", doSAG))

	for i, t := range in.timesteps {
		modelInput := latents
		if doCFG {
			modelInput = tensor.Cat([]*tensor.Tensor[float32, B]{latents, latents}, 0)
		}
		scaled := tensor.New[float32, B](c.sched.ScaleModelInput(modelInput.Raw(), t), c.backend)
		if len(in.aux) > 0 {
			scaled = tensor.Cat(append([]*tensor.Tensor[float32, B]{scaled}, in.aux...), 1)
		}

		if recorder != nil {
			recorder.Reset()
		}
		pred, err := c.unet.Predict(scaled, t, in.cond, observer)
		if err != nil {
			return nil, fmt.Errorf("noise prediction at step %d failed: %w", i, err)
		}

		noise, variance, err := splitVariance(pred, latentC)
		if err != nil {
			return nil, err
		}

		guided := noise
		branch := noise
		if doCFG {
			uncond, condPred := guidance.SplitGuidanceBatch(noise)
			guided = guidance.ApplyCFG(uncond, condPred, in.guidanceScale)
			branch = uncond
			if variance != nil {
				_, variance = guidance.SplitGuidanceBatch(variance)
			}
		}

		if doSAG {
			guided, err = c.applySAG(latents, guided, branch, in, recorder, mapSize, t, doCFG, latentC)
			if err != nil {
				return nil, err
			}
		}

		modelOut := guided
		if variance != nil && varianceIsLearned(c.sched.Config().VarianceType) {
			modelOut = tensor.Cat([]*tensor.Tensor[float32, B]{guided, variance}, 1)
		}

		stepSample, stepOut := latents, modelOut
		if in.pack != nil {
			stepSample = in.pack(stepSample)
			stepOut = in.pack(stepOut)
		}
		res, err := c.sched.Step(stepOut.Raw(), t, stepSample.Raw(), stepOpts)
		if err != nil {
			return nil, fmt.Errorf("scheduler step %d failed: %w", i, err)
		}
		latents = tensor.New[float32, B](res.PrevSample, c.backend)
		if in.unpack != nil {
			latents = in.unpack(latents)
		}

		if in.callback != nil && i%in.callbackSteps == 0 {
			if err := in.callback(i, t, latents.Raw()); err != nil {
				return nil, fmt.Errorf("callback aborted generation at step %d: %w", i, err)
			}
		}
	}

	return latents, nil
}

// applySAG degrades the current original-sample estimate in high-attention
// regions, re-predicts noise on the degraded latents with the guidance
// branch conditioning and folds the difference into the guided prediction.
func (c *core[B]) applySAG(
	latents, guided, branch *tensor.Tensor[float32, B],
	in loopInputs[B],
	recorder *nn.AttentionRecorder[B],
	mapSize [2]int,
	timestep int,
	doCFG bool,
	latentC int,
) (*tensor.Tensor[float32, B], error) {
	attn := recorder.Weights
	if attn == nil {
		return nil, fmt.Errorf("%w: network did not report attention weights", ErrConfigMismatch)
	}
	if doCFG {
		attn = attn.Chunk(2, 0)[0]
	}

	predX0, err := guidance.PredX0(c.sched, latents, branch, timestep)
	if err != nil {
		return nil, err
	}
	predEps, err := guidance.PredEpsilon(c.sched, latents, branch, timestep)
	if err != nil {
		return nil, err
	}

	degraded, err := guidance.SAGMasking(c.sched, predX0, attn, mapSize, timestep, predEps)
	if err != nil {
		return nil, err
	}

	branchCond := in.cond
	if doCFG {
		branchCond = branchCond.Chunk(2, 0)[0]
	}
	degradedInput := degraded
	if len(in.aux) > 0 {
		parts := make([]*tensor.Tensor[float32, B], 0, len(in.aux)+1)
		parts = append(parts, degraded)
		for _, a := range in.aux {
			if doCFG {
				a = a.Chunk(2, 0)[0]
			}
			parts = append(parts, a)
		}
		degradedInput = tensor.Cat(parts, 1)
	}

	degradedPred, err := c.unet.Predict(degradedInput, timestep, branchCond, nil)
	if err != nil {
		return nil, fmt.Errorf("degraded noise prediction failed: %w", err)
	}
	degradedNoise, _, err := splitVariance(degradedPred, latentC)
	if err != nil {
		return nil, err
	}

	return guidance.ApplySAG(guided, branch, degradedNoise, in.sagScale), nil
}

// splitVariance separates a learned-variance prediction into its noise and
// variance halves along the channel axis.
func splitVariance[B tensor.Backend](pred *tensor.Tensor[float32, B], latentC int) (noise, variance *tensor.Tensor[float32, B], err error) {
	predC := pred.Shape()[1]
	switch predC {
	case latentC:
		return pred, nil, nil
	case 2 * latentC:
		halves := pred.Chunk(2, 1)
		return halves[0], halves[1], nil
	default:
		return nil, nil, fmt.Errorf("%w: network returned %d channels for %d latent channels",
			ErrConfigMismatch, predC, latentC)
	}
}

func varianceIsLearned(vt scheduler.VarianceType) bool {
	return vt == scheduler.VarianceLearned || vt == scheduler.VarianceLearnedRange
}

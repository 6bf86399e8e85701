// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package guidance

import (
	"fmt"
	"math"

	"github.com/born-ml/diffuse/internal/scheduler"
	"github.com/born-ml/diffuse/internal/tensor"
)

// SAGEnabled reports whether self-attention guidance is active.
func SAGEnabled(scale float64) bool {
	return scale > 0.0
}

// ApplySAG adds the self-attention guidance correction to the noise
// prediction:
//
//	guided = pred + scale * (branchPred - degradedPred)
//
// where degradedPred is the network's prediction on the blurred-and-renoised
// latents and branchPred is the prediction of the branch that was degraded.
func ApplySAG[B tensor.Backend](pred, branchPred, degradedPred *tensor.Tensor[float32, B], scale float64) *tensor.Tensor[float32, B] {
	return pred.Add(branchPred.Sub(degradedPred).MulScalar(float32(scale)))
}

// PredX0 derives the predicted original sample from a model output via the
// scheduler's reverse formula.
func PredX0[B tensor.Backend](sched scheduler.Scheduler, sample, modelOutput *tensor.Tensor[float32, B], timestep int) (*tensor.Tensor[float32, B], error) {
	alphaProd := sched.AlphasCumprod()[timestep]
	sqrtAlpha := float32(math.Sqrt(alphaProd))
	sqrtBeta := float32(math.Sqrt(1 - alphaProd))

	switch sched.Config().PredictionType {
	case scheduler.PredictionEpsilon:
		return sample.Sub(modelOutput.MulScalar(sqrtBeta)).DivScalar(sqrtAlpha), nil
	case scheduler.PredictionSample:
		return modelOutput, nil
	case scheduler.PredictionV:
		return sample.MulScalar(sqrtAlpha).Sub(modelOutput.MulScalar(sqrtBeta)), nil
	default:
		return nil, fmt.Errorf("guidance: unsupported prediction type %q", sched.Config().PredictionType)
	}
}

// PredEpsilon derives the predicted noise from a model output via the
// scheduler's reverse formula.
func PredEpsilon[B tensor.Backend](sched scheduler.Scheduler, sample, modelOutput *tensor.Tensor[float32, B], timestep int) (*tensor.Tensor[float32, B], error) {
	alphaProd := sched.AlphasCumprod()[timestep]
	sqrtAlpha := float32(math.Sqrt(alphaProd))
	sqrtBeta := float32(math.Sqrt(1 - alphaProd))

	switch sched.Config().PredictionType {
	case scheduler.PredictionEpsilon:
		return modelOutput, nil
	case scheduler.PredictionSample:
		return sample.Sub(modelOutput.MulScalar(sqrtAlpha)).DivScalar(sqrtBeta), nil
	case scheduler.PredictionV:
		return sample.MulScalar(sqrtBeta).Add(modelOutput.MulScalar(sqrtAlpha)), nil
	default:
		return nil, fmt.Errorf("guidance: unsupported prediction type %q", sched.Config().PredictionType)
	}
}

// SAGMasking degrades the predicted original sample in high-attention
// regions and re-noises it at the current timestep.
//
// attnMap is the captured self-attention weights [batch*heads, hw1, hw2],
// mapSize the spatial size of the attention layer's feature map. A spatial
// region counts as high-attention when its mean-over-heads attention mass,
// summed over queries, exceeds 1. The mask is tiled over latent channels and
// nearest-resized to the latent resolution; only masked regions are blurred
// (kernel 9, sigma 1.0) before re-noising with eps.
func SAGMasking[B tensor.Backend](
	sched scheduler.Scheduler,
	originalLatents *tensor.Tensor[float32, B],
	attnMap *tensor.Tensor[float32, B],
	mapSize [2]int,
	timestep int,
	eps *tensor.Tensor[float32, B],
) (*tensor.Tensor[float32, B], error) {
	latentShape := originalLatents.Shape()
	if len(latentShape) != 4 {
		return nil, fmt.Errorf("guidance: sag masking expects 4D latents, got %v", latentShape)
	}
	b, latentC, latentH, latentW := latentShape[0], latentShape[1], latentShape[2], latentShape[3]

	attnShape := attnMap.Shape()
	if len(attnShape) != 3 {
		return nil, fmt.Errorf("guidance: attention map must be 3D [batch*heads, hw, hw], got %v", attnShape)
	}
	bh, hw1, hw2 := attnShape[0], attnShape[1], attnShape[2]
	if bh%b != 0 {
		return nil, fmt.Errorf("guidance: attention batch %d not divisible by latent batch %d", bh, b)
	}
	heads := bh / b
	if mapSize[0]*mapSize[1] != hw2 {
		return nil, fmt.Errorf("guidance: map size %v does not match attention width %d", mapSize, hw2)
	}

	// Mean over heads, sum over queries, threshold at 1.
	perHead := attnMap.Reshape(b, heads, hw1, hw2)
	mass := perHead.MeanDim(1, false).SumDim(1, false)
	threshold := tensor.Ones[float32](mass.Shape(), mass.Backend())
	mask := mass.Greater(threshold).Float32()

	// Tile over channels and resize to the latent resolution.
	spatial := mask.Reshape(b, mapSize[0], mapSize[1]).Unsqueeze(1)
	tiled := spatial.Expand(tensor.Shape{b, latentC, mapSize[0], mapSize[1]})
	resized := tiled.Resize2D(latentH, latentW)

	blurred := GaussianBlur2D(originalLatents, 9, 1.0)

	inverse := tensor.Ones[float32](resized.Shape(), resized.Backend()).Sub(resized)
	degraded := blurred.Mul(resized).Add(originalLatents.Mul(inverse))

	renoised := sched.AddNoise(degraded.Raw(), eps.Raw(), timestep)
	return tensor.New[float32, B](renoised, originalLatents.Backend()), nil
}

// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package guidance implements the prediction combiners of the denoising
// loop: classifier-free guidance and self-attention guidance.
package guidance

import "github.com/born-ml/diffuse/internal/tensor"

// CFGEnabled reports whether classifier-free guidance is active for the
// given scale. At scale <= 1 the conditional branch is used unmodified and
// no batch doubling happens.
func CFGEnabled(scale float64) bool {
	return scale > 1.0
}

// ApplyCFG folds the unconditional and conditional predictions into one
// guided prediction:
//
//	guided = uncond + scale * (cond - uncond)
func ApplyCFG[B tensor.Backend](uncond, cond *tensor.Tensor[float32, B], scale float64) *tensor.Tensor[float32, B] {
	return uncond.Add(cond.Sub(uncond).MulScalar(float32(scale)))
}

// SplitGuidanceBatch splits a guidance-doubled batch back into its branches.
// The unconditional half always comes first.
func SplitGuidanceBatch[B tensor.Backend](pred *tensor.Tensor[float32, B]) (uncond, cond *tensor.Tensor[float32, B]) {
	parts := pred.Chunk(2, 0)
	return parts[0], parts[1]
}

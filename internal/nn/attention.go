// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package nn provides the neural network building blocks used by denoising
// networks: scaled dot-product attention, normalization and activations.
package nn

import (
	"math"

	"github.com/born-ml/diffuse/internal/tensor"
)

// AttentionObserver receives the attention weights produced by a
// ScaledDotProductAttention call. Self-attention guidance samples the
// mid-block attention map this way; passing the observer explicitly keeps
// the data flow visible instead of routing it through processor swaps.
type AttentionObserver[B tensor.Backend] interface {
	ObserveAttention(weights *tensor.Tensor[float32, B])
}

// AttentionRecorder is an AttentionObserver that keeps the most recent
// attention weights, stored head-flattened as [batch*heads, seq_q, seq_k].
// A nil recorder pointer observes nothing.
type AttentionRecorder[B tensor.Backend] struct {
	Weights *tensor.Tensor[float32, B]
}

// ObserveAttention stores the weights, replacing any previous capture. The
// 4D [batch, heads, seq_q, seq_k] layout produced by the attention layer is
// folded to [batch*heads, seq_q, seq_k], the layout the guidance masking
// consumes; 3D weights are stored as-is.
func (r *AttentionRecorder[B]) ObserveAttention(weights *tensor.Tensor[float32, B]) {
	if shape := weights.Shape(); len(shape) == 4 {
		weights = weights.Reshape(shape[0]*shape[1], shape[2], shape[3])
	}
	r.Weights = weights
}

// Reset clears the captured weights.
func (r *AttentionRecorder[B]) Reset() {
	r.Weights = nil
}

// ScaledDotProductAttention computes attention using the scaled dot-product
// mechanism:
//
//	Attention(Q, K, V) = softmax(QK^T * scale) @ V
//
// Shapes are [batch, heads, seq, head_dim] for all three inputs; mask is an
// optional additive mask (broadcastable, -inf for masked positions). A scale
// of 0 auto-computes 1/sqrt(head_dim). When observer is non-nil it receives
// the post-softmax weights [batch, heads, seq_q, seq_k].
func ScaledDotProductAttention[B tensor.Backend](
	query, key, value *tensor.Tensor[float32, B],
	mask *tensor.Tensor[float32, B],
	scale float32,
	observer AttentionObserver[B],
) *tensor.Tensor[float32, B] {
	validateAttentionInputs(query, key, value)

	if scale == 0 {
		scale = float32(1.0 / math.Sqrt(float64(query.Shape()[3])))
	}

	// Q @ K^T with the key's last two dimensions swapped.
	kT := key.Transpose(0, 1, 3, 2)
	scores := query.BatchMatMul(kT).MulScalar(scale)

	if mask != nil {
		scores = scores.Add(mask)
	}

	weights := scores.Softmax(-1)
	if observer != nil {
		observer.ObserveAttention(weights)
	}

	return weights.BatchMatMul(value)
}

func validateAttentionInputs[B tensor.Backend](
	query, key, value *tensor.Tensor[float32, B],
) {
	if len(query.Shape()) != 4 || len(key.Shape()) != 4 || len(value.Shape()) != 4 {
		panic("ScaledDotProductAttention: inputs must be 4D [batch, heads, seq, head_dim]")
	}
	if query.Shape()[3] != key.Shape()[3] {
		panic("ScaledDotProductAttention: query and key must have same head_dim")
	}
	if key.Shape()[2] != value.Shape()[2] {
		panic("ScaledDotProductAttention: key and value must have same seq length")
	}
}

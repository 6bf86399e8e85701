// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package nn provides the building blocks of denoising networks: scaled
// dot-product attention, normalization, activations and checkpoint-backed
// layer constructors.
package nn

import (
	"github.com/born-ml/diffuse/internal/nn"
	"github.com/born-ml/diffuse/internal/tensor"
	"github.com/born-ml/diffuse/internal/weights"
)

// AttentionObserver receives the post-softmax attention weights of a
// ScaledDotProductAttention call.
type AttentionObserver[B tensor.Backend] = nn.AttentionObserver[B]

// AttentionRecorder is an AttentionObserver that keeps the most recent
// attention weights.
type AttentionRecorder[B tensor.Backend] = nn.AttentionRecorder[B]

// ScaledDotProductAttention computes softmax(QK^T * scale) @ V over
// [batch, heads, seq, head_dim] tensors. A scale of 0 auto-computes
// 1/sqrt(head_dim). A non-nil observer receives the attention weights.
func ScaledDotProductAttention[B tensor.Backend](
	query, key, value *tensor.Tensor[float32, B],
	mask *tensor.Tensor[float32, B],
	scale float32,
	observer AttentionObserver[B],
) *tensor.Tensor[float32, B] {
	return nn.ScaledDotProductAttention(query, key, value, mask, scale, observer)
}

// Linear applies y = x @ W^T + b.
type Linear[B tensor.Backend] = nn.Linear[B]

// NewLinear creates a Linear layer from pretrained weights. bias may be nil.
func NewLinear[B tensor.Backend](weight, bias *tensor.Tensor[float32, B]) (*Linear[B], error) {
	return nn.NewLinear(weight, bias)
}

// LinearFromCheckpoint loads a Linear layer from <prefix>.weight and, when
// present, <prefix>.bias.
func LinearFromCheckpoint[B tensor.Backend](c *weights.Checkpoint, prefix string, b B) (*Linear[B], error) {
	return nn.LinearFromCheckpoint(c, prefix, b)
}

// GroupNorm normalizes over channel groups of an NCHW tensor.
type GroupNorm[B tensor.Backend] = nn.GroupNorm[B]

// NewGroupNorm creates a GroupNorm layer. numChannels must be divisible by
// numGroups.
func NewGroupNorm[B tensor.Backend](numGroups, numChannels int) (*GroupNorm[B], error) {
	return nn.NewGroupNorm[B](numGroups, numChannels)
}

// GroupNormFromCheckpoint loads a GroupNorm layer from <prefix>.weight and
// <prefix>.bias.
func GroupNormFromCheckpoint[B tensor.Backend](c *weights.Checkpoint, prefix string, numGroups int, b B) (*GroupNorm[B], error) {
	return nn.GroupNormFromCheckpoint(c, prefix, numGroups, b)
}

// Sigmoid applies the logistic function element-wise.
func Sigmoid[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return nn.Sigmoid(x)
}

// SiLU applies x * sigmoid(x) element-wise.
func SiLU[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return nn.SiLU(x)
}

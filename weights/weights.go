// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package weights loads and saves safetensors checkpoints.
//
//	ckpt, err := weights.Open("unet.safetensors")
//	if err != nil {
//		...
//	}
//	w, err := weights.Float32(ckpt, "mid_block.attn.to_q.weight", backend)
package weights

import (
	"github.com/born-ml/diffuse/internal/tensor"
	"github.com/born-ml/diffuse/internal/weights"
)

// Checkpoint is a parsed safetensors file. Half precision data is widened to
// float32 on access.
type Checkpoint = weights.Checkpoint

// Open reads and parses a safetensors file.
func Open(path string) (*Checkpoint, error) {
	return weights.Open(path)
}

// FromBytes parses an in-memory safetensors buffer.
func FromBytes(buf []byte) (*Checkpoint, error) {
	return weights.FromBytes(buf)
}

// Float32 loads a named tensor, widening F16 and BF16 data to float32.
func Float32[B tensor.Backend](c *Checkpoint, name string, b B) (*tensor.Tensor[float32, B], error) {
	return weights.Float32(c, name, b)
}

// All loads every tensor in the checkpoint, keyed by name.
func All[B tensor.Backend](c *Checkpoint, b B) (map[string]*tensor.Tensor[float32, B], error) {
	return weights.All(c, b)
}

// Save serializes named tensors to safetensors bytes.
func Save[B tensor.Backend](tensors map[string]*tensor.Tensor[float32, B]) ([]byte, error) {
	return weights.Save(tensors)
}

// SaveFile writes named tensors to a safetensors file.
func SaveFile[B tensor.Backend](path string, tensors map[string]*tensor.Tensor[float32, B]) error {
	return weights.SaveFile(path, tensors)
}

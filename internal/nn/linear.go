// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package nn

import (
	"fmt"

	"github.com/born-ml/diffuse/internal/tensor"
)

// Linear applies y = x @ W^T + b.
//
// Weight is stored [outFeatures, inFeatures], matching the row-major layout
// of checkpoint files, so it is transposed at forward time.
type Linear[B tensor.Backend] struct {
	Weight *tensor.Tensor[float32, B]
	Bias   *tensor.Tensor[float32, B]
}

// NewLinear creates a Linear layer from pretrained weights. bias may be nil.
func NewLinear[B tensor.Backend](weight, bias *tensor.Tensor[float32, B]) (*Linear[B], error) {
	if len(weight.Shape()) != 2 {
		return nil, fmt.Errorf("linear: weight must be 2D [out, in], got %v", weight.Shape())
	}
	if bias != nil {
		if len(bias.Shape()) != 1 || bias.Shape()[0] != weight.Shape()[0] {
			return nil, fmt.Errorf("linear: bias shape %v does not match weight %v", bias.Shape(), weight.Shape())
		}
	}
	return &Linear[B]{Weight: weight, Bias: bias}, nil
}

// Forward applies the layer to a [batch, inFeatures] tensor.
func (l *Linear[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	out := x.MatMul(l.Weight.Transpose())
	if l.Bias != nil {
		out = out.Add(l.Bias)
	}
	return out
}

// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package nn

import "github.com/born-ml/diffuse/internal/tensor"

// Sigmoid computes 1 / (1 + e^-x) element-wise.
func Sigmoid[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return ones(x).Div(x.MulScalar(-1).Exp().AddScalar(1))
}

// SiLU computes x * sigmoid(x), the activation used throughout diffusion
// UNets and VAEs.
func SiLU[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return x.Mul(Sigmoid(x))
}

func ones[B tensor.Backend](like *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return tensor.Ones[float32](like.Shape(), like.Backend())
}

// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package codec converts between pixel space and latent space.
package codec

import (
	"github.com/born-ml/diffuse/internal/codec"
	"github.com/born-ml/diffuse/internal/tensor"
)

// Codec is the latent codec contract consumed by the pipelines.
type Codec[B tensor.Backend] = codec.Codec[B]

// DiagonalGaussian is the posterior distribution returned by Encode.
type DiagonalGaussian[B tensor.Backend] = codec.DiagonalGaussian[B]

// Pooling is a learnable-weight-free reference codec using average pooling
// for Encode and nearest-neighbor upsampling for Decode.
type Pooling[B tensor.Backend] = codec.Pooling[B]

// NewPooling creates a pooling codec with the given latent channel count and
// spatial downscale factor.
func NewPooling[B tensor.Backend](backend B, latentChannels, downscale int) (*Pooling[B], error) {
	return codec.NewPooling(backend, latentChannels, downscale)
}

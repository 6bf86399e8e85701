// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package webgpu exposes the GPU compute backend. Large element-wise
// operations run on the GPU; everything else falls back to the CPU
// reference implementation.
package webgpu

import (
	internalwebgpu "github.com/born-ml/diffuse/internal/backend/webgpu"
	"github.com/born-ml/diffuse/tensor"
)

// Backend is the WebGPU compute backend.
type Backend = internalwebgpu.Backend

// Compile-time check that Backend implements tensor.Backend.
var _ tensor.Backend = (*Backend)(nil)

// New creates a WebGPU backend, or an error when no native WebGPU library
// is available.
func New() (*Backend, error) {
	return internalwebgpu.New()
}

// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package cpu exposes the pure Go reference backend.
package cpu

import (
	internalcpu "github.com/born-ml/diffuse/internal/backend/cpu"
	"github.com/born-ml/diffuse/tensor"
)

// Backend is the CPU compute backend. All operations run in pure Go with
// float64 accumulation.
type Backend = internalcpu.Backend

// Compile-time check that Backend implements tensor.Backend.
var _ tensor.Backend = (*Backend)(nil)

// New creates a CPU backend.
func New() *Backend {
	return internalcpu.New()
}

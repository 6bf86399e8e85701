// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import (
	"fmt"
	"math/rand"
)

// Zeros creates a tensor filled with zeros.
func Zeros[T DType, B Backend](shape Shape, b B) *Tensor[T, B] {
	var dummy T
	raw, err := NewRaw(shape, inferDataType(dummy), b.Device())
	if err != nil {
		panic(err) // shape validation should prevent this
	}
	return New[T, B](raw, b)
}

// Ones creates a tensor filled with ones.
func Ones[T DType, B Backend](shape Shape, b B) *Tensor[T, B] {
	return Full[T, B](shape, oneValue[T](), b)
}

// Full creates a tensor filled with a specific value.
func Full[T DType, B Backend](shape Shape, value T, b B) *Tensor[T, B] {
	t := Zeros[T, B](shape, b)
	data := t.Data()
	for i := range data {
		data[i] = value
	}
	return t
}

// Randn creates a tensor filled with samples from N(0, 1) drawn from the
// given generator.
//
// Determinism contract: diffusion sampling must be reproducible from a seed,
// so the random source is always owned by the caller and passed explicitly.
// There is no package-level generator.
//
// Example:
//
//	g := rand.New(rand.NewSource(42))
//	noise := tensor.Randn[float32](Shape{1, 4, 64, 64}, g, backend)
func Randn[T DType, B Backend](shape Shape, g *rand.Rand, b B) *Tensor[T, B] {
	t := Zeros[T, B](shape, b)
	data := t.Data()
	var dummy T
	switch any(dummy).(type) {
	case float32:
		d := any(data).([]float32)
		for i := range d {
			d[i] = float32(g.NormFloat64())
		}
	case float64:
		d := any(data).([]float64)
		for i := range d {
			d[i] = g.NormFloat64()
		}
	default:
		panic(fmt.Sprintf("Randn: unsupported dtype %s", t.DType()))
	}
	return t
}

// RandnBatch creates a batched normal tensor where each batch element is
// drawn from its own generator. The generator count must equal the leading
// dimension; this mirrors the per-image generator lists accepted by the
// pipelines.
func RandnBatch[T DType, B Backend](shape Shape, gens []*rand.Rand, b B) (*Tensor[T, B], error) {
	if len(shape) == 0 {
		return nil, fmt.Errorf("RandnBatch: scalar shape not supported")
	}
	if len(gens) != shape[0] {
		return nil, fmt.Errorf("RandnBatch: got %d generators for batch size %d", len(gens), shape[0])
	}
	per := shape.NumElements() / shape[0]
	out := Zeros[T, B](shape, b)
	data := any(out.Data()).([]float32)
	for n, g := range gens {
		for i := 0; i < per; i++ {
			data[n*per+i] = float32(g.NormFloat64())
		}
	}
	return out, nil
}

// Linspace creates a 1D tensor of n evenly spaced values in [start, end].
func Linspace[T DType, B Backend](start, end T, n int, b B) *Tensor[T, B] {
	t := Zeros[T, B](Shape{n}, b)
	data := t.Data()
	var dummy T
	switch any(dummy).(type) {
	case float32:
		d := any(data).([]float32)
		s, e := any(start).(float32), any(end).(float32)
		step := float32(0)
		if n > 1 {
			step = (e - s) / float32(n-1)
		}
		for i := range d {
			d[i] = s + float32(i)*step
		}
	case float64:
		d := any(data).([]float64)
		s, e := any(start).(float64), any(end).(float64)
		step := float64(0)
		if n > 1 {
			step = (e - s) / float64(n-1)
		}
		for i := range d {
			d[i] = s + float64(i)*step
		}
	default:
		panic(fmt.Sprintf("Linspace: unsupported dtype %s", t.DType()))
	}
	return t
}

func oneValue[T DType]() T {
	var dummy T
	var one any
	switch any(dummy).(type) {
	case float32:
		one = float32(1)
	case float64:
		one = float64(1)
	case int32:
		one = int32(1)
	case int64:
		one = int64(1)
	case uint8:
		one = uint8(1)
	case bool:
		one = true
	}
	return one.(T)
}

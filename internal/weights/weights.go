// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package weights loads safetensors checkpoints into named float32 tensors.
//
// Checkpoint weights are commonly stored in half precision. All access goes
// through a widening step so the rest of the pipeline only ever sees float32
// data, regardless of the on-disk dtype.
package weights

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/d4l3k/go-bfloat16"
	"github.com/nlpodyssey/safetensors"
	"github.com/x448/float16"

	"github.com/born-ml/diffuse/internal/tensor"
)

// Checkpoint is a parsed safetensors file. Tensor views reference the
// underlying buffer without copying; widening to float32 happens on access.
type Checkpoint struct {
	st safetensors.SafeTensors
}

// Open reads and parses a safetensors file.
func Open(path string) (*Checkpoint, error) {
	//nolint:gosec // G304: checkpoint path comes from user input, which is expected for model loading
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", path, err)
	}
	return FromBytes(buf)
}

// FromBytes parses an in-memory safetensors buffer.
func FromBytes(buf []byte) (*Checkpoint, error) {
	st, err := safetensors.Deserialize(buf)
	if err != nil {
		return nil, fmt.Errorf("failed to parse safetensors data: %w", err)
	}
	return &Checkpoint{st: st}, nil
}

// Names returns all tensor names in the checkpoint.
func (c *Checkpoint) Names() []string {
	return c.st.Names()
}

// Len returns the number of tensors in the checkpoint.
func (c *Checkpoint) Len() int {
	return c.st.Len()
}

// Has reports whether the checkpoint contains a tensor with the given name.
func (c *Checkpoint) Has(name string) bool {
	_, ok := c.st.Tensor(name)
	return ok
}

// Float32 loads a named tensor, widening F16 and BF16 data to float32.
func Float32[B tensor.Backend](c *Checkpoint, name string, b B) (*tensor.Tensor[float32, B], error) {
	view, ok := c.st.Tensor(name)
	if !ok {
		return nil, fmt.Errorf("tensor %q not found in checkpoint", name)
	}

	data, err := widenFloat32(view.DType(), view.Data())
	if err != nil {
		return nil, fmt.Errorf("failed to load tensor %q: %w", name, err)
	}

	shape, err := shapeFromView(view.Shape())
	if err != nil {
		return nil, fmt.Errorf("failed to load tensor %q: %w", name, err)
	}

	t, err := tensor.FromSlice(data, shape, b)
	if err != nil {
		return nil, fmt.Errorf("failed to load tensor %q: %w", name, err)
	}
	return t, nil
}

// All loads every tensor in the checkpoint, keyed by name.
func All[B tensor.Backend](c *Checkpoint, b B) (map[string]*tensor.Tensor[float32, B], error) {
	out := make(map[string]*tensor.Tensor[float32, B], c.st.Len())
	for _, name := range c.st.Names() {
		t, err := Float32(c, name, b)
		if err != nil {
			return nil, err
		}
		out[name] = t
	}
	return out, nil
}

// Save serializes named tensors to safetensors bytes. Data is always written
// as F32, the widest dtype the pipeline works in.
func Save[B tensor.Backend](tensors map[string]*tensor.Tensor[float32, B]) ([]byte, error) {
	views := make(map[string]safetensors.TensorView, len(tensors))
	for name, t := range tensors {
		shape := t.Shape()
		dims := make([]uint64, len(shape))
		for i, d := range shape {
			dims[i] = uint64(d)
		}

		data := t.Data()
		raw := make([]byte, len(data)*4)
		for i, v := range data {
			binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
		}

		view, err := safetensors.NewTensorView(safetensors.F32, dims, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize tensor %q: %w", name, err)
		}
		views[name] = view
	}

	buf, err := safetensors.Serialize(views, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize checkpoint: %w", err)
	}
	return buf, nil
}

// SaveFile writes named tensors to a safetensors file.
func SaveFile[B tensor.Backend](path string, tensors map[string]*tensor.Tensor[float32, B]) error {
	buf, err := Save(tensors)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint %s: %w", path, err)
	}
	return nil
}

func widenFloat32(dt safetensors.DType, data []byte) ([]float32, error) {
	switch dt {
	case safetensors.F32:
		out := make([]float32, len(data)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
		return out, nil
	case safetensors.F16:
		out := make([]float32, len(data)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(data[i*2:])).Float32()
		}
		return out, nil
	case safetensors.BF16:
		return bfloat16.DecodeFloat32(data), nil
	case safetensors.F64:
		out := make([]float32, len(data)/8)
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:])))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported dtype %s", dt)
	}
}

func shapeFromView(dims []uint64) (tensor.Shape, error) {
	shape := make(tensor.Shape, len(dims))
	for i, d := range dims {
		if d > math.MaxInt32 {
			return nil, fmt.Errorf("dimension %d out of range: %d", i, d)
		}
		shape[i] = int(d)
	}
	return shape, nil
}

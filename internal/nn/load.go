// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package nn

import (
	"fmt"

	"github.com/born-ml/diffuse/internal/tensor"
	"github.com/born-ml/diffuse/internal/weights"
)

// LinearFromCheckpoint loads a Linear layer from <prefix>.weight and, when
// present, <prefix>.bias.
func LinearFromCheckpoint[B tensor.Backend](c *weights.Checkpoint, prefix string, b B) (*Linear[B], error) {
	weight, err := weights.Float32(c, prefix+".weight", b)
	if err != nil {
		return nil, fmt.Errorf("linear %s: %w", prefix, err)
	}

	var bias *tensor.Tensor[float32, B]
	if c.Has(prefix + ".bias") {
		bias, err = weights.Float32(c, prefix+".bias", b)
		if err != nil {
			return nil, fmt.Errorf("linear %s: %w", prefix, err)
		}
	}

	layer, err := NewLinear(weight, bias)
	if err != nil {
		return nil, fmt.Errorf("linear %s: %w", prefix, err)
	}
	return layer, nil
}

// GroupNormFromCheckpoint loads a GroupNorm layer from <prefix>.weight and
// <prefix>.bias. Both affine parameters are optional in the checkpoint.
func GroupNormFromCheckpoint[B tensor.Backend](c *weights.Checkpoint, prefix string, numGroups int, b B) (*GroupNorm[B], error) {
	var weight, bias *tensor.Tensor[float32, B]
	var err error

	if c.Has(prefix + ".weight") {
		weight, err = weights.Float32(c, prefix+".weight", b)
		if err != nil {
			return nil, fmt.Errorf("groupnorm %s: %w", prefix, err)
		}
	}
	if c.Has(prefix + ".bias") {
		bias, err = weights.Float32(c, prefix+".bias", b)
		if err != nil {
			return nil, fmt.Errorf("groupnorm %s: %w", prefix, err)
		}
	}

	channels := 0
	switch {
	case weight != nil:
		channels = weight.Shape()[0]
	case bias != nil:
		channels = bias.Shape()[0]
	default:
		return nil, fmt.Errorf("groupnorm %s: checkpoint has neither weight nor bias", prefix)
	}

	layer, err := NewGroupNorm[B](numGroups, channels)
	if err != nil {
		return nil, fmt.Errorf("groupnorm %s: %w", prefix, err)
	}
	layer.Weight = weight
	layer.Bias = bias
	return layer, nil
}

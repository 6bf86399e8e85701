// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package imaging

import (
	"fmt"

	"github.com/born-ml/diffuse/internal/tensor"
)

// PrepareMaskAndMaskedImage validates and combines an inpainting image/mask
// pair. The image must be a [N, 3, H, W] tensor in [-1, 1]; the mask a
// [N, 1, H, W] tensor in [0, 1]. The mask is binarized at 0.5 and the masked
// image keeps only the region the mask does not repaint:
//
//	masked = image * (1 - binarized_mask)
func PrepareMaskAndMaskedImage[B tensor.Backend](
	img, mask *tensor.Tensor[float32, B],
) (binMask, maskedImage *tensor.Tensor[float32, B], err error) {
	imgShape := img.Shape()
	maskShape := mask.Shape()
	if len(imgShape) != 4 || imgShape[1] != 3 {
		return nil, nil, fmt.Errorf("imaging: image must be [N, 3, H, W], got %v", imgShape)
	}
	if len(maskShape) != 4 || maskShape[1] != 1 {
		return nil, nil, fmt.Errorf("imaging: mask must be [N, 1, H, W], got %v", maskShape)
	}
	if imgShape[0] != maskShape[0] || imgShape[2] != maskShape[2] || imgShape[3] != maskShape[3] {
		return nil, nil, fmt.Errorf("imaging: image %v and mask %v disagree on batch or spatial dims", imgShape, maskShape)
	}

	for _, v := range img.Data() {
		if v < -1 || v > 1 {
			return nil, nil, fmt.Errorf("imaging: image should be in [-1, 1] range, found %v", v)
		}
	}
	for _, v := range mask.Data() {
		if v < 0 || v > 1 {
			return nil, nil, fmt.Errorf("imaging: mask should be in [0, 1] range, found %v", v)
		}
	}

	binMask = binarize(mask)
	inverse := tensor.Ones[float32](binMask.Shape(), binMask.Backend()).Sub(binMask)
	maskedImage = img.Mul(inverse)
	return binMask, maskedImage, nil
}

// binarize snaps mask values to {0, 1} with a 0.5 threshold.
func binarize[B tensor.Backend](mask *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	out := mask.Clone()
	data := out.Data()
	for i, v := range data {
		if v < 0.5 {
			data[i] = 0
		} else {
			data[i] = 1
		}
	}
	return out
}

// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package imaging

import (
	"fmt"
	"image"

	"github.com/born-ml/diffuse/internal/tensor"
)

// Tensor2Vid converts a [B, C, F, H, W] video tensor into per-batch frame
// lists. Values are denormalized with the given per-channel mean/std, then
// clipped to [0, 1] and quantized.
func Tensor2Vid[B tensor.Backend](video *tensor.Tensor[float32, B], mean, std [3]float32) ([][]image.Image, error) {
	shape := video.Shape()
	if len(shape) != 5 || shape[1] != 3 {
		return nil, fmt.Errorf("imaging: video tensor must be [B, 3, F, H, W], got %v", shape)
	}
	b, frames, h, w := shape[0], shape[2], shape[3], shape[4]

	// [B, C, F, H, W] -> [B, F, C, H, W], then each frame goes through the
	// image postprocessing path.
	perFrame := video.Transpose(0, 2, 1, 3, 4)
	data := perFrame.Data()

	out := make([][]image.Image, b)
	frameSize := 3 * h * w
	for bi := 0; bi < b; bi++ {
		out[bi] = make([]image.Image, frames)
		for f := 0; f < frames; f++ {
			frameData := make([]float32, frameSize)
			base := (bi*frames + f) * frameSize
			for c := 0; c < 3; c++ {
				for i := 0; i < h*w; i++ {
					v := data[base+c*h*w+i]
					frameData[c*h*w+i] = (v*std[c] + mean[c])*2 - 1
				}
			}
			frameTensor, err := tensor.FromSlice(frameData, tensor.Shape{1, 3, h, w}, video.Backend())
			if err != nil {
				return nil, err
			}
			imgs, err := Postprocess(frameTensor)
			if err != nil {
				return nil, err
			}
			out[bi][f] = imgs[0]
		}
	}
	return out, nil
}

// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor

// Backend defines the interface that all compute backends must implement.
// It covers the operation set the diffusion pipelines need: guidance
// arithmetic, latent manipulation, depthwise convolution for blurring, and
// spatial resizing for attention masks.
//
// Implementations:
//   - cpu: pure Go reference implementation
//   - webgpu: GPU elementwise kernels with CPU fallback
type Backend interface {
	// Element-wise binary operations with broadcasting.
	Add(a, b *RawTensor) *RawTensor
	Sub(a, b *RawTensor) *RawTensor
	Mul(a, b *RawTensor) *RawTensor
	Div(a, b *RawTensor) *RawTensor

	// Scalar operations (element-wise with a scalar).
	AddScalar(x *RawTensor, scalar any) *RawTensor
	SubScalar(x *RawTensor, scalar any) *RawTensor
	MulScalar(x *RawTensor, scalar any) *RawTensor
	DivScalar(x *RawTensor, scalar any) *RawTensor

	// Math operations (element-wise).
	Exp(x *RawTensor) *RawTensor
	Sqrt(x *RawTensor) *RawTensor
	Clamp(x *RawTensor, lo, hi float64) *RawTensor

	// Matrix operations.
	MatMul(a, b *RawTensor) *RawTensor
	// BatchMatMul performs batched matrix multiplication for 3D/4D tensors.
	// For 3D: [B, M, K] @ [B, K, N] -> [B, M, N]
	// For 4D: [B, H, M, K] @ [B, H, K, N] -> [B, H, M, N]
	BatchMatMul(a, b *RawTensor) *RawTensor

	// Conv2D applies a 2D convolution.
	// input is [N, Cin, H, W], kernel is [Cout, Cin/groups, KH, KW].
	// groups == Cin with Cout == Cin gives a depthwise convolution, which is
	// how gaussian blur is applied to latents.
	Conv2D(input, kernel *RawTensor, stride, padding, groups int) *RawTensor

	// PadReflect2D pads the last two dimensions with reflected border values.
	PadReflect2D(x *RawTensor, pad int) *RawTensor

	// Resize2D resizes the last two dimensions with nearest-neighbor
	// sampling, used to map attention masks onto latent spatial dims.
	Resize2D(x *RawTensor, outH, outW int) *RawTensor

	// Softmax along a dimension (negative dims allowed).
	Softmax(x *RawTensor, dim int) *RawTensor

	// Comparison, returns a Bool tensor.
	Greater(a, b *RawTensor) *RawTensor

	// Shape operations.
	Reshape(t *RawTensor, newShape Shape) *RawTensor
	Transpose(t *RawTensor, axes ...int) *RawTensor
	Expand(x *RawTensor, shape Shape) *RawTensor

	// Manipulation operations.
	Cat(tensors []*RawTensor, dim int) *RawTensor
	Chunk(x *RawTensor, n, dim int) []*RawTensor
	Unsqueeze(x *RawTensor, dim int) *RawTensor
	Squeeze(x *RawTensor, dim int) *RawTensor
	Where(condition, x, y *RawTensor) *RawTensor

	// Reduction operations.
	SumDim(x *RawTensor, dim int, keepDim bool) *RawTensor
	MeanDim(x *RawTensor, dim int, keepDim bool) *RawTensor

	// Type conversion.
	Cast(x *RawTensor, dtype DataType) *RawTensor

	// Metadata.
	Name() string
	Device() Device
}

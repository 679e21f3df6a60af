package tensor

import (
	"fmt"
	"math"
)

// Conv2D performs a 2D convolution on NCHW input with OIHW weights.
// Out-of-bounds positions introduced by padding contribute zero.
func Conv2D(input, weight, bias *Tensor, stride, padding int) (*Tensor, error) {
	if input.DType != Float32 || weight.DType != Float32 {
		return nil, fmt.Errorf("Conv2D only supports Float32 tensors")
	}
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("Conv2D expects 4D input [batch, channels, height, width], got %v", input.Shape)
	}
	if len(weight.Shape) != 4 {
		return nil, fmt.Errorf("Conv2D expects 4D weight [out_channels, in_channels, kh, kw], got %v", weight.Shape)
	}
	if stride <= 0 {
		return nil, fmt.Errorf("stride must be positive, got %d", stride)
	}
	if padding < 0 {
		return nil, fmt.Errorf("padding must be non-negative, got %d", padding)
	}

	batch := input.Shape[0]
	inChannels := input.Shape[1]
	height := input.Shape[2]
	width := input.Shape[3]

	outChannels := weight.Shape[0]
	kh := weight.Shape[2]
	kw := weight.Shape[3]

	if weight.Shape[1] != inChannels {
		return nil, fmt.Errorf("channel mismatch: input has %d, weight expects %d", inChannels, weight.Shape[1])
	}
	if bias != nil && (len(bias.Shape) != 1 || bias.Shape[0] != outChannels) {
		return nil, fmt.Errorf("bias must have shape [%d], got %v", outChannels, bias.Shape)
	}

	outH := (height+2*padding-kh)/stride + 1
	outW := (width+2*padding-kw)/stride + 1
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("kernel %dx%d with stride %d and padding %d does not fit input %dx%d",
			kh, kw, stride, padding, height, width)
	}

	result, err := Zeros([]int{batch, outChannels, outH, outW}, Float32)
	if err != nil {
		return nil, err
	}

	in := input.Data.([]float32)
	w := weight.Data.([]float32)
	out := result.Data.([]float32)

	var biasData []float32
	if bias != nil {
		biasData = bias.Data.([]float32)
	}

	for b := 0; b < batch; b++ {
		for co := 0; co < outChannels; co++ {
			var bv float32
			if biasData != nil {
				bv = biasData[co]
			}
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					sum := bv
					for ci := 0; ci < inChannels; ci++ {
						for ky := 0; ky < kh; ky++ {
							ih := oh*stride + ky - padding
							if ih < 0 || ih >= height {
								continue
							}
							inRow := ((b*inChannels+ci)*height + ih) * width
							wRow := ((co*inChannels+ci)*kh + ky) * kw
							for kx := 0; kx < kw; kx++ {
								iw := ow*stride + kx - padding
								if iw < 0 || iw >= width {
									continue
								}
								sum += in[inRow+iw] * w[wRow+kx]
							}
						}
					}
					out[((b*outChannels+co)*outH+oh)*outW+ow] = sum
				}
			}
		}
	}

	return result, nil
}

// conv2DOp implements differentiable 2D convolution
type conv2DOp struct {
	inputs  []*Tensor
	stride  int
	padding int
}

func (op *conv2DOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs

	var bias *Tensor
	if len(inputs) > 2 {
		bias = inputs[2]
	}

	result, err := Conv2D(inputs[0], inputs[1], bias, op.stride, op.padding)
	if err != nil {
		panic(fmt.Sprintf("conv2d forward failed: %v", err))
	}

	for _, in := range inputs {
		if in.requiresGrad {
			result.setCreator(op)
			break
		}
	}
	return result
}

func (op *conv2DOp) Backward(gradOut *Tensor) []*Tensor {
	input := op.inputs[0]
	weight := op.inputs[1]

	batch := input.Shape[0]
	inChannels := input.Shape[1]
	height := input.Shape[2]
	width := input.Shape[3]

	outChannels := weight.Shape[0]
	kh := weight.Shape[2]
	kw := weight.Shape[3]

	outH := gradOut.Shape[2]
	outW := gradOut.Shape[3]

	in := input.Data.([]float32)
	w := weight.Data.([]float32)
	g := gradOut.Data.([]float32)

	gradInData := make([]float32, input.NumElems)
	gradWData := make([]float32, weight.NumElems)

	for b := 0; b < batch; b++ {
		for co := 0; co < outChannels; co++ {
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					gv := g[((b*outChannels+co)*outH+oh)*outW+ow]
					if gv == 0 {
						continue
					}
					for ci := 0; ci < inChannels; ci++ {
						for ky := 0; ky < kh; ky++ {
							ih := oh*op.stride + ky - op.padding
							if ih < 0 || ih >= height {
								continue
							}
							inRow := ((b*inChannels+ci)*height + ih) * width
							wRow := ((co*inChannels+ci)*kh + ky) * kw
							for kx := 0; kx < kw; kx++ {
								iw := ow*op.stride + kx - op.padding
								if iw < 0 || iw >= width {
									continue
								}
								gradInData[inRow+iw] += gv * w[wRow+kx]
								gradWData[wRow+kx] += gv * in[inRow+iw]
							}
						}
					}
				}
			}
		}
	}

	gradInput, err := NewTensor(input.Shape, Float32, gradInData)
	if err != nil {
		panic(fmt.Sprintf("conv2d backward failed: %v", err))
	}
	gradWeight, err := NewTensor(weight.Shape, Float32, gradWData)
	if err != nil {
		panic(fmt.Sprintf("conv2d backward failed: %v", err))
	}

	grads := []*Tensor{gradInput, gradWeight}

	if len(op.inputs) > 2 {
		// Bias gradient: sum over batch and spatial dimensions.
		gradBData := make([]float32, outChannels)
		for b := 0; b < batch; b++ {
			for co := 0; co < outChannels; co++ {
				base := ((b*outChannels + co) * outH) * outW
				for i := 0; i < outH*outW; i++ {
					gradBData[co] += g[base+i]
				}
			}
		}
		gradBias, err := NewTensor([]int{outChannels}, Float32, gradBData)
		if err != nil {
			panic(fmt.Sprintf("conv2d backward failed: %v", err))
		}
		grads = append(grads, gradBias)
	}

	return grads
}

func (op *conv2DOp) Inputs() []*Tensor { return op.inputs }

// Conv2DAutograd performs a 2D convolution with gradient tracking.
// bias may be nil.
func Conv2DAutograd(input, weight, bias *Tensor, stride, padding int) (*Tensor, error) {
	if input.DType != Float32 || weight.DType != Float32 {
		return nil, fmt.Errorf("Conv2DAutograd requires Float32 tensors")
	}
	if len(input.Shape) != 4 || len(weight.Shape) != 4 {
		return nil, fmt.Errorf("Conv2DAutograd requires 4D input and weight, got %v and %v", input.Shape, weight.Shape)
	}

	op := &conv2DOp{stride: stride, padding: padding}
	if bias != nil {
		return op.Forward(input, weight, bias), nil
	}
	return op.Forward(input, weight), nil
}

// MaxPool2D performs 2D max pooling on NCHW input. Padded positions are
// treated as -inf and never selected. The returned argmax slice holds the
// flat input index of each selected maximum, for use in the backward pass.
func MaxPool2D(input *Tensor, kernelSize, stride, padding int) (*Tensor, []int32, error) {
	if input.DType != Float32 {
		return nil, nil, fmt.Errorf("MaxPool2D only supports Float32 tensors")
	}
	if len(input.Shape) != 4 {
		return nil, nil, fmt.Errorf("MaxPool2D expects 4D input [batch, channels, height, width], got %v", input.Shape)
	}
	if kernelSize <= 0 || stride <= 0 {
		return nil, nil, fmt.Errorf("kernel size and stride must be positive")
	}

	batch := input.Shape[0]
	channels := input.Shape[1]
	height := input.Shape[2]
	width := input.Shape[3]

	outH := (height+2*padding-kernelSize)/stride + 1
	outW := (width+2*padding-kernelSize)/stride + 1
	if outH <= 0 || outW <= 0 {
		return nil, nil, fmt.Errorf("pool %d with stride %d and padding %d does not fit input %dx%d",
			kernelSize, stride, padding, height, width)
	}

	result, err := Zeros([]int{batch, channels, outH, outW}, Float32)
	if err != nil {
		return nil, nil, err
	}

	in := input.Data.([]float32)
	out := result.Data.([]float32)
	argmax := make([]int32, result.NumElems)

	for b := 0; b < batch; b++ {
		for c := 0; c < channels; c++ {
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					maxVal := float32(math.Inf(-1))
					maxIdx := int32(-1)
					for ky := 0; ky < kernelSize; ky++ {
						ih := oh*stride + ky - padding
						if ih < 0 || ih >= height {
							continue
						}
						for kx := 0; kx < kernelSize; kx++ {
							iw := ow*stride + kx - padding
							if iw < 0 || iw >= width {
								continue
							}
							idx := ((b*channels+c)*height+ih)*width + iw
							if in[idx] > maxVal {
								maxVal = in[idx]
								maxIdx = int32(idx)
							}
						}
					}
					outIdx := ((b*channels+c)*outH+oh)*outW + ow
					out[outIdx] = maxVal
					argmax[outIdx] = maxIdx
				}
			}
		}
	}

	return result, argmax, nil
}

// maxPool2DOp implements differentiable max pooling, routing gradients
// to the positions that won the forward pass.
type maxPool2DOp struct {
	inputs     []*Tensor
	kernelSize int
	stride     int
	padding    int
	argmax     []int32
}

func (op *maxPool2DOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs

	result, argmax, err := MaxPool2D(inputs[0], op.kernelSize, op.stride, op.padding)
	if err != nil {
		panic(fmt.Sprintf("maxpool2d forward failed: %v", err))
	}
	op.argmax = argmax

	if inputs[0].requiresGrad {
		result.setCreator(op)
	}
	return result
}

func (op *maxPool2DOp) Backward(gradOut *Tensor) []*Tensor {
	g := gradOut.Data.([]float32)
	gradData := make([]float32, op.inputs[0].NumElems)

	for i, srcIdx := range op.argmax {
		if srcIdx >= 0 {
			gradData[srcIdx] += g[i]
		}
	}

	grad, err := NewTensor(op.inputs[0].Shape, Float32, gradData)
	if err != nil {
		panic(fmt.Sprintf("maxpool2d backward failed: %v", err))
	}
	return []*Tensor{grad}
}

func (op *maxPool2DOp) Inputs() []*Tensor { return op.inputs }

// MaxPool2DAutograd performs max pooling with gradient tracking
func MaxPool2DAutograd(input *Tensor, kernelSize, stride, padding int) (*Tensor, error) {
	if input.DType != Float32 {
		return nil, fmt.Errorf("MaxPool2DAutograd requires a Float32 tensor")
	}
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("MaxPool2DAutograd requires 4D input, got %v", input.Shape)
	}

	op := &maxPool2DOp{kernelSize: kernelSize, stride: stride, padding: padding}
	return op.Forward(input), nil
}

// GlobalAvgPool2D averages each channel's spatial plane, collapsing
// [batch, channels, height, width] to [batch, channels].
func GlobalAvgPool2D(input *Tensor) (*Tensor, error) {
	if input.DType != Float32 {
		return nil, fmt.Errorf("GlobalAvgPool2D only supports Float32 tensors")
	}
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("GlobalAvgPool2D expects 4D input [batch, channels, height, width], got %v", input.Shape)
	}

	batch := input.Shape[0]
	channels := input.Shape[1]
	plane := input.Shape[2] * input.Shape[3]

	result, err := Zeros([]int{batch, channels}, Float32)
	if err != nil {
		return nil, err
	}

	in := input.Data.([]float32)
	out := result.Data.([]float32)

	for b := 0; b < batch; b++ {
		for c := 0; c < channels; c++ {
			base := (b*channels + c) * plane
			var sum float32
			for i := 0; i < plane; i++ {
				sum += in[base+i]
			}
			out[b*channels+c] = sum / float32(plane)
		}
	}

	return result, nil
}

// globalAvgPool2DOp implements differentiable global average pooling
type globalAvgPool2DOp struct {
	inputs []*Tensor
}

func (op *globalAvgPool2DOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs

	result, err := GlobalAvgPool2D(inputs[0])
	if err != nil {
		panic(fmt.Sprintf("global avg pool forward failed: %v", err))
	}

	if inputs[0].requiresGrad {
		result.setCreator(op)
	}
	return result
}

func (op *globalAvgPool2DOp) Backward(gradOut *Tensor) []*Tensor {
	input := op.inputs[0]
	batch := input.Shape[0]
	channels := input.Shape[1]
	plane := input.Shape[2] * input.Shape[3]

	g := gradOut.Data.([]float32)
	gradData := make([]float32, input.NumElems)

	inv := 1.0 / float32(plane)
	for b := 0; b < batch; b++ {
		for c := 0; c < channels; c++ {
			gv := g[b*channels+c] * inv
			base := (b*channels + c) * plane
			for i := 0; i < plane; i++ {
				gradData[base+i] = gv
			}
		}
	}

	grad, err := NewTensor(input.Shape, Float32, gradData)
	if err != nil {
		panic(fmt.Sprintf("global avg pool backward failed: %v", err))
	}
	return []*Tensor{grad}
}

func (op *globalAvgPool2DOp) Inputs() []*Tensor { return op.inputs }

// GlobalAvgPool2DAutograd performs global average pooling with gradient
// tracking, producing a [batch, channels] tensor.
func GlobalAvgPool2DAutograd(input *Tensor) (*Tensor, error) {
	if input.DType != Float32 {
		return nil, fmt.Errorf("GlobalAvgPool2DAutograd requires a Float32 tensor")
	}
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("GlobalAvgPool2DAutograd requires 4D input, got %v", input.Shape)
	}

	op := &globalAvgPool2DOp{}
	return op.Forward(input), nil
}

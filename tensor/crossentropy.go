package tensor

import (
	"fmt"
	"math"
)

// crossEntropyOp fuses softmax and negative log likelihood so the
// backward pass is the numerically stable (softmax - onehot) form.
// Targets are class indices and never receive gradients; optional class
// weights rescale each sample's contribution.
type crossEntropyOp struct {
	inputs  []*Tensor
	targets []int32
	weights []float32
	mean    bool

	probs     []float32
	weightSum float32
}

func (op *crossEntropyOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs
	logits := inputs[0]

	batchSize := logits.Shape[0]
	numClasses := logits.Shape[1]
	data := logits.Data.([]float32)

	// Softmax row by row with max subtraction for stability
	op.probs = make([]float32, len(data))
	for i := 0; i < batchSize; i++ {
		offset := i * numClasses

		maxVal := data[offset]
		for j := 1; j < numClasses; j++ {
			if data[offset+j] > maxVal {
				maxVal = data[offset+j]
			}
		}

		var sum float32
		for j := 0; j < numClasses; j++ {
			exp := float32(math.Exp(float64(data[offset+j] - maxVal)))
			op.probs[offset+j] = exp
			sum += exp
		}

		for j := 0; j < numClasses; j++ {
			op.probs[offset+j] /= sum
		}
	}

	// Weighted negative log likelihood
	var totalLoss float32
	op.weightSum = 0
	for i := 0; i < batchSize; i++ {
		targetClass := int(op.targets[i])
		w := float32(1.0)
		if op.weights != nil {
			w = op.weights[targetClass]
		}
		op.weightSum += w

		prob := op.probs[i*numClasses+targetClass]
		if prob < 1e-10 {
			prob = 1e-10
		}
		totalLoss += -w * float32(math.Log(float64(prob)))
	}

	if op.mean && op.weightSum > 0 {
		totalLoss /= op.weightSum
	}

	result, err := NewTensor([]int{1}, Float32, []float32{totalLoss})
	if err != nil {
		panic(fmt.Sprintf("cross entropy forward failed: %v", err))
	}

	if logits.requiresGrad {
		result.setCreator(op)
	}
	return result
}

func (op *crossEntropyOp) Backward(gradOut *Tensor) []*Tensor {
	logits := op.inputs[0]
	batchSize := logits.Shape[0]
	numClasses := logits.Shape[1]

	gv := gradOut.Data.([]float32)[0]

	denom := float32(1.0)
	if op.mean && op.weightSum > 0 {
		denom = op.weightSum
	}

	gradData := make([]float32, logits.NumElems)
	for i := 0; i < batchSize; i++ {
		targetClass := int(op.targets[i])
		w := float32(1.0)
		if op.weights != nil {
			w = op.weights[targetClass]
		}

		offset := i * numClasses
		for j := 0; j < numClasses; j++ {
			g := op.probs[offset+j]
			if j == targetClass {
				g -= 1.0
			}
			gradData[offset+j] = gv * w * g / denom
		}
	}

	grad, err := NewTensor(logits.Shape, Float32, gradData)
	if err != nil {
		panic(fmt.Sprintf("cross entropy backward failed: %v", err))
	}
	return []*Tensor{grad}
}

func (op *crossEntropyOp) Inputs() []*Tensor { return op.inputs }

// CrossEntropyAutograd computes softmax cross entropy over logits
// [batch_size, num_classes] against Int32 class indices [batch_size],
// producing a [1] loss tensor with gradient tracking. weights may be nil
// for unweighted loss or hold one factor per class; mean divides by the
// summed weights of the batch (plain batch mean when unweighted).
func CrossEntropyAutograd(logits, targets *Tensor, weights []float32, mean bool) (*Tensor, error) {
	if logits.DType != Float32 || targets.DType != Int32 {
		return nil, fmt.Errorf("logits must be Float32 and targets must be Int32")
	}

	if len(logits.Shape) != 2 {
		return nil, fmt.Errorf("logits must be 2D [batch_size, num_classes], got shape %v", logits.Shape)
	}

	if len(targets.Shape) != 1 {
		return nil, fmt.Errorf("targets must be 1D [batch_size], got shape %v", targets.Shape)
	}

	batchSize := logits.Shape[0]
	numClasses := logits.Shape[1]

	if targets.Shape[0] != batchSize {
		return nil, fmt.Errorf("batch size mismatch: logits %d, targets %d", batchSize, targets.Shape[0])
	}

	if weights != nil && len(weights) != numClasses {
		return nil, fmt.Errorf("expected %d class weights, got %d", numClasses, len(weights))
	}

	targetData := targets.Data.([]int32)
	for i, targetClass := range targetData {
		if targetClass < 0 || int(targetClass) >= numClasses {
			return nil, fmt.Errorf("target class %d at index %d out of range [0, %d)", targetClass, i, numClasses)
		}
	}

	op := &crossEntropyOp{
		targets: append([]int32(nil), targetData...),
		weights: weights,
		mean:    mean,
	}
	return op.Forward(logits), nil
}

package nn

import (
	"fmt"

	"github.com/accessatlas/accessatlas/tensor"
)

// Loss interface defines methods that all loss functions must implement.
// Forward returns a [1] loss tensor wired into the computation graph, so
// calling Backward on it propagates gradients to the model parameters.
// The Backward method returns the analytic input gradient directly.
type Loss interface {
	Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
	Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
}

// MSELoss implements Mean Squared Error loss function
type MSELoss struct {
	reduction string // "mean" or "sum"
}

// NewMSELoss creates a new Mean Squared Error loss function
func NewMSELoss(reduction string) *MSELoss {
	if reduction == "" {
		reduction = "mean"
	}
	return &MSELoss{reduction: reduction}
}

// Forward computes the MSE loss: L = (1/N) * sum((y_pred - y_true)^2)
func (mse *MSELoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if predicted.DType != target.DType {
		return nil, fmt.Errorf("predicted and target tensors must have the same dtype")
	}

	if len(predicted.Shape) != len(target.Shape) {
		return nil, fmt.Errorf("predicted and target tensors must have the same shape")
	}

	for i, dim := range predicted.Shape {
		if dim != target.Shape[i] {
			return nil, fmt.Errorf("predicted and target tensors must have the same shape")
		}
	}

	diff, err := tensor.SubAutograd(predicted, target)
	if err != nil {
		return nil, fmt.Errorf("subtraction failed: %v", err)
	}

	squared, err := tensor.MulAutograd(diff, diff)
	if err != nil {
		return nil, fmt.Errorf("multiplication failed: %v", err)
	}

	loss, err := tensor.SumAllAutograd(squared)
	if err != nil {
		return nil, fmt.Errorf("sum computation failed: %v", err)
	}

	if mse.reduction == "mean" {
		loss, err = tensor.ScaleAutograd(loss, 1.0/float64(predicted.NumElems))
		if err != nil {
			return nil, fmt.Errorf("mean computation failed: %v", err)
		}
	}

	return loss, nil
}

// Backward computes the gradient of MSE loss: 2 * (predicted - target) / N
func (mse *MSELoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	diff, err := tensor.Sub(predicted, target)
	if err != nil {
		return nil, fmt.Errorf("gradient subtraction failed: %v", err)
	}

	grad, err := tensor.Scale(diff, 2.0)
	if err != nil {
		return nil, fmt.Errorf("gradient scaling failed: %v", err)
	}

	if mse.reduction == "mean" {
		grad, err = tensor.Scale(grad, 1.0/float64(predicted.NumElems))
		if err != nil {
			return nil, fmt.Errorf("gradient mean computation failed: %v", err)
		}
	}

	return grad, nil
}

// CrossEntropyLoss implements softmax cross entropy for classification,
// with optional per-class weights to counter class imbalance.
type CrossEntropyLoss struct {
	reduction    string // "mean" or "sum"
	classWeights []float32
}

// NewCrossEntropyLoss creates a new Cross Entropy loss function
func NewCrossEntropyLoss(reduction string) *CrossEntropyLoss {
	if reduction == "" {
		reduction = "mean"
	}
	return &CrossEntropyLoss{reduction: reduction}
}

// NewWeightedCrossEntropyLoss creates a Cross Entropy loss with one weight
// per class. Samples of class c contribute weights[c] times their loss;
// mean reduction divides by the summed weights of the batch.
func NewWeightedCrossEntropyLoss(weights []float32, reduction string) *CrossEntropyLoss {
	if reduction == "" {
		reduction = "mean"
	}
	return &CrossEntropyLoss{reduction: reduction, classWeights: weights}
}

// Forward computes the Cross Entropy loss
// predicted: [batch_size, num_classes] logits
// target: [batch_size] class indices
func (ce *CrossEntropyLoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.CrossEntropyAutograd(predicted, target, ce.classWeights, ce.reduction == "mean")
}

// Backward computes the gradient of Cross Entropy loss with respect to
// the logits: weight * (softmax - onehot), normalized for mean reduction
func (ce *CrossEntropyLoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if predicted.DType != tensor.Float32 || target.DType != tensor.Int32 {
		return nil, fmt.Errorf("predicted must be Float32 and target must be Int32")
	}

	if len(predicted.Shape) != 2 || len(target.Shape) != 1 {
		return nil, fmt.Errorf("predicted must be 2D and target 1D, got %v and %v", predicted.Shape, target.Shape)
	}

	batchSize := predicted.Shape[0]
	numClasses := predicted.Shape[1]

	if target.Shape[0] != batchSize {
		return nil, fmt.Errorf("batch size mismatch: predicted %d, target %d", batchSize, target.Shape[0])
	}

	probs, err := tensor.Softmax(predicted)
	if err != nil {
		return nil, fmt.Errorf("softmax computation failed: %v", err)
	}

	gradData := probs.Data.([]float32)
	targetData := target.Data.([]int32)

	var weightSum float32
	for i := 0; i < batchSize; i++ {
		targetClass := targetData[i]
		if targetClass < 0 || int(targetClass) >= numClasses {
			return nil, fmt.Errorf("target class %d out of range [0, %d)", targetClass, numClasses)
		}

		w := float32(1.0)
		if ce.classWeights != nil {
			w = ce.classWeights[targetClass]
		}
		weightSum += w

		offset := i * numClasses
		gradData[offset+int(targetClass)] -= 1.0
		if w != 1.0 {
			for j := 0; j < numClasses; j++ {
				gradData[offset+j] *= w
			}
		}
	}

	if ce.reduction == "mean" && weightSum > 0 {
		inv := 1.0 / weightSum
		for i := range gradData {
			gradData[i] *= inv
		}
	}

	return probs, nil
}

// SoftmaxProbabilities converts logits [batch, classes] to row-wise
// probability distributions
func SoftmaxProbabilities(logits *tensor.Tensor) ([][]float32, error) {
	probs, err := tensor.Softmax(logits)
	if err != nil {
		return nil, err
	}

	batchSize := probs.Shape[0]
	numClasses := probs.Shape[1]
	data := probs.Data.([]float32)

	result := make([][]float32, batchSize)
	for i := 0; i < batchSize; i++ {
		row := make([]float32, numClasses)
		copy(row, data[i*numClasses:(i+1)*numClasses])
		result[i] = row
	}
	return result, nil
}


package tensor

import (
	"fmt"
)

// reduceGradientToShape sums a gradient down to the shape an input had
// before broadcasting. Leading broadcast dimensions are summed away,
// dimensions that were expanded from size 1 are summed with keepDim.
func reduceGradientToShape(grad *Tensor, targetShape []int) (*Tensor, error) {
	if shapesEqual(grad.Shape, targetShape) {
		return grad.Clone()
	}

	if len(targetShape) == 1 && targetShape[0] == 1 {
		return sumAllElements(grad)
	}

	result := grad
	var err error

	dimsToSum := len(grad.Shape) - len(targetShape)
	for i := 0; i < dimsToSum; i++ {
		result, err = Sum(result, 0, false)
		if err != nil {
			return nil, fmt.Errorf("failed to reduce leading dimension: %w", err)
		}
	}

	for i := 0; i < len(targetShape); i++ {
		if targetShape[i] == 1 && result.Shape[i] > 1 {
			result, err = Sum(result, i, true)
			if err != nil {
				return nil, fmt.Errorf("failed to reduce dimension %d: %w", i, err)
			}
		}
	}

	if !shapesEqual(result.Shape, targetShape) {
		return Reshape(result, targetShape)
	}

	return result, nil
}

// sumAllElements collapses a Float32 tensor into a single-element tensor
func sumAllElements(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("sumAllElements only supports Float32 tensors")
	}

	var sum float32
	for _, v := range t.Data.([]float32) {
		sum += v
	}

	return NewTensor([]int{1}, Float32, []float32{sum})
}

// addOp implements differentiable elementwise addition with broadcasting
type addOp struct {
	inputs []*Tensor
}

func (op *addOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs

	a, b, err := BroadcastTensorsForOperation(inputs[0], inputs[1])
	if err != nil {
		panic(fmt.Sprintf("add forward failed: %v", err))
	}

	result, err := Add(a, b)
	if err != nil {
		panic(fmt.Sprintf("add forward failed: %v", err))
	}

	if inputs[0].requiresGrad || inputs[1].requiresGrad {
		result.setCreator(op)
	}
	return result
}

func (op *addOp) Backward(gradOut *Tensor) []*Tensor {
	gradA, err := reduceGradientToShape(gradOut, op.inputs[0].Shape)
	if err != nil {
		panic(fmt.Sprintf("add backward failed: %v", err))
	}

	gradB, err := reduceGradientToShape(gradOut, op.inputs[1].Shape)
	if err != nil {
		panic(fmt.Sprintf("add backward failed: %v", err))
	}

	return []*Tensor{gradA, gradB}
}

func (op *addOp) Inputs() []*Tensor { return op.inputs }

// subOp implements differentiable elementwise subtraction
type subOp struct {
	inputs []*Tensor
}

func (op *subOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs

	a, b, err := BroadcastTensorsForOperation(inputs[0], inputs[1])
	if err != nil {
		panic(fmt.Sprintf("sub forward failed: %v", err))
	}

	result, err := Sub(a, b)
	if err != nil {
		panic(fmt.Sprintf("sub forward failed: %v", err))
	}

	if inputs[0].requiresGrad || inputs[1].requiresGrad {
		result.setCreator(op)
	}
	return result
}

func (op *subOp) Backward(gradOut *Tensor) []*Tensor {
	gradA, err := reduceGradientToShape(gradOut, op.inputs[0].Shape)
	if err != nil {
		panic(fmt.Sprintf("sub backward failed: %v", err))
	}

	negGrad, err := Scale(gradOut, -1)
	if err != nil {
		panic(fmt.Sprintf("sub backward failed: %v", err))
	}

	gradB, err := reduceGradientToShape(negGrad, op.inputs[1].Shape)
	if err != nil {
		panic(fmt.Sprintf("sub backward failed: %v", err))
	}

	return []*Tensor{gradA, gradB}
}

func (op *subOp) Inputs() []*Tensor { return op.inputs }

// mulOp implements differentiable elementwise multiplication
type mulOp struct {
	inputs []*Tensor
}

func (op *mulOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs

	a, b, err := BroadcastTensorsForOperation(inputs[0], inputs[1])
	if err != nil {
		panic(fmt.Sprintf("mul forward failed: %v", err))
	}

	result, err := Mul(a, b)
	if err != nil {
		panic(fmt.Sprintf("mul forward failed: %v", err))
	}

	if inputs[0].requiresGrad || inputs[1].requiresGrad {
		result.setCreator(op)
	}
	return result
}

func (op *mulOp) Backward(gradOut *Tensor) []*Tensor {
	// d(a*b)/da = b, d(a*b)/db = a, both broadcast to gradOut's shape
	bBroadcast, err := BroadcastTensor(op.inputs[1], gradOut.Shape)
	if err != nil {
		panic(fmt.Sprintf("mul backward failed: %v", err))
	}
	aBroadcast, err := BroadcastTensor(op.inputs[0], gradOut.Shape)
	if err != nil {
		panic(fmt.Sprintf("mul backward failed: %v", err))
	}

	gradAFull, err := Mul(gradOut, bBroadcast)
	if err != nil {
		panic(fmt.Sprintf("mul backward failed: %v", err))
	}
	gradBFull, err := Mul(gradOut, aBroadcast)
	if err != nil {
		panic(fmt.Sprintf("mul backward failed: %v", err))
	}

	gradA, err := reduceGradientToShape(gradAFull, op.inputs[0].Shape)
	if err != nil {
		panic(fmt.Sprintf("mul backward failed: %v", err))
	}
	gradB, err := reduceGradientToShape(gradBFull, op.inputs[1].Shape)
	if err != nil {
		panic(fmt.Sprintf("mul backward failed: %v", err))
	}

	return []*Tensor{gradA, gradB}
}

func (op *mulOp) Inputs() []*Tensor { return op.inputs }

// matMulOp implements differentiable 2D matrix multiplication
type matMulOp struct {
	inputs []*Tensor
}

func (op *matMulOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs

	result, err := MatMul(inputs[0], inputs[1])
	if err != nil {
		panic(fmt.Sprintf("matmul forward failed: %v", err))
	}

	if inputs[0].requiresGrad || inputs[1].requiresGrad {
		result.setCreator(op)
	}
	return result
}

func (op *matMulOp) Backward(gradOut *Tensor) []*Tensor {
	a := op.inputs[0]
	b := op.inputs[1]

	// gradA = gradOut @ B^T, gradB = A^T @ gradOut
	bT, err := Transpose(b, 0, 1)
	if err != nil {
		panic(fmt.Sprintf("matmul backward failed: %v", err))
	}
	gradA, err := MatMul(gradOut, bT)
	if err != nil {
		panic(fmt.Sprintf("matmul backward failed: %v", err))
	}

	aT, err := Transpose(a, 0, 1)
	if err != nil {
		panic(fmt.Sprintf("matmul backward failed: %v", err))
	}
	gradB, err := MatMul(aT, gradOut)
	if err != nil {
		panic(fmt.Sprintf("matmul backward failed: %v", err))
	}

	return []*Tensor{gradA, gradB}
}

func (op *matMulOp) Inputs() []*Tensor { return op.inputs }

// reluOp implements differentiable ReLU
type reluOp struct {
	inputs []*Tensor
}

func (op *reluOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs

	result, err := ReLU(inputs[0])
	if err != nil {
		panic(fmt.Sprintf("relu forward failed: %v", err))
	}

	if inputs[0].requiresGrad {
		result.setCreator(op)
	}
	return result
}

func (op *reluOp) Backward(gradOut *Tensor) []*Tensor {
	in := op.inputs[0].Data.([]float32)
	g := gradOut.Data.([]float32)

	gradData := make([]float32, len(in))
	for i := range in {
		if in[i] > 0 {
			gradData[i] = g[i]
		}
	}

	grad, err := NewTensor(op.inputs[0].Shape, Float32, gradData)
	if err != nil {
		panic(fmt.Sprintf("relu backward failed: %v", err))
	}
	return []*Tensor{grad}
}

func (op *reluOp) Inputs() []*Tensor { return op.inputs }

// sigmoidOp implements differentiable sigmoid, caching the forward output
type sigmoidOp struct {
	inputs []*Tensor
	output *Tensor
}

func (op *sigmoidOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs

	result, err := Sigmoid(inputs[0])
	if err != nil {
		panic(fmt.Sprintf("sigmoid forward failed: %v", err))
	}
	op.output = result

	if inputs[0].requiresGrad {
		result.setCreator(op)
	}
	return result
}

func (op *sigmoidOp) Backward(gradOut *Tensor) []*Tensor {
	out := op.output.Data.([]float32)
	g := gradOut.Data.([]float32)

	gradData := make([]float32, len(out))
	for i := range out {
		gradData[i] = g[i] * out[i] * (1 - out[i])
	}

	grad, err := NewTensor(op.inputs[0].Shape, Float32, gradData)
	if err != nil {
		panic(fmt.Sprintf("sigmoid backward failed: %v", err))
	}
	return []*Tensor{grad}
}

func (op *sigmoidOp) Inputs() []*Tensor { return op.inputs }

// scaleOp implements differentiable multiplication by a constant
type scaleOp struct {
	inputs []*Tensor
	factor float64
}

func (op *scaleOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs

	result, err := Scale(inputs[0], op.factor)
	if err != nil {
		panic(fmt.Sprintf("scale forward failed: %v", err))
	}

	if inputs[0].requiresGrad {
		result.setCreator(op)
	}
	return result
}

func (op *scaleOp) Backward(gradOut *Tensor) []*Tensor {
	grad, err := Scale(gradOut, op.factor)
	if err != nil {
		panic(fmt.Sprintf("scale backward failed: %v", err))
	}
	return []*Tensor{grad}
}

func (op *scaleOp) Inputs() []*Tensor { return op.inputs }

// reshapeOp implements a differentiable reshape. The gradient is the
// incoming gradient reshaped back to the input's shape.
type reshapeOp struct {
	inputs   []*Tensor
	newShape []int
}

func (op *reshapeOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs

	result, err := Reshape(inputs[0], op.newShape)
	if err != nil {
		panic(fmt.Sprintf("reshape forward failed: %v", err))
	}

	if inputs[0].requiresGrad {
		result.setCreator(op)
	}
	return result
}

func (op *reshapeOp) Backward(gradOut *Tensor) []*Tensor {
	grad, err := Reshape(gradOut, op.inputs[0].Shape)
	if err != nil {
		panic(fmt.Sprintf("reshape backward failed: %v", err))
	}
	return []*Tensor{grad}
}

func (op *reshapeOp) Inputs() []*Tensor { return op.inputs }

// concatOp implements differentiable concatenation along a dimension.
// The gradient is split back along the same dimension.
type concatOp struct {
	inputs []*Tensor
	dim    int
}

func (op *concatOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs

	result, err := Concat(inputs, op.dim)
	if err != nil {
		panic(fmt.Sprintf("concat forward failed: %v", err))
	}

	for _, in := range inputs {
		if in.requiresGrad {
			result.setCreator(op)
			break
		}
	}
	return result
}

func (op *concatOp) Backward(gradOut *Tensor) []*Tensor {
	grads := make([]*Tensor, len(op.inputs))

	outer := 1
	for i := 0; i < op.dim; i++ {
		outer *= gradOut.Shape[i]
	}
	inner := 1
	for i := op.dim + 1; i < len(gradOut.Shape); i++ {
		inner *= gradOut.Shape[i]
	}
	total := gradOut.Shape[op.dim]

	g := gradOut.Data.([]float32)

	offset := 0
	for idx, in := range op.inputs {
		size := in.Shape[op.dim]
		gradData := make([]float32, in.NumElems)

		for o := 0; o < outer; o++ {
			srcBase := (o*total + offset) * inner
			dstBase := o * size * inner
			copy(gradData[dstBase:dstBase+size*inner], g[srcBase:srcBase+size*inner])
		}

		grad, err := NewTensor(in.Shape, Float32, gradData)
		if err != nil {
			panic(fmt.Sprintf("concat backward failed: %v", err))
		}
		grads[idx] = grad
		offset += size
	}

	return grads
}

func (op *concatOp) Inputs() []*Tensor { return op.inputs }

// AddAutograd performs addition with gradient tracking and broadcasting
func AddAutograd(a, b *Tensor) (*Tensor, error) {
	if err := checkCompatibility(a, b); err != nil {
		return nil, err
	}
	if !AreBroadcastable(a.Shape, b.Shape) {
		return nil, fmt.Errorf("shapes %v and %v are not broadcastable", a.Shape, b.Shape)
	}

	op := &addOp{}
	return op.Forward(a, b), nil
}

// SubAutograd performs subtraction with gradient tracking and broadcasting
func SubAutograd(a, b *Tensor) (*Tensor, error) {
	if err := checkCompatibility(a, b); err != nil {
		return nil, err
	}
	if !AreBroadcastable(a.Shape, b.Shape) {
		return nil, fmt.Errorf("shapes %v and %v are not broadcastable", a.Shape, b.Shape)
	}

	op := &subOp{}
	return op.Forward(a, b), nil
}

// MulAutograd performs elementwise multiplication with gradient tracking
func MulAutograd(a, b *Tensor) (*Tensor, error) {
	if err := checkCompatibility(a, b); err != nil {
		return nil, err
	}
	if !AreBroadcastable(a.Shape, b.Shape) {
		return nil, fmt.Errorf("shapes %v and %v are not broadcastable", a.Shape, b.Shape)
	}

	op := &mulOp{}
	return op.Forward(a, b), nil
}

// MatMulAutograd performs matrix multiplication with gradient tracking
func MatMulAutograd(a, b *Tensor) (*Tensor, error) {
	if a.DType != Float32 || b.DType != Float32 {
		return nil, fmt.Errorf("MatMulAutograd requires Float32 tensors")
	}
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		return nil, fmt.Errorf("MatMulAutograd requires 2D tensors, got %v and %v", a.Shape, b.Shape)
	}
	if a.Shape[1] != b.Shape[0] {
		return nil, fmt.Errorf("incompatible shapes for MatMul: %v x %v", a.Shape, b.Shape)
	}

	op := &matMulOp{}
	return op.Forward(a, b), nil
}

// ReLUAutograd performs ReLU with gradient tracking
func ReLUAutograd(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("ReLUAutograd requires a Float32 tensor")
	}

	op := &reluOp{}
	return op.Forward(t), nil
}

// SigmoidAutograd performs sigmoid with gradient tracking
func SigmoidAutograd(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("SigmoidAutograd requires a Float32 tensor")
	}

	op := &sigmoidOp{}
	return op.Forward(t), nil
}

// ScaleAutograd multiplies by a constant with gradient tracking
func ScaleAutograd(t *Tensor, factor float64) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("ScaleAutograd requires a Float32 tensor")
	}

	op := &scaleOp{factor: factor}
	return op.Forward(t), nil
}

// ReshapeAutograd reshapes with gradient tracking. One dimension may be -1.
func ReshapeAutograd(t *Tensor, newShape []int) (*Tensor, error) {
	resolved, err := resolveReshape(t.NumElems, newShape)
	if err != nil {
		return nil, err
	}

	op := &reshapeOp{newShape: resolved}
	return op.Forward(t), nil
}

// ConcatAutograd concatenates tensors along dim with gradient tracking
func ConcatAutograd(tensors []*Tensor, dim int) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("ConcatAutograd requires at least one tensor")
	}
	if dim < 0 || dim >= len(tensors[0].Shape) {
		return nil, fmt.Errorf("concat dimension %d out of range for shape %v", dim, tensors[0].Shape)
	}

	op := &concatOp{dim: dim}
	return op.Forward(tensors...), nil
}

// sumAllOp reduces a tensor to a single-element sum
type sumAllOp struct {
	inputs []*Tensor
}

func (op *sumAllOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs

	data := inputs[0].Data.([]float32)
	var sum float32
	for _, v := range data {
		sum += v
	}

	result, err := NewTensor([]int{1}, Float32, []float32{sum})
	if err != nil {
		panic(fmt.Sprintf("sum forward failed: %v", err))
	}

	if inputs[0].requiresGrad {
		result.setCreator(op)
	}
	return result
}

func (op *sumAllOp) Backward(gradOut *Tensor) []*Tensor {
	gv := gradOut.Data.([]float32)[0]

	gradData := make([]float32, op.inputs[0].NumElems)
	for i := range gradData {
		gradData[i] = gv
	}

	grad, err := NewTensor(op.inputs[0].Shape, Float32, gradData)
	if err != nil {
		panic(fmt.Sprintf("sum backward failed: %v", err))
	}
	return []*Tensor{grad}
}

func (op *sumAllOp) Inputs() []*Tensor { return op.inputs }

// SumAllAutograd sums every element into a [1] tensor with gradient tracking
func SumAllAutograd(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("SumAllAutograd requires a Float32 tensor")
	}

	op := &sumAllOp{}
	return op.Forward(t), nil
}

// Backward runs backpropagation from a scalar tensor, seeding with a
// gradient of ones.
func (t *Tensor) Backward() error {
	if t.DType != Float32 {
		return fmt.Errorf("Backward requires a Float32 tensor")
	}

	seed, err := Ones(t.Shape, Float32)
	if err != nil {
		return err
	}
	return t.BackwardWithGradient(seed)
}

// BackwardWithGradient walks the computation graph in reverse topological
// order, accumulating gradients into every tensor that requires them.
// Diamond-shaped graphs are handled by summing gradients from all paths
// before propagating further.
func (t *Tensor) BackwardWithGradient(grad *Tensor) error {
	if grad == nil {
		return fmt.Errorf("nil gradient")
	}
	if !shapesEqual(grad.Shape, t.Shape) {
		return fmt.Errorf("gradient shape %v does not match tensor shape %v", grad.Shape, t.Shape)
	}

	// Topological order over the creator graph.
	var order []*Tensor
	visited := make(map[*Tensor]bool)

	var visit func(node *Tensor)
	visit = func(node *Tensor) {
		if visited[node] {
			return
		}
		visited[node] = true
		if node.creator != nil {
			for _, in := range node.creator.Inputs() {
				visit(in)
			}
		}
		order = append(order, node)
	}
	visit(t)

	pending := map[*Tensor]*Tensor{t: grad}

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		g := pending[node]
		if g == nil {
			continue
		}

		if node.requiresGrad {
			if node.grad == nil {
				node.grad = g
			} else {
				accumulated, err := Add(node.grad, g)
				if err != nil {
					return fmt.Errorf("gradient accumulation failed: %w", err)
				}
				node.grad = accumulated
			}
		}

		if node.creator == nil {
			continue
		}

		inputGrads := node.creator.Backward(g)
		inputs := node.creator.Inputs()
		if len(inputGrads) != len(inputs) {
			return fmt.Errorf("operation returned %d gradients for %d inputs", len(inputGrads), len(inputs))
		}

		for j, in := range inputs {
			ig := inputGrads[j]
			if ig == nil {
				continue
			}
			if existing := pending[in]; existing != nil {
				summed, err := Add(existing, ig)
				if err != nil {
					return fmt.Errorf("gradient accumulation failed: %w", err)
				}
				pending[in] = summed
			} else {
				pending[in] = ig
			}
		}
	}

	return nil
}

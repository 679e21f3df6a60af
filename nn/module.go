package nn

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/accessatlas/accessatlas/tensor"
)

// Global random source for deterministic initialization
var globalRng *rand.Rand = rand.New(rand.NewSource(1))

// SetRandomSeed sets the global random seed for deterministic weight
// initialization and dropout masks
func SetRandomSeed(seed int64) {
	globalRng = rand.New(rand.NewSource(seed))
}

// Module interface defines methods that all neural network layers must implement
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor // Returns trainable parameters (tensors with requiresGrad=true)
	Train()                       // Sets module to training mode
	Eval()                        // Sets module to evaluation mode
	IsTraining() bool             // Returns true if in training mode
}

// Linear implements a fully connected (dense) layer: y = xW + b
type Linear struct {
	weight   *tensor.Tensor
	bias     *tensor.Tensor
	training bool
}

// NewLinear creates a new Linear layer
func NewLinear(inputSize, outputSize int, bias bool) (*Linear, error) {
	// Initialize weights using Xavier/Glorot uniform initialization
	// W ~ U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out)))
	bound := math.Sqrt(6.0 / float64(inputSize+outputSize))

	weightData := make([]float32, inputSize*outputSize)
	for i := range weightData {
		weightData[i] = float32((globalRng.Float64()*2.0 - 1.0) * bound)
	}

	// Weight shape [inputSize, outputSize] so forward is input @ weight
	weight, err := tensor.NewTensor([]int{inputSize, outputSize}, tensor.Float32, weightData)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	weight.SetRequiresGrad(true)

	linear := &Linear{
		weight:   weight,
		training: true,
	}

	if bias {
		// Initialize bias to zeros
		biasT, err := tensor.Zeros([]int{outputSize}, tensor.Float32)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %v", err)
		}
		biasT.SetRequiresGrad(true)
		linear.bias = biasT
	}

	return linear, nil
}

// Forward performs the forward pass: y = xW + b
func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 {
		return nil, fmt.Errorf("Linear layer expects 2D input [batch_size, input_size], got shape %v", input.Shape)
	}

	inputSize := input.Shape[1]

	if inputSize != l.weight.Shape[0] {
		return nil, fmt.Errorf("input size mismatch: expected %d, got %d", l.weight.Shape[0], inputSize)
	}

	output, err := tensor.MatMulAutograd(input, l.weight)
	if err != nil {
		return nil, fmt.Errorf("matmul failed: %v", err)
	}

	// Add bias if present; AddAutograd broadcasts [outputSize] over the batch
	if l.bias != nil {
		output, err = tensor.AddAutograd(output, l.bias)
		if err != nil {
			return nil, fmt.Errorf("bias addition failed: %v", err)
		}
	}

	return output, nil
}

// Parameters returns the trainable parameters
func (l *Linear) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{l.weight}
	if l.bias != nil {
		params = append(params, l.bias)
	}
	return params
}

// Weight returns the weight tensor [inputSize, outputSize]
func (l *Linear) Weight() *tensor.Tensor {
	return l.weight
}

// Bias returns the bias tensor, or nil when the layer has none
func (l *Linear) Bias() *tensor.Tensor {
	return l.bias
}

// Train sets the module to training mode
func (l *Linear) Train() {
	l.training = true
}

// Eval sets the module to evaluation mode
func (l *Linear) Eval() {
	l.training = false
}

// IsTraining returns true if in training mode
func (l *Linear) IsTraining() bool {
	return l.training
}

// ReLU implements ReLU activation function module
type ReLU struct {
	training bool
}

// NewReLU creates a new ReLU activation module
func NewReLU() *ReLU {
	return &ReLU{training: true}
}

// Forward performs ReLU activation
func (r *ReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ReLUAutograd(input)
}

// Parameters returns empty slice (ReLU has no parameters)
func (r *ReLU) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{}
}

// Train sets the module to training mode
func (r *ReLU) Train() {
	r.training = true
}

// Eval sets the module to evaluation mode
func (r *ReLU) Eval() {
	r.training = false
}

// IsTraining returns true if in training mode
func (r *ReLU) IsTraining() bool {
	return r.training
}

// Conv2D implements a 2D convolution layer
type Conv2D struct {
	weight   *tensor.Tensor
	bias     *tensor.Tensor
	stride   int
	padding  int
	training bool
}

// NewConv2D creates a new Conv2D layer
func NewConv2D(inputChannels, outputChannels, kernelSize, stride, padding int, bias bool) (*Conv2D, error) {
	// Xavier/Glorot initialization for conv layers:
	// fan_in = input_channels * kernel_size^2, fan_out = output_channels * kernel_size^2
	fanIn := float64(inputChannels * kernelSize * kernelSize)
	fanOut := float64(outputChannels * kernelSize * kernelSize)
	bound := math.Sqrt(6.0 / (fanIn + fanOut))

	weightData := make([]float32, outputChannels*inputChannels*kernelSize*kernelSize)
	for i := range weightData {
		weightData[i] = float32((globalRng.Float64()*2.0 - 1.0) * bound)
	}

	// Weight shape: [output_channels, input_channels, kernel_height, kernel_width]
	weight, err := tensor.NewTensor([]int{outputChannels, inputChannels, kernelSize, kernelSize}, tensor.Float32, weightData)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	weight.SetRequiresGrad(true)

	conv := &Conv2D{
		weight:   weight,
		stride:   stride,
		padding:  padding,
		training: true,
	}

	if bias {
		biasT, err := tensor.Zeros([]int{outputChannels}, tensor.Float32)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %v", err)
		}
		biasT.SetRequiresGrad(true)
		conv.bias = biasT
	}

	return conv, nil
}

// Forward performs 2D convolution
func (c *Conv2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("Conv2D expects 4D input [batch_size, channels, height, width], got shape %v", input.Shape)
	}

	return tensor.Conv2DAutograd(input, c.weight, c.bias, c.stride, c.padding)
}

// Parameters returns the trainable parameters
func (c *Conv2D) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{c.weight}
	if c.bias != nil {
		params = append(params, c.bias)
	}
	return params
}

// Weight returns the weight tensor [outCh, inCh, k, k]
func (c *Conv2D) Weight() *tensor.Tensor {
	return c.weight
}

// Bias returns the bias tensor, or nil when the layer has none
func (c *Conv2D) Bias() *tensor.Tensor {
	return c.bias
}

// Stride returns the convolution stride
func (c *Conv2D) Stride() int {
	return c.stride
}

// Padding returns the convolution padding
func (c *Conv2D) Padding() int {
	return c.padding
}

// Train sets the module to training mode
func (c *Conv2D) Train() {
	c.training = true
}

// Eval sets the module to evaluation mode
func (c *Conv2D) Eval() {
	c.training = false
}

// IsTraining returns true if in training mode
func (c *Conv2D) IsTraining() bool {
	return c.training
}

// BatchNorm implements batch normalization for 2D [batch, features] and
// 4D [batch, channels, height, width] inputs. Training mode normalizes
// with batch statistics and updates the running estimates; eval mode
// normalizes with the running estimates.
type BatchNorm struct {
	numFeatures int
	eps         float64
	momentum    float64
	gamma       *tensor.Tensor // Scale parameter
	beta        *tensor.Tensor // Shift parameter
	runningMean *tensor.Tensor // Running mean for inference
	runningVar  *tensor.Tensor // Running variance for inference
	training    bool
}

// NewBatchNorm creates a new batch normalization layer
func NewBatchNorm(numFeatures int, eps, momentum float64) (*BatchNorm, error) {
	if eps <= 0 {
		eps = 1e-5
	}
	if momentum <= 0 {
		momentum = 0.1
	}

	gamma, err := tensor.Ones([]int{numFeatures}, tensor.Float32)
	if err != nil {
		return nil, fmt.Errorf("failed to create gamma tensor: %v", err)
	}
	gamma.SetRequiresGrad(true)

	beta, err := tensor.Zeros([]int{numFeatures}, tensor.Float32)
	if err != nil {
		return nil, fmt.Errorf("failed to create beta tensor: %v", err)
	}
	beta.SetRequiresGrad(true)

	runningMean, err := tensor.Zeros([]int{numFeatures}, tensor.Float32)
	if err != nil {
		return nil, fmt.Errorf("failed to create running mean tensor: %v", err)
	}

	// Variance starts at 1 so an untrained layer is the identity
	runningVar, err := tensor.Ones([]int{numFeatures}, tensor.Float32)
	if err != nil {
		return nil, fmt.Errorf("failed to create running variance tensor: %v", err)
	}

	return &BatchNorm{
		numFeatures: numFeatures,
		eps:         eps,
		momentum:    momentum,
		gamma:       gamma,
		beta:        beta,
		runningMean: runningMean,
		runningVar:  runningVar,
		training:    true,
	}, nil
}

// Forward performs batch normalization
func (bn *BatchNorm) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if input.DType != tensor.Float32 {
		return nil, fmt.Errorf("BatchNorm only supports Float32 tensors")
	}

	switch len(input.Shape) {
	case 2:
		if input.Shape[1] != bn.numFeatures {
			return nil, fmt.Errorf("input features mismatch: expected %d, got %d", bn.numFeatures, input.Shape[1])
		}
	case 4:
		if input.Shape[1] != bn.numFeatures {
			return nil, fmt.Errorf("input channels mismatch: expected %d, got %d", bn.numFeatures, input.Shape[1])
		}
	default:
		return nil, fmt.Errorf("BatchNorm supports 2D or 4D input, got shape %v", input.Shape)
	}

	return bn.normalize(input)
}

// normalize computes per-feature statistics, normalizes, and applies the
// affine transform through autograd so gradients reach gamma and beta.
// The statistics themselves are treated as constants.
func (bn *BatchNorm) normalize(input *tensor.Tensor) (*tensor.Tensor, error) {
	inputData := input.Data.([]float32)
	features := bn.numFeatures

	// For 2D input each feature column is one group; for 4D input each
	// channel plane across the batch is one group.
	plane := 1
	if len(input.Shape) == 4 {
		plane = input.Shape[2] * input.Shape[3]
	}
	batchSize := input.Shape[0]
	groupSize := batchSize * plane

	var meanData, varData []float32

	if bn.training {
		meanData = make([]float32, features)
		varData = make([]float32, features)

		for f := 0; f < features; f++ {
			var sum float32
			for b := 0; b < batchSize; b++ {
				base := (b*features + f) * plane
				for i := 0; i < plane; i++ {
					sum += inputData[base+i]
				}
			}
			meanData[f] = sum / float32(groupSize)
		}

		for f := 0; f < features; f++ {
			var sumSq float32
			for b := 0; b < batchSize; b++ {
				base := (b*features + f) * plane
				for i := 0; i < plane; i++ {
					diff := inputData[base+i] - meanData[f]
					sumSq += diff * diff
				}
			}
			varData[f] = sumSq / float32(groupSize)
		}

		// Update running statistics
		momentum := float32(bn.momentum)
		runningMeanData := bn.runningMean.Data.([]float32)
		runningVarData := bn.runningVar.Data.([]float32)
		for f := 0; f < features; f++ {
			runningMeanData[f] = (1.0-momentum)*runningMeanData[f] + momentum*meanData[f]
			runningVarData[f] = (1.0-momentum)*runningVarData[f] + momentum*varData[f]
		}
	} else {
		meanData = bn.runningMean.Data.([]float32)
		varData = bn.runningVar.Data.([]float32)
	}

	// Normalize: (x - mean) / sqrt(var + eps)
	normalizedData := make([]float32, len(inputData))
	invStd := make([]float32, features)
	for f := 0; f < features; f++ {
		invStd[f] = float32(1.0 / math.Sqrt(float64(varData[f])+bn.eps))
	}
	for b := 0; b < batchSize; b++ {
		for f := 0; f < features; f++ {
			base := (b*features + f) * plane
			for i := 0; i < plane; i++ {
				normalizedData[base+i] = (inputData[base+i] - meanData[f]) * invStd[f]
			}
		}
	}

	normalized, err := tensor.NewTensor(input.Shape, input.DType, normalizedData)
	if err != nil {
		return nil, fmt.Errorf("failed to create normalized tensor: %v", err)
	}

	// 4D inputs need gamma/beta shaped [1, C, 1, 1] to broadcast per channel
	gamma, beta := bn.gamma, bn.beta
	if len(input.Shape) == 4 {
		gamma, err = tensor.ReshapeAutograd(bn.gamma, []int{1, features, 1, 1})
		if err != nil {
			return nil, fmt.Errorf("gamma reshape failed: %v", err)
		}
		beta, err = tensor.ReshapeAutograd(bn.beta, []int{1, features, 1, 1})
		if err != nil {
			return nil, fmt.Errorf("beta reshape failed: %v", err)
		}
	}

	// gamma * normalized + beta
	scaled, err := tensor.MulAutograd(gamma, normalized)
	if err != nil {
		return nil, fmt.Errorf("scaling failed: %v", err)
	}

	output, err := tensor.AddAutograd(scaled, beta)
	if err != nil {
		return nil, fmt.Errorf("shift failed: %v", err)
	}

	return output, nil
}

// Parameters returns the trainable parameters
func (bn *BatchNorm) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{bn.gamma, bn.beta}
}

// RunningStats returns the running mean and variance buffers
func (bn *BatchNorm) RunningStats() (*tensor.Tensor, *tensor.Tensor) {
	return bn.runningMean, bn.runningVar
}

// Train sets the module to training mode
func (bn *BatchNorm) Train() {
	bn.training = true
}

// Eval sets the module to evaluation mode
func (bn *BatchNorm) Eval() {
	bn.training = false
}

// IsTraining returns true if in training mode
func (bn *BatchNorm) IsTraining() bool {
	return bn.training
}

// MaxPool2D implements a 2D max pooling layer
type MaxPool2D struct {
	kernelSize int
	stride     int
	padding    int
	training   bool
}

// NewMaxPool2D creates a new MaxPool2D layer
func NewMaxPool2D(kernelSize, stride, padding int) *MaxPool2D {
	return &MaxPool2D{
		kernelSize: kernelSize,
		stride:     stride,
		padding:    padding,
		training:   true,
	}
}

// Forward performs 2D max pooling
func (m *MaxPool2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("MaxPool2D expects 4D input [batch_size, channels, height, width], got shape %v", input.Shape)
	}

	return tensor.MaxPool2DAutograd(input, m.kernelSize, m.stride, m.padding)
}

// Parameters returns empty slice (MaxPool2D has no parameters)
func (m *MaxPool2D) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{}
}

// Train sets the module to training mode
func (m *MaxPool2D) Train() {
	m.training = true
}

// Eval sets the module to evaluation mode
func (m *MaxPool2D) Eval() {
	m.training = false
}

// IsTraining returns true if in training mode
func (m *MaxPool2D) IsTraining() bool {
	return m.training
}

// GlobalAvgPool2D collapses spatial dimensions by averaging, turning
// [batch, channels, height, width] into [batch, channels]
type GlobalAvgPool2D struct {
	training bool
}

// NewGlobalAvgPool2D creates a new global average pooling layer
func NewGlobalAvgPool2D() *GlobalAvgPool2D {
	return &GlobalAvgPool2D{training: true}
}

// Forward performs global average pooling
func (g *GlobalAvgPool2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("GlobalAvgPool2D expects 4D input [batch_size, channels, height, width], got shape %v", input.Shape)
	}

	return tensor.GlobalAvgPool2DAutograd(input)
}

// Parameters returns empty slice (GlobalAvgPool2D has no parameters)
func (g *GlobalAvgPool2D) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{}
}

// Train sets the module to training mode
func (g *GlobalAvgPool2D) Train() {
	g.training = true
}

// Eval sets the module to evaluation mode
func (g *GlobalAvgPool2D) Eval() {
	g.training = false
}

// IsTraining returns true if in training mode
func (g *GlobalAvgPool2D) IsTraining() bool {
	return g.training
}

// Flatten reshapes input tensor to [batch_size, -1]
type Flatten struct {
	training bool
}

// NewFlatten creates a new Flatten layer
func NewFlatten() *Flatten {
	return &Flatten{training: true}
}

// Forward flattens the input tensor to [batch_size, -1]
func (f *Flatten) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) < 2 {
		return nil, fmt.Errorf("Flatten expects input with at least 2 dimensions, got shape %v", input.Shape)
	}

	batchSize := input.Shape[0]
	flattenedSize := input.NumElems / batchSize

	return tensor.ReshapeAutograd(input, []int{batchSize, flattenedSize})
}

// Parameters returns empty slice (Flatten has no parameters)
func (f *Flatten) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{}
}

// Train sets the module to training mode
func (f *Flatten) Train() {
	f.training = true
}

// Eval sets the module to evaluation mode
func (f *Flatten) Eval() {
	f.training = false
}

// IsTraining returns true if in training mode
func (f *Flatten) IsTraining() bool {
	return f.training
}

// Dropout randomly zeroes elements during training with probability rate,
// scaling the survivors by 1/(1-rate) so activations keep their expected
// value. Evaluation mode is the identity.
type Dropout struct {
	rate     float64
	training bool
}

// NewDropout creates a new Dropout layer
func NewDropout(rate float64) (*Dropout, error) {
	if rate < 0 || rate >= 1 {
		return nil, fmt.Errorf("dropout rate must be in [0, 1), got %f", rate)
	}
	return &Dropout{rate: rate, training: true}, nil
}

// Forward applies dropout in training mode, identity in eval mode
func (d *Dropout) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if !d.training || d.rate == 0 {
		return input, nil
	}

	keep := 1.0 - d.rate
	scale := float32(1.0 / keep)

	maskData := make([]float32, input.NumElems)
	for i := range maskData {
		if globalRng.Float64() < keep {
			maskData[i] = scale
		}
	}

	mask, err := tensor.NewTensor(input.Shape, tensor.Float32, maskData)
	if err != nil {
		return nil, fmt.Errorf("failed to create dropout mask: %v", err)
	}

	// The mask carries no gradient; multiplication routes gradients to input only
	return tensor.MulAutograd(input, mask)
}

// Parameters returns empty slice (Dropout has no parameters)
func (d *Dropout) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{}
}

// Train sets the module to training mode
func (d *Dropout) Train() {
	d.training = true
}

// Eval sets the module to evaluation mode
func (d *Dropout) Eval() {
	d.training = false
}

// IsTraining returns true if in training mode
func (d *Dropout) IsTraining() bool {
	return d.training
}

// Sequential allows chaining multiple modules together
type Sequential struct {
	modules  []Module
	training bool
}

// NewSequential creates a new Sequential container
func NewSequential(modules ...Module) *Sequential {
	return &Sequential{
		modules:  modules,
		training: true,
	}
}

// Forward passes input through all modules in sequence
func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	output := input
	var err error

	for i, module := range s.modules {
		output, err = module.Forward(output)
		if err != nil {
			return nil, fmt.Errorf("module %d forward failed: %v", i, err)
		}
	}

	return output, nil
}

// Parameters returns all trainable parameters from all modules
func (s *Sequential) Parameters() []*tensor.Tensor {
	var allParams []*tensor.Tensor
	for _, module := range s.modules {
		allParams = append(allParams, module.Parameters()...)
	}
	return allParams
}

// Modules returns the contained modules in order
func (s *Sequential) Modules() []Module {
	return s.modules
}

// Train sets all modules to training mode
func (s *Sequential) Train() {
	s.training = true
	for _, module := range s.modules {
		module.Train()
	}
}

// Eval sets all modules to evaluation mode
func (s *Sequential) Eval() {
	s.training = false
	for _, module := range s.modules {
		module.Eval()
	}
}

// IsTraining returns true if in training mode
func (s *Sequential) IsTraining() bool {
	return s.training
}

// Add appends a module to the sequential container
func (s *Sequential) Add(module Module) {
	s.modules = append(s.modules, module)
}

package layers

import (
	"fmt"

	"github.com/accessatlas/accessatlas/tensor"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	ReLU
	Softmax
	MaxPool2D
	Dropout
	BatchNorm
	LeakyReLU
	ELU
	GlobalAvgPool2D
	Flatten
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case ReLU:
		return "ReLU"
	case Softmax:
		return "Softmax"
	case MaxPool2D:
		return "MaxPool2D"
	case Dropout:
		return "Dropout"
	case BatchNorm:
		return "BatchNorm"
	case LeakyReLU:
		return "LeakyReLU"
	case ELU:
		return "ELU"
	case GlobalAvgPool2D:
		return "GlobalAvgPool2D"
	case Flatten:
		return "Flatten"
	default:
		return "Unknown"
	}
}

// LayerSpec defines layer configuration for model compilation and export.
// This is pure configuration - no execution logic
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`

	// Non-learnable parameters (e.g., BatchNorm running statistics)
	// These travel with checkpoints but are not counted as learnable parameters
	RunningStatistics map[string][]float32 `json:"running_statistics,omitempty"`
}

// ModelSpec defines a complete neural network model as layer configuration.
// It is the serializable architecture description used by checkpointing and
// ONNX export.
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// LayerFactory creates layer specifications (configuration only)
type LayerFactory struct{}

// NewFactory creates a new layer factory
func NewFactory() *LayerFactory {
	return &LayerFactory{}
}

// CreateDenseSpec creates a dense layer specification
func (lf *LayerFactory) CreateDenseSpec(inputSize, outputSize int, useBias bool, name string) LayerSpec {
	return LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"input_size":  inputSize,
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	}
}

// CreateConv2DSpec creates a Conv2D layer specification
func (lf *LayerFactory) CreateConv2DSpec(
	inputChannels, outputChannels, kernelSize, stride, padding int,
	useBias bool, name string,
) LayerSpec {
	return LayerSpec{
		Type: Conv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"input_channels":  inputChannels,
			"output_channels": outputChannels,
			"kernel_size":     kernelSize,
			"stride":          stride,
			"padding":         padding,
			"use_bias":        useBias,
		},
	}
}

// CreateReLUSpec creates a ReLU activation specification
func (lf *LayerFactory) CreateReLUSpec(name string) LayerSpec {
	return LayerSpec{
		Type:       ReLU,
		Name:       name,
		Parameters: map[string]interface{}{},
	}
}

// CreateSoftmaxSpec creates a Softmax activation specification
func (lf *LayerFactory) CreateSoftmaxSpec(axis int, name string) LayerSpec {
	return LayerSpec{
		Type: Softmax,
		Name: name,
		Parameters: map[string]interface{}{
			"axis": axis,
		},
	}
}

// CreateMaxPool2DSpec creates a MaxPool2D layer specification
func (lf *LayerFactory) CreateMaxPool2DSpec(poolSize, stride, padding int, name string) LayerSpec {
	return LayerSpec{
		Type: MaxPool2D,
		Name: name,
		Parameters: map[string]interface{}{
			"pool_size": poolSize,
			"stride":    stride,
			"padding":   padding,
		},
	}
}

// CreateGlobalAvgPool2DSpec creates a global average pooling specification
func (lf *LayerFactory) CreateGlobalAvgPool2DSpec(name string) LayerSpec {
	return LayerSpec{
		Type:       GlobalAvgPool2D,
		Name:       name,
		Parameters: map[string]interface{}{},
	}
}

// CreateFlattenSpec creates a Flatten layer specification
func (lf *LayerFactory) CreateFlattenSpec(name string) LayerSpec {
	return LayerSpec{
		Type:       Flatten,
		Name:       name,
		Parameters: map[string]interface{}{},
	}
}

// CreateDropoutSpec creates a Dropout layer specification
func (lf *LayerFactory) CreateDropoutSpec(rate float32, name string) LayerSpec {
	return LayerSpec{
		Type: Dropout,
		Name: name,
		Parameters: map[string]interface{}{
			"rate": rate,
		},
	}
}

// CreateBatchNormSpec creates a Batch Normalization layer specification
func (lf *LayerFactory) CreateBatchNormSpec(numFeatures int, eps float32, momentum float32, affine bool, name string) LayerSpec {
	return LayerSpec{
		Type: BatchNorm,
		Name: name,
		Parameters: map[string]interface{}{
			"num_features": numFeatures,
			"eps":          eps,
			"momentum":     momentum,
			"affine":       affine,
		},
	}
}

// ModelBuilder helps construct neural network models
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
	compiled   bool
}

// NewModelBuilder creates a new model builder
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: inputShape,
		compiled:   false,
	}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, layer)
	mb.compiled = false // Invalidate compilation
	return mb
}

// AddDense adds a dense layer to the model
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	// Input size will be computed during compilation
	layer := LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	}
	return mb.AddLayer(layer)
}

// AddConv2D adds a Conv2D layer to the model
func (mb *ModelBuilder) AddConv2D(
	outputChannels, kernelSize, stride, padding int,
	useBias bool, name string,
) *ModelBuilder {
	layer := LayerSpec{
		Type: Conv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"output_channels": outputChannels,
			"kernel_size":     kernelSize,
			"stride":          stride,
			"padding":         padding,
			"use_bias":        useBias,
		},
	}
	return mb.AddLayer(layer)
}

// AddReLU adds a ReLU activation to the model
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	layer := LayerSpec{
		Type:       ReLU,
		Name:       name,
		Parameters: map[string]interface{}{},
	}
	return mb.AddLayer(layer)
}

// AddSoftmax adds a Softmax activation to the model
func (mb *ModelBuilder) AddSoftmax(axis int, name string) *ModelBuilder {
	layer := LayerSpec{
		Type: Softmax,
		Name: name,
		Parameters: map[string]interface{}{
			"axis": axis,
		},
	}
	return mb.AddLayer(layer)
}

// AddMaxPool2D adds a MaxPool2D layer to the model.
// stride defaults to poolSize when zero.
func (mb *ModelBuilder) AddMaxPool2D(poolSize, stride, padding int, name string) *ModelBuilder {
	if stride == 0 {
		stride = poolSize
	}
	layer := LayerSpec{
		Type: MaxPool2D,
		Name: name,
		Parameters: map[string]interface{}{
			"pool_size": poolSize,
			"stride":    stride,
			"padding":   padding,
		},
	}
	return mb.AddLayer(layer)
}

// AddGlobalAvgPool2D adds a global average pooling layer, collapsing the
// spatial dimensions to [batch, channels]
func (mb *ModelBuilder) AddGlobalAvgPool2D(name string) *ModelBuilder {
	layer := LayerSpec{
		Type:       GlobalAvgPool2D,
		Name:       name,
		Parameters: map[string]interface{}{},
	}
	return mb.AddLayer(layer)
}

// AddFlatten adds a layer that flattens all non-batch dimensions
func (mb *ModelBuilder) AddFlatten(name string) *ModelBuilder {
	layer := LayerSpec{
		Type:       Flatten,
		Name:       name,
		Parameters: map[string]interface{}{},
	}
	return mb.AddLayer(layer)
}

// AddDropout adds a Dropout layer to the model
// rate: dropout probability (0.0 = no dropout, 1.0 = drop all)
func (mb *ModelBuilder) AddDropout(rate float32, name string) *ModelBuilder {
	layer := LayerSpec{
		Type: Dropout,
		Name: name,
		Parameters: map[string]interface{}{
			"rate": rate,
		},
	}
	return mb.AddLayer(layer)
}

// AddBatchNorm adds a Batch Normalization layer to the model
// num_features: number of input features (channels for Conv layers, neurons for Dense layers)
// eps: small value added for numerical stability (default: 1e-5)
// momentum: momentum for running statistics update (default: 0.1)
// affine: whether to use learnable scale and shift parameters (default: true)
func (mb *ModelBuilder) AddBatchNorm(numFeatures int, eps float32, momentum float32, affine bool, name string) *ModelBuilder {
	layer := LayerSpec{
		Type: BatchNorm,
		Name: name,
		Parameters: map[string]interface{}{
			"num_features": numFeatures,
			"eps":          eps,
			"momentum":     momentum,
			"affine":       affine,
		},
	}
	return mb.AddLayer(layer)
}

// AddLeakyReLU adds a Leaky ReLU activation to the model
// negativeSlope: slope for negative input values (default: 0.01)
func (mb *ModelBuilder) AddLeakyReLU(negativeSlope float32, name string) *ModelBuilder {
	layer := LayerSpec{
		Type: LeakyReLU,
		Name: name,
		Parameters: map[string]interface{}{
			"negative_slope": negativeSlope,
		},
	}
	return mb.AddLayer(layer)
}

// AddELU adds an ELU activation to the model
// alpha: controls saturation level for negative inputs (default: 1.0)
func (mb *ModelBuilder) AddELU(alpha float32, name string) *ModelBuilder {
	layer := LayerSpec{
		Type: ELU,
		Name: name,
		Parameters: map[string]interface{}{
			"alpha": alpha,
		},
	}
	return mb.AddLayer(layer)
}

// Compile compiles the model and computes shapes and parameter counts
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}

	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: mb.inputShape,
		Compiled:   false,
	}

	copy(model.Layers, mb.layers)

	// Compute shapes and parameter information
	currentShape := mb.inputShape
	var allParameterShapes [][]int
	totalParams := int64(0)

	for i := range model.Layers {
		layer := &model.Layers[i]

		// Set input shape for this layer
		layer.InputShape = make([]int, len(currentShape))
		copy(layer.InputShape, currentShape)

		// Compute output shape and parameters based on layer type
		outputShape, paramShapes, paramCount, err := mb.computeLayerInfo(layer, currentShape)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %v", i, layer.Name, err)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount

		// Add to global parameter information
		allParameterShapes = append(allParameterShapes, paramShapes...)
		totalParams += paramCount

		// Update current shape for next layer
		currentShape = outputShape
	}

	model.OutputShape = currentShape
	model.ParameterShapes = allParameterShapes
	model.TotalParameters = totalParams
	model.Compiled = true
	mb.compiled = true

	return model, nil
}

// computeLayerInfo computes output shape and parameter information for a layer
func (mb *ModelBuilder) computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	switch layer.Type {
	case Dense:
		return mb.computeDenseInfo(layer, inputShape)
	case Conv2D:
		return mb.computeConv2DInfo(layer, inputShape)
	case BatchNorm:
		return mb.computeBatchNormInfo(layer, inputShape)
	case MaxPool2D:
		return mb.computeMaxPool2DInfo(layer, inputShape)
	case GlobalAvgPool2D:
		return mb.computeGlobalAvgPool2DInfo(layer, inputShape)
	case Flatten:
		return mb.computeFlattenInfo(layer, inputShape)
	case ReLU, Softmax, Dropout, LeakyReLU, ELU:
		return mb.computeActivationInfo(layer, inputShape)
	default:
		return nil, nil, 0, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

// computeDenseInfo computes dense layer information
func (mb *ModelBuilder) computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) < 2 {
		return nil, nil, 0, fmt.Errorf("dense layer requires at least 2D input")
	}

	outputSize := GetIntParam(layer.Parameters, "output_size", 0)
	if outputSize <= 0 {
		return nil, nil, 0, fmt.Errorf("missing output_size parameter")
	}

	useBias := GetBoolParam(layer.Parameters, "use_bias", true)

	// Compute input size by flattening all dimensions except batch
	// For 2D input [batch, features]: input_size = features
	// For 4D input [batch, channels, height, width]: input_size = channels * height * width
	inputSize := 1
	for i := 1; i < len(inputShape); i++ {
		inputSize *= inputShape[i]
	}

	// Update layer parameters with computed input size
	layer.Parameters["input_size"] = inputSize

	// Dense layer always outputs 2D [batch, outputSize] regardless of input
	// dimensionality (handles automatic flattening)
	batchSize := inputShape[0]
	outputShape := []int{batchSize, outputSize}

	// Parameter shapes: weights + optional bias
	var paramShapes [][]int
	paramCount := int64(0)

	// Weight matrix: [inputSize, outputSize]
	weightShape := []int{inputSize, outputSize}
	paramShapes = append(paramShapes, weightShape)
	paramCount += int64(inputSize * outputSize)

	// Bias vector: [outputSize] (if enabled)
	if useBias {
		biasShape := []int{outputSize}
		paramShapes = append(paramShapes, biasShape)
		paramCount += int64(outputSize)
	}

	return outputShape, paramShapes, paramCount, nil
}

// computeConv2DInfo computes Conv2D layer information
func (mb *ModelBuilder) computeConv2DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, fmt.Errorf("Conv2D layer requires 4D input [batch, channels, height, width]")
	}

	outputChannels := GetIntParam(layer.Parameters, "output_channels", 0)
	if outputChannels <= 0 {
		return nil, nil, 0, fmt.Errorf("missing output_channels parameter")
	}

	kernelSize := GetIntParam(layer.Parameters, "kernel_size", 0)
	if kernelSize <= 0 {
		return nil, nil, 0, fmt.Errorf("missing kernel_size parameter")
	}

	stride := GetIntParam(layer.Parameters, "stride", 1)
	padding := GetIntParam(layer.Parameters, "padding", 0)
	useBias := GetBoolParam(layer.Parameters, "use_bias", true)

	// Extract input dimensions
	batchSize := inputShape[0]
	inputChannels := inputShape[1]
	inputHeight := inputShape[2]
	inputWidth := inputShape[3]

	// Update layer parameters with computed input channels
	layer.Parameters["input_channels"] = inputChannels

	// Compute output dimensions
	outputHeight := (inputHeight+2*padding-kernelSize)/stride + 1
	outputWidth := (inputWidth+2*padding-kernelSize)/stride + 1
	if outputHeight <= 0 || outputWidth <= 0 {
		return nil, nil, 0, fmt.Errorf("kernel %d with stride %d and padding %d does not fit input %dx%d",
			kernelSize, stride, padding, inputHeight, inputWidth)
	}

	outputShape := []int{batchSize, outputChannels, outputHeight, outputWidth}

	// Parameter shapes: weights + optional bias
	var paramShapes [][]int
	paramCount := int64(0)

	// Weight tensor: [outputChannels, inputChannels, kernelSize, kernelSize]
	weightShape := []int{outputChannels, inputChannels, kernelSize, kernelSize}
	paramShapes = append(paramShapes, weightShape)
	paramCount += int64(outputChannels * inputChannels * kernelSize * kernelSize)

	// Bias vector: [outputChannels] (if enabled)
	if useBias {
		biasShape := []int{outputChannels}
		paramShapes = append(paramShapes, biasShape)
		paramCount += int64(outputChannels)
	}

	return outputShape, paramShapes, paramCount, nil
}

// computeBatchNormInfo computes batch normalization layer information
func (mb *ModelBuilder) computeBatchNormInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) < 2 {
		return nil, nil, 0, fmt.Errorf("batch norm layer requires at least 2D input")
	}

	numFeatures := GetIntParam(layer.Parameters, "num_features", 0)
	if numFeatures <= 0 {
		return nil, nil, 0, fmt.Errorf("missing num_features parameter")
	}

	affine := GetBoolParam(layer.Parameters, "affine", true)

	// BatchNorm doesn't change the input shape - it normalizes along the feature dimension
	outputShape := make([]int, len(inputShape))
	copy(outputShape, inputShape)

	// Validate num_features matches the feature dimension:
	// index 1 for both 2D [batch, features] and 4D [batch, channels, h, w]
	expectedFeatures := inputShape[1]
	if numFeatures != expectedFeatures {
		return nil, nil, 0, fmt.Errorf("num_features (%d) doesn't match input feature dimension (%d)", numFeatures, expectedFeatures)
	}

	var paramShapes [][]int
	var paramCount int64

	if affine {
		// Learnable scale (gamma) and shift (beta), both [num_features]
		paramShapes = append(paramShapes, []int{numFeatures})
		paramShapes = append(paramShapes, []int{numFeatures})
		paramCount = int64(numFeatures * 2)
	}

	// running_mean and running_var are buffers, not trainable parameters

	return outputShape, paramShapes, paramCount, nil
}

// computeMaxPool2DInfo computes max pooling layer information
func (mb *ModelBuilder) computeMaxPool2DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, fmt.Errorf("MaxPool2D layer requires 4D input [batch, channels, height, width]")
	}

	poolSize := GetIntParam(layer.Parameters, "pool_size", 0)
	if poolSize <= 0 {
		return nil, nil, 0, fmt.Errorf("missing pool_size parameter")
	}

	stride := GetIntParam(layer.Parameters, "stride", poolSize)
	padding := GetIntParam(layer.Parameters, "padding", 0)

	batchSize := inputShape[0]
	channels := inputShape[1]
	inputHeight := inputShape[2]
	inputWidth := inputShape[3]

	outputHeight := (inputHeight+2*padding-poolSize)/stride + 1
	outputWidth := (inputWidth+2*padding-poolSize)/stride + 1
	if outputHeight <= 0 || outputWidth <= 0 {
		return nil, nil, 0, fmt.Errorf("pool %d with stride %d and padding %d does not fit input %dx%d",
			poolSize, stride, padding, inputHeight, inputWidth)
	}

	outputShape := []int{batchSize, channels, outputHeight, outputWidth}

	// Pooling has no parameters
	return outputShape, [][]int{}, 0, nil
}

// computeGlobalAvgPool2DInfo computes global average pooling layer information
func (mb *ModelBuilder) computeGlobalAvgPool2DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, fmt.Errorf("GlobalAvgPool2D layer requires 4D input [batch, channels, height, width]")
	}

	outputShape := []int{inputShape[0], inputShape[1]}
	return outputShape, [][]int{}, 0, nil
}

// computeFlattenInfo computes flatten layer information
func (mb *ModelBuilder) computeFlattenInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) < 2 {
		return nil, nil, 0, fmt.Errorf("flatten layer requires at least 2D input")
	}

	flatSize := 1
	for i := 1; i < len(inputShape); i++ {
		flatSize *= inputShape[i]
	}

	outputShape := []int{inputShape[0], flatSize}
	return outputShape, [][]int{}, 0, nil
}

// computeActivationInfo computes activation layer information (no parameters)
func (mb *ModelBuilder) computeActivationInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	// Activation layers don't change shape and have no parameters
	outputShape := make([]int, len(inputShape))
	copy(outputShape, inputShape)

	return outputShape, [][]int{}, 0, nil
}

// GetCompiledModel returns the compiled model (must call Compile first)
func (mb *ModelBuilder) GetCompiledModel() (*ModelSpec, error) {
	if !mb.compiled {
		return nil, fmt.Errorf("model not compiled - call Compile() first")
	}

	return mb.Compile() // Re-compile to get fresh copy
}

// CreateParameterTensors allocates zeroed tensors for all model parameters,
// in layer order. Checkpoint loading fills them from saved weights.
func (ms *ModelSpec) CreateParameterTensors() ([]*tensor.Tensor, error) {
	if !ms.Compiled {
		return nil, fmt.Errorf("model not compiled")
	}

	var tensors []*tensor.Tensor

	for _, shape := range ms.ParameterShapes {
		t, err := tensor.Zeros(shape, tensor.Float32)
		if err != nil {
			return nil, fmt.Errorf("failed to create parameter tensor: %v", err)
		}
		tensors = append(tensors, t)
	}

	return tensors, nil
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	summary := fmt.Sprintf("Model Summary:\n")
	summary += fmt.Sprintf("Input Shape: %v\n", ms.InputShape)
	summary += fmt.Sprintf("Output Shape: %v\n", ms.OutputShape)
	summary += fmt.Sprintf("Total Parameters: %d\n", ms.TotalParameters)
	summary += fmt.Sprintf("Layers: %d\n\n", len(ms.Layers))

	for i, layer := range ms.Layers {
		summary += fmt.Sprintf("Layer %d: %s (%s)\n", i+1, layer.Name, layer.Type.String())
		summary += fmt.Sprintf("  Input:  %v\n", layer.InputShape)
		summary += fmt.Sprintf("  Output: %v\n", layer.OutputShape)
		summary += fmt.Sprintf("  Params: %d\n", layer.ParameterCount)

		if len(layer.Parameters) > 0 {
			summary += fmt.Sprintf("  Config: %v\n", layer.Parameters)
		}
		summary += "\n"
	}

	return summary
}

// ValidateForTraining checks that a compiled model can be trained: every
// layer carries the parameters its type requires and at least one layer
// is trainable.
func (ms *ModelSpec) ValidateForTraining() error {
	if !ms.Compiled {
		return fmt.Errorf("model not compiled")
	}

	if len(ms.Layers) == 0 {
		return fmt.Errorf("empty model")
	}

	if len(ms.InputShape) == 0 {
		return fmt.Errorf("model must specify input shape")
	}

	for i, layer := range ms.Layers {
		if err := validateLayerParameters(layer); err != nil {
			return fmt.Errorf("layer %d (%s): %v", i, layer.Name, err)
		}
	}

	hasTrainableLayer := false
	for _, layer := range ms.Layers {
		if layer.Type == Dense || layer.Type == Conv2D {
			hasTrainableLayer = true
			break
		}
	}

	if !hasTrainableLayer {
		return fmt.Errorf("model requires at least one trainable layer (Dense or Conv2D)")
	}

	return nil
}

// ValidateForInference checks that a compiled model can produce predictions.
// More lenient than training validation - supports Dense-only models.
func (ms *ModelSpec) ValidateForInference() error {
	if !ms.Compiled {
		return fmt.Errorf("model not compiled")
	}

	if len(ms.Layers) == 0 {
		return fmt.Errorf("empty model")
	}

	if len(ms.InputShape) < 2 {
		return fmt.Errorf("inference requires at least 2D input [batch, features]")
	}

	// Must have at least one Dense layer for classification output
	hasDense := false
	for _, layer := range ms.Layers {
		if layer.Type == Dense {
			hasDense = true
			break
		}
	}

	if !hasDense {
		return fmt.Errorf("inference requires at least one Dense layer for output")
	}

	return nil
}

// validateLayerParameters checks type-specific required parameters
func validateLayerParameters(layer LayerSpec) error {
	switch layer.Type {
	case Dense:
		if _, ok := layer.Parameters["input_size"]; !ok {
			return fmt.Errorf("Dense layer missing input_size parameter")
		}
		if _, ok := layer.Parameters["output_size"]; !ok {
			return fmt.Errorf("Dense layer missing output_size parameter")
		}

	case Conv2D:
		requiredParams := []string{"kernel_size", "input_channels", "output_channels"}
		for _, param := range requiredParams {
			if _, ok := layer.Parameters[param]; !ok {
				return fmt.Errorf("Conv2D layer missing %s parameter", param)
			}
		}

	case MaxPool2D:
		if _, ok := layer.Parameters["pool_size"]; !ok {
			return fmt.Errorf("MaxPool2D layer missing pool_size parameter")
		}

	case BatchNorm:
		if _, ok := layer.Parameters["num_features"]; !ok {
			return fmt.Errorf("BatchNorm layer missing num_features parameter")
		}

	case Dropout:
		if _, ok := layer.Parameters["rate"]; !ok {
			return fmt.Errorf("Dropout layer missing rate parameter")
		}

	case ReLU, Softmax, LeakyReLU, ELU, GlobalAvgPool2D, Flatten:
		// No required parameters

	default:
		return fmt.Errorf("unsupported layer type: %v", layer.Type)
	}

	return nil
}

// GetIntParam extracts an int parameter, tolerating the float64 values
// that json.Unmarshal produces for numbers in Parameters maps.
func GetIntParam(params map[string]interface{}, key string, defaultValue int) int {
	if val, exists := params[key]; exists {
		if intVal, ok := val.(int); ok {
			return intVal
		}
		if floatVal, ok := val.(float64); ok {
			return int(floatVal)
		}
	}
	return defaultValue
}

// GetBoolParam extracts a bool parameter with a default
func GetBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, exists := params[key]; exists {
		if boolVal, ok := val.(bool); ok {
			return boolVal
		}
	}
	return defaultValue
}

// GetFloatParam extracts a float32 parameter, tolerating float64 from JSON
func GetFloatParam(params map[string]interface{}, key string, defaultValue float32) float32 {
	if val, exists := params[key]; exists {
		if floatVal, ok := val.(float32); ok {
			return floatVal
		}
		if floatVal, ok := val.(float64); ok {
			return float32(floatVal)
		}
	}
	return defaultValue
}

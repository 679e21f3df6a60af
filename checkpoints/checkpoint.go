package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/accessatlas/accessatlas/nn"
	"github.com/accessatlas/accessatlas/tensor"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatONNX
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatONNX:
		return "ONNX"
	default:
		return "Unknown"
	}
}

// Checkpoint represents a complete training state. The field names follow
// the state dict conventions other tooling expects, so checkpoints written
// here can be inspected with generic scripts.
type Checkpoint struct {
	Epoch              int                    `json:"epoch"`
	ModelStateDict     []WeightTensor         `json:"model_state_dict"`
	OptimizerStateDict *nn.OptimizerSnapshot  `json:"optimizer_state_dict,omitempty"`
	SchedulerStateDict *nn.SchedulerSnapshot  `json:"scheduler_state_dict,omitempty"`
	BestValAcc         float64                `json:"best_val_acc"`
	Config             map[string]interface{} `json:"config,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias", "gamma", "beta", "running_mean", "running_var"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// SaveCheckpoint saves a complete model checkpoint
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatONNX:
		return cs.saveONNX(checkpoint, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatONNX:
		return cs.loadONNX(path)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// saveJSON saves checkpoint in JSON format
func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	// Ensure metadata is set
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "accessatlas"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %v", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ") // Pretty print JSON

	if err := encoder.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}

	return nil
}

// loadJSON loads checkpoint from JSON format
func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	decoder := json.NewDecoder(file)

	if err := decoder.Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}

	return &checkpoint, nil
}

// saveONNX writes the model weights as a graph-free ONNX file, one
// initializer per parameter. Optimizer and scheduler state are not
// representable in ONNX and are dropped; use the JSON format to resume
// training.
func (cs *CheckpointSaver) saveONNX(checkpoint *Checkpoint, path string) error {
	builder := NewGraphBuilder("state_dict")
	for _, w := range checkpoint.ModelStateDict {
		builder.AddInitializer(FloatTensor(w.Name, w.Shape, w.Data))
	}

	model := NewModel(builder.Graph())
	model.DocString = fmt.Sprintf("weights-only checkpoint, epoch %d", checkpoint.Epoch)
	return WriteModel(model, path)
}

// loadONNX reads weights back from a weights-only ONNX file. Training
// state fields are left at their zero values.
func (cs *CheckpointSaver) loadONNX(path string) (*Checkpoint, error) {
	model, err := ReadModel(path)
	if err != nil {
		return nil, err
	}

	checkpoint := &Checkpoint{
		Metadata: CheckpointMetadata{
			Version:   model.ProducerVersion,
			Framework: model.ProducerName,
		},
	}
	for _, init := range model.Graph.Initializer {
		if init.DataType != DataTypeFloat {
			continue
		}
		shape := make([]int, len(init.Dims))
		for i, d := range init.Dims {
			shape[i] = int(d)
		}
		layer, kind := splitParameterName(init.Name)
		checkpoint.ModelStateDict = append(checkpoint.ModelStateDict, WeightTensor{
			Name:  init.Name,
			Shape: shape,
			Data:  init.FloatData,
			Layer: layer,
			Type:  kind,
		})
	}
	return checkpoint, nil
}

// ExtractWeights copies parameter tensors into serializable weight records.
// names and params are parallel slices; names use the dotted convention
// "layer.weight", "layer.bias" and so on.
func ExtractWeights(names []string, params []*tensor.Tensor) ([]WeightTensor, error) {
	if len(names) != len(params) {
		return nil, fmt.Errorf("name count mismatch: %d names, %d parameters", len(names), len(params))
	}

	weights := make([]WeightTensor, 0, len(params))
	for i, param := range params {
		if param == nil {
			return nil, fmt.Errorf("parameter %q is nil", names[i])
		}

		data, err := param.GetFloat32Data()
		if err != nil {
			return nil, fmt.Errorf("failed to extract data for %q: %v", names[i], err)
		}

		layer, kind := splitParameterName(names[i])
		weights = append(weights, WeightTensor{
			Name:  names[i],
			Shape: append([]int(nil), param.Shape...),
			Data:  append([]float32(nil), data...),
			Layer: layer,
			Type:  kind,
		})
	}

	return weights, nil
}

// LoadWeights copies saved weight data back into parameter tensors,
// matching entries by name and validating shapes.
func LoadWeights(weights []WeightTensor, names []string, params []*tensor.Tensor) error {
	if len(names) != len(params) {
		return fmt.Errorf("name count mismatch: %d names, %d parameters", len(names), len(params))
	}

	weightMap := make(map[string]WeightTensor, len(weights))
	for _, weight := range weights {
		weightMap[weight.Name] = weight
	}

	for i, name := range names {
		weight, exists := weightMap[name]
		if !exists {
			return fmt.Errorf("checkpoint has no weight named %q", name)
		}

		param := params[i]
		if len(weight.Shape) != len(param.Shape) {
			return fmt.Errorf("shape mismatch for %q: checkpoint %v vs parameter %v", name, weight.Shape, param.Shape)
		}
		for j, dim := range weight.Shape {
			if dim != param.Shape[j] {
				return fmt.Errorf("dimension mismatch for %q at index %d: checkpoint %d vs parameter %d", name, j, dim, param.Shape[j])
			}
		}

		if err := param.SetData(append([]float32(nil), weight.Data...)); err != nil {
			return fmt.Errorf("failed to load data for %q: %v", name, err)
		}
	}

	return nil
}

// splitParameterName splits "block1.conv.weight" into layer "block1.conv"
// and kind "weight". Names without a dot are their own layer.
func splitParameterName(name string) (layer, kind string) {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return name, "weight"
	}
	return name[:idx], name[idx+1:]
}

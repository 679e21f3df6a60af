package checkpoints

import (
	"fmt"
	"math"
)

// Weight quantization for exported models. Float initializers are
// rewritten as int8 tensors with a per-tensor scale, reconstructed at
// load time through DequantizeLinear nodes, so the rest of the graph is
// untouched. Symmetric quantization: zero point is always 0.

// Initializers smaller than this stay in float32. Biases and
// normalization parameters are skipped by the rank check instead.
const quantizeMinElements = 64

// QuantizationStats summarizes the effect of quantizing a model.
type QuantizationStats struct {
	TensorsQuantized int   `json:"tensors_quantized"`
	TensorsSkipped   int   `json:"tensors_skipped"`
	OriginalBytes    int64 `json:"original_bytes"`
	QuantizedBytes   int64 `json:"quantized_bytes"`
}

// CompressionRatio returns original size over quantized size for the
// rewritten initializers.
func (s *QuantizationStats) CompressionRatio() float64 {
	if s.QuantizedBytes == 0 {
		return 0
	}
	return float64(s.OriginalBytes) / float64(s.QuantizedBytes)
}

// QuantizeModel returns a copy of the model with eligible float
// initializers stored as int8. Eligible means float32 data, rank two or
// higher, and at least quantizeMinElements elements; everything else is
// carried over unchanged. The input model is not modified.
func QuantizeModel(model *ModelProto) (*ModelProto, *QuantizationStats, error) {
	if model == nil || model.Graph == nil {
		return nil, nil, fmt.Errorf("model has no graph")
	}

	stats := &QuantizationStats{}
	src := model.Graph
	graph := &GraphProto{
		Name:   src.Name,
		Input:  src.Input,
		Output: src.Output,
	}

	var dequantNodes []*NodeProto
	for _, init := range src.Initializer {
		if !quantizable(init) {
			graph.Initializer = append(graph.Initializer, init)
			stats.TensorsSkipped++
			continue
		}

		quant, scale, zeroPoint := quantizeTensor(init)
		graph.Initializer = append(graph.Initializer, quant, scale, zeroPoint)
		dequantNodes = append(dequantNodes, &NodeProto{
			Name:   init.Name + "_dequant",
			OpType: "DequantizeLinear",
			Input:  []string{quant.Name, scale.Name, zeroPoint.Name},
			Output: []string{init.Name},
		})

		n := init.NumElements()
		stats.TensorsQuantized++
		stats.OriginalBytes += n * 4
		stats.QuantizedBytes += n + 4 + 1
	}

	// Dequantize nodes consume only initializers, so prepending keeps
	// the node list topologically ordered.
	graph.Node = append(dequantNodes, src.Node...)

	quantized := &ModelProto{
		IrVersion:       model.IrVersion,
		ProducerName:    model.ProducerName,
		ProducerVersion: model.ProducerVersion,
		Domain:          model.Domain,
		ModelVersion:    model.ModelVersion,
		DocString:       model.DocString,
		Graph:           graph,
		OpsetImport:     model.OpsetImport,
	}
	return quantized, stats, nil
}

func quantizable(t *TensorProto) bool {
	if t.DataType != DataTypeFloat || len(t.FloatData) == 0 {
		return false
	}
	if len(t.Dims) < 2 {
		return false
	}
	return t.NumElements() >= quantizeMinElements
}

// quantizeTensor maps a float tensor onto [-127, 127] int8 values with
// scale = maxAbs/127.
func quantizeTensor(t *TensorProto) (quant, scale, zeroPoint *TensorProto) {
	maxAbs := float32(0)
	for _, v := range t.FloatData {
		a := float32(math.Abs(float64(v)))
		if a > maxAbs {
			maxAbs = a
		}
	}
	s := maxAbs / 127
	if s == 0 {
		s = 1
	}

	data := make([]int8, len(t.FloatData))
	for i, v := range t.FloatData {
		q := math.Round(float64(v / s))
		if q > 127 {
			q = 127
		} else if q < -127 {
			q = -127
		}
		data[i] = int8(q)
	}

	shape := make([]int, len(t.Dims))
	for i, d := range t.Dims {
		shape[i] = int(d)
	}

	quant = Int8Tensor(t.Name+"_quant", shape, data)
	scale = FloatTensor(t.Name+"_scale", []int{}, []float32{s})
	zeroPoint = Int8Tensor(t.Name+"_zero_point", []int{}, []int8{0})
	return quant, scale, zeroPoint
}

// DequantizeTensor reconstructs float values from an int8 initializer
// and its scale, used when verifying quantized models.
func DequantizeTensor(quant, scale *TensorProto) ([]float32, error) {
	if quant.DataType != DataTypeInt8 {
		return nil, fmt.Errorf("tensor %s is not int8", quant.Name)
	}
	if scale.DataType != DataTypeFloat || len(scale.FloatData) != 1 {
		return nil, fmt.Errorf("tensor %s is not a scalar float scale", scale.Name)
	}
	s := scale.FloatData[0]
	out := make([]float32, len(quant.RawData))
	for i, b := range quant.RawData {
		out[i] = float32(int8(b)) * s
	}
	return out, nil
}

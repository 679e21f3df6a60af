package checkpoints

import (
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// ONNX protobuf surface, hand-encoded with protowire. Only the subset of
// the ONNX schema this project emits and reads is modeled; field numbers
// follow onnx.proto3.

// TensorDataType enumerates the ONNX tensor element types in use here.
type TensorDataType int32

const (
	DataTypeFloat TensorDataType = 1
	DataTypeUint8 TensorDataType = 2
	DataTypeInt8  TensorDataType = 3
	DataTypeInt32 TensorDataType = 6
	DataTypeInt64 TensorDataType = 7
)

// AttributeType enumerates ONNX node attribute kinds.
type AttributeType int32

const (
	AttributeFloat   AttributeType = 1
	AttributeInt     AttributeType = 2
	AttributeString  AttributeType = 3
	AttributeTensor  AttributeType = 4
	AttributeFloats  AttributeType = 6
	AttributeInts    AttributeType = 7
	AttributeStrings AttributeType = 8
)

// ModelProto is the top-level ONNX model container.
type ModelProto struct {
	IrVersion       int64
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           *GraphProto
	OpsetImport     []OperatorSetID
}

// OperatorSetID names an operator set the model relies on.
type OperatorSetID struct {
	Domain  string
	Version int64
}

// GraphProto is the computation graph: nodes in topological order plus
// the tensors flowing in and out.
type GraphProto struct {
	Name        string
	Node        []*NodeProto
	Initializer []*TensorProto
	Input       []*ValueInfoProto
	Output      []*ValueInfoProto
}

// NodeProto is a single operator invocation.
type NodeProto struct {
	Name      string
	OpType    string
	Input     []string
	Output    []string
	Attribute []*AttributeProto
}

// AttributeProto carries one named operator attribute.
type AttributeProto struct {
	Name    string
	Type    AttributeType
	F       float32
	I       int64
	S       []byte
	T       *TensorProto
	Floats  []float32
	Ints    []int64
	Strings [][]byte
}

// TensorProto holds constant tensor data (initializers and attribute
// tensors).
type TensorProto struct {
	Name      string
	DataType  TensorDataType
	Dims      []int64
	FloatData []float32
	Int32Data []int32
	Int64Data []int64
	RawData   []byte
}

// ValueInfoProto describes a graph input or output tensor.
type ValueInfoProto struct {
	Name     string
	ElemType TensorDataType
	Dims     []Dimension
}

// Dimension is one axis of a tensor shape: either a fixed size or a
// symbolic name such as "batch_size".
type Dimension struct {
	Value int64
	Param string
}

// Dim returns a fixed-size dimension.
func Dim(value int64) Dimension {
	return Dimension{Value: value}
}

// SymbolicDim returns a named dynamic dimension.
func SymbolicDim(param string) Dimension {
	return Dimension{Param: param}
}

// NumElements returns the product of the tensor dims.
func (t *TensorProto) NumElements() int64 {
	n := int64(1)
	for _, d := range t.Dims {
		n *= d
	}
	return n
}

// Attribute constructors

// FloatAttr builds a float attribute.
func FloatAttr(name string, value float32) *AttributeProto {
	return &AttributeProto{Name: name, Type: AttributeFloat, F: value}
}

// IntAttr builds an int attribute.
func IntAttr(name string, value int64) *AttributeProto {
	return &AttributeProto{Name: name, Type: AttributeInt, I: value}
}

// IntsAttr builds a repeated int attribute.
func IntsAttr(name string, values ...int64) *AttributeProto {
	return &AttributeProto{Name: name, Type: AttributeInts, Ints: values}
}

// StringAttr builds a string attribute.
func StringAttr(name, value string) *AttributeProto {
	return &AttributeProto{Name: name, Type: AttributeString, S: []byte(value)}
}

// TensorAttr builds a tensor attribute.
func TensorAttr(name string, value *TensorProto) *AttributeProto {
	return &AttributeProto{Name: name, Type: AttributeTensor, T: value}
}

// Tensor constructors

// FloatTensor builds a float32 initializer.
func FloatTensor(name string, shape []int, data []float32) *TensorProto {
	return &TensorProto{
		Name:      name,
		DataType:  DataTypeFloat,
		Dims:      toInt64(shape),
		FloatData: data,
	}
}

// Int64Tensor builds an int64 initializer.
func Int64Tensor(name string, shape []int, data []int64) *TensorProto {
	return &TensorProto{
		Name:      name,
		DataType:  DataTypeInt64,
		Dims:      toInt64(shape),
		Int64Data: data,
	}
}

// Int8Tensor builds an int8 initializer with the values packed into raw
// bytes, the layout onnxruntime expects for quantized weights.
func Int8Tensor(name string, shape []int, data []int8) *TensorProto {
	raw := make([]byte, len(data))
	for i, v := range data {
		raw[i] = byte(v)
	}
	return &TensorProto{
		Name:     name,
		DataType: DataTypeInt8,
		Dims:     toInt64(shape),
		RawData:  raw,
	}
}

func toInt64(shape []int) []int64 {
	dims := make([]int64, len(shape))
	for i, s := range shape {
		dims[i] = int64(s)
	}
	return dims
}

// GraphBuilder assembles a GraphProto incrementally. Nodes must be added
// in topological order.
type GraphBuilder struct {
	graph *GraphProto
}

// NewGraphBuilder creates a builder for a named graph.
func NewGraphBuilder(name string) *GraphBuilder {
	return &GraphBuilder{
		graph: &GraphProto{Name: name},
	}
}

// AddInput declares a graph input tensor.
func (gb *GraphBuilder) AddInput(name string, elemType TensorDataType, dims ...Dimension) {
	gb.graph.Input = append(gb.graph.Input, &ValueInfoProto{
		Name:     name,
		ElemType: elemType,
		Dims:     dims,
	})
}

// AddOutput declares a graph output tensor.
func (gb *GraphBuilder) AddOutput(name string, elemType TensorDataType, dims ...Dimension) {
	gb.graph.Output = append(gb.graph.Output, &ValueInfoProto{
		Name:     name,
		ElemType: elemType,
		Dims:     dims,
	})
}

// AddInitializer registers a constant tensor.
func (gb *GraphBuilder) AddInitializer(t *TensorProto) {
	gb.graph.Initializer = append(gb.graph.Initializer, t)
}

// AddNode appends an operator node.
func (gb *GraphBuilder) AddNode(opType, name string, inputs, outputs []string, attrs ...*AttributeProto) {
	gb.graph.Node = append(gb.graph.Node, &NodeProto{
		Name:      name,
		OpType:    opType,
		Input:     inputs,
		Output:    outputs,
		Attribute: attrs,
	})
}

// Graph returns the assembled graph.
func (gb *GraphBuilder) Graph() *GraphProto {
	return gb.graph
}

// NewModel wraps a graph in a ModelProto with this project's producer
// metadata and opset 14.
func NewModel(graph *GraphProto) *ModelProto {
	return &ModelProto{
		IrVersion:       7,
		OpsetImport:     []OperatorSetID{{Domain: "", Version: 14}},
		ProducerName:    "accessatlas",
		ProducerVersion: "1.0.0",
		ModelVersion:    1,
		Graph:           graph,
	}
}

// WriteModel serializes a model to an .onnx file.
func WriteModel(model *ModelProto, path string) error {
	data, err := EncodeModel(model)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write ONNX file: %v", err)
	}
	return nil
}

// EncodeModel serializes a ModelProto to ONNX protobuf bytes.
func EncodeModel(model *ModelProto) ([]byte, error) {
	if model.Graph == nil {
		return nil, fmt.Errorf("model has no graph")
	}

	var b []byte
	b = appendVarintField(b, 1, uint64(model.IrVersion))
	b = appendStringField(b, 2, model.ProducerName)
	b = appendStringField(b, 3, model.ProducerVersion)
	b = appendStringField(b, 4, model.Domain)
	if model.ModelVersion != 0 {
		b = appendVarintField(b, 5, uint64(model.ModelVersion))
	}
	b = appendStringField(b, 6, model.DocString)
	b = appendMessageField(b, 7, encodeGraph(model.Graph))
	for _, opset := range model.OpsetImport {
		b = appendMessageField(b, 8, encodeOpset(opset))
	}
	return b, nil
}

func encodeOpset(opset OperatorSetID) []byte {
	var b []byte
	b = appendStringField(b, 1, opset.Domain)
	b = appendVarintField(b, 2, uint64(opset.Version))
	return b
}

func encodeGraph(g *GraphProto) []byte {
	var b []byte
	for _, node := range g.Node {
		b = appendMessageField(b, 1, encodeNode(node))
	}
	b = appendStringField(b, 2, g.Name)
	for _, init := range g.Initializer {
		b = appendMessageField(b, 5, encodeTensor(init))
	}
	for _, input := range g.Input {
		b = appendMessageField(b, 11, encodeValueInfo(input))
	}
	for _, output := range g.Output {
		b = appendMessageField(b, 12, encodeValueInfo(output))
	}
	return b
}

func encodeNode(n *NodeProto) []byte {
	var b []byte
	for _, input := range n.Input {
		b = appendStringField(b, 1, input)
	}
	for _, output := range n.Output {
		b = appendStringField(b, 2, output)
	}
	b = appendStringField(b, 3, n.Name)
	b = appendStringField(b, 4, n.OpType)
	for _, attr := range n.Attribute {
		b = appendMessageField(b, 5, encodeAttribute(attr))
	}
	return b
}

func encodeAttribute(a *AttributeProto) []byte {
	var b []byte
	b = appendStringField(b, 1, a.Name)

	switch a.Type {
	case AttributeFloat:
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.F))
	case AttributeInt:
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(a.I))
	case AttributeString:
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, a.S)
	case AttributeTensor:
		if a.T != nil {
			b = appendMessageField(b, 5, encodeTensor(a.T))
		}
	case AttributeFloats:
		b = appendPackedFloats(b, 7, a.Floats)
	case AttributeInts:
		b = appendPackedVarints(b, 8, a.Ints)
	case AttributeStrings:
		for _, s := range a.Strings {
			b = protowire.AppendTag(b, 9, protowire.BytesType)
			b = protowire.AppendBytes(b, s)
		}
	}

	b = appendVarintField(b, 20, uint64(a.Type))
	return b
}

func encodeTensor(t *TensorProto) []byte {
	var b []byte
	b = appendPackedVarints(b, 1, t.Dims)
	b = appendVarintField(b, 2, uint64(t.DataType))
	b = appendPackedFloats(b, 4, t.FloatData)
	if len(t.Int32Data) > 0 {
		ints := make([]int64, len(t.Int32Data))
		for i, v := range t.Int32Data {
			ints[i] = int64(v)
		}
		b = appendPackedVarints(b, 5, ints)
	}
	b = appendPackedVarints(b, 7, t.Int64Data)
	b = appendStringField(b, 8, t.Name)
	if len(t.RawData) > 0 {
		b = protowire.AppendTag(b, 9, protowire.BytesType)
		b = protowire.AppendBytes(b, t.RawData)
	}
	return b
}

func encodeValueInfo(v *ValueInfoProto) []byte {
	// TypeProto { tensor_type: TypeProto.Tensor { elem_type, shape } }
	var shape []byte
	for _, dim := range v.Dims {
		var d []byte
		if dim.Param != "" {
			d = appendStringField(d, 3, dim.Param)
		} else {
			d = appendVarintField(d, 1, uint64(dim.Value))
		}
		shape = appendMessageField(shape, 1, d)
	}

	var tensorType []byte
	tensorType = appendVarintField(tensorType, 1, uint64(v.ElemType))
	tensorType = appendMessageField(tensorType, 2, shape)

	var typeProto []byte
	typeProto = appendMessageField(typeProto, 1, tensorType)

	var b []byte
	b = appendStringField(b, 1, v.Name)
	b = appendMessageField(b, 2, typeProto)
	return b
}

// Wire helpers. Zero-valued strings are omitted per proto3 semantics;
// varint fields for required enums and sizes are always written.

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendMessageField(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendPackedFloats(b []byte, num protowire.Number, values []float32) []byte {
	if len(values) == 0 {
		return b
	}
	packed := make([]byte, 0, len(values)*4)
	for _, f := range values {
		packed = protowire.AppendFixed32(packed, math.Float32bits(f))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func appendPackedVarints(b []byte, num protowire.Number, values []int64) []byte {
	if len(values) == 0 {
		return b
	}
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

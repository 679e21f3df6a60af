package checkpoints

import (
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// ReadModel loads and parses an .onnx file.
func ReadModel(path string) (*ModelProto, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ONNX file: %v", err)
	}
	return DecodeModel(data)
}

// DecodeModel parses ONNX protobuf bytes into a ModelProto. Fields
// outside the modeled subset are skipped.
func DecodeModel(data []byte) (*ModelProto, error) {
	model := &ModelProto{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("invalid model tag: %v", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid ir_version")
			}
			model.IrVersion = int64(v)
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid producer_name")
			}
			model.ProducerName = s
			data = data[n:]
		case num == 3 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid producer_version")
			}
			model.ProducerVersion = s
			data = data[n:]
		case num == 4 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid domain")
			}
			model.Domain = s
			data = data[n:]
		case num == 5 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid model_version")
			}
			model.ModelVersion = int64(v)
			data = data[n:]
		case num == 6 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid doc_string")
			}
			model.DocString = s
			data = data[n:]
		case num == 7 && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid graph")
			}
			graph, err := decodeGraph(msg)
			if err != nil {
				return nil, err
			}
			model.Graph = graph
			data = data[n:]
		case num == 8 && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid opset_import")
			}
			opset, err := decodeOpset(msg)
			if err != nil {
				return nil, err
			}
			model.OpsetImport = append(model.OpsetImport, opset)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("invalid model field %d", num)
			}
			data = data[n:]
		}
	}
	if model.Graph == nil {
		return nil, fmt.Errorf("model has no graph")
	}
	return model, nil
}

func decodeOpset(data []byte) (OperatorSetID, error) {
	var opset OperatorSetID
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return opset, fmt.Errorf("invalid opset tag")
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return opset, fmt.Errorf("invalid opset domain")
			}
			opset.Domain = s
			data = data[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return opset, fmt.Errorf("invalid opset version")
			}
			opset.Version = int64(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return opset, fmt.Errorf("invalid opset field %d", num)
			}
			data = data[n:]
		}
	}
	return opset, nil
}

func decodeGraph(data []byte) (*GraphProto, error) {
	graph := &GraphProto{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("invalid graph tag")
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid node")
			}
			node, err := decodeNode(msg)
			if err != nil {
				return nil, err
			}
			graph.Node = append(graph.Node, node)
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid graph name")
			}
			graph.Name = s
			data = data[n:]
		case num == 5 && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid initializer")
			}
			t, err := decodeTensor(msg)
			if err != nil {
				return nil, err
			}
			graph.Initializer = append(graph.Initializer, t)
			data = data[n:]
		case num == 11 && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid graph input")
			}
			v, err := decodeValueInfo(msg)
			if err != nil {
				return nil, err
			}
			graph.Input = append(graph.Input, v)
			data = data[n:]
		case num == 12 && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid graph output")
			}
			v, err := decodeValueInfo(msg)
			if err != nil {
				return nil, err
			}
			graph.Output = append(graph.Output, v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("invalid graph field %d", num)
			}
			data = data[n:]
		}
	}
	return graph, nil
}

func decodeNode(data []byte) (*NodeProto, error) {
	node := &NodeProto{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("invalid node tag")
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid node input")
			}
			node.Input = append(node.Input, s)
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid node output")
			}
			node.Output = append(node.Output, s)
			data = data[n:]
		case num == 3 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid node name")
			}
			node.Name = s
			data = data[n:]
		case num == 4 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid node op_type")
			}
			node.OpType = s
			data = data[n:]
		case num == 5 && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid node attribute")
			}
			attr, err := decodeAttribute(msg)
			if err != nil {
				return nil, err
			}
			node.Attribute = append(node.Attribute, attr)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("invalid node field %d", num)
			}
			data = data[n:]
		}
	}
	return node, nil
}

func decodeAttribute(data []byte) (*AttributeProto, error) {
	attr := &AttributeProto{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("invalid attribute tag")
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid attribute name")
			}
			attr.Name = s
			data = data[n:]
		case num == 2 && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid attribute float")
			}
			attr.F = math.Float32frombits(v)
			data = data[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid attribute int")
			}
			attr.I = int64(v)
			data = data[n:]
		case num == 4 && typ == protowire.BytesType:
			s, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid attribute string")
			}
			attr.S = append([]byte(nil), s...)
			data = data[n:]
		case num == 5 && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid attribute tensor")
			}
			t, err := decodeTensor(msg)
			if err != nil {
				return nil, err
			}
			attr.T = t
			data = data[n:]
		case num == 7 && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid attribute floats")
			}
			floats, err := consumePackedFloats(packed)
			if err != nil {
				return nil, err
			}
			attr.Floats = append(attr.Floats, floats...)
			data = data[n:]
		case num == 7 && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid attribute floats entry")
			}
			attr.Floats = append(attr.Floats, math.Float32frombits(v))
			data = data[n:]
		case num == 8 && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid attribute ints")
			}
			ints, err := consumePackedVarints(packed)
			if err != nil {
				return nil, err
			}
			attr.Ints = append(attr.Ints, ints...)
			data = data[n:]
		case num == 8 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid attribute ints entry")
			}
			attr.Ints = append(attr.Ints, int64(v))
			data = data[n:]
		case num == 9 && typ == protowire.BytesType:
			s, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid attribute strings entry")
			}
			attr.Strings = append(attr.Strings, append([]byte(nil), s...))
			data = data[n:]
		case num == 20 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid attribute type")
			}
			attr.Type = AttributeType(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("invalid attribute field %d", num)
			}
			data = data[n:]
		}
	}
	return attr, nil
}

func decodeTensor(data []byte) (*TensorProto, error) {
	t := &TensorProto{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("invalid tensor tag")
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid tensor dims")
			}
			dims, err := consumePackedVarints(packed)
			if err != nil {
				return nil, err
			}
			t.Dims = append(t.Dims, dims...)
			data = data[n:]
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid tensor dim")
			}
			t.Dims = append(t.Dims, int64(v))
			data = data[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid tensor data_type")
			}
			t.DataType = TensorDataType(v)
			data = data[n:]
		case num == 4 && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid tensor float_data")
			}
			floats, err := consumePackedFloats(packed)
			if err != nil {
				return nil, err
			}
			t.FloatData = append(t.FloatData, floats...)
			data = data[n:]
		case num == 4 && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid tensor float entry")
			}
			t.FloatData = append(t.FloatData, math.Float32frombits(v))
			data = data[n:]
		case num == 5 && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid tensor int32_data")
			}
			ints, err := consumePackedVarints(packed)
			if err != nil {
				return nil, err
			}
			for _, v := range ints {
				t.Int32Data = append(t.Int32Data, int32(v))
			}
			data = data[n:]
		case num == 5 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid tensor int32 entry")
			}
			t.Int32Data = append(t.Int32Data, int32(v))
			data = data[n:]
		case num == 7 && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid tensor int64_data")
			}
			ints, err := consumePackedVarints(packed)
			if err != nil {
				return nil, err
			}
			t.Int64Data = append(t.Int64Data, ints...)
			data = data[n:]
		case num == 7 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid tensor int64 entry")
			}
			t.Int64Data = append(t.Int64Data, int64(v))
			data = data[n:]
		case num == 8 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid tensor name")
			}
			t.Name = s
			data = data[n:]
		case num == 9 && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid tensor raw_data")
			}
			t.RawData = append([]byte(nil), raw...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("invalid tensor field %d", num)
			}
			data = data[n:]
		}
	}
	return t, nil
}

func decodeValueInfo(data []byte) (*ValueInfoProto, error) {
	v := &ValueInfoProto{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("invalid value_info tag")
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid value_info name")
			}
			v.Name = s
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid value_info type")
			}
			if err := decodeTypeProto(msg, v); err != nil {
				return nil, err
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("invalid value_info field %d", num)
			}
			data = data[n:]
		}
	}
	return v, nil
}

func decodeTypeProto(data []byte, v *ValueInfoProto) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("invalid type tag")
		}
		data = data[n:]

		if num == 1 && typ == protowire.BytesType {
			msg, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("invalid tensor_type")
			}
			if err := decodeTensorType(msg, v); err != nil {
				return err
			}
			data = data[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return fmt.Errorf("invalid type field %d", num)
		}
		data = data[n:]
	}
	return nil
}

func decodeTensorType(data []byte, v *ValueInfoProto) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("invalid tensor_type tag")
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			val, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("invalid elem_type")
			}
			v.ElemType = TensorDataType(val)
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("invalid tensor shape")
			}
			dims, err := decodeShape(msg)
			if err != nil {
				return err
			}
			v.Dims = dims
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("invalid tensor_type field %d", num)
			}
			data = data[n:]
		}
	}
	return nil
}

func decodeShape(data []byte) ([]Dimension, error) {
	var dims []Dimension
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("invalid shape tag")
		}
		data = data[n:]

		if num == 1 && typ == protowire.BytesType {
			msg, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid shape dim")
			}
			dim, err := decodeDimension(msg)
			if err != nil {
				return nil, err
			}
			dims = append(dims, dim)
			data = data[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return nil, fmt.Errorf("invalid shape field %d", num)
		}
		data = data[n:]
	}
	return dims, nil
}

func decodeDimension(data []byte) (Dimension, error) {
	var dim Dimension
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return dim, fmt.Errorf("invalid dim tag")
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return dim, fmt.Errorf("invalid dim_value")
			}
			dim.Value = int64(v)
			data = data[n:]
		case num == 3 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return dim, fmt.Errorf("invalid dim_param")
			}
			dim.Param = s
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return dim, fmt.Errorf("invalid dim field %d", num)
			}
			data = data[n:]
		}
	}
	return dim, nil
}

func consumePackedFloats(packed []byte) ([]float32, error) {
	if len(packed)%4 != 0 {
		return nil, fmt.Errorf("packed float data length %d not a multiple of 4", len(packed))
	}
	floats := make([]float32, 0, len(packed)/4)
	for len(packed) > 0 {
		v, n := protowire.ConsumeFixed32(packed)
		if n < 0 {
			return nil, fmt.Errorf("invalid packed float")
		}
		floats = append(floats, math.Float32frombits(v))
		packed = packed[n:]
	}
	return floats, nil
}

func consumePackedVarints(packed []byte) ([]int64, error) {
	var ints []int64
	for len(packed) > 0 {
		v, n := protowire.ConsumeVarint(packed)
		if n < 0 {
			return nil, fmt.Errorf("invalid packed varint")
		}
		ints = append(ints, int64(v))
		packed = packed[n:]
	}
	return ints, nil
}

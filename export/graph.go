package export

import (
	"fmt"

	"github.com/accessatlas/accessatlas/checkpoints"
)

// batchNormEpsilon matches the value every batch-norm layer in the
// fusion model is constructed with.
const batchNormEpsilon = 1e-5

// graphWeights indexes checkpoint tensors by state name.
type graphWeights map[string]checkpoints.WeightTensor

func indexWeights(state []checkpoints.WeightTensor) graphWeights {
	idx := make(graphWeights, len(state))
	for _, w := range state {
		idx[w.Name] = w
	}
	return idx
}

// numSourcesFromState recovers the source vocabulary width from the
// metadata branch's first linear layer. Its input is [lat, lon] plus
// the one-hot source vector, and linear weights are stored [in, out].
func numSourcesFromState(state []checkpoints.WeightTensor) (int, error) {
	for _, w := range state {
		if w.Name != "metadata.fc1.weight" {
			continue
		}
		if len(w.Shape) != 2 || w.Shape[0] < 3 {
			return 0, fmt.Errorf("unexpected metadata.fc1.weight shape %v", w.Shape)
		}
		return w.Shape[0] - 2, nil
	}
	return 0, fmt.Errorf("checkpoint has no metadata.fc1.weight tensor")
}

// onnxGraph accumulates the inference graph for one checkpoint.
type onnxGraph struct {
	gb      *checkpoints.GraphBuilder
	weights graphWeights
}

// addWeight registers checkpoint tensors as graph initializers under
// their state names.
func (g *onnxGraph) addWeight(names ...string) error {
	for _, name := range names {
		w, ok := g.weights[name]
		if !ok {
			return fmt.Errorf("checkpoint is missing tensor %q", name)
		}
		g.gb.AddInitializer(checkpoints.FloatTensor(w.Name, w.Shape, w.Data))
	}
	return nil
}

// convBlock emits Conv -> BatchNormalization -> Relu -> MaxPool for one
// image-branch block. Convolutions are same-padded; pooling halves the
// spatial dimensions. Dropout is identity at inference time and is not
// emitted.
func (g *onnxGraph) convBlock(prefix, input, output string) error {
	conv, bn := prefix+".conv", prefix+".bn"
	if err := g.addWeight(conv+".weight", conv+".bias", bn+".gamma", bn+".beta", bn+".running_mean", bn+".running_var"); err != nil {
		return err
	}
	w := g.weights[conv+".weight"]
	if len(w.Shape) != 4 {
		return fmt.Errorf("conv weight %s has shape %v, want 4-D", conv, w.Shape)
	}
	kh, kw := int64(w.Shape[2]), int64(w.Shape[3])

	g.gb.AddNode("Conv", conv,
		[]string{input, conv + ".weight", conv + ".bias"},
		[]string{conv + "_out"},
		checkpoints.IntsAttr("kernel_shape", kh, kw),
		checkpoints.IntsAttr("pads", kh/2, kw/2, kh/2, kw/2),
		checkpoints.IntsAttr("strides", 1, 1))
	g.gb.AddNode("BatchNormalization", bn,
		[]string{conv + "_out", bn + ".gamma", bn + ".beta", bn + ".running_mean", bn + ".running_var"},
		[]string{bn + "_out"},
		checkpoints.FloatAttr("epsilon", batchNormEpsilon))
	g.gb.AddNode("Relu", prefix+".relu", []string{bn + "_out"}, []string{prefix + "_act"})
	g.gb.AddNode("MaxPool", prefix+".pool", []string{prefix + "_act"}, []string{output},
		checkpoints.IntsAttr("kernel_shape", 2, 2),
		checkpoints.IntsAttr("strides", 2, 2))
	return nil
}

// denseStage emits Gemm -> BatchNormalization -> Relu. Linear weights
// are stored [in, out], which is Gemm's default B layout, so no
// transpose attribute is needed.
func (g *onnxGraph) denseStage(fc, bn, input, output string) error {
	if err := g.addWeight(fc+".weight", fc+".bias", bn+".gamma", bn+".beta", bn+".running_mean", bn+".running_var"); err != nil {
		return err
	}
	g.gb.AddNode("Gemm", fc,
		[]string{input, fc + ".weight", fc + ".bias"},
		[]string{fc + "_out"})
	g.gb.AddNode("BatchNormalization", bn,
		[]string{fc + "_out", bn + ".gamma", bn + ".beta", bn + ".running_mean", bn + ".running_var"},
		[]string{bn + "_out"},
		checkpoints.FloatAttr("epsilon", batchNormEpsilon))
	g.gb.AddNode("Relu", fc+"_relu", []string{bn + "_out"}, []string{output})
	return nil
}

// buildGraph assembles the full inference graph from checkpoint
// weights: the convolutional image branch, the scaled-metadata branch,
// the fusion trunk and the classifier head, ending in raw logits.
func buildGraph(state []checkpoints.WeightTensor, imageSize int) (*checkpoints.GraphProto, error) {
	weights := indexWeights(state)
	numSources, err := numSourcesFromState(state)
	if err != nil {
		return nil, err
	}
	head, ok := weights["classifier.fc.weight"]
	if !ok {
		return nil, fmt.Errorf("checkpoint has no classifier.fc.weight tensor")
	}
	if len(head.Shape) != 2 {
		return nil, fmt.Errorf("unexpected classifier.fc.weight shape %v", head.Shape)
	}
	numClasses := head.Shape[1]

	g := &onnxGraph{gb: checkpoints.NewGraphBuilder("accessatlas_fusion"), weights: weights}
	batch := checkpoints.SymbolicDim("batch_size")
	g.gb.AddInput("image", checkpoints.DataTypeFloat,
		batch, checkpoints.Dim(3), checkpoints.Dim(int64(imageSize)), checkpoints.Dim(int64(imageSize)))
	g.gb.AddInput("lat", checkpoints.DataTypeFloat, batch, checkpoints.Dim(1))
	g.gb.AddInput("lon", checkpoints.DataTypeFloat, batch, checkpoints.Dim(1))
	g.gb.AddInput("source", checkpoints.DataTypeFloat, batch, checkpoints.Dim(int64(numSources)))
	g.gb.AddOutput("logits", checkpoints.DataTypeFloat, batch, checkpoints.Dim(int64(numClasses)))

	// Image branch: conv blocks ending in global average pooling.
	input := "image"
	for i := 1; ; i++ {
		prefix := fmt.Sprintf("image.block%d", i)
		if _, ok := weights[prefix+".conv.weight"]; !ok {
			if i == 1 {
				return nil, fmt.Errorf("checkpoint has no image branch weights")
			}
			break
		}
		out := prefix + "_out"
		if err := g.convBlock(prefix, input, out); err != nil {
			return nil, err
		}
		input = out
	}
	g.gb.AddNode("GlobalAveragePool", "image.gap", []string{input}, []string{"image_pooled"})
	g.gb.AddNode("Flatten", "image.flatten", []string{"image_pooled"}, []string{"image_features"},
		checkpoints.IntAttr("axis", 1))

	// Metadata branch: coordinates scaled into [-1, 1], source one-hot
	// concatenated as-is.
	g.gb.AddInitializer(checkpoints.FloatTensor("lat_scale", []int{}, []float32{1.0 / 90.0}))
	g.gb.AddInitializer(checkpoints.FloatTensor("lon_scale", []int{}, []float32{1.0 / 180.0}))
	g.gb.AddNode("Mul", "metadata.scale_lat", []string{"lat", "lat_scale"}, []string{"lat_scaled"})
	g.gb.AddNode("Mul", "metadata.scale_lon", []string{"lon", "lon_scale"}, []string{"lon_scaled"})
	g.gb.AddNode("Concat", "metadata.concat",
		[]string{"lat_scaled", "lon_scaled", "source"},
		[]string{"metadata_input"},
		checkpoints.IntAttr("axis", 1))
	if err := g.denseStage("metadata.fc1", "metadata.bn1", "metadata_input", "metadata_hidden"); err != nil {
		return nil, err
	}
	if err := g.denseStage("metadata.fc2", "metadata.bn2", "metadata_hidden", "metadata_features"); err != nil {
		return nil, err
	}

	// Fusion trunk and classifier head.
	g.gb.AddNode("Concat", "fusion.concat",
		[]string{"image_features", "metadata_features"},
		[]string{"fused"},
		checkpoints.IntAttr("axis", 1))
	if err := g.denseStage("fusion.fc1", "fusion.bn1", "fused", "fusion_hidden"); err != nil {
		return nil, err
	}
	if err := g.denseStage("fusion.fc2", "fusion.bn2", "fusion_hidden", "fusion_features"); err != nil {
		return nil, err
	}
	if err := g.addWeight("classifier.fc.weight", "classifier.fc.bias"); err != nil {
		return nil, err
	}
	g.gb.AddNode("Gemm", "classifier.fc",
		[]string{"fusion_features", "classifier.fc.weight", "classifier.fc.bias"},
		[]string{"logits"})

	return g.gb.Graph(), nil
}

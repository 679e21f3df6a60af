package model

import (
	"fmt"

	"github.com/accessatlas/accessatlas/layers"
)

// BranchSpec pairs one compiled layer graph with the branch of the
// fusion model it describes.
type BranchSpec struct {
	Name string
	Spec *layers.ModelSpec
}

// Spec compiles the model into per-branch layer graphs. The fusion
// model is not a single chain, so the image branch, the metadata
// branch and the fusion trunk (with the classifier head) are compiled
// separately; the trunk's input width is the two branch outputs
// concatenated. imageSize is the square resolution the image branch
// sees.
func (m *FusionModel) Spec(imageSize int) ([]BranchSpec, error) {
	if imageSize <= 0 {
		return nil, fmt.Errorf("image size must be positive, got %d", imageSize)
	}

	image := layers.NewModelBuilder([]int{1, 3, imageSize, imageSize})
	for i, out := range m.channels {
		prefix := fmt.Sprintf("block%d", i+1)
		image.AddConv2D(out, 3, 1, 1, true, prefix+".conv").
			AddBatchNorm(out, 1e-5, 0.1, true, prefix+".bn").
			AddReLU(prefix + ".relu").
			AddMaxPool2D(2, 2, 0, prefix+".pool").
			AddDropout(float32(m.cnnDropout), prefix+".dropout")
	}
	image.AddGlobalAvgPool2D("gap")
	imageSpec, err := image.Compile()
	if err != nil {
		return nil, fmt.Errorf("image branch: %w", err)
	}

	metaSpec, err := layers.NewModelBuilder([]int{1, 2 + m.numSources}).
		AddDense(m.metaDim, true, "fc1").
		AddBatchNorm(m.metaDim, 1e-5, 0.1, true, "bn1").
		AddReLU("relu1").
		AddDropout(0.3, "dropout").
		AddDense(m.metaDim, true, "fc2").
		AddBatchNorm(m.metaDim, 1e-5, 0.1, true, "bn2").
		AddReLU("relu2").
		Compile()
	if err != nil {
		return nil, fmt.Errorf("metadata branch: %w", err)
	}

	fusionSpec, err := layers.NewModelBuilder([]int{1, m.imageDim + m.metaDim}).
		AddDense(m.fusionDim, true, "fc1").
		AddBatchNorm(m.fusionDim, 1e-5, 0.1, true, "bn1").
		AddReLU("relu1").
		AddDropout(0.4, "dropout").
		AddDense(m.fusionDim, true, "fc2").
		AddBatchNorm(m.fusionDim, 1e-5, 0.1, true, "bn2").
		AddReLU("relu2").
		AddDropout(0.5, "classifier.dropout").
		AddDense(m.numClasses, true, "classifier.fc").
		Compile()
	if err != nil {
		return nil, fmt.Errorf("fusion trunk: %w", err)
	}

	return []BranchSpec{
		{Name: "image", Spec: imageSpec},
		{Name: "metadata", Spec: metaSpec},
		{Name: "fusion", Spec: fusionSpec},
	}, nil
}

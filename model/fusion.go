// Package model assembles the multimodal tag classifier: a
// convolutional image branch, a dense metadata branch and a fusion
// trunk feeding the classification head. A FusionModel value owns its
// parameters and train/eval mode; there is no package-level model
// state.
package model

import (
	"errors"
	"fmt"

	"github.com/accessatlas/accessatlas/nn"
	"github.com/accessatlas/accessatlas/tensor"
)

// Params collects the dimensions of one fusion model.
type Params struct {
	Architecture   string
	Channels       []int // conv block output channels
	CNNDropout     float64
	MetadataHidden int
	FusionHidden   int
	NumClasses     int
	NumSources     int
}

// convBlock is one image-branch stage: Conv3x3 -> BatchNorm -> ReLU ->
// MaxPool 2x2 -> Dropout.
type convBlock struct {
	conv    *nn.Conv2D
	bn      *nn.BatchNorm
	relu    *nn.ReLU
	pool    *nn.MaxPool2D
	dropout *nn.Dropout
}

func newConvBlock(inChannels, outChannels int, dropout float64) (*convBlock, error) {
	conv, err := nn.NewConv2D(inChannels, outChannels, 3, 1, 1, true)
	if err != nil {
		return nil, err
	}
	bn, err := nn.NewBatchNorm(outChannels, 1e-5, 0.1)
	if err != nil {
		return nil, err
	}
	drop, err := nn.NewDropout(dropout)
	if err != nil {
		return nil, err
	}
	return &convBlock{
		conv:    conv,
		bn:      bn,
		relu:    nn.NewReLU(),
		pool:    nn.NewMaxPool2D(2, 2, 0),
		dropout: drop,
	}, nil
}

func (b *convBlock) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	for _, m := range []nn.Module{b.conv, b.bn, b.relu, b.pool, b.dropout} {
		if x, err = m.Forward(x); err != nil {
			return nil, err
		}
	}
	return x, nil
}

type namedParam struct {
	name   string
	tensor *tensor.Tensor
}

// FusionModel is the complete classifier. Latitude and longitude enter
// in degrees; the forward pass scales them by 1/90 and 1/180.
type FusionModel struct {
	architecture string

	blocks []*convBlock
	gap    *nn.GlobalAvgPool2D

	metaFC1  *nn.Linear
	metaBN1  *nn.BatchNorm
	metaDrop *nn.Dropout
	metaFC2  *nn.Linear
	metaBN2  *nn.BatchNorm

	fusionFC1  *nn.Linear
	fusionBN1  *nn.BatchNorm
	fusionDrop *nn.Dropout
	fusionFC2  *nn.Linear
	fusionBN2  *nn.BatchNorm

	headDrop *nn.Dropout
	headFC   *nn.Linear

	relu *nn.ReLU

	numClasses int
	numSources int
	imageDim   int
	metaDim    int
	fusionDim  int
	channels   []int
	cnnDropout float64

	params []namedParam // trainable parameters, in save order
	states []namedParam // params plus batch-norm running stats
}

// New builds a fusion model from explicit dimensions.
func New(p Params) (*FusionModel, error) {
	if len(p.Channels) == 0 {
		return nil, errors.New("at least one conv channel is required")
	}
	if p.NumClasses <= 0 {
		return nil, fmt.Errorf("num_classes must be positive, got %d", p.NumClasses)
	}
	if p.NumSources <= 0 {
		return nil, fmt.Errorf("num_sources must be positive, got %d", p.NumSources)
	}
	if p.MetadataHidden <= 0 {
		return nil, fmt.Errorf("metadata_hidden must be positive, got %d", p.MetadataHidden)
	}
	if p.FusionHidden <= 0 {
		return nil, fmt.Errorf("fusion_hidden must be positive, got %d", p.FusionHidden)
	}

	m := &FusionModel{
		architecture: p.Architecture,
		gap:          nn.NewGlobalAvgPool2D(),
		relu:         nn.NewReLU(),
		numClasses:   p.NumClasses,
		numSources:   p.NumSources,
		imageDim:     p.Channels[len(p.Channels)-1],
		metaDim:      p.MetadataHidden,
		fusionDim:    p.FusionHidden,
		channels:     append([]int(nil), p.Channels...),
		cnnDropout:   p.CNNDropout,
	}

	in := 3
	for _, out := range p.Channels {
		block, err := newConvBlock(in, out, p.CNNDropout)
		if err != nil {
			return nil, fmt.Errorf("failed to build conv block: %w", err)
		}
		m.blocks = append(m.blocks, block)
		in = out
	}

	var err error
	metaIn := 2 + p.NumSources
	if m.metaFC1, err = nn.NewLinear(metaIn, p.MetadataHidden, true); err != nil {
		return nil, fmt.Errorf("failed to build metadata branch: %w", err)
	}
	if m.metaBN1, err = nn.NewBatchNorm(p.MetadataHidden, 1e-5, 0.1); err != nil {
		return nil, fmt.Errorf("failed to build metadata branch: %w", err)
	}
	if m.metaDrop, err = nn.NewDropout(0.3); err != nil {
		return nil, fmt.Errorf("failed to build metadata branch: %w", err)
	}
	if m.metaFC2, err = nn.NewLinear(p.MetadataHidden, p.MetadataHidden, true); err != nil {
		return nil, fmt.Errorf("failed to build metadata branch: %w", err)
	}
	if m.metaBN2, err = nn.NewBatchNorm(p.MetadataHidden, 1e-5, 0.1); err != nil {
		return nil, fmt.Errorf("failed to build metadata branch: %w", err)
	}

	fusionIn := m.imageDim + m.metaDim
	if m.fusionFC1, err = nn.NewLinear(fusionIn, p.FusionHidden, true); err != nil {
		return nil, fmt.Errorf("failed to build fusion trunk: %w", err)
	}
	if m.fusionBN1, err = nn.NewBatchNorm(p.FusionHidden, 1e-5, 0.1); err != nil {
		return nil, fmt.Errorf("failed to build fusion trunk: %w", err)
	}
	if m.fusionDrop, err = nn.NewDropout(0.4); err != nil {
		return nil, fmt.Errorf("failed to build fusion trunk: %w", err)
	}
	if m.fusionFC2, err = nn.NewLinear(p.FusionHidden, p.FusionHidden, true); err != nil {
		return nil, fmt.Errorf("failed to build fusion trunk: %w", err)
	}
	if m.fusionBN2, err = nn.NewBatchNorm(p.FusionHidden, 1e-5, 0.1); err != nil {
		return nil, fmt.Errorf("failed to build fusion trunk: %w", err)
	}

	if m.headDrop, err = nn.NewDropout(0.5); err != nil {
		return nil, fmt.Errorf("failed to build classifier head: %w", err)
	}
	if m.headFC, err = nn.NewLinear(p.FusionHidden, p.NumClasses, true); err != nil {
		return nil, fmt.Errorf("failed to build classifier head: %w", err)
	}

	m.register()
	return m, nil
}

// register assembles the named parameter and state lists. The order is
// fixed so checkpoints written by one process load in another.
func (m *FusionModel) register() {
	addLinear := func(name string, l *nn.Linear) {
		m.params = append(m.params,
			namedParam{name + ".weight", l.Weight()},
			namedParam{name + ".bias", l.Bias()})
	}
	addBN := func(name string, bn *nn.BatchNorm) {
		p := bn.Parameters()
		m.params = append(m.params,
			namedParam{name + ".gamma", p[0]},
			namedParam{name + ".beta", p[1]})
	}

	for i, block := range m.blocks {
		prefix := fmt.Sprintf("image.block%d", i+1)
		m.params = append(m.params,
			namedParam{prefix + ".conv.weight", block.conv.Weight()},
			namedParam{prefix + ".conv.bias", block.conv.Bias()})
		addBN(prefix+".bn", block.bn)
	}

	addLinear("metadata.fc1", m.metaFC1)
	addBN("metadata.bn1", m.metaBN1)
	addLinear("metadata.fc2", m.metaFC2)
	addBN("metadata.bn2", m.metaBN2)

	addLinear("fusion.fc1", m.fusionFC1)
	addBN("fusion.bn1", m.fusionBN1)
	addLinear("fusion.fc2", m.fusionFC2)
	addBN("fusion.bn2", m.fusionBN2)

	addLinear("classifier.fc", m.headFC)

	m.states = append(m.states, m.params...)
	addStats := func(name string, bn *nn.BatchNorm) {
		mean, variance := bn.RunningStats()
		m.states = append(m.states,
			namedParam{name + ".running_mean", mean},
			namedParam{name + ".running_var", variance})
	}
	for i, block := range m.blocks {
		addStats(fmt.Sprintf("image.block%d.bn", i+1), block.bn)
	}
	addStats("metadata.bn1", m.metaBN1)
	addStats("metadata.bn2", m.metaBN2)
	addStats("fusion.bn1", m.fusionBN1)
	addStats("fusion.bn2", m.fusionBN2)
}

// Forward runs the full fusion pass and returns logits [B, num_classes].
// Softmax is not applied.
func (m *FusionModel) Forward(images, lats, lons, sources *tensor.Tensor) (*tensor.Tensor, error) {
	imageFeat, err := m.forwardImage(images)
	if err != nil {
		return nil, fmt.Errorf("image branch: %w", err)
	}
	metaFeat, err := m.forwardMetadata(lats, lons, sources)
	if err != nil {
		return nil, fmt.Errorf("metadata branch: %w", err)
	}

	x, err := tensor.ConcatAutograd([]*tensor.Tensor{imageFeat, metaFeat}, 1)
	if err != nil {
		return nil, fmt.Errorf("fusion concat: %w", err)
	}
	for _, mod := range []nn.Module{m.fusionFC1, m.fusionBN1, m.relu, m.fusionDrop, m.fusionFC2, m.fusionBN2, m.relu} {
		if x, err = mod.Forward(x); err != nil {
			return nil, fmt.Errorf("fusion trunk: %w", err)
		}
	}

	for _, mod := range []nn.Module{m.headDrop, m.headFC} {
		if x, err = mod.Forward(x); err != nil {
			return nil, fmt.Errorf("classifier head: %w", err)
		}
	}
	return x, nil
}

func (m *FusionModel) forwardImage(images *tensor.Tensor) (*tensor.Tensor, error) {
	x := images
	var err error
	for _, block := range m.blocks {
		if x, err = block.forward(x); err != nil {
			return nil, err
		}
	}
	return m.gap.Forward(x)
}

func (m *FusionModel) forwardMetadata(lats, lons, sources *tensor.Tensor) (*tensor.Tensor, error) {
	// Degrees scale to roughly [-1, 1].
	latNorm, err := tensor.ScaleAutograd(lats, 1.0/90.0)
	if err != nil {
		return nil, err
	}
	lonNorm, err := tensor.ScaleAutograd(lons, 1.0/180.0)
	if err != nil {
		return nil, err
	}

	x, err := tensor.ConcatAutograd([]*tensor.Tensor{latNorm, lonNorm, sources}, 1)
	if err != nil {
		return nil, err
	}
	for _, mod := range []nn.Module{m.metaFC1, m.metaBN1, m.relu, m.metaDrop, m.metaFC2, m.metaBN2, m.relu} {
		if x, err = mod.Forward(x); err != nil {
			return nil, err
		}
	}
	return x, nil
}

// modules returns every stateful submodule for mode switching.
func (m *FusionModel) modules() []nn.Module {
	mods := []nn.Module{m.gap, m.relu,
		m.metaFC1, m.metaBN1, m.metaDrop, m.metaFC2, m.metaBN2,
		m.fusionFC1, m.fusionBN1, m.fusionDrop, m.fusionFC2, m.fusionBN2,
		m.headDrop, m.headFC}
	for _, block := range m.blocks {
		mods = append(mods, block.conv, block.bn, block.relu, block.pool, block.dropout)
	}
	return mods
}

// Train switches batch norm and dropout to training behavior.
func (m *FusionModel) Train() {
	for _, mod := range m.modules() {
		mod.Train()
	}
}

// Eval switches batch norm and dropout to inference behavior.
func (m *FusionModel) Eval() {
	for _, mod := range m.modules() {
		mod.Eval()
	}
}

// IsTraining reports the current mode.
func (m *FusionModel) IsTraining() bool {
	return m.headFC.IsTraining()
}

// Parameters returns every trainable parameter, frozen ones included.
// The slice is parallel to ParameterNames.
func (m *FusionModel) Parameters() []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(m.params))
	for i, p := range m.params {
		out[i] = p.tensor
	}
	return out
}

// ParameterNames returns the dotted names parallel to Parameters.
func (m *FusionModel) ParameterNames() []string {
	out := make([]string, len(m.params))
	for i, p := range m.params {
		out[i] = p.name
	}
	return out
}

// TrainableParameters returns the parameters the optimizer should
// update. A frozen backbone drops out of this list.
func (m *FusionModel) TrainableParameters() []*tensor.Tensor {
	out := make([]*tensor.Tensor, 0, len(m.params))
	for _, p := range m.params {
		if p.tensor.RequiresGrad() {
			out = append(out, p.tensor)
		}
	}
	return out
}

// StateNames returns the names of everything a checkpoint must carry:
// parameters plus batch-norm running statistics. Parallel to
// StateTensors.
func (m *FusionModel) StateNames() []string {
	out := make([]string, len(m.states))
	for i, s := range m.states {
		out[i] = s.name
	}
	return out
}

// StateTensors returns the tensors parallel to StateNames.
func (m *FusionModel) StateTensors() []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(m.states))
	for i, s := range m.states {
		out[i] = s.tensor
	}
	return out
}

// BackboneNames returns the image-branch state names, parallel to
// BackboneTensors.
func (m *FusionModel) BackboneNames() []string {
	out := make([]string, 0, len(m.states))
	for _, s := range m.states {
		if isBackboneName(s.name) {
			out = append(out, s.name)
		}
	}
	return out
}

// BackboneTensors returns the image-branch state tensors.
func (m *FusionModel) BackboneTensors() []*tensor.Tensor {
	out := make([]*tensor.Tensor, 0, len(m.states))
	for _, s := range m.states {
		if isBackboneName(s.name) {
			out = append(out, s.tensor)
		}
	}
	return out
}

func isBackboneName(name string) bool {
	return len(name) > 6 && name[:6] == "image."
}

// FreezeBackbone marks every image-branch parameter as non-trainable.
func (m *FusionModel) FreezeBackbone() {
	for _, p := range m.params {
		if isBackboneName(p.name) {
			p.tensor.SetRequiresGrad(false)
		}
	}
}

// Architecture returns the factory key this model was built with.
func (m *FusionModel) Architecture() string {
	return m.architecture
}

// NumClasses returns the classifier output width.
func (m *FusionModel) NumClasses() int {
	return m.numClasses
}

// NumSources returns the expected source one-hot width.
func (m *FusionModel) NumSources() int {
	return m.numSources
}

// Info summarizes the architecture for logs and export metadata.
type Info struct {
	Architecture    string `json:"architecture"`
	NumParams       int    `json:"num_params"`
	ImageFeatureDim int    `json:"image_feature_dim"`
	MetadataDim     int    `json:"metadata_feature_dim"`
	FusionDim       int    `json:"fusion_dim"`
	NumClasses      int    `json:"num_classes"`
	NumSources      int    `json:"num_sources"`
}

// Info returns the model's architecture summary.
func (m *FusionModel) Info() Info {
	total := 0
	for _, p := range m.params {
		total += p.tensor.NumElems
	}
	return Info{
		Architecture:    m.architecture,
		NumParams:       total,
		ImageFeatureDim: m.imageDim,
		MetadataDim:     m.metaDim,
		FusionDim:       m.fusionDim,
		NumClasses:      m.numClasses,
		NumSources:      m.numSources,
	}
}

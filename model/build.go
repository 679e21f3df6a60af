package model

import (
	"fmt"
	"strings"

	"github.com/accessatlas/accessatlas/checkpoints"
	"github.com/accessatlas/accessatlas/config"
)

// Architecture channel stacks. Baseline honors cnn_channels from the
// configuration; wide and deep are fixed variants.
var (
	wideChannels = []int{64, 128, 256}
	deepChannels = []int{32, 64, 128, 256}
)

// Build constructs a fusion model from the model configuration. The
// source vocabulary width comes from the preprocessing metadata, not
// the config file.
func Build(cfg config.ModelConfig, numSources int) (*FusionModel, error) {
	arch := cfg.Architecture
	if arch == "" {
		arch = "baseline"
	}

	var channels []int
	switch arch {
	case "baseline":
		channels = cfg.CNNChannels
		if len(channels) == 0 {
			channels = []int{32, 64, 128}
		}
	case "wide":
		channels = wideChannels
	case "deep":
		channels = deepChannels
	default:
		return nil, fmt.Errorf("unknown model architecture %q (supported: baseline, wide, deep)", arch)
	}

	m, err := New(Params{
		Architecture:   arch,
		Channels:       channels,
		CNNDropout:     cfg.CNNDropout,
		MetadataHidden: cfg.MetadataHidden,
		FusionHidden:   cfg.FusionHidden,
		NumClasses:     cfg.NumClasses,
		NumSources:     numSources,
	})
	if err != nil {
		return nil, err
	}

	if cfg.BackboneWeights != "" {
		if err := LoadBackboneWeights(m, cfg.BackboneWeights); err != nil {
			return nil, fmt.Errorf("failed to load backbone weights: %w", err)
		}
	}
	if cfg.FreezeBackbone {
		m.FreezeBackbone()
	}
	return m, nil
}

// LoadBackboneWeights initializes the image branch from a previous
// checkpoint, matching entries by name. The checkpoint's other weights
// are ignored, so a classifier trained on a different tag set can still
// donate its backbone.
func LoadBackboneWeights(m *FusionModel, path string) error {
	format := checkpoints.FormatJSON
	if strings.HasSuffix(path, ".onnx") {
		format = checkpoints.FormatONNX
	}

	ckpt, err := checkpoints.NewCheckpointSaver(format).LoadCheckpoint(path)
	if err != nil {
		return err
	}
	return checkpoints.LoadWeights(ckpt.ModelStateDict, m.BackboneNames(), m.BackboneTensors())
}

// LoadState restores every parameter and running statistic from a
// checkpoint's model state.
func LoadState(m *FusionModel, weights []checkpoints.WeightTensor) error {
	return checkpoints.LoadWeights(weights, m.StateNames(), m.StateTensors())
}

// ExtractState captures every parameter and running statistic for a
// checkpoint's model state.
func ExtractState(m *FusionModel) ([]checkpoints.WeightTensor, error) {
	return checkpoints.ExtractWeights(m.StateNames(), m.StateTensors())
}

package dataprep

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/accessatlas/accessatlas/tags"
)

// Metadata captures everything downstream stages need to interpret the
// splits: the label encoding, the source vocabulary, the coordinate
// statistics and the class weights.
type Metadata struct {
	SourceTypes  []string  `json:"source_types"`
	TagTypes     []string  `json:"tag_types"`
	LatMean      float64   `json:"lat_mean"`
	LatStd       float64   `json:"lat_std"`
	LonMean      float64   `json:"lon_mean"`
	LonStd       float64   `json:"lon_std"`
	NumClasses   int       `json:"num_classes"`
	ClassWeights []float64 `json:"class_weights"`
}

// LabelIndex returns the encoded label for a tag type. Labels follow
// the alphabetical order of TagTypes.
func (m *Metadata) LabelIndex(t tags.TagType) (int, bool) {
	for i, name := range m.TagTypes {
		if name == string(t) {
			return i, true
		}
	}
	return 0, false
}

// SourceIndex returns the one-hot position for a source.
func (m *Metadata) SourceIndex(s tags.Source) (int, bool) {
	for i, name := range m.SourceTypes {
		if name == string(s) {
			return i, true
		}
	}
	return 0, false
}

// ClassWeights32 returns the class weights as float32 for the loss.
func (m *Metadata) ClassWeights32() []float32 {
	weights := make([]float32, len(m.ClassWeights))
	for i, w := range m.ClassWeights {
		weights[i] = float32(w)
	}
	return weights
}

// LoadMetadata reads preprocessing metadata written by the preprocessor.
func LoadMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read preprocessing metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode preprocessing metadata: %w", err)
	}
	return &meta, nil
}

// Save writes the metadata as indented JSON.
func (m *Metadata) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode preprocessing metadata: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write preprocessing metadata: %w", err)
	}
	return nil
}

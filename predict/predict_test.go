package predict

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/accessatlas/accessatlas/checkpoints"
	"github.com/accessatlas/accessatlas/config"
	"github.com/accessatlas/accessatlas/dataprep"
	"github.com/accessatlas/accessatlas/model"
	"github.com/accessatlas/accessatlas/tags"
	"github.com/accessatlas/accessatlas/tagstore"
)

var mockClasses = []string{"Elevator", "Entrance", "Ramp"}

func TestMockInferencerDeterminism(t *testing.T) {
	inf := NewMockInferencer(mockClasses)

	first, err := inf.Probabilities("tile_001.png", 34.0, -81.0, tags.SourceUser)
	if err != nil {
		t.Fatalf("Probabilities failed: %v", err)
	}
	second, err := inf.Probabilities("tile_001.png", 34.0, -81.0, tags.SourceUser)
	if err != nil {
		t.Fatalf("Second Probabilities failed: %v", err)
	}

	if len(first) != len(mockClasses) {
		t.Fatalf("Expected %d probabilities, got %d", len(mockClasses), len(first))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("Mock not deterministic at class %d: %v vs %v", i, first[i], second[i])
		}
	}

	var sum float32
	for _, p := range first {
		if p < 0 || p > 1 {
			t.Errorf("Probability out of range: %v", p)
		}
		sum += p
	}
	if math.Abs(float64(sum)-1.0) > 1e-5 {
		t.Errorf("Probabilities sum to %v, expected 1", sum)
	}

	other, err := inf.Probabilities("tile_002.png", 34.0, -81.0, tags.SourceUser)
	if err != nil {
		t.Fatalf("Probabilities for other image failed: %v", err)
	}
	same := true
	for i := range first {
		if first[i] != other[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("Different requests produced identical distributions")
	}
}

func TestSingleWithMock(t *testing.T) {
	inf := NewMockInferencer(mockClasses)
	p := NewPredictor(inf, Options{})

	req := Request{ImagePath: "tile.png", Lat: 34.5, Lon: -81.2, Source: tags.SourceOSM}
	res := p.Single(req)
	if res.Err != "" {
		t.Fatalf("Unexpected error result: %s", res.Err)
	}
	if res.ImagePath != "tile.png" || res.Metadata.Lat != 34.5 || res.Metadata.Source != tags.SourceOSM {
		t.Errorf("Request fields not echoed: %+v", res)
	}
	if res.Probabilities != nil {
		t.Error("Probabilities attached without ReturnProbs")
	}

	probs, _ := inf.Probabilities(req.ImagePath, req.Lat, req.Lon, req.Source)
	best := 0
	for i, prob := range probs {
		if prob > probs[best] {
			best = i
		}
	}
	if res.PredictedClass != mockClasses[best] {
		t.Errorf("Expected predicted class %q, got %q", mockClasses[best], res.PredictedClass)
	}
	if res.Confidence != float64(probs[best]) {
		t.Errorf("Expected confidence %v, got %v", probs[best], res.Confidence)
	}

	withProbs := NewPredictor(inf, Options{ReturnProbs: true}).Single(req)
	if len(withProbs.Probabilities) != len(mockClasses) {
		t.Fatalf("Expected %d class probabilities, got %d", len(mockClasses), len(withProbs.Probabilities))
	}
	if withProbs.Probabilities[withProbs.PredictedClass] != withProbs.Confidence {
		t.Error("Confidence does not match the predicted class probability")
	}
}

// failingInferencer errors for one image path and delegates the rest.
type failingInferencer struct {
	inner    Inferencer
	failPath string
}

func (f *failingInferencer) Classes() []string { return f.inner.Classes() }

func (f *failingInferencer) Probabilities(imagePath string, lat, lon float64, source tags.Source) ([]float32, error) {
	if imagePath == f.failPath {
		return nil, fmt.Errorf("failed to load image: synthetic failure")
	}
	return f.inner.Probabilities(imagePath, lat, lon, source)
}

func TestBatchContinuesOnError(t *testing.T) {
	inf := &failingInferencer{inner: NewMockInferencer(mockClasses), failPath: "broken.png"}
	p := NewPredictor(inf, Options{})

	reqs := []Request{
		{ImagePath: "ok_1.png", Lat: 34, Lon: -81, Source: tags.SourceUser},
		{ImagePath: "broken.png", Lat: 34, Lon: -81, Source: tags.SourceUser},
		{ImagePath: "ok_2.png", Lat: 34, Lon: -81, Source: tags.SourceUser},
	}
	results := p.Batch(reqs)
	if len(results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(results))
	}
	if results[0].Err != "" || results[2].Err != "" {
		t.Error("Healthy samples should not carry errors")
	}
	if results[1].Err == "" {
		t.Error("Failed sample should carry an error result")
	}
	if results[1].PredictedClass != "" {
		t.Error("Failed sample should not carry a prediction")
	}
	if results[1].ImagePath != "broken.png" {
		t.Error("Error result should echo the image path")
	}
}

func TestSaveToStore(t *testing.T) {
	store, err := tagstore.Open(filepath.Join(t.TempDir(), "tags.db"), nil)
	if err != nil {
		t.Fatalf("Open store failed: %v", err)
	}
	defer store.Close()

	p := NewPredictor(NewMockInferencer(mockClasses), Options{})
	results := []*Result{
		{
			PredictedClass: "Ramp",
			Confidence:     0.9,
			ImagePath:      "tiles/34.01_-81.04.png",
			Metadata:       Metadata{Lat: 34.01, Lon: -81.04, Source: tags.SourceUser},
		},
		{
			PredictedClass: "Elevator",
			Confidence:     0.3,
			ImagePath:      "tiles/34.02_-81.05.png",
			Metadata:       Metadata{Lat: 34.02, Lon: -81.05, Source: tags.SourceUser},
		},
		{
			ImagePath: "tiles/broken.png",
			Metadata:  Metadata{Lat: 34.03, Lon: -81.06, Source: tags.SourceUser},
			Err:       "failed to load image",
		},
	}

	stored, err := p.SaveToStore(store, "Riverwalk", results, 0.5)
	if err != nil {
		t.Fatalf("SaveToStore failed: %v", err)
	}
	if stored != 1 {
		t.Fatalf("Expected 1 stored prediction, got %d", stored)
	}

	saved, err := store.TagsByLocation("Riverwalk")
	if err != nil {
		t.Fatalf("TagsByLocation failed: %v", err)
	}
	if len(saved) != 1 {
		t.Fatalf("Expected 1 saved tag, got %d", len(saved))
	}
	tag := saved[0]
	if tag.Source != tags.SourceModel {
		t.Errorf("Expected source model, got %q", tag.Source)
	}
	if tag.Type != tags.TagRamp {
		t.Errorf("Expected Ramp tag, got %q", tag.Type)
	}
	if tag.Confidence == nil || *tag.Confidence != 0.9 {
		t.Errorf("Confidence not stored: %v", tag.Confidence)
	}
	if tag.Notes == nil || *tag.Notes != "tiles/34.01_-81.04.png" {
		t.Errorf("Image path not stored in notes: %v", tag.Notes)
	}

	// Nothing above the threshold: no rows written, no error.
	stored, err = p.SaveToStore(store, "Riverwalk", results[1:], 0.95)
	if err != nil {
		t.Fatalf("SaveToStore with high threshold failed: %v", err)
	}
	if stored != 0 {
		t.Errorf("Expected 0 stored predictions, got %d", stored)
	}
}

func writeTestPNG(t *testing.T, path string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 24, 24))
	for y := 0; y < 24; y++ {
		for x := 0; x < 24; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 10), uint8(y * 10), 128, 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create test image: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("Failed to encode test image: %v", err)
	}
}

func TestRealInferencerFromCheckpoint(t *testing.T) {
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Model.CNNChannels = []int{4, 8}
	cfg.Model.MetadataHidden = 8
	cfg.Model.FusionHidden = 16
	cfg.Model.NumClasses = 3
	cfg.Model.ImageSize = 16

	meta := &dataprep.Metadata{
		SourceTypes: []string{"osm", "user"},
		TagTypes:    []string{"Elevator", "Entrance", "Ramp"},
		NumClasses:  3,
	}

	m, err := model.Build(cfg.Model, len(meta.SourceTypes))
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	weights, err := model.ExtractState(m)
	if err != nil {
		t.Fatalf("ExtractState failed: %v", err)
	}
	snapshot, err := cfg.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	ckptPath := filepath.Join(dir, "best_model.json")
	saver := checkpoints.NewCheckpointSaver(checkpoints.FormatJSON)
	err = saver.SaveCheckpoint(&checkpoints.Checkpoint{
		Epoch:          5,
		ModelStateDict: weights,
		BestValAcc:     77.5,
		Config:         snapshot,
	}, ckptPath)
	if err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	inf, err := NewRealInferencer(ckptPath, meta, nil)
	if err != nil {
		t.Fatalf("NewRealInferencer failed: %v", err)
	}

	imagePath := filepath.Join(dir, "tile.png")
	writeTestPNG(t, imagePath)

	probs, err := inf.Probabilities(imagePath, 34.01, -81.04, tags.SourceUser)
	if err != nil {
		t.Fatalf("Probabilities failed: %v", err)
	}
	if len(probs) != 3 {
		t.Fatalf("Expected 3 probabilities, got %d", len(probs))
	}
	var sum float32
	for _, p := range probs {
		sum += p
	}
	if math.Abs(float64(sum)-1.0) > 1e-4 {
		t.Errorf("Probabilities sum to %v, expected 1", sum)
	}

	// Same request twice through the eval-mode model is deterministic.
	again, err := inf.Probabilities(imagePath, 34.01, -81.04, tags.SourceUser)
	if err != nil {
		t.Fatalf("Second Probabilities failed: %v", err)
	}
	for i := range probs {
		if probs[i] != again[i] {
			t.Fatalf("Inference not deterministic at class %d", i)
		}
	}

	// A missing image is a per-sample failure surfaced as an error
	// result by the predictor, and the batch keeps going.
	p := NewPredictor(inf, Options{})
	results := p.Batch([]Request{
		{ImagePath: filepath.Join(dir, "missing.png"), Lat: 34, Lon: -81, Source: tags.SourceUser},
		{ImagePath: imagePath, Lat: 34, Lon: -81, Source: tags.SourceUser},
	})
	if results[0].Err == "" {
		t.Error("Missing image should produce an error result")
	}
	if results[1].Err != "" {
		t.Errorf("Healthy sample failed: %s", results[1].Err)
	}

	// Class count disagreement between checkpoint and metadata is fatal.
	badMeta := &dataprep.Metadata{
		SourceTypes: []string{"osm", "user"},
		TagTypes:    []string{"Elevator", "Ramp"},
		NumClasses:  2,
	}
	if _, err := NewRealInferencer(ckptPath, badMeta, nil); err == nil {
		t.Error("Expected error for class count mismatch")
	}
}

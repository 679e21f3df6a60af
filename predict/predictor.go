package predict

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/accessatlas/accessatlas/tags"
	"github.com/accessatlas/accessatlas/tagstore"
)

// Request is one inference sample.
type Request struct {
	ImagePath string      `json:"image_path"`
	Lat       float64     `json:"lat"`
	Lon       float64     `json:"lon"`
	Source    tags.Source `json:"source"`
}

// Metadata echoes the request coordinates inside a result.
type Metadata struct {
	Lat    float64     `json:"lat"`
	Lon    float64     `json:"lon"`
	Source tags.Source `json:"source"`
}

// Result is one prediction. Err is set when the sample failed; the
// classification fields are only meaningful when it is empty.
type Result struct {
	PredictedClass string             `json:"predicted_class,omitempty"`
	Confidence     float64            `json:"confidence,omitempty"`
	ImagePath      string             `json:"image_path"`
	Metadata       Metadata           `json:"metadata"`
	Probabilities  map[string]float64 `json:"probabilities,omitempty"`
	Err            string             `json:"error,omitempty"`
}

// Options configure a predictor.
type Options struct {
	ReturnProbs bool // attach the full per-class distribution to results
	Logger      *zap.Logger
}

// Predictor turns inference requests into classified results through
// whatever Inferencer it was built with.
type Predictor struct {
	inf         Inferencer
	returnProbs bool
	logger      *zap.Logger
}

// NewPredictor wraps an inference strategy.
func NewPredictor(inf Inferencer, opts Options) *Predictor {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Predictor{inf: inf, returnProbs: opts.ReturnProbs, logger: logger}
}

// Single classifies one sample. Failures come back as an error result,
// never as a Go error, so batch callers can keep going.
func (p *Predictor) Single(req Request) *Result {
	res := &Result{
		ImagePath: req.ImagePath,
		Metadata:  Metadata{Lat: req.Lat, Lon: req.Lon, Source: req.Source},
	}

	probs, err := p.inf.Probabilities(req.ImagePath, req.Lat, req.Lon, req.Source)
	if err != nil {
		p.logger.Warn("Prediction failed",
			zap.String("image", req.ImagePath), zap.Error(err))
		res.Err = err.Error()
		return res
	}

	classes := p.inf.Classes()
	if len(probs) != len(classes) || len(probs) == 0 {
		res.Err = fmt.Sprintf("inferencer returned %d probabilities for %d classes",
			len(probs), len(classes))
		return res
	}

	best := 0
	for i, prob := range probs {
		if prob > probs[best] {
			best = i
		}
	}
	res.PredictedClass = classes[best]
	res.Confidence = float64(probs[best])

	if p.returnProbs {
		res.Probabilities = make(map[string]float64, len(classes))
		for i, name := range classes {
			res.Probabilities[name] = float64(probs[i])
		}
	}
	return res
}

// Batch classifies every request in order. A failed sample yields an
// error result and the batch continues.
func (p *Predictor) Batch(reqs []Request) []*Result {
	results := make([]*Result, len(reqs))
	for i, req := range reqs {
		results[i] = p.Single(req)
	}
	return results
}

// SaveToStore writes successful predictions at or above minConfidence
// to the tag store as model-sourced tags. The source image path goes
// into the notes column so a later export can feed these rows back
// into training. Returns the number of tags stored.
func (p *Predictor) SaveToStore(store *tagstore.Store, locationName string, results []*Result, minConfidence float64) (int, error) {
	var batch []*tags.Tag
	skipped := 0
	for _, res := range results {
		if res.Err != "" || res.Confidence < minConfidence {
			skipped++
			continue
		}
		confidence := res.Confidence
		tag := &tags.Tag{
			LocationName: locationName,
			Lat:          res.Metadata.Lat,
			Lon:          res.Metadata.Lon,
			Type:         tags.TagType(res.PredictedClass),
			Source:       tags.SourceModel,
			Confidence:   &confidence,
		}
		if res.ImagePath != "" {
			notes := res.ImagePath
			tag.Notes = &notes
		}
		batch = append(batch, tag)
	}

	if len(batch) == 0 {
		p.logger.Info("No predictions met the confidence threshold",
			zap.Float64("min_confidence", minConfidence), zap.Int("skipped", skipped))
		return 0, nil
	}

	ids, err := store.InsertTags(batch)
	if err != nil {
		return 0, fmt.Errorf("failed to store predictions: %w", err)
	}
	p.logger.Info("Stored model predictions",
		zap.Int("count", len(ids)),
		zap.Int("skipped", skipped),
		zap.String("location", locationName),
		zap.Float64("min_confidence", minConfidence))
	return len(ids), nil
}

// PrintResult writes one prediction to the console in the report
// format, with a probability bar per class when the distribution is
// attached.
func PrintResult(res *Result) {
	if res.Err != "" {
		fmt.Printf("Error: %s\n", res.Err)
		return
	}

	separator := strings.Repeat("=", 70)
	fmt.Printf("%s\n", separator)
	fmt.Printf("Prediction Result\n")
	fmt.Printf("%s\n", separator)
	fmt.Printf("Image:      %s\n", res.ImagePath)
	fmt.Printf("Predicted:  %s\n", res.PredictedClass)
	fmt.Printf("Confidence: %.2f%%\n", res.Confidence*100)
	fmt.Printf("Location:   (%.6f, %.6f)\n", res.Metadata.Lat, res.Metadata.Lon)
	fmt.Printf("Source:     %s\n", res.Metadata.Source)

	if len(res.Probabilities) > 0 {
		fmt.Printf("\nClass Probabilities:\n")
		type classProb struct {
			name string
			prob float64
		}
		sorted := make([]classProb, 0, len(res.Probabilities))
		for name, prob := range res.Probabilities {
			sorted = append(sorted, classProb{name, prob})
		}
		sort.Slice(sorted, func(i, j int) bool {
			if sorted[i].prob != sorted[j].prob {
				return sorted[i].prob > sorted[j].prob
			}
			return sorted[i].name < sorted[j].name
		})
		for _, cp := range sorted {
			bar := strings.Repeat("█", int(cp.prob*50))
			fmt.Printf("  %-15s %6.2f%% %s\n", cp.name, cp.prob*100, bar)
		}
	}

	fmt.Printf("%s\n\n", separator)
}

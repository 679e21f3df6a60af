// Package dataprep turns a raw tag CSV into stratified train/val/test
// split files plus the preprocessing metadata consumed by the dataset,
// the trainer and the predictor.
package dataprep

import (
	"encoding/csv"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gocarina/gocsv"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/accessatlas/accessatlas/tags"
)

var requiredColumns = []string{"image_path", "lat", "lon", "type", "source"}

// Output filenames inside the output directory. Downstream stages use
// these to locate the splits without carrying a Result around.
const (
	TrainFile    = "tags_train.csv"
	ValFile      = "tags_val.csv"
	TestFile     = "tags_test.csv"
	MetadataFile = "preprocessing_metadata.json"
)

// Options configure a preprocessing run.
type Options struct {
	CSVPath    string
	ImageDir   string // defaults to <csv dir>/images; checked only if it exists
	OutputDir  string // defaults to the CSV's directory
	TrainRatio float64
	ValRatio   float64
	TestRatio  float64
	Seed       int64
}

// Result summarizes a completed preprocessing run.
type Result struct {
	TotalRows     int
	DroppedRows   int
	MissingImages int
	TrainRows     int
	ValRows       int
	TestRows      int
	Metadata      *Metadata
	TrainPath     string
	ValPath       string
	TestPath      string
	MetadataPath  string
}

// Preprocessor splits raw tag records into stratified train/val/test
// sets. Splits are deterministic for a fixed seed, input and ratios.
type Preprocessor struct {
	opts   Options
	logger *zap.Logger
}

// New validates the split ratios and returns a preprocessor. Ratio
// violations are fatal here, before any file is touched.
func New(opts Options, logger *zap.Logger) (*Preprocessor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sum := opts.TrainRatio + opts.ValRatio + opts.TestRatio
	if math.Abs(sum-1.0) > 1e-6 {
		return nil, fmt.Errorf("split ratios must sum to 1.0, got %v", sum)
	}
	if opts.TrainRatio <= 0 || opts.ValRatio <= 0 || opts.TestRatio <= 0 {
		return nil, fmt.Errorf("split ratios must be positive, got %v/%v/%v",
			opts.TrainRatio, opts.ValRatio, opts.TestRatio)
	}
	return &Preprocessor{opts: opts, logger: logger}, nil
}

// Run loads the input CSV and produces the split files and metadata.
func (p *Preprocessor) Run() (*Result, error) {
	if err := validateHeader(p.opts.CSVPath); err != nil {
		return nil, err
	}

	f, err := os.Open(p.opts.CSVPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open input CSV: %w", err)
	}
	defer f.Close()

	var records []*tags.TagRecord
	if err := gocsv.UnmarshalFile(f, &records); err != nil {
		return nil, fmt.Errorf("failed to parse input CSV: %w", err)
	}

	p.logger.Info("Loaded raw tag records",
		zap.Int("count", len(records)), zap.String("path", p.opts.CSVPath))
	return p.process(records)
}

// RunRecords runs the pipeline over records obtained elsewhere, such as
// an export from the tag store.
func (p *Preprocessor) RunRecords(records []*tags.TagRecord) (*Result, error) {
	return p.process(records)
}

// validateHeader checks the required columns before any rows are
// parsed. A missing column is a different failure than empty values.
func validateHeader(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open input CSV: %w", err)
	}
	defer f.Close()

	header, err := csv.NewReader(f).Read()
	if err != nil {
		return fmt.Errorf("failed to read CSV header: %w", err)
	}

	present := make(map[string]bool, len(header))
	for _, col := range header {
		present[strings.TrimSpace(col)] = true
	}
	var missing []string
	for _, col := range requiredColumns {
		if !present[col] {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required column(s): %s", strings.Join(missing, ", "))
	}
	return nil
}

func (p *Preprocessor) process(records []*tags.TagRecord) (*Result, error) {
	total := len(records)

	kept := make([]*tags.TagRecord, 0, total)
	for i, r := range records {
		if err := r.Validate(); err != nil {
			p.logger.Warn("Dropping invalid row", zap.Int("row", i+1), zap.Error(err))
			continue
		}
		kept = append(kept, r)
	}
	dropped := total - len(kept)
	if dropped > 0 {
		p.logger.Warn("Dropped rows with missing or invalid values",
			zap.Int("dropped", dropped), zap.Int("remaining", len(kept)))
	}
	if len(kept) == 0 {
		return nil, fmt.Errorf("no valid rows in input")
	}

	missingImages := p.checkImages(kept)

	meta, labelFor := buildMetadata(kept)
	p.logger.Info("Normalized coordinates",
		zap.Float64("lat_mean", meta.LatMean), zap.Float64("lat_std", meta.LatStd),
		zap.Float64("lon_mean", meta.LonMean), zap.Float64("lon_std", meta.LonStd))
	p.logger.Info("Encoded tag types",
		zap.Int("num_classes", meta.NumClasses), zap.Strings("tag_types", meta.TagTypes))
	p.logger.Info("Identified source types", zap.Strings("source_types", meta.SourceTypes))

	trainIdx, valIdx, testIdx := p.split(kept, meta.TagTypes)
	p.logger.Info("Split dataset",
		zap.Int("train", len(trainIdx)), zap.Int("val", len(valIdx)), zap.Int("test", len(testIdx)))

	outDir := p.opts.OutputDir
	if outDir == "" {
		if p.opts.CSVPath != "" {
			outDir = filepath.Dir(p.opts.CSVPath)
		} else {
			outDir = "."
		}
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}

	result := &Result{
		TotalRows:     total,
		DroppedRows:   dropped,
		MissingImages: missingImages,
		TrainRows:     len(trainIdx),
		ValRows:       len(valIdx),
		TestRows:      len(testIdx),
		Metadata:      meta,
		TrainPath:     filepath.Join(outDir, TrainFile),
		ValPath:       filepath.Join(outDir, ValFile),
		TestPath:      filepath.Join(outDir, TestFile),
		MetadataPath:  filepath.Join(outDir, MetadataFile),
	}

	splits := []struct {
		path string
		idx  []int
	}{
		{result.TrainPath, trainIdx},
		{result.ValPath, valIdx},
		{result.TestPath, testIdx},
	}
	for _, s := range splits {
		if err := writeSplit(s.path, splitRows(kept, s.idx, meta, labelFor)); err != nil {
			return nil, err
		}
	}
	if err := meta.Save(result.MetadataPath); err != nil {
		return nil, err
	}

	p.logger.Info("Saved split datasets and metadata", zap.String("dir", outDir))
	return result, nil
}

// checkImages counts referenced image files that do not exist. Missing
// images are a warning, the rows stay in the dataset.
func (p *Preprocessor) checkImages(records []*tags.TagRecord) int {
	imageDir := p.opts.ImageDir
	if imageDir == "" {
		if p.opts.CSVPath == "" {
			return 0
		}
		imageDir = filepath.Join(filepath.Dir(p.opts.CSVPath), "images")
	}
	if info, err := os.Stat(imageDir); err != nil || !info.IsDir() {
		return 0
	}

	var missing []string
	for _, r := range records {
		full := r.ImagePath
		if !filepath.IsAbs(full) {
			full = filepath.Join(imageDir, r.ImagePath)
		}
		if _, err := os.Stat(full); err != nil {
			missing = append(missing, r.ImagePath)
		}
	}
	if len(missing) > 0 {
		fields := []zap.Field{zap.Int("count", len(missing))}
		if len(missing) <= 10 {
			fields = append(fields, zap.Strings("paths", missing))
		}
		p.logger.Warn("Image files not found, rows kept", fields...)
	}
	return len(missing)
}

// buildMetadata derives the label encoding (tag types sorted
// alphabetically), the source vocabulary, population mean/std of the
// coordinates and the inverse-frequency class weights.
func buildMetadata(records []*tags.TagRecord) (*Metadata, map[string]int) {
	lats := make([]float64, len(records))
	lons := make([]float64, len(records))
	typeSet := make(map[string]bool)
	sourceSet := make(map[string]bool)
	for i, r := range records {
		lats[i] = *r.Lat
		lons[i] = *r.Lon
		typeSet[string(r.Type)] = true
		sourceSet[string(r.Source)] = true
	}

	tagTypes := make([]string, 0, len(typeSet))
	for t := range typeSet {
		tagTypes = append(tagTypes, t)
	}
	sort.Strings(tagTypes)
	sourceTypes := make([]string, 0, len(sourceSet))
	for s := range sourceSet {
		sourceTypes = append(sourceTypes, s)
	}
	sort.Strings(sourceTypes)

	labelFor := make(map[string]int, len(tagTypes))
	for i, t := range tagTypes {
		labelFor[t] = i
	}

	latMean, latStd := stat.PopMeanStdDev(lats, nil)
	lonMean, lonStd := stat.PopMeanStdDev(lons, nil)
	// Constant coordinates: leave values unscaled rather than divide by zero.
	if latStd == 0 {
		latStd = 1
	}
	if lonStd == 0 {
		lonStd = 1
	}

	counts := make([]int, len(tagTypes))
	for _, r := range records {
		counts[labelFor[string(r.Type)]]++
	}
	numClasses := len(tagTypes)
	total := float64(len(records))
	weights := make([]float64, numClasses)
	for i, count := range counts {
		weights[i] = total / (float64(numClasses) * float64(count))
	}

	return &Metadata{
		SourceTypes:  sourceTypes,
		TagTypes:     tagTypes,
		LatMean:      latMean,
		LatStd:       latStd,
		LonMean:      lonMean,
		LonStd:       lonStd,
		NumClasses:   numClasses,
		ClassWeights: weights,
	}, labelFor
}

// split carves the test fraction per class first, then splits the
// remainder into train/val with val/(train+val). Classes are visited in
// sorted order so the RNG stream, and therefore the output, is
// deterministic for a fixed seed.
func (p *Preprocessor) split(records []*tags.TagRecord, tagTypes []string) (train, val, test []int) {
	rng := rand.New(rand.NewSource(p.opts.Seed))

	byType := make(map[string][]int)
	for i, r := range records {
		byType[string(r.Type)] = append(byType[string(r.Type)], i)
	}

	valAdj := p.opts.ValRatio / (p.opts.TrainRatio + p.opts.ValRatio)
	for _, t := range tagTypes {
		idx := byType[t]
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })

		nTest := int(math.Round(p.opts.TestRatio * float64(len(idx))))
		test = append(test, idx[:nTest]...)

		rest := idx[nTest:]
		nVal := int(math.Round(valAdj * float64(len(rest))))
		val = append(val, rest[:nVal]...)
		train = append(train, rest[nVal:]...)
	}

	sort.Ints(train)
	sort.Ints(val)
	sort.Ints(test)
	return train, val, test
}

func splitRows(records []*tags.TagRecord, idx []int, meta *Metadata, labelFor map[string]int) []*tags.SplitRecord {
	rows := make([]*tags.SplitRecord, 0, len(idx))
	for _, i := range idx {
		r := records[i]
		rows = append(rows, &tags.SplitRecord{
			ImagePath: r.ImagePath,
			Lat:       *r.Lat,
			Lon:       *r.Lon,
			Type:      r.Type,
			Source:    r.Source,
			LatNorm:   (*r.Lat - meta.LatMean) / meta.LatStd,
			LonNorm:   (*r.Lon - meta.LonMean) / meta.LonStd,
			Label:     labelFor[string(r.Type)],
		})
	}
	return rows
}

func writeSplit(path string, rows []*tags.SplitRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	if err := gocsv.Marshal(&rows, f); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// ReadSplit loads one split CSV back into records.
func ReadSplit(path string) ([]*tags.SplitRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open split CSV: %w", err)
	}
	defer f.Close()

	var rows []*tags.SplitRecord
	if err := gocsv.UnmarshalFile(f, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse split CSV: %w", err)
	}
	return rows, nil
}

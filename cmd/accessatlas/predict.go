package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/accessatlas/accessatlas/config"
	"github.com/accessatlas/accessatlas/dataprep"
	"github.com/accessatlas/accessatlas/predict"
	"github.com/accessatlas/accessatlas/tags"
	"github.com/accessatlas/accessatlas/tagstore"
	"github.com/accessatlas/accessatlas/train"
)

func predictCmd() *cobra.Command {
	var checkpoint *string
	var lat *float64
	var lon *float64
	var source *string
	var probs *bool
	var imagesDir *string
	var output *string
	var minConfidence *float64
	var maxImages *int
	var save *bool
	var location *string

	cmd := cobra.Command{
		Use:   "predict [IMAGE]",
		Short: "classify one image, or every image in a directory with --images",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if len(args) == 0 && *imagesDir == "" {
				return fmt.Errorf("an image path or --images is required")
			}
			if len(args) == 1 && *imagesDir != "" {
				return fmt.Errorf("an image path and --images are mutually exclusive")
			}
			src := tags.Source(*source)
			if !src.Valid() {
				return fmt.Errorf("unknown tag source %q (supported: user, osm, model)", *source)
			}
			path := *checkpoint
			if path == "" {
				path = filepath.Join(cfg.Logging.CheckpointDir, train.BestCheckpointFile)
			}

			if len(args) == 1 {
				return runPredictSingle(cfg, path, args[0], *lat, *lon, src, *probs)
			}
			return runPredictBatch(cfg, path, batchOptions{
				imagesDir:     *imagesDir,
				outputPath:    *output,
				lat:           *lat,
				lon:           *lon,
				minConfidence: *minConfidence,
				maxImages:     *maxImages,
				save:          *save,
				location:      *location,
			})
		},
	}

	checkpoint = cmd.Flags().String("checkpoint", "",
		"model checkpoint to predict with (default: best checkpoint of the last run)")
	lat = cmd.Flags().Float64("lat", 0, "tag latitude")
	lon = cmd.Flags().Float64("lon", 0, "tag longitude")
	source = cmd.Flags().String("source", "user", "tag source: user, osm or model")
	probs = cmd.Flags().Bool("probs", false, "print the full class distribution")
	imagesDir = cmd.Flags().String("images", "", "classify every image in this directory")
	output = cmd.Flags().StringP("output", "o", "", "write batch results to this JSON file")
	minConfidence = cmd.Flags().Float64("min-confidence", 0.5,
		"confidence threshold for storing batch predictions")
	maxImages = cmd.Flags().Int("max-images", 0, "cap the number of batch images (0 = all)")
	save = cmd.Flags().Bool("save", false, "store batch predictions as model tags")
	location = cmd.Flags().String("location", "", "location name for stored predictions")

	return &cmd
}

func runPredictSingle(cfg *config.Config, checkpoint, imagePath string, lat, lon float64, source tags.Source, probs bool) error {
	logger := newLogger()
	defer logger.Sync()

	meta, err := dataprep.LoadMetadata(filepath.Join(splitDir(cfg), dataprep.MetadataFile))
	if err != nil {
		return err
	}
	inf, err := predict.NewRealInferencer(checkpoint, meta, logger)
	if err != nil {
		return err
	}
	predictor := predict.NewPredictor(inf, predict.Options{ReturnProbs: probs, Logger: logger})

	res := predictor.Single(predict.Request{
		ImagePath: imagePath,
		Lat:       lat,
		Lon:       lon,
		Source:    source,
	})
	predict.PrintResult(res)
	if res.Err != "" {
		return fmt.Errorf("prediction failed: %s", res.Err)
	}
	return nil
}

type batchOptions struct {
	imagesDir     string
	outputPath    string
	lat           float64
	lon           float64
	minConfidence float64
	maxImages     int
	save          bool
	location      string
}

func runPredictBatch(cfg *config.Config, checkpoint string, opts batchOptions) error {
	if opts.save && opts.location == "" {
		return fmt.Errorf("--location is required with --save")
	}

	logger := newLogger()
	defer logger.Sync()

	meta, err := dataprep.LoadMetadata(filepath.Join(splitDir(cfg), dataprep.MetadataFile))
	if err != nil {
		return err
	}
	inf, err := predict.NewRealInferencer(checkpoint, meta, logger)
	if err != nil {
		return err
	}
	predictor := predict.NewPredictor(inf, predict.Options{Logger: logger})

	files, err := collectImages(opts.imagesDir, opts.maxImages)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no images found in %s", opts.imagesDir)
	}
	fmt.Printf("Classifying %d images from %s\n", len(files), opts.imagesDir)

	// Batch runs generate model tags, so every request carries the
	// model source. Tile filenames override the flag coordinates.
	reqs := make([]predict.Request, len(files))
	for i, file := range files {
		lat, lon := opts.lat, opts.lon
		if tileLat, tileLon, ok := tileCoords(filepath.Base(file)); ok {
			lat, lon = tileLat, tileLon
		}
		reqs[i] = predict.Request{
			ImagePath: file,
			Lat:       lat,
			Lon:       lon,
			Source:    tags.SourceModel,
		}
	}

	results := predictor.Batch(reqs)
	printBatchSummary(results)

	if opts.outputPath != "" {
		if err := writeResults(opts.outputPath, results); err != nil {
			return err
		}
		fmt.Printf("Results written to %s\n", opts.outputPath)
	}

	if opts.save {
		store, err := tagstore.Open(cfg.Store.Path, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		stored, err := predictor.SaveToStore(store, opts.location, results, opts.minConfidence)
		if err != nil {
			return err
		}
		fmt.Printf("Stored %d model tags for %s\n", stored, opts.location)
	}
	return nil
}

// collectImages lists the image files directly inside dir in name
// order, capped at max when positive.
func collectImages(dir string, max int) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read image directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".png", ".jpg", ".jpeg":
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)

	if max > 0 && len(files) > max {
		files = files[:max]
	}
	return files, nil
}

// tileCoords parses coordinates out of map tile filenames of the form
// "tile_LAT_LON.png".
func tileCoords(name string) (float64, float64, bool) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	parts := strings.Split(base, "_")
	if len(parts) < 3 {
		return 0, 0, false
	}
	lat, err := strconv.ParseFloat(parts[len(parts)-2], 64)
	if err != nil {
		return 0, 0, false
	}
	lon, err := strconv.ParseFloat(parts[len(parts)-1], 64)
	if err != nil {
		return 0, 0, false
	}
	return lat, lon, true
}

func printBatchSummary(results []*predict.Result) {
	counts := make(map[string]int)
	failed := 0
	for _, res := range results {
		if res.Err != "" {
			failed++
			continue
		}
		counts[res.PredictedClass]++
	}

	fmt.Printf("\nClassified %d images", len(results)-failed)
	if failed > 0 {
		fmt.Printf(" (%d failed)", failed)
	}
	fmt.Println()

	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-15s %d\n", name, counts[name])
	}
}

func writeResults(path string, results []*predict.Result) error {
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}
	return nil
}

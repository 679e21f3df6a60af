package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/accessatlas/accessatlas/config"
	"github.com/accessatlas/accessatlas/dataprep"
	"github.com/accessatlas/accessatlas/tagstore"
)

func preprocessCmd() *cobra.Command {
	var input *string
	var imageDir *string
	var output *string
	var trainRatio *float64
	var valRatio *float64
	var testRatio *float64
	var seed *int64
	var fromDB *bool

	cmd := cobra.Command{
		Use:   "preprocess",
		Short: "split raw tags into stratified train/val/test sets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("input") {
				cfg.Data.CSVPath = *input
			}
			if cmd.Flags().Changed("images") {
				cfg.Data.ImageDir = *imageDir
			}
			if cmd.Flags().Changed("output") {
				cfg.Data.OutputDir = *output
			}
			if cmd.Flags().Changed("train") {
				cfg.Data.TrainRatio = *trainRatio
			}
			if cmd.Flags().Changed("val") {
				cfg.Data.ValRatio = *valRatio
			}
			if cmd.Flags().Changed("test") {
				cfg.Data.TestRatio = *testRatio
			}
			if cmd.Flags().Changed("seed") {
				cfg.Data.Seed = *seed
			}
			return runPreprocess(cfg, *fromDB)
		},
	}

	input = cmd.Flags().StringP("input", "i", "", "path to the raw tags CSV")
	imageDir = cmd.Flags().String("images", "", "directory holding the referenced images")
	output = cmd.Flags().StringP("output", "o", "", "output directory for the split files")
	trainRatio = cmd.Flags().Float64("train", 0, "training split ratio")
	valRatio = cmd.Flags().Float64("val", 0, "validation split ratio")
	testRatio = cmd.Flags().Float64("test", 0, "test split ratio")
	seed = cmd.Flags().Int64("seed", 0, "random seed for the split")
	fromDB = cmd.Flags().Bool("from-db", false,
		"read tags from the SQLite store instead of the CSV")

	return &cmd
}

func runPreprocess(cfg *config.Config, fromDB bool) error {
	logger := newLogger()
	defer logger.Sync()

	pre, err := dataprep.New(dataprep.Options{
		CSVPath:    cfg.Data.CSVPath,
		ImageDir:   cfg.Data.ImageDir,
		OutputDir:  cfg.Data.OutputDir,
		TrainRatio: cfg.Data.TrainRatio,
		ValRatio:   cfg.Data.ValRatio,
		TestRatio:  cfg.Data.TestRatio,
		Seed:       cfg.Data.Seed,
	}, logger)
	if err != nil {
		return err
	}

	var result *dataprep.Result
	if fromDB {
		result, err = preprocessFromStore(pre, cfg.Store.Path, logger)
	} else {
		result, err = pre.Run()
	}
	if err != nil {
		return err
	}

	fmt.Printf("\nPreprocessing complete: %d train / %d val / %d test rows\n",
		result.TrainRows, result.ValRows, result.TestRows)
	if result.DroppedRows > 0 {
		fmt.Printf("Dropped %d invalid rows\n", result.DroppedRows)
	}
	if result.MissingImages > 0 {
		fmt.Printf("Warning: %d referenced images are missing\n", result.MissingImages)
	}
	fmt.Printf("Splits and metadata written to %s\n", filepath.Dir(result.MetadataPath))
	return nil
}

// preprocessFromStore feeds the preprocessor from the tag store instead
// of a CSV file, so model- and user-submitted tags can flow back into
// training.
func preprocessFromStore(pre *dataprep.Preprocessor, path string, logger *zap.Logger) (*dataprep.Result, error) {
	store, err := tagstore.Open(path, logger)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	records, err := store.ExportRecords()
	if err != nil {
		return nil, err
	}
	logger.Info("Exported tags from the store",
		zap.Int("count", len(records)), zap.String("path", path))
	return pre.RunRecords(records)
}

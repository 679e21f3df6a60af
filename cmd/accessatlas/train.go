package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/accessatlas/accessatlas/config"
	"github.com/accessatlas/accessatlas/dataprep"
	"github.com/accessatlas/accessatlas/dataset"
	"github.com/accessatlas/accessatlas/model"
	"github.com/accessatlas/accessatlas/nn"
	"github.com/accessatlas/accessatlas/train"
)

func trainCmd() *cobra.Command {
	var resume *string
	var epochs *int
	var track *bool

	cmd := cobra.Command{
		Use:   "train",
		Short: "train the fusion classifier on the preprocessed splits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("epochs") {
				cfg.Training.Epochs = *epochs
			}
			if cmd.Flags().Changed("track") {
				cfg.Tracker.Enabled = *track
			}
			return runTrain(cfg, *resume)
		},
	}

	resume = cmd.Flags().String("resume", "", "checkpoint to resume training from")
	epochs = cmd.Flags().Int("epochs", 0, "override the configured number of epochs")
	track = cmd.Flags().Bool("track", false,
		"publish epoch metrics to the experiment tracker (needs tracker.url in the config)")

	return &cmd
}

func runTrain(cfg *config.Config, resume string) error {
	logger := newLogger()
	defer logger.Sync()

	dir := splitDir(cfg)
	meta, err := dataprep.LoadMetadata(filepath.Join(dir, dataprep.MetadataFile))
	if err != nil {
		return err
	}

	// The label vocabulary from preprocessing, not the config file,
	// decides the classifier width.
	cfg.Model.NumClasses = meta.NumClasses

	m, err := model.Build(cfg.Model, len(meta.SourceTypes))
	if err != nil {
		return err
	}
	logger.Info("Built fusion model",
		zap.String("architecture", m.Architecture()),
		zap.Int("num_classes", m.NumClasses()),
		zap.Int("num_sources", m.NumSources()))

	branches, err := m.Spec(cfg.Data.ImageSize)
	if err != nil {
		return err
	}
	printer := nn.NewModelArchitecturePrinter("FusionModel")
	printer.PrintHeader()
	var totalParams int64
	for _, branch := range branches {
		printer.PrintSection(branch.Name, branch.Spec)
		totalParams += branch.Spec.TotalParameters
	}
	printer.PrintFooter(totalParams)

	cache := dataset.NewImageCache(cfg.Data.CacheSize)
	augmentor := &dataset.Augmentor{
		RotationDegrees: cfg.Augmentation.RotationDegrees,
		FlipProb:        cfg.Augmentation.HorizontalFlip,
		Brightness:      cfg.Augmentation.Brightness,
		Contrast:        cfg.Augmentation.Contrast,
		CropScaleMin:    cfg.Augmentation.CropScaleMin,
	}

	trainDS, err := dataset.NewTagDataset(filepath.Join(dir, dataprep.TrainFile), meta, dataset.Options{
		ImageDir:  cfg.Data.ImageDir,
		ImageSize: cfg.Data.ImageSize,
		Augmentor: augmentor,
		Seed:      cfg.Data.Seed,
		Cache:     cache,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	valDS, err := dataset.NewTagDataset(filepath.Join(dir, dataprep.ValFile), meta, dataset.Options{
		ImageDir:  cfg.Data.ImageDir,
		ImageSize: cfg.Data.ImageSize,
		Cache:     cache,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	trainLoader, err := dataset.NewLoader(trainDS, dataset.LoaderConfig{
		BatchSize: cfg.Data.BatchSize,
		Shuffle:   true,
		Seed:      cfg.Data.Seed,
	})
	if err != nil {
		return err
	}
	valLoader, err := dataset.NewLoader(valDS, dataset.LoaderConfig{
		BatchSize: cfg.Data.BatchSize,
	})
	if err != nil {
		return err
	}

	trainer, err := train.NewTrainer(m, cfg, train.Options{
		ClassWeights: meta.ClassWeights32(),
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	if resume != "" {
		epoch, err := trainer.Resume(resume)
		if err != nil {
			return err
		}
		logger.Info("Resumed training",
			zap.String("checkpoint", resume), zap.Int("epoch", epoch))
	}

	result, err := trainer.Fit(trainLoader, valLoader)
	if err != nil {
		return err
	}

	fmt.Printf("\nTraining complete: best val accuracy %.2f%% after %d epochs\n",
		result.BestValAcc, result.FinalEpoch)
	if result.SkippedBatches > 0 {
		fmt.Printf("Skipped %d failing batches\n", result.SkippedBatches)
	}
	if result.BestCheckpoint != "" {
		fmt.Printf("Best checkpoint: %s\n", result.BestCheckpoint)
	}
	return nil
}

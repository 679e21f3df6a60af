package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/accessatlas/accessatlas/checkpoints"
	"github.com/accessatlas/accessatlas/config"
	"github.com/accessatlas/accessatlas/dataprep"
	"github.com/accessatlas/accessatlas/dataset"
	"github.com/accessatlas/accessatlas/eval"
	"github.com/accessatlas/accessatlas/model"
	"github.com/accessatlas/accessatlas/report"
	"github.com/accessatlas/accessatlas/train"
)

var splitFiles = map[string]string{
	"train": dataprep.TrainFile,
	"val":   dataprep.ValFile,
	"test":  dataprep.TestFile,
}

func evaluateCmd() *cobra.Command {
	var checkpoint *string
	var split *string
	var reportPath *string
	var trainingLog *string

	cmd := cobra.Command{
		Use:   "evaluate",
		Short: "score a trained model on a data split",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if _, ok := splitFiles[*split]; !ok {
				return fmt.Errorf("unknown split %q (supported: train, val, test)", *split)
			}
			path := *checkpoint
			if path == "" {
				path = filepath.Join(cfg.Logging.CheckpointDir, train.BestCheckpointFile)
			}
			return runEvaluate(cfg, path, *split, *reportPath, *trainingLog)
		},
	}

	checkpoint = cmd.Flags().String("checkpoint", "",
		"model checkpoint to evaluate (default: best checkpoint of the last run)")
	split = cmd.Flags().String("split", "test", "data split to evaluate: train, val or test")
	reportPath = cmd.Flags().String("report", "", "write an HTML evaluation report to this path")
	trainingLog = cmd.Flags().String("training-log", "",
		"training log to include in the report's loss and accuracy charts")

	return &cmd
}

func runEvaluate(cfg *config.Config, checkpoint, split, reportPath, trainingLogPath string) error {
	logger := newLogger()
	defer logger.Sync()

	dir := splitDir(cfg)
	meta, err := dataprep.LoadMetadata(filepath.Join(dir, dataprep.MetadataFile))
	if err != nil {
		return err
	}

	m, err := restoreModel(checkpoint, meta, logger)
	if err != nil {
		return err
	}

	ds, err := dataset.NewTagDataset(filepath.Join(dir, splitFiles[split]), meta, dataset.Options{
		ImageDir:  cfg.Data.ImageDir,
		ImageSize: cfg.Data.ImageSize,
		Cache:     dataset.NewImageCache(cfg.Data.CacheSize),
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	loader, err := dataset.NewLoader(ds, dataset.LoaderConfig{BatchSize: cfg.Data.BatchSize})
	if err != nil {
		return err
	}

	ev, err := eval.NewEvaluator(m, meta.TagTypes, eval.Options{
		ErrorDir: cfg.Logging.ErrorDir,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	metrics, predictions, err := ev.Evaluate(loader, split)
	if err != nil {
		return err
	}

	ev.PrintMetrics(metrics, split)
	if cfg.Evaluation.ConfusionMatrix {
		ev.PrintConfusionMatrix(metrics, split)
	}
	if _, err := ev.SaveMetrics(metrics, split); err != nil {
		return err
	}

	analysis, _, err := ev.AnalyzeErrors(predictions, split, cfg.Evaluation.TopKErrors)
	if err != nil {
		return err
	}
	if cfg.Evaluation.SaveMisclassified && analysis.TotalErrors > 0 {
		if err := ev.SaveMisclassified(analysis.TopKErrors, cfg.Data.ImageDir, split); err != nil {
			return err
		}
	}

	if reportPath != "" {
		var trainingLog *train.TrainingLog
		if trainingLogPath != "" {
			trainingLog, err = train.LoadTrainingLog(trainingLogPath)
			if err != nil {
				return err
			}
		}
		if err := report.Generate(reportPath, meta.TagTypes, trainingLog, metrics, logger); err != nil {
			return err
		}
		fmt.Printf("Report written to %s\n", reportPath)
	}
	return nil
}

// restoreModel rebuilds a model from a checkpoint's config snapshot and
// loads its weights. The label width must match the metadata the splits
// were produced with.
func restoreModel(path string, meta *dataprep.Metadata, logger *zap.Logger) (*model.FusionModel, error) {
	ckpt, err := checkpoints.NewCheckpointSaver(checkpoints.FormatJSON).LoadCheckpoint(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	cfg, err := config.FromSnapshot(ckpt.Config)
	if err != nil {
		return nil, err
	}
	if cfg.Model.NumClasses != len(meta.TagTypes) {
		return nil, fmt.Errorf("checkpoint has %d classes but metadata lists %d tag types",
			cfg.Model.NumClasses, len(meta.TagTypes))
	}

	// Weights come from the checkpoint state; a stale backbone path in
	// the snapshot must not be re-resolved here.
	cfg.Model.BackboneWeights = ""
	m, err := model.Build(cfg.Model, len(meta.SourceTypes))
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild model: %w", err)
	}
	if err := model.LoadState(m, ckpt.ModelStateDict); err != nil {
		return nil, fmt.Errorf("failed to restore model weights: %w", err)
	}

	logger.Info("Restored model from checkpoint",
		zap.String("checkpoint", path),
		zap.Int("epoch", ckpt.Epoch),
		zap.Float64("best_val_acc", ckpt.BestValAcc))
	return m, nil
}

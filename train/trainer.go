// Package train runs the epoch loop for the fusion classifier and
// writes its checkpoints and run logs.
package train

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/accessatlas/accessatlas/checkpoints"
	"github.com/accessatlas/accessatlas/config"
	"github.com/accessatlas/accessatlas/dataset"
	"github.com/accessatlas/accessatlas/model"
	"github.com/accessatlas/accessatlas/nn"
	"github.com/accessatlas/accessatlas/tensor"
)

// BestCheckpointFile is the name the best checkpoint is saved under in
// the checkpoint directory.
const BestCheckpointFile = "best_model.json"

// EpochStats is one epoch of history as it appears in the training log.
// Accuracy is a percentage.
type EpochStats struct {
	Epoch    int     `json:"epoch"`
	Loss     float64 `json:"loss"`
	Accuracy float64 `json:"accuracy"`
	LR       float64 `json:"lr"`
}

// TrainingLog is the JSON document written when a run finishes.
type TrainingLog struct {
	RunID        string                 `json:"run_id"`
	TrainHistory []EpochStats           `json:"train_history"`
	ValHistory   []EpochStats           `json:"val_history"`
	BestValAcc   float64                `json:"best_val_acc"`
	FinalEpoch   int                    `json:"final_epoch"`
	Config       map[string]interface{} `json:"config"`
}

// LoadTrainingLog reads a training log written by a finished run, for
// reporting against past runs.
func LoadTrainingLog(path string) (*TrainingLog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read training log: %w", err)
	}
	var trainingLog TrainingLog
	if err := json.Unmarshal(data, &trainingLog); err != nil {
		return nil, fmt.Errorf("failed to decode training log: %w", err)
	}
	return &trainingLog, nil
}

// Result summarizes a finished run.
type Result struct {
	RunID          string
	BestValAcc     float64
	FinalEpoch     int
	SkippedBatches int
	TrainHistory   []EpochStats
	ValHistory     []EpochStats
	BestCheckpoint string
	LogPath        string
}

// Options configures optional trainer collaborators.
type Options struct {
	// ClassWeights holds one weight per class, usually from the
	// preprocessing metadata. Applied only when use_class_weights is
	// set in the training config.
	ClassWeights []float32
	Tracker      *Tracker
	Logger       *zap.Logger
}

// Trainer drives training and validation epochs for a fusion model.
type Trainer struct {
	model     *model.FusionModel
	cfg       *config.Config
	criterion *nn.CrossEntropyLoss
	optimizer nn.Optimizer
	scheduler nn.LRScheduler
	tracker   *Tracker
	saver     *checkpoints.CheckpointSaver
	logger    *zap.Logger
	runID     string

	currentEpoch             int
	bestValAcc               float64
	epochsWithoutImprovement int
	skippedBatches           int
	trainHistory             []EpochStats
	valHistory               []EpochStats
}

// NewTrainer wires a trainer from the training configuration: loss,
// optimizer, scheduler and tracker.
func NewTrainer(m *model.FusionModel, cfg *config.Config, opts Options) (*Trainer, error) {
	if m == nil {
		return nil, fmt.Errorf("a model is required")
	}
	if cfg == nil {
		return nil, fmt.Errorf("a configuration is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	criterion := nn.NewCrossEntropyLoss("mean")
	if cfg.Training.UseClassWeights && len(opts.ClassWeights) > 0 {
		if len(opts.ClassWeights) != m.NumClasses() {
			return nil, fmt.Errorf("got %d class weights for %d classes", len(opts.ClassWeights), m.NumClasses())
		}
		criterion = nn.NewWeightedCrossEntropyLoss(opts.ClassWeights, "mean")
	}

	params := m.TrainableParameters()
	if len(params) == 0 {
		return nil, fmt.Errorf("model has no trainable parameters")
	}

	optimizer, err := buildOptimizer(params, cfg.Training)
	if err != nil {
		return nil, err
	}

	scheduler, err := buildScheduler(cfg.Training)
	if err != nil {
		return nil, err
	}

	tracker := opts.Tracker
	if tracker == nil {
		tc := DefaultTrackerConfig()
		if cfg.Tracker.URL != "" {
			tc.BaseURL = cfg.Tracker.URL
		}
		tracker = NewTracker(tc)
		if cfg.Tracker.Enabled && cfg.Tracker.URL != "" {
			tracker.Enable()
		}
	}

	return &Trainer{
		model:     m,
		cfg:       cfg,
		criterion: criterion,
		optimizer: optimizer,
		scheduler: scheduler,
		tracker:   tracker,
		saver:     checkpoints.NewCheckpointSaver(checkpoints.FormatJSON),
		logger:    logger,
		runID:     uuid.New().String(),
	}, nil
}

func buildOptimizer(params []*tensor.Tensor, cfg config.TrainingConfig) (nn.Optimizer, error) {
	switch strings.ToLower(cfg.Optimizer) {
	case "", "adam":
		return nn.NewAdam(params, cfg.LearningRate, 0.9, 0.999, 1e-8, cfg.WeightDecay), nil
	case "sgd":
		return nn.NewSGD(params, cfg.LearningRate, cfg.Momentum, cfg.WeightDecay, 0, cfg.Nesterov), nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q (supported: adam, sgd)", cfg.Optimizer)
	}
}

func buildScheduler(cfg config.TrainingConfig) (nn.LRScheduler, error) {
	sc := nn.SchedulerConfig{
		Name:     cfg.Scheduler,
		StepSize: cfg.StepLRStepSize,
		Gamma:    cfg.StepLRGamma,
		TMax:     cfg.Epochs,
		// Plateau schedules watch validation accuracy.
		Mode: "max",
	}
	scheduler, err := nn.NewScheduler(sc)
	if err != nil {
		return nil, fmt.Errorf("failed to build scheduler: %w", err)
	}
	return scheduler, nil
}

// RunID returns the identity attached to this run's log and tracker
// payloads.
func (t *Trainer) RunID() string {
	return t.runID
}

// LearningRate returns the optimizer's current learning rate.
func (t *Trainer) LearningRate() float64 {
	return t.optimizer.GetLR()
}

// Fit runs the full training loop and returns the run summary.
func (t *Trainer) Fit(trainLoader, valLoader *dataset.Loader) (*Result, error) {
	if trainLoader == nil || valLoader == nil {
		return nil, fmt.Errorf("train and validation loaders are required")
	}

	if err := os.MkdirAll(t.cfg.Logging.CheckpointDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint dir: %w", err)
	}
	if err := os.MkdirAll(t.cfg.Logging.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}

	epochs := t.cfg.Training.Epochs
	separator := strings.Repeat("=", 60)
	fmt.Printf("\n%s\n", separator)
	fmt.Printf("Starting training for %d epochs\n", epochs)
	fmt.Printf("%s\n\n", separator)

	t.logger.Info("Starting run",
		zap.String("run_id", t.runID),
		zap.String("architecture", t.model.Architecture()),
		zap.Int("epochs", epochs),
		zap.String("optimizer", t.optimizer.Name()),
		zap.String("scheduler", t.scheduler.GetName()))

	if t.cfg.Training.MixedPrecision {
		t.logger.Info("Mixed precision is recorded but the engine computes in float32")
	}

	if t.tracker.IsEnabled() {
		if err := t.tracker.CheckHealth(); err != nil {
			t.logger.Warn("Tracker health check failed", zap.Error(err))
		}
	}

	var bestPath string
	for epoch := 0; epoch < epochs; epoch++ {
		t.currentEpoch = epoch

		trainLoss, trainAcc, err := t.trainEpoch(trainLoader, epoch)
		if err != nil {
			return nil, fmt.Errorf("training epoch %d failed: %w", epoch+1, err)
		}
		epochLR := t.optimizer.GetLR()
		t.trainHistory = append(t.trainHistory, EpochStats{
			Epoch:    epoch + 1,
			Loss:     trainLoss,
			Accuracy: trainAcc,
			LR:       epochLR,
		})

		valLoss, valAcc, err := t.validateEpoch(valLoader, epoch)
		if err != nil {
			return nil, fmt.Errorf("validation epoch %d failed: %w", epoch+1, err)
		}
		t.valHistory = append(t.valHistory, EpochStats{
			Epoch:    epoch + 1,
			Loss:     valLoss,
			Accuracy: valAcc,
			LR:       epochLR,
		})

		t.stepScheduler(epoch, valAcc)

		fmt.Printf("\nEpoch %d/%d\n", epoch+1, epochs)
		fmt.Printf("  Train Loss: %.4f | Train Acc: %.2f%%\n", trainLoss, trainAcc)
		fmt.Printf("  Val Loss:   %.4f | Val Acc:   %.2f%%\n\n", valLoss, valAcc)

		if t.cfg.Logging.SaveLast {
			if _, err := t.saveCheckpoint(fmt.Sprintf("checkpoint_epoch_%d.json", epoch+1)); err != nil {
				return nil, err
			}
		}

		if valAcc > t.bestValAcc {
			t.bestValAcc = valAcc
			t.epochsWithoutImprovement = 0
			if t.cfg.Logging.SaveBestOnly {
				if _, err := t.saveCheckpoint(fmt.Sprintf("best_model_epoch_%d.json", epoch+1)); err != nil {
					return nil, err
				}
			}
			path, err := t.saveBest()
			if err != nil {
				return nil, err
			}
			bestPath = path
		} else {
			t.epochsWithoutImprovement++
		}

		t.publishEpoch(epoch, trainLoss, trainAcc, valLoss, valAcc, epochLR)

		patience := t.cfg.Training.EarlyStoppingPatience
		if patience > 0 && t.epochsWithoutImprovement >= patience {
			fmt.Printf("\nEarly stopping triggered after %d epochs\n", epoch+1)
			fmt.Printf("Best validation accuracy: %.2f%%\n", t.bestValAcc)
			break
		}
	}

	logPath, err := t.saveTrainingLog()
	if err != nil {
		return nil, err
	}

	fmt.Printf("\n%s\n", separator)
	fmt.Printf("Training completed!\n")
	fmt.Printf("Best validation accuracy: %.2f%%\n", t.bestValAcc)
	fmt.Printf("%s\n\n", separator)

	return &Result{
		RunID:          t.runID,
		BestValAcc:     t.bestValAcc,
		FinalEpoch:     t.currentEpoch + 1,
		SkippedBatches: t.skippedBatches,
		TrainHistory:   t.trainHistory,
		ValHistory:     t.valHistory,
		BestCheckpoint: bestPath,
		LogPath:        logPath,
	}, nil
}

// trainEpoch runs one training epoch and returns the average batch loss
// and the accuracy percentage.
func (t *Trainer) trainEpoch(loader *dataset.Loader, epoch int) (float64, float64, error) {
	t.model.Train()
	loader.Reset()

	accumSteps := t.cfg.Training.AccumSteps
	if accumSteps < 1 {
		accumSteps = 1
	}
	logInterval := t.cfg.Logging.LogInterval
	if logInterval < 1 {
		logInterval = 1
	}

	pb := nn.NewProgressBar(fmt.Sprintf("Epoch %d [Train]", epoch+1), loader.Steps())
	metrics := make(map[string]float64)

	var totalLoss float64
	var correct, total, batches, pending int

	t.optimizer.ZeroGrad()
	for step := 0; ; step++ {
		batch, err := loader.NextBatch()
		if err != nil {
			if ferr := t.recoverBatch(epoch, step, err); ferr != nil {
				return 0, 0, ferr
			}
			continue
		}
		if batch == nil {
			break
		}

		loss, lossVal, batchCorrect, err := t.batchForward(batch)
		if err != nil {
			if ferr := t.recoverBatch(epoch, step, err); ferr != nil {
				return 0, 0, ferr
			}
			continue
		}

		backward := loss
		if accumSteps > 1 {
			// Average the gradient over the accumulation window.
			backward, err = tensor.ScaleAutograd(loss, 1.0/float64(accumSteps))
			if err != nil {
				return 0, 0, fmt.Errorf("failed to scale loss: %w", err)
			}
		}
		if err := backward.Backward(); err != nil {
			return 0, 0, fmt.Errorf("backward pass failed: %w", err)
		}

		pending++
		if pending >= accumSteps {
			if err := t.applyStep(); err != nil {
				return 0, 0, err
			}
			pending = 0
		}

		totalLoss += lossVal
		correct += batchCorrect
		total += batch.Size
		batches++

		if step%logInterval == 0 {
			metrics = map[string]float64{
				"loss": lossVal,
				"acc":  float64(correct) / float64(total),
			}
		}
		pb.Update(step+1, metrics)
	}

	// Flush gradients left over from a partial accumulation window.
	if pending > 0 {
		if err := t.applyStep(); err != nil {
			return 0, 0, err
		}
	}
	pb.Finish()

	if batches == 0 {
		return 0, 0, fmt.Errorf("no batches completed in epoch %d", epoch+1)
	}

	avgLoss := totalLoss / float64(batches)
	accuracy := 100.0 * float64(correct) / float64(total)
	return avgLoss, accuracy, nil
}

// validateEpoch runs one validation epoch in eval mode. No gradients
// are applied.
func (t *Trainer) validateEpoch(loader *dataset.Loader, epoch int) (float64, float64, error) {
	t.model.Eval()
	loader.Reset()

	pb := nn.NewProgressBar(fmt.Sprintf("Epoch %d [Val]", epoch+1), loader.Steps())
	metrics := make(map[string]float64)

	var totalLoss float64
	var correct, total, batches int

	for step := 0; ; step++ {
		batch, err := loader.NextBatch()
		if err != nil {
			if ferr := t.recoverBatch(epoch, step, err); ferr != nil {
				return 0, 0, ferr
			}
			continue
		}
		if batch == nil {
			break
		}

		_, lossVal, batchCorrect, err := t.batchForward(batch)
		if err != nil {
			if ferr := t.recoverBatch(epoch, step, err); ferr != nil {
				return 0, 0, ferr
			}
			continue
		}

		totalLoss += lossVal
		correct += batchCorrect
		total += batch.Size
		batches++

		metrics = map[string]float64{
			"loss": lossVal,
			"acc":  float64(correct) / float64(total),
		}
		pb.Update(step+1, metrics)
	}
	pb.Finish()

	if batches == 0 {
		return 0, 0, fmt.Errorf("no batches completed in validation epoch %d", epoch+1)
	}

	avgLoss := totalLoss / float64(batches)
	accuracy := 100.0 * float64(correct) / float64(total)
	return avgLoss, accuracy, nil
}

// batchForward runs the model and loss on one batch. It returns the
// loss tensor for backward, the loss value and the number of correct
// predictions.
func (t *Trainer) batchForward(batch *dataset.FusionBatch) (*tensor.Tensor, float64, int, error) {
	logits, err := t.model.Forward(batch.Images, batch.Lats, batch.Lons, batch.Sources)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("forward pass failed: %w", err)
	}

	loss, err := t.criterion.Forward(logits, batch.Labels)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("loss computation failed: %w", err)
	}

	item, err := loss.Item()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to read loss value: %w", err)
	}
	lossVal := float64(item.(float32))

	correct, err := countCorrect(logits, batch.Labels)
	if err != nil {
		return nil, 0, 0, err
	}

	return loss, lossVal, correct, nil
}

// recoverBatch decides whether a failed batch aborts the epoch. With
// recover_batches set the failure is logged and counted instead.
func (t *Trainer) recoverBatch(epoch, step int, err error) error {
	if !t.cfg.Training.RecoverBatches {
		return fmt.Errorf("batch %d failed: %w", step, err)
	}
	t.skippedBatches++
	t.logger.Warn("Skipping failed batch",
		zap.Int("epoch", epoch+1),
		zap.Int("batch", step),
		zap.Error(err))
	return nil
}

// applyStep clips, steps and zeroes gradients.
func (t *Trainer) applyStep() error {
	if clip := t.cfg.Training.GradClip; clip > 0 {
		if _, err := nn.ClipGradNorm(t.model.TrainableParameters(), clip); err != nil {
			return fmt.Errorf("gradient clipping failed: %w", err)
		}
	}
	if err := t.optimizer.Step(); err != nil {
		return fmt.Errorf("optimizer step failed: %w", err)
	}
	t.optimizer.ZeroGrad()
	return nil
}

// stepScheduler applies the post-epoch learning rate update. Plateau
// schedules consume the validation accuracy; epoch-indexed schedules
// read the rate for the next epoch.
func (t *Trainer) stepScheduler(epoch int, valAcc float64) {
	switch s := t.scheduler.(type) {
	case *nn.NoOpScheduler:
		return
	case *nn.ReduceLROnPlateauScheduler:
		t.optimizer.SetLR(s.Step(valAcc, t.optimizer.GetLR()))
	default:
		t.optimizer.SetLR(t.scheduler.GetLR(epoch+1, 0, t.cfg.Training.LearningRate))
	}
	fmt.Printf("Learning rate: %.6f\n", t.optimizer.GetLR())
}

// publishEpoch sends the epoch metrics to the tracker. Failures are
// logged and never interrupt training.
func (t *Trainer) publishEpoch(epoch int, trainLoss, trainAcc, valLoss, valAcc, lr float64) {
	if !t.tracker.IsEnabled() {
		return
	}
	now := time.Now()
	metrics := []RunMetric{
		{
			RunID:        t.runID,
			Phase:        "train",
			Epoch:        epoch + 1,
			Loss:         trainLoss,
			Accuracy:     trainAcc,
			LearningRate: lr,
			BestValAcc:   t.bestValAcc,
			Timestamp:    now,
		},
		{
			RunID:        t.runID,
			Phase:        "val",
			Epoch:        epoch + 1,
			Loss:         valLoss,
			Accuracy:     valAcc,
			LearningRate: lr,
			BestValAcc:   t.bestValAcc,
			Timestamp:    now,
		},
	}
	if _, err := t.tracker.PublishBatch(metrics); err != nil {
		t.logger.Warn("Failed to publish epoch metrics", zap.Error(err))
	}
}

func (t *Trainer) buildCheckpoint() (*checkpoints.Checkpoint, error) {
	weights, err := model.ExtractState(t.model)
	if err != nil {
		return nil, fmt.Errorf("failed to extract model state: %w", err)
	}

	snapshot, err := t.cfg.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot config: %w", err)
	}

	optState := t.optimizer.StateSnapshot()
	ckpt := &checkpoints.Checkpoint{
		Epoch:              t.currentEpoch + 1,
		ModelStateDict:     weights,
		OptimizerStateDict: &optState,
		BestValAcc:         t.bestValAcc,
		Config:             snapshot,
		Metadata: checkpoints.CheckpointMetadata{
			Description: fmt.Sprintf("run %s", t.runID),
			Tags:        []string{t.model.Architecture()},
		},
	}
	if s, ok := t.scheduler.(nn.StatefulScheduler); ok {
		snap := s.Snapshot()
		ckpt.SchedulerStateDict = &snap
	}
	return ckpt, nil
}

func (t *Trainer) saveCheckpoint(filename string) (string, error) {
	ckpt, err := t.buildCheckpoint()
	if err != nil {
		return "", err
	}
	path := filepath.Join(t.cfg.Logging.CheckpointDir, filename)
	if err := t.saver.SaveCheckpoint(ckpt, path); err != nil {
		return "", fmt.Errorf("failed to save checkpoint: %w", err)
	}
	fmt.Printf("Checkpoint saved: %s\n", path)
	return path, nil
}

// saveBest replaces best_model.json through a temp file and rename.
func (t *Trainer) saveBest() (string, error) {
	ckpt, err := t.buildCheckpoint()
	if err != nil {
		return "", err
	}
	dir := t.cfg.Logging.CheckpointDir
	tmp := filepath.Join(dir, ".best_model.json.tmp")
	if err := t.saver.SaveCheckpoint(ckpt, tmp); err != nil {
		return "", fmt.Errorf("failed to save best checkpoint: %w", err)
	}
	path := filepath.Join(dir, BestCheckpointFile)
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to replace best checkpoint: %w", err)
	}
	fmt.Printf("Best model saved: %s\n", path)
	return path, nil
}

// Resume restores model, optimizer and scheduler state from a saved
// checkpoint and returns the epoch it was taken at.
func (t *Trainer) Resume(path string) (int, error) {
	ckpt, err := t.saver.LoadCheckpoint(path)
	if err != nil {
		return 0, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if err := model.LoadState(t.model, ckpt.ModelStateDict); err != nil {
		return 0, fmt.Errorf("failed to restore model state: %w", err)
	}
	if ckpt.OptimizerStateDict != nil {
		if err := t.optimizer.RestoreSnapshot(*ckpt.OptimizerStateDict); err != nil {
			return 0, fmt.Errorf("failed to restore optimizer state: %w", err)
		}
	}
	if ckpt.SchedulerStateDict != nil {
		if s, ok := t.scheduler.(nn.StatefulScheduler); ok {
			s.Restore(*ckpt.SchedulerStateDict)
		}
	}
	t.bestValAcc = ckpt.BestValAcc
	fmt.Printf("Checkpoint loaded: %s\n", path)
	return ckpt.Epoch, nil
}

func (t *Trainer) saveTrainingLog() (string, error) {
	snapshot, err := t.cfg.Snapshot()
	if err != nil {
		return "", fmt.Errorf("failed to snapshot config: %w", err)
	}
	logData := TrainingLog{
		RunID:        t.runID,
		TrainHistory: t.trainHistory,
		ValHistory:   t.valHistory,
		BestValAcc:   t.bestValAcc,
		FinalEpoch:   t.currentEpoch + 1,
		Config:       snapshot,
	}
	data, err := json.MarshalIndent(logData, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal training log: %w", err)
	}
	timestamp := time.Now().Format("20060102_150405")
	path := filepath.Join(t.cfg.Logging.LogDir, fmt.Sprintf("training_log_%s.json", timestamp))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write training log: %w", err)
	}
	fmt.Printf("Training log saved: %s\n", path)
	return path, nil
}

// countCorrect compares argmax predictions against the label tensor.
func countCorrect(logits, labels *tensor.Tensor) (int, error) {
	preds, err := tensor.ArgMax(logits)
	if err != nil {
		return 0, fmt.Errorf("failed to compute predictions: %w", err)
	}
	predData, err := preds.GetInt32Data()
	if err != nil {
		return 0, fmt.Errorf("failed to read predictions: %w", err)
	}
	labelData, err := labels.GetInt32Data()
	if err != nil {
		return 0, fmt.Errorf("failed to read labels: %w", err)
	}
	if len(predData) != len(labelData) {
		return 0, fmt.Errorf("prediction count %d does not match label count %d", len(predData), len(labelData))
	}

	correct := 0
	for i := range predData {
		if predData[i] == labelData[i] {
			correct++
		}
	}
	return correct, nil
}

// Package config loads and validates the YAML configuration for the
// training pipeline, the exporter and the tag API server.
package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration.
type Config struct {
	Data         DataConfig         `yaml:"data" json:"data"`
	Augmentation AugmentationConfig `yaml:"augmentation" json:"augmentation"`
	Model        ModelConfig        `yaml:"model" json:"model"`
	Training     TrainingConfig     `yaml:"training" json:"training"`
	Evaluation   EvaluationConfig   `yaml:"evaluation" json:"evaluation"`
	Export       ExportConfig       `yaml:"export" json:"export"`
	Logging      LoggingConfig      `yaml:"logging" json:"logging"`
	Store        StoreConfig        `yaml:"store" json:"store"`
	Server       ServerConfig       `yaml:"server" json:"server"`
	Tracker      TrackerConfig      `yaml:"tracker" json:"tracker"`
}

// DataConfig covers the raw CSV, the split outputs and batch loading.
type DataConfig struct {
	CSVPath    string  `yaml:"csv_path" json:"csv_path"`
	ImageDir   string  `yaml:"image_dir" json:"image_dir"`
	OutputDir  string  `yaml:"output_dir" json:"output_dir"`
	ImageSize  int     `yaml:"image_size" json:"image_size"`
	BatchSize  int     `yaml:"batch_size" json:"batch_size"`
	TrainRatio float64 `yaml:"train_ratio" json:"train_ratio"`
	ValRatio   float64 `yaml:"val_ratio" json:"val_ratio"`
	TestRatio  float64 `yaml:"test_ratio" json:"test_ratio"`
	Seed       int64   `yaml:"seed" json:"seed"`
	CacheSize  int     `yaml:"cache_size" json:"cache_size"`
}

// AugmentationConfig holds the train-split augmentation knobs.
type AugmentationConfig struct {
	RotationDegrees float64 `yaml:"rotation_degrees" json:"rotation_degrees"`
	HorizontalFlip  float64 `yaml:"horizontal_flip" json:"horizontal_flip"`
	Brightness      float64 `yaml:"brightness" json:"brightness"`
	Contrast        float64 `yaml:"contrast" json:"contrast"`
	CropScaleMin    float64 `yaml:"crop_scale_min" json:"crop_scale_min"`
}

// ModelConfig describes the fusion architecture.
type ModelConfig struct {
	Architecture    string  `yaml:"architecture" json:"architecture"`
	CNNChannels     []int   `yaml:"cnn_channels" json:"cnn_channels"`
	CNNDropout      float64 `yaml:"cnn_dropout" json:"cnn_dropout"`
	MetadataHidden  int     `yaml:"metadata_hidden" json:"metadata_hidden"`
	FusionHidden    int     `yaml:"fusion_hidden" json:"fusion_hidden"`
	NumClasses      int     `yaml:"num_classes" json:"num_classes"`
	ImageSize       int     `yaml:"image_size" json:"image_size"`
	BackboneWeights string  `yaml:"backbone_weights" json:"backbone_weights"`
	FreezeBackbone  bool    `yaml:"freeze_backbone" json:"freeze_backbone"`
}

// TrainingConfig drives the optimizer, scheduler and epoch loop.
type TrainingConfig struct {
	Epochs                int     `yaml:"num_epochs" json:"num_epochs"`
	LearningRate          float64 `yaml:"learning_rate" json:"learning_rate"`
	WeightDecay           float64 `yaml:"weight_decay" json:"weight_decay"`
	Optimizer             string  `yaml:"optimizer" json:"optimizer"`
	Momentum              float64 `yaml:"momentum" json:"momentum"`
	Nesterov              bool    `yaml:"nesterov" json:"nesterov"`
	Scheduler             string  `yaml:"scheduler" json:"scheduler"`
	StepLRStepSize        int     `yaml:"step_lr_step_size" json:"step_lr_step_size"`
	StepLRGamma           float64 `yaml:"step_lr_gamma" json:"step_lr_gamma"`
	GradClip              float64 `yaml:"grad_clip" json:"grad_clip"`
	AccumSteps            int     `yaml:"accum_steps" json:"accum_steps"`
	EarlyStoppingPatience int     `yaml:"early_stopping_patience" json:"early_stopping_patience"`
	MixedPrecision        bool    `yaml:"mixed_precision" json:"mixed_precision"`
	RecoverBatches        bool    `yaml:"recover_batches" json:"recover_batches"`
	UseClassWeights       bool    `yaml:"use_class_weights" json:"use_class_weights"`
}

// EvaluationConfig controls the metric and error-analysis outputs.
type EvaluationConfig struct {
	ConfusionMatrix   bool `yaml:"confusion_matrix" json:"confusion_matrix"`
	SaveMisclassified bool `yaml:"save_misclassified" json:"save_misclassified"`
	TopKErrors        int  `yaml:"top_k_errors" json:"top_k_errors"`
}

// ExportConfig controls model export.
type ExportConfig struct {
	Format        string `yaml:"format" json:"format"`
	OutputDir     string `yaml:"output_dir" json:"output_dir"`
	Quantize      bool   `yaml:"quantize" json:"quantize"`
	BenchmarkRuns int    `yaml:"benchmark_runs" json:"benchmark_runs"`
}

// LoggingConfig holds checkpoint and log directories.
type LoggingConfig struct {
	CheckpointDir string `yaml:"checkpoint_dir" json:"checkpoint_dir"`
	LogDir        string `yaml:"log_dir" json:"log_dir"`
	ErrorDir      string `yaml:"error_dir" json:"error_dir"`
	LogInterval   int    `yaml:"log_interval" json:"log_interval"`
	SaveLast      bool   `yaml:"save_last" json:"save_last"`
	SaveBestOnly  bool   `yaml:"save_best_only" json:"save_best_only"`
}

// StoreConfig locates the SQLite tag store.
type StoreConfig struct {
	Path string `yaml:"path" json:"path"`
}

// ServerConfig holds the REST API listen address.
type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

// TrackerConfig points at the optional experiment tracker dashboard.
type TrackerConfig struct {
	URL     string `yaml:"url" json:"url"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
}

// Default returns the configuration used when no file or key is given.
func Default() *Config {
	return &Config{
		Data: DataConfig{
			CSVPath:    "data/tags.csv",
			ImageDir:   "data/images",
			OutputDir:  "data/processed",
			ImageSize:  128,
			BatchSize:  32,
			TrainRatio: 0.7,
			ValRatio:   0.15,
			TestRatio:  0.15,
			Seed:       42,
			CacheSize:  256,
		},
		Augmentation: AugmentationConfig{
			RotationDegrees: 15,
			HorizontalFlip:  0.5,
			Brightness:      0.2,
			Contrast:        0.2,
			CropScaleMin:    0.8,
		},
		Model: ModelConfig{
			Architecture:   "baseline",
			CNNChannels:    []int{32, 64, 128},
			CNNDropout:     0.3,
			MetadataHidden: 64,
			FusionHidden:   256,
			NumClasses:     7,
			ImageSize:      128,
		},
		Training: TrainingConfig{
			Epochs:                50,
			LearningRate:          0.001,
			WeightDecay:           0.0001,
			Optimizer:             "adam",
			Momentum:              0.9,
			Scheduler:             "step",
			StepLRStepSize:        10,
			StepLRGamma:           0.1,
			GradClip:              1.0,
			AccumSteps:            1,
			EarlyStoppingPatience: 10,
			UseClassWeights:       true,
		},
		Evaluation: EvaluationConfig{
			ConfusionMatrix:   true,
			SaveMisclassified: true,
			TopKErrors:        10,
		},
		Export: ExportConfig{
			Format:        "onnx",
			OutputDir:     "exported",
			BenchmarkRuns: 100,
		},
		Logging: LoggingConfig{
			CheckpointDir: "checkpoints",
			LogDir:        "logs",
			ErrorDir:      "logs/errors",
			LogInterval:   10,
			SaveLast:      true,
		},
		Store: StoreConfig{
			Path: "data/accessatlas.db",
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Tracker: TrackerConfig{},
	}
}

// Load reads a YAML file over the defaults and validates the result.
// Keys absent from the file keep their default values.
func Load(path string) (*Config, error) {
	config := Default()

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

var validOptimizers = map[string]bool{"adam": true, "sgd": true}

var validSchedulers = map[string]bool{
	"": true, "none": true, "constant": true,
	"step": true, "exponential": true, "cosine": true, "plateau": true,
}

var validArchitectures = map[string]bool{"baseline": true, "wide": true, "deep": true}

var validExportFormats = map[string]bool{
	"onnx": true, "torchscript": true, "coreml": true, "all": true,
}

// Validate rejects configurations the pipeline cannot run with. These
// are fatal before any data is touched.
func (c *Config) Validate() error {
	ratioSum := c.Data.TrainRatio + c.Data.ValRatio + c.Data.TestRatio
	if math.Abs(ratioSum-1.0) > 1e-6 {
		return fmt.Errorf("train, val and test ratios must sum to 1.0, got %v", ratioSum)
	}
	for name, ratio := range map[string]float64{
		"train_ratio": c.Data.TrainRatio,
		"val_ratio":   c.Data.ValRatio,
		"test_ratio":  c.Data.TestRatio,
	} {
		if ratio <= 0 || ratio >= 1 {
			return fmt.Errorf("%s must be in (0, 1), got %v", name, ratio)
		}
	}
	if c.Data.ImageSize <= 0 {
		return fmt.Errorf("image_size must be positive, got %d", c.Data.ImageSize)
	}
	if c.Data.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.Data.BatchSize)
	}
	if c.Augmentation.HorizontalFlip < 0 || c.Augmentation.HorizontalFlip > 1 {
		return fmt.Errorf("horizontal_flip probability must be in [0, 1], got %v", c.Augmentation.HorizontalFlip)
	}
	if c.Augmentation.CropScaleMin <= 0 || c.Augmentation.CropScaleMin > 1 {
		return fmt.Errorf("crop_scale_min must be in (0, 1], got %v", c.Augmentation.CropScaleMin)
	}
	if !validArchitectures[c.Model.Architecture] {
		return fmt.Errorf("unknown model architecture %q (supported: baseline, wide, deep)", c.Model.Architecture)
	}
	if len(c.Model.CNNChannels) == 0 {
		return fmt.Errorf("cnn_channels must not be empty")
	}
	if c.Model.NumClasses <= 0 {
		return fmt.Errorf("num_classes must be positive, got %d", c.Model.NumClasses)
	}
	if c.Training.Epochs <= 0 {
		return fmt.Errorf("num_epochs must be positive, got %d", c.Training.Epochs)
	}
	if c.Training.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be positive, got %v", c.Training.LearningRate)
	}
	if !validOptimizers[c.Training.Optimizer] {
		return fmt.Errorf("unknown optimizer %q (supported: adam, sgd)", c.Training.Optimizer)
	}
	if !validSchedulers[c.Training.Scheduler] {
		return fmt.Errorf("unknown scheduler %q (supported: none, step, exponential, cosine, plateau)", c.Training.Scheduler)
	}
	if c.Training.AccumSteps < 1 {
		return fmt.Errorf("accum_steps must be at least 1, got %d", c.Training.AccumSteps)
	}
	if c.Training.EarlyStoppingPatience < 0 {
		return fmt.Errorf("early_stopping_patience must not be negative, got %d", c.Training.EarlyStoppingPatience)
	}
	if c.Evaluation.TopKErrors < 0 {
		return fmt.Errorf("top_k_errors must not be negative, got %d", c.Evaluation.TopKErrors)
	}
	if !validExportFormats[c.Export.Format] {
		return fmt.Errorf("unknown export format %q (supported: onnx, torchscript, coreml, all)", c.Export.Format)
	}
	if c.Export.BenchmarkRuns <= 0 {
		return fmt.Errorf("benchmark_runs must be positive, got %d", c.Export.BenchmarkRuns)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be in (0, 65535], got %d", c.Server.Port)
	}
	return nil
}

// Snapshot flattens the config into the generic map stored inside
// checkpoints and training logs.
func (c *Config) Snapshot() (map[string]interface{}, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot config: %w", err)
	}
	var snapshot map[string]interface{}
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to snapshot config: %w", err)
	}
	return snapshot, nil
}

// FromSnapshot rebuilds a config from the generic map a checkpoint
// carries. Keys absent from the snapshot keep their default values, so
// checkpoints from older configs stay loadable.
func FromSnapshot(snapshot map[string]interface{}) (*Config, error) {
	config := Default()
	if len(snapshot) == 0 {
		return config, nil
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to restore config snapshot: %w", err)
	}
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to restore config snapshot: %w", err)
	}
	return config, nil
}

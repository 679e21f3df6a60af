// Package export converts trained checkpoints into deployable model
// artifacts: an ONNX inference graph, optional int8 weight
// quantization, a latency microbenchmark and an export manifest.
package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/accessatlas/accessatlas/checkpoints"
	"github.com/accessatlas/accessatlas/config"
	"github.com/accessatlas/accessatlas/model"
)

// Exporter rebuilds a trained model from a checkpoint and writes
// deployable artifacts into the output directory.
type Exporter struct {
	checkpointPath string
	outputDir      string
	caps           Capabilities
	logger         *zap.Logger

	ckpt  *checkpoints.Checkpoint
	cfg   *config.Config
	model *model.FusionModel
}

// NewExporter loads a checkpoint, rebuilds its model in eval mode and
// prepares the output directory. A nil logger disables logging.
func NewExporter(checkpointPath, outputDir string, logger *zap.Logger) (*Exporter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	ckpt, err := checkpoints.NewCheckpointSaver(checkpoints.FormatJSON).LoadCheckpoint(checkpointPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	cfg, err := config.FromSnapshot(ckpt.Config)
	if err != nil {
		return nil, err
	}
	numSources, err := numSourcesFromState(ckpt.ModelStateDict)
	if err != nil {
		return nil, err
	}

	// Every weight comes from the checkpoint state below; a stale
	// backbone path in the snapshot must not be re-resolved here.
	cfg.Model.BackboneWeights = ""
	m, err := model.Build(cfg.Model, numSources)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild model: %w", err)
	}
	if err := model.LoadState(m, ckpt.ModelStateDict); err != nil {
		return nil, fmt.Errorf("failed to restore model weights: %w", err)
	}
	m.Eval()

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	info := m.Info()
	logger.Info("Loaded checkpoint for export",
		zap.String("checkpoint", checkpointPath),
		zap.Int("epoch", ckpt.Epoch),
		zap.Float64("best_val_acc", ckpt.BestValAcc),
		zap.String("architecture", info.Architecture),
		zap.Int("num_params", info.NumParams))

	return &Exporter{
		checkpointPath: checkpointPath,
		outputDir:      outputDir,
		caps:           DetectCapabilities(),
		logger:         logger,
		ckpt:           ckpt,
		cfg:            cfg,
		model:          m,
	}, nil
}

// Capabilities returns the per-format availability for this build.
func (e *Exporter) Capabilities() Capabilities {
	return e.caps
}

// FormatResult is the outcome of one export format.
type FormatResult struct {
	Format       string                         `json:"format"`
	Path         string                         `json:"path,omitempty"`
	SizeBytes    int64                          `json:"size_bytes,omitempty"`
	Skipped      bool                           `json:"skipped,omitempty"`
	Reason       string                         `json:"reason,omitempty"`
	Quantization *checkpoints.QuantizationStats `json:"quantization,omitempty"`
}

// Export produces the requested format, or every known format for
// FormatAll. Unavailable formats and per-format failures come back as
// skipped results with a reason; only an unknown format name is an
// error.
func (e *Exporter) Export(format string, quantize bool) ([]FormatResult, error) {
	var formats []string
	switch format {
	case FormatAll:
		formats = allFormats
	case FormatONNX, FormatTorchScript, FormatCoreML:
		formats = []string{format}
	default:
		return nil, fmt.Errorf("unknown export format %q (supported: onnx, torchscript, coreml, all)", format)
	}

	results := make([]FormatResult, 0, len(formats))
	for _, f := range formats {
		if !e.caps.Supports(f) {
			e.logger.Warn("Skipping export format",
				zap.String("format", f),
				zap.String("reason", e.caps.Reason(f)))
			results = append(results, FormatResult{Format: f, Skipped: true, Reason: e.caps.Reason(f)})
			continue
		}
		// Only ONNX is ever available; the capability gate keeps the
		// other formats from reaching here.
		res, err := e.exportONNX(quantize)
		if err != nil {
			e.logger.Warn("Export format failed",
				zap.String("format", f),
				zap.Error(err))
			results = append(results, FormatResult{Format: f, Skipped: true, Reason: err.Error()})
			continue
		}
		results = append(results, res)
	}
	return results, nil
}

func (e *Exporter) exportONNX(quantize bool) (FormatResult, error) {
	graph, err := buildGraph(e.ckpt.ModelStateDict, e.cfg.Model.ImageSize)
	if err != nil {
		return FormatResult{}, err
	}
	proto := checkpoints.NewModel(graph)

	result := FormatResult{Format: FormatONNX}
	stem := strings.TrimSuffix(filepath.Base(e.checkpointPath), filepath.Ext(e.checkpointPath))
	if quantize {
		quantized, qstats, err := checkpoints.QuantizeModel(proto)
		if err != nil {
			return FormatResult{}, fmt.Errorf("quantization failed: %w", err)
		}
		proto = quantized
		result.Quantization = qstats
		stem += "_quantized"
	}

	path := filepath.Join(e.outputDir, stem+".onnx")
	if err := checkpoints.WriteModel(proto, path); err != nil {
		return FormatResult{}, err
	}
	result.Path = path
	if info, err := os.Stat(path); err == nil {
		result.SizeBytes = info.Size()
	}

	fields := []zap.Field{
		zap.String("path", path),
		zap.Int64("size_bytes", result.SizeBytes),
	}
	if result.Quantization != nil {
		fields = append(fields,
			zap.Int("tensors_quantized", result.Quantization.TensorsQuantized),
			zap.Float64("compression_ratio", result.Quantization.CompressionRatio()))
	}
	e.logger.Info("ONNX export successful", fields...)
	return result, nil
}

// Metadata is the export manifest written next to the artifacts.
type Metadata struct {
	Checkpoint string                 `json:"checkpoint"`
	Config     map[string]interface{} `json:"config"`
	ModelInfo  model.Info             `json:"model_info"`
	Epoch      int                    `json:"epoch"`
	BestValAcc float64                `json:"best_val_acc"`
	ImageSize  int                    `json:"image_size"`
	Formats    []FormatResult         `json:"formats,omitempty"`
	Benchmark  *BenchmarkStats        `json:"benchmark,omitempty"`
}

// SaveMetadata writes export_metadata.json describing this export run.
// The benchmark entry may be nil.
func (e *Exporter) SaveMetadata(results []FormatResult, bench *BenchmarkStats) (string, error) {
	meta := Metadata{
		Checkpoint: e.checkpointPath,
		Config:     e.ckpt.Config,
		ModelInfo:  e.model.Info(),
		Epoch:      e.ckpt.Epoch,
		BestValAcc: e.ckpt.BestValAcc,
		ImageSize:  e.cfg.Model.ImageSize,
		Formats:    results,
		Benchmark:  bench,
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode export metadata: %w", err)
	}

	path := filepath.Join(e.outputDir, "export_metadata.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write export metadata: %w", err)
	}
	e.logger.Info("Saved export metadata", zap.String("path", path))
	return path, nil
}

// PrintResults writes a console summary of the export run.
func PrintResults(results []FormatResult) {
	fmt.Println(strings.Repeat("=", 70))
	fmt.Println("Export Summary")
	fmt.Println(strings.Repeat("=", 70))
	for _, r := range results {
		if r.Skipped {
			fmt.Printf("  %-12s skipped (%s)\n", r.Format+":", r.Reason)
			continue
		}
		fmt.Printf("  %-12s %s (%.2f MB)\n", r.Format+":", r.Path, float64(r.SizeBytes)/(1<<20))
		if r.Quantization != nil {
			fmt.Printf("  %-12s %d tensors quantized, %.1fx weight compression\n",
				"", r.Quantization.TensorsQuantized, r.Quantization.CompressionRatio())
		}
	}
	fmt.Println(strings.Repeat("=", 70))
}

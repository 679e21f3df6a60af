package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/accessatlas/accessatlas/config"
	"github.com/accessatlas/accessatlas/export"
	"github.com/accessatlas/accessatlas/train"
)

func exportCmd() *cobra.Command {
	var checkpoint *string
	var output *string
	var format *string
	var quantize *bool
	var benchmark *bool
	var runs *int

	cmd := cobra.Command{
		Use:   "export",
		Short: "export a trained model for deployment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("output") {
				cfg.Export.OutputDir = *output
			}
			if cmd.Flags().Changed("format") {
				cfg.Export.Format = *format
			}
			if cmd.Flags().Changed("quantize") {
				cfg.Export.Quantize = *quantize
			}
			if cmd.Flags().Changed("runs") {
				cfg.Export.BenchmarkRuns = *runs
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			path := *checkpoint
			if path == "" {
				path = filepath.Join(cfg.Logging.CheckpointDir, train.BestCheckpointFile)
			}
			return runExport(cfg, path, *benchmark)
		},
	}

	checkpoint = cmd.Flags().String("checkpoint", "",
		"model checkpoint to export (default: best checkpoint of the last run)")
	output = cmd.Flags().StringP("output", "o", "", "output directory for the exported models")
	format = cmd.Flags().String("format", "", "export format: onnx, torchscript, coreml or all")
	quantize = cmd.Flags().Bool("quantize", false, "apply dynamic int8 quantization (ONNX only)")
	benchmark = cmd.Flags().Bool("benchmark", false, "benchmark inference latency after exporting")
	runs = cmd.Flags().Int("runs", 0, "number of benchmark runs")

	return &cmd
}

func runExport(cfg *config.Config, checkpoint string, benchmark bool) error {
	logger := newLogger()
	defer logger.Sync()

	exporter, err := export.NewExporter(checkpoint, cfg.Export.OutputDir, logger)
	if err != nil {
		return err
	}

	results, err := exporter.Export(cfg.Export.Format, cfg.Export.Quantize)
	if err != nil {
		return err
	}
	export.PrintResults(results)

	var bench *export.BenchmarkStats
	if benchmark {
		bench, err = exporter.Benchmark(cfg.Export.BenchmarkRuns)
		if err != nil {
			return err
		}
		export.PrintBenchmark(bench)
	}

	metaPath, err := exporter.SaveMetadata(results, bench)
	if err != nil {
		return err
	}
	fmt.Printf("Export metadata written to %s\n", metaPath)
	return nil
}

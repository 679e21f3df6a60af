// Command accessatlas drives the accessibility tag pipeline: it splits
// raw tags into training data, trains and evaluates the fusion
// classifier, predicts tags for new images, exports trained models for
// deployment and serves the tag store REST API.
package main

import (
	"log"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/accessatlas/accessatlas/config"
)

const version = "0.1.0"

var (
	configPath string
	verbose    bool
)

func init() {
	log.SetPrefix("[accessatlas] ")
	log.SetFlags(0)
}

// loadConfig reads the YAML file named by --config over the defaults.
// Without the flag the defaults apply as-is.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

// newLogger builds the process logger. --verbose switches to the
// human-readable development encoder at debug level.
func newLogger() *zap.Logger {
	var logger *zap.Logger
	var err error
	if verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalln(err)
	}
	return logger
}

// splitDir returns the directory holding the preprocessed split files,
// mirroring the preprocessor's output-directory default.
func splitDir(cfg *config.Config) string {
	if cfg.Data.OutputDir != "" {
		return cfg.Data.OutputDir
	}
	return filepath.Dir(cfg.Data.CSVPath)
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "accessatlas",
		Short:         "collect, classify and serve accessibility tags",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to the YAML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"enable debug logging")

	rootCmd.AddCommand(preprocessCmd())
	rootCmd.AddCommand(trainCmd())
	rootCmd.AddCommand(evaluateCmd())
	rootCmd.AddCommand(predictCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(storeCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatalln(err)
	}
}

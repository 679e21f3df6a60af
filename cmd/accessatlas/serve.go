package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/accessatlas/accessatlas/config"
	"github.com/accessatlas/accessatlas/dataprep"
	"github.com/accessatlas/accessatlas/predict"
	"github.com/accessatlas/accessatlas/server"
	"github.com/accessatlas/accessatlas/tagstore"
)

func serveCmd() *cobra.Command {
	var host *string
	var port *int
	var storePath *string
	var checkpoint *string

	cmd := cobra.Command{
		Use:   "serve",
		Short: "serve the tag store and predictor as a REST API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = *host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = *port
			}
			if cmd.Flags().Changed("store") {
				cfg.Store.Path = *storePath
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServe(cfg, *checkpoint)
		},
	}

	host = cmd.Flags().String("host", "", "listen address")
	port = cmd.Flags().IntP("port", "p", 0, "listen port")
	storePath = cmd.Flags().String("store", "", "path to the SQLite tag store")
	checkpoint = cmd.Flags().String("checkpoint", "",
		"model checkpoint backing /api/predict (omit to serve tags only)")

	return &cmd
}

func runServe(cfg *config.Config, checkpoint string) error {
	logger := newLogger()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := tagstore.Open(cfg.Store.Path, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	var predictor *predict.Predictor
	if checkpoint != "" {
		meta, err := dataprep.LoadMetadata(filepath.Join(splitDir(cfg), dataprep.MetadataFile))
		if err != nil {
			return err
		}
		inf, err := predict.NewRealInferencer(checkpoint, meta, logger)
		if err != nil {
			return err
		}
		predictor = predict.NewPredictor(inf, predict.Options{ReturnProbs: true, Logger: logger})
	}

	srv := server.New(server.Config{
		Addr:      fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Store:     store,
		Predictor: predictor,
		Logger:    logger,
	})
	return srv.Start(ctx)
}

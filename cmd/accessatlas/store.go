package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/accessatlas/accessatlas/config"
	"github.com/accessatlas/accessatlas/tagstore"
)

func storeCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:   "store",
		Short: "manage the SQLite tag store",
	}
	cmd.AddCommand(storeMigrateCmd())
	cmd.AddCommand(storeStatsCmd())
	return &cmd
}

func storeMigrateCmd() *cobra.Command {
	var down *bool

	cmd := cobra.Command{
		Use:   "migrate",
		Short: "bring the store schema up to date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runStoreMigrate(cfg, *down)
		},
	}

	down = cmd.Flags().Bool("down", false, "roll back the most recent migration instead")

	return &cmd
}

func runStoreMigrate(cfg *config.Config, down bool) error {
	logger := newLogger()
	defer logger.Sync()

	// Open migrates up as a side effect, so the up path is done here.
	store, err := tagstore.Open(cfg.Store.Path, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if down {
		if err := store.MigrateDown(); err != nil {
			return err
		}
	}

	version, dirty, err := store.SchemaVersion()
	if err != nil {
		return err
	}
	if dirty {
		return fmt.Errorf("schema version %d is dirty, repair %s before continuing",
			version, cfg.Store.Path)
	}
	fmt.Printf("Schema at version %d (%s)\n", version, cfg.Store.Path)
	return nil
}

func storeStatsCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:   "stats",
		Short: "summarize the stored tags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runStoreStats(cfg)
		},
	}
	return &cmd
}

func runStoreStats(cfg *config.Config) error {
	logger := newLogger()
	defer logger.Sync()

	store, err := tagstore.Open(cfg.Store.Path, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.Statistics()
	if err != nil {
		return err
	}
	locations, err := store.Locations()
	if err != nil {
		return err
	}

	fmt.Printf("Tag store: %s\n", cfg.Store.Path)
	fmt.Printf("Total tags: %d across %d locations\n", stats.TotalTags, len(locations))
	printCounts("By source", stats.BySource)
	printCounts("By type", stats.ByType)
	if stats.AvgModelConfidence != nil {
		fmt.Printf("Average model confidence: %.3f\n", *stats.AvgModelConfidence)
	}
	return nil
}

func printCounts(title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Printf("%s:\n", title)
	for _, name := range names {
		fmt.Printf("  %-15s %d\n", name, counts[name])
	}
}

package main

import (
	"github.com/fuse-drs/drs-provider/internal/config"
	"github.com/fuse-drs/drs-provider/pkg/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:          "drs-provider",
	Short:        "DRS data object submission service",
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(runCmd)
}

// setup reads the configuration and installs the global logger. The returned
// func flushes and restores the previous logger.
func setup() (*config.Config, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, err
	}

	logger, err := log.InitLog(cfg.Service.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	undo := zap.ReplaceGlobals(logger)

	return cfg, func() {
		_ = logger.Sync()
		undo()
	}, nil
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/simforge/vct/internal/config"
)

var (
	configPath string
	projectCfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   "vct",
	Short: "Batch orchestrator for PhysiCell virtual-trial simulations",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Default()
		if _, err := os.Stat(configPath); err == nil {
			cfg, err = config.Load(configPath)
			if err != nil {
				return err
			}
		} else if cmd.Flags().Changed("config") {
			// Only the implicit default file may be absent.
			return fmt.Errorf("project config: %w", err)
		}
		projectCfg = cfg

		level := slog.LevelInfo
		if cfg.LogLevel == "debug" {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "vct.yaml", "project configuration file")

	// Setup context with manual signal handling
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	defer func() {
		signal.Stop(sigChan)
		cancel()
	}()

	go func() {
		sig := <-sigChan
		slog.Info("interrupt received, shutting down gracefully...", "signal", sig)
		cancel()
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

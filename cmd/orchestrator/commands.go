// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianChat/pkg/logging"
	"github.com/AleutianAI/AleutianChat/services/orchestrator"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/config"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/store"
)

const defaultConfigPath = "orchestrator.yaml"

var (
	configPath      string
	shutdownTimeout time.Duration

	rootCmd = &cobra.Command{
		Use:          "orchestrator",
		Short:        "Chat orchestrator: streams model responses and keeps chat history",
		SilenceUsage: true,
		RunE:         runServe,
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE:  runServe,
	}
	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply the chat store schema and exit",
		RunE:  runMigrate,
	}
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}
	configInitCmd = &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runConfigInit,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath,
		"path to the YAML configuration (missing file means defaults plus environment)")
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second,
		"how long in-flight streams get to finish on SIGTERM")
	rootCmd.Flags().AddFlagSet(serveCmd.Flags())

	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(serveCmd, migrateCmd, configCmd)
}

// loadConfig reads the configuration and installs the process logger.
func loadConfig() (config.Config, *logging.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := logging.New(cfg.LoggerConfig(orchestrator.ServiceName))
	slog.SetDefault(logger.Slog())
	return cfg, logger, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Close()

	slog.Info("Starting orchestrator",
		"port", cfg.Port,
		"store_driver", cfg.Store.Driver,
		"file_cache", cfg.FileCache.Backend,
		"models", len(cfg.LLM.Models),
	)

	svc, err := orchestrator.New(cfg, nil)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down orchestrator", "timeout", shutdownTimeout.String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	// Open applies the schema.
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer st.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "Schema is up to date (%s)\n", cfg.Store.Driver)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if len(args) == 1 {
		path = args[0]
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := config.WriteDefault(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", path)
	return nil
}

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
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/depgraph/pkg/logging"
	"github.com/AleutianAI/depgraph/services/depgraph"
	"github.com/AleutianAI/depgraph/services/depgraph/config"
	"github.com/AleutianAI/depgraph/services/depgraph/telemetry"
)

// app bundles what every subcommand needs.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	analyzer *depgraph.Analyzer
	out      io.Writer
	json     bool
}

// loadConfig builds the effective configuration: .env, then the config
// file, then DEPGRAPH_* variables, then command line flags.
func loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if projectRoot != "" {
		cfg.ProjectRoot = projectRoot
	}
	if storeDir != "" {
		cfg.Store.Path = storeDir
	}
	if inMemory {
		cfg.Store.InMemory = true
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openApp loads config, installs the default logger, and opens the
// analyzer. The caller must Close the result.
func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: cfg.Logging.Service,
		JSON:    cfg.Logging.JSON,
		Output:  cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	slog.SetDefault(logger.Slog())

	a, err := depgraph.Open(cmd.Context(), cfg, depgraph.WithLogger(logger.Slog()))
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	out := cmd.OutOrStdout()
	return &app{
		cfg:      cfg,
		logger:   logger,
		analyzer: a,
		out:      out,
		json:     wantJSON(out),
	}, nil
}

// Close releases the analyzer and the log file.
func (a *app) Close() error {
	return errors.Join(a.analyzer.Close(), a.logger.Close())
}

// startTelemetry installs the configured exporters. Only long-running
// commands call it.
func (a *app) startTelemetry(ctx context.Context) (func(context.Context) error, error) {
	t := a.cfg.Telemetry
	return telemetry.Init(ctx, telemetry.Config{
		ServiceName:    t.ServiceName,
		ServiceVersion: depgraph.Version,
		Environment:    t.Environment,
		TraceExporter:  t.TraceExporter,
		MetricExporter: t.MetricExporter,
		OTLPEndpoint:   t.OTLPEndpoint,
		OTLPInsecure:   t.OTLPInsecure,
	})
}

// withApp adapts a function that needs an open app into a cobra RunE.
func withApp(fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		runErr := fn(cmd, a, args)
		if err := a.Close(); err != nil && runErr == nil {
			runErr = err
		}
		return runErr
	}
}

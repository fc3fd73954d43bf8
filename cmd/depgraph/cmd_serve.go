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
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/depgraph/services/depgraph"
	"github.com/AleutianAI/depgraph/services/depgraph/watch"
)

// shutdownTimeout bounds graceful shutdown of the server and exporters.
const shutdownTimeout = 10 * time.Second

func runServe(cmd *cobra.Command, a *app, _ []string) error {
	ctx := cmd.Context()
	shutdownTelemetry, err := a.startTelemetry(ctx)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer flushTelemetry(shutdownTelemetry)

	if a.cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	port := a.cfg.Server.Port
	if servePort > 0 {
		port = servePort
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           depgraph.NewRouter(a.analyzer, a.cfg.Server, a.cfg.Telemetry.ServiceName),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting depgraph server",
			slog.String("address", srv.Addr),
			slog.String("project_root", a.analyzer.ProjectRoot()),
			slog.String("version", depgraph.Version),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down depgraph server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

func runWatch(cmd *cobra.Command, a *app, args []string) error {
	ctx := cmd.Context()
	shutdownTelemetry, err := a.startTelemetry(ctx)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer flushTelemetry(shutdownTelemetry)

	w, err := watch.New(args[0], a.analyzer,
		watch.WithDebounce(watchDebounce),
		watch.WithLogger(slog.Default()),
	)
	if err != nil {
		return err
	}
	defer w.Stop()

	if !watchNoSync {
		n, err := w.Sync(ctx)
		if err != nil {
			return err
		}
		slog.Info("initial sync complete", slog.Int("files", n))
	}
	if err := w.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	slog.Info("stopping watcher")
	return nil
}

func flushTelemetry(shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		slog.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
	}
}

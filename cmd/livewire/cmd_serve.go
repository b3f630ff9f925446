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
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/livewire/services/livewire"
	"github.com/AleutianAI/livewire/services/livewire/sink"
	"github.com/AleutianAI/livewire/services/livewire/telemetry"
)

const shutdownTimeout = 10 * time.Second

type serveOptions struct {
	addr      string
	snapshots string
	rate      float64
	burst     int
}

func newServeCmd(opts *globalOptions) *cobra.Command {
	so := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a standalone agent with the admin API",
		Long: `Loads and watches the probe file, installs its dependencies, reconciles its
probes, and serves the admin API until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd, opts, so)
		},
	}
	f := cmd.Flags()
	f.StringVar(&so.addr, "addr", "127.0.0.1:9464", "admin API listen address")
	f.StringVar(&so.snapshots, "snapshots", "", "append snapshots to this JSONL file")
	f.Float64Var(&so.rate, "snapshot-rate", 50, "snapshots per second written to --snapshots")
	f.IntVar(&so.burst, "snapshot-burst", 100, "snapshot burst allowed above --snapshot-rate")
	return cmd
}

func runServe(ctx context.Context, cmd *cobra.Command, opts *globalOptions, so *serveOptions) error {
	logger := opts.newLogger(cmd)
	defer logger.Close()
	log := logger.Slog()
	slog.SetDefault(log)
	if opts.logDir != "" && logger.Path() == "" {
		log.Warn("file logging unavailable, logging to stderr only", slog.String("log_dir", opts.logDir))
	}

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.DefaultConfig())
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	metrics, err := telemetry.NewMetrics(otel.Meter("livewire"))
	if err != nil {
		return errors.Join(err, shutdownTelemetry(context.Background()))
	}

	sinks := []sink.Sink{sink.NewLogSink(log)}
	if so.snapshots != "" {
		writer := sink.NewJSONLWriter(so.snapshots)
		sinks = append(sinks, sink.RateLimited(writer, rate.Limit(so.rate), so.burst, sink.WithMetrics(metrics)))
	}

	svc, err := livewire.New(ctx, livewire.Options{
		ConfigPath:      opts.configPath,
		Prefix:          opts.prefix,
		MetadataBackend: opts.metadata,
		Sinks:           sinks,
		Logger:          log,
		Metrics:         metrics,
	})
	if err != nil {
		return errors.Join(err, shutdownTelemetry(context.Background()))
	}
	if err := svc.Start(ctx); err != nil {
		log.Warn("continuing without the initial probe configuration", slog.String("error", err.Error()))
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              so.addr,
		Handler:           livewire.NewRouter(svc),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", so.addr)
	if err != nil {
		return errors.Join(err, svc.Shutdown(context.Background()), shutdownTelemetry(context.Background()))
	}
	log.Info("livewire agent listening",
		slog.String("addr", ln.Addr().String()),
		slog.String("config", svc.ConfigPath()),
		slog.String("prefix", svc.Prefix()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(
			srv.Shutdown(shutdownCtx),
			svc.Shutdown(shutdownCtx),
			shutdownTelemetry(shutdownCtx),
		)
	})
	return g.Wait()
}

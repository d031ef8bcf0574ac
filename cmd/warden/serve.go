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
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/warden/services/warden"
	"github.com/AleutianAI/warden/services/warden/audit"
	"github.com/AleutianAI/warden/services/warden/config"
	"github.com/AleutianAI/warden/services/warden/enforcement"
	"github.com/AleutianAI/warden/services/warden/handlers"
	"github.com/AleutianAI/warden/services/warden/monitor"
	"github.com/AleutianAI/warden/services/warden/observability"
	"github.com/AleutianAI/warden/services/warden/resources"
	"github.com/AleutianAI/warden/services/warden/routes"
	"github.com/AleutianAI/warden/services/warden/telemetry"
	"github.com/AleutianAI/warden/services/warden/zerotrust"
)

const defaultShutdownTimeout = 10 * time.Second

func newServeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the warden API server and background monitor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

// server holds everything a running warden process owns.
type server struct {
	cfg     config.Config
	logger  *slog.Logger
	svc     *warden.Service
	monitor *monitor.Monitor
	hub     *handlers.Hub
	router  *gin.Engine

	registerer prometheus.Registerer
	store      *audit.BadgerStore
	influx     *audit.InfluxSink
	watcher    *config.Watcher
	telemetry  func(context.Context) error
}

func runServe(ctx context.Context, opts *globalOptions) error {
	// Wipes the session key enclave on exit.
	defer memguard.Purge()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, path, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logs, err := newLogger(cfg.Logging, cfg.Telemetry.ServiceName)
	if err != nil {
		return err
	}
	defer logs.Close()
	slog.SetDefault(logs.Slog())

	s := &server{cfg: cfg, logger: logs.Slog(), registerer: prometheus.DefaultRegisterer}
	defer s.cleanup()
	if err := s.init(ctx); err != nil {
		return err
	}

	s.watcher, err = config.NewWatcher(path, func(next config.Config) {
		if err := s.svc.UpdateConfig(ctx, next.Security); err != nil {
			s.logger.Warn("Rejected reloaded security config", "error", err)
		}
	}, s.logger)
	if err != nil {
		s.logger.Warn("Config hot reload disabled", "error", err)
	}

	if err := s.monitor.Start(ctx); err != nil {
		return fmt.Errorf("start monitor: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Warden listening", "addr", cfg.Server.Addr, "config", path)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down")
	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// init builds the service, monitor and router from s.cfg.
func (s *server) init(ctx context.Context) error {
	cfg := s.cfg

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, version)
	if err != nil {
		return err
	}
	s.telemetry = shutdown
	inst, err := telemetry.NewInstruments()
	if err != nil {
		return fmt.Errorf("create instruments: %w", err)
	}
	metrics := observability.NewMetrics(s.registerer)

	source, err := newSource(cfg.Monitor)
	if err != nil {
		return err
	}
	backend, err := enforcement.NewBackend(cfg.Enforcement.Backend, s.logger)
	if err != nil {
		return err
	}

	var sinks audit.MultiSink
	if cfg.Audit.Persist {
		s.store, err = audit.OpenBadgerStore(cfg.Audit.StoragePath, cfg.Audit.Retention)
		if err != nil {
			return err
		}
	}
	if cfg.Influx.Enabled {
		s.influx = audit.NewInfluxSink(cfg.Influx)
		sinks = append(sinks, s.influx)
	}
	if cfg.Server.EnableWebsocket {
		s.hub = handlers.NewHub(s.logger)
		sinks = append(sinks, s.hub)
	}

	var key []byte
	if cfg.Audit.SigningKeyEnv != "" {
		key = []byte(os.Getenv(cfg.Audit.SigningKeyEnv))
	}

	svcOpts := warden.Options{
		Security:      cfg.Security,
		Source:        source,
		SampleTimeout: cfg.Monitor.SampleTimeout,
		Backend:       backend,
		ActionTimeout: cfg.Enforcement.ActionTimeout,
		Retention:     cfg.Audit.Retention,
		MaxHistory:    cfg.Audit.MaxHistory,
		SessionKey:    key,
		Metrics:       metrics,
		Instruments:   inst,
		Logger:        s.logger,
	}
	if len(sinks) > 0 {
		svcOpts.Sink = sinks
	}
	if s.store != nil {
		svcOpts.AuditStore = s.store
	}
	s.svc, err = warden.NewService(ctx, svcOpts)
	if err != nil {
		return err
	}

	s.monitor = monitor.New(s.svc, cfg.Monitor, monitor.Options{
		Metrics:     metrics,
		Instruments: inst,
		Logger:      s.logger,
	})

	var eval *zerotrust.Evaluator
	if cfg.ZeroTrust.Enabled {
		eval, err = zerotrust.NewEvaluator(cfg.ZeroTrust)
		if err != nil {
			return err
		}
	}

	s.initRouter(eval, metrics)
	return nil
}

func (s *server) initRouter(eval *zerotrust.Evaluator, metrics *observability.Metrics) {
	serviceName := s.cfg.Telemetry.ServiceName
	if serviceName == "" {
		serviceName = "warden"
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(serviceName))
	routes.SetupRoutes(s.router, s.svc, routes.Options{
		ZeroTrust:      eval,
		Metrics:        metrics,
		MetricsHandler: telemetry.MetricsHandler(),
		Hub:            s.hub,
		Logger:         s.logger,
	})
}

// cleanup releases resources in reverse order of creation.
func (s *server) cleanup() {
	if s.monitor != nil {
		s.monitor.Stop()
	}
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	if s.hub != nil {
		s.hub.Close()
	}
	if s.influx != nil {
		s.influx.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("Failed to close audit store", "error", err)
		}
	}
	if s.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.telemetry(ctx); err != nil {
			s.logger.Error("Failed to flush telemetry", "error", err)
		}
	}
}

// newSource picks the metrics source named in cfg.
func newSource(cfg config.MonitorConfig) (resources.MetricsSource, error) {
	switch cfg.Source {
	case "procfs":
		src, err := resources.NewProcfsSource(cfg.ProcRoot)
		if err != nil {
			return nil, err
		}
		return src, nil
	case "", "simulated":
		return resources.NewSimulatedSource(time.Now().UnixNano()), nil
	default:
		return nil, fmt.Errorf("%w: unknown metrics source %q", config.ErrInvalidConfig, cfg.Source)
	}
}

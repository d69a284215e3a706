/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Command ampipcd maps a shared memory region and runs every IPC instance in
// it as host or remote. The remote answers HCI commands with Command
// Complete events; the host can reset each link once connected.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/srediag/amp-ipc/adapter"
	"github.com/srediag/amp-ipc/internal/logging"
	"github.com/srediag/amp-ipc/pkg/config"
	"github.com/srediag/amp-ipc/pkg/health"
	"github.com/srediag/amp-ipc/pkg/lifecycle"
)

const shutdownTimeout = 5 * time.Second

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML configuration (defaults apply when empty)")
		role       = flag.String("role", "", "Override the configured role (host or remote)")
		reset      = flag.Bool("reset", true, "Host only: send HCI_Reset on every link once connected")
	)
	flag.Parse()

	if err := run(*configPath, *role, *reset); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path, role string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if role != "" {
		cfg.Role = role
	}
	if err := config.VerifyConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(path, role string, reset bool) error {
	cfg, err := loadConfig(path, role)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	logging.SetLogger(log)
	defer func() { _ = log.Sync() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mgr, err := lifecycle.New(lifecycle.Options{
		Config:    cfg,
		Registry:  reg,
		Telemetry: adapter.NewTelemetry(nil, nil),
	})
	if err != nil {
		return err
	}

	checks := health.NewHandler(reg, "ampipc", mgr, 0)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/live", checks.LiveEndpoint)
	mux.HandleFunc("/ready", checks.ReadyEndpoint)
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server stopped", zap.Error(err))
		}
	}()
	log.Info("serving metrics and health", zap.String("addr", cfg.ListenAddr))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mgr.Start(ctx); err != nil {
		_ = srv.Close()
		return err
	}

	var g errgroup.Group
	for _, l := range mgr.Links() {
		l := l
		llog := log.With(zap.Int("instance", l.Slot.Index))
		if cfg.Role == "remote" {
			g.Go(func() error { return serveRemote(l, llog) })
			continue
		}
		g.Go(func() error {
			if reset {
				if err := resetLink(l); err != nil {
					return ignoreStopped(err)
				}
				llog.Info("controller reset")
			}
			return logIncoming(l, llog)
		})
	}

	<-ctx.Done()
	log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return multierr.Combine(
		srv.Shutdown(sctx),
		mgr.Stop(),
		g.Wait(),
	)
}

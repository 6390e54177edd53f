// Copyright 2025 Tetsuya Kimata. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main is the entry point of the irrigation service.
//
// This binary is responsible for orchestrating the whole system:
//  1. Loading the configuration and selecting the HAL variant.
//  2. Constructing the engine (valve driver, control worker, scheduler,
//     flow-notify consumer) and starting its workers.
//  3. Starting the HTTP API server for the browser UI.
//  4. Managing graceful shutdown so the valve is left closed.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kimata/rasp-water/internal/config"
	"github.com/kimata/rasp-water/internal/irrigation"
	"github.com/kimata/rasp-water/internal/irrigation/hal"
	"github.com/kimata/rasp-water/internal/irrigation/history"
	"github.com/kimata/rasp-water/internal/irrigation/policy"
	"github.com/kimata/rasp-water/internal/irrigation/scheduler"
	"github.com/kimata/rasp-water/internal/irrigation/telemetry"
	"github.com/kimata/rasp-water/internal/webapi"
	"github.com/kimata/rasp-water/internal/weather"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the YAML configuration file")
	httpAddr := flag.String("http_addr", "", "HTTP listen address; overrides webapi.addr from the config")
	metricsAddr := flag.String("metrics_addr", "", "If non-empty, expose Prometheus /metrics on this address (e.g., :9090); overrides metrics.addr")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logger := newLogger(*debug)
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %s", err)
	}
	if *httpAddr != "" {
		cfg.WebAPI.Addr = *httpAddr
	}
	if *metricsAddr != "" {
		cfg.Metrics.Addr = *metricsAddr
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Warnf("Unknown timezone %q, falling back to local: %s", cfg.Timezone, err)
		loc = time.Local
	}

	dummyMode := os.Getenv("DUMMY_MODE") == "true"

	var h hal.HAL
	if dummyMode {
		log.Info("Running with dummy HAL")
		h = hal.NewDummy(clockwork.NewRealClock(),
			cfg.Flow.Sensor.Adc.ScaleValue, cfg.Flow.Sensor.Scale.Max)
	} else {
		h = hal.NewReal(cfg.Valve.GpioChip, cfg.Flow.Sensor.Adc.ValueFile)
	}

	telemetry.Enable(telemetry.Config{
		Enabled:     cfg.Metrics.Addr != "",
		MetricsAddr: cfg.Metrics.Addr,
	})

	sink := history.Build(cfg.History.RedisAddr, time.Duration(cfg.History.MarkerTTL), log)

	// The rain-gauge predicate needs the schedule the engine owns, so it is
	// bound through a closure resolved after construction.
	var engine *irrigation.Engine
	sensor := weather.Sensor{
		Config: cfg, Clock: h.Clock(), Loc: loc, Log: log,
		Schedule: func() []scheduler.Entry { return engine.ScheduleLoad() },
	}
	forecast := weather.Forecast{Config: cfg, Clock: h.Clock(), Loc: loc, Log: log}

	engine = irrigation.New(cfg, h, irrigation.Options{
		Judge: policy.Judge{
			Sensor:    sensor.RainFall,
			Forecast:  forecast.RainFall,
			DummyMode: dummyMode,
			Log:       log,
		},
		HistorySink: sink,
		Location:    loc,
	}, log)

	if err := engine.Start(); err != nil {
		log.Fatalf("Failed to start engine: %s", err)
	}

	apiServer := webapi.NewServer(engine, log)
	mux := http.NewServeMux()
	apiServer.RegisterRoutes(mux)
	httpServer := &http.Server{
		Addr:    cfg.WebAPI.Addr,
		Handler: mux,
	}

	go func() {
		log.Infof("API server listening on %s", cfg.WebAPI.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %s", cfg.WebAPI.Addr, err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("Shutting down...")

	// Stop the engine first: the workers flush their last events and the
	// valve is driven closed before the process exits.
	engine.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warnf("Server shutdown failed: %s", err)
	}

	log.Info("Server gracefully stopped.")
}

func newLogger(debug bool) *zap.Logger {
	var logger *zap.Logger
	var err error
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	return logger
}

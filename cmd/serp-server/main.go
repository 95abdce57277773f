// Command serp-server runs the SERP relay: the rendezvous point clients
// dial to get an id, then exchange singlecast and multicast messages
// through. Grounded on original_source/SERP/server.cpp's main() and the
// cmd/proxy-buffer daemon's logging/shutdown conventions.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/snackerengine/serp/internal/logging"
	"github.com/snackerengine/serp/internal/netio"
	"github.com/snackerengine/serp/internal/server"
)

// getLoggingConfig reads logging configuration from environment variables
// with defaults, same pattern as the buffered UDP proxy.
func getLoggingConfig() *logging.Config {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	format := os.Getenv("LOG_FORMAT")
	if format == "" {
		format = "console"
	}
	return &logging.Config{Level: level, Format: format}
}

// configFromEnv overrides server.DefaultConfig() with SERP_* environment
// variables, for operators who don't want to recompile to tune timeouts.
func configFromEnv() server.Config {
	cfg := server.DefaultConfig()
	if v := os.Getenv("SERP_SOCKET_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SocketTimeout = d
		}
	}
	if v := os.Getenv("SERP_PROCESS_TIMEOUT_EVERY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ProcessTimeoutEvery = d
		}
	}
	if v := os.Getenv("SERP_PING_THRESHOLD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.PingThreshold = d
		}
	}
	if v := os.Getenv("SERP_CLIENT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ClientTimeout = d
		}
	}
	if v := os.Getenv("SERP_SLEEP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SleepTimeout = d
		}
	}
	if v := os.Getenv("SERP_SLEEP_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SleepDuration = d
		}
	}
	if v := os.Getenv("SERP_MAX_CLIENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxClients = n
		}
	}
	return cfg
}

func main() {
	if err := logging.Init(getLoggingConfig()); err != nil {
		panic(fmt.Sprintf("failed to initialize logging: %v", err))
	}

	cfg := configFromEnv()
	logging.Info("starting SERP relay",
		zap.Duration("socketTimeout", cfg.SocketTimeout),
		zap.Duration("clientTimeout", cfg.ClientTimeout),
		zap.Duration("sleepTimeout", cfg.SleepTimeout),
		zap.Int("maxClients", cfg.MaxClients))

	socket, err := netio.ListenServer(cfg.SocketTimeout)
	if err != nil {
		logging.Fatal("failed to bind relay socket", zap.Error(err))
	}
	defer socket.Close()

	registry := prometheus.NewRegistry()
	metrics := server.NewMetrics(registry)

	metricsAddr := os.Getenv("SERP_METRICS_ADDR")
	if metricsAddr == "" {
		metricsAddr = ":9090"
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		logging.Info("serving metrics", zap.String("addr", metricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("metrics server failed", zap.Error(err))
		}
	}()

	relay := server.NewServer(socket, cfg, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() {
		runDone <- relay.Run(ctx)
	}()

	waitForShutdown()
	logging.Info("shutdown signal received, draining relay")
	cancel()

	select {
	case err := <-runDone:
		if err != nil {
			logging.Error("relay exited with error", zap.Error(err))
		}
	case <-time.After(5 * time.Second):
		logging.Warn("relay did not shut down within grace period")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logging.Warn("metrics server shutdown error", zap.Error(err))
	}

	logging.Info("SERP relay stopped")
}

// waitForShutdown blocks until SIGINT or SIGTERM arrives.
func waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}

// chorus - a multi-provider LLM broadcast workspace server.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jeranaias/chorus/internal/adapter"
	"github.com/jeranaias/chorus/internal/config"
	"github.com/jeranaias/chorus/internal/orchestrator"
	"github.com/jeranaias/chorus/internal/server"
	"github.com/jeranaias/chorus/internal/store"
	"github.com/jeranaias/chorus/internal/telemetry"
	"github.com/jeranaias/chorus/internal/transfer"
	"github.com/jeranaias/chorus/internal/transport"
	"github.com/jeranaias/chorus/internal/util"
)

// Version information (set at build time)
var (
	Version   = "1.0.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

const (
	// shutdownTimeout bounds how long we wait for in-flight requests
	// after a stop signal.
	shutdownTimeout = 10 * time.Second

	// catalogWarmTimeout bounds the startup model discovery pass.
	catalogWarmTimeout = 15 * time.Second

	// configDebounce coalesces editor write bursts into one reload.
	configDebounce = 300 * time.Millisecond
)

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.chorus/config.toml)")
	host := flag.String("host", "", "bind address (overrides config)")
	port := flag.Int("port", 0, "listen port (overrides config)")
	checkConfig := flag.Bool("check-config", false, "validate configuration and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("chorus v%s (commit %s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	if *checkConfig {
		fmt.Println("configuration OK")
		return
	}

	if err := run(cfg, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig resolves the effective configuration. An explicit path must
// exist; the default path falls back to built-in defaults when absent.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// =============================================================================
// WIRING
// =============================================================================

// run assembles the service from configuration and serves until a stop
// signal arrives.
func run(cfg *config.Config, configPath string) error {
	st, err := buildStore(cfg)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	reg := adapter.NewRegistry()
	registerAdapters(reg, cfg)

	hub := transport.NewHub()
	locks := util.NewKeyedMutex()

	var recorder *telemetry.Recorder
	orchOpts := []orchestrator.Option{orchestrator.WithSessionLocks(locks)}
	if cfg.Telemetry.Enabled {
		recorder, err = telemetry.NewRecorder(cfg.Telemetry.DatabasePath)
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		defer recorder.Close()
		orchOpts = append(orchOpts, orchestrator.WithUsageRecorder(recorder))
	}

	orch := orchestrator.New(st, reg, hub, orchOpts...)
	transfers := transfer.NewPipeline(st, reg, orchestrator.Exchange,
		transfer.WithSessionLocks(locks))

	srv := server.NewServer(cfg.Server.Host, cfg.Server.Port, server.Deps{
		Store:        st,
		Registry:     reg,
		Orchestrator: orch,
		Transfers:    transfers,
		Hub:          hub,
	}).
		WithSessionLocks(locks).
		WithRateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst)
	if len(cfg.Server.AllowedOrigins) > 0 {
		srv = srv.WithAllowedOrigins(cfg.Server.AllowedOrigins)
	}
	if recorder != nil {
		srv = srv.WithUsage(recorder)
	}

	// Warm the model catalog so the first /models hit is served from cache.
	// Failures degrade to lazy discovery; the server starts regardless.
	go func() {
		warmCtx, cancel := context.WithTimeout(context.Background(), catalogWarmTimeout)
		defer cancel()
		catalogs := reg.DiscoverModels(warmCtx)
		total := 0
		for _, infos := range catalogs {
			total += len(infos)
		}
		log.Printf("CATALOG_WARMED | providers=%d models=%d", len(catalogs), total)
	}()

	watcher := watchConfig(configPath, reg)
	if watcher != nil {
		defer watcher.Stop()
	}

	log.Printf("CHORUS_START | version=%s commit=%s store=%s telemetry=%v",
		Version, GitCommit, strings.ToLower(cfg.Store.Type), cfg.Telemetry.Enabled)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case sig := <-stop:
		log.Printf("SIGNAL_RECEIVED | signal=%s", sig)
	}

	// Stop accepting requests first. WebSocket connections are hijacked and
	// survive Shutdown; closing the hub ends their event channels, which
	// makes each write loop send a close frame and disconnect.
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("SHUTDOWN_ERROR | error=%v", err)
	}
	hub.Close()
	return nil
}

// buildStore constructs the session store named by the configuration.
// Redis options are inert under the memory driver.
func buildStore(cfg *config.Config) (store.Store, error) {
	return store.NewStore(store.Type(strings.ToLower(cfg.Store.Type)),
		store.WithRedisAddr(cfg.Store.RedisAddr, cfg.Store.RedisPassword, cfg.Store.RedisDB),
		store.WithRedisTTL(time.Duration(cfg.Store.TTLHours)*time.Hour),
	)
}

// registerAdapters installs the three provider adapters from configuration.
// Register replaces by provider name, so the config watcher calls this again
// to rotate credentials without a restart.
func registerAdapters(reg *adapter.Registry, cfg *config.Config) {
	reg.Register(adapter.NewGoogle(cfg.Providers.Google.APIKey, cfg.Providers.Google.BaseURL))
	reg.Register(adapter.NewGroq(cfg.Providers.Groq.APIKey, cfg.Providers.Groq.BaseURL))
	reg.Register(adapter.NewLiteLLM(cfg.Providers.LiteLLM.BaseURL, cfg.Providers.LiteLLM.MasterKey))
}

// watchConfig starts live reload of provider credentials from the config
// file. Host, port, and store changes still require a restart. Returns nil
// when no config file exists to watch.
func watchConfig(configPath string, reg *adapter.Registry) *config.Watcher {
	path := configPath
	if path == "" {
		p, err := config.ConfigPathTOML()
		if err != nil {
			return nil
		}
		path = p
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	w, err := config.Watch(path, configDebounce, func(next *config.Config) {
		registerAdapters(reg, next)
		log.Printf("PROVIDERS_RELOADED | providers=%d", len(reg.Providers()))
	})
	if err != nil {
		log.Printf("CONFIG_WATCH_UNAVAILABLE | path=%s error=%v", path, err)
		return nil
	}
	return w
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command dataplane starts the resilient data plane HTTP service.
//
// # Usage
//
//	# Build
//	go build -o dataplane ./cmd/dataplane
//
//	# Serve with the default config (~/.dataplane/dataplane.yaml,
//	# created on first run)
//	./dataplane serve
//
//	# Serve with an explicit config
//	./dataplane serve --config /etc/dataplane/dataplane.yaml
//
//	# Ping every configured backend and exit
//	./dataplane check
//
// # Environment Variables
//
//   - DATAPLANE_POSTGRES_DSN, DATAPLANE_CLICKHOUSE_ADDR,
//     DATAPLANE_QUESTDB_URL, DATAPLANE_NATS_URL, DATAPLANE_REDIS_URL:
//     backend endpoint overrides
//   - DATAPLANE_LISTEN_ADDR: HTTP listen address override
//   - DATAPLANE_OTEL_ENDPOINT: OpenTelemetry collector (default:
//     dataplane-otel-collector:4317)
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/dataplane/pkg/logging"
	"github.com/AleutianAI/dataplane/services/dataplane"
	"github.com/AleutianAI/dataplane/services/dataplane/config"
	"github.com/AleutianAI/dataplane/services/dataplane/observability"
	"github.com/AleutianAI/dataplane/services/dataplane/pool"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "dataplane",
		Short: "A resilient multi-backend data plane",
		Long: `dataplane manages connections to relational, columnar, timeseries,
streaming, and cache backends behind circuit breakers, and runs data
pipelines between them.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the data plane HTTP server",
		RunE:  runServe,
	}

	checkCmd = &cobra.Command{
		Use:   "check",
		Short: "Connect to every configured backend, print health, and exit",
		RunE:  runCheck,
	}

	checkTimeout time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to the config file (default ~/.dataplane/dataplane.yaml)")
	checkCmd.Flags().DurationVar(&checkTimeout, "timeout", 30*time.Second,
		"overall timeout for the backend check")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	// Hosted builds pass custom ServiceOptions here.
	svc, err := dataplane.New(cfg, path, nil)
	if err != nil {
		return fmt.Errorf("failed to create the data plane: %w", err)
	}
	return svc.Run()
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{
		Level: logging.ParseLevel(cfg.Logging.Level),
		Quiet: true,
	})
	defer logger.Close()
	metrics := observability.New(prometheus.NewRegistry())

	pm := pool.New(pool.Config{
		AcquireTimeout: cfg.Pool.AcquireTimeout.D(),
		PingTimeout:    cfg.Pool.PingTimeout.D(),
		Retry: pool.RetryConfig{
			InitialDelay: cfg.Pool.Retry.InitialDelay.D(),
			Multiplier:   cfg.Pool.Retry.Multiplier,
			MaxDelay:     cfg.Pool.Retry.MaxDelay.D(),
			MaxAttempts:  1,
		},
	}, dataplane.Adapters(cfg), logger, metrics)

	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()
	defer pm.Shutdown(context.Background())

	initErr := pm.InitAll(ctx)
	reports := pm.CheckHealth(ctx)

	out, err := json.MarshalIndent(reports, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if initErr != nil {
		fmt.Fprintln(os.Stderr, "one or more backends are unreachable")
		os.Exit(1)
	}
	return nil
}

func loadConfig() (*config.Config, string, error) {
	path := configPath
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			return nil, "", err
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, path, nil
}

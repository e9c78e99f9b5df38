// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Command heimdallr drives Heimdallr provider and consumer sessions, uploads
// subtype schemas and runs a local development server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/heimdallr/client"
	"github.com/absmach/heimdallr/config"
	"github.com/absmach/heimdallr/otel"
	"github.com/absmach/heimdallr/transport/websocket"
	"github.com/google/uuid"
)

const usage = `usage: heimdallr [-config file] <command>

commands:
  provider   run a provider sending sensor readings and streams
  consumer   run a consumer subscribed to the configured providers
  schemas    upload subtype schemas for the configured providers
  serve      run a local Heimdallr-compatible server
`

type command func(ctx context.Context, cfg *config.Config, logger *slog.Logger) error

var commands = map[string]command{
	"provider": runProvider,
	"consumer": runConsumer,
	"schemas":  runSchemas,
	"serve":    runServe,
}

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usage) }
	flag.Parse()

	run, ok := commands[flag.Arg(0)]
	if !ok {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		shutdown, err := otel.InitProvider(ctx, cfg.Metrics, uuid.NewString())
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				slog.Error("OpenTelemetry shutdown error", "error", err)
			}
		}()
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Metrics.Endpoint, "insecure", cfg.Metrics.Insecure, "traces", cfg.Metrics.TracesEnabled)
	}

	slog.Info("Starting heimdallr", "command", flag.Arg(0), "server", cfg.Server.URL, "log_level", cfg.Log.Level)
	if err := run(ctx, cfg, logger); err != nil && ctx.Err() == nil {
		slog.Error("Command failed", "command", flag.Arg(0), "error", err)
		os.Exit(1)
	}
	slog.Info("Stopped heimdallr", "command", flag.Arg(0))
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

// sessionOptions maps the shared session settings onto client options.
// Asynchronous errors are fatal.
func sessionOptions(cfg *config.Config, logger *slog.Logger) *client.Options {
	wo := websocket.NewOptions()
	wo.WriteTimeout = cfg.Session.WriteTimeout
	wo.ReconnectMin = cfg.Session.ReconnectMin
	wo.ReconnectMax = cfg.Session.ReconnectMax
	wo.MaxReconnectAttempts = cfg.Session.MaxReconnectAttempts
	wo.EnableCompression = cfg.Session.EnableCompression
	wo.Logger = logger

	policy := client.ReconnectKeepReady
	if cfg.Session.OnDisconnect == client.ReconnectRegate.String() {
		policy = client.ReconnectRegate
	}

	return client.NewOptions().
		SetURL(cfg.Server.URL).
		SetDialer(websocket.NewDialer(wo)).
		SetHandshakeTimeout(cfg.Session.HandshakeTimeout).
		SetMaxPending(cfg.Session.MaxPending).
		SetReconnect(policy).
		SetLogger(logger).
		SetOnError(func(err error) {
			logger.Error("session_fatal_error", slog.String("error", err.Error()))
			os.Exit(1)
		})
}

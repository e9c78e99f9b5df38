// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"strings"

	"github.com/absmach/heimdallr/config"
	"github.com/absmach/heimdallr/packets"
	"github.com/absmach/heimdallr/schema"
)

func runSchemas(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	providers, err := config.ParseProviders(cfg.Schemas.Providers)
	if err != nil {
		return err
	}

	u, err := schema.NewUploader(uploaderConfig(cfg), nil, logger)
	if err != nil {
		return err
	}

	results, err := u.Upload(ctx, providers, schemasOf(cfg.Schemas))
	if err != nil {
		return err
	}
	for _, r := range results {
		attrs := []any{
			slog.String("provider", r.Provider.String()),
			slog.String("packet_type", string(r.PacketType)),
			slog.Int("status", r.StatusCode),
			slog.Int("attempts", r.Attempts),
		}
		if r.Err != nil {
			logger.Error("schema_upload_failed", append(attrs, slog.String("error", r.Err.Error()))...)
			continue
		}
		logger.Info("schema_uploaded", attrs...)
	}
	return results.Err()
}

func uploaderConfig(cfg *config.Config) schema.Config {
	sc := cfg.Schemas
	return schema.Config{
		URL:        httpURL(cfg.Server.URL),
		Token:      sc.Token,
		AuthSource: sc.AuthSource,
		Timeout:    sc.Timeout,
		Workers:    sc.Workers,
		Retry: schema.RetryConfig{
			MaxAttempts:     sc.Retry.MaxAttempts,
			InitialInterval: sc.Retry.InitialInterval,
			MaxInterval:     sc.Retry.MaxInterval,
			Multiplier:      sc.Retry.Multiplier,
		},
		Breaker: schema.BreakerConfig{
			FailureThreshold: sc.CircuitBreaker.FailureThreshold,
			ResetTimeout:     sc.CircuitBreaker.ResetTimeout,
		},
	}
}

func schemasOf(sc config.SchemasConfig) schema.Schemas {
	out := make(schema.Schemas, len(sc.PacketSchemas))
	for t, subtypes := range sc.PacketSchemas {
		out[packets.Type(t)] = subtypes
	}
	return out
}

// httpURL maps a websocket server URL onto its REST counterpart.
func httpURL(u string) string {
	switch {
	case strings.HasPrefix(u, "wss://"):
		return "https://" + strings.TrimPrefix(u, "wss://")
	case strings.HasPrefix(u, "ws://"):
		return "http://" + strings.TrimPrefix(u, "ws://")
	}
	return u
}

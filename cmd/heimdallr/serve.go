// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"

	"github.com/absmach/heimdallr/config"
	"github.com/absmach/heimdallr/internal/fakeserver"
)

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	srv := fakeserver.New(fakeserver.Config{
		RateLimit:       cfg.LocalServer.RateLimit,
		ShutdownTimeout: cfg.LocalServer.ShutdownTimeout,
	}, logger)
	defer srv.Close()
	return srv.Listen(ctx, cfg.LocalServer.Addr)
}

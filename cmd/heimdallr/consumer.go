// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/base64"
	"log/slog"

	"github.com/absmach/heimdallr/client"
	"github.com/absmach/heimdallr/config"
	"github.com/absmach/heimdallr/packets"
	"github.com/absmach/heimdallr/transport"
	"github.com/google/uuid"
)

func runConsumer(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	providers, err := config.ParseProviders(cfg.Consumer.Providers)
	if err != nil {
		return err
	}

	c, err := client.NewConsumer(ctx, cfg.Consumer.Token, sessionOptions(cfg, logger).SetAutoConnect(false))
	if err != nil {
		return err
	}
	defer c.Close()

	handlers := map[string]transport.Handler{
		string(packets.TypeEvent):  logPacket(logger, "consumer_event_received"),
		string(packets.TypeSensor): logPacket(logger, "consumer_sensor_received"),
		string(packets.TypeStream): func(msg transport.Message) {
			var s packets.ReceivedStream
			if err := msg.Decode(&s); err != nil {
				logger.Warn("consumer_bad_packet", slog.String("event", msg.Event), slog.String("error", err.Error()))
				return
			}
			logger.Info("consumer_stream_received",
				slog.String("provider", s.Provider.String()),
				slog.String("stream", base64.StdEncoding.EncodeToString(s.Stream)))
		},
	}
	for event, h := range handlers {
		if err := c.On(event, h); err != nil {
			return err
		}
	}
	if err := c.OnReady(func() {
		logger.Info("consumer_ready", slog.Int("providers", len(providers)))
	}); err != nil {
		return err
	}
	if err := c.Connect(); err != nil {
		return err
	}

	// Operations issued now are held until the session is ready.
	for _, id := range providers {
		if err := consumeProvider(c, cfg.Consumer, id); err != nil {
			return err
		}
	}
	for _, ctl := range cfg.Consumer.Controls {
		if err := c.SendControl(uuid.MustParse(ctl.Provider), ctl.Subtype, ctl.Data, ctl.Persistent); err != nil {
			return err
		}
	}

	<-ctx.Done()

	for _, id := range providers {
		if cfg.Consumer.JoinStream {
			_ = c.LeaveStream(id)
		}
		_ = c.Unsubscribe(id)
	}
	return nil
}

func consumeProvider(c *client.Consumer, cfg config.ConsumerConfig, id uuid.UUID) error {
	if err := c.Subscribe(id); err != nil {
		return err
	}
	if cfg.Filter != nil {
		if err := c.SetFilterMap(id, cfg.Filter); err != nil {
			return err
		}
	}
	if len(cfg.StateSubtypes) > 0 {
		if err := c.GetState(id, cfg.StateSubtypes); err != nil {
			return err
		}
	}
	if cfg.JoinStream {
		return c.JoinStream(id)
	}
	return nil
}

func logPacket(logger *slog.Logger, msgKey string) transport.Handler {
	return func(msg transport.Message) {
		var p packets.ReceivedEvent
		if err := msg.Decode(&p); err != nil {
			logger.Warn("consumer_bad_packet", slog.String("event", msg.Event), slog.String("error", err.Error()))
			return
		}
		logger.Info(msgKey,
			slog.String("provider", p.Provider.String()),
			slog.String("subtype", p.Subtype),
			slog.String("data", string(p.Data)),
			slog.String("t", p.T.String()))
	}
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/absmach/heimdallr/client"
	"github.com/absmach/heimdallr/config"
	"github.com/absmach/heimdallr/packets"
	"github.com/absmach/heimdallr/transport"
	"golang.org/x/time/rate"
)

const streamInterval = 100 * time.Millisecond

func runProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Provider.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Provider.Duration)
		defer cancel()
	}

	p, err := client.NewProvider(ctx, cfg.Provider.Token, sessionOptions(cfg, logger).SetAutoConnect(false))
	if err != nil {
		return err
	}
	defer p.Close()

	st := &streamer{provider: p, cfg: cfg.Provider, logger: logger}
	defer st.stop()

	if err := p.On(string(packets.TypeControl), func(msg transport.Message) {
		handleControl(ctx, p, st, msg, logger)
	}); err != nil {
		return err
	}
	if err := p.OnReady(func() {
		logger.Info("provider_ready")
	}); err != nil {
		return err
	}
	if err := p.Connect(); err != nil {
		return err
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.Provider.SampleRate), cfg.Provider.SampleBurst)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		reading := 50 + rand.Float64()*40
		logger.Debug("provider_sending_temperature", slog.Float64("value", reading))
		if err := p.SendSensor("temperature", reading); err != nil {
			logger.Warn("provider_send_failed", slog.String("error", err.Error()))
		}
	}
}

func handleControl(ctx context.Context, p *client.Provider, st *streamer, msg transport.Message, logger *slog.Logger) {
	var ctl packets.ReceivedControl
	if err := msg.Decode(&ctl); err != nil {
		logger.Warn("provider_bad_control", slog.String("error", err.Error()))
		return
	}
	logger.Info("provider_control_received",
		slog.String("subtype", ctl.Subtype),
		slog.String("data", string(ctl.Data)))

	switch {
	case ctl.IsStreamStart():
		if err := p.SendSensor("accelerometer", map[string]float64{"x": 0, "y": 0, "z": 100}); err != nil {
			logger.Warn("provider_send_failed", slog.String("error", err.Error()))
		}
		st.start(ctx)
	case ctl.IsStreamStop():
		st.stop()
	}

	if !ctl.Persistent.IsZero() {
		if err := p.Completed(ctl.Persistent.ID); err != nil {
			logger.Warn("provider_completed_failed", slog.String("error", err.Error()))
		}
	}
}

// streamer sends binary stream chunks while a consumer is joined.
type streamer struct {
	provider *client.Provider
	cfg      config.ProviderConfig
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *streamer) start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		if err := s.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("provider_stream_failed", slog.String("error", err.Error()))
		}
	}(s.done)
	s.logger.Info("provider_stream_started")
}

func (s *streamer) stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("provider_stream_stopped")
}

func (s *streamer) run(ctx context.Context) error {
	src, err := s.source()
	if err != nil {
		return err
	}
	defer src.Close()

	limiter := rate.NewLimiter(rate.Every(streamInterval), 1)
	buf := make([]byte, s.cfg.StreamChunk)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		n, err := src.Read(buf)
		if n > 0 {
			if err := s.provider.SendStream(buf[:n]); err != nil {
				return err
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (s *streamer) source() (io.ReadCloser, error) {
	if s.cfg.StreamSource == "" {
		return io.NopCloser(noise{}), nil
	}
	return os.Open(s.cfg.StreamSource)
}

// noise yields eight random bits per chunk.
type noise struct{}

func (noise) Read(p []byte) (int, error) {
	n := min(len(p), 8)
	for i := range p[:n] {
		p[i] = byte(rand.IntN(2))
	}
	return n, nil
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package schema uploads packet subtype schemas to the Heimdallr REST API.
//
// Each provider gets one POST per packet type:
//
//	POST {url}/api/v1/provider/{uuid}/subtype-schemas?authSource=heimdallr
//	Authorization: Token <token>
//	{"packetType": "sensor", "subtypeSchemas": {"temperature": {"type": "number"}}}
package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/absmach/heimdallr/packets"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultAuthSource is sent as the authSource query parameter.
const DefaultAuthSource = "heimdallr"

const tracerName = "github.com/absmach/heimdallr/schema"

// Uploader errors.
var (
	ErrEmptyToken     = errors.New("schema: token cannot be empty")
	ErrNoProviders    = errors.New("schema: no providers given")
	ErrNoSchemas      = errors.New("schema: no packet schemas given")
	ErrBadPacketType  = errors.New("schema: packet type must be event, sensor or control")
	ErrInvalidBaseURL = errors.New("schema: invalid base url")
)

// Schemas maps a packet type to its subtype schemas. Each subtype schema is
// a JSON schema document.
type Schemas map[packets.Type]map[string]any

// Validate checks that every key is a packet type that carries subtypes.
func (s Schemas) Validate() error {
	if len(s) == 0 {
		return ErrNoSchemas
	}
	for t := range s {
		switch t {
		case packets.TypeEvent, packets.TypeSensor, packets.TypeControl:
		default:
			return fmt.Errorf("%w: %q", ErrBadPacketType, t)
		}
	}
	return nil
}

func (s Schemas) types() []packets.Type {
	out := make([]packets.Type, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RetryConfig controls retries of a failed POST.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// BreakerConfig controls the circuit breaker shared by all uploads.
type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

// Config configures an Uploader.
type Config struct {
	URL        string
	Token      string
	AuthSource string
	Timeout    time.Duration
	Workers    int
	Retry      RetryConfig
	Breaker    BreakerConfig
}

// DefaultConfig returns upload settings against the public server.
func DefaultConfig() Config {
	return Config{
		URL:        "https://heimdallr.skyforge.co",
		AuthSource: DefaultAuthSource,
		Timeout:    30 * time.Second,
		Workers:    4,
		Retry: RetryConfig{
			MaxAttempts:     3,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     10 * time.Second,
			Multiplier:      2,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
		},
	}
}

// Result is the outcome of one POST.
type Result struct {
	Provider   uuid.UUID
	PacketType packets.Type
	StatusCode int
	Body       []byte
	Attempts   int
	Err        error
}

// Results holds the outcome of every POST of one Upload call.
type Results []Result

// Err joins the errors of all failed uploads.
func (r Results) Err() error {
	var errs []error
	for _, res := range r {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", res.Provider, res.PacketType, res.Err))
		}
	}
	return errors.Join(errs...)
}

// Uploader posts subtype schemas for providers.
type Uploader struct {
	cfg     Config
	base    *url.URL
	sender  Sender
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewUploader creates an Uploader. nil sender means an HTTPSender.
func NewUploader(cfg Config, sender Sender, logger *slog.Logger) (*Uploader, error) {
	if cfg.Token == "" {
		return nil, ErrEmptyToken
	}
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil || base.Host == "" || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBaseURL, cfg.URL)
	}
	if cfg.AuthSource == "" {
		cfg.AuthSource = DefaultAuthSource
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.Retry.Multiplier < 1 {
		cfg.Retry.Multiplier = 1
	}
	if cfg.Breaker.FailureThreshold <= 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if sender == nil {
		sender = NewHTTPSender(cfg.Timeout)
	}
	if logger == nil {
		logger = slog.Default()
	}

	u := &Uploader{
		cfg:    cfg,
		base:   base,
		sender: sender,
		logger: logger,
		tracer: otel.Tracer(tracerName),
	}
	u.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        base.Host,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.Breaker.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.Breaker.FailureThreshold)
		},
		IsSuccessful: func(err error) bool {
			var se *StatusError
			return err == nil || (errors.As(err, &se) && !se.Temporary())
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("schema upload circuit breaker state changed",
				slog.String("host", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return u, nil
}

// Endpoint returns the subtype-schemas URL for a provider.
func (u *Uploader) Endpoint(provider uuid.UUID) string {
	ep := *u.base
	ep.Path = ep.Path + "/api/v1/provider/" + provider.String() + "/subtype-schemas"
	ep.RawQuery = url.Values{"authSource": {u.cfg.AuthSource}}.Encode()
	return ep.String()
}

type job struct {
	provider   uuid.UUID
	packetType packets.Type
	payload    []byte
}

type requestBody struct {
	PacketType     packets.Type   `json:"packetType"`
	SubtypeSchemas map[string]any `json:"subtypeSchemas"`
}

// Upload posts every packet type of schemas for every provider and returns
// one Result per POST, ordered by provider then packet type. Errors of
// individual POSTs are in the results; the returned error covers invalid
// input only.
func (u *Uploader) Upload(ctx context.Context, providers []uuid.UUID, schemas Schemas) (Results, error) {
	if len(providers) == 0 {
		return nil, ErrNoProviders
	}
	if err := schemas.Validate(); err != nil {
		return nil, err
	}

	var jobs []job
	for _, p := range providers {
		for _, t := range schemas.types() {
			payload, err := json.Marshal(requestBody{PacketType: t, SubtypeSchemas: schemas[t]})
			if err != nil {
				return nil, fmt.Errorf("encode %s schemas: %w", t, err)
			}
			jobs = append(jobs, job{provider: p, packetType: t, payload: payload})
		}
	}

	results := make(Results, len(jobs))
	queue := make(chan int)
	var wg sync.WaitGroup
	for i := 0; i < u.cfg.Workers && i < len(jobs); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range queue {
				results[idx] = u.post(ctx, jobs[idx])
			}
		}()
	}
	for i := range jobs {
		queue <- i
	}
	close(queue)
	wg.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	u.logger.Info("schema upload finished",
		slog.Int("providers", len(providers)),
		slog.Int("requests", len(results)),
		slog.Int("failed", failed))
	return results, nil
}

func (u *Uploader) post(ctx context.Context, j job) Result {
	ctx, span := u.tracer.Start(ctx, "schema.upload", trace.WithAttributes(
		attribute.String("heimdallr.provider", j.provider.String()),
		attribute.String("heimdallr.packet_type", string(j.packetType)),
	))
	defer span.End()

	res := Result{Provider: j.provider, PacketType: j.packetType}
	endpoint := u.Endpoint(j.provider)
	headers := map[string]string{"Authorization": "Token " + u.cfg.Token}

	for attempt := 0; attempt < u.cfg.Retry.MaxAttempts; attempt++ {
		res.Attempts = attempt + 1
		out, err := u.breaker.Execute(func() (interface{}, error) {
			return u.sender.Send(ctx, endpoint, headers, j.payload)
		})
		if err == nil {
			resp := out.(Response)
			res.StatusCode = resp.StatusCode
			res.Body = resp.Body
			res.Err = nil
			span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
			u.logger.Debug("schema uploaded",
				slog.String("provider", j.provider.String()),
				slog.String("packet_type", string(j.packetType)),
				slog.Int("status", resp.StatusCode))
			return res
		}

		res.Err = err
		var se *StatusError
		if errors.As(err, &se) {
			res.StatusCode = se.StatusCode
			res.Body = se.Body
			if !se.Temporary() {
				break
			}
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		if attempt == u.cfg.Retry.MaxAttempts-1 {
			break
		}

		delay := u.retryDelay(attempt + 1)
		u.logger.Debug("schema upload failed, retrying",
			slog.String("provider", j.provider.String()),
			slog.String("packet_type", string(j.packetType)),
			slog.Int("attempt", attempt+1),
			slog.Duration("retry_after", delay),
			slog.String("error", err.Error()))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			res.Err = ctx.Err()
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
			return res
		case <-timer.C:
		}
	}

	span.RecordError(res.Err)
	span.SetStatus(codes.Error, res.Err.Error())
	u.logger.Error("schema upload failed",
		slog.String("provider", j.provider.String()),
		slog.String("packet_type", string(j.packetType)),
		slog.Int("attempts", res.Attempts),
		slog.String("error", res.Err.Error()))
	return res
}

// retryDelay grows InitialInterval by Multiplier per attempt, capped at MaxInterval.
func (u *Uploader) retryDelay(attempt int) time.Duration {
	delay := float64(u.cfg.Retry.InitialInterval)
	for i := 0; i < attempt-1; i++ {
		delay *= u.cfg.Retry.Multiplier
	}
	if max := float64(u.cfg.Retry.MaxInterval); max > 0 && delay > max {
		delay = max
	}
	return time.Duration(delay)
}

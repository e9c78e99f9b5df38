// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"log/slog"
	"time"

	"github.com/absmach/heimdallr/transport"
	"github.com/absmach/heimdallr/transport/websocket"
	"go.opentelemetry.io/otel/metric"
)

// Default values.
const (
	DefaultURL              = "https://heimdallr.skyforge.co"
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultMaxPending       = 1024
	DefaultErrorChanSize    = 16
)

// ReconnectPolicy selects what a session does when its transport drops.
type ReconnectPolicy uint8

const (
	// ReconnectKeepReady keeps a ready session ready across transport drops.
	// Operations keep flowing to the transport and the token is re-sent when
	// the transport reconnects.
	ReconnectKeepReady ReconnectPolicy = iota
	// ReconnectRegate returns the session to connecting on every drop.
	// Operations are queued until the next auth-success.
	ReconnectRegate
)

// String returns the policy name.
func (p ReconnectPolicy) String() string {
	switch p {
	case ReconnectKeepReady:
		return "keep-ready"
	case ReconnectRegate:
		return "regate"
	default:
		return "unknown"
	}
}

// Options configures a Provider or Consumer session.
type Options struct {
	// Connection
	URL         string           // Base server URL; the role namespace is appended
	Dialer      transport.Dialer // Transport factory (nil = websocket with defaults)
	AutoConnect bool             // Connect during construction

	// Readiness
	HandshakeTimeout time.Duration   // Time allowed to reach ready (0 = no limit)
	MaxPending       int             // Bound on queued operations (0 = unbounded)
	Reconnect        ReconnectPolicy // Behavior after a transport drop

	// Errors
	OnError       func(error) // Receives asynchronous errors (nil = Errors channel)
	ErrorChanSize int         // Buffer of the Errors channel

	// Observability
	Logger *slog.Logger // nil = slog.Default()
	Meter  metric.Meter // nil = global meter provider
}

// NewOptions creates Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		URL:              DefaultURL,
		AutoConnect:      true,
		HandshakeTimeout: DefaultHandshakeTimeout,
		MaxPending:       DefaultMaxPending,
		Reconnect:        ReconnectKeepReady,
		ErrorChanSize:    DefaultErrorChanSize,
	}
}

// SetURL sets the base server URL.
func (o *Options) SetURL(url string) *Options {
	o.URL = url
	return o
}

// SetDialer sets the transport factory.
func (o *Options) SetDialer(d transport.Dialer) *Options {
	o.Dialer = d
	return o
}

// SetAutoConnect controls whether construction connects the transport.
func (o *Options) SetAutoConnect(enable bool) *Options {
	o.AutoConnect = enable
	return o
}

// SetHandshakeTimeout sets the time allowed between Connect and auth-success.
func (o *Options) SetHandshakeTimeout(d time.Duration) *Options {
	o.HandshakeTimeout = d
	return o
}

// SetMaxPending sets the bound on operations queued before readiness.
func (o *Options) SetMaxPending(n int) *Options {
	o.MaxPending = n
	return o
}

// SetReconnect sets the reconnect policy.
func (o *Options) SetReconnect(p ReconnectPolicy) *Options {
	o.Reconnect = p
	return o
}

// SetOnError sets the asynchronous error callback.
func (o *Options) SetOnError(fn func(error)) *Options {
	o.OnError = fn
	return o
}

// SetLogger sets the logger.
func (o *Options) SetLogger(l *slog.Logger) *Options {
	o.Logger = l
	return o
}

// SetMeter sets the meter used for session instruments.
func (o *Options) SetMeter(m metric.Meter) *Options {
	o.Meter = m
	return o
}

// Validate checks the options for errors and fills unset defaults.
func (o *Options) Validate() error {
	if o.URL == "" {
		return ErrEmptyURL
	}
	if o.MaxPending < 0 {
		return ErrInvalidQueue
	}
	if o.HandshakeTimeout < 0 {
		o.HandshakeTimeout = 0
	}
	if o.ErrorChanSize <= 0 {
		o.ErrorChanSize = DefaultErrorChanSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Dialer == nil {
		wopts := websocket.NewOptions()
		wopts.Logger = o.Logger
		o.Dialer = websocket.NewDialer(wopts)
	}
	return nil
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/heimdallr/packets"
	"github.com/absmach/heimdallr/transport"
)

// EventReady is the pseudo-event accepted by On as an alias for OnReady.
const EventReady = "ready"

// internalEvents keep their session handler. Application handlers for them
// are appended and called after it.
var internalEvents = map[string]bool{
	transport.EventConnect:     true,
	transport.EventAuthSuccess: true,
	transport.EventDisconnect:  true,
}

// Session is an authenticated connection to a Heimdallr server. Operations
// submitted before the session is ready are deferred and run in order once
// the server accepts the token.
type Session struct {
	role    Role
	token   string
	opts    *Options
	channel transport.Channel
	gate    *gate
	metrics *metrics
	logger  *slog.Logger
	errs    chan error

	mu          sync.Mutex
	appHandlers map[string][]transport.Handler
	timer       *time.Timer
	connected   bool

	closeOnce sync.Once
}

// NewSession dials the role endpoint and installs the handshake handlers.
// The transport is connected immediately when opts.AutoConnect is set.
func NewSession(ctx context.Context, role Role, token string, opts *Options) (*Session, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := role.validate(); err != nil {
		return nil, err
	}
	if token == "" {
		return nil, ErrEmptyToken
	}

	m, err := newMetrics(opts.Meter, role.Name)
	if err != nil {
		return nil, err
	}

	url := role.endpoint(opts.URL)
	channel, err := opts.Dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	s := &Session{
		role:        role,
		token:       token,
		opts:        opts,
		channel:     channel,
		gate:        newGate(opts.MaxPending),
		metrics:     m,
		logger:      opts.Logger.With(slog.String("role", role.Name)),
		errs:        make(chan error, opts.ErrorChanSize),
		appHandlers: make(map[string][]transport.Handler),
	}
	s.gate.onQueued = m.recordQueued
	s.gate.onFlushed = m.recordFlushed
	s.gate.onFailure = func(op string, err error) {
		s.report(&OperationError{Op: op, Err: err})
	}

	channel.On(transport.EventConnect, s.handleConnect)
	channel.On(transport.EventAuthSuccess, s.handleAuthSuccess)
	channel.On(transport.EventDisconnect, s.handleDisconnect)
	channel.On(transport.EventError, s.handleChannelError)

	if opts.AutoConnect {
		if err := s.Connect(); err != nil {
			channel.Close()
			return nil, err
		}
	}
	return s, nil
}

// Connect opens the transport and starts the handshake timer. Calling it
// again is a no-op.
func (s *Session) Connect() error {
	if s.gate.state.isClosed() {
		return ErrSessionClosed
	}

	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	s.connected = true
	s.mu.Unlock()

	s.armHandshakeTimer()
	if err := s.channel.Connect(); err != nil {
		s.stopHandshakeTimer()
		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()
		return fmt.Errorf("connect %s: %w", s.role.Name, err)
	}
	s.logger.Info("session_connecting")
	return nil
}

// State returns the current session state.
func (s *Session) State() State {
	return s.gate.state.get()
}

// Pending returns the number of operations waiting for readiness.
func (s *Session) Pending() int {
	return s.gate.pending()
}

// Errors returns the stream of asynchronous errors. It receives nothing when
// Options.OnError is set.
func (s *Session) Errors() <-chan error {
	return s.errs
}

// OnReady runs fn now if the session is ready, otherwise at the next
// transition to ready.
func (s *Session) OnReady(fn func()) error {
	if fn == nil {
		return invalidArgument("nil ready callback")
	}
	return s.submit(EventReady, func() error {
		fn()
		return nil
	})
}

// On registers h for event. The ready pseudo-event is gated like an
// operation. The connect, auth-success and disconnect handlers of the
// session cannot be replaced; h is added after them. For every other event
// h replaces any handler registered before, including the default err
// handler.
func (s *Session) On(event string, h transport.Handler) error {
	if event == "" {
		return invalidArgument("empty event name")
	}
	if h == nil {
		return invalidArgument("nil handler for %q", event)
	}

	if event == EventReady {
		return s.OnReady(func() {
			h(transport.Message{Event: EventReady})
		})
	}

	if internalEvents[event] {
		s.mu.Lock()
		s.appHandlers[event] = append(s.appHandlers[event], h)
		s.mu.Unlock()
		return nil
	}

	s.channel.RemoveListener(event)
	s.channel.On(event, h)
	return nil
}

// RemoveListener detaches the application handler for event. Session
// handlers of the internal events stay in place. Removing an err handler
// restores the default err routing.
func (s *Session) RemoveListener(event string) {
	if internalEvents[event] {
		s.mu.Lock()
		delete(s.appHandlers, event)
		s.mu.Unlock()
		return
	}
	if event == EventReady {
		return
	}
	s.channel.RemoveListener(event)
	if event == transport.EventError {
		s.channel.On(transport.EventError, s.handleChannelError)
	}
}

// Close discards queued operations and closes the transport.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.stopHandshakeTimer()
		wasReady := s.gate.state.isReady()
		dropped, _ := s.gate.close(ErrSessionClosed)
		s.metrics.recordDropped(dropped)
		if wasReady {
			s.metrics.recordReady(-1)
		}
		s.logger.Info("session_closed", slog.Int("dropped", dropped))
		err = s.channel.Close()
	})
	return err
}

// submit passes an operation through the readiness gate.
func (s *Session) submit(name string, run func() error) error {
	err := s.gate.submit(name, run)
	switch {
	case errors.Is(err, ErrQueueFull):
		s.metrics.recordRejected(name)
		s.logger.Warn("operation_rejected",
			slog.String("operation", name),
			slog.Int("max_pending", s.opts.MaxPending))
	case err == nil && !s.gate.state.isReady():
		s.logger.Debug("operation_queued", slog.String("operation", name))
	}
	return err
}

// emit sends one packet on the channel.
func (s *Session) emit(event string, payload any) error {
	if err := s.channel.Emit(event, payload); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	s.metrics.recordSent(event)
	return nil
}

func (s *Session) handleConnect(msg transport.Message) {
	if s.gate.authenticating() {
		s.logger.Info("session_authenticating")
	}
	if err := s.channel.Emit(transport.EventAuthorize, packets.Authorize{Token: s.token}); err != nil {
		s.report(fmt.Errorf("emit %s: %w", transport.EventAuthorize, err))
	}
	s.dispatchApp(msg)
}

func (s *Session) handleAuthSuccess(msg transport.Message) {
	s.stopHandshakeTimer()
	if s.gate.markReady() {
		s.metrics.recordReady(1)
		s.logger.Info("session_ready")
	}
	s.dispatchApp(msg)
}

func (s *Session) handleDisconnect(msg transport.Message) {
	wasReady := s.gate.state.isReady()
	regated := s.gate.disconnected(s.opts.Reconnect == ReconnectRegate)
	s.logger.Warn("session_disconnected",
		slog.String("reason", msg.Text()),
		slog.String("state", s.State().String()))

	if regated {
		if wasReady {
			s.metrics.recordReady(-1)
		}
		s.armHandshakeTimer()
	}
	s.dispatchApp(msg)
}

func (s *Session) handleChannelError(msg transport.Message) {
	s.report(&ChannelError{Message: msg.Text(), Data: msg.Data})
}

func (s *Session) dispatchApp(msg transport.Message) {
	s.mu.Lock()
	handlers := append([]transport.Handler(nil), s.appHandlers[msg.Event]...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

// report routes an asynchronous error to OnError or the Errors channel.
func (s *Session) report(err error) {
	s.metrics.recordError(errorKind(err))
	s.logger.Error("session_error", slog.String("error", err.Error()))

	if s.opts.OnError != nil {
		s.opts.OnError(err)
		return
	}
	select {
	case s.errs <- err:
	default:
		s.logger.Warn("session_error_dropped", slog.String("error", err.Error()))
	}
}

func (s *Session) armHandshakeTimer() {
	if s.opts.HandshakeTimeout <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.opts.HandshakeTimeout, s.handshakeExpired)
}

func (s *Session) stopHandshakeTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) handshakeExpired() {
	dropped, ok := s.gate.expire(ErrHandshakeTimeout)
	if !ok {
		return
	}
	s.metrics.recordDropped(dropped)
	s.logger.Error("session_handshake_timeout",
		slog.Duration("timeout", s.opts.HandshakeTimeout),
		slog.Int("dropped", dropped))
	s.report(ErrHandshakeTimeout)
	s.closeOnce.Do(func() {
		s.channel.Close()
	})
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrChannel):
		return "channel"
	case errors.Is(err, ErrHandshakeTimeout):
		return "handshake_timeout"
	default:
		var opErr *OperationError
		if errors.As(err, &opErr) {
			return "operation"
		}
		return "transport"
	}
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket implements transport.Channel over a websocket connection.
// The channel connects in the background, reconnects with exponential
// backoff when the connection drops, and reports both transitions through
// the reserved connect and disconnect events.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/heimdallr/internal/bufpool"
	"github.com/absmach/heimdallr/transport"
	"github.com/gorilla/websocket"
)

// Default values.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultReconnectMin     = 1 * time.Second
	DefaultReconnectMax     = 2 * time.Minute
)

// Options configures a websocket channel.
type Options struct {
	Header            http.Header   // Extra headers sent with the upgrade request
	HandshakeTimeout  time.Duration // Timeout for the websocket upgrade
	WriteTimeout      time.Duration // Timeout for each write
	EnableCompression bool          // Negotiate permessage-deflate

	AutoReconnect        bool          // Reconnect after a dropped or failed connection
	ReconnectMin         time.Duration // Initial reconnect delay
	ReconnectMax         time.Duration // Maximum reconnect delay
	MaxReconnectAttempts int           // Consecutive failed dials before giving up (0 = unlimited)

	Logger *slog.Logger
}

// NewOptions returns Options with defaults.
func NewOptions() *Options {
	return &Options{
		HandshakeTimeout: DefaultHandshakeTimeout,
		WriteTimeout:     DefaultWriteTimeout,
		AutoReconnect:    true,
		ReconnectMin:     DefaultReconnectMin,
		ReconnectMax:     DefaultReconnectMax,
	}
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = DefaultWriteTimeout
	}
	if out.ReconnectMin <= 0 {
		out.ReconnectMin = DefaultReconnectMin
	}
	if out.ReconnectMax < out.ReconnectMin {
		out.ReconnectMax = out.ReconnectMin
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Dialer creates websocket channels.
type Dialer struct {
	opts Options
}

var _ transport.Dialer = (*Dialer)(nil)

// NewDialer creates a Dialer. nil opts means NewOptions().
func NewDialer(opts *Options) *Dialer {
	if opts == nil {
		opts = NewOptions()
	}
	return &Dialer{opts: opts.withDefaults()}
}

// Dial returns an unconnected channel for url. ws, wss, http and https
// schemes are accepted.
func (d *Dialer) Dial(_ context.Context, url string) (transport.Channel, error) {
	wsURL, err := toWebsocketURL(url)
	if err != nil {
		return nil, err
	}
	return newChannel(wsURL, d.opts), nil
}

// Channel is a transport.Channel backed by a gorilla websocket connection.
type Channel struct {
	url       string
	opts      Options
	dialer    *websocket.Dialer
	listeners *transport.Listeners
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conn    *websocket.Conn
	started bool
	closed  bool
	done    chan struct{}

	writeMu sync.Mutex
}

var _ transport.Channel = (*Channel)(nil)

func newChannel(url string, opts Options) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		url:  url,
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:             http.ProxyFromEnvironment,
			HandshakeTimeout:  opts.HandshakeTimeout,
			EnableCompression: opts.EnableCompression,
		},
		listeners: transport.NewListeners(),
		logger:    opts.Logger.With(slog.String("url", url)),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Connect starts the connection loop. Calling it again is a no-op.
func (c *Channel) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	if c.started {
		return nil
	}
	c.started = true
	go c.run()
	return nil
}

// On implements transport.Channel.
func (c *Channel) On(event string, h transport.Handler) {
	c.listeners.Add(event, h)
}

// RemoveListener implements transport.Channel.
func (c *Channel) RemoveListener(event string) {
	c.listeners.Remove(event)
}

// Emit implements transport.Channel.
func (c *Channel) Emit(event string, payload any) error {
	var sizeHint int
	if b, ok := payload.([]byte); ok {
		sizeHint = 1 + len(event) + len(b)
	}
	buf := bufpool.Get(sizeHint)
	defer bufpool.Put(buf)

	messageType, err := WriteFrame(buf, event, payload)
	if err != nil {
		return err
	}
	body := buf.Bytes()

	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return transport.ErrClosed
	}
	if conn == nil {
		return transport.ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	defer conn.SetWriteDeadline(time.Time{})

	if err := conn.WriteMessage(messageType, body); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	c.logger.Debug("channel_emit", slog.String("event", event), slog.Int("bytes", len(body)))
	return nil
}

// Close stops reconnecting and closes the connection.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	started := c.started
	c.mu.Unlock()

	c.cancel()
	if !started {
		close(c.done)
	}
	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.opts.WriteTimeout))
	c.writeMu.Unlock()
	return conn.Close()
}

// Done is closed once the connection loop has exited.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Connected reports whether a connection is currently established.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) run() {
	defer close(c.done)

	delay := c.opts.ReconnectMin
	failures := 0

	for !c.isClosed() {
		conn, err := c.dial()
		if err != nil {
			if c.isClosed() {
				return
			}
			failures++
			c.logger.Warn("channel_connect_failed",
				slog.Int("attempt", failures),
				slog.String("error", err.Error()))

			if !c.opts.AutoReconnect || (c.opts.MaxReconnectAttempts > 0 && failures >= c.opts.MaxReconnectAttempts) {
				c.listeners.Dispatch(errorMessage(fmt.Sprintf("connect failed: %v", err)))
				return
			}
			if !c.sleep(delay) {
				return
			}
			delay = nextDelay(delay, c.opts.ReconnectMax)
			continue
		}

		failures = 0
		delay = c.opts.ReconnectMin

		c.logger.Info("channel_connected")
		c.listeners.Dispatch(transport.Message{Event: transport.EventConnect})

		reason := c.readLoop(conn)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		closed := c.closed
		c.mu.Unlock()
		_ = conn.Close()

		if closed {
			return
		}

		c.logger.Warn("channel_disconnected", slog.String("reason", reason))
		c.listeners.Dispatch(transport.Message{Event: transport.EventDisconnect, Data: quote(reason)})

		if !c.opts.AutoReconnect {
			return
		}
		if !c.sleep(delay) {
			return
		}
		delay = nextDelay(delay, c.opts.ReconnectMax)
	}
}

func (c *Channel) dial() (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(c.ctx, c.url, c.opts.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		conn.Close()
		return nil, transport.ErrClosed
	}
	c.conn = conn
	return conn, nil
}

func (c *Channel) readLoop(conn *websocket.Conn) string {
	for {
		messageType, body, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return fmt.Sprintf("server closed connection (%d)", closeErr.Code)
			}
			return err.Error()
		}

		msg, err := DecodeFrame(messageType, body)
		if err != nil {
			c.logger.Warn("channel_invalid_frame", slog.String("error", err.Error()))
			continue
		}
		c.logger.Debug("channel_receive", slog.String("event", msg.Event), slog.Int("bytes", len(body)))
		c.listeners.Dispatch(msg)
	}
}

func (c *Channel) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextDelay(d, max time.Duration) time.Duration {
	d *= 2
	if d > max {
		d = max
	}
	return d
}

func errorMessage(text string) transport.Message {
	return transport.Message{Event: transport.EventError, Data: quote(text)}
}

// quote encodes s as a JSON string. Invalid UTF-8 becomes U+FFFD.
func quote(s string) []byte {
	b, _ := json.Marshal(s)
	return b
}

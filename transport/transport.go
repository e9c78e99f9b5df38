// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport defines the duplex event channel a Heimdallr session runs on.
//
// A Channel delivers named events from the far end to registered handlers and
// emits named events with a JSON or binary payload. Implementations own
// connection establishment and any reconnection; sessions only observe the
// reserved EventConnect and EventDisconnect events they produce.
package transport

import (
	"context"
	"encoding/json"
	"errors"
)

// Reserved event names.
const (
	// EventConnect is produced by the channel each time the underlying
	// connection is (re)established.
	EventConnect = "connect"
	// EventDisconnect is produced by the channel when the connection drops.
	EventDisconnect = "disconnect"
	// EventAuthSuccess is sent by the server once the token is accepted.
	EventAuthSuccess = "auth-success"
	// EventError is sent by the server (or produced by the channel) on failure.
	EventError = "err"
	// EventAuthorize carries the session token to the server.
	EventAuthorize = "authorize"
)

// Transport errors.
var (
	ErrNotConnected = errors.New("transport: channel not connected")
	ErrClosed       = errors.New("transport: channel closed")
	ErrEmptyEvent   = errors.New("transport: empty event name")
)

// Message is one inbound event.
type Message struct {
	Event  string
	Data   []byte
	Binary bool
}

// Decode unmarshals a JSON payload into v.
func (m Message) Decode(v any) error {
	if m.Binary {
		return errors.New("transport: cannot decode binary payload as JSON")
	}
	if len(m.Data) == 0 {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Text returns the payload as a string. JSON strings are unquoted.
func (m Message) Text() string {
	if !m.Binary {
		var s string
		if err := json.Unmarshal(m.Data, &s); err == nil {
			return s
		}
	}
	return string(m.Data)
}

// Handler receives inbound events.
type Handler func(Message)

// Channel is a bidirectional, event-named message channel.
type Channel interface {
	// Connect starts connecting in the background. EventConnect fires once the
	// connection is usable.
	Connect() error

	// On attaches h to event. Several handlers may share a name; they run in
	// registration order.
	On(event string, h Handler)

	// RemoveListener detaches every handler registered for event.
	RemoveListener(event string)

	// Emit sends payload under event. []byte payloads are sent as binary;
	// everything else is JSON encoded.
	Emit(event string, payload any) error

	// Close tears the channel down. It does not wait for in-flight handlers.
	Close() error
}

// Dialer creates an unconnected Channel for url.
type Dialer interface {
	Dial(ctx context.Context, url string) (Channel, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string) (Channel, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, url string) (Channel, error) {
	return f(ctx, url)
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-process transport.Channel. The far end is
// played by the caller: Deliver injects inbound events and Emitted returns
// what the session sent.
package memory

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/absmach/heimdallr/transport"
)

// Emission is one outbound event captured by the channel.
type Emission struct {
	Event   string
	Payload any
	Data    []byte
	Binary  bool
}

// Decode unmarshals the JSON encoding of the emitted payload into v.
func (e Emission) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Channel is a transport.Channel held entirely in memory.
type Channel struct {
	URL string

	listeners *transport.Listeners

	mu        sync.Mutex
	emitted   []Emission
	connected bool
	connects  int
	closed    bool
	emitErr   error
	onEmit    func(Emission)
}

var _ transport.Channel = (*Channel)(nil)

// New creates an unconnected channel.
func New(url string) *Channel {
	return &Channel{
		URL:       url,
		listeners: transport.NewListeners(),
	}
}

// Connect records the request. Connection events are injected with Open.
func (c *Channel) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	c.connects++
	return nil
}

// ConnectCalls returns how many times Connect was called.
func (c *Channel) ConnectCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// On implements transport.Channel.
func (c *Channel) On(event string, h transport.Handler) {
	c.listeners.Add(event, h)
}

// RemoveListener implements transport.Channel.
func (c *Channel) RemoveListener(event string) {
	c.listeners.Remove(event)
}

// Listeners returns the number of handlers registered for event.
func (c *Channel) Listeners(event string) int {
	return c.listeners.Count(event)
}

// Emit records the emission. It fails when the channel is not open.
func (c *Channel) Emit(event string, payload any) error {
	if event == "" {
		return transport.ErrEmptyEvent
	}

	em := Emission{Event: event, Payload: payload}
	if b, ok := payload.([]byte); ok {
		em.Data = append([]byte(nil), b...)
		em.Binary = true
	} else {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		em.Data = data
	}

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return transport.ErrClosed
	case !c.connected:
		c.mu.Unlock()
		return transport.ErrNotConnected
	case c.emitErr != nil:
		err := c.emitErr
		c.mu.Unlock()
		return err
	}
	c.emitted = append(c.emitted, em)
	onEmit := c.onEmit
	c.mu.Unlock()

	if onEmit != nil {
		onEmit(em)
	}
	return nil
}

// Close implements transport.Channel.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.connected = false
	return nil
}

// Closed reports whether Close was called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Open marks the channel connected and fires transport.EventConnect.
func (c *Channel) Open() {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.Deliver(transport.EventConnect, nil)
}

// Drop marks the channel disconnected and fires transport.EventDisconnect.
func (c *Channel) Drop(reason string) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.Deliver(transport.EventDisconnect, reason)
}

// Deliver dispatches an inbound event. payload is JSON encoded unless it is
// []byte, which is delivered as binary.
func (c *Channel) Deliver(event string, payload any) {
	msg := transport.Message{Event: event}
	switch p := payload.(type) {
	case nil:
	case []byte:
		msg.Data = p
		msg.Binary = true
	default:
		data, err := json.Marshal(p)
		if err != nil {
			panic(err)
		}
		msg.Data = data
	}
	c.listeners.Dispatch(msg)
}

// FailEmits makes subsequent Emit calls return err. nil restores normal behavior.
func (c *Channel) FailEmits(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitErr = err
}

// OnEmit registers a hook that observes every successful emission.
func (c *Channel) OnEmit(fn func(Emission)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEmit = fn
}

// Emitted returns a copy of all emissions so far.
func (c *Channel) Emitted() []Emission {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Emission, len(c.emitted))
	copy(out, c.emitted)
	return out
}

// EmittedEvents returns emissions whose event matches name.
func (c *Channel) EmittedEvents(name string) []Emission {
	var out []Emission
	for _, em := range c.Emitted() {
		if em.Event == name {
			out = append(out, em)
		}
	}
	return out
}

// Reset forgets all recorded emissions.
func (c *Channel) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitted = nil
}

// Dialer hands out memory channels and remembers them.
type Dialer struct {
	mu       sync.Mutex
	channels []*Channel
	err      error
}

var _ transport.Dialer = (*Dialer)(nil)

// NewDialer creates a Dialer.
func NewDialer() *Dialer {
	return &Dialer{}
}

// Fail makes subsequent Dial calls return err.
func (d *Dialer) Fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(_ context.Context, url string) (transport.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	ch := New(url)
	d.channels = append(d.channels, ch)
	return ch, nil
}

// Last returns the most recently dialed channel, or nil.
func (d *Dialer) Last() *Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.channels) == 0 {
		return nil
	}
	return d.channels[len(d.channels)-1]
}

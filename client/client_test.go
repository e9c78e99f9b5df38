// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/absmach/heimdallr/packets"
	"github.com/absmach/heimdallr/transport"
	"github.com/absmach/heimdallr/transport/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const testToken = "d2f62b5b-3fae-4e40-8a0c-8b2d7d9ecb67"

func testOptions(d *memory.Dialer) *Options {
	return NewOptions().
		SetURL("mem://heimdallr").
		SetDialer(d).
		SetHandshakeTimeout(0)
}

func newTestSession(t *testing.T, opts *Options) (*Session, *memory.Channel) {
	t.Helper()
	d := memory.NewDialer()
	if opts == nil {
		opts = testOptions(d)
	} else {
		opts.SetDialer(d)
	}
	s, err := NewSession(context.Background(), RoleProvider, testToken, opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, d.Last()
}

// authenticate plays the server side of a successful handshake.
func authenticate(ch *memory.Channel) {
	ch.Open()
	ch.Deliver(transport.EventAuthSuccess, nil)
}

func nextError(t *testing.T, s *Session) error {
	t.Helper()
	select {
	case err := <-s.Errors():
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("no error reported")
		return nil
	}
}

func assertNoError(t *testing.T, s *Session) {
	t.Helper()
	select {
	case err := <-s.Errors():
		t.Fatalf("unexpected error: %v", err)
	default:
	}
}

func TestNewSessionValidation(t *testing.T) {
	d := memory.NewDialer()
	ctx := context.Background()

	_, err := NewSession(ctx, RoleProvider, "", testOptions(d))
	assert.ErrorIs(t, err, ErrEmptyToken)

	_, err = NewSession(ctx, Role{Name: "x", Namespace: "x"}, testToken, testOptions(d))
	assert.ErrorIs(t, err, ErrInvalidRole)

	_, err = NewSession(ctx, RoleProvider, testToken, testOptions(d).SetURL(""))
	assert.ErrorIs(t, err, ErrEmptyURL)

	boom := errors.New("dial failed")
	d.Fail(boom)
	_, err = NewSession(ctx, RoleProvider, testToken, testOptions(d))
	assert.ErrorIs(t, err, boom)
}

func TestSessionEndpoint(t *testing.T) {
	d := memory.NewDialer()
	_, err := NewSession(context.Background(), RoleConsumer, testToken, testOptions(d).SetURL("mem://heimdallr/"))
	require.NoError(t, err)
	assert.Equal(t, "mem://heimdallr/consumer", d.Last().URL)
}

func TestSessionHandshake(t *testing.T) {
	s, ch := newTestSession(t, nil)
	assert.Equal(t, 1, ch.ConnectCalls())
	assert.Equal(t, StateConnecting, s.State())

	ch.Open()
	assert.Equal(t, StateAuthenticating, s.State())

	auth := ch.EmittedEvents(transport.EventAuthorize)
	require.Len(t, auth, 1)
	assert.JSONEq(t, `{"token":"`+testToken+`"}`, string(auth[0].Data))

	ch.Deliver(transport.EventAuthSuccess, nil)
	assert.Equal(t, StateReady, s.State())

	ch.Deliver(transport.EventAuthSuccess, nil)
	assert.Equal(t, StateReady, s.State())
	assertNoError(t, s)
}

func TestSessionManualConnect(t *testing.T) {
	d := memory.NewDialer()
	s, err := NewSession(context.Background(), RoleProvider, testToken, testOptions(d).SetAutoConnect(false))
	require.NoError(t, err)
	ch := d.Last()

	assert.Zero(t, ch.ConnectCalls())
	require.NoError(t, s.Connect())
	require.NoError(t, s.Connect())
	assert.Equal(t, 1, ch.ConnectCalls())
}

func TestSessionOnReady(t *testing.T) {
	s, ch := newTestSession(t, nil)

	var calls []string
	require.NoError(t, s.OnReady(func() { calls = append(calls, "first") }))
	require.NoError(t, s.On(EventReady, func(m transport.Message) { calls = append(calls, "on:"+m.Event) }))
	assert.Empty(t, calls)
	assert.Equal(t, 2, s.Pending())
	assert.Zero(t, ch.Listeners(EventReady))

	authenticate(ch)
	assert.Equal(t, []string{"first", "on:ready"}, calls)

	require.NoError(t, s.OnReady(func() { calls = append(calls, "late") }))
	assert.Equal(t, []string{"first", "on:ready", "late"}, calls)

	ch.Deliver(transport.EventAuthSuccess, nil)
	assert.Len(t, calls, 3)

	assert.ErrorIs(t, s.OnReady(nil), ErrInvalidArgument)
}

func TestSessionListenerExclusivity(t *testing.T) {
	s, ch := newTestSession(t, nil)

	var first, second int
	require.NoError(t, s.On("heardEvent", func(transport.Message) { first++ }))
	require.NoError(t, s.On("heardEvent", func(transport.Message) { second++ }))
	assert.Equal(t, 1, ch.Listeners("heardEvent"))

	ch.Deliver("heardEvent", map[string]string{"subtype": "temp"})
	assert.Zero(t, first)
	assert.Equal(t, 1, second)

	s.RemoveListener("heardEvent")
	ch.Deliver("heardEvent", nil)
	assert.Equal(t, 1, second)
	assert.Zero(t, ch.Listeners("heardEvent"))

	s.RemoveListener("never-registered")
}

func TestSessionProtectedEvents(t *testing.T) {
	s, ch := newTestSession(t, nil)

	var connects, auths int
	require.NoError(t, s.On(transport.EventConnect, func(transport.Message) { connects++ }))
	require.NoError(t, s.On(transport.EventConnect, func(transport.Message) { connects++ }))
	require.NoError(t, s.On(transport.EventAuthSuccess, func(transport.Message) { auths++ }))
	assert.Equal(t, 1, ch.Listeners(transport.EventConnect))
	assert.Equal(t, 1, ch.Listeners(transport.EventAuthSuccess))

	authenticate(ch)
	assert.Equal(t, 2, connects)
	assert.Equal(t, 1, auths)
	assert.Equal(t, StateReady, s.State())
	assert.Len(t, ch.EmittedEvents(transport.EventAuthorize), 1)

	s.RemoveListener(transport.EventConnect)
	ch.Drop("transport close")
	ch.Open()
	assert.Equal(t, 2, connects)
	assert.Len(t, ch.EmittedEvents(transport.EventAuthorize), 2)
	assert.Equal(t, 1, ch.Listeners(transport.EventConnect))
}

func TestSessionOnValidation(t *testing.T) {
	s, _ := newTestSession(t, nil)
	assert.ErrorIs(t, s.On("", func(transport.Message) {}), ErrInvalidArgument)
	assert.ErrorIs(t, s.On("heardEvent", nil), ErrInvalidArgument)
}

func TestSessionChannelErrorDefault(t *testing.T) {
	s, ch := newTestSession(t, nil)
	ch.Deliver(transport.EventError, "No token provided")

	err := nextError(t, s)
	assert.ErrorIs(t, err, ErrChannel)
	var chErr *ChannelError
	require.ErrorAs(t, err, &chErr)
	assert.Equal(t, "No token provided", chErr.Message)
	assert.Equal(t, "channel error: No token provided", err.Error())
}

func TestSessionErrOverride(t *testing.T) {
	s, ch := newTestSession(t, nil)

	var got []string
	require.NoError(t, s.On(transport.EventError, func(m transport.Message) { got = append(got, m.Text()) }))
	ch.Deliver(transport.EventError, "Invalid token")

	assert.Equal(t, []string{"Invalid token"}, got)
	assertNoError(t, s)
}

func TestSessionRemoveErrRestoresDefault(t *testing.T) {
	tests := []struct {
		name     string
		override bool
	}{
		{name: "after override", override: true},
		{name: "default handler", override: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ch := newTestSession(t, nil)
			var got int
			if tt.override {
				require.NoError(t, s.On(transport.EventError, func(transport.Message) { got++ }))
			}

			s.RemoveListener(transport.EventError)
			assert.Equal(t, 1, ch.Listeners(transport.EventError))
			ch.Deliver(transport.EventError, "Invalid token")

			assert.Zero(t, got)
			err := nextError(t, s)
			assert.ErrorIs(t, err, ErrChannel)
			assert.Equal(t, "channel error: Invalid token", err.Error())
		})
	}
}

func TestSessionOnErrorOption(t *testing.T) {
	var got []error
	d := memory.NewDialer()
	s, err := NewSession(context.Background(), RoleProvider, testToken,
		testOptions(d).SetOnError(func(err error) { got = append(got, err) }))
	require.NoError(t, err)

	d.Last().Deliver(transport.EventError, "boom")
	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0], ErrChannel)
	assertNoError(t, s)
}

func TestSessionErrorsChannelFull(t *testing.T) {
	d := memory.NewDialer()
	opts := testOptions(d)
	opts.ErrorChanSize = 1
	s, err := NewSession(context.Background(), RoleProvider, testToken, opts)
	require.NoError(t, err)

	ch := d.Last()
	ch.Deliver(transport.EventError, "one")
	ch.Deliver(transport.EventError, "two")

	err = nextError(t, s)
	assert.Contains(t, err.Error(), "one")
	assertNoError(t, s)
}

func TestSessionHandshakeTimeout(t *testing.T) {
	d := memory.NewDialer()
	s, err := NewSession(context.Background(), RoleProvider, testToken,
		testOptions(d).SetHandshakeTimeout(20*time.Millisecond))
	require.NoError(t, err)
	ch := d.Last()

	var ran bool
	require.NoError(t, s.OnReady(func() { ran = true }))
	ch.Open()

	err = nextError(t, s)
	assert.ErrorIs(t, err, ErrHandshakeTimeout)
	assert.Equal(t, StateClosed, s.State())
	assert.True(t, ch.Closed())
	assert.Zero(t, s.Pending())

	ch.Deliver(transport.EventAuthSuccess, nil)
	assert.False(t, ran)
	assert.ErrorIs(t, s.OnReady(func() {}), ErrHandshakeTimeout)
	assert.Len(t, ch.Emitted(), 1)
}

func TestSessionHandshakeTimeoutCancelledByReady(t *testing.T) {
	d := memory.NewDialer()
	s, err := NewSession(context.Background(), RoleProvider, testToken,
		testOptions(d).SetHandshakeTimeout(30*time.Millisecond))
	require.NoError(t, err)
	defer s.Close()

	authenticate(d.Last())
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, StateReady, s.State())
	assertNoError(t, s)
}

func TestSessionClose(t *testing.T) {
	s, ch := newTestSession(t, nil)
	require.NoError(t, s.OnReady(func() {}))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())
	assert.True(t, ch.Closed())
	assert.Zero(t, s.Pending())
	assert.ErrorIs(t, s.OnReady(func() {}), ErrSessionClosed)
	assert.ErrorIs(t, s.Connect(), ErrSessionClosed)
}

func TestSessionDisconnectHandlers(t *testing.T) {
	s, ch := newTestSession(t, nil)

	var reasons []string
	require.NoError(t, s.On(transport.EventDisconnect, func(m transport.Message) { reasons = append(reasons, m.Text()) }))
	authenticate(ch)
	ch.Drop("ping timeout")

	assert.Equal(t, []string{"ping timeout"}, reasons)
	assert.Equal(t, StateReady, s.State())
}

func TestSessionMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	d := memory.NewDialer()
	opts := testOptions(d).SetMeter(mp.Meter("test")).SetMaxPending(1)
	p, err := NewProvider(context.Background(), testToken, opts)
	require.NoError(t, err)
	ch := d.Last()

	require.NoError(t, p.SendEvent("temp", 1))
	assert.ErrorIs(t, p.SendEvent("temp", 2), ErrQueueFull)
	authenticate(ch)
	require.NoError(t, p.SendSensor("accelerometer", 3))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	assert.Equal(t, int64(1), sumInt64(rm, "heimdallr.operations.queued.total"))
	assert.Equal(t, int64(1), sumInt64(rm, "heimdallr.operations.flushed.total"))
	assert.Equal(t, int64(1), sumInt64(rm, "heimdallr.operations.rejected.total"))
	assert.Equal(t, int64(2), sumInt64(rm, "heimdallr.packets.sent.total"))
	assert.Equal(t, int64(0), sumInt64(rm, "heimdallr.operations.pending"))
	assert.Equal(t, int64(1), sumInt64(rm, "heimdallr.sessions.ready"))
	assert.Len(t, ch.EmittedEvents(string(packets.TypeEvent)), 1)
}

func TestSessionMetricsSubmitFromReadyCallback(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	d := memory.NewDialer()
	p, err := NewProvider(context.Background(), testToken, testOptions(d).SetMeter(mp.Meter("test")))
	require.NoError(t, err)
	ch := d.Last()

	require.NoError(t, p.OnReady(func() {
		require.NoError(t, p.SendEvent("status", "online"))
	}))
	authenticate(ch)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	assert.Equal(t, int64(1), sumInt64(rm, "heimdallr.operations.queued.total"))
	assert.Equal(t, int64(1), sumInt64(rm, "heimdallr.operations.flushed.total"))
	assert.Equal(t, int64(0), sumInt64(rm, "heimdallr.operations.pending"))
	assert.Equal(t, int64(1), sumInt64(rm, "heimdallr.packets.sent.total"))
}

func sumInt64(rm metricdata.ResourceMetrics, name string) int64 {
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

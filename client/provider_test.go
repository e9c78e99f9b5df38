// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/absmach/heimdallr/packets"
	"github.com/absmach/heimdallr/transport"
	"github.com/absmach/heimdallr/transport/memory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider(t *testing.T, modify func(*Options)) (*Provider, *memory.Channel) {
	t.Helper()
	d := memory.NewDialer()
	opts := testOptions(d)
	if modify != nil {
		modify(opts)
	}
	p, err := NewProvider(context.Background(), testToken, opts)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	assert.Equal(t, "mem://heimdallr/provider", d.Last().URL)
	return p, d.Last()
}

// dataEvents returns emitted packets excluding the handshake.
func dataEvents(ch *memory.Channel) []memory.Emission {
	var out []memory.Emission
	for _, em := range ch.Emitted() {
		if em.Event != transport.EventAuthorize {
			out = append(out, em)
		}
	}
	return out
}

func TestProviderScenarioA(t *testing.T) {
	p, ch := newTestProvider(t, nil)

	require.NoError(t, p.SendEvent("temp", 21.5))
	assert.Empty(t, ch.Emitted())

	ch.Open()
	assert.Empty(t, dataEvents(ch))

	ch.Deliver(transport.EventAuthSuccess, nil)
	events := ch.EmittedEvents(string(packets.TypeEvent))
	require.Len(t, events, 1)

	var got struct {
		Subtype string  `json:"subtype"`
		Data    float64 `json:"data"`
		T       string  `json:"t"`
	}
	require.NoError(t, events[0].Decode(&got))
	assert.Equal(t, "temp", got.Subtype)
	assert.Equal(t, 21.5, got.Data)
	ts, err := time.Parse(time.RFC3339Nano, got.T)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), ts, 5*time.Second)
}

func TestProviderOrdering(t *testing.T) {
	p, ch := newTestProvider(t, nil)

	for i := 0; i < 20; i++ {
		if i%2 == 0 {
			require.NoError(t, p.SendEvent(fmt.Sprintf("e%d", i), i))
		} else {
			require.NoError(t, p.SendSensor(fmt.Sprintf("s%d", i), i))
		}
	}
	authenticate(ch)

	sent := dataEvents(ch)
	require.Len(t, sent, 20)
	for i, em := range sent {
		var body struct {
			Subtype string `json:"subtype"`
			Data    int    `json:"data"`
		}
		require.NoError(t, em.Decode(&body))
		assert.Equal(t, i, body.Data)
		if i%2 == 0 {
			assert.Equal(t, "event", em.Event)
		} else {
			assert.Equal(t, "sensor", em.Event)
		}
	}
}

func TestProviderSendFromReadyCallback(t *testing.T) {
	p, ch := newTestProvider(t, nil)

	var sentAtReturn int
	require.NoError(t, p.OnReady(func() {
		require.NoError(t, p.SendEvent("status", "online"))
		sentAtReturn = len(dataEvents(ch))
	}))
	require.NoError(t, p.SendSensor("temperature", 21.5))
	authenticate(ch)

	assert.Equal(t, 1, sentAtReturn)
	var events []string
	for _, em := range dataEvents(ch) {
		events = append(events, em.Event)
	}
	assert.Equal(t, []string{"event", "sensor"}, events)
}

func TestProviderExactlyOnce(t *testing.T) {
	p, ch := newTestProvider(t, nil)

	require.NoError(t, p.SendSensor("before", 1))
	authenticate(ch)
	ch.Deliver(transport.EventAuthSuccess, nil)
	require.NoError(t, p.SendSensor("after", 2))

	sent := ch.EmittedEvents(string(packets.TypeSensor))
	require.Len(t, sent, 2)
	assert.Zero(t, p.Pending())
}

func TestProviderSendStream(t *testing.T) {
	p, ch := newTestProvider(t, nil)

	buf := []byte{0x00, 0x01, 0xff}
	require.NoError(t, p.SendStream(buf))
	buf[0] = 0x42
	authenticate(ch)

	sent := ch.EmittedEvents(string(packets.TypeStream))
	require.Len(t, sent, 1)
	assert.True(t, sent[0].Binary)
	assert.Equal(t, []byte{0x00, 0x01, 0xff}, sent[0].Data)
}

func TestProviderCompleted(t *testing.T) {
	p, ch := newTestProvider(t, nil)
	authenticate(ch)

	id := uuid.New()
	require.NoError(t, p.Completed(id))

	sent := ch.EmittedEvents(string(packets.TypeEvent))
	require.Len(t, sent, 1)
	var body map[string]any
	require.NoError(t, sent[0].Decode(&body))
	assert.Equal(t, packets.SubtypeCompleted, body["subtype"])
	assert.Equal(t, id.String(), body["data"])
	assert.Contains(t, body, "t")
}

func TestProviderQueueFull(t *testing.T) {
	p, ch := newTestProvider(t, func(o *Options) { o.SetMaxPending(3) })

	for i := 0; i < 3; i++ {
		require.NoError(t, p.SendEvent("e", i))
	}
	assert.ErrorIs(t, p.SendEvent("e", 99), ErrQueueFull)
	assert.Equal(t, 3, p.Pending())

	authenticate(ch)
	sent := dataEvents(ch)
	require.Len(t, sent, 3)
	for i, em := range sent {
		var body struct {
			Data int `json:"data"`
		}
		require.NoError(t, em.Decode(&body))
		assert.Equal(t, i, body.Data)
	}
}

func TestProviderDeferredFailure(t *testing.T) {
	p, ch := newTestProvider(t, nil)
	require.NoError(t, p.SendEvent("temp", 1))

	boom := errors.New("write failed")
	ch.Open()
	ch.FailEmits(boom)
	ch.Deliver(transport.EventAuthSuccess, nil)

	err := nextError(t, p.Session)
	assert.ErrorIs(t, err, boom)
	var opErr *OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "event", opErr.Op)
}

func TestProviderImmediateFailure(t *testing.T) {
	p, ch := newTestProvider(t, nil)
	authenticate(ch)

	ch.Drop("transport close")
	err := p.SendEvent("temp", 1)
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	assertNoError(t, p.Session)
}

func TestProviderReconnectPolicies(t *testing.T) {
	tests := []struct {
		name        string
		policy      ReconnectPolicy
		wantState   State
		wantQueued  int
		wantSendErr error
	}{
		{name: "keep ready executes immediately", policy: ReconnectKeepReady, wantState: StateReady, wantSendErr: transport.ErrNotConnected},
		{name: "regate queues until next auth-success", policy: ReconnectRegate, wantState: StateConnecting, wantQueued: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, ch := newTestProvider(t, func(o *Options) { o.SetReconnect(tt.policy) })
			authenticate(ch)
			ch.Drop("transport close")
			assert.Equal(t, tt.wantState, p.State())

			err := p.SendEvent("after-drop", 1)
			if tt.wantSendErr != nil {
				assert.ErrorIs(t, err, tt.wantSendErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantQueued, p.Pending())

			ch.Reset()
			authenticate(ch)
			assert.Equal(t, StateReady, p.State())
			assert.Len(t, ch.EmittedEvents(transport.EventAuthorize), 1)
			assert.Len(t, ch.EmittedEvents(string(packets.TypeEvent)), tt.wantQueued)
		})
	}
}

func TestProviderRegateRestartsHandshakeTimer(t *testing.T) {
	p, ch := newTestProvider(t, func(o *Options) {
		o.SetReconnect(ReconnectRegate).SetHandshakeTimeout(30 * time.Millisecond)
	})
	authenticate(ch)
	ch.Drop("transport close")
	require.NoError(t, p.SendEvent("lost", 1))

	err := nextError(t, p.Session)
	assert.ErrorIs(t, err, ErrHandshakeTimeout)
	assert.Equal(t, StateClosed, p.State())
	assert.Empty(t, ch.EmittedEvents(string(packets.TypeEvent)))
}

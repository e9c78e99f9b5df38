// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"testing"

	"github.com/absmach/heimdallr/packets"
	"github.com/absmach/heimdallr/transport/memory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testProvider = uuid.MustParse("c7528fa8-0a7b-4486-bbdc-460905ffa035")

func newTestConsumer(t *testing.T) (*Consumer, *memory.Channel) {
	t.Helper()
	d := memory.NewDialer()
	c, err := NewConsumer(context.Background(), testToken, testOptions(d))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	assert.Equal(t, "mem://heimdallr/consumer", d.Last().URL)
	return c, d.Last()
}

func TestConsumerScenarioB(t *testing.T) {
	c, ch := newTestConsumer(t)

	require.NoError(t, c.SendControl(testProvider, "turnLeft", nil, false))
	require.NoError(t, c.SendControl(testProvider, "turnRight", nil, true))
	assert.Empty(t, ch.Emitted())

	authenticate(ch)
	controls := ch.EmittedEvents(string(packets.TypeControl))
	require.Len(t, controls, 2)

	var first, second map[string]any
	require.NoError(t, controls[0].Decode(&first))
	require.NoError(t, controls[1].Decode(&second))

	assert.Equal(t, "turnLeft", first["subtype"])
	assert.Equal(t, testProvider.String(), first["provider"])
	assert.Contains(t, first, "data")
	assert.NotContains(t, first, "persistent")

	assert.Equal(t, "turnRight", second["subtype"])
	assert.Equal(t, true, second["persistent"])
}

func TestConsumerScenarioC(t *testing.T) {
	c, ch := newTestConsumer(t)

	assert.ErrorIs(t, c.GetState(testProvider, nil), ErrInvalidArgument)
	assert.Zero(t, c.Pending())

	authenticate(ch)
	assert.ErrorIs(t, c.GetState(testProvider, nil), ErrInvalidArgument)
	assert.Empty(t, dataEvents(ch))

	require.NoError(t, c.GetState(testProvider, []string{"temp", "accelerometer"}))
	sent := ch.EmittedEvents(packets.EventGetState)
	require.Len(t, sent, 1)
	assert.JSONEq(t, `{"provider":"`+testProvider.String()+`","subtypes":["temp","accelerometer"]}`, string(sent[0].Data))
}

func TestConsumerSetFilter(t *testing.T) {
	tests := []struct {
		name    string
		filter  packets.Filter
		want    string
		wantErr bool
	}{
		{
			name:    "neither list",
			filter:  packets.Filter{},
			wantErr: true,
		},
		{
			name:   "empty lists",
			filter: packets.Filter{Event: []string{}, Sensor: []string{}},
			want:   `{"event":[],"sensor":[],"provider":"` + testProvider.String() + `"}`,
		},
		{
			name:   "sensor only",
			filter: packets.Filter{Sensor: []string{"accelerometer"}},
			want:   `{"sensor":["accelerometer"],"provider":"` + testProvider.String() + `"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ch := newTestConsumer(t)
			authenticate(ch)

			err := c.SetFilter(testProvider, tt.filter)
			sent := ch.EmittedEvents(packets.EventSetFilter)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidArgument)
				assert.ErrorIs(t, err, packets.ErrInvalidFilter)
				assert.Empty(t, sent)
				return
			}
			require.NoError(t, err)
			require.Len(t, sent, 1)
			assert.JSONEq(t, tt.want, string(sent[0].Data))
		})
	}
}

func TestConsumerSetFilterMap(t *testing.T) {
	c, ch := newTestConsumer(t)

	err := c.SetFilterMap(testProvider, map[string]any{"event": "not-an-array"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Zero(t, c.Pending())

	require.NoError(t, c.SetFilterMap(testProvider, map[string]any{"event": []any{}, "sensor": []any{}}))
	assert.Equal(t, 1, c.Pending())

	authenticate(ch)
	sent := ch.EmittedEvents(packets.EventSetFilter)
	require.Len(t, sent, 1)
	var body map[string]any
	require.NoError(t, sent[0].Decode(&body))
	assert.Equal(t, testProvider.String(), body["provider"])
	assert.Equal(t, []any{}, body["event"])
	assert.Equal(t, []any{}, body["sensor"])
}

func TestConsumerProviderOperations(t *testing.T) {
	tests := []struct {
		event string
		call  func(*Consumer, uuid.UUID) error
	}{
		{event: packets.EventSubscribe, call: (*Consumer).Subscribe},
		{event: packets.EventUnsubscribe, call: (*Consumer).Unsubscribe},
		{event: packets.EventJoinStream, call: (*Consumer).JoinStream},
		{event: packets.EventLeaveStream, call: (*Consumer).LeaveStream},
	}

	for _, tt := range tests {
		t.Run(tt.event, func(t *testing.T) {
			c, ch := newTestConsumer(t)

			require.NoError(t, tt.call(c, testProvider))
			assert.Empty(t, ch.EmittedEvents(tt.event))

			authenticate(ch)
			sent := ch.EmittedEvents(tt.event)
			require.Len(t, sent, 1)
			assert.JSONEq(t, `{"provider":"`+testProvider.String()+`"}`, string(sent[0].Data))
		})
	}
}

func TestConsumerMixedOrdering(t *testing.T) {
	c, ch := newTestConsumer(t)

	require.NoError(t, c.Subscribe(testProvider))
	require.NoError(t, c.SetFilter(testProvider, packets.Filter{Event: []string{"temp"}}))
	require.NoError(t, c.JoinStream(testProvider))
	require.NoError(t, c.SendControl(testProvider, "stop", 1, false))
	require.NoError(t, c.Unsubscribe(testProvider))

	authenticate(ch)
	var events []string
	for _, em := range dataEvents(ch) {
		events = append(events, em.Event)
	}
	assert.Equal(t, []string{"subscribe", "setFilter", "joinStream", "control", "unsubscribe"}, events)
}

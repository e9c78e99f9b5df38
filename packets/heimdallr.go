// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package packets defines the Heimdallr packet wire shapes.
//
// Every packet carries a subtype and data. Event and sensor packets are
// stamped with their generation time; control packets name the provider they
// target and may ask the server to persist them until the provider reports
// them completed.
package packets

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type is the packet type, also used as the channel event name.
type Type string

// Packet types.
const (
	TypeEvent   Type = "event"
	TypeSensor  Type = "sensor"
	TypeControl Type = "control"
	TypeStream  Type = "stream"
)

// Consumer-side request event names.
const (
	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
	EventSetFilter   = "setFilter"
	EventGetState    = "getState"
	EventJoinStream  = "joinStream"
	EventLeaveStream = "leaveStream"
)

// Reserved subtypes.
const (
	// SubtypeCompleted acknowledges a persistent control.
	SubtypeCompleted = "completed"
	// SubtypeConnected is emitted by the server on behalf of a provider.
	SubtypeConnected = "connected"
	// SubtypeStream is sent by the server to start or stop a provider stream.
	SubtypeStream = "stream"
)

// ErrInvalidFilter is returned when a filter names neither event nor sensor subtypes.
var ErrInvalidFilter = errors.New("invalid filter: event or sensor must be an array")

// TimeLayout is ISO-8601 with millisecond precision in UTC.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Timestamp is a packet generation time encoded as ISO-8601.
type Timestamp time.Time

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return Timestamp(time.Now())
}

// Time returns t as time.Time.
func (t Timestamp) Time() time.Time {
	return time.Time(t)
}

// String formats t with TimeLayout.
func (t Timestamp) String() string {
	return time.Time(t).UTC().Format(TimeLayout)
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON accepts any RFC 3339 time.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	*t = Timestamp(parsed)
	return nil
}

// Event carries discrete, persistent provider state.
type Event struct {
	Subtype string    `json:"subtype"`
	Data    any       `json:"data"`
	T       Timestamp `json:"t"`
}

// NewEvent stamps an event with the current time.
func NewEvent(subtype string, data any) Event {
	return Event{Subtype: subtype, Data: data, T: Now()}
}

// Completed builds the event acknowledging the persistent control id.
func Completed(id uuid.UUID) Event {
	return NewEvent(SubtypeCompleted, id.String())
}

// Sensor carries one sampled measurement.
type Sensor struct {
	Subtype string    `json:"subtype"`
	Data    any       `json:"data"`
	T       Timestamp `json:"t"`
}

// NewSensor stamps a sensor reading with the current time.
func NewSensor(subtype string, data any) Sensor {
	return Sensor{Subtype: subtype, Data: data, T: Now()}
}

// Control is a consumer command addressed to a provider.
type Control struct {
	Subtype    string    `json:"subtype"`
	Data       any       `json:"data"`
	Provider   uuid.UUID `json:"provider"`
	Persistent bool      `json:"persistent,omitempty"`
}

// NewControl builds a control packet. The persistent field is only set when
// persistent is true.
func NewControl(provider uuid.UUID, subtype string, data any, persistent bool) Control {
	return Control{Subtype: subtype, Data: data, Provider: provider, Persistent: persistent}
}

// ProviderRef is the body of subscribe, unsubscribe, joinStream and leaveStream.
type ProviderRef struct {
	Provider uuid.UUID `json:"provider"`
}

// GetState asks for the latest event of each subtype.
type GetState struct {
	Provider uuid.UUID `json:"provider"`
	Subtypes []string  `json:"subtypes"`
}

// Authorize carries the session token.
type Authorize struct {
	Token string `json:"token"`
}

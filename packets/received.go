// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ReceivedEvent is an event relayed by the server to a consumer.
type ReceivedEvent struct {
	Subtype  string          `json:"subtype"`
	Data     json.RawMessage `json:"data"`
	T        Timestamp       `json:"t"`
	Provider uuid.UUID       `json:"provider"`
}

// ReceivedSensor is a sensor reading relayed by the server to a consumer.
type ReceivedSensor struct {
	Subtype  string          `json:"subtype"`
	Data     json.RawMessage `json:"data"`
	T        Timestamp       `json:"t"`
	Provider uuid.UUID       `json:"provider"`
}

// ReceivedControl is a control delivered to a provider. The server replaces a
// requested persistence flag with the id the provider later passes to
// Completed.
type ReceivedControl struct {
	Subtype    string          `json:"subtype"`
	Data       json.RawMessage `json:"data"`
	Persistent PersistentID    `json:"persistent,omitzero"`
}

// IsStreamStart reports a server request to start streaming.
func (c ReceivedControl) IsStreamStart() bool {
	return c.isStream("start")
}

// IsStreamStop reports a server request to stop streaming.
func (c ReceivedControl) IsStreamStop() bool {
	return c.isStream("stop")
}

func (c ReceivedControl) isStream(state string) bool {
	if c.Subtype != SubtypeStream {
		return false
	}
	var s string
	return json.Unmarshal(c.Data, &s) == nil && s == state
}

// ReceivedStream is a chunk of binary stream data relayed to a consumer.
type ReceivedStream struct {
	Provider uuid.UUID `json:"provider"`
	Stream   []byte    `json:"stream"`
}

// PersistentID is the server-assigned id of a persistent control. The zero
// value means the control is not persistent.
type PersistentID struct {
	ID uuid.UUID
}

// IsZero reports whether the control is not persistent.
func (p PersistentID) IsZero() bool {
	return p.ID == uuid.Nil
}

// MarshalJSON implements json.Marshaler.
func (p PersistentID) MarshalJSON() ([]byte, error) {
	if p.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(p.ID.String())
}

// UnmarshalJSON accepts an id string, null, or a boolean.
func (p *PersistentID) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case nil, bool:
		p.ID = uuid.Nil
		return nil
	case string:
		id, err := uuid.Parse(val)
		if err != nil {
			return fmt.Errorf("invalid persistent id %q: %w", val, err)
		}
		p.ID = id
		return nil
	default:
		return fmt.Errorf("invalid persistent value of type %T", v)
	}
}

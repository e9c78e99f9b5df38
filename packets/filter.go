// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Filter selects which event and sensor subtypes a consumer receives from a
// provider. A nil slice leaves that packet type unfiltered; an empty,
// non-nil slice means "no subtypes of this type".
type Filter struct {
	Event  []string
	Sensor []string
}

// Validate reports ErrInvalidFilter when neither list is present.
func (f Filter) Validate() error {
	if f.Event == nil && f.Sensor == nil {
		return ErrInvalidFilter
	}
	return nil
}

// SetFilter is the setFilter request body.
type SetFilter struct {
	Provider uuid.UUID
	Filter   Filter
}

// MarshalJSON emits present lists, including empty ones, next to provider.
func (s SetFilter) MarshalJSON() ([]byte, error) {
	body := map[string]any{"provider": s.Provider}
	if s.Filter.Event != nil {
		body["event"] = s.Filter.Event
	}
	if s.Filter.Sensor != nil {
		body["sensor"] = s.Filter.Sensor
	}
	return json.Marshal(body)
}

// UnmarshalJSON keeps the distinction between absent and empty lists.
func (s *SetFilter) UnmarshalJSON(b []byte) error {
	var raw struct {
		Provider uuid.UUID `json:"provider"`
		Event    *[]string `json:"event"`
		Sensor   *[]string `json:"sensor"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	s.Provider = raw.Provider
	s.Filter = Filter{}
	if raw.Event != nil {
		s.Filter.Event = append([]string{}, *raw.Event...)
	}
	if raw.Sensor != nil {
		s.Filter.Sensor = append([]string{}, *raw.Sensor...)
	}
	return nil
}

// FilterFromMap builds a Filter from loosely typed input such as decoded
// YAML or JSON. A present "event" or "sensor" key must hold a list of
// strings.
func FilterFromMap(m map[string]any) (Filter, error) {
	var f Filter
	var err error
	if v, ok := m["event"]; ok {
		if f.Event, err = stringList("event", v); err != nil {
			return Filter{}, err
		}
	}
	if v, ok := m["sensor"]; ok {
		if f.Sensor, err = stringList("sensor", v); err != nil {
			return Filter{}, err
		}
	}
	if err := f.Validate(); err != nil {
		return Filter{}, err
	}
	return f, nil
}

func stringList(key string, v any) ([]string, error) {
	switch list := v.(type) {
	case []string:
		return append([]string{}, list...), nil
	case []any:
		out := make([]string, 0, len(list))
		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s[%d] is %T", ErrInvalidFilter, key, i, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s is %T", ErrInvalidFilter, key, v)
	}
}

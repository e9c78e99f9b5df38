// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"

	"github.com/absmach/heimdallr/packets"
	"github.com/google/uuid"
)

// Provider is the producing role. It sends events, sensor readings and
// binary streams, and acknowledges persistent controls.
type Provider struct {
	*Session
}

// NewProvider creates a provider session on the /provider endpoint.
func NewProvider(ctx context.Context, token string, opts *Options) (*Provider, error) {
	s, err := NewSession(ctx, RoleProvider, token, opts)
	if err != nil {
		return nil, err
	}
	return &Provider{Session: s}, nil
}

// SendEvent sends an event packet. The timestamp is taken at call time.
func (p *Provider) SendEvent(subtype string, data any) error {
	ev := packets.NewEvent(subtype, data)
	return p.submit(string(packets.TypeEvent), func() error {
		return p.emit(string(packets.TypeEvent), ev)
	})
}

// SendSensor sends a sensor packet. The timestamp is taken at call time.
func (p *Provider) SendSensor(subtype string, data any) error {
	sensor := packets.NewSensor(subtype, data)
	return p.submit(string(packets.TypeSensor), func() error {
		return p.emit(string(packets.TypeSensor), sensor)
	})
}

// SendStream forwards binary data verbatim. It does not buffer or pace;
// callers must not send faster than the server accepts.
func (p *Provider) SendStream(data []byte) error {
	buf := append([]byte(nil), data...)
	return p.submit(string(packets.TypeStream), func() error {
		return p.emit(string(packets.TypeStream), buf)
	})
}

// Completed acknowledges the persistent control with the given id.
func (p *Provider) Completed(id uuid.UUID) error {
	ev := packets.Completed(id)
	return p.submit(packets.SubtypeCompleted, func() error {
		return p.emit(string(packets.TypeEvent), ev)
	})
}

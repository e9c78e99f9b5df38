// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"

	"github.com/absmach/heimdallr/packets"
	"github.com/google/uuid"
)

// Consumer is the subscribing role. It manages subscriptions, filters and
// streams, and sends controls to providers.
type Consumer struct {
	*Session
}

// NewConsumer creates a consumer session on the /consumer endpoint.
func NewConsumer(ctx context.Context, token string, opts *Options) (*Consumer, error) {
	s, err := NewSession(ctx, RoleConsumer, token, opts)
	if err != nil {
		return nil, err
	}
	return &Consumer{Session: s}, nil
}

// Subscribe starts delivery of the provider's packets.
func (c *Consumer) Subscribe(provider uuid.UUID) error {
	return c.providerOp(packets.EventSubscribe, provider)
}

// Unsubscribe stops delivery of the provider's packets.
func (c *Consumer) Unsubscribe(provider uuid.UUID) error {
	return c.providerOp(packets.EventUnsubscribe, provider)
}

// JoinStream starts delivery of the provider's binary stream.
func (c *Consumer) JoinStream(provider uuid.UUID) error {
	return c.providerOp(packets.EventJoinStream, provider)
}

// LeaveStream stops delivery of the provider's binary stream.
func (c *Consumer) LeaveStream(provider uuid.UUID) error {
	return c.providerOp(packets.EventLeaveStream, provider)
}

// SetFilter limits the subtypes delivered for the provider. At least one of
// filter.Event and filter.Sensor must be non-nil; an empty list means no
// subtypes of that packet type. An invalid filter fails with
// ErrInvalidArgument before anything is queued.
func (c *Consumer) SetFilter(provider uuid.UUID, filter packets.Filter) error {
	if err := filter.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	body := packets.SetFilter{Provider: provider, Filter: filter}
	return c.submit(packets.EventSetFilter, func() error {
		return c.emit(packets.EventSetFilter, body)
	})
}

// SetFilterMap is SetFilter for untyped input such as decoded JSON or YAML.
func (c *Consumer) SetFilterMap(provider uuid.UUID, filter map[string]any) error {
	f, err := packets.FilterFromMap(filter)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return c.SetFilter(provider, f)
}

// GetState asks for the latest packet of each subtype. A nil list fails with
// ErrInvalidArgument; an empty list is sent as is.
func (c *Consumer) GetState(provider uuid.UUID, subtypes []string) error {
	if subtypes == nil {
		return invalidArgument("getState subtypes must be a list")
	}
	body := packets.GetState{Provider: provider, Subtypes: append([]string{}, subtypes...)}
	return c.submit(packets.EventGetState, func() error {
		return c.emit(packets.EventGetState, body)
	})
}

// SendControl sends a control to the provider. A persistent control is kept
// by the server until the provider reports it completed.
func (c *Consumer) SendControl(provider uuid.UUID, subtype string, data any, persistent bool) error {
	body := packets.NewControl(provider, subtype, data, persistent)
	return c.submit(string(packets.TypeControl), func() error {
		return c.emit(string(packets.TypeControl), body)
	})
}

func (c *Consumer) providerOp(event string, provider uuid.UUID) error {
	body := packets.ProviderRef{Provider: provider}
	return c.submit(event, func() error {
		return c.emit(event, body)
	})
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"errors"
	"fmt"
)

// Client errors.
var (
	// Configuration errors.
	ErrEmptyToken   = errors.New("token cannot be empty")
	ErrEmptyURL     = errors.New("server url cannot be empty")
	ErrNoDialer     = errors.New("no transport dialer configured")
	ErrInvalidQueue = errors.New("max pending cannot be negative")
	ErrInvalidRole  = errors.New("invalid session role")

	// Operation errors.
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrQueueFull        = errors.New("pending operation queue is full")
	ErrHandshakeTimeout = errors.New("handshake timed out before auth-success")
	ErrSessionClosed    = errors.New("session has been closed")

	// ErrChannel matches every ChannelError.
	ErrChannel = errors.New("channel error")
)

// ChannelError is an error reported by the far end through the err event.
type ChannelError struct {
	Message string
	Data    []byte
}

// Error implements the error interface.
func (e *ChannelError) Error() string {
	if e.Message == "" {
		return ErrChannel.Error()
	}
	return fmt.Sprintf("%s: %s", ErrChannel, e.Message)
}

// Is reports whether target is ErrChannel.
func (e *ChannelError) Is(target error) bool {
	return target == ErrChannel
}

// OperationError wraps the failure of a deferred operation that ran after
// its call had already returned.
type OperationError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	return fmt.Sprintf("deferred %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *OperationError) Unwrap() error {
	return e.Err
}

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	userAgent    = "Heimdallr-Go-Client/1.0"
	maxBodyBytes = 64 << 10
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       []byte
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned non-2xx status: %d", e.StatusCode)
}

// Temporary reports whether the request may succeed when retried.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Sender posts JSON payloads.
type Sender interface {
	Send(ctx context.Context, url string, headers map[string]string, payload []byte) (Response, error)
}

// Response is a successful server reply.
type Response struct {
	StatusCode int
	Body       []byte
}

// HTTPSender implements Sender over net/http.
type HTTPSender struct {
	client *http.Client
}

// NewHTTPSender creates a new HTTP sender. A zero timeout means 30s.
func NewHTTPSender(timeout time.Duration) *HTTPSender {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSender{
		client: &http.Client{Timeout: timeout},
	}
}

// Send sends an HTTP POST request with the payload.
func (s *HTTPSender) Send(ctx context.Context, url string, headers map[string]string, payload []byte) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Response{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Response{}, &StatusError{StatusCode: resp.StatusCode, Body: body}
	}
	return Response{StatusCode: resp.StatusCode, Body: body}, nil
}

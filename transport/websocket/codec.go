// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/absmach/heimdallr/transport"
	"github.com/gorilla/websocket"
)

// MaxEventNameLen bounds event names carried in binary frames.
const MaxEventNameLen = 255

// Codec errors.
var (
	ErrMalformedFrame   = errors.New("websocket: malformed frame")
	ErrEventNameTooLong = errors.New("websocket: event name too long for binary frame")
)

// textFrame is the JSON envelope of a text message.
type textFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeFrame returns the websocket message type and body for one event.
// []byte payloads become binary messages laid out as
// [name length][name][payload]; anything else is a JSON text message.
func EncodeFrame(event string, payload any) (int, []byte, error) {
	var buf bytes.Buffer
	mt, err := WriteFrame(&buf, event, payload)
	if err != nil {
		return 0, nil, err
	}
	return mt, buf.Bytes(), nil
}

// WriteFrame encodes one event into buf and returns its message type.
func WriteFrame(buf *bytes.Buffer, event string, payload any) (int, error) {
	if event == "" {
		return 0, transport.ErrEmptyEvent
	}

	if b, ok := payload.([]byte); ok {
		if len(event) > MaxEventNameLen {
			return 0, ErrEventNameTooLong
		}
		buf.Grow(1 + len(event) + len(b))
		buf.WriteByte(byte(len(event)))
		buf.WriteString(event)
		buf.Write(b)
		return websocket.BinaryMessage, nil
	}

	frame := textFrame{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("encode %s payload: %w", event, err)
		}
		frame.Data = data
	}
	body, err := json.Marshal(frame)
	if err != nil {
		return 0, err
	}
	buf.Write(body)
	return websocket.TextMessage, nil
}

// DecodeFrame parses a websocket message into a transport.Message.
func DecodeFrame(messageType int, body []byte) (transport.Message, error) {
	switch messageType {
	case websocket.TextMessage:
		var frame textFrame
		if err := json.Unmarshal(body, &frame); err != nil {
			return transport.Message{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if frame.Event == "" {
			return transport.Message{}, fmt.Errorf("%w: missing event", ErrMalformedFrame)
		}
		return transport.Message{Event: frame.Event, Data: frame.Data}, nil
	case websocket.BinaryMessage:
		if len(body) < 1 {
			return transport.Message{}, fmt.Errorf("%w: empty binary frame", ErrMalformedFrame)
		}
		n := int(body[0])
		if n == 0 || len(body) < 1+n {
			return transport.Message{}, fmt.Errorf("%w: bad event name length %d", ErrMalformedFrame, n)
		}
		return transport.Message{
			Event:  string(body[1 : 1+n]),
			Data:   body[1+n:],
			Binary: true,
		}, nil
	default:
		return transport.Message{}, fmt.Errorf("%w: unexpected message type %d", ErrMalformedFrame, messageType)
	}
}

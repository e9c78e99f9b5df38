// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/absmach/heimdallr/transport"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer echoes every frame back and exposes server-side connections.
type echoServer struct {
	*httptest.Server

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newEchoServer(t *testing.T) *echoServer {
	t.Helper()
	s := &echoServer{}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		for {
			mt, body, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, body); err != nil {
				return
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *echoServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func testOptions() *Options {
	opts := NewOptions()
	opts.ReconnectMin = 10 * time.Millisecond
	opts.ReconnectMax = 50 * time.Millisecond
	return opts
}

func dialChannel(t *testing.T, url string, opts *Options) *Channel {
	t.Helper()
	ch, err := NewDialer(opts).Dial(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })
	return ch.(*Channel)
}

func TestChannelEchoRoundTrip(t *testing.T) {
	srv := newEchoServer(t)
	ch := dialChannel(t, srv.URL+"/provider", testOptions())

	connected := make(chan struct{}, 1)
	got := make(chan transport.Message, 2)
	ch.On(transport.EventConnect, func(transport.Message) { connected <- struct{}{} })
	ch.On("heardEvent", func(m transport.Message) { got <- m })
	ch.On("stream", func(m transport.Message) { got <- m })

	assert.ErrorIs(t, ch.Emit("heardEvent", 1), transport.ErrNotConnected)
	require.NoError(t, ch.Connect())
	require.NoError(t, ch.Connect())

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("no connect event")
	}
	assert.True(t, ch.Connected())

	require.NoError(t, ch.Emit("heardEvent", map[string]string{"subtype": "temp"}))
	require.NoError(t, ch.Emit("stream", []byte{1, 2}))

	m := <-got
	assert.Equal(t, "heardEvent", m.Event)
	assert.JSONEq(t, `{"subtype":"temp"}`, string(m.Data))
	m = <-got
	assert.True(t, m.Binary)
	assert.Equal(t, []byte{1, 2}, m.Data)
}

func TestChannelReconnects(t *testing.T) {
	srv := newEchoServer(t)
	ch := dialChannel(t, srv.URL, testOptions())

	events := make(chan string, 8)
	ch.On(transport.EventConnect, func(m transport.Message) { events <- m.Event })
	ch.On(transport.EventDisconnect, func(m transport.Message) { events <- m.Event })
	require.NoError(t, ch.Connect())

	assert.Equal(t, transport.EventConnect, <-events)
	srv.dropAll()
	assert.Equal(t, transport.EventDisconnect, <-events)

	select {
	case ev := <-events:
		assert.Equal(t, transport.EventConnect, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not reconnect")
	}
}

func TestChannelDialFailureReportsError(t *testing.T) {
	srv := newEchoServer(t)
	url := srv.URL
	srv.Close()

	opts := testOptions()
	opts.AutoReconnect = false
	ch := dialChannel(t, url, opts)

	errs := make(chan string, 1)
	ch.On(transport.EventError, func(m transport.Message) { errs <- m.Text() })
	require.NoError(t, ch.Connect())

	select {
	case text := <-errs:
		assert.True(t, strings.HasPrefix(text, "connect failed"))
	case <-time.After(2 * time.Second):
		t.Fatal("no error event")
	}
	<-ch.Done()
}

func TestChannelClose(t *testing.T) {
	srv := newEchoServer(t)
	ch := dialChannel(t, srv.URL, testOptions())

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	assert.ErrorIs(t, ch.Connect(), transport.ErrClosed)
	assert.ErrorIs(t, ch.Emit("event", 1), transport.ErrClosed)

	select {
	case <-ch.Done():
	case <-time.After(time.Second):
		t.Fatal("done not closed")
	}
}

func TestDialRejectsBadURL(t *testing.T) {
	_, err := NewDialer(nil).Dial(context.Background(), "ftp://example.com")
	assert.Error(t, err)
}

func TestErrorMessageText(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{name: "plain", text: "connect failed", want: "connect failed"},
		{name: "quotes and control characters", text: "close 1006 \"abnormal\"\x01\n", want: "close 1006 \"abnormal\"\x01\n"},
		{name: "non-ascii", text: "réseau ↯", want: "réseau ↯"},
		{name: "invalid utf-8", text: "bad \xff byte", want: "bad \ufffd byte"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := errorMessage(tt.text)
			assert.Equal(t, transport.EventError, m.Event)
			assert.Equal(t, tt.want, m.Text())
		})
	}
}

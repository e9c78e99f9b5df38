// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package fakeserver runs an in-process Heimdallr-compatible websocket server.
//
// Both namespaces answer the authorize handshake and acknowledge every packet
// the way the Heimdallr test server does: providers hear heardEvent and
// heardSensor, consumers hear heardControl and checkedPacket. Packets are also
// relayed between roles so a provider and a consumer can talk end to end.
package fakeserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/absmach/heimdallr/packets"
	"github.com/absmach/heimdallr/ratelimit"
	"github.com/absmach/heimdallr/transport"
	wstransport "github.com/absmach/heimdallr/transport/websocket"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Roles served by the fake server.
const (
	RoleProvider = "provider"
	RoleConsumer = "consumer"
)

// Acknowledgement events sent back to clients.
const (
	EventHeardEvent    = "heardEvent"
	EventHeardSensor   = "heardSensor"
	EventHeardControl  = "heardControl"
	EventCheckedPacket = "checkedPacket"
	EventPong          = "pong"
)

// Subtypes with side effects.
const (
	SubtypeTriggerError       = "triggerError"
	SubtypeTriggerAuthSuccess = "triggerAuthSuccess"
	SubtypePing               = "ping"
)

// Error messages sent under the err event.
const (
	MsgNoToken       = "No token provided"
	MsgNotAuthorized = "Not authorized"
	MsgNoPacket      = "No packet provided"
	MsgNoProvider    = "No provider specified"
	MsgInvalidFilter = "Invalid `filter`"
	MsgNoSubtypes    = "No subtypes provided"
	MsgInvalidPacket = "Invalid packet"
	MsgTriggered     = "errorTriggered"
	MsgRateLimited   = "Rate limit exceeded"
)

var errUnknownRole = errors.New("fakeserver: unknown role")

// Authorizer decides whether token may open a session for role. The returned
// error text is sent to the client under err.
type Authorizer func(role, token string) error

// Config configures the fake server.
type Config struct {
	// Authorize validates tokens. Nil accepts every non-empty token.
	Authorize Authorizer

	// RateLimit limits upgrades per IP and packets per session.
	RateLimit ratelimit.Config

	// ShutdownTimeout bounds Listen's graceful shutdown.
	ShutdownTimeout time.Duration
}

// Frame is one inbound frame as received by the server.
type Frame struct {
	Role    string
	Session string
	Event   string
	Data    []byte
	Binary  bool
}

// Server is the fake Heimdallr server.
type Server struct {
	config   Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
	limiter  *ratelimit.Manager
	mux      *http.ServeMux
	test     *httptest.Server

	mu     sync.Mutex
	conns  map[*conn]struct{}
	frames []Frame
}

// New creates a server. Call Start or Listen to serve it, or mount Handler.
func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	s := &Server{
		config: cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		limiter: ratelimit.NewManager(cfg.RateLimit),
		conns:   make(map[*conn]struct{}),
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/"+RoleProvider, s.handleWebSocket(RoleProvider))
	s.mux.HandleFunc("/"+RoleConsumer, s.handleWebSocket(RoleConsumer))
	return s
}

// Start serves on a random loopback port.
func Start(cfg Config, logger *slog.Logger) *Server {
	s := New(cfg, logger)
	s.test = httptest.NewServer(s.mux)
	s.logger.Info("fake_server_started", slog.String("url", s.test.URL))
	return s
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// URL returns the http base URL of a started server.
func (s *Server) URL() string {
	if s.test == nil {
		return ""
	}
	return s.test.URL
}

// Listen serves on addr until ctx is cancelled.
func (s *Server) Listen(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.mux}
	s.logger.Info("fake_server_starting", slog.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		s.DropConnections()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("fake_server_shutdown_error", slog.String("error", err.Error()))
			return err
		}
		s.logger.Info("fake_server_stopped")
		return nil
	}
}

// Close drops every connection and stops a started server.
func (s *Server) Close() {
	s.DropConnections()
	if s.test != nil {
		s.test.Close()
	}
	s.limiter.Stop()
}

// DropConnections closes every open websocket without a close frame.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.ws.Close()
	}
}

// Connections returns the number of open connections for role.
func (s *Server) Connections(role string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for c := range s.conns {
		if c.role == role {
			n++
		}
	}
	return n
}

// Frames returns a copy of every frame received so far.
func (s *Server) Frames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.frames...)
}

// Events returns the names of frames received from role, in arrival order.
func (s *Server) Events(role string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, f := range s.frames {
		if f.Role == role {
			out = append(out, f.Event)
		}
	}
	return out
}

// Push emits event to every authorized connection of role and returns the
// number of recipients.
func (s *Server) Push(role, event string, payload any) (int, error) {
	if role != RoleProvider && role != RoleConsumer {
		return 0, errUnknownRole
	}
	n := 0
	for _, c := range s.peers(role, func(*conn) bool { return true }) {
		if err := c.emit(event, payload); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *Server) handleWebSocket(role string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.AllowConnection(r.RemoteAddr) {
			s.logger.Warn("fake_server_connection_rate_limited", slog.String("remote_addr", r.RemoteAddr))
			http.Error(w, MsgRateLimited, http.StatusTooManyRequests)
			return
		}

		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("fake_server_upgrade_failed", slog.String("error", err.Error()))
			return
		}

		c := &conn{
			server: s,
			ws:     ws,
			role:   role,
			id:     uuid.NewString(),
			subs:   make(map[uuid.UUID]bool),
			joined: make(map[uuid.UUID]bool),
		}
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.logger.Debug("fake_server_connection_accepted",
			slog.String("role", role),
			slog.String("session", c.id),
			slog.String("remote_addr", r.RemoteAddr))

		c.serve()

		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		s.limiter.OnSessionClosed(c.id)
		s.logger.Debug("fake_server_connection_closed", slog.String("session", c.id))
	}
}

func (s *Server) record(c *conn, msg transport.Message) {
	s.mu.Lock()
	s.frames = append(s.frames, Frame{
		Role:    c.role,
		Session: c.id,
		Event:   msg.Event,
		Data:    append([]byte(nil), msg.Data...),
		Binary:  msg.Binary,
	})
	s.mu.Unlock()
}

// peers returns the authorized connections of role accepted by match.
func (s *Server) peers(role string, match func(*conn) bool) []*conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*conn
	for c := range s.conns {
		if c.role != role || !c.isAuthorized() {
			continue
		}
		if match(c) {
			out = append(out, c)
		}
	}
	return out
}

// conn is one client websocket.
type conn struct {
	server *Server
	ws     *websocket.Conn
	role   string
	id     string

	writeMu sync.Mutex

	mu         sync.Mutex
	authorized bool
	provider   uuid.UUID
	subs       map[uuid.UUID]bool
	joined     map[uuid.UUID]bool
}

func (c *conn) serve() {
	defer c.ws.Close()
	for {
		mt, body, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := wstransport.DecodeFrame(mt, body)
		if err != nil {
			c.server.logger.Warn("fake_server_bad_frame", slog.String("error", err.Error()))
			c.fail(MsgInvalidPacket)
			continue
		}
		c.server.record(c, msg)
		c.handle(msg)
	}
}

func (c *conn) emit(event string, payload any) error {
	mt, body, err := wstransport.EncodeFrame(event, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(mt, body)
}

func (c *conn) fail(message string) {
	if err := c.emit(transport.EventError, message); err != nil {
		c.server.logger.Debug("fake_server_emit_failed", slog.String("error", err.Error()))
	}
}

func (c *conn) isAuthorized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authorized
}

func (c *conn) handle(msg transport.Message) {
	if msg.Event == transport.EventAuthorize {
		c.authorize(msg)
		return
	}
	if !c.isAuthorized() {
		c.fail(MsgNotAuthorized)
		return
	}
	if !c.server.limiter.AllowPacket(c.id) {
		c.fail(MsgRateLimited)
		return
	}

	switch c.role {
	case RoleProvider:
		c.handleProvider(msg)
	case RoleConsumer:
		c.handleConsumer(msg)
	}
}

func (c *conn) authorize(msg transport.Message) {
	var auth packets.Authorize
	if err := msg.Decode(&auth); err != nil || auth.Token == "" {
		c.fail(MsgNoToken)
		return
	}
	if c.server.config.Authorize != nil {
		if err := c.server.config.Authorize(c.role, auth.Token); err != nil {
			c.fail(err.Error())
			return
		}
	}

	c.mu.Lock()
	c.authorized = true
	// Provider tokens double as provider ids when they parse as one.
	if id, err := uuid.Parse(strings.TrimSuffix(auth.Token, "-token")); err == nil {
		c.provider = id
	}
	c.mu.Unlock()

	c.server.logger.Debug("fake_server_authorized", slog.String("role", c.role), slog.String("session", c.id))
	_ = c.emit(transport.EventAuthSuccess, nil)
}

// packet is the common shape of event, sensor and control bodies.
type packet struct {
	Subtype    string          `json:"subtype"`
	Data       json.RawMessage `json:"data"`
	T          json.RawMessage `json:"t,omitempty"`
	Provider   uuid.UUID       `json:"provider,omitempty"`
	Persistent bool            `json:"persistent,omitempty"`
}

func (c *conn) decodePacket(msg transport.Message, needProvider bool) (packet, bool) {
	var p packet
	if err := msg.Decode(&p); err != nil || p.Subtype == "" {
		c.fail(MsgInvalidPacket)
		return p, false
	}
	if needProvider && p.Provider == uuid.Nil {
		c.fail(MsgNoProvider)
		return p, false
	}
	return p, true
}

func (c *conn) handleProvider(msg transport.Message) {
	switch msg.Event {
	case string(packets.TypeEvent):
		p, ok := c.decodePacket(msg, false)
		if !ok {
			return
		}
		_ = c.emit(EventHeardEvent, json.RawMessage(msg.Data))
		c.relay(packets.TypeEvent, p)
		c.sideEffect(p.Subtype)
	case string(packets.TypeSensor):
		p, ok := c.decodePacket(msg, false)
		if !ok {
			return
		}
		_ = c.emit(EventHeardSensor, json.RawMessage(msg.Data))
		c.relay(packets.TypeSensor, p)
	case string(packets.TypeStream):
		if !msg.Binary {
			c.fail(MsgInvalidPacket)
			return
		}
		c.relayStream(msg.Data)
	default:
		c.server.logger.Debug("fake_server_unknown_event", slog.String("event", msg.Event))
	}
}

func (c *conn) handleConsumer(msg transport.Message) {
	switch msg.Event {
	case string(packets.TypeControl):
		p, ok := c.decodePacket(msg, true)
		if !ok {
			return
		}
		_ = c.emit(EventHeardControl, json.RawMessage(msg.Data))
		c.deliverControl(p)
		c.sideEffect(p.Subtype)
	case packets.EventSetFilter:
		var f struct {
			Provider uuid.UUID       `json:"provider"`
			Event    json.RawMessage `json:"event"`
			Sensor   json.RawMessage `json:"sensor"`
		}
		if !c.checkConsumerPacket(msg, &f, func() uuid.UUID { return f.Provider }) {
			return
		}
		if !isArray(f.Event) && !isArray(f.Sensor) {
			c.fail(MsgInvalidFilter)
			return
		}
		_ = c.emit(EventCheckedPacket, packets.EventSetFilter)
	case packets.EventGetState:
		var g struct {
			Provider uuid.UUID       `json:"provider"`
			Subtypes json.RawMessage `json:"subtypes"`
		}
		if !c.checkConsumerPacket(msg, &g, func() uuid.UUID { return g.Provider }) {
			return
		}
		if !isArray(g.Subtypes) {
			c.fail(MsgNoSubtypes)
			return
		}
		_ = c.emit(EventCheckedPacket, packets.EventGetState)
	case packets.EventSubscribe, packets.EventUnsubscribe, packets.EventJoinStream, packets.EventLeaveStream:
		var ref packets.ProviderRef
		if !c.checkConsumerPacket(msg, &ref, func() uuid.UUID { return ref.Provider }) {
			return
		}
		c.track(msg.Event, ref.Provider)
		_ = c.emit(EventCheckedPacket, RoleConsumer)
	default:
		c.server.logger.Debug("fake_server_unknown_event", slog.String("event", msg.Event))
	}
}

func (c *conn) checkConsumerPacket(msg transport.Message, v any, provider func() uuid.UUID) bool {
	if len(msg.Data) == 0 || string(msg.Data) == "null" {
		c.fail(MsgNoPacket)
		return false
	}
	if err := msg.Decode(v); err != nil {
		c.fail(MsgInvalidPacket)
		return false
	}
	if provider() == uuid.Nil {
		c.fail(MsgNoProvider)
		return false
	}
	return true
}

func (c *conn) track(event string, provider uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch event {
	case packets.EventSubscribe:
		c.subs[provider] = true
	case packets.EventUnsubscribe:
		delete(c.subs, provider)
	case packets.EventJoinStream:
		c.joined[provider] = true
	case packets.EventLeaveStream:
		delete(c.joined, provider)
	}
}

func (c *conn) sideEffect(subtype string) {
	switch subtype {
	case SubtypeTriggerAuthSuccess:
		_ = c.emit(transport.EventAuthSuccess, nil)
	case SubtypeTriggerError:
		c.fail(MsgTriggered)
	case SubtypePing:
		_ = c.emit(EventPong, nil)
	}
}

func (c *conn) providerID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.provider
}

func (c *conn) subscribed(provider uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[provider]
}

func (c *conn) streaming(provider uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined[provider]
}

// relay forwards a provider packet to consumers subscribed to it.
func (c *conn) relay(typ packets.Type, p packet) {
	id := c.providerID()
	if id == uuid.Nil {
		return
	}
	out := packets.ReceivedEvent{Subtype: p.Subtype, Data: p.Data, Provider: id}
	if len(p.T) > 0 {
		_ = json.Unmarshal(p.T, &out.T)
	}
	for _, peer := range c.server.peers(RoleConsumer, func(peer *conn) bool { return peer.subscribed(id) }) {
		_ = peer.emit(string(typ), out)
	}
}

func (c *conn) relayStream(data []byte) {
	id := c.providerID()
	if id == uuid.Nil {
		return
	}
	out := packets.ReceivedStream{Provider: id, Stream: data}
	for _, peer := range c.server.peers(RoleConsumer, func(peer *conn) bool { return peer.streaming(id) }) {
		_ = peer.emit(string(packets.TypeStream), out)
	}
}

// deliverControl forwards a control to the provider it names. Persistent
// controls are assigned an id the provider later acknowledges.
func (c *conn) deliverControl(p packet) {
	out := packets.ReceivedControl{Subtype: p.Subtype, Data: p.Data}
	if p.Persistent {
		out.Persistent = packets.PersistentID{ID: uuid.New()}
	}
	for _, peer := range c.server.peers(RoleProvider, func(peer *conn) bool { return peer.providerID() == p.Provider }) {
		_ = peer.emit(string(packets.TypeControl), out)
	}
}

func isArray(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return strings.HasPrefix(s, "[")
}

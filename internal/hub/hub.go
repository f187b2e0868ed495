// Package hub operates the duplex socket surface: it accepts peer
// connections, gates them behind an optional auth token, indexes announced
// modules for targeted configuration, and fans dispatcher responses out to
// every authenticated peer.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/aurin-ai/aurin/internal/event"
	"github.com/aurin-ai/aurin/internal/observe"
)

// Dispatcher routes one parsed envelope and returns the ordered response
// events, or nil when the type is unhandled and should be re-broadcast as-is.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *event.Envelope) []map[string]any
}

// Peer is one connected socket. All mutable fields are guarded by the hub
// lock; the connection itself serialises its own writes.
type Peer struct {
	id   string
	conn *websocket.Conn

	authenticated  bool
	name           string
	index          int
	indexed        bool
	possibleEvents map[string]struct{}
	activeVoice    string
}

// moduleKey addresses one announced module instance. A module announced
// without an index occupies the unindexed slot for its name.
type moduleKey struct {
	name    string
	index   int
	indexed bool
}

// Hub is the peer registry and broadcast fabric. Safe for concurrent use;
// each connection runs its own read loop.
type Hub struct {
	dispatcher Dispatcher
	authToken  string
	logger     *slog.Logger
	metrics    *observe.Metrics
	accept     *websocket.AcceptOptions

	mu      sync.Mutex
	peers   map[string]*Peer
	modules map[moduleKey]*Peer
}

// Option customises a Hub.
type Option func(*Hub)

// WithMetrics overrides the metrics sink, mainly for tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithOriginPatterns sets the origins accepted during the handshake.
// "*" disables origin checking entirely.
func WithOriginPatterns(patterns []string) Option {
	return func(h *Hub) {
		for _, p := range patterns {
			if p == "*" {
				h.accept = &websocket.AcceptOptions{InsecureSkipVerify: true}
				return
			}
		}
		h.accept = &websocket.AcceptOptions{OriginPatterns: patterns}
	}
}

// New wires a Hub. An empty authToken marks every peer authenticated on
// accept.
func New(dispatcher Dispatcher, authToken string, logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		dispatcher: dispatcher,
		authToken:  authToken,
		logger:     logger,
		accept:     &websocket.AcceptOptions{InsecureSkipVerify: true},
		peers:      make(map[string]*Peer),
		modules:    make(map[moduleKey]*Peer),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// HandleConn upgrades the request and runs the per-connection read loop
// until the peer goes away.
func (h *Hub) HandleConn(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, h.accept)
	if err != nil {
		h.logger.Warn("socket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(1 << 20)

	ctx := r.Context()
	peer := h.Connect(ctx, conn)
	defer h.Disconnect(peer)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		switch typ {
		case websocket.MessageText:
			h.HandleText(ctx, peer, data)
		case websocket.MessageBinary:
			h.HandleBytes(ctx, peer, data)
		}
	}
}

// Connect registers a new peer. Without a configured token the peer is
// authenticated immediately and told so.
func (h *Hub) Connect(ctx context.Context, conn *websocket.Conn) *Peer {
	peer := &Peer{
		id:            uuid.NewString(),
		conn:          conn,
		authenticated: h.authToken == "",
	}
	h.mu.Lock()
	h.peers[peer.id] = peer
	h.mu.Unlock()
	h.metrics.ConnectedPeers.Add(ctx, 1)

	if peer.authenticated {
		h.send(ctx, peer, event.Make("module.authenticated", map[string]any{"authenticated": true}))
	}
	return peer
}

// Disconnect removes the peer from every index and closes its connection.
// Idempotent.
func (h *Hub) Disconnect(peer *Peer) {
	h.mu.Lock()
	_, present := h.peers[peer.id]
	delete(h.peers, peer.id)
	h.unregisterLocked(peer)
	h.mu.Unlock()

	if present {
		h.metrics.ConnectedPeers.Add(context.Background(), -1)
		peer.conn.Close(websocket.StatusNormalClosure, "")
	}
}

// HandleText processes one inbound text frame.
func (h *Hub) HandleText(ctx context.Context, peer *Peer, raw []byte) {
	ev, err := event.Parse(raw)
	if err != nil {
		h.send(ctx, peer, errorEvent(err.Error()))
		return
	}

	switch ev.Type {
	case "module.authenticate":
		h.handleAuthenticate(ctx, peer, ev)
		return
	case "module.announce":
		h.handleAnnounce(ctx, peer, ev)
		return
	case "ui.configure":
		h.handleConfigure(ctx, peer, ev)
		return
	}

	h.mu.Lock()
	authenticated := peer.authenticated
	name := peer.name
	h.mu.Unlock()
	if !authenticated {
		h.send(ctx, peer, errorEvent("not authenticated"))
		return
	}

	if ev.Source == "" && name != "" {
		ev.Source = name
	}
	switch ev.Type {
	case "input.voice.start":
		h.mu.Lock()
		peer.activeVoice = ev.SessionID
		h.mu.Unlock()
	case "input.voice.end":
		h.mu.Lock()
		peer.activeVoice = ""
		h.mu.Unlock()
	}

	h.metrics.RecordEventDispatched(ctx, ev.Type)
	responses := h.dispatcher.Dispatch(ctx, ev)
	if len(responses) > 0 {
		h.broadcast(ctx, responses, "")
	}

	outbound := event.Make(ev.Type, ev.Data,
		event.WithSessionID(ev.SessionID), event.WithSource(ev.Source))
	h.broadcast(ctx, []map[string]any{outbound}, peer.id)
}

// HandleBytes processes one inbound binary frame. Audio is only accepted
// inside an announced voice session.
func (h *Hub) HandleBytes(ctx context.Context, peer *Peer, chunk []byte) {
	h.mu.Lock()
	authenticated := peer.authenticated
	voiceSession := peer.activeVoice
	name := peer.name
	h.mu.Unlock()

	if !authenticated {
		h.send(ctx, peer, errorEvent("not authenticated"))
		return
	}
	if voiceSession == "" {
		h.send(ctx, peer, errorEvent("input.voice.start required before audio chunks"))
		return
	}

	ev := &event.Envelope{
		Type:      "input.voice.chunk",
		Data:      map[string]any{"audio": chunk},
		TS:        time.Now().Unix(),
		SessionID: voiceSession,
		Source:    name,
	}
	h.metrics.RecordEventDispatched(ctx, ev.Type)
	if responses := h.dispatcher.Dispatch(ctx, ev); len(responses) > 0 {
		h.broadcast(ctx, responses, "")
	}
}

func (h *Hub) handleAuthenticate(ctx context.Context, peer *Peer, ev *event.Envelope) {
	token, _ := ev.Data["token"].(string)
	if h.authToken != "" && token != h.authToken {
		h.send(ctx, peer, errorEvent("invalid token"))
		return
	}
	h.mu.Lock()
	peer.authenticated = true
	h.mu.Unlock()
	h.send(ctx, peer, event.Make("module.authenticated", map[string]any{"authenticated": true}))
}

func (h *Hub) handleAnnounce(ctx context.Context, peer *Peer, ev *event.Envelope) {
	h.mu.Lock()
	authenticated := peer.authenticated
	h.mu.Unlock()
	if h.authToken != "" && !authenticated {
		h.send(ctx, peer, errorEvent("must authenticate before announcing"))
		return
	}

	name, _ := ev.Data["name"].(string)
	if name == "" {
		h.send(ctx, peer, errorEvent("module.announce requires non-empty name"))
		return
	}
	index, indexed, ok := intIndex(ev.Data["index"])
	if !ok {
		h.send(ctx, peer, errorEvent("module.announce index must be an integer"))
		return
	}

	possible := make(map[string]struct{})
	if list, ok := ev.Data["possibleEvents"].([]any); ok {
		for _, item := range list {
			if s, ok := item.(string); ok {
				possible[s] = struct{}{}
			}
		}
	}

	h.mu.Lock()
	h.unregisterLocked(peer)
	peer.name = name
	peer.index = index
	peer.indexed = indexed
	peer.possibleEvents = possible
	h.modules[moduleKey{name: name, index: index, indexed: indexed}] = peer
	h.mu.Unlock()
}

func (h *Hub) handleConfigure(ctx context.Context, peer *Peer, ev *event.Envelope) {
	name, _ := ev.Data["moduleName"].(string)
	if name == "" {
		h.send(ctx, peer, errorEvent("ui.configure requires moduleName"))
		return
	}
	index, indexed, ok := intIndex(ev.Data["moduleIndex"])

	h.mu.Lock()
	var target *Peer
	if ok {
		target = h.modules[moduleKey{name: name, index: index, indexed: indexed}]
	}
	h.mu.Unlock()
	if target == nil {
		h.send(ctx, peer, errorEvent("module not found"))
		return
	}

	h.send(ctx, target, event.Make("module.configure",
		map[string]any{"config": ev.Data["config"]},
		event.WithSource(ev.Source)))
}

// broadcast sends events to every authenticated peer except excludeID.
func (h *Hub) broadcast(ctx context.Context, events []map[string]any, excludeID string) {
	h.mu.Lock()
	targets := make([]*Peer, 0, len(h.peers))
	for id, peer := range h.peers {
		if id == excludeID || !peer.authenticated {
			continue
		}
		targets = append(targets, peer)
	}
	h.mu.Unlock()

	for _, peer := range targets {
		for _, ev := range events {
			if !h.send(ctx, peer, ev) {
				break
			}
		}
	}
}

// send writes one event to the peer. A write failure disconnects the peer.
func (h *Hub) send(ctx context.Context, peer *Peer, ev map[string]any) bool {
	raw, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encode outbound event", "error", err)
		return false
	}
	if err := peer.conn.Write(ctx, websocket.MessageText, raw); err != nil {
		h.logger.Debug("peer write failed", "peer_id", peer.id, "error", err)
		h.Disconnect(peer)
		return false
	}
	return true
}

// unregisterLocked drops the peer's module registration, if any.
// Callers must hold the hub lock.
func (h *Hub) unregisterLocked(peer *Peer) {
	if peer.name == "" {
		return
	}
	key := moduleKey{name: peer.name, index: peer.index, indexed: peer.indexed}
	if h.modules[key] == peer {
		delete(h.modules, key)
	}
}

// intIndex reads an optional integer from decoded JSON. present is false
// for nil, ok is false for non-integral values.
func intIndex(v any) (index int, present, ok bool) {
	switch n := v.(type) {
	case nil:
		return 0, false, true
	case float64:
		if n == float64(int(n)) {
			return int(n), true, true
		}
	case int:
		return n, true, true
	}
	return 0, false, false
}

func errorEvent(message string) map[string]any {
	return event.Make("error", map[string]any{"message": message})
}

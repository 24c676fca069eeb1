package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/soyeahso/livechat/internal/kv"
	"github.com/soyeahso/livechat/internal/logging"
)

// Sender delivers frames to one physical connection.
type Sender interface {
	Send(Frame) error
}

// Channel names.
func roomChannel(roomID string) string   { return "room:" + roomID }
func viewerChannel(roomID string) string { return "room:" + roomID + ":viewers" }
func workspaceChannel(workspaceID string) string {
	return "workspace:" + workspaceID
}
func departmentChannel(workspaceID, departmentID string) string {
	return "workspace:" + workspaceID + ":department:" + departmentID
}
func agentChannel(workspaceID, agentID string) string {
	return "agent:" + workspaceID + ":" + agentID
}
func visitorChannel(sessionID string) string { return "visitor:" + sessionID }

const (
	kindDeliver  = "deliver"
	kindDirect   = "direct"
	kindJoin     = "join"
	kindLeave    = "leave"
	kindDissolve = "dissolve"
)

// envelope is the cross-node fan-out record published on the store's
// pub/sub channel.
type envelope struct {
	Node     string          `json:"node"`
	Kind     string          `json:"kind"`
	Channels []string        `json:"channels,omitempty"`
	ConnID   string          `json:"connId,omitempty"`
	Except   []string        `json:"except,omitempty"`
	Event    string          `json:"event,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Hub tracks which local connections belong to which channels and fans
// events out to them. With a PubSub attached, every publication and every
// membership change aimed at a connection owned by another node is relayed
// so that node can apply it to its own connections.
type Hub struct {
	node  string
	topic string
	ps    kv.PubSub
	log   *logging.Logger
	seq   atomic.Int64

	mu       sync.RWMutex
	conns    map[string]Sender
	channels map[string]map[string]struct{}
	member   map[string]map[string]struct{}
}

// NewHub creates a hub for node. A nil ps keeps delivery process-local.
func NewHub(node string, ps kv.PubSub, topic string, log *logging.Logger) *Hub {
	return &Hub{
		node:     node,
		topic:    topic,
		ps:       ps,
		log:      log.Sub("fanout"),
		conns:    make(map[string]Sender),
		channels: make(map[string]map[string]struct{}),
		member:   make(map[string]map[string]struct{}),
	}
}

// Node returns the hub's node id.
func (h *Hub) Node() string { return h.node }

// Start subscribes to the fan-out topic. The subscription ends with ctx.
func (h *Hub) Start(ctx context.Context) error {
	if h.ps == nil {
		return nil
	}
	unsubscribe, err := h.ps.Subscribe(ctx, h.topic, h.receive)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", h.topic, err)
	}
	go func() {
		<-ctx.Done()
		unsubscribe()
	}()
	h.log.Info().Str("node", h.node).Str("topic", h.topic).Msg("fan-out subscribed")
	return nil
}

// Register makes connID addressable on this node.
func (h *Hub) Register(connID string, s Sender) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[connID] = s
	h.member[connID] = make(map[string]struct{})
}

// Unregister drops connID and all of its channel memberships.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.member[connID] {
		h.removeLocked(connID, ch)
	}
	delete(h.member, connID)
	delete(h.conns, connID)
}

// Local reports whether connID is registered on this node.
func (h *Hub) Local(connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[connID]
	return ok
}

// Count returns the number of local connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Members returns the local connections subscribed to channel, sorted.
func (h *Hub) Members(channel string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.channels[channel]))
	for id := range h.channels[channel] {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Channels returns the channels connID belongs to, sorted.
func (h *Hub) Channels(connID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.member[connID]))
	for ch := range h.member[connID] {
		out = append(out, ch)
	}
	slices.Sort(out)
	return out
}

// Join subscribes connID to channel, on whichever node owns it.
func (h *Hub) Join(ctx context.Context, connID, channel string) {
	if h.joinLocal(connID, channel) {
		return
	}
	h.relay(ctx, envelope{Kind: kindJoin, ConnID: connID, Channels: []string{channel}})
}

// Leave unsubscribes connID from channel, on whichever node owns it.
func (h *Hub) Leave(ctx context.Context, connID, channel string) {
	if h.leaveLocal(connID, channel) {
		return
	}
	h.relay(ctx, envelope{Kind: kindLeave, ConnID: connID, Channels: []string{channel}})
}

// Dissolve removes every member from channel on every node.
func (h *Hub) Dissolve(ctx context.Context, channel string) {
	h.dissolveLocal(channel)
	h.relay(ctx, envelope{Kind: kindDissolve, Channels: []string{channel}})
}

// Emit delivers event to every member of the given channels once, skipping
// the except connections.
func (h *Hub) Emit(ctx context.Context, channels []string, event string, payload any, except ...string) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("encoding event payload")
		return
	}
	h.deliver(channels, except, event, raw)
	h.relay(ctx, envelope{Kind: kindDeliver, Channels: channels, Except: except, Event: event, Payload: raw})
}

// EmitTo delivers event to a single connection, on whichever node owns it.
func (h *Hub) EmitTo(ctx context.Context, connID, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("encoding event payload")
		return
	}
	if h.sendLocal(connID, event, raw) {
		return
	}
	h.relay(ctx, envelope{Kind: kindDirect, ConnID: connID, Event: event, Payload: raw})
}

func (h *Hub) joinLocal(connID, channel string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[connID]; !ok {
		return false
	}
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[string]struct{})
	}
	h.channels[channel][connID] = struct{}{}
	h.member[connID][channel] = struct{}{}
	return true
}

func (h *Hub) leaveLocal(connID, channel string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[connID]; !ok {
		return false
	}
	h.removeLocked(connID, channel)
	return true
}

func (h *Hub) removeLocked(connID, channel string) {
	if members, ok := h.channels[channel]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.channels, channel)
		}
	}
	if m, ok := h.member[connID]; ok {
		delete(m, channel)
	}
}

func (h *Hub) dissolveLocal(channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for connID := range h.channels[channel] {
		if m, ok := h.member[connID]; ok {
			delete(m, channel)
		}
	}
	delete(h.channels, channel)
}

// deliver sends to local members. Senders are called outside the lock.
func (h *Hub) deliver(channels, except []string, event string, raw json.RawMessage) {
	h.mu.RLock()
	seen := make(map[string]struct{})
	var targets []Sender
	var ids []string
	for _, ch := range channels {
		for connID := range h.channels[ch] {
			if _, dup := seen[connID]; dup || slices.Contains(except, connID) {
				continue
			}
			seen[connID] = struct{}{}
			targets = append(targets, h.conns[connID])
			ids = append(ids, connID)
		}
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return
	}
	frame := Frame{Type: FrameTypeEvent, Event: event, Payload: raw, Seq: h.seq.Add(1)}
	for i, s := range targets {
		if err := s.Send(frame); err != nil {
			h.log.Debug().Err(err).Str("connId", ids[i]).Str("event", event).Msg("event delivery failed")
		}
	}
}

func (h *Hub) sendLocal(connID, event string, raw json.RawMessage) bool {
	h.mu.RLock()
	s, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	frame := Frame{Type: FrameTypeEvent, Event: event, Payload: raw, Seq: h.seq.Add(1)}
	if err := s.Send(frame); err != nil {
		h.log.Debug().Err(err).Str("connId", connID).Str("event", event).Msg("event delivery failed")
	}
	return true
}

func (h *Hub) relay(ctx context.Context, env envelope) {
	if h.ps == nil {
		return
	}
	env.Node = h.node
	data, err := json.Marshal(env)
	if err != nil {
		h.log.Error().Err(err).Msg("encoding fan-out envelope")
		return
	}
	if err := h.ps.Publish(ctx, h.topic, data); err != nil {
		h.log.Warn().Err(err).Str("kind", env.Kind).Msg("fan-out publish failed")
	}
}

func (h *Hub) receive(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.log.Warn().Err(err).Msg("discarding unreadable fan-out envelope")
		return
	}
	if env.Node == h.node {
		return
	}
	switch env.Kind {
	case kindDeliver:
		h.deliver(env.Channels, env.Except, env.Event, env.Payload)
	case kindDirect:
		h.sendLocal(env.ConnID, env.Event, env.Payload)
	case kindJoin:
		for _, ch := range env.Channels {
			h.joinLocal(env.ConnID, ch)
		}
	case kindLeave:
		for _, ch := range env.Channels {
			h.leaveLocal(env.ConnID, ch)
		}
	case kindDissolve:
		for _, ch := range env.Channels {
			h.dissolveLocal(ch)
		}
	default:
		h.log.Debug().Str("kind", env.Kind).Msg("ignoring unknown fan-out kind")
	}
}

/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package notify pushes room events to the live channels of room members.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Seednode/slights/internal/store"
)

// Event names pushed to clients.
const (
	PlayerJoined      = "player_joined"
	PlayerLeft        = "player_left"
	GameStarted       = "game_started"
	CardSubmitted     = "card_submitted"
	AllCardsSubmitted = "all_cards_submitted"
	RoundWinner       = "round_winner"
	NextRound         = "next_round"
	GameFinished      = "game_finished"
)

// Frame is one pushed message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Channel is a live push connection belonging to one identity.
type Channel interface {
	// Send queues the frame without blocking and reports whether it was accepted.
	Send(Frame) bool
	Close()
}

// Registry maps identities to their current channel.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

func NewRegistry() *Registry {
	return &Registry{
		channels: make(map[string]Channel),
	}
}

// Register makes ch the identity's channel, closing any channel it replaces.
func (r *Registry) Register(identity string, ch Channel) {
	r.mu.Lock()
	old, ok := r.channels[identity]
	r.channels[identity] = ch
	r.mu.Unlock()

	if ok && old != ch {
		old.Close()
	}
}

// Unregister removes ch, unless the identity has since registered another
// channel. It reports whether ch was removed.
func (r *Registry) Unregister(identity string, ch Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.channels[identity]; ok && cur == ch {
		delete(r.channels, identity)
		return true
	}
	return false
}

// Len reports how many identities have a live channel.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.channels)
}

// Deliver sends the frame to every listed identity with a live channel and
// returns how many accepted it.
func (r *Registry) Deliver(identities []string, frame Frame) int {
	r.mu.RLock()
	targets := make([]Channel, 0, len(identities))
	for _, id := range identities {
		if ch, ok := r.channels[id]; ok {
			targets = append(targets, ch)
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, ch := range targets {
		if ch.Send(frame) {
			sent++
		}
	}
	return sent
}

// Members lists the players of a room.
type Members interface {
	Players(ctx context.Context, roomID int64) ([]store.Player, error)
}

// Envelope carries a frame and its recipients between server instances.
type Envelope struct {
	Identities []string `json:"identities"`
	Frame      Frame    `json:"frame"`
}

// Relay fans envelopes out to every server instance, including this one.
type Relay interface {
	Publish(ctx context.Context, env Envelope) error
}

// Hub resolves room members and delivers events to them.
type Hub struct {
	registry *Registry
	members  Members
	relay    Relay
	logf     func(format string, args ...any)
}

type Option func(*Hub)

func WithRelay(relay Relay) Option {
	return func(h *Hub) { h.relay = relay }
}

func WithLogf(logf func(format string, args ...any)) Option {
	return func(h *Hub) { h.logf = logf }
}

func NewHub(registry *Registry, members Members, opts ...Option) *Hub {
	h := &Hub{
		registry: registry,
		members:  members,
		logf:     func(string, ...any) {},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// BroadcastToRoom pushes an event to the room's currently connected members.
// Delivery is best effort; only failures to resolve members or encode the
// payload are reported.
func (h *Hub) BroadcastToRoom(ctx context.Context, roomID int64, event string, payload any) error {
	players, err := h.members.Players(ctx, roomID)
	if err != nil {
		return fmt.Errorf("resolve members of room %d: %w", roomID, err)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	env := Envelope{
		Identities: make([]string, 0, len(players)),
		Frame:      Frame{Event: event, Data: data},
	}
	for _, p := range players {
		env.Identities = append(env.Identities, p.Identity)
	}

	if h.relay != nil {
		if err := h.relay.Publish(ctx, env); err != nil {
			h.logf("ERROR: Relaying %s for room %d: %v", event, roomID, err)
		}
		return nil
	}

	sent := h.Deliver(env)
	h.logf("GAMES: Sent %s to %d/%d members of room %d", event, sent, len(players), roomID)

	return nil
}

// Deliver hands an envelope to the local registry.
func (h *Hub) Deliver(env Envelope) int {
	return h.registry.Deliver(env.Identities, env.Frame)
}

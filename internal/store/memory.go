/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// Memory is a Repository kept entirely in process memory. Every read
// returns a copy, so callers never share state with the store.
type Memory struct {
	mu sync.RWMutex

	rooms       map[int64]*Room
	players     map[int64]Player
	submissions map[int64]Submission
	cards       map[Kind][]Card
	cardIndex   map[int64]Card

	nextID int64
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		rooms:       make(map[int64]*Room),
		players:     make(map[int64]Player),
		submissions: make(map[int64]Submission),
		cards:       make(map[Kind][]Card),
		cardIndex:   make(map[int64]Card),
		now:         time.Now,
	}
}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *Memory) touch(roomID int64) {
	if r, ok := m.rooms[roomID]; ok {
		r.UpdatedAt = m.now()
	}
}

func (m *Memory) CreateRoom(_ context.Context, room *Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.rooms {
		if r.Code == room.Code {
			return ErrDuplicate
		}
	}

	room.ID = m.id()
	room.CreatedAt = m.now()
	room.UpdatedAt = room.CreatedAt
	m.rooms[room.ID] = room.clone()

	return nil
}

func (m *Memory) Room(_ context.Context, id int64) (*Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.clone(), nil
}

func (m *Memory) RoomByCode(_ context.Context, code string) (*Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.rooms {
		if r.Code == code {
			return r.clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) UpdateRoom(_ context.Context, room *Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.rooms[room.ID]
	if !ok {
		return ErrNotFound
	}

	next := room.clone()
	next.DealtPrompts = cur.DealtPrompts
	next.DealtResponses = cur.DealtResponses
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = m.now()
	m.rooms[room.ID] = next

	room.UpdatedAt = next.UpdatedAt

	return nil
}

func (m *Memory) DeleteRoom(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[id]; !ok {
		return ErrNotFound
	}
	delete(m.rooms, id)

	for pid, p := range m.players {
		if p.RoomID == id {
			delete(m.players, pid)
		}
	}
	for sid, s := range m.submissions {
		if s.RoomID == id {
			delete(m.submissions, sid)
		}
	}

	return nil
}

func (m *Memory) IdleRooms(_ context.Context, before time.Time) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []int64
	for id, r := range m.rooms {
		if r.UpdatedAt.Before(before) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	return ids, nil
}

func (m *Memory) AddPlayer(_ context.Context, player *Player) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[player.RoomID]; !ok {
		return ErrNotFound
	}
	for _, p := range m.players {
		if p.RoomID == player.RoomID && p.Identity == player.Identity {
			return ErrDuplicate
		}
	}

	player.ID = m.id()
	player.JoinedAt = m.now()
	m.players[player.ID] = player.clone()
	m.touch(player.RoomID)

	return nil
}

func (m *Memory) UpdatePlayer(_ context.Context, player *Player) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.players[player.ID]
	if !ok {
		return ErrNotFound
	}

	next := player.clone()
	next.RoomID = cur.RoomID
	next.Identity = cur.Identity
	next.JoinedAt = cur.JoinedAt
	m.players[player.ID] = next

	return nil
}

func (m *Memory) RemovePlayer(_ context.Context, roomID int64, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, p := range m.players {
		if p.RoomID == roomID && p.Identity == identity {
			delete(m.players, id)
			m.touch(roomID)
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) Players(_ context.Context, roomID int64) ([]Player, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.playersLocked(roomID), nil
}

func (m *Memory) playersLocked(roomID int64) []Player {
	players := make([]Player, 0, 8)
	for _, p := range m.players {
		if p.RoomID == roomID {
			players = append(players, p.clone())
		}
	}

	sort.Slice(players, func(i, j int) bool {
		if players[i].JoinOrder == players[j].JoinOrder {
			return players[i].ID < players[j].ID
		}
		return players[i].JoinOrder < players[j].JoinOrder
	})

	return players
}

func (m *Memory) SetConnected(_ context.Context, identity string, connected bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, p := range m.players {
		if p.Identity == identity {
			p.Connected = connected
			m.players[id] = p
		}
	}

	return nil
}

func (m *Memory) DealtPool(_ context.Context, roomID int64, kind Kind) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}

	if kind == Prompts {
		return slices.Clone(r.DealtPrompts), nil
	}
	return slices.Clone(r.DealtResponses), nil
}

func (m *Memory) SetDealtPool(_ context.Context, roomID int64, kind Kind, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return ErrNotFound
	}

	if kind == Prompts {
		r.DealtPrompts = slices.Clone(ids)
	} else {
		r.DealtResponses = slices.Clone(ids)
	}

	return nil
}

func (m *Memory) AddSubmission(_ context.Context, sub *Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[sub.RoomID]; !ok {
		return ErrNotFound
	}
	for _, s := range m.submissions {
		if s.RoomID == sub.RoomID && s.Round == sub.Round && s.PlayerID == sub.PlayerID {
			return ErrDuplicate
		}
	}

	sub.ID = m.id()
	m.submissions[sub.ID] = *sub
	m.touch(sub.RoomID)

	return nil
}

func (m *Memory) Submissions(_ context.Context, roomID int64, round int) ([]SubmissionView, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	views := make([]SubmissionView, 0, 8)
	for _, s := range m.submissions {
		if s.RoomID != roomID || s.Round != round {
			continue
		}

		p, ok := m.players[s.PlayerID]
		if !ok {
			continue
		}
		c, ok := m.cardIndex[s.CardID]
		if !ok {
			continue
		}

		views = append(views, SubmissionView{
			Submission: s,
			Player:     p.clone(),
			Card:       c,
		})
	}

	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })

	return views, nil
}

func (m *Memory) MarkWinner(_ context.Context, submissionID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.submissions[submissionID]
	if !ok {
		return ErrNotFound
	}
	s.Winner = true
	m.submissions[submissionID] = s
	m.touch(s.RoomID)

	return nil
}

func (m *Memory) SeedDeck(_ context.Context, kind Kind, texts []string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.cards[kind]) > 0 {
		return false, nil
	}

	deck := make([]Card, 0, len(texts))
	for _, text := range texts {
		c := Card{ID: m.id(), Kind: kind, Text: text}
		deck = append(deck, c)
		m.cardIndex[c.ID] = c
	}
	m.cards[kind] = deck

	return true, nil
}

func (m *Memory) Deck(_ context.Context, kind Kind) ([]Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return slices.Clone(m.cards[kind]), nil
}

func (m *Memory) CardsByID(_ context.Context, kind Kind, ids []int64) ([]Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cards := make([]Card, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.cardIndex[id]; ok && c.Kind == kind {
			cards = append(cards, c)
		}
	}

	return cards, nil
}

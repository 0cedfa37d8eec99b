/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package store holds the room, player, card and submission records of a
// game server. Repositories are plain storage; every game rule lives in the
// engine.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

type Repository interface {
	CreateRoom(ctx context.Context, room *Room) error
	Room(ctx context.Context, id int64) (*Room, error)
	RoomByCode(ctx context.Context, code string) (*Room, error)
	// UpdateRoom writes every field except the dealt pools.
	UpdateRoom(ctx context.Context, room *Room) error
	DeleteRoom(ctx context.Context, id int64) error
	IdleRooms(ctx context.Context, before time.Time) ([]int64, error)

	AddPlayer(ctx context.Context, player *Player) error
	UpdatePlayer(ctx context.Context, player *Player) error
	RemovePlayer(ctx context.Context, roomID int64, identity string) error
	Players(ctx context.Context, roomID int64) ([]Player, error)
	SetConnected(ctx context.Context, identity string, connected bool) error

	DealtPool(ctx context.Context, roomID int64, kind Kind) ([]int64, error)
	SetDealtPool(ctx context.Context, roomID int64, kind Kind, ids []int64) error

	AddSubmission(ctx context.Context, sub *Submission) error
	Submissions(ctx context.Context, roomID int64, round int) ([]SubmissionView, error)
	MarkWinner(ctx context.Context, submissionID int64) error

	// SeedDeck inserts the texts only if the deck is empty.
	SeedDeck(ctx context.Context, kind Kind, texts []string) (bool, error)
	Deck(ctx context.Context, kind Kind) ([]Card, error)
	// CardsByID returns the cards in the order of ids, skipping unknown ids.
	CardsByID(ctx context.Context, kind Kind, ids []int64) ([]Card, error)
}

// LoadGameState assembles the derived state of a room from fresh reads.
func LoadGameState(ctx context.Context, repo Repository, roomID int64) (*GameState, error) {
	room, err := repo.Room(ctx, roomID)
	if err != nil {
		return nil, err
	}

	players, err := repo.Players(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("list players: %w", err)
	}

	subs, err := repo.Submissions(ctx, roomID, room.Round)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}

	gs := &GameState{
		Room:        room,
		Players:     players,
		Submissions: subs,
	}

	if room.PromptID != 0 {
		cards, err := repo.CardsByID(ctx, Prompts, []int64{room.PromptID})
		if err != nil {
			return nil, fmt.Errorf("load prompt: %w", err)
		}
		if len(cards) == 1 {
			gs.Prompt = &cards[0]
		}
	}

	if room.JudgeIndex >= 0 && room.JudgeIndex < len(players) {
		gs.CurrentJudge = &players[room.JudgeIndex]
	}

	return gs, nil
}

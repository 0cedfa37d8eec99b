/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package store

import (
	"slices"
	"time"
)

// Room lifecycle states.
const (
	StateWaiting  = "waiting"
	StatePlaying  = "playing"
	StateFinished = "finished"
)

// Kind identifies one of the two decks.
type Kind string

const (
	Prompts   Kind = "prompt"
	Responses Kind = "response"
)

type Room struct {
	ID          int64     `json:"id"`
	Code        string    `json:"code"`
	Host        string    `json:"hostId"`
	MaxPlayers  int       `json:"maxPlayers"`
	TargetScore int       `json:"targetScore"`
	Round       int       `json:"currentRound"`
	JudgeIndex  int       `json:"currentJudgeIndex"`
	PromptID    int64     `json:"currentPromptCardId,omitempty"`
	State       string    `json:"gameState"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`

	// Dealt pools are only written through Repository.SetDealtPool.
	DealtPrompts   []int64 `json:"-"`
	DealtResponses []int64 `json:"-"`
}

func (r *Room) clone() *Room {
	c := *r
	c.DealtPrompts = slices.Clone(r.DealtPrompts)
	c.DealtResponses = slices.Clone(r.DealtResponses)
	return &c
}

// Player is one identity's membership in a room.
type Player struct {
	ID        int64     `json:"id"`
	RoomID    int64     `json:"roomId"`
	Identity  string    `json:"userId"`
	Name      string    `json:"name,omitempty"`
	JoinOrder int       `json:"joinOrder"`
	Score     int       `json:"score"`
	Hand      []int64   `json:"-"`
	Connected bool      `json:"isConnected"`
	JoinedAt  time.Time `json:"joinedAt"`
}

func (p Player) clone() Player {
	p.Hand = slices.Clone(p.Hand)
	return p
}

// HasCard reports whether the card is currently in the player's hand.
func (p *Player) HasCard(id int64) bool {
	return slices.Contains(p.Hand, id)
}

type Card struct {
	ID   int64  `json:"id"`
	Kind Kind   `json:"kind"`
	Text string `json:"text"`
}

type Submission struct {
	ID       int64 `json:"id"`
	RoomID   int64 `json:"roomId"`
	Round    int   `json:"round"`
	PlayerID int64 `json:"playerId"`
	CardID   int64 `json:"cardId"`
	Winner   bool  `json:"isWinner"`
}

// SubmissionView is a submission with its player and card attached.
type SubmissionView struct {
	Submission
	Player Player `json:"player"`
	Card   Card   `json:"card"`
}

// GameState is assembled from the repository on every read and never cached.
type GameState struct {
	Room         *Room            `json:"room"`
	Players      []Player         `json:"players"`
	Prompt       *Card            `json:"currentPromptCard,omitempty"`
	Submissions  []SubmissionView `json:"submissions"`
	CurrentJudge *Player          `json:"currentJudge,omitempty"`
}

// Player returns the member with the given identity, if any.
func (gs *GameState) Player(identity string) *Player {
	for i := range gs.Players {
		if gs.Players[i].Identity == identity {
			return &gs.Players[i]
		}
	}
	return nil
}

// Submission returns this round's submission with the given id, if any.
func (gs *GameState) Submission(id int64) *SubmissionView {
	for i := range gs.Submissions {
		if gs.Submissions[i].ID == id {
			return &gs.Submissions[i]
		}
	}
	return nil
}

// Submitted reports whether the player already has a submission this round.
func (gs *GameState) Submitted(playerID int64) bool {
	for _, s := range gs.Submissions {
		if s.PlayerID == playerID {
			return true
		}
	}
	return false
}

// Judged reports whether a winner was already picked this round.
func (gs *GameState) Judged() bool {
	for _, s := range gs.Submissions {
		if s.Winner {
			return true
		}
	}
	return false
}

/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package engine runs the room and round state machine: rooms are created
// and joined while waiting, each round every non-judge player submits one
// response card, the judge picks a winner, and the winner judges the next
// round until someone reaches the room's target score.
package engine

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Seednode/slights/internal/cards"
	"github.com/Seednode/slights/internal/notify"
	"github.com/Seednode/slights/internal/store"
)

const (
	MaxPlayers          = 8
	MinPlayers          = 3
	HandSize            = 7
	DefaultTargetScore  = 7
	DefaultAdvanceDelay = 6 * time.Second

	CodeLength   = 6
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	taskTimeout = 10 * time.Second
)

// Broadcaster pushes an event to every connected member of a room.
type Broadcaster interface {
	BroadcastToRoom(ctx context.Context, roomID int64, event string, payload any) error
}

type Engine struct {
	repo   store.Repository
	dealer *cards.Dealer
	hub    Broadcaster
	tasks  *Scheduler

	advanceDelay time.Duration
	targetScore  int
	newCode      func() (string, error)
	logf         func(format string, args ...any)

	locks  sync.Map
	seeded atomic.Bool
}

type Option func(*Engine)

// WithAdvanceDelay sets how long a judged round stays on screen before the
// next round begins.
func WithAdvanceDelay(d time.Duration) Option {
	return func(e *Engine) { e.advanceDelay = d }
}

// WithTargetScore sets the score used when a room is created without one.
func WithTargetScore(score int) Option {
	return func(e *Engine) { e.targetScore = score }
}

func WithLogf(logf func(format string, args ...any)) Option {
	return func(e *Engine) { e.logf = logf }
}

func WithCodeGenerator(gen func() (string, error)) Option {
	return func(e *Engine) { e.newCode = gen }
}

func New(repo store.Repository, dealer *cards.Dealer, hub Broadcaster, opts ...Option) *Engine {
	e := &Engine{
		repo:         repo,
		dealer:       dealer,
		hub:          hub,
		tasks:        NewScheduler(),
		advanceDelay: DefaultAdvanceDelay,
		targetScore:  DefaultTargetScore,
		newCode:      NewCode,
		logf:         func(string, ...any) {},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Close cancels every pending round advance.
func (e *Engine) Close() {
	e.tasks.Stop()
}

// NewCode returns a random join code of CodeLength upper-case alphanumerics.
func NewCode() (string, error) {
	buf := make([]byte, CodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}

	out := make([]byte, CodeLength)
	for i := range out {
		out[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
	}

	return string(out), nil
}

// NormalizeCode trims and upper-cases a user supplied join code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// lockRoom takes the room's lock and returns the room as read under it.
// Rooms that do not exist never keep a lock entry.
func (e *Engine) lockRoom(ctx context.Context, roomID int64) (*store.Room, func(), error) {
	mu, ok := e.locks.Load(roomID)
	if !ok {
		if _, err := e.repo.Room(ctx, roomID); err != nil {
			return nil, nil, roomErr(err)
		}
		mu, _ = e.locks.LoadOrStore(roomID, &sync.Mutex{})
	}

	m := mu.(*sync.Mutex)
	m.Lock()

	room, err := e.repo.Room(ctx, roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.locks.CompareAndDelete(roomID, m)
		}
		m.Unlock()
		return nil, nil, roomErr(err)
	}

	return room, m.Unlock, nil
}

// dropRoom deletes a room and its lock entry. The caller holds the lock.
func (e *Engine) dropRoom(ctx context.Context, roomID int64) error {
	e.tasks.Cancel(roomID)
	err := e.repo.DeleteRoom(ctx, roomID)
	e.locks.Delete(roomID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

// Seed loads the built-in decks if the repository has none.
func (e *Engine) Seed(ctx context.Context) error {
	if e.seeded.Load() {
		return nil
	}
	if err := cards.EnsureSeeded(ctx, e.repo); err != nil {
		return err
	}
	e.seeded.Store(true)
	return nil
}

func (e *Engine) broadcast(ctx context.Context, roomID int64, event string, payload any) {
	if err := e.hub.BroadcastToRoom(ctx, roomID, event, payload); err != nil {
		e.logf("ERROR: Broadcasting %s to room %d: %v", event, roomID, err)
	}
}

func roomErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrRoomNotFound
	}
	return err
}

// CreateRoom opens a waiting room hosted by host, who joins it first.
func (e *Engine) CreateRoom(ctx context.Context, host, name string, targetScore int) (*store.Room, error) {
	if targetScore < 1 {
		targetScore = e.targetScore
	}

	if err := e.Seed(ctx); err != nil {
		return nil, err
	}

	room := &store.Room{
		Host:        host,
		MaxPlayers:  MaxPlayers,
		TargetScore: targetScore,
		Round:       1,
		JudgeIndex:  0,
		State:       store.StateWaiting,
	}

	for {
		code, err := e.newCode()
		if err != nil {
			return nil, fmt.Errorf("generate room code: %w", err)
		}

		_, err = e.repo.RoomByCode(ctx, code)
		switch {
		case err == nil:
			continue
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("check room code: %w", err)
		}

		room.Code = code
		err = e.repo.CreateRoom(ctx, room)
		if errors.Is(err, store.ErrDuplicate) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create room: %w", err)
		}
		break
	}

	_, unlock, err := e.lockRoom(ctx, room.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	player := &store.Player{
		RoomID:    room.ID,
		Identity:  host,
		Name:      name,
		JoinOrder: 0,
		Hand:      []int64{},
		Connected: true,
	}
	err = e.repo.AddPlayer(ctx, player)
	if err != nil {
		err = fmt.Errorf("add host: %w", err)
	} else {
		err = e.dealHand(ctx, room.ID, player)
	}
	if err != nil {
		if derr := e.dropRoom(ctx, room.ID); derr != nil {
			e.logf("ERROR: Discarding room %s: %v", room.Code, derr)
		}
		return nil, err
	}

	e.logf("GAMES: Created room %s (%d) for %s", room.Code, room.ID, host)

	return room, nil
}

// JoinRoom adds identity to the waiting room with the given join code.
func (e *Engine) JoinRoom(ctx context.Context, code, identity, name string) (int64, error) {
	room, err := e.repo.RoomByCode(ctx, NormalizeCode(code))
	if err != nil {
		return 0, roomErr(err)
	}

	room, unlock, err := e.lockRoom(ctx, room.ID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	if room.State != store.StateWaiting {
		return 0, ErrGameInProgress
	}

	players, err := e.repo.Players(ctx, room.ID)
	if err != nil {
		return 0, err
	}

	maxPlayers := room.MaxPlayers
	if maxPlayers < 1 {
		maxPlayers = MaxPlayers
	}
	if len(players) >= maxPlayers {
		return 0, ErrRoomFull
	}

	if slices.ContainsFunc(players, func(p store.Player) bool { return p.Identity == identity }) {
		return 0, ErrAlreadyJoined
	}

	player := &store.Player{
		RoomID:    room.ID,
		Identity:  identity,
		Name:      name,
		JoinOrder: len(players),
		Hand:      []int64{},
		Connected: true,
	}
	err = e.repo.AddPlayer(ctx, player)
	if errors.Is(err, store.ErrDuplicate) {
		return 0, ErrAlreadyJoined
	}
	if err != nil {
		return 0, fmt.Errorf("add player: %w", err)
	}

	if err := e.dealHand(ctx, room.ID, player); err != nil {
		return 0, err
	}

	e.logf("GAMES: %s joined room %s", identity, room.Code)
	e.broadcast(ctx, room.ID, notify.PlayerJoined, joinedPayload{UserID: identity, Name: name})

	return room.ID, nil
}

// LeaveRoom removes identity from a room that has not started yet.
func (e *Engine) LeaveRoom(ctx context.Context, roomID int64, identity string) error {
	room, unlock, err := e.lockRoom(ctx, roomID)
	if err != nil {
		return err
	}
	defer unlock()

	players, err := e.repo.Players(ctx, roomID)
	if err != nil {
		return err
	}

	if !slices.ContainsFunc(players, func(p store.Player) bool { return p.Identity == identity }) {
		return ErrNotAMember
	}

	if room.State != store.StateWaiting {
		return ErrGameInProgress
	}

	if err := e.repo.RemovePlayer(ctx, roomID, identity); err != nil {
		return fmt.Errorf("remove player: %w", err)
	}

	remaining := slices.DeleteFunc(players, func(p store.Player) bool { return p.Identity == identity })
	if len(remaining) == 0 {
		if err := e.dropRoom(ctx, roomID); err != nil {
			return fmt.Errorf("delete empty room: %w", err)
		}
		e.logf("GAMES: Closed empty room %s", room.Code)
		return nil
	}

	// Join order stays equal to list position.
	for i := range remaining {
		if remaining[i].JoinOrder == i {
			continue
		}
		remaining[i].JoinOrder = i
		if err := e.repo.UpdatePlayer(ctx, &remaining[i]); err != nil {
			return fmt.Errorf("reorder players: %w", err)
		}
	}

	if room.Host == identity {
		room.Host = remaining[0].Identity
		if err := e.repo.UpdateRoom(ctx, room); err != nil {
			return fmt.Errorf("transfer host: %w", err)
		}
	}

	e.logf("GAMES: %s left room %s", identity, room.Code)
	e.broadcast(ctx, roomID, notify.PlayerLeft, leftPayload{UserID: identity, HostID: room.Host})

	return nil
}

// StartGame moves a waiting room into round one.
func (e *Engine) StartGame(ctx context.Context, roomID int64, identity string) error {
	room, unlock, err := e.lockRoom(ctx, roomID)
	if err != nil {
		return err
	}
	defer unlock()

	if room.Host != identity {
		return ErrUnauthorized
	}

	if room.State != store.StateWaiting {
		return ErrGameInProgress
	}

	players, err := e.repo.Players(ctx, roomID)
	if err != nil {
		return err
	}

	switch {
	case len(players) < MinPlayers:
		return ErrNotEnoughPlayers
	case len(players) > MaxPlayers:
		return ErrTooManyPlayers
	}

	if err := e.Seed(ctx); err != nil {
		return err
	}

	prompt, err := e.dealer.DrawOne(ctx, roomID, store.Prompts)
	if err != nil {
		return fmt.Errorf("draw prompt: %w", err)
	}

	room.State = store.StatePlaying
	room.Round = 1
	room.JudgeIndex = 0
	room.PromptID = prompt.ID
	if err := e.repo.UpdateRoom(ctx, room); err != nil {
		return fmt.Errorf("start room: %w", err)
	}

	e.logf("GAMES: Started room %s with %d players", room.Code, len(players))
	e.broadcast(ctx, roomID, notify.GameStarted, startedPayload{PromptCard: prompt})

	return nil
}

// SubmitCard plays one card from the caller's hand into the current round.
func (e *Engine) SubmitCard(ctx context.Context, roomID int64, identity string, cardID int64) error {
	_, unlock, err := e.lockRoom(ctx, roomID)
	if err != nil {
		return err
	}
	defer unlock()

	gs, err := store.LoadGameState(ctx, e.repo, roomID)
	if err != nil {
		return roomErr(err)
	}

	if gs.Room.State != store.StatePlaying {
		return ErrNotPlaying
	}

	player := gs.Player(identity)
	if player == nil {
		return ErrNotAMember
	}

	if gs.CurrentJudge != nil && gs.CurrentJudge.ID == player.ID {
		return ErrJudgeCannotSubmit
	}

	if gs.Submitted(player.ID) {
		return ErrAlreadySubmitted
	}

	if !player.HasCard(cardID) {
		return ErrCardNotInHand
	}

	err = e.repo.AddSubmission(ctx, &store.Submission{
		RoomID:   roomID,
		Round:    gs.Room.Round,
		PlayerID: player.ID,
		CardID:   cardID,
	})
	if errors.Is(err, store.ErrDuplicate) {
		return ErrAlreadySubmitted
	}
	if err != nil {
		return fmt.Errorf("record submission: %w", err)
	}

	player.Hand = slices.DeleteFunc(player.Hand, func(id int64) bool { return id == cardID })
	if err := e.dealHand(ctx, roomID, player); err != nil {
		return err
	}

	subs, err := e.repo.Submissions(ctx, roomID, gs.Room.Round)
	if err != nil {
		return fmt.Errorf("count submissions: %w", err)
	}

	if len(subs) >= len(gs.Players)-1 {
		e.broadcast(ctx, roomID, notify.AllCardsSubmitted, struct{}{})
	} else {
		e.broadcast(ctx, roomID, notify.CardSubmitted, submittedPayload{UserID: identity})
	}

	return nil
}

// JudgeCard awards the round to a submission. The next round starts after
// the advance delay unless the winner reached the target score.
func (e *Engine) JudgeCard(ctx context.Context, roomID int64, identity string, submissionID int64) error {
	_, unlock, err := e.lockRoom(ctx, roomID)
	if err != nil {
		return err
	}
	defer unlock()

	gs, err := store.LoadGameState(ctx, e.repo, roomID)
	if err != nil {
		return roomErr(err)
	}

	if gs.Room.State != store.StatePlaying {
		return ErrNotPlaying
	}

	if gs.CurrentJudge == nil || gs.CurrentJudge.Identity != identity {
		return ErrNotJudge
	}

	sub := gs.Submission(submissionID)
	if sub == nil {
		return ErrSubmissionNotFound
	}

	if gs.Judged() {
		return ErrAlreadyJudged
	}

	if err := e.repo.MarkWinner(ctx, submissionID); err != nil {
		return fmt.Errorf("mark winner: %w", err)
	}

	winner := sub.Player
	winner.Score++
	if err := e.repo.UpdatePlayer(ctx, &winner); err != nil {
		return fmt.Errorf("update score: %w", err)
	}

	round := gs.Room.Round
	e.logf("GAMES: %s won round %d of room %s (%d/%d)", winner.Identity, round, gs.Room.Code, winner.Score, gs.Room.TargetScore)
	e.broadcast(ctx, roomID, notify.RoundWinner, roundWinnerPayload{
		Winner:      winner,
		WinningCard: sub.Card,
		Round:       round,
	})

	if winner.Score >= gs.Room.TargetScore {
		gs.Room.State = store.StateFinished
		if err := e.repo.UpdateRoom(ctx, gs.Room); err != nil {
			return fmt.Errorf("finish room: %w", err)
		}
		e.tasks.Cancel(roomID)

		e.logf("GAMES: %s won room %s", winner.Identity, gs.Room.Code)
		e.broadcast(ctx, roomID, notify.GameFinished, finishedPayload{Winner: winner})

		return nil
	}

	winnerID := winner.ID
	err = e.tasks.Schedule(roomID, e.advanceDelay, func() {
		e.advanceAfterJudging(roomID, round, winnerID)
	})
	if err != nil {
		return fmt.Errorf("schedule next round: %w", err)
	}

	return nil
}

// advanceAfterJudging is the deferred half of JudgeCard. It does nothing if
// the room moved on while the winner was on screen.
func (e *Engine) advanceAfterJudging(roomID int64, round int, winnerID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()

	room, unlock, err := e.lockRoom(ctx, roomID)
	if err != nil {
		e.logf("GAMES: Skipping next round for room %d: %v", roomID, err)
		return
	}
	defer unlock()

	if room.State != store.StatePlaying || room.Round != round {
		e.logf("GAMES: Skipping stale next round for room %s", room.Code)
		return
	}

	players, err := e.repo.Players(ctx, roomID)
	if err != nil {
		e.logf("ERROR: Advancing room %s: %v", room.Code, err)
		return
	}

	var winner *store.Player
	for i := range players {
		if players[i].ID == winnerID {
			winner = &players[i]
			break
		}
	}

	if err := e.advance(ctx, room, players, winner); err != nil {
		e.logf("ERROR: Advancing room %s: %v", room.Code, err)
	}
}

// AdvanceRound starts the next round immediately. The winner, if given and
// still in the room, judges it; otherwise judging passes to the next player
// in join order.
func (e *Engine) AdvanceRound(ctx context.Context, roomID int64, winner *store.Player) error {
	room, unlock, err := e.lockRoom(ctx, roomID)
	if err != nil {
		return err
	}
	defer unlock()

	if room.State != store.StatePlaying {
		return ErrNotPlaying
	}

	players, err := e.repo.Players(ctx, roomID)
	if err != nil {
		return err
	}

	e.tasks.Cancel(roomID)

	return e.advance(ctx, room, players, winner)
}

// NextJudge picks the next judge index: the winner's position when known,
// otherwise the seat after the current judge.
func NextJudge(players []store.Player, current int, winner *store.Player) int {
	if len(players) == 0 {
		return 0
	}

	if winner != nil {
		if i := slices.IndexFunc(players, func(p store.Player) bool { return p.ID == winner.ID }); i >= 0 {
			return i
		}
	}

	return (current + 1) % len(players)
}

func (e *Engine) advance(ctx context.Context, room *store.Room, players []store.Player, winner *store.Player) error {
	prompt, err := e.dealer.DrawOne(ctx, room.ID, store.Prompts)
	if err != nil {
		return fmt.Errorf("draw prompt: %w", err)
	}

	room.Round++
	room.JudgeIndex = NextJudge(players, room.JudgeIndex, winner)
	room.PromptID = prompt.ID
	if err := e.repo.UpdateRoom(ctx, room); err != nil {
		return fmt.Errorf("advance room: %w", err)
	}

	e.logf("GAMES: Room %s is on round %d", room.Code, room.Round)
	e.broadcast(ctx, room.ID, notify.NextRound, nextRoundPayload{
		Round:      room.Round,
		JudgeIndex: room.JudgeIndex,
		PromptCard: prompt,
	})

	return nil
}

// DealHand tops the caller's hand up to HandSize cards.
func (e *Engine) DealHand(ctx context.Context, roomID int64, identity string) error {
	_, unlock, err := e.lockRoom(ctx, roomID)
	if err != nil {
		return err
	}
	defer unlock()

	players, err := e.repo.Players(ctx, roomID)
	if err != nil {
		return err
	}

	i := slices.IndexFunc(players, func(p store.Player) bool { return p.Identity == identity })
	if i < 0 {
		return ErrNotAMember
	}

	if len(players[i].Hand) >= HandSize {
		return nil
	}

	return e.dealHand(ctx, roomID, &players[i])
}

// dealHand fills the hand and saves the player, including any hand changes
// the caller made beforehand.
func (e *Engine) dealHand(ctx context.Context, roomID int64, p *store.Player) error {
	if need := HandSize - len(p.Hand); need > 0 {
		drawn, err := e.dealer.Draw(ctx, roomID, store.Responses, need, p.Hand)
		if err != nil {
			return fmt.Errorf("deal hand: %w", err)
		}
		for _, c := range drawn {
			p.Hand = append(p.Hand, c.ID)
		}
	}

	if err := e.repo.UpdatePlayer(ctx, p); err != nil {
		return fmt.Errorf("save hand: %w", err)
	}

	return nil
}

// Hand returns the caller's response cards in hand order.
func (e *Engine) Hand(ctx context.Context, roomID int64, identity string) ([]store.Card, error) {
	if _, err := e.repo.Room(ctx, roomID); err != nil {
		return nil, roomErr(err)
	}

	players, err := e.repo.Players(ctx, roomID)
	if err != nil {
		return nil, err
	}

	i := slices.IndexFunc(players, func(p store.Player) bool { return p.Identity == identity })
	if i < 0 {
		return nil, ErrNotAMember
	}

	return e.repo.CardsByID(ctx, store.Responses, players[i].Hand)
}

// State assembles the room's current game state.
func (e *Engine) State(ctx context.Context, roomID int64) (*store.GameState, error) {
	gs, err := store.LoadGameState(ctx, e.repo, roomID)
	if err != nil {
		return nil, roomErr(err)
	}
	return gs, nil
}

// SetConnected records whether identity currently has a live push channel.
func (e *Engine) SetConnected(ctx context.Context, identity string, connected bool) error {
	return e.repo.SetConnected(ctx, identity, connected)
}

// Reap deletes rooms untouched since before and drops their pending rounds.
// A room touched after it was listed is kept.
func (e *Engine) Reap(ctx context.Context, before time.Time) (int, error) {
	ids, err := e.repo.IdleRooms(ctx, before)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, id := range ids {
		gone, err := e.reapRoom(ctx, id, before)
		if err != nil {
			return reaped, fmt.Errorf("delete room %d: %w", id, err)
		}
		if gone {
			reaped++
		}
	}

	return reaped, nil
}

func (e *Engine) reapRoom(ctx context.Context, roomID int64, before time.Time) (bool, error) {
	room, unlock, err := e.lockRoom(ctx, roomID)
	if errors.Is(err, ErrRoomNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer unlock()

	if !room.UpdatedAt.Before(before) {
		return false, nil
	}

	return true, e.dropRoom(ctx, roomID)
}

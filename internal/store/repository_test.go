package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRepository checks the behaviour every Repository must share.
func testRepository(t *testing.T, repo Repository) {
	ctx := context.Background()

	seeded, err := repo.SeedDeck(ctx, Prompts, []string{"first", "second", "third"})
	require.NoError(t, err)
	assert.True(t, seeded)

	seeded, err = repo.SeedDeck(ctx, Prompts, []string{"again"})
	require.NoError(t, err)
	assert.False(t, seeded, "a seeded deck is left alone")

	_, err = repo.SeedDeck(ctx, Responses, []string{"r1", "r2", "r3", "r4"})
	require.NoError(t, err)

	prompts, err := repo.Deck(ctx, Prompts)
	require.NoError(t, err)
	require.Len(t, prompts, 3)
	assert.Equal(t, "first", prompts[0].Text)
	assert.Equal(t, Prompts, prompts[0].Kind)

	responses, err := repo.Deck(ctx, Responses)
	require.NoError(t, err)
	require.Len(t, responses, 4)

	room := &Room{Code: "ROOM01", Host: "host", MaxPlayers: 8, TargetScore: 7, Round: 1, State: StateWaiting}
	require.NoError(t, repo.CreateRoom(ctx, room))
	require.NotZero(t, room.ID)
	assert.False(t, room.CreatedAt.IsZero())

	assert.ErrorIs(t, repo.CreateRoom(ctx, &Room{Code: "ROOM01", Host: "other", State: StateWaiting}), ErrDuplicate)

	t.Run("Lookup", func(t *testing.T) {
		got, err := repo.Room(ctx, room.ID)
		require.NoError(t, err)
		assert.Equal(t, "ROOM01", got.Code)
		assert.Equal(t, "host", got.Host)

		got, err = repo.RoomByCode(ctx, "ROOM01")
		require.NoError(t, err)
		assert.Equal(t, room.ID, got.ID)

		_, err = repo.Room(ctx, room.ID+100000)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = repo.RoomByCode(ctx, "NOROOM")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	host := &Player{RoomID: room.ID, Identity: "host", Name: "Host", JoinOrder: 0, Hand: []int64{}, Connected: true}
	alice := &Player{RoomID: room.ID, Identity: "alice", Name: "Alice", JoinOrder: 1, Hand: []int64{}, Connected: true}
	require.NoError(t, repo.AddPlayer(ctx, alice))
	require.NoError(t, repo.AddPlayer(ctx, host))

	t.Run("Players", func(t *testing.T) {
		assert.ErrorIs(t, repo.AddPlayer(ctx, &Player{RoomID: room.ID, Identity: "alice", JoinOrder: 2}), ErrDuplicate)
		assert.ErrorIs(t, repo.AddPlayer(ctx, &Player{RoomID: room.ID + 100000, Identity: "ghost"}), ErrNotFound)

		players, err := repo.Players(ctx, room.ID)
		require.NoError(t, err)
		require.Len(t, players, 2)
		assert.Equal(t, "host", players[0].Identity, "ordered by join order")
		assert.Equal(t, "alice", players[1].Identity)
	})

	t.Run("DealtPoolsSurviveRoomUpdates", func(t *testing.T) {
		require.NoError(t, repo.SetDealtPool(ctx, room.ID, Prompts, []int64{prompts[0].ID}))

		got, err := repo.Room(ctx, room.ID)
		require.NoError(t, err)
		got.DealtPrompts = nil
		got.State = StatePlaying
		got.PromptID = prompts[0].ID
		require.NoError(t, repo.UpdateRoom(ctx, got))

		pool, err := repo.DealtPool(ctx, room.ID, Prompts)
		require.NoError(t, err)
		assert.Equal(t, []int64{prompts[0].ID}, pool)

		pool, err = repo.DealtPool(ctx, room.ID, Responses)
		require.NoError(t, err)
		assert.Empty(t, pool)

		got, err = repo.Room(ctx, room.ID)
		require.NoError(t, err)
		assert.Equal(t, StatePlaying, got.State)
		assert.Equal(t, prompts[0].ID, got.PromptID)
	})

	t.Run("Hands", func(t *testing.T) {
		alice.Hand = []int64{responses[1].ID, responses[0].ID}
		alice.Score = 2
		require.NoError(t, repo.UpdatePlayer(ctx, alice))

		players, err := repo.Players(ctx, room.ID)
		require.NoError(t, err)
		assert.Equal(t, alice.Hand, players[1].Hand)
		assert.Equal(t, 2, players[1].Score)

		cards, err := repo.CardsByID(ctx, Responses, []int64{responses[1].ID, responses[0].ID, responses[0].ID + 100000})
		require.NoError(t, err)
		require.Len(t, cards, 2)
		assert.Equal(t, responses[1].ID, cards[0].ID, "hand order is kept")
		assert.Equal(t, responses[0].ID, cards[1].ID)

		cards, err = repo.CardsByID(ctx, Prompts, []int64{responses[0].ID})
		require.NoError(t, err)
		assert.Empty(t, cards)
	})

	t.Run("Submissions", func(t *testing.T) {
		sub := &Submission{RoomID: room.ID, Round: 1, PlayerID: alice.ID, CardID: responses[1].ID}
		require.NoError(t, repo.AddSubmission(ctx, sub))
		require.NotZero(t, sub.ID)

		assert.ErrorIs(t, repo.AddSubmission(ctx, &Submission{RoomID: room.ID, Round: 1, PlayerID: alice.ID, CardID: responses[0].ID}), ErrDuplicate)

		views, err := repo.Submissions(ctx, room.ID, 1)
		require.NoError(t, err)
		require.Len(t, views, 1)
		assert.Equal(t, "alice", views[0].Player.Identity)
		assert.Equal(t, "r2", views[0].Card.Text)
		assert.False(t, views[0].Winner)

		require.NoError(t, repo.MarkWinner(ctx, sub.ID))
		views, err = repo.Submissions(ctx, room.ID, 1)
		require.NoError(t, err)
		assert.True(t, views[0].Winner)

		assert.ErrorIs(t, repo.MarkWinner(ctx, sub.ID+100000), ErrNotFound)

		views, err = repo.Submissions(ctx, room.ID, 2)
		require.NoError(t, err)
		assert.Empty(t, views)
	})

	t.Run("GameState", func(t *testing.T) {
		gs, err := LoadGameState(ctx, repo, room.ID)
		require.NoError(t, err)

		require.NotNil(t, gs.CurrentJudge)
		assert.Equal(t, "host", gs.CurrentJudge.Identity)
		require.NotNil(t, gs.Prompt)
		assert.Equal(t, "first", gs.Prompt.Text)
		assert.True(t, gs.Judged())
		assert.True(t, gs.Submitted(alice.ID))
		assert.False(t, gs.Submitted(host.ID))
		assert.NotNil(t, gs.Player("alice"))
		assert.Nil(t, gs.Player("nobody"))

		_, err = LoadGameState(ctx, repo, room.ID+100000)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Connected", func(t *testing.T) {
		require.NoError(t, repo.SetConnected(ctx, "alice", false))

		players, err := repo.Players(ctx, room.ID)
		require.NoError(t, err)
		assert.True(t, players[0].Connected)
		assert.False(t, players[1].Connected)
	})

	t.Run("IdleRooms", func(t *testing.T) {
		ids, err := repo.IdleRooms(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.NotContains(t, ids, room.ID)

		ids, err = repo.IdleRooms(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Contains(t, ids, room.ID)
	})

	t.Run("Remove", func(t *testing.T) {
		require.NoError(t, repo.RemovePlayer(ctx, room.ID, "alice"))
		assert.ErrorIs(t, repo.RemovePlayer(ctx, room.ID, "alice"), ErrNotFound)

		require.NoError(t, repo.DeleteRoom(ctx, room.ID))
		assert.ErrorIs(t, repo.DeleteRoom(ctx, room.ID), ErrNotFound)

		_, err := repo.Room(ctx, room.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		players, err := repo.Players(ctx, room.ID)
		require.NoError(t, err)
		assert.Empty(t, players)
	})
}

func TestMemoryRepository(t *testing.T) {
	testRepository(t, NewMemory())
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()

	room := &Room{Code: "COPY01", Host: "host", State: StateWaiting}
	require.NoError(t, repo.CreateRoom(ctx, room))

	p := &Player{RoomID: room.ID, Identity: "host", Hand: []int64{1, 2, 3}}
	require.NoError(t, repo.AddPlayer(ctx, p))

	players, err := repo.Players(ctx, room.ID)
	require.NoError(t, err)
	players[0].Hand[0] = 99
	p.Hand[1] = 99

	players, err = repo.Players(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, players[0].Hand)
}

func TestMemoryTouchesRoomOnActivity(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()

	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return clock }

	room := &Room{Code: "IDLE01", Host: "host", State: StateWaiting}
	require.NoError(t, repo.CreateRoom(ctx, room))

	clock = clock.Add(time.Hour)
	require.NoError(t, repo.AddPlayer(ctx, &Player{RoomID: room.ID, Identity: "host"}))

	ids, err := repo.IdleRooms(ctx, clock.Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = repo.IdleRooms(ctx, clock.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []int64{room.ID}, ids)
}

/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	id                  BIGSERIAL PRIMARY KEY,
	code                VARCHAR(6) NOT NULL UNIQUE,
	host_id             TEXT NOT NULL,
	max_players         INTEGER NOT NULL DEFAULT 8,
	target_score        INTEGER NOT NULL DEFAULT 7,
	current_round       INTEGER NOT NULL DEFAULT 1,
	current_judge_index INTEGER NOT NULL DEFAULT 0,
	current_prompt_id   BIGINT NOT NULL DEFAULT 0,
	dealt_prompt_ids    BIGINT[] NOT NULL DEFAULT '{}',
	dealt_response_ids  BIGINT[] NOT NULL DEFAULT '{}',
	game_state          TEXT NOT NULL DEFAULT 'waiting',
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS players (
	id           BIGSERIAL PRIMARY KEY,
	room_id      BIGINT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	user_id      TEXT NOT NULL,
	name         TEXT NOT NULL DEFAULT '',
	join_order   INTEGER NOT NULL,
	score        INTEGER NOT NULL DEFAULT 0 CHECK (score >= 0),
	hand         BIGINT[] NOT NULL DEFAULT '{}',
	is_connected BOOLEAN NOT NULL DEFAULT true,
	joined_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (room_id, user_id)
);

CREATE TABLE IF NOT EXISTS cards (
	id   BIGSERIAL PRIMARY KEY,
	kind TEXT NOT NULL,
	text TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS submissions (
	id        BIGSERIAL PRIMARY KEY,
	room_id   BIGINT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	round     INTEGER NOT NULL,
	player_id BIGINT NOT NULL REFERENCES players(id) ON DELETE CASCADE,
	card_id   BIGINT NOT NULL REFERENCES cards(id),
	is_winner BOOLEAN NOT NULL DEFAULT false,
	UNIQUE (room_id, round, player_id)
);

CREATE INDEX IF NOT EXISTS rooms_updated_at_idx ON rooms (updated_at);
`

const uniqueViolation = "23505"

// Postgres is a Repository backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &Postgres{pool: pool}, nil
}

// Migrate creates any missing tables.
func (pg *Postgres) Migrate(ctx context.Context) error {
	_, err := pg.pool.Exec(ctx, schema)
	return err
}

func (pg *Postgres) Close() {
	pg.pool.Close()
}

func translate(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicate
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return fmt.Errorf("postgres: %w", err)
}

func affected(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const roomColumns = `id, code, host_id, max_players, target_score, current_round,
	current_judge_index, current_prompt_id, dealt_prompt_ids, dealt_response_ids,
	game_state, created_at, updated_at`

func scanRoom(row pgx.Row) (*Room, error) {
	var r Room
	err := row.Scan(&r.ID, &r.Code, &r.Host, &r.MaxPlayers, &r.TargetScore, &r.Round,
		&r.JudgeIndex, &r.PromptID, &r.DealtPrompts, &r.DealtResponses,
		&r.State, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, translate(err)
	}
	return &r, nil
}

func (pg *Postgres) CreateRoom(ctx context.Context, room *Room) error {
	row := pg.pool.QueryRow(ctx, `
		INSERT INTO rooms (code, host_id, max_players, target_score, current_round,
			current_judge_index, current_prompt_id, game_state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`,
		room.Code, room.Host, room.MaxPlayers, room.TargetScore, room.Round,
		room.JudgeIndex, room.PromptID, room.State)

	return translate(row.Scan(&room.ID, &room.CreatedAt, &room.UpdatedAt))
}

func (pg *Postgres) Room(ctx context.Context, id int64) (*Room, error) {
	return scanRoom(pg.pool.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, id))
}

func (pg *Postgres) RoomByCode(ctx context.Context, code string) (*Room, error) {
	return scanRoom(pg.pool.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE code = $1`, code))
}

func (pg *Postgres) UpdateRoom(ctx context.Context, room *Room) error {
	row := pg.pool.QueryRow(ctx, `
		UPDATE rooms SET host_id = $2, max_players = $3, target_score = $4,
			current_round = $5, current_judge_index = $6, current_prompt_id = $7,
			game_state = $8, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`,
		room.ID, room.Host, room.MaxPlayers, room.TargetScore,
		room.Round, room.JudgeIndex, room.PromptID, room.State)

	return translate(row.Scan(&room.UpdatedAt))
}

func (pg *Postgres) DeleteRoom(ctx context.Context, id int64) error {
	return affected(pg.pool.Exec(ctx, `DELETE FROM rooms WHERE id = $1`, id))
}

func (pg *Postgres) IdleRooms(ctx context.Context, before time.Time) ([]int64, error) {
	rows, err := pg.pool.Query(ctx, `SELECT id FROM rooms WHERE updated_at < $1 ORDER BY id`, before)
	if err != nil {
		return nil, translate(err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	return ids, translate(err)
}

func (pg *Postgres) touch(ctx context.Context, roomID int64) error {
	_, err := pg.pool.Exec(ctx, `UPDATE rooms SET updated_at = now() WHERE id = $1`, roomID)
	return translate(err)
}

func (pg *Postgres) AddPlayer(ctx context.Context, player *Player) error {
	hand := player.Hand
	if hand == nil {
		hand = []int64{}
	}

	row := pg.pool.QueryRow(ctx, `
		INSERT INTO players (room_id, user_id, name, join_order, score, hand, is_connected)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, joined_at`,
		player.RoomID, player.Identity, player.Name, player.JoinOrder,
		player.Score, hand, player.Connected)

	if err := row.Scan(&player.ID, &player.JoinedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrNotFound
		}
		return translate(err)
	}

	return pg.touch(ctx, player.RoomID)
}

func (pg *Postgres) UpdatePlayer(ctx context.Context, player *Player) error {
	hand := player.Hand
	if hand == nil {
		hand = []int64{}
	}

	return affected(pg.pool.Exec(ctx, `
		UPDATE players SET name = $2, join_order = $3, score = $4, hand = $5, is_connected = $6
		WHERE id = $1`,
		player.ID, player.Name, player.JoinOrder, player.Score, hand, player.Connected))
}

func (pg *Postgres) RemovePlayer(ctx context.Context, roomID int64, identity string) error {
	err := affected(pg.pool.Exec(ctx, `DELETE FROM players WHERE room_id = $1 AND user_id = $2`, roomID, identity))
	if err != nil {
		return err
	}
	return pg.touch(ctx, roomID)
}

const playerColumns = `p.id, p.room_id, p.user_id, p.name, p.join_order, p.score, p.hand, p.is_connected, p.joined_at`

func scanPlayer(row pgx.Row) (Player, error) {
	var p Player
	err := row.Scan(&p.ID, &p.RoomID, &p.Identity, &p.Name, &p.JoinOrder,
		&p.Score, &p.Hand, &p.Connected, &p.JoinedAt)
	return p, err
}

func (pg *Postgres) Players(ctx context.Context, roomID int64) ([]Player, error) {
	rows, err := pg.pool.Query(ctx, `SELECT `+playerColumns+` FROM players p
		WHERE p.room_id = $1 ORDER BY p.join_order, p.id`, roomID)
	if err != nil {
		return nil, translate(err)
	}

	players, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Player, error) {
		return scanPlayer(row)
	})
	return players, translate(err)
}

func (pg *Postgres) SetConnected(ctx context.Context, identity string, connected bool) error {
	_, err := pg.pool.Exec(ctx, `UPDATE players SET is_connected = $2 WHERE user_id = $1`, identity, connected)
	return translate(err)
}

func poolColumn(kind Kind) string {
	if kind == Prompts {
		return "dealt_prompt_ids"
	}
	return "dealt_response_ids"
}

func (pg *Postgres) DealtPool(ctx context.Context, roomID int64, kind Kind) ([]int64, error) {
	var ids []int64
	err := pg.pool.QueryRow(ctx, `SELECT `+poolColumn(kind)+` FROM rooms WHERE id = $1`, roomID).Scan(&ids)
	return ids, translate(err)
}

func (pg *Postgres) SetDealtPool(ctx context.Context, roomID int64, kind Kind, ids []int64) error {
	if ids == nil {
		ids = []int64{}
	}
	return affected(pg.pool.Exec(ctx, `UPDATE rooms SET `+poolColumn(kind)+` = $2 WHERE id = $1`, roomID, ids))
}

func (pg *Postgres) AddSubmission(ctx context.Context, sub *Submission) error {
	row := pg.pool.QueryRow(ctx, `
		INSERT INTO submissions (room_id, round, player_id, card_id, is_winner)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		sub.RoomID, sub.Round, sub.PlayerID, sub.CardID, sub.Winner)

	if err := row.Scan(&sub.ID); err != nil {
		return translate(err)
	}

	return pg.touch(ctx, sub.RoomID)
}

func (pg *Postgres) Submissions(ctx context.Context, roomID int64, round int) ([]SubmissionView, error) {
	rows, err := pg.pool.Query(ctx, `
		SELECT s.id, s.room_id, s.round, s.player_id, s.card_id, s.is_winner,
			c.id, c.kind, c.text, `+playerColumns+`
		FROM submissions s
		JOIN players p ON p.id = s.player_id
		JOIN cards c ON c.id = s.card_id
		WHERE s.room_id = $1 AND s.round = $2
		ORDER BY s.id`, roomID, round)
	if err != nil {
		return nil, translate(err)
	}

	views, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SubmissionView, error) {
		var v SubmissionView
		err := row.Scan(&v.ID, &v.RoomID, &v.Round, &v.PlayerID, &v.CardID, &v.Winner,
			&v.Card.ID, &v.Card.Kind, &v.Card.Text,
			&v.Player.ID, &v.Player.RoomID, &v.Player.Identity, &v.Player.Name,
			&v.Player.JoinOrder, &v.Player.Score, &v.Player.Hand, &v.Player.Connected,
			&v.Player.JoinedAt)
		return v, err
	})
	return views, translate(err)
}

func (pg *Postgres) MarkWinner(ctx context.Context, submissionID int64) error {
	var roomID int64
	err := pg.pool.QueryRow(ctx, `UPDATE submissions SET is_winner = true WHERE id = $1 RETURNING room_id`,
		submissionID).Scan(&roomID)
	if err != nil {
		return translate(err)
	}
	return pg.touch(ctx, roomID)
}

func (pg *Postgres) SeedDeck(ctx context.Context, kind Kind, texts []string) (bool, error) {
	tx, err := pg.pool.Begin(ctx)
	if err != nil {
		return false, translate(err)
	}
	defer tx.Rollback(ctx)

	// Serialise concurrent seeders of the same deck.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, string(kind)); err != nil {
		return false, translate(err)
	}

	var count int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM cards WHERE kind = $1`, kind).Scan(&count); err != nil {
		return false, translate(err)
	}
	if count > 0 {
		return false, nil
	}

	batch := &pgx.Batch{}
	for _, text := range texts {
		batch.Queue(`INSERT INTO cards (kind, text) VALUES ($1, $2)`, kind, text)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return false, translate(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, translate(err)
	}

	return true, nil
}

func collectCards(rows pgx.Rows) ([]Card, error) {
	cards, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Card, error) {
		var c Card
		err := row.Scan(&c.ID, &c.Kind, &c.Text)
		return c, err
	})
	return cards, translate(err)
}

func (pg *Postgres) Deck(ctx context.Context, kind Kind) ([]Card, error) {
	rows, err := pg.pool.Query(ctx, `SELECT id, kind, text FROM cards WHERE kind = $1 ORDER BY id`, kind)
	if err != nil {
		return nil, translate(err)
	}
	return collectCards(rows)
}

func (pg *Postgres) CardsByID(ctx context.Context, kind Kind, ids []int64) ([]Card, error) {
	if len(ids) == 0 {
		return []Card{}, nil
	}

	rows, err := pg.pool.Query(ctx, `
		SELECT c.id, c.kind, c.text
		FROM unnest($2::bigint[]) WITH ORDINALITY AS wanted(id, pos)
		JOIN cards c ON c.id = wanted.id
		WHERE c.kind = $1
		ORDER BY wanted.pos`, kind, ids)
	if err != nil {
		return nil, translate(err)
	}
	return collectCards(rows)
}

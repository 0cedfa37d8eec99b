/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package cards deals prompt and response cards to rooms. Each room keeps
// one dealt pool per deck; a pool is cleared once it can no longer satisfy
// a draw, which reshuffles the whole deck back in.
package cards

import (
	"bufio"
	"context"
	"embed"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/Seednode/slights/internal/store"
)

//go:embed decks/*.txt
var decks embed.FS

var ErrEmptyDeck = errors.New("deck has no cards")

// Texts returns the built-in card texts of a deck.
func Texts(kind store.Kind) ([]string, error) {
	name := "decks/responses.txt"
	if kind == store.Prompts {
		name = "decks/prompts.txt"
	}

	f, err := decks.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var texts []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			texts = append(texts, line)
		}
	}

	return texts, sc.Err()
}

// EnsureSeeded loads the built-in decks into an empty repository.
func EnsureSeeded(ctx context.Context, repo store.Repository) error {
	for _, kind := range []store.Kind{store.Prompts, store.Responses} {
		texts, err := Texts(kind)
		if err != nil {
			return err
		}

		if _, err := repo.SeedDeck(ctx, kind, texts); err != nil {
			return fmt.Errorf("seed %s deck: %w", kind, err)
		}
	}

	return nil
}

// Dealer draws cards for rooms.
type Dealer struct {
	repo store.Repository
	logf func(format string, args ...any)

	mu  sync.Mutex
	rng *rand.Rand
}

type Option func(*Dealer)

// WithRand fixes the random source, mostly for tests.
func WithRand(rng *rand.Rand) Option {
	return func(d *Dealer) { d.rng = rng }
}

func WithLogf(logf func(format string, args ...any)) Option {
	return func(d *Dealer) { d.logf = logf }
}

func NewDealer(repo store.Repository, opts ...Option) *Dealer {
	d := &Dealer{
		repo: repo,
		logf: func(string, ...any) {},
		rng:  rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Draw deals up to n distinct cards of kind to the room, never returning a
// card listed in exclude. Cards already in the room's dealt pool are skipped
// unless fewer than n undealt cards remain, in which case the pool is reset
// first. Fewer than n cards come back only when the deck itself is too small.
func (d *Dealer) Draw(ctx context.Context, roomID int64, kind store.Kind, n int, exclude []int64) ([]store.Card, error) {
	if n <= 0 {
		return nil, nil
	}

	deck, err := d.repo.Deck(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("load %s deck: %w", kind, err)
	}
	if len(deck) == 0 {
		return nil, ErrEmptyDeck
	}

	dealt, err := d.repo.DealtPool(ctx, roomID, kind)
	if err != nil {
		return nil, fmt.Errorf("load %s pool: %w", kind, err)
	}

	skip := make(map[int64]struct{}, len(dealt)+len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	for _, id := range dealt {
		skip[id] = struct{}{}
	}

	candidates := filter(deck, skip)
	if len(candidates) < n {
		d.logf("GAMES: Resetting %s pool for room %d after %d cards", kind, roomID, len(dealt))

		dealt = dealt[:0]
		clear(skip)
		for _, id := range exclude {
			skip[id] = struct{}{}
		}
		candidates = filter(deck, skip)
	}

	d.mu.Lock()
	d.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	d.mu.Unlock()

	drawn := candidates[:min(n, len(candidates))]

	for _, c := range drawn {
		dealt = append(dealt, c.ID)
	}
	if err := d.repo.SetDealtPool(ctx, roomID, kind, dealt); err != nil {
		return nil, fmt.Errorf("save %s pool: %w", kind, err)
	}

	return drawn, nil
}

// DrawOne deals a single card, typically the next prompt.
func (d *Dealer) DrawOne(ctx context.Context, roomID int64, kind store.Kind) (store.Card, error) {
	drawn, err := d.Draw(ctx, roomID, kind, 1, nil)
	if err != nil {
		return store.Card{}, err
	}
	if len(drawn) == 0 {
		return store.Card{}, ErrEmptyDeck
	}
	return drawn[0], nil
}

func filter(deck []store.Card, skip map[int64]struct{}) []store.Card {
	out := make([]store.Card, 0, len(deck))
	for _, c := range deck {
		if _, ok := skip[c.ID]; !ok {
			out = append(out, c)
		}
	}
	return out
}

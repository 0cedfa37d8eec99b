/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package engine

import (
	"errors"
	"sync"
	"time"
)

var ErrSchedulerStopped = errors.New("scheduler stopped")

// Scheduler runs deferred tasks keyed by room. Scheduling a key that already
// has a pending task replaces it.
type Scheduler struct {
	mu    sync.Mutex
	tasks map[int64]*time.Timer
	// seq holds the generation of each key's pending task. Generations come
	// from one counter, so a key scheduled again never reuses a stale one.
	seq     map[int64]uint64
	gen     uint64
	stopped bool
}

func NewScheduler() *Scheduler {
	return &Scheduler{
		tasks: make(map[int64]*time.Timer),
		seq:   make(map[int64]uint64),
	}
}

func (s *Scheduler) Schedule(key int64, delay time.Duration, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrSchedulerStopped
	}

	if t, ok := s.tasks[key]; ok {
		t.Stop()
	}

	s.gen++
	gen := s.gen
	s.seq[key] = gen

	s.tasks[key] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.seq[key] != gen || s.stopped {
			s.mu.Unlock()
			return
		}
		delete(s.tasks, key)
		delete(s.seq, key)
		s.mu.Unlock()

		fn()
	})

	return nil
}

// Cancel drops the pending task for key and reports whether there was one.
func (s *Scheduler) Cancel(key int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[key]
	if !ok {
		return false
	}
	t.Stop()
	delete(s.tasks, key)
	delete(s.seq, key)

	return true
}

func (s *Scheduler) Pending(key int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.tasks[key]
	return ok
}

// Stop cancels every pending task and refuses new ones.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for key, t := range s.tasks {
		t.Stop()
		delete(s.tasks, key)
	}
	clear(s.seq)
}

// Package sessiontimer tracks how long the active mentoring session has been
// running. State is persisted so elapsed time survives a process restart;
// anything unreadable counts as "not started".
package sessiontimer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"k8s.io/utils/clock"

	"github.com/antoniostano/finmentor/internal/kv"
)

type record struct {
	StartedAt      time.Time `json:"started_at"`
	LastObservedAt time.Time `json:"last_observed_at"`
}

// Timer is safe for concurrent use.
type Timer struct {
	mu     sync.Mutex
	store  kv.Store
	key    string
	clock  clock.PassiveClock
	loaded bool
	state  *record
}

func New(store kv.Store, key string, clk clock.PassiveClock) *Timer {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Timer{store: store, key: key, clock: clk}
}

// Start records the session start unless one is already recorded.
func (t *Timer) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loadLocked(ctx)
	if t.state != nil {
		return
	}
	now := t.clock.Now().UTC()
	t.state = &record{StartedAt: now, LastObservedAt: now}
	t.persistLocked(ctx)
}

// Tick marks the session as still running at the current time.
func (t *Timer) Tick(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loadLocked(ctx)
	if t.state == nil {
		return
	}
	now := t.clock.Now().UTC()
	if now.After(t.state.LastObservedAt) {
		t.state.LastObservedAt = now
	}
	t.persistLocked(ctx)
}

// Elapsed returns whole seconds between start and the last observation.
func (t *Timer) Elapsed(ctx context.Context) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loadLocked(ctx)
	if t.state == nil {
		return 0
	}
	d := t.state.LastObservedAt.Sub(t.state.StartedAt)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}

// Started reports whether a session start is recorded.
func (t *Timer) Started(ctx context.Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loadLocked(ctx)
	return t.state != nil
}

// Clear forgets the session, in memory and in the store.
func (t *Timer) Clear(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = nil
	t.loaded = true
	if t.store == nil {
		return
	}
	if err := t.store.Delete(ctx, t.key); err != nil {
		log.Warn().Err(err).Str("key", t.key).Msg("session timer: clear failed")
	}
}

// ExpireIdle clears a recorded session whose last observation is older than
// maxIdle and reports whether it did. A non-positive maxIdle clears any
// recorded session.
func (t *Timer) ExpireIdle(ctx context.Context, maxIdle time.Duration) bool {
	t.mu.Lock()
	t.loadLocked(ctx)
	stale := t.state != nil && (maxIdle <= 0 || t.clock.Since(t.state.LastObservedAt) > maxIdle)
	t.mu.Unlock()
	if stale {
		t.Clear(ctx)
	}
	return stale
}

func (t *Timer) loadLocked(ctx context.Context) {
	if t.loaded {
		return
	}
	t.loaded = true
	if t.store == nil {
		return
	}
	raw, err := t.store.Get(ctx, t.key)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			log.Warn().Err(err).Str("key", t.key).Msg("session timer: load failed, starting from zero")
		}
		return
	}
	var r record
	if err := json.Unmarshal(raw, &r); err != nil || r.StartedAt.IsZero() {
		log.Warn().Str("key", t.key).Msg("session timer: discarding corrupt state")
		return
	}
	if r.LastObservedAt.Before(r.StartedAt) {
		r.LastObservedAt = r.StartedAt
	}
	t.state = &r
}

func (t *Timer) persistLocked(ctx context.Context) {
	if t.store == nil || t.state == nil {
		return
	}
	raw, err := json.Marshal(t.state)
	if err != nil {
		return
	}
	if err := t.store.Set(ctx, t.key, raw); err != nil {
		log.Warn().Err(err).Str("key", t.key).Msg("session timer: persist failed")
	}
}

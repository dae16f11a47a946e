package handlers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/zhaobenny/callcost/server/internal/database"
)

// SummaryStore recomputes rollups for the given calls
type SummaryStore interface {
	UpdateSummaries(userID string, calls []database.Call) error
}

// SummaryDebouncer delays rollup updates to batch multiple ingests together
type SummaryDebouncer struct {
	store   SummaryStore
	delay   time.Duration
	mu      sync.Mutex
	pending map[string]*pendingUpdate
	wg      sync.WaitGroup
}

type pendingUpdate struct {
	generation int
	calls      []database.Call
}

// NewSummaryDebouncer creates a debouncer with the specified delay
func NewSummaryDebouncer(store SummaryStore, delay time.Duration) *SummaryDebouncer {
	return &SummaryDebouncer{
		store:   store,
		delay:   delay,
		pending: make(map[string]*pendingUpdate),
	}
}

// Schedule queues a rollup update for a user, resetting the timer if one is
// already pending
func (d *SummaryDebouncer) Schedule(userID string, calls []database.Call) {
	if len(calls) == 0 {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	p, exists := d.pending[userID]
	if !exists {
		p = &pendingUpdate{}
		d.pending[userID] = p
		d.wg.Add(1)
	}
	// Bumping the generation invalidates the older timer
	p.calls = append(p.calls, calls...)
	p.generation++
	gen := p.generation
	time.AfterFunc(d.delay, func() {
		d.flush(userID, gen)
	})
}

func (d *SummaryDebouncer) flush(userID string, generation int) {
	d.mu.Lock()
	p, exists := d.pending[userID]
	if !exists || p.generation != generation {
		// Stale timer or already flushed
		d.mu.Unlock()
		return
	}
	delete(d.pending, userID)
	d.mu.Unlock()

	d.update(userID, p.calls)
	d.wg.Done()
}

func (d *SummaryDebouncer) update(userID string, calls []database.Call) {
	if err := d.store.UpdateSummaries(userID, calls); err != nil {
		slog.Error("rollup update failed", "user_id", userID, "calls", len(calls), "error", err)
	}
}

// Flush runs every pending update now and waits for in-flight ones. Used on
// shutdown so no ingested call is left out of the rollups.
func (d *SummaryDebouncer) Flush() {
	d.mu.Lock()
	pending := d.pending
	d.pending = make(map[string]*pendingUpdate)
	d.mu.Unlock()

	for userID, p := range pending {
		d.update(userID, p.calls)
		d.wg.Done()
	}
	d.wg.Wait()
}

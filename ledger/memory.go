// Package ledger provides an in-memory Ledger. Redis and PostgreSQL
// implementations live in the ledger/redis and ledger/postgres modules.
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/ineyio/inferbatch"
)

// MemoryLedger is an in-memory Ledger with daily reset.
type MemoryLedger struct {
	mu      sync.Mutex
	models  map[string]*inferbatch.LedgerTotals
	seen    map[string]bool // request ID dedup
	resetAt time.Time
	now     func() time.Time
}

var _ inferbatch.Ledger = (*MemoryLedger)(nil)

// NewMemoryLedger creates a new in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return newMemoryLedger(time.Now)
}

func newMemoryLedger(now func() time.Time) *MemoryLedger {
	return &MemoryLedger{
		models:  make(map[string]*inferbatch.LedgerTotals),
		seen:    make(map[string]bool),
		resetAt: NextMidnightUTC(now()),
		now:     now,
	}
}

// Record adds an entry to its model's totals. Duplicate request IDs are ignored.
func (l *MemoryLedger) Record(_ context.Context, e inferbatch.LedgerEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.maybeReset()

	if e.RequestID != "" {
		if l.seen[e.RequestID] {
			return nil
		}
		l.seen[e.RequestID] = true
	}

	t, ok := l.models[e.Model]
	if !ok {
		t = &inferbatch.LedgerTotals{}
		l.models[e.Model] = t
	}
	t.Add(e)
	return nil
}

// Totals returns today's totals for a model.
func (l *MemoryLedger) Totals(_ context.Context, model string) (inferbatch.LedgerTotals, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.maybeReset()

	t, ok := l.models[model]
	if !ok {
		return inferbatch.LedgerTotals{}, nil
	}
	return *t, nil
}

// maybeReset clears all totals once the UTC day has rolled over.
// Must be called with lock held.
func (l *MemoryLedger) maybeReset() {
	now := l.now()
	if now.Before(l.resetAt) {
		return
	}
	l.models = make(map[string]*inferbatch.LedgerTotals)
	l.seen = make(map[string]bool)
	l.resetAt = NextMidnightUTC(now)
}

// NextMidnightUTC returns the start of the UTC day after now.
func NextMidnightUTC(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
}

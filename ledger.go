package inferbatch

import (
	"context"
	"time"
)

// Ledger persists the settled usage and cost of each request.
type Ledger interface {
	// Record stores one settled request. Recording the same RequestID twice
	// is a no-op.
	Record(ctx context.Context, entry LedgerEntry) error

	// Totals returns the usage recorded for a model during the current UTC day.
	Totals(ctx context.Context, model string) (LedgerTotals, error)
}

// LedgerEntry is the settled record of one request.
type LedgerEntry struct {
	RequestID       string
	Model           string
	Success         bool
	Kind            ErrorKind
	EstimatedTokens int64
	Usage           Usage
	Cost            Cost
	At              time.Time
}

// LedgerTotals aggregates ledger entries.
type LedgerTotals struct {
	Requests         int64
	Failures         int64
	EstimatedTokens  int64
	PromptTokens     int64
	CompletionTokens int64
	Cost             float64
}

// Add folds one entry into the totals.
func (t *LedgerTotals) Add(e LedgerEntry) {
	t.Requests++
	if !e.Success {
		t.Failures++
	}
	t.EstimatedTokens += e.EstimatedTokens
	t.PromptTokens += e.Usage.PromptTokens
	t.CompletionTokens += e.Usage.CompletionTokens
	t.Cost += e.Cost.Total()
}

// noopLedger discards every entry.
type noopLedger struct{}

func (l *noopLedger) Record(context.Context, LedgerEntry) error { return nil }
func (l *noopLedger) Totals(context.Context, string) (LedgerTotals, error) {
	return LedgerTotals{}, nil
}

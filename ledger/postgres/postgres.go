// Package postgres provides a PostgreSQL-backed Ledger for inferbatch.
//
// Every settled request is one row, keyed by request ID, so replays of the
// same request are ignored and totals survive restarts.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/inferbatch"
)

// Ledger is a PostgreSQL-backed inferbatch.Ledger.
type Ledger struct {
	pool        *pgxpool.Pool
	tablePrefix string
	now         func() time.Time
}

var _ inferbatch.Ledger = (*Ledger)(nil)

// Option configures Ledger.
type Option func(*Ledger)

// WithTablePrefix sets the table name prefix (default "inferbatch_").
func WithTablePrefix(prefix string) Option {
	return func(l *Ledger) { l.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed Ledger.
func New(pool *pgxpool.Pool, opts ...Option) *Ledger {
	l := &Ledger{
		pool:        pool,
		tablePrefix: "inferbatch_",
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) entriesTable() string { return l.tablePrefix + "ledger" }

// EnsureSchema creates the required table if it doesn't exist.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id BIGSERIAL PRIMARY KEY,
			request_id TEXT UNIQUE,
			model TEXT NOT NULL,
			success BOOLEAN NOT NULL,
			kind TEXT NOT NULL DEFAULT '',
			estimated_tokens BIGINT NOT NULL DEFAULT 0,
			prompt_tokens BIGINT NOT NULL DEFAULT 0,
			completion_tokens BIGINT NOT NULL DEFAULT 0,
			cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			recorded_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[1]s_model_recorded_at ON %[1]s (model, recorded_at);
	`, l.entriesTable())
	_, err := l.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("inferbatch/postgres: ensure schema: %w", err)
	}
	return nil
}

// Record inserts an entry. Entries with an already recorded RequestID are ignored.
func (l *Ledger) Record(ctx context.Context, e inferbatch.LedgerEntry) error {
	var requestID *string
	if e.RequestID != "" {
		requestID = &e.RequestID
	}
	at := e.At
	if at.IsZero() {
		at = l.now()
	}

	_, err := l.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s
			(request_id, model, success, kind, estimated_tokens, prompt_tokens, completion_tokens, cost, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (request_id) DO NOTHING`, l.entriesTable()),
		requestID, e.Model, e.Success, string(e.Kind),
		e.EstimatedTokens, e.Usage.PromptTokens, e.Usage.CompletionTokens, e.Cost.Total(),
		at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inferbatch/postgres: record: %w", err)
	}
	return nil
}

// Totals sums today's (UTC) entries for a model.
func (l *Ledger) Totals(ctx context.Context, model string) (inferbatch.LedgerTotals, error) {
	now := l.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	var t inferbatch.LedgerTotals
	err := l.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT
				COUNT(*),
				COUNT(*) FILTER (WHERE NOT success),
				COALESCE(SUM(estimated_tokens), 0)::BIGINT,
				COALESCE(SUM(prompt_tokens), 0)::BIGINT,
				COALESCE(SUM(completion_tokens), 0)::BIGINT,
				COALESCE(SUM(cost), 0)
			FROM %s WHERE model = $1 AND recorded_at >= $2`, l.entriesTable()),
		model, dayStart,
	).Scan(&t.Requests, &t.Failures, &t.EstimatedTokens, &t.PromptTokens, &t.CompletionTokens, &t.Cost)
	if err != nil {
		return inferbatch.LedgerTotals{}, fmt.Errorf("inferbatch/postgres: totals: %w", err)
	}
	return t, nil
}

// Prune removes entries older than the given age.
func (l *Ledger) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := l.now().UTC().Add(-olderThan)
	tag, err := l.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE recorded_at < $1`, l.entriesTable()),
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("inferbatch/postgres: prune: %w", err)
	}
	return tag.RowsAffected(), nil
}

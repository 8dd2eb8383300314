//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/inferbatch"
	ledgerpg "github.com/ineyio/inferbatch/ledger/postgres"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "postgres://localhost:5432/inferbatch_test?sslmode=disable"
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		t.Fatalf("postgres not available: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func newTestLedger(t *testing.T, pool *pgxpool.Pool) *ledgerpg.Ledger {
	t.Helper()
	// Use a unique prefix per test to avoid collisions.
	prefix := fmt.Sprintf("test_%s_", strings.ToLower(t.Name()))
	l := ledgerpg.New(pool, ledgerpg.WithTablePrefix(prefix))

	ctx := context.Background()
	require.NoError(t, l.EnsureSchema(ctx))
	t.Cleanup(func() {
		pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %sledger", prefix))
	})
	return l
}

func TestRecordAndTotals(t *testing.T) {
	l := newTestLedger(t, newTestPool(t))
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, inferbatch.LedgerEntry{
		RequestID:       "r1",
		Model:           "gpt-4",
		Success:         true,
		EstimatedTokens: 60,
		Usage:           inferbatch.Usage{PromptTokens: 50, CompletionTokens: 8},
		Cost:            inferbatch.Cost{Input: 0.25, Output: 0.5},
	}))
	require.NoError(t, l.Record(ctx, inferbatch.LedgerEntry{
		RequestID:       "r2",
		Model:           "gpt-4",
		Kind:            inferbatch.KindLimiter,
		EstimatedTokens: 40,
	}))
	require.NoError(t, l.Record(ctx, inferbatch.LedgerEntry{RequestID: "r3", Model: "gpt-4o", Success: true}))

	tot, err := l.Totals(ctx, "gpt-4")
	require.NoError(t, err)
	assert.Equal(t, int64(2), tot.Requests)
	assert.Equal(t, int64(1), tot.Failures)
	assert.Equal(t, int64(100), tot.EstimatedTokens)
	assert.Equal(t, int64(50), tot.PromptTokens)
	assert.Equal(t, int64(8), tot.CompletionTokens)
	assert.InDelta(t, 0.75, tot.Cost, 1e-9)
}

func TestDuplicateRequestIgnored(t *testing.T) {
	l := newTestLedger(t, newTestPool(t))
	ctx := context.Background()

	e := inferbatch.LedgerEntry{RequestID: "dup", Model: "m", Success: true}
	require.NoError(t, l.Record(ctx, e))
	require.NoError(t, l.Record(ctx, e))

	tot, err := l.Totals(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tot.Requests)
}

func TestEntriesWithoutIDAreKept(t *testing.T) {
	l := newTestLedger(t, newTestPool(t))
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, inferbatch.LedgerEntry{Model: "m", Success: true}))
	require.NoError(t, l.Record(ctx, inferbatch.LedgerEntry{Model: "m", Success: true}))

	tot, err := l.Totals(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, int64(2), tot.Requests)
}

func TestYesterdayExcludedAndPruned(t *testing.T) {
	l := newTestLedger(t, newTestPool(t))
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, inferbatch.LedgerEntry{
		RequestID: "old", Model: "m", Success: true, At: time.Now().Add(-48 * time.Hour),
	}))
	require.NoError(t, l.Record(ctx, inferbatch.LedgerEntry{RequestID: "new", Model: "m", Success: true}))

	tot, err := l.Totals(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tot.Requests)

	n, err := l.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestConcurrentRecords(t *testing.T) {
	l := newTestLedger(t, newTestPool(t))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, l.Record(ctx, inferbatch.LedgerEntry{
				RequestID: fmt.Sprintf("r%d", i),
				Model:     "m",
				Success:   true,
				Usage:     inferbatch.Usage{PromptTokens: 1},
			}))
		}(i)
	}
	wg.Wait()

	tot, err := l.Totals(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, int64(50), tot.Requests)
	assert.Equal(t, int64(50), tot.PromptTokens)
}

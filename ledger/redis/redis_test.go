//go:build integration

package redis_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/inferbatch"
	ledgerredis "github.com/ineyio/inferbatch/ledger/redis"
)

func newTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func newTestLedger(t *testing.T, client *goredis.Client) *ledgerredis.Ledger {
	t.Helper()
	// Use a unique prefix per test to avoid collisions.
	prefix := "test:" + t.Name() + ":"
	l := ledgerredis.New(client, ledgerredis.WithKeyPrefix(prefix))
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	})
	return l
}

func TestRecordAndTotals(t *testing.T) {
	l := newTestLedger(t, newTestClient(t))
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
		EstimatedTokens: 40,
		Kind:            inferbatch.KindTransport,
	}))

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
	l := newTestLedger(t, newTestClient(t))
	ctx := context.Background()

	e := inferbatch.LedgerEntry{RequestID: "dup", Model: "m", Success: true, Usage: inferbatch.Usage{PromptTokens: 3}}
	require.NoError(t, l.Record(ctx, e))
	require.NoError(t, l.Record(ctx, e))

	tot, err := l.Totals(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tot.Requests)
}

func TestUnknownModel(t *testing.T) {
	l := newTestLedger(t, newTestClient(t))

	tot, err := l.Totals(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Zero(t, tot)
}

func TestConcurrentRecords(t *testing.T) {
	l := newTestLedger(t, newTestClient(t))
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
				Usage:     inferbatch.Usage{CompletionTokens: 2},
			}))
		}(i)
	}
	wg.Wait()

	tot, err := l.Totals(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, int64(50), tot.Requests)
	assert.Equal(t, int64(100), tot.CompletionTokens)
}

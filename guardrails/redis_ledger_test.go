package guardrails_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"github.com/liamcoop/automation/guardrails"
	"github.com/liamcoop/automation/txn"
)

func newRedisLedger(t *testing.T) (*guardrails.RedisLedger, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return guardrails.NewRedisLedger(client, "automation:"), mr
}

func TestRedisLedger_PutIfAbsent(t *testing.T) {
	ledger, mr := newRedisLedger(t)
	ctx := context.Background()

	ok, err := ledger.PutIfAbsent(ctx, guardrails.NamespaceEnqueue, "evt:rule", map[string]string{"job_id": "j1"}, 0)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("automation:workflow.enqueue:evt:rule"))

	ok, err = ledger.PutIfAbsent(ctx, guardrails.NamespaceEnqueue, "evt:rule", nil, 0)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisLedger_TTL(t *testing.T) {
	ledger, mr := newRedisLedger(t)
	ctx := context.Background()

	ok, err := ledger.PutIfAbsent(ctx, guardrails.NamespaceCooldown, "k", nil, time.Second)
	assert.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(2 * time.Second)

	ok, err = ledger.PutIfAbsent(ctx, guardrails.NamespaceCooldown, "k", nil, time.Second)
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLedger_RollbackReleases(t *testing.T) {
	ledger, mr := newRedisLedger(t)
	boom := errors.New("boom")

	err := txn.NewMemory().InTx(context.Background(), func(ctx context.Context) error {
		ok, err := ledger.PutIfAbsent(ctx, guardrails.NamespaceCooldown, "k", nil, 0)
		assert.NoError(t, err)
		assert.True(t, ok)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("automation:workflow.cooldown:k"))
}

func TestRedisLedger_Unavailable(t *testing.T) {
	ledger, mr := newRedisLedger(t)
	mr.Close()

	_, err := ledger.PutIfAbsent(context.Background(), guardrails.NamespaceEnqueue, "k", nil, 0)
	assert.Error(t, err)
}

package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/automation/txn"
)

func queuedJob(id string) *Job {
	return &Job{ID: id, Type: TypeWorkflowExecution, Status: StatusQueued, Params: Params{RuleID: "r1", EventID: "e1"}}
}

func TestMemoryStore_ClaimIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, queuedJob("j1")))

	won, err := s.Claim(ctx, "j1", time.Now())
	require.NoError(t, err)
	assert.True(t, won)

	won, err = s.Claim(ctx, "j1", time.Now())
	require.NoError(t, err)
	assert.False(t, won)

	_, err = s.Claim(ctx, "missing", time.Now())
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, queuedJob("j1")))

	got, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	got.Status = StatusFailed

	again, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, again.Status)
}

func TestMemoryStore_RollbackUndoesChanges(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, queuedJob("j1")))

	boom := errors.New("boom")
	err := txn.NewMemory().InTx(ctx, func(ctx context.Context) error {
		require.NoError(t, s.Create(ctx, queuedJob("j2")))
		require.NoError(t, s.Finish(ctx, "j1", StatusSucceeded, &Result{Matched: true}, time.Now()))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.Get(ctx, "j2")
	assert.ErrorIs(t, err, ErrJobNotFound)
	j1, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, j1.Status)
	assert.Nil(t, j1.Result)
}

func TestMemoryStore_ListByStatusOldestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"c", "a", "b"} {
		job := queuedJob(id)
		job.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.Create(ctx, job))
	}

	got, err := s.ListByStatus(ctx, StatusQueued, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "a", got[1].ID)
}

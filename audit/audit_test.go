package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/automation/txn"
)

func TestMemoryRecorder_FiltersByAction(t *testing.T) {
	r := NewMemoryRecorder()
	ctx := context.Background()
	require.NoError(t, r.Record(ctx, Entry{Action: ActionEnqueued, ResourceType: "lead", ResourceID: "l1"}))
	require.NoError(t, r.Record(ctx, Entry{Action: ActionExecuted, ResourceType: "lead", ResourceID: "l1"}))
	require.NoError(t, r.Record(ctx, Entry{Action: ActionBlocked, ResourceType: "lead", ResourceID: "l1"}))

	assert.Len(t, r.Entries(), 3)
	got := r.Entries(ActionExecuted, ActionBlocked)
	require.Len(t, got, 2)
	assert.Equal(t, ActionExecuted, got[0].Action)
	assert.False(t, got[0].CreatedAt.IsZero())
}

func TestMemoryRecorder_RollbackDropsEntries(t *testing.T) {
	r := NewMemoryRecorder()
	require.NoError(t, r.Record(context.Background(), Entry{Action: ActionEnqueued}))
	boom := errors.New("boom")

	err := txn.NewMemory().InTx(context.Background(), func(ctx context.Context) error {
		require.NoError(t, r.Record(ctx, Entry{Action: ActionExecuted}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	entries := r.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, ActionEnqueued, entries[0].Action)
}

//go:build integration

package audit_test

import (
	"context"
	"testing"

	"github.com/liamcoop/automation/audit"
	"github.com/liamcoop/automation/internal/testpg"
)

func TestPostgresRecorder_RecordAndList(t *testing.T) {
	ctx := context.Background()
	db := testpg.Start(t)
	tenantID := testpg.CreateTenant(t, db, "acme")
	recorder := audit.NewPostgresRecorder(db, tenantID)

	err := recorder.Record(ctx, audit.Entry{
		Actor:         "user-1",
		ResourceType:  "lead",
		ResourceID:    "l1",
		Action:        audit.ActionExecuted,
		Before:        map[string]any{"status": "running"},
		After:         map[string]any{"status": "succeeded"},
		Metadata:      map[string]any{"job_id": "j1"},
		CorrelationID: "corr-1",
	})
	if err != nil {
		t.Fatalf("Record() failed: %v", err)
	}
	if err := recorder.Record(ctx, audit.Entry{ResourceType: "lead", ResourceID: "l2", Action: audit.ActionBlocked}); err != nil {
		t.Fatalf("Record() failed: %v", err)
	}

	entries, err := recorder.List(ctx, "lead", "l1")
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("List() = %d entries, want 1", len(entries))
	}
	got := entries[0]
	if got.Action != audit.ActionExecuted || got.CorrelationID != "corr-1" || got.Actor != "user-1" {
		t.Errorf("entry = %+v", got)
	}
	after, ok := got.After.(map[string]any)
	if !ok || after["status"] != "succeeded" {
		t.Errorf("After = %#v", got.After)
	}
	if got.Metadata["job_id"] != "j1" {
		t.Errorf("Metadata = %#v", got.Metadata)
	}

	other := audit.NewPostgresRecorder(db, testpg.CreateTenant(t, db, "other"))
	entries, err = other.List(ctx, "lead", "l1")
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("other tenant sees %d entries, want 0", len(entries))
	}
}

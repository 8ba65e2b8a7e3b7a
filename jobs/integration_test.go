//go:build integration

package jobs_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/liamcoop/automation/actions"
	"github.com/liamcoop/automation/guardrails"
	"github.com/liamcoop/automation/internal/testpg"
	"github.com/liamcoop/automation/jobs"
	"github.com/liamcoop/automation/rules"
	"github.com/liamcoop/automation/txn"
)

func TestPostgresStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	db := testpg.Start(t)
	tenantID := testpg.CreateTenant(t, db, "acme")
	store := jobs.NewPostgresStore(db, tenantID)

	job := &jobs.Job{
		ID:     "job-1",
		Type:   jobs.TypeWorkflowExecution,
		Status: jobs.StatusQueued,
		Params: jobs.Params{
			RuleID:     "rule-1",
			EntityType: "lead",
			EntityID:   "lead-1",
			EventID:    "event-1",
			EventType:  "lead.updated",
			Depth:      1,
		},
		CorrelationID: "corr-1",
	}
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	queued, err := store.ListByStatus(ctx, jobs.StatusQueued, 10)
	if err != nil {
		t.Fatalf("ListByStatus() failed: %v", err)
	}
	if len(queued) != 1 || queued[0].Params.Depth != 1 {
		t.Fatalf("ListByStatus() = %+v, want job-1 at depth 1", queued)
	}

	won, err := store.Claim(ctx, job.ID, time.Now())
	if err != nil {
		t.Fatalf("Claim() failed: %v", err)
	}
	if !won {
		t.Fatal("Claim() = false, want true")
	}
	won, err = store.Claim(ctx, job.ID, time.Now())
	if err != nil {
		t.Fatalf("second Claim() failed: %v", err)
	}
	if won {
		t.Error("second Claim() = true, want false")
	}

	result := &jobs.Result{
		RuleID:               "rule-1",
		EventID:              "event-1",
		Matched:              true,
		ActionsExecutedCount: 1,
		MutationSummary: []actions.Plan{
			{Type: rules.ActionSetField, Path: "status", Before: "New", After: "Qualified"},
		},
	}
	if err := store.Finish(ctx, job.ID, jobs.StatusSucceeded, result, time.Now()); err != nil {
		t.Fatalf("Finish() failed: %v", err)
	}

	got, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Status != jobs.StatusSucceeded || got.StartedAt == nil || got.FinishedAt == nil {
		t.Errorf("Get() = %+v, want succeeded with timestamps", got)
	}
	if got.Result == nil || len(got.Result.MutationSummary) != 1 || got.Result.MutationSummary[0].After != "Qualified" {
		t.Errorf("Result = %+v", got.Result)
	}

	other := jobs.NewPostgresStore(db, testpg.CreateTenant(t, db, "other"))
	if _, err := other.Get(ctx, job.ID); !errors.Is(err, jobs.ErrJobNotFound) {
		t.Errorf("other tenant Get() error = %v, want ErrJobNotFound", err)
	}
}

func TestPostgresStore_LimitResultRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := testpg.Start(t)
	store := jobs.NewPostgresStore(db, testpg.CreateTenant(t, db, "acme"))

	job := &jobs.Job{ID: "job-2", Type: jobs.TypeWorkflowExecution, Status: jobs.StatusQueued, Params: jobs.Params{RuleID: "r"}}
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	result := &jobs.Result{
		Code:           guardrails.CodeLimitExceeded,
		Reason:         guardrails.ReasonMaxActions,
		ExecutedCounts: &guardrails.Counts{Actions: 2, SetField: 1},
		PartialPlan: []actions.Plan{
			{Type: rules.ActionNotify, WouldCreate: map[string]any{"kind": "notification"}},
		},
	}
	if err := store.Finish(ctx, job.ID, jobs.StatusFailed, result, time.Now()); err != nil {
		t.Fatalf("Finish() failed: %v", err)
	}

	got, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Result.ExecutedCounts == nil || got.Result.ExecutedCounts.Actions != 2 {
		t.Errorf("ExecutedCounts = %+v, want 2 actions", got.Result.ExecutedCounts)
	}
	if len(got.Result.PartialPlan) != 1 || got.Result.PartialPlan[0].WouldCreate["kind"] != "notification" {
		t.Errorf("PartialPlan = %+v", got.Result.PartialPlan)
	}
}

func TestPostgresStore_CreateRollsBackWithUnitOfWork(t *testing.T) {
	ctx := context.Background()
	db := testpg.Start(t)
	store := jobs.NewPostgresStore(db, testpg.CreateTenant(t, db, "acme"))

	boom := errors.New("boom")
	err := txn.NewSQL(db).InTx(ctx, func(ctx context.Context) error {
		job := &jobs.Job{ID: "job-3", Type: jobs.TypeWorkflowExecution, Status: jobs.StatusQueued}
		if err := store.Create(ctx, job); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx() error = %v, want boom", err)
	}
	if _, err := store.Get(ctx, "job-3"); !errors.Is(err, jobs.ErrJobNotFound) {
		t.Errorf("Get() error = %v, want ErrJobNotFound", err)
	}
}

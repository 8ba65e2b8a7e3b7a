package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/automation/actions"
	"github.com/liamcoop/automation/audit"
	"github.com/liamcoop/automation/authz"
	"github.com/liamcoop/automation/config"
	"github.com/liamcoop/automation/entities"
	"github.com/liamcoop/automation/events"
	"github.com/liamcoop/automation/fields"
	"github.com/liamcoop/automation/guardrails"
	"github.com/liamcoop/automation/ports"
	"github.com/liamcoop/automation/rules"
	"github.com/liamcoop/automation/txn"
)

const ownerID = "6f1c2f8e-0d7a-4b55-9a3e-1d2c3b4a5f60"

var leadRef = events.EntityRef{Type: "lead", ID: "lead-1"}

type harness struct {
	jobs      *MemoryStore
	entities  *entities.MemoryStore
	catalog   *rules.Catalog
	audit     *audit.MemoryRecorder
	published []events.Envelope
	runner    *Runner
}

func newHarness(t *testing.T, settings config.Settings) *harness {
	t.Helper()
	h := &harness{
		jobs:     NewMemoryStore(),
		entities: entities.NewMemoryStore(),
		audit:    audit.NewMemoryRecorder(),
	}
	registry := fields.MustRegistry(fields.DefaultSchema())
	h.catalog = rules.NewCatalog(rules.NewInMemoryRuleStore(), rules.NewValidator(registry, events.DefaultTriggers()), nil)
	h.entities.Upsert(ports.Snapshot{
		Ref:           leadRef,
		LegalEntityID: "le-1",
		Attributes:    map[string]any{"status": "New", "owner_id": ownerID},
	})

	authorizer, err := authz.NewFromPolicies(authz.DefaultPolicy, nil, authz.ModeEnforce, nil)
	require.NoError(t, err)
	executor := actions.NewExecutor(actions.Deps{
		Registry:      registry,
		Entities:      h.entities,
		CustomFields:  h.entities,
		Visibility:    h.entities,
		Authorizer:    authorizer,
		Activities:    h.entities,
		Notifications: h.entities,
		Publisher: events.PublisherFunc(func(_ context.Context, env events.Envelope) error {
			h.published = append(h.published, env)
			return nil
		}),
	})
	h.runner = NewRunner(RunnerDeps{
		Store:      h.jobs,
		Rules:      h.catalog,
		Snapshots:  h.entities,
		Executor:   executor,
		Ledger:     guardrails.NewMemoryLedger(),
		Audit:      h.audit,
		Settings:   config.StaticSettings(settings),
		Transactor: txn.NewMemory(),
	})
	return h
}

func (h *harness) addRule(t *testing.T, src string) *rules.Rule {
	t.Helper()
	r, err := rules.ParseRule([]byte(src))
	require.NoError(t, err)
	require.NoError(t, h.catalog.AddRule(context.Background(), r))
	return r
}

func (h *harness) enqueue(t *testing.T, ruleID string, depth int) *Job {
	t.Helper()
	job := &Job{
		ID:     uuid.NewString(),
		Type:   TypeWorkflowExecution,
		Status: StatusQueued,
		Params: Params{
			RuleID:     ruleID,
			EntityType: leadRef.Type,
			EntityID:   leadRef.ID,
			EventID:    uuid.NewString(),
			EventType:  "lead.updated",
			Depth:      depth,
			Scope:      "le-1",
		},
		CorrelationID: "corr-1",
	}
	require.NoError(t, h.jobs.Create(context.Background(), job))
	return job
}

func (h *harness) status(t *testing.T) any {
	t.Helper()
	snap, err := h.entities.Load(context.Background(), leadRef.Type, leadRef.ID)
	require.NoError(t, err)
	return snap.Attributes["status"]
}

const qualifyRule = `{
	"name": "Qualify",
	"trigger_event": "lead.updated",
	"condition": {"path": "status", "op": "eq", "value": "New"},
	"actions": [{"type": "set_field", "path": "status", "value": "Qualified"}]
}`

func TestRun_Succeeds(t *testing.T) {
	h := newHarness(t, config.DefaultSettings())
	rule := h.addRule(t, qualifyRule)
	job := h.enqueue(t, rule.ID, 0)

	got, err := h.runner.Run(context.Background(), job.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusSucceeded, got.Status)
	require.NotNil(t, got.Result)
	assert.True(t, got.Result.Matched)
	assert.Equal(t, 1, got.Result.ActionsExecutedCount)
	assert.Equal(t, rule.ID, got.Result.RuleID)
	assert.Equal(t, job.Params.EventID, got.Result.EventID)
	require.Len(t, got.Result.MutationSummary, 1)
	assert.Equal(t, "New", got.Result.MutationSummary[0].Before)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.FinishedAt)

	assert.Equal(t, "Qualified", h.status(t))
	executed := h.audit.Entries(audit.ActionExecuted)
	require.Len(t, executed, 1)
	assert.Equal(t, "corr-1", executed[0].CorrelationID)

	require.Len(t, h.published, 1)
	assert.Equal(t, 1, h.published[0].Meta.WorkflowDepth)
	assert.Equal(t, "corr-1", h.published[0].CorrelationID)
}

func TestRun_TerminalRerunIsARead(t *testing.T) {
	h := newHarness(t, config.DefaultSettings())
	rule := h.addRule(t, qualifyRule)
	job := h.enqueue(t, rule.ID, 0)

	first, err := h.runner.Run(context.Background(), job.ID)
	require.NoError(t, err)
	second, err := h.runner.Run(context.Background(), job.ID)
	require.NoError(t, err)

	assert.Equal(t, first.FinishedAt, second.FinishedAt)
	assert.Len(t, h.audit.Entries(), 1)
	assert.Len(t, h.published, 1)
}

func TestRun_NotMatched(t *testing.T) {
	h := newHarness(t, config.DefaultSettings())
	rule := h.addRule(t, `{
		"trigger_event": "lead.updated",
		"condition": {"path": "status", "op": "eq", "value": "Lost"},
		"actions": [{"type": "set_field", "path": "status", "value": "Archived"}]
	}`)
	job := h.enqueue(t, rule.ID, 0)

	got, err := h.runner.Run(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status)
	assert.False(t, got.Result.Matched)
	assert.Equal(t, 0, got.Result.ActionsExecutedCount)
	assert.Equal(t, "New", h.status(t))
	assert.Len(t, h.audit.Entries(audit.ActionSkipped), 1)
	assert.Empty(t, h.audit.Entries(audit.ActionExecuted))
}

func TestRun_CooldownThrottlesSecondRun(t *testing.T) {
	h := newHarness(t, config.DefaultSettings())
	rule := h.addRule(t, `{
		"trigger_event": "lead.updated",
		"cooldown_seconds": 3600,
		"actions": [{"type": "notify", "notification_type": "lead.touched"}]
	}`)

	first, err := h.runner.Run(context.Background(), h.enqueue(t, rule.ID, 0).ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, first.Status)
	assert.False(t, first.Result.Throttled)

	second, err := h.runner.Run(context.Background(), h.enqueue(t, rule.ID, 0).ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, second.Status)
	assert.True(t, second.Result.Throttled)
	assert.False(t, second.Result.Matched)

	assert.Len(t, h.entities.Intents(), 1)
	assert.Len(t, h.audit.Entries(audit.ActionThrottled), 1)
}

func TestRun_CooldownKeepsFieldUnchanged(t *testing.T) {
	h := newHarness(t, config.DefaultSettings())
	rule := h.addRule(t, `{
		"trigger_event": "lead.updated",
		"cooldown_seconds": 3600,
		"actions": [{"type": "set_field", "path": "status", "value": "Qualified"}]
	}`)

	first, err := h.runner.Run(context.Background(), h.enqueue(t, rule.ID, 0).ID)
	require.NoError(t, err)
	assert.False(t, first.Result.Throttled)
	assert.Equal(t, "Qualified", h.status(t))

	// someone moves the lead back by hand
	h.entities.Upsert(ports.Snapshot{Ref: leadRef, LegalEntityID: "le-1", Attributes: map[string]any{"status": "New", "owner_id": ownerID}})

	second, err := h.runner.Run(context.Background(), h.enqueue(t, rule.ID, 0).ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, second.Status)
	assert.True(t, second.Result.Throttled)
	assert.Equal(t, 0, second.Result.ActionsExecutedCount)
	assert.Equal(t, "New", h.status(t))

	require.Len(t, h.published, 1)
	assert.Equal(t, "lead.updated", h.published[0].EventType)
}

func TestRun_MaxActionsRollsBack(t *testing.T) {
	settings := config.DefaultSettings()
	settings.MaxActions = 2
	h := newHarness(t, settings)
	rule := h.addRule(t, `{
		"trigger_event": "lead.updated",
		"actions": [
			{"type": "set_field", "path": "status", "value": "Working"},
			{"type": "notify", "notification_type": "a"},
			{"type": "notify", "notification_type": "b"}
		]
	}`)

	got, err := h.runner.Run(context.Background(), h.enqueue(t, rule.ID, 0).ID)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, guardrails.CodeLimitExceeded, got.Result.Code)
	assert.Equal(t, guardrails.ReasonMaxActions, got.Result.Reason)
	require.NotNil(t, got.Result.ExecutedCounts)
	assert.Equal(t, 2, got.Result.ExecutedCounts.Actions)
	assert.Equal(t, 1, got.Result.ExecutedCounts.SetField)
	assert.Len(t, got.Result.PartialPlan, 2)

	assert.Equal(t, "New", h.status(t))
	assert.Empty(t, h.entities.Intents())
	assert.Empty(t, h.published)
	assert.Len(t, h.audit.Entries(audit.ActionFailed), 1)
}

func TestRun_MaxSetFieldActions(t *testing.T) {
	settings := config.DefaultSettings()
	settings.MaxSetFieldActions = 1
	h := newHarness(t, settings)
	rule := h.addRule(t, `{
		"trigger_event": "lead.updated",
		"actions": [
			{"type": "set_field", "path": "status", "value": "Working"},
			{"type": "set_field", "path": "source", "value": "web"}
		]
	}`)

	got, err := h.runner.Run(context.Background(), h.enqueue(t, rule.ID, 0).ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, guardrails.ReasonMaxSetFieldActions, got.Result.Reason)
	assert.Equal(t, 1, got.Result.ExecutedCounts.Actions)
	assert.Equal(t, "New", h.status(t))
}

func TestRun_FailureIsRecordedAndTruncated(t *testing.T) {
	h := newHarness(t, config.DefaultSettings())
	h.runner.deps.ErrorMessageLimit = 12
	rule := h.addRule(t, qualifyRule)
	job := h.enqueue(t, rule.ID, 0)
	require.NoError(t, h.entities.Delete(leadRef))

	got, err := h.runner.Run(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "failed to lo", got.Result.Error)
	assert.Empty(t, got.Result.Code)
	assert.Len(t, h.audit.Entries(audit.ActionFailed), 1)
}

func TestRun_FailedRunDoesNotConsumeCooldown(t *testing.T) {
	h := newHarness(t, config.DefaultSettings())
	h.entities.Upsert(ports.Snapshot{Ref: leadRef, LegalEntityID: "le-1", Attributes: map[string]any{"status": "New"}})
	rule := h.addRule(t, `{
		"trigger_event": "lead.updated",
		"cooldown_seconds": 3600,
		"actions": [{"type": "notify", "notification_type": "lead.touched"}]
	}`)

	failed, err := h.runner.Run(context.Background(), h.enqueue(t, rule.ID, 0).ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Contains(t, failed.Result.Error, actions.RecipientKey)

	h.entities.Upsert(ports.Snapshot{Ref: leadRef, LegalEntityID: "le-1", Attributes: map[string]any{"status": "New", "owner_id": ownerID}})
	retried, err := h.runner.Run(context.Background(), h.enqueue(t, rule.ID, 0).ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, retried.Status)
	assert.False(t, retried.Result.Throttled)
}

func TestRun_DeletedRuleFails(t *testing.T) {
	h := newHarness(t, config.DefaultSettings())
	rule := h.addRule(t, qualifyRule)
	job := h.enqueue(t, rule.ID, 0)
	require.NoError(t, h.catalog.DeleteRule(context.Background(), rule.ID))

	got, err := h.runner.Run(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.Result.Error, "not found")
}

func TestRun_UnknownJob(t *testing.T) {
	h := newHarness(t, config.DefaultSettings())
	_, err := h.runner.Run(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestTruncate_RuneSafe(t *testing.T) {
	assert.Equal(t, "héllo", truncate("héllo wörld", 5))
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "ünï", truncate("ünïcode", 3))
}

func TestWorker_RunOnce(t *testing.T) {
	h := newHarness(t, config.DefaultSettings())
	rule := h.addRule(t, qualifyRule)
	h.enqueue(t, rule.ID, 0)
	h.enqueue(t, rule.ID, 0)

	w := NewWorker(h.jobs, h.runner, 0, 10, nil)
	ran, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, ran)

	queued, err := h.jobs.ListByStatus(context.Background(), StatusQueued, 0)
	require.NoError(t, err)
	assert.Empty(t, queued)
	done, err := h.jobs.ListByStatus(context.Background(), StatusSucceeded, 0)
	require.NoError(t, err)
	assert.Len(t, done, 2)
}

func TestWorker_FailsStaleRunningJobs(t *testing.T) {
	h := newHarness(t, config.DefaultSettings())
	rule := h.addRule(t, qualifyRule)
	ctx := context.Background()

	stale := h.enqueue(t, rule.ID, 0)
	claimed, err := h.jobs.Claim(ctx, stale.ID, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, claimed)
	inFlight := h.enqueue(t, rule.ID, 0)
	claimed, err = h.jobs.Claim(ctx, inFlight.ID, time.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	w := NewWorker(h.jobs, h.runner, 0, 10, nil).WithStaleAfter(10 * time.Minute)
	ran, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, ran)

	got, err := h.jobs.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, ErrAbandoned.Error(), got.Result.Error)
	assert.NotNil(t, got.FinishedAt)

	got, err = h.jobs.Get(ctx, inFlight.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)

	assert.Len(t, h.audit.Entries(audit.ActionFailed), 1)
	assert.Equal(t, "New", h.status(t))
}

package dispatcher

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/automation/audit"
	"github.com/liamcoop/automation/config"
	"github.com/liamcoop/automation/events"
	"github.com/liamcoop/automation/fields"
	"github.com/liamcoop/automation/guardrails"
	"github.com/liamcoop/automation/jobs"
	"github.com/liamcoop/automation/metrics"
	"github.com/liamcoop/automation/rules"
	"github.com/liamcoop/automation/txn"
)

type fixture struct {
	catalog    *rules.Catalog
	jobs       *jobs.MemoryStore
	audit      *audit.MemoryRecorder
	registry   *prometheus.Registry
	dispatcher *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		jobs:     jobs.NewMemoryStore(),
		audit:    audit.NewMemoryRecorder(),
		registry: prometheus.NewRegistry(),
	}
	registry := fields.MustRegistry(fields.DefaultSchema())
	f.catalog = rules.NewCatalog(rules.NewInMemoryRuleStore(), rules.NewValidator(registry, events.DefaultTriggers()), nil)
	f.dispatcher = New(Deps{
		Rules:      f.catalog,
		Jobs:       f.jobs,
		Ledger:     guardrails.NewMemoryLedger(),
		Audit:      f.audit,
		Settings:   config.StaticSettings(config.DefaultSettings()),
		Transactor: txn.NewMemory(),
		Metrics:    metrics.New(f.registry),
	})
	return f
}

// counter returns the value of the named counter series with the given
// label value, or zero when it was never incremented.
func (f *fixture) counter(t *testing.T, name, label string) float64 {
	t.Helper()
	families, err := f.registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetValue() == label {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func (f *fixture) addRule(t *testing.T, src string) *rules.Rule {
	t.Helper()
	r, err := rules.ParseRule([]byte(src))
	require.NoError(t, err)
	require.NoError(t, f.catalog.AddRule(context.Background(), r))
	return r
}

func leadUpdated(legalEntityID string, depth int) events.Envelope {
	return events.Envelope{
		EventID:       "evt-1",
		EventType:     "lead.updated",
		ActorUserID:   "user-1",
		LegalEntityID: legalEntityID,
		CorrelationID: "corr-1",
		Payload:       map[string]any{"entity_id": "lead-1"},
		Meta:          events.Meta{WorkflowDepth: depth},
	}
}

const globalRule = `{
	"trigger_event": "lead.updated",
	"actions": [{"type": "set_field", "path": "status", "value": "Working"}]
}`

func TestEnqueueForEvent_CreatesQueuedJob(t *testing.T) {
	f := newFixture(t)
	rule := f.addRule(t, globalRule)

	ids, err := f.dispatcher.EnqueueForEvent(context.Background(), leadUpdated("le-1", 1))
	require.NoError(t, err)
	require.Len(t, ids, 1)

	job, err := f.jobs.Get(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusQueued, job.Status)
	assert.Equal(t, jobs.TypeWorkflowExecution, job.Type)
	assert.Equal(t, jobs.Params{
		RuleID:     rule.ID,
		EntityType: "lead",
		EntityID:   "lead-1",
		EventID:    "evt-1",
		EventType:  "lead.updated",
		Depth:      1,
		Requester:  "user-1",
		Scope:      "le-1",
	}, job.Params)
	assert.Equal(t, "corr-1", job.CorrelationID)

	enqueued := f.audit.Entries(audit.ActionEnqueued)
	require.Len(t, enqueued, 1)
	assert.Equal(t, ids[0], enqueued[0].Metadata["job_id"])
	assert.Equal(t, 1.0, f.counter(t, "automation_jobs_enqueued_total", "lead.updated"))
}

func TestEnqueueForEvent_DuplicateDeliveryIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, globalRule)

	first, err := f.dispatcher.EnqueueForEvent(context.Background(), leadUpdated("le-1", 0))
	require.NoError(t, err)
	second, err := f.dispatcher.EnqueueForEvent(context.Background(), leadUpdated("le-1", 0))
	require.NoError(t, err)

	assert.Len(t, first, 1)
	assert.Empty(t, second)
	queued, err := f.jobs.ListByStatus(context.Background(), jobs.StatusQueued, 0)
	require.NoError(t, err)
	assert.Len(t, queued, 1)
	assert.Len(t, f.audit.Entries(audit.ActionEnqueued), 1)
}

func TestEnqueueForEvent_DepthGuard(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, globalRule)

	ids, err := f.dispatcher.EnqueueForEvent(context.Background(), leadUpdated("le-1", 3))
	require.NoError(t, err)
	assert.NotNil(t, ids)
	assert.Empty(t, ids)

	blocked := f.audit.Entries(audit.ActionBlocked)
	require.Len(t, blocked, 1)
	assert.Equal(t, guardrails.ReasonMaxDepth, blocked[0].Metadata["reason"])
	assert.Equal(t, "lead-1", blocked[0].ResourceID)
	assert.Equal(t, 1.0, f.counter(t, "automation_guardrail_blocks_total", guardrails.ReasonMaxDepth))

	queued, err := f.jobs.ListByStatus(context.Background(), jobs.StatusQueued, 0)
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestEnqueueForEvent_ScopeIsolation(t *testing.T) {
	f := newFixture(t)
	global := f.addRule(t, globalRule)
	scoped := f.addRule(t, `{
		"trigger_event": "lead.updated",
		"legal_entity_id": "le-1",
		"actions": [{"type": "notify", "notification_type": "lead.touched"}]
	}`)

	ids, err := f.dispatcher.EnqueueForEvent(context.Background(), leadUpdated("le-2", 0))
	require.NoError(t, err)
	require.Len(t, ids, 1)
	job, err := f.jobs.Get(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, global.ID, job.Params.RuleID)

	env := leadUpdated("le-1", 0)
	env.EventID = "evt-2"
	ids, err = f.dispatcher.EnqueueForEvent(context.Background(), env)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	var ruleIDs []string
	for _, id := range ids {
		job, err := f.jobs.Get(context.Background(), id)
		require.NoError(t, err)
		ruleIDs = append(ruleIDs, job.Params.RuleID)
	}
	assert.ElementsMatch(t, []string{global.ID, scoped.ID}, ruleIDs)
}

func TestEnqueueForEvent_InactiveRulesAreIgnored(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, `{
		"trigger_event": "lead.updated",
		"is_active": false,
		"actions": [{"type": "set_field", "path": "status", "value": "Working"}]
	}`)

	ids, err := f.dispatcher.EnqueueForEvent(context.Background(), leadUpdated("le-1", 0))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestEnqueueForEvent_IgnoresNonTriggerEvents(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, `{
		"trigger_event": "lead.updated",
		"actions": [{"type": "set_field", "path": "status", "value": "Working"}]
	}`)

	notTrigger := leadUpdated("le-1", 0)
	notTrigger.EventType = "invoice.paid"
	noEntity := leadUpdated("le-1", 0)
	noEntity.EventID = "evt-no-entity"
	noEntity.Payload = map[string]any{}

	for _, env := range []events.Envelope{notTrigger, noEntity} {
		ids, err := f.dispatcher.EnqueueForEvent(context.Background(), env)
		require.NoError(t, err, env.EventType)
		assert.NotNil(t, ids)
		assert.Empty(t, ids)
	}

	assert.Empty(t, f.audit.Entries(audit.ActionEnqueued))
	assert.Empty(t, f.audit.Entries(audit.ActionBlocked))
	queued, err := f.jobs.ListByStatus(context.Background(), jobs.StatusQueued, 0)
	require.NoError(t, err)
	assert.Empty(t, queued)
}

type failingStore struct {
	jobs.Store
	failures int
}

func (s *failingStore) Create(ctx context.Context, job *jobs.Job) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("boom")
	}
	return s.Store.Create(ctx, job)
}

func TestEnqueueForEvent_FailedCreateReleasesDedupeKey(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, globalRule)
	f.dispatcher.deps.Jobs = &failingStore{Store: f.jobs, failures: 1}

	_, err := f.dispatcher.EnqueueForEvent(context.Background(), leadUpdated("le-1", 0))
	require.Error(t, err)
	assert.Empty(t, f.audit.Entries(audit.ActionEnqueued))

	ids, err := f.dispatcher.EnqueueForEvent(context.Background(), leadUpdated("le-1", 0))
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestEnqueueForEvent_DefaultsCorrelationToEventID(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, globalRule)
	env := leadUpdated("le-1", 0)
	env.CorrelationID = ""

	ids, err := f.dispatcher.EnqueueForEvent(context.Background(), env)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	job, err := f.jobs.Get(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, "evt-1", job.CorrelationID)
}

// Package dispatcher turns allow-listed domain events into queued workflow
// jobs, one per matching rule.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/liamcoop/automation/audit"
	"github.com/liamcoop/automation/config"
	"github.com/liamcoop/automation/events"
	"github.com/liamcoop/automation/guardrails"
	"github.com/liamcoop/automation/jobs"
	"github.com/liamcoop/automation/metrics"
	"github.com/liamcoop/automation/rules"
	"github.com/liamcoop/automation/txn"
)

// RuleSource returns the active rules an event may trigger.
type RuleSource interface {
	Candidates(ctx context.Context, eventType, legalEntityID string) ([]*rules.Rule, error)
}

// Deps are the collaborators of a Dispatcher. Metrics and Logger are optional.
type Deps struct {
	Triggers   events.Triggers
	Rules      RuleSource
	Jobs       jobs.Store
	Ledger     guardrails.Ledger
	Audit      audit.Recorder
	Settings   config.SettingsProvider
	Transactor txn.Transactor
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

type Dispatcher struct {
	deps  Deps
	newID func() (string, error)
}

func New(deps Deps) *Dispatcher {
	if deps.Triggers == nil {
		deps.Triggers = events.DefaultTriggers()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Dispatcher{deps: deps, newID: newJobID}
}

func newJobID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// EnqueueForEvent creates one queued job per active rule triggered by env
// and returns the IDs of the jobs this call created. Jobs are not run.
// Delivering the same event twice creates no new jobs. Events that are not
// workflow triggers, or that name no entity, are ignored.
func (d *Dispatcher) EnqueueForEvent(ctx context.Context, env events.Envelope) ([]string, error) {
	ref, err := d.deps.Triggers.Resolve(env)
	if errors.Is(err, events.ErrEventNotAllowed) || errors.Is(err, events.ErrMissingEntityRef) {
		d.deps.Logger.DebugContext(ctx, "event ignored",
			"event_id", env.EventID,
			"event_type", env.EventType,
			"reason", err.Error(),
		)
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	if env.CorrelationID == "" {
		env.CorrelationID = env.EventID
	}
	log := d.deps.Logger.With(
		"event_id", env.EventID,
		"event_type", env.EventType,
		"correlation_id", env.CorrelationID,
	)

	depth := env.Meta.WorkflowDepth
	settings := d.deps.Settings.Settings(ctx, env.LegalEntityID)
	if guardrails.DepthExceeded(depth, settings.MaxDepth) {
		log.WarnContext(ctx, "workflow depth limit reached", "depth", depth, "max_depth", settings.MaxDepth)
		d.deps.Metrics.Blocked(guardrails.ReasonMaxDepth)
		err := d.deps.Audit.Record(ctx, audit.Entry{
			Actor:        env.ActorUserID,
			ResourceType: ref.Type,
			ResourceID:   ref.ID,
			Action:       audit.ActionBlocked,
			Metadata: map[string]any{
				"reason":     guardrails.ReasonMaxDepth,
				"event_id":   env.EventID,
				"event_type": env.EventType,
				"depth":      depth,
				"max_depth":  settings.MaxDepth,
			},
			CorrelationID: env.CorrelationID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to audit blocked event: %w", err)
		}
		return []string{}, nil
	}

	candidates, err := d.deps.Rules.Candidates(ctx, env.EventType, env.LegalEntityID)
	if err != nil {
		return nil, err
	}

	ids := []string{}
	for _, rule := range candidates {
		id, err := d.enqueue(ctx, env, ref, rule)
		if err != nil {
			return ids, fmt.Errorf("failed to enqueue rule %s: %w", rule.ID, err)
		}
		if id == "" {
			log.DebugContext(ctx, "duplicate enqueue ignored", "rule_id", rule.ID)
			continue
		}
		d.deps.Metrics.Enqueued(env.EventType)
		log.InfoContext(ctx, "workflow job enqueued", "rule_id", rule.ID, "job_id", id, "depth", depth)
		ids = append(ids, id)
	}
	return ids, nil
}

// enqueue reserves the dedupe key and creates the job in one unit of work.
// It returns an empty ID when the key was already taken.
func (d *Dispatcher) enqueue(ctx context.Context, env events.Envelope, ref events.EntityRef, rule *rules.Rule) (string, error) {
	jobID, err := d.newID()
	if err != nil {
		return "", err
	}

	var created bool
	err = d.deps.Transactor.InTx(ctx, func(ctx context.Context) error {
		key := guardrails.EnqueueKey(env.EventID, rule.ID)
		reserved, err := d.deps.Ledger.PutIfAbsent(ctx, guardrails.NamespaceEnqueue, key,
			map[string]string{"job_id": jobID, "event_type": env.EventType}, 0)
		if err != nil {
			return err
		}
		if !reserved {
			return nil
		}

		job := &jobs.Job{
			ID:     jobID,
			Type:   jobs.TypeWorkflowExecution,
			Status: jobs.StatusQueued,
			Params: jobs.Params{
				RuleID:     rule.ID,
				EntityType: ref.Type,
				EntityID:   ref.ID,
				EventID:    env.EventID,
				EventType:  env.EventType,
				Depth:      env.Meta.WorkflowDepth,
				Requester:  env.ActorUserID,
				Scope:      env.LegalEntityID,
			},
			CorrelationID: env.CorrelationID,
		}
		if err := d.deps.Jobs.Create(ctx, job); err != nil {
			return err
		}
		if err := d.deps.Audit.Record(ctx, audit.Entry{
			Actor:        env.ActorUserID,
			ResourceType: ref.Type,
			ResourceID:   ref.ID,
			Action:       audit.ActionEnqueued,
			After:        map[string]any{"status": jobs.StatusQueued},
			Metadata: map[string]any{
				"job_id":     jobID,
				"rule_id":    rule.ID,
				"event_id":   env.EventID,
				"event_type": env.EventType,
				"depth":      env.Meta.WorkflowDepth,
			},
			CorrelationID: env.CorrelationID,
		}); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil || !created {
		return "", err
	}
	return jobID, nil
}

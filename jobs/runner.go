package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/liamcoop/automation/actions"
	"github.com/liamcoop/automation/audit"
	"github.com/liamcoop/automation/config"
	"github.com/liamcoop/automation/events"
	"github.com/liamcoop/automation/guardrails"
	"github.com/liamcoop/automation/internal/logger"
	"github.com/liamcoop/automation/metrics"
	"github.com/liamcoop/automation/ports"
	"github.com/liamcoop/automation/rules"
	"github.com/liamcoop/automation/txn"
)

// DefaultErrorMessageLimit caps the error text stored on a failed job.
const DefaultErrorMessageLimit = 1000

// RuleSource looks up rules by ID, including inactive ones.
type RuleSource interface {
	GetRule(ctx context.Context, id string) (*rules.Rule, error)
}

// RunnerDeps are the collaborators of a Runner. Metrics, Tracer and Logger
// are optional.
type RunnerDeps struct {
	Store             Store
	Rules             RuleSource
	Snapshots         ports.SnapshotProvider
	Executor          *actions.Executor
	Ledger            guardrails.Ledger
	Audit             audit.Recorder
	Settings          config.SettingsProvider
	Transactor        txn.Transactor
	Metrics           *metrics.Metrics
	Tracer            trace.Tracer
	Logger            *slog.Logger
	ErrorMessageLimit int
}

// Runner executes workflow jobs. A run never returns an execution error to
// its caller: every outcome is recorded on the job.
type Runner struct {
	deps RunnerDeps
	now  func() time.Time
}

func NewRunner(deps RunnerDeps) *Runner {
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("github.com/liamcoop/automation/jobs")
	}
	if deps.Logger == nil {
		deps.Logger = logger.Logger
	}
	if deps.ErrorMessageLimit <= 0 {
		deps.ErrorMessageLimit = DefaultErrorMessageLimit
	}
	return &Runner{deps: deps, now: time.Now}
}

type outcome struct {
	status      Status
	result      *Result
	auditAction string
	metric      string
	err         error
}

// Run executes the job with the given ID. A job that is already terminal,
// or that another caller claimed first, is returned as stored.
func (r *Runner) Run(ctx context.Context, jobID string) (*Job, error) {
	job, err := r.deps.Store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, nil
	}
	start := r.now()
	claimed, err := r.deps.Store.Claim(ctx, jobID, start)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return r.deps.Store.Get(ctx, jobID)
	}

	p := job.Params
	ctx = events.WithCorrelationID(ctx, job.CorrelationID)
	ctx = events.WithActor(ctx, p.Requester)
	ctx = events.WithDepth(ctx, p.Depth+1)
	ctx = logger.WithJob(ctx, r.deps.Logger, job.ID, p.RuleID, job.CorrelationID)
	ctx, span := r.deps.Tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("rule.id", p.RuleID),
		attribute.String("entity.type", p.EntityType),
		attribute.Int("workflow.depth", p.Depth),
	))
	defer span.End()
	log := logger.FromContext(ctx, r.deps.Logger)

	out := r.execute(ctx, job)
	if out.err != nil {
		span.RecordError(out.err)
		span.SetStatus(codes.Error, out.metric)
		// The unit of work is gone; the failure is recorded on its own.
		if err := r.finish(ctx, job, out); err != nil {
			log.ErrorContext(ctx, "failed to record job failure", "error", err)
			return nil, err
		}
	}
	span.SetAttributes(attribute.String("workflow.outcome", out.metric))
	r.deps.Metrics.ObserveJob(out.metric, r.now().Sub(start))
	log.InfoContext(ctx, "workflow job finished",
		"status", out.status,
		"outcome", out.metric,
		"duration_ms", r.now().Sub(start).Milliseconds(),
	)

	return r.deps.Store.Get(ctx, jobID)
}

// execute runs the job inside one unit of work. Successful outcomes are
// finished inside it; a failed outcome is returned with err set and the
// unit rolled back.
func (r *Runner) execute(ctx context.Context, job *Job) outcome {
	p := job.Params
	result := &Result{RuleID: p.RuleID, EventID: p.EventID}

	rule, err := r.deps.Rules.GetRule(ctx, p.RuleID)
	if err != nil {
		return r.failed(result, err, nil)
	}
	settings := r.deps.Settings.Settings(ctx, p.Scope)
	budget := guardrails.NewBudget(guardrails.Ceilings{
		MaxActions:         settings.MaxActions,
		MaxSetFieldActions: settings.MaxSetFieldActions,
	})

	var (
		plans []actions.Plan
		done  outcome
	)
	err = r.deps.Transactor.InTx(ctx, func(ctx context.Context) error {
		if rule.CooldownSeconds > 0 {
			key := guardrails.CooldownKey(rule.ID, p.EntityType, p.EntityID, r.now(), rule.Cooldown())
			reserved, err := r.deps.Ledger.PutIfAbsent(ctx, guardrails.NamespaceCooldown, key,
				map[string]string{"job_id": job.ID, "event_id": p.EventID}, rule.Cooldown())
			if err != nil {
				return err
			}
			if !reserved {
				result.Throttled = true
				done = outcome{status: StatusSucceeded, result: result, auditAction: audit.ActionThrottled, metric: metrics.OutcomeThrottled}
				return r.finish(ctx, job, done)
			}
		}

		snap, err := r.deps.Snapshots.Load(ctx, p.EntityType, p.EntityID)
		if err != nil {
			return fmt.Errorf("failed to load %s %s: %w", p.EntityType, p.EntityID, err)
		}
		bundle := actions.NewBundle(snap, p.Requester)

		result.Matched = rules.Evaluate(rule.Condition, bundle.Context)
		if !result.Matched {
			done = outcome{status: StatusSucceeded, result: result, auditAction: audit.ActionSkipped, metric: metrics.OutcomeSkipped}
			return r.finish(ctx, job, done)
		}

		for i, action := range rule.Actions {
			if err := budget.Check(action.Type()); err != nil {
				return err
			}
			plan, err := r.deps.Executor.Apply(ctx, action, bundle, false)
			if err != nil {
				return fmt.Errorf("action %d (%s): %w", i, action.Type(), err)
			}
			budget.Record(action.Type())
			plans = append(plans, plan)
		}

		result.ActionsExecutedCount = len(plans)
		result.MutationSummary = plans
		done = outcome{status: StatusSucceeded, result: result, auditAction: audit.ActionExecuted, metric: metrics.OutcomeExecuted}
		return r.finish(ctx, job, done)
	})
	if err != nil {
		return r.failed(result, err, plans)
	}
	return done
}

func (r *Runner) failed(result *Result, err error, partial []actions.Plan) outcome {
	failed := &Result{RuleID: result.RuleID, EventID: result.EventID, Matched: result.Matched}

	var limit *guardrails.LimitExceededError
	if errors.As(err, &limit) {
		counts := limit.Executed
		failed.Code = limit.Code()
		failed.Reason = limit.Reason
		failed.ExecutedCounts = &counts
		failed.PartialPlan = partial
		r.deps.Metrics.Blocked(limit.Reason)
		return outcome{status: StatusFailed, result: failed, auditAction: audit.ActionFailed, metric: metrics.OutcomeLimited, err: err}
	}

	failed.Error = truncate(err.Error(), r.deps.ErrorMessageLimit)
	return outcome{status: StatusFailed, result: failed, auditAction: audit.ActionFailed, metric: metrics.OutcomeFailed, err: err}
}

// finish writes the terminal state and its audit entry.
func (r *Runner) finish(ctx context.Context, job *Job, out outcome) error {
	if err := r.deps.Store.Finish(ctx, job.ID, out.status, out.result, r.now()); err != nil {
		return err
	}
	p := job.Params
	return r.deps.Audit.Record(ctx, audit.Entry{
		Actor:        p.Requester,
		ResourceType: p.EntityType,
		ResourceID:   p.EntityID,
		Action:       out.auditAction,
		Before:       map[string]any{"status": StatusRunning},
		After:        map[string]any{"status": out.status, "result": out.result},
		Metadata: map[string]any{
			"job_id":     job.ID,
			"rule_id":    p.RuleID,
			"event_id":   p.EventID,
			"event_type": p.EventType,
			"depth":      p.Depth,
		},
		CorrelationID: job.CorrelationID,
	})
}

// FailStale fails up to limit running jobs whose start is older than
// staleAfter. A job is claimed before its unit of work opens, so a process
// that dies mid-run leaves it running with nothing to finish it.
func (r *Runner) FailStale(ctx context.Context, staleAfter time.Duration, limit int) (int, error) {
	running, err := r.deps.Store.ListByStatus(ctx, StatusRunning, limit)
	if err != nil {
		return 0, err
	}
	cutoff := r.now().Add(-staleAfter)
	failed := 0
	for _, job := range running {
		if job.StartedAt == nil || job.StartedAt.After(cutoff) {
			continue
		}
		p := job.Params
		out := outcome{
			status:      StatusFailed,
			result:      &Result{RuleID: p.RuleID, EventID: p.EventID, Error: ErrAbandoned.Error()},
			auditAction: audit.ActionFailed,
			metric:      metrics.OutcomeFailed,
		}
		reaped := false
		err := r.deps.Transactor.InTx(ctx, func(ctx context.Context) error {
			current, err := r.deps.Store.Get(ctx, job.ID)
			if err != nil {
				return err
			}
			if current.Status != StatusRunning {
				return nil
			}
			reaped = true
			return r.finish(ctx, job, out)
		})
		if err != nil {
			return failed, fmt.Errorf("job %s: %w", job.ID, err)
		}
		if !reaped {
			continue
		}
		failed++
		r.deps.Metrics.ObserveJob(out.metric, r.now().Sub(*job.StartedAt))
		r.deps.Logger.WarnContext(ctx, "failed stale running job",
			"job_id", job.ID,
			"rule_id", p.RuleID,
			"started_at", job.StartedAt,
		)
	}
	return failed, nil
}

// truncate cuts s to at most limit runes.
func truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}

// Package automation assembles the workflow engine of one tenant: the rule
// catalog, the dispatcher, the job runner and the in-process bus that feeds
// follow-up events back into the dispatcher.
package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/liamcoop/automation/actions"
	"github.com/liamcoop/automation/audit"
	"github.com/liamcoop/automation/authz"
	"github.com/liamcoop/automation/config"
	"github.com/liamcoop/automation/dispatcher"
	"github.com/liamcoop/automation/events"
	"github.com/liamcoop/automation/fields"
	"github.com/liamcoop/automation/guardrails"
	"github.com/liamcoop/automation/jobs"
	"github.com/liamcoop/automation/metrics"
	"github.com/liamcoop/automation/ports"
	"github.com/liamcoop/automation/rules"
	"github.com/liamcoop/automation/txn"
)

// EntityBackend is everything the engine reads and writes business entities
// through.
type EntityBackend interface {
	ports.SnapshotProvider
	ports.VisibilityChecker
	ports.EntityWriter
	ports.CustomFieldStore
	ports.ActivityWriter
	ports.NotificationWriter
}

// Deps configure an Engine. Entities is required; every other field falls
// back to an in-memory or built-in default.
type Deps struct {
	Entities   EntityBackend
	Registry   *fields.Registry
	Triggers   events.Triggers
	Rules      rules.RuleStore
	Jobs       jobs.Store
	Ledger     guardrails.Ledger
	Audit      audit.Recorder
	Settings   config.SettingsProvider
	Transactor txn.Transactor
	Authorizer ports.FieldWriteAuthorizer
	Metrics    *metrics.Metrics
	Logger     *slog.Logger

	ErrorMessageLimit int
}

type Engine struct {
	catalog    *rules.Catalog
	dispatcher *dispatcher.Dispatcher
	runner     *jobs.Runner
	executor   *actions.Executor
	jobs       jobs.Store
	entities   EntityBackend
	settings   config.SettingsProvider
	bus        *events.MemoryBus
	logger     *slog.Logger
}

func New(deps Deps) (*Engine, error) {
	if deps.Entities == nil {
		return nil, errors.New("automation: an entity backend is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Registry == nil {
		deps.Registry = fields.MustRegistry(fields.DefaultSchema())
	}
	if deps.Triggers == nil {
		deps.Triggers = events.DefaultTriggers()
	}
	if deps.Rules == nil {
		deps.Rules = rules.NewInMemoryRuleStore()
	}
	if deps.Jobs == nil {
		deps.Jobs = jobs.NewMemoryStore()
	}
	if deps.Ledger == nil {
		deps.Ledger = guardrails.NewMemoryLedger()
	}
	if deps.Audit == nil {
		deps.Audit = audit.NewMemoryRecorder()
	}
	if deps.Settings == nil {
		deps.Settings = config.StaticSettings(config.DefaultSettings())
	}
	if deps.Transactor == nil {
		deps.Transactor = txn.NewMemory()
	}
	if deps.Authorizer == nil {
		a, err := authz.NewFromPolicies(authz.DefaultPolicy, nil, authz.ModeEnforce, deps.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to build default authorizer: %w", err)
		}
		deps.Authorizer = a
	}

	e := &Engine{
		catalog:  rules.NewCatalog(deps.Rules, rules.NewValidator(deps.Registry, deps.Triggers), deps.Logger),
		jobs:     deps.Jobs,
		entities: deps.Entities,
		settings: deps.Settings,
		bus:      events.NewMemoryBus(deps.Logger),
		logger:   deps.Logger,
	}
	e.executor = actions.NewExecutor(actions.Deps{
		Registry:      deps.Registry,
		Entities:      deps.Entities,
		CustomFields:  deps.Entities,
		Visibility:    deps.Entities,
		Authorizer:    deps.Authorizer,
		Activities:    deps.Entities,
		Notifications: deps.Entities,
		Publisher:     e.bus,
		Logger:        deps.Logger,
	})
	e.dispatcher = dispatcher.New(dispatcher.Deps{
		Triggers:   deps.Triggers,
		Rules:      e.catalog,
		Jobs:       deps.Jobs,
		Ledger:     deps.Ledger,
		Audit:      deps.Audit,
		Settings:   deps.Settings,
		Transactor: deps.Transactor,
		Metrics:    deps.Metrics,
		Logger:     deps.Logger,
	})
	e.runner = jobs.NewRunner(jobs.RunnerDeps{
		Store:             deps.Jobs,
		Rules:             e.catalog,
		Snapshots:         deps.Entities,
		Executor:          e.executor,
		Ledger:            deps.Ledger,
		Audit:             deps.Audit,
		Settings:          deps.Settings,
		Transactor:        deps.Transactor,
		Metrics:           deps.Metrics,
		Logger:            deps.Logger,
		ErrorMessageLimit: deps.ErrorMessageLimit,
	})
	e.bus.Subscribe(e.onFollowUp)
	return e, nil
}

func (e *Engine) Catalog() *rules.Catalog           { return e.catalog }
func (e *Engine) Dispatcher() *dispatcher.Dispatcher { return e.dispatcher }
func (e *Engine) Runner() *jobs.Runner               { return e.runner }
func (e *Engine) Jobs() jobs.Store                   { return e.jobs }
func (e *Engine) Bus() *events.MemoryBus             { return e.bus }

// HandleEvent enqueues the jobs env triggers and, when auto run is enabled
// for the event's legal entity, runs them and every job the resulting
// follow-up events trigger. It returns the jobs created for env itself.
func (e *Engine) HandleEvent(ctx context.Context, env events.Envelope) ([]*jobs.Job, error) {
	out, err := e.handle(ctx, env)
	if err != nil {
		return nil, err
	}
	if err := e.bus.Drain(ctx); err != nil {
		e.logger.WarnContext(ctx, "follow-up event handling failed", "event_id", env.EventID, "error", err)
	}
	return out, nil
}

// Process runs one job and then delivers the follow-up events it emitted.
func (e *Engine) Process(ctx context.Context, jobID string) (*jobs.Job, error) {
	job, err := e.runner.Run(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := e.bus.Drain(ctx); err != nil {
		e.logger.WarnContext(ctx, "follow-up event handling failed", "job_id", jobID, "error", err)
	}
	return job, nil
}

func (e *Engine) handle(ctx context.Context, env events.Envelope) ([]*jobs.Job, error) {
	ids, err := e.dispatcher.EnqueueForEvent(ctx, env)
	if err != nil {
		return nil, err
	}
	autoRun := e.settings.Settings(ctx, env.LegalEntityID).AutoRun

	out := make([]*jobs.Job, 0, len(ids))
	for _, id := range ids {
		var (
			job *jobs.Job
			err error
		)
		if autoRun {
			job, err = e.runner.Run(ctx, id)
		} else {
			job, err = e.jobs.Get(ctx, id)
		}
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", id, err)
		}
		out = append(out, job)
	}
	return out, nil
}

// onFollowUp feeds events emitted by workflow actions back into the
// dispatcher.
func (e *Engine) onFollowUp(ctx context.Context, env events.Envelope) error {
	_, err := e.handle(ctx, env)
	return err
}

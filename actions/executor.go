// Package actions applies workflow actions to a business entity.
package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/liamcoop/automation/events"
	"github.com/liamcoop/automation/fields"
	"github.com/liamcoop/automation/ports"
	"github.com/liamcoop/automation/rules"
	"github.com/liamcoop/automation/txn"
	"github.com/liamcoop/automation/values"
)

// RecipientKey is the Notify payload key naming the recipient.
const RecipientKey = "recipient_user_id"

// ValidationError reports an action that cannot be applied to the entity
// it was triggered for.
type ValidationError struct {
	Action  rules.ActionType
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Action, e.Message)
	}
	return fmt.Sprintf("%s %s: %s", e.Action, e.Field, e.Message)
}

// IsValidationError reports whether err wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Bundle is the state one rule run threads through its actions.
type Bundle struct {
	Ref   events.EntityRef
	Scope ports.ScopeInfo
	// Actor is the user the run acts for; empty for system-originated work.
	Actor    string
	Snapshot *ports.Snapshot
	// Context is the evaluation context, refreshed after each real write.
	Context map[string]any
}

// NewBundle builds a bundle from a freshly loaded snapshot.
func NewBundle(snap *ports.Snapshot, actor string) *Bundle {
	owner, _ := snap.Attributes[fields.OwnerField].(string)
	return &Bundle{
		Ref:      snap.Ref,
		Scope:    ports.ScopeInfo{LegalEntityID: snap.LegalEntityID, OwnerID: owner},
		Actor:    actor,
		Snapshot: snap,
		Context:  snap.Context(),
	}
}

// Plan describes what an action did, or would do in a dry run. The shape is
// identical in both modes.
type Plan struct {
	Type        rules.ActionType
	Path        string
	Before      any
	After       any
	WouldCreate map[string]any
}

func (p Plan) MarshalJSON() ([]byte, error) {
	if p.Type == rules.ActionSetField {
		return json.Marshal(struct {
			Type   rules.ActionType `json:"type"`
			Path   string           `json:"path"`
			Before any              `json:"before"`
			After  any              `json:"after"`
		}{p.Type, p.Path, p.Before, p.After})
	}
	return json.Marshal(struct {
		Type        rules.ActionType `json:"type"`
		WouldCreate map[string]any   `json:"would_create"`
	}{p.Type, p.WouldCreate})
}

func (p *Plan) UnmarshalJSON(b []byte) error {
	var w struct {
		Type        rules.ActionType `json:"type"`
		Path        string           `json:"path"`
		Before      any              `json:"before"`
		After       any              `json:"after"`
		WouldCreate map[string]any   `json:"would_create"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*p = Plan{Type: w.Type, Path: w.Path, Before: w.Before, After: w.After, WouldCreate: w.WouldCreate}
	return nil
}

// Deps are the collaborators an Executor writes through.
type Deps struct {
	Registry      *fields.Registry
	Entities      ports.EntityWriter
	CustomFields  ports.CustomFieldStore
	Visibility    ports.VisibilityChecker
	Authorizer    ports.FieldWriteAuthorizer
	Activities    ports.ActivityWriter
	Notifications ports.NotificationWriter
	Publisher     events.Publisher
	Logger        *slog.Logger
}

type Executor struct {
	deps Deps
	now  func() time.Time
}

func NewExecutor(deps Deps) *Executor {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Executor{deps: deps, now: time.Now}
}

// Apply executes action against the bundle's entity. With dryRun set nothing
// is written, but every check a real run performs still runs.
func (e *Executor) Apply(ctx context.Context, action rules.Action, b *Bundle, dryRun bool) (Plan, error) {
	switch a := action.(type) {
	case rules.SetField:
		return e.setField(ctx, a, b, dryRun)
	case rules.CreateTask:
		return e.createTask(ctx, a, b, dryRun)
	case rules.Notify:
		return e.notify(ctx, a, b, dryRun)
	}
	return Plan{}, fmt.Errorf("unsupported action %T", action)
}

func (e *Executor) setField(ctx context.Context, a rules.SetField, b *Bundle, dryRun bool) (Plan, error) {
	typ, custom, err := e.deps.Registry.Resolve(b.Ref.Type, a.Path)
	if err != nil {
		return Plan{}, &ValidationError{Action: rules.ActionSetField, Field: a.Path, Message: err.Error()}
	}

	var value any
	if custom {
		value = plainValue(a.Value)
	} else {
		value, err = fields.Coerce(typ, a.Value)
		if err != nil {
			return Plan{}, &ValidationError{Action: rules.ActionSetField, Field: a.Path, Message: err.Error()}
		}
	}

	before, _ := values.Lookup(b.Context, a.Path)
	plan := Plan{Type: rules.ActionSetField, Path: a.Path, Before: before, After: value}

	if err := e.deps.Authorizer.AuthorizeWrite(ctx, b.Ref.Type, map[string]any{a.Path: value}, b.Actor, b.Scope); err != nil {
		return Plan{}, err
	}
	if dryRun {
		// The context tracks planned writes in both modes.
		refresh(b, a.Path, value)
		return plan, nil
	}

	if key, ok := fields.IsCustomPath(a.Path); ok {
		if err := e.deps.CustomFields.SetCustomField(ctx, b.Ref, key, value); err != nil {
			return Plan{}, fmt.Errorf("failed to set custom field %s: %w", key, err)
		}
		refresh(b, a.Path, value)
		return plan, nil
	}

	version, err := e.deps.Entities.SetField(ctx, b.Ref, a.Path, value)
	if err != nil {
		return Plan{}, fmt.Errorf("failed to set %s: %w", a.Path, err)
	}
	refresh(b, a.Path, value)
	if b.Snapshot != nil {
		b.Snapshot.Version = version
	}

	env := events.EntityUpdated(ctx, b.Ref, b.Scope.LegalEntityID, version, []string{a.Path})
	txn.AfterCommit(ctx, func(ctx context.Context) {
		if e.deps.Publisher == nil {
			return
		}
		if err := e.deps.Publisher.Publish(ctx, env); err != nil {
			e.deps.Logger.ErrorContext(ctx, "failed to publish entity update",
				"event_id", env.EventID,
				"event_type", env.EventType,
				"error", err,
			)
		}
	})
	return plan, nil
}

func (e *Executor) createTask(ctx context.Context, a rules.CreateTask, b *Bundle, dryRun bool) (Plan, error) {
	target := b.Ref
	if a.TargetRef != nil {
		target = *a.TargetRef
	}
	scope, err := e.deps.Visibility.EnsureVisible(ctx, b.Actor, target.Type, target.ID)
	if err != nil {
		return Plan{}, fmt.Errorf("task target %s %s: %w", target.Type, target.ID, err)
	}

	assignee := a.Assignee
	if assignee == "" {
		assignee = scope.OwnerID
	}
	task := ports.Task{
		Title:         a.Title,
		DueAt:         e.now().UTC().AddDate(0, 0, a.DueInDays),
		AssigneeID:    assignee,
		OwnerID:       b.Actor,
		Target:        target,
		LegalEntityID: scope.LegalEntityID,
	}
	plan := Plan{Type: rules.ActionCreateTask, WouldCreate: map[string]any{
		"kind":        "task",
		"title":       task.Title,
		"due_at":      task.DueAt.Format(time.RFC3339),
		"assignee_id": task.AssigneeID,
		"target":      task.Target,
	}}
	if dryRun {
		return plan, nil
	}

	if _, err := e.deps.Activities.CreateTask(ctx, task); err != nil {
		return Plan{}, fmt.Errorf("failed to create task: %w", err)
	}
	return plan, nil
}

func (e *Executor) notify(ctx context.Context, a rules.Notify, b *Bundle, dryRun bool) (Plan, error) {
	recipient, _ := a.Payload[RecipientKey].(string)
	if recipient == "" {
		recipient, _ = b.Context[fields.OwnerField].(string)
	}
	if recipient == "" {
		return Plan{}, &ValidationError{
			Action:  rules.ActionNotify,
			Field:   RecipientKey,
			Message: "no recipient in payload and entity has no owner",
		}
	}

	intent := ports.NotificationIntent{
		NotificationType: a.NotificationType,
		RecipientUserID:  recipient,
		Entity:           b.Ref,
		Payload:          a.Payload,
	}
	plan := Plan{Type: rules.ActionNotify, WouldCreate: map[string]any{
		"kind":              "notification",
		"notification_type": intent.NotificationType,
		RecipientKey:        intent.RecipientUserID,
		"entity":            intent.Entity,
	}}
	if dryRun {
		return plan, nil
	}

	if _, err := e.deps.Notifications.CreateIntent(ctx, intent); err != nil {
		return Plan{}, fmt.Errorf("failed to create notification: %w", err)
	}
	return plan, nil
}

// refresh updates the evaluation context after a write to path.
func refresh(b *Bundle, path string, value any) {
	if key, ok := fields.IsCustomPath(path); ok {
		cf, ok := b.Context["custom_fields"].(map[string]any)
		if !ok {
			cf = make(map[string]any)
			b.Context["custom_fields"] = cf
		}
		cf[key] = value
		return
	}
	b.Context[path] = value
}

// plainValue converts decoder artifacts to stored representations.
func plainValue(v any) any {
	if n, ok := v.(json.Number); ok {
		if d, err := decimal.NewFromString(n.String()); err == nil {
			return d
		}
		return n.String()
	}
	return v
}

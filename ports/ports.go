// Package ports declares the collaborators the automation engine depends on
// but does not own: entity persistence, visibility, field authorization and
// the activity and notification writers.
package ports

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/liamcoop/automation/events"
)

var (
	// ErrEntityNotFound is returned for missing or soft-deleted entities.
	ErrEntityNotFound = errors.New("entity not found")
	// ErrNotVisible is returned when the actor may not see the entity.
	ErrNotVisible = errors.New("entity not visible")
)

// ForbiddenFieldsError lists the fields the actor may not write.
type ForbiddenFieldsError struct {
	Resource string
	Fields   []string
}

func (e *ForbiddenFieldsError) Error() string {
	fields := append([]string(nil), e.Fields...)
	sort.Strings(fields)
	return fmt.Sprintf("forbidden fields on %s: %s", e.Resource, strings.Join(fields, ", "))
}

// AuthorizationError reports that the actor may not perform an operation at all.
type AuthorizationError struct {
	Actor  string
	Action string
	Reason string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s may not %s: %s", e.Actor, e.Action, e.Reason)
}

// Snapshot is the current state of one entity.
type Snapshot struct {
	Ref           events.EntityRef
	LegalEntityID string
	Version       int64
	Attributes    map[string]any
	CustomFields  map[string]any
}

// Context flattens the snapshot into the map conditions are evaluated
// against. Custom fields live under "custom_fields".
func (s *Snapshot) Context() map[string]any {
	out := make(map[string]any, len(s.Attributes)+1)
	for k, v := range s.Attributes {
		out[k] = v
	}
	custom := make(map[string]any, len(s.CustomFields))
	for k, v := range s.CustomFields {
		custom[k] = v
	}
	out["custom_fields"] = custom
	return out
}

// ScopeInfo describes where an entity lives for authorization purposes.
type ScopeInfo struct {
	LegalEntityID string
	OwnerID       string
}

// SnapshotProvider loads entity snapshots.
type SnapshotProvider interface {
	Load(ctx context.Context, entityType, id string) (*Snapshot, error)
}

// VisibilityChecker confirms an actor may see an entity.
type VisibilityChecker interface {
	EnsureVisible(ctx context.Context, actor, entityType, id string) (ScopeInfo, error)
}

// FieldWriteAuthorizer decides whether actor may write the given field
// values of resource. Values are already coerced to their declared types.
type FieldWriteAuthorizer interface {
	AuthorizeWrite(ctx context.Context, resource string, fields map[string]any, actor string, scope ScopeInfo) error
}

// EntityWriter persists flat field changes and returns the new version.
type EntityWriter interface {
	SetField(ctx context.Context, ref events.EntityRef, field string, value any) (int64, error)
}

// CustomFieldStore persists custom field values.
type CustomFieldStore interface {
	SetCustomField(ctx context.Context, ref events.EntityRef, key string, value any) error
}

// Task is a task activity created by a workflow.
type Task struct {
	ID            string           `json:"id"`
	Title         string           `json:"title"`
	DueAt         time.Time        `json:"due_at"`
	AssigneeID    string           `json:"assignee_id,omitempty"`
	OwnerID       string           `json:"owner_id,omitempty"`
	Target        events.EntityRef `json:"target"`
	LegalEntityID string           `json:"legal_entity_id,omitempty"`
}

// ActivityWriter creates task activities.
type ActivityWriter interface {
	CreateTask(ctx context.Context, task Task) (string, error)
}

// NotificationIntent asks the notification subsystem to notify a user.
type NotificationIntent struct {
	ID               string           `json:"id"`
	NotificationType string           `json:"notification_type"`
	RecipientUserID  string           `json:"recipient_user_id"`
	Entity           events.EntityRef `json:"entity"`
	Payload          map[string]any   `json:"payload,omitempty"`
}

// NotificationWriter records notification intents.
type NotificationWriter interface {
	CreateIntent(ctx context.Context, intent NotificationIntent) (string, error)
}

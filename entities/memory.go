// Package entities holds an in-process implementation of the business
// entity collaborators the automation engine writes through. It backs the
// CLI, the development server and tests.
package entities

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/liamcoop/automation/events"
	"github.com/liamcoop/automation/fields"
	"github.com/liamcoop/automation/ports"
	"github.com/liamcoop/automation/txn"
)

type record struct {
	legalEntityID string
	version       int64
	attributes    map[string]any
	custom        map[string]any
	deleted       bool
}

// MemoryStore keeps entities, tasks and notification intents in memory.
// Every write registers its compensation with the surrounding unit of work.
type MemoryStore struct {
	mu       sync.RWMutex
	entities map[events.EntityRef]*record
	tasks    []ports.Task
	intents  []ports.NotificationIntent
	// actor -> legal entities the actor may see; actors absent from the map see everything.
	visibility map[string]map[string]bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities:   make(map[events.EntityRef]*record),
		visibility: make(map[string]map[string]bool),
	}
}

var (
	_ ports.SnapshotProvider   = (*MemoryStore)(nil)
	_ ports.VisibilityChecker  = (*MemoryStore)(nil)
	_ ports.EntityWriter       = (*MemoryStore)(nil)
	_ ports.CustomFieldStore   = (*MemoryStore)(nil)
	_ ports.ActivityWriter     = (*MemoryStore)(nil)
	_ ports.NotificationWriter = (*MemoryStore)(nil)
)

// Upsert stores snap, bumping the version of an existing entity.
func (s *MemoryStore) Upsert(snap ports.Snapshot) ports.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &record{
		legalEntityID: snap.LegalEntityID,
		version:       1,
		attributes:    copyMap(snap.Attributes),
		custom:        copyMap(snap.CustomFields),
	}
	if prev, ok := s.entities[snap.Ref]; ok {
		rec.version = prev.version + 1
	}
	s.entities[snap.Ref] = rec
	return rec.snapshot(snap.Ref)
}

// Delete soft-deletes an entity.
func (s *MemoryStore) Delete(ref events.EntityRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.entities[ref]
	if !ok || rec.deleted {
		return fmt.Errorf("%s %s: %w", ref.Type, ref.ID, ports.ErrEntityNotFound)
	}
	rec.deleted = true
	return nil
}

// RestrictVisibility limits actor to entities of the given legal entities.
func (s *MemoryStore) RestrictVisibility(actor string, legalEntityIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	allowed := make(map[string]bool, len(legalEntityIDs))
	for _, id := range legalEntityIDs {
		allowed[id] = true
	}
	s.visibility[actor] = allowed
}

// Load implements ports.SnapshotProvider.
func (s *MemoryStore) Load(_ context.Context, entityType, id string) (*ports.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref := events.EntityRef{Type: entityType, ID: id}
	rec, ok := s.entities[ref]
	if !ok || rec.deleted {
		return nil, fmt.Errorf("%s %s: %w", entityType, id, ports.ErrEntityNotFound)
	}
	snap := rec.snapshot(ref)
	return &snap, nil
}

// EnsureVisible implements ports.VisibilityChecker.
func (s *MemoryStore) EnsureVisible(_ context.Context, actor, entityType, id string) (ports.ScopeInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.entities[events.EntityRef{Type: entityType, ID: id}]
	if !ok || rec.deleted {
		return ports.ScopeInfo{}, fmt.Errorf("%s %s: %w", entityType, id, ports.ErrEntityNotFound)
	}
	if allowed, restricted := s.visibility[actor]; restricted && !allowed[rec.legalEntityID] {
		return ports.ScopeInfo{}, fmt.Errorf("%s %s: %w", entityType, id, ports.ErrNotVisible)
	}
	owner, _ := rec.attributes[fields.OwnerField].(string)
	return ports.ScopeInfo{LegalEntityID: rec.legalEntityID, OwnerID: owner}, nil
}

// SetField implements ports.EntityWriter.
func (s *MemoryStore) SetField(ctx context.Context, ref events.EntityRef, field string, value any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.entities[ref]
	if !ok || rec.deleted {
		return 0, fmt.Errorf("%s %s: %w", ref.Type, ref.ID, ports.ErrEntityNotFound)
	}

	prev, had := rec.attributes[field]
	prevVersion := rec.version
	rec.attributes[field] = value
	rec.version++
	txn.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if had {
			rec.attributes[field] = prev
		} else {
			delete(rec.attributes, field)
		}
		rec.version = prevVersion
	})
	return rec.version, nil
}

// SetCustomField implements ports.CustomFieldStore.
func (s *MemoryStore) SetCustomField(ctx context.Context, ref events.EntityRef, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.entities[ref]
	if !ok || rec.deleted {
		return fmt.Errorf("%s %s: %w", ref.Type, ref.ID, ports.ErrEntityNotFound)
	}

	prev, had := rec.custom[key]
	rec.custom[key] = value
	txn.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if had {
			rec.custom[key] = prev
		} else {
			delete(rec.custom, key)
		}
	})
	return nil
}

// CreateTask implements ports.ActivityWriter.
func (s *MemoryStore) CreateTask(ctx context.Context, task ports.Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	s.mu.Lock()
	s.tasks = append(s.tasks, task)
	s.mu.Unlock()

	txn.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.tasks = removeByID(s.tasks, task.ID, func(t ports.Task) string { return t.ID })
	})
	return task.ID, nil
}

// CreateIntent implements ports.NotificationWriter.
func (s *MemoryStore) CreateIntent(ctx context.Context, intent ports.NotificationIntent) (string, error) {
	if intent.ID == "" {
		intent.ID = uuid.NewString()
	}
	s.mu.Lock()
	s.intents = append(s.intents, intent)
	s.mu.Unlock()

	txn.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.intents = removeByID(s.intents, intent.ID, func(n ports.NotificationIntent) string { return n.ID })
	})
	return intent.ID, nil
}

// Tasks returns the tasks created so far.
func (s *MemoryStore) Tasks() []ports.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ports.Task(nil), s.tasks...)
}

// Intents returns the notification intents created so far.
func (s *MemoryStore) Intents() []ports.NotificationIntent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ports.NotificationIntent(nil), s.intents...)
}

// Refs lists the live entities of entityType, sorted by ID.
func (s *MemoryStore) Refs(entityType string) []events.EntityRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []events.EntityRef
	for ref, rec := range s.entities {
		if ref.Type == entityType && !rec.deleted {
			out = append(out, ref)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *record) snapshot(ref events.EntityRef) ports.Snapshot {
	return ports.Snapshot{
		Ref:           ref,
		LegalEntityID: r.legalEntityID,
		Version:       r.version,
		Attributes:    copyMap(r.attributes),
		CustomFields:  copyMap(r.custom),
	}
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func removeByID[T any](items []T, id string, key func(T) string) []T {
	out := items[:0]
	for _, it := range items {
		if key(it) != id {
			out = append(out, it)
		}
	}
	return out
}

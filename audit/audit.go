// Package audit records what the automation engine did and why.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/liamcoop/automation/txn"
)

// Audit actions written by the engine.
const (
	ActionEnqueued  = "workflow.enqueued"
	ActionBlocked   = "workflow.blocked"
	ActionExecuted  = "workflow.executed"
	ActionSkipped   = "workflow.skipped"
	ActionThrottled = "workflow.throttled"
	ActionFailed    = "workflow.failed"
)

// Entry is one audit record.
type Entry struct {
	TenantID      string         `json:"tenant_id,omitempty"`
	Actor         string         `json:"actor,omitempty"`
	ResourceType  string         `json:"resource_type"`
	ResourceID    string         `json:"resource_id"`
	Action        string         `json:"action"`
	Before        any            `json:"before,omitempty"`
	After         any            `json:"after,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Recorder persists audit entries.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// MemoryRecorder keeps entries in memory. Entries recorded inside a unit of
// work that rolls back are dropped.
type MemoryRecorder struct {
	mu      sync.Mutex
	entries []Entry
	seqs    []uint64
	next    uint64
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (r *MemoryRecorder) Record(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	r.mu.Lock()
	r.next++
	seq := r.next
	r.entries = append(r.entries, e)
	r.seqs = append(r.seqs, seq)
	r.mu.Unlock()

	txn.OnRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, s := range r.seqs {
			if s == seq {
				r.entries = append(r.entries[:i], r.entries[i+1:]...)
				r.seqs = append(r.seqs[:i], r.seqs[i+1:]...)
				return
			}
		}
	})
	return nil
}

// Entries returns every recorded entry, optionally only those with one of
// the given actions.
func (r *MemoryRecorder) Entries(actions ...string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(actions) == 0 {
		return append([]Entry(nil), r.entries...)
	}
	var out []Entry
	for _, e := range r.entries {
		for _, a := range actions {
			if e.Action == a {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

// PostgresRecorder writes entries to audit_entries, joining the unit of work
// in ctx when there is one.
type PostgresRecorder struct {
	db       *sql.DB
	tenantID string
}

func NewPostgresRecorder(db *sql.DB, tenantID string) *PostgresRecorder {
	return &PostgresRecorder{db: db, tenantID: tenantID}
}

func (r *PostgresRecorder) Record(ctx context.Context, e Entry) error {
	before, err := jsonColumn(e.Before)
	if err != nil {
		return err
	}
	after, err := jsonColumn(e.After)
	if err != nil {
		return err
	}
	var metadata sql.NullString
	if len(e.Metadata) > 0 {
		metadata, err = jsonColumn(e.Metadata)
		if err != nil {
			return err
		}
	}

	query := `
		INSERT INTO audit_entries
			(tenant_id, action, resource_type, resource_id, actor, before, after, metadata, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = txn.Querier(ctx, r.db).ExecContext(ctx, query,
		r.tenantID, e.Action, e.ResourceType, e.ResourceID, e.Actor, before, after, metadata, e.CorrelationID)
	if err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}
	return nil
}

// List returns the entries recorded for one resource, oldest first.
func (r *PostgresRecorder) List(ctx context.Context, resourceType, resourceID string) ([]Entry, error) {
	query := `
		SELECT action, resource_type, resource_id, actor, before, after, metadata, correlation_id, created_at
		FROM audit_entries
		WHERE tenant_id = $1 AND resource_type = $2 AND resource_id = $3
		ORDER BY id
	`
	rows, err := r.db.QueryContext(ctx, query, r.tenantID, resourceType, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                       Entry
			before, after, metadata []byte
		)
		if err := rows.Scan(&e.Action, &e.ResourceType, &e.ResourceID, &e.Actor,
			&before, &after, &metadata, &e.CorrelationID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.TenantID = r.tenantID
		if len(before) > 0 {
			_ = json.Unmarshal(before, &e.Before)
		}
		if len(after) > 0 {
			_ = json.Unmarshal(after, &e.After)
		}
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &e.Metadata)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func jsonColumn(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode audit value: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresRuleStore implements RuleStore backed by PostgreSQL
type PostgresRuleStore struct {
	db       *sql.DB
	tenantID string
}

// NewPostgresRuleStore creates a new PostgreSQL-backed RuleStore for a specific tenant
func NewPostgresRuleStore(db *sql.DB, tenantID string) *PostgresRuleStore {
	return &PostgresRuleStore{
		db:       db,
		tenantID: tenantID,
	}
}

const ruleColumns = `id, name, legal_entity_id, trigger_event, is_active, cooldown_seconds,
	condition, actions, created_at, updated_at, deleted_at`

func encodeBody(rule *Rule) (condition, actions []byte, err error) {
	if rule.Condition != nil {
		if condition, err = MarshalCondition(rule.Condition); err != nil {
			return nil, nil, err
		}
	}
	raws := make([]json.RawMessage, 0, len(rule.Actions))
	for _, a := range rule.Actions {
		raw, err := MarshalAction(a)
		if err != nil {
			return nil, nil, err
		}
		raws = append(raws, raw)
	}
	actions, err = json.Marshal(raws)
	return condition, actions, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var (
		r             Rule
		legalEntityID sql.NullString
		condition     []byte
		actions       []byte
		deletedAt     sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.Name, &legalEntityID, &r.TriggerEvent, &r.Active,
		&r.CooldownSeconds, &condition, &actions, &r.CreatedAt, &r.UpdatedAt, &deletedAt); err != nil {
		return nil, err
	}
	r.LegalEntityID = legalEntityID.String
	if deletedAt.Valid {
		t := deletedAt.Time
		r.DeletedAt = &t
	}

	if len(condition) > 0 {
		cond, err := ParseCondition(condition)
		if err != nil {
			return nil, fmt.Errorf("rule %s has an unreadable condition: %w", r.ID, err)
		}
		r.Condition = cond
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(actions, &raws); err != nil {
		return nil, fmt.Errorf("rule %s has unreadable actions: %w", r.ID, err)
	}
	for _, raw := range raws {
		a, err := ParseAction(raw)
		if err != nil {
			return nil, fmt.Errorf("rule %s has an unreadable action: %w", r.ID, err)
		}
		r.Actions = append(r.Actions, a)
	}
	return &r, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Add inserts a new rule into the database
func (s *PostgresRuleStore) Add(ctx context.Context, rule *Rule) error {
	condition, actions, err := encodeBody(rule)
	if err != nil {
		return fmt.Errorf("failed to encode rule: %w", err)
	}

	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO rules (id, tenant_id, name, legal_entity_id, trigger_event, is_active,
			cooldown_seconds, condition, actions, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`, rule.ID, s.tenantID, rule.Name, nullable(rule.LegalEntityID), rule.TriggerEvent, rule.Active,
		rule.CooldownSeconds, nullable(string(condition)), string(actions), rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrRuleExists, rule.ID)
	}
	return nil
}

// Get retrieves a rule by ID
func (s *PostgresRuleStore) Get(ctx context.Context, id string) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+ruleColumns+`
		FROM rules
		WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL
	`, id, s.tenantID)

	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// List returns every rule of the tenant that has not been deleted
func (s *PostgresRuleStore) List(ctx context.Context) ([]*Rule, error) {
	return s.query(ctx, `
		SELECT `+ruleColumns+`
		FROM rules
		WHERE tenant_id = $1 AND deleted_at IS NULL
		ORDER BY created_at ASC, id ASC
	`)
}

// ListActive returns all active rules for the tenant
func (s *PostgresRuleStore) ListActive(ctx context.Context) ([]*Rule, error) {
	return s.query(ctx, `
		SELECT `+ruleColumns+`
		FROM rules
		WHERE tenant_id = $1 AND is_active = true AND deleted_at IS NULL
		ORDER BY created_at ASC, id ASC
	`)
}

func (s *PostgresRuleStore) query(ctx context.Context, query string) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, query, s.tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rulesList []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rulesList = append(rulesList, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return rulesList, nil
}

// Update modifies an existing rule
func (s *PostgresRuleStore) Update(ctx context.Context, rule *Rule) error {
	condition, actions, err := encodeBody(rule)
	if err != nil {
		return fmt.Errorf("failed to encode rule: %w", err)
	}

	rule.UpdatedAt = time.Now().UTC()

	err = s.db.QueryRowContext(ctx, `
		UPDATE rules
		SET name = $1, legal_entity_id = $2, trigger_event = $3, is_active = $4,
			cooldown_seconds = $5, condition = $6, actions = $7, updated_at = $8
		WHERE id = $9 AND tenant_id = $10 AND deleted_at IS NULL
		RETURNING created_at
	`, rule.Name, nullable(rule.LegalEntityID), rule.TriggerEvent, rule.Active,
		rule.CooldownSeconds, nullable(string(condition)), string(actions), rule.UpdatedAt, rule.ID, s.tenantID).Scan(&rule.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, rule.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	return nil
}

// Delete soft-deletes a rule
func (s *PostgresRuleStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE rules
		SET deleted_at = NOW(), is_active = false, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL
	`, id, s.tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return nil
}

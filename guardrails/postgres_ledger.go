package guardrails

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/liamcoop/automation/txn"
)

// PostgresLedger stores records in guardrail_records. Inside a unit of work
// the insert joins its transaction, so a rolled-back run releases its keys.
type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (l *PostgresLedger) PutIfAbsent(ctx context.Context, namespace, key string, snapshot any, ttl time.Duration) (bool, error) {
	value, err := json.Marshal(snapshot)
	if err != nil {
		return false, fmt.Errorf("failed to encode guardrail snapshot: %w", err)
	}
	var expiresAt sql.NullTime
	if ttl > 0 {
		expiresAt = sql.NullTime{Time: time.Now().Add(ttl).UTC(), Valid: true}
	}

	// An expired record may be taken over; a live one wins the conflict.
	query := `
		INSERT INTO guardrail_records (namespace, key, value, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (namespace, key) DO UPDATE
			SET value = EXCLUDED.value, created_at = NOW(), expires_at = EXCLUDED.expires_at
			WHERE guardrail_records.expires_at IS NOT NULL AND guardrail_records.expires_at <= NOW()
		RETURNING key
	`
	var inserted string
	err = txn.Querier(ctx, l.db).QueryRowContext(ctx, query, namespace, key, string(value), expiresAt).Scan(&inserted)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to reserve %s %s: %w", namespace, key, err)
	}
	return true, nil
}

// Purge deletes expired records.
func (l *PostgresLedger) Purge(ctx context.Context) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM guardrail_records WHERE expires_at IS NOT NULL AND expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge guardrail records: %w", err)
	}
	return res.RowsAffected()
}

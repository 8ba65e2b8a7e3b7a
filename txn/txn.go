// Package txn provides the unit-of-work boundary a workflow run executes in.
//
// A unit of work carries a journal. Collaborators that cannot join a SQL
// transaction (in-memory stores, Redis) register compensating actions with
// OnRollback; side effects that must only happen once the work is durable
// (event publication) are registered with AfterCommit.
package txn

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// Transactor runs fn as one atomic unit of work.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type journal struct {
	mu          sync.Mutex
	undo        []func()
	afterCommit []func(context.Context)
	tx          *sql.Tx
}

type journalKey struct{}

func journalFrom(ctx context.Context) *journal {
	j, _ := ctx.Value(journalKey{}).(*journal)
	return j
}

// Active reports whether ctx is inside a unit of work.
func Active(ctx context.Context) bool {
	return journalFrom(ctx) != nil
}

// OnRollback registers undo to run if the surrounding unit of work fails.
// Outside a unit of work it does nothing.
func OnRollback(ctx context.Context, undo func()) {
	j := journalFrom(ctx)
	if j == nil {
		return
	}
	j.mu.Lock()
	j.undo = append(j.undo, undo)
	j.mu.Unlock()
}

// AfterCommit registers fn to run once the surrounding unit of work has
// committed. Outside a unit of work fn runs immediately.
func AfterCommit(ctx context.Context, fn func(context.Context)) {
	j := journalFrom(ctx)
	if j == nil {
		fn(ctx)
		return
	}
	j.mu.Lock()
	j.afterCommit = append(j.afterCommit, fn)
	j.mu.Unlock()
}

// Querier returns the transaction bound to ctx, or db when there is none.
func Querier(ctx context.Context, db *sql.DB) DBTX {
	if j := journalFrom(ctx); j != nil && j.tx != nil {
		return j.tx
	}
	return db
}

func (j *journal) rollback() {
	j.mu.Lock()
	undo := j.undo
	j.undo = nil
	j.afterCommit = nil
	j.mu.Unlock()

	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
}

func (j *journal) commit(ctx context.Context) {
	j.mu.Lock()
	hooks := j.afterCommit
	j.afterCommit = nil
	j.undo = nil
	j.mu.Unlock()

	for _, fn := range hooks {
		fn(ctx)
	}
}

// Memory is a Transactor for stores that live in process memory.
type Memory struct {
	// Serialize makes units of work run one at a time.
	Serialize bool
	mu        sync.Mutex
}

// NewMemory creates a serializing in-memory transactor.
func NewMemory() *Memory {
	return &Memory{Serialize: true}
}

// InTx runs fn, undoing journaled changes when it returns an error or
// panics. Nested calls join the outer unit of work.
func (m *Memory) InTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if Active(ctx) {
		return fn(ctx)
	}

	j := &journal{}
	if err := m.run(ctx, j, fn); err != nil {
		return err
	}
	// Hooks run after the lock is released so they may start new work.
	j.commit(ctx)
	return nil
}

func (m *Memory) run(ctx context.Context, j *journal, fn func(ctx context.Context) error) error {
	if m.Serialize {
		m.mu.Lock()
		defer m.mu.Unlock()
	}

	txCtx := context.WithValue(ctx, journalKey{}, j)
	defer func() {
		if p := recover(); p != nil {
			j.rollback()
			panic(p)
		}
	}()

	if err := fn(txCtx); err != nil {
		j.rollback()
		return err
	}
	return nil
}

// SQL is a Transactor backed by a database/sql transaction.
type SQL struct {
	db *sql.DB
}

// NewSQL creates a SQL transactor.
func NewSQL(db *sql.DB) *SQL {
	return &SQL{db: db}
}

// InTx runs fn inside a database transaction. Journaled compensations run
// when the transaction rolls back.
func (s *SQL) InTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if Active(ctx) {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	j := &journal{tx: tx}
	txCtx := context.WithValue(ctx, journalKey{}, j)
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			j.rollback()
			panic(p)
		}
	}()

	if err := fn(txCtx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			err = fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		j.rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		j.rollback()
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	j.commit(ctx)
	return nil
}

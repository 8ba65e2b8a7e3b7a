package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/liamcoop/automation/txn"
)

// Store persists jobs. Claim is the compare-and-set that makes running a job
// twice safe.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// Claim moves a queued job to running and reports whether this caller won.
	Claim(ctx context.Context, id string, at time.Time) (bool, error)
	Finish(ctx context.Context, id string, status Status, result *Result, at time.Time) error
	// ListByStatus returns up to limit jobs in status, oldest first.
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Job, error)
}

// MemoryStore keeps jobs in memory. Changes made inside a unit of work are
// undone if it rolls back.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (s *MemoryStore) Create(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = job.CreatedAt
	s.jobs[job.ID] = job.clone()

	id := job.ID
	txn.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.jobs, id)
	})
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrJobNotFound)
	}
	return job.clone(), nil
}

func (s *MemoryStore) Claim(ctx context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return false, fmt.Errorf("%s: %w", id, ErrJobNotFound)
	}
	if job.Status != StatusQueued {
		return false, nil
	}
	s.replace(ctx, job)
	started := at.UTC()
	job.Status = StatusRunning
	job.StartedAt = &started
	job.UpdatedAt = started
	return true, nil
}

func (s *MemoryStore) Finish(ctx context.Context, id string, status Status, result *Result, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrJobNotFound)
	}
	s.replace(ctx, job)
	finished := at.UTC()
	job.Status = status
	job.Result = result
	job.FinishedAt = &finished
	job.UpdatedAt = finished
	return nil
}

// replace journals the current state of job for rollback. Callers hold mu.
func (s *MemoryStore) replace(ctx context.Context, job *Job) {
	prev := job.clone()
	txn.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.jobs[prev.ID] = prev
	})
}

func (s *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Job
	for _, job := range s.jobs {
		if job.Status == status {
			out = append(out, job.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

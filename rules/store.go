package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// RuleStore manages rule persistence and retrieval. Deleted rules are
// retained with DeletedAt set and are invisible to every read.
type RuleStore interface {
	// Add a new rule
	Add(ctx context.Context, rule *Rule) error

	// Get a rule by ID
	Get(ctx context.Context, id string) (*Rule, error)

	// List all rules that have not been deleted
	List(ctx context.Context) ([]*Rule, error)

	// List all active rules
	ListActive(ctx context.Context) ([]*Rule, error)

	// Update an existing rule
	Update(ctx context.Context, rule *Rule) error

	// Delete soft-deletes a rule
	Delete(ctx context.Context, id string) error
}

// InMemoryRuleStore implements RuleStore using an in-memory map
type InMemoryRuleStore struct {
	rules map[string]*Rule
	now   func() time.Time
	mu    sync.RWMutex
}

// NewInMemoryRuleStore creates a new in-memory rule store
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules: make(map[string]*Rule),
		now:   time.Now,
	}
}

// Add adds a new rule to the store, stamping CreatedAt and UpdatedAt
func (s *InMemoryRuleStore) Add(_ context.Context, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("%w: %s", ErrRuleExists, rule.ID)
	}

	now := s.now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	stored := *rule
	s.rules[rule.ID] = &stored
	return nil
}

// Get retrieves a rule by ID
func (s *InMemoryRuleStore) Get(_ context.Context, id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists || rule.DeletedAt != nil {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	out := *rule
	return &out, nil
}

// List returns every rule that has not been deleted, oldest first
func (s *InMemoryRuleStore) List(_ context.Context) ([]*Rule, error) {
	return s.filter(func(r *Rule) bool { return true }), nil
}

// ListActive returns all active rules, oldest first
func (s *InMemoryRuleStore) ListActive(_ context.Context) ([]*Rule, error) {
	return s.filter(func(r *Rule) bool { return r.Active }), nil
}

func (s *InMemoryRuleStore) filter(keep func(*Rule) bool) []*Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Rule
	for _, rule := range s.rules {
		if rule.DeletedAt == nil && keep(rule) {
			r := *rule
			out = append(out, &r)
		}
	}
	sortRules(out)
	return out
}

// Update updates an existing rule, preserving CreatedAt
func (s *InMemoryRuleStore) Update(_ context.Context, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rule.ID]
	if !exists || existing.DeletedAt != nil {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, rule.ID)
	}

	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = s.now().UTC()
	stored := *rule
	s.rules[rule.ID] = &stored
	return nil
}

// Delete marks a rule as deleted
func (s *InMemoryRuleStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[id]
	if !exists || existing.DeletedAt != nil {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}

	now := s.now().UTC()
	existing.DeletedAt = &now
	existing.Active = false
	existing.UpdatedAt = now
	return nil
}

// sortRules orders rules by creation time, then ID.
func sortRules(rs []*Rule) {
	sort.SliceStable(rs, func(i, j int) bool {
		if !rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].CreatedAt.Before(rs[j].CreatedAt)
		}
		return rs[i].ID < rs[j].ID
	})
}

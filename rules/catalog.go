package rules

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Catalog is the authoring and lookup front of a tenant's rules. Writes are
// validated before they reach the store; reads used on the event path are
// served from a cache of the active rule set.
type Catalog struct {
	store     RuleStore
	validator *Validator
	cache     RulesCache
	logger    *slog.Logger
}

// NewCatalog creates a catalog over store.
func NewCatalog(store RuleStore, validator *Validator, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		store:     store,
		validator: validator,
		cache:     NewInMemoryRulesCache(DefaultCacheConfig()),
		logger:    logger,
	}
}

// Validator returns the validator rules are checked with.
func (c *Catalog) Validator() *Validator {
	return c.validator
}

// Warm loads the active rule set into the cache, revalidating each rule
// against the current field registry. Rules that no longer validate are
// logged and skipped.
func (c *Catalog) Warm(ctx context.Context) (int, error) {
	active, err := c.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	usable := make([]*Rule, 0, len(active))
	for _, r := range active {
		if err := c.validator.Validate(r); err != nil {
			c.logger.Warn("skipping rule that no longer validates",
				"rule_id", r.ID,
				"error", err,
			)
			continue
		}
		usable = append(usable, r)
	}
	c.cache.Set(usable)
	return len(usable), nil
}

// AddRule validates r and stores it. A rule without an ID is given one.
func (c *Catalog) AddRule(ctx context.Context, r *Rule) error {
	if err := c.validator.Validate(r); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if err := c.store.Add(ctx, r); err != nil {
		return err
	}
	c.cache.Invalidate()
	return nil
}

// UpdateRule validates r and replaces the stored rule with the same ID.
func (c *Catalog) UpdateRule(ctx context.Context, r *Rule) error {
	if err := c.validator.Validate(r); err != nil {
		return err
	}
	if err := c.store.Update(ctx, r); err != nil {
		return err
	}
	c.cache.Invalidate()
	return nil
}

// DeleteRule soft-deletes a rule.
func (c *Catalog) DeleteRule(ctx context.Context, id string) error {
	if err := c.store.Delete(ctx, id); err != nil {
		return err
	}
	c.cache.Invalidate()
	return nil
}

// GetRule returns a rule by ID, including inactive ones.
func (c *Catalog) GetRule(ctx context.Context, id string) (*Rule, error) {
	return c.store.Get(ctx, id)
}

// ListRules returns every rule that has not been deleted.
func (c *Catalog) ListRules(ctx context.Context) ([]*Rule, error) {
	return c.store.List(ctx)
}

// Candidates returns the active rules triggered by eventType that apply to
// legalEntityID, oldest first. Global rules apply to every legal entity;
// scoped rules only to their own.
func (c *Catalog) Candidates(ctx context.Context, eventType, legalEntityID string) ([]*Rule, error) {
	active := c.cache.Get()
	if active == nil {
		if _, err := c.Warm(ctx); err != nil {
			return nil, fmt.Errorf("failed to load active rules: %w", err)
		}
		active = c.cache.Get()
	}

	var out []*Rule
	for _, r := range active {
		if r.TriggerEvent == eventType && r.InScope(legalEntityID) {
			out = append(out, r)
		}
	}
	return out, nil
}

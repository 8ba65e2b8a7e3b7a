package rules

import (
	"context"
	"errors"
	"testing"
)

// TestCatalog_AddRuleValidates verifies invalid rules never reach the store
func TestCatalog_AddRuleValidates(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryRuleStore()
	catalog := NewCatalog(store, newTestValidator(), nil)

	bad := validRule()
	bad.TriggerEvent = "invoice.paid"
	if err := catalog.AddRule(ctx, bad); !IsValidationError(err) {
		t.Fatalf("AddRule() error = %v, want validation error", err)
	}
	if _, err := store.Get(ctx, bad.ID); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("invalid rule was stored")
	}

	if err := catalog.AddRule(ctx, validRule()); err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}
}

// TestCatalog_CandidatesMatchTriggerAndScope verifies global and scoped matching
func TestCatalog_CandidatesMatchTriggerAndScope(t *testing.T) {
	ctx := context.Background()
	catalog := NewCatalog(NewInMemoryRuleStore(), newTestValidator(), nil)

	add := func(id, trigger, legalEntity string, active bool) {
		r := validRule()
		r.ID = id
		r.TriggerEvent = trigger
		r.LegalEntityID = legalEntity
		r.Active = active
		if err := catalog.AddRule(ctx, r); err != nil {
			t.Fatalf("AddRule(%s) failed: %v", id, err)
		}
	}
	add("global", "lead.updated", "", true)
	add("scoped-a", "lead.updated", "le-a", true)
	add("scoped-b", "lead.updated", "le-b", true)
	add("inactive", "lead.updated", "", false)
	add("created", "lead.created", "", true)

	got, err := catalog.Candidates(ctx, "lead.updated", "le-a")
	if err != nil {
		t.Fatalf("Candidates() failed: %v", err)
	}
	if !sameIDs(got, "global", "scoped-a") {
		t.Errorf("Candidates(le-a) = %v, want [global scoped-a]", ids(got))
	}

	got, _ = catalog.Candidates(ctx, "lead.updated", "")
	if !sameIDs(got, "global") {
		t.Errorf("Candidates(no legal entity) = %v, want [global]", ids(got))
	}
}

// TestCatalog_MutationsInvalidateCache verifies deletes are seen by the next lookup
func TestCatalog_MutationsInvalidateCache(t *testing.T) {
	ctx := context.Background()
	catalog := NewCatalog(NewInMemoryRuleStore(), newTestValidator(), nil)

	r := validRule()
	if err := catalog.AddRule(ctx, r); err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}
	got, _ := catalog.Candidates(ctx, "lead.updated", "")
	if len(got) != 1 {
		t.Fatalf("Candidates() = %d rules, want 1", len(got))
	}

	if err := catalog.DeleteRule(ctx, r.ID); err != nil {
		t.Fatalf("DeleteRule() failed: %v", err)
	}
	got, _ = catalog.Candidates(ctx, "lead.updated", "")
	if len(got) != 0 {
		t.Errorf("Candidates() after delete = %v, want none", ids(got))
	}
}

// TestCatalog_WarmSkipsRulesThatNoLongerValidate verifies stale rules are dropped
func TestCatalog_WarmSkipsRulesThatNoLongerValidate(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryRuleStore()

	stale := validRule()
	stale.Actions = []Action{SetField{Path: "retired_field", Value: 1}}
	if err := store.Add(ctx, stale); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	catalog := NewCatalog(store, newTestValidator(), nil)
	n, err := catalog.Warm(ctx)
	if err != nil {
		t.Fatalf("Warm() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Warm() loaded %d rules, want 0", n)
	}
}

func sameIDs(rs []*Rule, want ...string) bool {
	if len(rs) != len(want) {
		return false
	}
	for i := range rs {
		if rs[i].ID != want[i] {
			return false
		}
	}
	return true
}

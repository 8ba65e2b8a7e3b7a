// Package guardrails bounds workflow execution: the depth guard stops
// feedback loops, the ledger dedupes enqueues and throttles reruns within a
// cooldown bucket, and per-run ceilings cap how much one rule may do.
package guardrails

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/liamcoop/automation/rules"
)

// Ledger namespaces.
const (
	NamespaceEnqueue  = "workflow.enqueue"
	NamespaceCooldown = "workflow.cooldown"
)

// Blocked reasons and the failure code of an exceeded ceiling.
const (
	ReasonMaxDepth           = "MAX_DEPTH"
	ReasonMaxActions         = "MAX_ACTIONS"
	ReasonMaxSetFieldActions = "MAX_SET_FIELD_ACTIONS"

	CodeLimitExceeded = "WORKFLOW_LIMIT_EXCEEDED"
)

// Ledger is an idempotent put-if-absent record store. The backing store's
// uniqueness on (namespace, key) is what serializes competing writers.
type Ledger interface {
	// PutIfAbsent records snapshot under (namespace, key) and reports whether
	// this call created the record. A positive ttl lets the record expire.
	PutIfAbsent(ctx context.Context, namespace, key string, snapshot any, ttl time.Duration) (bool, error)
}

// EnqueueKey dedupes job creation per event and rule.
func EnqueueKey(eventID, ruleID string) string {
	return eventID + ":" + ruleID
}

// CooldownBucket is floor(now / cooldown) in whole seconds.
func CooldownBucket(now time.Time, cooldown time.Duration) int64 {
	secs := int64(cooldown / time.Second)
	if secs <= 0 {
		return 0
	}
	return now.Unix() / secs
}

// CooldownKey identifies one (rule, entity, cooldown bucket) execution slot.
func CooldownKey(ruleID, entityType, entityID string, now time.Time, cooldown time.Duration) string {
	return ruleID + ":" + entityType + ":" + entityID + ":" + strconv.FormatInt(CooldownBucket(now, cooldown), 10)
}

// DepthExceeded reports whether an event at depth must not start new work.
// A non-positive maxDepth disables the guard.
func DepthExceeded(depth, maxDepth int) bool {
	return maxDepth > 0 && depth >= maxDepth
}

// Ceilings caps the actions one rule run may execute. Non-positive values
// mean unlimited.
type Ceilings struct {
	MaxActions         int
	MaxSetFieldActions int
}

// Counts are the actions a run has executed so far.
type Counts struct {
	Actions  int `json:"actions"`
	SetField int `json:"set_field"`
}

// LimitExceededError aborts a run that would exceed a ceiling.
type LimitExceededError struct {
	Reason   string
	Limit    int
	Executed Counts
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("%s: %s (limit %d, executed %d actions, %d set_field)",
		CodeLimitExceeded, e.Reason, e.Limit, e.Executed.Actions, e.Executed.SetField)
}

// Code returns the stable failure code.
func (e *LimitExceededError) Code() string {
	return CodeLimitExceeded
}

// Budget tracks one run against its ceilings.
type Budget struct {
	ceilings Ceilings
	counts   Counts
}

func NewBudget(c Ceilings) *Budget {
	return &Budget{ceilings: c}
}

// Check returns a *LimitExceededError when executing one more action of
// type t would exceed a ceiling.
func (b *Budget) Check(t rules.ActionType) error {
	if max := b.ceilings.MaxActions; max > 0 && b.counts.Actions+1 > max {
		return &LimitExceededError{Reason: ReasonMaxActions, Limit: max, Executed: b.counts}
	}
	if t == rules.ActionSetField {
		if max := b.ceilings.MaxSetFieldActions; max > 0 && b.counts.SetField+1 > max {
			return &LimitExceededError{Reason: ReasonMaxSetFieldActions, Limit: max, Executed: b.counts}
		}
	}
	return nil
}

// Record counts an executed action.
func (b *Budget) Record(t rules.ActionType) {
	b.counts.Actions++
	if t == rules.ActionSetField {
		b.counts.SetField++
	}
}

func (b *Budget) Counts() Counts {
	return b.counts
}

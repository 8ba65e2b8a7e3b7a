package automation

import (
	"context"
	"errors"
	"fmt"

	"github.com/liamcoop/automation/actions"
	"github.com/liamcoop/automation/events"
	"github.com/liamcoop/automation/guardrails"
	"github.com/liamcoop/automation/rules"
)

// PreviewResult is what a rule would do to an entity right now.
type PreviewResult struct {
	RuleID  string            `json:"rule_id,omitempty"`
	Entity  events.EntityRef  `json:"entity"`
	Matched bool              `json:"matched"`
	Trace   []rules.LeafTrace `json:"trace"`
	Plans   []actions.Plan    `json:"plans"`

	// Set when the plan would stop at a ceiling.
	Code           string             `json:"code,omitempty"`
	Reason         string             `json:"reason,omitempty"`
	ExecutedCounts *guardrails.Counts `json:"executed_counts,omitempty"`
}

// PreviewRule dry-runs the stored rule ruleID against ref.
func (e *Engine) PreviewRule(ctx context.Context, ruleID string, ref events.EntityRef, actor string) (*PreviewResult, error) {
	rule, err := e.catalog.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	return e.Preview(ctx, rule, ref, actor)
}

// Preview evaluates rule against the current snapshot of ref and plans its
// actions without writing anything, publishing anything or touching the
// guardrail ledger. The rule does not need to be stored, but it must
// validate.
func (e *Engine) Preview(ctx context.Context, rule *rules.Rule, ref events.EntityRef, actor string) (*PreviewResult, error) {
	if err := e.catalog.Validator().Validate(rule); err != nil {
		return nil, err
	}
	if want := rule.EntityType(); want != ref.Type {
		return nil, fmt.Errorf("rule triggers on %s entities, not %s", want, ref.Type)
	}

	snap, err := e.entities.Load(ctx, ref.Type, ref.ID)
	if err != nil {
		return nil, err
	}
	bundle := actions.NewBundle(snap, actor)
	result := &PreviewResult{RuleID: rule.ID, Entity: ref, Plans: []actions.Plan{}}
	result.Matched, result.Trace = rules.Explain(rule.Condition, bundle.Context)
	if !result.Matched {
		return result, nil
	}

	settings := e.settings.Settings(ctx, snap.LegalEntityID)
	budget := guardrails.NewBudget(guardrails.Ceilings{
		MaxActions:         settings.MaxActions,
		MaxSetFieldActions: settings.MaxSetFieldActions,
	})
	for i, action := range rule.Actions {
		if err := budget.Check(action.Type()); err != nil {
			var limit *guardrails.LimitExceededError
			if errors.As(err, &limit) {
				counts := limit.Executed
				result.Code = limit.Code()
				result.Reason = limit.Reason
				result.ExecutedCounts = &counts
				return result, nil
			}
			return nil, err
		}
		plan, err := e.executor.Apply(ctx, action, bundle, true)
		if err != nil {
			return nil, fmt.Errorf("action %d (%s): %w", i, action.Type(), err)
		}
		budget.Record(action.Type())
		result.Plans = append(result.Plans, plan)
	}
	return result, nil
}

package rules

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/liamcoop/automation/events"
	"github.com/liamcoop/automation/fields"
	"github.com/liamcoop/automation/values"
)

// Validator checks authored rules against the trigger allow-list and the
// field registry.
type Validator struct {
	registry *fields.Registry
	triggers events.Triggers
}

// NewValidator creates a validator.
func NewValidator(registry *fields.Registry, triggers events.Triggers) *Validator {
	return &Validator{registry: registry, triggers: triggers}
}

// Registry returns the field registry rules are checked against.
func (v *Validator) Registry() *fields.Registry {
	return v.registry
}

// Validate returns a *ValidationError listing every problem in r.
func (v *Validator) Validate(r *Rule) error {
	verr := &ValidationError{}

	if r.TriggerEvent == "" {
		verr.add("trigger_event", "is required")
	} else if !v.triggers.Allowed(r.TriggerEvent) {
		verr.add("trigger_event", fmt.Sprintf("%q is not an allowed trigger", r.TriggerEvent))
	}
	if r.CooldownSeconds < 0 {
		verr.add("cooldown_seconds", "must not be negative")
	}
	if len(r.Actions) == 0 {
		verr.add("actions", "must contain at least one action")
	}

	if r.Condition != nil {
		v.validateCondition(r.Condition, "condition", verr)
	}

	entityType := r.EntityType()
	if trig, ok := v.triggers[r.TriggerEvent]; ok {
		entityType = trig.EntityType
	}
	for i, a := range r.Actions {
		v.validateAction(entityType, a, fmt.Sprintf("actions[%d]", i), verr)
	}

	return verr.orNil()
}

func (v *Validator) validateCondition(c Condition, at string, verr *ValidationError) {
	switch n := c.(type) {
	case Leaf:
		if n.Path == "" {
			verr.add(at+".path", "is required")
		}
		if !n.Op.Valid() {
			verr.add(at+".op", fmt.Sprintf("unknown operator %q", n.Op))
			return
		}
		switch n.Op {
		case OpExists:
		case OpIn:
			if _, ok := values.AsSequence(n.Value); !ok {
				verr.add(at+".value", "must be a list for operator in")
			}
		case OpGt, OpGte, OpLt, OpLte:
			if n.Value == nil {
				verr.add(at+".value", fmt.Sprintf("is required for operator %s", n.Op))
			}
		}
	case All:
		if len(n.Children) == 0 {
			verr.add(at+".all", "must contain at least one condition")
		}
		for i, child := range n.Children {
			v.validateCondition(child, fmt.Sprintf("%s.all[%d]", at, i), verr)
		}
	case Any:
		if len(n.Children) == 0 {
			verr.add(at+".any", "must contain at least one condition")
		}
		for i, child := range n.Children {
			v.validateCondition(child, fmt.Sprintf("%s.any[%d]", at, i), verr)
		}
	case Not:
		if n.Child == nil {
			verr.add(at+".not", "is required")
			return
		}
		v.validateCondition(n.Child, at+".not", verr)
	case *Expr:
		if n.program == nil {
			prog, err := compileExpr(n.Source)
			if err != nil {
				verr.add(at+".expr", err.Error())
				return
			}
			n.program = prog
		}
	case nil:
		verr.add(at, "is required")
	default:
		verr.add(at, fmt.Sprintf("unknown condition node %T", c))
	}
}

func (v *Validator) validateAction(entityType string, a Action, at string, verr *ValidationError) {
	switch x := a.(type) {
	case SetField:
		typ, custom, err := v.registry.Resolve(entityType, x.Path)
		if err != nil {
			verr.add(at+".path", err.Error())
			return
		}
		if custom {
			return
		}
		if _, err := fields.Coerce(typ, x.Value); err != nil {
			verr.add(at+".value", err.Error())
		}
	case CreateTask:
		if x.Title == "" {
			verr.add(at+".title", "is required")
		}
		if x.DueInDays < 0 {
			verr.add(at+".due_in_days", "must not be negative")
		}
		if x.Assignee != "" {
			if _, err := uuid.Parse(x.Assignee); err != nil {
				verr.add(at+".assignee", "must be a user id")
			}
		}
		if x.TargetRef != nil {
			if !v.registry.HasEntity(x.TargetRef.Type) {
				verr.add(at+".target_ref.type", fmt.Sprintf("unknown entity type %q", x.TargetRef.Type))
			}
			if x.TargetRef.ID == "" {
				verr.add(at+".target_ref.id", "is required")
			}
		}
	case Notify:
		if x.NotificationType == "" {
			verr.add(at+".notification_type", "is required")
		}
		if r, ok := x.Payload["recipient_user_id"]; ok {
			if s, isStr := r.(string); !isStr || s == "" {
				verr.add(at+".payload.recipient_user_id", "must be a non-empty string")
			}
		}
	case nil:
		verr.add(at, "is required")
	default:
		verr.add(at, fmt.Sprintf("unknown action %T", a))
	}
}

package rules

import (
	"encoding/json"
	"fmt"
	"time"
)

// Rule is an authored automation: when TriggerEvent fires for an entity in
// scope and Condition holds, Actions run in order.
type Rule struct {
	ID   string
	Name string
	// LegalEntityID scopes the rule to one legal entity. Empty means global.
	LegalEntityID   string
	TriggerEvent    string
	Active          bool
	CooldownSeconds int
	Condition       Condition
	Actions         []Action
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DeletedAt       *time.Time
}

// IsGlobal reports whether the rule applies to every legal entity.
func (r *Rule) IsGlobal() bool {
	return r.LegalEntityID == ""
}

// InScope reports whether the rule applies to events of legalEntityID.
func (r *Rule) InScope(legalEntityID string) bool {
	return r.IsGlobal() || r.LegalEntityID == legalEntityID
}

// EntityType is the entity type named by the trigger event prefix.
func (r *Rule) EntityType() string {
	for i := 0; i < len(r.TriggerEvent); i++ {
		if r.TriggerEvent[i] == '.' {
			return r.TriggerEvent[:i]
		}
	}
	return r.TriggerEvent
}

// Cooldown returns the cooldown window, zero when the rule has none.
func (r *Rule) Cooldown() time.Duration {
	if r.CooldownSeconds <= 0 {
		return 0
	}
	return time.Duration(r.CooldownSeconds) * time.Second
}

type ruleWire struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	LegalEntityID   *string           `json:"legal_entity_id"`
	TriggerEvent    string            `json:"trigger_event"`
	Active          *bool             `json:"is_active"`
	CooldownSeconds *int              `json:"cooldown_seconds,omitempty"`
	Condition       json.RawMessage   `json:"condition,omitempty"`
	Actions         []json.RawMessage `json:"actions"`
	CreatedAt       *time.Time        `json:"created_at,omitempty"`
	UpdatedAt       *time.Time        `json:"updated_at,omitempty"`
	DeletedAt       *time.Time        `json:"deleted_at,omitempty"`
}

// MarshalJSON renders the rule in its wire form.
func (r *Rule) MarshalJSON() ([]byte, error) {
	w := ruleWire{
		ID:           r.ID,
		Name:         r.Name,
		TriggerEvent: r.TriggerEvent,
		Active:       &r.Active,
		DeletedAt:    r.DeletedAt,
		Actions:      make([]json.RawMessage, 0, len(r.Actions)),
	}
	if r.LegalEntityID != "" {
		w.LegalEntityID = &r.LegalEntityID
	}
	if r.CooldownSeconds > 0 {
		w.CooldownSeconds = &r.CooldownSeconds
	}
	if !r.CreatedAt.IsZero() {
		w.CreatedAt = &r.CreatedAt
	}
	if !r.UpdatedAt.IsZero() {
		w.UpdatedAt = &r.UpdatedAt
	}
	if r.Condition != nil {
		raw, err := MarshalCondition(r.Condition)
		if err != nil {
			return nil, err
		}
		w.Condition = raw
	}
	for _, a := range r.Actions {
		raw, err := MarshalAction(a)
		if err != nil {
			return nil, err
		}
		w.Actions = append(w.Actions, raw)
	}
	return json.Marshal(w)
}

// UnmarshalJSON parses the wire form. Structural problems in the condition
// or actions are reported as *ValidationError.
func (r *Rule) UnmarshalJSON(b []byte) error {
	var w ruleWire
	if err := json.Unmarshal(b, &w); err != nil {
		return invalid("", fmt.Sprintf("malformed rule: %v", err))
	}

	parsed := Rule{
		ID:           w.ID,
		Name:         w.Name,
		TriggerEvent: w.TriggerEvent,
		Active:       true,
		DeletedAt:    w.DeletedAt,
	}
	if w.LegalEntityID != nil {
		parsed.LegalEntityID = *w.LegalEntityID
	}
	if w.Active != nil {
		parsed.Active = *w.Active
	}
	if w.CooldownSeconds != nil {
		parsed.CooldownSeconds = *w.CooldownSeconds
	}
	if w.CreatedAt != nil {
		parsed.CreatedAt = *w.CreatedAt
	}
	if w.UpdatedAt != nil {
		parsed.UpdatedAt = *w.UpdatedAt
	}

	if len(w.Condition) > 0 && string(w.Condition) != "null" {
		cond, err := parseCondition(w.Condition, "condition")
		if err != nil {
			return err
		}
		parsed.Condition = cond
	}

	for i, raw := range w.Actions {
		a, err := parseAction(raw, fmt.Sprintf("actions[%d]", i))
		if err != nil {
			return err
		}
		parsed.Actions = append(parsed.Actions, a)
	}

	*r = parsed
	return nil
}

// ParseRule decodes a rule from its JSON wire form.
func ParseRule(b []byte) (*Rule, error) {
	var r Rule
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

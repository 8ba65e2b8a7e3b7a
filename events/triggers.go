package events

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
)

var (
	// ErrEventNotAllowed is returned for event types that cannot trigger workflows.
	ErrEventNotAllowed = errors.New("event type is not a workflow trigger")
	// ErrMissingEntityRef is returned when the payload does not name an entity.
	ErrMissingEntityRef = errors.New("event payload does not reference an entity")
)

// Trigger describes how an allow-listed event type maps onto an entity.
type Trigger struct {
	EventType  string
	EntityType string
}

// Triggers is the allow-list of workflow trigger event types.
type Triggers map[string]Trigger

// DefaultTriggers allow-lists the lifecycle events of the built-in entity types.
func DefaultTriggers() Triggers {
	t := Triggers{}
	add := func(entityType string, verbs ...string) {
		for _, verb := range verbs {
			et := entityType + "." + verb
			t[et] = Trigger{EventType: et, EntityType: entityType}
		}
	}
	add("lead", "created", "updated", "status_changed", "assigned")
	add("contact", "created", "updated")
	add("account", "created", "updated")
	add("opportunity", "created", "updated", "stage_changed")
	return t
}

// Allowed reports whether eventType may trigger workflows.
func (t Triggers) Allowed(eventType string) bool {
	_, ok := t[eventType]
	return ok
}

// EventTypes lists the allow-listed event types in sorted order.
func (t Triggers) EventTypes() []string {
	out := make([]string, 0, len(t))
	for et := range t {
		out = append(out, et)
	}
	sort.Strings(out)
	return out
}

type refPayload struct {
	EntityType string         `mapstructure:"entity_type"`
	EntityID   string         `mapstructure:"entity_id"`
	ID         string         `mapstructure:"id"`
	Rest       map[string]any `mapstructure:",remain"`
}

// Resolve extracts the entity reference from env. The payload may name the
// entity as entity_id, <entity_type>_id or id, in that order of preference.
func (t Triggers) Resolve(env Envelope) (EntityRef, error) {
	trig, ok := t[env.EventType]
	if !ok {
		return EntityRef{}, fmt.Errorf("%w: %s", ErrEventNotAllowed, env.EventType)
	}

	var p refPayload
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &p,
	})
	if err != nil {
		return EntityRef{}, err
	}
	if err := dec.Decode(env.Payload); err != nil {
		return EntityRef{}, fmt.Errorf("%w: %v", ErrMissingEntityRef, err)
	}

	if p.EntityType != "" && p.EntityType != trig.EntityType {
		return EntityRef{}, fmt.Errorf("%w: payload entity_type %q does not match %s", ErrMissingEntityRef, p.EntityType, env.EventType)
	}

	id := p.EntityID
	if id == "" {
		if v, ok := p.Rest[trig.EntityType+"_id"]; ok && v != nil {
			id = fmt.Sprint(v)
		}
	}
	if id == "" {
		id = p.ID
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return EntityRef{}, fmt.Errorf("%w: %s", ErrMissingEntityRef, env.EventType)
	}
	return EntityRef{Type: trig.EntityType, ID: id}, nil
}

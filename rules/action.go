package rules

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/liamcoop/automation/events"
)

// ActionType discriminates the closed set of workflow actions.
type ActionType string

const (
	ActionSetField   ActionType = "set_field"
	ActionCreateTask ActionType = "create_task"
	ActionNotify     ActionType = "notify"
)

// Action is one step of a rule. Implementations are SetField, CreateTask
// and Notify.
type Action interface {
	Type() ActionType
}

// SetField writes Value to a flat allow-listed field or to
// custom_fields.<key> on the triggering entity.
type SetField struct {
	Path  string
	Value any
}

// CreateTask creates a task activity due DueInDays from now. A nil
// TargetRef targets the triggering entity.
type CreateTask struct {
	Title     string
	DueInDays int
	Assignee  string
	TargetRef *events.EntityRef
}

// Notify creates a notification intent for the triggering entity.
type Notify struct {
	NotificationType string
	Payload          map[string]any
}

func (SetField) Type() ActionType   { return ActionSetField }
func (CreateTask) Type() ActionType { return ActionCreateTask }
func (Notify) Type() ActionType     { return ActionNotify }

type setFieldWire struct {
	Type  ActionType `json:"type"`
	Path  string     `json:"path"`
	Value any        `json:"value"`
}

type createTaskWire struct {
	Type      ActionType        `json:"type"`
	Title     string            `json:"title"`
	DueInDays int               `json:"due_in_days"`
	Assignee  string            `json:"assignee,omitempty"`
	TargetRef *events.EntityRef `json:"target_ref,omitempty"`
}

type notifyWire struct {
	Type             ActionType     `json:"type"`
	NotificationType string         `json:"notification_type"`
	Payload          map[string]any `json:"payload,omitempty"`
}

// ParseAction decodes one action from its JSON wire form.
func ParseAction(b []byte) (Action, error) {
	return parseAction(b, "action")
}

func parseAction(b []byte, at string) (Action, error) {
	obj, err := decodeObject(b, at)
	if err != nil {
		return nil, err
	}
	var typ ActionType
	if err := json.Unmarshal(obj["type"], &typ); err != nil {
		return nil, invalid(at+".type", "must be a string")
	}

	strict := func(v any) error {
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		dec.DisallowUnknownFields()
		if err := dec.Decode(v); err != nil {
			return invalid(at, fmt.Sprintf("malformed %s action: %v", typ, err))
		}
		return nil
	}

	switch typ {
	case ActionSetField:
		var w setFieldWire
		if err := strict(&w); err != nil {
			return nil, err
		}
		if !has(obj, "value") {
			return nil, invalid(at+".value", "is required")
		}
		return SetField{Path: w.Path, Value: w.Value}, nil
	case ActionCreateTask:
		var w createTaskWire
		if err := strict(&w); err != nil {
			return nil, err
		}
		return CreateTask{Title: w.Title, DueInDays: w.DueInDays, Assignee: w.Assignee, TargetRef: w.TargetRef}, nil
	case ActionNotify:
		var w notifyWire
		if err := strict(&w); err != nil {
			return nil, err
		}
		return Notify{NotificationType: w.NotificationType, Payload: w.Payload}, nil
	}
	return nil, invalid(at+".type", fmt.Sprintf("unknown action type %q", typ))
}

// MarshalAction renders an action in its JSON wire form.
func MarshalAction(a Action) (json.RawMessage, error) {
	switch x := a.(type) {
	case SetField:
		return json.Marshal(setFieldWire{Type: ActionSetField, Path: x.Path, Value: x.Value})
	case CreateTask:
		return json.Marshal(createTaskWire{Type: ActionCreateTask, Title: x.Title, DueInDays: x.DueInDays, Assignee: x.Assignee, TargetRef: x.TargetRef})
	case Notify:
		return json.Marshal(notifyWire{Type: ActionNotify, NotificationType: x.NotificationType, Payload: x.Payload})
	}
	return nil, fmt.Errorf("unknown action %T", a)
}

// Package jobs persists workflow execution jobs and runs them.
package jobs

import (
	"errors"
	"time"

	"github.com/liamcoop/automation/actions"
	"github.com/liamcoop/automation/guardrails"
)

// ErrJobNotFound is returned when no job has the requested ID.
var ErrJobNotFound = errors.New("job not found")

// ErrAbandoned is recorded on jobs left running past the worker's stale
// threshold.
var ErrAbandoned = errors.New("job abandoned while running")

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

type Type string

const TypeWorkflowExecution Type = "WORKFLOW_EXECUTION"

// Params identify what a workflow job runs against.
type Params struct {
	RuleID     string `json:"rule_id"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	// Depth is the workflow depth of the triggering event.
	Depth     int    `json:"depth"`
	Requester string `json:"requester,omitempty"`
	// Scope is the legal entity of the triggering event.
	Scope string `json:"scope,omitempty"`
}

// Result is the structured outcome of a finished job.
type Result struct {
	RuleID  string `json:"rule_id"`
	EventID string `json:"event_id"`

	Matched              bool           `json:"matched"`
	Throttled            bool           `json:"throttled,omitempty"`
	ActionsExecutedCount int            `json:"actions_executed_count"`
	MutationSummary      []actions.Plan `json:"mutation_summary,omitempty"`

	Code           string             `json:"code,omitempty"`
	Reason         string             `json:"reason,omitempty"`
	ExecutedCounts *guardrails.Counts `json:"executed_counts,omitempty"`
	PartialPlan    []actions.Plan     `json:"partial_plan,omitempty"`
	Error          string             `json:"error,omitempty"`
}

type Job struct {
	ID            string     `json:"id"`
	Type          Type       `json:"type"`
	Status        Status     `json:"status"`
	Params        Params     `json:"params"`
	Result        *Result    `json:"result,omitempty"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

func (j *Job) clone() *Job {
	c := *j
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

package main

import (
	"time"

	"github.com/liamcoop/automation/events"
	"github.com/liamcoop/automation/fields"
	"github.com/liamcoop/automation/jobs"
	"github.com/liamcoop/automation/rules"
)

// API request and response models

// HealthResponse reports liveness and the logger's error counters
type HealthResponse struct {
	Status        string `json:"status"`
	TenantsLoaded int    `json:"tenantsLoaded"`
	Errors        int64  `json:"errors"`
	Warnings      int64  `json:"warnings"`
}

// CreateTenantRequest represents the request body for creating a tenant.
// A missing schema falls back to the built-in lead and opportunity fields.
type CreateTenantRequest struct {
	Name   string        `json:"name"`
	Schema fields.Schema `json:"schema,omitempty"`
}

// TenantResponse represents a tenant in API responses
type TenantResponse struct {
	ID        string     `json:"id"`
	Name      string     `json:"name,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// TenantsListResponse represents the response for listing tenants
type TenantsListResponse struct {
	Tenants []TenantResponse `json:"tenants"`
}

// CreateSchemaRequest represents the request body for replacing a schema
type CreateSchemaRequest struct {
	Definition fields.Schema `json:"definition"`
}

// SchemaResponse represents a schema in API responses
type SchemaResponse struct {
	Status     string        `json:"status"`
	Definition fields.Schema `json:"definition"`
}

// PreviewRequest names the entity a stored rule is previewed against
type PreviewRequest struct {
	Entity events.EntityRef `json:"entity"`
	Actor  string           `json:"actor,omitempty"`
}

// PreviewDraftRequest carries an unsaved rule to preview
type PreviewDraftRequest struct {
	Rule   *rules.Rule      `json:"rule"`
	Entity events.EntityRef `json:"entity"`
	Actor  string           `json:"actor,omitempty"`
}

// EventResponse lists the jobs an event enqueued
type EventResponse struct {
	Jobs []*jobs.Job `json:"jobs"`
}

// UpsertEntityRequest seeds an entity snapshot in the dev store
type UpsertEntityRequest struct {
	LegalEntityID string         `json:"legal_entity_id"`
	Attributes    map[string]any `json:"attributes"`
	CustomFields  map[string]any `json:"custom_fields,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

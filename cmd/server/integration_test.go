//go:build integration

package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/liamcoop/automation/config"
	"github.com/liamcoop/automation/internal/testpg"
)

// TestEndToEnd_Postgres runs an event through a Postgres-backed server and
// reloads the tenant in a fresh one
func TestEndToEnd_Postgres(t *testing.T) {
	db := testpg.Start(t)
	cfg := testConfig()
	cfg.LedgerBackend = config.LedgerPostgres
	cfg.Settings.AutoRun = false

	server, err := NewServer(cfg, db, nil, nil)
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}
	ts := httptest.NewServer(server)
	defer ts.Close()
	baseURL := ts.URL + "/api/v1"

	t.Log("Step 1: Creating tenant...")
	tenantID := createTenant(t, baseURL)
	tenantURL := baseURL + "/tenants/" + tenantID

	list := makeRequest(t, "GET", baseURL+"/tenants", nil, http.StatusOK)
	if tenants, _ := list["tenants"].([]any); len(tenants) != 1 {
		t.Fatalf("Expected 1 tenant, got %v", list)
	}

	t.Log("Step 2: Adding rule...")
	makeRequest(t, "POST", tenantURL+"/rules", qualifyRule, http.StatusCreated)

	t.Log("Step 3: Posting event...")
	resp := makeRequest(t, "POST", tenantURL+"/events", map[string]any{
		"event_id":        "evt-1",
		"event_type":      "lead.updated",
		"legal_entity_id": "le-1",
		"payload":         map[string]any{"entity_id": "lead-1"},
	}, http.StatusAccepted)
	queued, _ := resp["jobs"].([]any)
	if len(queued) != 1 {
		t.Fatalf("Expected 1 job, got %v", resp)
	}
	jobID := queued[0].(map[string]any)["id"].(string)
	if status := queued[0].(map[string]any)["status"]; status != "queued" {
		t.Errorf("Expected queued job, got %v", status)
	}

	t.Log("Step 4: Running job...")
	job := makeRequest(t, "POST", tenantURL+"/jobs/"+jobID+"/run", nil, http.StatusOK)
	if job["status"] != "succeeded" {
		t.Errorf("Expected job to succeed, got %v", job)
	}

	// A second server sees the stored tenant, rule and job.
	fresh, err := NewServer(cfg, db, nil, nil)
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}
	if _, err := fresh.engineManager.LoadAllTenants(t.Context()); err != nil {
		t.Fatalf("LoadAllTenants() failed: %v", err)
	}
	ts2 := httptest.NewServer(fresh)
	defer ts2.Close()

	rules := makeRequest(t, "GET", ts2.URL+"/api/v1/tenants/"+tenantID+"/rules", nil, http.StatusOK)
	if list, _ := rules["rules"].([]any); len(list) != 1 {
		t.Errorf("Expected 1 stored rule, got %v", rules)
	}
	stored := makeRequest(t, "GET", ts2.URL+"/api/v1/tenants/"+tenantID+"/jobs/"+jobID, nil, http.StatusOK)
	if stored["status"] != "succeeded" {
		t.Errorf("Expected stored job to be succeeded, got %v", stored)
	}
}

package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/liamcoop/automation/actions"
	"github.com/liamcoop/automation/authz"
	"github.com/liamcoop/automation/automation"
	"github.com/liamcoop/automation/config"
	"github.com/liamcoop/automation/events"
	"github.com/liamcoop/automation/fields"
	"github.com/liamcoop/automation/internal/logger"
	"github.com/liamcoop/automation/jobs"
	"github.com/liamcoop/automation/metrics"
	"github.com/liamcoop/automation/multitenantengine"
	"github.com/liamcoop/automation/ports"
	"github.com/liamcoop/automation/rules"
)

type Server struct {
	db            *sql.DB
	engineManager *multitenantengine.MultiTenantEngineManager
	backends      *backendFactory
	registry      *prometheus.Registry
	router        *chi.Mux
	logger        *slog.Logger
}

// NewServer wires the engine manager over db. A nil db keeps every store in
// memory; rdb is only needed for the redis ledger.
func NewServer(cfg config.Config, db *sql.DB, rdb *redis.Client, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = logger.Logger
	}
	mode, err := cfg.Mode()
	if err != nil {
		return nil, err
	}
	var authorizer *authz.Authorizer
	if cfg.AuthzModelPath != "" {
		authorizer, err = authz.NewAuthorizer(cfg.AuthzModelPath, cfg.AuthzPolicyPath, mode, log)
	} else {
		authorizer, err = authz.NewFromPolicies(authz.DefaultPolicy, nil, mode, log)
	}
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	backends := newBackendFactory(cfg, db, rdb, authorizer, metrics.New(registry), log)

	s := &Server{
		db:            db,
		engineManager: multitenantengine.NewMultiTenantEngineManager(db, backends.build, log),
		backends:      backends,
		registry:      registry,
		logger:        log,
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Route("/api/v1/tenants", func(r chi.Router) {
		r.Get("/", s.handleListTenants)
		r.Post("/", s.handleCreateTenant)

		r.Route("/{tenantId}", func(r chi.Router) {
			// Schema management
			r.Post("/schema", s.handleUpdateSchema)
			r.Get("/schema", s.handleGetSchema)

			// Rule management
			r.Post("/rules", s.handleCreateRule)
			r.Get("/rules", s.handleListRules)
			r.Get("/rules/{ruleId}", s.handleGetRule)
			r.Put("/rules/{ruleId}", s.handleUpdateRule)
			r.Delete("/rules/{ruleId}", s.handleDeleteRule)
			r.Post("/rules/{ruleId}/preview", s.handlePreviewRule)
			r.Post("/preview", s.handlePreviewDraft)

			// Events and jobs
			r.Post("/events", s.handleEvent)
			r.Get("/jobs/{jobId}", s.handleGetJob)
			r.Post("/jobs/{jobId}/run", s.handleRunJob)

			// Dev entity snapshots
			r.Put("/entities/{entityType}/{entityId}", s.handleUpsertEntity)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger logs each request and feeds the logger's HTTP counters.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		switch {
		case status >= 500:
			logger.ErrorHttp5xx()
		case status >= 400:
			logger.WarnHttp4xx(status)
		}
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) engine(w http.ResponseWriter, r *http.Request) (*automation.Engine, bool) {
	engine, err := s.engineManager.GetEngine(chi.URLParam(r, "tenantId"))
	if err != nil {
		respondError(w, http.StatusNotFound, "tenant not found", err)
		return nil, false
	}
	return engine, true
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}

	respondJSON(w, http.StatusOK, HealthResponse{
		Status:        "healthy",
		TenantsLoaded: len(s.engineManager.ListTenants()),
		Errors:        logger.TotalErrors.Load(),
		Warnings:      logger.TotalWarnings.Load(),
	})
}

// List tenants handler
func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		tenants := []TenantResponse{}
		for _, id := range s.engineManager.ListTenants() {
			tenants = append(tenants, TenantResponse{ID: id})
		}
		respondJSON(w, http.StatusOK, TenantsListResponse{Tenants: tenants})
		return
	}

	rows, err := s.db.QueryContext(r.Context(), "SELECT id, name, created_at, updated_at FROM tenants ORDER BY created_at DESC")
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list tenants", err)
		return
	}
	defer rows.Close()

	tenants := []TenantResponse{}
	for rows.Next() {
		var t TenantResponse
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt, &t.UpdatedAt); err != nil {
			respondError(w, http.StatusInternalServerError, "failed to scan tenant", err)
			return
		}
		tenants = append(tenants, t)
	}
	respondJSON(w, http.StatusOK, TenantsListResponse{Tenants: tenants})
}

// Create tenant handler
func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req CreateTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required", nil)
		return
	}
	if req.Schema == nil {
		req.Schema = fields.DefaultSchema()
	}

	tenantID, err := s.engineManager.ProvisionTenant(r.Context(), req.Name, req.Schema)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to create tenant", err)
		return
	}
	respondJSON(w, http.StatusCreated, TenantResponse{ID: tenantID, Name: req.Name})
}

// Update schema handler
func (s *Server) handleUpdateSchema(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	var req CreateSchemaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if err := fields.ValidateSchema(req.Definition); err != nil {
		respondError(w, http.StatusBadRequest, "invalid schema", err)
		return
	}

	// Builds the new engine before swapping it in.
	if err := s.engineManager.UpdateTenantSchema(r.Context(), tenantID, req.Definition); err != nil {
		respondError(w, statusFor(err), "failed to update schema", err)
		return
	}
	engine, err := s.engineManager.GetEngine(tenantID)
	if err != nil {
		respondError(w, http.StatusNotFound, "tenant not found", err)
		return
	}
	candidates, err := engine.Catalog().ListRules(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "active",
		"rulesStored": len(candidates),
	})
}

// Get schema handler
func (s *Server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	schema, err := s.engineManager.GetSchema(chi.URLParam(r, "tenantId"))
	if err != nil {
		respondError(w, http.StatusNotFound, "schema not found", err)
		return
	}
	respondJSON(w, http.StatusOK, SchemaResponse{Status: "active", Definition: schema})
}

func decodeRule(w http.ResponseWriter, r *http.Request) (*rules.Rule, bool) {
	var rule rules.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		message := "invalid request body"
		if rules.IsValidationError(err) {
			message = "invalid rule"
		}
		respondError(w, http.StatusBadRequest, message, err)
		return nil, false
	}
	return &rule, true
}

// Create rule handler
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	rule, ok := decodeRule(w, r)
	if !ok {
		return
	}
	if err := engine.Catalog().AddRule(r.Context(), rule); err != nil {
		respondError(w, statusFor(err), "failed to add rule", err)
		return
	}
	respondJSON(w, http.StatusCreated, rule)
}

// List rules handler
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	list, err := engine.Catalog().ListRules(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}
	if list == nil {
		list = []*rules.Rule{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"rules": list})
}

// Get rule handler
func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	rule, err := engine.Catalog().GetRule(r.Context(), chi.URLParam(r, "ruleId"))
	if err != nil {
		respondError(w, statusFor(err), "rule not found", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

// Update rule handler
func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	rule, ok := decodeRule(w, r)
	if !ok {
		return
	}
	rule.ID = chi.URLParam(r, "ruleId")
	if err := engine.Catalog().UpdateRule(r.Context(), rule); err != nil {
		respondError(w, statusFor(err), "failed to update rule", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

// Delete rule handler
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	if err := engine.Catalog().DeleteRule(r.Context(), chi.URLParam(r, "ruleId")); err != nil {
		respondError(w, statusFor(err), "rule not found", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Preview a stored rule against an entity
func (s *Server) handlePreviewRule(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	var req PreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	result, err := engine.PreviewRule(r.Context(), chi.URLParam(r, "ruleId"), req.Entity, req.Actor)
	if err != nil {
		respondError(w, statusFor(err), "preview failed", err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// Preview an unsaved rule against an entity
func (s *Server) handlePreviewDraft(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	var req PreviewDraftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Rule == nil {
		respondError(w, http.StatusBadRequest, "rule is required", nil)
		return
	}
	result, err := engine.Preview(r.Context(), req.Rule, req.Entity, req.Actor)
	if err != nil {
		respondError(w, statusFor(err), "preview failed", err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// Event ingestion handler
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	var env events.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if env.EventID == "" {
		respondError(w, http.StatusBadRequest, "event_id is required", nil)
		return
	}
	if env.CorrelationID == "" {
		env.CorrelationID = middleware.GetReqID(r.Context())
	}

	created, err := engine.HandleEvent(r.Context(), env)
	if err != nil {
		respondError(w, statusFor(err), "failed to handle event", err)
		return
	}
	if created == nil {
		created = []*jobs.Job{}
	}
	respondJSON(w, http.StatusAccepted, EventResponse{Jobs: created})
}

// Get job handler
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	job, err := engine.Jobs().Get(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		respondError(w, statusFor(err), "job not found", err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// Run job handler
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	job, err := engine.Process(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		respondError(w, statusFor(err), "failed to run job", err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// Dev entity snapshot upsert handler
func (s *Server) handleUpsertEntity(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	if _, err := s.engineManager.GetEngine(tenantID); err != nil {
		respondError(w, http.StatusNotFound, "tenant not found", err)
		return
	}
	var req UpsertEntityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	store, err := s.backends.entities(tenantID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "entity store unavailable", err)
		return
	}
	snap := store.Upsert(ports.Snapshot{
		Ref:           events.EntityRef{Type: chi.URLParam(r, "entityType"), ID: chi.URLParam(r, "entityId")},
		LegalEntityID: req.LegalEntityID,
		Attributes:    req.Attributes,
		CustomFields:  req.CustomFields,
	})
	respondJSON(w, http.StatusOK, snap)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var forbidden *ports.ForbiddenFieldsError
	switch {
	case rules.IsValidationError(err):
		return http.StatusBadRequest
	case errors.Is(err, rules.ErrRuleExists):
		return http.StatusConflict
	case errors.Is(err, rules.ErrRuleNotFound),
		errors.Is(err, jobs.ErrJobNotFound),
		errors.Is(err, ports.ErrEntityNotFound),
		errors.Is(err, ports.ErrNotVisible),
		errors.Is(err, multitenantengine.ErrTenantNotFound):
		return http.StatusNotFound
	case errors.As(err, &forbidden):
		return http.StatusForbidden
	case actions.IsValidationError(err):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	respondJSON(w, status, response)
}

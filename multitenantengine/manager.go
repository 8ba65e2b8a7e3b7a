package multitenantengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/liamcoop/automation/automation"
	"github.com/liamcoop/automation/fields"
	"github.com/liamcoop/automation/txn"
)

// ErrTenantNotFound is returned for tenants without a loaded engine.
var ErrTenantNotFound = errors.New("tenant not found")

// EngineBuilder creates the automation engine of one tenant over its field
// registry.
type EngineBuilder func(tenantID string, registry *fields.Registry) (*automation.Engine, error)

// TenantEngine wraps an automation.Engine with tenant-specific metadata
type TenantEngine struct {
	TenantID string
	Schema   fields.Schema
	Engine   *automation.Engine
}

// MultiTenantEngineManager manages engines for all tenants. With a nil db
// tenants live only in memory.
type MultiTenantEngineManager struct {
	engines map[string]*TenantEngine
	db      *sql.DB
	build   EngineBuilder
	logger  *slog.Logger
	mu      sync.RWMutex
}

// NewMultiTenantEngineManager creates a new manager instance
func NewMultiTenantEngineManager(db *sql.DB, build EngineBuilder, logger *slog.Logger) *MultiTenantEngineManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiTenantEngineManager{
		engines: make(map[string]*TenantEngine),
		db:      db,
		build:   build,
		logger:  logger,
	}
}

// LoadAllTenants loads every tenant with an active schema and initializes
// its engine. It returns the number of tenants loaded.
func (m *MultiTenantEngineManager) LoadAllTenants(ctx context.Context) (int, error) {
	if m.db == nil {
		return 0, nil
	}
	rows, err := m.db.QueryContext(ctx, `
		SELECT t.id, s.definition
		FROM tenants t
		JOIN schemas s ON s.tenant_id = t.id
		WHERE s.active = true
		ORDER BY t.created_at
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch tenants: %w", err)
	}

	type tenantRow struct {
		id     string
		schema fields.Schema
	}
	var loaded []tenantRow
	for rows.Next() {
		var (
			tenantID   string
			schemaJSON []byte
		)
		if err := rows.Scan(&tenantID, &schemaJSON); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan tenant row: %w", err)
		}
		var schema fields.Schema
		if err := json.Unmarshal(schemaJSON, &schema); err != nil {
			rows.Close()
			return 0, fmt.Errorf("invalid schema for tenant %s: %w", tenantID, err)
		}
		loaded = append(loaded, tenantRow{id: tenantID, schema: schema})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("error iterating tenant rows: %w", err)
	}
	rows.Close()

	for _, t := range loaded {
		if err := m.CreateTenant(ctx, t.id, t.schema); err != nil {
			return 0, fmt.Errorf("failed to initialize tenant %s: %w", t.id, err)
		}
	}
	m.logger.Info("tenants loaded", "count", len(loaded))
	return len(loaded), nil
}

// ProvisionTenant registers a new tenant with its first schema and starts
// its engine. It returns the new tenant ID.
func (m *MultiTenantEngineManager) ProvisionTenant(ctx context.Context, name string, schema fields.Schema) (string, error) {
	if err := fields.ValidateSchema(schema); err != nil {
		return "", err
	}
	tenantID := uuid.NewString()
	if m.db != nil {
		err := txn.NewSQL(m.db).InTx(ctx, func(ctx context.Context) error {
			q := txn.Querier(ctx, m.db)
			if err := q.QueryRowContext(ctx,
				`INSERT INTO tenants (name) VALUES ($1) RETURNING id`, name,
			).Scan(&tenantID); err != nil {
				return fmt.Errorf("failed to create tenant: %w", err)
			}
			_, err := m.saveSchema(ctx, tenantID, schema)
			return err
		})
		if err != nil {
			return "", err
		}
	}
	if err := m.CreateTenant(ctx, tenantID, schema); err != nil {
		return "", err
	}
	return tenantID, nil
}

// CreateTenant builds and registers the engine of a tenant whose schema is
// already stored. Its active rules are loaded into the engine's catalog.
func (m *MultiTenantEngineManager) CreateTenant(ctx context.Context, tenantID string, schema fields.Schema) error {
	te, err := m.newTenantEngine(ctx, tenantID, schema)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.engines[tenantID] = te
	m.mu.Unlock()
	return nil
}

func (m *MultiTenantEngineManager) newTenantEngine(ctx context.Context, tenantID string, schema fields.Schema) (*TenantEngine, error) {
	registry, err := fields.NewRegistry(schema)
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	engine, err := m.build(tenantID, registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	active, err := engine.Catalog().Warm(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	m.logger.Info("tenant engine ready", "tenant_id", tenantID, "active_rules", active)
	return &TenantEngine{TenantID: tenantID, Schema: schema, Engine: engine}, nil
}

// GetEngine retrieves the engine for a specific tenant
func (m *MultiTenantEngineManager) GetEngine(tenantID string) (*automation.Engine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	te, exists := m.engines[tenantID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}
	return te.Engine, nil
}

// GetSchema returns the active schema of a tenant.
func (m *MultiTenantEngineManager) GetSchema(tenantID string) (fields.Schema, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	te, exists := m.engines[tenantID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}
	return te.Schema, nil
}

// UpdateTenantSchema stores a new schema version and atomically swaps in an
// engine built over it. Rules that no longer validate against the new
// schema stay stored but are left out of the new engine's candidates.
func (m *MultiTenantEngineManager) UpdateTenantSchema(ctx context.Context, tenantID string, newSchema fields.Schema) error {
	if err := fields.ValidateSchema(newSchema); err != nil {
		return err
	}
	if _, err := m.GetEngine(tenantID); err != nil {
		return err
	}

	next, err := m.newTenantEngine(ctx, tenantID, newSchema)
	if err != nil {
		return err
	}

	version := 0
	if m.db != nil {
		err := txn.NewSQL(m.db).InTx(ctx, func(ctx context.Context) error {
			v, err := m.saveSchema(ctx, tenantID, newSchema)
			version = v
			return err
		})
		if err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.engines[tenantID] = next
	m.mu.Unlock()

	m.logger.Info("tenant schema updated", "tenant_id", tenantID, "version", version)
	return nil
}

// saveSchema deactivates the current schema and inserts the next version.
func (m *MultiTenantEngineManager) saveSchema(ctx context.Context, tenantID string, schema fields.Schema) (int, error) {
	q := txn.Querier(ctx, m.db)
	if _, err := q.ExecContext(ctx, `
		UPDATE schemas
		SET active = false
		WHERE tenant_id = $1 AND active
	`, tenantID); err != nil {
		return 0, fmt.Errorf("failed to deactivate old schemas: %w", err)
	}

	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal schema: %w", err)
	}

	var version int
	err = q.QueryRowContext(ctx, `
		INSERT INTO schemas (tenant_id, version, definition, active, created_at)
		SELECT $1, COALESCE(MAX(version), 0) + 1, $2, true, NOW()
		FROM schemas
		WHERE tenant_id = $1
		RETURNING version
	`, tenantID, schemaJSON).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to save new schema: %w", err)
	}
	return version, nil
}

// ListTenants returns all loaded tenant IDs in sorted order.
func (m *MultiTenantEngineManager) ListTenants() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tenants := make([]string, 0, len(m.engines))
	for tenantID := range m.engines {
		tenants = append(tenants, tenantID)
	}
	sort.Strings(tenants)
	return tenants
}

// DeleteTenant removes a tenant's engine from the cache
// Note: This does not delete the tenant from the database
func (m *MultiTenantEngineManager) DeleteTenant(tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.engines[tenantID]; !exists {
		return fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}
	delete(m.engines, tenantID)
	return nil
}

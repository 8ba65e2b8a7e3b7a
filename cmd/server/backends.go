package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/liamcoop/automation/audit"
	"github.com/liamcoop/automation/automation"
	"github.com/liamcoop/automation/config"
	"github.com/liamcoop/automation/entities"
	"github.com/liamcoop/automation/fields"
	"github.com/liamcoop/automation/guardrails"
	"github.com/liamcoop/automation/jobs"
	"github.com/liamcoop/automation/metrics"
	"github.com/liamcoop/automation/ports"
	"github.com/liamcoop/automation/rules"
	"github.com/liamcoop/automation/txn"
)

// tenantBackends are the stores of one tenant. They outlive the engines
// built over them so a schema swap keeps rules, jobs and entities.
type tenantBackends struct {
	entities *entities.MemoryStore
	rules    rules.RuleStore
	jobs     jobs.Store
	audit    audit.Recorder
	ledger   guardrails.Ledger
	txn      txn.Transactor
}

// backendFactory builds engines for the multi-tenant manager.
type backendFactory struct {
	cfg        config.Config
	db         *sql.DB
	redis      *redis.Client
	authorizer ports.FieldWriteAuthorizer
	metrics    *metrics.Metrics
	logger     *slog.Logger

	mu      sync.Mutex
	tenants map[string]*tenantBackends
}

func newBackendFactory(cfg config.Config, db *sql.DB, rdb *redis.Client, authorizer ports.FieldWriteAuthorizer, m *metrics.Metrics, logger *slog.Logger) *backendFactory {
	return &backendFactory{
		cfg:        cfg,
		db:         db,
		redis:      rdb,
		authorizer: authorizer,
		metrics:    m,
		logger:     logger,
		tenants:    make(map[string]*tenantBackends),
	}
}

func (f *backendFactory) backends(tenantID string) (*tenantBackends, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.tenants[tenantID]; ok {
		return b, nil
	}

	b := &tenantBackends{entities: entities.NewMemoryStore()}
	if f.db != nil {
		b.rules = rules.NewPostgresRuleStore(f.db, tenantID)
		b.jobs = jobs.NewPostgresStore(f.db, tenantID)
		b.audit = audit.NewPostgresRecorder(f.db, tenantID)
		b.txn = txn.NewSQL(f.db)
	} else {
		b.rules = rules.NewInMemoryRuleStore()
		b.jobs = jobs.NewMemoryStore()
		b.audit = audit.NewMemoryRecorder()
		b.txn = txn.NewMemory()
	}

	switch f.cfg.LedgerBackend {
	case config.LedgerPostgres:
		if f.db == nil {
			return nil, fmt.Errorf("postgres ledger requires a database")
		}
		b.ledger = guardrails.NewPostgresLedger(f.db)
	case config.LedgerRedis:
		if f.redis == nil {
			return nil, fmt.Errorf("redis ledger requires a redis client")
		}
		b.ledger = guardrails.NewRedisLedger(f.redis, f.cfg.RedisPrefix+tenantID+":")
	default:
		b.ledger = guardrails.NewMemoryLedger()
	}

	f.tenants[tenantID] = b
	return b, nil
}

// entities returns the dev entity store of a tenant.
func (f *backendFactory) entities(tenantID string) (*entities.MemoryStore, error) {
	b, err := f.backends(tenantID)
	if err != nil {
		return nil, err
	}
	return b.entities, nil
}

func (f *backendFactory) build(tenantID string, registry *fields.Registry) (*automation.Engine, error) {
	b, err := f.backends(tenantID)
	if err != nil {
		return nil, err
	}
	return automation.New(automation.Deps{
		Entities:          b.entities,
		Registry:          registry,
		Rules:             b.rules,
		Jobs:              b.jobs,
		Ledger:            b.ledger,
		Audit:             b.audit,
		Settings:          config.StaticSettings(f.cfg.Settings),
		Transactor:        b.txn,
		Authorizer:        f.authorizer,
		Metrics:           f.metrics,
		Logger:            f.logger.With("tenant_id", tenantID),
		ErrorMessageLimit: f.cfg.ErrorMessageLimit,
	})
}

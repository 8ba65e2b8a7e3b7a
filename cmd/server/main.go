package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/liamcoop/automation/config"
	"github.com/liamcoop/automation/internal/logger"
	"github.com/liamcoop/automation/jobs"
)

func openDatabase(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// runWorkers drains queued jobs of every loaded tenant until ctx is done.
func (s *Server) runWorkers(ctx context.Context, interval time.Duration, batch int, staleAfter time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, tenantID := range s.engineManager.ListTenants() {
			engine, err := s.engineManager.GetEngine(tenantID)
			if err != nil {
				continue
			}
			worker := jobs.NewWorker(engine.Jobs(), engine.Runner(), interval, batch, s.logger.With("tenant_id", tenantID)).
				WithStaleAfter(staleAfter)
			if _, err := worker.RunOnce(ctx); err != nil {
				logger.Error("worker pass failed", "tenant_id", tenantID, "error", err)
				continue
			}
			if err := engine.Bus().Drain(ctx); err != nil {
				logger.Error("follow-up delivery failed", "tenant_id", tenantID, "error", err)
			}
		}
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("invalid configuration", "error", err)
	}
	if err := logger.Setup(ctx, logger.Options{
		Level:           cfg.LogLevel,
		ErrorSampleRate: cfg.ErrorSampleRate,
		ServiceName:     "automation-server",
		OTLPEndpoint:    cfg.OTLPEndpoint,
	}); err != nil {
		logger.Fatal("failed to set up logging", "error", err)
	}
	defer logger.Shutdown(context.Background())

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = openDatabase(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("database unavailable", "error", err)
		}
		defer db.Close()
	} else {
		logger.Warn("no database configured, tenants are kept in memory")
	}

	var rdb *redis.Client
	if cfg.LedgerBackend == config.LedgerRedis {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis unavailable", "addr", cfg.RedisAddr, "error", err)
		}
		defer rdb.Close()
	}

	server, err := NewServer(cfg, db, rdb, logger.Logger)
	if err != nil {
		logger.Fatal("failed to create server", "error", err)
	}

	n, err := server.engineManager.LoadAllTenants(ctx)
	if err != nil {
		logger.Fatal("failed to load tenants", "error", err)
	}
	logger.Info("tenants loaded", "count", n, "tenants", server.engineManager.ListTenants())

	go server.runWorkers(ctx, cfg.WorkerInterval, cfg.WorkerBatch, cfg.WorkerStaleAfter)

	httpServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.HTTPPort, "ledger", cfg.LedgerBackend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed to start", "error", err)
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	logger.Info("server stopped")
}

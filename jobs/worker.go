package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/liamcoop/automation/internal/logger"
)

// Worker pulls queued jobs from a store and runs them.
type Worker struct {
	store      Store
	runner     *Runner
	interval   time.Duration
	batch      int
	staleAfter time.Duration
	logger     *slog.Logger
}

func NewWorker(store Store, runner *Runner, interval time.Duration, batch int, log *slog.Logger) *Worker {
	if interval <= 0 {
		interval = time.Second
	}
	if log == nil {
		log = logger.Logger
	}
	return &Worker{store: store, runner: runner, interval: interval, batch: batch, logger: log}
}

// WithStaleAfter makes each pass first fail running jobs that started more
// than d ago. Zero disables it.
func (w *Worker) WithStaleAfter(d time.Duration) *Worker {
	w.staleAfter = d
	return w
}

// RunOnce runs up to one batch of queued jobs and returns how many it ran.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	if w.staleAfter > 0 {
		if _, err := w.runner.FailStale(ctx, w.staleAfter, w.batch); err != nil {
			w.logger.ErrorContext(ctx, "failed to reap stale jobs", "error", err)
		}
	}
	queued, err := w.store.ListByStatus(ctx, StatusQueued, w.batch)
	if err != nil {
		return 0, err
	}
	ran := 0
	for _, job := range queued {
		if ctx.Err() != nil {
			return ran, ctx.Err()
		}
		if _, err := w.runner.Run(ctx, job.ID); err != nil {
			w.logger.ErrorContext(ctx, "failed to run job", "job_id", job.ID, "error", err)
			continue
		}
		ran++
	}
	return ran, nil
}

// Start polls until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
				w.logger.ErrorContext(ctx, "worker poll failed", "error", err)
			}
		}
	}
}

// Package dispatcher advances the generic job queue. It never executes work
// itself: each tick reaps jobs whose worker went silent, claims the next
// eligible pending job and hands it to the external worker.
package dispatcher

import (
	"context"
	"log/slog"
	"time"

	"conveyor/features/job"
)

// ProcessingTimeout is how long a job may sit in processing before the
// reaper force-fails it. Workers have no heartbeat; this ceiling is the only
// thing bounding liveness when one crashes silently.
const ProcessingTimeout = 30 * time.Minute

// DefaultInterval is the tick cadence used when none is configured.
const DefaultInterval = 15 * time.Second

// JobQueue is the slice of the job repository a tick needs.
type JobQueue interface {
	ReapStale(ctx context.Context, cutoff time.Time) ([]job.Job, error)
	ClaimNext(ctx context.Context, now time.Time) (*job.Job, error)
}

// WorkerInvoker fires a claimed job at the external worker.
type WorkerInvoker interface {
	Configured() bool
	Execute(ctx context.Context, jobID string) error
}

type Dispatcher struct {
	queue   JobQueue
	worker  WorkerInvoker
	timeout time.Duration
	now     func() time.Time
}

func New(queue JobQueue, worker WorkerInvoker) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		worker:  worker,
		timeout: ProcessingTimeout,
		now:     time.Now,
	}
}

// Tick runs one reap-select-dispatch cycle. It returns an error only for
// store failures; an unconfigured worker endpoint and an empty queue are
// both normal outcomes.
func (d *Dispatcher) Tick(ctx context.Context) error {
	now := d.now()

	reaped, err := d.queue.ReapStale(ctx, now.Add(-d.timeout))
	if err != nil {
		slog.ErrorContext(ctx, "failed to reap stale jobs", "error", err)
		return err
	}
	for _, r := range reaped {
		slog.WarnContext(ctx, "reaped stuck job", "id", r.ID, "type", r.Type, "started_at", r.StartedAt)
	}

	if !d.worker.Configured() {
		slog.WarnContext(ctx, "worker endpoint not configured, skipping dispatch")
		return nil
	}

	claimed, err := d.queue.ClaimNext(ctx, now)
	if err != nil {
		slog.ErrorContext(ctx, "failed to claim next job", "error", err)
		return err
	}
	if claimed == nil {
		return nil
	}

	slog.InfoContext(ctx, "dispatching job", "id", claimed.ID, "type", claimed.Type)

	// Fire and forget: the tick never waits for the worker. The worker
	// reports back through the job mutator endpoints, and the reaper covers
	// the case where it never does.
	go func(id string) {
		execCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := d.worker.Execute(execCtx, id); err != nil {
			slog.Error("worker invocation failed", "id", id, "error", err)
		}
	}(claimed.ID)

	return nil
}

// Run ticks on a fixed cadence until the context is cancelled. Deployments
// with an external scheduler can skip Run and hit the tick endpoint instead.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("dispatcher started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("dispatcher stopped")
			return
		case <-ticker.C:
			if err := d.Tick(ctx); err != nil {
				slog.Error("dispatcher tick failed", "error", err)
			}
		}
	}
}

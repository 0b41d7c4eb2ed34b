// Package worker runs review tasks on a bounded background pool and
// periodically sweeps for stuck tasks.
package worker

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/crevhq/crev/internal/review"
)

const defaultQueueSize = 64

// Pool consumes task ids and processes them with the review engine.
type Pool struct {
	engine        *review.Engine
	logger        *slog.Logger
	queue         chan string
	workers       int
	sweepInterval time.Duration
}

// New creates a pool with the given number of workers. sweepInterval <= 0
// disables the stuck-task sweeper.
func New(engine *review.Engine, workers int, sweepInterval time.Duration, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if workers <= 0 {
		workers = 2
	}
	return &Pool{
		engine:        engine,
		logger:        logger,
		queue:         make(chan string, defaultQueueSize),
		workers:       workers,
		sweepInterval: sweepInterval,
	}
}

// Submit enqueues a task for background processing. It returns false when
// the queue is full; callers can fall back to synchronous execution.
func (p *Pool) Submit(taskID string) bool {
	select {
	case p.queue <- taskID:
		return true
	default:
		p.logger.Warn("worker queue full, submission rejected", "task", taskID)
		return false
	}
}

// Run blocks until ctx is cancelled, processing queued tasks on the
// worker goroutines and sweeping for stuck tasks on a ticker.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case taskID := <-p.queue:
					if err := p.engine.Process(ctx, taskID); err != nil {
						// Process already marked the task failed; the pool
						// keeps going.
						p.logger.Error("task processing failed", "task", taskID, "error", err)
					}
				}
			}
		})
	}

	if p.sweepInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(p.sweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					recovered, failed, err := p.engine.RecoverStuck(ctx)
					if err != nil {
						p.logger.Error("stuck task sweep failed", "error", err)
						continue
					}
					if recovered+failed > 0 {
						p.logger.Info("stuck task sweep", "recovered", recovered, "failed", failed)
					}
				}
			}
		})
	}

	err := g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/splitfair/webhook-service/internal/engine"
)

// FailureHandler owns the retry policy for failed attempts.
type FailureHandler interface {
	HandleFailure(ctx context.Context, job engine.Job, cause error)
}

// Pool manages a fixed number of worker goroutines that process delivery
// jobs. Failed attempts are routed back to the queue's retry policy.
type Pool struct {
	numWorkers int
	jobs       chan engine.Job
	deliverer  *Deliverer
	retries    FailureHandler
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// NewPool creates a worker pool with the given number of workers.
func NewPool(numWorkers int, deliverer *Deliverer, retries FailureHandler, logger *slog.Logger) *Pool {
	return &Pool{
		numWorkers: numWorkers,
		jobs:       make(chan engine.Job, numWorkers*2),
		deliverer:  deliverer,
		retries:    retries,
		logger:     logger,
	}
}

// Start launches all worker goroutines. They read from the jobs channel
// until it is closed.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.logger.Info("worker pool started", "num_workers", p.numWorkers)
}

// Submit sends a job to the worker pool.
func (p *Pool) Submit(job engine.Job) {
	p.jobs <- job
}

// Stop closes the jobs channel and waits for all workers to finish.
func (p *Pool) Stop() {
	close(p.jobs)
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	// Shutdown is a drain, not an abort: cancellation stops the dispatcher
	// from feeding the pool, but jobs already claimed out of Redis must
	// still run to an outcome or they are lost entirely. Detach so the
	// in-flight attempt and any retry re-enqueue are bounded by the
	// delivery timeout rather than cut off by the dying context.
	ctx = context.WithoutCancel(ctx)

	for job := range p.jobs {
		if err := p.deliverer.Process(ctx, job); err != nil {
			p.retries.HandleFailure(ctx, job, err)
		}
	}
}

package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/splitfair/webhook-service/internal/engine"
)

// Dispatcher continuously polls the delivery queue for due jobs and feeds
// them to the worker pool.
type Dispatcher struct {
	queue        *engine.Queue
	pool         *Pool
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int64
	done         chan struct{}
}

func NewDispatcher(queue *engine.Queue, pool *Pool, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		queue:        queue,
		pool:         pool,
		logger:       logger,
		pollInterval: 100 * time.Millisecond,
		batchSize:    10,
		done:         make(chan struct{}),
	}
}

// Start begins the polling loop. It runs until the context is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	defer close(d.done)
	d.logger.Info("dispatcher started")

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

// Wait blocks until the polling loop has exited. The pool must not be
// stopped while the dispatcher might still submit to it.
func (d *Dispatcher) Wait() {
	<-d.done
}

func (d *Dispatcher) poll(ctx context.Context) {
	jobs, err := d.queue.Claim(ctx, d.batchSize)
	if err != nil {
		d.logger.Error("failed to poll delivery queue", "error", err)
		return
	}

	for _, job := range jobs {
		d.pool.Submit(job)
	}
}

package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jfremy/ancestra/pkg/graph/metrics"
	"github.com/sirupsen/logrus"
)

// Handler processes one job. Returned errors (and panics) mark the job
// failed; they never take the worker down.
type Handler func(ctx context.Context, job *Job) error

// Pool consumes the queue on a fixed set of workers. Jobs of different
// kinds run in parallel with no ordering guarantee; ordering only holds
// inside a single orchestrator run.
type Pool struct {
	queue      *Queue
	handlers   map[Kind]Handler
	workers    int
	pollEvery  time.Duration
	visibility time.Duration
	logger     *logrus.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
	once   sync.Once
}

// NewPool creates a worker pool over the queue.
func NewPool(queue *Queue, workers int, visibility time.Duration, logger *logrus.Logger) *Pool {
	if workers <= 0 {
		workers = 2
	}
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return &Pool{
		queue:      queue,
		handlers:   make(map[Kind]Handler),
		workers:    workers,
		pollEvery:  time.Second,
		visibility: visibility,
		logger:     logger,
	}
}

// Register routes a job kind to its handler. Must be called before
// Start.
func (p *Pool) Register(kind Kind, handler Handler) {
	p.handlers[kind] = handler
}

// Start launches the workers. They run until Drain is called or ctx is
// canceled.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	p.logger.WithField("workers", p.workers).Info("Worker pool started")
}

// Drain stops leasing new jobs and waits for in-flight handlers to
// finish. Safe to call more than once.
func (p *Pool) Drain() {
	p.once.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
		p.logger.Info("Worker pool drained")
	})
}

func (p *Pool) run(ctx context.Context, worker int) {
	defer p.wg.Done()
	logger := p.logger.WithField("worker", worker)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.queue.Lease(ctx, p.visibility)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WithError(err).Error("Failed to lease job")
			p.sleep(ctx)
			continue
		}
		if job == nil {
			p.sleep(ctx)
			continue
		}

		// Handlers run on a detached context: Drain stops leasing and
		// waits for in-flight jobs instead of aborting them mid-run.
		p.execute(context.Background(), logger, job)
	}
}

// execute runs one job, converting handler errors and panics into a
// failed job record. The surrounding worker keeps going either way.
func (p *Pool) execute(ctx context.Context, logger *logrus.Entry, job *Job) {
	jobLogger := logger.WithFields(logrus.Fields{"job": job.ID, "kind": job.Kind})

	handler, ok := p.handlers[job.Kind]
	if !ok {
		jobLogger.Error("No handler registered for job kind")
		p.finish(jobLogger, job, fmt.Errorf("no handler for kind %q", job.Kind))
		return
	}

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panicked: %v", r)
			}
		}()
		err = handler(ctx, job)
	}()

	p.finish(jobLogger, job, err)
}

func (p *Pool) finish(logger *logrus.Entry, job *Job, handlerErr error) {
	// Acknowledge with a fresh context so shutdown cannot orphan a
	// finished job into redelivery.
	ackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if handlerErr != nil {
		logger.WithError(handlerErr).Error("Job failed")
		metrics.JobsCompleted.WithLabelValues(string(job.Kind), "failed").Inc()
		if err := p.queue.Fail(ackCtx, job.ID, handlerErr.Error()); err != nil {
			logger.WithError(err).Error("Failed to record job failure")
		}
		return
	}

	metrics.JobsCompleted.WithLabelValues(string(job.Kind), "done").Inc()
	if err := p.queue.Ack(ackCtx, job.ID); err != nil {
		logger.WithError(err).Error("Failed to acknowledge job")
		return
	}
	logger.Info("Job completed")
}

func (p *Pool) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.pollEvery):
	}
}

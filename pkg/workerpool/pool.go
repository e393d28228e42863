// Package workerpool provides a bounded worker pool for fanning scan work
// out across a fixed number of goroutines.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Job is a unit of work with a stable identifier for result correlation.
type Job struct {
	ID  string
	Run func(ctx context.Context) error
}

// Result is the outcome of one job.
type Result struct {
	JobID string
	Err   error
}

// Config holds worker pool configuration.
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the size of the job queue
	QueueSize int
	// GracefulShutdownTimeout is the timeout for graceful shutdown
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for dose-scan batches.
func DefaultConfig() Config {
	return Config{
		Workers:                 8,
		QueueSize:               256,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Pool manages a fixed set of workers draining a shared job queue.
type Pool struct {
	config Config
	logger *zap.Logger

	jobChan    chan *Job
	resultChan chan *Result
	shutdown   chan struct{}
	wg         sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	jobsSubmitted int64
	jobsCompleted int64
	jobsFailed    int64
	activeWorkers int64
	queueDepth    int64
}

// New creates a new worker pool.
func New(cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = DefaultConfig().GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		config:     cfg,
		logger:     logger,
		jobChan:    make(chan *Job, cfg.QueueSize),
		resultChan: make(chan *Result, cfg.QueueSize),
		shutdown:   make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches all workers.
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit enqueues a job. Blocks while the queue is full so a large batch
// exerts backpressure on the producer instead of being dropped.
func (p *Pool) Submit(ctx context.Context, job *Job) error {
	select {
	case <-p.shutdown:
		return fmt.Errorf("pool is shutting down")
	default:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.shutdown:
		return fmt.Errorf("pool is shutting down")
	case p.jobChan <- job:
		atomic.AddInt64(&p.jobsSubmitted, 1)
		atomic.AddInt64(&p.queueDepth, 1)
		return nil
	}
}

// Results returns the result channel. One result is emitted per submitted
// job.
func (p *Pool) Results() <-chan *Result {
	return p.resultChan
}

// Stop drains the queue, waits for workers to finish, then releases the
// pool context. Queued jobs run to completion; cancellation happens only when
// the drain exceeds the shutdown timeout.
func (p *Pool) Stop() {
	p.logger.Info("stopping worker pool")

	close(p.shutdown)
	close(p.jobChan)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out, cancelling in-flight jobs")
		p.cancel()
		<-done
	}

	p.cancel()
	close(p.resultChan)
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	atomic.AddInt64(&p.activeWorkers, 1)
	defer atomic.AddInt64(&p.activeWorkers, -1)

	for job := range p.jobChan {
		atomic.AddInt64(&p.queueDepth, -1)

		err := job.Run(p.ctx)
		if err != nil {
			atomic.AddInt64(&p.jobsFailed, 1)
			p.logger.Debug("job failed",
				zap.String("job_id", job.ID),
				zap.Int("worker_id", id),
				zap.Error(err))
		} else {
			atomic.AddInt64(&p.jobsCompleted, 1)
		}

		select {
		case p.resultChan <- &Result{JobID: job.ID, Err: err}:
		default:
			p.logger.Warn("result channel full, dropping result",
				zap.String("job_id", job.ID))
		}
	}
}

// Stats reports current pool counters.
type Stats struct {
	JobsSubmitted int64
	JobsCompleted int64
	JobsFailed    int64
	ActiveWorkers int64
	QueueDepth    int64
	QueueCapacity int
	Workers       int
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	return Stats{
		JobsSubmitted: atomic.LoadInt64(&p.jobsSubmitted),
		JobsCompleted: atomic.LoadInt64(&p.jobsCompleted),
		JobsFailed:    atomic.LoadInt64(&p.jobsFailed),
		ActiveWorkers: atomic.LoadInt64(&p.activeWorkers),
		QueueDepth:    atomic.LoadInt64(&p.queueDepth),
		QueueCapacity: p.config.QueueSize,
		Workers:       p.config.Workers,
	}
}

// IsHealthy reports whether the queue is keeping up.
func (p *Pool) IsHealthy() bool {
	stats := p.Stats()
	return float64(stats.QueueDepth)/float64(stats.QueueCapacity) < 0.9
}

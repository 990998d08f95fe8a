// Package jobqueue runs background work: a bounded in-process worker pool
// for webhook processing and a cron scheduler for periodic sweeps.
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/ManuelReschke/quotaledger/internal/pkg/metrics"
)

var (
	ErrQueueFull = errors.New("job queue full")
	ErrStopped   = errors.New("job queue stopped")
)

const (
	DefaultWorkers    = 4
	DefaultQueueSize  = 256
	DefaultJobTimeout = 10 * time.Second
)

// Queue is a fixed set of workers draining a bounded channel. Every job runs
// under its own timeout.
type Queue struct {
	workers int
	timeout time.Duration
	jobs    chan *Job
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	// running guards sends on jobs; it is only changed with mu held
	running bool

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

// NewQueue creates a stopped queue. Non-positive arguments use the defaults.
func NewQueue(workers, size int, timeout time.Duration, m *metrics.Metrics) *Queue {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if size <= 0 {
		size = DefaultQueueSize
	}
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	return &Queue{
		workers: workers,
		timeout: timeout,
		jobs:    make(chan *Job, size),
		metrics: m,
	}
}

// Start launches the workers.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}
	q.running = true
	q.ctx, q.cancel = context.WithCancel(context.Background())
	log.Infof("[JobQueue] Starting %d workers (queue size %d, job timeout %s)", q.workers, cap(q.jobs), q.timeout)

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
}

// Stop refuses new jobs, lets the workers drain what is queued and waits
// for them. When ctx ends first, running jobs are cancelled.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = false
	close(q.jobs)
	q.mu.Unlock()

	log.Info("[JobQueue] Stopping workers, draining queue...")
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		log.Info("[JobQueue] All workers stopped")
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		log.Warnf("[JobQueue] Stopped before the queue was drained: %v", ctx.Err())
		return ctx.Err()
	}
}

// IsRunning reports whether the queue accepts jobs.
func (q *Queue) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Enqueue hands run to a worker. It never blocks: a full queue returns
// ErrQueueFull.
func (q *Queue) Enqueue(jobType string, run func(ctx context.Context) error) (*Job, error) {
	job := &Job{
		ID:        uuid.NewString(),
		Type:      jobType,
		Run:       run,
		CreatedAt: time.Now(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		q.rejected.Add(1)
		return nil, ErrStopped
	}
	select {
	case q.jobs <- job:
		q.submitted.Add(1)
		q.metrics.QueueDepth(len(q.jobs))
		return job, nil
	default:
		q.rejected.Add(1)
		log.Warnf("[JobQueue] Queue full, rejected job %s (Type: %s)", job.ID, jobType)
		return nil, ErrQueueFull
	}
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	log.Debugf("[JobQueue] Worker %d started", id)

	for job := range q.jobs {
		q.metrics.QueueDepth(len(q.jobs))
		q.processJob(job)
	}
	log.Debugf("[JobQueue] Worker %d stopping", id)
}

func (q *Queue) processJob(job *Job) {
	ctx, cancel := context.WithTimeout(q.ctx, q.timeout)
	defer cancel()

	err := q.runSafely(ctx, job)
	if err != nil {
		q.failed.Add(1)
		log.Errorf("[JobQueue] Job %s (Type: %s) failed: %v", job.ID, job.Type, err)
		return
	}
	q.completed.Add(1)
	log.Debugf("[JobQueue] Job %s (Type: %s) completed in %s", job.ID, job.Type, time.Since(job.CreatedAt))
}

func (q *Queue) runSafely(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return job.Run(ctx)
}

// GetStats returns a snapshot of the counters.
func (q *Queue) GetStats() Stats {
	return Stats{
		Workers:   q.workers,
		Queued:    len(q.jobs),
		Capacity:  cap(q.jobs),
		Submitted: q.submitted.Load(),
		Completed: q.completed.Load(),
		Failed:    q.failed.Load(),
		Rejected:  q.rejected.Load(),
	}
}

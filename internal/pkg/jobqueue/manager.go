package jobqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/robfig/cron/v3"
)

// Manager owns the worker queue and the periodic background tasks.
type Manager struct {
	queue *Queue
	cron  *cron.Cron
	tasks map[string]*task

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	inner  sync.WaitGroup
	// running is only changed with mu held
	running bool
}

type task struct {
	name string
	spec string
	run  func(ctx context.Context) error
	// busy serializes scheduled and manual runs of the same task
	busy sync.Mutex
}

func NewManager(queue *Queue) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		queue:  queue,
		cron:   cron.New(),
		tasks:  make(map[string]*task),
		ctx:    ctx,
		cancel: cancel,
	}
}

// GetQueue returns the managed job queue.
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Schedule registers run under name on a cron spec ("@hourly", "0 3 * * *").
// A run that is still busy when the next tick fires is skipped.
func (m *Manager) Schedule(name, spec string, run func(ctx context.Context) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.tasks[name]; dup {
		return fmt.Errorf("task %q already scheduled", name)
	}
	t := &task{name: name, spec: spec, run: run}
	if _, err := m.cron.AddFunc(spec, func() { m.runTask(t, false) }); err != nil {
		return fmt.Errorf("schedule %q with %q: %w", name, spec, err)
	}
	m.tasks[name] = t
	log.Infof("[JobQueue] Scheduled task %s (%s)", name, spec)
	return nil
}

// RunNow runs a registered task immediately and waits for it. It returns
// false without running when the task is already busy.
func (m *Manager) RunNow(name string) (bool, error) {
	m.mu.Lock()
	t, ok := m.tasks[name]
	m.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("unknown task %q", name)
	}
	return m.runTask(t, true)
}

func (m *Manager) runTask(t *task, manual bool) (bool, error) {
	if !t.busy.TryLock() {
		log.Warnf("[JobQueue] Task %s still running, skipping", t.name)
		return false, nil
	}
	defer t.busy.Unlock()

	m.inner.Add(1)
	defer m.inner.Done()

	started := time.Now()
	err := t.run(m.ctx)
	if err != nil {
		log.Errorf("[JobQueue] Task %s failed after %s: %v", t.name, time.Since(started), err)
	} else {
		log.Infof("[JobQueue] Task %s finished in %s (manual=%v)", t.name, time.Since(started), manual)
	}
	return true, err
}

// Start starts the queue workers and the scheduler.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.running = true
	m.queue.Start()
	m.cron.Start()
	log.Infof("[JobQueue] Manager started with %d scheduled tasks", len(m.tasks))
}

// Stop stops scheduling, drains the queue and waits for running tasks until
// ctx ends.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.mu.Unlock()

	cronDone := m.cron.Stop()
	queueErr := m.queue.Stop(ctx)

	select {
	case <-cronDone.Done():
	case <-ctx.Done():
	}
	m.cancel()
	m.inner.Wait()
	log.Info("[JobQueue] Manager stopped")
	return queueErr
}

// IsRunning reports whether the manager was started and not stopped.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

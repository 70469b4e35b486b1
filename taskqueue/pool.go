package taskqueue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// PoolConfig configures the worker pool.
type PoolConfig struct {
	// Workers is the number of concurrent dispatchers.
	Workers int `json:"workers" yaml:"workers"`
	// QueueCapacity bounds the pending-task backlog.
	QueueCapacity int `json:"queue_capacity" yaml:"queue_capacity"`
	// DrainTimeout bounds how long Shutdown waits for in-flight tasks.
	DrainTimeout time.Duration `json:"drain_timeout" yaml:"drain_timeout"`
}

// DefaultPoolConfig returns the defaults: 8 workers, 1000-task backlog.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:       8,
		QueueCapacity: 1000,
		DrainTimeout:  30 * time.Second,
	}
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}

// Pool dispatches queued tasks on a fixed set of workers.
type Pool struct {
	config PoolConfig
	queue  *Queue
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	activeCount atomic.Int32
	submitted   atomic.Int64
	completed   atomic.Int64
	failed      atomic.Int64
	rejected    atomic.Int64

	closeOnce sync.Once
}

// NewPool creates a started pool. A nil logger is replaced by a noop.
func NewPool(config PoolConfig, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Workers <= 0 {
		config.Workers = DefaultPoolConfig().Workers
	}
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = DefaultPoolConfig().QueueCapacity
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = DefaultPoolConfig().DrainTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		config: config,
		queue:  NewQueue(config.QueueCapacity),
		logger: logger.With(zap.String("component", "task_pool")),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < config.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit enqueues a task for asynchronous execution.
func (p *Pool) Submit(task *Task) error {
	if err := p.queue.Enqueue(task); err != nil {
		p.rejected.Add(1)
		return err
	}
	p.submitted.Add(1)
	return nil
}

// Stats returns current pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.config.Workers,
		Active:    int(p.activeCount.Load()),
		Queued:    p.queue.Len(),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// QueueDepth returns the pending backlog size.
func (p *Pool) QueueDepth() int { return p.queue.Len() }

// Shutdown stops intake, lets workers drain the backlog, and waits up to
// DrainTimeout (or the caller's context, whichever ends first) before
// cancelling in-flight tasks.
func (p *Pool) Shutdown(ctx context.Context) error {
	var err error
	p.closeOnce.Do(func() {
		p.queue.Close()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		timer := time.NewTimer(p.config.DrainTimeout)
		defer timer.Stop()

		select {
		case <-done:
		case <-timer.C:
			p.cancel()
			<-done
			err = fmt.Errorf("task pool drain exceeded %v, cancelled in-flight tasks", p.config.DrainTimeout)
		case <-ctx.Done():
			p.cancel()
			<-done
			err = ctx.Err()
		}
		p.cancel()
	})
	return err
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		task, ok := p.queue.Dequeue()
		if !ok {
			return
		}
		p.activeCount.Add(1)
		err := p.runTask(task)
		p.activeCount.Add(-1)

		if err != nil {
			p.failed.Add(1)
			p.logger.Warn("task failed",
				zap.String("task_id", task.ID),
				zap.Int("priority", task.Priority),
				zap.Duration("queued_for", time.Since(task.enqueuedAt)),
				zap.Error(err),
			)
		} else {
			p.completed.Add(1)
		}
	}
}

func (p *Pool) runTask(task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.ID, r)
		}
	}()
	return task.Run(p.ctx)
}

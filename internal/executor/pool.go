package executor

import (
	"context"
	"errors"
	"sync"

	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
)

// ErrPoolStopped is returned when submitting to a stopped pool.
var ErrPoolStopped = errors.New("blocking pool is stopped")

// PoolConfig configures the blocking lane.
type PoolConfig struct {
	Workers   int
	QueueSize int
}

// Pool runs blocking entry points on a fixed number of goroutines. When
// every worker is busy and the queue is full, Submit waits.
type Pool struct {
	cfg     PoolConfig
	jobs    chan func()
	stopCh  chan struct{}
	started bool
	stopped bool
	mu      sync.Mutex
	wg      sync.WaitGroup
}

// NewPool creates a blocking pool.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	return &Pool{
		cfg:    cfg,
		jobs:   make(chan func(), cfg.QueueSize),
		stopCh: make(chan struct{}),
	}
}

// Start launches worker goroutines.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	metrics.SetPoolWorkers(p.cfg.Workers)
	logging.Op().Info("blocking pool started", "workers", p.cfg.Workers, "queue", p.cfg.QueueSize)
}

// Stop lets workers finish queued jobs and waits for them to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	logging.Op().Info("blocking pool stopped")
}

// Workers reports the pool size.
func (p *Pool) Workers() int { return p.cfg.Workers }

// Submit queues job. It blocks while the queue is full and returns early
// when ctx ends or the pool stops.
func (p *Pool) Submit(ctx context.Context, job func()) error {
	select {
	case <-p.stopCh:
		return ErrPoolStopped
	default:
	}

	select {
	case p.jobs <- job:
		metrics.SetPoolQueueDepth(len(p.jobs))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopCh:
		return ErrPoolStopped
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case job := <-p.jobs:
			p.run(id, job)
		case <-p.stopCh:
			for {
				select {
				case job := <-p.jobs:
					p.run(id, job)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) run(id int, job func()) {
	metrics.SetPoolQueueDepth(len(p.jobs))
	defer func() {
		if r := recover(); r != nil {
			logging.Op().Error("recovered panic in blocking worker", "worker", id, "panic", r)
		}
	}()
	job()
}

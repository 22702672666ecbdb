package worker

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

var (
	ErrPoolClosed = errors.New("worker pool is closed")
)

// JobFunc processes the item at index i of a batch
type JobFunc func(i int)

// PanicHandler is called with the index and recovered value when a job panics
type PanicHandler func(i int, recovered interface{})

// PoolConfig holds configuration for the worker pool
type PoolConfig struct {
	NumWorkers int
	QueueSize  int
	OnPanic    PanicHandler
}

// WorkerPool is a fixed set of goroutines shared by every batch of the process
type WorkerPool struct {
	config   PoolConfig
	jobQueue chan job

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	// Metrics
	jobsProcessed uint64
	jobsPanicked  uint64
	batches       uint64
	workersActive int64
}

// job is one index of one batch
type job struct {
	index int
	fn    JobFunc
	done  *sync.WaitGroup
}

// NewWorkerPool creates and starts a worker pool
func NewWorkerPool(config PoolConfig) *WorkerPool {
	if config.NumWorkers <= 0 {
		config.NumWorkers = runtime.GOMAXPROCS(0)
	}

	if config.QueueSize <= 0 {
		config.QueueSize = config.NumWorkers * 4
	}

	p := &WorkerPool{
		config:   config,
		jobQueue: make(chan job, config.QueueSize),
	}

	for i := 0; i < config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.run()
	}

	return p
}

// Run calls fn for every index in [0, n) across the pool and returns once all
// calls have finished. Calls run concurrently in no particular order. After
// Stop, Run reports ErrPoolClosed and calls nothing.
func (p *WorkerPool) Run(n int, fn JobFunc) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	atomic.AddUint64(&p.batches, 1)

	var done sync.WaitGroup
	done.Add(n)
	for i := 0; i < n; i++ {
		p.jobQueue <- job{index: i, fn: fn, done: &done}
	}
	done.Wait()

	return nil
}

// Stop waits for queued jobs and shuts the workers down
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobQueue)
	p.mu.Unlock()

	p.wg.Wait()
}

// Closed reports whether Stop has been called
func (p *WorkerPool) Closed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// Size returns the number of workers
func (p *WorkerPool) Size() int {
	return p.config.NumWorkers
}

// Metrics returns worker pool statistics
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		NumWorkers:    p.config.NumWorkers,
		JobsProcessed: atomic.LoadUint64(&p.jobsProcessed),
		JobsPanicked:  atomic.LoadUint64(&p.jobsPanicked),
		Batches:       atomic.LoadUint64(&p.batches),
		WorkersActive: atomic.LoadInt64(&p.workersActive),
		QueueSize:     len(p.jobQueue),
		QueueCapacity: cap(p.jobQueue),
	}
}

// run is the main worker loop
func (p *WorkerPool) run() {
	defer p.wg.Done()

	for j := range p.jobQueue {
		p.processJob(j)
	}
}

// processJob runs one job, containing any panic to that job
func (p *WorkerPool) processJob(j job) {
	atomic.AddInt64(&p.workersActive, 1)
	defer atomic.AddInt64(&p.workersActive, -1)
	defer j.done.Done()

	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&p.jobsPanicked, 1)
			if p.config.OnPanic != nil {
				p.config.OnPanic(j.index, r)
			}
		}
	}()

	j.fn(j.index)
	atomic.AddUint64(&p.jobsProcessed, 1)
}

// PoolMetrics holds worker pool statistics
type PoolMetrics struct {
	NumWorkers    int
	JobsProcessed uint64
	JobsPanicked  uint64
	Batches       uint64
	WorkersActive int64
	QueueSize     int
	QueueCapacity int
}

// Utilization returns the queue utilization percentage (0-100)
func (m PoolMetrics) Utilization() float64 {
	if m.QueueCapacity == 0 {
		return 0
	}
	return (float64(m.QueueSize) / float64(m.QueueCapacity)) * 100.0
}

// String implements fmt.Stringer
func (m PoolMetrics) String() string {
	return fmt.Sprintf("workers=%d processed=%d panicked=%d batches=%d",
		m.NumWorkers, m.JobsProcessed, m.JobsPanicked, m.Batches)
}

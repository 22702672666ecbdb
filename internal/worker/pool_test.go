package worker

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestNewWorkerPool(t *testing.T) {
	tests := []struct {
		name        string
		config      PoolConfig
		wantWorkers int
		wantQueue   int
	}{
		{
			name:        "custom config",
			config:      PoolConfig{NumWorkers: 8, QueueSize: 500},
			wantWorkers: 8,
			wantQueue:   500,
		},
		{
			name:        "queue defaults from workers",
			config:      PoolConfig{NumWorkers: 3},
			wantWorkers: 3,
			wantQueue:   12,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := NewWorkerPool(tt.config)
			defer pool.Stop()

			m := pool.Metrics()
			if m.NumWorkers != tt.wantWorkers {
				t.Errorf("NumWorkers = %d, want %d", m.NumWorkers, tt.wantWorkers)
			}
			if m.QueueCapacity != tt.wantQueue {
				t.Errorf("QueueCapacity = %d, want %d", m.QueueCapacity, tt.wantQueue)
			}
		})
	}
}

func TestNewWorkerPool_DefaultWorkers(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{})
	defer pool.Stop()

	if pool.Size() <= 0 {
		t.Errorf("Size() = %d, want > 0", pool.Size())
	}
}

func TestWorkerPool_Run(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{NumWorkers: 4})
	defer pool.Stop()

	const n = 1000
	results := make([]int, n)
	if err := pool.Run(n, func(i int) {
		results[i] = i * 2
	}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for i, v := range results {
		if v != i*2 {
			t.Fatalf("results[%d] = %d, want %d", i, v, i*2)
		}
	}

	m := pool.Metrics()
	if m.JobsProcessed != n {
		t.Errorf("JobsProcessed = %d, want %d", m.JobsProcessed, n)
	}
	if m.Batches != 1 {
		t.Errorf("Batches = %d, want 1", m.Batches)
	}
}

func TestWorkerPool_RunEmpty(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{NumWorkers: 2})
	defer pool.Stop()

	called := false
	if err := pool.Run(0, func(int) { called = true }); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if called {
		t.Error("fn should not be called for an empty batch")
	}
}

func TestWorkerPool_ConcurrentBatches(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{NumWorkers: 4, QueueSize: 8})
	defer pool.Stop()

	var total uint64
	var wg sync.WaitGroup
	for b := 0; b < 10; b++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pool.Run(100, func(int) {
				atomic.AddUint64(&total, 1)
			}); err != nil {
				t.Errorf("Run() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if total != 1000 {
		t.Errorf("total = %d, want 1000", total)
	}
}

func TestWorkerPool_PanicIsolation(t *testing.T) {
	var mu sync.Mutex
	panicked := map[int]interface{}{}

	pool := NewWorkerPool(PoolConfig{
		NumWorkers: 2,
		OnPanic: func(i int, r interface{}) {
			mu.Lock()
			panicked[i] = r
			mu.Unlock()
		},
	})
	defer pool.Stop()

	results := make([]bool, 10)
	err := pool.Run(10, func(i int) {
		if i == 3 {
			panic("boom")
		}
		results[i] = true
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for i, ok := range results {
		if i == 3 {
			continue
		}
		if !ok {
			t.Errorf("job %d did not run", i)
		}
	}

	if len(panicked) != 1 || panicked[3] != "boom" {
		t.Errorf("panicked = %v, want only index 3", panicked)
	}

	m := pool.Metrics()
	if m.JobsPanicked != 1 {
		t.Errorf("JobsPanicked = %d, want 1", m.JobsPanicked)
	}
	if m.JobsProcessed != 9 {
		t.Errorf("JobsProcessed = %d, want 9", m.JobsProcessed)
	}
}

func TestWorkerPool_Stop(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{NumWorkers: 2})
	pool.Stop()
	pool.Stop()

	err := pool.Run(1, func(int) {})
	if !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Run() after Stop error = %v, want ErrPoolClosed", err)
	}
}

func TestPoolMetrics_Utilization(t *testing.T) {
	tests := []struct {
		name string
		m    PoolMetrics
		want float64
	}{
		{"empty", PoolMetrics{QueueSize: 0, QueueCapacity: 100}, 0},
		{"half", PoolMetrics{QueueSize: 50, QueueCapacity: 100}, 50},
		{"no capacity", PoolMetrics{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.m.Utilization(); got != tt.want {
				t.Errorf("Utilization() = %v, want %v", got, tt.want)
			}
		})
	}
}

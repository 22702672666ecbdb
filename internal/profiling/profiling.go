package profiling

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	runtimepprof "runtime/pprof"

	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/worker"
)

// Mount registers the pprof handlers and a runtime stats endpoint on mux.
// pool may be nil.
func Mount(mux *http.ServeMux, pool *worker.WorkerPool) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.HandleFunc("/debug/stats", statsHandler(pool))
}

// Stats is a point-in-time view of the runtime and the worker pool
type Stats struct {
	Goroutines   int                 `json:"goroutines"`
	GOMAXPROCS   int                 `json:"gomaxprocs"`
	HeapAlloc    uint64              `json:"heap_alloc_bytes"`
	HeapObjects  uint64              `json:"heap_objects"`
	TotalAlloc   uint64              `json:"total_alloc_bytes"`
	NumGC        uint32              `json:"num_gc"`
	PauseTotalNs uint64              `json:"gc_pause_total_ns"`
	WorkerPool   *worker.PoolMetrics `json:"worker_pool,omitempty"`
}

// ReadStats collects Stats
func ReadStats(pool *worker.WorkerPool) Stats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	s := Stats{
		Goroutines:   runtime.NumGoroutine(),
		GOMAXPROCS:   runtime.GOMAXPROCS(0),
		HeapAlloc:    m.HeapAlloc,
		HeapObjects:  m.HeapObjects,
		TotalAlloc:   m.TotalAlloc,
		NumGC:        m.NumGC,
		PauseTotalNs: m.PauseTotalNs,
	}
	if pool != nil {
		pm := pool.Metrics()
		s.WorkerPool = &pm
	}
	return s
}

func statsHandler(pool *worker.WorkerPool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ReadStats(pool))
	}
}

// StartCPUProfile writes a CPU profile to path until the returned stop
// function is called
func StartCPUProfile(path string) (stop func() error, err error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create CPU profile: %w", err)
	}

	if err := runtimepprof.StartCPUProfile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to start CPU profile: %w", err)
	}

	return func() error {
		runtimepprof.StopCPUProfile()
		return f.Close()
	}, nil
}

// WriteHeapProfile writes a heap profile to path
func WriteHeapProfile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create heap profile: %w", err)
	}
	defer f.Close()

	runtime.GC()
	if err := runtimepprof.WriteHeapProfile(f); err != nil {
		return fmt.Errorf("failed to write heap profile: %w", err)
	}
	return nil
}

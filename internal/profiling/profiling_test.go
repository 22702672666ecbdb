package profiling

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/worker"
)

func TestMount(t *testing.T) {
	pool := worker.NewWorkerPool(worker.PoolConfig{NumWorkers: 3})
	defer pool.Stop()

	mux := http.NewServeMux()
	Mount(mux, pool)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var stats Stats
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("Failed to decode stats: %v", err)
	}
	if stats.Goroutines == 0 {
		t.Error("Expected goroutine count")
	}
	if stats.WorkerPool == nil || stats.WorkerPool.NumWorkers != 3 {
		t.Errorf("Expected worker pool stats, got %+v", stats.WorkerPool)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("pprof index: expected 200, got %d", rec.Code)
	}
}

func TestReadStatsWithoutPool(t *testing.T) {
	if s := ReadStats(nil); s.WorkerPool != nil {
		t.Error("Expected no worker pool stats")
	}
}

func TestCPUAndHeapProfiles(t *testing.T) {
	dir := t.TempDir()

	stop, err := StartCPUProfile(filepath.Join(dir, "cpu.prof"))
	if err != nil {
		t.Fatalf("StartCPUProfile() error = %v", err)
	}
	if err := stop(); err != nil {
		t.Errorf("stop() error = %v", err)
	}

	heapPath := filepath.Join(dir, "heap.prof")
	if err := WriteHeapProfile(heapPath); err != nil {
		t.Fatalf("WriteHeapProfile() error = %v", err)
	}

	for _, name := range []string{"cpu.prof", "heap.prof"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("Expected %s to exist: %v", name, err)
		}
	}
}

package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/reliability"
	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/worker"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// ComponentHealth represents the health of a single component
type ComponentHealth struct {
	Status      Status                 `json:"status"`
	Message     string                 `json:"message,omitempty"`
	LastChecked time.Time              `json:"last_checked"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// HealthCheck represents a health check function
type HealthCheck func(ctx context.Context) ComponentHealth

// Checker runs the registered component checks for the readiness endpoint
type Checker struct {
	mu         sync.RWMutex
	components map[string]HealthCheck
	timeout    time.Duration
}

// NewChecker creates a new health checker
func NewChecker(timeout time.Duration) *Checker {
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	return &Checker{
		components: make(map[string]HealthCheck),
		timeout:    timeout,
	}
}

// Register registers a health check for a component
func (c *Checker) Register(name string, check HealthCheck) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[name] = check
}

// Check runs all health checks in name order
func (c *Checker) Check(ctx context.Context) map[string]ComponentHealth {
	c.mu.RLock()
	names := make([]string, 0, len(c.components))
	for name := range c.components {
		names = append(names, name)
	}
	c.mu.RUnlock()
	sort.Strings(names)

	results := make(map[string]ComponentHealth, len(names))
	for _, name := range names {
		c.mu.RLock()
		check := c.components[name]
		c.mu.RUnlock()

		checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
		result := check(checkCtx)
		cancel()

		result.LastChecked = time.Now()
		results[name] = result
	}
	return results
}

// Overall folds component results into one status
func Overall(results map[string]ComponentHealth) Status {
	overall := StatusHealthy
	for _, result := range results {
		switch result.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

// HealthResponse represents the HTTP response for health checks
type HealthResponse struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// LivenessHandler returns a simple liveness handler
func (c *Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

// ReadinessHandler reports 503 while any component is unhealthy.
// Degraded components still answer 200.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := c.Check(r.Context())
		response := HealthResponse{
			Status:     Overall(results),
			Components: results,
			Timestamp:  time.Now(),
		}

		statusCode := http.StatusOK
		if response.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		writeJSON(w, statusCode, response)
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// WorkerPoolCheck is unhealthy once the pool has been stopped
func WorkerPoolCheck(pool *worker.WorkerPool) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		if pool == nil {
			return ComponentHealth{Status: StatusHealthy, Message: "sequential mode"}
		}

		m := pool.Metrics()
		result := ComponentHealth{
			Status:  StatusHealthy,
			Message: m.String(),
			Metadata: map[string]interface{}{
				"workers":        m.NumWorkers,
				"jobs_processed": m.JobsProcessed,
				"jobs_panicked":  m.JobsPanicked,
			},
		}
		if pool.Closed() {
			result.Status = StatusUnhealthy
			result.Message = "worker pool stopped"
		}
		return result
	}
}

// WriteTracker remembers the outcome of the latest quarantine write
type WriteTracker struct {
	mu      sync.Mutex
	lastErr error
	lastAt  time.Time
}

// Observe records a write outcome
func (t *WriteTracker) Observe(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastErr = err
	t.lastAt = time.Now()
}

// Check is degraded while the latest write failed. Records are still
// transformed, only the archive copy is missing.
func (t *WriteTracker) Check() HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		t.mu.Lock()
		defer t.mu.Unlock()

		if t.lastErr != nil {
			return ComponentHealth{
				Status:   StatusDegraded,
				Message:  fmt.Sprintf("last write failed: %v", t.lastErr),
				Metadata: map[string]interface{}{"last_write": t.lastAt},
			}
		}
		return ComponentHealth{Status: StatusHealthy}
	}
}

// BreakerCheck is degraded while a quarantine destination's circuit is
// not closed
func BreakerCheck(state func() reliability.State) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		st := state()
		result := ComponentHealth{
			Status:   StatusHealthy,
			Metadata: map[string]interface{}{"circuit": st.String()},
		}
		if st != reliability.StateClosed {
			result.Status = StatusDegraded
			result.Message = "circuit " + st.String()
		}
		return result
	}
}

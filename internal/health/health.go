// Package health provides liveness and readiness endpoints for flagd.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/flagsync/internal/metrics"
)

const checkTimeout = 5 * time.Second

// Checker reports whether a dependency is usable
type Checker func(ctx context.Context) error

// HealthCheck tracks readiness of the process's dependencies. Checks run
// in the background and again on demand while the process is not ready.
type HealthCheck struct {
	metrics       *metrics.Metrics
	logger        *zap.Logger
	checkInterval time.Duration

	mu        sync.RWMutex
	checks    map[string]Checker
	ready     bool
	results   map[string]string
	lastError string
	lastCheck time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// NewHealthCheck creates a new HealthCheck instance. Call Start to run
// the background checks.
func NewHealthCheck(m *metrics.Metrics, logger *zap.Logger) *HealthCheck {
	return &HealthCheck{
		metrics:       m,
		logger:        logger,
		checkInterval: 5 * time.Second,
		checks:        make(map[string]Checker),
		results:       make(map[string]string),
		stop:          make(chan struct{}),
	}
}

// AddCheck registers a named dependency check
func (hc *HealthCheck) AddCheck(name string, check Checker) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = check
}

// LivenessResponse represents the response for the liveness check.
type LivenessResponse struct {
	Status string `json:"status"`
}

// ReadinessResponse represents the response for the readiness check.
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// LivenessHandler handles GET /health requests.
func (hc *HealthCheck) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{Status: "healthy"})
}

// ReadinessHandler handles GET /ready requests. A cached ready result is
// served as is; otherwise the checks run before answering.
func (hc *HealthCheck) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if !hc.IsReady() {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		hc.runChecks(ctx)
		cancel()
	}

	hc.mu.RLock()
	resp := ReadinessResponse{
		Status: "ready",
		Checks: make(map[string]string, len(hc.results)),
	}
	for name, result := range hc.results {
		resp.Checks[name] = result
	}
	ready := hc.ready
	if !ready {
		resp.Status = "not_ready"
		resp.Error = hc.lastError
	}
	hc.mu.RUnlock()

	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// runChecks evaluates every check and records the combined result
func (hc *HealthCheck) runChecks(ctx context.Context) bool {
	hc.mu.RLock()
	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	checks := make(map[string]Checker, len(hc.checks))
	for name, check := range hc.checks {
		checks[name] = check
	}
	hc.mu.RUnlock()
	sort.Strings(names)

	results := make(map[string]string, len(names))
	ready := true
	lastError := ""
	for _, name := range names {
		if err := checks[name](ctx); err != nil {
			ready = false
			results[name] = "unhealthy"
			lastError = name + ": " + err.Error()
			hc.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			continue
		}
		results[name] = "healthy"
	}

	hc.mu.Lock()
	hc.ready = ready
	hc.results = results
	hc.lastError = lastError
	hc.lastCheck = time.Now()
	hc.mu.Unlock()

	hc.metrics.SetHealthStatus(ready)
	return ready
}

// Start runs the checks once and then periodically until Stop
func (hc *HealthCheck) Start() {
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	hc.runChecks(ctx)
	cancel()

	go hc.backgroundCheck()
}

// Stop ends the background checks
func (hc *HealthCheck) Stop() {
	hc.stopOnce.Do(func() { close(hc.stop) })
}

func (hc *HealthCheck) backgroundCheck() {
	ticker := time.NewTicker(hc.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-hc.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
			hc.runChecks(ctx)
			cancel()
		}
	}
}

// IsReady returns the current readiness status.
func (hc *HealthCheck) IsReady() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.ready
}

// SetReady sets the readiness status (for testing).
func (hc *HealthCheck) SetReady(ready bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.ready = ready
}

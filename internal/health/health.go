// Package health provides liveness and readiness checks for heartbeatd.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	// StatusHealthy indicates the component is healthy.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates the component is degraded but functional.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates the component is unhealthy.
	StatusUnhealthy Status = "unhealthy"
	// StatusUnknown indicates the component has not been checked.
	StatusUnknown Status = "unknown"
)

// CheckResult represents the result of a health check.
type CheckResult struct {
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ns"`
	Error       string         `json:"error,omitempty"`
}

// Check is a function that performs a health check.
type Check func(ctx context.Context) CheckResult

// Component represents a health-checkable component.
type Component struct {
	Name     string
	Critical bool // If true, failure makes overall status unhealthy
	Check    Check
	Timeout  time.Duration
}

// Checker manages health checks.
type Checker struct {
	mu         sync.RWMutex
	components map[string]*Component
	results    map[string]CheckResult
	startTime  time.Time
	ready      bool
}

// NewChecker creates a new Checker.
func NewChecker() *Checker {
	return &Checker{
		components: make(map[string]*Component),
		results:    make(map[string]CheckResult),
		startTime:  time.Now(),
	}
}

// Register registers a health check component.
func (c *Checker) Register(component *Component) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if component.Timeout == 0 {
		component.Timeout = 5 * time.Second
	}

	c.components[component.Name] = component
	c.results[component.Name] = CheckResult{Status: StatusUnknown}
}

// RegisterFunc registers a simple health check function.
func (c *Checker) RegisterFunc(name string, critical bool, check Check) {
	c.Register(&Component{
		Name:     name,
		Critical: critical,
		Check:    check,
	})
}

// SetReady sets the readiness state.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

// IsReady returns the readiness state.
func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Check runs all registered health checks concurrently.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	components := make([]*Component, 0, len(c.components))
	for _, comp := range c.components {
		components = append(components, comp)
	}
	c.mu.RUnlock()

	results := make(map[string]CheckResult, len(components))
	var wg sync.WaitGroup

	for _, comp := range components {
		wg.Add(1)
		go func(comp *Component) {
			defer wg.Done()
			result := run(ctx, comp)

			c.mu.Lock()
			c.results[comp.Name] = result
			results[comp.Name] = result
			c.mu.Unlock()
		}(comp)
	}

	wg.Wait()
	return results
}

// run executes one check with its timeout and panic recovery.
func run(ctx context.Context, comp *Component) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, comp.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- CheckResult{
					Status:  StatusUnhealthy,
					Message: "check panicked",
					Error:   fmt.Sprintf("%v", r),
				}
			}
		}()
		done <- comp.Check(checkCtx)
	}()

	var result CheckResult
	select {
	case result = <-done:
	case <-checkCtx.Done():
		result = CheckResult{
			Status:  StatusUnhealthy,
			Message: "check timed out",
			Error:   checkCtx.Err().Error(),
		}
	}

	result.LastChecked = start
	result.Duration = time.Since(start)
	return result
}

// OverallStatus aggregates the most recent results.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hasUnknown := false
	hasDegraded := false

	names := make([]string, 0, len(c.results))
	for name := range c.results {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		result := c.results[name]
		comp := c.components[name]
		if comp == nil {
			continue
		}

		switch result.Status {
		case StatusUnhealthy:
			if comp.Critical {
				return StatusUnhealthy
			}
			hasDegraded = true
		case StatusDegraded:
			hasDegraded = true
		case StatusUnknown:
			if comp.Critical {
				hasUnknown = true
			}
		}
	}

	if hasUnknown {
		return StatusUnknown
	}
	if hasDegraded {
		return StatusDegraded
	}
	return StatusHealthy
}

// Response is the body served by the readiness endpoint.
type Response struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Uptime returns how long the checker has existed.
func (c *Checker) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// LivenessHandler reports that the process is serving requests.
func (c *Checker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "alive",
			"timestamp": time.Now().UTC(),
		})
	})
}

// ReadinessHandler runs every check and reports 503 until the server is
// ready and no critical component is unhealthy.
func (c *Checker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		components := c.Check(r.Context())
		resp := Response{
			Status:     c.OverallStatus(),
			Ready:      c.IsReady(),
			Uptime:     c.Uptime().Truncate(time.Second).String(),
			Components: components,
			Timestamp:  time.Now().UTC(),
		}

		code := http.StatusOK
		if !resp.Ready || resp.Status == StatusUnhealthy || resp.Status == StatusUnknown {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// DatabaseCheck returns a health check for database connectivity.
func DatabaseCheck(pingFunc func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := pingFunc(ctx); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "database connection failed",
				Error:   err.Error(),
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: "database connection ok",
		}
	}
}

// BrokerCheck reports a disconnected message broker as degraded.
func BrokerCheck(connected func() bool) Check {
	return func(ctx context.Context) CheckResult {
		if !connected() {
			return CheckResult{
				Status:  StatusDegraded,
				Message: "broker disconnected",
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: "broker connected",
		}
	}
}

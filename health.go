package yuri

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"
)

// HealthChecker serves liveness and readiness probes. Liveness follows
// SetAlive; readiness additionally requires every named check to pass.
type HealthChecker struct {
	alive atomic.Bool

	startTime time.Time

	// Checks must all return nil for /readyz to pass.
	Checks []ReadinessCheck

	// Timeout bounds each check. Zero means two seconds.
	Timeout time.Duration
}

// ReadinessCheck is a named component probe.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthResponse is the JSON body returned by health endpoints.
type HealthResponse struct {
	Status  string   `json:"status"`
	Uptime  string   `json:"uptime,omitempty"`
	Details []string `json:"details,omitempty"`
}

// NewHealthChecker creates a HealthChecker with the given checks.
func NewHealthChecker(checks ...ReadinessCheck) *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
		Checks:    checks,
	}
}

// SetAlive marks the process as alive.
func (h *HealthChecker) SetAlive(alive bool) {
	h.alive.Store(alive)
}

// IsAlive returns true if the process is alive.
func (h *HealthChecker) IsAlive() bool {
	return h.alive.Load()
}

// Ready runs every check and returns the failures as "name: error".
func (h *HealthChecker) Ready(ctx context.Context) []string {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	var failures []string
	for _, c := range h.Checks {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		err := c.Check(cctx)
		cancel()
		if err != nil {
			failures = append(failures, c.Name+": "+err.Error())
		}
	}
	return failures
}

// HandleHealthz handles the /healthz liveness probe endpoint.
func (h *HealthChecker) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok", Uptime: h.uptime()}
	code := http.StatusOK
	if !h.IsAlive() {
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	writeHealth(w, code, resp)
}

// HandleReadyz handles the /readyz readiness probe endpoint.
func (h *HealthChecker) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Uptime: h.uptime()}
	code := http.StatusOK

	if !h.IsAlive() {
		resp.Status = "not ready"
		resp.Details = []string{"process not started"}
		code = http.StatusServiceUnavailable
	} else if failures := h.Ready(r.Context()); len(failures) > 0 {
		resp.Status = "not ready"
		resp.Details = failures
		code = http.StatusServiceUnavailable
	}
	writeHealth(w, code, resp)
}

func (h *HealthChecker) uptime() string {
	return time.Since(h.startTime).Truncate(time.Second).String()
}

func writeHealth(w http.ResponseWriter, code int, resp HealthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

// StoreCheck reports the store unreachable when its ping fails.
func StoreCheck(s interface{ Ping(context.Context) error }) ReadinessCheck {
	return ReadinessCheck{Name: "store", Check: s.Ping}
}

// ProxyCheck fails while the controller's proxy is stopped.
func ProxyCheck(c *Controller) ReadinessCheck {
	return ReadinessCheck{Name: "proxy", Check: func(context.Context) error {
		if !c.Running() {
			return errors.New("proxy not running")
		}
		return nil
	}}
}

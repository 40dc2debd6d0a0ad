package yuri

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker()

	t.Run("not alive by default", func(t *testing.T) {
		if h.IsAlive() {
			t.Error("expected not alive by default")
		}
	})

	t.Run("alive after SetAlive", func(t *testing.T) {
		h.SetAlive(true)
		if !h.IsAlive() {
			t.Error("expected alive after SetAlive(true)")
		}
	})

	t.Run("not alive after SetAlive false", func(t *testing.T) {
		h.SetAlive(false)
		if h.IsAlive() {
			t.Error("expected not alive after SetAlive(false)")
		}
	})
}

func TestHealthChecker_Ready(t *testing.T) {
	ok := ReadinessCheck{Name: "ok", Check: func(context.Context) error { return nil }}
	down := ReadinessCheck{Name: "db", Check: func(context.Context) error { return errors.New("db down") }}

	t.Run("ready when all checks pass", func(t *testing.T) {
		h := NewHealthChecker(ok, ok)
		if failures := h.Ready(context.Background()); len(failures) != 0 {
			t.Errorf("failures = %v", failures)
		}
	})

	t.Run("not ready when one check fails", func(t *testing.T) {
		h := NewHealthChecker(ok, down)
		failures := h.Ready(context.Background())
		if len(failures) != 1 || failures[0] != "db: db down" {
			t.Errorf("failures = %v", failures)
		}
	})

	t.Run("slow check times out", func(t *testing.T) {
		slow := ReadinessCheck{Name: "slow", Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}}
		h := NewHealthChecker(slow)
		h.Timeout = 20 * time.Millisecond
		if failures := h.Ready(context.Background()); len(failures) != 1 {
			t.Errorf("failures = %v", failures)
		}
	})
}

func TestHealthChecker_HandleHealthz(t *testing.T) {
	tests := []struct {
		name       string
		alive      bool
		wantStatus int
		wantBody   string
	}{
		{"alive", true, http.StatusOK, "ok"},
		{"not alive", false, http.StatusServiceUnavailable, "unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthChecker()
			h.SetAlive(tt.alive)

			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			h.HandleHealthz(w, r)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}

			var resp HealthResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if resp.Status != tt.wantBody {
				t.Errorf("status = %q, want %q", resp.Status, tt.wantBody)
			}
			if resp.Uptime == "" {
				t.Error("expected uptime in response")
			}
		})
	}
}

func TestHealthChecker_HandleReadyz(t *testing.T) {
	tests := []struct {
		name        string
		alive       bool
		checks      []ReadinessCheck
		wantStatus  int
		wantDetails string
	}{
		{
			name:       "ready",
			alive:      true,
			wantStatus: http.StatusOK,
		},
		{
			name:        "not started",
			alive:       false,
			wantStatus:  http.StatusServiceUnavailable,
			wantDetails: "process not started",
		},
		{
			name:  "check failing",
			alive: true,
			checks: []ReadinessCheck{{Name: "store", Check: func(context.Context) error {
				return errors.New("locked")
			}}},
			wantStatus:  http.StatusServiceUnavailable,
			wantDetails: "store: locked",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthChecker(tt.checks...)
			h.SetAlive(tt.alive)

			w := httptest.NewRecorder()
			h.HandleReadyz(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			var resp HealthResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if tt.wantDetails != "" && !strings.Contains(strings.Join(resp.Details, ";"), tt.wantDetails) {
				t.Errorf("details = %v, want %q", resp.Details, tt.wantDetails)
			}
		})
	}
}

func TestStoreCheck(t *testing.T) {
	s := openTestStore(t)
	check := StoreCheck(s)
	if check.Name != "store" {
		t.Errorf("name = %q", check.Name)
	}
	if err := check.Check(context.Background()); err != nil {
		t.Errorf("check failed on open store: %v", err)
	}

	_ = s.Close()
	if err := check.Check(context.Background()); err == nil {
		t.Error("check passed on closed store")
	}
}

func TestProxyCheck(t *testing.T) {
	c := newTestController(t)
	check := ProxyCheck(c)

	if err := check.Check(context.Background()); err == nil {
		t.Error("check passed while stopped")
	}
	if _, err := c.Start(0); err != nil {
		t.Fatal(err)
	}
	if err := check.Check(context.Background()); err != nil {
		t.Errorf("check failed while running: %v", err)
	}
}

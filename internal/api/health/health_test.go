package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakePinger struct {
	err error
}

func (p fakePinger) Ping(ctx context.Context) error { return p.err }

func TestCheckHealthy(t *testing.T) {
	c := NewChecker("test")
	c.AddComponent("database", fakePinger{})
	c.AddComponent("runtime", fakePinger{})

	resp := c.Check(context.Background())
	if resp.Status != StatusHealthy {
		t.Errorf("status = %s, want healthy", resp.Status)
	}
	if len(resp.Components) != 2 {
		t.Errorf("components = %v", resp.Components)
	}
	if resp.Version != "test" {
		t.Errorf("version = %s", resp.Version)
	}
}

func TestCheckUnhealthy(t *testing.T) {
	c := NewChecker("test")
	c.AddComponent("database", fakePinger{err: errors.New("connection refused")})
	c.AddComponent("runtime", fakePinger{})

	resp := c.Check(context.Background())
	if resp.Status != StatusUnhealthy {
		t.Errorf("status = %s, want unhealthy", resp.Status)
	}
	if resp.Components["database"].Status != StatusUnhealthy {
		t.Errorf("database = %+v", resp.Components["database"])
	}
	if resp.Components["runtime"].Status != StatusHealthy {
		t.Errorf("runtime = %+v", resp.Components["runtime"])
	}
}

func TestCheckOptionalOnlyDegrades(t *testing.T) {
	c := NewChecker("test")
	c.AddComponent("database", fakePinger{})
	c.AddOptionalComponent("cache", fakePinger{err: errors.New("connection refused")})

	resp := c.Check(context.Background())
	if resp.Status != StatusDegraded {
		t.Errorf("status = %s, want degraded", resp.Status)
	}
}

func TestCheckNilPinger(t *testing.T) {
	c := NewChecker("test")
	c.AddComponent("database", nil)

	resp := c.Check(context.Background())
	if resp.Status != StatusUnhealthy {
		t.Errorf("status = %s, want unhealthy", resp.Status)
	}
	if resp.Components["database"].Message != "not configured" {
		t.Errorf("message = %q", resp.Components["database"].Message)
	}
}

func TestHandler(t *testing.T) {
	c := NewChecker("test")
	c.AddComponent("database", fakePinger{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if resp.Status != StatusHealthy {
		t.Errorf("body status = %s", resp.Status)
	}
}

func TestHandlerUnhealthy(t *testing.T) {
	c := NewChecker("test")
	c.AddComponent("database", fakePinger{err: errors.New("down")})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestHandlerDegradedIsOK(t *testing.T) {
	c := NewChecker("test")
	c.AddComponent("database", fakePinger{})
	c.AddOptionalComponent("cache", fakePinger{err: errors.New("down")})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 for degraded", rec.Code)
	}
}

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthz_AlwaysReturns200(t *testing.T) {
	h := New()

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
}

func TestReadyz_PassingAndFailingChecks(t *testing.T) {
	t.Run("all pass", func(t *testing.T) {
		h := New(Checker{Name: "sessions", Check: func(context.Context) error { return nil }})

		rec := httptest.NewRecorder()
		h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
		}
	})

	t.Run("one fails", func(t *testing.T) {
		h := New(
			Checker{Name: "sessions", Check: func(context.Context) error { return nil }},
			Checker{Name: "tools", Check: func(context.Context) error { return errors.New("mcp unreachable") }},
		)

		rec := httptest.NewRecorder()
		h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
		}
		var body result
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("decode JSON: %v", err)
		}
		if body.Status != "fail" {
			t.Errorf("status = %q, want %q", body.Status, "fail")
		}
		if body.Checks["tools"] != "fail: mcp unreachable" {
			t.Errorf("tools check = %q", body.Checks["tools"])
		}
	})
}

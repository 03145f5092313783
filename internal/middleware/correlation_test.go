package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCorrelationID_GeneratesWhenMissing(t *testing.T) {
	handler := CorrelationID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := r.Context().Value(CorrelationKey).(string)
		if !ok || id == "" {
			t.Error("correlation id missing from context")
		}
	}))

	req := httptest.NewRequest("GET", "/jobs", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Header().Get("X-Correlation-ID") == "" {
		t.Error("header missing")
	}
}

func TestCorrelationID_PropagatesProvidedID(t *testing.T) {
	handler := CorrelationID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetCorrelationID(r.Context()) != "caller-supplied" {
			t.Error("provided correlation id not propagated")
		}
	}))

	req := httptest.NewRequest("GET", "/jobs", nil)
	req.Header.Set("X-Correlation-ID", "caller-supplied")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Header().Get("X-Correlation-ID") != "caller-supplied" {
		t.Errorf("expected echoed header, got %q", w.Header().Get("X-Correlation-ID"))
	}
}

func TestGetCorrelationID_Fallback(t *testing.T) {
	if GetCorrelationID(context.Background()) != "unknown" {
		t.Error("expected fallback value for missing correlation id")
	}
}

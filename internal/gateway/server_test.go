package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/meircohen/openclaw/internal/bus"
)

func TestAuthRequired(t *testing.T) {
	s := New(&Config{Port: 1, AuthToken: "secret"}, bus.New(nil), nil)

	handler := s.withAuth(s.handleStatus)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d without token, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	handler(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d with token, want 200", rec.Code)
	}

	// Query-parameter token also accepted.
	req = httptest.NewRequest(http.MethodGet, "/api/status?token=secret", nil)
	rec = httptest.NewRecorder()
	handler(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d with query token, want 200", rec.Code)
	}
}

func TestStatusSnapshot(t *testing.T) {
	snapshot := func() any {
		return map[string]int{"queued": 3}
	}
	s := New(&Config{Port: 1}, bus.New(nil), snapshot)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	s.withAuth(s.handleStatus)(rec, req)

	var doc map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("bad JSON: %v", err)
	}
	if doc["queued"] != 3 {
		t.Errorf("queued = %d, want 3", doc["queued"])
	}
}

func TestRecentEvents(t *testing.T) {
	events := bus.New(nil)
	events.Publish(bus.Event{Type: bus.EventTaskAccepted, TaskID: "t1"})

	s := New(&Config{Port: 1}, events, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/events/recent", nil)
	rec := httptest.NewRecorder()
	s.withAuth(s.handleRecentEvents)(rec, req)

	var got []bus.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("bad JSON: %v", err)
	}
	if len(got) != 1 || got[0].TaskID != "t1" {
		t.Errorf("events = %+v", got)
	}
}

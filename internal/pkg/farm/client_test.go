package farm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCreditsFromLogs(t *testing.T) {
	logs := []LogEntry{
		{Type: "info", Message: "workspace joined"},
		{Type: "credit", Message: "credit delivered"},
		{Type: "credit", Message: "credit delivered"},
		{Type: "error", Message: "retrying"},
		{Type: "credit", Message: "credit delivered"},
	}
	if got := CreditsFromLogs(logs); got != 3*CreditsPerLogEntry {
		t.Fatalf("expected %d credits, got %d", 3*CreditsPerLogEntry, got)
	}
	if got := CreditsFromLogs(nil); got != 0 {
		t.Fatalf("expected 0 credits for empty logs, got %d", got)
	}
}

func TestDeliveredPrefersExplicitCounter(t *testing.T) {
	earned := 42
	res := &StatusResult{
		CreditsEarned: &earned,
		Logs:          []LogEntry{{Type: "credit"}, {Type: "credit"}},
	}
	if got := res.Delivered(); got != 42 {
		t.Fatalf("expected explicit counter 42, got %d", got)
	}

	res.CreditsEarned = nil
	if got := res.Delivered(); got != 2*CreditsPerLogEntry {
		t.Fatalf("expected log-derived %d, got %d", 2*CreditsPerLogEntry, got)
	}
}

func TestCreateGeneration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/generations" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer farm-token" {
			t.Errorf("unexpected auth header: %q", got)
		}
		var body struct {
			Credits int `json:"credits"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.Credits != 500 {
			t.Errorf("expected credits 500, got %d", body.Credits)
		}
		json.NewEncoder(w).Encode(CreateResult{FarmID: "farm-abc", Queued: false})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Token: "farm-token"})
	res, err := c.CreateGeneration(context.Background(), 500)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if res.FarmID != "farm-abc" || res.Queued {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestCreateGenerationRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "farm overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	if _, err := c.CreateGeneration(context.Background(), 100); err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}

func TestStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generations/farm-abc" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(StatusResult{
			Status: "running",
			Logs:   []LogEntry{{Type: "credit"}},
		})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	res, err := c.Status(context.Background(), "farm-abc")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if res.Status != "running" || res.Delivered() != CreditsPerLogEntry {
		t.Fatalf("unexpected status result: %+v", res)
	}
}

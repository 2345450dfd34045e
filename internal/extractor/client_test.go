package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestExtract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/extract" {
			t.Errorf("path = %q, want /extract", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}

		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Text != "Acme Robotics wins defense contract" {
			t.Errorf("Text = %q", req.Text)
		}
		if len(req.Hint) != 1 || req.Hint[0] != "ACME" {
			t.Errorf("Hint = %v, want [ACME]", req.Hint)
		}

		json.NewEncoder(w).Encode(Response{Symbol: "ACME", Confidence: 0.93})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	resp, err := c.Extract(context.Background(), Request{
		Text: "Acme Robotics wins defense contract",
		Hint: []string{"ACME"},
	})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if resp.Symbol != "ACME" || resp.Confidence != 0.93 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestExtract_RetriesServerError(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(Response{Symbol: "KITT", Confidence: 0.8})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	resp, err := c.Extract(context.Background(), Request{Text: "headline"})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if resp.Symbol != "KITT" {
		t.Errorf("Symbol = %q, want KITT", resp.Symbol)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("calls = %d, want 2", n)
	}
}

func TestExtract_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Extract(context.Background(), Request{Text: "headline"})
	if err == nil {
		t.Fatal("expected error")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("err = %v, want APIError 400", err)
	}
	if apiErr.IsRetryable() {
		t.Error("IsRetryable() = true for 400")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestExtract_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithTimeout(20*time.Millisecond))
	if _, err := c.Extract(context.Background(), Request{Text: "headline"}); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestExtract_EmptySymbol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Response{Symbol: "", Confidence: 0})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	resp, err := c.Extract(context.Background(), Request{Text: "no ticker here"})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if resp.Symbol != "" {
		t.Errorf("Symbol = %q, want empty", resp.Symbol)
	}
}

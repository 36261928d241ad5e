package quorum

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/fractal-lba/releasegate/internal/api"
	"github.com/fractal-lba/releasegate/internal/slo"
)

func TestHTTPJudge(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/judge" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")

		var req JudgeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(slo.JudgeDocument(req.Document, passing))
	}))
	defer srv.Close()

	j := NewHTTPJudge("remote", srv.URL+"/", "tok", nil)
	set, err := j.Evaluate(context.Background(), testDocument())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if set.OverallVerdict != api.Pass {
		t.Errorf("Expected PASS, got %s", set.OverallVerdict)
	}
	if len(set.Routes) != 2 {
		t.Errorf("Expected 2 routes, got %d", len(set.Routes))
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Expected bearer token, got %q", gotAuth)
	}
}

func TestHTTPJudge_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "witness unavailable", http.StatusServiceUnavailable)
		}},
		{"not json", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("<html>"))
		}},
		{"no routes", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"overall_verdict":"PASS"}`))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			j := NewHTTPJudge("remote", srv.URL, "", srv.Client())
			if _, err := j.Evaluate(context.Background(), testDocument()); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}

func TestLocalJudge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "witness.json")
	if err := os.WriteFile(path, []byte(`{"latency_p95": 200, "err_rate": 0.005}`), 0644); err != nil {
		t.Fatal(err)
	}

	j := NewLocalJudge("local", path)
	set, err := j.Evaluate(context.Background(), testDocument())
	if err != nil {
		t.Fatal(err)
	}
	if set.OverallVerdict != api.Pass {
		t.Errorf("Expected PASS, got %s", set.OverallVerdict)
	}

	// refreshed witness is picked up by the next query
	if err := os.WriteFile(path, []byte(`{"latency_p95": 900, "err_rate": 0.005}`), 0644); err != nil {
		t.Fatal(err)
	}
	set, err = j.Evaluate(context.Background(), testDocument())
	if err != nil {
		t.Fatal(err)
	}
	if set.OverallVerdict != api.Fail {
		t.Errorf("Expected FAIL after witness refresh, got %s", set.OverallVerdict)
	}

	missing := NewLocalJudge("gone", filepath.Join(t.TempDir(), "nope.json"))
	if _, err := missing.Evaluate(context.Background(), testDocument()); err == nil {
		t.Error("Expected error for missing witness")
	}
}

package status

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	logx "raspimon/pkg/logx"
)

type fakeReporter struct{ healthy atomic.Bool }

func (f *fakeReporter) Status() any {
	return map[string]any{"node": "b827eb000001", "pending": 3}
}

func (f *fakeReporter) Healthy() bool { return f.healthy.Load() }

func TestHandlerEndpoints(t *testing.T) {
	t.Parallel()

	rep := &fakeReporter{}
	rep.healthy.Store(true)
	s := New(Config{}, rep, logx.Nop())
	srv := httptest.NewServer(s.Handler(Config{Prefix: "debug"}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	_ = resp.Body.Close()
	if doc["node"] != "b827eb000001" || doc["pending"] != 3.0 {
		t.Fatalf("status doc = %v", doc)
	}

	tests := []struct {
		path string
		want int
	}{
		{"/healthz", http.StatusOK},
		{"/debug/", http.StatusOK},
		{"/debug/pprof/", http.StatusNotFound},
	}
	for _, tt := range tests {
		resp, err := http.Get(srv.URL + tt.path)
		if err != nil {
			t.Fatalf("GET %s: %v", tt.path, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Fatalf("GET %s = %d, want %d", tt.path, resp.StatusCode, tt.want)
		}
	}

	rep.healthy.Store(false)
	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy /healthz = %d", resp.StatusCode)
	}
}

func TestHandlerToken(t *testing.T) {
	t.Parallel()

	s := New(Config{}, nil, logx.Nop())
	srv := httptest.NewServer(s.Handler(Config{Token: "s3cret"}))
	defer srv.Close()

	tests := []struct {
		name   string
		query  string
		header string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"bad query", "?token=nope", "", http.StatusUnauthorized},
		{"query", "?token=s3cret", "", http.StatusOK},
		{"bearer", "", "Bearer s3cret", http.StatusOK},
		{"bad bearer", "", "Bearer nope", http.StatusUnauthorized},
		{"prefix", "?token=s3cre", "", http.StatusUnauthorized},
		{"longer", "", "Bearer s3cret2", http.StatusUnauthorized},
		{"bad query wins", "?token=nope", "Bearer s3cret", http.StatusUnauthorized},
		{"basic scheme", "", "Basic s3cret", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/healthz"+tt.query, http.NoBody)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Fatalf("%s: status %d, want %d", tt.name, resp.StatusCode, tt.want)
		}
	}
}

func TestTokenEqual(t *testing.T) {
	t.Parallel()

	tests := []struct {
		got, want string
		ok        bool
	}{
		{"s3cret", "s3cret", true},
		{"s3cre", "s3cret", false},
		{"S3CRET", "s3cret", false},
		{"", "s3cret", false},
	}
	for _, tt := range tests {
		if got := tokenEqual(tt.got, tt.want); got != tt.ok {
			t.Fatalf("tokenEqual(%q, %q) = %v", tt.got, tt.want, got)
		}
	}
}

func TestServiceStartStop(t *testing.T) {
	t.Parallel()

	rep := &fakeReporter{}
	rep.healthy.Store(true)
	s := New(Config{}, rep, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	var addr string
	for addr == "" {
		if ctx.Err() != nil {
			t.Fatal("server never bound")
		}
		time.Sleep(5 * time.Millisecond)
		addr = s.Addr()
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	_ = resp.Body.Close()

	s.Reconfigure(ctx, Config{Enabled: false})
	if s.Addr() != "" || s.Supervisor() != nil {
		t.Fatal("server still running after disable")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	tests := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:80":   true,
		"[::1]:6060":     true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"192.168.1.5:80": false,
		"garbage":        false,
	}
	for addr, want := range tests {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

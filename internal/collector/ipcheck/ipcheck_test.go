package ipcheck

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"raspimon/internal/collector"
	logx "raspimon/pkg/logx"
)

func newChecker(t *testing.T, h http.HandlerFunc) *Checker {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := New(Config{PublicURL: srv.URL, Client: srv.Client()}, logx.Nop())
	c.privateIP = func(context.Context) (string, error) { return "192.168.1.10", nil }
	return c
}

func TestCollectReportsBothAddresses(t *testing.T) {
	t.Parallel()

	c := newChecker(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(" 203.0.113.7\n"))
	})
	got, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	want := []collector.Sample{{Name: "ip/private", Value: "192.168.1.10"}, {Name: "ip/public", Value: "203.0.113.7"}}
	if len(got) != len(want) {
		t.Fatalf("got %d samples, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestCollectRejectsGarbage(t *testing.T) {
	t.Parallel()

	c := newChecker(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>rate limited</html>"))
	})
	if _, err := c.Collect(context.Background()); !errors.Is(err, ErrBadAddress) {
		t.Fatalf("err = %v, want ErrBadAddress", err)
	}
}

func TestCollectHonorsRetryAfter(t *testing.T) {
	t.Parallel()

	c := newChecker(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := c.Collect(context.Background())
	var ra collector.RetryAfterError
	if !errors.As(err, &ra) || ra.RetryAfter() != 7*time.Second {
		t.Fatalf("err = %v, want retry-after 7s", err)
	}
}

func TestObserveAlertsOnlyOnChange(t *testing.T) {
	t.Parallel()

	var public atomic.Value
	public.Store("203.0.113.7")
	c := newChecker(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(public.Load().(string)))
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := c.Collect(ctx); err != nil {
			t.Fatalf("Collect: %v", err)
		}
	}
	c.mu.Lock()
	last := c.lastPublic
	c.mu.Unlock()
	if last != "203.0.113.7" {
		t.Fatalf("lastPublic = %q", last)
	}

	public.Store("198.51.100.1")
	if _, err := c.Collect(ctx); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	c.mu.Lock()
	last = c.lastPublic
	c.mu.Unlock()
	if last != "198.51.100.1" {
		t.Fatalf("lastPublic = %q after change", last)
	}
}

func TestFailureForgetsLastAddresses(t *testing.T) {
	t.Parallel()

	c := newChecker(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("203.0.113.7"))
	})
	if _, err := c.Collect(context.Background()); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	c.privateIP = func(context.Context) (string, error) { return "", errors.New("network unreachable") }
	if _, err := c.Collect(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.failing || c.lastPrivate != "" || c.lastPublic != "" {
		t.Fatalf("state after failure: failing=%v private=%q public=%q", c.failing, c.lastPrivate, c.lastPublic)
	}
}

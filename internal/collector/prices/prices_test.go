package prices

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"raspimon/internal/collector"
	logx "raspimon/pkg/logx"
)

func pvpcDoc(hours int) string {
	var b strings.Builder
	b.WriteString(`{"PVPC":[`)
	for h := 0; h < hours; h++ {
		if h > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, `{"Dia":"11/03/2024","Hora":"%02d-%02d","GEN":"%d,50","NOC":"%d,25","VHC":"%d,00"}`, h, h+1, 100+h, 50+h, 80+h)
	}
	b.WriteString(`]}`)
	return b.String()
}

func TestParse(t *testing.T) {
	t.Parallel()

	got, err := Parse(strings.NewReader(pvpcDoc(24)), DefaultTariffs)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	for _, tariff := range DefaultTariffs {
		if n := len(got[tariff]); n != 24 {
			t.Fatalf("%s has %d hours, want 24", tariff, n)
		}
	}
	if v := got["GEN"][3]; math.Abs(v-0.1035) > 1e-9 {
		t.Fatalf("GEN[3] = %v, want 0.1035", v)
	}
	if v := got["NOC"][23]; math.Abs(v-0.07325) > 1e-9 {
		t.Fatalf("NOC[23] = %v, want 0.07325", v)
	}
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"empty", `{"PVPC":[]}`, "no PVPC entries"},
		{"too many hours", pvpcDoc(26), "at most 25"},
		{"bad hour", `{"PVPC":[{"Hora":"xx-01","GEN":"1","NOC":"1","VHC":"1"}]}`, "bad hour"},
		{"missing tariff", `{"PVPC":[{"Hora":"00-01","GEN":"1","NOC":"1"}]}`, "tariff VHC missing"},
		{"bad number", `{"PVPC":[{"Hora":"00-01","GEN":"1;2","NOC":"1","VHC":"1"}]}`, "tariff GEN hour 0"},
		{"not json", `<html/>`, "decode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.doc), DefaultTariffs)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
	if _, err := Parse(strings.NewReader(`{"PVPC":[]}`), DefaultTariffs); !errors.Is(err, ErrNoData) {
		t.Fatalf("err = %v, want ErrNoData", err)
	}
}

func TestCollectRequestsNextDay(t *testing.T) {
	t.Parallel()

	paths := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Query().Get("fileName")
		_, _ = w.Write([]byte(pvpcDoc(25)))
	}))
	defer srv.Close()

	clk := clockwork.NewFakeClockAt(time.Date(2024, 10, 26, 21, 0, 0, 0, time.UTC))
	m := New(Config{URL: srv.URL + "/?fileName=PVPC_CURV_DD_%s", Client: srv.Client(), Clock: clk}, logx.Nop())

	samples, err := m.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got := <-paths; got != "PVPC_CURV_DD_20241027" {
		t.Fatalf("requested %q", got)
	}
	if len(samples) != 3 || samples[0].Name != "electricity_prices/gen" {
		t.Fatalf("unexpected samples: %+v", samples)
	}
	if vals, ok := samples[2].Value.([]float64); !ok || len(vals) != 25 {
		t.Fatalf("VHC value = %#v", samples[2].Value)
	}
}

func TestCollectDayOffset(t *testing.T) {
	t.Parallel()

	tests := []struct {
		offset *int
		want   string
	}{
		{nil, "PVPC_CURV_DD_20240311"},
		{intPtr(0), "PVPC_CURV_DD_20240310"},
		{intPtr(1), "PVPC_CURV_DD_20240311"},
		{intPtr(-1), "PVPC_CURV_DD_20240309"},
	}
	for _, tt := range tests {
		paths := make(chan string, 1)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			paths <- r.URL.Query().Get("fileName")
			_, _ = w.Write([]byte(pvpcDoc(24)))
		}))
		clk := clockwork.NewFakeClockAt(time.Date(2024, 3, 10, 21, 0, 0, 0, time.UTC))
		m := New(Config{URL: srv.URL + "/?fileName=PVPC_CURV_DD_%s", DayOffset: tt.offset, Client: srv.Client(), Clock: clk}, logx.Nop())
		_, err := m.Collect(context.Background())
		srv.Close()
		if err != nil {
			t.Fatalf("Collect: %v", err)
		}
		if got := <-paths; got != tt.want {
			t.Fatalf("offset %v: requested %q, want %q", tt.offset, got, tt.want)
		}
	}
}

func intPtr(v int) *int { return &v }

func TestCollectHTTPFailureIsRetryable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := New(Config{URL: srv.URL, Client: srv.Client()}, logx.Nop())
	_, err := m.Collect(context.Background())
	if err == nil || collector.IsNoRetry(err) {
		t.Fatalf("err = %v, want retryable error", err)
	}
}

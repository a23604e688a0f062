// Package bandwidth measures link throughput with speedtest.net servers.
package bandwidth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"

	"raspimon/internal/collector"
	logx "raspimon/pkg/logx"
)

type Config struct {
	// ServerIDs pins the test to these servers. Empty picks the nearest.
	ServerIDs []int
	// Candidates is how many nearby servers are pinged. Default 5.
	Candidates int
	SkipUpload bool
	// MaxConnections caps parallel streams per test. Default 4.
	MaxConnections int
}

// Result is a single measurement.
type Result struct {
	DownloadMbps float64
	UploadMbps   float64
	PingMs       float64
	JitterMs     float64
	ISP          string
	Server       string
	Took         time.Duration
}

// Meter implements collector.Collector.
type Meter struct {
	cfg Config
	log logx.Logger

	// measure is swappable in tests.
	measure func(ctx context.Context) (Result, error)
}

func New(cfg Config, log logx.Logger) *Meter {
	if cfg.Candidates <= 0 {
		cfg.Candidates = 5
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 4
	}
	m := &Meter{cfg: cfg, log: log.With(logx.String("comp", "bandwidth"))}
	m.measure = m.run
	return m
}

func (m *Meter) Name() string { return "bandwidth" }

func (m *Meter) Collect(ctx context.Context) ([]collector.Sample, error) {
	res, err := m.measure(ctx)
	if err != nil {
		return nil, err
	}
	m.log.Info("speedtest finished",
		logx.Float64("download_mbps", res.DownloadMbps),
		logx.Float64("upload_mbps", res.UploadMbps),
		logx.Float64("ping_ms", res.PingMs),
		logx.String("server", res.Server),
		logx.Duration("took", res.Took),
	)
	out := []collector.Sample{
		{Name: "bandwidth/download_mbps", Value: res.DownloadMbps},
		{Name: "bandwidth/ping_ms", Value: res.PingMs},
		{Name: "bandwidth/jitter_ms", Value: res.JitterMs},
	}
	if !m.cfg.SkipUpload {
		out = append(out, collector.Sample{Name: "bandwidth/upload_mbps", Value: res.UploadMbps})
	}
	return out, nil
}

func (m *Meter) run(ctx context.Context) (Result, error) {
	start := time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// A dedicated transport so connections are torn down after every run.
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: max(2, m.cfg.MaxConnections),
		IdleConnTimeout:     10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	defer tr.CloseIdleConnections()

	// Avoid package-level helpers: speedtest-go keeps package-level state.
	stc := st.New(st.WithUserConfig(&st.UserConfig{MaxConnections: m.cfg.MaxConnections}), st.WithDoer(&http.Client{Transport: tr}))
	stc.SetNThread(m.cfg.MaxConnections)
	defer func() {
		stc.Snapshots().Clean()
		stc.Reset()
	}()

	user, err := stc.FetchUserInfoContext(runCtx)
	if err != nil {
		return Result{}, fmt.Errorf("bandwidth: fetch user info: %w", err)
	}

	servers, err := m.candidates(runCtx, stc)
	if err != nil {
		return Result{}, err
	}

	var best *st.Server
	for _, s := range servers {
		if err := s.PingTestContext(runCtx, nil); err != nil || s.Latency <= 0 {
			continue
		}
		if best == nil || s.Latency < best.Latency {
			best = s
		}
	}
	if best == nil {
		return Result{}, fmt.Errorf("bandwidth: all latency tests failed")
	}

	if err := best.DownloadTestContext(runCtx); err != nil {
		return Result{}, fmt.Errorf("bandwidth: download test: %w", err)
	}
	res := Result{
		DownloadMbps: best.DLSpeed.Mbps(),
		PingMs:       float64(best.Latency.Microseconds()) / 1000,
		JitterMs:     float64(best.Jitter.Microseconds()) / 1000,
		ISP:          user.Isp,
		Server:       best.Sponsor,
	}
	if !m.cfg.SkipUpload {
		if err := best.UploadTestContext(runCtx); err != nil {
			return Result{}, fmt.Errorf("bandwidth: upload test: %w", err)
		}
		res.UploadMbps = best.ULSpeed.Mbps()
	}
	res.Took = time.Since(start)
	return res, nil
}

func (m *Meter) candidates(ctx context.Context, stc *st.Speedtest) ([]*st.Server, error) {
	if len(m.cfg.ServerIDs) > 0 {
		out := make([]*st.Server, 0, len(m.cfg.ServerIDs))
		for _, id := range m.cfg.ServerIDs {
			s, err := stc.FetchServerByIDContext(ctx, strconv.Itoa(id))
			if err != nil {
				m.log.Warn("speedtest server unavailable", logx.Int("server_id", id), logx.Err(err))
				continue
			}
			out = append(out, s)
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("bandwidth: none of the configured servers is available")
		}
		return out, nil
	}

	servers, err := stc.FetchServerListContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("bandwidth: fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("bandwidth: no servers available")
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	return servers[:min(m.cfg.Candidates, len(servers))], nil
}

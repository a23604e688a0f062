// Package prices downloads next-day hourly electricity prices (PVPC) and
// publishes one series per tariff.
//
// Prices for the next day are published around 20:15 local time, so the
// default schedule samples daily at 21:00 UTC.
package prices

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"raspimon/internal/collector"
	logx "raspimon/pkg/logx"
)

const DefaultURL = "http://www.esios.ree.es/Solicitar?fileName=PVPC_CURV_DD_%s&fileType=txt&idioma=es"

// MaxHours covers the 25 hour day of the CEST to CET transition.
const MaxHours = 25

var (
	DefaultTariffs = []string{"GEN", "NOC", "VHC"}

	ErrNoData = errors.New("prices: response has no PVPC entries")
)

type Config struct {
	// URL is a format string receiving the day as YYYYMMDD.
	URL string
	// DayOffset selects the day relative to today. Nil means tomorrow.
	DayOffset *int
	Tariffs   []string
	Location  *time.Location
	Client    *http.Client
	Clock     clockwork.Clock
}

// Monitor implements collector.Collector.
type Monitor struct {
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Monitor {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = DefaultURL
	}
	if cfg.DayOffset == nil {
		next := 1
		cfg.DayOffset = &next
	}
	if len(cfg.Tariffs) == 0 {
		cfg.Tariffs = DefaultTariffs
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: time.Minute}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Monitor{cfg: cfg, log: log.With(logx.String("comp", "prices"))}
}

func (m *Monitor) Name() string { return "prices" }

func (m *Monitor) Collect(ctx context.Context) ([]collector.Sample, error) {
	day := m.cfg.Clock.Now().In(m.cfg.Location).AddDate(0, 0, *m.cfg.DayOffset)
	url := m.cfg.URL
	if strings.Contains(url, "%s") {
		url = fmt.Sprintf(url, day.Format("20060102"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, collector.NoRetry(err)
	}
	resp, err := m.cfg.Client.Do(req)
	if err != nil {
		m.log.Error("unable to retrieve electricity prices", logx.Err(err))
		return nil, fmt.Errorf("prices: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, fmt.Errorf("prices: http %d", resp.StatusCode)
	}

	table, err := Parse(io.LimitReader(resp.Body, 1<<20), m.cfg.Tariffs)
	if err != nil {
		m.log.Error("unable to parse electricity prices", logx.Err(err))
		return nil, collector.NoRetry(err)
	}

	out := make([]collector.Sample, 0, len(m.cfg.Tariffs))
	for _, t := range m.cfg.Tariffs {
		out = append(out, collector.Sample{Name: "electricity_prices/" + strings.ToLower(t), Value: table[t]})
	}
	m.log.Info("electricity prices published", logx.String("day", day.Format(time.DateOnly)), logx.Int("hours", len(table[m.cfg.Tariffs[0]])))
	return out, nil
}

type pvpcEntry map[string]string

type pvpcResponse struct {
	PVPC []pvpcEntry `json:"PVPC"`
}

// Parse decodes a PVPC document into per-tariff hourly prices in EUR/kWh.
// Source values are EUR/MWh with a comma decimal separator. The result has
// one slot per hour actually present, at most MaxHours.
func Parse(r io.Reader, tariffs []string) (map[string][]float64, error) {
	var doc pvpcResponse
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("prices: decode: %w", err)
	}
	if len(doc.PVPC) == 0 {
		return nil, ErrNoData
	}
	if len(doc.PVPC) > MaxHours {
		return nil, fmt.Errorf("prices: %d hourly entries, at most %d expected", len(doc.PVPC), MaxHours)
	}

	n := len(doc.PVPC)
	out := make(map[string][]float64, len(tariffs))
	for _, t := range tariffs {
		out[t] = make([]float64, n)
	}
	for _, e := range doc.PVPC {
		h, err := parseHour(e["Hora"])
		if err != nil {
			return nil, err
		}
		if h >= n {
			return nil, fmt.Errorf("prices: hour %d out of range for %d entries", h, n)
		}
		for _, t := range tariffs {
			raw, ok := e[t]
			if !ok {
				return nil, fmt.Errorf("prices: tariff %s missing at hour %d", t, h)
			}
			v, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(raw), ",", "."), 64)
			if err != nil {
				return nil, fmt.Errorf("prices: tariff %s hour %d: %w", t, h, err)
			}
			out[t][h] = v / 1000
		}
	}
	return out, nil
}

// parseHour reads the start hour of a "HH-HH" range.
func parseHour(s string) (int, error) {
	start, _, _ := strings.Cut(strings.TrimSpace(s), "-")
	h, err := strconv.Atoi(start)
	if err != nil || h < 0 || h >= MaxHours {
		return 0, fmt.Errorf("prices: bad hour %q", s)
	}
	return h, nil
}

// Package snmpmeter polls an SNMP energy meter or UPS.
package snmpmeter

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"

	"raspimon/internal/collector"
	logx "raspimon/pkg/logx"
)

// DefaultOIDs are UPS-MIB output table entries of line 1.
var DefaultOIDs = map[string]string{
	"output_voltage": "1.3.6.1.2.1.33.1.4.4.1.2.1",
	"output_power":   "1.3.6.1.2.1.33.1.4.4.1.4.1",
	"output_load":    "1.3.6.1.2.1.33.1.4.4.1.5.1",
}

var ErrNoValue = errors.New("snmpmeter: no such object")

type Config struct {
	Target    string
	Port      uint16
	Community string
	Timeout   time.Duration
	Retries   int
	OIDs      map[string]string
}

// Getter is the subset of *gosnmp.GoSNMP used by the meter.
type Getter interface {
	Get(oids []string) (*gosnmp.SnmpPacket, error)
}

// Meter implements collector.Collector.
type Meter struct {
	cfg   Config
	log   logx.Logger
	names []string // sorted metric names

	// dial is swappable in tests.
	dial func(ctx context.Context) (Getter, func(), error)
}

func New(cfg Config, log logx.Logger) *Meter {
	if cfg.Port == 0 {
		cfg.Port = 161
	}
	if strings.TrimSpace(cfg.Community) == "" {
		cfg.Community = "public"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 1
	}
	if len(cfg.OIDs) == 0 {
		cfg.OIDs = DefaultOIDs
	}
	names := make([]string, 0, len(cfg.OIDs))
	for n := range cfg.OIDs {
		names = append(names, n)
	}
	sort.Strings(names)

	m := &Meter{cfg: cfg, names: names, log: log.With(logx.String("comp", "snmpmeter"), logx.String("target", cfg.Target))}
	m.dial = m.connect
	return m
}

func (m *Meter) Name() string { return "snmpmeter" }

func (m *Meter) Collect(ctx context.Context) ([]collector.Sample, error) {
	g, closeFn, err := m.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	oids := make([]string, len(m.names))
	byOID := make(map[string]string, len(m.names))
	for i, n := range m.names {
		oid := normalizeOID(m.cfg.OIDs[n])
		oids[i] = oid
		byOID[oid] = n
	}

	pkt, err := g.Get(oids)
	if err != nil {
		return nil, fmt.Errorf("snmpmeter: get: %w", err)
	}
	if pkt.Error != gosnmp.NoError {
		return nil, collector.NoRetry(fmt.Errorf("snmpmeter: agent error %s at index %d", pkt.Error, pkt.ErrorIndex))
	}

	out := make([]collector.Sample, 0, len(pkt.Variables))
	for _, v := range pkt.Variables {
		name, ok := byOID[normalizeOID(v.Name)]
		if !ok {
			continue
		}
		f, err := Value(v)
		if err != nil {
			m.log.Warn("snmp value skipped", logx.String("metric", name), logx.String("oid", v.Name), logx.Err(err))
			continue
		}
		out = append(out, collector.Sample{Name: "energy/" + name, Value: f})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("snmpmeter: %w for any of %d oids", ErrNoValue, len(oids))
	}
	return out, nil
}

func (m *Meter) connect(ctx context.Context) (Getter, func(), error) {
	g := &gosnmp.GoSNMP{
		Target:    m.cfg.Target,
		Port:      m.cfg.Port,
		Community: m.cfg.Community,
		Version:   gosnmp.Version2c,
		Timeout:   m.cfg.Timeout,
		Retries:   m.cfg.Retries,
		Context:   ctx,
		MaxOids:   gosnmp.MaxOids,
	}
	if err := g.Connect(); err != nil {
		return nil, nil, fmt.Errorf("snmpmeter: connect %s: %w", m.cfg.Target, err)
	}
	return g, func() { _ = g.Conn.Close() }, nil
}

// Value converts a numeric PDU to float64.
func Value(v gosnmp.SnmpPDU) (float64, error) {
	switch v.Type {
	case gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.EndOfMibView, gosnmp.Null:
		return 0, ErrNoValue
	case gosnmp.Integer, gosnmp.Counter32, gosnmp.Gauge32, gosnmp.TimeTicks, gosnmp.Counter64, gosnmp.Uinteger32:
		f, _ := new(big.Float).SetInt(gosnmp.ToBigInt(v.Value)).Float64()
		return f, nil
	case gosnmp.OpaqueFloat:
		if f, ok := v.Value.(float32); ok {
			return float64(f), nil
		}
	case gosnmp.OpaqueDouble:
		if f, ok := v.Value.(float64); ok {
			return f, nil
		}
	}
	return 0, fmt.Errorf("snmpmeter: unsupported type %s", v.Type)
}

func normalizeOID(oid string) string {
	return strings.TrimPrefix(strings.TrimSpace(oid), ".")
}

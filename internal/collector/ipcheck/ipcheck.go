// Package ipcheck reports the node's private and public IP addresses and
// raises an alert whenever either changes.
package ipcheck

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"raspimon/internal/collector"
	logx "raspimon/pkg/logx"
)

const (
	DefaultPublicURL = "http://ip.42.pl/raw"
	DefaultProbeAddr = "8.8.8.8:80"
)

var ErrBadAddress = errors.New("ipcheck: not an IP address")

type Config struct {
	PublicURL string
	ProbeAddr string
	Client    *http.Client
}

// Checker implements collector.Collector.
type Checker struct {
	cfg Config
	log logx.Logger

	// privateIP is swappable in tests.
	privateIP func(ctx context.Context) (string, error)

	mu          sync.Mutex
	lastPrivate string
	lastPublic  string
	failing     bool
}

func New(cfg Config, log logx.Logger) *Checker {
	if strings.TrimSpace(cfg.PublicURL) == "" {
		cfg.PublicURL = DefaultPublicURL
	}
	if strings.TrimSpace(cfg.ProbeAddr) == "" {
		cfg.ProbeAddr = DefaultProbeAddr
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	c := &Checker{cfg: cfg, log: log.With(logx.String("comp", "ipcheck"))}
	c.privateIP = c.dialPrivateIP
	return c
}

func (c *Checker) Name() string { return "ipcheck" }

func (c *Checker) Collect(ctx context.Context) ([]collector.Sample, error) {
	priv, err := c.privateIP(ctx)
	if err == nil {
		var pub string
		pub, err = c.publicIP(ctx)
		if err == nil {
			c.observe(priv, pub)
			return []collector.Sample{
				{Name: "ip/private", Value: priv},
				{Name: "ip/public", Value: pub},
			}, nil
		}
	}

	c.mu.Lock()
	first := !c.failing
	c.failing = true
	c.lastPrivate, c.lastPublic = "", ""
	c.mu.Unlock()
	if first {
		c.log.Warn("unable to retrieve IP addresses", logx.Alert(), logx.Err(err))
	}
	return nil, err
}

// observe alerts once per change.
func (c *Checker) observe(priv, pub string) {
	c.mu.Lock()
	changed := priv != c.lastPrivate || pub != c.lastPublic
	c.lastPrivate, c.lastPublic = priv, pub
	c.failing = false
	c.mu.Unlock()
	if changed {
		c.log.Warn("my private IP address is "+priv, logx.Alert(), logx.String("ip", priv))
		c.log.Warn("my public IP address is "+pub, logx.Alert(), logx.String("ip", pub))
	}
}

// dialPrivateIP learns the outbound interface address. UDP connect sends no
// packet.
func (c *Checker) dialPrivateIP(ctx context.Context) (string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", c.cfg.ProbeAddr)
	if err != nil {
		return "", fmt.Errorf("ipcheck: probe %s: %w", c.cfg.ProbeAddr, err)
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("ipcheck: unexpected local address %v", conn.LocalAddr())
	}
	return addr.IP.String(), nil
}

func (c *Checker) publicIP(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.PublicURL, nil)
	if err != nil {
		return "", collector.NoRetry(err)
	}
	resp, err := c.cfg.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ipcheck: public address: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", fmt.Errorf("ipcheck: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("ipcheck: public address: http %d", resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests {
			if d, perr := time.ParseDuration(strings.TrimSpace(resp.Header.Get("Retry-After")) + "s"); perr == nil {
				return "", collector.RetryAfter(err, d)
			}
		}
		return "", err
	}
	ip := strings.TrimSpace(string(body))
	if net.ParseIP(ip) == nil {
		return "", fmt.Errorf("%w: %q", ErrBadAddress, ip)
	}
	return ip, nil
}

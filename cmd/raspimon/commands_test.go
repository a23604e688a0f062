package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseDurationCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		lit     string
		want    string
		wantErr bool
	}{
		{"500", "500\n", false},
		{"5m", "300000\n", false},
		{"1d", "86400000\n", false},
		{"1w", "604800000\n", false},
		{"5y", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		err := newCLI(&out).Run([]string{"raspimon", "parse-duration", tt.lit})
		if (err != nil) != tt.wantErr {
			t.Fatalf("parse-duration %q: err = %v", tt.lit, err)
		}
		if !tt.wantErr && out.String() != tt.want {
			t.Fatalf("parse-duration %q = %q, want %q", tt.lit, out.String(), tt.want)
		}
	}
}

func TestCheckConfigCommand(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	if err := os.WriteFile(good, []byte("node:\n  id: n1\nwatchdog:\n  enabled: true\n  interval: 30s\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := newCLI(&out).Run([]string{"raspimon", "-c", good, "check-config"}); err != nil {
		t.Fatalf("check-config: %v", err)
	}
	if !strings.Contains(out.String(), "good.yaml: ok") || !strings.Contains(out.String(), "watchdog") {
		t.Fatalf("output = %q", out.String())
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"watchdog": {"interval": "soon"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := newCLI(&out).Run([]string{"raspimon", "--config", bad, "check-config"}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestCheckConfigRunsScheduleChecks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{"cron", "collectors:\n  ipcheck:\n    enabled: true\n    schedule:\n      cron: not a cron\n"},
		{"offset", "collectors:\n  prices:\n    enabled: true\n    schedule:\n      boundary: 1h\n      offset: 2h\n"},
	}
	dir := t.TempDir()
	for _, tt := range tests {
		path := filepath.Join(dir, tt.name+".yaml")
		if err := os.WriteFile(path, []byte(tt.body), 0o600); err != nil {
			t.Fatal(err)
		}
		var out bytes.Buffer
		if err := newCLI(&out).Run([]string{"raspimon", "-c", path, "check-config"}); err == nil {
			t.Fatalf("%s: check-config accepted the config: %q", tt.name, out.String())
		}
		if strings.Contains(out.String(), ": ok") {
			t.Fatalf("%s: output = %q", tt.name, out.String())
		}
	}
}

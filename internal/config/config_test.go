package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pyrc.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTestConfig(t, `
servers:
  - name: freenode
    host: irc.example.net
    port: 6697
    tls: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DCC().PortRangeStart != 1024 || cfg.DCC().PortRangeEnd != 65535 {
		t.Errorf("expected default port range, got %d-%d", cfg.DCC().PortRangeStart, cfg.DCC().PortRangeEnd)
	}
	if cfg.DCC().ChecksumAlgorithm != "none" {
		t.Errorf("expected default checksum algorithm none, got %q", cfg.DCC().ChecksumAlgorithm)
	}
	if cfg.MaxHistory() != 2000 {
		t.Errorf("expected default max_history 2000, got %d", cfg.MaxHistory())
	}
	s, ok := cfg.ServerByName("freenode")
	if !ok || s.Host != "irc.example.net" {
		t.Fatalf("ServerByName failed: %+v ok=%v", s, ok)
	}
}

func TestLoadRejectsBadPortRange(t *testing.T) {
	path := writeTestConfig(t, `
dcc:
  port_range_start: 9000
  port_range_end: 1000
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for inverted port range")
	}
}

func TestLoadRejectsDuplicateServerNames(t *testing.T) {
	path := writeTestConfig(t, `
servers:
  - name: net1
    host: a.example.net
    port: 6667
  - name: net1
    host: b.example.net
    port: 6667
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for duplicate server name")
	}
}

func TestParseByteSize(t *testing.T) {
	cases := map[string]int64{
		"1024":   1024,
		"1KiB":   1024,
		"1MiB":   1024 * 1024,
		"2KB":    2000,
		"100B":   100,
	}
	for in, want := range cases {
		got, err := ParseByteSize(in)
		if err != nil {
			t.Fatalf("ParseByteSize(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestParseByteSizeInvalid(t *testing.T) {
	if _, err := ParseByteSize("not-a-size"); err == nil {
		t.Fatal("expected error for invalid size")
	}
}

func TestDCCBandwidthAndDiskFloorParsed(t *testing.T) {
	path := writeTestConfig(t, `
dcc:
  bandwidth_limit: "512KiB"
  disk_free_floor: "100MiB"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DCC().BandwidthLimitBps != 512*1024 {
		t.Errorf("unexpected bandwidth limit bytes: %d", cfg.DCC().BandwidthLimitBps)
	}
	if cfg.DCC().DiskFreeFloorBytes != 100*1024*1024 {
		t.Errorf("unexpected disk free floor bytes: %d", cfg.DCC().DiskFreeFloorBytes)
	}
}

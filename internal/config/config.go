// Package config is the default configuration provider: it loads a YAML
// document describing server definitions, DCC tuning, logging and the
// ignore list, and exposes it through the narrow config.Provider interface
// the core consumes. The core itself never touches YAML or the filesystem.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerDef describes one configured IRC server the user can connect to.
type ServerDef struct {
	Name             string   `yaml:"name"`
	Host             string   `yaml:"host"`
	Port             int      `yaml:"port"`
	TLS              bool     `yaml:"tls"`
	TLSVerify        bool     `yaml:"tls_verify"`
	CACertPath       string   `yaml:"ca_cert_path"`
	ClientCertPath   string   `yaml:"client_cert_path"`
	ClientKeyPath    string   `yaml:"client_key_path"`
	Nick             string   `yaml:"nick"`
	Username         string   `yaml:"username"`
	Realname         string   `yaml:"realname"`
	ServerPassword   string   `yaml:"server_password"`
	NickServPassword string   `yaml:"nickserv_password"`
	SASLUsername     string   `yaml:"sasl_username"`
	SASLPassword     string   `yaml:"sasl_password"`
	SASLAbortOnFail  bool     `yaml:"sasl_abort_on_fail"`
	DesiredCaps      []string `yaml:"desired_caps"`
	AutoJoin         []string `yaml:"auto_join"`
}

// DCCConfig tunes the DCC transfer engine.
type DCCConfig struct {
	Enabled                bool          `yaml:"enabled"`
	DownloadDir            string        `yaml:"download_dir"`
	PortRangeStart         int           `yaml:"port_range_start"`
	PortRangeEnd           int           `yaml:"port_range_end"`
	AdvertisedIP           string        `yaml:"advertised_ip"`
	Timeout                time.Duration `yaml:"-"`
	TimeoutSeconds         int           `yaml:"timeout_seconds"`
	CleanupIntervalSeconds int           `yaml:"cleanup_interval_seconds"`
	TransferMaxAgeSeconds  int           `yaml:"transfer_max_age_seconds"`
	PassiveTokenTTLSeconds int           `yaml:"passive_mode_token_timeout_seconds"`
	ChecksumEnabled        bool          `yaml:"checksum_enabled"`
	ChecksumAlgorithm      string        `yaml:"checksum_algorithm"` // none|md5|sha1|sha256
	AutoAcceptPatterns     []string      `yaml:"auto_accept_patterns"`
	BlockedExtensions      []string      `yaml:"blocked_extensions"`
	DeletePartialOnCancel  bool          `yaml:"delete_partial_on_cancel"`
	ResumeEnabled          bool          `yaml:"resume_enabled"`
	BandwidthLimitBps      int64         `yaml:"-"`
	BandwidthLimit         string        `yaml:"bandwidth_limit"` // human size/sec, e.g. "512KiB"
	DiskFreeFloor          string        `yaml:"disk_free_floor"` // human size, e.g. "100MiB"
	DiskFreeFloorBytes     int64         `yaml:"-"`
}

// LoggingConfig controls the default channel/DCC logger implementation.
type LoggingConfig struct {
	Level              string `yaml:"level"`
	Format             string `yaml:"format"` // json|text
	FilePath           string `yaml:"file_path"`
	SessionLogDir      string `yaml:"session_log_dir"`
	CompressionCodec   string `yaml:"compression_codec"` // none|gzip|zstd
	RetentionDays      int    `yaml:"retention_days"`
	S3Bucket           string `yaml:"s3_bucket"`
	S3Prefix           string `yaml:"s3_prefix"`
	S3Region           string `yaml:"s3_region"`
	ArchiveAfterRotate bool   `yaml:"archive_after_rotate"`
}

// Config is the root configuration document.
type Config struct {
	ServerList   []ServerDef   `yaml:"servers"`
	DCCConf      DCCConfig     `yaml:"dcc"`
	IgnoreList   []string      `yaml:"ignore"`
	LoggingConf  LoggingConfig `yaml:"logging"`
	MaxHistoryN  int           `yaml:"max_history"`

	errors []string
}

// Provider is the narrow interface the core consumes; *Config satisfies
// it, but the core never depends on the concrete type.
type Provider interface {
	Servers() []ServerDef
	ServerByName(name string) (ServerDef, bool)
	DCC() DCCConfig
	Ignore() []string
	Logging() LoggingConfig
	MaxHistory() int
}

func (c *Config) Servers() []ServerDef            { return c.ServerList }
func (c *Config) DCC() DCCConfig                  { return c.DCCConf }
func (c *Config) Ignore() []string                { return c.IgnoreList }
func (c *Config) Logging() LoggingConfig          { return c.LoggingConf }
func (c *Config) MaxHistory() int                 { return c.MaxHistoryN }

func (c *Config) ServerByName(name string) (ServerDef, bool) {
	for _, s := range c.ServerList {
		if s.Name == name {
			return s, true
		}
	}
	return ServerDef{}, false
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.DCCConf.PortRangeStart == 0 {
		c.DCCConf.PortRangeStart = 1024
	}
	if c.DCCConf.PortRangeEnd == 0 {
		c.DCCConf.PortRangeEnd = 65535
	}
	if c.DCCConf.TimeoutSeconds == 0 {
		c.DCCConf.TimeoutSeconds = 120
	}
	if c.DCCConf.CleanupIntervalSeconds == 0 {
		c.DCCConf.CleanupIntervalSeconds = 60
	}
	if c.DCCConf.TransferMaxAgeSeconds == 0 {
		c.DCCConf.TransferMaxAgeSeconds = 3600
	}
	if c.DCCConf.PassiveTokenTTLSeconds == 0 {
		c.DCCConf.PassiveTokenTTLSeconds = 180
	}
	if c.DCCConf.ChecksumAlgorithm == "" {
		c.DCCConf.ChecksumAlgorithm = "none"
	}
	if c.MaxHistoryN == 0 {
		c.MaxHistoryN = 2000
	}
	if c.LoggingConf.Level == "" {
		c.LoggingConf.Level = "info"
	}
	if c.LoggingConf.Format == "" {
		c.LoggingConf.Format = "text"
	}
	if c.LoggingConf.CompressionCodec == "" {
		c.LoggingConf.CompressionCodec = "gzip"
	}
	if c.LoggingConf.RetentionDays == 0 {
		c.LoggingConf.RetentionDays = 14
	}
}

func (c *Config) validate() error {
	c.errors = nil

	if c.DCCConf.PortRangeStart < 1 || c.DCCConf.PortRangeEnd > 65535 || c.DCCConf.PortRangeStart > c.DCCConf.PortRangeEnd {
		c.errors = append(c.errors, fmt.Sprintf("dcc.port_range %d-%d is invalid", c.DCCConf.PortRangeStart, c.DCCConf.PortRangeEnd))
	}
	switch c.DCCConf.ChecksumAlgorithm {
	case "none", "md5", "sha1", "sha256":
	default:
		c.errors = append(c.errors, fmt.Sprintf("dcc.checksum_algorithm %q is unsupported", c.DCCConf.ChecksumAlgorithm))
	}
	switch c.LoggingConf.CompressionCodec {
	case "none", "gzip", "zstd":
	default:
		c.errors = append(c.errors, fmt.Sprintf("logging.compression_codec %q is unsupported", c.LoggingConf.CompressionCodec))
	}

	c.DCCConf.Timeout = time.Duration(c.DCCConf.TimeoutSeconds) * time.Second

	if c.DCCConf.BandwidthLimit != "" {
		n, err := ParseByteSize(c.DCCConf.BandwidthLimit)
		if err != nil {
			c.errors = append(c.errors, fmt.Sprintf("dcc.bandwidth_limit: %v", err))
		} else {
			c.DCCConf.BandwidthLimitBps = n
		}
	}
	if c.DCCConf.DiskFreeFloor != "" {
		n, err := ParseByteSize(c.DCCConf.DiskFreeFloor)
		if err != nil {
			c.errors = append(c.errors, fmt.Sprintf("dcc.disk_free_floor: %v", err))
		} else {
			c.DCCConf.DiskFreeFloorBytes = n
		}
	}

	seen := make(map[string]bool)
	for _, s := range c.ServerList {
		if s.Name == "" || s.Host == "" || s.Port == 0 {
			c.errors = append(c.errors, fmt.Sprintf("server entry %q missing name/host/port", s.Name))
			continue
		}
		if seen[s.Name] {
			c.errors = append(c.errors, fmt.Sprintf("duplicate server name %q", s.Name))
		}
		seen[s.Name] = true
	}

	if len(c.errors) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(c.errors, "; "))
	}
	return nil
}

// Errors returns validation warnings recorded during the last Load/validate.
func (c *Config) Errors() []string { return c.errors }

// ParseByteSize parses human-readable byte sizes like "512KiB", "10MB",
// "1GiB", or a bare integer (bytes). Grounded on the teacher's
// ParseByteSize helper in internal/config/agent.go.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	units := []struct {
		suffix string
		mult   int64
	}{
		{"KiB", 1024}, {"MiB", 1024 * 1024}, {"GiB", 1024 * 1024 * 1024},
		{"KB", 1000}, {"MB", 1000 * 1000}, {"GB", 1000 * 1000 * 1000},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			numPart := strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			n, err := strconv.ParseFloat(numPart, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size %q: %w", s, err)
			}
			return int64(n * float64(u.mult)), nil
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n, nil
}

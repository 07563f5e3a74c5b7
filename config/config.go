// Package config loads agent settings from GEOSYNC_* environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/sethvargo/go-envconfig"
)

// EnvPrefix is prepended to every variable name.
const EnvPrefix = "GEOSYNC_"

// Spool backends.
const (
	SpoolDir    = "dir"
	SpoolSQLite = "sqlite"
	SpoolS3     = "s3"
)

// Config holds runtime configuration for one collection run.
type Config struct {
	Endpoint  string `env:"ENDPOINT"`
	ProjectID string `env:"PROJECT_ID"`
	APIToken  string `env:"API_TOKEN"`

	Scan     ScanConfig     `env:", prefix=SCAN_"`
	Transmit TransmitConfig `env:", prefix=TRANSMIT_"`
	Spool    SpoolConfig    `env:", prefix=SPOOL_"`

	LogFormat    string `env:"LOG_FORMAT, default=console"`
	LogLevel     string `env:"LOG_LEVEL, default=info"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Pushgateway  string `env:"PUSHGATEWAY_URL"`
	NATSURL      string `env:"NATS_URL"`
	NATSSubject  string `env:"NATS_SUBJECT, default=geosync.runs"`
}

type ScanConfig struct {
	Extensions []string      `env:"EXTENSIONS, default=jpg,jpeg,png"`
	Recursive  bool          `env:"RECURSIVE, default=false"`
	Workers    int           `env:"WORKERS, default=4"`
	Delay      time.Duration `env:"DELAY, default=0s"`
	OriginTag  string        `env:"ORIGIN_TAG, default=geosync"`
	GridTag    string        `env:"GRID_TAG, default=unplaced"`
}

type TransmitConfig struct {
	Timeout           time.Duration `env:"TIMEOUT, default=30s"`
	MaxAttempts       int           `env:"MAX_ATTEMPTS, default=3"`
	BackoffBase       time.Duration `env:"BACKOFF_BASE, default=500ms"`
	BackoffMax        time.Duration `env:"BACKOFF_MAX, default=10s"`
	Compress          bool          `env:"COMPRESS, default=false"`
	AllowInsecureHTTP bool          `env:"ALLOW_INSECURE_HTTP, default=false"`
}

// SpoolConfig selects where deferred batches are kept.
type SpoolConfig struct {
	Backend        string `env:"BACKEND, default=dir"`
	Dir            string `env:"DIR"`
	SQLitePath     string `env:"SQLITE_PATH"`
	S3Bucket       string `env:"S3_BUCKET"`
	S3Prefix       string `env:"S3_PREFIX, default=deferred"`
	S3Region       string `env:"S3_REGION, default=us-east-1"`
	S3StorageClass string `env:"S3_STORAGE_CLASS, default=STANDARD_IA"`
}

// Load reads configuration from the process environment.
func Load(ctx context.Context) (*Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith reads configuration from l, applying EnvPrefix and filling in
// XDG default paths for the spool.
func LoadWith(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: envconfig.PrefixLookuper(EnvPrefix, l),
	}); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cfg.Spool.Dir == "" {
		cfg.Spool.Dir = filepath.Join(xdg.DataHome, "geosync", "spool")
	}
	if cfg.Spool.SQLitePath == "" {
		cfg.Spool.SQLitePath = filepath.Join(xdg.DataHome, "geosync", "spool.db")
	}
	return &cfg, nil
}

// Validate reports every problem with cfg at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Endpoint) == "" {
		errs = append(errs, errors.New("endpoint is required (GEOSYNC_ENDPOINT or --endpoint)"))
	}
	if c.Scan.Workers < 1 {
		errs = append(errs, fmt.Errorf("scan workers must be at least 1, got %d", c.Scan.Workers))
	}
	if len(c.Scan.Extensions) == 0 {
		errs = append(errs, errors.New("at least one scan extension is required"))
	}
	if c.Scan.Delay < 0 {
		errs = append(errs, errors.New("scan delay must not be negative"))
	}
	if c.Transmit.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max attempts must be at least 1, got %d", c.Transmit.MaxAttempts))
	}
	if c.Transmit.Timeout <= 0 {
		errs = append(errs, errors.New("transmit timeout must be positive"))
	}
	if c.Transmit.BackoffMax < c.Transmit.BackoffBase {
		errs = append(errs, errors.New("backoff max must not be below backoff base"))
	}

	switch c.Spool.Backend {
	case SpoolDir, SpoolSQLite:
	case SpoolS3:
		if c.Spool.S3Bucket == "" {
			errs = append(errs, errors.New("s3 spool requires GEOSYNC_SPOOL_S3_BUCKET"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown spool backend %q (want dir, sqlite or s3)", c.Spool.Backend))
	}
	return errors.Join(errs...)
}

package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// MinPollInterval is the fastest cadence a run may be polled at.
const MinPollInterval = 2 * time.Second

type Config struct {
	APIBaseURL     string        `env:"API_BASE_URL,default=http://localhost:8080"`
	APIToken       string        `env:"API_TOKEN"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT,default=12s"`
	PollInterval   time.Duration `env:"POLL_INTERVAL,default=2s"`

	// Completion hand-off; empty RedisAddr disables it.
	RedisAddr string `env:"REDIS_ADDR"`

	Storage Storage `env:",prefix=MINIO_"`

	Port        int `env:"PORT,default=8080"`
	MetricsPort int `env:"METRICS_PORT,default=2112"`
}

type Storage struct {
	Endpoint  string `env:"ENDPOINT"`
	Bucket    string `env:"BUCKET,default=judge-runs"`
	AccessKey string `env:"ACCESS_KEY"`
	SecretKey string `env:"SECRET_KEY"`
	Region    string `env:"REGION,default=us-east-1"`
}

func Load(ctx context.Context) (*Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: l}); err != nil {
		return nil, fmt.Errorf("processing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("API_BASE_URL %q is not an absolute URL", c.APIBaseURL)
	}
	if c.RequestTimeout <= 0 {
		return errors.New("REQUEST_TIMEOUT must be positive")
	}
	if c.PollInterval < MinPollInterval {
		return fmt.Errorf("POLL_INTERVAL %s is below the minimum %s", c.PollInterval, MinPollInterval)
	}
	return nil
}

// ArchiveEnabled reports whether object storage is configured.
func (c *Config) ArchiveEnabled() bool {
	return c.Storage.Endpoint != "" && c.Storage.Bucket != ""
}

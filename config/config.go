package config

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/Netflix/go-env"
)

type Certificate struct {
	Raw *x509.Certificate
}

func (c *Certificate) UnmarshalEnvironmentValue(data string) error {
	decodedData, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return fmt.Errorf("could not decode base64-encoded certificate: %w", err)
	}

	CACertBlock, _ := pem.Decode(decodedData)
	if CACertBlock == nil {
		return errors.New("CA certificate is invalid")
	}

	CACert, err := x509.ParseCertificate(CACertBlock.Bytes)
	if err != nil {
		return fmt.Errorf("could not parse CA cert: %w", err)
	}

	c.Raw = CACert

	return nil
}

type Config struct {
	GrpcListenAddress string       `env:"GRPC_LISTEN_ADDRESS,default=0.0.0.0:8080"`
	HttpListenAddress string       `env:"HTTP_LISTEN_ADDRESS,default=0.0.0.0:8081"`
	SQLiteDirPath     string       `env:"SQLITE_DIR_PATH,default=db"`
	PgDatabaseUrl     string       `env:"DATABASE_URL"`
	CACert            *Certificate `env:"CA_CERT"`

	LocalDBPath       string `env:"LOCAL_DB_PATH,default=constructora.db"`
	BackendsConfig    string `env:"BACKENDS_CONFIG,default=backends.yaml"`
	SyncIntervalSecs  int    `env:"SYNC_INTERVAL_SECONDS,default=300"`
	SyncMaxRetries    int    `env:"SYNC_MAX_RETRIES,default=3"`
	SyncRetryBaseMs   int    `env:"SYNC_RETRY_BASE_MS,default=5000"`
	SyncRetryMaxMs    int    `env:"SYNC_RETRY_MAX_MS,default=60000"`
	ConflictPolicy    string `env:"CONFLICT_POLICY,default=remote_wins"`
	ConnectivityProbe string `env:"CONNECTIVITY_PROBE"`
	PurgeTombstones   bool   `env:"PURGE_TOMBSTONES,default=true"`
	LogLevel          string `env:"LOG_LEVEL,default=info"`
}

func NewConfig() (*Config, error) {
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return nil, err
	}
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func (c *Config) validate() error {
	if c.SyncIntervalSecs <= 0 {
		return fmt.Errorf("SYNC_INTERVAL_SECONDS must be positive, got %d", c.SyncIntervalSecs)
	}
	if c.SyncMaxRetries <= 0 {
		return fmt.Errorf("SYNC_MAX_RETRIES must be positive, got %d", c.SyncMaxRetries)
	}
	if c.SyncRetryBaseMs <= 0 || c.SyncRetryMaxMs < c.SyncRetryBaseMs {
		return fmt.Errorf("invalid retry delays %dms..%dms", c.SyncRetryBaseMs, c.SyncRetryMaxMs)
	}
	return nil
}

// CA returns the configured CA certificate or nil.
func (c *Config) CA() *x509.Certificate {
	if c.CACert == nil {
		return nil
	}
	return c.CACert.Raw
}

func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSecs) * time.Second
}

func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.SyncRetryBaseMs) * time.Millisecond
}

func (c *Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.SyncRetryMaxMs) * time.Millisecond
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/msconstructor/data-sync/store"
)

const (
	BackendTypeGRPC     = "grpc"
	BackendTypePostgres = "postgres"
	BackendTypeSQLite   = "sqlite"
)

// Backends is the content of the backends file.
type Backends struct {
	// Tables lists the tables synchronized. Defaults to store.DefaultTables.
	Tables   []string        `yaml:"tables,omitempty"`
	Backends []BackendConfig `yaml:"backends"`
}

type BackendConfig struct {
	Name     string          `yaml:"name"`
	Type     string          `yaml:"type"`
	GRPC     *GRPCBackend    `yaml:"grpc,omitempty"`
	Postgres *PostgresConfig `yaml:"postgres,omitempty"`
	SQLite   *SQLiteConfig   `yaml:"sqlite,omitempty"`
}

// GRPCBackend points to another instance running serve.
type GRPCBackend struct {
	Address string `yaml:"address"`
	// PrivateKey is the hex encoded secp256k1 key that signs requests.
	PrivateKey string `yaml:"privateKey"`
	// APIKey is the base64 DER certificate sent as bearer token.
	APIKey   string `yaml:"apiKey,omitempty"`
	Insecure bool   `yaml:"insecure,omitempty"`
}

type PostgresConfig struct {
	DatabaseURL string `yaml:"databaseUrl"`
	Namespace   string `yaml:"namespace,omitempty"`
}

type SQLiteConfig struct {
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace,omitempty"`
}

// Option defines the interface for backends file options
type Option func(*loaderConfig) error

type loaderConfig struct {
	path string
}

// WithConfigPath loads the backends from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return errors.New("path is required")
		}
		cfg.path = filepath.Clean(path)
		return nil
	}
}

// LoadBackends loads and validates the backends file.
func LoadBackends(opts ...Option) (*Backends, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}
	if loaderCfg.path == "" {
		return nil, errors.New("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read backends file: %w", err)
	}
	return ParseBackends(data)
}

func ParseBackends(data []byte) (*Backends, error) {
	var backends Backends
	if err := yaml.Unmarshal(data, &backends); err != nil {
		return nil, fmt.Errorf("failed to parse YAML backends: %w", err)
	}
	if len(backends.Tables) == 0 {
		backends.Tables = append([]string(nil), store.DefaultTables...)
	}
	if err := backends.validate(); err != nil {
		return nil, fmt.Errorf("invalid backends: %w", err)
	}
	return &backends, nil
}

func (b *Backends) validate() error {
	tables := make(map[string]bool)
	for i, t := range b.Tables {
		if t == "" {
			return fmt.Errorf("tables[%d]: name is required", i)
		}
		if tables[t] {
			return fmt.Errorf("tables[%d]: duplicate table '%s'", i, t)
		}
		tables[t] = true
	}

	names := make(map[string]bool)
	for i, backend := range b.Backends {
		if backend.Name == "" {
			return fmt.Errorf("backend[%d]: name is required", i)
		}
		if names[backend.Name] {
			return fmt.Errorf("backend[%d]: duplicate backend name '%s'", i, backend.Name)
		}
		names[backend.Name] = true

		if err := backend.validate(); err != nil {
			return fmt.Errorf("backend[%d] (%s): %w", i, backend.Name, err)
		}
	}
	return nil
}

func (b *BackendConfig) validate() error {
	switch b.Type {
	case BackendTypeGRPC:
		if b.GRPC == nil {
			return errors.New("grpc section is required")
		}
		if b.GRPC.Address == "" {
			return errors.New("grpc.address is required")
		}
		if b.GRPC.PrivateKey == "" {
			return errors.New("grpc.privateKey is required")
		}
	case BackendTypePostgres:
		if b.Postgres == nil || b.Postgres.DatabaseURL == "" {
			return errors.New("postgres.databaseUrl is required")
		}
	case BackendTypeSQLite:
		if b.SQLite == nil || b.SQLite.Path == "" {
			return errors.New("sqlite.path is required")
		}
	case "":
		return errors.New("type is required")
	default:
		return fmt.Errorf("unsupported type '%s'", b.Type)
	}
	return nil
}

// Namespace returns the namespace records are stored under, defaulting to
// the backend name.
func (b *BackendConfig) Namespace() string {
	switch {
	case b.Postgres != nil && b.Postgres.Namespace != "":
		return b.Postgres.Namespace
	case b.SQLite != nil && b.SQLite.Namespace != "":
		return b.SQLite.Namespace
	}
	return b.Name
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/msconstructor/data-sync/store"
)

func TestNewConfigDefaults(t *testing.T) {
	t.Setenv("CONFLICT_POLICY", "field_merge")

	config, err := NewConfig()
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:8080", config.GrpcListenAddress)
	require.Equal(t, 5*time.Minute, config.SyncInterval())
	require.Equal(t, 3, config.SyncMaxRetries)
	require.Equal(t, 5*time.Second, config.RetryBaseDelay())
	require.Equal(t, time.Minute, config.RetryMaxDelay())
	require.Equal(t, "field_merge", config.ConflictPolicy)
	require.True(t, config.PurgeTombstones)
	require.Nil(t, config.CA())
}

func TestNewConfigInvalid(t *testing.T) {
	t.Setenv("SYNC_RETRY_BASE_MS", "10000")
	t.Setenv("SYNC_RETRY_MAX_MS", "10")
	_, err := NewConfig()
	require.Error(t, err)
}

func TestCertificateErrors(t *testing.T) {
	var c Certificate
	require.Error(t, c.UnmarshalEnvironmentValue("%%%"))
	require.Error(t, c.UnmarshalEnvironmentValue("bm90IGEgcGVt"))
}

func TestLoadBackends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backends.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backends:
  - name: office
    type: grpc
    grpc:
      address: localhost:8080
      privateKey: "0101"
      insecure: true
  - name: warehouse
    type: postgres
    postgres:
      databaseUrl: postgres://localhost/sync
      namespace: ms
  - name: mirror
    type: sqlite
    sqlite:
      path: mirror.db
`), 0o600))

	backends, err := LoadBackends(WithConfigPath(path))
	require.NoError(t, err)
	require.Equal(t, store.DefaultTables, backends.Tables)
	require.Len(t, backends.Backends, 3)
	require.Equal(t, "localhost:8080", backends.Backends[0].GRPC.Address)
	require.Equal(t, "ms", backends.Backends[1].Namespace())
	require.Equal(t, "mirror", backends.Backends[2].Namespace())
}

func TestLoadBackendsErrors(t *testing.T) {
	_, err := LoadBackends()
	require.Error(t, err)
	_, err = LoadBackends(WithConfigPath(""))
	require.Error(t, err)
	_, err = LoadBackends(WithConfigPath(filepath.Join(t.TempDir(), "missing.yaml")))
	require.Error(t, err)

	tests := []struct {
		name string
		yaml string
	}{
		{"invalid yaml", "backends: [\n"},
		{"missing name", "backends:\n  - type: sqlite\n    sqlite: {path: a.db}\n"},
		{"duplicate name", "backends:\n  - {name: a, type: sqlite, sqlite: {path: a.db}}\n  - {name: a, type: sqlite, sqlite: {path: b.db}}\n"},
		{"unknown type", "backends:\n  - {name: a, type: s3}\n"},
		{"missing section", "backends:\n  - {name: a, type: postgres}\n"},
		{"grpc without key", "backends:\n  - {name: a, type: grpc, grpc: {address: x:1}}\n"},
		{"duplicate table", "tables: [a, a]\nbackends: []\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseBackends([]byte(tc.yaml))
			require.Error(t, err)
		})
	}
}

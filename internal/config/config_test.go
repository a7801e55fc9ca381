// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithNoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "redis", cfg.Store.Backend)
	require.Equal(t, "127.0.0.1:6379", cfg.Store.Addr)

	ttl, err := cfg.DefaultTTL()
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, ttl)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coordinatord.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  backend: badger\n  badgerDir: /var/lib/coordinatord\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "badger", cfg.Store.Backend)
	require.Equal(t, "/var/lib/coordinatord", cfg.Store.BadgerDir)
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coordinatord.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  backend: redis\nbogusField: true\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_InvalidBackendRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coordinatord.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  backend: sqlite\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coordinatord.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  backend: redis\n  addr: file.internal:6379\n"), 0o600))
	t.Setenv("COORDINATORD_STORE_ADDR", "redis.internal:6380")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "redis.internal:6380", cfg.Store.Addr)
}

package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, key := range []string{
		"COACH_API_BASE_URL", "COACH_CONNECT_TIMEOUT_SECONDS", "COACH_REVEAL_INTERVAL_MS",
		"COACH_REVEAL_CHUNK", "COACH_MIN_MESSAGE_LENGTH", "COACH_DEDUP_WINDOW_MS",
		"COACH_STORE", "COACH_STORE_DSN", "COACH_PROFILE_FILE", "COACH_METRICS_ADDR", "PORT",
		"ARK_MODEL", "ARK_API_KEY",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "http://localhost:8080", cfg.Client.BaseURL)
	require.Equal(t, 15*time.Second, cfg.Client.ConnectTimeout)
	require.Equal(t, EngineConfig{
		RevealInterval:   50 * time.Millisecond,
		RevealChunk:      10,
		MinMessageLength: 10,
		DedupWindow:      3 * time.Second,
	}, cfg.Engine)
	require.Equal(t, StoreSQLite, cfg.Store.Kind)
	require.Equal(t, filepath.Join(home, ".coach", "identity.db"), cfg.Store.DSN)
	require.Equal(t, ":8080", cfg.Server.Addr)
	require.Empty(t, cfg.Metrics.Addr)
	require.False(t, cfg.AI.Enabled())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("COACH_CONNECT_TIMEOUT_SECONDS", "3")
	t.Setenv("COACH_REVEAL_INTERVAL_MS", "20")
	t.Setenv("COACH_REVEAL_CHUNK", "4")
	t.Setenv("COACH_STORE", "memory")
	t.Setenv("PORT", "127.0.0.1:9090")
	t.Setenv("ARK_MODEL", "doubao")
	t.Setenv("ARK_API_KEY", "key")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 3*time.Second, cfg.Client.ConnectTimeout)
	require.Equal(t, 20*time.Millisecond, cfg.Engine.RevealInterval)
	require.Equal(t, 4, cfg.Engine.RevealChunk)
	require.Equal(t, StoreMemory, cfg.Store.Kind)
	require.Equal(t, "127.0.0.1:9090", cfg.Server.Addr)
	require.True(t, cfg.AI.Enabled())
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string][2]string{
		"non numeric timeout": {"COACH_CONNECT_TIMEOUT_SECONDS", "soon"},
		"non numeric chunk":   {"COACH_REVEAL_CHUNK", "ten"},
		"unknown store":       {"COACH_STORE", "etcd"},
		"port with space":     {"PORT", "80 80"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := Load()
			require.Error(t, err)
		})
	}
}

func TestLoadClampsToMinimum(t *testing.T) {
	t.Setenv("COACH_STORE", "memory")
	t.Setenv("COACH_CONNECT_TIMEOUT_SECONDS", "0")
	t.Setenv("COACH_REVEAL_INTERVAL_MS", "0")
	t.Setenv("COACH_REVEAL_CHUNK", "-3")
	t.Setenv("COACH_MIN_MESSAGE_LENGTH", "-5")
	t.Setenv("COACH_DEDUP_WINDOW_MS", "-1")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, time.Second, cfg.Client.ConnectTimeout)
	require.Equal(t, EngineConfig{
		RevealInterval:   time.Millisecond,
		RevealChunk:      1,
		MinMessageLength: 1,
		DedupWindow:      time.Millisecond,
	}, cfg.Engine)
}

func TestRedisStoreNeedsDSN(t *testing.T) {
	t.Setenv("COACH_STORE", "redis")
	t.Setenv("COACH_STORE_DSN", "")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("COACH_STORE_DSN", "redis://localhost:6379/0")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "redis://localhost:6379/0", cfg.Store.DSN)
}

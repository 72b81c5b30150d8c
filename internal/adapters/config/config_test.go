package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 2*time.Second, cfg.Cache.StaleAfter())
	assert.Equal(t, 5*time.Minute, cfg.Cache.EvictAfter())
	assert.Equal(t, 30*time.Second, cfg.Cache.SweepInterval())
	assert.True(t, cfg.Cache.RevalidateOnReconnect)
	assert.Equal(t, 10*time.Second, cfg.API.Timeout())
	assert.Equal(t, "drop_oldest", cfg.Websocket.BackpressureDropPolicy)
}

func TestNewViperProvider_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte("api:\n  base_url: https://api.example.org\ncache:\n  stale_after_ms: 500\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test-config.yaml"), yaml, 0o600))

	t.Setenv("VIPER_CONFIG_NAME", "test-config")
	t.Setenv("VIPER_CONFIG_PATH", dir)
	t.Setenv("RESOURCE_CACHE_CACHE_EVICT_AFTER_SECONDS", "42")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	p, err := NewViperProvider(ctx, zap.NewNop())
	require.NoError(t, err)

	cfg := p.Get()
	assert.Equal(t, "https://api.example.org", cfg.API.BaseURL)
	assert.Equal(t, 500*time.Millisecond, cfg.Cache.StaleAfter())
	assert.Equal(t, 42*time.Second, cfg.Cache.EvictAfter())
	assert.Equal(t, 8080, cfg.Server.HTTPPort, "unset keys fall back to defaults")
}

func TestStaticProvider(t *testing.T) {
	cfg := &Config{App: AppConfig{ServiceName: "svc"}}
	assert.Same(t, cfg, NewStaticProvider(cfg).Get())
	assert.Equal(t, "resource-cache", NewStaticProvider(nil).Get().App.ServiceName)
}

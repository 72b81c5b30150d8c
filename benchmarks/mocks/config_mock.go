package mocks

import (
	"gitlab.com/ecolearn/platform/resource-cache/internal/adapters/config"
)

// NewMockConfigProvider returns a static provider with benchmark settings: no eviction loop,
// a long staleness window and quiet logging.
func NewMockConfigProvider() config.Provider {
	cfg := config.Default()
	cfg.Server.InstanceID = "benchmark-instance"
	cfg.Cache.StaleAfterMs = 60_000
	cfg.Cache.SweepIntervalSeconds = 0
	cfg.Cache.MaxConcurrentRevalidations = 16
	cfg.Log.Level = "error"
	cfg.Auth.SessionID = "benchmark-session"
	cfg.App.ServiceName = "resource-cache-benchmark"
	return config.NewStaticProvider(cfg)
}

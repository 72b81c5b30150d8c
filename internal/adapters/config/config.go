package config

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const envPrefix = "RESOURCE_CACHE"

// ServerConfig holds server-related configurations.
// Note: Fields should be exported (start with uppercase) to be unmarshalled by Viper.
type ServerConfig struct {
	HTTPPort   int    `mapstructure:"http_port"`
	GRPCPort   int    `mapstructure:"grpc_port"`
	InstanceID string `mapstructure:"instance_id"` // Identifies this process in pub/sub messages; generated when empty
}

// APIConfig describes the Remote API the fetcher talks to.
type APIConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
}

// CacheConfig holds the coordinator policy knobs.
type CacheConfig struct {
	StaleAfterMs               int  `mapstructure:"stale_after_ms"`      // Resolved entries younger than this are served without a fetch on subscribe
	EvictAfterSeconds          int  `mapstructure:"evict_after_seconds"` // Idle time before an unsubscribed entry is evicted
	SweepIntervalSeconds       int  `mapstructure:"sweep_interval_seconds"`
	MaxConcurrentRevalidations int  `mapstructure:"max_concurrent_revalidations"`
	RevalidateOnReconnect      bool `mapstructure:"revalidate_on_reconnect"`
}

// NATSConfig holds NATS-related configurations.
type NATSConfig struct {
	URL                  string `mapstructure:"url"`
	SubjectPrefix        string `mapstructure:"subject_prefix"`
	QueueGroup           string `mapstructure:"queue_group"`
	ReconnectWaitSeconds int    `mapstructure:"reconnect_wait_seconds"`
	MaxReconnects        int    `mapstructure:"max_reconnects"`
}

// RedisConfig holds Redis-related configurations.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"` // Optional
	DB       int    `mapstructure:"db"`       // Optional
}

// LogConfig holds logging-related configurations.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// AuthConfig holds authentication-related configurations.
type AuthConfig struct {
	SecretToken          string `mapstructure:"secret_token"`       // API key guarding the REST and websocket surface, from ENV
	CredentialAESKey     string `mapstructure:"credential_aes_key"` // Hex AES-256 key used to seal credentials at rest, from ENV
	CredentialTTLSeconds int    `mapstructure:"credential_ttl_seconds"`
	SessionID            string `mapstructure:"session_id"`   // Credential session this instance acts for
	StaticToken          string `mapstructure:"static_token"` // Optional service token seeded at startup
}

// WebsocketConfig holds the binding adapter settings.
type WebsocketConfig struct {
	MessageBufferSize        int    `mapstructure:"message_buffer_size"`
	BackpressureDropPolicy   string `mapstructure:"backpressure_drop_policy"` // drop_oldest | block
	WriteTimeoutSeconds      int    `mapstructure:"write_timeout_seconds"`
	MaxBindingsPerConnection int    `mapstructure:"max_bindings_per_connection"`
}

// AppConfig holds application-specific configurations.
type AppConfig struct {
	ServiceName            string `mapstructure:"service_name"`
	Version                string `mapstructure:"version"`
	ShutdownTimeoutSeconds int    `mapstructure:"shutdown_timeout_seconds"`
	ReadTimeoutSeconds     int    `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds    int    `mapstructure:"write_timeout_seconds"`
	IdleTimeoutSeconds     int    `mapstructure:"idle_timeout_seconds"`
}

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	API       APIConfig       `mapstructure:"api"`
	Cache     CacheConfig     `mapstructure:"cache"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Log       LogConfig       `mapstructure:"log"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Websocket WebsocketConfig `mapstructure:"websocket"`
	App       AppConfig       `mapstructure:"app"`
}

// StaleAfter returns the freshness window of resolved entries.
func (c CacheConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterMs) * time.Millisecond
}

// EvictAfter returns how long an unsubscribed entry survives.
func (c CacheConfig) EvictAfter() time.Duration {
	return time.Duration(c.EvictAfterSeconds) * time.Second
}

// SweepInterval returns the eviction loop period.
func (c CacheConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// Timeout returns the per-request transport timeout.
func (c APIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// CredentialTTL returns how long a stored credential lives in Redis.
func (c AuthConfig) CredentialTTL() time.Duration {
	return time.Duration(c.CredentialTTLSeconds) * time.Second
}

// Provider defines an interface for accessing application configuration.
// This allows for easy mocking in tests and decouples the app from Viper.
type Provider interface {
	Get() *Config
}

// StaticProvider serves a fixed configuration. Tests and tools use it instead of Viper.
type StaticProvider struct {
	cfg *Config
}

// NewStaticProvider wraps cfg; nil yields the defaults.
func NewStaticProvider(cfg *Config) *StaticProvider {
	if cfg == nil {
		cfg = Default()
	}
	return &StaticProvider{cfg: cfg}
}

// Get implements Provider.
func (p *StaticProvider) Get() *Config {
	return p.cfg
}

// Default returns the configuration used when neither file nor environment set a value.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg) // defaults always decode
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("api.base_url", "http://localhost:8000/api")
	v.SetDefault("api.timeout_seconds", 10)
	v.SetDefault("api.user_agent", "resource-cache")
	v.SetDefault("cache.stale_after_ms", 2000)
	v.SetDefault("cache.evict_after_seconds", 300)
	v.SetDefault("cache.sweep_interval_seconds", 30)
	v.SetDefault("cache.max_concurrent_revalidations", 8)
	v.SetDefault("cache.revalidate_on_reconnect", true)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject_prefix", "ecolearn")
	v.SetDefault("nats.queue_group", "")
	v.SetDefault("nats.reconnect_wait_seconds", 2)
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("log.level", "info")
	v.SetDefault("auth.credential_ttl_seconds", 3600)
	v.SetDefault("auth.session_id", "default")
	v.SetDefault("websocket.message_buffer_size", 64)
	v.SetDefault("websocket.backpressure_drop_policy", "drop_oldest")
	v.SetDefault("websocket.write_timeout_seconds", 10)
	v.SetDefault("websocket.max_bindings_per_connection", 32)
	v.SetDefault("app.service_name", "resource-cache")
	v.SetDefault("app.version", "dev")
	v.SetDefault("app.shutdown_timeout_seconds", 30)
	v.SetDefault("app.read_timeout_seconds", 10)
	v.SetDefault("app.write_timeout_seconds", 10)
	v.SetDefault("app.idle_timeout_seconds", 60)
}

// viperProvider implements the Provider interface using Viper.
type viperProvider struct {
	config atomic.Pointer[Config]
	logger *zap.Logger // Using zap.Logger directly for config internal logging, not domain.Logger to avoid circular deps
}

// NewViperProvider creates and initializes a new configuration provider using Viper.
// It loads configuration from file and environment variables, and sets up hot-reloading
// on SIGHUP and on file change. appCtx bounds the lifetime of the reload goroutine.
func NewViperProvider(appCtx context.Context, logger *zap.Logger) (Provider, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName(getEnv("VIPER_CONFIG_NAME", "config"))
	v.SetConfigType("yaml")
	v.AddConfigPath(getEnv("VIPER_CONFIG_PATH", "/app/config"))
	v.AddConfigPath(".")

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_")) // e.g., api.base_url becomes RESOURCE_CACHE_API_BASE_URL

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			logger.Warn("Config file not found; relying on defaults and environment variables", zap.Error(err))
		} else {
			logger.Error("Failed to read config file", zap.Error(err))
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		logger.Error("Failed to unmarshal config", zap.Error(err))
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	p := &viperProvider{logger: logger}
	p.config.Store(cfg)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGHUP)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("Panic recovered in SIGHUP handler goroutine",
					zap.String("goroutine_name", "SIGHUPConfigReloader"),
					zap.Any("panic_info", r),
					zap.String("stacktrace", string(debug.Stack())),
				)
			}
		}()
		defer signal.Stop(sigChan)
		for {
			select {
			case sig := <-sigChan:
				p.logger.Info("SIGHUP received, attempting to reload configuration...", zap.String("signal", sig.String()))
				if err := v.ReadInConfig(); err != nil {
					p.logger.Error("Failed to re-read config file on SIGHUP", zap.Error(err))
					continue
				}
				p.reload(v, "sighup")
			case <-appCtx.Done():
				p.logger.Info("SIGHUPConfigReloader goroutine shutting down due to context cancellation.")
				return
			}
		}
	}()

	v.OnConfigChange(func(e fsnotify.Event) {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("Panic recovered in OnConfigChange callback",
					zap.String("event_name", e.Name),
					zap.String("event_op", e.Op.String()),
					zap.Any("panic_info", r),
					zap.String("stacktrace", string(debug.Stack())),
				)
			}
		}()
		p.logger.Info("Config file changed", zap.String("name", e.Name), zap.String("op", e.Op.String()))
		p.reload(v, "file_change")
	})
	if v.ConfigFileUsed() != "" {
		v.WatchConfig()
	}

	p.logger.Info("Configuration loaded successfully", zap.String("config_file_used", v.ConfigFileUsed()))
	return p, nil
}

func (p *viperProvider) reload(v *viper.Viper, source string) {
	newCfg := &Config{}
	if err := v.Unmarshal(newCfg); err != nil {
		p.logger.Error("Failed to unmarshal reloaded config", zap.String("source", source), zap.Error(err))
		return
	}
	// The instance id is generated at startup and must survive reloads.
	if newCfg.Server.InstanceID == "" {
		newCfg.Server.InstanceID = p.Get().Server.InstanceID
	}
	p.config.Store(newCfg)
	p.logger.Info("Configuration reloaded successfully", zap.String("source", source))
}

// Get returns the current configuration.
func (p *viperProvider) Get() *Config {
	return p.config.Load()
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

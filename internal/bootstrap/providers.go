package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/google/wire"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"gitlab.com/ecolearn/platform/resource-cache/internal/adapters/config"
	appgrpc "gitlab.com/ecolearn/platform/resource-cache/internal/adapters/grpc"
	apphttp "gitlab.com/ecolearn/platform/resource-cache/internal/adapters/http"
	"gitlab.com/ecolearn/platform/resource-cache/internal/adapters/logger"
	appnats "gitlab.com/ecolearn/platform/resource-cache/internal/adapters/nats"
	appredis "gitlab.com/ecolearn/platform/resource-cache/internal/adapters/redis"
	"gitlab.com/ecolearn/platform/resource-cache/internal/adapters/restapi"
	wsadapter "gitlab.com/ecolearn/platform/resource-cache/internal/adapters/websocket"
	"gitlab.com/ecolearn/platform/resource-cache/internal/application"
	"gitlab.com/ecolearn/platform/resource-cache/internal/domain"
)

// HealthProbes names the dependency checks shared by gRPC health and /ready.
type HealthProbes map[string]appgrpc.Probe

// InitialZapLoggerProvider provides a basic *zap.Logger instance, primarily for config initialization.
// It returns the logger, a cleanup function (for syncing), and an error if creation fails.
func InitialZapLoggerProvider() (*zap.Logger, func(), error) {
	logger, err := zap.NewProduction()
	if err != nil {
		logger, err = zap.NewDevelopment()
		if err != nil {
			logger = zap.NewExample()
			fmt.Fprintf(os.Stderr, "Failed to create initial zap logger (production and development failed, falling back to example): %v\n", err)
		}
	}

	cleanup := func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "Failed to sync initial zap logger: %v\n", syncErr)
		}
	}
	return logger, cleanup, nil
}

// App holds the long-lived components started by Run.
type App struct {
	configProvider config.Provider
	logger         domain.Logger
	httpServeMux   *http.ServeMux
	httpServer     *http.Server
	grpcServer     *appgrpc.Server

	coordinator      *application.Coordinator
	credentials      *application.CredentialService
	credentialEvents *appredis.CredentialEventsAdapter
	changeConsumer   *appnats.ChangeEventConsumer
	wsHandler        *wsadapter.Handler
	wsRouter         *wsadapter.Router
	resourceHandlers *apphttp.ResourceHandlers
}

// NewApp is the constructor for App, also for Wire.
func NewApp(
	cfgProvider config.Provider,
	appLogger domain.Logger,
	mux *http.ServeMux,
	server *http.Server,
	grpcSrv *appgrpc.Server,
	coordinator *application.Coordinator,
	credentials *application.CredentialService,
	credentialEvents *appredis.CredentialEventsAdapter,
	changeConsumer *appnats.ChangeEventConsumer,
	wsHandler *wsadapter.Handler,
	wsRouter *wsadapter.Router,
	resourceHandlers *apphttp.ResourceHandlers,
) (*App, func(), error) {
	app := &App{
		configProvider:   cfgProvider,
		logger:           appLogger,
		httpServeMux:     mux,
		httpServer:       server,
		grpcServer:       grpcSrv,
		coordinator:      coordinator,
		credentials:      credentials,
		credentialEvents: credentialEvents,
		changeConsumer:   changeConsumer,
		wsHandler:        wsHandler,
		wsRouter:         wsRouter,
		resourceHandlers: resourceHandlers,
	}

	// Connections, subscriptions and fetches are released by the provider cleanups.
	cleanup := func() {
		app.logger.Info(context.Background(), "Running app cleanup...")
		if app.grpcServer != nil {
			app.grpcServer.GracefulStop()
		}
	}
	return app, cleanup, nil
}

// ConfigProvider provides the application configuration and fixes the instance id for the
// lifetime of the process.
func ConfigProvider(appCtx context.Context, logger *zap.Logger) (config.Provider, error) {
	provider, err := config.NewViperProvider(appCtx, logger)
	if err != nil {
		return nil, err
	}
	if cfg := provider.Get(); cfg.Server.InstanceID == "" {
		cfg.Server.InstanceID = uuid.NewString()
		logger.Info("Generated instance id", zap.String("instance_id", cfg.Server.InstanceID))
	}
	return provider, nil
}

// LoggerProvider provides the application logger.
func LoggerProvider(cfgProvider config.Provider) (domain.Logger, error) {
	appCfg := cfgProvider.Get()
	return logger.NewZapAdapter(cfgProvider, appCfg.App.ServiceName)
}

// HTTPServeMuxProvider provides the main HTTP multiplexer.
func HTTPServeMuxProvider() *http.ServeMux {
	return http.NewServeMux()
}

// HTTPGracefulServerProvider provides a new HTTP server configured for graceful shutdown.
// The write timeout does not apply to hijacked websocket connections.
func HTTPGracefulServerProvider(cfgProvider config.Provider, mux *http.ServeMux) *http.Server {
	appCfg := cfgProvider.Get()

	readTimeout := 10 * time.Second
	writeTimeout := 10 * time.Second
	idleTimeout := 60 * time.Second
	if appCfg.App.ReadTimeoutSeconds > 0 {
		readTimeout = time.Duration(appCfg.App.ReadTimeoutSeconds) * time.Second
	}
	if appCfg.App.WriteTimeoutSeconds > 0 {
		writeTimeout = time.Duration(appCfg.App.WriteTimeoutSeconds) * time.Second
	}
	if appCfg.App.IdleTimeoutSeconds > 0 {
		idleTimeout = time.Duration(appCfg.App.IdleTimeoutSeconds) * time.Second
	}

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", appCfg.Server.HTTPPort),
		Handler:      mux,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
}

// RedisClientProvider provides a Redis client and a cleanup function.
func RedisClientProvider(cfgProvider config.Provider, appLogger domain.Logger) (*redis.Client, func(), error) {
	appCfg := cfgProvider.Get()
	client := redis.NewClient(&redis.Options{
		Addr:     appCfg.Redis.Address,
		Password: appCfg.Redis.Password,
		DB:       appCfg.Redis.DB,
	})
	_, err := client.Ping(context.Background()).Result()
	if err != nil {
		appLogger.Error(context.Background(), "Failed to connect to Redis", "error", err.Error(), "address", appCfg.Redis.Address)
		return nil, nil, fmt.Errorf("failed to connect to Redis at %s: %w", appCfg.Redis.Address, err)
	}
	cleanup := func() {
		client.Close()
		appLogger.Info(context.Background(), "Redis connection closed")
	}
	appLogger.Info(context.Background(), "Successfully connected to Redis", "address", appCfg.Redis.Address)
	return client, cleanup, nil
}

// CredentialStoreProvider provides the Redis credential store, sealed when auth.credential_aes_key is set.
func CredentialStoreProvider(redisClient *redis.Client, logger domain.Logger, cfgProvider config.Provider) *appredis.CredentialStoreAdapter {
	return appredis.NewCredentialStoreAdapter(redisClient, logger, cfgProvider.Get().Auth.CredentialAESKey)
}

// CredentialEventsProvider provides the Redis pub/sub adapter for credential invalidations.
func CredentialEventsProvider(redisClient *redis.Client, logger domain.Logger) (*appredis.CredentialEventsAdapter, func()) {
	adapter := appredis.NewCredentialEventsAdapter(redisClient, logger)
	cleanup := func() {
		if err := adapter.Close(); err != nil {
			logger.Error(context.Background(), "Failed to close credential events subscription", "error", err.Error())
		}
	}
	return adapter, cleanup
}

// CredentialServiceProvider provides the session credential holder.
func CredentialServiceProvider(logger domain.Logger, cfgProvider config.Provider, store domain.CredentialStore, publisher domain.CredentialEventPublisher) *application.CredentialService {
	return application.NewCredentialService(logger, cfgProvider, store, publisher)
}

// RouteTableProvider provides the resource kind to Remote API route table.
func RouteTableProvider() *application.RouteTable {
	return application.DefaultRoutes()
}

// FetcherProvider provides the Remote API fetcher.
func FetcherProvider(logger domain.Logger, cfgProvider config.Provider, auth domain.AuthProvider) *restapi.Fetcher {
	return restapi.NewFetcher(logger, cfgProvider, auth, nil)
}

// CoordinatorProvider provides the resource cache. The cleanup cancels in-flight fetches.
func CoordinatorProvider(logger domain.Logger, cfgProvider config.Provider, fetcher domain.Fetcher, resolver domain.RequestResolver, auth domain.AuthProvider) (*application.Coordinator, func()) {
	coordinator := application.NewCoordinator(logger, cfgProvider, fetcher, resolver, auth)
	return coordinator, coordinator.Close
}

// ChangeEventConsumerProvider provides the NATS connection and the resource change consumer.
func ChangeEventConsumerProvider(ctx context.Context, cfgProvider config.Provider, appLogger domain.Logger, invalidator domain.Invalidator) (*appnats.ChangeEventConsumer, func(), error) {
	return appnats.NewChangeEventConsumer(ctx, cfgProvider, appLogger, invalidator)
}

// ChangePublisherProvider provides the publisher announcing changes made through this instance.
func ChangePublisherProvider(consumer *appnats.ChangeEventConsumer, cfgProvider config.Provider, logger domain.Logger) *appnats.ChangePublisher {
	return appnats.NewChangePublisher(consumer, cfgProvider, logger)
}

// WebsocketHandlerProvider provides the websocket binding handler.
func WebsocketHandlerProvider(logger domain.Logger, cfgProvider config.Provider, binder wsadapter.Binder) *wsadapter.Handler {
	return wsadapter.NewHandler(logger, cfgProvider, binder)
}

// WebsocketRouterProvider provides the router for websocket endpoints.
func WebsocketRouterProvider(logger domain.Logger, cfgProvider config.Provider, wsHandler *wsadapter.Handler) *wsadapter.Router {
	return wsadapter.NewRouter(logger, cfgProvider, wsHandler)
}

// ResourceHandlersProvider provides the REST resource, mutation and session handlers.
func ResourceHandlersProvider(
	logger domain.Logger,
	cfgProvider config.Provider,
	cache apphttp.Cache,
	resolver domain.RequestResolver,
	credentials apphttp.CredentialManager,
	changes domain.ChangeEventPublisher,
) *apphttp.ResourceHandlers {
	return apphttp.NewResourceHandlers(logger, cfgProvider, cache, resolver, credentials, changes)
}

// HealthProbesProvider provides the dependency checks for the cache, Redis and NATS.
func HealthProbesProvider(coordinator *application.Coordinator, redisClient *redis.Client, consumer *appnats.ChangeEventConsumer) HealthProbes {
	return HealthProbes{
		"cache": coordinator.Ready,
		"redis": func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		},
		"nats": func(ctx context.Context) error {
			if !consumer.Connected() {
				return errors.New("nats is not connected")
			}
			return nil
		},
	}
}

// GRPCServerProvider provides the gRPC health server.
func GRPCServerProvider(appCtx context.Context, logger domain.Logger, cfgProvider config.Provider, probes HealthProbes) (*appgrpc.Server, error) {
	return appgrpc.NewServer(appCtx, logger, cfgProvider, probes)
}

// ProviderSet is the Wire provider set for the entire application.
var ProviderSet = wire.NewSet(
	InitialZapLoggerProvider,
	ConfigProvider,
	LoggerProvider,
	HTTPServeMuxProvider,
	HTTPGracefulServerProvider,

	// Infrastructure Adapters
	RedisClientProvider,
	CredentialStoreProvider,
	wire.Bind(new(domain.CredentialStore), new(*appredis.CredentialStoreAdapter)),
	CredentialEventsProvider,
	wire.Bind(new(domain.CredentialEventPublisher), new(*appredis.CredentialEventsAdapter)),
	FetcherProvider,
	wire.Bind(new(domain.Fetcher), new(*restapi.Fetcher)),
	ChangeEventConsumerProvider,
	ChangePublisherProvider,
	wire.Bind(new(domain.ChangeEventPublisher), new(*appnats.ChangePublisher)),

	// Application Services
	CredentialServiceProvider,
	wire.Bind(new(domain.AuthProvider), new(*application.CredentialService)),
	wire.Bind(new(apphttp.CredentialManager), new(*application.CredentialService)),
	RouteTableProvider,
	wire.Bind(new(domain.RequestResolver), new(*application.RouteTable)),
	CoordinatorProvider,
	wire.Bind(new(domain.Invalidator), new(*application.Coordinator)),
	wire.Bind(new(wsadapter.Binder), new(*application.Coordinator)),
	wire.Bind(new(apphttp.Cache), new(*application.Coordinator)),

	// Transports
	WebsocketHandlerProvider,
	WebsocketRouterProvider,
	ResourceHandlersProvider,
	HealthProbesProvider,
	GRPCServerProvider,
	NewApp,
)

package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gitlab.com/ecolearn/platform/resource-cache/internal/adapters/middleware"
	"gitlab.com/ecolearn/platform/resource-cache/internal/domain"
	"gitlab.com/ecolearn/platform/resource-cache/pkg/safego"
)

// Run starts the application, listens for HTTP requests, and handles graceful shutdown.
func (a *App) Run(ctx context.Context) error {
	version := "unknown"
	serviceName := "resource-cache"
	if a.configProvider != nil && a.configProvider.Get() != nil {
		configApp := a.configProvider.Get().App
		if configApp.Version != "" {
			version = configApp.Version
		}
		if configApp.ServiceName != "" {
			serviceName = configApp.ServiceName
		}
	}
	a.logger.Info(ctx, "Starting application",
		"service_name", serviceName,
		"version", version,
		"instance_id", a.configProvider.Get().Server.InstanceID)

	a.registerRoutes(ctx)

	if err := a.startSession(ctx); err != nil {
		return err
	}

	a.coordinator.StartEvictionLoop(ctx)

	if err := a.changeConsumer.Start(ctx); err != nil {
		// Without change events the cache still serves; entries just go stale on their own.
		a.logger.Error(ctx, "Failed to start resource change consumer", "error", err.Error())
	} else {
		a.logger.Info(ctx, "Resource change consumer started successfully")
	}

	if err := a.grpcServer.Start(); err != nil {
		a.logger.Warn(ctx, "gRPC health server not started", "error", err.Error())
	}

	safego.Execute(ctx, a.logger, "SignalListenerAndGracefulShutdown", func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-quit:
			a.logger.Info(context.Background(), "Shutdown signal received, initiating graceful shutdown...", "signal", sig.String())
		case <-ctx.Done():
			a.logger.Info(context.Background(), "Application context cancelled, initiating graceful shutdown...")
		}
		a.shutdown()
	})

	a.logger.Info(ctx, fmt.Sprintf("HTTP server listening on port %d", a.configProvider.Get().Server.HTTPPort))
	if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.logger.Error(ctx, "HTTP server ListenAndServe error", "error", err.Error())
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	a.logger.Info(ctx, "Application shut down gracefully or server closed.")
	return nil
}

func (a *App) registerRoutes(ctx context.Context) {
	healthHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.logger.Debug(r.Context(), "Health check endpoint hit")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, `{"status":"OK"}`)
	})
	a.httpServeMux.Handle("GET /health", middleware.RequestIDMiddleware(healthHandler))

	readyHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.logger.Debug(r.Context(), "Readiness check endpoint hit")
		w.Header().Set("Content-Type", "application/json")

		dependencies, ready := a.grpcServer.Check(r.Context())
		response := struct {
			Status       string            `json:"status"`
			Dependencies map[string]string `json:"dependencies"`
			Cache        any               `json:"cache"`
		}{
			Dependencies: dependencies,
			Cache:        a.coordinator.Stats(),
		}
		if ready {
			response.Status = "READY"
			w.WriteHeader(http.StatusOK)
		} else {
			response.Status = "NOT_READY"
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(response); err != nil {
			a.logger.Error(r.Context(), "Failed to encode readiness response", "error", err)
		}
	})
	a.httpServeMux.Handle("GET /ready", middleware.RequestIDMiddleware(readyHandler))

	a.httpServeMux.Handle("GET /metrics", middleware.RequestIDMiddleware(promhttp.Handler()))
	a.logger.Info(ctx, "Prometheus metrics endpoint registered at /metrics")

	a.wsRouter.RegisterRoutes(ctx, a.httpServeMux)
	a.resourceHandlers.RegisterRoutes(ctx, a.httpServeMux)
}

// startSession connects the credential service to websocket clients and other instances,
// then seeds the static token when one is configured.
func (a *App) startSession(ctx context.Context) error {
	a.credentials.OnInvalidated(func(ctx context.Context, reason string) {
		a.wsHandler.BroadcastAuthRequired(ctx, reason)
	})

	if err := a.credentialEvents.SubscribeCredentialEvents(ctx, a.credentials.HandleRemoteInvalidation); err != nil {
		return fmt.Errorf("failed to subscribe to credential events: %w", err)
	}

	if token := a.configProvider.Get().Auth.StaticToken; token != "" {
		if err := a.credentials.SetCredential(ctx, &domain.Credential{AccessToken: token}); err != nil {
			return fmt.Errorf("failed to seed static credential: %w", err)
		}
		a.logger.Info(ctx, "Seeded session credential from configuration", "session_id", a.configProvider.Get().Auth.SessionID)
	}
	return nil
}

func (a *App) shutdown() {
	shutdownTimeout := 30 * time.Second
	if a.configProvider != nil && a.configProvider.Get() != nil {
		if configApp := a.configProvider.Get().App; configApp.ShutdownTimeoutSeconds > 0 {
			shutdownTimeout = time.Duration(configApp.ShutdownTimeoutSeconds) * time.Second
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	a.logger.Info(context.Background(), "Stopping resource change consumer...")
	a.changeConsumer.Close()

	a.logger.Info(context.Background(), "Closing all WebSocket connections gracefully...", "connections", a.wsHandler.ActiveConnections())
	a.wsHandler.Shutdown()

	a.coordinator.StopEvictionLoop()
	a.grpcServer.GracefulStop()

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error(context.Background(), "HTTP server graceful shutdown failed", "error", err.Error())
	}
	a.logger.Info(context.Background(), "HTTP server shut down.")
}

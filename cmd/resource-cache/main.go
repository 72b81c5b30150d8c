package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gitlab.com/ecolearn/platform/resource-cache/internal/bootstrap"
	"gitlab.com/ecolearn/platform/resource-cache/pkg/contextkeys"
)

func main() {
	// Cancelled on SIGINT/SIGTERM so background loops stop with the server.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = context.WithValue(ctx, contextkeys.RequestIDKey, "app-main")

	app, cleanup, err := bootstrap.InitializeApp(ctx)
	if err != nil {
		// The main logger is not available yet.
		fmt.Printf("Failed to initialize application: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	if err := app.Run(ctx); err != nil {
		fmt.Printf("Application run failed: %v\n", err)
		cleanup()
		os.Exit(1)
	}

	fmt.Println("Application exited gracefully.")
}

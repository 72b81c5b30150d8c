package safego

import (
	"context"
	"fmt"
	"runtime/debug"

	"gitlab.com/ecolearn/platform/resource-cache/internal/domain"
)

// Execute runs fn in a new goroutine through Call.
func Execute(ctx context.Context, logger domain.Logger, goroutineName string, fn func()) {
	go func() {
		Call(ctx, logger, goroutineName, fn)
	}()
}

// Call runs fn on the current goroutine. A panic is logged under name with its stack trace
// and returned; nil means fn returned normally.
func Call(ctx context.Context, logger domain.Logger, name string, fn func()) (recovered any) {
	defer func() {
		if r := recover(); r != nil {
			recovered = r
			// The caller's context may already be done; logging still needs one.
			logCtx := ctx
			if ctx.Err() != nil {
				logCtx = context.Background()
			}
			logger.Error(logCtx, fmt.Sprintf("Panic recovered in %s", name),
				"panic_info", fmt.Sprintf("%v", r),
				"stacktrace", string(debug.Stack()),
			)
		}
	}()
	fn()
	return nil
}

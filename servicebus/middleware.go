package servicebus

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// Recover turns a handler panic into an error, which the worker treats like any
// other unexpected failure: requeued once, then dead-lettered.
func Recover(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req Request) (res Result, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(ctx, "handler panic", "queue", req.Queue, "correlation_id", req.CorrelationID,
						"panic", r, "stack", string(debug.Stack()))
					err = fmt.Errorf("handler panic on %s: %v", req.Queue, r)
				}
			}()

			return next(ctx, req)
		}
	}
}

// Logging logs each handled request with its outcome and duration.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req Request) (Result, error) {
			start := time.Now()
			res, err := next(ctx, req)

			attrs := []any{
				"queue", req.Queue,
				"correlation_id", req.CorrelationID,
				"redelivered", req.Redelivered,
				"events", len(res.Events),
				"duration", time.Since(start),
			}
			if err != nil {
				logger.WarnContext(ctx, "handler failed", append(attrs, "error", err)...)
			} else {
				logger.InfoContext(ctx, "handled", attrs...)
			}

			return res, err
		}
	}
}

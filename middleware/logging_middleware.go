package middleware

import (
	"context"
	"log"
	"time"

	"shmrpc/internal/datapath"
)

// LoggingMiddleware records the command kind, duration, and any error for
// each control-plane command. It captures the start time before calling
// next, and logs the elapsed time after next returns.
//
// Example output:
//
//	cmd=Connect duration=42µs
//	error: resolve_route: shmrpc: transport error: fabric: no listener at peer-a
func LoggingMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd datapath.Command) datapath.Completion {
			start := time.Now()

			// Call the next handler in the chain
			completion := next(ctx, cmd)

			// Post-processing: log duration and errors
			duration := time.Since(start)
			log.Printf("cmd=%s duration=%s", cmd.Kind, duration)
			if completion.Err != nil {
				log.Printf("error: %v", completion.Err)
			}
			return completion
		}
	}
}

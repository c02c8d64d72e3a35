package middleware

import (
	"context"
	"log"
	"strings"
	"time"

	"shmrpc/internal/datapath"
)

// RetryMiddleware retries Connect on transient fabric errors, the same
// transport hiccups a real RDMA connect/accept handshake can hit (spec.md
// §4.1.1). Bind and the other commands are local bookkeeping and either
// succeed or fail deterministically, so they pass straight through.
func RetryMiddleware(maxRetries int, baseDelay time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd datapath.Command) datapath.Completion {
			if cmd.Kind != datapath.CmdConnect {
				return next(ctx, cmd)
			}
			completion := next(ctx, cmd)
			for i := 0; i < maxRetries; i++ {
				if completion.Err == nil {
					return completion // Success, return response
				}
				if strings.Contains(completion.Err.Error(), "timeout") || strings.Contains(completion.Err.Error(), "connection refused") {
					// Log the retry attempt
					log.Printf("retry attempt %d for %s due to error: %v", i+1, cmd.Kind, completion.Err)
					time.Sleep(baseDelay * time.Duration(1<<i)) // Exponential backoff
					completion = next(ctx, cmd)                 // Retry the command
				} else {
					return completion // Non-retryable error, return immediately
				}
			}
			return completion // Return last completion after retries
		}
	}
}

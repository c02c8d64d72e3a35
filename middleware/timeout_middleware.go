package middleware

import (
	"context"
	"fmt"
	"time"

	"shmrpc/internal/datapath"
)

// TimeOutMiddleware enforces a maximum duration for Connect and Bind, the
// two commands that can block on the fabric handshake (spec.md §4.1.1). If
// the handler doesn't complete within the timeout, it returns an error
// immediately.
//
// Implementation:
//  1. Create a context with timeout (ctx.Done() fires when timeout expires)
//  2. Run the next handler in a goroutine, sending its result to a channel
//  3. Select between the result channel and ctx.Done()
//
// Note: the handler goroutine is NOT cancelled — it continues running in the background.
// The timeout only controls when the caller gives up waiting. For true cancellation,
// the handler must check ctx.Done() internally.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd datapath.Command) datapath.Completion {
			if cmd.Kind != datapath.CmdConnect && cmd.Kind != datapath.CmdBind {
				return next(ctx, cmd)
			}

			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			// Run handler in a goroutine so we can race it against the timeout
			done := make(chan datapath.Completion, 1) // Buffered: prevent goroutine leak if timeout fires
			go func() {
				done <- next(ctx, cmd)
			}()

			select {
			case completion := <-done:
				return completion // Handler completed before timeout
			case <-ctx.Done():
				return datapath.Completion{
					Kind: datapath.CompletedError,
					Err:  fmt.Errorf("%s: %w", cmd.Kind, ctx.Err()),
				}
			}
		}
	}
}

// Package middleware implements the onion-model middleware chain that
// wraps the adapter engine's command handling (spec.md §4.1.1), adapted
// from mini-RPC's request middleware chain: there it wrapped RPCMessage
// handlers, here it wraps Command/Completion handlers, so the same
// cross-cutting concerns (rate limiting, logging) apply to Connect/Bind/
// AllocShm/NewMappedAddrs processing without touching dispatchCmd itself.
//
// Onion model execution order:
//
//	Chain(A, B, C)(handler)  →  A(B(C(handler)))
//
//	Request:   A.before → B.before → C.before → handler
//	Response:  handler → C.after → B.after → A.after
//
// Each middleware can:
//   - Do pre-processing (before calling next)
//   - Call next(ctx, cmd) to pass to the next layer
//   - Do post-processing (after next returns)
//   - Short-circuit by returning early without calling next (e.g., rate limiting)
package middleware

import (
	"context"

	"shmrpc/internal/datapath"
)

// HandlerFunc is the function signature for command handlers: the engine's
// dispatchCmd itself, or any middleware-wrapped version of it.
type HandlerFunc func(ctx context.Context, cmd datapath.Command) datapath.Completion

// Middleware takes a handler and returns a new handler that wraps it.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes multiple middlewares into a single middleware, the first
// argument becoming the outermost layer.
//
// Example:
//
//	chain := Chain(RateLimitMiddleware(100, 10))
//	handler := chain(e.dispatchCmd) // as adapter.NewEngine does
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

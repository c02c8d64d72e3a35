package middleware

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"shmrpc/internal/datapath"
)

// RateLimitMiddleware gates Connect and Bind commands with a token-bucket
// limiter (spec.md §5: connect/bind "are rare control-plane operations"
// that may block briefly, so a per-engine rate limit bounds how often a
// misbehaving client can churn connections). AllocShm and NewMappedAddrs
// pass straight through: they're cheap, purely local bookkeeping.
//
// The limiter is created in the outer closure, once per middleware
// construction, not per command — a fresh limiter per call would defeat
// rate limiting entirely.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd datapath.Command) datapath.Completion {
			if cmd.Kind != datapath.CmdConnect && cmd.Kind != datapath.CmdBind {
				return next(ctx, cmd)
			}
			if !limiter.Allow() {
				return datapath.Completion{Kind: datapath.CompletedError, Err: fmt.Errorf("%s: rate limit exceeded", cmd.Kind)}
			}
			return next(ctx, cmd)
		}
	}
}

// Package errs defines the error taxonomy shared by the adapter's control
// and data planes (spec.md §7: ResourceNotFound, Transport, Marshal,
// InProgress, NoResponse, ChannelDisconnected).
//
// Marshal errors (unknown func_id, malformed SGL) are not represented here:
// per spec.md §7 they are protocol breaks and the adapter panics instead of
// returning an error.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Compare with errors.Is, not ==, since NotFound/Transport
// are usually wrapped with context via fmt.Errorf("...: %w", ...).
var (
	// ErrNotFound is returned when a handle lookup misses in the MR, WR,
	// cmid, or listener tables.
	ErrNotFound = errors.New("shmrpc: resource not found")

	// ErrTransport wraps an RDMA verbs-level failure (post_send, post_recv,
	// poll, connect, accept).
	ErrTransport = errors.New("shmrpc: transport error")

	// ErrInProgress is a control-flow sentinel: the command's completion is
	// deferred to a later resume() and must not be sent now.
	ErrInProgress = errors.New("shmrpc: command in progress")

	// ErrNoResponse is a control-flow sentinel: no completion should ever be
	// sent for this command.
	ErrNoResponse = errors.New("shmrpc: no response")

	// ErrDisconnected indicates one side of the command or datapath channel
	// has closed. No code in this module returns it: Engine.Resume reports
	// only whether a probe found work and has no disconnected status.
	ErrDisconnected = errors.New("shmrpc: channel disconnected")
)

// NotFound wraps ErrNotFound with the kind of table and the handle that
// missed, e.g. NotFound("cmid", h).
func NotFound(table string, handle fmt.Stringer) error {
	return fmt.Errorf("%s: %w: handle=%s", table, ErrNotFound, handle)
}

// Transport wraps ErrTransport with the verbs call that failed.
func Transport(op string, cause error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrTransport, cause)
}

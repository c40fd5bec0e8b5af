// File: internal/relay/errors.go
package relay

import "errors"

// Sentinel errors for the failure taxonomy. Everything the relay can fail
// with maps onto one of these so boundary callers can branch with errors.Is
// instead of string matching.
var (
	// ErrNotConnected is returned when a send or command submission is
	// attempted while no live agent connection exists. It is surfaced
	// immediately and never retried by the relay itself.
	ErrNotConnected = errors.New("no agent connection")

	// ErrTimeout is returned when a command's deadline elapses before a
	// matching reply arrives.
	ErrTimeout = errors.New("command timed out")
)

// File: internal/relay/correlator.go
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/tabrelay/api/schemas"
)

// Result is the terminal outcome of one submitted command.
type Result struct {
	Success bool
	Payload json.RawMessage
	// Err carries the agent-reported failure message when Success is false.
	Err string
}

// pendingCommand is one in-flight request awaiting its asynchronous reply.
// The reply channel is buffered so the resolving side never blocks.
type pendingCommand struct {
	id      string
	created time.Time
	reply   chan Result
	// action retained for diagnostics only.
	action string
}

// Sender is the slice of the transport the correlator needs.
type Sender interface {
	Send(msg interface{}) error
	Connected() bool
}

// Correlator matches fire-and-forget commands with their eventual replies.
// Each outbound command gets a fresh monotonic correlation id and a pending
// entry with a deadline; the first of {matching reply, timeout} wins and the
// loser is a no-op, enforced by removing the entry from the pending map
// before resolving it.
type Correlator struct {
	logger *zap.Logger
	sender Sender

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[string]*pendingCommand
}

// NewCorrelator creates a correlator sending over the given transport.
func NewCorrelator(sender Sender, logger *zap.Logger) *Correlator {
	return &Correlator{
		logger:  logger.Named("correlator"),
		sender:  sender,
		pending: make(map[string]*pendingCommand),
	}
}

// Submit sends a command to the agent and blocks until the matching reply
// arrives or the timeout elapses. With no live connection it fails
// immediately with ErrNotConnected and records nothing, so a pending entry
// can never leak unresolvable.
func (cr *Correlator) Submit(ctx context.Context, action string, params map[string]interface{}, timeout time.Duration) (Result, error) {
	if !cr.sender.Connected() {
		return Result{}, ErrNotConnected
	}

	id := strconv.FormatUint(cr.nextID.Add(1), 10)
	pc := &pendingCommand{
		id:      id,
		created: time.Now(),
		reply:   make(chan Result, 1),
		action:  action,
	}

	cr.mu.Lock()
	cr.pending[id] = pc
	cr.mu.Unlock()

	cmd := schemas.Command{
		Type:          schemas.MsgCommand,
		CorrelationID: id,
		Action:        action,
		Params:        params,
	}
	if err := cr.sender.Send(cmd); err != nil {
		cr.remove(id)
		return Result{}, fmt.Errorf("sending command %s: %w", action, err)
	}

	cr.logger.Debug("Command submitted",
		zap.String("correlation_id", id),
		zap.String("action", action),
		zap.Duration("timeout", timeout))

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-pc.reply:
		return res, nil
	case <-timer.C:
		// Claim the entry; if the reply path already claimed it, the result
		// is sitting in the buffered channel and the reply wins.
		if cr.remove(id) == nil {
			res := <-pc.reply
			return res, nil
		}
		cr.logger.Warn("Command timed out",
			zap.String("correlation_id", id),
			zap.String("action", action))
		return Result{}, ErrTimeout
	case <-ctx.Done():
		cr.remove(id)
		return Result{}, ctx.Err()
	}
}

// Resolve routes an inbound command-result frame to its pending entry.
// Replies for unknown or already-resolved correlation ids are logged and
// discarded; they must never disturb the dispatch loop.
func (cr *Correlator) Resolve(msg schemas.CommandResult) {
	pc := cr.remove(msg.CorrelationID)
	if pc == nil {
		cr.logger.Warn("Dropping stale or unknown command result",
			zap.String("correlation_id", msg.CorrelationID))
		return
	}

	pc.reply <- Result{
		Success: msg.Success,
		Payload: msg.Result,
		Err:     msg.Error,
	}

	cr.logger.Debug("Command resolved",
		zap.String("correlation_id", msg.CorrelationID),
		zap.Bool("success", msg.Success),
		zap.Duration("elapsed", time.Since(pc.created)))
}

// PendingCount reports the number of in-flight commands.
func (cr *Correlator) PendingCount() int {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return len(cr.pending)
}

// remove claims the pending entry for id, or returns nil when another path
// (reply, timeout, cancellation) got there first.
func (cr *Correlator) remove(id string) *pendingCommand {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	pc, ok := cr.pending[id]
	if !ok {
		return nil
	}
	delete(cr.pending, id)
	return pc
}

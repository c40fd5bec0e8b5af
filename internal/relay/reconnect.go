// File: internal/relay/reconnect.go
package relay

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/tabrelay/internal/config"
)

// Reconnector schedules a fresh connection attempt after every transport
// teardown. The delay is constant: the peer is a local, always-restartable
// browser agent, so exponential backoff would only add latency without
// protecting anything.
//
// At most one attempt is scheduled at a time; scheduling again supersedes
// the pending timer, and a successful connection cancels it outright.
type Reconnector struct {
	logger *zap.Logger
	cfg    config.RelayConfig
	// dial performs the actual attempt. Nil when no agent URL is configured,
	// in which case the endpoint stays open for the agent to dial back in
	// and the scheduled attempt is just a log line.
	dial func(ctx context.Context) error

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
}

// NewReconnector creates a reconnection controller. dial may be nil.
func NewReconnector(cfg config.RelayConfig, dial func(ctx context.Context) error, logger *zap.Logger) *Reconnector {
	return &Reconnector{
		logger: logger.Named("reconnect"),
		cfg:    cfg,
		dial:   dial,
	}
}

// Schedule arms the single reconnection slot, superseding any pending one.
func (r *Reconnector) Schedule() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.logger.Info("Scheduling reconnection attempt",
		zap.Duration("delay", r.cfg.ReconnectDelay))
	r.timer = time.AfterFunc(r.cfg.ReconnectDelay, r.attempt)
}

// OnConnected cancels any pending attempt; a live connection makes it moot.
func (r *Reconnector) OnConnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Close cancels pending attempts permanently.
func (r *Reconnector) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Reconnector) attempt() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	dial := r.dial
	r.mu.Unlock()

	if dial == nil {
		r.logger.Info("No agent URL configured; waiting for agent to reconnect")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ReconnectDelay+10*time.Second)
	defer cancel()

	if err := dial(ctx); err != nil {
		r.logger.Warn("Reconnection attempt failed; rescheduling", zap.Error(err))
		r.Schedule()
		return
	}
	r.logger.Info("Reconnection attempt succeeded")
}

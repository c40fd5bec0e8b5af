// File: internal/relay/liveness.go
package relay

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/tabrelay/api/schemas"
	"github.com/xkilldash9x/tabrelay/internal/config"
)

// LivenessState is the per-connection probe state machine.
type LivenessState string

const (
	// StateIdle means no connection is being watched.
	StateIdle LivenessState = "idle"
	// StateAlive means the last probe (if any) was acknowledged.
	StateAlive LivenessState = "alive"
	// StateProbing means a probe is outstanding and unacknowledged.
	StateProbing LivenessState = "probing"
	// StateDead means the probe timeout elapsed; the connection is being
	// torn down.
	StateDead LivenessState = "dead"
)

// Monitor drives the ALIVE -> PROBING -> DEAD state machine for the current
// connection. The browser agent can be silently suspended by its runtime, so
// an explicit application-level probe/ack pair is the only liveness signal
// that can be trusted; transport keepalive is not enough.
type Monitor struct {
	logger *zap.Logger
	cfg    config.RelayConfig
	sender Sender
	// onDead is invoked exactly once per watched connection whose probe
	// deadline elapses. The callback force-closes the transport, which in
	// turn notifies the reconnection controller.
	onDead func(c *Connection)

	mu       sync.Mutex
	conn     *Connection
	state    LivenessState
	lastAck  time.Time
	probeGen uint64
	ticker   *time.Ticker
	stopCh   chan struct{}
	deadline *time.Timer
}

// NewMonitor creates a liveness monitor probing over the given transport.
func NewMonitor(cfg config.RelayConfig, sender Sender, onDead func(c *Connection), logger *zap.Logger) *Monitor {
	return &Monitor{
		logger: logger.Named("liveness"),
		cfg:    cfg,
		sender: sender,
		onDead: onDead,
		state:  StateIdle,
	}
}

// Watch begins probing the given connection, replacing any previous watch.
func (m *Monitor) Watch(c *Connection) {
	m.mu.Lock()
	m.stopLocked()

	m.conn = c
	m.state = StateAlive
	m.lastAck = time.Now()
	m.probeGen++

	stopCh := make(chan struct{})
	m.stopCh = stopCh
	m.ticker = time.NewTicker(m.cfg.ProbeInterval)
	ticker := m.ticker
	m.mu.Unlock()

	go m.probeLoop(c, ticker, stopCh)
}

// Unwatch stops probing if c is the watched connection.
func (m *Monitor) Unwatch(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != c {
		return
	}
	m.stopLocked()
	m.conn = nil
	m.state = StateIdle
}

// Stop halts all probing.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
	m.conn = nil
	m.state = StateIdle
}

func (m *Monitor) stopLocked() {
	if m.stopCh != nil {
		close(m.stopCh)
		m.stopCh = nil
	}
	if m.ticker != nil {
		m.ticker.Stop()
		m.ticker = nil
	}
	if m.deadline != nil {
		m.deadline.Stop()
		m.deadline = nil
	}
}

// Ack records a liveness acknowledgement, resetting the machine to ALIVE.
// Any inbound ack counts; a late ack after DEAD is ignored.
func (m *Monitor) Ack() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil || m.state == StateDead {
		return
	}
	m.state = StateAlive
	m.lastAck = time.Now()
	m.probeGen++
	if m.deadline != nil {
		m.deadline.Stop()
		m.deadline = nil
	}
}

// State returns the current liveness state.
func (m *Monitor) State() LivenessState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastAck returns the time of the last acknowledgement.
func (m *Monitor) LastAck() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAck
}

func (m *Monitor) probeLoop(c *Connection, ticker *time.Ticker, stopCh chan struct{}) {
	for {
		select {
		case <-ticker.C:
			m.probe(c)
		case <-stopCh:
			return
		case <-c.Done():
			return
		}
	}
}

// probe sends one liveness probe and arms the death deadline. While a probe
// is already outstanding no further probes are sent; the armed deadline is
// the single authority on death, so several elapsed intervals cannot
// schedule more than one teardown.
func (m *Monitor) probe(c *Connection) {
	m.mu.Lock()
	if m.conn != c || m.state != StateAlive {
		m.mu.Unlock()
		return
	}

	m.state = StateProbing
	gen := m.probeGen
	m.deadline = time.AfterFunc(m.cfg.ProbeTimeout, func() {
		m.expire(c, gen)
	})
	m.mu.Unlock()

	m.logger.Debug("Sending liveness probe", zap.String("conn_id", c.ID))
	if err := m.sender.Send(schemas.NewHeartbeat()); err != nil {
		m.logger.Warn("Failed to send liveness probe", zap.Error(err))
	}
}

// expire fires when a probe went unanswered past the timeout window.
func (m *Monitor) expire(c *Connection, gen uint64) {
	m.mu.Lock()
	if m.conn != c || m.state != StateProbing || m.probeGen != gen {
		// An ack or a newer connection arrived in the meantime.
		m.mu.Unlock()
		return
	}
	m.state = StateDead
	lastAck := m.lastAck
	m.mu.Unlock()

	m.logger.Warn("Liveness probe unanswered; declaring connection dead",
		zap.String("conn_id", c.ID),
		zap.Time("last_ack", lastAck),
		zap.Duration("probe_timeout", m.cfg.ProbeTimeout))

	if m.onDead != nil {
		m.onDead(c)
	}
}

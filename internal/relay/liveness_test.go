package relay

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/tabrelay/internal/config"
)

func testRelayConfig() config.RelayConfig {
	return config.RelayConfig{
		ProbeInterval:         20 * time.Millisecond,
		ProbeTimeout:          50 * time.Millisecond,
		ReconnectDelay:        20 * time.Millisecond,
		DefaultCommandTimeout: time.Second,
		MaxMessageSize:        1 << 20,
		SendBuffer:            16,
	}
}

// testConn builds a bare Connection good enough for the monitor: it only
// needs an ID and a done channel.
func testConn(ep *Endpoint) *Connection {
	return &Connection{
		ID:   "test-conn",
		ep:   ep,
		send: make(chan []byte, 16),
		done: make(chan struct{}),
	}
}

func TestMonitor_UnansweredProbeDeclaresDead(t *testing.T) {
	logger := zaptest.NewLogger(t)
	sender := &fakeSender{connected: true}

	var deadCount atomic.Int32
	m := NewMonitor(testRelayConfig(), sender, func(c *Connection) {
		deadCount.Add(1)
	}, logger)
	defer m.Stop()

	c := testConn(NewEndpoint(testRelayConfig(), logger))
	m.Watch(c)
	assert.Equal(t, StateAlive, m.State())

	// No ack ever arrives: probe fires, then the timeout window elapses.
	require.Eventually(t, func() bool {
		return m.State() == StateDead
	}, time.Second, 5*time.Millisecond)

	// Several further intervals pass; death must have been signalled once.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), deadCount.Load(), "exactly one teardown notification")
}

func TestMonitor_AckResetsToAlive(t *testing.T) {
	logger := zaptest.NewLogger(t)
	sender := &fakeSender{connected: true}

	var deadCount atomic.Int32
	m := NewMonitor(testRelayConfig(), sender, func(c *Connection) {
		deadCount.Add(1)
	}, logger)
	defer m.Stop()

	c := testConn(NewEndpoint(testRelayConfig(), logger))
	m.Watch(c)

	// Answer every probe for a while; the connection must stay alive.
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Ack()
			case <-stop:
				return
			}
		}
	}()

	time.Sleep(150 * time.Millisecond)
	close(stop)

	assert.Equal(t, int32(0), deadCount.Load())
	assert.NotEqual(t, StateDead, m.State())
	assert.WithinDuration(t, time.Now(), m.LastAck(), time.Second)
}

func TestMonitor_AckAfterDeadIgnored(t *testing.T) {
	logger := zaptest.NewLogger(t)
	sender := &fakeSender{connected: true}

	m := NewMonitor(testRelayConfig(), sender, func(c *Connection) {}, logger)
	defer m.Stop()

	c := testConn(NewEndpoint(testRelayConfig(), logger))
	m.Watch(c)

	require.Eventually(t, func() bool {
		return m.State() == StateDead
	}, time.Second, 5*time.Millisecond)

	m.Ack()
	assert.Equal(t, StateDead, m.State(), "an ack cannot resurrect a dead connection")
}

func TestMonitor_UnwatchStopsProbing(t *testing.T) {
	logger := zaptest.NewLogger(t)
	sender := &fakeSender{connected: true}

	var deadCount atomic.Int32
	m := NewMonitor(testRelayConfig(), sender, func(c *Connection) {
		deadCount.Add(1)
	}, logger)

	c := testConn(NewEndpoint(testRelayConfig(), logger))
	m.Watch(c)
	m.Unwatch(c)

	assert.Equal(t, StateIdle, m.State())
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, int32(0), deadCount.Load())
}

func TestMonitor_WatchReplacesPrevious(t *testing.T) {
	logger := zaptest.NewLogger(t)
	sender := &fakeSender{connected: true}

	deadCh := make(chan string, 4)
	m := NewMonitor(testRelayConfig(), sender, func(c *Connection) {
		deadCh <- c.ID
	}, logger)
	defer m.Stop()

	ep := NewEndpoint(testRelayConfig(), logger)
	c1 := testConn(ep)
	c1.ID = "first"
	c2 := testConn(ep)
	c2.ID = "second"

	m.Watch(c1)
	m.Watch(c2)

	// Only the currently watched connection may be declared dead.
	select {
	case id := <-deadCh:
		assert.Equal(t, "second", id)
	case <-time.After(time.Second):
		t.Fatal("monitor never declared the watched connection dead")
	}

	select {
	case id := <-deadCh:
		t.Fatalf("unexpected second death notification for %q", id)
	case <-time.After(100 * time.Millisecond):
	}
}

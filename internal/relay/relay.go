// Package relay implements the control-channel core: the single-connection
// transport endpoint, the liveness monitor, the reconnection controller, and
// the command correlator, composed behind one Relay facade.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/tabrelay/api/schemas"
	"github.com/xkilldash9x/tabrelay/internal/capture"
	"github.com/xkilldash9x/tabrelay/internal/config"
	"github.com/xkilldash9x/tabrelay/internal/metrics"
	"github.com/xkilldash9x/tabrelay/internal/store"
)

// Relay owns the agent control channel and routes every inbound frame to its
// consumer: command results to the correlator, snapshots to the capture
// orchestrator, console/event records to the store, and liveness acks to the
// monitor. Dispatch runs on the connection's read pump, so frames within one
// connection are processed strictly in arrival order.
type Relay struct {
	logger *zap.Logger
	cfg    config.RelayConfig

	endpoint    *Endpoint
	monitor     *Monitor
	reconnector *Reconnector
	correlator  *Correlator

	orchestrator *capture.Orchestrator
	store        *store.Store
	metrics      *metrics.Metrics
}

// New wires the relay core together.
func New(cfg config.Interface, st *store.Store, m *metrics.Metrics, logger *zap.Logger) *Relay {
	relayCfg := cfg.Relay()
	log := logger.Named("relay")

	r := &Relay{
		logger:  log,
		cfg:     relayCfg,
		store:   st,
		metrics: m,
	}

	r.endpoint = NewEndpoint(relayCfg, log)
	r.correlator = NewCorrelator(r.endpoint, log)

	var dial func(ctx context.Context) error
	if relayCfg.AgentURL != "" {
		url := relayCfg.AgentURL
		dial = func(ctx context.Context) error {
			return r.endpoint.Dial(ctx, url)
		}
	}
	r.reconnector = NewReconnector(relayCfg, dial, log)

	r.monitor = NewMonitor(relayCfg, r.endpoint, func(c *Connection) {
		// Force-close; the endpoint's disconnect hook takes it from there.
		c.Close()
	}, log)

	r.orchestrator = capture.NewOrchestrator(cfg.Capture(), st, r.endpoint.Send, log)

	r.endpoint.SetDispatcher(r.dispatch)
	r.endpoint.SetHooks(ConnHooks{
		OnConnect: func(c *Connection) {
			r.reconnector.OnConnected()
			r.monitor.Watch(c)
			r.metrics.AgentConnected.Set(1)
		},
		OnDisconnect: func(c *Connection) {
			r.monitor.Unwatch(c)
			r.metrics.AgentConnected.Set(0)
			r.metrics.Reconnects.Inc()
			r.reconnector.Schedule()
		},
	})

	return r
}

// ServeWS is the HTTP handler for the agent control channel.
func (r *Relay) ServeWS(w http.ResponseWriter, req *http.Request) {
	r.endpoint.ServeWS(w, req)
}

// SubmitCommand forwards an action to the agent and waits for its correlated
// reply. Fails fast with ErrNotConnected, or with ErrTimeout after the
// deadline.
func (r *Relay) SubmitCommand(ctx context.Context, action string, params map[string]interface{}, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = r.cfg.DefaultCommandTimeout
	}
	res, err := r.correlator.Submit(ctx, action, params, timeout)
	switch {
	case err == nil:
		r.metrics.Commands.WithLabelValues("ok").Inc()
	case err == ErrTimeout:
		r.metrics.Commands.WithLabelValues("timeout").Inc()
	case err == ErrNotConnected:
		r.metrics.Commands.WithLabelValues("not_connected").Inc()
	default:
		r.metrics.Commands.WithLabelValues("error").Inc()
	}
	return res, err
}

// BeginCapture starts a new capture session and triggers artifact delivery.
func (r *Relay) BeginCapture(name string) (*capture.Session, error) {
	s, err := r.orchestrator.Begin(name)
	if err != nil {
		r.metrics.Captures.WithLabelValues("error").Inc()
		return nil, err
	}
	r.metrics.Captures.WithLabelValues("started").Inc()
	return s, nil
}

// AwaitCapture blocks until the session completes or times out.
func (r *Relay) AwaitCapture(ctx context.Context, s *capture.Session, timeout time.Duration) error {
	err := r.orchestrator.Await(ctx, s, timeout)
	switch err {
	case nil:
		r.metrics.Captures.WithLabelValues("complete").Inc()
	case capture.ErrCaptureTimeout:
		r.metrics.Captures.WithLabelValues("timeout").Inc()
	}
	return err
}

// CurrentCapture returns the session artifacts currently route to, or nil.
func (r *Relay) CurrentCapture() *capture.Session {
	return r.orchestrator.Current()
}

// Connected reports whether a live agent connection exists.
func (r *Relay) Connected() bool { return r.endpoint.Connected() }

// Liveness returns the probe state machine's current state.
func (r *Relay) Liveness() LivenessState { return r.monitor.State() }

// Shutdown tears the control channel down without scheduling reconnects.
func (r *Relay) Shutdown() {
	r.reconnector.Close()
	r.monitor.Stop()
	r.endpoint.Shutdown()
}

// dispatch routes one decoded inbound frame. The variant set is closed, so
// this switch is exhaustive; DecodeInbound already dropped anything unknown.
func (r *Relay) dispatch(msg schemas.InboundMessage) {
	switch m := msg.(type) {
	case schemas.HeartbeatResponse:
		r.monitor.Ack()
		r.metrics.Frames.WithLabelValues("heartbeat-response").Inc()

	case schemas.CommandResult:
		r.correlator.Resolve(m)
		r.metrics.Frames.WithLabelValues("command-result").Inc()

	case schemas.DOMSnapshot:
		r.orchestrator.DeliverDOM(m.DOM, m.URL, stamp(m.Timestamp))
		r.metrics.Frames.WithLabelValues("dom-snapshot").Inc()

	case schemas.Screenshot:
		r.orchestrator.DeliverScreenshot(m.Data, stamp(m.Timestamp))
		r.metrics.Frames.WithLabelValues("screenshot").Inc()

	case schemas.ConsoleLog:
		r.store.Append(store.Entry{
			Kind:      store.KindLog,
			Method:    m.Method,
			Payload:   m.Payload,
			URL:       m.URL,
			Timestamp: stamp(m.Timestamp),
		})
		r.metrics.Frames.WithLabelValues("console-log").Inc()

	case schemas.BrowserEvent:
		r.store.Append(store.Entry{
			Kind:      store.KindEvent,
			Method:    m.Event,
			Payload:   m.Payload,
			URL:       m.URL,
			Timestamp: stamp(m.Timestamp),
		})
		r.metrics.Frames.WithLabelValues("browser-event").Inc()

	case schemas.SessionConnected:
		// The agent announcing itself is as good as a probe ack.
		r.monitor.Ack()
		r.metrics.Frames.WithLabelValues("session-connected").Inc()
		r.logger.Info("Agent session connected",
			zap.String("agent_info", compactJSON(m.AgentInfo)))
	}
}

// stamp converts an agent-supplied millisecond timestamp, defaulting to now
// when the agent omitted it.
func stamp(ms int64) time.Time {
	if ms == 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	return string(raw)
}

// File: internal/relay/endpoint.go
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tabrelay/api/schemas"
	"github.com/xkilldash9x/tabrelay/internal/config"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The agent is a local browser extension; the handshake origin is a
		// chrome-extension:// URL that cannot be whitelisted generically.
		return true
	},
}

// DispatchFunc receives every decoded inbound frame, in arrival order.
type DispatchFunc func(msg schemas.InboundMessage)

// ConnHooks observe connection lifecycle. OnDisconnect fires at most once per
// connection, and only for a connection that was still current when it died;
// a connection superseded by a newer accept goes away silently.
type ConnHooks struct {
	OnConnect    func(c *Connection)
	OnDisconnect func(c *Connection)
}

// Endpoint owns the single logical control channel to the browser agent.
// At most one Connection is current; a second accept forcibly closes the
// first (last-writer-wins, no multiplexing).
type Endpoint struct {
	logger   *zap.Logger
	cfg      config.RelayConfig
	dispatch DispatchFunc
	hooks    ConnHooks

	mu      sync.Mutex
	current *Connection
}

// Connection is one accepted (or dialed) agent socket together with its
// write queue. All writes go through the send channel so the write pump is
// the only goroutine touching the socket for output.
type Connection struct {
	ID string

	ep   *Endpoint
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// NewEndpoint creates an endpoint. The dispatcher and hooks must be set
// before any connection is accepted.
func NewEndpoint(cfg config.RelayConfig, logger *zap.Logger) *Endpoint {
	return &Endpoint{
		logger: logger.Named("endpoint"),
		cfg:    cfg,
	}
}

// SetDispatcher registers the single inbound frame dispatcher.
func (e *Endpoint) SetDispatcher(d DispatchFunc) { e.dispatch = d }

// SetHooks registers lifecycle observers.
func (e *Endpoint) SetHooks(h ConnHooks) { e.hooks = h }

// ServeWS upgrades an HTTP request into the agent control channel.
func (e *Endpoint) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		e.logger.Error("Failed to upgrade agent connection", zap.Error(err))
		return
	}
	e.adopt(conn, r.RemoteAddr)
}

// Dial establishes an outbound control channel to the agent. Used by the
// reconnection controller when an agent URL is configured.
func (e *Endpoint) Dial(ctx context.Context, url string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	e.adopt(conn, url)
	return nil
}

// adopt installs a fresh socket as the current connection, superseding and
// force-closing any prior one.
func (e *Endpoint) adopt(ws *websocket.Conn, remote string) {
	c := &Connection{
		ID:   uuid.New().String(),
		ep:   e,
		conn: ws,
		send: make(chan []byte, e.cfg.SendBuffer),
		done: make(chan struct{}),
	}

	e.mu.Lock()
	old := e.current
	e.current = c
	e.mu.Unlock()

	if old != nil {
		e.logger.Warn("New agent connection supersedes existing one; closing old connection",
			zap.String("old_conn_id", old.ID), zap.String("conn_id", c.ID))
		old.Close()
	}

	e.logger.Info("Agent connection established",
		zap.String("conn_id", c.ID), zap.String("remote", remote))

	go c.writePump()
	go c.readPump()

	if e.hooks.OnConnect != nil {
		e.hooks.OnConnect(c)
	}
}

// Send marshals a message and queues it on the current connection. Fails
// with ErrNotConnected when no live connection exists.
func (e *Endpoint) Send(msg interface{}) error {
	e.mu.Lock()
	c := e.current
	e.mu.Unlock()

	if c == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrNotConnected
	default:
		// The agent has stopped draining its socket. Dropping here keeps the
		// caller from blocking; the command will time out on its own.
		e.logger.Error("Agent send buffer full, dropping message",
			zap.String("conn_id", c.ID))
		return nil
	}
}

// Connected reports whether a live connection currently exists.
func (e *Endpoint) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current != nil
}

// Current returns the current connection, or nil.
func (e *Endpoint) Current() *Connection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Shutdown force-closes the current connection, if any.
func (e *Endpoint) Shutdown() {
	e.mu.Lock()
	c := e.current
	e.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

// remove clears c from the endpoint if it is still current, reporting
// whether it was. A superseded connection is already gone by the time its
// pumps unwind, so this returns false for it.
func (e *Endpoint) remove(c *Connection) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == c {
		e.current = nil
		return true
	}
	return false
}

// Close tears the connection down. Idempotent; the lifecycle hook fires at
// most once, and only if the connection was still current.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()

		wasCurrent := c.ep.remove(c)
		c.ep.logger.Info("Agent connection closed",
			zap.String("conn_id", c.ID), zap.Bool("was_current", wasCurrent))

		if wasCurrent && c.ep.hooks.OnDisconnect != nil {
			c.ep.hooks.OnDisconnect(c)
		}
	})
}

// Done is closed when the connection has been torn down.
func (c *Connection) Done() <-chan struct{} { return c.done }

// readPump pumps frames from the socket into the dispatcher. Frames are
// processed strictly in arrival order; malformed or unknown frames are
// logged and dropped, never surfaced to callers.
func (c *Connection) readPump() {
	defer c.Close()

	c.conn.SetReadLimit(c.ep.cfg.MaxMessageSize)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.ep.logger.Warn("Agent connection read error",
					zap.String("conn_id", c.ID), zap.Error(err))
			}
			return
		}

		msg, err := schemas.DecodeInbound(data)
		if err != nil {
			var unknown *schemas.UnknownTypeError
			if errors.As(err, &unknown) {
				c.ep.logger.Warn("Dropping frame with unknown type",
					zap.String("conn_id", c.ID), zap.String("type", string(unknown.Type)))
			} else {
				c.ep.logger.Warn("Dropping malformed frame",
					zap.String("conn_id", c.ID), zap.Error(err))
			}
			continue
		}

		if c.ep.dispatch != nil {
			c.ep.dispatch(msg)
		}
	}
}

// writePump is the sole writer on the socket. It drains the send queue until
// the connection is torn down.
func (c *Connection) writePump() {
	defer c.Close()

	for {
		select {
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.ep.logger.Error("Failed to set write deadline",
					zap.String("conn_id", c.ID), zap.Error(err))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.ep.logger.Warn("Agent connection write error",
					zap.String("conn_id", c.ID), zap.Error(err))
				return
			}
		case <-c.done:
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

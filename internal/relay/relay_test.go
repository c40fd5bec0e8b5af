package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/tabrelay/internal/capture"
	"github.com/xkilldash9x/tabrelay/internal/config"
	"github.com/xkilldash9x/tabrelay/internal/metrics"
	"github.com/xkilldash9x/tabrelay/internal/store"
)

// relayHarness wires a full Relay behind an httptest server together with a
// scripted agent connection.
type relayHarness struct {
	relay  *Relay
	store  *store.Store
	server *httptest.Server
	agent  *websocket.Conn
	// frames receives every frame the agent reads from the relay.
	frames chan map[string]interface{}
}

func newRelayHarness(t *testing.T) *relayHarness {
	t.Helper()

	cfg := &config.Config{
		RelayCfg: config.RelayConfig{
			// Probing is exercised in the monitor tests; keep it out of the
			// way here.
			ProbeInterval:         time.Hour,
			ProbeTimeout:          time.Hour,
			ReconnectDelay:        50 * time.Millisecond,
			DefaultCommandTimeout: time.Second,
			MaxMessageSize:        1 << 20,
			SendBuffer:            64,
		},
		CaptureCfg: config.CaptureConfig{
			BaseDir:      t.TempDir(),
			AwaitTimeout: 300 * time.Millisecond,
		},
		StoreCfg: config.StoreConfig{MaxLogs: 100, MaxEvents: 100},
	}

	logger := zaptest.NewLogger(t)
	st := store.New(cfg.Store(), logger)
	rl := New(cfg, st, metrics.New(), logger)

	h := &relayHarness{
		relay:  rl,
		store:  st,
		server: httptest.NewServer(http.HandlerFunc(rl.ServeWS)),
		frames: make(chan map[string]interface{}, 64),
	}

	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	agent, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	h.agent = agent

	go func() {
		for {
			var frame map[string]interface{}
			if err := agent.ReadJSON(&frame); err != nil {
				close(h.frames)
				return
			}
			h.frames <- frame
		}
	}()

	require.Eventually(t, rl.Connected, time.Second, 5*time.Millisecond)

	t.Cleanup(func() {
		agent.Close()
		rl.Shutdown()
		h.server.Close()
	})
	return h
}

// nextFrame returns the next frame of the given type, skipping others.
func (h *relayHarness) nextFrame(t *testing.T, frameType string) map[string]interface{} {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case frame, ok := <-h.frames:
			if !ok {
				t.Fatal("agent connection closed while waiting for frame")
			}
			if frame["type"] == frameType {
				return frame
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q frame", frameType)
		}
	}
}

func TestRelay_CommandRoundTrip(t *testing.T) {
	h := newRelayHarness(t)

	go func() {
		frame := h.nextFrame(t, "command")
		h.agent.WriteJSON(map[string]interface{}{
			"type":          "command-result",
			"correlationId": frame["correlationId"],
			"success":       true,
			"result":        map[string]interface{}{"clicked": true},
		})
	}()

	res, err := h.relay.SubmitCommand(context.Background(), "click",
		map[string]interface{}{"selector": "#go"}, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.JSONEq(t, `{"clicked":true}`, string(res.Payload))
}

func TestRelay_CommandTimeoutWhenAgentSilent(t *testing.T) {
	h := newRelayHarness(t)

	_, err := h.relay.SubmitCommand(context.Background(), "click", nil, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRelay_ConsoleAndEventFramesLandInStore(t *testing.T) {
	h := newRelayHarness(t)

	require.NoError(t, h.agent.WriteJSON(map[string]interface{}{
		"type": "console-log", "method": "warn", "payload": []string{"careful"},
		"url": "https://example.com", "timestamp": 1700000000000,
	}))
	require.NoError(t, h.agent.WriteJSON(map[string]interface{}{
		"type": "browser-event", "event": "navigation",
		"url": "https://example.com/next",
	}))

	require.Eventually(t, func() bool {
		return len(h.store.Logs()) == 1 && len(h.store.Events()) == 1
	}, time.Second, 5*time.Millisecond)

	log := h.store.Logs()[0]
	assert.Equal(t, "warn", log.Method)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), log.Timestamp)

	ev := h.store.Events()[0]
	assert.Equal(t, "navigation", ev.Method)
	assert.Equal(t, store.KindEvent, ev.Kind)
}

func TestRelay_CaptureCompletesEitherOrder(t *testing.T) {
	orders := []struct {
		name  string
		first string
	}{
		{"dom then screenshot", "dom"},
		{"screenshot then dom", "screenshot"},
	}

	for _, order := range orders {
		t.Run(order.name, func(t *testing.T) {
			h := newRelayHarness(t)

			session, err := h.relay.BeginCapture("run-" + order.first)
			require.NoError(t, err)

			// The orchestrator asks for both artifacts.
			h.nextFrame(t, "capture-dom")
			h.nextFrame(t, "capture-screenshot")

			domFrame := map[string]interface{}{
				"type": "dom-snapshot", "dom": "<html>captured</html>", "url": "https://example.com",
			}
			shotFrame := map[string]interface{}{
				// Valid base64 for "png-bytes".
				"type": "screenshot", "data": "cG5nLWJ5dGVz",
			}
			if order.first == "dom" {
				require.NoError(t, h.agent.WriteJSON(domFrame))
				require.NoError(t, h.agent.WriteJSON(shotFrame))
			} else {
				require.NoError(t, h.agent.WriteJSON(shotFrame))
				require.NoError(t, h.agent.WriteJSON(domFrame))
			}

			require.NoError(t, h.relay.AwaitCapture(context.Background(), session, time.Second))
			assert.True(t, session.Complete())

			dom, err := os.ReadFile(filepath.Join(session.Dir, "dom.html"))
			require.NoError(t, err)
			assert.Equal(t, "<html>captured</html>", string(dom))

			shot, err := os.ReadFile(filepath.Join(session.Dir, "screenshot.png"))
			require.NoError(t, err)
			assert.Equal(t, "png-bytes", string(shot))

			// Artifacts are also mirrored into the latest-state record.
			assert.Equal(t, "<html>captured</html>", h.store.Latest().DOM)
			assert.Equal(t, "cG5nLWJ5dGVz", h.store.Latest().Screenshot)
		})
	}
}

func TestRelay_CaptureTimeoutKeepsPartialSession(t *testing.T) {
	h := newRelayHarness(t)

	session, err := h.relay.BeginCapture("partial")
	require.NoError(t, err)

	// Only the DOM ever arrives.
	require.NoError(t, h.agent.WriteJSON(map[string]interface{}{
		"type": "dom-snapshot", "dom": "<html>half</html>",
	}))

	err = h.relay.AwaitCapture(context.Background(), session, 150*time.Millisecond)
	assert.ErrorIs(t, err, capture.ErrCaptureTimeout)
	assert.False(t, session.Complete())

	// The partial artifact stays inspectable after the timeout.
	dom, err := os.ReadFile(filepath.Join(session.Dir, "dom.html"))
	require.NoError(t, err)
	assert.Equal(t, "<html>half</html>", string(dom))

	// A late screenshot still lands in the timed-out session's directory.
	require.NoError(t, h.agent.WriteJSON(map[string]interface{}{
		"type": "screenshot", "data": "bGF0ZQ==",
	}))
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(filepath.Join(session.Dir, "screenshot.png"))
		return err == nil && string(b) == "late"
	}, time.Second, 5*time.Millisecond)
}

func TestRelay_HeartbeatResponseAcksLiveness(t *testing.T) {
	h := newRelayHarness(t)

	require.NoError(t, h.agent.WriteJSON(map[string]interface{}{
		"type": "heartbeat-response", "timestamp": time.Now().UnixMilli(),
	}))

	require.Eventually(t, func() bool {
		return h.relay.Liveness() == StateAlive
	}, time.Second, 5*time.Millisecond)
}

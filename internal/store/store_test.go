package store

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/tabrelay/internal/config"
)

func newTestStore(t *testing.T, maxLogs, maxEvents int) *Store {
	t.Helper()
	return New(config.StoreConfig{MaxLogs: maxLogs, MaxEvents: maxEvents}, zaptest.NewLogger(t))
}

func TestStore_AppendEvictsFIFO(t *testing.T) {
	const limit = 10
	const extra = 7
	s := newTestStore(t, limit, limit)

	for i := 0; i < limit+extra; i++ {
		s.Append(Entry{Kind: KindLog, Method: fmt.Sprintf("log-%d", i)})
	}

	logs := s.Logs()
	require.Len(t, logs, limit, "store must never exceed its configured cap")

	// The survivors must be exactly the last `limit` entries, oldest first.
	for i, e := range logs {
		assert.Equal(t, fmt.Sprintf("log-%d", extra+i), e.Method)
	}
}

func TestStore_EventCapIndependent(t *testing.T) {
	s := newTestStore(t, 100, 3)

	for i := 0; i < 5; i++ {
		s.Append(Entry{Kind: KindEvent, Method: fmt.Sprintf("ev-%d", i)})
	}
	s.Append(Entry{Kind: KindLog, Method: "only-log"})

	assert.Len(t, s.Events(), 3)
	assert.Len(t, s.Logs(), 1)
	assert.Equal(t, "ev-2", s.Events()[0].Method)
}

func TestStore_ReadFilters(t *testing.T) {
	s := newTestStore(t, 100, 100)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		method := "log"
		if i%2 == 0 {
			method = "error"
		}
		s.Append(Entry{
			Kind:      KindLog,
			Method:    method,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}
	s.Append(Entry{Kind: KindEvent, Method: "navigation", Timestamp: base.Add(time.Hour)})

	t.Run("by method", func(t *testing.T) {
		out := s.Read(Filter{Kind: KindLog, Method: "error"})
		require.Len(t, out, 5)
		for _, e := range out {
			assert.Equal(t, "error", e.Method)
		}
	})

	t.Run("by min timestamp", func(t *testing.T) {
		out := s.Read(Filter{Kind: KindLog, Since: base.Add(7 * time.Second)})
		assert.Len(t, out, 3)
	})

	t.Run("limit keeps newest, most recent first", func(t *testing.T) {
		out := s.Read(Filter{Kind: KindLog, Limit: 3})
		require.Len(t, out, 3)
		assert.True(t, out[0].Timestamp.After(out[1].Timestamp))
		assert.True(t, out[1].Timestamp.After(out[2].Timestamp))
		assert.Equal(t, base.Add(9*time.Second), out[0].Timestamp)
	})

	t.Run("no kind matches both sequences", func(t *testing.T) {
		out := s.Read(Filter{})
		require.Len(t, out, 11)
		// Merged across kinds, still newest first: the event is the most
		// recent entry despite living in the other sequence.
		assert.Equal(t, "navigation", out[0].Method)
		for i := 1; i < len(out); i++ {
			assert.False(t, out[i-1].Timestamp.Before(out[i].Timestamp))
		}
	})
}

func TestStore_MergedReadOrdersAcrossKinds(t *testing.T) {
	s := newTestStore(t, 100, 100)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s.Append(Entry{Kind: KindEvent, Method: "old-event", Timestamp: base})
	s.Append(Entry{Kind: KindLog, Method: "new-log", Timestamp: base.Add(time.Hour)})

	// The limit must keep the newest entry regardless of which sequence
	// holds it.
	out := s.Read(Filter{Limit: 1})
	require.Len(t, out, 1)
	assert.Equal(t, "new-log", out[0].Method)

	// Entries interleaving across the two kinds come back strictly newest
	// first.
	s.Append(Entry{Kind: KindLog, Method: "mid-log", Timestamp: base.Add(90 * time.Minute)})
	s.Append(Entry{Kind: KindEvent, Method: "newer-event", Timestamp: base.Add(2 * time.Hour)})

	out = s.Read(Filter{})
	require.Len(t, out, 4)
	methods := []string{out[0].Method, out[1].Method, out[2].Method, out[3].Method}
	assert.Equal(t, []string{"newer-event", "mid-log", "new-log", "old-event"}, methods)

	out = s.Read(Filter{Limit: 2})
	require.Len(t, out, 2)
	assert.Equal(t, "newer-event", out[0].Method)
	assert.Equal(t, "mid-log", out[1].Method)
}

func TestStore_EmptyCopiesEncodeAsArrays(t *testing.T) {
	s := newTestStore(t, 10, 10)

	require.NotNil(t, s.Logs())
	require.NotNil(t, s.Events())

	logsJSON, err := json.Marshal(s.Logs())
	require.NoError(t, err)
	assert.Equal(t, "[]", string(logsJSON))

	eventsJSON, err := json.Marshal(s.Events())
	require.NoError(t, err)
	assert.Equal(t, "[]", string(eventsJSON))
}

func TestStore_LatestReplacedWholesale(t *testing.T) {
	s := newTestStore(t, 10, 10)

	ts1 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s.SetDOM("<html>v1</html>", "https://example.com", ts1)

	got := s.Latest()
	assert.Equal(t, "<html>v1</html>", got.DOM)
	assert.Equal(t, "https://example.com", got.URL)
	assert.Equal(t, ts1, got.DOMUpdatedAt)
	assert.Empty(t, got.Screenshot)

	ts2 := ts1.Add(time.Minute)
	s.SetScreenshot("base64data", ts2)

	got = s.Latest()
	// The DOM record is untouched by the screenshot write.
	assert.Equal(t, "<html>v1</html>", got.DOM)
	assert.Equal(t, "base64data", got.Screenshot)
	assert.Equal(t, ts2, got.ScreenshotUpdatedAt)

	// Mutating the returned copy must not leak back into the store.
	got.DOM = "tampered"
	assert.Equal(t, "<html>v1</html>", s.Latest().DOM)
}

func TestStore_DefaultKindAndTimestamp(t *testing.T) {
	s := newTestStore(t, 10, 10)
	s.Append(Entry{Method: "info"})

	logs := s.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, KindLog, logs[0].Kind)
	assert.False(t, logs[0].Timestamp.IsZero())
}

// Package store keeps the bounded console/event history and the mutable
// "latest state" records mirrored from the browser agent. A single dispatch
// loop is the only writer; readers always observe a whole committed record
// because every accessor copies under the lock.
package store

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/tabrelay/internal/config"
)

// Kind distinguishes the two bounded sequences.
type Kind string

const (
	KindLog   Kind = "log"
	KindEvent Kind = "event"
)

// Entry is one ordered, append-only record from the page: a console call or
// a browser event. Payload is opaque to the relay.
type Entry struct {
	Kind      Kind            `json:"kind"`
	Method    string          `json:"method"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	URL       string          `json:"url,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Filter narrows a Read. Zero values match everything.
type Filter struct {
	Kind   Kind
	Method string
	Since  time.Time
	// Limit caps the result count; results are most-recent-first so the
	// limit keeps the newest entries. Zero means no limit.
	Limit int
}

// Latest is the mutable per-artifact-kind record. It is replaced wholesale,
// never patched, so readers cannot see a half-written state.
type Latest struct {
	DOM          string    `json:"dom,omitempty"`
	URL          string    `json:"url,omitempty"`
	DOMUpdatedAt time.Time `json:"dom_updated_at,omitempty"`

	Screenshot          string    `json:"screenshot,omitempty"`
	ScreenshotUpdatedAt time.Time `json:"screenshot_updated_at,omitempty"`
}

// Store owns the log/event sequences and the latest-state record.
type Store struct {
	mu        sync.RWMutex
	logger    *zap.Logger
	maxLogs   int
	maxEvents int
	logs      []Entry
	events    []Entry
	latest    Latest
}

// New creates a store bounded per the configuration.
func New(cfg config.StoreConfig, logger *zap.Logger) *Store {
	return &Store{
		logger:    logger.Named("store"),
		maxLogs:   cfg.MaxLogs,
		maxEvents: cfg.MaxEvents,
	}
}

// Append pushes an entry onto the sequence matching its Kind, evicting the
// oldest entry once the configured cap is exceeded (FIFO).
func (s *Store) Append(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch e.Kind {
	case KindEvent:
		s.events = appendBounded(s.events, e, s.maxEvents)
	default:
		e.Kind = KindLog
		s.logs = appendBounded(s.logs, e, s.maxLogs)
	}
}

func appendBounded(seq []Entry, e Entry, max int) []Entry {
	seq = append(seq, e)
	if len(seq) > max {
		// Shift instead of reslicing so the evicted entry does not pin the
		// backing array forever.
		copy(seq, seq[1:])
		seq = seq[:len(seq)-1]
	}
	return seq
}

// Read returns entries matching the filter, most recent first.
func (s *Store) Read(f Filter) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch f.Kind {
	case KindLog:
		return collectNewestFirst(s.logs, f)
	case KindEvent:
		return collectNewestFirst(s.events, f)
	default:
		return mergeNewestFirst(s.logs, s.events, f)
	}
}

func (f Filter) matches(e Entry) bool {
	if f.Method != "" && e.Method != f.Method {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

func collectNewestFirst(seq []Entry, f Filter) []Entry {
	out := make([]Entry, 0, len(seq))
	for i := len(seq) - 1; i >= 0; i-- {
		if !f.matches(seq[i]) {
			continue
		}
		out = append(out, seq[i])
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// mergeNewestFirst walks both sequences from their newest ends, emitting
// whichever head entry is newer. The sequences interleave in time, so a
// simple concatenation would order one kind wholly before the other and a
// limit would then keep old entries over newer ones.
func mergeNewestFirst(logs, events []Entry, f Filter) []Entry {
	out := make([]Entry, 0, len(logs)+len(events))
	i, j := len(logs)-1, len(events)-1
	for i >= 0 || j >= 0 {
		var e Entry
		if j < 0 || (i >= 0 && !logs[i].Timestamp.Before(events[j].Timestamp)) {
			e = logs[i]
			i--
		} else {
			e = events[j]
			j--
		}
		if !f.matches(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Logs returns a copy of the full log sequence in arrival order. The copy is
// never nil, so boundary responses encode an empty array rather than null.
func (s *Store) Logs() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append(make([]Entry, 0, len(s.logs)), s.logs...)
}

// Events returns a copy of the full event sequence in arrival order. Never
// nil, as with Logs.
func (s *Store) Events() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append(make([]Entry, 0, len(s.events)), s.events...)
}

// SetDOM replaces the latest DOM record.
func (s *Store) SetDOM(dom, url string, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest.DOM = dom
	s.latest.URL = url
	s.latest.DOMUpdatedAt = ts
}

// SetScreenshot replaces the latest screenshot record.
func (s *Store) SetScreenshot(data string, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest.Screenshot = data
	s.latest.ScreenshotUpdatedAt = ts
}

// Latest returns a copy of the current latest-state record.
func (s *Store) Latest() Latest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

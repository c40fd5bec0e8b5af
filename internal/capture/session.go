// File: internal/capture/session.go
package capture

import (
	"strings"
	"sync"
	"time"
)

// ArtifactKind names one unit of captured data within a session.
type ArtifactKind string

const (
	ArtifactDOM        ArtifactKind = "dom"
	ArtifactScreenshot ArtifactKind = "screenshot"
	ArtifactConsole    ArtifactKind = "console"
	ArtifactEvents     ArtifactKind = "events"
)

// requiredArtifacts must all be present for a session to complete. Console
// and event mirrors are best-effort copies taken at completion time and
// never block it.
var requiredArtifacts = []ArtifactKind{ArtifactDOM, ArtifactScreenshot}

// Session is one multi-part capture, in flight or completed. DOM and
// screenshot arrive as independent, unordered messages; the session's only
// job is recognizing "all required parts arrived" without assuming an order.
// Once complete it is immutable.
type Session struct {
	Name    string
	Dir     string
	Created time.Time

	mu        sync.Mutex
	artifacts map[ArtifactKind]time.Time
	complete  bool
	done      chan struct{}
}

func newSession(name, dir string) *Session {
	return &Session{
		Name:      name,
		Dir:       dir,
		Created:   time.Now().UTC(),
		artifacts: make(map[ArtifactKind]time.Time),
		done:      make(chan struct{}),
	}
}

// DefaultName derives a filesystem-safe session name from the wall clock:
// an RFC3339 timestamp with ":" and "." replaced.
func DefaultName(t time.Time) string {
	return strings.NewReplacer(":", "-", ".", "-").Replace(t.UTC().Format(time.RFC3339))
}

// record marks an artifact as received. Reports whether this delivery made
// the session complete; a session already complete ignores the delivery.
func (s *Session) record(kind ArtifactKind, ts time.Time) (became bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.complete {
		return false
	}
	s.artifacts[kind] = ts

	for _, req := range requiredArtifacts {
		if _, ok := s.artifacts[req]; !ok {
			return false
		}
	}
	s.complete = true
	return true
}

// noteMirror records a best-effort mirror artifact. Unlike record it is
// allowed after the required set is complete, because mirrors are written as
// part of completion itself.
func (s *Session) noteMirror(kind ArtifactKind, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[kind] = ts
}

// finish closes the completion channel. Called exactly once, by the delivery
// that completed the session, after the best-effort mirrors are written.
func (s *Session) finish() {
	close(s.done)
}

// Complete reports whether all required artifacts have been received.
func (s *Session) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.complete
}

// Done is closed once the session is complete.
func (s *Session) Done() <-chan struct{} { return s.done }

// Artifacts returns the kinds received so far and their delivery times.
func (s *Session) Artifacts() map[ArtifactKind]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[ArtifactKind]time.Time, len(s.artifacts))
	for k, v := range s.artifacts {
		out[k] = v
	}
	return out
}

// Record is the externally visible snapshot of a session.
type Record struct {
	Name      string                     `json:"name"`
	Dir       string                     `json:"dir"`
	Created   time.Time                  `json:"created"`
	Complete  bool                       `json:"complete"`
	Artifacts map[ArtifactKind]time.Time `json:"artifacts"`
}

// Snapshot returns the session's current state as a Record.
func (s *Session) Snapshot() Record {
	return Record{
		Name:      s.Name,
		Dir:       s.Dir,
		Created:   s.Created,
		Complete:  s.Complete(),
		Artifacts: s.Artifacts(),
	}
}

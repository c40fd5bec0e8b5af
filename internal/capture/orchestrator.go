// Package capture orchestrates multi-part tab captures: a DOM snapshot and a
// screenshot (plus best-effort console/event mirrors) collected into one
// named, directory-scoped session record.
package capture

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/tabrelay/api/schemas"
	"github.com/xkilldash9x/tabrelay/internal/config"
	"github.com/xkilldash9x/tabrelay/internal/store"
)

// ErrCaptureTimeout is returned when a session fails to complete before the
// await deadline. The session itself is kept: partially captured artifacts
// stay inspectable, and late arrivals still land in its directory.
var ErrCaptureTimeout = errors.New("capture timed out")

// SendFunc delivers an outbound frame to the agent.
type SendFunc func(msg interface{}) error

// Orchestrator owns at most one live capture session. Artifact deliveries
// are written both into the current session and into the latest-state
// records, so callers that never start a capture still see fresh state.
type Orchestrator struct {
	logger *zap.Logger
	cfg    config.CaptureConfig
	store  *store.Store
	send   SendFunc

	mu      sync.Mutex
	current *Session
}

// NewOrchestrator creates a capture orchestrator persisting under
// cfg.BaseDir and triggering captures through send.
func NewOrchestrator(cfg config.CaptureConfig, st *store.Store, send SendFunc, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		logger: logger.Named("capture"),
		cfg:    cfg,
		store:  st,
		send:   send,
	}
}

// Begin starts a new capture session, superseding any prior one. A prior
// session that never completed is discarded as a routing target; its
// directory stays on disk. Capture triggers are sent best-effort: a session
// is created even while disconnected, and simply times out if nothing
// arrives.
func (o *Orchestrator) Begin(name string) (*Session, error) {
	if name == "" {
		name = DefaultName(time.Now())
	} else {
		name = sanitizeName(name)
	}

	dir := filepath.Join(o.cfg.BaseDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}

	s := newSession(name, dir)

	o.mu.Lock()
	prior := o.current
	o.current = s
	o.mu.Unlock()

	if prior != nil && !prior.Complete() {
		o.logger.Warn("Discarding incomplete capture session",
			zap.String("session", prior.Name))
	}
	o.logger.Info("Capture session started",
		zap.String("session", name), zap.String("dir", dir))

	for _, t := range []schemas.MessageType{schemas.MsgCaptureDOM, schemas.MsgCaptureScreenshot} {
		if err := o.send(schemas.CaptureTrigger{Type: t}); err != nil {
			o.logger.Warn("Failed to send capture trigger",
				zap.String("trigger", string(t)), zap.Error(err))
		}
	}

	return s, nil
}

// Current returns the session artifacts currently route to, or nil.
func (o *Orchestrator) Current() *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Await blocks until the session completes or the timeout elapses. On
// timeout it fails with ErrCaptureTimeout; the session is not torn down and
// remains the routing target until a new Begin.
func (o *Orchestrator) Await(ctx context.Context, s *Session, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = o.cfg.AwaitTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.Done():
		return nil
	case <-timer.C:
		o.logger.Warn("Capture session did not complete in time",
			zap.String("session", s.Name), zap.Duration("timeout", timeout))
		return ErrCaptureTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeliverDOM routes an inbound DOM snapshot: mirrored into the latest-state
// record unconditionally, and attached to the current session if one exists.
func (o *Orchestrator) DeliverDOM(dom, url string, ts time.Time) {
	o.store.SetDOM(dom, url, ts)

	s := o.Current()
	if s == nil || s.Complete() {
		return
	}
	if err := writeFileAtomic(s.Dir, "dom.html", []byte(dom)); err != nil {
		o.logger.Error("Failed to persist DOM artifact",
			zap.String("session", s.Name), zap.Error(err))
		return
	}
	o.attach(s, ArtifactDOM, ts)
}

// DeliverScreenshot routes an inbound screenshot. Payloads arrive either as
// raw base64 or as a data URL; both decode to the same PNG bytes.
func (o *Orchestrator) DeliverScreenshot(data string, ts time.Time) {
	o.store.SetScreenshot(data, ts)

	s := o.Current()
	if s == nil || s.Complete() {
		return
	}
	img, err := decodeImagePayload(data)
	if err != nil {
		o.logger.Error("Failed to decode screenshot payload",
			zap.String("session", s.Name), zap.Error(err))
		return
	}
	if err := writeFileAtomic(s.Dir, "screenshot.png", img); err != nil {
		o.logger.Error("Failed to persist screenshot artifact",
			zap.String("session", s.Name), zap.Error(err))
		return
	}
	o.attach(s, ArtifactScreenshot, ts)
}

// attach records the artifact on the session and, when this delivery was the
// one that completed it, snapshots the console/event mirrors and signals
// completion.
func (o *Orchestrator) attach(s *Session, kind ArtifactKind, ts time.Time) {
	o.logger.Debug("Capture artifact received",
		zap.String("session", s.Name), zap.String("kind", string(kind)))

	if !s.record(kind, ts) {
		return
	}

	// Best effort: missing or unwritable mirrors never block completion.
	o.mirrorEntries(s, "console.json", o.store.Logs())
	o.mirrorEntries(s, "events.json", o.store.Events())
	s.finish()

	o.logger.Info("Capture session complete", zap.String("session", s.Name))
}

func (o *Orchestrator) mirrorEntries(s *Session, filename string, entries []store.Entry) {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		o.logger.Warn("Failed to marshal capture mirror",
			zap.String("session", s.Name), zap.String("file", filename), zap.Error(err))
		return
	}
	if err := writeFileAtomic(s.Dir, filename, data); err != nil {
		o.logger.Warn("Failed to write capture mirror",
			zap.String("session", s.Name), zap.String("file", filename), zap.Error(err))
		return
	}
	s.noteMirror(artifactForMirror(filename), time.Now().UTC())
}

func artifactForMirror(filename string) ArtifactKind {
	if filename == "events.json" {
		return ArtifactEvents
	}
	return ArtifactConsole
}

// decodeImagePayload accepts raw base64 or "data:image/...;base64," data
// URLs, which is what the different browser capture APIs actually emit.
func decodeImagePayload(data string) ([]byte, error) {
	if idx := strings.Index(data, "base64,"); idx >= 0 {
		data = data[idx+len("base64,"):]
	}
	return base64.StdEncoding.DecodeString(data)
}

// writeFileAtomic replaces dir/name by writing a temp file and renaming it,
// so readers never observe a partially written artifact.
func writeFileAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, filepath.Join(dir, name))
}

// sanitizeName keeps caller-supplied session names inside the capture root.
func sanitizeName(name string) string {
	name = filepath.Base(filepath.Clean(name))
	if name == "." || name == string(filepath.Separator) || name == ".." {
		return DefaultName(time.Now())
	}
	return name
}

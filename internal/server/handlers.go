// File: internal/server/handlers.go
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/tabrelay/internal/capture"
	"github.com/xkilldash9x/tabrelay/internal/relay"
	"github.com/xkilldash9x/tabrelay/internal/store"
)

// commandRequest is the boundary shape for submitting an agent command.
type commandRequest struct {
	Action    string                 `json:"action"`
	Params    map[string]interface{} `json:"params,omitempty"`
	TimeoutMs int64                  `json:"timeout_ms,omitempty"`
}

type commandResponse struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type beginCaptureRequest struct {
	Name string `json:"name,omitempty"`
}

type errorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error())
		return
	}
	if req.Action == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "action is required")
		return
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	res, err := s.relay.SubmitCommand(r.Context(), req.Action, req.Params, timeout)
	switch {
	case errors.Is(err, relay.ErrNotConnected):
		writeError(w, http.StatusServiceUnavailable, "not_connected", "no agent connection")
		return
	case errors.Is(err, relay.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, "timeout", "command timed out")
		return
	case err != nil:
		s.logger.Error("Command submission failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, commandResponse{
		Success: res.Success,
		Result:  res.Payload,
		Error:   res.Err,
	})
}

func (s *Server) handleBeginCapture(w http.ResponseWriter, r *http.Request) {
	var req beginCaptureRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error())
			return
		}
	}

	session, err := s.relay.BeginCapture(req.Name)
	if err != nil {
		s.logger.Error("Failed to begin capture", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, session.Snapshot())
}

func (s *Server) handleAwaitCapture(w http.ResponseWriter, r *http.Request) {
	session := s.relay.CurrentCapture()
	if session == nil {
		writeError(w, http.StatusNotFound, "no_capture", "no capture session in flight")
		return
	}

	timeout := time.Duration(queryInt(r, "timeout_ms")) * time.Millisecond
	err := s.relay.AwaitCapture(r.Context(), session, timeout)
	switch {
	case errors.Is(err, capture.ErrCaptureTimeout):
		// The partial record stays inspectable; return it alongside the
		// timeout so the caller can see what did arrive.
		writeJSON(w, http.StatusGatewayTimeout, session.Snapshot())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, session.Snapshot())
}

// stateResponse is the "latest state" record: what the page looks like right
// now, independent of any capture session.
type stateResponse struct {
	Connected bool          `json:"connected"`
	Latest    store.Latest  `json:"latest"`
	Logs      []store.Entry `json:"logs"`
	Events    []store.Entry `json:"events"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, stateResponse{
		Connected: s.relay.Connected(),
		Latest:    s.store.Latest(),
		Logs:      s.store.Logs(),
		Events:    s.store.Events(),
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	f := store.Filter{
		Kind:   store.Kind(r.URL.Query().Get("kind")),
		Method: r.URL.Query().Get("method"),
		Limit:  int(queryInt(r, "limit")),
	}
	if since := queryInt(r, "since"); since > 0 {
		f.Since = time.UnixMilli(since).UTC()
	}
	writeJSON(w, http.StatusOK, s.store.Read(f))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"connected": s.relay.Connected(),
		"liveness":  s.relay.Liveness(),
	})
}

func queryInt(r *http.Request, key string) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorResponse{Kind: kind, Message: message})
}

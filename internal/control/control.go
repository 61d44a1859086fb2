// Package control exposes the runtime's thin HTTP control surface: the
// handful of POST endpoints that trigger a lifecycle procedure or a
// board/gear-state reset, plus a status GET. Routing follows the
// gorilla/mux `NewRouter()` + `HandleFunc(...).Methods(...)` style.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"artifactsbot/internal/apierr"
	"artifactsbot/internal/runtimemgr"
)

// Runtime is the narrow lifecycle surface the control handlers drive.
type Runtime interface {
	Start(ctx context.Context, run runtimemgr.RunDescriptor) error
	Stop(ctx context.Context, gracefulTimeoutMs int64) error
	ReloadConfig(cfg any) error
	Restart(ctx context.Context, gracefulTimeoutMs int64, run runtimemgr.RunDescriptor) error
	GetStatus() runtimemgr.Status
}

// Server wires the control endpoints onto a *mux.Router.
type Server struct {
	Runtime Runtime
	// RestartRun is reused verbatim as the RunDescriptor for a restart, and
	// ReloadConfig is handed the request body as DecodeConfig decoded it.
	RestartRun runtimemgr.RunDescriptor
	// ClearOrderBoard and ClearGearState implement the two reset endpoints;
	// the rest of the lifecycle is covered by Runtime.
	ClearOrderBoard func(reason string)
	ClearGearState  func() error
	// DecodeConfig unmarshals a reload-config request body into the typed
	// config the caller's ReloadConfig expects; nil means the body is not
	// read at all and ReloadConfig is called with a nil config.
	DecodeConfig func(body []byte) (any, error)
	GracefulTimeoutMs int64
	Log               *zap.Logger

	router *mux.Router
}

func (s *Server) log() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

// Router builds (once) and returns the *mux.Router with every control
// route registered.
func (s *Server) Router() *mux.Router {
	if s.router != nil {
		return s.router
	}
	r := mux.NewRouter()
	r.HandleFunc("/api/control/reload-config", s.handleReloadConfig).Methods(http.MethodPost)
	r.HandleFunc("/api/control/restart", s.handleRestart).Methods(http.MethodPost)
	r.HandleFunc("/api/control/clear-order-board", s.handleClearOrderBoard).Methods(http.MethodPost)
	r.HandleFunc("/api/control/clear-gear-state", s.handleClearGearState).Methods(http.MethodPost)
	r.HandleFunc("/api/control/status", s.handleStatus).Methods(http.MethodGet)
	s.router = r
	return r
}

type statusResponse struct {
	State     runtimemgr.LifecycleState `json:"state"`
	Runtime   runtimeBlock               `json:"runtime"`
	Operation *operationBlock             `json:"operation"`
	UpdatedAtMs int64                     `json:"updatedAtMs"`
}

type runtimeBlock struct {
	Active bool `json:"active"`
}

type operationBlock struct {
	Name        string `json:"name"`
	StartedAtMs int64  `json:"startedAtMs"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"traceId"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	data, _ := json.Marshal(body)
	w.Write(data)
}

// writeError maps an operation-lock conflict to 409 operation_conflict;
// every other error maps to 500 internal.
func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	traceID := uuid.NewString()
	if errors.Is(err, apierr.ErrOperationConflict) {
		log.Warn("control operation rejected: conflict", zap.String("traceId", traceID))
		writeJSON(w, http.StatusConflict, errorResponse{Code: "operation_conflict", Message: err.Error(), TraceID: traceID})
		return
	}
	log.Error("control operation failed", zap.String("traceId", traceID), zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, errorResponse{Code: "internal", Message: err.Error(), TraceID: traceID})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.Runtime.GetStatus()
	resp := statusResponse{
		State:       status.State,
		Runtime:     runtimeBlock{Active: status.RuntimeActive},
		UpdatedAtMs: status.UpdatedAtMs,
	}
	if status.Operation != nil {
		resp.Operation = &operationBlock{Name: status.Operation.Name, StartedAtMs: status.Operation.StartedAtMs}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReloadConfig(w http.ResponseWriter, r *http.Request) {
	var cfg any
	if s.DecodeConfig != nil {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, s.log(), err)
			return
		}
		cfg, err = s.DecodeConfig(body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Code: "invalid_argument", Message: err.Error(), TraceID: uuid.NewString()})
			return
		}
	}
	if err := s.Runtime.ReloadConfig(cfg); err != nil {
		writeError(w, s.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.Runtime.Restart(r.Context(), s.GracefulTimeoutMs, s.RestartRun); err != nil {
		writeError(w, s.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleClearOrderBoard(w http.ResponseWriter, r *http.Request) {
	if s.ClearOrderBoard == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "noop"})
		return
	}
	s.ClearOrderBoard("manual_clear")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleClearGearState(w http.ResponseWriter, r *http.Request) {
	if s.ClearGearState == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "noop"})
		return
	}
	if err := s.ClearGearState(); err != nil {
		writeError(w, s.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

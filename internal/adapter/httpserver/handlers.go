package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/waflow/antiban-dispatcher/internal/adapter/kv"
	"github.com/waflow/antiban-dispatcher/internal/config"
	"github.com/waflow/antiban-dispatcher/internal/dispatch"
	"github.com/waflow/antiban-dispatcher/internal/domain"
	"github.com/waflow/antiban-dispatcher/internal/pacer"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Dispatcher *dispatch.Dispatcher
	Store      *kv.Store

	KVCheck           func(ctx context.Context) error
	OrchestratorCheck func(ctx context.Context) error
}

// NewServer constructs the control API server.
func NewServer(cfg config.Config, d *dispatch.Dispatcher, store *kv.Store, kvCheck, orchCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Dispatcher: d, Store: store, KVCheck: kvCheck, OrchestratorCheck: orchCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// HealthHandler reports loop liveness and process counters.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeOK(w, map[string]any{
			"running": s.Dispatcher.Running(),
			"stats":   s.Dispatcher.Stats(),
		})
	}
}

// StartHandler starts the routing loop, the consumers and SmartGuard.
func (s *Server) StartHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		s.Dispatcher.Start()
		writeOK(w, map[string]any{"running": true})
	}
}

// StopHandler stops every loop and waits for them to drain.
func (s *Server) StopHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		s.Dispatcher.Stop()
		writeOK(w, map[string]any{"running": false})
	}
}

// QueueStatusHandler reads the top-level queue depths.
func (s *Server) QueueStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		qs, err := s.Store.QueueLengths(r.Context())
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInternal, err))
			return
		}
		writeOK(w, map[string]any{"queues": qs})
	}
}

// PacersHandler lists the live pacer stats.
func (s *Server) PacersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeOK(w, map[string]any{"pacers": s.Dispatcher.Pacers().AllStats()})
	}
}

type pacerUpdateReq struct {
	MinDelayMs      int  `json:"minDelayMs" validate:"omitempty,min=0"`
	MaxDelayMs      int  `json:"maxDelayMs" validate:"omitempty,min=0"`
	BurstLimit      int  `json:"burstLimit" validate:"omitempty,min=1"`
	BurstCooldownMs int  `json:"burstCooldownMs" validate:"omitempty,min=0"`
	RPM             *int `json:"rpm" validate:"omitempty,min=0"`
}

// UpdatePacerHandler live-mutates one session's pacer. The pacer is
// created on demand so pacing survives a consumer restart. An omitted rpm
// leaves the mode unchanged; rpm 0 reverts to pure delay mode.
func (s *Server) UpdatePacerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "sessionId")
		var req pacerUpdateReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: decode body: %v", domain.ErrInvalidArgument, err))
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err))
			return
		}

		p := s.Dispatcher.Pacers().Get(sessionID)
		p.UpdateConfig(pacer.Config{
			MinDelayMs:      req.MinDelayMs,
			MaxDelayMs:      req.MaxDelayMs,
			BurstLimit:      req.BurstLimit,
			BurstCooldownMs: req.BurstCooldownMs,
		})
		if req.RPM != nil {
			if *req.RPM == 0 {
				p.ClearRPM()
			} else if err := p.SetRPM(float64(*req.RPM)); err != nil {
				writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err))
				return
			}
		}
		writeOK(w, map[string]any{"pacer": p.Stats()})
	}
}

type sessionRPMReq struct {
	RPM *int `json:"rpm" validate:"omitempty,oneof=2 3 5 10 15 20"`
}

// SessionRPMHandler sets or clears the persisted per-session RPM override
// and re-paces the live pacer immediately. A null rpm clears the override.
func (s *Server) SessionRPMHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "sessionId")
		var req sessionRPMReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: decode body: %v", domain.ErrInvalidArgument, err))
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: rpm must be one of 2,3,5,10,15,20 or null", domain.ErrInvalidArgument))
			return
		}
		if err := s.Dispatcher.ApplySessionRPM(r.Context(), sessionID, req.RPM); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInternal, err))
			return
		}
		writeOK(w, map[string]any{"sessionId": sessionID, "rpm": req.RPM})
	}
}

// SessionMetricsHandler reports the per-session rolling metrics view.
func (s *Server) SessionMetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := s.Dispatcher.SessionMetrics(r.Context())
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInternal, err))
			return
		}
		writeOK(w, map[string]any{"sessions": rows})
	}
}

// GuardStatusHandler reports the SmartGuard flag and timestamps.
func (s *Server) GuardStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := s.Dispatcher.GuardStatus(r.Context())
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInternal, err))
			return
		}
		writeOK(w, map[string]any{
			"enabled":      st.Enabled,
			"tickMs":       st.TickMs,
			"lastTick":     st.LastTick,
			"lastActionAt": st.LastActionAt,
		})
	}
}

type guardEnableReq struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

// GuardEnableHandler persists the SmartGuard toggle.
func (s *Server) GuardEnableHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req guardEnableReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: decode body: %v", domain.ErrInvalidArgument, err))
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: enabled is required", domain.ErrInvalidArgument))
			return
		}
		if err := s.Dispatcher.SetGuardEnabled(r.Context(), *req.Enabled); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInternal, err))
			return
		}
		writeOK(w, map[string]any{"enabled": *req.Enabled})
	}
}

// ReadyzHandler verifies the KV connections; the orchestrator check is
// best effort and only logged.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.KVCheck != nil {
			if err := s.KVCheck(r.Context()); err != nil {
				writeError(w, r, fmt.Errorf("%w: kv: %v", domain.ErrInternal, err))
				return
			}
		}
		if s.OrchestratorCheck != nil {
			if err := s.OrchestratorCheck(r.Context()); err != nil {
				LoggerFrom(r).Warn("orchestrator readiness check failed", "error", err)
			}
		}
		writeOK(w, nil)
	}
}

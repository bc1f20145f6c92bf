package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/seta-lab/seta/internal/biz/domain"
	"github.com/seta-lab/seta/internal/biz/repo"
	"github.com/seta-lab/seta/internal/biz/usecase"
	"github.com/seta-lab/seta/internal/service"
)

const maxBodyBytes = 64 * 1024

// Pinger is a backend checked by /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the operational HTTP surface: health, metrics, message
// ingestion, answer streaming, user settings and a synchronous filter
// debugger.
type Server struct {
	filterUC  *usecase.FilterUsecase
	publisher repo.Publisher // nil disables ingestion
	stream    *StreamHub     // nil disables streaming
	settings  repo.SettingRepo
	checks    map[string]Pinger
	log       zerolog.Logger

	server *http.Server
	addr   string
}

// NewServer creates a new API server
func NewServer(filterUC *usecase.FilterUsecase, publisher repo.Publisher, settings repo.SettingRepo, addr string, log zerolog.Logger) *Server {
	return &Server{
		filterUC:  filterUC,
		publisher: publisher,
		settings:  settings,
		checks:    make(map[string]Pinger),
		log:       log.With().Str("component", "API").Logger(),
		addr:      addr,
	}
}

// AddCheck registers a backend for /healthz
func (s *Server) AddCheck(name string, p Pinger) {
	s.checks[name] = p
}

// SetStream enables GET /v1/rooms/{id}/stream. The caller runs the hub.
func (s *Server) SetStream(hub *StreamHub) {
	s.stream = hub
}

// Router builds the route table
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	// Streams outlive the request timeout; they end on their own idle timer.
	r.Get("/v1/rooms/{id}/stream", s.handleStream)

	r.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(30 * time.Second))

		r.Get("/healthz", s.handleHealth)
		r.Handle("/metrics", promhttp.Handler())

		r.Post("/debug/filter", s.handleDebugFilter)
		r.Post("/v1/messages", s.handleSubmit)
		r.Get("/v1/users/{id}/setting", s.handleGetSetting)
		r.Put("/v1/users/{id}/setting", s.handlePutSetting)
	})
	return r
}

// Start serves until Stop; it returns http.ErrServerClosed after Stop
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.Info().Str("addr", s.addr).Msg("HTTP server listening")
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{}
	healthy := true
	for name, p := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		if err := p.Ping(ctx); err != nil {
			status[name] = err.Error()
			healthy = false
		} else {
			status[name] = "ok"
		}
		cancel()
	}
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSONStatus(w, code, map[string]any{"healthy": healthy, "checks": status})
}

// DebugFilterRequest is the body of POST /debug/filter
type DebugFilterRequest struct {
	Text string `json:"text"`
	Tone string `json:"tone"`
}

func (s *Server) handleDebugFilter(w http.ResponseWriter, r *http.Request) {
	var req DebugFilterRequest
	if err := s.readJSON(w, r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.writeBadRequest(w, errors.New("text is required"))
		return
	}
	ev, err := s.filterUC.Evaluate(r.Context(), req.Text, domain.ParseTone(req.Tone))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, ev)
}

// SubmitRequest is the body of POST /v1/messages
type SubmitRequest struct {
	RoomID    string `json:"room_id"`
	UserID    string `json:"user_id"`
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
	Tone      string `json:"tone"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.publisher == nil {
		s.writeJSONStatus(w, http.StatusServiceUnavailable, map[string]string{"error": "ingestion disabled"})
		return
	}
	var req SubmitRequest
	if err := s.readJSON(w, r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	msg, err := service.Submit(r.Context(), s.publisher, domain.Message{
		RoomID:    req.RoomID,
		UserID:    req.UserID,
		MessageID: req.MessageID,
		RawText:   req.Text,
		Tone:      domain.ParseTone(req.Tone),
	})
	if errors.Is(err, domain.ErrMalformedEvent) {
		s.writeBadRequest(w, err)
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSONStatus(w, http.StatusAccepted, map[string]string{
		"trace_id":   msg.TraceID,
		"message_id": msg.MessageID,
	})
}

// SettingBody is the JSON shape of a user setting
type SettingBody struct {
	CallMe            string   `json:"call_me"`
	RoleDescription   string   `json:"role_description"`
	PreferredTone     string   `json:"preferred_tone"`
	Traits            []string `json:"traits"`
	AdditionalContext string   `json:"additional_context"`
}

func (s *Server) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	st, err := s.settings.GetSetting(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if st == nil {
		s.writeJSONStatus(w, http.StatusNotFound, map[string]string{"error": "no setting"})
		return
	}
	s.writeJSON(w, SettingBody{
		CallMe:            st.CallMe,
		RoleDescription:   st.RoleDescription,
		PreferredTone:     string(st.PreferredTone),
		Traits:            st.Traits,
		AdditionalContext: st.AdditionalContext,
	})
}

func (s *Server) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	var body SettingBody
	if err := s.readJSON(w, r, &body); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	st := &domain.UserSetting{
		UserID:            chi.URLParam(r, "id"),
		CallMe:            body.CallMe,
		RoleDescription:   body.RoleDescription,
		PreferredTone:     domain.ParseTone(body.PreferredTone),
		Traits:            body.Traits,
		AdditionalContext: body.AdditionalContext,
	}
	if err := s.settings.SaveSetting(r.Context(), st); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	s.writeJSONStatus(w, http.StatusOK, data)
}

func (s *Server) writeJSONStatus(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeBadRequest(w http.ResponseWriter, err error) {
	s.writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.log.Error().Err(err).Msg("Request failed")
	s.writeJSONStatus(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

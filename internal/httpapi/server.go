package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/stupiduntilnot/localchat/internal/model"
	"github.com/stupiduntilnot/localchat/internal/observability"
)

var errEmptyBody = errors.New("request body is empty")

// Orchestrator is the conversation boundary exposed over HTTP.
type Orchestrator interface {
	HandleTurn(ctx context.Context, utterance string, history []model.Message, temperature float64) []model.Message
	LoadDisplayHistory(ctx context.Context, limit int) []model.Message
	ClearAllHistory(ctx context.Context) []model.Message
	ResetDisplay(ctx context.Context) []model.Message
}

// Server is the JSON API in front of an Orchestrator.
type Server struct {
	orchestrator       Orchestrator
	metrics            *observability.Metrics
	logger             zerolog.Logger
	defaultTemperature float64
	startedAt          time.Time
}

func New(orchestrator Orchestrator, metrics *observability.Metrics, logger zerolog.Logger, defaultTemperature float64) *Server {
	return &Server{
		orchestrator:       orchestrator,
		metrics:            metrics,
		logger:             logger,
		defaultTemperature: defaultTemperature,
		startedAt:          time.Now(),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Post("/v1/turns", s.handleTurn)
	r.Get("/v1/history", s.handleHistory)
	r.Delete("/v1/history", s.handleClearHistory)
	r.Post("/v1/display/reset", s.handleResetDisplay)
	return r
}

type turnRequest struct {
	Utterance   string          `json:"utterance"`
	History     []model.Message `json:"history"`
	Temperature *float64        `json:"temperature,omitempty"`
}

type historyResponse struct {
	History []model.Message `json:"history"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Utterance) == "" {
		respondError(w, http.StatusBadRequest, "empty_utterance", "utterance must not be empty")
		return
	}
	for i, m := range req.History {
		if !m.Role.Valid() {
			respondError(w, http.StatusBadRequest, "invalid_role", "history["+strconv.Itoa(i)+"].role must be user or assistant")
			return
		}
	}
	temperature := s.defaultTemperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	if req.History == nil {
		req.History = []model.Message{}
	}
	respondJSON(w, http.StatusOK, historyResponse{
		History: s.orchestrator.HandleTurn(r.Context(), req.Utterance, req.History, temperature),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	respondJSON(w, http.StatusOK, historyResponse{History: s.orchestrator.LoadDisplayHistory(r.Context(), limit)})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, historyResponse{History: s.orchestrator.ClearAllHistory(r.Context())})
}

func (s *Server) handleResetDisplay(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, historyResponse{History: s.orchestrator.ResetDisplay(r.Context())})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Int("status", ww.Status()).
			Int64("latency_ms", time.Since(start).Milliseconds()).
			Msg("http request")
	})
}

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

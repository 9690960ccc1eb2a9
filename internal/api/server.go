// Package api exposes the HTTP interface for the image scraper service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-image-scraper/internal/config"
	"github.com/JakeFAU/realtime-image-scraper/internal/id/uuid"
	"github.com/JakeFAU/realtime-image-scraper/internal/images"
	"github.com/JakeFAU/realtime-image-scraper/internal/metrics"
	"github.com/JakeFAU/realtime-image-scraper/internal/orchestrator"
)

const (
	noMoreImagesMessage = "No more images to process"
	readyTimeout        = 2 * time.Second
)

// Servicer runs one serve cycle.
type Servicer interface {
	Serve(ctx context.Context, req orchestrator.Request) (orchestrator.Result, error)
}

// Pinger reports whether a downstream dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers to the orchestrator and store.
type Server struct {
	router chi.Router
	orch   Servicer
	ready  Pinger
	ids    *uuid.Generator
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes. ready may be nil,
// in which case /readyz always reports ready.
func NewServer(orch Servicer, ready Pinger, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		orch:   orch,
		ready:  ready,
		ids:    uuid.New(),
		cfg:    cfg,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))
	r.Use(metrics.Middleware)

	r.Get("/health", s.health)
	r.Get("/healthz", s.health)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		if d := cfg.RequestTimeout(); d > 0 {
			r.Use(timeoutMiddleware(d))
		}
		r.Post("/scrape-images", s.scrapeImages)
		r.Post("/scrape-images/", s.scrapeImages)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready == nil {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if err := s.ready.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"detail": err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type scrapeRequest struct {
	Keyword string `json:"keyword"`
	Profile string `json:"profile"`
	MaxSave *int   `json:"max_save"`
}

type scrapeResponse struct {
	Status        string   `json:"status"`
	Message       string   `json:"message,omitempty"`
	Keyword       string   `json:"keyword,omitempty"`
	SavedCount    *int     `json:"saved_count,omitempty"`
	SavedURLs     []string `json:"saved_urls"`
	RemainingURLs []string `json:"remaining_urls"`
}

func (s *Server) scrapeImages(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	maxSave, err := s.validate(req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.orch.Serve(r.Context(), orchestrator.Request{
		Keyword: req.Keyword,
		Profile: strings.TrimSpace(req.Profile),
		MaxSave: maxSave,
	})
	if err != nil {
		if errors.Is(err, images.ErrInvalidRequest) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if errors.Is(err, images.ErrConflict) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("scrape request failed",
			zap.String("keyword", req.Keyword),
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.Error(err),
		)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if len(result.Picked) == 0 {
		s.writeJSON(w, http.StatusOK, scrapeResponse{
			Status:        "success",
			Message:       noMoreImagesMessage,
			SavedURLs:     []string{},
			RemainingURLs: []string{},
		})
		return
	}
	saved := nonNil(result.SavedURLs)
	count := len(saved)
	s.writeJSON(w, http.StatusOK, scrapeResponse{
		Status:        "success",
		Keyword:       req.Keyword,
		SavedCount:    &count,
		SavedURLs:     saved,
		RemainingURLs: nonNil(result.Remaining),
	})
}

func (s *Server) validate(req scrapeRequest) (int, error) {
	if strings.TrimSpace(req.Keyword) == "" {
		return 0, errors.New("keyword is required")
	}
	if strings.TrimSpace(req.Profile) == "" {
		return 0, errors.New("profile is required")
	}
	maxSave := s.cfg.API.DefaultMaxSave
	if req.MaxSave != nil {
		maxSave = *req.MaxSave
	}
	if maxSave < 0 {
		return 0, errors.New("max_save must not be negative")
	}
	if s.cfg.API.MaxSaveLimit > 0 && maxSave > s.cfg.API.MaxSaveLimit {
		return 0, fmt.Errorf("max_save must not exceed %d", s.cfg.API.MaxSaveLimit)
	}
	return maxSave, nil
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = s.ids.NewRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("request_id", requestIDFrom(r.Context())),
				)
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"detail":"request timed out"}`)
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeJSONTo(w, http.StatusForbidden, map[string]string{"detail": "unauthorized"}, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSONTo(w, status, payload, s.logger)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"detail": msg})
}

func writeJSONTo(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && logger != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

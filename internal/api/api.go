// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package api exposes the controls of a tracking session over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wneessen/geotrack/internal/geofence"
	"github.com/wneessen/geotrack/internal/history"
	"github.com/wneessen/geotrack/internal/location"
	"github.com/wneessen/geotrack/internal/logger"
	"github.com/wneessen/geotrack/internal/settings"
	"github.com/wneessen/geotrack/internal/tracker"
)

const (
	readHeaderTimeout = time.Second * 5
	maxBodyBytes      = 1 << 16
)

// Session is the tracking session controlled by the API.
type Session interface {
	State() tracker.State
	Current() (location.Sample, bool)
	StartTracking(ctx context.Context) bool
	StopTracking(ctx context.Context)
	History(limit int) []location.Sample
	Settings() settings.TrackingSettings
	Configure(ctx context.Context, patch settings.Patch) error
	Geofences() []geofence.Geofence
	AddGeofence(ctx context.Context, spec geofence.Spec) (string, error)
	RemoveGeofence(ctx context.Context, id string) bool
	UpdateStatus(ctx context.Context, status location.Status) error
}

type TrackingResponse struct {
	State    tracker.State    `json:"state"`
	Location *location.Sample `json:"location,omitempty"`
}

type StatusRequest struct {
	Status *location.Status `json:"status"`
}

type CreatedResponse struct {
	ID string `json:"id"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// Server serves the session control API.
type Server struct {
	session Session
	logger  *logger.Logger
	router  chi.Router
}

func New(session Session, log *logger.Logger) *Server {
	s := &Server{
		session: session,
		logger:  log,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Route("/tracking", func(r chi.Router) {
		r.Get("/", s.getTracking)
		r.Post("/start", s.startTracking)
		r.Post("/stop", s.stopTracking)
	})
	r.Get("/history", s.getHistory)
	r.Get("/settings", s.getSettings)
	r.Patch("/settings", s.patchSettings)
	r.Route("/geofences", func(r chi.Router) {
		r.Get("/", s.listGeofences)
		r.Post("/", s.addGeofence)
		r.Delete("/{id}", s.removeGeofence)
	})
	r.Put("/status", s.putStatus)

	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves the API on addr until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("session API listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) getTracking(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.trackingResponse())
}

func (s *Server) startTracking(w http.ResponseWriter, r *http.Request) {
	if !s.session.StartTracking(r.Context()) {
		s.writeError(w, http.StatusServiceUnavailable, "tracking could not be started")
		return
	}
	s.writeJSON(w, http.StatusOK, s.trackingResponse())
}

func (s *Server) stopTracking(w http.ResponseWriter, r *http.Request) {
	s.session.StopTracking(r.Context())
	s.writeJSON(w, http.StatusOK, s.trackingResponse())
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	limit := history.DefaultQueryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if n > 0 {
			limit = n
		}
	}
	samples := s.session.History(limit)
	if samples == nil {
		samples = []location.Sample{}
	}
	s.writeJSON(w, http.StatusOK, samples)
}

func (s *Server) getSettings(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.session.Settings())
}

func (s *Server) patchSettings(w http.ResponseWriter, r *http.Request) {
	var patch settings.Patch
	if !s.decode(w, r, &patch) {
		return
	}
	if err := s.session.Configure(r.Context(), patch); err != nil {
		if errors.Is(err, settings.ErrInvalidSettings) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("failed to apply settings", logger.Err(err))
		s.writeError(w, http.StatusInternalServerError, "failed to apply settings")
		return
	}
	s.writeJSON(w, http.StatusOK, s.session.Settings())
}

func (s *Server) listGeofences(w http.ResponseWriter, _ *http.Request) {
	fences := s.session.Geofences()
	if fences == nil {
		fences = []geofence.Geofence{}
	}
	s.writeJSON(w, http.StatusOK, fences)
}

func (s *Server) addGeofence(w http.ResponseWriter, r *http.Request) {
	var spec geofence.Spec
	if !s.decode(w, r, &spec) {
		return
	}
	id, err := s.session.AddGeofence(r.Context(), spec)
	if err != nil {
		if errors.Is(err, geofence.ErrInvalidGeofence) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("failed to add geofence", logger.Err(err))
		s.writeError(w, http.StatusInternalServerError, "failed to add geofence")
		return
	}
	s.writeJSON(w, http.StatusCreated, CreatedResponse{ID: id})
}

func (s *Server) removeGeofence(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.session.RemoveGeofence(r.Context(), id) {
		s.writeError(w, http.StatusNotFound, "geofence not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) putStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Status == nil {
		s.writeError(w, http.StatusBadRequest, "status is required")
		return
	}
	if err := s.session.UpdateStatus(r.Context(), *req.Status); err != nil {
		if errors.Is(err, tracker.ErrNoLocation) {
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.logger.Error("failed to update status", logger.Err(err))
		s.writeError(w, http.StatusInternalServerError, "failed to update status")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) trackingResponse() TrackingResponse {
	resp := TrackingResponse{State: s.session.State()}
	if current, ok := s.session.Current(); ok {
		resp.Location = &current
	}
	return resp
}

// decode reads a JSON request body into target and answers 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to write JSON response", logger.Err(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, ErrorResponse{Error: msg})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("API request", slog.String("method", r.Method), slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()), slog.Duration("duration", time.Since(start)))
	})
}

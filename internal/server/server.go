// Repostats - Usage Statistics Pipeline for Digital Repositories
// Copyright 2026 Calyptra Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calyptra/repostats

// Package server exposes the pipeline over HTTP: event ingestion,
// report queries and the operational endpoints.
package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/calyptra/repostats/internal/event"
	"github.com/calyptra/repostats/internal/query"
	"github.com/calyptra/repostats/internal/stats"
	"github.com/calyptra/repostats/internal/storage"
)

// Server routes HTTP requests to a stats.Service.
type Server struct {
	svc *stats.Service
	log zerolog.Logger
}

// New builds the HTTP handler around svc.
func New(svc *stats.Service, log zerolog.Logger) *Server {
	return &Server{svc: svc, log: log}
}

// Router assembles the chi router. timeout bounds request handling.
func (s *Server) Router(timeout time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/events/{type}", s.handlePublish)
		r.Get("/queries", s.handleListQueries)
		r.Get("/queries/{name}", s.handleQuery)
	})
	return r
}

// NewHTTPServer wraps the router in an http.Server bound to addr.
func (s *Server) NewHTTPServer(addr string, timeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Router(timeout),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"event_types":  s.svc.Registry().EventTypes(),
		"aggregations": s.svc.Registry().AggregationNames(),
	})
}

// handlePublish enqueues a batch of raw events. The body is either a
// single event object or an array of them.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	eventType := chi.URLParam(r, "type")

	var events []event.Event
	dec := json.NewDecoder(r.Body)
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &events); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode events: %w", err))
			return
		}
	} else {
		var e event.Event
		if err := json.Unmarshal(raw, &e); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode event: %w", err))
			return
		}
		events = append(events, e)
	}

	if err := s.svc.Publish(r.Context(), eventType, events...); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": len(events)})
}

func (s *Server) handleListQueries(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"queries": s.svc.Registry().QueryNames()})
}

// handleQuery runs a registered query with the URL query string as
// parameters.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	params := query.Params{}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}
	res, err := s.svc.Query(r.Context(), name, params)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// statusFor maps pipeline errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, stats.ErrUnknownEventType),
		errors.Is(err, stats.ErrUnknownQuery),
		errors.Is(err, stats.ErrUnknownAggregation):
		return http.StatusNotFound
	case errors.Is(err, query.ErrMissingFilter),
		errors.Is(err, query.ErrInvalidParams):
		return http.StatusBadRequest
	case errors.Is(err, query.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, storage.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

// requestLogger logs each request with its outcome at debug, errors at
// warn.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		ev := s.log.Debug()
		if ww.Status() >= http.StatusInternalServerError {
			ev = s.log.Warn()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

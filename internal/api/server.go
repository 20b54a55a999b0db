// Package api exposes the HTTP interface for the campaign sync service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/machiya/campsync/internal/report"
	"github.com/machiya/campsync/internal/runs"
	"github.com/machiya/campsync/internal/sheets"
)

// RunService is the slice of the run manager the handlers need.
type RunService interface {
	Start(params runs.Params) (uuid.UUID, error)
	Status(id uuid.UUID) (runs.Summary, error)
	Results(id uuid.UUID) ([]report.RowResult, error)
	Cancel(id uuid.UUID) error
	Writeback(ctx context.Context, id uuid.UUID) (int, error)
}

// Server wires HTTP handlers to the run manager.
type Server struct {
	router chi.Router
	svc    RunService
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes. gatherer backs
// the /metrics endpoint; nil falls back to the default registry.
func NewServer(svc RunService, logger *zap.Logger, gatherer prometheus.Gatherer) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{svc: svc, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.startRun)
			r.Route("/{run_id}", func(r chi.Router) {
				r.Get("/", s.getRun)
				r.Post("/cancel", s.cancelRun)
				r.Post("/writeback", s.writebackRun)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type startRunRequest struct {
	StartRow   int    `json:"start_row"`
	EndRow     int    `json:"end_row"`
	TargetDate string `json:"target_date"`
	Workers    int    `json:"workers"`
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	params := runs.Params{
		StartRow: req.StartRow,
		EndRow:   req.EndRow,
		Workers:  req.Workers,
	}
	if req.TargetDate != "" {
		target, err := time.Parse(report.DateFormat, req.TargetDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "target_date must be YYYY/MM/DD")
			return
		}
		params.TargetDate = target
	}
	id, err := s.svc.Start(params)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id.String()})
}

type runStatusResponse struct {
	RunID     string              `json:"run_id"`
	Stage     string              `json:"stage"`
	Fraction  float64             `json:"fraction"`
	Message   string              `json:"message"`
	Note      string              `json:"note,omitempty"`
	StartedAt time.Time           `json:"started_at"`
	UpdatedAt time.Time           `json:"updated_at"`
	Counts    map[report.Code]int `json:"counts,omitempty"`
	Rows      []rowResponse       `json:"rows,omitempty"`
	Error     string              `json:"error,omitempty"`
}

type rowResponse struct {
	Row       int                     `json:"row"`
	ProjectID string                  `json:"project_id,omitempty"`
	Status    string                  `json:"status"`
	Metrics   map[report.Field]string `json:"metrics,omitempty"`
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runID(w, r)
	if !ok {
		return
	}
	sum, err := s.svc.Status(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	var rows []rowResponse
	if sum.Snapshot.Done() {
		results, err := s.svc.Results(id)
		if err == nil {
			rows = make([]rowResponse, 0, len(results))
			for _, res := range results {
				rows = append(rows, rowResponse{
					Row:       res.RowIndex,
					ProjectID: res.ProjectID,
					Status:    res.Status.String(),
					Metrics:   res.Metrics,
				})
			}
		}
	}
	writeJSON(w, http.StatusOK, runStatusResponse{
		RunID:     id.String(),
		Stage:     string(sum.Snapshot.Stage),
		Fraction:  sum.Snapshot.Fraction,
		Message:   sum.Snapshot.Message,
		Note:      sum.Snapshot.Note,
		StartedAt: sum.Snapshot.StartedAt,
		UpdatedAt: sum.Snapshot.UpdatedAt,
		Counts:    sum.Counts,
		Rows:      rows,
		Error:     sum.Err,
	})
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runID(w, r)
	if !ok {
		return
	}
	if err := s.svc.Cancel(id); err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": id.String(), "status": "canceling"})
}

func (s *Server) writebackRun(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runID(w, r)
	if !ok {
		return
	}
	cells, err := s.svc.Writeback(r.Context(), id)
	switch {
	case errors.Is(err, runs.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "run not found")
		return
	case errors.Is(err, runs.ErrRunActive):
		writeError(w, http.StatusConflict, "run still active")
		return
	case errors.Is(err, sheets.ErrAuthentication):
		writeError(w, http.StatusBadGateway, "spreadsheet authentication failed")
		return
	case err != nil:
		s.logger.Error("write-back failed", zap.String("run_id", id.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "write-back failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": id.String(), "cells": cells})
}

func (s *Server) runID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "run_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

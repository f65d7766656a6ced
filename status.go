package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/Tutortoise/detection-submitter/batch"
	"github.com/Tutortoise/detection-submitter/detections"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type metricsSource interface {
	GetMetrics() detections.PoolMetrics
}

type statusState struct {
	Pool     metricsSource
	Progress *batch.Progress
}

type ProgressResponse struct {
	RunID string `json:"run_id"`
	Done  int64  `json:"done"`
	Total int64  `json:"total"`
}

func (s *statusState) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	r.HandleFunc("/progress", s.handleProgress).Methods("GET")
	return r
}

func (s *statusState) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.Pool.GetMetrics())
}

func (s *statusState) handleProgress(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ProgressResponse{
		RunID: s.Progress.RunID,
		Done:  s.Progress.Done(),
		Total: s.Progress.Total(),
	})
}

func newStatusServer(addr string, state *statusState) *http.Server {
	return &http.Server{
		Handler:      state.routes(),
		Addr:         addr,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}
}

func stopStatusServer(srv *http.Server, timeout time.Duration, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("status server shutdown", zap.Error(err))
	}
}

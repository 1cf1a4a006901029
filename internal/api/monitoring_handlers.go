package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
)

type healthResponse struct {
	Status string      `json:"status"`
	DB     dbHealth    `json:"db"`
	Queue  queueHealth `json:"queue"`
}

type dbHealth struct {
	Connected bool   `json:"connected"`
	LatencyMs int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

type queueHealth struct {
	Concurrency int  `json:"concurrency"`
	QueueLength int  `json:"queueLength"`
	Paused      bool `json:"paused"`
}

// handleHealth implements GET /monitoring/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	dbStatus := s.store.HealthCheck(r.Context())
	snap := s.queue.Snapshot()

	status := "ok"
	if !dbStatus.Connected {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status: status,
		DB: dbHealth{
			Connected: dbStatus.Connected,
			LatencyMs: dbStatus.LatencyMs,
			Error:     dbStatus.Error,
		},
		Queue: queueHealth{
			Concurrency: snap.Concurrency,
			QueueLength: snap.QueueLength,
			Paused:      snap.Paused,
		},
	})
}

type metricsResponse struct {
	Queue queueMetrics `json:"queue"`
}

type queueMetrics struct {
	Concurrency         int     `json:"concurrency"`
	QueueLength         int     `json:"queueLength"`
	Paused              bool    `json:"paused"`
	SuccessRate         float64 `json:"successRate"`
	ErrorRate           float64 `json:"errorRate"`
	AvgProcessingTimeMs int64   `json:"avgProcessingTimeMs"`
}

// handleMetrics implements GET /monitoring/metrics, a small
// dashboard-facing summary. Detailed per-collector counters are served
// separately by prometheus/client_golang's promhttp handler, wired in
// cmd/refractor at /metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	snap := s.queue.Snapshot()
	writeJSON(w, http.StatusOK, metricsResponse{
		Queue: queueMetrics{
			Concurrency:         snap.Concurrency,
			QueueLength:         snap.QueueLength,
			Paused:              snap.Paused,
			SuccessRate:         snap.SuccessRate,
			ErrorRate:           snap.ErrorRate,
			AvgProcessingTimeMs: snap.AvgProcessingTime.Milliseconds(),
		},
	})
}

// handleQueuePause implements POST /monitoring/queue/pause.
func (s *Server) handleQueuePause(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.queue.Pause()
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

// handleQueueResume implements POST /monitoring/queue/resume.
func (s *Server) handleQueueResume(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.queue.Resume()
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

type concurrencyBody struct {
	Concurrency int `json:"concurrency"`
}

// handleQueueConcurrency implements POST /monitoring/queue/concurrency.
func (s *Server) handleQueueConcurrency(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body concurrencyBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Concurrency <= 0 {
		writeError(w, http.StatusBadRequest, "concurrency must be a positive integer")
		return
	}
	s.queue.SetConcurrency(body.Concurrency)
	writeJSON(w, http.StatusOK, map[string]int{"concurrency": body.Concurrency})
}

// handleCleanupExpired implements POST /monitoring/cleanup/expired.
func (s *Server) handleCleanupExpired(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	count, err := s.sweep.CleanupExpired(r.Context(), time.Now().Unix())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": count})
}

package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HealthResponse reports database reachability.
type HealthResponse struct {
	Status   string `json:"status"`
	Model    string `json:"model"`
	SharedDB string `json:"shared_db"`
	ModelDB  string `json:"model_db"`
}

// SystemStatusResponse reports process and host health.
type SystemStatusResponse struct {
	Model         string  `json:"model"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  uint64  `json:"memory_used_mb"`
	OpenDBConns   int     `json:"open_db_conns"`
}

// BlockProcessingResponse reports per-status block counts plus the tip of the
// completed prefix.
type BlockProcessingResponse struct {
	Counts          map[string]int `json:"counts"`
	LatestCompleted uint64         `json:"latest_completed"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Model: s.modelName, SharedDB: "ok", ModelDB: "ok"}
	status := http.StatusOK

	if err := s.sharedDB.HealthCheck(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.SharedDB = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := s.modelDB.HealthCheck(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.ModelDB = err.Error()
		status = http.StatusServiceUnavailable
	}

	s.writeJSON(w, status, resp)
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	resp := SystemStatusResponse{
		Model:         s.modelName,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		OpenDBConns:   s.sharedDB.Stats().OpenConnections + s.modelDB.Stats().OpenConnections,
	}

	if pct, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(pct) > 0 {
		resp.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp.MemoryPercent = vm.UsedPercent
		resp.MemoryUsedMB = vm.Used / 1024 / 1024
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleBlockProcessing(w http.ResponseWriter, r *http.Request) {
	counts, err := s.blocks.CountByStatus()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	latest, err := s.blocks.LatestCompleted()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, BlockProcessingResponse{Counts: counts, LatestCompleted: latest})
}

func (s *Server) handleTxProcessing(w http.ResponseWriter, r *http.Request) {
	counts, err := s.txs.CountByStatus()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, counts)
}

// handleTriggerJob runs a registered background job immediately.
func (s *Server) handleTriggerJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	job, ok := s.jobs[name]
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown job " + name})
		return
	}

	if err := s.scheduler.RunNow(job); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "completed", "job": name})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.log.Error().Err(err).Msg("Handler error")
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

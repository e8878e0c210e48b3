// Copyright 2026 The Ceramic Anchor Service Authors
//
// Health and readiness endpoints (SPEC_FULL.md §3 Supplemented Features):
// ambient observability every teacher-style service carries, not a pipeline
// feature spec.md's Non-goals exclude.

package server

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/ceramicnetwork/cas/pkg/database"
	"github.com/ceramicnetwork/cas/pkg/ethereum"
	"github.com/ceramicnetwork/cas/pkg/scheduler"
)

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	db        *database.Client
	eth       *ethereum.Client
	scheduler *scheduler.Scheduler
	logger    *log.Logger
}

// NewHealthHandlers creates new health handlers.
func NewHealthHandlers(db *database.Client, eth *ethereum.Client, sched *scheduler.Scheduler, logger *log.Logger) *HealthHandlers {
	if logger == nil {
		logger = log.New(log.Writer(), "[Health] ", log.LstdFlags)
	}
	return &HealthHandlers{db: db, eth: eth, scheduler: sched, logger: logger}
}

// HandleHealth handles GET /health: a cheap liveness probe that never
// touches the database.
func (h *HealthHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// detailedHealth is the wire shape of GET /health/detailed.
type detailedHealth struct {
	Status         string                 `json:"status"`
	SchedulerState scheduler.State        `json:"schedulerState"`
	Database       *database.HealthStatus `json:"database"`
	Ethereum       string                 `json:"ethereum"`
	CheckedAt      time.Time              `json:"checkedAt"`
}

// HandleDetailedHealth handles GET /health/detailed: database and Ethereum
// connectivity alongside the scheduler's current run state.
func (h *HealthHandlers) HandleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	dbStatus, err := h.db.Health(ctx)
	if err != nil {
		h.logger.Printf("database health check failed: %v", err)
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "database health check failed"})
		return
	}

	ethStatus := "ok"
	ethHealthy := true
	if err := h.eth.Health(ctx); err != nil {
		h.logger.Printf("ethereum health check failed: %v", err)
		ethStatus = err.Error()
		ethHealthy = false
	}

	resp := &detailedHealth{
		Status:         "ok",
		SchedulerState: h.scheduler.CurrentState(),
		Database:       dbStatus,
		Ethereum:       ethStatus,
		CheckedAt:      time.Now(),
	}

	status := http.StatusOK
	if !dbStatus.Healthy || !ethHealthy {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, resp)
}

func (h *HealthHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Printf("error encoding response: %v", err)
	}
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/syncrail/syncrail-engine/pkg/apperrors"
	"github.com/syncrail/syncrail-engine/pkg/auth"
	"github.com/syncrail/syncrail-engine/pkg/broker"
	"github.com/syncrail/syncrail-engine/pkg/models"
	"github.com/syncrail/syncrail-engine/pkg/pipeline"
	"github.com/syncrail/syncrail-engine/pkg/repositories"
)

// JobStarter starts a pipeline run for an integration.
type JobStarter interface {
	StartJob(ctx context.Context, tenantID int, integrationID uuid.UUID) (*models.ETLJob, error)
}

// QueueInspector reports the message count of a queue.
type QueueInspector interface {
	QueueDepth(name string) (int, error)
}

// SessionCloser terminates a tenant's live event streams.
type SessionCloser interface {
	Disconnect(tenantID int)
}

// StartJobRequest is the body for POST /api/jobs.
type StartJobRequest struct {
	IntegrationID string `json:"integration_id"`
}

// QueueDepthsResponse reports the tenant's queue depths.
type QueueDepthsResponse struct {
	Extraction int `json:"extraction"`
	Transform  int `json:"transform"`
	Embedding  int `json:"embedding"`
	DeadLetter int `json:"dead_letter"`
}

// VectorCountResponse reports how many active vectors a table has.
type VectorCountResponse struct {
	Table string `json:"table"`
	Count int    `json:"count"`
}

// JobsHandler is the operational surface of the pipeline: start runs, inspect
// job state, queue depths and vector counts. Every route is tenant scoped by
// the caller's token.
type JobsHandler struct {
	starter  JobStarter
	queues   QueueInspector
	scopes   pipeline.ScopeProvider
	jobs     repositories.JobRepository
	bridges  repositories.VectorBridgeRepository
	sessions SessionCloser
	logger   *zap.Logger
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(
	starter JobStarter,
	queues QueueInspector,
	scopes pipeline.ScopeProvider,
	jobs repositories.JobRepository,
	bridges repositories.VectorBridgeRepository,
	sessions SessionCloser,
	logger *zap.Logger,
) *JobsHandler {
	return &JobsHandler{
		starter:  starter,
		queues:   queues,
		scopes:   scopes,
		jobs:     jobs,
		bridges:  bridges,
		sessions: sessions,
		logger:   logger,
	}
}

// RegisterRoutes registers the jobs handler's routes on the given mux.
func (h *JobsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/jobs", h.StartJob)
	mux.HandleFunc("GET /api/jobs", h.ListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", h.GetJob)
	mux.HandleFunc("GET /api/jobs/name/{name}", h.GetJobByName)
	mux.HandleFunc("GET /api/queues", h.QueueDepths)
	mux.HandleFunc("GET /api/vectors/{table}", h.VectorCount)
	mux.HandleFunc("POST /api/sessions/logout", h.Logout)
}

// Logout handles POST /api/sessions/logout: drops every live event stream of
// the caller's tenant. Clients rotating credentials call this so stale
// sessions do not keep receiving events on the old token.
func (h *JobsHandler) Logout(w http.ResponseWriter, r *http.Request) {
	tenantID, err := auth.TenantFromContext(r.Context())
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}
	h.sessions.Disconnect(tenantID)
	w.WriteHeader(http.StatusNoContent)
}

// StartJob handles POST /api/jobs: create a job for the integration and seed
// its first extraction step. A run already in progress for the same
// integration returns 409.
func (h *JobsHandler) StartJob(w http.ResponseWriter, r *http.Request) {
	tenantID, err := auth.TenantFromContext(r.Context())
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}

	var req StartJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	integrationID, err := uuid.Parse(req.IntegrationID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "integration_id must be a UUID")
		return
	}

	job, err := h.starter.StartJob(r.Context(), tenantID, integrationID)
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrNotFound):
			h.writeError(w, http.StatusNotFound, "not_found", "Integration not found")
		case errors.Is(err, apperrors.ErrConflict):
			h.writeError(w, http.StatusConflict, "job_running", "A run for this integration is still in progress")
		default:
			h.logger.Error("Failed to start job", zap.Error(err))
			h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to start job")
		}
		return
	}

	if err := WriteJSON(w, http.StatusCreated, job); err != nil {
		h.logger.Error("Failed to encode job response", zap.Error(err))
	}
}

// ListJobs handles GET /api/jobs.
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	h.withTenantScope(w, r, func(ctx context.Context, tenantID int) {
		jobs, err := h.jobs.List(ctx)
		if err != nil {
			h.logger.Error("Failed to list jobs", zap.Error(err))
			h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list jobs")
			return
		}
		if err := WriteJSON(w, http.StatusOK, jobs); err != nil {
			h.logger.Error("Failed to encode jobs response", zap.Error(err))
		}
	})
}

// GetJob handles GET /api/jobs/{id}.
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Job id must be a UUID")
		return
	}

	h.withTenantScope(w, r, func(ctx context.Context, tenantID int) {
		job, err := h.jobs.Get(ctx, jobID)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				h.writeError(w, http.StatusNotFound, "not_found", "Job not found")
				return
			}
			h.logger.Error("Failed to load job", zap.Error(err))
			h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to load job")
			return
		}
		if err := WriteJSON(w, http.StatusOK, job); err != nil {
			h.logger.Error("Failed to encode job response", zap.Error(err))
		}
	})
}

// GetJobByName handles GET /api/jobs/name/{name}: the newest run under the
// given job name.
func (h *JobsHandler) GetJobByName(w http.ResponseWriter, r *http.Request) {
	jobName := r.PathValue("name")

	h.withTenantScope(w, r, func(ctx context.Context, tenantID int) {
		job, err := h.jobs.GetByName(ctx, jobName)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				h.writeError(w, http.StatusNotFound, "not_found", "Job not found")
				return
			}
			h.logger.Error("Failed to load job", zap.Error(err))
			h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to load job")
			return
		}
		if err := WriteJSON(w, http.StatusOK, job); err != nil {
			h.logger.Error("Failed to encode job response", zap.Error(err))
		}
	})
}

// QueueDepths handles GET /api/queues: the tenant's stage and dead-letter
// queue depths.
func (h *JobsHandler) QueueDepths(w http.ResponseWriter, r *http.Request) {
	tenantID, err := auth.TenantFromContext(r.Context())
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}

	var resp QueueDepthsResponse
	for _, probe := range []struct {
		name string
		dst  *int
	}{
		{broker.QueueName(models.QueueExtraction, tenantID), &resp.Extraction},
		{broker.QueueName(models.QueueTransform, tenantID), &resp.Transform},
		{broker.QueueName(models.QueueEmbedding, tenantID), &resp.Embedding},
		{broker.DeadLetterQueueName(tenantID), &resp.DeadLetter},
	} {
		depth, err := h.queues.QueueDepth(probe.name)
		if err != nil {
			h.logger.Error("Failed to inspect queue", zap.String("queue", probe.name), zap.Error(err))
			h.writeError(w, http.StatusServiceUnavailable, "broker_unavailable", "Failed to inspect queues")
			return
		}
		*probe.dst = depth
	}

	if err := WriteJSON(w, http.StatusOK, resp); err != nil {
		h.logger.Error("Failed to encode queues response", zap.Error(err))
	}
}

// VectorCount handles GET /api/vectors/{table}: the number of active vector
// bridge rows of one table.
func (h *JobsHandler) VectorCount(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")

	h.withTenantScope(w, r, func(ctx context.Context, tenantID int) {
		count, err := h.bridges.CountForTable(ctx, table)
		if err != nil {
			h.logger.Error("Failed to count vectors", zap.String("table", table), zap.Error(err))
			h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to count vectors")
			return
		}
		if err := WriteJSON(w, http.StatusOK, VectorCountResponse{Table: table, Count: count}); err != nil {
			h.logger.Error("Failed to encode vectors response", zap.Error(err))
		}
	})
}

// withTenantScope resolves the caller's tenant, acquires a scoped connection
// and runs fn with it.
func (h *JobsHandler) withTenantScope(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, tenantID int)) {
	tenantID, err := auth.TenantFromContext(r.Context())
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}

	ctx, cleanup, err := h.scopes.WithTenantScope(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("Failed to acquire tenant scope", zap.Error(err))
		h.writeError(w, http.StatusServiceUnavailable, "unavailable", "Database unavailable")
		return
	}
	defer cleanup()

	fn(ctx, tenantID)
}

func (h *JobsHandler) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	if err := ErrorResponse(w, statusCode, errorCode, message); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}

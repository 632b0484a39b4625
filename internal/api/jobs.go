package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/arkeep-io/arkeep/server/internal/db"
	"github.com/arkeep-io/arkeep/server/internal/orchestrator"
	"github.com/arkeep-io/arkeep/server/internal/repository"
)

// JobHandler exposes the bulk-job orchestrator (C8) over REST.
type JobHandler struct {
	orch   *orchestrator.Orchestrator
	jobs   repository.JobRepository
	execs  repository.ExecutionRepository
	logger *zap.Logger
}

// NewJobHandler creates a new JobHandler.
func NewJobHandler(orch *orchestrator.Orchestrator, jobs repository.JobRepository, execs repository.ExecutionRepository, logger *zap.Logger) *JobHandler {
	return &JobHandler{orch: orch, jobs: jobs, execs: execs, logger: logger.Named("job_handler")}
}

type targetSpecRequest struct {
	Kind       string   `json:"kind"` // "adhoc", "group", "query"
	MachineIDs []string `json:"machine_ids,omitempty"`
	Group      string   `json:"group,omitempty"`
	Query      string   `json:"query,omitempty"`
}

func (t targetSpecRequest) toOrchestrator() orchestrator.TargetSpec {
	return orchestrator.TargetSpec{Kind: t.Kind, MachineIDs: t.MachineIDs, Group: t.Group, Query: t.Query}
}

type strategyRequest struct {
	Concurrency           int     `json:"concurrency,omitempty"`
	BatchSize             int     `json:"batch_size,omitempty"`
	WaitSeconds           int     `json:"wait_seconds,omitempty"`
	StopOnFailurePercent  float64 `json:"stop_on_failure_percent,omitempty"`
}

func (s strategyRequest) toOrchestrator() orchestrator.Strategy {
	return orchestrator.Strategy{
		Concurrency:          s.Concurrency,
		BatchSize:            s.BatchSize,
		WaitSeconds:          s.WaitSeconds,
		StopOnFailurePercent: s.StopOnFailurePercent,
	}
}

// createJobRequest is the JSON body for POST /api/v1/jobs.
type createJobRequest struct {
	Command  string            `json:"command"`
	Mode     string             `json:"mode"` // "parallel" or "rolling"
	Target   targetSpecRequest  `json:"target"`
	Strategy strategyRequest    `json:"strategy"`
	DryRun   bool               `json:"dry_run"`
}

type dryRunResponse struct {
	TotalTargets     int `json:"total_targets"`
	ConnectedTargets int `json:"connected_targets"`
	OfflineTargets   int `json:"offline_targets"`
}

type jobResponse struct {
	ID            string `json:"id"`
	Command       string `json:"command"`
	Mode          string `json:"mode"`
	Status        string `json:"status"`
	CreatedByUser string `json:"created_by_user"`
	CreatedAt     string `json:"created_at"`
}

func jobToResponse(j *db.Job) jobResponse {
	return jobResponse{
		ID:            j.ID.String(),
		Command:       j.Command,
		Mode:          j.Mode,
		Status:        j.Status,
		CreatedByUser: j.CreatedByUser.String(),
		CreatedAt:     j.CreatedAt.UTC().String(),
	}
}

type executionResponse struct {
	ID        string  `json:"id"`
	MachineID string  `json:"machine_id"`
	Status    string  `json:"status"`
	ExitCode  *int    `json:"exit_code"`
	Output    string  `json:"output"`
	Error     string  `json:"error"`
}

func executionToResponse(e *db.Execution) executionResponse {
	return executionResponse{
		ID:        e.ID.String(),
		MachineID: e.MachineID.String(),
		Status:    e.Status,
		ExitCode:  e.ExitCode,
		Output:    e.Output,
		Error:     e.Error,
	}
}

// Create handles POST /api/v1/jobs. If dry_run is true, resolves targets
// and reports connected/offline counts without creating a job.
func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Command == "" {
		ErrBadRequest(w, "command is required")
		return
	}
	if req.Mode != "parallel" && req.Mode != "rolling" {
		ErrBadRequest(w, "mode must be 'parallel' or 'rolling'")
		return
	}

	target := req.Target.toOrchestrator()

	if req.DryRun {
		result, err := h.orch.DryRun(r.Context(), target)
		if err != nil {
			h.writeOrchestratorErr(w, err)
			return
		}
		Ok(w, dryRunResponse{
			TotalTargets:     result.TotalTargets,
			ConnectedTargets: result.ConnectedTargets,
			OfflineTargets:   result.OfflineTargets,
		})
		return
	}

	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return
	}
	userID, err := parseUUIDString(claims.UserID)
	if err != nil {
		ErrInternal(w)
		return
	}

	job, err := h.orch.CreateJob(r.Context(), orchestrator.CreateJobRequest{
		Command:       req.Command,
		Mode:          req.Mode,
		Target:        target,
		Strategy:      req.Strategy.toOrchestrator(),
		CreatedByUser: userID,
	})
	if err != nil {
		h.writeOrchestratorErr(w, err)
		return
	}

	Created(w, jobToResponse(job))
}

// List handles GET /api/v1/jobs.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)
	jobs, total, err := h.jobs.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list jobs", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]jobResponse, len(jobs))
	for i := range jobs {
		items[i] = jobToResponse(&jobs[i])
	}
	Ok(w, struct {
		Items []jobResponse `json:"items"`
		Total int64         `json:"total"`
	}{items, total})
}

// GetByID handles GET /api/v1/jobs/{id} and includes its executions.
func (h *JobHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	job, err := h.jobs.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get job", zap.Error(err))
		ErrInternal(w)
		return
	}

	execs, err := h.execs.ListByJob(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to list executions", zap.Error(err))
		ErrInternal(w)
		return
	}

	execResponses := make([]executionResponse, len(execs))
	for i := range execs {
		execResponses[i] = executionToResponse(&execs[i])
	}

	Ok(w, struct {
		jobResponse
		Executions []executionResponse `json:"executions"`
	}{jobToResponse(job), execResponses})
}

// Abort handles POST /api/v1/jobs/{id}/abort.
func (h *JobHandler) Abort(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return
	}
	userID, err := parseUUIDString(claims.UserID)
	if err != nil {
		ErrInternal(w)
		return
	}

	if err := h.orch.AbortJob(r.Context(), id, userID); err != nil {
		h.writeOrchestratorErr(w, err)
		return
	}

	NoContent(w)
}

func (h *JobHandler) writeOrchestratorErr(w http.ResponseWriter, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		ErrNotFound(w)
		return
	}
	ErrFromError(w, err, h.logger)
}

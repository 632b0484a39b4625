// Package orchestrator implements the bulk-job orchestrator (C8). Grounded
// in the teacher's scheduler.Scheduler dispatch-to-agent-manager idiom, but
// re-purposed: bulk jobs are user-triggered, not policy-cron-triggered, so
// dispatch here is driven by goroutines and sync primitives rather than
// gocron, one run per job tracked in an in-memory registry mirroring the
// teacher's agentmanager.Manager keyed-registry shape.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arkeep-io/arkeep/server/internal/apperr"
	"github.com/arkeep-io/arkeep/server/internal/audit"
	"github.com/arkeep-io/arkeep/server/internal/db"
	"github.com/arkeep-io/arkeep/server/internal/metrics"
	"github.com/arkeep-io/arkeep/server/internal/repository"
)

const (
	maxExecutionOutputBytes = 64 * 1024
	abortGracePeriod        = 30 * time.Second
)

// TargetSpec describes how a job resolves the set of machines it runs
// against (spec.md §4.5).
type TargetSpec struct {
	Kind       string   `json:"kind"` // "adhoc", "group", "dynamic"
	MachineIDs []string `json:"machineIds,omitempty"`
	Group      string   `json:"group,omitempty"`
	Query      string   `json:"query,omitempty"`
}

// Strategy describes dispatch mode parameters.
type Strategy struct {
	Concurrency          int     `json:"concurrency,omitempty"`
	BatchSize            int     `json:"batchSize,omitempty"`
	WaitSeconds          int     `json:"waitSeconds,omitempty"`
	StopOnFailurePercent float64 `json:"stopOnFailurePercent"`
}

// CreateJobRequest is the input to CreateJob.
type CreateJobRequest struct {
	Command       string
	Mode          string // "parallel" or "rolling"
	Target        TargetSpec
	Strategy      Strategy
	CreatedByUser uuid.UUID
}

// Dispatcher is the narrow surface the orchestrator needs to deliver a
// command to a connected agent, implemented by C4/C5 together.
type Dispatcher interface {
	DispatchCommand(ctx context.Context, machineID uuid.UUID, commandID uuid.UUID, command string) error
	CancelCommand(ctx context.Context, machineID uuid.UUID, commandID uuid.UUID) error
	IsConnected(machineID uuid.UUID) bool
}

// TargetResolver resolves a TargetSpec into concrete machine IDs.
type TargetResolver interface {
	ResolveTargets(ctx context.Context, spec TargetSpec) ([]uuid.UUID, error)
}

// Publisher pushes job/execution status updates to connected browsers.
type Publisher interface {
	Publish(msgType string, payload any)
}

// jobRunner tracks one in-flight job run.
type jobRunner struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Orchestrator creates, runs, and aborts bulk jobs.
type Orchestrator struct {
	jobs       repository.JobRepository
	executions repository.ExecutionRepository
	commands   repository.CommandRepository
	resolver   TargetResolver
	dispatcher Dispatcher
	publisher  Publisher
	audit      audit.Logger
	logger     *zap.Logger

	mu      sync.Mutex
	runners map[uuid.UUID]*jobRunner
}

// New creates an Orchestrator.
func New(
	jobs repository.JobRepository,
	executions repository.ExecutionRepository,
	commands repository.CommandRepository,
	resolver TargetResolver,
	dispatcher Dispatcher,
	publisher Publisher,
	auditLogger audit.Logger,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		jobs:       jobs,
		executions: executions,
		commands:   commands,
		resolver:   resolver,
		dispatcher: dispatcher,
		publisher:  publisher,
		audit:      auditLogger,
		logger:     logger.Named("orchestrator"),
		runners:    make(map[uuid.UUID]*jobRunner),
	}
}

// DryRunResult summarizes what CreateJob would do without touching the
// database or the audit log.
type DryRunResult struct {
	TotalTargets     int
	ConnectedTargets int
	OfflineTargets   int
}

// DryRun resolves targets and partitions them by connectivity, never
// creating Job/Execution rows and never auditing (spec.md: "Dry runs do not
// audit").
func (o *Orchestrator) DryRun(ctx context.Context, target TargetSpec) (DryRunResult, error) {
	ids, err := o.resolver.ResolveTargets(ctx, target)
	if err != nil {
		return DryRunResult{}, fmt.Errorf("orchestrator: resolving dry-run targets: %w", err)
	}
	result := DryRunResult{TotalTargets: len(ids)}
	for _, id := range ids {
		if o.dispatcher.IsConnected(id) {
			result.ConnectedTargets++
		} else {
			result.OfflineTargets++
		}
	}
	return result, nil
}

// CreateJob resolves targets eagerly into pending Execution rows inside one
// transaction-shaped sequence, then starts the run in a background
// goroutine tracked by a jobRunner registered under the job's ID.
func (o *Orchestrator) CreateJob(ctx context.Context, req CreateJobRequest) (*db.Job, error) {
	ids, err := o.resolver.ResolveTargets(ctx, req.Target)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: resolving targets: %w", err)
	}
	if len(ids) == 0 {
		return nil, apperr.New(apperr.KindBadRequest, "job target resolved to zero machines")
	}

	targetJSON, _ := json.Marshal(req.Target)
	strategyJSON, _ := json.Marshal(req.Strategy)

	job := &db.Job{
		Command:       req.Command,
		Mode:          req.Mode,
		TargetSpec:    string(targetJSON),
		Strategy:      string(strategyJSON),
		Status:        "pending",
		CreatedByUser: req.CreatedByUser,
	}
	if err := o.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("orchestrator: creating job: %w", err)
	}

	executions := make([]db.Execution, 0, len(ids))
	for _, machineID := range ids {
		executions = append(executions, db.Execution{
			JobID:     job.ID,
			MachineID: machineID,
			Status:    "pending",
		})
	}
	if err := o.executions.BulkCreate(ctx, executions); err != nil {
		return nil, fmt.Errorf("orchestrator: creating executions: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	runner := &jobRunner{cancel: cancel}
	o.mu.Lock()
	o.runners[job.ID] = runner
	o.mu.Unlock()

	runner.wg.Add(1)
	go func() {
		defer runner.wg.Done()
		o.run(runCtx, job, req.Strategy)
	}()

	o.audit.Log(ctx, audit.Entry{
		Action:   "BULK_JOB_CREATED",
		UserID:   &req.CreatedByUser,
		Severity: audit.SeverityInfo,
		Details:  map[string]any{"jobId": job.ID, "mode": req.Mode, "targets": len(ids)},
	})
	metrics.JobsCreatedTotal.Inc()

	return job, nil
}

// AbortJob cancels a running job: flips its context, bulk-marks pending
// executions aborted, and gives already-running executions a grace period
// before they are force-marked aborted regardless of agent acknowledgement.
func (o *Orchestrator) AbortJob(ctx context.Context, jobID uuid.UUID, abortedByUser uuid.UUID) error {
	o.mu.Lock()
	runner, ok := o.runners[jobID]
	o.mu.Unlock()
	if ok {
		runner.cancel()
	}

	inFlight, err := o.executions.ListByJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("orchestrator: listing executions for abort: %w", err)
	}

	if _, err := o.executions.BulkAbortPending(ctx, jobID); err != nil {
		return fmt.Errorf("orchestrator: bulk aborting pending executions: %w", err)
	}
	if err := o.jobs.UpdateStatus(ctx, jobID, "aborted"); err != nil {
		return fmt.Errorf("orchestrator: updating job status: %w", err)
	}

	o.cancelRunningExecutions(inFlight)

	o.audit.Log(ctx, audit.Entry{
		Action:   "BULK_JOB_ABORTED",
		UserID:   &abortedByUser,
		Severity: audit.SeverityWarning,
		Details:  map[string]any{"jobId": jobID},
	})
	metrics.JobsAbortedTotal.Inc()

	if o.publisher != nil {
		o.publisher.Publish("job_status", map[string]any{"jobId": jobID, "status": "aborted"})
	}
	return nil
}

// cancelRunningExecutions best-effort delivers a cancel_command envelope to
// every already-running execution's agent, one goroutine per execution so a
// disconnected agent does not hold up the others. spec.md §4.5: "running
// executions receive a best-effort cancel_command envelope and transition to
// aborted on ack or after 30s."
func (o *Orchestrator) cancelRunningExecutions(execs []db.Execution) {
	for _, exec := range execs {
		if exec.Status != "running" {
			continue
		}
		go o.cancelOneExecution(exec)
	}
}

func (o *Orchestrator) cancelOneExecution(exec db.Execution) {
	ctx := context.Background()

	cmds, err := o.commands.ListByExecution(ctx, exec.ID)
	if err != nil || len(cmds) == 0 {
		o.logger.Warn("orchestrator: no command found for running execution", zap.Any("executionId", exec.ID))
		return
	}
	command := cmds[len(cmds)-1]

	if err := o.dispatcher.CancelCommand(ctx, exec.MachineID, command.ID); err != nil {
		o.logger.Warn("orchestrator: best-effort cancel_command delivery failed", zap.Error(err))
	}

	timer := time.NewTimer(abortGracePeriod)
	defer timer.Stop()
	<-timer.C

	current, err := o.executions.GetByID(ctx, exec.ID)
	if err != nil || current.Status != "running" {
		return
	}
	if err := o.executions.UpdateStatus(ctx, exec.ID, "aborted", nil, "no acknowledgement from agent within grace period"); err != nil {
		o.logger.Warn("orchestrator: failed to force-abort execution", zap.Error(err))
		return
	}
	metrics.JobExecutionsTotal.WithLabelValues("aborted").Inc()
	if o.publisher != nil {
		o.publisher.Publish("job_execution_updated", map[string]any{"executionId": exec.ID, "status": "aborted"})
	}
}

// run executes a job's dispatch loop according to its mode, and is invoked
// exactly once per job in its own goroutine.
func (o *Orchestrator) run(ctx context.Context, job *db.Job, strategy Strategy) {
	if err := o.jobs.UpdateStatus(ctx, job.ID, "running"); err != nil {
		o.logger.Error("orchestrator: failed to mark job running", zap.Error(err))
		return
	}
	if o.publisher != nil {
		o.publisher.Publish("job_status", map[string]any{"jobId": job.ID, "status": "running"})
	}

	pending, err := o.executions.ListPendingByJob(ctx, job.ID)
	if err != nil {
		o.logger.Error("orchestrator: failed to list pending executions", zap.Error(err))
		return
	}

	var failed, total atomic.Int64
	total.Store(int64(len(pending)))

	switch job.Mode {
	case "rolling":
		o.runRolling(ctx, job, pending, strategy, &failed, &total)
	default:
		o.runParallel(ctx, job, pending, strategy, &failed, &total)
	}

	finalStatus := "success"
	if failed.Load() > 0 {
		finalStatus = "failed"
	}
	if ctx.Err() != nil {
		finalStatus = "aborted"
	}
	if err := o.jobs.UpdateStatus(context.Background(), job.ID, finalStatus); err != nil {
		o.logger.Error("orchestrator: failed to mark job final status", zap.Error(err))
	}
	if o.publisher != nil {
		o.publisher.Publish("job_status", map[string]any{"jobId": job.ID, "status": finalStatus})
	}
}

func (o *Orchestrator) runParallel(ctx context.Context, job *db.Job, pending []db.Execution, strategy Strategy, failed, total *atomic.Int64) {
	concurrency := strategy.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	work := make(chan db.Execution)
	var wg sync.WaitGroup
	var aborted atomic.Bool

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for exec := range work {
				if aborted.Load() || ctx.Err() != nil {
					continue
				}
				o.dispatchOne(ctx, job, exec, failed)
				if exceedsThreshold(failed.Load(), total.Load(), strategy.StopOnFailurePercent) {
					aborted.Store(true)
				}
			}
		}()
	}

	for _, exec := range pending {
		if aborted.Load() || ctx.Err() != nil {
			break
		}
		work <- exec
	}
	close(work)
	wg.Wait()

	if aborted.Load() {
		_, _ = o.executions.BulkAbortPending(context.Background(), job.ID)
	}
}

func (o *Orchestrator) runRolling(ctx context.Context, job *db.Job, pending []db.Execution, strategy Strategy, failed, total *atomic.Int64) {
	batchSize := strategy.BatchSize
	if batchSize < 1 {
		batchSize = 1
	}
	wait := time.Duration(strategy.WaitSeconds) * time.Second

	for start := 0; start < len(pending); start += batchSize {
		if ctx.Err() != nil {
			return
		}
		if exceedsThreshold(failed.Load(), total.Load(), strategy.StopOnFailurePercent) {
			_, _ = o.executions.BulkAbortPending(context.Background(), job.ID)
			return
		}

		end := start + batchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		var wg sync.WaitGroup
		for _, exec := range batch {
			wg.Add(1)
			go func(e db.Execution) {
				defer wg.Done()
				o.dispatchOne(ctx, job, e, failed)
			}(exec)
		}
		wg.Wait()

		if end < len(pending) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}
}

func exceedsThreshold(failed, total int64, thresholdPercent float64) bool {
	if total == 0 || thresholdPercent <= 0 {
		return false
	}
	return (float64(failed) / float64(total) * 100) >= thresholdPercent
}

func (o *Orchestrator) dispatchOne(ctx context.Context, job *db.Job, exec db.Execution, failed *atomic.Int64) {
	if err := o.executions.UpdateStatus(ctx, exec.ID, "running", nil, ""); err != nil {
		o.logger.Warn("orchestrator: failed to mark execution running", zap.Error(err))
	}

	command := &db.Command{
		MachineID:   exec.MachineID,
		Command:     job.Command,
		Status:      "running",
		ExecutionID: &exec.ID,
	}
	if err := o.commands.Create(ctx, command); err != nil {
		o.markFailed(ctx, exec.ID, "failed to create command record", failed)
		return
	}

	if err := o.dispatcher.DispatchCommand(ctx, exec.MachineID, command.ID, job.Command); err != nil {
		o.markFailed(ctx, exec.ID, "agent disconnected", failed)
		return
	}

	// Completion is observed asynchronously via agentconn's
	// command_completed handler, which looks up this Command's ExecutionID
	// and updates the Execution row to match.
}

func (o *Orchestrator) markFailed(ctx context.Context, executionID uuid.UUID, reason string, failed *atomic.Int64) {
	if err := o.executions.UpdateStatus(ctx, executionID, "failed", nil, reason); err != nil {
		o.logger.Warn("orchestrator: failed to mark execution failed", zap.Error(err))
	}
	metrics.JobExecutionsTotal.WithLabelValues("failed").Inc()
	failed.Add(1)
}

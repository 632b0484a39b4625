package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arkeep-io/arkeep/server/internal/audit"
	"github.com/arkeep-io/arkeep/server/internal/db"
	"github.com/arkeep-io/arkeep/server/internal/repository"
)

// --- fakes ---

type fakeJobRepo struct {
	mu  sync.Mutex
	job *db.Job
}

func (f *fakeJobRepo) Create(ctx context.Context, job *db.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job.ID = uuid.New()
	f.job = job
	return nil
}

func (f *fakeJobRepo) GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.job, nil
}

func (f *fakeJobRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.job != nil {
		f.job.Status = status
	}
	return nil
}

func (f *fakeJobRepo) List(ctx context.Context, opts repository.ListOptions) ([]db.Job, int64, error) {
	return nil, 0, nil
}

func (f *fakeJobRepo) currentStatus() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.job == nil {
		return ""
	}
	return f.job.Status
}

type fakeExecutionRepo struct {
	mu       sync.Mutex
	byID     map[uuid.UUID]*db.Execution
	byJob    map[uuid.UUID][]uuid.UUID
}

func newFakeExecutionRepo() *fakeExecutionRepo {
	return &fakeExecutionRepo{byID: make(map[uuid.UUID]*db.Execution), byJob: make(map[uuid.UUID][]uuid.UUID)}
}

func (f *fakeExecutionRepo) BulkCreate(ctx context.Context, execs []db.Execution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range execs {
		execs[i].ID = uuid.New()
		e := execs[i]
		f.byID[e.ID] = &e
		f.byJob[e.JobID] = append(f.byJob[e.JobID], e.ID)
	}
	return nil
}

func (f *fakeExecutionRepo) GetByID(ctx context.Context, id uuid.UUID) (*db.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (f *fakeExecutionRepo) ListByJob(ctx context.Context, jobID uuid.UUID) ([]db.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.Execution
	for _, id := range f.byJob[jobID] {
		out = append(out, *f.byID[id])
	}
	return out, nil
}

func (f *fakeExecutionRepo) ListPendingByJob(ctx context.Context, jobID uuid.UUID) ([]db.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.Execution
	for _, id := range f.byJob[jobID] {
		if f.byID[id].Status == "pending" {
			out = append(out, *f.byID[id])
		}
	}
	return out, nil
}

func (f *fakeExecutionRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status string, exitCode *int, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.byID[id]; ok {
		e.Status = status
		e.Error = errMsg
	}
	return nil
}

func (f *fakeExecutionRepo) AppendOutput(ctx context.Context, id uuid.UUID, chunk string, maxBytes int) error {
	return nil
}

func (f *fakeExecutionRepo) BulkAbortPending(ctx context.Context, jobID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, id := range f.byJob[jobID] {
		if f.byID[id].Status == "pending" {
			f.byID[id].Status = "aborted"
			n++
		}
	}
	return n, nil
}

type fakeCommandRepo struct {
	mu      sync.Mutex
	created []*db.Command
}

func (f *fakeCommandRepo) Create(ctx context.Context, c *db.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c.ID = uuid.New()
	f.created = append(f.created, c)
	return nil
}

func (f *fakeCommandRepo) GetByID(ctx context.Context, id uuid.UUID) (*db.Command, error) { return nil, nil }

func (f *fakeCommandRepo) UpdateResult(ctx context.Context, id uuid.UUID, status string, exitCode *int, output string) error {
	return nil
}

func (f *fakeCommandRepo) ListByExecution(ctx context.Context, executionID uuid.UUID) ([]db.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.Command
	for _, c := range f.created {
		if c.ExecutionID != nil && *c.ExecutionID == executionID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeCommandRepo) ListPendingByMachine(ctx context.Context, machineID uuid.UUID) ([]db.Command, error) {
	return nil, nil
}

type fakeResolver struct {
	ids []uuid.UUID
	err error
}

func (f *fakeResolver) ResolveTargets(ctx context.Context, spec TargetSpec) ([]uuid.UUID, error) {
	return f.ids, f.err
}

type fakeDispatcher struct {
	mu        sync.Mutex
	connected map[uuid.UUID]bool
	fail      bool
	dispatched []uuid.UUID
}

func newFakeDispatcher(connected []uuid.UUID) *fakeDispatcher {
	m := make(map[uuid.UUID]bool)
	for _, id := range connected {
		m[id] = true
	}
	return &fakeDispatcher{connected: m}
}

func (f *fakeDispatcher) DispatchCommand(ctx context.Context, machineID uuid.UUID, commandID uuid.UUID, command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail || !f.connected[machineID] {
		return assert.AnError
	}
	f.dispatched = append(f.dispatched, machineID)
	return nil
}

func (f *fakeDispatcher) CancelCommand(ctx context.Context, machineID uuid.UUID, commandID uuid.UUID) error {
	return nil
}

func (f *fakeDispatcher) IsConnected(machineID uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[machineID]
}

type fakePublisher struct {
	mu        sync.Mutex
	published []string
}

func (f *fakePublisher) Publish(msgType string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, msgType)
}

type fakeAuditLogger struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (f *fakeAuditLogger) Log(ctx context.Context, e audit.Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
}

func newTestOrchestrator(ids []uuid.UUID, connected []uuid.UUID) (*Orchestrator, *fakeJobRepo, *fakeExecutionRepo, *fakeDispatcher, *fakePublisher) {
	jobs := &fakeJobRepo{}
	execs := newFakeExecutionRepo()
	cmds := &fakeCommandRepo{}
	resolver := &fakeResolver{ids: ids}
	dispatcher := newFakeDispatcher(connected)
	pub := &fakePublisher{}
	o := New(jobs, execs, cmds, resolver, dispatcher, pub, &fakeAuditLogger{}, zap.NewNop())
	return o, jobs, execs, dispatcher, pub
}

func TestExceedsThreshold(t *testing.T) {
	assert.False(t, exceedsThreshold(0, 10, 50))
	assert.False(t, exceedsThreshold(4, 10, 50))
	assert.True(t, exceedsThreshold(5, 10, 50))
	assert.False(t, exceedsThreshold(5, 10, 0), "a zero threshold disables the stop-on-failure check")
	assert.False(t, exceedsThreshold(1, 0, 50), "zero total never exceeds")
}

func TestDryRunPartitionsByConnectivity(t *testing.T) {
	connectedID := uuid.New()
	offlineID := uuid.New()
	o, _, _, _, _ := newTestOrchestrator([]uuid.UUID{connectedID, offlineID}, []uuid.UUID{connectedID})

	result, err := o.DryRun(context.Background(), TargetSpec{Kind: "adhoc"})
	require.NoError(t, err)
	assert.Equal(t, 2, result.TotalTargets)
	assert.Equal(t, 1, result.ConnectedTargets)
	assert.Equal(t, 1, result.OfflineTargets)
}

func TestCreateJobRejectsEmptyTargetResolution(t *testing.T) {
	o, _, _, _, _ := newTestOrchestrator(nil, nil)
	_, err := o.CreateJob(context.Background(), CreateJobRequest{Command: "uptime", Target: TargetSpec{Kind: "adhoc"}})
	assert.Error(t, err)
}

func TestCreateJobCreatesJobAndExecutionsAndDispatches(t *testing.T) {
	machineID := uuid.New()
	o, jobs, execs, dispatcher, _ := newTestOrchestrator([]uuid.UUID{machineID}, []uuid.UUID{machineID})

	job, err := o.CreateJob(context.Background(), CreateJobRequest{
		Command: "uptime",
		Mode:    "parallel",
		Target:  TargetSpec{Kind: "adhoc"},
	})
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "pending", job.Status)

	all, err := execs.ListByJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, machineID, all[0].MachineID)

	require.Eventually(t, func() bool {
		return jobs.currentStatus() == "success"
	}, 2*time.Second, 5*time.Millisecond)

	assert.Contains(t, dispatcher.dispatched, machineID)
}

func TestCreateJobMarksFailedWhenDispatchFails(t *testing.T) {
	machineID := uuid.New()
	o, jobs, execs, _, _ := newTestOrchestrator([]uuid.UUID{machineID}, nil)

	job, err := o.CreateJob(context.Background(), CreateJobRequest{
		Command: "uptime",
		Mode:    "parallel",
		Target:  TargetSpec{Kind: "adhoc"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return jobs.currentStatus() == "failed"
	}, 2*time.Second, 5*time.Millisecond)

	all, err := execs.ListByJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "failed", all[0].Status)
}

func TestAbortJobMarksJobAbortedAndBulkAbortsPending(t *testing.T) {
	machineID := uuid.New()
	// No agents connected, so CreateJob's background run will stall trying
	// to dispatch; abort it before the run completes.
	o, jobs, execs, _, pub := newTestOrchestrator([]uuid.UUID{machineID}, nil)

	job, err := o.CreateJob(context.Background(), CreateJobRequest{
		Command: "uptime",
		Mode:    "parallel",
		Target:  TargetSpec{Kind: "adhoc"},
	})
	require.NoError(t, err)

	require.NoError(t, o.AbortJob(context.Background(), job.ID, uuid.New()))
	assert.Equal(t, "aborted", jobs.currentStatus())
	assert.Contains(t, pub.published, "job_status")

	_ = execs
}

package queue

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/foundry/pkg/config"
	"github.com/forgeworks/foundry/pkg/models"
	"github.com/forgeworks/foundry/pkg/store"
)

func testQueueConfig() *config.QueueConfig {
	cfg := config.DefaultQueueConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.PollIntervalJitter = 0
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.VisibilityTimeout = time.Minute
	return cfg
}

func seedProject(t *testing.T, st store.Store, id string, status models.ProjectStatus) {
	t.Helper()
	require.NoError(t, st.Projects().Create(context.Background(), &models.Project{
		ID:          id,
		ProjectName: "proj_" + id,
		Requirement: "build something",
		Status:      status,
		CreatedAt:   time.Now(),
	}))
}

func TestEnqueue_Defaults(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	q := New(st, testQueueConfig())

	task := &models.Task{Type: models.TaskTypeBuildAgent, ProjectID: "p1"}
	require.NoError(t, q.Enqueue(ctx, task))

	assert.NotEmpty(t, task.ID)
	assert.Equal(t, models.TaskStatusQueued, task.Status)
	assert.Equal(t, 3, task.MaxRetries)
	assert.False(t, task.CreatedAt.IsZero())
}

func TestEnqueue_DepthLimit(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	cfg := testQueueConfig()
	cfg.MaxQueueDepth = 2
	q := New(st, cfg)

	_, err := q.EnqueueBuild(ctx, "p1", 3)
	require.NoError(t, err)
	_, err = q.EnqueueBuild(ctx, "p2", 3)
	require.NoError(t, err)

	_, err = q.EnqueueBuild(ctx, "p3", 3)
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestClaim_AcquiresBuildMutex(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	q := New(st, testQueueConfig())
	seedProject(t, st, "p1", models.ProjectStatusQueued)

	_, err := q.EnqueueBuild(ctx, "p1", 3)
	require.NoError(t, err)

	task, err := q.Claim(ctx, "w1", workerTaskTypes)
	require.NoError(t, err)
	assert.Equal(t, "p1", task.ProjectID)
	assert.Equal(t, models.TaskStatusRunning, task.Status)

	project, err := st.Projects().Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.ProjectStatusBuilding, project.Status)
	assert.NotNil(t, project.StartedAt)
}

func TestClaim_ReleasesWhenProjectAlreadyBuilding(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	q := New(st, testQueueConfig())
	seedProject(t, st, "p1", models.ProjectStatusBuilding)

	enq, err := q.EnqueueBuild(ctx, "p1", 3)
	require.NoError(t, err)

	// The only ready task belongs to a building project, so the claim
	// loop releases it and reports an empty queue.
	_, err = q.Claim(ctx, "w1", workerTaskTypes)
	assert.ErrorIs(t, err, ErrNoTasksAvailable)

	task, err := st.Tasks().Get(ctx, enq.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusQueued, task.Status)
	assert.Zero(t, task.RetryCount, "release must not consume a retry")
	require.NotNil(t, task.NotBefore)
	assert.True(t, task.NotBefore.After(time.Now()))
}

func TestClaim_CancelsTaskForTerminalProject(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	q := New(st, testQueueConfig())
	seedProject(t, st, "p1", models.ProjectStatusCancelled)

	enq, err := q.EnqueueBuild(ctx, "p1", 3)
	require.NoError(t, err)

	_, err = q.Claim(ctx, "w1", workerTaskTypes)
	assert.ErrorIs(t, err, ErrNoTasksAvailable)

	task, err := st.Tasks().Get(ctx, enq.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, task.Status)
	assert.Contains(t, task.ErrorMessage, "superseded")
}

func TestClaim_CancelsTaskForDeletedProject(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	q := New(st, testQueueConfig())

	enq, err := q.EnqueueBuild(ctx, "ghost", 3)
	require.NoError(t, err)

	_, err = q.Claim(ctx, "w1", workerTaskTypes)
	assert.ErrorIs(t, err, ErrNoTasksAvailable)

	task, err := st.Tasks().Get(ctx, enq.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, task.Status)
	assert.Contains(t, task.ErrorMessage, "no longer exists")
}

func TestClaim_SkipsStaleAndClaimsNext(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	q := New(st, testQueueConfig())
	seedProject(t, st, "done", models.ProjectStatusCompleted)
	seedProject(t, st, "fresh", models.ProjectStatusQueued)

	// Higher priority task is stale; the loop must move on to the fresh one.
	_, err := q.EnqueueBuild(ctx, "done", 5)
	require.NoError(t, err)
	_, err = q.EnqueueBuild(ctx, "fresh", 1)
	require.NoError(t, err)

	task, err := q.Claim(ctx, "w1", workerTaskTypes)
	require.NoError(t, err)
	assert.Equal(t, "fresh", task.ProjectID)
}

func TestBackoff(t *testing.T) {
	cfg := testQueueConfig()
	cfg.RetryBackoffBase = 2 * time.Second
	cfg.RetryBackoffCap = 60 * time.Second
	q := New(store.NewMemoryStore(), cfg)

	assert.Equal(t, 2*time.Second, q.Backoff(0))
	assert.Equal(t, 2*time.Second, q.Backoff(1))
	assert.Equal(t, 4*time.Second, q.Backoff(2))
	assert.Equal(t, 8*time.Second, q.Backoff(3))
	assert.Equal(t, 32*time.Second, q.Backoff(5))
	assert.Equal(t, 60*time.Second, q.Backoff(6))
	assert.Equal(t, 60*time.Second, q.Backoff(50))
}

// ────────────────────────────────────────────────────────────
// Worker
// ────────────────────────────────────────────────────────────

// stubExecutor returns canned results in order, then repeats the last one.
type stubExecutor struct {
	mu      sync.Mutex
	results []*ExecutionResult
	calls   int
}

func (s *stubExecutor) Execute(_ context.Context, _ *models.Task) *ExecutionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	s.calls++
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	return s.results[idx]
}

func (s *stubExecutor) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type noopRegistry struct{}

func (noopRegistry) RegisterBuild(string, context.CancelFunc) {}
func (noopRegistry) UnregisterBuild(string)                   {}

func TestWorker_ProcessesTaskToCompletion(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	cfg := testQueueConfig()
	q := New(st, cfg)
	seedProject(t, st, "p1", models.ProjectStatusQueued)

	enq, err := q.EnqueueBuild(ctx, "p1", 3)
	require.NoError(t, err)

	exec := &stubExecutor{results: []*ExecutionResult{
		{Status: models.TaskStatusCompleted, Result: map[string]any{"done": true}},
	}}
	w := NewWorker("pod-worker-0", "pod", q, st, cfg, exec, noopRegistry{})
	require.NoError(t, w.pollAndProcess(ctx))

	task, err := st.Tasks().Get(ctx, enq.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, task.Status)
	assert.Equal(t, true, task.Result["done"])
	assert.Empty(t, task.WorkerID)
	assert.Nil(t, task.LeaseExpiresAt)
	assert.NotNil(t, task.CompletedAt)

	health := w.Health()
	assert.Equal(t, 1, health.TasksProcessed)
	assert.Equal(t, string(WorkerStatusIdle), health.Status)
}

func TestWorker_RetryableFailureRequeues(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	cfg := testQueueConfig()
	q := New(st, cfg)
	seedProject(t, st, "p1", models.ProjectStatusQueued)

	enq, err := q.EnqueueBuild(ctx, "p1", 3)
	require.NoError(t, err)

	exec := &stubExecutor{results: []*ExecutionResult{
		{Status: models.TaskStatusFailed, Error: assert.AnError, Retryable: true},
	}}
	w := NewWorker("pod-worker-0", "pod", q, st, cfg, exec, noopRegistry{})
	require.NoError(t, w.pollAndProcess(ctx))

	task, err := st.Tasks().Get(ctx, enq.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusQueued, task.Status)
	assert.Equal(t, 1, task.RetryCount)
	require.NotNil(t, task.NotBefore)
	assert.True(t, task.NotBefore.After(time.Now()))
	assert.Nil(t, task.CompletedAt)
}

func TestWorker_RetriesExhaustedFailsTerminally(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	cfg := testQueueConfig()
	q := New(st, cfg)
	seedProject(t, st, "p1", models.ProjectStatusQueued)

	task := &models.Task{
		Type:       models.TaskTypeBuildAgent,
		ProjectID:  "p1",
		Status:     models.TaskStatusQueued,
		MaxRetries: 2,
		RetryCount: 2,
	}
	require.NoError(t, q.Enqueue(ctx, task))

	exec := &stubExecutor{results: []*ExecutionResult{
		{Status: models.TaskStatusFailed, Error: assert.AnError, Retryable: true},
	}}
	w := NewWorker("pod-worker-0", "pod", q, st, cfg, exec, noopRegistry{})
	require.NoError(t, w.pollAndProcess(ctx))

	got, err := st.Tasks().Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestWorker_NilExecutorResult(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	cfg := testQueueConfig()
	q := New(st, cfg)
	seedProject(t, st, "p1", models.ProjectStatusQueued)

	enq, err := q.EnqueueBuild(ctx, "p1", 3)
	require.NoError(t, err)

	exec := &stubExecutor{results: []*ExecutionResult{nil}}
	w := NewWorker("pod-worker-0", "pod", q, st, cfg, exec, noopRegistry{})
	require.NoError(t, w.pollAndProcess(ctx))

	task, err := st.Tasks().Get(ctx, enq.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, task.Status)
	assert.Contains(t, task.ErrorMessage, "nil result")
}

func TestWorkerPool_StartStop(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	cfg := testQueueConfig()
	cfg.WorkerCount = 2
	cfg.OrphanScanInterval = 50 * time.Millisecond
	q := New(st, cfg)

	exec := &stubExecutor{results: []*ExecutionResult{
		{Status: models.TaskStatusCompleted},
	}}
	pool := NewWorkerPool("pod", st, q, cfg, exec)
	require.NoError(t, pool.Start(ctx))
	require.NoError(t, pool.Start(ctx), "duplicate start is a no-op")

	health := pool.Health()
	assert.True(t, health.IsHealthy)
	assert.Equal(t, 2, health.TotalWorkers)
	assert.Equal(t, "pod", health.PodID)

	pool.Stop()
}

func TestWorkerPool_ProcessesQueuedBuild(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	cfg := testQueueConfig()
	cfg.WorkerCount = 1
	q := New(st, cfg)
	seedProject(t, st, "p1", models.ProjectStatusQueued)

	enq, err := q.EnqueueBuild(ctx, "p1", 3)
	require.NoError(t, err)

	exec := &stubExecutor{results: []*ExecutionResult{
		{Status: models.TaskStatusCompleted},
	}}
	pool := NewWorkerPool("pod", st, q, cfg, exec)
	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	require.Eventually(t, func() bool {
		task, err := st.Tasks().Get(ctx, enq.ID)
		return err == nil && task.Status == models.TaskStatusCompleted
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, exec.callCount())
}

func TestCancelBuild(t *testing.T) {
	pool := NewWorkerPool("pod", store.NewMemoryStore(), nil, testQueueConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	pool.RegisterBuild("p1", cancel)

	assert.False(t, pool.CancelBuild("unknown"))
	assert.True(t, pool.CancelBuild("p1"))
	assert.ErrorIs(t, ctx.Err(), context.Canceled)

	pool.UnregisterBuild("p1")
	assert.False(t, pool.CancelBuild("p1"))
}

func TestRecoverStartupOrphans(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	cfg := testQueueConfig()
	q := New(st, cfg)
	seedProject(t, st, "p1", models.ProjectStatusQueued)

	enq, err := q.EnqueueBuild(ctx, "p1", 3)
	require.NoError(t, err)

	// Simulate a pod dying mid-build.
	_, err = q.Claim(ctx, "pod-worker-0", workerTaskTypes)
	require.NoError(t, err)

	require.NoError(t, RecoverStartupOrphans(ctx, st, "pod"))

	task, err := st.Tasks().Get(ctx, enq.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusQueued, task.Status)
	assert.Empty(t, task.WorkerID)

	project, err := st.Projects().Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.ProjectStatusQueued, project.Status)
}

func TestOrphanScanRefreshesQueueDepthGauge(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	cfg := testQueueConfig()
	q := New(st, cfg)
	seedProject(t, st, "p1", models.ProjectStatusQueued)
	seedProject(t, st, "p2", models.ProjectStatusQueued)

	_, err := q.EnqueueBuild(ctx, "p1", 3)
	require.NoError(t, err)
	_, err = q.EnqueueBuild(ctx, "p2", 3)
	require.NoError(t, err)

	pool := NewWorkerPool("pod", st, q, cfg, nil)
	require.NoError(t, pool.recoverOrphans(ctx))

	expected := strings.NewReader(`
# HELP foundry_queue_depth Tasks in the ready set at last poll.
# TYPE foundry_queue_depth gauge
foundry_queue_depth 2
`)
	require.NoError(t, testutil.GatherAndCompare(prometheus.DefaultGatherer, expected, "foundry_queue_depth"))
}

func TestRecoverStartupOrphans_IgnoresOtherPods(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	cfg := testQueueConfig()
	q := New(st, cfg)
	seedProject(t, st, "p1", models.ProjectStatusQueued)

	enq, err := q.EnqueueBuild(ctx, "p1", 3)
	require.NoError(t, err)
	_, err = q.Claim(ctx, "otherpod-worker-0", workerTaskTypes)
	require.NoError(t, err)

	require.NoError(t, RecoverStartupOrphans(ctx, st, "pod"))

	task, err := st.Tasks().Get(ctx, enq.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRunning, task.Status)
}

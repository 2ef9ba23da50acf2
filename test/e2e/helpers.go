// Package e2e runs full-stack scenarios: HTTP submission through the
// queue, worker pool, and pipeline driver down to artifacts on disk.
// The store is in-memory and the sub-agent bodies are the scripted
// implementations, so runs are fast and deterministic.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/foundry/pkg/api"
	"github.com/forgeworks/foundry/pkg/artifacts"
	"github.com/forgeworks/foundry/pkg/config"
	"github.com/forgeworks/foundry/pkg/events"
	"github.com/forgeworks/foundry/pkg/models"
	"github.com/forgeworks/foundry/pkg/pipeline"
	"github.com/forgeworks/foundry/pkg/queue"
	"github.com/forgeworks/foundry/pkg/registry"
	"github.com/forgeworks/foundry/pkg/services"
	"github.com/forgeworks/foundry/pkg/store"
	"github.com/forgeworks/foundry/pkg/subagent"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// TestApp is a complete foundry instance over the in-memory store.
type TestApp struct {
	Store   store.Store
	Writer  *artifacts.Writer
	Pool    *queue.WorkerPool
	Bus     *events.Bus
	BaseURL string
}

// AppOptions tweaks the app for a scenario.
type AppOptions struct {
	// Factory overrides the scripted sub-agent bodies. Nil keeps them.
	Factory subagent.Factory
	// DeploymentEnabled opts the deployer stage in.
	DeploymentEnabled bool
	// Workers overrides the worker count (default 2).
	Workers int
}

// NewTestApp wires the full stack and starts the worker pool. Everything
// is torn down via t.Cleanup.
func NewTestApp(t *testing.T, opts AppOptions) *TestApp {
	t.Helper()

	st := store.NewMemoryStore()
	writer, err := artifacts.NewWriter(t.TempDir())
	require.NoError(t, err)

	queueCfg := config.DefaultQueueConfig()
	queueCfg.WorkerCount = 2
	if opts.Workers > 0 {
		queueCfg.WorkerCount = opts.Workers
	}
	queueCfg.PollInterval = 10 * time.Millisecond
	queueCfg.PollIntervalJitter = 2 * time.Millisecond
	queueCfg.HeartbeatInterval = 50 * time.Millisecond
	queueCfg.VisibilityTimeout = 30 * time.Second
	queueCfg.OrphanScanInterval = 100 * time.Millisecond
	queueCfg.RetryBackoffBase = 10 * time.Millisecond
	queueCfg.RetryBackoffCap = 50 * time.Millisecond

	pipelineCfg := config.DefaultPipelineConfig()
	pipelineCfg.WorkspaceRoot = writer.Root()
	pipelineCfg.StageTimeout = 10 * time.Second
	pipelineCfg.StageRetryBackoffBase = time.Millisecond
	pipelineCfg.StageRetryBackoffCap = 5 * time.Millisecond
	pipelineCfg.DeploymentEnabled = opts.DeploymentEnabled

	factory := opts.Factory
	if factory == nil {
		factory = subagent.Scripted()
	}

	bus := events.NewBus()
	reg := registry.Default()
	q := queue.New(st, queueCfg)

	executor := pipeline.NewStageExecutor(st, writer, reg, factory, pipelineCfg, bus)
	driver := pipeline.NewDriver(st, writer, reg, executor, pipelineCfg, bus)

	poolCtx, poolCancel := context.WithCancel(context.Background())
	pool := queue.NewWorkerPool("e2e-pod", st, q, queueCfg, driver)
	require.NoError(t, pool.Start(poolCtx))

	projects := services.NewProjectService(st, q, reg, writer, pipelineCfg, bus)
	projects.SetCanceller(pool)
	dashboard := services.NewDashboardService(st, writer)

	server := httptest.NewServer(api.NewServer(projects, dashboard, pool, bus).Router())

	t.Cleanup(func() {
		server.Close()
		pool.Stop()
		poolCancel()
	})

	return &TestApp{
		Store:   st,
		Writer:  writer,
		Pool:    pool,
		Bus:     bus,
		BaseURL: server.URL,
	}
}

// ────────────────────────────────────────────────────────────
// HTTP helpers
// ────────────────────────────────────────────────────────────

// SubmitBuild posts a build request and returns the parsed response.
func (app *TestApp) SubmitBuild(t *testing.T, requirement, projectName string) map[string]any {
	t.Helper()
	body := map[string]any{"requirement": requirement}
	if projectName != "" {
		body["project_name"] = projectName
	}
	return app.postJSON(t, "/api/v1/builds", body, http.StatusAccepted)
}

// Control posts a control action for a project.
func (app *TestApp) Control(t *testing.T, projectID string, body map[string]any, expectedStatus int) map[string]any {
	t.Helper()
	return app.postJSON(t, "/api/v1/projects/"+projectID+"/control", body, expectedStatus)
}

// GetProject retrieves a project by ID.
func (app *TestApp) GetProject(t *testing.T, projectID string) map[string]any {
	t.Helper()
	return app.getJSON(t, "/api/v1/projects/"+projectID, http.StatusOK)
}

// GetDashboard retrieves the dashboard view for a project.
func (app *TestApp) GetDashboard(t *testing.T, projectID string) map[string]any {
	t.Helper()
	return app.getJSON(t, "/api/v1/projects/"+projectID+"/dashboard", http.StatusOK)
}

// GetHealth calls GET /health.
func (app *TestApp) GetHealth(t *testing.T) map[string]any {
	t.Helper()
	return app.getJSON(t, "/health", http.StatusOK)
}

func (app *TestApp) postJSON(t *testing.T, path string, body any, expectedStatus int) map[string]any {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, app.BaseURL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, expectedStatus, resp.StatusCode, "POST %s: %s", path, raw)
	var result map[string]any
	require.NoError(t, json.Unmarshal(raw, &result))
	return result
}

func (app *TestApp) getJSON(t *testing.T, path string, expectedStatus int) map[string]any {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, app.BaseURL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, expectedStatus, resp.StatusCode, "GET %s: %s", path, raw)
	var result map[string]any
	require.NoError(t, json.Unmarshal(raw, &result))
	return result
}

// ────────────────────────────────────────────────────────────
// Polling helpers
// ────────────────────────────────────────────────────────────

// WaitForProjectStatus polls the store until the project reaches one of
// the expected statuses and returns the project.
func (app *TestApp) WaitForProjectStatus(t *testing.T, projectID string, expected ...models.ProjectStatus) *models.Project {
	t.Helper()
	var last *models.Project
	require.Eventually(t, func() bool {
		p, err := app.Store.Projects().Get(context.Background(), projectID)
		if err != nil {
			return false
		}
		last = p
		for _, exp := range expected {
			if p.Status == exp {
				return true
			}
		}
		return false
	}, 15*time.Second, 20*time.Millisecond,
		"project %s did not reach status %v (last: %+v)", projectID, expected, last)
	return last
}

// ────────────────────────────────────────────────────────────
// Blocking sub-agent factory
// ────────────────────────────────────────────────────────────

// blockingFactory wraps the scripted bodies so one stage blocks in Run
// until released (or its context is cancelled). Control tests use it to
// hold a build mid-stage while they issue flags.
type blockingFactory struct {
	inner   subagent.Factory
	stage   string
	entered chan struct{}

	mu       sync.Mutex
	released bool
	release  chan struct{}
}

func newBlockingFactory(stage string) *blockingFactory {
	return &blockingFactory{
		inner:   subagent.Scripted(),
		stage:   stage,
		entered: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
}

// Release unblocks the held stage; later runs pass through immediately.
func (f *blockingFactory) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.released {
		f.released = true
		close(f.release)
	}
}

// AwaitEntered blocks until the held stage starts running.
func (f *blockingFactory) AwaitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-f.entered:
	case <-time.After(15 * time.Second):
		t.Fatalf("stage %s never started", f.stage)
	}
}

func (f *blockingFactory) Strategy(stageName string) (subagent.Strategy, error) {
	s, err := f.inner.Strategy(stageName)
	if err != nil {
		return nil, err
	}
	if stageName != f.stage {
		return s, nil
	}
	return &blockingStrategy{inner: s, factory: f}, nil
}

type blockingStrategy struct {
	inner   subagent.Strategy
	factory *blockingFactory
}

func (b *blockingStrategy) Name() string { return b.inner.Name() }

func (b *blockingStrategy) Prepare(rc *subagent.RunContext) error { return b.inner.Prepare(rc) }

func (b *blockingStrategy) Validate(files []subagent.File) error { return b.inner.Validate(files) }

func (b *blockingStrategy) Run(ctx context.Context, rc *subagent.RunContext) (*subagent.Result, error) {
	select {
	case b.factory.entered <- struct{}{}:
	default:
	}
	select {
	case <-b.factory.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return b.inner.Run(ctx, rc)
}

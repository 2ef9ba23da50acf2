package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/forgeworks/foundry/pkg/config"
	"github.com/forgeworks/foundry/pkg/models"
	"github.com/forgeworks/foundry/pkg/store"
)

// WorkerPool manages a pool of queue workers.
type WorkerPool struct {
	podID    string
	store    store.Store
	queue    *Queue
	cfg      *config.QueueConfig
	executor BuildExecutor
	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Build cancel registry: project_id → cancel function
	activeBuilds map[string]context.CancelFunc
	mu           sync.RWMutex
	started      bool

	// Orphan recovery state
	orphans orphanState
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(podID string, st store.Store, q *Queue, cfg *config.QueueConfig, executor BuildExecutor) *WorkerPool {
	return &WorkerPool{
		podID:        podID,
		store:        st,
		queue:        q,
		cfg:          cfg,
		executor:     executor,
		workers:      make([]*Worker, 0, cfg.WorkerCount),
		stopCh:       make(chan struct{}),
		activeBuilds: make(map[string]context.CancelFunc),
	}
}

// Start spawns worker goroutines and the orphan recovery background task.
// It is safe to call multiple times; subsequent calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return nil
	}
	p.started = true

	slog.Info("Starting worker pool", "pod_id", p.podID, "worker_count", p.cfg.WorkerCount)

	for i := 0; i < p.cfg.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		worker := NewWorker(workerID, p.podID, p.queue, p.store, p.cfg, p.executor, p)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOrphanRecovery(ctx)
	}()

	slog.Info("Worker pool started")
	return nil
}

// Stop signals all workers to stop and waits for them to finish. Workers
// finish their current stage before exiting (graceful shutdown).
func (p *WorkerPool) Stop() {
	slog.Info("Stopping worker pool gracefully")

	active := p.activeBuildIDs()
	if len(active) > 0 {
		slog.Info("Waiting for active builds to reach a stage boundary",
			"count", len(active),
			"project_ids", active)
	}

	for _, worker := range p.workers {
		worker.Stop()
	}

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	slog.Info("Worker pool stopped gracefully")
}

// RegisterBuild stores a cancel function for manual stop requests.
func (p *WorkerPool) RegisterBuild(projectID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeBuilds[projectID] = cancel
}

// UnregisterBuild removes the cancel function when processing ends.
func (p *WorkerPool) UnregisterBuild(projectID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeBuilds, projectID)
}

// CancelBuild triggers context cancellation for a build on this pod.
// Returns true if the build was found and cancelled on this pod.
func (p *WorkerPool) CancelBuild(projectID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.activeBuilds[projectID]; ok {
		cancel()
		return true
	}
	return false
}

// Health returns the current health status of the pool.
func (p *WorkerPool) Health() *PoolHealth {
	ctx := context.Background()

	queueDepth, errQ := p.queue.Depth(ctx)
	if errQ != nil {
		slog.Error("Failed to query queue depth for health check",
			"pod_id", p.podID, "error", errQ)
	}

	running, errA := p.store.Tasks().List(ctx, models.TaskFilters{
		Status: models.TaskStatusRunning,
	})
	if errA != nil {
		slog.Error("Failed to query running tasks for health check",
			"pod_id", p.podID, "error", errA)
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == string(WorkerStatusWorking) {
			activeWorkers++
		}
	}

	storeHealthy := errQ == nil && errA == nil
	isHealthy := len(p.workers) > 0 && storeHealthy

	p.orphans.mu.Lock()
	lastOrphanScan := p.orphans.lastOrphanScan
	orphansRecovered := p.orphans.orphansRecovered
	p.orphans.mu.Unlock()

	var storeError string
	if !storeHealthy {
		if errQ != nil {
			storeError = fmt.Sprintf("queue depth query failed: %v", errQ)
		} else {
			storeError = fmt.Sprintf("running tasks query failed: %v", errA)
		}
	}

	return &PoolHealth{
		IsHealthy:        isHealthy,
		StoreReachable:   storeHealthy,
		StoreError:       storeError,
		PodID:            p.podID,
		ActiveWorkers:    activeWorkers,
		TotalWorkers:     len(p.workers),
		QueueDepth:       queueDepth,
		ActiveBuilds:     len(running),
		WorkerStats:      workerStats,
		LastOrphanScan:   lastOrphanScan,
		OrphansRecovered: orphansRecovered,
	}
}

// activeBuildIDs returns the project IDs currently building (for logging).
func (p *WorkerPool) activeBuildIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.activeBuilds))
	for id := range p.activeBuilds {
		ids = append(ids, id)
	}
	return ids
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/forgeworks/foundry/pkg/metrics"
	"github.com/forgeworks/foundry/pkg/models"
	"github.com/forgeworks/foundry/pkg/store"
)

// orphanState tracks orphan recovery metrics (thread-safe).
type orphanState struct {
	mu               sync.Mutex
	lastOrphanScan   time.Time
	orphansRecovered int
}

// runOrphanRecovery periodically returns tasks with lapsed leases to the
// ready set. All pods run this independently; requeueing is idempotent
// because it is guarded by the task version counter.
func (p *WorkerPool) runOrphanRecovery(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.OrphanScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.recoverOrphans(ctx); err != nil {
				slog.Error("Orphan recovery failed", "error", err)
			}
		}
	}
}

// recoverOrphans requeues expired running tasks. Builds resume from their
// last committed stage when the task is re-delivered, so re-delivery is
// the recovery, not a terminal mark.
func (p *WorkerPool) recoverOrphans(ctx context.Context) error {
	recovered, err := p.store.Tasks().RequeueExpired(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to requeue expired tasks: %w", err)
	}

	p.orphans.mu.Lock()
	p.orphans.lastOrphanScan = time.Now()
	p.orphans.orphansRecovered += recovered
	p.orphans.mu.Unlock()

	if recovered > 0 {
		slog.Warn("Recovered orphaned tasks", "count", recovered)
	}

	// The scan tick doubles as the gauge refresh.
	if depth, err := p.queue.Depth(ctx); err == nil {
		metrics.SetQueueDepth(depth)
	}
	return nil
}

// RecoverStartupOrphans requeues running tasks owned by this pod from a
// previous run. Their projects return to queued so the build mutex can be
// re-acquired on re-delivery. Called once during startup, before the
// worker pool begins processing.
func RecoverStartupOrphans(ctx context.Context, st store.Store, podID string) error {
	tasks, err := st.Tasks().List(ctx, models.TaskFilters{Status: models.TaskStatusRunning})
	if err != nil {
		return fmt.Errorf("failed to query startup orphans: %w", err)
	}

	mine := 0
	for _, task := range tasks {
		if !isOwnedByPod(task.WorkerID, podID) {
			continue
		}
		mine++

		_, err := store.UpdateTaskWithRetry(ctx, st.Tasks(), task.ID, func(t *models.Task) error {
			t.Status = models.TaskStatusQueued
			t.WorkerID = ""
			t.LeaseExpiresAt = nil
			nb := time.Now().UTC()
			t.NotBefore = &nb
			return nil
		})
		if err != nil {
			slog.Error("Failed to requeue startup orphan", "task_id", task.ID, "error", err)
			continue
		}

		if task.ProjectID != "" {
			_, err := store.UpdateProjectWithRetry(ctx, st.Projects(), task.ProjectID, func(pr *models.Project) error {
				if pr.Status == models.ProjectStatusBuilding {
					pr.Status = models.ProjectStatusQueued
				}
				return nil
			})
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				slog.Error("Failed to reset project after startup orphan",
					"project_id", task.ProjectID, "error", err)
			}
		}

		slog.Info("Startup orphan requeued", "task_id", task.ID, "project_id", task.ProjectID)
	}

	if mine > 0 {
		slog.Warn("Found startup orphans from previous run", "pod_id", podID, "count", mine)
	}
	return nil
}

// isOwnedByPod reports whether workerID belongs to podID. Worker IDs are
// "<pod>-worker-<n>".
func isOwnedByPod(workerID, podID string) bool {
	return len(workerID) > len(podID) && workerID[:len(podID)] == podID
}

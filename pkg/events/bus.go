package events

import (
	"log/slog"
	"sync"

	"github.com/forgeworks/foundry/pkg/models"
)

// Publisher is the write side consumed by the pipeline. Implementations
// must be non-blocking: publishing is best-effort by contract.
type Publisher interface {
	PublishProjectStatus(projectID string, status models.ProjectStatus, progress int)
	PublishStageStatus(projectID, stageName string, stageNumber int, status models.StageStatus)
	PublishStageEvent(projectID string, payload StageEventPayload)
}

// subscriber buffers events for one consumer. Slow consumers drop events
// rather than stall the pipeline.
type subscriber struct {
	projectID string // empty subscribes to all projects
	ch        chan Envelope
}

// Bus is an in-process fan-out of build events.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscriber
	next int
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe registers a consumer for one project's events, or all projects
// when projectID is empty. The returned cancel func must be called to
// release the subscription.
func (b *Bus) Subscribe(projectID string, buffer int) (<-chan Envelope, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	b.mu.Lock()
	id := b.next
	b.next++
	sub := &subscriber{projectID: projectID, ch: make(chan Envelope, buffer)}
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// publish fans out to matching subscribers without blocking.
func (b *Bus) publish(env Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.projectID != "" && sub.projectID != env.ProjectID {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			slog.Debug("Dropping event for slow subscriber",
				"project_id", env.ProjectID, "type", env.Type)
		}
	}
}

// PublishProjectStatus implements Publisher.
func (b *Bus) PublishProjectStatus(projectID string, status models.ProjectStatus, progress int) {
	b.publish(Envelope{
		Type:      EventTypeProjectStatus,
		ProjectID: projectID,
		Timestamp: now(),
		ProjectStatus: &ProjectStatusPayload{
			Status:   status,
			Progress: progress,
		},
	})
}

// PublishStageStatus implements Publisher.
func (b *Bus) PublishStageStatus(projectID, stageName string, stageNumber int, status models.StageStatus) {
	b.publish(Envelope{
		Type:      EventTypeStageStatus,
		ProjectID: projectID,
		Timestamp: now(),
		StageStatus: &StageStatusPayload{
			StageName:   stageName,
			StageNumber: stageNumber,
			Status:      status,
		},
	})
}

// PublishStageEvent implements Publisher.
func (b *Bus) PublishStageEvent(projectID string, payload StageEventPayload) {
	b.publish(Envelope{
		Type:       EventTypeStageEvent,
		ProjectID:  projectID,
		Timestamp:  now(),
		StageEvent: &payload,
	})
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/forgeworks/foundry/pkg/models"
)

// MemoryStore is an in-memory Store used for development mode and tests.
// It honors the same CAS and lease semantics as the postgres store.
type MemoryStore struct {
	mu       sync.RWMutex
	projects map[string]*models.Project
	tasks    map[string]*models.Task
	agents   map[string]*models.Agent
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects: make(map[string]*models.Project),
		tasks:    make(map[string]*models.Task),
		agents:   make(map[string]*models.Agent),
	}
}

// Projects returns the project store.
func (m *MemoryStore) Projects() ProjectStore { return (*memProjects)(m) }

// Tasks returns the task store.
func (m *MemoryStore) Tasks() TaskStore { return (*memTasks)(m) }

// Agents returns the agent store.
func (m *MemoryStore) Agents() AgentStore { return (*memAgents)(m) }

// DeleteProjectCascade removes the project with its tasks and agents.
func (m *MemoryStore) DeleteProjectCascade(_ context.Context, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.projects, projectID)
	for id, t := range m.tasks {
		if t.ProjectID == projectID {
			delete(m.tasks, id)
		}
	}
	for id, a := range m.agents {
		if a.ProjectID == projectID {
			delete(m.agents, id)
		}
	}
	return nil
}

// clone deep-copies a record through JSON so callers never alias stored state.
func clone[T any](v *T) *T {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("memory store clone marshal: %v", err))
	}
	out := new(T)
	if err := json.Unmarshal(b, out); err != nil {
		panic(fmt.Sprintf("memory store clone unmarshal: %v", err))
	}
	return out
}

// ────────────────────────────────────────────────────────────
// Projects
// ────────────────────────────────────────────────────────────

type memProjects MemoryStore

func (m *memProjects) Create(_ context.Context, p *models.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[p.ID]; ok {
		return ErrAlreadyExists
	}
	for _, existing := range m.projects {
		if existing.ProjectName != "" && existing.ProjectName == p.ProjectName {
			return ErrAlreadyExists
		}
	}
	m.projects[p.ID] = clone(p)
	return nil
}

func (m *memProjects) Get(_ context.Context, id string) (*models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(p), nil
}

func (m *memProjects) GetByName(_ context.Context, name string) (*models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.projects {
		if p.ProjectName == name {
			return clone(p), nil
		}
	}
	return nil, ErrNotFound
}

func (m *memProjects) Update(_ context.Context, id string, expectedVersion int64, mutate ProjectMutator) (*models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	if p.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	next := clone(p)
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.Version = expectedVersion + 1
	next.UpdatedAt = time.Now()
	m.projects[id] = next
	return clone(next), nil
}

func (m *memProjects) List(_ context.Context, f models.ProjectFilters) (*models.ProjectPage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]*models.Project, 0, len(m.projects))
	for _, p := range m.projects {
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.UserID != "" && p.UserID != f.UserID {
			continue
		}
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})

	start := 0
	if f.LastKey != "" {
		for i, p := range all {
			if p.ID == f.LastKey {
				start = i + 1
				break
			}
		}
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}

	page := &models.ProjectPage{HasMore: end < len(all)}
	for _, p := range all[start:end] {
		page.Projects = append(page.Projects, clone(p))
	}
	if page.HasMore && len(page.Projects) > 0 {
		page.LastKey = page.Projects[len(page.Projects)-1].ID
	}
	return page, nil
}

func (m *memProjects) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.projects, id)
	return nil
}

// ────────────────────────────────────────────────────────────
// Tasks
// ────────────────────────────────────────────────────────────

type memTasks MemoryStore

func (m *memTasks) Create(_ context.Context, t *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return ErrAlreadyExists
	}
	m.tasks[t.ID] = clone(t)
	return nil
}

func (m *memTasks) Get(_ context.Context, id string) (*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(t), nil
}

func (m *memTasks) Update(_ context.Context, id string, expectedVersion int64, mutate TaskMutator) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	next := clone(t)
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.Version = expectedVersion + 1
	m.tasks[id] = next
	return clone(next), nil
}

func (m *memTasks) List(_ context.Context, f models.TaskFilters) ([]*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Task
	for _, t := range m.tasks {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.ProjectID != "" && t.ProjectID != f.ProjectID {
			continue
		}
		if f.Type != "" && t.Type != f.Type {
			continue
		}
		out = append(out, clone(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memTasks) Claim(_ context.Context, workerID string, types []models.TaskType, visibility time.Duration) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	typeSet := make(map[models.TaskType]bool, len(types))
	for _, tt := range types {
		typeSet[tt] = true
	}

	var candidates []*models.Task
	for _, t := range m.tasks {
		if t.Status != models.TaskStatusPending && t.Status != models.TaskStatusQueued {
			continue
		}
		if len(typeSet) > 0 && !typeSet[t.Type] {
			continue
		}
		if t.NotBefore != nil && t.NotBefore.After(now) {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return nil, ErrNoTasks
	}

	// Priority DESC, then FIFO.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})

	t := clone(candidates[0])
	lease := now.Add(visibility)
	t.Status = models.TaskStatusRunning
	t.WorkerID = workerID
	t.LeaseExpiresAt = &lease
	if t.StartedAt == nil {
		t.StartedAt = &now
	}
	t.Version++
	m.tasks[t.ID] = clone(t)
	return t, nil
}

func (m *memTasks) Heartbeat(_ context.Context, taskID, workerID string, visibility time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if t.Status != models.TaskStatusRunning || t.WorkerID != workerID {
		return ErrLeaseLost
	}
	lease := time.Now().Add(visibility)
	t.LeaseExpiresAt = &lease
	t.Version++
	return nil
}

func (m *memTasks) RequeueExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	touched := 0
	for _, t := range m.tasks {
		if t.Status != models.TaskStatusRunning {
			continue
		}
		if t.LeaseExpiresAt == nil || t.LeaseExpiresAt.After(now) {
			continue
		}
		touched++
		t.Version++
		t.RetryCount++
		t.WorkerID = ""
		t.LeaseExpiresAt = nil
		if t.RetryCount > t.MaxRetries {
			t.Status = models.TaskStatusFailed
			completed := now
			t.CompletedAt = &completed
			t.ErrorMessage = "lease expired and retries exhausted"
			continue
		}
		t.Status = models.TaskStatusQueued
		nb := now
		t.NotBefore = &nb
	}
	return touched, nil
}

func (m *memTasks) DeleteByProject(_ context.Context, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.tasks {
		if t.ProjectID == projectID {
			delete(m.tasks, id)
		}
	}
	return nil
}

// ────────────────────────────────────────────────────────────
// Agents
// ────────────────────────────────────────────────────────────

type memAgents MemoryStore

func (m *memAgents) Create(_ context.Context, a *models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[a.ID]; ok {
		return ErrAlreadyExists
	}
	m.agents[a.ID] = clone(a)
	return nil
}

func (m *memAgents) Get(_ context.Context, id string) (*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(a), nil
}

func (m *memAgents) ListByProject(_ context.Context, projectID string) ([]*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Agent
	for _, a := range m.agents {
		if a.ProjectID == projectID {
			out = append(out, clone(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memAgents) DeleteByProject(_ context.Context, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, a := range m.agents {
		if a.ProjectID == projectID {
			delete(m.agents, id)
		}
	}
	return nil
}

package postgres

import (
	"context"
	stdsql "database/sql"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/forgeworks/foundry/pkg/models"
	"github.com/forgeworks/foundry/pkg/store"
)

// newTestStore creates a store with CI/local environment detection.
// In CI (when CI_DATABASE_URL is set): connects to the external PostgreSQL
// service container. In local dev: spins up a testcontainer.
func newTestStore(t *testing.T) *Store {
	ctx := context.Background()

	connStr := os.Getenv("CI_DATABASE_URL")
	if connStr == "" {
		t.Log("Using testcontainers for PostgreSQL")
		pgContainer, err := tcpostgres.Run(ctx,
			"postgres:16-alpine",
			tcpostgres.WithDatabase("foundry_test"),
			tcpostgres.WithUsername("test"),
			tcpostgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)

		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(pgContainer); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		connStr, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	} else {
		t.Log("Using external PostgreSQL from CI_DATABASE_URL")
	}

	db, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	require.NoError(t, db.PingContext(ctx))

	client, err := NewClientFromDB(db, "foundry_test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return NewStore(client)
}

// seedProject inserts a minimal project with a unique name and schedules
// cascade cleanup, so tests stay isolated on a shared CI database.
func seedProject(t *testing.T, s *Store) *models.Project {
	t.Helper()
	ctx := context.Background()
	id := uuid.NewString()
	p := &models.Project{
		ID:          id,
		Requirement: "Build an agent that can fetch weather forecasts",
		ProjectName: "weather_bot_" + id[:8],
		UserID:      "user_" + id[:8],
		Priority:    3,
		Status:      models.ProjectStatusQueued,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, s.Projects().Create(ctx, p))
	t.Cleanup(func() { _ = s.DeleteProjectCascade(context.Background(), id) })
	return p
}

func seedTask(t *testing.T, s *Store, projectID string, priority int, createdAt time.Time) *models.Task {
	t.Helper()
	task := &models.Task{
		ID:         uuid.NewString(),
		Type:       models.TaskTypeBuildAgent,
		ProjectID:  projectID,
		Priority:   priority,
		MaxRetries: 3,
		Status:     models.TaskStatusQueued,
		CreatedAt:  createdAt,
	}
	require.NoError(t, s.Tasks().Create(context.Background(), task))
	return task
}

func TestProjects_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)

	got, err := s.Projects().Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ProjectName, got.ProjectName)
	assert.Equal(t, models.ProjectStatusQueued, got.Status)

	byName, err := s.Projects().GetByName(ctx, p.ProjectName)
	require.NoError(t, err)
	assert.Equal(t, p.ID, byName.ID)

	// Same name, different ID: unique index rejects it.
	dup := *p
	dup.ID = uuid.NewString()
	assert.ErrorIs(t, s.Projects().Create(ctx, &dup), store.ErrAlreadyExists)

	require.NoError(t, s.Projects().Delete(ctx, p.ID))
	_, err = s.Projects().Get(ctx, p.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.Projects().Delete(ctx, p.ID), store.ErrNotFound)
}

func TestProjects_UnnamedProjectsMayCoexist(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Names are optional; builds submitted without one must not collide
	// on the uniqueness index.
	for i := 0; i < 2; i++ {
		id := uuid.NewString()
		p := &models.Project{
			ID:          id,
			Requirement: "Build an agent that can sort files",
			Priority:    3,
			Status:      models.ProjectStatusQueued,
			CreatedAt:   time.Now().UTC(),
		}
		require.NoError(t, s.Projects().Create(ctx, p))
		t.Cleanup(func() { _ = s.DeleteProjectCascade(context.Background(), id) })
	}
}

func TestProjects_UpdateCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)

	updated, err := s.Projects().Update(ctx, p.ID, p.Version, func(pr *models.Project) error {
		pr.Status = models.ProjectStatusBuilding
		pr.Progress = 11
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, p.Version+1, updated.Version)
	assert.Equal(t, models.ProjectStatusBuilding, updated.Status)

	// Stale writer loses.
	_, err = s.Projects().Update(ctx, p.ID, p.Version, func(pr *models.Project) error {
		pr.Progress = 99
		return nil
	})
	assert.ErrorIs(t, err, store.ErrVersionConflict)

	got, err := s.Projects().Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 11, got.Progress)
}

func TestProjects_ListPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := seedProject(t, s)
	userID := first.UserID
	base := time.Now().UTC().Add(-time.Minute)
	for i := 0; i < 2; i++ {
		id := uuid.NewString()
		p := &models.Project{
			ID:          id,
			Requirement: "Another agent",
			ProjectName: "paging_bot_" + id[:8],
			UserID:      userID,
			Status:      models.ProjectStatusQueued,
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.Projects().Create(ctx, p))
		t.Cleanup(func() { _ = s.DeleteProjectCascade(context.Background(), id) })
	}

	page, err := s.Projects().List(ctx, models.ProjectFilters{UserID: userID, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Projects, 2)
	assert.True(t, page.HasMore)
	require.NotEmpty(t, page.LastKey)

	// Newest first: the project seeded with time.Now comes before the
	// backdated ones.
	assert.Equal(t, first.ID, page.Projects[0].ID)

	rest, err := s.Projects().List(ctx, models.ProjectFilters{UserID: userID, Limit: 2, LastKey: page.LastKey})
	require.NoError(t, err)
	require.Len(t, rest.Projects, 1)
	assert.False(t, rest.HasMore)
	assert.NotEqual(t, page.Projects[0].ID, rest.Projects[0].ID)
	assert.NotEqual(t, page.Projects[1].ID, rest.Projects[0].ID)
}

func TestTasks_ClaimOrderingAndLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)

	base := time.Now().UTC().Add(-time.Minute)
	lowOld := seedTask(t, s, p.ID, 90, base)
	highOld := seedTask(t, s, p.ID, 99, base.Add(time.Second))
	highNew := seedTask(t, s, p.ID, 99, base.Add(2*time.Second))

	types := []models.TaskType{models.TaskTypeBuildAgent}
	visibility := time.Minute

	// Highest priority first, FIFO within equal priority.
	for _, want := range []*models.Task{highOld, highNew, lowOld} {
		claimed, err := s.Tasks().Claim(ctx, "worker-1", types, visibility)
		require.NoError(t, err)
		assert.Equal(t, want.ID, claimed.ID)
		assert.Equal(t, models.TaskStatusRunning, claimed.Status)
		assert.Equal(t, "worker-1", claimed.WorkerID)
		require.NotNil(t, claimed.LeaseExpiresAt)
		require.NotNil(t, claimed.StartedAt)
	}

	require.NoError(t, s.Tasks().Heartbeat(ctx, highOld.ID, "worker-1", visibility))
	assert.ErrorIs(t, s.Tasks().Heartbeat(ctx, highOld.ID, "worker-2", visibility), store.ErrLeaseLost)
	assert.ErrorIs(t, s.Tasks().Heartbeat(ctx, uuid.NewString(), "worker-1", visibility), store.ErrLeaseLost)
}

func TestTasks_ClaimHonorsNotBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)

	task := seedTask(t, s, p.ID, 99, time.Now().UTC())
	future := time.Now().UTC().Add(time.Hour)
	_, err := s.Tasks().Update(ctx, task.ID, task.Version, func(tk *models.Task) error {
		tk.NotBefore = &future
		return nil
	})
	require.NoError(t, err)

	_, err = s.Tasks().Claim(ctx, "worker-1", []models.TaskType{models.TaskTypeBuildAgent}, time.Minute)
	assert.ErrorIs(t, err, store.ErrNoTasks)
}

func TestTasks_RequeueExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)
	task := seedTask(t, s, p.ID, 99, time.Now().UTC())

	claimed, err := s.Tasks().Claim(ctx, "worker-1", []models.TaskType{models.TaskTypeBuildAgent}, time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, task.ID, claimed.ID)

	n, err := s.Tasks().RequeueExpired(ctx, time.Now().UTC().Add(time.Second))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	got, err := s.Tasks().Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, got.WorkerID)
	assert.Nil(t, got.LeaseExpiresAt)
	require.NotNil(t, got.NotBefore)
}

func TestTasks_RequeueExpired_ExhaustsRetries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)

	task := seedTask(t, s, p.ID, 99, time.Now().UTC())
	_, err := s.Tasks().Update(ctx, task.ID, task.Version, func(tk *models.Task) error {
		tk.MaxRetries = 0
		return nil
	})
	require.NoError(t, err)

	_, err = s.Tasks().Claim(ctx, "worker-1", []models.TaskType{models.TaskTypeBuildAgent}, time.Millisecond)
	require.NoError(t, err)

	_, err = s.Tasks().RequeueExpired(ctx, time.Now().UTC().Add(time.Second))
	require.NoError(t, err)

	got, err := s.Tasks().Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "lease expired")
	require.NotNil(t, got.CompletedAt)
}

func TestAgents_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)

	agent := &models.Agent{
		ID:        models.AgentID(p.ID, p.ProjectName),
		ProjectID: p.ID,
		Name:      p.ProjectName,
		Status:    models.AgentStatusOffline,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.Agents().Create(ctx, agent))
	assert.ErrorIs(t, s.Agents().Create(ctx, agent), store.ErrAlreadyExists)

	got, err := s.Agents().Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ProjectName, got.Name)

	agents, err := s.Agents().ListByProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, agents, 1)
}

func TestDeleteProjectCascade(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)
	task := seedTask(t, s, p.ID, 3, time.Now().UTC())
	require.NoError(t, s.Agents().Create(ctx, &models.Agent{
		ID:        models.AgentID(p.ID, p.ProjectName),
		ProjectID: p.ID,
		Name:      p.ProjectName,
		Status:    models.AgentStatusOffline,
		CreatedAt: time.Now().UTC(),
	}))

	require.NoError(t, s.DeleteProjectCascade(ctx, p.ID))

	_, err := s.Projects().Get(ctx, p.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Tasks().Get(ctx, task.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	agents, err := s.Agents().ListByProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, agents)

	// Deleting an absent project is not an error.
	require.NoError(t, s.DeleteProjectCascade(ctx, p.ID))
}

package postgres

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/forgeworks/foundry/pkg/models"
	"github.com/forgeworks/foundry/pkg/store"
)

const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// Store implements store.Store on PostgreSQL.
type Store struct {
	client   *Client
	projects *projectStore
	tasks    *taskStore
	agents   *agentStore
}

// NewStore builds the aggregate store over an open client.
func NewStore(client *Client) *Store {
	db := client.DB()
	return &Store{
		client:   client,
		projects: &projectStore{db: db},
		tasks:    &taskStore{db: db},
		agents:   &agentStore{db: db},
	}
}

func (s *Store) Projects() store.ProjectStore { return s.projects }

func (s *Store) Tasks() store.TaskStore { return s.tasks }

func (s *Store) Agents() store.AgentStore { return s.agents }

// DeleteProjectCascade removes a project together with its tasks and
// agents in one transaction.
func (s *Store) DeleteProjectCascade(ctx context.Context, projectID string) error {
	tx, err := s.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM agents WHERE project_id = $1`,
		`DELETE FROM tasks WHERE project_id = $1`,
		`DELETE FROM projects WHERE id = $1`,
	} {
		if _, err := tx.ExecContext(ctx, q, projectID); err != nil {
			return fmt.Errorf("failed to cascade delete project %s: %w", projectID, err)
		}
	}
	return tx.Commit()
}

// ────────────────────────────────────────────────────────────
// projects
// ────────────────────────────────────────────────────────────

type projectStore struct {
	db *stdsql.DB
}

func (s *projectStore) Create(ctx context.Context, p *models.Project) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal project: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO projects (id, project_name, user_id, status, version, created_at, doc)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.ProjectName, p.UserID, string(p.Status), p.Version, p.CreatedAt, doc)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

func scanProject(row interface{ Scan(...any) error }) (*models.Project, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, stdsql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan project: %w", err)
	}
	var p models.Project
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal project: %w", err)
	}
	return &p, nil
}

func (s *projectStore) Get(ctx context.Context, id string) (*models.Project, error) {
	return scanProject(s.db.QueryRowContext(ctx,
		`SELECT doc FROM projects WHERE id = $1`, id))
}

func (s *projectStore) GetByName(ctx context.Context, name string) (*models.Project, error) {
	return scanProject(s.db.QueryRowContext(ctx,
		`SELECT doc FROM projects WHERE project_name = $1`, name))
}

func (s *projectStore) Update(ctx context.Context, id string, expectedVersion int64, mutate store.ProjectMutator) (*models.Project, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Version != expectedVersion {
		return nil, store.ErrVersionConflict
	}
	if err := mutate(p); err != nil {
		return nil, err
	}
	p.Version = expectedVersion + 1
	p.UpdatedAt = time.Now().UTC()

	doc, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal project: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET project_name = $1, user_id = $2, status = $3, version = $4, doc = $5
		 WHERE id = $6 AND version = $7`,
		p.ProjectName, p.UserID, string(p.Status), p.Version, doc, id, expectedVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to update project: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 0 {
		return nil, store.ErrVersionConflict
	}
	return p, nil
}

func (s *projectStore) List(ctx context.Context, f models.ProjectFilters) (*models.ProjectPage, error) {
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `SELECT doc FROM projects WHERE 1=1`
	args := []any{}
	i := 1
	if f.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, i)
		args = append(args, string(f.Status))
		i++
	}
	if f.UserID != "" {
		query += fmt.Sprintf(` AND user_id = $%d`, i)
		args = append(args, f.UserID)
		i++
	}
	if f.LastKey != "" {
		// Cursor: everything strictly after the last returned project in
		// (created_at DESC, id DESC) order.
		query += fmt.Sprintf(` AND (created_at, id) < (SELECT created_at, id FROM projects WHERE id = $%d)`, i)
		args = append(args, f.LastKey)
		i++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, i)
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate projects: %w", err)
	}

	page := &models.ProjectPage{Projects: projects}
	if len(projects) > limit {
		page.Projects = projects[:limit]
		page.HasMore = true
		page.LastKey = page.Projects[limit-1].ID
	}
	return page, nil
}

func (s *projectStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ────────────────────────────────────────────────────────────
// tasks
// ────────────────────────────────────────────────────────────

type taskStore struct {
	db *stdsql.DB
}

func (s *taskStore) Create(ctx context.Context, t *models.Task) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, task_type, project_id, status, priority, version, not_before, lease_expires_at, created_at, doc)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, string(t.Type), t.ProjectID, string(t.Status), t.Priority, t.Version,
		t.NotBefore, t.LeaseExpiresAt, t.CreatedAt, doc)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

func scanTask(row interface{ Scan(...any) error }) (*models.Task, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, stdsql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	var t models.Task
	if err := json.Unmarshal(doc, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return &t, nil
}

func (s *taskStore) Get(ctx context.Context, id string) (*models.Task, error) {
	return scanTask(s.db.QueryRowContext(ctx, `SELECT doc FROM tasks WHERE id = $1`, id))
}

// writeTask persists a mutated task with a version guard, through q so it
// runs inside or outside a transaction.
func writeTask(ctx context.Context, q interface {
	ExecContext(context.Context, string, ...any) (stdsql.Result, error)
}, t *models.Task, expectedVersion int64) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	res, err := q.ExecContext(ctx,
		`UPDATE tasks SET status = $1, priority = $2, version = $3, not_before = $4, lease_expires_at = $5, doc = $6
		 WHERE id = $7 AND version = $8`,
		string(t.Status), t.Priority, t.Version, t.NotBefore, t.LeaseExpiresAt, doc,
		t.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 0 {
		return store.ErrVersionConflict
	}
	return nil
}

func (s *taskStore) Update(ctx context.Context, id string, expectedVersion int64, mutate store.TaskMutator) (*models.Task, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Version != expectedVersion {
		return nil, store.ErrVersionConflict
	}
	if err := mutate(t); err != nil {
		return nil, err
	}
	t.Version = expectedVersion + 1
	if err := writeTask(ctx, s.db, t, expectedVersion); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *taskStore) List(ctx context.Context, f models.TaskFilters) ([]*models.Task, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `SELECT doc FROM tasks WHERE 1=1`
	args := []any{}
	i := 1
	if f.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, i)
		args = append(args, string(f.Status))
		i++
	}
	if f.ProjectID != "" {
		query += fmt.Sprintf(` AND project_id = $%d`, i)
		args = append(args, f.ProjectID)
		i++
	}
	if f.Type != "" {
		query += fmt.Sprintf(` AND task_type = $%d`, i)
		args = append(args, string(f.Type))
		i++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, i)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}
	return tasks, nil
}

// Claim leases the next deliverable task. SKIP LOCKED keeps concurrently
// polling workers from contending on the same row.
func (s *taskStore) Claim(ctx context.Context, workerID string, types []models.TaskType, visibility time.Duration) (*models.Task, error) {
	if len(types) == 0 {
		return nil, store.ErrNoTasks
	}
	typeStrings := make([]string, len(types))
	for i, tt := range types {
		typeStrings[i] = string(tt)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	t, err := scanTask(tx.QueryRowContext(ctx,
		`SELECT doc FROM tasks
		 WHERE status IN ('pending', 'queued')
		   AND task_type = ANY($1)
		   AND (not_before IS NULL OR not_before <= $2)
		 ORDER BY priority DESC, created_at ASC, id ASC
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`,
		typeStrings, now))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.ErrNoTasks
		}
		return nil, err
	}

	expected := t.Version
	lease := now.Add(visibility)
	t.Status = models.TaskStatusRunning
	t.WorkerID = workerID
	t.LeaseExpiresAt = &lease
	t.NotBefore = nil
	if t.StartedAt == nil {
		t.StartedAt = &now
	}
	t.Version = expected + 1

	if err := writeTask(ctx, tx, t, expected); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return t, nil
}

func (s *taskStore) Heartbeat(ctx context.Context, taskID, workerID string, visibility time.Duration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	t, err := scanTask(tx.QueryRowContext(ctx,
		`SELECT doc FROM tasks WHERE id = $1 FOR UPDATE`, taskID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.ErrLeaseLost
		}
		return err
	}
	if t.Status != models.TaskStatusRunning || t.WorkerID != workerID {
		return store.ErrLeaseLost
	}

	expected := t.Version
	lease := time.Now().UTC().Add(visibility)
	t.LeaseExpiresAt = &lease
	t.Version = expected + 1
	if err := writeTask(ctx, tx, t, expected); err != nil {
		return err
	}
	return tx.Commit()
}

// RequeueExpired returns lapsed running tasks to the ready set, or fails
// them once retries are exhausted.
func (s *taskStore) RequeueExpired(ctx context.Context, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT doc FROM tasks
		 WHERE status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at < $1
		 FOR UPDATE SKIP LOCKED`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to query expired tasks: %w", err)
	}

	var expired []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		expired = append(expired, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to iterate expired tasks: %w", err)
	}

	for _, t := range expired {
		expected := t.Version
		t.RetryCount++
		t.WorkerID = ""
		t.LeaseExpiresAt = nil
		if t.RetryCount > t.MaxRetries {
			t.Status = models.TaskStatusFailed
			t.ErrorMessage = "lease expired and retries exhausted"
			completed := now
			t.CompletedAt = &completed
		} else {
			t.Status = models.TaskStatusQueued
			nb := now
			t.NotBefore = &nb
		}
		t.Version = expected + 1
		if err := writeTask(ctx, tx, t, expected); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit requeue: %w", err)
	}
	return len(expired), nil
}

func (s *taskStore) DeleteByProject(ctx context.Context, projectID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE project_id = $1`, projectID); err != nil {
		return fmt.Errorf("failed to delete tasks for project %s: %w", projectID, err)
	}
	return nil
}

// ────────────────────────────────────────────────────────────
// agents
// ────────────────────────────────────────────────────────────

type agentStore struct {
	db *stdsql.DB
}

func (s *agentStore) Create(ctx context.Context, a *models.Agent) error {
	doc, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal agent: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (id, project_id, created_at, doc) VALUES ($1, $2, $3, $4)`,
		a.ID, a.ProjectID, a.CreatedAt, doc)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create agent: %w", err)
	}
	return nil
}

func scanAgent(row interface{ Scan(...any) error }) (*models.Agent, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, stdsql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan agent: %w", err)
	}
	var a models.Agent
	if err := json.Unmarshal(doc, &a); err != nil {
		return nil, fmt.Errorf("failed to unmarshal agent: %w", err)
	}
	return &a, nil
}

func (s *agentStore) Get(ctx context.Context, id string) (*models.Agent, error) {
	return scanAgent(s.db.QueryRowContext(ctx, `SELECT doc FROM agents WHERE id = $1`, id))
}

func (s *agentStore) ListByProject(ctx context.Context, projectID string) ([]*models.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM agents WHERE project_id = $1 ORDER BY created_at ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate agents: %w", err)
	}
	return agents, nil
}

func (s *agentStore) DeleteByProject(ctx context.Context, projectID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE project_id = $1`, projectID); err != nil {
		return fmt.Errorf("failed to delete agents for project %s: %w", projectID, err)
	}
	return nil
}

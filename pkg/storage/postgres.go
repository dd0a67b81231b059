package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campipeline/cam/pkg/types"
)

// PostgresStore implements Store on PostgreSQL. This is the control plane's
// real source of truth: every status transition is a single UPDATE guarded
// by "WHERE id = ... AND status = ...", and the number of rows it reports
// affected is exactly the CAS outcome the rest of the engine depends on.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a connection pool tuned for a scheduler workload:
// frequent small reads/writes, no long-lived transactions.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, task *types.Task) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	depends, err := json.Marshal(task.DependsOn)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (
			id, title, description, agent_definition_id, repo_url, base_branch,
			work_branch, sub_dir, status, source, depends_on, group_id,
			assigned_worker_id, retry_count, max_retries, queued_at, created_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17
		)`,
		task.ID, task.Title, task.Description, task.AgentDefinitionID, task.RepoURL,
		task.BaseBranch, task.WorkBranch, task.SubDir, string(task.Status), string(task.Source),
		depends, task.GroupID, task.AssignedWorkerID, task.RetryCount, task.MaxRetries,
		task.QueuedAt, task.CreatedAt,
	)
	return err
}

const taskSelectColumns = `
	id, title, description, agent_definition_id, repo_url, base_branch, work_branch,
	sub_dir, status, source, depends_on, group_id, assigned_worker_id, retry_count,
	max_retries, queued_at, started_at, completed_at, created_at, pr_url, summary,
	feedback, review_comment`

func scanTask(row pgx.Row) (*types.Task, error) {
	var t types.Task
	var depends []byte
	err := row.Scan(
		&t.ID, &t.Title, &t.Description, &t.AgentDefinitionID, &t.RepoURL, &t.BaseBranch,
		&t.WorkBranch, &t.SubDir, &t.Status, &t.Source, &depends, &t.GroupID,
		&t.AssignedWorkerID, &t.RetryCount, &t.MaxRetries, &t.QueuedAt, &t.StartedAt,
		&t.CompletedAt, &t.CreatedAt, &t.PRUrl, &t.Summary, &t.Feedback, &t.ReviewComment,
	)
	if err != nil {
		return nil, err
	}
	if len(depends) > 0 {
		if err := json.Unmarshal(depends, &t.DependsOn); err != nil {
			return nil, err
		}
	}
	return &t, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*types.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskSelectColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task not found: %s", id)
	}
	return t, err
}

func (s *PostgresStore) queryTasks(ctx context.Context, query string, args ...any) ([]*types.Task, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListWaitingTasks(ctx context.Context, limit int) ([]*types.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskSelectColumns+`
		FROM tasks WHERE source = $1 AND status = $2
		ORDER BY created_at ASC LIMIT $3`,
		types.SourceScheduler, types.TaskWaiting, limit)
}

func (s *PostgresStore) ListQueuedTasks(ctx context.Context, limit int) ([]*types.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskSelectColumns+`
		FROM tasks WHERE source = $1 AND status = $2
		ORDER BY queued_at ASC LIMIT $3`,
		types.SourceScheduler, types.TaskQueued, limit)
}

func (s *PostgresStore) ListRunningTasksPage(ctx context.Context, afterID string, limit int) ([]*types.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskSelectColumns+`
		FROM tasks WHERE source = $1 AND status = $2 AND id > $3
		ORDER BY id ASC LIMIT $4`,
		types.SourceScheduler, types.TaskRunning, afterID, limit)
}

func (s *PostgresStore) ListRunningTasksByWorker(ctx context.Context, workerID string) ([]*types.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskSelectColumns+`
		FROM tasks WHERE source = $1 AND status = $2 AND assigned_worker_id = $3`,
		types.SourceScheduler, types.TaskRunning, workerID)
}

func (s *PostgresStore) GetDependencyStates(ctx context.Context, depIDs []string) ([]DepState, error) {
	if len(depIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT id, status FROM tasks WHERE id = ANY($1)`, depIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found := make(map[string]types.TaskStatus, len(depIDs))
	for rows.Next() {
		var id string
		var status types.TaskStatus
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		found[id] = status
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]DepState, 0, len(depIDs))
	for _, id := range depIDs {
		status, ok := found[id]
		out = append(out, DepState{ID: id, Status: status, Found: ok})
	}
	return out, nil
}

func (s *PostgresStore) CASTaskStatus(ctx context.Context, id string, expected, next types.TaskStatus, mut TaskMutation) (bool, error) {
	if expected.IsTerminal() && expected != next {
		return false, nil
	}

	set := []string{"status = $1"}
	args := []any{string(next)}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if next == types.TaskRunning {
		set = append(set, "started_at = NOW()")
	}
	if next == types.TaskCompleted || next == types.TaskFailed {
		set = append(set, "completed_at = NOW()")
	}
	if mut.ClearStartedAt {
		set = append(set, "started_at = NULL")
	}
	if mut.ClearCompletedAt {
		set = append(set, "completed_at = NULL")
	}
	if mut.AssignedWorkerID != nil {
		set = append(set, "assigned_worker_id = "+arg(*mut.AssignedWorkerID))
	}
	if mut.RetryCount != nil {
		set = append(set, "retry_count = "+arg(*mut.RetryCount))
	}
	if mut.QueuedAt != nil {
		set = append(set, "queued_at = "+arg(*mut.QueuedAt))
	}
	if mut.Summary != nil {
		set = append(set, "summary = "+arg(*mut.Summary))
	}

	idArg := arg(id)
	expectedArg := arg(string(expected))

	query := fmt.Sprintf(`UPDATE tasks SET %s WHERE id = %s AND status = %s`,
		joinSet(set), idArg, expectedArg)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func joinSet(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += ", " + p
	}
	return out
}

func (s *PostgresStore) GetAgentDefinition(ctx context.Context, id string) (*types.AgentDefinition, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, display_name, docker_image, command, args, required_env_vars, default_memory_limit_mb
		FROM agent_definitions WHERE id = $1`, id)

	var def types.AgentDefinition
	var envVarsJSON []byte
	err := row.Scan(&def.ID, &def.DisplayName, &def.DockerImage, &def.Command, &def.Args,
		&envVarsJSON, &def.DefaultResourceLimits.MemoryLimitMb)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("agent definition not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	if len(envVarsJSON) > 0 {
		if err := json.Unmarshal(envVarsJSON, &def.RequiredEnvVars); err != nil {
			return nil, err
		}
	}
	return &def, nil
}

func (s *PostgresStore) UpsertWorker(ctx context.Context, worker *types.Worker) error {
	envVars, err := json.Marshal(worker.ReportedEnvVars)
	if err != nil {
		return err
	}
	agents, err := json.Marshal(worker.SupportedAgentIDs)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workers (id, supported_agent_ids, status, current_task_id, last_heartbeat_at, reported_env_vars, mode, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET
			supported_agent_ids = EXCLUDED.supported_agent_ids,
			status = EXCLUDED.status,
			current_task_id = EXCLUDED.current_task_id,
			last_heartbeat_at = EXCLUDED.last_heartbeat_at,
			reported_env_vars = EXCLUDED.reported_env_vars,
			mode = EXCLUDED.mode`,
		worker.ID, agents, string(worker.Status), worker.CurrentTaskID,
		worker.LastHeartbeatAt, envVars, string(worker.Mode), time.Now())
	return err
}

func scanWorker(row pgx.Row) (*types.Worker, error) {
	var w types.Worker
	var agents, envVars []byte
	err := row.Scan(&w.ID, &agents, &w.Status, &w.CurrentTaskID, &w.LastHeartbeatAt, &envVars, &w.Mode, &w.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(agents) > 0 {
		if err := json.Unmarshal(agents, &w.SupportedAgentIDs); err != nil {
			return nil, err
		}
	}
	if len(envVars) > 0 {
		if err := json.Unmarshal(envVars, &w.ReportedEnvVars); err != nil {
			return nil, err
		}
	}
	return &w, nil
}

const workerSelectColumns = `id, supported_agent_ids, status, current_task_id, last_heartbeat_at, reported_env_vars, mode, created_at`

func (s *PostgresStore) GetWorker(ctx context.Context, id string) (*types.Worker, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+workerSelectColumns+` FROM workers WHERE id = $1`, id)
	w, err := scanWorker(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("worker not found: %s", id)
	}
	return w, err
}

func (s *PostgresStore) ListWorkers(ctx context.Context) ([]*types.Worker, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+workerSelectColumns+` FROM workers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListStaleBusyWorkers(ctx context.Context, staleBefore time.Time) ([]*types.Worker, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+workerSelectColumns+`
		FROM workers WHERE status = $1 AND last_heartbeat_at < $2`,
		types.WorkerBusy, staleBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CASWorkerOffline(ctx context.Context, id string, staleBefore time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workers SET status = $1, current_task_id = ''
		WHERE id = $2 AND status = $3 AND last_heartbeat_at < $4`,
		types.WorkerOffline, id, types.WorkerBusy, staleBefore)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) AppendSystemEvent(ctx context.Context, event *types.SystemEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO system_events (type, payload, timestamp, actor)
		VALUES ($1, $2, $3, $4)`,
		event.Type, payload, event.Timestamp, event.Actor)
	return err
}

var _ Store = (*PostgresStore)(nil)

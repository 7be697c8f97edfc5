package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mazwell/conduct/model"
)

// PgStore is a PostgreSQL-backed StateStore using pgx/v5. Retention is
// expressed as an expires_at column; expired rows are filtered on read and
// reaped by PurgeExpired.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL state store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) SaveProcessSpec(ctx context.Context, spec *model.ProcessSpec) error {
	if spec == nil || spec.Name == "" {
		return model.NewBadRequestError("process spec requires a name")
	}
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshal process spec: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO process_specs (name, version, spec, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET
			version = EXCLUDED.version,
			spec = EXCLUDED.spec,
			updated_at = EXCLUDED.updated_at`,
		spec.Name, spec.Version, specJSON, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert process spec: %w", err)
	}
	return nil
}

func (s *PgStore) GetProcessSpec(ctx context.Context, name string) (*model.ProcessSpec, error) {
	var specJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT spec FROM process_specs WHERE name = $1`, name,
	).Scan(&specJSON)
	if err == pgx.ErrNoRows {
		return nil, model.NewNotFoundError(fmt.Sprintf("process %s is not registered", name))
	}
	if err != nil {
		return nil, fmt.Errorf("query process spec: %w", err)
	}

	var spec model.ProcessSpec
	if err := json.Unmarshal(specJSON, &spec); err != nil {
		return nil, fmt.Errorf("unmarshal process spec %q: %w", name, err)
	}
	return &spec, nil
}

func (s *PgStore) ListProcessSpecs(ctx context.Context) ([]model.ProcessSpec, error) {
	rows, err := s.pool.Query(ctx, `SELECT spec FROM process_specs ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("query process specs: %w", err)
	}
	defer rows.Close()

	var specs []model.ProcessSpec
	for rows.Next() {
		var specJSON []byte
		if err := rows.Scan(&specJSON); err != nil {
			return nil, fmt.Errorf("scan process spec: %w", err)
		}
		var spec model.ProcessSpec
		if err := json.Unmarshal(specJSON, &spec); err != nil {
			return nil, fmt.Errorf("unmarshal process spec: %w", err)
		}
		specs = append(specs, spec)
	}
	return specs, rows.Err()
}

func (s *PgStore) SaveRun(ctx context.Context, run *model.ProcessRun) error {
	if run == nil || run.RunID == "" {
		return model.NewBadRequestError("run requires a run_id")
	}
	inputsJSON, contextJSON, outputsJSON, err := marshalRunBlobs(run)
	if err != nil {
		return err
	}
	expiresAt := time.Now().UTC().Add(TTLForRunStatus(run.Status))

	_, err = s.pool.Exec(ctx, `
		INSERT INTO process_runs (
			run_id, process_name, process_version, status,
			inputs, context, outputs, current_step, error,
			idempotency_key, started_at, updated_at, completed_at, expires_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9,
			$10, $11, $12, $13, $14
		)
		ON CONFLICT (run_id) DO UPDATE SET
			status = EXCLUDED.status,
			context = EXCLUDED.context,
			outputs = EXCLUDED.outputs,
			current_step = EXCLUDED.current_step,
			error = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at,
			expires_at = EXCLUDED.expires_at`,
		run.RunID, run.ProcessName, run.ProcessVersion, run.Status,
		inputsJSON, contextJSON, outputsJSON, run.CurrentStep, run.Error,
		run.IdempotencyKey, run.StartedAt, run.UpdatedAt, run.CompletedAt, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("upsert process run: %w", err)
	}
	return nil
}

func (s *PgStore) GetRun(ctx context.Context, runID string) (*model.ProcessRun, error) {
	runs, err := s.queryRuns(ctx, runSelect+` WHERE run_id = $1 AND expires_at > $2`, runID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, model.NewRunNotFoundError(runID)
	}
	return &runs[0], nil
}

func (s *PgStore) ListRuns(ctx context.Context, filters model.RunFilters) ([]model.ProcessRun, error) {
	query := runSelect + ` WHERE expires_at > $1`
	args := []any{time.Now().UTC()}
	argIdx := 2

	if filters.ProcessName != "" {
		query += fmt.Sprintf(" AND process_name = $%d", argIdx)
		args = append(args, filters.ProcessName)
		argIdx++
	}
	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}

	query += " ORDER BY run_id ASC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	return s.queryRuns(ctx, query, args...)
}

func (s *PgStore) FindActiveRun(ctx context.Context, processName, idempotencyKey string) (*model.ProcessRun, error) {
	if idempotencyKey == "" {
		return nil, nil
	}
	runs, err := s.queryRuns(ctx, runSelect+`
		WHERE process_name = $1 AND idempotency_key = $2
		  AND status NOT IN ('completed', 'failed', 'cancelled')
		  AND expires_at > $3
		ORDER BY run_id ASC
		LIMIT 1`,
		processName, idempotencyKey, time.Now().UTC(),
	)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

func (s *PgStore) SaveTask(ctx context.Context, task *model.ProcessTask) error {
	if task == nil || task.TaskID == "" {
		return model.NewBadRequestError("task requires a task_id")
	}
	outcomeJSON, err := json.Marshal(task.OutcomeData)
	if err != nil {
		return fmt.Errorf("marshal task outcome data: %w", err)
	}
	expiresAt := time.Now().UTC().Add(TTLForTaskStatus(task.Status))

	_, err = s.pool.Exec(ctx, `
		INSERT INTO process_tasks (
			task_id, run_id, step_name, surface_name, entity_name, entity_id,
			assignee_role, assignee_id, status, outcome, outcome_data,
			due_at, created_at, completed_at, escalated_at, expires_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16
		)
		ON CONFLICT (task_id) DO UPDATE SET
			assignee_id = EXCLUDED.assignee_id,
			status = EXCLUDED.status,
			outcome = EXCLUDED.outcome,
			outcome_data = EXCLUDED.outcome_data,
			completed_at = EXCLUDED.completed_at,
			escalated_at = EXCLUDED.escalated_at,
			expires_at = EXCLUDED.expires_at`,
		task.TaskID, task.RunID, task.StepName, task.SurfaceName, task.EntityName, task.EntityID,
		task.AssigneeRole, task.AssigneeID, task.Status, task.Outcome, outcomeJSON,
		task.DueAt, task.CreatedAt, task.CompletedAt, task.EscalatedAt, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("upsert process task: %w", err)
	}
	return nil
}

func (s *PgStore) GetTask(ctx context.Context, taskID string) (*model.ProcessTask, error) {
	tasks, err := s.queryTasks(ctx, taskSelect+` WHERE task_id = $1 AND expires_at > $2`, taskID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, model.NewTaskNotFoundError(taskID)
	}
	return &tasks[0], nil
}

func (s *PgStore) ListTasksByRun(ctx context.Context, runID string) ([]model.ProcessTask, error) {
	return s.queryTasks(ctx, taskSelect+`
		WHERE run_id = $1 AND expires_at > $2
		ORDER BY task_id ASC`,
		runID, time.Now().UTC(),
	)
}

func (s *PgStore) ListTasksByAssignee(ctx context.Context, assigneeID string) ([]model.ProcessTask, error) {
	return s.queryTasks(ctx, taskSelect+`
		WHERE assignee_id = $1 AND expires_at > $2
		ORDER BY task_id ASC`,
		assigneeID, time.Now().UTC(),
	)
}

func (s *PgStore) ListDueTasks(ctx context.Context, cutoff time.Time) ([]model.ProcessTask, error) {
	return s.queryTasks(ctx, taskSelect+`
		WHERE status = 'pending' AND due_at < $1 AND expires_at > $2
		ORDER BY due_at ASC`,
		cutoff, time.Now().UTC(),
	)
}

func (s *PgStore) SaveScheduleLastRun(ctx context.Context, name string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO schedule_runs (process_name, last_run_at)
		VALUES ($1, $2)
		ON CONFLICT (process_name) DO UPDATE SET last_run_at = EXCLUDED.last_run_at`,
		name, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert schedule last run: %w", err)
	}
	return nil
}

func (s *PgStore) GetScheduleLastRun(ctx context.Context, name string) (time.Time, error) {
	var at time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT last_run_at FROM schedule_runs WHERE process_name = $1`, name,
	).Scan(&at)
	if err == pgx.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("query schedule last run: %w", err)
	}
	return at, nil
}

func (s *PgStore) SaveStateMachine(ctx context.Context, sm *model.StateMachineSpec) error {
	if sm == nil || sm.EntityName == "" {
		return model.NewBadRequestError("state machine requires an entity name")
	}
	smJSON, err := json.Marshal(sm)
	if err != nil {
		return fmt.Errorf("marshal state machine: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO entity_state_machines (entity_name, spec, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (entity_name) DO UPDATE SET
			spec = EXCLUDED.spec,
			updated_at = EXCLUDED.updated_at`,
		sm.EntityName, smJSON, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert state machine: %w", err)
	}
	return nil
}

func (s *PgStore) GetStateMachine(ctx context.Context, entityName string) (*model.StateMachineSpec, error) {
	var smJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT spec FROM entity_state_machines WHERE entity_name = $1`, entityName,
	).Scan(&smJSON)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query state machine: %w", err)
	}
	var sm model.StateMachineSpec
	if err := json.Unmarshal(smJSON, &sm); err != nil {
		return nil, fmt.Errorf("unmarshal state machine %q: %w", entityName, err)
	}
	return &sm, nil
}

// HealthCheck verifies the database connection.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return model.NewBackendUnavailableError(fmt.Sprintf("postgres ping: %v", err))
	}
	return nil
}

// PurgeExpired deletes runs and tasks past their retention window. Intended
// to be called periodically.
func (s *PgStore) PurgeExpired(ctx context.Context) error {
	now := time.Now().UTC()
	if _, err := s.pool.Exec(ctx, `DELETE FROM process_tasks WHERE expires_at <= $1`, now); err != nil {
		return fmt.Errorf("purge expired tasks: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM process_runs WHERE expires_at <= $1`, now); err != nil {
		return fmt.Errorf("purge expired runs: %w", err)
	}
	return nil
}

const runSelect = `
	SELECT run_id, process_name, process_version, status,
	       inputs, context, outputs, current_step, error,
	       idempotency_key, started_at, updated_at, completed_at
	FROM process_runs`

const taskSelect = `
	SELECT task_id, run_id, step_name, surface_name, entity_name, entity_id,
	       assignee_role, assignee_id, status, outcome, outcome_data,
	       due_at, created_at, completed_at, escalated_at
	FROM process_tasks`

func (s *PgStore) queryRuns(ctx context.Context, query string, args ...any) ([]model.ProcessRun, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query process runs: %w", err)
	}
	defer rows.Close()

	var runs []model.ProcessRun
	for rows.Next() {
		var run model.ProcessRun
		var inputsJSON, contextJSON, outputsJSON []byte
		if err := rows.Scan(
			&run.RunID, &run.ProcessName, &run.ProcessVersion, &run.Status,
			&inputsJSON, &contextJSON, &outputsJSON, &run.CurrentStep, &run.Error,
			&run.IdempotencyKey, &run.StartedAt, &run.UpdatedAt, &run.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scan process run: %w", err)
		}
		if inputsJSON != nil {
			_ = json.Unmarshal(inputsJSON, &run.Inputs)
		}
		if contextJSON != nil {
			_ = json.Unmarshal(contextJSON, &run.Context)
		}
		if outputsJSON != nil {
			_ = json.Unmarshal(outputsJSON, &run.Outputs)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *PgStore) queryTasks(ctx context.Context, query string, args ...any) ([]model.ProcessTask, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query process tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.ProcessTask
	for rows.Next() {
		var task model.ProcessTask
		var outcomeJSON []byte
		if err := rows.Scan(
			&task.TaskID, &task.RunID, &task.StepName, &task.SurfaceName, &task.EntityName, &task.EntityID,
			&task.AssigneeRole, &task.AssigneeID, &task.Status, &task.Outcome, &outcomeJSON,
			&task.DueAt, &task.CreatedAt, &task.CompletedAt, &task.EscalatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan process task: %w", err)
		}
		if outcomeJSON != nil {
			_ = json.Unmarshal(outcomeJSON, &task.OutcomeData)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func marshalRunBlobs(run *model.ProcessRun) (inputs, context, outputs []byte, err error) {
	if inputs, err = json.Marshal(run.Inputs); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal run inputs: %w", err)
	}
	if context, err = json.Marshal(run.Context); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal run context: %w", err)
	}
	if outputs, err = json.Marshal(run.Outputs); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal run outputs: %w", err)
	}
	return inputs, context, outputs, nil
}

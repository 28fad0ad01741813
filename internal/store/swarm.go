package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/hive/server/internal/apierr"
)

const projectColumns = `id, title, description, color, project_lead_user_id, developer_lead_user_id,
	onedev_url, dokploy_deploy_url, archived_at, created_at, updated_at`

// CreateProject inserts a new project with a fresh uuid.
func (s *Store) CreateProject(ctx context.Context, p Project) (Project, error) {
	p.ID = uuid.NewString()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO projects (id, title, description, color, project_lead_user_id, developer_lead_user_id, onedev_url, dokploy_deploy_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+projectColumns,
		p.ID, p.Title, p.Description, p.Color, p.ProjectLeadUserID, p.DeveloperLeadUserID, p.OnedevURL, p.DokployDeployURL,
	)
	return scanProject(row)
}

// GetProject returns a project by id.
func (s *Store) GetProject(ctx context.Context, id string) (Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id)
	return scanProject(row)
}

// ProjectUpdate is a partial patch; nil fields are left unchanged.
type ProjectUpdate struct {
	Title               *string
	Description         *string
	Color               *string
	ProjectLeadUserID   *string
	DeveloperLeadUserID *string
	OnedevURL           *string
	DokployDeployURL    *string
}

// UpdateProject applies a partial patch and bumps updated_at.
func (s *Store) UpdateProject(ctx context.Context, id string, u ProjectUpdate) (Project, error) {
	current, err := s.GetProject(ctx, id)
	if err != nil {
		return Project{}, err
	}
	applyProjectUpdate(&current, u)

	row := s.db.QueryRowContext(ctx, `
		UPDATE projects
		   SET title = $1, description = $2, color = $3, project_lead_user_id = $4,
		       developer_lead_user_id = $5, onedev_url = $6, dokploy_deploy_url = $7, updated_at = now()
		 WHERE id = $8
		RETURNING `+projectColumns,
		current.Title, current.Description, current.Color, current.ProjectLeadUserID,
		current.DeveloperLeadUserID, current.OnedevURL, current.DokployDeployURL, id,
	)
	return scanProject(row)
}

func applyProjectUpdate(p *Project, u ProjectUpdate) {
	if u.Title != nil {
		p.Title = *u.Title
	}
	if u.Description != nil {
		p.Description = *u.Description
	}
	if u.Color != nil {
		p.Color = *u.Color
	}
	if u.ProjectLeadUserID != nil {
		p.ProjectLeadUserID = *u.ProjectLeadUserID
	}
	if u.DeveloperLeadUserID != nil {
		p.DeveloperLeadUserID = *u.DeveloperLeadUserID
	}
	if u.OnedevURL != nil {
		p.OnedevURL = *u.OnedevURL
	}
	if u.DokployDeployURL != nil {
		p.DokployDeployURL = *u.DokployDeployURL
	}
}

// SetProjectArchived sets or clears archived_at.
func (s *Store) SetProjectArchived(ctx context.Context, id string, archived bool) (Project, error) {
	var row *sql.Row
	if archived {
		row = s.db.QueryRowContext(ctx, `UPDATE projects SET archived_at = now(), updated_at = now() WHERE id = $1 RETURNING `+projectColumns, id)
	} else {
		row = s.db.QueryRowContext(ctx, `UPDATE projects SET archived_at = NULL, updated_at = now() WHERE id = $1 RETURNING `+projectColumns, id)
	}
	return scanProject(row)
}

// ListProjects returns projects, archived or active depending on archived.
func (s *Store) ListProjects(ctx context.Context, archived bool) ([]Project, error) {
	var rows *sql.Rows
	var err error
	if archived {
		rows, err = s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE archived_at IS NOT NULL ORDER BY created_at DESC`)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE archived_at IS NULL ORDER BY created_at DESC`)
	}
	if err != nil {
		return nil, wrapErr(err, "")
	}
	defer rows.Close()
	return scanProjects(rows)
}

func scanProject(row *sql.Row) (Project, error) {
	var p Project
	if err := row.Scan(&p.ID, &p.Title, &p.Description, &p.Color, &p.ProjectLeadUserID, &p.DeveloperLeadUserID,
		&p.OnedevURL, &p.DokployDeployURL, &p.ArchivedAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return Project{}, wrapErr(err, "project not found")
	}
	return p, nil
}

func scanProjects(rows *sql.Rows) ([]Project, error) {
	var out []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Title, &p.Description, &p.Color, &p.ProjectLeadUserID, &p.DeveloperLeadUserID,
			&p.OnedevURL, &p.DokployDeployURL, &p.ArchivedAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, wrapErr(err, "")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const taskColumns = `id, project_id, title, detail, creator_user_id, assignee_user_id, status,
	on_or_after_at, must_be_done_after_task_id, sort_key, next_task_id, next_task_assignee_user_id,
	created_at, updated_at, completed_at, recurring_template_id, recurring_instance_at`

// CreateTask inserts a new task with a fresh uuid and the given sort_key
// (the swarm engine computes an end-of-bucket key before calling this).
func (s *Store) CreateTask(ctx context.Context, t Task) (Task, error) {
	t.ID = uuid.NewString()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO tasks (id, project_id, title, detail, creator_user_id, assignee_user_id, status,
			on_or_after_at, must_be_done_after_task_id, sort_key, next_task_id, next_task_assignee_user_id,
			recurring_template_id, recurring_instance_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING `+taskColumns,
		t.ID, t.ProjectID, t.Title, t.Detail, t.CreatorUserID, t.AssigneeUserID, t.Status,
		t.OnOrAfterAt, t.MustBeDoneAfterTaskID, t.SortKey, t.NextTaskID, t.NextTaskAssigneeUserID,
		t.RecurringTemplateID, t.RecurringInstanceAt,
	)
	return scanTask(row)
}

// GetTask returns a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	return scanTask(row)
}

// GetTaskTitle is a narrow helper used to build human-readable blocked
// reasons without fetching every column of the predecessor.
func (s *Store) GetTaskTitle(ctx context.Context, id string) (string, error) {
	var title string
	err := s.db.QueryRowContext(ctx, `SELECT title FROM tasks WHERE id = $1`, id).Scan(&title)
	if err != nil {
		return "", wrapErr(err, "task not found")
	}
	return title, nil
}

// GetTaskStatus is a narrow helper for blocked-reason computation.
func (s *Store) GetTaskStatus(ctx context.Context, id string) (TaskStatus, error) {
	var status TaskStatus
	err := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = $1`, id).Scan(&status)
	if err != nil {
		return "", wrapErr(err, "task not found")
	}
	return status, nil
}

// TaskUpdate is a partial patch; nil fields are left unchanged. Assignee is a
// pointer-to-pointer so callers can distinguish "don't touch" (nil) from
// "clear" (points to nil).
type TaskUpdate struct {
	ProjectID              **string
	Title                  *string
	Detail                 *string
	AssigneeUserID         **string
	OnOrAfterAt            **time.Time
	MustBeDoneAfterTaskID  **string
	NextTaskID             **string
	NextTaskAssigneeUserID **string
}

// UpdateTask applies a partial patch and returns the task before and after,
// so the caller can build an audit event and a diff summary.
func (s *Store) UpdateTask(ctx context.Context, id string, u TaskUpdate) (before, after Task, err error) {
	before, err = s.GetTask(ctx, id)
	if err != nil {
		return Task{}, Task{}, err
	}
	next := before
	applyTaskUpdate(&next, u)

	row := s.db.QueryRowContext(ctx, `
		UPDATE tasks
		   SET project_id = $1, title = $2, detail = $3, assignee_user_id = $4,
		       on_or_after_at = $5, must_be_done_after_task_id = $6,
		       next_task_id = $7, next_task_assignee_user_id = $8, updated_at = now()
		 WHERE id = $9
		RETURNING `+taskColumns,
		next.ProjectID, next.Title, next.Detail, next.AssigneeUserID,
		next.OnOrAfterAt, next.MustBeDoneAfterTaskID, next.NextTaskID, next.NextTaskAssigneeUserID, id,
	)
	after, err = scanTask(row)
	if err != nil {
		return Task{}, Task{}, err
	}
	return before, after, nil
}

func applyTaskUpdate(t *Task, u TaskUpdate) {
	if u.ProjectID != nil {
		t.ProjectID = *u.ProjectID
	}
	if u.Title != nil {
		t.Title = *u.Title
	}
	if u.Detail != nil {
		t.Detail = *u.Detail
	}
	if u.AssigneeUserID != nil {
		t.AssigneeUserID = *u.AssigneeUserID
	}
	if u.OnOrAfterAt != nil {
		t.OnOrAfterAt = *u.OnOrAfterAt
	}
	if u.MustBeDoneAfterTaskID != nil {
		t.MustBeDoneAfterTaskID = *u.MustBeDoneAfterTaskID
	}
	if u.NextTaskID != nil {
		t.NextTaskID = *u.NextTaskID
	}
	if u.NextTaskAssigneeUserID != nil {
		t.NextTaskAssigneeUserID = *u.NextTaskAssigneeUserID
	}
}

// ClaimTask sets assignee_user_id unconditionally (permissive reassignment,
// see DESIGN.md Open Question decision #1).
func (s *Store) ClaimTask(ctx context.Context, id, viewer string) (before, after Task, err error) {
	before, err = s.GetTask(ctx, id)
	if err != nil {
		return Task{}, Task{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE tasks SET assignee_user_id = $1, updated_at = now() WHERE id = $2 RETURNING `+taskColumns,
		viewer, id,
	)
	after, err = scanTask(row)
	if err != nil {
		return Task{}, Task{}, err
	}
	return before, after, nil
}

// SetTaskStatus transitions status; stamps/clears completed_at per spec
// invariant 3. Blocked-reason enforcement happens in the swarm engine, which
// reads BlockedReason before calling this.
func (s *Store) SetTaskStatus(ctx context.Context, id string, status TaskStatus) (before, after Task, err error) {
	before, err = s.GetTask(ctx, id)
	if err != nil {
		return Task{}, Task{}, err
	}

	var row *sql.Row
	if status == TaskComplete {
		row = s.db.QueryRowContext(ctx, `
			UPDATE tasks SET status = $1, completed_at = now(), updated_at = now() WHERE id = $2 RETURNING `+taskColumns,
			status, id,
		)
	} else {
		row = s.db.QueryRowContext(ctx, `
			UPDATE tasks SET status = $1, completed_at = NULL, updated_at = now() WHERE id = $2 RETURNING `+taskColumns,
			status, id,
		)
	}
	after, err = scanTask(row)
	if err != nil {
		return Task{}, Task{}, err
	}
	return before, after, nil
}

// SetTaskSortKey is used by Reorder to assign a new sort_key without
// renumbering any other task.
func (s *Store) SetTaskSortKey(ctx context.Context, id, sortKey string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `UPDATE tasks SET sort_key = $1, updated_at = now() WHERE id = $2 RETURNING `+taskColumns, sortKey, id)
	return scanTask(row)
}

// TaskListFilter drives ListTasks.
type TaskListFilter struct {
	ProjectID string // empty = any
	Status    TaskStatus
	Assignee  string
	Sort      string // "planned" or "" (created_at asc)
}

var statusRank = map[TaskStatus]int{
	TaskInProgress: 1,
	TaskReview:     2,
	TaskReady:      3,
	TaskQueued:     4,
	TaskHolding:    5,
	TaskComplete:   6,
}

// ListTasks returns tasks matching the filter. When Sort == "planned", the
// ordering is (status rank, sort_key asc, created_at asc) as specified;
// status rank is computed in Go after a single unsorted fetch because it is
// not a column, keeping the SQL simple and the ranking logic centralized.
func (s *Store) ListTasks(ctx context.Context, f TaskListFilter) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	args := []any{}
	if f.ProjectID != "" {
		args = append(args, f.ProjectID)
		query += fmtArg(" AND project_id = $", len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmtArg(" AND status = $", len(args))
	}
	if f.Assignee != "" {
		args = append(args, f.Assignee)
		query += fmtArg(" AND assignee_user_id = $", len(args))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(err, "")
	}
	defer rows.Close()
	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}

	if f.Sort == "planned" {
		sortPlanned(tasks)
	}
	return tasks, nil
}

func sortPlanned(tasks []Task) {
	less := func(i, j int) bool {
		ri, rj := statusRank[tasks[i].Status], statusRank[tasks[j].Status]
		if ri != rj {
			return ri < rj
		}
		if tasks[i].SortKey != tasks[j].SortKey {
			return tasks[i].SortKey < tasks[j].SortKey
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	}
	insertionSortTasks(tasks, less)
}

// insertionSortTasks sorts tasks in place with a stable insertion sort
// instead of importing sort; it is used for every list size, so its cost
// grows quadratically with the number of rows.
func insertionSortTasks(tasks []Task, less func(i, j int) bool) {
	for i := 1; i < len(tasks); i++ {
		for j := i; j > 0 && less(j, j-1); j-- {
			tasks[j], tasks[j-1] = tasks[j-1], tasks[j]
		}
	}
}

// LastTaskSortKeyInStatus returns the sort_key of the last task in a status
// bucket ("" if the bucket is empty), used to generate a default
// end-of-bucket key on create.
func (s *Store) LastTaskSortKeyInStatus(ctx context.Context, status TaskStatus) (string, error) {
	var key string
	err := s.db.QueryRowContext(ctx, `SELECT sort_key FROM tasks WHERE status = $1 ORDER BY sort_key DESC LIMIT 1`, status).Scan(&key)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", wrapErr(err, "")
	}
	return key, nil
}

// TaskSortKeyNeighbors returns the sort_key of the task immediately before
// beforeTaskID within its own status bucket ("" if beforeTaskID is the first
// task in its bucket), together with beforeTaskID's own sort_key and status.
func (s *Store) TaskSortKeyNeighbors(ctx context.Context, beforeTaskID string) (before, at string, status TaskStatus, err error) {
	target, err := s.GetTask(ctx, beforeTaskID)
	if err != nil {
		return "", "", "", err
	}
	at = target.SortKey
	status = target.Status

	err = s.db.QueryRowContext(ctx, `
		SELECT sort_key FROM tasks
		 WHERE status = $1 AND sort_key < $2
		 ORDER BY sort_key DESC LIMIT 1`,
		status, at,
	).Scan(&before)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", at, status, nil
		}
		return "", "", "", wrapErr(err, "")
	}
	return before, at, status, nil
}

func scanTask(row *sql.Row) (Task, error) {
	var t Task
	if err := row.Scan(
		&t.ID, &t.ProjectID, &t.Title, &t.Detail, &t.CreatorUserID, &t.AssigneeUserID, &t.Status,
		&t.OnOrAfterAt, &t.MustBeDoneAfterTaskID, &t.SortKey, &t.NextTaskID, &t.NextTaskAssigneeUserID,
		&t.CreatedAt, &t.UpdatedAt, &t.CompletedAt, &t.RecurringTemplateID, &t.RecurringInstanceAt,
	); err != nil {
		return Task{}, wrapErr(err, "task not found")
	}
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]Task, error) {
	var out []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(
			&t.ID, &t.ProjectID, &t.Title, &t.Detail, &t.CreatorUserID, &t.AssigneeUserID, &t.Status,
			&t.OnOrAfterAt, &t.MustBeDoneAfterTaskID, &t.SortKey, &t.NextTaskID, &t.NextTaskAssigneeUserID,
			&t.CreatedAt, &t.UpdatedAt, &t.CompletedAt, &t.RecurringTemplateID, &t.RecurringInstanceAt,
		); err != nil {
			return nil, wrapErr(err, "")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// InsertTaskEvent appends an audit-log row.
func (s *Store) InsertTaskEvent(ctx context.Context, taskID, actor string, kind TaskEventKind, before, after json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_events (task_id, actor_user_id, kind, before_state, after_state)
		VALUES ($1, $2, $3, $4, $5)`,
		taskID, actor, kind, nullableJSON(before), nullableJSON(after),
	)
	if err != nil {
		return wrapErr(err, "")
	}
	return nil
}

// ListTaskEvents returns a task's audit log, newest first.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string, limit int) ([]TaskEvent, error) {
	limit = clampLimit(limit, 50, 200)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, actor_user_id, kind, before_state, after_state, created_at
		FROM task_events WHERE task_id = $1 ORDER BY id DESC LIMIT $2`,
		taskID, limit,
	)
	if err != nil {
		return nil, wrapErr(err, "")
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var e TaskEvent
		var before, after []byte
		if err := rows.Scan(&e.ID, &e.TaskID, &e.ActorUserID, &e.Kind, &before, &after, &e.CreatedAt); err != nil {
			return nil, wrapErr(err, "")
		}
		e.BeforeState, e.AfterState = before, after
		out = append(out, e)
	}
	return out, rows.Err()
}

const templateColumns = `id, title, detail, project_id, owner_user_id, primary_agent, fallback_agent,
	enabled, start_at, end_at, every_interval, every_unit, days_of_week, week_parity,
	between_hours_start, between_hours_end, timezone, mute, mute_interval, repeat_count, last_run_at`

// CreateRecurringTemplate inserts a new template with a fresh uuid.
func (s *Store) CreateRecurringTemplate(ctx context.Context, t RecurringTemplate) (RecurringTemplate, error) {
	t.ID = uuid.NewString()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO recurring_templates (id, title, detail, project_id, owner_user_id, primary_agent, fallback_agent,
			enabled, start_at, end_at, every_interval, every_unit, days_of_week, week_parity,
			between_hours_start, between_hours_end, timezone, mute, mute_interval, repeat_count)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
		RETURNING `+templateColumns,
		t.ID, t.Title, t.Detail, t.ProjectID, t.OwnerUserID, t.PrimaryAgent, t.FallbackAgent,
		t.Enabled, t.StartAt, t.EndAt, t.EveryInterval, t.EveryUnit, encodeDaysOfWeek(t.DaysOfWeek), t.WeekParity,
		t.BetweenHoursStart, t.BetweenHoursEnd, t.Timezone, t.Mute, t.MuteInterval, t.RepeatCount,
	)
	return scanTemplate(row)
}

// GetRecurringTemplate returns a template by id.
func (s *Store) GetRecurringTemplate(ctx context.Context, id string) (RecurringTemplate, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM recurring_templates WHERE id = $1`, id)
	return scanTemplate(row)
}

// ListRecurringTemplates returns all templates.
func (s *Store) ListRecurringTemplates(ctx context.Context) ([]RecurringTemplate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+templateColumns+` FROM recurring_templates ORDER BY title ASC`)
	if err != nil {
		return nil, wrapErr(err, "")
	}
	defer rows.Close()

	var out []RecurringTemplate
	for rows.Next() {
		t, err := scanTemplateRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecurringTemplateUpdate is a partial patch.
type RecurringTemplateUpdate struct {
	Title             *string
	Detail            *string
	ProjectID         **string
	PrimaryAgent      *string
	FallbackAgent     *string
	StartAt           *time.Time
	EndAt             **time.Time
	EveryInterval     *int
	EveryUnit         *EveryUnit
	DaysOfWeek        *[]string
	WeekParity        *WeekParity
	BetweenHoursStart **int
	BetweenHoursEnd   **int
	Timezone          *string
	Mute              *bool
	MuteInterval      *string
	RepeatCount       **int
}

// UpdateRecurringTemplate applies a partial patch.
func (s *Store) UpdateRecurringTemplate(ctx context.Context, id string, u RecurringTemplateUpdate) (RecurringTemplate, error) {
	current, err := s.GetRecurringTemplate(ctx, id)
	if err != nil {
		return RecurringTemplate{}, err
	}
	applyTemplateUpdate(&current, u)

	row := s.db.QueryRowContext(ctx, `
		UPDATE recurring_templates
		   SET title=$1, detail=$2, project_id=$3, primary_agent=$4, fallback_agent=$5,
		       start_at=$6, end_at=$7, every_interval=$8, every_unit=$9, days_of_week=$10,
		       week_parity=$11, between_hours_start=$12, between_hours_end=$13, timezone=$14,
		       mute=$15, mute_interval=$16, repeat_count=$17
		 WHERE id = $18
		RETURNING `+templateColumns,
		current.Title, current.Detail, current.ProjectID, current.PrimaryAgent, current.FallbackAgent,
		current.StartAt, current.EndAt, current.EveryInterval, current.EveryUnit, encodeDaysOfWeek(current.DaysOfWeek),
		current.WeekParity, current.BetweenHoursStart, current.BetweenHoursEnd, current.Timezone,
		current.Mute, current.MuteInterval, current.RepeatCount, id,
	)
	return scanTemplate(row)
}

func applyTemplateUpdate(t *RecurringTemplate, u RecurringTemplateUpdate) {
	if u.Title != nil {
		t.Title = *u.Title
	}
	if u.Detail != nil {
		t.Detail = *u.Detail
	}
	if u.ProjectID != nil {
		t.ProjectID = *u.ProjectID
	}
	if u.PrimaryAgent != nil {
		t.PrimaryAgent = *u.PrimaryAgent
	}
	if u.FallbackAgent != nil {
		t.FallbackAgent = *u.FallbackAgent
	}
	if u.StartAt != nil {
		t.StartAt = *u.StartAt
	}
	if u.EndAt != nil {
		t.EndAt = *u.EndAt
	}
	if u.EveryInterval != nil {
		t.EveryInterval = *u.EveryInterval
	}
	if u.EveryUnit != nil {
		t.EveryUnit = *u.EveryUnit
	}
	if u.DaysOfWeek != nil {
		t.DaysOfWeek = *u.DaysOfWeek
	}
	if u.WeekParity != nil {
		t.WeekParity = *u.WeekParity
	}
	if u.BetweenHoursStart != nil {
		t.BetweenHoursStart = *u.BetweenHoursStart
	}
	if u.BetweenHoursEnd != nil {
		t.BetweenHoursEnd = *u.BetweenHoursEnd
	}
	if u.Timezone != nil {
		t.Timezone = *u.Timezone
	}
	if u.Mute != nil {
		t.Mute = *u.Mute
	}
	if u.MuteInterval != nil {
		t.MuteInterval = *u.MuteInterval
	}
	if u.RepeatCount != nil {
		t.RepeatCount = *u.RepeatCount
	}
}

// SetRecurringTemplateEnabled toggles enabled.
func (s *Store) SetRecurringTemplateEnabled(ctx context.Context, id string, enabled bool) (RecurringTemplate, error) {
	row := s.db.QueryRowContext(ctx, `UPDATE recurring_templates SET enabled = $1 WHERE id = $2 RETURNING `+templateColumns, enabled, id)
	return scanTemplate(row)
}

// DeleteRecurringTemplate removes a template by id.
func (s *Store) DeleteRecurringTemplate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM recurring_templates WHERE id = $1`, id)
	if err != nil {
		return wrapErr(err, "")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr(err, "")
	}
	if n == 0 {
		return apierr.NewNotFound("recurring template not found")
	}
	return nil
}

// SetTemplateLastRunAt stamps last_run_at = now after a generator run.
func (s *Store) SetTemplateLastRunAt(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE recurring_templates SET last_run_at = $1 WHERE id = $2`, at, id)
	return wrapErr(err, "")
}

// CountRecurringInstances counts non-deleted task instances for a template,
// used to enforce repeat_count.
func (s *Store) CountRecurringInstances(ctx context.Context, templateID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM tasks WHERE recurring_template_id = $1`, templateID).Scan(&n)
	if err != nil {
		return 0, wrapErr(err, "")
	}
	return n, nil
}

// InsertRecurringInstance inserts a task for a template occurrence using
// ON CONFLICT DO NOTHING on (recurring_template_id, recurring_instance_at),
// returning inserted=false when the occurrence already existed (spec's
// safely-re-runnable generator invariant).
func (s *Store) InsertRecurringInstance(ctx context.Context, t Task) (inserted bool, err error) {
	t.ID = uuid.NewString()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO tasks (id, project_id, title, detail, creator_user_id, assignee_user_id, status,
			sort_key, recurring_template_id, recurring_instance_at)
		VALUES ($1,$2,$3,$4,$5,$6,'queued',$7,$8,$9)
		ON CONFLICT (recurring_template_id, recurring_instance_at)
			WHERE recurring_template_id IS NOT NULL AND recurring_instance_at IS NOT NULL
			DO NOTHING
		RETURNING id`,
		t.ID, t.ProjectID, t.Title, t.Detail, t.CreatorUserID, t.AssigneeUserID,
		t.SortKey, t.RecurringTemplateID, t.RecurringInstanceAt,
	)
	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, wrapErr(err, "")
	}
	return true, nil
}

func encodeDaysOfWeek(days []string) sql.NullString {
	if len(days) == 0 {
		return sql.NullString{}
	}
	s := ""
	for i, d := range days {
		if i > 0 {
			s += ","
		}
		s += d
	}
	return sql.NullString{String: s, Valid: true}
}

func decodeDaysOfWeek(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s.String); i++ {
		if i == len(s.String) || s.String[i] == ',' {
			if i > start {
				out = append(out, s.String[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func scanTemplate(row *sql.Row) (RecurringTemplate, error) {
	var t RecurringTemplate
	var days sql.NullString
	if err := row.Scan(
		&t.ID, &t.Title, &t.Detail, &t.ProjectID, &t.OwnerUserID, &t.PrimaryAgent, &t.FallbackAgent,
		&t.Enabled, &t.StartAt, &t.EndAt, &t.EveryInterval, &t.EveryUnit, &days, &t.WeekParity,
		&t.BetweenHoursStart, &t.BetweenHoursEnd, &t.Timezone, &t.Mute, &t.MuteInterval, &t.RepeatCount, &t.LastRunAt,
	); err != nil {
		return RecurringTemplate{}, wrapErr(err, "recurring template not found")
	}
	t.DaysOfWeek = decodeDaysOfWeek(days)
	return t, nil
}

func scanTemplateRows(rows *sql.Rows) (RecurringTemplate, error) {
	var t RecurringTemplate
	var days sql.NullString
	if err := rows.Scan(
		&t.ID, &t.Title, &t.Detail, &t.ProjectID, &t.OwnerUserID, &t.PrimaryAgent, &t.FallbackAgent,
		&t.Enabled, &t.StartAt, &t.EndAt, &t.EveryInterval, &t.EveryUnit, &days, &t.WeekParity,
		&t.BetweenHoursStart, &t.BetweenHoursEnd, &t.Timezone, &t.Mute, &t.MuteInterval, &t.RepeatCount, &t.LastRunAt,
	); err != nil {
		return RecurringTemplate{}, wrapErr(err, "")
	}
	t.DaysOfWeek = decodeDaysOfWeek(days)
	return t, nil
}

// Package swarm implements the shared task tracker described in spec
// §4.F: projects, a global planned ordering, inter-task dependencies, a
// status state machine, and a recurring-template generator.
package swarm

import (
	"context"
	"fmt"
	"strings"

	"github.com/hive/server/internal/apierr"
	"github.com/hive/server/internal/broadcast"
	"github.com/hive/server/internal/bus"
	"github.com/hive/server/internal/metrics"
	"github.com/hive/server/internal/store"
)

// Engine is the Swarm business-logic layer.
type Engine struct {
	store   *store.Store
	bus     *bus.Bus
	buzz    *broadcast.Engine
	metrics *metrics.Recorder
}

// New creates a swarm Engine. buzz and m may be nil in tests that don't
// care about the Swarm -> Buzz bridge or about metrics.
func New(s *store.Store, b *bus.Bus, buzz *broadcast.Engine, m *metrics.Recorder) *Engine {
	return &Engine{store: s, bus: b, buzz: buzz, metrics: m}
}

var hexColor = func(c string) bool {
	if len(c) != 7 || c[0] != '#' {
		return false
	}
	for _, r := range c[1:] {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')) {
			return false
		}
	}
	return true
}

// CreateProject validates required fields and inserts a new project.
func (e *Engine) CreateProject(ctx context.Context, p store.Project) (store.Project, error) {
	if strings.TrimSpace(p.Title) == "" {
		return store.Project{}, apierr.NewBadRequest("title is required")
	}
	if !hexColor(p.Color) {
		return store.Project{}, apierr.NewBadRequest("color must be #RRGGBB")
	}
	if p.ProjectLeadUserID == "" || p.DeveloperLeadUserID == "" {
		return store.Project{}, apierr.NewBadRequest("projectLeadUserId and developerLeadUserId are required")
	}
	return e.store.CreateProject(ctx, p)
}

// GetProject returns a project by id.
func (e *Engine) GetProject(ctx context.Context, id string) (store.Project, error) {
	return e.store.GetProject(ctx, id)
}

// UpdateProject applies a partial patch.
func (e *Engine) UpdateProject(ctx context.Context, id string, u store.ProjectUpdate) (store.Project, error) {
	if u.Color != nil && !hexColor(*u.Color) {
		return store.Project{}, apierr.NewBadRequest("color must be #RRGGBB")
	}
	return e.store.UpdateProject(ctx, id, u)
}

// SetArchived archives or unarchives a project.
func (e *Engine) SetArchived(ctx context.Context, id string, archived bool) (store.Project, error) {
	return e.store.SetProjectArchived(ctx, id, archived)
}

// ListProjects defaults to active (non-archived) projects.
func (e *Engine) ListProjects(ctx context.Context, archived bool) ([]store.Project, error) {
	return e.store.ListProjects(ctx, archived)
}

// CreateTask inserts a task at the end of the queued bucket.
func (e *Engine) CreateTask(ctx context.Context, actor string, t store.Task) (TaskView, error) {
	if strings.TrimSpace(t.Title) == "" {
		return TaskView{}, apierr.NewBadRequest("title is required")
	}
	if t.Status == "" {
		t.Status = store.TaskQueued
	}
	if t.SortKey == "" {
		last, err := e.store.LastTaskSortKeyInStatus(ctx, t.Status)
		if err != nil {
			return TaskView{}, err
		}
		t.SortKey = EndOfBucketKey(last)
	}
	t.CreatorUserID = actor

	created, err := e.store.CreateTask(ctx, t)
	if err != nil {
		return TaskView{}, err
	}

	if err := e.store.InsertTaskEvent(ctx, created.ID, actor, store.TaskEventCreated, nil, mustJSON(created)); err != nil {
		return TaskView{}, err
	}
	e.mirror(ctx, created, actor, "swarm.task.created", "")

	return e.enrich(ctx, created)
}

// GetTask returns a task enriched with its computed blocked_reason.
func (e *Engine) GetTask(ctx context.Context, id string) (TaskView, error) {
	t, err := e.store.GetTask(ctx, id)
	if err != nil {
		return TaskView{}, err
	}
	return e.enrich(ctx, t)
}

// ListTasks returns tasks matching the filter, enriched with blocked_reason.
func (e *Engine) ListTasks(ctx context.Context, f store.TaskListFilter) ([]TaskView, error) {
	tasks, err := e.store.ListTasks(ctx, f)
	if err != nil {
		return nil, err
	}
	return e.enrichAll(ctx, tasks)
}

// Claim sets assignee_user_id = viewer unconditionally, even if already
// assigned to someone else (permissive reassignment; see DESIGN.md Open
// Question decision #1). Distinguished from Update by always emitting
// swarm.task.assigned.
func (e *Engine) Claim(ctx context.Context, id, viewer string) (TaskView, error) {
	before, after, err := e.store.ClaimTask(ctx, id, viewer)
	if err != nil {
		return TaskView{}, err
	}
	if err := e.store.InsertTaskEvent(ctx, id, viewer, store.TaskEventClaimed, mustJSON(before), mustJSON(after)); err != nil {
		return TaskView{}, err
	}
	e.mirror(ctx, after, viewer, "swarm.task.assigned", fmt.Sprintf("%s claimed %q", viewer, after.Title))
	return e.enrich(ctx, after)
}

// Update applies a partial patch. The emitted Buzz event type distinguishes
// an assignment change (swarm.task.assigned) from any other field change
// (swarm.task.updated), per spec §4.F.
func (e *Engine) Update(ctx context.Context, id, actor string, u store.TaskUpdate) (TaskView, error) {
	before, after, err := e.store.UpdateTask(ctx, id, u)
	if err != nil {
		return TaskView{}, err
	}
	if err := e.store.InsertTaskEvent(ctx, id, actor, store.TaskEventUpdated, mustJSON(before), mustJSON(after)); err != nil {
		return TaskView{}, err
	}

	eventType := "swarm.task.updated"
	if u.AssigneeUserID != nil {
		eventType = "swarm.task.assigned"
	}
	e.mirror(ctx, after, actor, eventType, diffSummary(before, after))
	return e.enrich(ctx, after)
}

// SetStatus applies the status transition, refusing into {in_progress,
// review, complete} while blocked_reason is non-null (spec §4.F transition
// rule).
func (e *Engine) SetStatus(ctx context.Context, id, actor string, status store.TaskStatus) (TaskView, error) {
	current, err := e.store.GetTask(ctx, id)
	if err != nil {
		return TaskView{}, err
	}

	if status == store.TaskInProgress || status == store.TaskReview || status == store.TaskComplete {
		reason, err := e.BlockedReason(ctx, current, timeNow())
		if err != nil {
			return TaskView{}, err
		}
		if reason != "" {
			return TaskView{}, apierr.NewBadRequest("task is blocked by " + reason)
		}
	}

	before, after, err := e.store.SetTaskStatus(ctx, id, status)
	if err != nil {
		return TaskView{}, err
	}
	if err := e.store.InsertTaskEvent(ctx, id, actor, store.TaskEventStatusChanged, mustJSON(before), mustJSON(after)); err != nil {
		return TaskView{}, err
	}

	eventType := "swarm.task." + string(status)
	summary := fmt.Sprintf("%s changed %q to %s", actor, after.Title, status)
	e.mirror(ctx, after, actor, eventType, summary)
	e.metrics.RecordStatusTransition(ctx, string(status))
	return e.enrich(ctx, after)
}

// Reorder assigns task id a new sort_key so it sorts immediately before
// beforeTaskID (or at the end of its status bucket if beforeTaskID == "").
func (e *Engine) Reorder(ctx context.Context, id, actor, beforeTaskID string) (TaskView, error) {
	task, err := e.store.GetTask(ctx, id)
	if err != nil {
		return TaskView{}, err
	}

	var newKey string
	if beforeTaskID == "" {
		last, err := e.store.LastTaskSortKeyInStatus(ctx, task.Status)
		if err != nil {
			return TaskView{}, err
		}
		newKey = EndOfBucketKey(last)
	} else {
		lo, hi, _, err := e.store.TaskSortKeyNeighbors(ctx, beforeTaskID)
		if err != nil {
			return TaskView{}, err
		}
		newKey = MidpointKey(lo, hi)
	}

	updated, err := e.store.SetTaskSortKey(ctx, id, newKey)
	if err != nil {
		return TaskView{}, err
	}
	if err := e.store.InsertTaskEvent(ctx, id, actor, store.TaskEventReordered, mustJSON(task), mustJSON(updated)); err != nil {
		return TaskView{}, err
	}
	e.mirror(ctx, updated, actor, "swarm.task.reordered", fmt.Sprintf("%s reordered %q", actor, updated.Title))
	return e.enrich(ctx, updated)
}

// ListTaskEvents returns a task's audit log, newest first.
func (e *Engine) ListTaskEvents(ctx context.Context, taskID string, limit int) ([]store.TaskEvent, error) {
	return e.store.ListTaskEvents(ctx, taskID, limit)
}

func diffSummary(before, after store.Task) string {
	var fields []string
	if before.Title != after.Title {
		fields = append(fields, "title")
	}
	if before.Detail != after.Detail {
		fields = append(fields, "detail")
	}
	if ptrNeq(before.AssigneeUserID, after.AssigneeUserID) {
		fields = append(fields, "assignee")
	}
	if ptrNeq(before.ProjectID, after.ProjectID) {
		fields = append(fields, "project")
	}
	if len(fields) == 0 {
		return ""
	}
	return "changed " + strings.Join(fields, ", ")
}

func ptrNeq(a, b *string) bool {
	if (a == nil) != (b == nil) {
		return true
	}
	return a != nil && *a != *b
}

// mirror records a Swarm mutation into the Buzz log; failures are logged by
// the broadcast engine's own error path and never fail the Swarm mutation
// that triggered them, since the mirror is a secondary effect.
func (e *Engine) mirror(ctx context.Context, t store.Task, actor, eventType, diff string) {
	if e.buzz == nil {
		return
	}
	var projectID string
	if t.ProjectID != nil {
		projectID = *t.ProjectID
	}
	var assignee string
	if t.AssigneeUserID != nil {
		assignee = *t.AssigneeUserID
	}

	title := fmt.Sprintf("%s changed %q to %s", actor, t.Title, t.Status)
	if diff != "" {
		title = fmt.Sprintf("%s on %q: %s", actor, t.Title, diff)
	}

	_ = e.buzz.MirrorSwarmEvent(ctx, title, broadcast.SwarmMirror{
		EventType:   eventType,
		TaskID:      t.ID,
		ProjectID:   projectID,
		Title:       t.Title,
		Actor:       actor,
		Assignee:    assignee,
		Status:      string(t.Status),
		DiffSummary: diff,
		DeepLink:    fmt.Sprintf("/swarm/tasks/%s", t.ID),
	})
}

package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hive/server/internal/apierr"
	"github.com/hive/server/internal/store"
	"github.com/hive/server/internal/swarm"
)

type projectView struct {
	ID                  string  `json:"id"`
	Title               string  `json:"title"`
	Description         string  `json:"description,omitempty"`
	Color               string  `json:"color"`
	ProjectLeadUserID   string  `json:"projectLeadUserId"`
	DeveloperLeadUserID string  `json:"developerLeadUserId"`
	OnedevURL           string  `json:"onedevUrl,omitempty"`
	DokployDeployURL    string  `json:"dokployDeployUrl,omitempty"`
	ArchivedAt          *string `json:"archivedAt,omitempty"`
	CreatedAt           string  `json:"createdAt"`
	UpdatedAt           string  `json:"updatedAt"`
}

func renderProject(p store.Project) projectView {
	v := projectView{
		ID:                  p.ID,
		Title:               p.Title,
		Description:         p.Description,
		Color:               p.Color,
		ProjectLeadUserID:   p.ProjectLeadUserID,
		DeveloperLeadUserID: p.DeveloperLeadUserID,
		OnedevURL:           p.OnedevURL,
		DokployDeployURL:    p.DokployDeployURL,
		CreatedAt:           formatTime(p.CreatedAt),
		UpdatedAt:           formatTime(p.UpdatedAt),
	}
	if p.ArchivedAt != nil {
		s := formatTime(*p.ArchivedAt)
		v.ArchivedAt = &s
	}
	return v
}

type taskView struct {
	ID                     string  `json:"id"`
	ProjectID              *string `json:"projectId,omitempty"`
	Title                  string  `json:"title"`
	Detail                 string  `json:"detail,omitempty"`
	CreatorUserID          string  `json:"creatorUserId"`
	AssigneeUserID         *string `json:"assigneeUserId,omitempty"`
	Status                 string  `json:"status"`
	BlockedReason          string  `json:"blockedReason,omitempty"`
	OnOrAfterAt            *string `json:"onOrAfterAt,omitempty"`
	MustBeDoneAfterTaskID  *string `json:"mustBeDoneAfterTaskId,omitempty"`
	SortKey                string  `json:"sortKey"`
	NextTaskID             *string `json:"nextTaskId,omitempty"`
	NextTaskAssigneeUserID *string `json:"nextTaskAssigneeUserId,omitempty"`
	CreatedAt              string  `json:"createdAt"`
	UpdatedAt              string  `json:"updatedAt"`
	CompletedAt            *string `json:"completedAt,omitempty"`
	RecurringTemplateID    *string `json:"recurringTemplateId,omitempty"`
	RecurringInstanceAt    *string `json:"recurringInstanceAt,omitempty"`
}

func renderTask(t swarm.TaskView) taskView {
	v := taskView{
		ID:             t.ID,
		ProjectID:      t.ProjectID,
		Title:          t.Title,
		Detail:         t.Detail,
		CreatorUserID:  t.CreatorUserID,
		AssigneeUserID: t.AssigneeUserID,
		Status:         string(t.Status),
		BlockedReason:  t.BlockedReason,
		MustBeDoneAfterTaskID:  t.MustBeDoneAfterTaskID,
		SortKey:                t.SortKey,
		NextTaskID:             t.NextTaskID,
		NextTaskAssigneeUserID: t.NextTaskAssigneeUserID,
		CreatedAt:              formatTime(t.CreatedAt),
		UpdatedAt:              formatTime(t.UpdatedAt),
		RecurringTemplateID:    t.RecurringTemplateID,
	}
	if t.OnOrAfterAt != nil {
		s := formatTime(*t.OnOrAfterAt)
		v.OnOrAfterAt = &s
	}
	if t.CompletedAt != nil {
		s := formatTime(*t.CompletedAt)
		v.CompletedAt = &s
	}
	if t.RecurringInstanceAt != nil {
		s := formatTime(*t.RecurringInstanceAt)
		v.RecurringInstanceAt = &s
	}
	return v
}

func renderTasks(tasks []swarm.TaskView) []taskView {
	out := make([]taskView, len(tasks))
	for i, t := range tasks {
		out[i] = renderTask(t)
	}
	return out
}

type taskEventView struct {
	ID          string `json:"id"`
	TaskID      string `json:"taskId"`
	ActorUserID string `json:"actorUserId"`
	Kind        string `json:"kind"`
	Before      any    `json:"before,omitempty"`
	After       any    `json:"after,omitempty"`
	CreatedAt   string `json:"createdAt"`
}

func renderTaskEvents(events []store.TaskEvent) []taskEventView {
	out := make([]taskEventView, len(events))
	for i, ev := range events {
		v := taskEventView{
			TaskID:      ev.TaskID,
			ActorUserID: ev.ActorUserID,
			Kind:        string(ev.Kind),
			CreatedAt:   formatTime(ev.CreatedAt),
		}
		v.ID = strconv.FormatInt(ev.ID, 10)
		if len(ev.BeforeState) > 0 {
			v.Before = ev.BeforeState
		}
		if len(ev.AfterState) > 0 {
			v.After = ev.AfterState
		}
		out[i] = v
	}
	return out
}

type templateView struct {
	ID                string  `json:"id"`
	Title             string  `json:"title"`
	Detail            string  `json:"detail,omitempty"`
	ProjectID         *string `json:"projectId,omitempty"`
	OwnerUserID       string  `json:"ownerUserId"`
	PrimaryAgent      string  `json:"primaryAgent"`
	FallbackAgent     string  `json:"fallbackAgent,omitempty"`
	Enabled           bool    `json:"enabled"`
	StartAt           string  `json:"startAt"`
	EndAt             *string `json:"endAt,omitempty"`
	EveryInterval     int     `json:"everyInterval"`
	EveryUnit         string  `json:"everyUnit"`
	DaysOfWeek        []string `json:"daysOfWeek,omitempty"`
	WeekParity        string  `json:"weekParity,omitempty"`
	BetweenHoursStart *int    `json:"betweenHoursStart,omitempty"`
	BetweenHoursEnd   *int    `json:"betweenHoursEnd,omitempty"`
	Timezone          string  `json:"timezone,omitempty"`
	Mute              bool    `json:"mute"`
	MuteInterval      string  `json:"muteInterval,omitempty"`
	RepeatCount       *int    `json:"repeatCount,omitempty"`
	LastRunAt         *string `json:"lastRunAt,omitempty"`
}

func renderTemplate(t store.RecurringTemplate) templateView {
	v := templateView{
		ID:                t.ID,
		Title:             t.Title,
		Detail:            t.Detail,
		ProjectID:         t.ProjectID,
		OwnerUserID:       t.OwnerUserID,
		PrimaryAgent:      t.PrimaryAgent,
		FallbackAgent:     t.FallbackAgent,
		Enabled:           t.Enabled,
		StartAt:           formatTime(t.StartAt),
		EveryInterval:     t.EveryInterval,
		EveryUnit:         string(t.EveryUnit),
		DaysOfWeek:        t.DaysOfWeek,
		WeekParity:        string(t.WeekParity),
		BetweenHoursStart: t.BetweenHoursStart,
		BetweenHoursEnd:   t.BetweenHoursEnd,
		Timezone:          t.Timezone,
		Mute:              t.Mute,
		MuteInterval:      t.MuteInterval,
		RepeatCount:       t.RepeatCount,
	}
	if t.EndAt != nil {
		s := formatTime(*t.EndAt)
		v.EndAt = &s
	}
	if t.LastRunAt != nil {
		s := formatTime(*t.LastRunAt)
		v.LastRunAt = &s
	}
	return v
}

// --- Projects ---

type projectRequest struct {
	Title               string `json:"title"`
	Description         string `json:"description"`
	Color               string `json:"color"`
	ProjectLeadUserID   string `json:"projectLeadUserId"`
	DeveloperLeadUserID string `json:"developerLeadUserId"`
	OnedevURL           string `json:"onedevUrl"`
	DokployDeployURL    string `json:"dokployDeployUrl"`
}

func (d *Dispatcher) handleCreateProject(w http.ResponseWriter, r *http.Request, id Identity) error {
	var req projectRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		return err
	}
	p, err := d.swarm.CreateProject(r.Context(), store.Project{
		Title: req.Title, Description: req.Description, Color: req.Color,
		ProjectLeadUserID: req.ProjectLeadUserID, DeveloperLeadUserID: req.DeveloperLeadUserID,
		OnedevURL: req.OnedevURL, DokployDeployURL: req.DokployDeployURL,
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, map[string]any{"project": renderProject(p)})
	return nil
}

func (d *Dispatcher) handleListProjects(w http.ResponseWriter, r *http.Request, id Identity) error {
	archived := r.URL.Query().Get("archived") == "true"
	projects, err := d.swarm.ListProjects(r.Context(), archived)
	if err != nil {
		return err
	}
	views := make([]projectView, len(projects))
	for i, p := range projects {
		views[i] = renderProject(p)
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": views})
	return nil
}

func (d *Dispatcher) handleGetProject(w http.ResponseWriter, r *http.Request, id Identity) error {
	p, err := d.swarm.GetProject(r.Context(), r.PathValue("id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": renderProject(p)})
	return nil
}

type projectPatchRequest struct {
	Title               *string `json:"title"`
	Description         *string `json:"description"`
	Color               *string `json:"color"`
	ProjectLeadUserID   *string `json:"projectLeadUserId"`
	DeveloperLeadUserID *string `json:"developerLeadUserId"`
	OnedevURL           *string `json:"onedevUrl"`
	DokployDeployURL    *string `json:"dokployDeployUrl"`
}

func (d *Dispatcher) handleUpdateProject(w http.ResponseWriter, r *http.Request, id Identity) error {
	var req projectPatchRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		return err
	}
	p, err := d.swarm.UpdateProject(r.Context(), r.PathValue("id"), store.ProjectUpdate{
		Title: req.Title, Description: req.Description, Color: req.Color,
		ProjectLeadUserID: req.ProjectLeadUserID, DeveloperLeadUserID: req.DeveloperLeadUserID,
		OnedevURL: req.OnedevURL, DokployDeployURL: req.DokployDeployURL,
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": renderProject(p)})
	return nil
}

func (d *Dispatcher) handleSetProjectArchived(archived bool) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request, id Identity) error {
		p, err := d.swarm.SetArchived(r.Context(), r.PathValue("id"), archived)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, map[string]any{"project": renderProject(p)})
		return nil
	}
}

// --- Tasks ---

type taskRequest struct {
	ProjectID             *string `json:"projectId"`
	Title                 string  `json:"title"`
	Detail                string  `json:"detail"`
	AssigneeUserID        *string `json:"assigneeUserId"`
	OnOrAfterAt           *string `json:"onOrAfterAt"`
	MustBeDoneAfterTaskID *string `json:"mustBeDoneAfterTaskId"`
}

func (d *Dispatcher) handleCreateTask(w http.ResponseWriter, r *http.Request, id Identity) error {
	var req taskRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		return err
	}

	t := store.Task{
		ProjectID: req.ProjectID, Title: req.Title, Detail: req.Detail,
		AssigneeUserID: req.AssigneeUserID, MustBeDoneAfterTaskID: req.MustBeDoneAfterTaskID,
	}
	if req.OnOrAfterAt != nil {
		ts, err := parseTime(*req.OnOrAfterAt)
		if err != nil {
			return apierr.NewBadRequest("onOrAfterAt must be RFC3339")
		}
		t.OnOrAfterAt = &ts
	}

	view, err := d.swarm.CreateTask(r.Context(), id.User, t)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, map[string]any{"task": renderTask(view)})
	return nil
}

func (d *Dispatcher) handleListTasks(w http.ResponseWriter, r *http.Request, id Identity) error {
	q := r.URL.Query()
	tasks, err := d.swarm.ListTasks(r.Context(), store.TaskListFilter{
		ProjectID: q.Get("projectId"),
		Status:    store.TaskStatus(q.Get("status")),
		Assignee:  q.Get("assignee"),
		Sort:      q.Get("sort"),
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": renderTasks(tasks)})
	return nil
}

func (d *Dispatcher) handleGetTask(w http.ResponseWriter, r *http.Request, id Identity) error {
	t, err := d.swarm.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": renderTask(t)})
	return nil
}

type taskPatchRequest struct {
	ProjectID             optionalString `json:"projectId"`
	Title                 *string        `json:"title"`
	Detail                *string        `json:"detail"`
	AssigneeUserID        optionalString `json:"assigneeUserId"`
	OnOrAfterAt           optionalTime   `json:"onOrAfterAt"`
	MustBeDoneAfterTaskID optionalString `json:"mustBeDoneAfterTaskId"`
}

func (d *Dispatcher) handleUpdateTask(w http.ResponseWriter, r *http.Request, id Identity) error {
	var req taskPatchRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		return err
	}

	u := store.TaskUpdate{Title: req.Title, Detail: req.Detail}
	if req.ProjectID.set {
		u.ProjectID = &req.ProjectID.value
	}
	if req.AssigneeUserID.set {
		u.AssigneeUserID = &req.AssigneeUserID.value
	}
	if req.MustBeDoneAfterTaskID.set {
		u.MustBeDoneAfterTaskID = &req.MustBeDoneAfterTaskID.value
	}
	if req.OnOrAfterAt.set {
		u.OnOrAfterAt = &req.OnOrAfterAt.value
	}

	view, err := d.swarm.Update(r.Context(), r.PathValue("id"), id.User, u)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": renderTask(view)})
	return nil
}

func (d *Dispatcher) handleClaimTask(w http.ResponseWriter, r *http.Request, id Identity) error {
	view, err := d.swarm.Claim(r.Context(), r.PathValue("id"), id.User)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": renderTask(view)})
	return nil
}

type statusRequest struct {
	Status string `json:"status"`
}

func (d *Dispatcher) handleSetTaskStatus(w http.ResponseWriter, r *http.Request, id Identity) error {
	var req statusRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		return err
	}
	status := store.TaskStatus(strings.TrimSpace(req.Status))
	switch status {
	case store.TaskQueued, store.TaskReady, store.TaskInProgress, store.TaskHolding, store.TaskReview, store.TaskComplete:
	default:
		return apierr.NewBadRequest("invalid status")
	}

	view, err := d.swarm.SetStatus(r.Context(), r.PathValue("id"), id.User, status)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": renderTask(view)})
	return nil
}

func (d *Dispatcher) handleListTaskEvents(w http.ResponseWriter, r *http.Request, id Identity) error {
	events, err := d.swarm.ListTaskEvents(r.Context(), r.PathValue("id"), queryInt(r, "limit", 50))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": renderTaskEvents(events)})
	return nil
}

type reorderRequest struct {
	BeforeTaskID *string `json:"beforeTaskId"`
}

func (d *Dispatcher) handleReorderTask(w http.ResponseWriter, r *http.Request, id Identity) error {
	var req reorderRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		return err
	}
	before := ""
	if req.BeforeTaskID != nil {
		before = *req.BeforeTaskID
	}
	view, err := d.swarm.Reorder(r.Context(), r.PathValue("id"), id.User, before)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": renderTask(view)})
	return nil
}

// --- Recurring templates ---

type templateRequest struct {
	Title             string    `json:"title"`
	Detail            string    `json:"detail"`
	ProjectID         *string   `json:"projectId"`
	PrimaryAgent      string    `json:"primaryAgent"`
	FallbackAgent     string    `json:"fallbackAgent"`
	StartAt           string    `json:"startAt"`
	EndAt             *string   `json:"endAt"`
	EveryInterval     int       `json:"everyInterval"`
	EveryUnit         string    `json:"everyUnit"`
	DaysOfWeek        []string  `json:"daysOfWeek"`
	WeekParity        string    `json:"weekParity"`
	BetweenHoursStart *int      `json:"betweenHoursStart"`
	BetweenHoursEnd   *int      `json:"betweenHoursEnd"`
	Timezone          string    `json:"timezone"`
	Mute              bool      `json:"mute"`
	MuteInterval      string    `json:"muteInterval"`
	RepeatCount       *int      `json:"repeatCount"`
}

func (d *Dispatcher) handleCreateTemplate(w http.ResponseWriter, r *http.Request, id Identity) error {
	var req templateRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		return err
	}
	startAt, err := parseTime(req.StartAt)
	if err != nil {
		return apierr.NewBadRequest("startAt must be RFC3339")
	}
	var endAt *time.Time
	if req.EndAt != nil {
		t, err := parseTime(*req.EndAt)
		if err != nil {
			return apierr.NewBadRequest("endAt must be RFC3339")
		}
		endAt = &t
	}

	tmpl, err := d.swarm.CreateTemplate(r.Context(), store.RecurringTemplate{
		Title: req.Title, Detail: req.Detail, ProjectID: req.ProjectID,
		OwnerUserID: id.User, PrimaryAgent: req.PrimaryAgent, FallbackAgent: req.FallbackAgent,
		Enabled: true, StartAt: startAt, EndAt: endAt,
		EveryInterval: req.EveryInterval, EveryUnit: store.EveryUnit(req.EveryUnit),
		DaysOfWeek: req.DaysOfWeek, WeekParity: store.WeekParity(req.WeekParity),
		BetweenHoursStart: req.BetweenHoursStart, BetweenHoursEnd: req.BetweenHoursEnd,
		Timezone: req.Timezone, Mute: req.Mute, MuteInterval: req.MuteInterval, RepeatCount: req.RepeatCount,
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, map[string]any{"template": renderTemplate(tmpl)})
	return nil
}

func (d *Dispatcher) handleListTemplates(w http.ResponseWriter, r *http.Request, id Identity) error {
	templates, err := d.swarm.ListTemplates(r.Context())
	if err != nil {
		return err
	}
	views := make([]templateView, len(templates))
	for i, t := range templates {
		views[i] = renderTemplate(t)
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": views})
	return nil
}

func (d *Dispatcher) handleGetTemplate(w http.ResponseWriter, r *http.Request, id Identity) error {
	tmpl, err := d.swarm.GetTemplate(r.Context(), r.PathValue("id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"template": renderTemplate(tmpl)})
	return nil
}

type templatePatchRequest struct {
	Title             *string   `json:"title"`
	Detail            *string   `json:"detail"`
	ProjectID         optionalString `json:"projectId"`
	PrimaryAgent      *string   `json:"primaryAgent"`
	FallbackAgent     *string   `json:"fallbackAgent"`
	StartAt           *string   `json:"startAt"`
	EndAt             optionalTime `json:"endAt"`
	EveryInterval     *int      `json:"everyInterval"`
	EveryUnit         *string   `json:"everyUnit"`
	DaysOfWeek        *[]string `json:"daysOfWeek"`
	WeekParity        *string   `json:"weekParity"`
	BetweenHoursStart optionalInt `json:"betweenHoursStart"`
	BetweenHoursEnd   optionalInt `json:"betweenHoursEnd"`
	Timezone          *string   `json:"timezone"`
	Mute              *bool     `json:"mute"`
	MuteInterval      *string   `json:"muteInterval"`
	RepeatCount       optionalInt `json:"repeatCount"`
}

func (d *Dispatcher) handleUpdateTemplate(w http.ResponseWriter, r *http.Request, id Identity) error {
	var req templatePatchRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		return err
	}

	u := store.RecurringTemplateUpdate{
		Title: req.Title, Detail: req.Detail, PrimaryAgent: req.PrimaryAgent,
		FallbackAgent: req.FallbackAgent, EveryInterval: req.EveryInterval,
		DaysOfWeek: req.DaysOfWeek, Timezone: req.Timezone, Mute: req.Mute, MuteInterval: req.MuteInterval,
	}
	if req.ProjectID.set {
		u.ProjectID = &req.ProjectID.value
	}
	if req.StartAt != nil {
		t, err := parseTime(*req.StartAt)
		if err != nil {
			return apierr.NewBadRequest("startAt must be RFC3339")
		}
		u.StartAt = &t
	}
	if req.EndAt.set {
		u.EndAt = &req.EndAt.value
	}
	if req.EveryUnit != nil {
		unit := store.EveryUnit(*req.EveryUnit)
		u.EveryUnit = &unit
	}
	if req.WeekParity != nil {
		parity := store.WeekParity(*req.WeekParity)
		u.WeekParity = &parity
	}
	if req.BetweenHoursStart.set {
		u.BetweenHoursStart = &req.BetweenHoursStart.value
	}
	if req.BetweenHoursEnd.set {
		u.BetweenHoursEnd = &req.BetweenHoursEnd.value
	}
	if req.RepeatCount.set {
		u.RepeatCount = &req.RepeatCount.value
	}

	tmpl, err := d.swarm.UpdateTemplate(r.Context(), r.PathValue("id"), u)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"template": renderTemplate(tmpl)})
	return nil
}

func (d *Dispatcher) handleDeleteTemplate(w http.ResponseWriter, r *http.Request, id Identity) error {
	if err := d.swarm.DeleteTemplate(r.Context(), r.PathValue("id")); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (d *Dispatcher) handleSetTemplateEnabled(enabled bool) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request, id Identity) error {
		tmpl, err := d.swarm.SetTemplateEnabled(r.Context(), r.PathValue("id"), enabled)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, map[string]any{"template": renderTemplate(tmpl)})
		return nil
	}
}

func (d *Dispatcher) handleRunGenerator(w http.ResponseWriter, r *http.Request, id Identity) error {
	result, err := d.swarm.RunGenerator(r.Context(), r.URL.Query().Get("templateId"), time.Now())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"generated": result.Generated, "errors": result.Errors})
	return nil
}

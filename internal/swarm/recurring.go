package swarm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hive/server/internal/apierr"
	"github.com/hive/server/internal/store"
)

// CreateTemplate validates and inserts a recurring template.
func (e *Engine) CreateTemplate(ctx context.Context, t store.RecurringTemplate) (store.RecurringTemplate, error) {
	if err := validateTemplate(t); err != nil {
		return store.RecurringTemplate{}, err
	}
	t.Enabled = true
	return e.store.CreateRecurringTemplate(ctx, t)
}

// GetTemplate returns a recurring template by id.
func (e *Engine) GetTemplate(ctx context.Context, id string) (store.RecurringTemplate, error) {
	return e.store.GetRecurringTemplate(ctx, id)
}

// ListTemplates returns every recurring template.
func (e *Engine) ListTemplates(ctx context.Context) ([]store.RecurringTemplate, error) {
	return e.store.ListRecurringTemplates(ctx)
}

// UpdateTemplate applies a partial patch, re-validating the merged result.
func (e *Engine) UpdateTemplate(ctx context.Context, id string, u store.RecurringTemplateUpdate) (store.RecurringTemplate, error) {
	updated, err := e.store.UpdateRecurringTemplate(ctx, id, u)
	if err != nil {
		return store.RecurringTemplate{}, err
	}
	if err := validateTemplate(updated); err != nil {
		return store.RecurringTemplate{}, err
	}
	return updated, nil
}

// SetTemplateEnabled enables or disables a recurring template.
func (e *Engine) SetTemplateEnabled(ctx context.Context, id string, enabled bool) (store.RecurringTemplate, error) {
	return e.store.SetRecurringTemplateEnabled(ctx, id, enabled)
}

// DeleteTemplate removes a recurring template.
func (e *Engine) DeleteTemplate(ctx context.Context, id string) error {
	return e.store.DeleteRecurringTemplate(ctx, id)
}

var validEveryUnits = map[store.EveryUnit]bool{
	store.UnitMinute: true, store.UnitHour: true, store.UnitDay: true, store.UnitWeek: true, store.UnitMonth: true,
}

var validWeekParities = map[store.WeekParity]bool{
	"": true, store.ParityAny: true, store.ParityOdd: true, store.ParityEven: true,
}

func validateTemplate(t store.RecurringTemplate) error {
	if strings.TrimSpace(t.Title) == "" {
		return apierr.NewBadRequest("title is required")
	}
	if strings.TrimSpace(t.PrimaryAgent) == "" {
		return apierr.NewBadRequest("primaryAgent is required")
	}
	if t.StartAt.IsZero() {
		return apierr.NewBadRequest("startAt is required")
	}
	if !validEveryUnits[t.EveryUnit] {
		return apierr.NewBadRequest("everyUnit must be one of minute, hour, day, week, month")
	}
	if t.EveryInterval <= 0 {
		return apierr.NewBadRequest("everyInterval must be positive")
	}
	if !validWeekParities[t.WeekParity] {
		return apierr.NewBadRequest("weekParity must be one of any, odd, even")
	}
	for _, d := range t.DaysOfWeek {
		if !weekdaySet[d] {
			return apierr.NewBadRequest("daysOfWeek must contain mon..sun")
		}
	}
	if (t.BetweenHoursStart == nil) != (t.BetweenHoursEnd == nil) {
		return apierr.NewBadRequest("betweenHoursStart and betweenHoursEnd must be set together")
	}
	if t.BetweenHoursStart != nil && (*t.BetweenHoursStart < 0 || *t.BetweenHoursStart > 23 || *t.BetweenHoursEnd < 0 || *t.BetweenHoursEnd > 23) {
		return apierr.NewBadRequest("betweenHours must be in 0..23")
	}
	return nil
}

// GeneratorHorizon bounds how far into the future instances are generated.
const GeneratorHorizon = 14 * 24 * time.Hour

// GeneratorCap is the maximum number of new instances created per template
// per run, so a long-neglected template cannot flood the task list in one
// call.
const GeneratorCap = 10

var weekdayNames = map[time.Weekday]string{
	time.Monday:    "mon",
	time.Tuesday:   "tue",
	time.Wednesday: "wed",
	time.Thursday:  "thu",
	time.Friday:    "fri",
	time.Saturday:  "sat",
	time.Sunday:    "sun",
}

var weekdaySet = map[string]bool{
	"mon": true, "tue": true, "wed": true, "thu": true, "fri": true, "sat": true, "sun": true,
}

// GeneratorResult is returned from RunGenerator.
type GeneratorResult struct {
	Generated int
	Errors    []string
}

// RunGenerator advances every enabled template (or just templateID, if
// non-empty) up to GeneratorHorizon from its cursor, inserting at most
// GeneratorCap new task instances per template, per spec §4.F.
func (e *Engine) RunGenerator(ctx context.Context, templateID string, now time.Time) (GeneratorResult, error) {
	var templates []store.RecurringTemplate
	if templateID != "" {
		t, err := e.store.GetRecurringTemplate(ctx, templateID)
		if err != nil {
			return GeneratorResult{}, err
		}
		templates = []store.RecurringTemplate{t}
	} else {
		var err error
		templates, err = e.store.ListRecurringTemplates(ctx)
		if err != nil {
			return GeneratorResult{}, err
		}
	}

	var result GeneratorResult
	for _, tmpl := range templates {
		generated, err := e.runGeneratorForTemplate(ctx, tmpl, now)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", tmpl.ID, err))
			continue
		}
		result.Generated += generated
	}
	return result, nil
}

func (e *Engine) runGeneratorForTemplate(ctx context.Context, tmpl store.RecurringTemplate, now time.Time) (int, error) {
	if !tmpl.Enabled {
		return 0, nil
	}
	if tmpl.StartAt.After(now) {
		return 0, nil
	}
	if tmpl.EndAt != nil && tmpl.EndAt.Before(now) {
		return 0, nil
	}

	cursor := tmpl.StartAt
	if tmpl.LastRunAt != nil && tmpl.LastRunAt.After(cursor) {
		cursor = *tmpl.LastRunAt
	}

	horizon := now.Add(GeneratorHorizon)
	generated := 0

	for generated < GeneratorCap {
		if tmpl.RepeatCount != nil {
			count, err := e.store.CountRecurringInstances(ctx, tmpl.ID)
			if err != nil {
				return generated, err
			}
			if count >= *tmpl.RepeatCount {
				break
			}
		}

		next := nextOccurrence(cursor, tmpl)
		if next.After(horizon) {
			break
		}
		cursor = next

		var projectID *string
		if tmpl.ProjectID != nil {
			id := *tmpl.ProjectID
			projectID = &id
		}
		assignee := tmpl.PrimaryAgent

		lastKey, err := e.store.LastTaskSortKeyInStatus(ctx, store.TaskQueued)
		if err != nil {
			return generated, err
		}

		inserted, err := e.store.InsertRecurringInstance(ctx, store.Task{
			ProjectID:           projectID,
			Title:               tmpl.Title,
			Detail:              tmpl.Detail,
			CreatorUserID:       tmpl.OwnerUserID,
			AssigneeUserID:      &assignee,
			SortKey:             EndOfBucketKey(lastKey),
			RecurringTemplateID: &tmpl.ID,
			RecurringInstanceAt: &next,
		})
		if err != nil {
			return generated, err
		}
		if inserted {
			generated++
		}
	}

	if err := e.store.SetTemplateLastRunAt(ctx, tmpl.ID, now); err != nil {
		return generated, err
	}
	return generated, nil
}

// nextOccurrence implements the spec §4.F next-occurrence function: advance
// by the template's interval, then nudge forward to satisfy day-of-week,
// week-parity, and hour-window constraints, in that order.
func nextOccurrence(c time.Time, tmpl store.RecurringTemplate) time.Time {
	c = advanceByInterval(c, tmpl.EveryInterval, tmpl.EveryUnit)
	c = advanceToAllowedDay(c, tmpl.DaysOfWeek)
	c = advanceForWeekParity(c, tmpl.WeekParity)
	c = advanceForHourWindow(c, tmpl.BetweenHoursStart, tmpl.BetweenHoursEnd)
	return c
}

func advanceByInterval(c time.Time, interval int, unit store.EveryUnit) time.Time {
	if interval <= 0 {
		interval = 1
	}
	switch unit {
	case store.UnitMinute:
		return c.Add(time.Duration(interval) * time.Minute)
	case store.UnitHour:
		return c.Add(time.Duration(interval) * time.Hour)
	case store.UnitWeek:
		return c.AddDate(0, 0, 7*interval)
	case store.UnitMonth:
		return c.AddDate(0, interval, 0)
	case store.UnitDay:
		fallthrough
	default:
		return c.AddDate(0, 0, interval)
	}
}

func advanceToAllowedDay(c time.Time, daysOfWeek []string) time.Time {
	if len(daysOfWeek) == 0 {
		return c
	}
	allowed := make(map[string]bool, len(daysOfWeek))
	for _, d := range daysOfWeek {
		allowed[d] = true
	}
	for i := 0; i < 7; i++ {
		if allowed[weekdayNames[c.Weekday()]] {
			return c
		}
		c = c.AddDate(0, 0, 1)
	}
	return c
}

func advanceForWeekParity(c time.Time, parity store.WeekParity) time.Time {
	if parity == "" || parity == store.ParityAny {
		return c
	}
	_, week := c.ISOWeek()
	isOdd := week%2 == 1
	wantOdd := parity == store.ParityOdd
	if isOdd != wantOdd {
		c = c.AddDate(0, 0, 7)
	}
	return c
}

func advanceForHourWindow(c time.Time, start, end *int) time.Time {
	if start == nil || end == nil {
		return c
	}
	hour := c.Hour()
	inWindow := false
	if *start <= *end {
		inWindow = hour >= *start && hour < *end
	} else {
		// Wrap-around window, e.g. 22..6.
		inWindow = hour >= *start || hour < *end
	}
	if inWindow {
		return c
	}

	shifted := time.Date(c.Year(), c.Month(), c.Day(), *start, 0, 0, 0, c.Location())
	if !shifted.After(c) {
		shifted = shifted.AddDate(0, 0, 1)
	}
	return shifted
}

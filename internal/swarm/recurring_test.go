package swarm

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/hive/server/internal/apierr"
	"github.com/hive/server/internal/store"
)

func validTemplate() store.RecurringTemplate {
	return store.RecurringTemplate{
		Title:         "Standup",
		PrimaryAgent:  "chris",
		StartAt:       time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC),
		EveryInterval: 1,
		EveryUnit:     store.UnitDay,
	}
}

func TestValidateTemplateRequiresTitle(t *testing.T) {
	t.Parallel()
	tmpl := validTemplate()
	tmpl.Title = "  "
	if err := validateTemplate(tmpl); !apierr.Is(err, apierr.BadRequest) {
		t.Fatalf("expected BadRequest, got %v", err)
	}
}

func TestValidateTemplateRequiresValidEveryUnit(t *testing.T) {
	t.Parallel()
	tmpl := validTemplate()
	tmpl.EveryUnit = "fortnight"
	if err := validateTemplate(tmpl); !apierr.Is(err, apierr.BadRequest) {
		t.Fatalf("expected BadRequest, got %v", err)
	}
}

func TestValidateTemplateRejectsUnpairedHourWindow(t *testing.T) {
	t.Parallel()
	tmpl := validTemplate()
	start := 9
	tmpl.BetweenHoursStart = &start
	if err := validateTemplate(tmpl); !apierr.Is(err, apierr.BadRequest) {
		t.Fatalf("expected BadRequest, got %v", err)
	}
}

func TestValidateTemplateRejectsUnknownWeekday(t *testing.T) {
	t.Parallel()
	tmpl := validTemplate()
	tmpl.DaysOfWeek = []string{"funday"}
	if err := validateTemplate(tmpl); !apierr.Is(err, apierr.BadRequest) {
		t.Fatalf("expected BadRequest, got %v", err)
	}
}

func TestValidateTemplateAcceptsWellFormedTemplate(t *testing.T) {
	t.Parallel()
	if err := validateTemplate(validTemplate()); err != nil {
		t.Fatalf("validateTemplate: %v", err)
	}
}

func TestAdvanceByIntervalDay(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	got := advanceByInterval(start, 3, store.UnitDay)
	want := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestAdvanceToAllowedDaySkipsForward(t *testing.T) {
	t.Parallel()
	// 2026-03-02 is a Monday.
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	got := advanceToAllowedDay(start, []string{"wed", "fri"})
	if got.Weekday() != time.Wednesday {
		t.Fatalf("expected Wednesday, got %v (%v)", got.Weekday(), got)
	}
}

func TestAdvanceToAllowedDayNoopWhenEmpty(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if got := advanceToAllowedDay(start, nil); !got.Equal(start) {
		t.Fatalf("expected no shift, got %v", got)
	}
}

func TestAdvanceForWeekParityShiftsToMatchingWeek(t *testing.T) {
	t.Parallel()
	// ISO week of 2026-03-02 is week 10 (even).
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	got := advanceForWeekParity(start, store.ParityOdd)
	_, week := got.ISOWeek()
	if week%2 != 1 {
		t.Fatalf("expected odd ISO week, got %d", week)
	}
}

func TestAdvanceForHourWindowShiftsIntoWindow(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)
	startHour, endHour := 9, 17
	got := advanceForHourWindow(start, &startHour, &endHour)
	if got.Hour() != 9 || got.Day() != 2 {
		t.Fatalf("expected same-day 09:00, got %v", got)
	}
}

func TestAdvanceForHourWindowHandlesWrapAround(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	startHour, endHour := 22, 6
	got := advanceForHourWindow(start, &startHour, &endHour)
	if got.Hour() != 22 {
		t.Fatalf("expected shift to 22:00, got %v", got)
	}
}

func TestAdvanceForHourWindowNoopWhenAlreadyInside(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	startHour, endHour := 9, 17
	got := advanceForHourWindow(start, &startHour, &endHour)
	if !got.Equal(start) {
		t.Fatalf("expected no shift, got %v", got)
	}
}

func newRecurringTestEngine(t *testing.T) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(store.New(db), nil, nil, nil), mock
}

var templateColumnNames = []string{
	"id", "title", "detail", "project_id", "owner_user_id", "primary_agent", "fallback_agent",
	"enabled", "start_at", "end_at", "every_interval", "every_unit", "days_of_week", "week_parity",
	"between_hours_start", "between_hours_end", "timezone", "mute", "mute_interval", "repeat_count", "last_run_at",
}

func TestRunGeneratorInsertsOneInstancePastStart(t *testing.T) {
	t.Parallel()
	e, mock := newRecurringTestEngine(t)

	// interval=10d puts exactly one occurrence inside the 14-day horizon and
	// pushes the next one past it, so the loop generates once and stops.
	now := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	startAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT id, title, detail, project_id, owner_user_id, primary_agent, fallback_agent").
		WithArgs("tmpl-1").
		WillReturnRows(sqlmock.NewRows(templateColumnNames).AddRow(
			"tmpl-1", "Standup", "", nil, "chris", "chris", nil,
			true, startAt, nil, 10, store.UnitDay, nil, store.WeekParity(""),
			nil, nil, "", false, nil, nil, nil,
		))
	mock.ExpectQuery("SELECT sort_key FROM tasks WHERE status").
		WillReturnRows(sqlmock.NewRows([]string{"sort_key"}))
	mock.ExpectQuery("INSERT INTO tasks").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("task-1"))
	mock.ExpectExec("UPDATE recurring_templates SET last_run_at").
		WithArgs(now, "tmpl-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := e.RunGenerator(context.Background(), "tmpl-1", now)
	if err != nil {
		t.Fatalf("RunGenerator: %v", err)
	}
	if result.Generated != 1 {
		t.Fatalf("Generated=%d want 1", result.Generated)
	}
}

func TestRunGeneratorSkipsDisabledTemplate(t *testing.T) {
	t.Parallel()
	e, mock := newRecurringTestEngine(t)

	now := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	startAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT id, title, detail, project_id, owner_user_id, primary_agent, fallback_agent").
		WithArgs("tmpl-1").
		WillReturnRows(sqlmock.NewRows(templateColumnNames).AddRow(
			"tmpl-1", "Standup", "", nil, "chris", "chris", nil,
			false, startAt, nil, 1, store.UnitDay, nil, store.WeekParity(""),
			nil, nil, "", false, nil, nil, nil,
		))

	result, err := e.RunGenerator(context.Background(), "tmpl-1", now)
	if err != nil {
		t.Fatalf("RunGenerator: %v", err)
	}
	if result.Generated != 0 {
		t.Fatalf("Generated=%d want 0 for disabled template", result.Generated)
	}
}

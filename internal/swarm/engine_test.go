package swarm

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/hive/server/internal/apierr"
	"github.com/hive/server/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(store.New(db), nil, nil, nil), mock, db
}

var taskRowColumns = []string{
	"id", "project_id", "title", "detail", "creator_user_id", "assignee_user_id", "status",
	"on_or_after_at", "must_be_done_after_task_id", "sort_key", "next_task_id", "next_task_assignee_user_id",
	"created_at", "updated_at", "completed_at", "recurring_template_id", "recurring_instance_at",
}

func taskRow(id string, status store.TaskStatus, mustBeDoneAfter *string, onOrAfter *time.Time, sortKey string) []driverValue {
	now := time.Now()
	return []driverValue{
		id, nil, "task " + id, "", "chris", nil, status,
		onOrAfter, mustBeDoneAfter, sortKey, nil, nil,
		now, now, nil, nil, nil,
	}
}

// driverValue lets taskRow build a loosely typed row slice without pulling
// in sqlmock's internal driver.Value plumbing at every call site.
type driverValue = interface{}

func TestCreateTaskRejectsEmptyTitle(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t)

	_, err := e.CreateTask(context.Background(), "chris", store.Task{Title: "  "})
	if !apierr.Is(err, apierr.BadRequest) {
		t.Fatalf("expected BadRequest, got %v", err)
	}
}

func TestSetStatusRefusesWhenBlockedByIncompletePredecessor(t *testing.T) {
	t.Parallel()
	e, mock, _ := newTestEngine(t)

	predecessor := "p1"
	rows := sqlmock.NewRows(taskRowColumns).AddRow(taskRow("t1", store.TaskQueued, &predecessor, nil, "U")...)
	mock.ExpectQuery("SELECT id, project_id, title, detail").WithArgs("t1").WillReturnRows(rows)
	mock.ExpectQuery("SELECT status FROM tasks WHERE id").WithArgs(predecessor).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(string(store.TaskReady)))
	mock.ExpectQuery("SELECT title FROM tasks WHERE id").WithArgs(predecessor).
		WillReturnRows(sqlmock.NewRows([]string{"title"}).AddRow("write the design doc"))

	_, err := e.SetStatus(context.Background(), "t1", "chris", store.TaskInProgress)
	if !apierr.Is(err, apierr.BadRequest) {
		t.Fatalf("expected BadRequest, got %v", err)
	}
	if err.Error() == "" {
		t.Fatal("expected a non-empty message")
	}
	wantSubstr := "blocked by"
	if got := err.Error(); !strings.Contains(got, wantSubstr) {
		t.Fatalf("message %q does not contain %q", got, wantSubstr)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSetStatusAllowsTransitionOncePredecessorComplete(t *testing.T) {
	t.Parallel()
	e, mock, _ := newTestEngine(t)

	predecessor := "p1"

	// BlockedReason check.
	mock.ExpectQuery("SELECT id, project_id, title, detail").WithArgs("t1").
		WillReturnRows(sqlmock.NewRows(taskRowColumns).AddRow(taskRow("t1", store.TaskQueued, &predecessor, nil, "U")...))
	mock.ExpectQuery("SELECT status FROM tasks WHERE id").WithArgs(predecessor).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(string(store.TaskComplete)))

	// SetTaskStatus's own GetTask("before"), then the UPDATE...RETURNING.
	mock.ExpectQuery("SELECT id, project_id, title, detail").WithArgs("t1").
		WillReturnRows(sqlmock.NewRows(taskRowColumns).AddRow(taskRow("t1", store.TaskQueued, &predecessor, nil, "U")...))
	mock.ExpectQuery("UPDATE tasks SET status").WithArgs(sqlmock.AnyArg(), "t1").
		WillReturnRows(sqlmock.NewRows(taskRowColumns).AddRow(taskRow("t1", store.TaskInProgress, &predecessor, nil, "U")...))
	mock.ExpectExec("INSERT INTO task_events").WillReturnResult(sqlmock.NewResult(1, 1))

	// enrich()'s own BlockedReason recheck on the post-update row, which
	// still carries the (now complete) predecessor.
	mock.ExpectQuery("SELECT status FROM tasks WHERE id").WithArgs(predecessor).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(string(store.TaskComplete)))

	view, err := e.SetStatus(context.Background(), "t1", "chris", store.TaskInProgress)
	if err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if view.Status != store.TaskInProgress {
		t.Fatalf("status=%q want in_progress", view.Status)
	}
	if view.BlockedReason != "" {
		t.Fatalf("expected no blocked reason after completing predecessor, got %q", view.BlockedReason)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBlockedReasonNotBeforeFutureTimestamp(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t)

	future := time.Now().Add(24 * time.Hour)
	reason, err := e.BlockedReason(context.Background(), store.Task{OnOrAfterAt: &future}, time.Now())
	if err != nil {
		t.Fatalf("BlockedReason: %v", err)
	}
	if !strings.Contains(reason, "not-before") {
		t.Fatalf("reason=%q want prefix not-before", reason)
	}
}

func TestBlockedReasonEmptyWhenUnblocked(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t)

	reason, err := e.BlockedReason(context.Background(), store.Task{}, time.Now())
	if err != nil {
		t.Fatalf("BlockedReason: %v", err)
	}
	if reason != "" {
		t.Fatalf("reason=%q want empty", reason)
	}
}

func TestReorderToEndOfBucketWhenBeforeTaskIDEmpty(t *testing.T) {
	t.Parallel()
	e, mock, _ := newTestEngine(t)

	mock.ExpectQuery("SELECT id, project_id, title, detail").WithArgs("t1").
		WillReturnRows(sqlmock.NewRows(taskRowColumns).AddRow(taskRow("t1", store.TaskReady, nil, nil, "M")...))
	mock.ExpectQuery("SELECT sort_key FROM tasks WHERE status").WithArgs(string(store.TaskReady)).
		WillReturnRows(sqlmock.NewRows([]string{"sort_key"}).AddRow("U"))
	mock.ExpectQuery("UPDATE tasks SET sort_key").WillReturnRows(
		sqlmock.NewRows(taskRowColumns).AddRow(taskRow("t1", store.TaskReady, nil, nil, "Y")...))
	mock.ExpectExec("INSERT INTO task_events").WillReturnResult(sqlmock.NewResult(1, 1))

	view, err := e.Reorder(context.Background(), "t1", "chris", "")
	if err != nil {
		t.Fatalf("Reorder: %v", err)
	}
	if view.SortKey <= "U" {
		t.Fatalf("expected a sort key after the current last (U), got %q", view.SortKey)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestClaimAlwaysReassigns(t *testing.T) {
	t.Parallel()
	e, mock, _ := newTestEngine(t)

	existingAssignee := "pat"
	mock.ExpectQuery("SELECT id, project_id, title, detail").WithArgs("t1").
		WillReturnRows(sqlmock.NewRows(taskRowColumns).AddRow(taskRowWithAssignee("t1", store.TaskReady, &existingAssignee)...))
	mock.ExpectQuery("UPDATE tasks SET assignee_user_id").WithArgs("chris", "t1").
		WillReturnRows(sqlmock.NewRows(taskRowColumns).AddRow(taskRowWithAssignee("t1", store.TaskReady, stringPtr("chris"))...))
	mock.ExpectExec("INSERT INTO task_events").WillReturnResult(sqlmock.NewResult(1, 1))

	view, err := e.Claim(context.Background(), "t1", "chris")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if view.AssigneeUserID == nil || *view.AssigneeUserID != "chris" {
		t.Fatalf("expected reassignment to chris, got %v", view.AssigneeUserID)
	}
}

func taskRowWithAssignee(id string, status store.TaskStatus, assignee *string) []driverValue {
	now := time.Now()
	return []driverValue{
		id, nil, "task " + id, "", "chris", assignee, status,
		nil, nil, "U", nil, nil,
		now, now, nil, nil, nil,
	}
}

func stringPtr(s string) *string { return &s }

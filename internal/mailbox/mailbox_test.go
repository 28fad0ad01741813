package mailbox

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/hive/server/internal/apierr"
	"github.com/hive/server/internal/bus"
	"github.com/hive/server/internal/store"
)

type testRoster struct{ names []string }

func (r testRoster) IsMember(name string) bool {
	for _, n := range r.names {
		if n == name {
			return true
		}
	}
	return false
}

func (r testRoster) Names() []string { return r.names }

var messageColumnNames = []string{
	"id", "recipient", "sender", "title", "body", "status", "created_at", "viewed_at",
	"urgent", "thread_id", "reply_to_message_id", "dedupe_key", "metadata",
	"response_waiting", "waiting_responder", "waiting_since",
}

func messageRow(id int64, recipient, sender, title string, status store.MessageStatus, threadID *string) []any {
	now := time.Now()
	return []any{
		id, recipient, sender, title, "", status, now, nil,
		false, threadID, nil, nil, nil,
		false, nil, nil,
	}
}

func newTestEngine(t *testing.T) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	roster := testRoster{names: []string{"chris", "clio"}}
	return New(store.New(db), bus.New(), roster, nil), mock
}

func TestSendRejectsUnknownRecipient(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t)

	_, err := e.Send(context.Background(), "nobody", "chris", SendFields{Title: "hi"})
	if !apierr.Is(err, apierr.BadRequest) {
		t.Fatalf("expected BadRequest, got %v", err)
	}
}

func TestSendRejectsEmptyTitle(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t)

	_, err := e.Send(context.Background(), "clio", "chris", SendFields{Title: "   "})
	if !apierr.Is(err, apierr.BadRequest) {
		t.Fatalf("expected BadRequest, got %v", err)
	}
}

func TestSendNormalizesRecipientAndSenderCase(t *testing.T) {
	t.Parallel()
	e, mock := newTestEngine(t)

	mock.ExpectQuery("INSERT INTO messages").
		WillReturnRows(sqlmock.NewRows(messageColumnNames).AddRow(messageRow(1, "clio", "chris", "hi", store.MessageUnread, nil)...))

	msg, err := e.Send(context.Background(), "CLIO", " Chris ", SendFields{Title: "hi"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg.Recipient != "clio" || msg.Sender != "chris" {
		t.Fatalf("expected lowercased recipient/sender, got %q/%q", msg.Recipient, msg.Sender)
	}
}

func TestSendDedupeReturnsExistingRow(t *testing.T) {
	t.Parallel()
	e, mock := newTestEngine(t)

	mock.ExpectQuery("SELECT id, recipient, sender, title, body, status, created_at, viewed_at").
		WithArgs("clio", "chris", "k1").
		WillReturnRows(sqlmock.NewRows(messageColumnNames).AddRow(messageRow(42, "clio", "chris", "ping", store.MessageUnread, nil)...))

	dedupe := "k1"
	msg, err := e.Send(context.Background(), "clio", "chris", SendFields{Title: "ping", DedupeKey: &dedupe})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg.ID != 42 {
		t.Fatalf("ID=%d want 42 (existing row)", msg.ID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReplyDefaultsThreadIDToOriginalID(t *testing.T) {
	t.Parallel()
	e, mock := newTestEngine(t)

	mock.ExpectQuery("SELECT id, recipient, sender, title, body, status, created_at, viewed_at").
		WithArgs(int64(7), "clio").
		WillReturnRows(sqlmock.NewRows(messageColumnNames).AddRow(messageRow(7, "clio", "chris", "hello", store.MessageUnread, nil)...))

	threadID := "7"
	mock.ExpectQuery("INSERT INTO messages").
		WillReturnRows(sqlmock.NewRows(messageColumnNames).AddRow(messageRow(8, "chris", "clio", "Re: hello", store.MessageUnread, &threadID)...))

	reply, err := e.Reply(context.Background(), "clio", 7, SendFields{Body: "hi"})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if reply.ThreadID == nil || *reply.ThreadID != "7" {
		t.Fatalf("expected thread id 7, got %v", reply.ThreadID)
	}
	if reply.Title != "Re: hello" {
		t.Fatalf("title=%q want 'Re: hello'", reply.Title)
	}
	if reply.Recipient != "chris" || reply.Sender != "clio" {
		t.Fatalf("unexpected recipient/sender: %q/%q", reply.Recipient, reply.Sender)
	}
}

func TestReplyRequiresTitleOrBody(t *testing.T) {
	t.Parallel()
	e, mock := newTestEngine(t)

	mock.ExpectQuery("SELECT id, recipient, sender, title, body, status, created_at, viewed_at").
		WithArgs(int64(7), "clio").
		WillReturnRows(sqlmock.NewRows(messageColumnNames).AddRow(messageRow(7, "clio", "chris", "hello", store.MessageUnread, nil)...))

	_, err := e.Reply(context.Background(), "clio", 7, SendFields{})
	if !apierr.Is(err, apierr.BadRequest) {
		t.Fatalf("expected BadRequest, got %v", err)
	}
}

func TestClearWaitingForbiddenForNonResponder(t *testing.T) {
	t.Parallel()
	e, mock := newTestEngine(t)

	responder := "chris"
	rows := sqlmock.NewRows(messageColumnNames).AddRow(
		int64(21), "clio", "chris", "status?", "", store.MessageUnread, time.Now(), nil,
		false, nil, nil, nil, nil,
		true, responder, time.Now(),
	)
	mock.ExpectQuery("SELECT id, recipient, sender, title, body, status, created_at, viewed_at").
		WithArgs(int64(21), "clio").
		WillReturnRows(rows)

	_, err := e.ClearWaiting(context.Background(), "clio", 21)
	if !apierr.Is(err, apierr.Forbidden) {
		t.Fatalf("expected Forbidden, got %v", err)
	}
}

func TestBatchAckReportsSuccessAndNotFound(t *testing.T) {
	t.Parallel()
	e, mock := newTestEngine(t)

	mock.ExpectQuery("UPDATE messages").
		WithArgs("clio", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(10)).AddRow(int64(11)).AddRow(int64(12)))

	result, err := e.BatchAck(context.Background(), "clio", []int64{10, 11, 12, 13, 99})
	if err != nil {
		t.Fatalf("BatchAck: %v", err)
	}
	if len(result.Success) != 3 || len(result.NotFound) != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

// TestBatchAckOfAlreadyReadIdsLandsInNotFound exercises the worked example of
// re-acking a batch that's already been acked: the UPDATE's unread filter
// means none of the ids transition, so a second identical call must report
// every previously-owned id as NotFound, not Success.
func TestBatchAckOfAlreadyReadIdsLandsInNotFound(t *testing.T) {
	t.Parallel()
	e, mock := newTestEngine(t)

	mock.ExpectQuery("UPDATE messages").
		WithArgs("clio", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	result, err := e.BatchAck(context.Background(), "clio", []int64{10, 11, 12, 13, 99})
	if err != nil {
		t.Fatalf("BatchAck: %v", err)
	}
	if len(result.Success) != 0 {
		t.Fatalf("expected no successes on re-ack, got %+v", result.Success)
	}
	if len(result.NotFound) != 5 {
		t.Fatalf("expected all 5 ids in NotFound, got %+v", result.NotFound)
	}
}

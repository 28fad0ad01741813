package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/hive/server/internal/apierr"
)

// SendMessageParams is the insert payload for SendMessage.
type SendMessageParams struct {
	Recipient        string
	Sender           string
	Title            string
	Body             string
	Urgent           bool
	ThreadID         *string
	ReplyToMessageID *int64
	DedupeKey        *string
	Metadata         json.RawMessage
}

const messageColumns = `id, recipient, sender, title, body, status, created_at, viewed_at,
	urgent, thread_id, reply_to_message_id, dedupe_key, metadata,
	response_waiting, waiting_responder, waiting_since`

// SendMessage inserts a new message, or — if DedupeKey is set and a row with
// the same (recipient, sender, dedupe_key) already exists — returns that
// existing row unchanged. This is the storage-level idempotence invariant
// from spec §3/§8.
func (s *Store) SendMessage(ctx context.Context, p SendMessageParams) (Message, error) {
	if p.DedupeKey != nil {
		existing, err := s.getMessageByDedupe(ctx, p.Recipient, p.Sender, *p.DedupeKey)
		if err == nil {
			return existing, nil
		}
		if !apierr.Is(err, apierr.NotFound) {
			return Message{}, err
		}
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (recipient, sender, title, body, status, urgent, thread_id, reply_to_message_id, dedupe_key, metadata)
		VALUES ($1, $2, $3, $4, 'unread', $5, $6, $7, $8, $9)
		ON CONFLICT (recipient, sender, dedupe_key) WHERE dedupe_key IS NOT NULL DO NOTHING
		RETURNING `+messageColumns,
		p.Recipient, p.Sender, p.Title, p.Body, p.Urgent, p.ThreadID, p.ReplyToMessageID, p.DedupeKey, nullableJSON(p.Metadata),
	)
	msg, err := scanMessage(row)
	if err == nil {
		return msg, nil
	}
	if p.DedupeKey != nil {
		// A concurrent sender won the race against our ON CONFLICT DO NOTHING;
		// the row now exists, fetch it to keep send() idempotent.
		return s.getMessageByDedupe(ctx, p.Recipient, p.Sender, *p.DedupeKey)
	}
	return Message{}, wrapErr(err, "message not found")
}

func (s *Store) getMessageByDedupe(ctx context.Context, recipient, sender, dedupeKey string) (Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE recipient = $1 AND sender = $2 AND dedupe_key = $3`,
		recipient, sender, dedupeKey,
	)
	msg, err := scanMessage(row)
	if err != nil {
		return Message{}, wrapErr(err, "message not found")
	}
	return msg, nil
}

// GetMessage returns the message only if it belongs to viewer.
func (s *Store) GetMessage(ctx context.Context, viewer string, id int64) (Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE id = $1 AND recipient = $2`,
		id, viewer,
	)
	msg, err := scanMessage(row)
	if err != nil {
		return Message{}, wrapErr(err, "message not found")
	}
	return msg, nil
}

// ListMessages returns viewer's messages newest-first, optionally filtered by
// status and bounded by SinceID (id > SinceID) or BeforeID (cursor, id < BeforeID).
func (s *Store) ListMessages(ctx context.Context, f MessageListFilter) ([]Message, error) {
	limit := clampLimit(f.Limit, 50, 200)

	query := `SELECT ` + messageColumns + ` FROM messages WHERE recipient = $1`
	args := []any{f.Recipient}

	if f.Status != "" {
		args = append(args, f.Status)
		query += fmtArg(" AND status = $", len(args))
	}
	if f.SinceID > 0 {
		args = append(args, f.SinceID)
		query += fmtArg(" AND id > $", len(args))
	}
	if f.BeforeID > 0 {
		args = append(args, f.BeforeID)
		query += fmtArg(" AND id < $", len(args))
	}
	args = append(args, limit)
	query += fmtArg(" ORDER BY id DESC LIMIT $", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(err, "")
	}
	defer rows.Close()
	return scanMessages(rows)
}

// SearchMessages matches q as a case-insensitive substring of title or body,
// optionally bounded by created_at [from, to].
func (s *Store) SearchMessages(ctx context.Context, f MessageSearchFilter) ([]Message, error) {
	limit := clampLimit(f.Limit, 50, 200)
	query := `SELECT ` + messageColumns + ` FROM messages WHERE recipient = $1 AND (title ILIKE '%' || $2 || '%' OR body ILIKE '%' || $2 || '%')`
	args := []any{f.Recipient, f.Query}

	if f.From != nil {
		args = append(args, *f.From)
		query += fmtArg(" AND created_at >= $", len(args))
	}
	if f.To != nil {
		args = append(args, *f.To)
		query += fmtArg(" AND created_at <= $", len(args))
	}
	args = append(args, limit)
	query += fmtArg(" ORDER BY id DESC LIMIT $", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(err, "")
	}
	defer rows.Close()
	return scanMessages(rows)
}

// AckMessage sets status=read, viewed_at=now for an unread message owned by
// viewer. Re-ack of an already-read row is a no-op that returns the current
// row (idempotent), per spec invariant 4 / round-trip law.
func (s *Store) AckMessage(ctx context.Context, viewer string, id int64) (Message, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE messages
		   SET status = 'read', viewed_at = now()
		 WHERE id = $1 AND recipient = $2 AND status = 'unread'
		RETURNING `+messageColumns,
		id, viewer,
	)
	msg, err := scanMessage(row)
	if err == nil {
		return msg, nil
	}
	// Either already read, or doesn't belong to viewer, or doesn't exist:
	// disambiguate by re-reading as the viewer.
	return s.GetMessage(ctx, viewer, id)
}

// BatchAckResult reports which ids were acked vs. not owned/found.
type BatchAckResult struct {
	Success  []int64
	NotFound []int64
}

// BatchAck acks every id that transitions from unread to read; ids that
// don't belong to viewer or are already read (including a second ack of the
// same batch) land in NotFound.
func (s *Store) BatchAck(ctx context.Context, viewer string, ids []int64) (BatchAckResult, error) {
	if len(ids) == 0 {
		return BatchAckResult{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		UPDATE messages
		   SET status = 'read', viewed_at = now()
		 WHERE recipient = $1 AND status = 'unread' AND id = ANY($2)
		RETURNING id`,
		viewer, pqInt64Array(ids),
	)
	if err != nil {
		return BatchAckResult{}, wrapErr(err, "")
	}
	acked := map[int64]bool{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return BatchAckResult{}, wrapErr(err, "")
		}
		acked[id] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return BatchAckResult{}, wrapErr(err, "")
	}

	var result BatchAckResult
	for _, id := range ids {
		if acked[id] {
			result.Success = append(result.Success, id)
		} else {
			result.NotFound = append(result.NotFound, id)
		}
	}
	return result, nil
}

// SetWaiting sets the response-waiting commitment atomically.
func (s *Store) SetWaiting(ctx context.Context, viewer string, id int64) (Message, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE messages
		   SET response_waiting = true, waiting_responder = $1, waiting_since = now()
		 WHERE id = $2 AND recipient = $1
		RETURNING `+messageColumns,
		viewer, id,
	)
	msg, err := scanMessage(row)
	if err != nil {
		return Message{}, wrapErr(err, "message not found")
	}
	return msg, nil
}

// ClearWaiting clears the commitment; only the current waiting_responder may
// call this (enforced by the caller, which checks ownership before calling).
func (s *Store) ClearWaiting(ctx context.Context, id int64) (Message, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE messages
		   SET response_waiting = false, waiting_responder = NULL, waiting_since = NULL
		 WHERE id = $1
		RETURNING `+messageColumns,
		id,
	)
	msg, err := scanMessage(row)
	if err != nil {
		return Message{}, wrapErr(err, "message not found")
	}
	return msg, nil
}

// WaitingMessages returns messages where viewer is the waiting_responder
// (viewer's own promises) when own=true, or messages sent by viewer that
// someone else is waiting to respond to, when own=false.
func (s *Store) WaitingMessages(ctx context.Context, viewer string, own bool) ([]Message, error) {
	var query string
	if own {
		query = `SELECT ` + messageColumns + ` FROM messages WHERE response_waiting = true AND waiting_responder = $1 ORDER BY id DESC`
	} else {
		query = `SELECT ` + messageColumns + ` FROM messages WHERE response_waiting = true AND sender = $1 ORDER BY id DESC`
	}
	rows, err := s.db.QueryContext(ctx, query, viewer)
	if err != nil {
		return nil, wrapErr(err, "")
	}
	defer rows.Close()
	return scanMessages(rows)
}

// UnreadCounts returns, per roster user, the count of unread messages.
func (s *Store) UnreadCounts(ctx context.Context, roster []string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT recipient, count(*) FROM messages WHERE status = 'unread' GROUP BY recipient`)
	if err != nil {
		return nil, wrapErr(err, "")
	}
	defer rows.Close()

	counts := zeroedCounts(roster)
	for rows.Next() {
		var recipient string
		var n int
		if err := rows.Scan(&recipient, &n); err != nil {
			return nil, wrapErr(err, "")
		}
		counts[recipient] = n
	}
	return counts, nil
}

// WaitingCounts returns, per roster user, the count of messages they are the
// waiting_responder for.
func (s *Store) WaitingCounts(ctx context.Context, roster []string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT waiting_responder, count(*) FROM messages WHERE response_waiting = true GROUP BY waiting_responder`)
	if err != nil {
		return nil, wrapErr(err, "")
	}
	defer rows.Close()

	counts := zeroedCounts(roster)
	for rows.Next() {
		var responder string
		var n int
		if err := rows.Scan(&responder, &n); err != nil {
			return nil, wrapErr(err, "")
		}
		counts[responder] = n
	}
	return counts, nil
}

func zeroedCounts(roster []string) map[string]int {
	counts := make(map[string]int, len(roster))
	for _, u := range roster {
		counts[u] = 0
	}
	return counts
}

func scanMessage(row *sql.Row) (Message, error) {
	var m Message
	var metadata []byte
	if err := row.Scan(
		&m.ID, &m.Recipient, &m.Sender, &m.Title, &m.Body, &m.Status, &m.CreatedAt, &m.ViewedAt,
		&m.Urgent, &m.ThreadID, &m.ReplyToMessageID, &m.DedupeKey, &metadata,
		&m.ResponseWaiting, &m.WaitingResponder, &m.WaitingSince,
	); err != nil {
		return Message{}, err
	}
	m.Metadata = metadata
	return m, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		var metadata []byte
		if err := rows.Scan(
			&m.ID, &m.Recipient, &m.Sender, &m.Title, &m.Body, &m.Status, &m.CreatedAt, &m.ViewedAt,
			&m.Urgent, &m.ThreadID, &m.ReplyToMessageID, &m.DedupeKey, &metadata,
			&m.ResponseWaiting, &m.WaitingResponder, &m.WaitingSince,
		); err != nil {
			return nil, wrapErr(err, "")
		}
		m.Metadata = metadata
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

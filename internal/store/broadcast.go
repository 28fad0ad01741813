package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"regexp"

	"github.com/hive/server/internal/apierr"
)

var appNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// ValidAppName reports whether name satisfies the webhook app_name regex.
func ValidAppName(name string) bool { return appNamePattern.MatchString(name) }

// GenerateWebhookToken returns a fresh 14-hex-char token.
func GenerateWebhookToken() (string, error) {
	buf := make([]byte, 7)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

const webhookColumns = `id, app_name, title, owner, token, for_users, enabled, created_at`

// CreateWebhook inserts a new webhook row. Caller has already validated
// app_name and generated the token.
func (s *Store) CreateWebhook(ctx context.Context, w Webhook) (Webhook, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO webhooks (app_name, title, owner, token, for_users, enabled)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+webhookColumns,
		w.AppName, w.Title, w.Owner, w.Token, w.ForUsers, w.Enabled,
	)
	return scanWebhook(row)
}

// GetWebhook returns a webhook by id.
func (s *Store) GetWebhook(ctx context.Context, id int64) (Webhook, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE id = $1`, id)
	return scanWebhook(row)
}

// GetWebhookByAppToken resolves a webhook for ingest; returns NotFound for
// both "missing" and "disabled" so external callers cannot enumerate app
// names (spec §4.E ingest rule).
func (s *Store) GetWebhookByAppToken(ctx context.Context, appName, token string) (Webhook, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+webhookColumns+` FROM webhooks WHERE app_name = $1 AND token = $2 AND enabled = true`,
		appName, token,
	)
	return scanWebhook(row)
}

// ListWebhooksByOwner returns webhooks owned by owner.
func (s *Store) ListWebhooksByOwner(ctx context.Context, owner string) ([]Webhook, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE owner = $1 ORDER BY id DESC`, owner)
	if err != nil {
		return nil, wrapErr(err, "")
	}
	defer rows.Close()
	return scanWebhooks(rows)
}

// ListAllWebhooks returns every webhook (admin `all=true`).
func (s *Store) ListAllWebhooks(ctx context.Context) ([]Webhook, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+webhookColumns+` FROM webhooks ORDER BY id DESC`)
	if err != nil {
		return nil, wrapErr(err, "")
	}
	defer rows.Close()
	return scanWebhooks(rows)
}

// SetWebhookEnabled toggles a webhook's enabled flag.
func (s *Store) SetWebhookEnabled(ctx context.Context, id int64, enabled bool) (Webhook, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE webhooks SET enabled = $1 WHERE id = $2 RETURNING `+webhookColumns,
		enabled, id,
	)
	return scanWebhook(row)
}

// DeleteWebhook removes a webhook by id.
func (s *Store) DeleteWebhook(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return wrapErr(err, "")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr(err, "")
	}
	if n == 0 {
		return apierr.NewNotFound("webhook not found")
	}
	return nil
}

func scanWebhook(row *sql.Row) (Webhook, error) {
	var w Webhook
	if err := row.Scan(&w.ID, &w.AppName, &w.Title, &w.Owner, &w.Token, &w.ForUsers, &w.Enabled, &w.CreatedAt); err != nil {
		return Webhook{}, wrapErr(err, "webhook not found")
	}
	return w, nil
}

func scanWebhooks(rows *sql.Rows) ([]Webhook, error) {
	var out []Webhook
	for rows.Next() {
		var w Webhook
		if err := rows.Scan(&w.ID, &w.AppName, &w.Title, &w.Owner, &w.Token, &w.ForUsers, &w.Enabled, &w.CreatedAt); err != nil {
			return nil, wrapErr(err, "")
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

const eventColumns = `id, webhook_id, app_name, title, for_users, content_type, body_text, body_json, received_at`

// InsertEventParams is the ingest payload after content-type branching.
// WebhookID is nil for Swarm-originated mirror events, which have no
// backing webhook row.
type InsertEventParams struct {
	WebhookID   *int64
	AppName     string
	Title       string
	ForUsers    string
	ContentType string
	BodyText    *string
	BodyJSON    json.RawMessage
}

// InsertEvent persists one Buzz event, snapshotting title/for_users from the
// webhook at ingest time (spec §4.E: renaming the webhook later must not
// retroactively retitle past events).
func (s *Store) InsertEvent(ctx context.Context, p InsertEventParams) (BroadcastEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO broadcast_events (webhook_id, app_name, title, for_users, content_type, body_text, body_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+eventColumns,
		p.WebhookID, p.AppName, p.Title, p.ForUsers, p.ContentType, p.BodyText, nullableJSON(p.BodyJSON),
	)
	return scanEvent(row)
}

// BroadcastEventFilter drives ListEvents.
type BroadcastEventFilter struct {
	AppName string // empty = any
	SinceID int64  // 0 = no filter
	Limit   int
}

// ListEvents returns events newest-first, optionally filtered by app and a
// `since` cursor for tail-following (spec's /buzz agent endpoint).
func (s *Store) ListEvents(ctx context.Context, f BroadcastEventFilter) ([]BroadcastEvent, error) {
	limit := clampLimit(f.Limit, 50, 500)
	query := `SELECT ` + eventColumns + ` FROM broadcast_events WHERE 1=1`
	args := []any{}

	if f.AppName != "" {
		args = append(args, f.AppName)
		query += fmtArg(" AND app_name = $", len(args))
	}
	if f.SinceID > 0 {
		args = append(args, f.SinceID)
		query += fmtArg(" AND id > $", len(args))
	}
	args = append(args, limit)
	query += fmtArg(" ORDER BY id DESC LIMIT $", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(err, "")
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvent(row *sql.Row) (BroadcastEvent, error) {
	var e BroadcastEvent
	var bodyJSON []byte
	if err := row.Scan(&e.ID, &e.WebhookID, &e.AppName, &e.Title, &e.ForUsers, &e.ContentType, &e.BodyText, &bodyJSON, &e.ReceivedAt); err != nil {
		return BroadcastEvent{}, wrapErr(err, "event not found")
	}
	e.BodyJSON = bodyJSON
	return e, nil
}

func scanEvents(rows *sql.Rows) ([]BroadcastEvent, error) {
	var out []BroadcastEvent
	for rows.Next() {
		var e BroadcastEvent
		var bodyJSON []byte
		if err := rows.Scan(&e.ID, &e.WebhookID, &e.AppName, &e.Title, &e.ForUsers, &e.ContentType, &e.BodyText, &bodyJSON, &e.ReceivedAt); err != nil {
			return nil, wrapErr(err, "")
		}
		e.BodyJSON = bodyJSON
		out = append(out, e)
	}
	return out, rows.Err()
}

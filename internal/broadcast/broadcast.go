// Package broadcast implements the Buzz webhook lifecycle, public token
// ingest, and viewer-filtered listing described in spec §4.E.
package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/hive/server/internal/apierr"
	"github.com/hive/server/internal/bus"
	"github.com/hive/server/internal/metrics"
	"github.com/hive/server/internal/store"
)

// MaxIngestBytes is the public ingest endpoint's body size cap.
const MaxIngestBytes = 256 * 1024

// Engine is the Broadcast (Buzz) business-logic layer; its baseURL is used
// to build canonical ingest URLs for client display.
type Engine struct {
	store   *store.Store
	bus     *bus.Bus
	baseURL string
	metrics *metrics.Recorder
}

// New creates a broadcast Engine. baseURL is prefixed to ingest URLs shown
// to clients, e.g. "https://hive.example.com". m may be nil in tests that
// don't care about metrics.
func New(s *store.Store, b *bus.Bus, baseURL string, m *metrics.Recorder) *Engine {
	return &Engine{store: s, bus: b, baseURL: strings.TrimRight(baseURL, "/"), metrics: m}
}

// WebhookView is a Webhook plus its derived ingest URL.
type WebhookView struct {
	store.Webhook
	IngestURL string
}

func (e *Engine) view(w store.Webhook) WebhookView {
	return WebhookView{Webhook: w, IngestURL: fmt.Sprintf("%s/api/ingest/%s/%s", e.baseURL, w.AppName, w.Token)}
}

// CreateWebhook validates app_name and mints a fresh token.
func (e *Engine) CreateWebhook(ctx context.Context, owner, appName, title, forUsers string) (WebhookView, error) {
	appName = strings.ToLower(strings.TrimSpace(appName))
	if !store.ValidAppName(appName) {
		return WebhookView{}, apierr.NewBadRequest("app_name must match ^[a-z][a-z0-9_-]*$")
	}
	if strings.TrimSpace(title) == "" {
		return WebhookView{}, apierr.NewBadRequest("title is required")
	}

	token, err := store.GenerateWebhookToken()
	if err != nil {
		return WebhookView{}, apierr.Wrap(err)
	}

	w, err := e.store.CreateWebhook(ctx, store.Webhook{
		AppName: appName, Title: title, Owner: owner, Token: token, ForUsers: forUsers, Enabled: true,
	})
	if err != nil {
		return WebhookView{}, err
	}
	return e.view(w), nil
}

// ListWebhooks returns owner's webhooks, or every webhook when all is true
// (caller must have already checked admin).
func (e *Engine) ListWebhooks(ctx context.Context, owner string, all bool) ([]WebhookView, error) {
	var webhooks []store.Webhook
	var err error
	if all {
		webhooks, err = e.store.ListAllWebhooks(ctx)
	} else {
		webhooks, err = e.store.ListWebhooksByOwner(ctx, owner)
	}
	if err != nil {
		return nil, err
	}
	out := make([]WebhookView, len(webhooks))
	for i, w := range webhooks {
		out[i] = e.view(w)
	}
	return out, nil
}

// requireOwnerOrAdmin loads the webhook and checks caller authority.
func (e *Engine) requireOwnerOrAdmin(ctx context.Context, id int64, caller string, isAdmin bool) (store.Webhook, error) {
	w, err := e.store.GetWebhook(ctx, id)
	if err != nil {
		return store.Webhook{}, err
	}
	if !isAdmin && w.Owner != caller {
		return store.Webhook{}, apierr.NewForbidden("not the webhook owner")
	}
	return w, nil
}

// SetEnabled toggles a webhook; only owner or admin.
func (e *Engine) SetEnabled(ctx context.Context, id int64, caller string, isAdmin bool, enabled bool) (WebhookView, error) {
	if _, err := e.requireOwnerOrAdmin(ctx, id, caller, isAdmin); err != nil {
		return WebhookView{}, err
	}
	w, err := e.store.SetWebhookEnabled(ctx, id, enabled)
	if err != nil {
		return WebhookView{}, err
	}
	return e.view(w), nil
}

// Delete removes a webhook; only owner or admin.
func (e *Engine) Delete(ctx context.Context, id int64, caller string, isAdmin bool) error {
	if _, err := e.requireOwnerOrAdmin(ctx, id, caller, isAdmin); err != nil {
		return err
	}
	return e.store.DeleteWebhook(ctx, id)
}

// Ingest handles a public, unauthenticated POST to /ingest/{appName}/{token}.
// body must already be capped by the caller to MaxIngestBytes+1 so oversized
// payloads can be rejected with PayloadTooLarge rather than silently
// truncated.
func (e *Engine) Ingest(ctx context.Context, appName, token, contentType string, body []byte) (store.BroadcastEvent, error) {
	if len(body) > MaxIngestBytes {
		return store.BroadcastEvent{}, apierr.NewPayloadTooLarge("ingest body exceeds 256 KiB")
	}

	webhook, err := e.store.GetWebhookByAppToken(ctx, strings.ToLower(appName), token)
	if err != nil {
		return store.BroadcastEvent{}, err
	}

	webhookID := webhook.ID
	params := store.InsertEventParams{
		WebhookID: &webhookID,
		AppName:   webhook.AppName,
		Title:     webhook.Title,
		ForUsers:  webhook.ForUsers,
	}

	if isJSONContentType(contentType) {
		var parsed json.RawMessage
		dec := json.NewDecoder(bytes.NewReader(body))
		if err := dec.Decode(&parsed); err == nil {
			params.ContentType = "application/json"
			params.BodyJSON = parsed
		}
	}
	if params.ContentType == "" {
		text := string(body)
		params.ContentType = "text/plain"
		params.BodyText = &text
	}

	event, err := e.store.InsertEvent(ctx, params)
	if err != nil {
		return store.BroadcastEvent{}, err
	}

	e.bus.Publish(bus.BuzzTopic, event)
	e.metrics.RecordIngest(ctx, webhook.AppName)
	return event, nil
}

func isJSONContentType(contentType string) bool {
	mediaType := contentType
	if i := strings.Index(contentType, ";"); i >= 0 {
		mediaType = contentType[:i]
	}
	return strings.EqualFold(strings.TrimSpace(mediaType), "application/json")
}

// List returns events visible to viewer: admins see everything; others only
// events whose for_users is empty or contains their identity.
func (e *Engine) List(ctx context.Context, viewer string, isAdmin bool, f store.BroadcastEventFilter) ([]store.BroadcastEvent, error) {
	events, err := e.store.ListEvents(ctx, f)
	if err != nil {
		return nil, err
	}
	if isAdmin {
		return events, nil
	}
	out := events[:0]
	for _, ev := range events {
		if visibleTo(ev.ForUsers, viewer) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func visibleTo(forUsers, viewer string) bool {
	forUsers = strings.TrimSpace(forUsers)
	if forUsers == "" {
		return true
	}
	for _, name := range strings.Split(forUsers, ",") {
		if strings.EqualFold(strings.TrimSpace(name), viewer) {
			return true
		}
	}
	return false
}

// SwarmMirror is the payload shape documented for Swarm-originated Buzz
// entries (spec §4.E's Swarm → Buzz bridge).
type SwarmMirror struct {
	EventType    string `json:"eventType"`
	TaskID       string `json:"taskId,omitempty"`
	ProjectID    string `json:"projectId,omitempty"`
	Title        string `json:"title"`
	Actor        string `json:"actor"`
	Assignee     string `json:"assignee,omitempty"`
	Status       string `json:"status,omitempty"`
	DiffSummary  string `json:"diffSummary,omitempty"`
	DeepLink     string `json:"deepLink"`
}

// MirrorSwarmEvent records a Swarm mutation into the broadcast log under the
// reserved "swarm" app_name, and republishes it to the swarm topic. The
// Swarm engine calls this directly; it never goes through a webhook token.
func (e *Engine) MirrorSwarmEvent(ctx context.Context, humanTitle string, mirror SwarmMirror) error {
	body, err := json.Marshal(mirror)
	if err != nil {
		return apierr.Wrap(err)
	}

	event, err := e.store.InsertEvent(ctx, store.InsertEventParams{
		AppName:     "swarm",
		Title:       humanTitle,
		ForUsers:    "",
		ContentType: "application/json",
		BodyJSON:    body,
	})
	if err != nil {
		return err
	}

	e.bus.Publish(bus.BuzzTopic, event)
	e.bus.Publish(bus.SwarmTopic, bus.SwarmEvent{
		Type: mirror.EventType, TaskID: mirror.TaskID, ProjectID: mirror.ProjectID, Actor: mirror.Actor,
	})
	return nil
}

// ReadLimited reads at most limit+1 bytes from r so callers can distinguish
// "exactly limit bytes" from "over limit" without buffering an unbounded body.
func ReadLimited(r io.Reader, limit int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, limit+1))
}

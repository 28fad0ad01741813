package api

import (
	"net/http"
	"strconv"

	"github.com/hive/server/internal/apierr"
	"github.com/hive/server/internal/broadcast"
	"github.com/hive/server/internal/store"
)

type webhookView struct {
	ID        string `json:"id"`
	AppName   string `json:"appName"`
	Title     string `json:"title"`
	Owner     string `json:"owner"`
	Token     string `json:"token"`
	ForUsers  string `json:"for,omitempty"`
	Enabled   bool   `json:"enabled"`
	CreatedAt string `json:"createdAt"`
	IngestURL string `json:"ingestUrl"`
}

func renderWebhook(w broadcast.WebhookView) webhookView {
	return webhookView{
		ID:        strconv.FormatInt(w.ID, 10),
		AppName:   w.AppName,
		Title:     w.Title,
		Owner:     w.Owner,
		Token:     w.Token,
		ForUsers:  w.ForUsers,
		Enabled:   w.Enabled,
		CreatedAt: formatTime(w.CreatedAt),
		IngestURL: w.IngestURL,
	}
}

type broadcastEventView struct {
	ID          string `json:"id"`
	WebhookID   string `json:"webhookId,omitempty"`
	AppName     string `json:"appName"`
	Title       string `json:"title"`
	ForUsers    string `json:"for,omitempty"`
	ContentType string `json:"contentType"`
	BodyText    string `json:"bodyText,omitempty"`
	BodyJSON    any    `json:"bodyJson,omitempty"`
	ReceivedAt  string `json:"receivedAt"`
}

func renderBroadcastEvent(ev store.BroadcastEvent) broadcastEventView {
	v := broadcastEventView{
		ID:          strconv.FormatInt(ev.ID, 10),
		AppName:     ev.AppName,
		Title:       ev.Title,
		ForUsers:    ev.ForUsers,
		ContentType: ev.ContentType,
		ReceivedAt:  formatTime(ev.ReceivedAt),
	}
	if ev.WebhookID != nil {
		v.WebhookID = strconv.FormatInt(*ev.WebhookID, 10)
	}
	if ev.BodyText != nil {
		v.BodyText = *ev.BodyText
	}
	if len(ev.BodyJSON) > 0 {
		v.BodyJSON = ev.BodyJSON
	}
	return v
}

func renderBroadcastEvents(events []store.BroadcastEvent) []broadcastEventView {
	out := make([]broadcastEventView, len(events))
	for i, ev := range events {
		out[i] = renderBroadcastEvent(ev)
	}
	return out
}

type createWebhookRequest struct {
	AppName string `json:"appName"`
	Title   string `json:"title"`
	For     string `json:"for"`
}

func (d *Dispatcher) handleCreateWebhook(w http.ResponseWriter, r *http.Request, id Identity) error {
	var req createWebhookRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		return err
	}
	wh, err := d.broadcast.CreateWebhook(r.Context(), id.User, req.AppName, req.Title, req.For)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, map[string]any{"webhook": renderWebhook(wh)})
	return nil
}

func (d *Dispatcher) handleListWebhooks(w http.ResponseWriter, r *http.Request, id Identity) error {
	all := r.URL.Query().Get("all") == "true"
	if all && !id.IsAdmin {
		return apierr.NewForbidden("only admins may list every webhook")
	}
	webhooks, err := d.broadcast.ListWebhooks(r.Context(), id.User, all)
	if err != nil {
		return err
	}
	views := make([]webhookView, len(webhooks))
	for i, wh := range webhooks {
		views[i] = renderWebhook(wh)
	}
	writeJSON(w, http.StatusOK, map[string]any{"webhooks": views})
	return nil
}

func (d *Dispatcher) handleGetWebhook(w http.ResponseWriter, r *http.Request, id Identity) error {
	webhookID, err := pathID64(r, "id")
	if err != nil {
		return err
	}
	webhooks, err := d.broadcast.ListWebhooks(r.Context(), id.User, id.IsAdmin)
	if err != nil {
		return err
	}
	for _, wh := range webhooks {
		if wh.ID == webhookID {
			writeJSON(w, http.StatusOK, map[string]any{"webhook": renderWebhook(wh)})
			return nil
		}
	}
	return apierr.NewNotFound("webhook not found")
}

func (d *Dispatcher) handleSetWebhookEnabled(enabled bool) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request, id Identity) error {
		webhookID, err := pathID64(r, "id")
		if err != nil {
			return err
		}
		wh, err := d.broadcast.SetEnabled(r.Context(), webhookID, id.User, id.IsAdmin, enabled)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, map[string]any{"webhook": renderWebhook(wh)})
		return nil
	}
}

func (d *Dispatcher) handleDeleteWebhook(w http.ResponseWriter, r *http.Request, id Identity) error {
	webhookID, err := pathID64(r, "id")
	if err != nil {
		return err
	}
	if err := d.broadcast.Delete(r.Context(), webhookID, id.User, id.IsAdmin); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (d *Dispatcher) handleListBroadcastEvents(w http.ResponseWriter, r *http.Request, id Identity) error {
	events, err := d.broadcast.List(r.Context(), id.User, id.IsAdmin, store.BroadcastEventFilter{
		AppName: r.URL.Query().Get("app"),
		Limit:   queryInt(r, "limit", 50),
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": renderBroadcastEvents(events)})
	return nil
}

// handleBuzzTail is the agent-facing tail endpoint: same data as
// handleListBroadcastEvents, filtered by an optional app and a since cursor,
// per spec §6.
func (d *Dispatcher) handleBuzzTail(w http.ResponseWriter, r *http.Request, id Identity) error {
	events, err := d.broadcast.List(r.Context(), id.User, id.IsAdmin, store.BroadcastEventFilter{
		AppName: r.URL.Query().Get("app"),
		SinceID: queryInt64(r, "since", 0),
		Limit:   queryInt(r, "limit", 50),
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": renderBroadcastEvents(events)})
	return nil
}

func (d *Dispatcher) handleIngest(w http.ResponseWriter, r *http.Request) error {
	appName := r.PathValue("appName")
	token := r.PathValue("token")

	body, err := broadcast.ReadLimited(r.Body, broadcast.MaxIngestBytes)
	if err != nil {
		return apierr.Wrap(err)
	}

	event, err := d.broadcast.Ingest(r.Context(), appName, token, r.Header.Get("Content-Type"), body)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"event": renderBroadcastEvent(event)})
	return nil
}

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/hive/server/internal/apierr"
	"github.com/hive/server/internal/mailbox"
	"github.com/hive/server/internal/store"
)

// messageView renders a store.Message with its 64-bit fields as decimal
// strings, per spec §6's wire invariant.
type messageView struct {
	ID               string  `json:"id"`
	Recipient        string  `json:"recipient"`
	Sender           string  `json:"sender"`
	Title            string  `json:"title"`
	Body             string  `json:"body"`
	Status           string  `json:"status"`
	CreatedAt        string  `json:"createdAt"`
	ViewedAt         *string `json:"viewedAt,omitempty"`
	Urgent           bool    `json:"urgent"`
	ThreadID         *string `json:"threadId,omitempty"`
	ReplyToMessageID *string `json:"replyToMessageId,omitempty"`
	DedupeKey        *string `json:"dedupeKey,omitempty"`
	Metadata         any     `json:"metadata,omitempty"`
	ResponseWaiting  bool    `json:"responseWaiting"`
	WaitingResponder *string `json:"waitingResponder,omitempty"`
	WaitingSince     *string `json:"waitingSince,omitempty"`
}

func renderMessage(m store.Message) messageView {
	v := messageView{
		ID:              strconv.FormatInt(m.ID, 10),
		Recipient:       m.Recipient,
		Sender:          m.Sender,
		Title:           m.Title,
		Body:            m.Body,
		Status:          string(m.Status),
		CreatedAt:       formatTime(m.CreatedAt),
		Urgent:          m.Urgent,
		ThreadID:        m.ThreadID,
		DedupeKey:       m.DedupeKey,
		ResponseWaiting: m.ResponseWaiting,
		WaitingResponder: m.WaitingResponder,
	}
	if m.ViewedAt != nil {
		s := formatTime(*m.ViewedAt)
		v.ViewedAt = &s
	}
	if m.WaitingSince != nil {
		s := formatTime(*m.WaitingSince)
		v.WaitingSince = &s
	}
	if m.ReplyToMessageID != nil {
		s := strconv.FormatInt(*m.ReplyToMessageID, 10)
		v.ReplyToMessageID = &s
	}
	if len(m.Metadata) > 0 {
		v.Metadata = m.Metadata
	}
	return v
}

func renderMessages(msgs []store.Message) []messageView {
	out := make([]messageView, len(msgs))
	for i, m := range msgs {
		out[i] = renderMessage(m)
	}
	return out
}

type sendRequest struct {
	Title            string  `json:"title"`
	Body             string  `json:"body"`
	Urgent           bool    `json:"urgent"`
	ThreadID         *string `json:"threadId"`
	ReplyToMessageID *string `json:"replyToMessageId"`
	DedupeKey        *string         `json:"dedupeKey"`
	Metadata         json.RawMessage `json:"metadata"`
}

func (d *Dispatcher) handleSend(w http.ResponseWriter, r *http.Request, id Identity) error {
	recipient := strings.ToLower(strings.TrimSpace(r.PathValue("recipient")))
	if recipient == "me" {
		return apierr.NewBadRequest(`recipient "me" is not a valid send target; use GET /mailboxes/me/messages`)
	}

	var req sendRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		return err
	}

	var replyTo *int64
	if req.ReplyToMessageID != nil {
		n, err := strconv.ParseInt(*req.ReplyToMessageID, 10, 64)
		if err != nil {
			return apierr.NewBadRequest("replyToMessageId must be a decimal string")
		}
		replyTo = &n
	}

	msg, err := d.mailbox.Send(r.Context(), recipient, id.User, mailbox.SendFields{
		Title:            req.Title,
		Body:             req.Body,
		Urgent:           req.Urgent,
		ThreadID:         req.ThreadID,
		ReplyToMessageID: replyTo,
		DedupeKey:        req.DedupeKey,
		Metadata:         req.Metadata,
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": renderMessage(msg)})
	return nil
}

func (d *Dispatcher) handleListMessages(w http.ResponseWriter, r *http.Request, id Identity) error {
	q := r.URL.Query()
	result, err := d.mailbox.List(r.Context(), id.User, mailbox.ListOptions{
		Status:  store.MessageStatus(q.Get("status")),
		Limit:   queryInt(r, "limit", 50),
		Cursor:  q.Get("cursor"),
		SinceID: queryInt64(r, "sinceId", 0),
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages":   renderMessages(result.Messages),
		"nextCursor": result.NextCursor,
	})
	return nil
}

func (d *Dispatcher) handleSearchMessages(w http.ResponseWriter, r *http.Request, id Identity) error {
	q := r.URL.Query()
	filter := store.MessageSearchFilter{
		Query: q.Get("q"),
		Limit: queryInt(r, "limit", 50),
	}
	if from := q.Get("from"); from != "" {
		t, err := parseTime(from)
		if err != nil {
			return apierr.NewBadRequest("from must be RFC3339")
		}
		filter.From = &t
	}
	if to := q.Get("to"); to != "" {
		t, err := parseTime(to)
		if err != nil {
			return apierr.NewBadRequest("to must be RFC3339")
		}
		filter.To = &t
	}

	msgs, err := d.mailbox.Search(r.Context(), id.User, filter)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": renderMessages(msgs)})
	return nil
}

func (d *Dispatcher) handleGetMessage(w http.ResponseWriter, r *http.Request, id Identity) error {
	msgID, err := pathID64(r, "id")
	if err != nil {
		return err
	}
	msg, err := d.mailbox.Get(r.Context(), id.User, msgID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": renderMessage(msg)})
	return nil
}

func (d *Dispatcher) handleAckMessage(w http.ResponseWriter, r *http.Request, id Identity) error {
	msgID, err := pathID64(r, "id")
	if err != nil {
		return err
	}
	msg, err := d.mailbox.Ack(r.Context(), id.User, msgID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": renderMessage(msg)})
	return nil
}

type batchAckRequest struct {
	IDs []string `json:"ids"`
}

func (d *Dispatcher) handleBatchAck(w http.ResponseWriter, r *http.Request, id Identity) error {
	var req batchAckRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		return err
	}
	ids := make([]int64, 0, len(req.IDs))
	for _, s := range req.IDs {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return apierr.NewBadRequest("ids must be decimal strings")
		}
		ids = append(ids, n)
	}

	result, err := d.mailbox.BatchAck(r.Context(), id.User, ids)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  formatInt64s(result.Success),
		"notFound": formatInt64s(result.NotFound),
	})
	return nil
}

type replyRequest struct {
	Title     string  `json:"title"`
	Body      string  `json:"body"`
	Urgent    bool    `json:"urgent"`
	DedupeKey *string         `json:"dedupeKey"`
	Metadata  json.RawMessage `json:"metadata"`
}

func (d *Dispatcher) handleReply(w http.ResponseWriter, r *http.Request, id Identity) error {
	msgID, err := pathID64(r, "id")
	if err != nil {
		return err
	}
	var req replyRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		return err
	}

	msg, err := d.mailbox.Reply(r.Context(), id.User, msgID, mailbox.SendFields{
		Title:     req.Title,
		Body:      req.Body,
		Urgent:    req.Urgent,
		DedupeKey: req.DedupeKey,
		Metadata:  req.Metadata,
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": renderMessage(msg)})
	return nil
}

func (d *Dispatcher) handleMarkWaiting(w http.ResponseWriter, r *http.Request, id Identity) error {
	msgID, err := pathID64(r, "id")
	if err != nil {
		return err
	}
	msg, err := d.mailbox.MarkWaiting(r.Context(), id.User, msgID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": renderMessage(msg)})
	return nil
}

func (d *Dispatcher) handleClearWaiting(w http.ResponseWriter, r *http.Request, id Identity) error {
	msgID, err := pathID64(r, "id")
	if err != nil {
		return err
	}
	msg, err := d.mailbox.ClearWaiting(r.Context(), id.User, msgID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": renderMessage(msg)})
	return nil
}

func (d *Dispatcher) handleWaitingOn(w http.ResponseWriter, r *http.Request, id Identity) error {
	msgs, err := d.mailbox.WaitingOn(r.Context(), id.User)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": renderMessages(msgs), "count": len(msgs)})
	return nil
}

func (d *Dispatcher) handleWaitingOnOthers(w http.ResponseWriter, r *http.Request, id Identity) error {
	msgs, err := d.mailbox.WaitingOnOthers(r.Context(), id.User)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": renderMessages(msgs), "count": len(msgs)})
	return nil
}

func (d *Dispatcher) handleWaitingCounts(w http.ResponseWriter, r *http.Request, id Identity) error {
	counts, err := d.mailbox.WaitingCounts(r.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts})
	return nil
}

func (d *Dispatcher) handleMailboxStream(w http.ResponseWriter, r *http.Request, id Identity) error {
	return d.push.MailboxStream(w, r, id.User, id.IsAdmin)
}

func (d *Dispatcher) handleGlobalStream(w http.ResponseWriter, r *http.Request, id Identity) error {
	return d.push.GlobalStream(w, r, id.User, id.IsAdmin)
}

func (d *Dispatcher) handleBuzzStream(w http.ResponseWriter, r *http.Request, id Identity) error {
	return d.push.BuzzStream(w, r, id.User, id.IsAdmin, queryInt64(r, "since", 0))
}

func formatInt64s(ids []int64) []string {
	out := make([]string, len(ids))
	for i, v := range ids {
		out[i] = strconv.FormatInt(v, 10)
	}
	return out
}

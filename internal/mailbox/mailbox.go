// Package mailbox implements the send/list/get/ack/reply/waiting engine
// described in spec §4.D, on top of the storage adapter and event bus.
package mailbox

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/hive/server/internal/apierr"
	"github.com/hive/server/internal/bus"
	"github.com/hive/server/internal/metrics"
	"github.com/hive/server/internal/store"
)

// Roster answers roster-membership questions; the dispatcher's config
// package implements this so the engine never imports config directly.
type Roster interface {
	IsMember(name string) bool
	Names() []string
}

// Engine is the mailbox business-logic layer.
type Engine struct {
	store   *store.Store
	bus     *bus.Bus
	roster  Roster
	metrics *metrics.Recorder
}

// New creates a mailbox Engine. m may be nil in tests that don't care about
// metrics.
func New(s *store.Store, b *bus.Bus, roster Roster, m *metrics.Recorder) *Engine {
	return &Engine{store: s, bus: b, roster: roster, metrics: m}
}

// SendFields is the caller-supplied payload for Send/Reply.
type SendFields struct {
	Title            string
	Body             string
	Urgent           bool
	ThreadID         *string
	ReplyToMessageID *int64
	DedupeKey        *string
	Metadata         json.RawMessage
}

// Send validates and persists a new message from sender to recipient,
// publishing a mailbox event. A repeated send with the same dedupe key
// returns the original message unchanged (spec §3/§8 idempotence invariant).
func (e *Engine) Send(ctx context.Context, recipient, sender string, f SendFields) (store.Message, error) {
	recipient = strings.ToLower(strings.TrimSpace(recipient))
	sender = strings.ToLower(strings.TrimSpace(sender))

	if !e.roster.IsMember(recipient) {
		return store.Message{}, apierr.NewBadRequest("unknown recipient")
	}
	if strings.TrimSpace(f.Title) == "" {
		return store.Message{}, apierr.NewBadRequest("title is required")
	}

	msg, err := e.store.SendMessage(ctx, store.SendMessageParams{
		Recipient:        recipient,
		Sender:           sender,
		Title:            f.Title,
		Body:             f.Body,
		Urgent:           f.Urgent,
		ThreadID:         f.ThreadID,
		ReplyToMessageID: f.ReplyToMessageID,
		DedupeKey:        f.DedupeKey,
		Metadata:         f.Metadata,
	})
	if err != nil {
		return store.Message{}, err
	}

	e.bus.Publish(bus.MailboxTopic(recipient), bus.MailboxMessageEvent{
		Type:   "message",
		ID:     strconv.FormatInt(msg.ID, 10),
		Sender: msg.Sender,
		Title:  msg.Title,
		Urgent: msg.Urgent,
	})
	e.metrics.RecordSend(ctx)
	return msg, nil
}

// ListOptions drives List.
type ListOptions struct {
	Status  store.MessageStatus
	Limit   int
	Cursor  string
	SinceID int64
}

// ListResult pairs messages with an opaque next-page cursor.
type ListResult struct {
	Messages   []store.Message
	NextCursor string
}

// List returns viewer's inbox, newest first, and publishes an inbox_check
// event.
func (e *Engine) List(ctx context.Context, viewer string, opts ListOptions) (ListResult, error) {
	filter := store.MessageListFilter{
		Recipient: viewer,
		Status:    opts.Status,
		Limit:     opts.Limit,
		SinceID:   opts.SinceID,
	}
	if opts.Cursor != "" {
		id, err := store.DecodeCursor(opts.Cursor)
		if err != nil {
			return ListResult{}, err
		}
		filter.BeforeID = id
	}

	msgs, err := e.store.ListMessages(ctx, filter)
	if err != nil {
		return ListResult{}, err
	}

	e.bus.Publish(bus.MailboxTopic(viewer), bus.MailboxInboxCheckEvent{
		Type: "inbox_check", Mailbox: viewer, Action: "list",
	})

	result := ListResult{Messages: msgs}
	if len(msgs) > 0 && filter.Limit > 0 && len(msgs) == clampedLimit(filter.Limit) {
		result.NextCursor = store.EncodeCursor(msgs[len(msgs)-1].ID)
	}
	return result, nil
}

func clampedLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

// Search matches viewer's messages by substring over title/body, optionally
// bounded by created_at [from, to].
func (e *Engine) Search(ctx context.Context, viewer string, f store.MessageSearchFilter) ([]store.Message, error) {
	f.Recipient = viewer
	msgs, err := e.store.SearchMessages(ctx, f)
	if err != nil {
		return nil, err
	}
	e.bus.Publish(bus.MailboxTopic(viewer), bus.MailboxInboxCheckEvent{
		Type: "inbox_check", Mailbox: viewer, Action: "search",
	})
	return msgs, nil
}

// Get returns a message only if it belongs to viewer; does not change status.
func (e *Engine) Get(ctx context.Context, viewer string, id int64) (store.Message, error) {
	return e.store.GetMessage(ctx, viewer, id)
}

// Ack marks a message read; idempotent on an already-read message.
func (e *Engine) Ack(ctx context.Context, viewer string, id int64) (store.Message, error) {
	msg, err := e.store.AckMessage(ctx, viewer, id)
	if err != nil {
		return store.Message{}, err
	}
	e.bus.Publish(bus.MailboxTopic(viewer), bus.MailboxInboxCheckEvent{
		Type: "inbox_check", Mailbox: viewer, Action: "ack",
	})
	e.metrics.RecordAck(ctx, 1)
	return msg, nil
}

// BatchAck acks every id that belongs to viewer and is still unread; ids
// that don't belong to viewer or are already read land in NotFound.
func (e *Engine) BatchAck(ctx context.Context, viewer string, ids []int64) (store.BatchAckResult, error) {
	result, err := e.store.BatchAck(ctx, viewer, ids)
	if err != nil {
		return store.BatchAckResult{}, err
	}
	e.bus.Publish(bus.MailboxTopic(viewer), bus.MailboxInboxCheckEvent{
		Type: "inbox_check", Mailbox: viewer, Action: "ack",
	})
	e.metrics.RecordAck(ctx, int64(len(result.Success)))
	return result, nil
}

// Reply loads the original message (must belong to viewer) and sends a new
// message back to its sender with thread linkage resolved per spec §4.D.
func (e *Engine) Reply(ctx context.Context, viewer string, originalID int64, f SendFields) (store.Message, error) {
	original, err := e.store.GetMessage(ctx, viewer, originalID)
	if err != nil {
		return store.Message{}, err
	}
	if strings.TrimSpace(f.Title) == "" && strings.TrimSpace(f.Body) == "" {
		return store.Message{}, apierr.NewBadRequest("either title or body is required")
	}

	title := f.Title
	if title == "" {
		title = "Re: " + original.Title
	}

	threadID := original.ThreadID
	if threadID == nil {
		id := strconv.FormatInt(original.ID, 10)
		threadID = &id
	}
	replyTo := original.ID

	return e.Send(ctx, original.Sender, viewer, SendFields{
		Title:            title,
		Body:             f.Body,
		Urgent:           f.Urgent,
		ThreadID:         threadID,
		ReplyToMessageID: &replyTo,
		DedupeKey:        f.DedupeKey,
		Metadata:         f.Metadata,
	})
}

// MarkWaiting sets the response-waiting commitment; only the message's
// recipient may call this (enforced by requiring viewer == recipient via the
// storage WHERE clause, which returns NotFound rather than leaking whether
// the id exists for a different viewer).
func (e *Engine) MarkWaiting(ctx context.Context, viewer string, id int64) (store.Message, error) {
	msg, err := e.store.SetWaiting(ctx, viewer, id)
	if err != nil {
		return store.Message{}, err
	}
	e.bus.Publish(bus.MailboxTopic(msg.Sender), bus.MailboxWaitingEvent{
		Type: "message_waiting", MessageID: strconv.FormatInt(msg.ID, 10), Responder: viewer,
	})
	return msg, nil
}

// ClearWaiting clears the commitment; only the current waiting_responder may
// clear it (spec §4.D / §7: Forbidden otherwise).
func (e *Engine) ClearWaiting(ctx context.Context, viewer string, id int64) (store.Message, error) {
	msg, err := e.store.GetMessage(ctx, viewer, id)
	if err != nil {
		// The recipient can always see their own message; if viewer cannot,
		// check whether viewer sent it and it is flagged waiting, so the
		// sender is refused with Forbidden (the waiting role is not theirs)
		// rather than NotFound. Anyone else still gets NotFound.
		if !apierr.Is(err, apierr.NotFound) {
			return store.Message{}, err
		}
		sent, lerr := e.store.WaitingMessages(ctx, viewer, false)
		if lerr != nil {
			return store.Message{}, lerr
		}
		for _, m := range sent {
			if m.ID == id {
				return store.Message{}, apierr.NewForbidden("only the waiting responder may clear this flag")
			}
		}
		return store.Message{}, err
	}
	if !msg.ResponseWaiting || msg.WaitingResponder == nil || *msg.WaitingResponder != viewer {
		return store.Message{}, apierr.NewForbidden("only the waiting responder may clear this flag")
	}

	cleared, err := e.store.ClearWaiting(ctx, id)
	if err != nil {
		return store.Message{}, err
	}
	e.bus.Publish(bus.MailboxTopic(cleared.Sender), bus.MailboxWaitingEvent{
		Type: "waiting_cleared", MessageID: strconv.FormatInt(cleared.ID, 10), Responder: viewer,
	})
	return cleared, nil
}

// WaitingOn returns messages viewer is waiting to respond to (viewer is the
// waiting_responder).
func (e *Engine) WaitingOn(ctx context.Context, viewer string) ([]store.Message, error) {
	return e.store.WaitingMessages(ctx, viewer, true)
}

// WaitingOnOthers returns messages viewer sent where someone else committed
// to respond.
func (e *Engine) WaitingOnOthers(ctx context.Context, viewer string) ([]store.Message, error) {
	return e.store.WaitingMessages(ctx, viewer, false)
}

// UnreadCounts returns, per roster user, their unread count.
func (e *Engine) UnreadCounts(ctx context.Context) (map[string]int, error) {
	return e.store.UnreadCounts(ctx, e.roster.Names())
}

// WaitingCounts returns, per roster user, how many messages they are
// waiting to respond to.
func (e *Engine) WaitingCounts(ctx context.Context) (map[string]int, error) {
	return e.store.WaitingCounts(ctx, e.roster.Names())
}

// CountsLookup adapts UnreadCounts/WaitingCounts to presence.CountsLookup.
func (e *Engine) CountsLookup(ctx context.Context) (map[string]int, map[string]int, error) {
	unread, err := e.UnreadCounts(ctx)
	if err != nil {
		return nil, nil, err
	}
	waiting, err := e.WaitingCounts(ctx)
	if err != nil {
		return nil, nil, err
	}
	return unread, waiting, nil
}

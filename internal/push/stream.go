// Package push is the SSE-based real-time fan-out layer described in spec
// §4.G. It is shaped after the teacher's events-proxy handler (headers,
// Flusher usage, event-block framing) with the upstream HTTP proxy replaced
// by a subscription to the in-process event bus.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hive/server/internal/broadcast"
	"github.com/hive/server/internal/bus"
	"github.com/hive/server/internal/presence"
	"github.com/hive/server/internal/store"
)

// KeepaliveInterval is how often a comment line is written to detect a dead
// connection and keep intermediate proxies from closing it (spec §4.G).
const KeepaliveInterval = 30 * time.Second

// outboxSize bounds how many pending events a slow connection may queue
// before newer events start displacing the oldest; this keeps a bus
// Publish call from ever blocking on a slow reader (spec §5: "handlers
// MUST NOT block on network I/O").
const outboxSize = 64

// Adapter wires SSE connections to the event bus and presence tracker.
type Adapter struct {
	bus      *bus.Bus
	presence *presence.Tracker
	buzz     *broadcast.Engine
	log      *slog.Logger
}

// New creates a push Adapter.
func New(b *bus.Bus, p *presence.Tracker, buzz *broadcast.Engine) *Adapter {
	return &Adapter{bus: b, presence: p, buzz: buzz, log: slog.Default().With("component", "push")}
}

type outboundEvent struct {
	name    string
	payload any
}

type connection struct {
	id     string
	user   string
	events chan outboundEvent
}

func newConnection(user string) *connection {
	return &connection{id: uuid.NewString(), user: user, events: make(chan outboundEvent, outboxSize)}
}

// send enqueues an event for delivery, dropping the oldest pending event
// rather than blocking the publishing goroutine if the connection is
// backed up.
func (c *connection) send(name string, payload any) {
	select {
	case c.events <- outboundEvent{name: name, payload: payload}:
	default:
		select {
		case <-c.events:
		default:
		}
		select {
		case c.events <- outboundEvent{name: name, payload: payload}:
		default:
		}
	}
}

// MailboxStream serves the authenticated per-user stream: mailbox/<self>,
// presence, and swarm (for keyed UI variants that also want structured
// Swarm updates without parsing Buzz).
func (a *Adapter) MailboxStream(w http.ResponseWriter, r *http.Request, viewer string, isAdmin bool) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming unsupported")
	}

	conn := newConnection(viewer)
	writeSSEHeaders(w)

	a.presence.Add(r.Context(), conn.id, viewer, presence.KindUI)
	defer a.presence.Remove(context.Background(), conn.id)

	unsubMailbox := a.bus.Subscribe(bus.MailboxTopic(viewer), func(topic string, payload any) {
		conn.send("mailbox", payload)
	})
	unsubPresence := a.bus.Subscribe(bus.PresenceTopic, func(topic string, payload any) {
		conn.send("presence", payload)
	})
	unsubSwarm := a.bus.Subscribe(bus.SwarmTopic, func(topic string, payload any) {
		conn.send("swarm", payload)
	})
	defer unsubMailbox()
	defer unsubPresence()
	defer unsubSwarm()

	if err := writeSSE(w, flusher, "connected", map[string]string{"connectionId": conn.id}); err != nil {
		return err
	}
	snapshot, err := a.presence.Snapshot(r.Context(), viewer, isAdmin)
	if err != nil {
		a.log.Warn("initial presence snapshot failed", "err", err)
	} else if err := writeSSE(w, flusher, "presence", snapshot); err != nil {
		return err
	}

	return a.pump(r.Context(), w, flusher, conn)
}

// GlobalStream serves the UI-key-authenticated global stream: the same
// topics as MailboxStream, but every emitted event additionally passes
// through an access-control filter keyed to viewer/isAdmin (spec §4.G).
func (a *Adapter) GlobalStream(w http.ResponseWriter, r *http.Request, viewer string, isAdmin bool) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming unsupported")
	}

	conn := newConnection(viewer)
	writeSSEHeaders(w)

	a.presence.Add(r.Context(), conn.id, viewer, presence.KindUI)
	defer a.presence.Remove(context.Background(), conn.id)

	unsubMailbox := a.bus.Subscribe(bus.MailboxTopic(viewer), func(topic string, payload any) {
		conn.send("mailbox", payload)
	})
	unsubPresence := a.bus.Subscribe(bus.PresenceTopic, func(topic string, payload any) {
		conn.send("presence", filterPresenceForViewer(payload, viewer, isAdmin))
	})
	unsubSwarm := a.bus.Subscribe(bus.SwarmTopic, func(topic string, payload any) {
		conn.send("swarm", payload)
	})
	unsubBuzz := a.bus.Subscribe(bus.BuzzTopic, func(topic string, payload any) {
		if ev, ok := payload.(store.BroadcastEvent); ok && !isAdmin && !broadcastVisibleTo(ev.ForUsers, viewer) {
			return
		}
		conn.send("buzz", payload)
	})
	defer unsubMailbox()
	defer unsubPresence()
	defer unsubSwarm()
	defer unsubBuzz()

	if err := writeSSE(w, flusher, "connected", map[string]string{"connectionId": conn.id}); err != nil {
		return err
	}
	snapshot, err := a.presence.Snapshot(r.Context(), viewer, isAdmin)
	if err != nil {
		a.log.Warn("initial presence snapshot failed", "err", err)
	} else if err := writeSSE(w, flusher, "presence", snapshot); err != nil {
		return err
	}

	return a.pump(r.Context(), w, flusher, conn)
}

// BuzzStream sends the last sinceID-bounded N events, then live-subscribes
// to buzz, filtering by for_users against the viewer.
func (a *Adapter) BuzzStream(w http.ResponseWriter, r *http.Request, viewer string, isAdmin bool, sinceID int64) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming unsupported")
	}

	writeSSEHeaders(w)
	if err := writeSSE(w, flusher, "connected", map[string]string{}); err != nil {
		return err
	}

	backlog, err := a.buzz.List(r.Context(), viewer, isAdmin, store.BroadcastEventFilter{SinceID: sinceID, Limit: 100})
	if err == nil {
		for _, ev := range backlog {
			if err := writeSSE(w, flusher, "buzz", ev); err != nil {
				return err
			}
		}
	}

	conn := newConnection(viewer)
	unsubBuzz := a.bus.Subscribe(bus.BuzzTopic, func(topic string, payload any) {
		if ev, ok := payload.(store.BroadcastEvent); ok && !isAdmin && !broadcastVisibleTo(ev.ForUsers, viewer) {
			return
		}
		conn.send("buzz", payload)
	})
	defer unsubBuzz()

	return a.pump(r.Context(), w, flusher, conn)
}

// pump is the single writer goroutine for a connection: it serializes event
// delivery and keepalives so the bus's publishing goroutine never touches
// the ResponseWriter directly.
func (a *Adapter) pump(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, conn *connection) error {
	ticker := time.NewTicker(KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-conn.events:
			if err := writeSSE(w, flusher, ev.name, ev.payload); err != nil {
				return err
			}
		case <-ticker.C:
			if err := writeKeepalive(w, flusher); err != nil {
				return err
			}
		}
	}
}

func writeSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}

func writeSSE(w io.Writer, flusher http.Flusher, event string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, "event: "+event+"\n"); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "data: "+string(body)+"\n\n"); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeKeepalive(w io.Writer, flusher http.Flusher) error {
	if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func broadcastVisibleTo(forUsers, viewer string) bool {
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

func filterPresenceForViewer(payload any, viewer string, isAdmin bool) any {
	ev, ok := payload.(bus.PresenceEvent)
	if !ok || isAdmin {
		return payload
	}
	filtered := make([]bus.PresenceInfo, len(ev.Presence))
	for i, info := range ev.Presence {
		if info.User != viewer {
			info.UnreadCount = 0
			info.WaitingCount = 0
		}
		filtered[i] = info
	}
	ev.Presence = filtered
	return ev
}

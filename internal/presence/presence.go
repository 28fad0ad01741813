// Package presence tracks who is "live right now" for Hive's fixed roster,
// combining UI push-stream connections with a sliding API-activity window.
// The sweep loop is shaped like the teacher's MonitorAgents ticker/select
// polling loop, repurposed from "poll tmux sessions for completion" to "scan
// for API-activity that has gone stale".
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hive/server/internal/bus"
)

// ConnKind distinguishes a UI push-stream connection from a plain API call.
type ConnKind string

const (
	KindUI  ConnKind = "ui"
	KindAPI ConnKind = "api"
)

// CountsLookup supplies unread/waiting counts for PresenceInfo; the engine
// package wires this to the mailbox store so presence has no direct storage
// dependency of its own.
type CountsLookup func(ctx context.Context) (unread map[string]int, waiting map[string]int, err error)

type connection struct {
	user     string
	joinedAt time.Time
	kind     ConnKind
}

// Tracker is the presence state machine described in spec §4.C.
type Tracker struct {
	mu               sync.Mutex
	connections      map[string]connection // connID -> connection
	lastAPIActivity  map[string]time.Time
	lastSeen         map[string]time.Time
	roster           []string
	apiTimeout       time.Duration
	bus              *bus.Bus
	counts           CountsLookup
	log              *slog.Logger
}

// New creates a Tracker for the given roster (lowercase user names).
func New(b *bus.Bus, roster []string, apiTimeout time.Duration, counts CountsLookup) *Tracker {
	return &Tracker{
		connections:     make(map[string]connection),
		lastAPIActivity: make(map[string]time.Time),
		lastSeen:        make(map[string]time.Time),
		roster:          roster,
		apiTimeout:      apiTimeout,
		bus:             b,
		counts:          counts,
		log:             slog.Default().With("component", "presence"),
	}
}

// Add registers a connection. If the user transitioned offline->online, a
// join event is published.
func (t *Tracker) Add(ctx context.Context, connID, user string, kind ConnKind) {
	t.mu.Lock()
	wasOnline := t.isOnlineLocked(user)
	t.connections[connID] = connection{user: user, joinedAt: time.Now(), kind: kind}
	nowOnline := t.isOnlineLocked(user)
	t.mu.Unlock()

	if !wasOnline && nowOnline {
		t.publishTransition(ctx, "join", user)
	}
}

// Remove deregisters a connection, updates last_seen, and publishes a leave
// event if the user is now fully offline.
func (t *Tracker) Remove(ctx context.Context, connID string) {
	t.mu.Lock()
	conn, ok := t.connections[connID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.connections, connID)
	t.lastSeen[conn.user] = time.Now()
	nowOnline := t.isOnlineLocked(conn.user)
	t.mu.Unlock()

	if !nowOnline {
		t.publishTransition(ctx, "leave", conn.user)
	}
}

// RecordAPIActivity updates a user's last-API-call timestamp. Called as a
// fire-and-forget side effect of every authenticated request (spec §9's
// "record_api_activity(id).catch(() => {})" design note — in Go this is a
// non-blocking call the dispatcher never waits on or fails the request for).
func (t *Tracker) RecordAPIActivity(ctx context.Context, user string) {
	t.mu.Lock()
	wasOnline := t.isOnlineLocked(user)
	t.lastAPIActivity[user] = time.Now()
	nowOnline := t.isOnlineLocked(user)
	t.mu.Unlock()

	if !wasOnline && nowOnline {
		t.publishTransition(ctx, "join", user)
	}
}

// isOnlineLocked must be called with mu held.
func (t *Tracker) isOnlineLocked(user string) bool {
	for _, conn := range t.connections {
		if conn.user == user {
			return true
		}
	}
	last, ok := t.lastAPIActivity[user]
	if !ok {
		return false
	}
	return time.Since(last) < t.apiTimeout
}

// IsOnline reports whether user is currently considered online.
func (t *Tracker) IsOnline(user string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isOnlineLocked(user)
}

// OnlineCount returns how many roster users are currently online, for the
// presence online-count gauge.
func (t *Tracker) OnlineCount() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var n int64
	for _, user := range t.roster {
		if t.isOnlineLocked(user) {
			n++
		}
	}
	return n
}

// Snapshot computes PresenceInfo for every roster user, access-controlled
// for viewer: admins see real unread/waiting counts for everyone; non-admins
// see real counts only for their own row (spec §4.C / DESIGN.md Open
// Question #4 — online/lastSeen stay visible to all viewers regardless).
func (t *Tracker) Snapshot(ctx context.Context, viewer string, viewerIsAdmin bool) ([]bus.PresenceInfo, error) {
	var unread, waiting map[string]int
	if t.counts != nil {
		var err error
		unread, waiting, err = t.counts(ctx)
		if err != nil {
			return nil, err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]bus.PresenceInfo, 0, len(t.roster))
	for _, user := range t.roster {
		info := bus.PresenceInfo{
			User:   user,
			Online: t.isOnlineLocked(user),
		}
		if ls, ok := t.lastSeen[user]; ok {
			info.LastSeen = ls.UTC().Format(time.RFC3339)
		}
		if viewerIsAdmin || user == viewer {
			info.UnreadCount = unread[user]
			info.WaitingCount = waiting[user]
		}
		out = append(out, info)
	}
	return out, nil
}

func (t *Tracker) publishTransition(ctx context.Context, kind, user string) {
	snapshot, err := t.Snapshot(ctx, user, true)
	if err != nil {
		t.log.Warn("presence snapshot failed", "err", err)
		snapshot = nil
	}
	t.bus.Publish(bus.PresenceTopic, bus.PresenceEvent{Type: kind, User: user, Presence: snapshot})
}

// RunSweeper scans every interval for users whose API activity has gone
// stale since the last sweep and who have no UI connections, publishing a
// leave event for each. It blocks until ctx is cancelled.
func (t *Tracker) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	wasOnline := make(map[string]bool, len(t.roster))
	for _, u := range t.roster {
		wasOnline[u] = t.IsOnline(u)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, user := range t.roster {
				now := t.IsOnline(user)
				if wasOnline[user] && !now {
					t.publishTransition(ctx, "leave", user)
				}
				wasOnline[user] = now
			}
		}
	}
}

// Package api is the request dispatcher described in spec §4.H: it owns
// the URL/method route table, strips auth into an Identity before handlers
// run, and centralizes typed-error-to-status mapping so individual engines
// never touch net/http. Route mounting follows the teacher's per-handler
// Mount(mux *http.ServeMux) convention (routes/events.go, llmproxy.Mount).
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/hive/server/internal/apierr"
	"github.com/hive/server/internal/broadcast"
	"github.com/hive/server/internal/config"
	"github.com/hive/server/internal/mailbox"
	"github.com/hive/server/internal/presence"
	"github.com/hive/server/internal/push"
	"github.com/hive/server/internal/store"
	"github.com/hive/server/internal/swarm"
)

// Dispatcher wires every engine package to its HTTP surface.
type Dispatcher struct {
	mailbox   *mailbox.Engine
	broadcast *broadcast.Engine
	swarm     *swarm.Engine
	push      *push.Adapter
	presence  *presence.Tracker
	auth      *Authenticator
	cfg       *config.Config
	store     *store.Store
	log       *slog.Logger
}

// NewDispatcher builds a Dispatcher from already-constructed engines.
func NewDispatcher(
	mailboxEngine *mailbox.Engine,
	broadcastEngine *broadcast.Engine,
	swarmEngine *swarm.Engine,
	pushAdapter *push.Adapter,
	presenceTracker *presence.Tracker,
	auth *Authenticator,
	cfg *config.Config,
	st *store.Store,
) *Dispatcher {
	return &Dispatcher{
		mailbox:   mailboxEngine,
		broadcast: broadcastEngine,
		swarm:     swarmEngine,
		push:      pushAdapter,
		presence:  presenceTracker,
		auth:      auth,
		cfg:       cfg,
		store:     st,
		log:       slog.Default().With("component", "dispatcher"),
	}
}

// handlerFunc is an authenticated handler; returning an error is the only
// way to signal failure, so every branch maps through writeAPIError in one
// place.
type handlerFunc func(w http.ResponseWriter, r *http.Request, id Identity) error

// handle wraps fn with bearer-token authentication, fire-and-forget presence
// activity recording, and centralized error mapping (spec §9's
// requireAuth(handler) higher-order pattern).
func (d *Dispatcher) handle(fn handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := d.authenticate(r)
		if err != nil {
			d.writeAPIError(w, err)
			return
		}
		go d.presence.RecordAPIActivity(context.Background(), id.User)

		if err := fn(w, r, id); err != nil {
			d.writeAPIError(w, err)
		}
	}
}

// handlePublic wraps fn with only error mapping, for the health checks and
// the token-authenticated (not bearer-authenticated) ingest endpoint.
func (d *Dispatcher) handlePublic(fn func(w http.ResponseWriter, r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			d.writeAPIError(w, err)
		}
	}
}

// handleStream is handle's counterpart for SSE endpoints: once the SSE
// headers are written the response is already committed to 200, so a
// failure returned afterward (the client disconnected, a write timed out)
// is logged rather than mapped through writeAPIError, which would attempt
// an illegal second WriteHeader (spec §7: "push handler write errors are
// non-fatal"). precheck runs after authentication but before fn, and its
// errors DO go through writeAPIError since no bytes have been written yet
// (e.g. the Global stream's extra UI-key gate).
func (d *Dispatcher) handleStream(fn handlerFunc, precheck ...func(r *http.Request, id Identity) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := d.authenticate(r)
		if err != nil {
			d.writeAPIError(w, err)
			return
		}
		for _, p := range precheck {
			if err := p(r, id); err != nil {
				d.writeAPIError(w, err)
				return
			}
		}
		go d.presence.RecordAPIActivity(context.Background(), id.User)

		if err := fn(w, r, id); err != nil {
			d.log.Debug("stream closed", "user", id.User, "err", err)
		}
	}
}

// authenticate reads the bearer token from the Authorization header, or
// from an access_token query parameter for stream endpoints: the browser
// EventSource API cannot set request headers, so SSE connections have no
// other way to present a token.
func (d *Dispatcher) authenticate(r *http.Request) (Identity, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if tok := strings.TrimSpace(r.URL.Query().Get("access_token")); tok != "" {
			header = "Bearer " + tok
		}
	}
	return d.auth.Authenticate(header)
}

// Mount registers every route on mux.
func (d *Dispatcher) Mount(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", d.handlePublic(d.handleHealthz))
	mux.HandleFunc("GET /readyz", d.handlePublic(d.handleReadyz))

	mux.HandleFunc("POST /mailboxes/{recipient}/messages", d.handle(d.handleSend))
	mux.HandleFunc("GET /mailboxes/me/messages", d.handle(d.handleListMessages))
	mux.HandleFunc("GET /mailboxes/me/messages/search", d.handle(d.handleSearchMessages))
	mux.HandleFunc("GET /mailboxes/me/messages/{id}", d.handle(d.handleGetMessage))
	mux.HandleFunc("POST /mailboxes/me/messages/{id}/ack", d.handle(d.handleAckMessage))
	mux.HandleFunc("POST /mailboxes/me/messages/ack", d.handle(d.handleBatchAck))
	mux.HandleFunc("POST /mailboxes/me/messages/{id}/reply", d.handle(d.handleReply))
	mux.HandleFunc("POST /mailboxes/me/messages/{id}/waiting", d.handle(d.handleMarkWaiting))
	mux.HandleFunc("DELETE /mailboxes/me/messages/{id}/waiting", d.handle(d.handleClearWaiting))
	mux.HandleFunc("GET /mailboxes/me/waiting", d.handle(d.handleWaitingOn))
	mux.HandleFunc("GET /mailboxes/me/waiting-on-others", d.handle(d.handleWaitingOnOthers))
	mux.HandleFunc("GET /waiting/counts", d.handle(d.handleWaitingCounts))
	mux.HandleFunc("GET /mailboxes/me/stream", d.handleStream(d.handleMailboxStream))

	mux.HandleFunc("POST /broadcast/webhooks", d.handle(d.handleCreateWebhook))
	mux.HandleFunc("GET /broadcast/webhooks", d.handle(d.handleListWebhooks))
	mux.HandleFunc("GET /broadcast/webhooks/{id}", d.handle(d.handleGetWebhook))
	mux.HandleFunc("POST /broadcast/webhooks/{id}/enable", d.handle(d.handleSetWebhookEnabled(true)))
	mux.HandleFunc("POST /broadcast/webhooks/{id}/disable", d.handle(d.handleSetWebhookEnabled(false)))
	mux.HandleFunc("DELETE /broadcast/webhooks/{id}", d.handle(d.handleDeleteWebhook))
	mux.HandleFunc("GET /broadcast/events", d.handle(d.handleListBroadcastEvents))
	mux.HandleFunc("GET /buzz", d.handle(d.handleBuzzTail))
	mux.HandleFunc("GET /buzz/stream", d.handleStream(d.handleBuzzStream))
	mux.HandleFunc("POST /ingest/{appName}/{token}", d.handlePublic(d.handleIngest))

	mux.HandleFunc("GET /swarm/projects", d.handle(d.handleListProjects))
	mux.HandleFunc("POST /swarm/projects", d.handle(d.handleCreateProject))
	mux.HandleFunc("GET /swarm/projects/{id}", d.handle(d.handleGetProject))
	mux.HandleFunc("PATCH /swarm/projects/{id}", d.handle(d.handleUpdateProject))
	mux.HandleFunc("POST /swarm/projects/{id}/archive", d.handle(d.handleSetProjectArchived(true)))
	mux.HandleFunc("DELETE /swarm/projects/{id}/archive", d.handle(d.handleSetProjectArchived(false)))

	mux.HandleFunc("GET /swarm/tasks", d.handle(d.handleListTasks))
	mux.HandleFunc("POST /swarm/tasks", d.handle(d.handleCreateTask))
	mux.HandleFunc("GET /swarm/tasks/{id}", d.handle(d.handleGetTask))
	mux.HandleFunc("PATCH /swarm/tasks/{id}", d.handle(d.handleUpdateTask))
	mux.HandleFunc("POST /swarm/tasks/{id}/claim", d.handle(d.handleClaimTask))
	mux.HandleFunc("POST /swarm/tasks/{id}/status", d.handle(d.handleSetTaskStatus))
	mux.HandleFunc("GET /swarm/tasks/{id}/events", d.handle(d.handleListTaskEvents))
	mux.HandleFunc("POST /swarm/tasks/{id}/reorder", d.handle(d.handleReorderTask))

	mux.HandleFunc("GET /swarm/recurring/templates", d.handle(d.handleListTemplates))
	mux.HandleFunc("POST /swarm/recurring/templates", d.handle(d.handleCreateTemplate))
	mux.HandleFunc("GET /swarm/recurring/templates/{id}", d.handle(d.handleGetTemplate))
	mux.HandleFunc("PATCH /swarm/recurring/templates/{id}", d.handle(d.handleUpdateTemplate))
	mux.HandleFunc("DELETE /swarm/recurring/templates/{id}", d.handle(d.handleDeleteTemplate))
	mux.HandleFunc("POST /swarm/recurring/templates/{id}/enable", d.handle(d.handleSetTemplateEnabled(true)))
	mux.HandleFunc("POST /swarm/recurring/templates/{id}/disable", d.handle(d.handleSetTemplateEnabled(false)))
	mux.HandleFunc("POST /swarm/recurring/run", d.handle(d.handleRunGenerator))

	// Supplemental: a UI-key-gated global stream for dashboard widgets that
	// have no per-user session of their own (spec §9's "singleton
	// uiMailboxKeys map" design note). Not part of spec §6's literal route
	// table; additive, since no Non-goal excludes it.
	mux.HandleFunc("GET /stream", d.handleStream(d.handleGlobalStream, func(r *http.Request, _ Identity) error {
		return requireUIKey(r, d.cfg)
	}))
}

func (d *Dispatcher) handleHealthz(w http.ResponseWriter, r *http.Request) error {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	return nil
}

func (d *Dispatcher) handleReadyz(w http.ResponseWriter, r *http.Request) error {
	if err := d.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "error", "db": false})
		return nil
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "db": true})
	return nil
}

func pathID64(r *http.Request, name string) (int64, error) {
	raw := r.PathValue(name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, apierr.NewBadRequest("invalid id")
	}
	return id, nil
}

func requireUIKey(r *http.Request, cfg *config.Config) error {
	key := strings.TrimSpace(r.URL.Query().Get("uiKey"))
	if !cfg.IsValidUIKey(key) {
		return apierr.NewUnauthorized("missing or invalid UI key")
	}
	return nil
}

// StripAPIPrefix strips a leading "/api" from the request path before it
// reaches mux, so "/api/healthz" routes identically to "/healthz" and the
// broadcast ingest URLs CreateWebhook advertises (always built with an
// "/api" prefix, see broadcast.Engine.CreateWebhook) actually resolve.
// Requests with no "/api" prefix pass through untouched, since the route
// table itself is registered without one.
func StripAPIPrefix(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api" {
			r = shallowCloneWithPath(r, "/")
		} else if rest, ok := strings.CutPrefix(r.URL.Path, "/api/"); ok {
			r = shallowCloneWithPath(r, "/"+rest)
		}
		h.ServeHTTP(w, r)
	})
}

func shallowCloneWithPath(r *http.Request, path string) *http.Request {
	r2 := r.Clone(r.Context())
	r2.URL.Path = path
	return r2
}

// Package adminhttp exposes the router's health/status/stats surface over
// plain HTTP (DOMAIN STACK: go-chi/chi/v5), grounded on the teacher's
// internal/handler/lp long-poll handler — same chi router style and the
// same long-poll-for-events shape, generalized here into a snapshot
// fallback endpoint for callers that cannot hold a connectP2P stream open.
package adminhttp

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nogipx/rpcmesh/internal/domain"
	"github.com/nogipx/rpcmesh/internal/registry"
)

// pollTimeout bounds how long the snapshot long-poll endpoint waits for a
// RouterEvent before replying 204, matching the teacher's 30s long-poll
// ceiling.
const pollTimeout = 30 * time.Second

// Handler serves the admin HTTP surface over a router Directory.
type Handler struct {
	dir     *registry.Directory
	version string
}

// New builds a Handler. version is reported on /healthz.
func New(dir *registry.Directory, version string) *Handler {
	return &Handler{dir: dir, version: version}
}

// Routes mounts the admin surface onto a chi.Router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", h.health)
	r.Get("/stats", h.stats)
	r.Get("/clients", h.clients)
	r.Get("/events/poll", h.pollEvents)
	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": h.version})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.dir.Stats())
}

func (h *Handler) clients(w http.ResponseWriter, r *http.Request) {
	group := r.URL.Query().Get("group")
	clients := h.dir.OnlineClients(group)
	out := make([]map[string]any, 0, len(clients))
	for _, c := range clients {
		out = append(out, map[string]any{
			"id":           c.ID,
			"name":         c.Name,
			"registeredAt": c.RegisteredAt,
			"sessions":     c.SessionCount(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// pollEvents is a long-poll fallback snapshot endpoint (§6.2's alternative
// binding for clients that cannot hold a connectP2P stream open): it
// subscribes for the duration of one HTTP request, waits up to pollTimeout
// for a single RouterEvent, and returns it — or 204 on timeout.
func (h *Handler) pollEvents(w http.ResponseWriter, r *http.Request) {
	subscriberID := "adminhttp-poll-" + uuid.New().String()
	ch := h.dir.SubscribeEvents(subscriberID, 16)
	defer h.dir.UnsubscribeEvents(subscriberID)

	select {
	case <-r.Context().Done():
		return
	case <-time.After(pollTimeout):
		w.WriteHeader(http.StatusNoContent)
		return
	case msg, ok := <-ch:
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, toEventPayload(msg))
	}
}

func toEventPayload(msg *domain.RouterMessage) map[string]any {
	return map[string]any{
		"kind":      msg.EventKind,
		"timestamp": msg.Timestamp,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Package api implements the authenticated JSON control surface: manual
// sync, webhook subscription management and event queries.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/jw6ventures/calsync/internal/auth"
	httperrors "github.com/jw6ventures/calsync/internal/http/errors"
	"github.com/jw6ventures/calsync/internal/provider"
	"github.com/jw6ventures/calsync/internal/store"
	"github.com/jw6ventures/calsync/internal/sync"
	"github.com/jw6ventures/calsync/internal/webhook"
)

// Synchronizer is the slice of the sync engine the API needs.
type Synchronizer interface {
	Synchronize(ctx context.Context, connectionID, userID uuid.UUID, window provider.Window, forceFull bool) (*sync.Result, error)
	DefaultWindow() provider.Window
}

// SubscriptionManager is the slice of the webhook manager the API needs.
type SubscriptionManager interface {
	Create(ctx context.Context, connectionID, userID uuid.UUID) (*store.Subscription, error)
	Delete(ctx context.Context, connectionID, userID uuid.UUID) error
}

type Handler struct {
	connections store.ConnectionRepository
	events      store.EventRepository
	subs        store.SubscriptionRepository
	engine      Synchronizer
	manager     SubscriptionManager

	manualTimeout time.Duration
}

func NewHandler(connections store.ConnectionRepository, events store.EventRepository, subs store.SubscriptionRepository, engine Synchronizer, manager SubscriptionManager, manualTimeout time.Duration) *Handler {
	if manualTimeout <= 0 {
		manualTimeout = 60 * time.Second
	}
	return &Handler{
		connections:   connections,
		events:        events,
		subs:          subs,
		engine:        engine,
		manager:       manager,
		manualTimeout: manualTimeout,
	}
}

// Routes mounts the handler under a router that already enforces
// authentication.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/connections/{id}", func(r chi.Router) {
		r.Post("/sync", h.SyncNow)
		r.Get("/events", h.ListEvents)
		r.Post("/webhook", h.EnableWebhook)
		r.Put("/webhook", h.EnableWebhook)
		r.Delete("/webhook", h.DisableWebhook)
		r.Get("/webhook", h.WebhookStatus)
	})
}

// SyncNow triggers a synchronous sync pass with a bounded timeout. A pass
// already running for the connection yields 409.
func (h *Handler) SyncNow(w http.ResponseWriter, r *http.Request) {
	user, connectionID, ok := h.requestScope(w, r)
	if !ok {
		return
	}

	var body struct {
		ForceFull bool       `json:"force_full"`
		From      *time.Time `json:"from"`
		To        *time.Time `json:"to"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httperrors.BadRequestError(w, r, err, "invalid request body")
			return
		}
	}

	window := h.engine.DefaultWindow()
	if body.From != nil {
		window.Start = *body.From
	}
	if body.To != nil {
		window.End = *body.To
	}
	if !window.End.After(window.Start) {
		httperrors.BadRequestError(w, r, fmt.Errorf("window end %s not after start %s", window.End, window.Start), "sync window end must be after start")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.manualTimeout)
	defer cancel()

	res, err := h.engine.Synchronize(ctx, connectionID, user.ID, window, body.ForceFull)
	switch {
	case errors.Is(err, sync.ErrSyncInProgress):
		http.Error(w, "sync already in progress", http.StatusConflict)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "connection not found", http.StatusNotFound)
	case provider.IsAuth(err):
		httperrors.LogError(r, "provider authorization failed", err)
		http.Error(w, "provider authorization expired, reconnect the calendar", http.StatusBadGateway)
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "sync timed out", http.StatusGatewayTimeout)
	case err != nil:
		httperrors.InternalError(w, r, err, "sync failed")
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

// ListEvents returns the canonical events of a connection inside an
// optional from/to range (RFC 3339).
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	user, connectionID, ok := h.requestScope(w, r)
	if !ok {
		return
	}

	if _, err := h.connections.GetOwned(r.Context(), connectionID, user.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "connection not found", http.StatusNotFound)
			return
		}
		httperrors.InternalError(w, r, err, "failed to load connection")
		return
	}

	window := h.engine.DefaultWindow()
	from, to := window.Start, window.End
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httperrors.BadRequestError(w, r, err, "invalid from timestamp")
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httperrors.BadRequestError(w, r, err, "invalid to timestamp")
			return
		}
		to = t
	}

	records, err := h.events.ListByConnection(r.Context(), connectionID, from, to)
	if err != nil {
		httperrors.InternalError(w, r, err, "failed to list events")
		return
	}

	out := make([]eventDTO, len(records))
	for i := range records {
		out[i] = toEventDTO(&records[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

// EnableWebhook creates a push subscription for the connection.
func (h *Handler) EnableWebhook(w http.ResponseWriter, r *http.Request) {
	user, connectionID, ok := h.requestScope(w, r)
	if !ok {
		return
	}

	sub, err := h.manager.Create(r.Context(), connectionID, user.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "connection not found", http.StatusNotFound)
	case errors.Is(err, webhook.ErrSubscriptionExists):
		http.Error(w, "webhook already enabled for this connection", http.StatusConflict)
	case err != nil:
		httperrors.InternalError(w, r, err, "failed to create subscription")
	default:
		writeJSON(w, http.StatusCreated, toSubscriptionDTO(sub))
	}
}

// DisableWebhook tears down the connection's push subscription.
func (h *Handler) DisableWebhook(w http.ResponseWriter, r *http.Request) {
	user, connectionID, ok := h.requestScope(w, r)
	if !ok {
		return
	}

	err := h.manager.Delete(r.Context(), connectionID, user.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "no active webhook for this connection", http.StatusNotFound)
	case err != nil:
		httperrors.InternalError(w, r, err, "failed to delete subscription")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// WebhookStatus reports the connection's active subscription, if any.
func (h *Handler) WebhookStatus(w http.ResponseWriter, r *http.Request) {
	user, connectionID, ok := h.requestScope(w, r)
	if !ok {
		return
	}

	if _, err := h.connections.GetOwned(r.Context(), connectionID, user.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "connection not found", http.StatusNotFound)
			return
		}
		httperrors.InternalError(w, r, err, "failed to load connection")
		return
	}

	sub, err := h.subs.FindActiveByConnection(r.Context(), connectionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
	case err != nil:
		httperrors.InternalError(w, r, err, "failed to load subscription")
	default:
		dto := toSubscriptionDTO(sub)
		writeJSON(w, http.StatusOK, map[string]any{"active": true, "subscription": dto})
	}
}

// requestScope resolves the authenticated user and the connection id from
// the URL. Writes the error response itself when either is missing.
func (h *Handler) requestScope(w http.ResponseWriter, r *http.Request) (*store.User, uuid.UUID, bool) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return nil, uuid.Nil, false
	}
	connectionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httperrors.BadRequestError(w, r, err, "invalid connection id")
		return nil, uuid.Nil, false
	}
	return user, connectionID, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Package sync implements the delta sync engine: it reconciles one
// connection's remote calendar state into the local event store using the
// provider's opaque change cursor, falling back to a full windowed pass
// when no cursor exists or the provider rejects the stored one.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/jw6ventures/calsync/internal/metrics"
	"github.com/jw6ventures/calsync/internal/provider"
	"github.com/jw6ventures/calsync/internal/store"
)

// Result summarizes one sync pass. Errors holds per-item failures; a
// populated list with a nil error from Synchronize means partial success.
type Result struct {
	TotalEvents   int      `json:"total_events"`
	NewEvents     int      `json:"new_events"`
	UpdatedEvents int      `json:"updated_events"`
	DeletedEvents int      `json:"deleted_events"`
	FullSync      bool     `json:"full_sync"`
	Errors        []string `json:"errors"`
}

// TokenProvider builds a refreshing token source for a connection.
type TokenProvider interface {
	Source(ctx context.Context, conn *store.Connection) oauth2.TokenSource
}

// EngineConfig carries the tunables; zero values fall back to defaults.
type EngineConfig struct {
	WindowPast   time.Duration // full-sync lookback
	WindowFuture time.Duration // full-sync lookahead
	LockTTL      time.Duration // per-connection lock expiry
}

const (
	defaultWindowPast   = 30 * 24 * time.Hour
	defaultWindowFuture = 365 * 24 * time.Hour
	defaultLockTTL      = 2 * time.Minute

	// Extra attempts for transient provider failures during the fetch
	// phase. Anything beyond this is recorded and left for the next pass.
	transientRetries = 2
)

type Engine struct {
	connections store.ConnectionRepository
	events      store.EventRepository
	clients     *provider.Registry
	tokens      TokenProvider
	locker      Locker

	windowPast   time.Duration
	windowFuture time.Duration
	lockTTL      time.Duration
	now          func() time.Time
}

func NewEngine(connections store.ConnectionRepository, events store.EventRepository, clients *provider.Registry, tokens TokenProvider, locker Locker, cfg EngineConfig) *Engine {
	e := &Engine{
		connections:  connections,
		events:       events,
		clients:      clients,
		tokens:       tokens,
		locker:       locker,
		windowPast:   cfg.WindowPast,
		windowFuture: cfg.WindowFuture,
		lockTTL:      cfg.LockTTL,
		now:          time.Now,
	}
	if e.windowPast <= 0 {
		e.windowPast = defaultWindowPast
	}
	if e.windowFuture <= 0 {
		e.windowFuture = defaultWindowFuture
	}
	if e.lockTTL <= 0 {
		e.lockTTL = defaultLockTTL
	}
	return e
}

// DefaultWindow is the full-sync window anchored at the current time.
func (e *Engine) DefaultWindow() provider.Window {
	now := e.now()
	return provider.Window{
		Start: now.Add(-e.windowPast),
		End:   now.Add(e.windowFuture),
	}
}

// Synchronize runs one sync pass for the connection on behalf of the
// user. At most one pass runs per connection at a time; a concurrent
// call gets ErrSyncInProgress. forceFull ignores any stored cursor.
//
// Per-item failures accumulate in Result.Errors and do not abort the
// pass. Throttling aborts the pass without touching the cursor and is
// reported through Result.Errors, not as a failure.
func (e *Engine) Synchronize(ctx context.Context, connectionID, userID uuid.UUID, window provider.Window, forceFull bool) (*Result, error) {
	release, err := e.locker.Acquire(ctx, connectionID.String(), e.lockTTL)
	if err != nil {
		return nil, err
	}
	defer release()

	conn, err := e.connections.GetOwned(ctx, connectionID, userID)
	if err != nil {
		return nil, err
	}
	if !conn.IsConnected {
		return nil, fmt.Errorf("connection %s is not connected", connectionID)
	}

	client, err := e.clients.Get(conn.Provider)
	if err != nil {
		return nil, err
	}
	acct := provider.Account{
		CalendarID: conn.CalendarID,
		Token:      e.tokens.Source(ctx, conn),
	}

	cursor := ""
	if conn.SyncCursor != nil && !forceFull {
		cursor = *conn.SyncCursor
	}

	start := e.now()
	res, err := e.runPass(ctx, client, acct, conn, cursor, window)

	kind := "incremental"
	if res == nil || res.FullSync {
		kind = "full"
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.ObserveSyncPass(kind, outcome, start)
	if err != nil {
		return nil, err
	}

	metrics.CountSyncEvents("new", res.NewEvents)
	metrics.CountSyncEvents("updated", res.UpdatedEvents)
	metrics.CountSyncEvents("deleted", res.DeletedEvents)

	log.Printf("[INFO] synced connection %s: total=%d new=%d updated=%d deleted=%d errors=%d full=%t",
		connectionID, res.TotalEvents, res.NewEvents, res.UpdatedEvents, res.DeletedEvents, len(res.Errors), res.FullSync)
	return res, nil
}

func (e *Engine) runPass(ctx context.Context, client provider.Client, acct provider.Account, conn *store.Connection, cursor string, window provider.Window) (*Result, error) {
	res := &Result{Errors: []string{}}

	var (
		changes   []provider.Change
		newCursor string
		err       error
	)

	if cursor == "" {
		res.FullSync = true
		changes, newCursor, err = e.listFull(ctx, client, acct, window)
	} else {
		changes, newCursor, err = e.fetchWithRetry(ctx, func() ([]provider.Change, string, error) {
			return client.ChangesSince(ctx, acct, cursor)
		})
		if errors.Is(err, provider.ErrInvalidCursor) {
			// The provider expired our cursor. Self-heal: drop it and
			// rebuild from a full pass, exactly once.
			log.Printf("[INFO] cursor expired for connection %s, falling back to full sync", conn.ID)
			if cerr := e.connections.ClearCursor(ctx, conn.ID); cerr != nil {
				return nil, fmt.Errorf("clear expired cursor: %w", cerr)
			}
			res.FullSync = true
			changes, newCursor, err = e.listFull(ctx, client, acct, window)
		}
	}

	if err != nil {
		if after, ok := provider.RetryAfter(err); ok {
			// Throttled. Leave the cursor alone and let the next
			// scheduled or triggered pass pick up where we left off.
			res.Errors = append(res.Errors, fmt.Sprintf("rate limited by provider, retry after %s", after))
			return res, nil
		}
		return nil, err
	}

	for _, ch := range changes {
		res.TotalEvents++
		switch outcome, ierr := e.applyChange(ctx, conn.ID, ch); {
		case ierr != nil:
			res.Errors = append(res.Errors, fmt.Sprintf("event %s: %v", ch.Event.ID, ierr))
		case outcome == "new":
			res.NewEvents++
		case outcome == "updated":
			res.UpdatedEvents++
		case outcome == "deleted":
			res.DeletedEvents++
		}
	}

	// The cursor moves only after the batch has been applied, so a crash
	// mid-pass replays changes instead of losing them. Upserts are
	// idempotent, replays are harmless.
	if newCursor != "" {
		if err := e.connections.UpdateCursor(ctx, conn.ID, newCursor, e.now()); err != nil {
			return nil, fmt.Errorf("persist cursor: %w", err)
		}
	}
	return res, nil
}

func (e *Engine) listFull(ctx context.Context, client provider.Client, acct provider.Account, window provider.Window) ([]provider.Change, string, error) {
	return e.fetchWithRetry(ctx, func() ([]provider.Change, string, error) {
		events, cursor, err := client.ListEvents(ctx, acct, window)
		if err != nil {
			return nil, "", err
		}
		changes := make([]provider.Change, len(events))
		for i, ev := range events {
			changes[i] = provider.Change{Event: ev}
		}
		return changes, cursor, nil
	})
}

// fetchWithRetry retries the fetch phase on transient failures with a
// short linear backoff. Every other error class passes through.
func (e *Engine) fetchWithRetry(ctx context.Context, fetch func() ([]provider.Change, string, error)) ([]provider.Change, string, error) {
	var (
		changes []provider.Change
		cursor  string
		err     error
	)
	for attempt := 0; ; attempt++ {
		changes, cursor, err = fetch()
		if err == nil || !provider.IsTransient(err) || attempt >= transientRetries {
			return changes, cursor, err
		}
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 250 * time.Millisecond):
		}
	}
}

// applyChange maps one provider change onto the event store and reports
// what happened: "new", "updated" or "deleted".
func (e *Engine) applyChange(ctx context.Context, connectionID uuid.UUID, ch provider.Change) (string, error) {
	if ch.Removed || ch.Event.Cancelled {
		if err := e.events.MarkDeleted(ctx, connectionID, ch.Event.ID, e.now()); err != nil {
			return "", err
		}
		return "deleted", nil
	}

	created, err := e.events.Upsert(ctx, toRecord(connectionID, ch.Event, e.now()))
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) || errors.Is(err, store.ErrNotFound) {
			return "", nil // item vanished remotely, skip it
		}
		return "", err
	}
	if created {
		return "new", nil
	}
	return "updated", nil
}

func toRecord(connectionID uuid.UUID, ev provider.Event, now time.Time) store.EventRecord {
	rec := store.EventRecord{
		ConnectionID:    connectionID,
		ProviderEventID: ev.ID,
		Title:           ev.Title,
		Description:     ev.Description,
		Location:        ev.Location,
		StartTime:       ev.Start,
		EndTime:         ev.End,
		AllDay:          ev.AllDay,
		Timezone:        ev.Timezone,
		Status:          store.EventConfirmed,
		IsRecurring:     ev.IsRecurring,
		RecurrenceRule:  ev.RecurrenceRule,
		SeriesMasterID:  ev.SeriesMasterID,
		Importance:      toImportance(ev.Importance),
		Categories:      strings.Join(ev.Categories, ", "),
		MeetingURL:      ev.MeetingURL,
		ConferenceID:    ev.ConferenceID,
		WebLink:         ev.WebLink,
		Attendees:       ev.Attendees,
		Metadata:        ev.Metadata,
		LastSyncedAt:    now,
	}
	if ev.Tentative {
		rec.Status = store.EventTentative
	}
	return rec
}

func toImportance(s string) store.Importance {
	switch strings.ToLower(s) {
	case "low":
		return store.ImportanceLow
	case "high":
		return store.ImportanceHigh
	default:
		return store.ImportanceNormal
	}
}

package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/jw6ventures/calsync/internal/provider"
	"github.com/jw6ventures/calsync/internal/store"
)

// --- fakes -----------------------------------------------------------------

type fakeConns struct {
	mu   sync.Mutex
	conn *store.Connection

	cursorWrites []string
	cursorClears int
}

func (f *fakeConns) GetByID(_ context.Context, id uuid.UUID) (*store.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil || f.conn.ID != id {
		return nil, store.ErrNotFound
	}
	c := *f.conn
	return &c, nil
}

func (f *fakeConns) GetOwned(_ context.Context, id, userID uuid.UUID) (*store.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil || f.conn.ID != id || f.conn.UserID != userID {
		return nil, store.ErrNotFound
	}
	c := *f.conn
	return &c, nil
}

func (f *fakeConns) ListConnected(_ context.Context, _ store.Provider) ([]store.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return nil, nil
	}
	return []store.Connection{*f.conn}, nil
}

func (f *fakeConns) UpdateCursor(_ context.Context, id uuid.UUID, cursor string, syncedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursorWrites = append(f.cursorWrites, cursor)
	f.conn.SyncCursor = &cursor
	f.conn.LastSyncedAt = &syncedAt
	return nil
}

func (f *fakeConns) ClearCursor(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursorClears++
	f.conn.SyncCursor = nil
	return nil
}

func (f *fakeConns) UpdateTokens(_ context.Context, _ uuid.UUID, _, _ string, _ *time.Time) error {
	return nil
}

func (f *fakeConns) SoftDelete(_ context.Context, _ uuid.UUID) error { return nil }

func (f *fakeConns) cursor() *string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn.SyncCursor
}

type fakeEvents struct {
	mu      sync.Mutex
	records map[string]store.EventRecord
	failFor map[string]error
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{
		records: make(map[string]store.EventRecord),
		failFor: make(map[string]error),
	}
}

func (f *fakeEvents) GetByProviderID(_ context.Context, _ uuid.UUID, providerEventID string) (*store.EventRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[providerEventID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &rec, nil
}

func (f *fakeEvents) Upsert(_ context.Context, rec store.EventRecord) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failFor[rec.ProviderEventID]; ok {
		return false, err
	}
	_, exists := f.records[rec.ProviderEventID]
	f.records[rec.ProviderEventID] = rec
	return !exists, nil
}

func (f *fakeEvents) MarkDeleted(_ context.Context, _ uuid.UUID, providerEventID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[providerEventID]; ok {
		rec.DeletedAt = &at
		rec.Status = store.EventCancelled
		f.records[providerEventID] = rec
	}
	return nil
}

func (f *fakeEvents) ListByConnection(_ context.Context, _ uuid.UUID, _, _ time.Time) ([]store.EventRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.EventRecord, 0, len(f.records))
	for _, rec := range f.records {
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeEvents) get(id string) (store.EventRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	return rec, ok
}

type fakeClient struct {
	listFn    func(window provider.Window) ([]provider.Event, string, error)
	changesFn func(cursor string) ([]provider.Change, string, error)
}

func (f *fakeClient) ListEvents(_ context.Context, _ provider.Account, window provider.Window) ([]provider.Event, string, error) {
	return f.listFn(window)
}

func (f *fakeClient) ChangesSince(_ context.Context, _ provider.Account, cursor string) ([]provider.Change, string, error) {
	return f.changesFn(cursor)
}

func (f *fakeClient) CreateSubscription(_ context.Context, _ provider.Account, _, _ string, _ time.Duration) (*provider.RemoteSubscription, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeClient) RenewSubscription(_ context.Context, _ provider.Account, _ string, _ time.Duration) (time.Time, error) {
	return time.Time{}, errors.New("not implemented")
}

func (f *fakeClient) DeleteSubscription(_ context.Context, _ provider.Account, _ string) error {
	return errors.New("not implemented")
}

type staticTokens struct{}

func (staticTokens) Source(_ context.Context, _ *store.Connection) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test"})
}

// --- harness ---------------------------------------------------------------

type harness struct {
	engine *Engine
	conns  *fakeConns
	events *fakeEvents
	client *fakeClient

	connectionID uuid.UUID
	userID       uuid.UUID
}

func newHarness(t *testing.T, cursor *string) *harness {
	t.Helper()

	connID := uuid.New()
	userID := uuid.New()
	conns := &fakeConns{conn: &store.Connection{
		ID:          connID,
		UserID:      userID,
		Provider:    store.ProviderGraph,
		CalendarID:  "cal-1",
		SyncCursor:  cursor,
		IsConnected: true,
	}}
	events := newFakeEvents()
	client := &fakeClient{}

	registry := provider.NewRegistry()
	registry.Register(store.ProviderGraph, client)

	engine := NewEngine(conns, events, registry, staticTokens{}, NewMemoryLocker(), EngineConfig{})

	return &harness{
		engine:       engine,
		conns:        conns,
		events:       events,
		client:       client,
		connectionID: connID,
		userID:       userID,
	}
}

func (h *harness) sync(t *testing.T) (*Result, error) {
	t.Helper()
	return h.engine.Synchronize(context.Background(), h.connectionID, h.userID, h.engine.DefaultWindow(), false)
}

func strptr(s string) *string { return &s }

func timedEvent(id, title string) provider.Event {
	return provider.Event{
		ID:    id,
		Title: title,
		Start: time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC),
	}
}

// --- tests -----------------------------------------------------------------

func TestFullSyncWhenNoCursor(t *testing.T) {
	h := newHarness(t, nil)
	h.client.listFn = func(_ provider.Window) ([]provider.Event, string, error) {
		return []provider.Event{timedEvent("ev-1", "Standup"), timedEvent("ev-2", "Retro")}, "cur-1", nil
	}
	h.client.changesFn = func(_ string) ([]provider.Change, string, error) {
		t.Fatal("incremental path must not run without a cursor")
		return nil, "", nil
	}

	res, err := h.sync(t)
	require.NoError(t, err)

	assert.True(t, res.FullSync)
	assert.Equal(t, 2, res.TotalEvents)
	assert.Equal(t, 2, res.NewEvents)
	assert.Empty(t, res.Errors)
	require.NotNil(t, h.conns.cursor())
	assert.Equal(t, "cur-1", *h.conns.cursor())
}

func TestIncrementalSyncClassifiesChanges(t *testing.T) {
	h := newHarness(t, strptr("cur-1"))
	_, err := h.events.Upsert(context.Background(), store.EventRecord{ProviderEventID: "ev-1", Title: "Standup"})
	require.NoError(t, err)
	_, err = h.events.Upsert(context.Background(), store.EventRecord{ProviderEventID: "ev-gone"})
	require.NoError(t, err)

	h.client.changesFn = func(cursor string) ([]provider.Change, string, error) {
		require.Equal(t, "cur-1", cursor)
		return []provider.Change{
			{Event: timedEvent("ev-1", "Standup (moved)")},
			{Event: timedEvent("ev-new", "Planning")},
			{Event: provider.Event{ID: "ev-gone"}, Removed: true},
		}, "cur-2", nil
	}

	res, err := h.sync(t)
	require.NoError(t, err)

	assert.False(t, res.FullSync)
	assert.Equal(t, 3, res.TotalEvents)
	assert.Equal(t, 1, res.NewEvents)
	assert.Equal(t, 1, res.UpdatedEvents)
	assert.Equal(t, 1, res.DeletedEvents)
	assert.Equal(t, "cur-2", *h.conns.cursor())

	gone, ok := h.events.get("ev-gone")
	require.True(t, ok)
	assert.NotNil(t, gone.DeletedAt)
	assert.Equal(t, store.EventCancelled, gone.Status)
}

func TestInvalidCursorSelfHeals(t *testing.T) {
	h := newHarness(t, strptr("stale"))
	h.client.changesFn = func(_ string) ([]provider.Change, string, error) {
		return nil, "", fmt.Errorf("graph: %w", provider.ErrInvalidCursor)
	}
	h.client.listFn = func(_ provider.Window) ([]provider.Event, string, error) {
		return []provider.Event{timedEvent("ev-1", "Standup")}, "fresh", nil
	}

	res, err := h.sync(t)
	require.NoError(t, err, "an expired cursor must never surface as a failure")

	assert.True(t, res.FullSync)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 1, h.conns.cursorClears)
	require.NotNil(t, h.conns.cursor())
	assert.Equal(t, "fresh", *h.conns.cursor())
}

func TestRateLimitedLeavesCursorUntouched(t *testing.T) {
	h := newHarness(t, strptr("cur-1"))
	h.client.changesFn = func(_ string) ([]provider.Change, string, error) {
		return nil, "", &provider.RateLimitedError{RetryAfter: 90 * time.Second}
	}

	res, err := h.sync(t)
	require.NoError(t, err)

	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "1m30s")
	assert.Zero(t, res.TotalEvents)
	assert.Empty(t, h.conns.cursorWrites)
	assert.Equal(t, "cur-1", *h.conns.cursor())
}

func TestConcurrentPassesAreMutuallyExclusive(t *testing.T) {
	h := newHarness(t, nil)

	started := make(chan struct{})
	proceed := make(chan struct{})
	h.client.listFn = func(_ provider.Window) ([]provider.Event, string, error) {
		close(started)
		<-proceed
		return []provider.Event{timedEvent("ev-1", "Standup")}, "cur-1", nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.sync(t)
		done <- err
	}()

	<-started
	_, err := h.sync(t)
	assert.ErrorIs(t, err, ErrSyncInProgress)

	close(proceed)
	require.NoError(t, <-done)

	assert.Equal(t, []string{"cur-1"}, h.conns.cursorWrites, "only the winning pass may write the cursor")
	_, ok := h.events.get("ev-1")
	assert.True(t, ok)
}

func TestRepeatedFullSyncIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.client.listFn = func(_ provider.Window) ([]provider.Event, string, error) {
		return []provider.Event{timedEvent("ev-1", "Standup")}, "cur-1", nil
	}

	res, err := h.sync(t)
	require.NoError(t, err)
	assert.Equal(t, 1, res.NewEvents)

	// Force another full pass over the same data.
	res, err = h.engine.Synchronize(context.Background(), h.connectionID, h.userID, h.engine.DefaultWindow(), true)
	require.NoError(t, err)
	assert.Zero(t, res.NewEvents)
	assert.Equal(t, 1, res.UpdatedEvents)
	assert.Len(t, h.events.records, 1)
}

func TestPerItemErrorsDoNotAbortPass(t *testing.T) {
	h := newHarness(t, strptr("cur-1"))
	h.events.failFor["ev-bad"] = errors.New("constraint violation")
	h.client.changesFn = func(_ string) ([]provider.Change, string, error) {
		return []provider.Change{
			{Event: timedEvent("ev-ok", "Fine")},
			{Event: timedEvent("ev-bad", "Broken")},
			{Event: timedEvent("ev-also-ok", "Also fine")},
		}, "cur-2", nil
	}

	res, err := h.sync(t)
	require.NoError(t, err)

	assert.Equal(t, 3, res.TotalEvents)
	assert.Equal(t, 2, res.NewEvents)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "ev-bad")
	assert.Equal(t, "cur-2", *h.conns.cursor())
}

func TestCancelledEventTreatedAsDeleted(t *testing.T) {
	h := newHarness(t, strptr("cur-1"))
	_, err := h.events.Upsert(context.Background(), store.EventRecord{ProviderEventID: "ev-1"})
	require.NoError(t, err)

	h.client.changesFn = func(_ string) ([]provider.Change, string, error) {
		ev := timedEvent("ev-1", "Cancelled meeting")
		ev.Cancelled = true
		return []provider.Change{{Event: ev}}, "cur-2", nil
	}

	res, err := h.sync(t)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeletedEvents)

	rec, ok := h.events.get("ev-1")
	require.True(t, ok)
	assert.NotNil(t, rec.DeletedAt)
}

func TestEmptyTitlePreserved(t *testing.T) {
	h := newHarness(t, nil)
	h.client.listFn = func(_ provider.Window) ([]provider.Event, string, error) {
		return []provider.Event{timedEvent("ev-1", "")}, "cur-1", nil
	}

	_, err := h.sync(t)
	require.NoError(t, err)

	rec, ok := h.events.get("ev-1")
	require.True(t, ok)
	assert.Empty(t, rec.Title)
}

func TestOwnershipEnforced(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.engine.Synchronize(context.Background(), h.connectionID, uuid.New(), h.engine.DefaultWindow(), false)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAuthFailureSurfacesToCaller(t *testing.T) {
	h := newHarness(t, strptr("cur-1"))
	h.client.changesFn = func(_ string) ([]provider.Change, string, error) {
		return nil, "", &provider.AuthError{Err: errors.New("invalid_grant")}
	}

	_, err := h.sync(t)
	require.Error(t, err)
	assert.True(t, provider.IsAuth(err))
	assert.Equal(t, "cur-1", *h.conns.cursor())
}

func TestTransientFetchFailureRetriesThenSucceeds(t *testing.T) {
	h := newHarness(t, strptr("cur-1"))
	attempts := 0
	h.client.changesFn = func(_ string) ([]provider.Change, string, error) {
		attempts++
		if attempts == 1 {
			return nil, "", &provider.TransientError{Err: errors.New("connection reset")}
		}
		return []provider.Change{{Event: timedEvent("ev-1", "Standup")}}, "cur-2", nil
	}

	res, err := h.sync(t)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 1, res.NewEvents)
	assert.Equal(t, "cur-2", *h.conns.cursor())
}

func TestDisconnectedConnectionRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.conns.conn.IsConnected = false

	_, err := h.sync(t)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSyncInProgress)
}

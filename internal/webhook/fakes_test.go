package webhook

import (
	"context"
	"errors"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/jw6ventures/calsync/internal/provider"
	"github.com/jw6ventures/calsync/internal/store"
	"github.com/jw6ventures/calsync/internal/sync"
)

type fakeConns struct {
	mu   stdsync.Mutex
	conn *store.Connection
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
	return nil, nil
}

func (f *fakeConns) UpdateCursor(_ context.Context, _ uuid.UUID, _ string, _ time.Time) error {
	return nil
}
func (f *fakeConns) ClearCursor(_ context.Context, _ uuid.UUID) error { return nil }
func (f *fakeConns) UpdateTokens(_ context.Context, _ uuid.UUID, _, _ string, _ *time.Time) error {
	return nil
}
func (f *fakeConns) SoftDelete(_ context.Context, _ uuid.UUID) error { return nil }

type fakeSubs struct {
	mu   stdsync.Mutex
	subs map[uuid.UUID]*store.Subscription

	touched      []uuid.UUID
	deactivated  []uuid.UUID
	expirations  map[uuid.UUID]time.Time
	createCalled int
}

func newFakeSubs() *fakeSubs {
	return &fakeSubs{
		subs:        make(map[uuid.UUID]*store.Subscription),
		expirations: make(map[uuid.UUID]time.Time),
	}
}

func (f *fakeSubs) add(sub store.Subscription) *store.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	f.subs[sub.ID] = &sub
	return &sub
}

func (f *fakeSubs) Create(_ context.Context, sub store.Subscription) (*store.Subscription, error) {
	f.mu.Lock()
	f.createCalled++
	f.mu.Unlock()
	return f.add(sub), nil
}

func (f *fakeSubs) GetBySubscriptionID(_ context.Context, p store.Provider, subscriptionID string) (*store.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		if s.Provider == p && s.SubscriptionID == subscriptionID {
			c := *s
			return &c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeSubs) FindActiveByConnection(_ context.Context, connectionID uuid.UUID) (*store.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		if s.ConnectionID == connectionID && s.IsActive {
			c := *s
			return &c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeSubs) UpdateExpiration(_ context.Context, id uuid.UUID, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subs[id]
	if !ok {
		return store.ErrNotFound
	}
	s.ExpiresAt = expiresAt
	f.expirations[id] = expiresAt
	return nil
}

func (f *fakeSubs) TouchNotified(_ context.Context, id uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subs[id]
	if !ok {
		return store.ErrNotFound
	}
	s.LastNotificationAt = &at
	f.touched = append(f.touched, id)
	return nil
}

func (f *fakeSubs) MarkInactive(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subs[id]
	if !ok {
		return store.ErrNotFound
	}
	s.IsActive = false
	f.deactivated = append(f.deactivated, id)
	return nil
}

func (f *fakeSubs) ListExpiringBefore(_ context.Context, deadline time.Time) ([]store.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Subscription
	for _, s := range f.subs {
		if s.IsActive && s.ExpiresAt.Before(deadline) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeSubs) DeactivateExpired(_ context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, s := range f.subs {
		if s.IsActive && s.ExpiresAt.Before(now) {
			s.IsActive = false
			n++
		}
	}
	return n, nil
}

func (f *fakeSubs) DeleteByConnection(_ context.Context, connectionID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, s := range f.subs {
		if s.ConnectionID == connectionID {
			delete(f.subs, id)
		}
	}
	return nil
}

func (f *fakeSubs) get(id uuid.UUID) *store.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.subs[id]; ok {
		c := *s
		return &c
	}
	return nil
}

type fakeClient struct {
	createFn func(callbackURL, clientState string, ttl time.Duration) (*provider.RemoteSubscription, error)
	renewFn  func(subscriptionID string, ttl time.Duration) (time.Time, error)
	deleteFn func(subscriptionID string) error
}

func (f *fakeClient) ListEvents(_ context.Context, _ provider.Account, _ provider.Window) ([]provider.Event, string, error) {
	return nil, "", errors.New("not implemented")
}

func (f *fakeClient) ChangesSince(_ context.Context, _ provider.Account, _ string) ([]provider.Change, string, error) {
	return nil, "", errors.New("not implemented")
}

func (f *fakeClient) CreateSubscription(_ context.Context, _ provider.Account, callbackURL, clientState string, ttl time.Duration) (*provider.RemoteSubscription, error) {
	return f.createFn(callbackURL, clientState, ttl)
}

func (f *fakeClient) RenewSubscription(_ context.Context, _ provider.Account, subscriptionID string, ttl time.Duration) (time.Time, error) {
	return f.renewFn(subscriptionID, ttl)
}

func (f *fakeClient) DeleteSubscription(_ context.Context, _ provider.Account, subscriptionID string) error {
	return f.deleteFn(subscriptionID)
}

type staticTokens struct{}

func (staticTokens) Source(_ context.Context, _ *store.Connection) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test"})
}

type fakeEngine struct {
	mu    stdsync.Mutex
	calls []uuid.UUID

	synced chan uuid.UUID
	err    error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{synced: make(chan uuid.UUID, 16)}
}

func (f *fakeEngine) Synchronize(_ context.Context, connectionID, _ uuid.UUID, _ provider.Window, _ bool) (*sync.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, connectionID)
	f.mu.Unlock()
	f.synced <- connectionID
	if f.err != nil {
		return nil, f.err
	}
	return &sync.Result{}, nil
}

func (f *fakeEngine) DefaultWindow() provider.Window {
	return provider.Window{Start: time.Now().Add(-time.Hour), End: time.Now().Add(time.Hour)}
}

package webhook

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jw6ventures/calsync/internal/provider"
	"github.com/jw6ventures/calsync/internal/store"
)

func newDispatcherHarness(t *testing.T) (*Dispatcher, *fakeEngine, *fakeSubs, *store.Connection) {
	t.Helper()

	conn := &store.Connection{
		ID:          uuid.New(),
		UserID:      uuid.New(),
		Provider:    store.ProviderGraph,
		CalendarID:  "cal-1",
		IsConnected: true,
	}
	conns := &fakeConns{conn: conn}
	subs := newFakeSubs()

	registry := provider.NewRegistry()
	registry.Register(store.ProviderGraph, &fakeClient{})
	manager := NewManager(conns, subs, registry, staticTokens{}, testCallback, 4230*time.Minute)

	engine := newFakeEngine()
	d := NewDispatcher(manager, engine, conns, nil, 2, 16, time.Second)
	t.Cleanup(d.Stop)

	return d, engine, subs, conn
}

func TestHandlerEchoesValidationToken(t *testing.T) {
	d, _, _, _ := newDispatcherHarness(t)

	token := "abc 123+%宇宙"
	req := httptest.NewRequest(http.MethodPost, "/webhooks/graph?validationToken="+
		"abc%20123%2B%25%E5%AE%87%E5%AE%99", nil)
	rec := httptest.NewRecorder()

	d.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	body, _ := io.ReadAll(rec.Body)
	assert.Equal(t, token, string(body), "token must be echoed back verbatim")
}

func TestHandlerRejectsMalformedPayload(t *testing.T) {
	d, _, _, _ := newDispatcherHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/graph", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	d.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/webhooks/graph", strings.NewReader(`{"something": "else"}`))
	rec = httptest.NewRecorder()
	d.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "an envelope without change entries is malformed")
}

func TestHandlerAcknowledgesBeforeSyncCompletes(t *testing.T) {
	d, engine, subs, conn := newDispatcherHarness(t)
	subs.add(store.Subscription{
		ConnectionID:   conn.ID,
		Provider:       store.ProviderGraph,
		SubscriptionID: "sub-1",
		ClientState:    "secret",
		IsActive:       true,
	})

	payload := `{"value": [{"subscriptionId": "sub-1", "clientState": "secret", "changeType": "updated"}]}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/graph", strings.NewReader(payload))
	rec := httptest.NewRecorder()

	start := time.Now()
	d.Handler().ServeHTTP(rec, req)
	elapsed := time.Since(start)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Less(t, elapsed, time.Second, "acknowledgement must not wait on the sync pass")

	select {
	case id := <-engine.synced:
		assert.Equal(t, conn.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("notification never triggered a sync pass")
	}
}

func TestHandlerDropsForgedNotificationWithoutSync(t *testing.T) {
	d, engine, subs, conn := newDispatcherHarness(t)
	subs.add(store.Subscription{
		ConnectionID:   conn.ID,
		Provider:       store.ProviderGraph,
		SubscriptionID: "sub-1",
		ClientState:    "secret",
		IsActive:       true,
	})

	payload := `{"value": [{"subscriptionId": "sub-1", "clientState": "forged", "changeType": "updated"}]}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/graph", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	d.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code, "the provider still gets an acknowledgement")

	select {
	case <-engine.synced:
		t.Fatal("a forged notification must never trigger a sync")
	case <-time.After(200 * time.Millisecond):
	}
}

type memDeduper struct {
	seen map[string]bool
}

func (d *memDeduper) Seen(_ context.Context, key string) bool {
	if d.seen[key] {
		return true
	}
	d.seen[key] = true
	return false
}

func TestHandlerSuppressesDuplicateDeliveries(t *testing.T) {
	conn := &store.Connection{
		ID:          uuid.New(),
		UserID:      uuid.New(),
		Provider:    store.ProviderGraph,
		CalendarID:  "cal-1",
		IsConnected: true,
	}
	conns := &fakeConns{conn: conn}
	subs := newFakeSubs()
	subs.add(store.Subscription{
		ConnectionID:   conn.ID,
		Provider:       store.ProviderGraph,
		SubscriptionID: "sub-1",
		ClientState:    "secret",
		IsActive:       true,
	})

	registry := provider.NewRegistry()
	registry.Register(store.ProviderGraph, &fakeClient{})
	manager := NewManager(conns, subs, registry, staticTokens{}, testCallback, 4230*time.Minute)
	engine := newFakeEngine()
	d := NewDispatcher(manager, engine, conns, &memDeduper{seen: map[string]bool{}}, 2, 16, time.Second)
	t.Cleanup(d.Stop)

	payload := `{"value": [{"subscriptionId": "sub-1", "clientState": "secret", "changeType": "updated", "resource": "r"}]}`
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/graph", strings.NewReader(payload))
		rec := httptest.NewRecorder()
		d.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	select {
	case <-engine.synced:
	case <-time.After(2 * time.Second):
		t.Fatal("first delivery never triggered a sync pass")
	}
	select {
	case <-engine.synced:
		t.Fatal("duplicate delivery inside the window must be suppressed")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestHandlerFansOutMultipleEntries(t *testing.T) {
	d, engine, subs, conn := newDispatcherHarness(t)
	subs.add(store.Subscription{
		ConnectionID:   conn.ID,
		Provider:       store.ProviderGraph,
		SubscriptionID: "sub-1",
		ClientState:    "secret",
		IsActive:       true,
	})

	payload := fmt.Sprintf(`{"value": [%s, %s]}`,
		`{"subscriptionId": "sub-1", "clientState": "secret", "changeType": "created"}`,
		`{"subscriptionId": "sub-1", "clientState": "secret", "changeType": "deleted"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/graph", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	d.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	for i := 0; i < 2; i++ {
		select {
		case <-engine.synced:
		case <-time.After(2 * time.Second):
			t.Fatalf("expected 2 sync triggers, got %d", i)
		}
	}
}

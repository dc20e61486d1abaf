// Package webhook manages push-notification subscriptions with the
// provider and turns inbound change notifications into sync passes.
package webhook

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/jw6ventures/calsync/internal/metrics"
	"github.com/jw6ventures/calsync/internal/provider"
	"github.com/jw6ventures/calsync/internal/store"
)

// ErrSubscriptionExists is returned by Create when the connection already
// has an active subscription.
var ErrSubscriptionExists = errors.New("connection already has an active subscription")

// TokenProvider builds a refreshing token source for a connection.
type TokenProvider interface {
	Source(ctx context.Context, conn *store.Connection) oauth2.TokenSource
}

// Manager owns the subscription lifecycle: create, renew, delete and
// notification validation.
type Manager struct {
	connections store.ConnectionRepository
	subs        store.SubscriptionRepository
	clients     *provider.Registry
	tokens      TokenProvider

	callbackURL string
	ttl         time.Duration
	now         func() time.Time
}

func NewManager(connections store.ConnectionRepository, subs store.SubscriptionRepository, clients *provider.Registry, tokens TokenProvider, callbackURL string, ttl time.Duration) *Manager {
	return &Manager{
		connections: connections,
		subs:        subs,
		clients:     clients,
		tokens:      tokens,
		callbackURL: callbackURL,
		ttl:         ttl,
		now:         time.Now,
	}
}

// Create registers a push subscription for the connection. The connection
// must belong to the user, be connected, and not already carry an active
// subscription.
func (m *Manager) Create(ctx context.Context, connectionID, userID uuid.UUID) (*store.Subscription, error) {
	conn, err := m.connections.GetOwned(ctx, connectionID, userID)
	if err != nil {
		return nil, err
	}
	if !conn.IsConnected {
		return nil, fmt.Errorf("connection %s is not connected", connectionID)
	}

	if _, err := m.subs.FindActiveByConnection(ctx, connectionID); err == nil {
		return nil, ErrSubscriptionExists
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	client, err := m.clients.Get(conn.Provider)
	if err != nil {
		return nil, err
	}

	clientState, err := newClientState()
	if err != nil {
		return nil, err
	}

	acct := provider.Account{CalendarID: conn.CalendarID, Token: m.tokens.Source(ctx, conn)}
	remote, err := client.CreateSubscription(ctx, acct, m.callbackURL, clientState, m.ttl)
	if err != nil {
		metrics.CountSubscriptionOp("create", "error")
		return nil, fmt.Errorf("create remote subscription: %w", err)
	}

	sub, err := m.subs.Create(ctx, store.Subscription{
		ConnectionID:    connectionID,
		Provider:        conn.Provider,
		SubscriptionID:  remote.ID,
		ResourcePath:    remote.Resource,
		ExpiresAt:       remote.ExpiresAt,
		ClientState:     clientState,
		NotificationURL: m.callbackURL,
		IsActive:        true,
	})
	if err != nil {
		return nil, err
	}

	metrics.CountSubscriptionOp("create", "ok")
	log.Printf("[INFO] created subscription %s for connection %s, expires %s",
		remote.ID, connectionID, remote.ExpiresAt.Format(time.RFC3339))
	return sub, nil
}

// Renew extends a subscription's expiration. A subscription the provider
// no longer knows is unrecoverable and gets marked inactive; any other
// failure leaves the record untouched so the next attempt can retry.
func (m *Manager) Renew(ctx context.Context, sub *store.Subscription) (time.Time, error) {
	conn, err := m.connections.GetByID(ctx, sub.ConnectionID)
	if err != nil {
		return time.Time{}, err
	}
	client, err := m.clients.Get(sub.Provider)
	if err != nil {
		return time.Time{}, err
	}

	acct := provider.Account{CalendarID: conn.CalendarID, Token: m.tokens.Source(ctx, conn)}
	expires, err := client.RenewSubscription(ctx, acct, sub.SubscriptionID, m.ttl)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			log.Printf("[WARN] subscription %s gone on provider, marking inactive", sub.SubscriptionID)
			if merr := m.subs.MarkInactive(ctx, sub.ID); merr != nil {
				log.Printf("[ERROR] failed to deactivate subscription %s: %v", sub.ID, merr)
			}
			metrics.CountSubscriptionOp("renew", "gone")
			return time.Time{}, err
		}
		metrics.CountSubscriptionOp("renew", "error")
		return time.Time{}, err
	}

	if err := m.subs.UpdateExpiration(ctx, sub.ID, expires); err != nil {
		return time.Time{}, err
	}
	metrics.CountSubscriptionOp("renew", "ok")
	return expires, nil
}

// Delete tears down the connection's active subscription. Remote deletion
// is best-effort: the provider expires orphans on its own, so a remote
// failure never blocks deactivating the local record.
func (m *Manager) Delete(ctx context.Context, connectionID, userID uuid.UUID) error {
	conn, err := m.connections.GetOwned(ctx, connectionID, userID)
	if err != nil {
		return err
	}

	sub, err := m.subs.FindActiveByConnection(ctx, connectionID)
	if err != nil {
		return err
	}

	if client, cerr := m.clients.Get(sub.Provider); cerr == nil {
		acct := provider.Account{CalendarID: conn.CalendarID, Token: m.tokens.Source(ctx, conn)}
		if derr := client.DeleteSubscription(ctx, acct, sub.SubscriptionID); derr != nil {
			log.Printf("[WARN] remote delete of subscription %s failed, will expire on its own: %v", sub.SubscriptionID, derr)
		}
	}

	if err := m.subs.MarkInactive(ctx, sub.ID); err != nil {
		return err
	}
	metrics.CountSubscriptionOp("delete", "ok")
	return nil
}

// ProcessNotification validates one inbound change notification and, when
// it checks out, returns the subscription it belongs to. Unknown
// subscription ids are dropped silently; a client-state mismatch is
// dropped and logged as a security anomaly. Both return (nil, nil).
func (m *Manager) ProcessNotification(ctx context.Context, n Notification) (*store.Subscription, error) {
	sub, err := m.subs.GetBySubscriptionID(ctx, store.ProviderGraph, n.SubscriptionID)
	if errors.Is(err, store.ErrNotFound) {
		metrics.CountNotification("unknown")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if !sub.IsActive {
		metrics.CountNotification("inactive")
		return nil, nil
	}

	if sub.ClientState != n.ClientState {
		log.Printf("[WARN] client state mismatch on subscription %s, dropping notification", n.SubscriptionID)
		metrics.CountNotification("rejected")
		return nil, nil
	}

	if err := m.subs.TouchNotified(ctx, sub.ID, m.now()); err != nil {
		log.Printf("[WARN] failed to record notification time for subscription %s: %v", sub.ID, err)
	}
	metrics.CountNotification("accepted")
	return sub, nil
}

func newClientState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate client state: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
}

// APITokenRepository handles credential storage for the controller surface.
type APITokenRepository interface {
	Create(ctx context.Context, token APIToken) (*APIToken, error)
	FindValidByUser(ctx context.Context, userID uuid.UUID) ([]APIToken, error)
	Revoke(ctx context.Context, id uuid.UUID) error
	TouchLastUsed(ctx context.Context, id uuid.UUID) error
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}

// ConnectionRepository handles calendar connection lifecycle. The sync
// cursor is mutated only through UpdateCursor/ClearCursor so that cursor
// writes stay tied to completed passes.
type ConnectionRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Connection, error)
	// GetOwned returns ErrNotFound when the connection does not exist or
	// does not belong to userID.
	GetOwned(ctx context.Context, id, userID uuid.UUID) (*Connection, error)
	ListConnected(ctx context.Context, provider Provider) ([]Connection, error)
	UpdateCursor(ctx context.Context, id uuid.UUID, cursor string, syncedAt time.Time) error
	ClearCursor(ctx context.Context, id uuid.UUID) error
	UpdateTokens(ctx context.Context, id uuid.UUID, access, refresh string, expiresAt *time.Time) error
	SoftDelete(ctx context.Context, id uuid.UUID) error
}

// EventRepository handles canonical event storage. Upsert reports whether
// the record was created so sync passes can classify new vs updated.
type EventRepository interface {
	GetByProviderID(ctx context.Context, connectionID uuid.UUID, providerEventID string) (*EventRecord, error)
	Upsert(ctx context.Context, rec EventRecord) (created bool, err error)
	MarkDeleted(ctx context.Context, connectionID uuid.UUID, providerEventID string, at time.Time) error
	ListByConnection(ctx context.Context, connectionID uuid.UUID, from, to time.Time) ([]EventRecord, error)
}

// SubscriptionRepository handles webhook subscription records.
type SubscriptionRepository interface {
	Create(ctx context.Context, sub Subscription) (*Subscription, error)
	GetBySubscriptionID(ctx context.Context, provider Provider, subscriptionID string) (*Subscription, error)
	FindActiveByConnection(ctx context.Context, connectionID uuid.UUID) (*Subscription, error)
	UpdateExpiration(ctx context.Context, id uuid.UUID, expiresAt time.Time) error
	TouchNotified(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkInactive(ctx context.Context, id uuid.UUID) error
	// ListExpiringBefore returns active subscriptions whose expiration falls
	// before the deadline; the scheduler's renewal query.
	ListExpiringBefore(ctx context.Context, deadline time.Time) ([]Subscription, error)
	// DeactivateExpired marks every active subscription already past now as
	// inactive and reports how many rows changed.
	DeactivateExpired(ctx context.Context, now time.Time) (int64, error)
	DeleteByConnection(ctx context.Context, connectionID uuid.UUID) error
}

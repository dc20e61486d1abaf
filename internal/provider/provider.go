// Package provider defines the capability surface the sync core consumes
// from a remote calendar backend. Provider-specific payload shapes stay
// behind this boundary; implementations canonicalize into the types below.
package provider

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/oauth2"
)

// Account carries everything a client needs to act on one remote calendar.
type Account struct {
	CalendarID string
	Token      oauth2.TokenSource
}

// Window bounds a full (non-incremental) listing pass.
type Window struct {
	Start time.Time
	End   time.Time
}

// Event is the canonical representation of one remote event as returned by
// a provider client. Field presence quirks of the wire format are resolved
// here, not downstream.
type Event struct {
	ID          string
	Title       string
	Description string
	Location    string

	Start    time.Time
	End      time.Time
	Timezone string
	AllDay   bool

	Cancelled bool
	Tentative bool

	Importance     string // "low", "normal", "high"
	Categories     []string
	IsRecurring    bool
	RecurrenceRule string // RFC 5545 RRULE, already converted
	SeriesMasterID string

	MeetingURL   string
	ConferenceID string
	WebLink      string

	Attendees json.RawMessage
	Metadata  json.RawMessage
}

// Change is one entry from an incremental pass. Removed marks a tombstone;
// a tombstone carries only the event ID.
type Change struct {
	Event   Event
	Removed bool
}

// RemoteSubscription describes a push-notification registration as the
// provider reports it.
type RemoteSubscription struct {
	ID        string
	Resource  string
	ExpiresAt time.Time
}

// Client is the remote calendar capability consumed by the sync core.
//
// ChangesSince must return ErrInvalidCursor (possibly wrapped) when the
// cursor has expired, and a *RateLimitedError when throttled, so callers
// can distinguish self-healing conditions from real failures.
type Client interface {
	// ListEvents enumerates all events inside the window, following
	// pagination internally, and returns a fresh cursor representing the
	// state of the calendar at enumeration time.
	ListEvents(ctx context.Context, acct Account, window Window) ([]Event, string, error)

	// ChangesSince returns only items changed after the given cursor,
	// including tombstones, plus the next cursor to persist.
	ChangesSince(ctx context.Context, acct Account, cursor string) ([]Change, string, error)

	CreateSubscription(ctx context.Context, acct Account, callbackURL, clientState string, ttl time.Duration) (*RemoteSubscription, error)

	// RenewSubscription extends an existing subscription and returns the new
	// expiration. ErrNotFound means the remote side already dropped it.
	RenewSubscription(ctx context.Context, acct Account, subscriptionID string, ttl time.Duration) (time.Time, error)

	DeleteSubscription(ctx context.Context, acct Account, subscriptionID string) error
}

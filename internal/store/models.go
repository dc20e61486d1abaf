package store

import (
	"time"

	"github.com/google/uuid"
)

// Provider identifies a remote calendar backend.
type Provider string

const (
	ProviderGraph  Provider = "graph"
	ProviderGoogle Provider = "google"
	ProviderICS    Provider = "ics"
)

// EventStatus mirrors the provider's confirmation state.
type EventStatus string

const (
	EventConfirmed EventStatus = "CONFIRMED"
	EventTentative EventStatus = "TENTATIVE"
	EventCancelled EventStatus = "CANCELLED"
)

// Importance is the Outlook-style priority of an event.
type Importance string

const (
	ImportanceLow    Importance = "LOW"
	ImportanceNormal Importance = "NORMAL"
	ImportanceHigh   Importance = "HIGH"
)

// User is the owner of calendar connections. Authentication itself lives
// outside this service; users arrive pre-provisioned.
type User struct {
	ID        uuid.UUID
	Email     string
	CreatedAt time.Time
	DeletedAt *time.Time
}

// APIToken is a per-client credential for the controller surface.
type APIToken struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	Label      string
	TokenHash  string
	CreatedAt  time.Time
	ExpiresAt  *time.Time
	RevokedAt  *time.Time
	LastUsedAt *time.Time
}

// Connection pairs a user with one remote calendar. The sync cursor is the
// provider's opaque delta token; nil means the next pass must be a full sync.
type Connection struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	Provider     Provider
	CalendarID   string
	CalendarName string

	AccessToken    string
	RefreshToken   string
	TokenExpiresAt *time.Time

	SyncCursor   *string
	LastSyncedAt *time.Time
	IsConnected  bool

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// EventRecord is the canonical copy of one remote event occurrence,
// unique per (ConnectionID, ProviderEventID).
type EventRecord struct {
	ID              uuid.UUID
	ConnectionID    uuid.UUID
	ProviderEventID string

	Title       string
	Description string
	Location    string
	StartTime   time.Time
	EndTime     time.Time
	AllDay      bool
	Timezone    string
	Status      EventStatus

	IsRecurring    bool
	RecurrenceRule string
	SeriesMasterID string

	Importance   Importance
	Categories   string
	MeetingURL   string
	ConferenceID string
	WebLink      string

	Attendees []byte // raw JSON, provider-shaped
	Metadata  []byte // raw JSON, provider-shaped

	LastSyncedAt time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeletedAt    *time.Time
}

// Subscription is a push-notification registration with the provider.
// At most one active subscription exists per connection.
type Subscription struct {
	ID           uuid.UUID
	ConnectionID uuid.UUID
	Provider     Provider

	SubscriptionID  string
	ResourcePath    string
	ExpiresAt       time.Time
	ClientState     string
	NotificationURL string

	LastNotificationAt *time.Time
	IsActive           bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

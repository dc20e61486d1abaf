package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/jw6ventures/calsync/internal/store"
)

type eventDTO struct {
	ID              uuid.UUID `json:"id"`
	ProviderEventID string    `json:"provider_event_id"`
	Title           string    `json:"title"`
	Description     string    `json:"description,omitempty"`
	Location        string    `json:"location,omitempty"`

	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	AllDay    bool      `json:"all_day"`
	Timezone  string    `json:"timezone,omitempty"`
	Status    string    `json:"status"`

	IsRecurring    bool   `json:"is_recurring"`
	RecurrenceRule string `json:"recurrence_rule,omitempty"`
	SeriesMasterID string `json:"series_master_id,omitempty"`

	Importance   string          `json:"importance"`
	Categories   string          `json:"categories,omitempty"`
	MeetingURL   string          `json:"meeting_url,omitempty"`
	ConferenceID string          `json:"conference_id,omitempty"`
	WebLink      string          `json:"web_link,omitempty"`
	Attendees    json.RawMessage `json:"attendees,omitempty"`

	LastSyncedAt time.Time `json:"last_synced_at"`
}

func toEventDTO(rec *store.EventRecord) eventDTO {
	return eventDTO{
		ID:              rec.ID,
		ProviderEventID: rec.ProviderEventID,
		Title:           rec.Title,
		Description:     rec.Description,
		Location:        rec.Location,
		StartTime:       rec.StartTime,
		EndTime:         rec.EndTime,
		AllDay:          rec.AllDay,
		Timezone:        rec.Timezone,
		Status:          string(rec.Status),
		IsRecurring:     rec.IsRecurring,
		RecurrenceRule:  rec.RecurrenceRule,
		SeriesMasterID:  rec.SeriesMasterID,
		Importance:      string(rec.Importance),
		Categories:      rec.Categories,
		MeetingURL:      rec.MeetingURL,
		ConferenceID:    rec.ConferenceID,
		WebLink:         rec.WebLink,
		Attendees:       rec.Attendees,
		LastSyncedAt:    rec.LastSyncedAt,
	}
}

type subscriptionDTO struct {
	ID             uuid.UUID `json:"id"`
	ConnectionID   uuid.UUID `json:"connection_id"`
	SubscriptionID string    `json:"subscription_id"`
	ResourcePath   string    `json:"resource_path"`
	ExpiresAt      time.Time `json:"expires_at"`
	IsActive       bool      `json:"is_active"`

	LastNotificationAt *time.Time `json:"last_notification_at,omitempty"`
}

// toSubscriptionDTO deliberately omits the client-state secret.
func toSubscriptionDTO(sub *store.Subscription) subscriptionDTO {
	return subscriptionDTO{
		ID:                 sub.ID,
		ConnectionID:       sub.ConnectionID,
		SubscriptionID:     sub.SubscriptionID,
		ResourcePath:       sub.ResourcePath,
		ExpiresAt:          sub.ExpiresAt,
		IsActive:           sub.IsActive,
		LastNotificationAt: sub.LastNotificationAt,
	}
}

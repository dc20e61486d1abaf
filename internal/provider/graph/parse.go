package graph

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/jw6ventures/calsync/internal/provider"
)

// graphEvent mirrors the subset of the Graph event resource the sync core
// consumes. Delta tombstones arrive as bare {id, @removed} objects.
type graphEvent struct {
	ID      string `json:"id"`
	Removed *struct {
		Reason string `json:"reason"`
	} `json:"@removed"`

	Subject     string `json:"subject"`
	BodyPreview string `json:"bodyPreview"`
	Location    *struct {
		DisplayName string `json:"displayName"`
	} `json:"location"`

	Start       *dateTimeTimeZone `json:"start"`
	End         *dateTimeTimeZone `json:"end"`
	IsAllDay    bool              `json:"isAllDay"`
	IsCancelled bool              `json:"isCancelled"`

	Importance string   `json:"importance"`
	ShowAs     string   `json:"showAs"`
	Categories []string `json:"categories"`

	Recurrence     *recurrence `json:"recurrence"`
	SeriesMasterID string      `json:"seriesMasterId"`
	Type           string      `json:"type"`

	WebLink          string `json:"webLink"`
	IsOnlineMeeting  bool   `json:"isOnlineMeeting"`
	OnlineMeetingURL string `json:"onlineMeetingUrl"`
	OnlineMeeting    *struct {
		JoinURL      string `json:"joinUrl"`
		ConferenceID string `json:"conferenceId"`
	} `json:"onlineMeeting"`

	Attendees json.RawMessage `json:"attendees"`
}

type dateTimeTimeZone struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

// toChange canonicalizes one delta item. Items without an id are skipped;
// everything else is preserved as-is, including empty subjects.
func (g graphEvent) toChange() (provider.Change, bool) {
	if g.ID == "" {
		return provider.Change{}, false
	}

	if g.Removed != nil {
		return provider.Change{
			Event:   provider.Event{ID: g.ID},
			Removed: true,
		}, true
	}

	ev := provider.Event{
		ID:          g.ID,
		Title:       g.Subject,
		Description: g.BodyPreview,
		AllDay:      g.IsAllDay,
		Cancelled:   g.IsCancelled,
		Tentative:   g.ShowAs == "tentative",
		Importance:  g.Importance,
		Categories:  g.Categories,
		WebLink:     g.WebLink,
		Attendees:   g.Attendees,
	}
	if ev.Importance == "" {
		ev.Importance = "normal"
	}
	if g.Location != nil {
		ev.Location = g.Location.DisplayName
	}

	ev.Start, ev.Timezone = parseGraphTime(g.Start, g.IsAllDay)
	ev.End, _ = parseGraphTime(g.End, g.IsAllDay)

	if g.Recurrence != nil {
		ev.RecurrenceRule = g.Recurrence.RRule()
	}
	ev.IsRecurring = g.Recurrence != nil || g.Type == "seriesMaster"
	if g.Type == "occurrence" || g.Type == "exception" {
		ev.SeriesMasterID = g.SeriesMasterID
	}

	// Teams details live under onlineMeeting on newer events; older ones
	// only carry the flat onlineMeetingUrl.
	if g.OnlineMeeting != nil && g.OnlineMeeting.JoinURL != "" {
		ev.MeetingURL = g.OnlineMeeting.JoinURL
		ev.ConferenceID = g.OnlineMeeting.ConferenceID
	} else if g.OnlineMeetingURL != "" {
		ev.MeetingURL = g.OnlineMeetingURL
	}

	return provider.Change{Event: ev}, true
}

// parseGraphTime decodes Graph's offset-less dateTime. Timed events are
// requested in UTC via the Prefer header. All-day events carry a
// midnight wall time that must not shift across zones, so the date is
// pinned verbatim to UTC.
func parseGraphTime(dtz *dateTimeTimeZone, allDay bool) (time.Time, string) {
	if dtz == nil || dtz.DateTime == "" {
		return time.Time{}, ""
	}

	tz := dtz.TimeZone
	if tz == "" {
		tz = "UTC"
	}

	raw := strings.TrimSuffix(dtz.DateTime, "Z")
	if i := strings.IndexByte(raw, '.'); i >= 0 {
		raw = raw[:i]
	}

	if allDay {
		if t, err := time.ParseInLocation("2006-01-02T15:04:05", raw, time.UTC); err == nil {
			return t, tz
		}
		if t, err := time.ParseInLocation("2006-01-02", raw, time.UTC); err == nil {
			return t, tz
		}
		return time.Time{}, tz
	}

	t, err := time.ParseInLocation("2006-01-02T15:04:05", raw, time.UTC)
	if err != nil {
		return time.Time{}, tz
	}
	return t, tz
}

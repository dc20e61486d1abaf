package graph

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeEvent(t *testing.T, raw string) graphEvent {
	t.Helper()
	var g graphEvent
	require.NoError(t, json.Unmarshal([]byte(raw), &g))
	return g
}

func TestToChangeTimedEvent(t *testing.T) {
	g := decodeEvent(t, `{
		"id": "ev-1",
		"subject": "Design review",
		"bodyPreview": "agenda attached",
		"location": {"displayName": "Room 4"},
		"start": {"dateTime": "2026-09-01T14:00:00.0000000", "timeZone": "UTC"},
		"end": {"dateTime": "2026-09-01T15:00:00.0000000", "timeZone": "UTC"},
		"importance": "high",
		"showAs": "tentative",
		"categories": ["Work", "Planning"],
		"webLink": "https://outlook.example/ev-1"
	}`)

	ch, ok := g.toChange()
	require.True(t, ok)
	require.False(t, ch.Removed)

	ev := ch.Event
	assert.Equal(t, "Design review", ev.Title)
	assert.Equal(t, "agenda attached", ev.Description)
	assert.Equal(t, "Room 4", ev.Location)
	assert.Equal(t, time.Date(2026, 9, 1, 14, 0, 0, 0, time.UTC), ev.Start)
	assert.Equal(t, time.Date(2026, 9, 1, 15, 0, 0, 0, time.UTC), ev.End)
	assert.Equal(t, "high", ev.Importance)
	assert.True(t, ev.Tentative)
	assert.Equal(t, []string{"Work", "Planning"}, ev.Categories)
	assert.False(t, ev.AllDay)
	assert.False(t, ev.IsRecurring)
}

func TestToChangeAllDayKeepsCalendarDate(t *testing.T) {
	// An all-day event created in a non-UTC zone must keep its wall date.
	g := decodeEvent(t, `{
		"id": "ev-1",
		"subject": "Company holiday",
		"isAllDay": true,
		"start": {"dateTime": "2026-12-24T00:00:00.0000000", "timeZone": "Pacific Standard Time"},
		"end": {"dateTime": "2026-12-25T00:00:00.0000000", "timeZone": "Pacific Standard Time"}
	}`)

	ch, ok := g.toChange()
	require.True(t, ok)

	assert.True(t, ch.Event.AllDay)
	assert.Equal(t, time.Date(2026, 12, 24, 0, 0, 0, 0, time.UTC), ch.Event.Start)
	assert.Equal(t, time.Date(2026, 12, 25, 0, 0, 0, 0, time.UTC), ch.Event.End)
	assert.Equal(t, "Pacific Standard Time", ch.Event.Timezone)
}

func TestToChangeEmptySubjectPreserved(t *testing.T) {
	g := decodeEvent(t, `{
		"id": "ev-1",
		"subject": "",
		"start": {"dateTime": "2026-09-01T09:00:00", "timeZone": "UTC"},
		"end": {"dateTime": "2026-09-01T10:00:00", "timeZone": "UTC"}
	}`)

	ch, ok := g.toChange()
	require.True(t, ok)
	assert.Empty(t, ch.Event.Title)
}

func TestToChangeTombstone(t *testing.T) {
	g := decodeEvent(t, `{"id": "ev-1", "@removed": {"reason": "deleted"}}`)

	ch, ok := g.toChange()
	require.True(t, ok)
	assert.True(t, ch.Removed)
	assert.Equal(t, "ev-1", ch.Event.ID)
}

func TestToChangeSkipsItemWithoutID(t *testing.T) {
	g := decodeEvent(t, `{"subject": "orphan"}`)
	_, ok := g.toChange()
	assert.False(t, ok)
}

func TestToChangeMeetingURLFallback(t *testing.T) {
	withJoin := decodeEvent(t, `{
		"id": "ev-1",
		"subject": "Sync",
		"start": {"dateTime": "2026-09-01T09:00:00", "timeZone": "UTC"},
		"end": {"dateTime": "2026-09-01T10:00:00", "timeZone": "UTC"},
		"isOnlineMeeting": true,
		"onlineMeetingUrl": "https://legacy.example/join",
		"onlineMeeting": {"joinUrl": "https://teams.example/join", "conferenceId": "12345"}
	}`)
	ch, _ := withJoin.toChange()
	assert.Equal(t, "https://teams.example/join", ch.Event.MeetingURL)
	assert.Equal(t, "12345", ch.Event.ConferenceID)

	legacyOnly := decodeEvent(t, `{
		"id": "ev-2",
		"subject": "Sync",
		"start": {"dateTime": "2026-09-01T09:00:00", "timeZone": "UTC"},
		"end": {"dateTime": "2026-09-01T10:00:00", "timeZone": "UTC"},
		"onlineMeetingUrl": "https://legacy.example/join"
	}`)
	ch, _ = legacyOnly.toChange()
	assert.Equal(t, "https://legacy.example/join", ch.Event.MeetingURL)
	assert.Empty(t, ch.Event.ConferenceID)
}

func TestToChangeOccurrenceTracksSeriesMaster(t *testing.T) {
	occurrence := decodeEvent(t, `{
		"id": "ev-occ",
		"subject": "Weekly 1:1",
		"type": "occurrence",
		"seriesMasterId": "ev-master",
		"start": {"dateTime": "2026-09-01T09:00:00", "timeZone": "UTC"},
		"end": {"dateTime": "2026-09-01T09:30:00", "timeZone": "UTC"}
	}`)
	ch, _ := occurrence.toChange()
	assert.Equal(t, "ev-master", ch.Event.SeriesMasterID)
	assert.False(t, ch.Event.IsRecurring)

	master := decodeEvent(t, `{
		"id": "ev-master",
		"subject": "Weekly 1:1",
		"type": "seriesMaster",
		"recurrence": {"pattern": {"type": "weekly", "interval": 1, "daysOfWeek": ["monday"]}, "range": {"type": "noEnd"}},
		"start": {"dateTime": "2026-09-01T09:00:00", "timeZone": "UTC"},
		"end": {"dateTime": "2026-09-01T09:30:00", "timeZone": "UTC"}
	}`)
	ch, _ = master.toChange()
	assert.True(t, ch.Event.IsRecurring)
	assert.Empty(t, ch.Event.SeriesMasterID)
	assert.Equal(t, "FREQ=WEEKLY;BYDAY=MO", ch.Event.RecurrenceRule)
}

func TestToChangeImportanceDefaultsToNormal(t *testing.T) {
	g := decodeEvent(t, `{
		"id": "ev-1",
		"subject": "Sync",
		"start": {"dateTime": "2026-09-01T09:00:00", "timeZone": "UTC"},
		"end": {"dateTime": "2026-09-01T10:00:00", "timeZone": "UTC"}
	}`)
	ch, _ := g.toChange()
	assert.Equal(t, "normal", ch.Event.Importance)
}

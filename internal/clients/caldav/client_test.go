package caldav

import (
	"errors"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tazhate/calsync/internal/remote"
)

func TestCalendarPath(t *testing.T) {
	assert.Equal(t, "primary/events/", calendarPath("primary"))
	assert.Equal(t, "/calendars/me/work/", calendarPath("/calendars/me/work"))
	assert.Equal(t, "/calendars/me/work/", calendarPath("/calendars/me/work/"))
	assert.Equal(t, "primary/events/abc.ics", eventPath("primary", "abc"))
}

func TestEventToICS_AndBack(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	start := time.Date(2026, 10, 20, 10, 0, 0, 0, berlin)
	end := start.Add(90 * time.Minute)

	ev := &remote.Event{
		ID:          "uid-1",
		Summary:     "Company Event: Audit",
		Description: "bring receipts",
		Location:    "Office",
		Start:       &remote.EventTime{DateTime: &start, TimeZone: "Europe/Berlin"},
		End:         &remote.EventTime{DateTime: &end, TimeZone: "Europe/Berlin"},
		Attendees:   []string{"a@example.com", "b@example.com"},
		Recurrence:  []string{"RRULE:FREQ=WEEKLY;BYDAY=TU"},
	}

	cal := eventToICS(ev, time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC))
	got, err := parseCalendarObject(&caldav.CalendarObject{Path: "/primary/events/uid-1.ics", ETag: `"abc"`, Data: cal})
	require.NoError(t, err)

	assert.Equal(t, "uid-1", got.ID)
	assert.Equal(t, `"abc"`, got.Etag)
	assert.Equal(t, "Company Event: Audit", got.Summary)
	assert.Equal(t, "bring receipts", got.Description)
	require.NotNil(t, got.Start)
	require.NotNil(t, got.Start.DateTime)
	assert.False(t, got.Start.IsAllDay())
	assert.True(t, got.Start.DateTime.Equal(start))
	assert.True(t, got.End.DateTime.Equal(end))
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, got.Attendees)
	assert.Equal(t, []string{"RRULE:FREQ=WEEKLY;BYDAY=TU"}, got.Recurrence)
}

func TestEventToICS_AllDay(t *testing.T) {
	ev := &remote.Event{
		ID:      "uid-2",
		Summary: "Acme: 7. anniversary",
		Start:   &remote.EventTime{Date: "2026-11-10"},
		End:     &remote.EventTime{Date: "2026-11-11"},
	}

	got, err := parseCalendarObject(&caldav.CalendarObject{Data: eventToICS(ev, time.Now())})
	require.NoError(t, err)
	require.NotNil(t, got.Start)
	assert.True(t, got.Start.IsAllDay())
	assert.Equal(t, "2026-11-10", got.Start.Date)
	assert.Equal(t, "2026-11-11", got.End.Date)
}

func TestParseCalendarObject_Errors(t *testing.T) {
	_, err := parseCalendarObject(&caldav.CalendarObject{})
	assert.Error(t, err)

	cal := ical.NewCalendar()
	cal.Children = append(cal.Children, ical.NewComponent(ical.CompToDo))
	_, err = parseCalendarObject(&caldav.CalendarObject{Data: cal})
	assert.Error(t, err)
}

func TestParseCalendarObject_UIDFromPath(t *testing.T) {
	cal := ical.NewCalendar()
	vevent := ical.NewEvent()
	vevent.Props.SetText(ical.PropSummary, "no uid")
	cal.Children = append(cal.Children, vevent.Component)

	got, err := parseCalendarObject(&caldav.CalendarObject{Path: "/primary/events/from-path.ics", Data: cal})
	require.NoError(t, err)
	assert.Equal(t, "from-path", got.ID)
	assert.Nil(t, got.Start)
}

func TestListedEvent_UnparseableObjectKeepsItsID(t *testing.T) {
	todo := ical.NewCalendar()
	todo.Children = append(todo.Children, ical.NewComponent(ical.CompToDo))

	for _, obj := range []caldav.CalendarObject{
		{Path: "/primary/events/empty.ics", ETag: `"1"`},
		{Path: "/primary/events/todo.ics", ETag: `"2"`, Data: todo},
	} {
		got := listedEvent(&obj)
		require.NotNil(t, got, obj.Path)
		assert.Nil(t, got.Start, obj.Path)
		assert.False(t, got.Cancelled(), obj.Path)
		assert.Equal(t, obj.ETag, got.Etag)
	}
	assert.Equal(t, "empty", listedEvent(&caldav.CalendarObject{Path: "/primary/events/empty.ics"}).ID)

	cal := ical.NewCalendar()
	vevent := ical.NewEvent()
	vevent.Props.SetText(ical.PropUID, "ok-1")
	vevent.Props.SetText(ical.PropSummary, "Fine")
	cal.Children = append(cal.Children, vevent.Component)
	good := listedEvent(&caldav.CalendarObject{Path: "/primary/events/ok-1.ics", Data: cal})
	assert.Equal(t, "ok-1", good.ID)
	assert.Equal(t, "Fine", good.Summary)
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, 404, statusCode(errors.New("404 Not Found")))
	assert.Equal(t, 0, statusCode(errors.New("dial tcp: connection refused")))
	assert.Equal(t, 0, statusCode(nil))
}

package caldav

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"
	"github.com/tazhate/calsync/config"
	"github.com/tazhate/calsync/internal/remote"
	"golang.org/x/time/rate"
)

// Client is a CalDAV gateway authenticated with OAuth bearer tokens
type Client struct {
	baseURL   string
	limiter   *rate.Limiter
	transport http.RoundTripper
}

// NewClient creates a CalDAV client from the provider config
func NewClient(cfg config.ProviderConfig) *Client {
	baseURL := cfg.CalDAVURL
	if baseURL == "" {
		baseURL = config.DefaultCalDAVURL
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		baseURL:   baseURL,
		limiter:   rate.NewLimiter(limit, burst),
		transport: http.DefaultTransport,
	}
}

// connect builds a client bound to one access token
func (c *Client) connect(token string) (*caldav.Client, error) {
	httpClient := &http.Client{
		Transport: &bearerTransport{token: token, base: c.transport},
		Timeout:   30 * time.Second,
	}

	client, err := caldav.NewClient(httpClient, c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to CalDAV: %w", err)
	}
	return client, nil
}

// bearerTransport adds the OAuth access token to HTTP requests
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}

// calendarPath maps a calendar id to its collection. Absolute paths are
// used verbatim, bare ids follow the Google CalDAV layout.
func calendarPath(calendarID string) string {
	if strings.HasPrefix(calendarID, "/") {
		if !strings.HasSuffix(calendarID, "/") {
			calendarID += "/"
		}
		return calendarID
	}
	return calendarID + "/events/"
}

func eventPath(calendarID, uid string) string {
	return calendarPath(calendarID) + uid + ".ics"
}

// List returns events in the window. CalDAV has no paging, the whole
// report is one response.
func (c *Client) List(ctx context.Context, token, calendarID string, w remote.Window) ([]*remote.Event, error) {
	wrap := func(err error) error {
		return &remote.RemoteError{Op: remote.OpList, CalendarID: calendarID, StatusCode: statusCode(err), Err: err}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, wrap(err)
	}
	client, err := c.connect(token)
	if err != nil {
		return nil, wrap(err)
	}

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     "VCALENDAR",
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name: "VCALENDAR",
			Comps: []caldav.CompFilter{
				{
					Name:  "VEVENT",
					Start: w.TimeMin,
					End:   w.TimeMax,
				},
			},
		},
	}

	objects, err := client.QueryCalendar(ctx, calendarPath(calendarID), query)
	if err != nil {
		return nil, wrap(err)
	}

	events := make([]*remote.Event, 0, len(objects))
	for i := range objects {
		events = append(events, listedEvent(&objects[i]))
	}
	return events, nil
}

// listedEvent parses one object of a listing. An object that cannot be
// parsed is kept as an event without a start: it still exists remotely, and
// the caller rejects it on its own without losing the rest of the window.
func listedEvent(obj *caldav.CalendarObject) *remote.Event {
	ev, err := parseCalendarObject(obj)
	if err != nil {
		return &remote.Event{ID: objectID(obj.Path), Etag: obj.ETag, Status: "confirmed"}
	}
	return ev
}

// objectID is the file name of an object without the .ics suffix
func objectID(path string) string {
	return strings.TrimSuffix(path[strings.LastIndex(path, "/")+1:], ".ics")
}

func (c *Client) Create(ctx context.Context, token, calendarID string, ev *remote.Event) (*remote.Event, error) {
	created := *ev
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	return c.put(ctx, remote.OpCreate, token, calendarID, &created)
}

// Update replaces the object, PUT semantics are the same as create
func (c *Client) Update(ctx context.Context, token, calendarID string, ev *remote.Event) (*remote.Event, error) {
	if ev.ID == "" {
		return nil, &remote.RemoteError{Op: remote.OpUpdate, CalendarID: calendarID, Err: errors.New("missing event id")}
	}
	return c.put(ctx, remote.OpUpdate, token, calendarID, ev)
}

func (c *Client) put(ctx context.Context, op, token, calendarID string, ev *remote.Event) (*remote.Event, error) {
	wrap := func(err error) error {
		return &remote.RemoteError{Op: op, CalendarID: calendarID, EventID: ev.ID, StatusCode: statusCode(err), Err: err}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, wrap(err)
	}
	client, err := c.connect(token)
	if err != nil {
		return nil, wrap(err)
	}

	obj, err := client.PutCalendarObject(ctx, eventPath(calendarID, ev.ID), eventToICS(ev, time.Now()))
	if err != nil {
		return nil, wrap(err)
	}

	out := *ev
	if obj != nil {
		out.Etag = obj.ETag
	}
	return &out, nil
}

func (c *Client) Delete(ctx context.Context, token, calendarID, eventID string) error {
	wrap := func(err error) error {
		return &remote.RemoteError{Op: remote.OpDelete, CalendarID: calendarID, EventID: eventID, StatusCode: statusCode(err), Err: err}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return wrap(err)
	}
	client, err := c.connect(token)
	if err != nil {
		return wrap(err)
	}
	if err := client.RemoveAll(ctx, eventPath(calendarID, eventID)); err != nil {
		return wrap(err)
	}
	return nil
}

var statusPattern = regexp.MustCompile(`\b([45]\d\d)\b`)

// statusCode extracts the HTTP status go-webdav puts in its error text
func statusCode(err error) int {
	if err == nil {
		return 0
	}
	m := statusPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0
	}
	code, _ := strconv.Atoi(m[1])
	return code
}

// parseCalendarObject parses the first VEVENT of a CalDAV object
func parseCalendarObject(obj *caldav.CalendarObject) (*remote.Event, error) {
	if obj.Data == nil {
		return nil, fmt.Errorf("no data in calendar object")
	}

	for _, comp := range obj.Data.Children {
		if comp.Name != ical.CompEvent {
			continue
		}

		ev := &remote.Event{Etag: obj.ETag}
		if prop := comp.Props.Get(ical.PropUID); prop != nil {
			ev.ID = prop.Value
		}
		ev.Summary = textProp(comp, ical.PropSummary)
		ev.Description = textProp(comp, ical.PropDescription)
		ev.Location = textProp(comp, ical.PropLocation)
		if prop := comp.Props.Get(ical.PropStatus); prop != nil {
			ev.Status = strings.ToLower(prop.Value)
		}
		ev.Start = parseTime(comp.Props.Get(ical.PropDateTimeStart))
		ev.End = parseTime(comp.Props.Get(ical.PropDateTimeEnd))

		for _, p := range comp.Props.Values(ical.PropAttendee) {
			addr := p.Value
			if len(addr) > 7 && strings.EqualFold(addr[:7], "mailto:") {
				addr = addr[7:]
			}
			if addr != "" {
				ev.Attendees = append(ev.Attendees, addr)
			}
		}
		if prop := comp.Props.Get(ical.PropRecurrenceRule); prop != nil && prop.Value != "" {
			ev.Recurrence = []string{"RRULE:" + prop.Value}
		}
		if ev.ID == "" {
			ev.ID = objectID(obj.Path)
		}
		return ev, nil
	}
	return nil, fmt.Errorf("no VEVENT in calendar object")
}

// textProp unescapes a TEXT property, falling back to the raw value
func textProp(comp *ical.Component, name string) string {
	prop := comp.Props.Get(name)
	if prop == nil {
		return ""
	}
	text, err := prop.Text()
	if err != nil {
		return prop.Value
	}
	return text
}

func parseTime(prop *ical.Prop) *remote.EventTime {
	if prop == nil {
		return nil
	}
	if prop.Params.Get(ical.ParamValue) == string(ical.ValueDate) {
		t, err := prop.DateTime(time.UTC)
		if err != nil {
			return nil
		}
		return &remote.EventTime{Date: t.Format("2006-01-02")}
	}
	t, err := prop.DateTime(time.UTC)
	if err != nil {
		return nil
	}
	return &remote.EventTime{DateTime: &t, TimeZone: prop.Params.Get(ical.ParamTimezoneID)}
}

// eventToICS converts an event to an iCalendar object
func eventToICS(ev *remote.Event, now time.Time) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//calsync//CalDAV//EN")

	vevent := ical.NewEvent()
	vevent.Props.SetText(ical.PropUID, ev.ID)
	vevent.Props.SetText(ical.PropSummary, ev.Summary)
	if ev.Description != "" {
		vevent.Props.SetText(ical.PropDescription, ev.Description)
	}
	if ev.Location != "" {
		vevent.Props.SetText(ical.PropLocation, ev.Location)
	}

	setTime(vevent, ical.PropDateTimeStart, ev.Start)
	setTime(vevent, ical.PropDateTimeEnd, ev.End)

	for _, email := range ev.Attendees {
		p := ical.NewProp(ical.PropAttendee)
		p.Value = "mailto:" + email
		vevent.Props.Add(p)
	}
	for _, rule := range ev.Recurrence {
		if strings.HasPrefix(rule, "RRULE:") {
			// set as a raw value, SetText would escape the separators
			p := ical.NewProp(ical.PropRecurrenceRule)
			p.Value = strings.TrimPrefix(rule, "RRULE:")
			vevent.Props.Set(p)
		}
	}

	vevent.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())

	cal.Children = append(cal.Children, vevent.Component)
	return cal
}

func setTime(vevent *ical.Event, name string, t *remote.EventTime) {
	if t == nil {
		return
	}
	if t.DateTime != nil {
		dt := *t.DateTime
		if loc, err := time.LoadLocation(t.TimeZone); err == nil && t.TimeZone != "" {
			dt = dt.In(loc)
		} else {
			dt = dt.UTC()
		}
		vevent.Props.SetDateTime(name, dt)
		return
	}
	d, err := time.Parse("2006-01-02", t.Date)
	if err != nil {
		return
	}
	vevent.Props.SetDate(name, d)
}

// Package gcal implements the remote gateway on the Google Calendar v3 API.
package gcal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tazhate/calsync/config"
	"github.com/tazhate/calsync/internal/remote"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const pageSize = 250

type Client struct {
	endpoint   string
	limiter    *rate.Limiter
	httpClient *http.Client
}

// New builds a client from the provider config. Each call gets its own
// static-token transport; the client keeps no credentials.
func New(cfg config.ProviderConfig) *Client {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		endpoint:   cfg.APIEndpoint,
		limiter:    rate.NewLimiter(limit, burst),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// WithHTTPClient replaces the base transport client
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

func (c *Client) service(ctx context.Context, token string) (*calendar.Service, error) {
	base := context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	hc := oauth2.NewClient(base, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: token,
		TokenType:   "Bearer",
	}))

	opts := []option.ClientOption{option.WithHTTPClient(hc)}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}
	return calendar.NewService(ctx, opts...)
}

func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return nil
}

// Pages walks the window page by page. Every call starts from the first
// page, so a failed walk can simply be repeated.
func (c *Client) Pages(ctx context.Context, token, calendarID string, w remote.Window, fn func([]*remote.Event) error) error {
	wrap := func(err error) error {
		return &remote.RemoteError{Op: remote.OpList, CalendarID: calendarID, StatusCode: statusCode(err), Err: err}
	}

	svc, err := c.service(ctx, token)
	if err != nil {
		return wrap(err)
	}

	call := svc.Events.List(calendarID).
		TimeMin(w.TimeMin.Format(time.RFC3339)).
		TimeMax(w.TimeMax.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		MaxResults(pageSize)

	pageToken := ""
	for {
		if err := c.wait(ctx); err != nil {
			return wrap(err)
		}
		page, err := call.PageToken(pageToken).Context(ctx).Do()
		if err != nil {
			return wrap(err)
		}
		events := make([]*remote.Event, 0, len(page.Items))
		for _, item := range page.Items {
			events = append(events, fromAPI(item))
		}
		if err := fn(events); err != nil {
			return wrap(err)
		}
		if page.NextPageToken == "" {
			return nil
		}
		pageToken = page.NextPageToken
	}
}

// List collects all pages; any page failure fails the whole listing
func (c *Client) List(ctx context.Context, token, calendarID string, w remote.Window) ([]*remote.Event, error) {
	var all []*remote.Event
	err := c.Pages(ctx, token, calendarID, w, func(events []*remote.Event) error {
		all = append(all, events...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return all, nil
}

func (c *Client) Create(ctx context.Context, token, calendarID string, ev *remote.Event) (*remote.Event, error) {
	wrap := func(err error) error {
		return &remote.RemoteError{Op: remote.OpCreate, CalendarID: calendarID, StatusCode: statusCode(err), Err: err}
	}
	if err := c.wait(ctx); err != nil {
		return nil, wrap(err)
	}
	svc, err := c.service(ctx, token)
	if err != nil {
		return nil, wrap(err)
	}
	created, err := svc.Events.Insert(calendarID, toAPI(ev)).Context(ctx).Do()
	if err != nil {
		return nil, wrap(err)
	}
	return fromAPI(created), nil
}

func (c *Client) Update(ctx context.Context, token, calendarID string, ev *remote.Event) (*remote.Event, error) {
	wrap := func(err error) error {
		return &remote.RemoteError{Op: remote.OpUpdate, CalendarID: calendarID, EventID: ev.ID, StatusCode: statusCode(err), Err: err}
	}
	if ev.ID == "" {
		return nil, wrap(errors.New("missing event id"))
	}
	if err := c.wait(ctx); err != nil {
		return nil, wrap(err)
	}
	svc, err := c.service(ctx, token)
	if err != nil {
		return nil, wrap(err)
	}
	updated, err := svc.Events.Update(calendarID, ev.ID, toAPI(ev)).Context(ctx).Do()
	if err != nil {
		return nil, wrap(err)
	}
	return fromAPI(updated), nil
}

func (c *Client) Delete(ctx context.Context, token, calendarID, eventID string) error {
	wrap := func(err error) error {
		return &remote.RemoteError{Op: remote.OpDelete, CalendarID: calendarID, EventID: eventID, StatusCode: statusCode(err), Err: err}
	}
	if err := c.wait(ctx); err != nil {
		return wrap(err)
	}
	svc, err := c.service(ctx, token)
	if err != nil {
		return wrap(err)
	}
	if err := svc.Events.Delete(calendarID, eventID).Context(ctx).Do(); err != nil {
		return wrap(err)
	}
	return nil
}

func statusCode(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return 0
}

func fromAPI(item *calendar.Event) *remote.Event {
	ev := &remote.Event{
		ID:          item.Id,
		Etag:        item.Etag,
		Summary:     item.Summary,
		Description: item.Description,
		Location:    item.Location,
		Status:      item.Status,
		Start:       fromAPITime(item.Start),
		End:         fromAPITime(item.End),
		Recurrence:  item.Recurrence,

		RecurringEventID: item.RecurringEventId,
	}
	for _, a := range item.Attendees {
		if a == nil || a.Email == "" {
			continue
		}
		ev.Attendees = append(ev.Attendees, a.Email)
	}
	return ev
}

// fromAPITime returns nil when the value carries neither a date nor a
// parseable date-time.
func fromAPITime(t *calendar.EventDateTime) *remote.EventTime {
	if t == nil {
		return nil
	}
	if t.DateTime != "" {
		dt, err := time.Parse(time.RFC3339, t.DateTime)
		if err != nil {
			return nil
		}
		return &remote.EventTime{DateTime: &dt, TimeZone: t.TimeZone}
	}
	if t.Date != "" {
		return &remote.EventTime{Date: t.Date, TimeZone: t.TimeZone}
	}
	return nil
}

func toAPI(ev *remote.Event) *calendar.Event {
	item := &calendar.Event{
		Id:          ev.ID,
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		Start:       toAPITime(ev.Start),
		End:         toAPITime(ev.End),
		Recurrence:  ev.Recurrence,
	}
	for _, email := range ev.Attendees {
		item.Attendees = append(item.Attendees, &calendar.EventAttendee{Email: email})
	}
	return item
}

func toAPITime(t *remote.EventTime) *calendar.EventDateTime {
	if t == nil {
		return nil
	}
	if t.DateTime != nil {
		return &calendar.EventDateTime{DateTime: t.DateTime.Format(time.RFC3339), TimeZone: t.TimeZone}
	}
	return &calendar.EventDateTime{Date: t.Date}
}

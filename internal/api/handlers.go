package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/tazhate/calsync/internal/domain"
	"github.com/tazhate/calsync/internal/service"
)

const defaultActivityLimit = 50

type SyncRequest struct {
	SyncType             string `json:"sync_type"`
	CalendarID           string `json:"calendar_id"`
	TimeMin              string `json:"time_min"` // RFC3339
	TimeMax              string `json:"time_max"`
	IncludeAutoGenerated bool   `json:"include_auto_generated"`
}

type SyncResultResponse struct {
	SyncType   string   `json:"sync_type"`
	Pushed     int      `json:"pushed"`
	Pulled     int      `json:"pulled"`
	Deleted    int      `json:"deleted"`
	Errors     []string `json:"errors"`
	StartedAt  string   `json:"started_at"`
	FinishedAt string   `json:"finished_at"`
}

type EventRequest struct {
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Location     string   `json:"location"`
	Date         string   `json:"date"`       // YYYY-MM-DD
	StartTime    string   `json:"start_time"` // HH:MM
	EndTime      string   `json:"end_time"`
	AllDay       bool     `json:"all_day"`
	Recurrence   string   `json:"recurrence"`
	Participants []string `json:"participants"`
	Scope        string   `json:"scope"`
	CompanyID    *int64   `json:"company_id,omitempty"`
	EventType    string   `json:"event_type"`
}

type EventResponse struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Description   string   `json:"description,omitempty"`
	Location      string   `json:"location,omitempty"`
	Date          string   `json:"date"`
	StartTime     string   `json:"start_time,omitempty"`
	EndTime       string   `json:"end_time,omitempty"`
	AllDay        bool     `json:"all_day"`
	Recurrence    string   `json:"recurrence,omitempty"`
	Participants  []string `json:"participants"`
	Scope         string   `json:"scope"`
	CompanyID     *int64   `json:"company_id,omitempty"`
	EventType     string   `json:"event_type"`
	SyncStatus    string   `json:"sync_status"`
	RemoteEventID *string  `json:"remote_event_id,omitempty"`
	LastSyncedAt  *string  `json:"last_synced_at,omitempty"`
}

type ActivityResponse struct {
	ID        int64   `json:"id"`
	EventID   *string `json:"event_id,omitempty"`
	Phase     string  `json:"phase"`
	Status    string  `json:"status"`
	Message   string  `json:"message"`
	CreatedAt string  `json:"created_at"`
}

// POST /api/users/{id}/sync
func (s *Server) runSync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.jsonError(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
	}

	syncType, err := domain.ParseSyncType(req.SyncType)
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	opts := domain.SyncOptions{
		CalendarID:           req.CalendarID,
		SyncType:             syncType,
		IncludeAutoGenerated: req.IncludeAutoGenerated,
	}
	if opts.TimeMin, err = parseOptionalTime(req.TimeMin); err != nil {
		s.jsonError(w, "Invalid time_min (use RFC3339)", http.StatusBadRequest)
		return
	}
	if opts.TimeMax, err = parseOptionalTime(req.TimeMax); err != nil {
		s.jsonError(w, "Invalid time_max (use RFC3339)", http.StatusBadRequest)
		return
	}

	result, err := s.sync.RunNow(r.Context(), userID(r), opts)
	switch {
	case err == nil:
		s.jsonResponse(w, http.StatusOK, syncResultToResponse(result))
	case errors.Is(err, service.ErrInvalidOptions):
		s.jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, service.ErrNotConnected):
		s.jsonError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, service.ErrRefreshFailed):
		s.jsonError(w, err.Error(), http.StatusBadGateway)
	default:
		s.jsonError(w, err.Error(), http.StatusInternalServerError)
	}
}

func parseOptionalTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

// GET /api/users/{id}/events?from=YYYY-MM-DD&to=YYYY-MM-DD
func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	for _, v := range []string{from, to} {
		if v == "" {
			continue
		}
		if _, err := time.Parse(domain.DateLayout, v); err != nil {
			s.jsonError(w, "Invalid date format (use YYYY-MM-DD)", http.StatusBadRequest)
			return
		}
	}

	events, err := s.events.ListRange(r.Context(), userID(r), from, to)
	if err != nil {
		s.logger.Error("list events", "user_id", userID(r), "err", err)
		s.jsonError(w, "Failed to list events", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, http.StatusOK, eventsToResponse(events))
}

// POST /api/users/{id}/events
func (s *Server) createEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	ev := req.toEvent(userID(r))
	if err := s.events.CreateEvent(r.Context(), ev); err != nil {
		s.eventError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, eventToResponse(ev))
}

// PUT /api/users/{id}/events/{eventId}
func (s *Server) updateEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	ev := req.toEvent(userID(r))
	ev.ID = mux.Vars(r)["eventId"]
	if err := s.events.UpdateEvent(r.Context(), ev); err != nil {
		s.eventError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, eventToResponse(ev))
}

// DELETE /api/users/{id}/events/{eventId}
func (s *Server) deleteEvent(w http.ResponseWriter, r *http.Request) {
	eventID := mux.Vars(r)["eventId"]
	if err := s.events.DeleteEvent(r.Context(), userID(r), eventID); err != nil {
		s.eventError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"deleted": eventID})
}

func (s *Server) eventError(w http.ResponseWriter, err error) {
	var dataErr *service.DataError
	switch {
	case errors.As(err, &dataErr):
		s.jsonError(w, dataErr.Reason, http.StatusBadRequest)
	case errors.Is(err, service.ErrEventNotFound):
		s.jsonError(w, "Event not found", http.StatusNotFound)
	default:
		s.logger.Error("event request failed", "err", err)
		s.jsonError(w, "Internal server error", http.StatusInternalServerError)
	}
}

// DELETE /api/users/{id}/generated/{originalId}
func (s *Server) suppressGenerated(w http.ResponseWriter, r *http.Request) {
	originalID := mux.Vars(r)["originalId"]
	if _, _, ok := service.ParseAnniversaryID(originalID); !ok {
		s.jsonError(w, "Unknown generated event id", http.StatusBadRequest)
		return
	}
	if err := s.auto.SuppressAutoEvent(r.Context(), userID(r), originalID); err != nil {
		s.logger.Error("suppress generated event", "user_id", userID(r), "original_id", originalID, "err", err)
		s.jsonError(w, "Failed to suppress event", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"suppressed": originalID})
}

// GET /api/users/{id}/activity?limit=N
func (s *Server) listActivity(w http.ResponseWriter, r *http.Request) {
	limit := defaultActivityLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.jsonError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := s.activity.ListSyncActivity(r.Context(), userID(r), limit)
	if err != nil {
		s.logger.Error("list activity", "user_id", userID(r), "err", err)
		s.jsonError(w, "Failed to list activity", http.StatusInternalServerError)
		return
	}

	resp := make([]ActivityResponse, 0, len(entries))
	for _, a := range entries {
		resp = append(resp, ActivityResponse{
			ID:        a.ID,
			EventID:   a.EventID,
			Phase:     a.Phase,
			Status:    a.Status,
			Message:   a.Message,
			CreatedAt: a.CreatedAt.Format(time.RFC3339),
		})
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

func (req *EventRequest) toEvent(userID int64) *domain.CalendarEvent {
	return &domain.CalendarEvent{
		UserID:       userID,
		CompanyID:    req.CompanyID,
		Scope:        domain.Scope(req.Scope),
		EventType:    domain.EventType(req.EventType),
		Title:        req.Title,
		Description:  req.Description,
		Location:     req.Location,
		Date:         req.Date,
		StartTime:    req.StartTime,
		EndTime:      req.EndTime,
		AllDay:       req.AllDay,
		Recurrence:   req.Recurrence,
		Participants: req.Participants,
	}
}

func syncResultToResponse(r *domain.SyncRunResult) SyncResultResponse {
	errs := r.Errors
	if errs == nil {
		errs = []string{}
	}
	return SyncResultResponse{
		SyncType:   string(r.SyncType),
		Pushed:     r.Pushed,
		Pulled:     r.Pulled,
		Deleted:    r.Deleted,
		Errors:     errs,
		StartedAt:  r.StartedAt.Format(time.RFC3339),
		FinishedAt: r.FinishedAt.Format(time.RFC3339),
	}
}

func eventsToResponse(events []*domain.CalendarEvent) []EventResponse {
	result := make([]EventResponse, 0, len(events))
	for _, e := range events {
		result = append(result, eventToResponse(e))
	}
	return result
}

func eventToResponse(e *domain.CalendarEvent) EventResponse {
	resp := EventResponse{
		ID:            e.ID,
		Title:         e.Title,
		Description:   e.Description,
		Location:      e.Location,
		Date:          e.Date,
		StartTime:     e.StartTime,
		EndTime:       e.EndTime,
		AllDay:        e.AllDay,
		Recurrence:    e.Recurrence,
		Participants:  e.Participants,
		Scope:         string(e.Scope),
		CompanyID:     e.CompanyID,
		EventType:     string(e.EventType),
		SyncStatus:    string(e.SyncStatus),
		RemoteEventID: e.RemoteEventID,
	}
	if resp.Participants == nil {
		resp.Participants = []string{}
	}
	if e.LastSyncedAt != nil {
		ts := e.LastSyncedAt.Format(time.RFC3339)
		resp.LastSyncedAt = &ts
	}
	return resp
}

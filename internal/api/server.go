// Package api exposes sync runs and local events over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/tazhate/calsync/internal/domain"
	"github.com/tazhate/calsync/internal/websocket"
)

type SyncTrigger interface {
	RunNow(ctx context.Context, userID int64, opts domain.SyncOptions) (*domain.SyncRunResult, error)
}

type EventService interface {
	CreateEvent(ctx context.Context, ev *domain.CalendarEvent) error
	UpdateEvent(ctx context.Context, ev *domain.CalendarEvent) error
	DeleteEvent(ctx context.Context, userID int64, eventID string) error
	ListRange(ctx context.Context, userID int64, from, to string) ([]*domain.CalendarEvent, error)
}

type AutoEventSuppressor interface {
	SuppressAutoEvent(ctx context.Context, userID int64, originalEventID string) error
}

type ActivityLister interface {
	ListSyncActivity(ctx context.Context, userID int64, limit int) ([]*domain.SyncActivity, error)
}

// Credentials for basic auth; empty disables the /api routes
type Credentials struct {
	Username string
	Password string
}

type Server struct {
	creds    Credentials
	sync     SyncTrigger
	events   EventService
	auto     AutoEventSuppressor
	activity ActivityLister
	hub      *websocket.Hub
	logger   *slog.Logger
}

func NewServer(creds Credentials, sync SyncTrigger, events EventService, auto AutoEventSuppressor, activity ActivityLister, hub *websocket.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		creds:    creds,
		sync:     sync,
		events:   events,
		auto:     auto,
		activity: activity,
		hub:      hub,
		logger:   logger,
	}
}

// APIResponse is the envelope of every JSON response
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Router builds the HTTP routes
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.recoverPanics)

	r.HandleFunc("/health", s.health).Methods(http.MethodGet)

	if s.creds.Username == "" || s.creds.Password == "" {
		s.logger.Warn("API credentials not configured, /api routes disabled")
		return r
	}

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.basicAuth)

	api.HandleFunc("/users/{id:[0-9]+}/sync", s.runSync).Methods(http.MethodPost)
	api.HandleFunc("/users/{id:[0-9]+}/events", s.listEvents).Methods(http.MethodGet)
	api.HandleFunc("/users/{id:[0-9]+}/events", s.createEvent).Methods(http.MethodPost)
	api.HandleFunc("/users/{id:[0-9]+}/events/{eventId}", s.updateEvent).Methods(http.MethodPut)
	api.HandleFunc("/users/{id:[0-9]+}/events/{eventId}", s.deleteEvent).Methods(http.MethodDelete)
	api.HandleFunc("/users/{id:[0-9]+}/generated/{originalId}", s.suppressGenerated).Methods(http.MethodDelete)
	api.HandleFunc("/users/{id:[0-9]+}/activity", s.listActivity).Methods(http.MethodGet)
	if s.hub != nil {
		api.HandleFunc("/ws", websocket.Handler(s.hub)).Methods(http.MethodGet)
	}

	return r
}

func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(username), []byte(s.creds.Username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(password), []byte(s.creds.Password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="calsync API"`)
			s.jsonError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic", "path", r.URL.Path, "panic", rec)
				s.jsonError(w, "Internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(APIResponse{Success: true, Data: data}); err != nil {
		s.logger.Warn("encode response", "err", err)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIResponse{Success: false, Error: msg})
}

func userID(r *http.Request) int64 {
	// the route pattern guarantees digits
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	data := map[string]any{"status": "ok"}
	if s.hub != nil {
		data["ws_clients"] = s.hub.ClientCount()
	}
	s.jsonResponse(w, http.StatusOK, data)
}

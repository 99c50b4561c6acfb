package websocket

import (
	"encoding/json"
	"time"

	"github.com/tazhate/calsync/internal/domain"
)

type MessageType string

const (
	TypeSyncCompleted MessageType = "sync.completed"
	TypeSyncFailed    MessageType = "sync.failed"
)

// Message is the envelope of everything sent to clients
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   any         `json:"payload"`
}

func NewMessage(msgType MessageType, payload any) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

func (m Message) JSON() ([]byte, error) {
	return json.Marshal(m)
}

// SyncRunPayload describes a finished run
type SyncRunPayload struct {
	UserID     int64     `json:"user_id"`
	SyncType   string    `json:"sync_type"`
	Pushed     int       `json:"pushed"`
	Pulled     int       `json:"pulled"`
	Deleted    int       `json:"deleted"`
	Errors     []string  `json:"errors"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// SyncFailedPayload describes a run that stopped before any phase
type SyncFailedPayload struct {
	UserID int64  `json:"user_id"`
	Error  string `json:"error"`
}

// Publisher turns run outcomes into hub messages
type Publisher struct {
	hub *Hub
}

func NewPublisher(hub *Hub) *Publisher {
	return &Publisher{hub: hub}
}

// PublishRun sends sync.failed when err is set, sync.completed otherwise
func (p *Publisher) PublishRun(userID int64, result *domain.SyncRunResult, err error) {
	var msg Message
	if err != nil {
		msg = NewMessage(TypeSyncFailed, SyncFailedPayload{UserID: userID, Error: err.Error()})
	} else if result != nil {
		errs := result.Errors
		if errs == nil {
			errs = []string{}
		}
		msg = NewMessage(TypeSyncCompleted, SyncRunPayload{
			UserID:     userID,
			SyncType:   string(result.SyncType),
			Pushed:     result.Pushed,
			Pulled:     result.Pulled,
			Deleted:    result.Deleted,
			Errors:     errs,
			StartedAt:  result.StartedAt,
			FinishedAt: result.FinishedAt,
		})
	} else {
		return
	}

	data, jerr := msg.JSON()
	if jerr != nil {
		p.hub.logger.Error("encode websocket message", "err", jerr)
		return
	}
	p.hub.Broadcast(data)
}

package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tazhate/calsync/internal/domain"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := NewHub(nil)
	go hub.Run(ctx)
	return hub
}

func receive(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case msg, ok := <-c.Send():
		require.True(t, ok, "client channel closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestHub_BroadcastReachesAllClients(t *testing.T) {
	hub := startHub(t)
	a, b := NewClient(hub), NewClient(hub)
	hub.Register(a)
	hub.Register(b)

	hub.Broadcast([]byte("hello"))

	assert.Equal(t, "hello", string(receive(t, a)))
	assert.Equal(t, "hello", string(receive(t, b)))
	assert.Equal(t, 2, hub.ClientCount())

	hub.Unregister(a)
	_, ok := <-a.Send()
	assert.False(t, ok)
	assert.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestHub_StopClosesClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(nil)
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	c := NewClient(hub)
	hub.Register(c)
	cancel()
	<-stopped

	_, ok := <-c.Send()
	assert.False(t, ok)

	// neither call may block once the hub is gone
	late := NewClient(hub)
	hub.Register(late)
	hub.Unregister(late)
	_, ok = <-late.Send()
	assert.False(t, ok)
}

func TestPublisher_PublishRun(t *testing.T) {
	hub := startHub(t)
	c := NewClient(hub)
	hub.Register(c)
	pub := NewPublisher(hub)

	pub.PublishRun(7, &domain.SyncRunResult{SyncType: domain.SyncTypeAll, Pushed: 2, Deleted: 1}, nil)

	var msg struct {
		Type    MessageType    `json:"type"`
		Payload SyncRunPayload `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(receive(t, c), &msg))
	assert.Equal(t, TypeSyncCompleted, msg.Type)
	assert.Equal(t, int64(7), msg.Payload.UserID)
	assert.Equal(t, 2, msg.Payload.Pushed)
	assert.Equal(t, 1, msg.Payload.Deleted)
	assert.Equal(t, []string{}, msg.Payload.Errors)

	pub.PublishRun(7, nil, errors.New("user 7: NotConnected"))

	var failed struct {
		Type    MessageType       `json:"type"`
		Payload SyncFailedPayload `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(receive(t, c), &failed))
	assert.Equal(t, TypeSyncFailed, failed.Type)
	assert.Equal(t, "user 7: NotConnected", failed.Payload.Error)
}

func TestHandler_StreamsMessages(t *testing.T) {
	hub := startHub(t)
	srv := httptest.NewServer(Handler(hub))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	hub.Broadcast([]byte(`{"type":"sync.completed"}`))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"sync.completed"}`, string(data))
}

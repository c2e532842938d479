package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/collabflow/workflow"
)

func dialHub(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return hub.ClientCount() == n
	}, 5*time.Second, 10*time.Millisecond)
}

func readEvent(t *testing.T, conn *websocket.Conn) workflow.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var ev workflow.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestHubBroadcastsEvents(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, "ws"+srv.URL[4:])
	waitForClients(t, hub, 1)

	require.NoError(t, hub.Publish(context.Background(), workflow.Event{
		Type:       workflow.EventStatusTransition,
		WorkflowID: "wf-1",
		Data:       map[string]any{"from": "created", "to": "running"},
		At:         time.Now(),
	}))

	ev := readEvent(t, conn)
	assert.Equal(t, workflow.EventStatusTransition, ev.Type)
	assert.Equal(t, "wf-1", ev.WorkflowID)
	assert.Equal(t, "running", ev.Data["to"])
}

func TestHubWorkflowFilter(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	scoped := dialHub(t, "ws"+srv.URL[4:]+"?workflow_id=wf-1")
	waitForClients(t, hub, 1)

	ctx := context.Background()
	require.NoError(t, hub.Publish(ctx, workflow.Event{
		Type: workflow.EventStepProgress, WorkflowID: "wf-other", At: time.Now(),
	}))
	require.NoError(t, hub.Publish(ctx, workflow.Event{
		Type: workflow.EventStepProgress, WorkflowID: "wf-1", At: time.Now(),
	}))

	// The scoped client never sees wf-other, so the first frame it
	// receives is the wf-1 event.
	ev := readEvent(t, scoped)
	assert.Equal(t, "wf-1", ev.WorkflowID)
}

func TestHubMultipleClients(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	a := dialHub(t, "ws"+srv.URL[4:])
	b := dialHub(t, "ws"+srv.URL[4:])
	waitForClients(t, hub, 2)

	require.NoError(t, hub.Publish(context.Background(), workflow.Event{
		Type: workflow.EventConflictCreated, WorkflowID: "wf-1", At: time.Now(),
	}))

	assert.Equal(t, workflow.EventConflictCreated, readEvent(t, a).Type)
	assert.Equal(t, workflow.EventConflictCreated, readEvent(t, b).Type)
}

func TestHubClientDisconnectUnregisters(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, "ws"+srv.URL[4:])
	waitForClients(t, hub, 1)

	conn.Close(websocket.StatusNormalClosure, "")
	waitForClients(t, hub, 0)
}

func TestHubPublishAfterClose(t *testing.T) {
	hub := NewHub(nil)
	hub.Close()
	hub.Close()

	err := hub.Publish(context.Background(), workflow.Event{
		Type: workflow.EventStepProgress, WorkflowID: "wf-1", At: time.Now(),
	})
	assert.NoError(t, err)
	assert.Equal(t, 0, hub.ClientCount())
}

func TestHubIsANotifier(t *testing.T) {
	var _ workflow.Notifier = NewHub(nil)
}

package eventstream

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/daemon/internal/task"
)

func newTestServer(t *testing.T, hub *Hub) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(hub)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, url
}

func TestHubBroadcastsPublishedEventToConnectedClient(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv, url := newTestServer(t, hub)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.Publish(Event{Type: "task.transition", TaskID: "p1-1-1", Status: task.StatusCompleted, At: time.Now()})

	var got Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&got))
	require.Equal(t, "task.transition", got.Type)
	require.Equal(t, "p1-1-1", got.TaskID)
	require.Equal(t, task.StatusCompleted, got.Status)
}

func TestHubUnregistersClientOnDisconnect(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv, url := newTestServer(t, hub)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestTaskTransitionHelperToleratesNilHub(t *testing.T) {
	require.NotPanics(t, func() {
		TaskTransition(nil, &task.Task{ID: "p1-1-1"})
	})
}

func TestTaskTransitionPublishesTaskFields(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv, url := newTestServer(t, hub)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	TaskTransition(hub, &task.Task{ID: "p2-3-1", ProjectID: "p2", Status: task.StatusFailed})

	var got Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&got))
	require.Equal(t, "p2", got.ProjectID)
	require.Equal(t, "p2-3-1", got.TaskID)
	require.Equal(t, task.StatusFailed, got.Status)
}

package notify

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewdeck/reviewdeck/internal/common/logger"
	"github.com/reviewdeck/reviewdeck/internal/events"
	"github.com/reviewdeck/reviewdeck/internal/events/bus"
)

// dial connects a websocket client for the given user against a test server.
func dial(t *testing.T, server *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/events/stream?user_id=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func newTestServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewWSHandler(hub, logger.Default()).Register(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func waitForClients(t *testing.T, hub *Hub, userID string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.UserClientCount(userID) == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("user %s never reached %d clients", userID, n)
}

func readEvent(t *testing.T, conn *websocket.Conn) *bus.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev bus.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return &ev
}

func TestHubRoutesByUser(t *testing.T) {
	hub := NewHub(logger.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	server := newTestServer(t, hub)
	alice := dial(t, server, "alice")
	bob := dial(t, server, "bob")
	waitForClients(t, hub, "alice", 1)
	waitForClients(t, hub, "bob", 1)

	hub.Broadcast("alice", events.NewReviewCompleted("alice", "acme-widgets", 3, 2, "fix race"))

	got := readEvent(t, alice)
	assert.Equal(t, events.SubjectReviewCompleted, got.Type)
	assert.Equal(t, "acme-widgets", got.Data["repo_slug"])

	bob.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := bob.ReadMessage()
	assert.Error(t, err, "other users must not receive the event")
}

func TestHubFansOutToAllUserConnections(t *testing.T) {
	hub := NewHub(logger.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	server := newTestServer(t, hub)
	first := dial(t, server, "alice")
	second := dial(t, server, "alice")
	waitForClients(t, hub, "alice", 2)

	hub.Broadcast("alice", events.NewRepoStatusChanged("alice", "acme-widgets", "active"))

	assert.Equal(t, events.SubjectRepoStatusChanged, readEvent(t, first).Type)
	assert.Equal(t, events.SubjectRepoStatusChanged, readEvent(t, second).Type)
}

func TestHubBridgesBusEvents(t *testing.T) {
	hub := NewHub(logger.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	eventBus := bus.NewMemoryEventBus(logger.Default())
	defer eventBus.Close()
	require.NoError(t, hub.AttachBus(eventBus))

	server := newTestServer(t, hub)
	conn := dial(t, server, "alice")
	waitForClients(t, hub, "alice", 1)

	ev := events.NewRepoStatusChanged("alice", "acme-widgets", "interview")
	require.NoError(t, eventBus.Publish(context.Background(), events.SubjectRepoStatusChanged, ev))

	got := readEvent(t, conn)
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, "interview", got.Data["status"])
}

func TestHubMissingUserIDRejected(t *testing.T) {
	hub := NewHub(logger.Default())
	server := newTestServer(t, hub)

	resp, err := server.Client().Get(server.URL + "/api/events/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 400, resp.StatusCode)
}

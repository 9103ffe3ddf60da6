package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBroadcaster_OnlyAuthenticatedClients(t *testing.T) {
	authedServer, authedClient, cleanup := websocketConnPair(t)
	defer cleanup()
	anonServer, anonClient, cleanup2 := websocketConnPair(t)
	defer cleanup2()

	registry := NewClientRegistry()
	registry.Add(&Client{ID: "authed", Conn: authedServer})
	registry.Add(&Client{ID: "anon", Conn: anonServer})
	registry.MarkAuthenticated("authed")

	broadcaster := NewEventBroadcaster(registry, zerolog.Nop())
	assert.Equal(t, 1, broadcaster.Broadcast("cron.finished", map[string]interface{}{"jobId": "j1"}))
	assert.Equal(t, 1, broadcaster.Broadcast("cron.added", map[string]interface{}{"jobId": "j2"}))

	var first, second EventMessage
	require.NoError(t, authedClient.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, authedClient.ReadJSON(&first))
	require.NoError(t, authedClient.ReadJSON(&second))

	assert.Equal(t, "event", first.Type)
	assert.Equal(t, "cron.finished", first.Event)
	assert.NotZero(t, first.Timestamp)
	assert.Equal(t, "cron.added", second.Event)
	assert.Greater(t, second.Seq, first.Seq)

	require.NoError(t, anonClient.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	var none EventMessage
	assert.Error(t, anonClient.ReadJSON(&none))
}

func websocketConnPair(t *testing.T) (*websocket.Conn, *websocket.Conn, func()) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	serverConnCh := make(chan *websocket.Conn, 1)
	errCh := make(chan error, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			errCh <- err
			return
		}
		serverConnCh <- conn
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	var serverConn *websocket.Conn
	select {
	case serverConn = <-serverConnCh:
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server websocket connection")
	}

	return serverConn, clientConn, func() {
		_ = clientConn.Close()
		_ = serverConn.Close()
		srv.Close()
	}
}

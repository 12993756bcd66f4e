package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"diagramsync/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, origins []string) (*httptest.Server, *Hub, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(10, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/diagrams/{id}", NewServer(ctx, hub, origins).HandleConnections)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv, hub, cancel
}

func dial(t *testing.T, srv *httptest.Server, diagramID, sessionID string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/diagrams/" + diagramID + "?session_id=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	return msg
}

func TestServer_Relay(t *testing.T) {
	srv, hub, _ := newTestServer(t, nil)

	a := dial(t, srv, "d1", "a")
	b := dial(t, srv, "d1", "b")
	require.Eventually(t, func() bool {
		rooms := hub.Rooms()
		return len(rooms) == 1 && len(rooms[0].Participants) == 2
	}, 2*time.Second, 10*time.Millisecond)

	chat := &protocol.ChatMessage{ID: "m1", Content: "hello", SenderID: "a"}
	protocol.Stamp(chat, "a", time.Now())
	data, err := protocol.Encode(chat)
	require.NoError(t, err)
	require.NoError(t, a.WriteMessage(websocket.TextMessage, data))

	for _, conn := range []*websocket.Conn{a, b} {
		msg := read(t, conn)
		require.Equal(t, protocol.TypeChatMessage, msg.Kind())
		require.Equal(t, "hello", msg.(*protocol.ChatMessage).Content)
	}

	// A dropped socket is announced to the rest of the room.
	require.NoError(t, b.Close())
	leave := read(t, a)
	require.Equal(t, protocol.TypeUserLeave, leave.Kind())
	require.Equal(t, "b", leave.Sender())
}

func TestServer_ShutdownClosesCleanly(t *testing.T) {
	srv, hub, cancel := newTestServer(t, nil)

	a := dial(t, srv, "d1", "a")
	require.Eventually(t, func() bool { return len(hub.Rooms()) == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, a.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := a.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "expected 1001, got %v", err)
}

func TestServer_BadRequests(t *testing.T) {
	srv, _, _ := newTestServer(t, []string{"https://diagrams.example.com"})

	resp, err := http.Get(srv.URL + "/ws/diagrams/d1")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/ws/diagrams/d1?session_id=a", "application/json", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/diagrams/d1?session_id=a"
	_, resp, err = websocket.DefaultDialer.Dial(u, http.Header{"Origin": []string{"https://evil.example.com"}})
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(u, http.Header{"Origin": []string{"https://diagrams.example.com"}})
	require.NoError(t, err)
	_ = conn.Close()
}

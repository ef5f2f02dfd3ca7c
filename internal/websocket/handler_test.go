package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, srv *httptest.Server) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(typ string, payload any) {
	c.t.Helper()
	msg, err := NewMessage(typ, payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(msg))
}

// next reads frames until one of type typ arrives.
func (c *wsClient) next(typ string) Message {
	c.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(deadline))
		var m Message
		_, data, err := c.conn.ReadMessage()
		require.NoError(c.t, err, "waiting for %s", typ)
		require.NoError(c.t, json.Unmarshal(data, &m))
		if m.Type == typ {
			return m
		}
	}
}

// nextUsers reads online_users frames until one equals want.
func (c *wsClient) nextUsers(want []string) {
	c.t.Helper()
	for {
		if assert.ObjectsAreEqual(want, decodeUsers(c.t, c.next(EventTypeOnlineUsers))) {
			return
		}
	}
}

func newTestServer(t *testing.T, allowedOrigins []string) (*Hub, *httptest.Server) {
	t.Helper()
	h := newTestHub(t, Options{})
	srv := httptest.NewServer(NewHandler(h, allowedOrigins, testLogger()))
	t.Cleanup(srv.Close)
	return h, srv
}

func TestHandler_AliceAndBob(t *testing.T) {
	h, srv := newTestServer(t, nil)

	alice := dial(t, srv)
	alice.send(EventTypeJoin, "alice")
	assert.Equal(t, `{"userId":"alice"}`, string(alice.next(EventTypeJoined).Payload))
	alice.nextUsers([]string{"alice"})

	bob := dial(t, srv)
	bob.send(EventTypeJoin, JoinPayload{UserID: "bob"})
	bob.nextUsers([]string{"alice", "bob"})
	alice.nextUsers([]string{"alice", "bob"})

	alice.send(EventTypeSendMessage, SendMessagePayload{
		SenderID:   "alice",
		ReceiverID: "bob",
		Content:    "hi bob",
		SenderName: "Alice",
	})

	got := decodeChat(t, bob.next(EventTypeReceiveMessage))
	assert.Equal(t, "hi bob", got.Content)
	assert.Equal(t, "alice", got.SenderID)
	assert.False(t, got.IsMyMessage)
	assert.NotEmpty(t, got.ID)

	echo := decodeChat(t, alice.next(EventTypeMessageSent))
	assert.Equal(t, got.ID, echo.ID)
	assert.Equal(t, "bob", echo.ReceiverID)
	assert.True(t, echo.IsMyMessage)

	require.NoError(t, bob.conn.Close())
	alice.nextUsers([]string{"alice"})

	require.Eventually(t, func() bool { return h.SessionCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandler_MalformedFrameKeepsSession(t *testing.T) {
	_, srv := newTestServer(t, nil)

	c := dial(t, srv)
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("{nope")))
	assert.Equal(t, ErrCodeInvalidMessage, decodeError(t, c.next(EventTypeError)).Code)

	c.send(EventTypeJoin, "alice")
	c.next(EventTypeJoined)
}

func TestHandler_OriginCheck(t *testing.T) {
	_, srv := newTestServer(t, []string{"https://app.example.org"})
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	hdr := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, hdr)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	hdr.Set("Origin", "https://app.example.org")
	conn, _, err := websocket.DefaultDialer.Dial(url, hdr)
	require.NoError(t, err)
	_ = conn.Close()
}

func TestOriginChecker(t *testing.T) {
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	openChecker := originChecker(nil)
	assert.True(t, openChecker(req("https://whatever.test")))

	wildcard := originChecker([]string{"*"})
	assert.True(t, wildcard(req("https://whatever.test")))

	strict := originChecker([]string{"https://App.Example.org/"})
	assert.True(t, strict(req("https://app.example.org")))
	assert.True(t, strict(req("")))
	assert.False(t, strict(req("http://app.example.org")))
}

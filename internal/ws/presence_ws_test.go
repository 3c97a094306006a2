package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chatsync/internal/auth"
	"chatsync/internal/models"
	"chatsync/internal/observability"
	"chatsync/internal/session"
)

type tokenIsUser struct{}

func (tokenIsUser) ValidateToken(_ context.Context, token string) (string, error) {
	if token == "" || token == "bad" {
		return "", auth.ErrInvalidToken
	}
	return token, nil
}

type testServer struct {
	registry *Registry
	router   *Router
	srv      *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := zap.NewNop()
	registry := NewRegistry(NewPresenceBroadcaster(log))
	handler := NewPresenceWebSocketHandler(registry, tokenIsUser{}, Options{SendQueue: 16, PingInterval: time.Second}, log)

	engine := gin.New()
	engine.GET("/ws", handler.Handle)
	srv := httptest.NewServer(engine)
	t.Cleanup(func() {
		registry.CloseAll()
		srv.Close()
	})
	return &testServer{registry: registry, router: NewRouter(registry, log), srv: srv}
}

func (s *testServer) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) models.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var event models.Event
	require.NoError(t, json.Unmarshal(payload, &event))
	return event
}

// awaitPresence reads frames until one carries want, checking that presence
// sequence numbers only grow.
func awaitPresence(t *testing.T, conn *websocket.Conn, lastSeq *uint64, want ...string) {
	t.Helper()
	if want == nil {
		want = []string{}
	}
	for {
		event := readEvent(t, conn)
		if event.Type != models.EventPresence {
			continue
		}
		require.Greater(t, event.Seq, *lastSeq, "presence went backwards")
		*lastSeq = event.Seq
		online := event.Online
		if online == nil {
			online = []string{}
		}
		if assert.ObjectsAreEqual(want, online) {
			return
		}
	}
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	s := newTestServer(t)
	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws?token=bad"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)

	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, s.registry.Len())
}

func TestHandshakeAcceptsQueryToken(t *testing.T) {
	s := newTestServer(t)
	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws?token=alice"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var seq uint64
	awaitPresence(t, conn, &seq, "alice")
}

func TestPresenceFollowsConnectAndDisconnect(t *testing.T) {
	s := newTestServer(t)

	x := s.dial(t, "x")
	var xSeq uint64
	awaitPresence(t, x, &xSeq, "x")

	y := s.dial(t, "y")
	var ySeq uint64
	awaitPresence(t, x, &xSeq, "x", "y")
	awaitPresence(t, y, &ySeq, "x", "y")

	require.NoError(t, y.Close())
	awaitPresence(t, x, &xSeq, "x")

	assert.Eventually(t, func() bool { return s.registry.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"x"}, s.registry.Snapshot())
}

func TestSecondConnectionReplacesFirst(t *testing.T) {
	s := newTestServer(t)

	first := s.dial(t, "x")
	var seq uint64
	awaitPresence(t, first, &seq, "x")

	second := s.dial(t, "x")
	var secondSeq uint64
	awaitPresence(t, second, &secondSeq, "x")

	// the first socket is closed by the server
	require.NoError(t, first.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}

	// the stale reader exit must not remove the replacement
	assert.Never(t, func() bool { return s.registry.Len() != 1 }, 300*time.Millisecond, 20*time.Millisecond)

	outcome := s.router.Route(context.Background(), models.Message{ID: "m1", SenderID: "y", RecipientID: "x", Text: "hello"})
	assert.Equal(t, observability.DeliveryPushed, outcome)

	for {
		event := readEvent(t, second)
		if event.Type == models.EventMessage {
			require.NotNil(t, event.Message)
			assert.Equal(t, "m1", event.Message.ID)
			assert.Equal(t, "hello", event.Message.Text)
			break
		}
	}
}

func TestRouteReachesOnlyRecipient(t *testing.T) {
	s := newTestServer(t)

	x := s.dial(t, "x")
	var xSeq uint64
	awaitPresence(t, x, &xSeq, "x")
	y := s.dial(t, "y")
	var ySeq uint64
	awaitPresence(t, y, &ySeq, "x", "y")

	for i, text := range []string{"one", "two", "three"} {
		msg := models.Message{ID: string(rune('a' + i)), SenderID: "x", RecipientID: "y", Text: text}
		require.Equal(t, observability.DeliveryPushed, s.router.Route(context.Background(), msg))
	}

	var got []string
	for len(got) < 3 {
		event := readEvent(t, y)
		if event.Type == models.EventMessage {
			got = append(got, event.Message.Text)
		}
	}
	assert.Equal(t, []string{"one", "two", "three"}, got)
}

// identityAPI resolves every token to the user of the same name.
type identityAPI struct{}

func (identityAPI) Login(_ context.Context, email, _ string) (models.User, string, error) {
	return models.User{ID: email}, email, nil
}

func (identityAPI) Check(_ context.Context, token string) (models.User, error) {
	return models.User{ID: token}, nil
}

func (identityAPI) Contacts(context.Context, string) ([]session.Contact, map[string]int, error) {
	return nil, map[string]int{}, nil
}

func (identityAPI) Messages(context.Context, string, string) ([]models.Message, error) {
	return nil, nil
}

func (identityAPI) Send(_ context.Context, _, peer string, content models.Content) (models.Message, error) {
	return models.Message{RecipientID: peer, Text: content.Text}, nil
}

func (identityAPI) MarkSeen(context.Context, string, string) error { return nil }

func (identityAPI) Delete(_ context.Context, _, id string) (models.Message, error) {
	return models.Message{ID: id, Deleted: true}, nil
}

func TestNewerDeviceKeepsIdentity(t *testing.T) {
	s := newTestServer(t)
	cfg := session.Config{ReconnectDelay: 50 * time.Millisecond, ConnectTimeout: 2 * time.Second}

	older := session.New(identityAPI{}, session.NewWSDialer(s.srv.URL), cfg)
	t.Cleanup(func() { _ = older.Close() })
	newer := session.New(identityAPI{}, session.NewWSDialer(s.srv.URL), cfg)
	t.Cleanup(func() { _ = newer.Close() })

	var olderConnects, newerConnects atomic.Int32
	older.OnStateChanged(func(st session.State) {
		if st == session.StateConnected {
			olderConnects.Add(1)
		}
	})
	newer.OnStateChanged(func(st session.State) {
		if st == session.StateConnected {
			newerConnects.Add(1)
		}
	})

	_, err := older.Resume(context.Background(), "x")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.registry.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	first, _ := s.registry.Lookup("x")

	_, err = newer.Resume(context.Background(), "x")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return older.State() == session.StateDisconnected }, 2*time.Second, 10*time.Millisecond)

	// several reconnect delays pass without the older device coming back
	assert.Never(t, func() bool { return older.State() != session.StateDisconnected }, 500*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, session.StateConnected, newer.State())
	assert.Equal(t, int32(1), olderConnects.Load())
	assert.Equal(t, int32(1), newerConnects.Load())

	current, ok := s.registry.Lookup("x")
	require.True(t, ok)
	assert.NotEqual(t, first.ID(), current.ID())
	assert.Equal(t, 1, s.registry.Len())
}

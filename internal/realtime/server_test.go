package realtime

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyhub/matchmaking/internal/auth"
	"github.com/studyhub/matchmaking/internal/messaging"
	"github.com/studyhub/matchmaking/internal/protocol"
)

const secret = "gateway-secret"

type testClient struct {
	conn net.Conn
	r    io.Reader
}

func (c *testClient) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *testClient) Write(p []byte) (int, error) { return c.conn.Write(p) }

func (c *testClient) next(t *testing.T) protocol.ServerFrame {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	data, err := wsutil.ReadServerText(c)
	require.NoError(t, err)
	var f protocol.ServerFrame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func (c *testClient) send(t *testing.T, data string) {
	t.Helper()
	require.NoError(t, wsutil.WriteClientText(c.conn, []byte(data)))
}

func newTestServer(t *testing.T, cfg ServerConfig) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(cfg, auth.NewVerifier(secret), nil)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		_ = srv.Shutdown(context.Background())
	})
	return srv, hs
}

func dialUser(t *testing.T, hs *httptest.Server, userID string) *testClient {
	t.Helper()
	token, err := auth.Sign(secret, userID, time.Hour)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws?token=" + token
	conn, br, _, err := ws.Dial(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	c := &testClient{conn: conn, r: conn}
	if br != nil {
		c.r = br
	}

	f := c.next(t)
	require.Equal(t, protocol.TypeConnected, f.Type)
	var p protocol.ConnectedPayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	require.Equal(t, userID, p.UserID)
	return c
}

func event(t *testing.T, name, sessionID, userID string) []byte {
	t.Helper()
	data, err := protocol.NewMessage(name, protocol.MatchFoundPayload{SessionID: sessionID, UserID: userID})
	require.NoError(t, err)
	return data
}

func TestUpgrade_RequiresValidToken(t *testing.T) {
	_, hs := newTestServer(t, ServerConfig{})

	for _, path := range []string{"/ws", "/ws?token=bogus"} {
		resp, err := http.Get(hs.URL + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestDeliver_RoutesToAddressedUser(t *testing.T) {
	srv, hs := newTestServer(t, ServerConfig{})
	alice := dialUser(t, hs, "alice")
	bob := dialUser(t, hs, "bob")

	srv.Deliver(event(t, protocol.EventMatchFound, "s1", "alice"))
	srv.Deliver(event(t, protocol.EventMatchFound, "s1", "bob"))

	for user, c := range map[string]*testClient{"alice": alice, "bob": bob} {
		f := c.next(t)
		assert.Equal(t, protocol.EventMatchFound, f.Type)
		var p protocol.MatchFoundPayload
		require.NoError(t, json.Unmarshal(f.Payload, &p))
		assert.Equal(t, "s1", p.SessionID)
		assert.Equal(t, user, p.UserID, "first frame for %s must be addressed to them", user)
	}
}

func TestDeliver_EveryConnectionOfUser(t *testing.T) {
	srv, hs := newTestServer(t, ServerConfig{})
	tab1 := dialUser(t, hs, "alice")
	tab2 := dialUser(t, hs, "alice")

	srv.Deliver(event(t, protocol.EventSessionEnded, "s9", "alice"))

	assert.Equal(t, protocol.EventSessionEnded, tab1.next(t).Type)
	assert.Equal(t, protocol.EventSessionEnded, tab2.next(t).Type)
}

func TestDeliver_IgnoresMalformedAndUnknownUsers(t *testing.T) {
	srv, hs := newTestServer(t, ServerConfig{})
	alice := dialUser(t, hs, "alice")

	srv.Deliver([]byte("not json"))
	srv.Deliver([]byte(`{"event":"match_found","payload":{}}`))
	srv.Deliver(event(t, protocol.EventMatchFound, "s1", "nobody"))
	srv.Deliver(event(t, protocol.EventMatchFound, "s2", "alice"))

	f := alice.next(t)
	var p protocol.MatchFoundPayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	assert.Equal(t, "s2", p.SessionID)
}

func TestClientFrames(t *testing.T) {
	_, hs := newTestServer(t, ServerConfig{})
	c := dialUser(t, hs, "alice")

	c.send(t, `{"type":"ping"}`)
	assert.Equal(t, protocol.TypePong, c.next(t).Type)

	c.send(t, `{"type":"chat","text":"hi"}`)
	f := c.next(t)
	assert.Equal(t, protocol.TypeError, f.Type)
	var p protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	assert.Equal(t, "invalid_message", p.Code)
}

func TestConnectionRemovedOnClientClose(t *testing.T) {
	srv, hs := newTestServer(t, ServerConfig{})
	c := dialUser(t, hs, "alice")
	require.Equal(t, 1, srv.Connections().Count())

	require.NoError(t, c.conn.Close())

	assert.Eventually(t, func() bool { return srv.Connections().Count() == 0 },
		2*time.Second, 10*time.Millisecond)
	assert.Empty(t, srv.Connections().ForUser("alice"))
}

func TestMaxConnections(t *testing.T) {
	_, hs := newTestServer(t, ServerConfig{MaxConnections: 1})
	dialUser(t, hs, "alice")

	token, err := auth.Sign(secret, "bob", time.Hour)
	require.NoError(t, err)
	_, _, _, err = ws.Dial(context.Background(), "ws"+strings.TrimPrefix(hs.URL, "http")+"/ws?token="+token)
	assert.Error(t, err)
}

func TestHeartbeatEvictsSilentConnections(t *testing.T) {
	srv, hs := newTestServer(t, ServerConfig{
		Heartbeat: HeartbeatConfig{Interval: 20 * time.Millisecond, Timeout: 20 * time.Millisecond},
	})
	// The client never reads, so the server's pings go unanswered.
	dialUser(t, hs, "alice")
	assert.Eventually(t, func() bool { return srv.Connections().Count() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestSubscribe_RedisBroadcastReachesClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	broker := messaging.NewRedisBroker(client, nil)
	t.Cleanup(func() { _ = broker.Close() })

	srv, hs := newTestServer(t, ServerConfig{})
	require.NoError(t, srv.Subscribe(broker, ""))
	alice := dialUser(t, hs, "alice")

	err := messaging.Broadcast(context.Background(), broker, protocol.ChannelMatching,
		protocol.EventMatchFound, protocol.MatchFoundPayload{SessionID: "s1", UserID: "alice"})
	require.NoError(t, err)

	f := alice.next(t)
	assert.Equal(t, protocol.EventMatchFound, f.Type)
}

func TestHealth(t *testing.T) {
	_, hs := newTestServer(t, ServerConfig{})
	dialUser(t, hs, "alice")

	resp, err := http.Get(hs.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Connections)
}

package loadtest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyhub/matchmaking/internal/auth"
	"github.com/studyhub/matchmaking/internal/httpapi"
	"github.com/studyhub/matchmaking/internal/matching"
	"github.com/studyhub/matchmaking/internal/messaging"
	"github.com/studyhub/matchmaking/internal/protocol"
	"github.com/studyhub/matchmaking/internal/realtime"
	"github.com/studyhub/matchmaking/internal/store"
)

const secret = "loadtest-secret"

func TestSummarize(t *testing.T) {
	var d []time.Duration
	for i := 100; i >= 1; i-- {
		d = append(d, time.Duration(i)*time.Millisecond)
	}

	p := Summarize(d)
	assert.Equal(t, 100, p.N)
	assert.Equal(t, 51*time.Millisecond, p.P50)
	assert.Equal(t, 95*time.Millisecond, p.P95)
	assert.Equal(t, 99*time.Millisecond, p.P99)
	assert.Equal(t, 100*time.Millisecond, p.Max)
	assert.Equal(t, 50500*time.Microsecond, p.Avg)
	assert.Equal(t, 100*time.Millisecond, d[0], "input must not be reordered")

	assert.Equal(t, Percentiles{}, Summarize(nil))
}

func TestCollector_Report(t *testing.T) {
	c := NewCollector()
	c.AddConnect(time.Millisecond)
	c.AddMatch(20 * time.Millisecond)
	c.AddError()

	assert.Equal(t, 1, c.ConnectionCount())
	assert.Equal(t, 1, c.MatchCount())
	assert.Equal(t, 1, c.ErrorCount())

	var buf bytes.Buffer
	c.Report(&buf)
	out := buf.String()
	assert.Contains(t, out, "Matches:      1")
	assert.Contains(t, out, "Time To Match")
}

// stack runs the matchmaker API and the gateway joined by a Redis broker.
type stack struct {
	api     *httptest.Server
	gateway string
	svc     *matching.Service
}

func newStack(t *testing.T) stack {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	broker := messaging.NewRedisBroker(client, nil)
	t.Cleanup(func() { _ = broker.Close() })

	st := store.NewMemory()
	svc := matching.NewService(st,
		matching.NewMatcher(st, matching.MatcherConfig{}, nil),
		nil,
		matching.NewNotifier(broker, protocol.ChannelMatching, nil),
		matching.ServiceConfig{},
		nil)
	t.Cleanup(svc.Stop)
	require.NoError(t, svc.SubscribePresence(broker, protocol.ChannelPresence))

	api := httptest.NewServer(httpapi.NewRouter(httpapi.Deps{
		Service:  svc,
		Reaper:   matching.NewReaper(st, nil, 0, 0, nil),
		Verifier: auth.NewVerifier(secret),
	}))
	t.Cleanup(api.Close)

	gw := realtime.NewServer(realtime.ServerConfig{}, auth.NewVerifier(secret), nil)
	require.NoError(t, gw.Subscribe(broker, protocol.ChannelMatching))
	gw.PublishPresence(broker, protocol.ChannelPresence)
	hs := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		hs.Close()
		_ = gw.Shutdown(context.Background())
	})

	return stack{api: api, gateway: "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws", svc: svc}
}

func (s stack) dial(t *testing.T, userID string) *Client {
	t.Helper()
	token, err := auth.Sign(secret, userID, time.Hour)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, s.gateway, s.api.URL, userID, token)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.WaitConnected(ctx))
	return c
}

func matchFound(c *Client) <-chan string {
	ch := make(chan string, 1)
	c.On(protocol.EventMatchFound, func(payload json.RawMessage) {
		var p protocol.MatchFoundPayload
		if json.Unmarshal(payload, &p) == nil {
			ch <- p.SessionID
		}
	})
	return ch
}

func TestClient_PairReceivesMatchFound(t *testing.T) {
	s := newStack(t)
	alice := s.dial(t, "alice")
	bob := s.dial(t, "bob")
	aliceFound := matchFound(alice)
	bobFound := matchFound(bob)

	ctx := context.Background()
	require.NoError(t, alice.Join(ctx, string(store.ModeGlobal)))
	require.NoError(t, bob.Join(ctx, string(store.ModeGlobal)))

	var sessions []string
	for _, ch := range []<-chan string{aliceFound, bobFound} {
		select {
		case id := <-ch:
			sessions = append(sessions, id)
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for match_found")
		}
	}
	assert.Equal(t, sessions[0], sessions[1])

	require.NoError(t, alice.End(ctx, sessions[0]))
}

func TestClient_LeaveWithoutPartner(t *testing.T) {
	s := newStack(t)
	alice := s.dial(t, "alice")

	ctx := context.Background()
	require.NoError(t, alice.Join(ctx, string(store.ModeGlobal)))
	require.NoError(t, alice.Leave(ctx))
}

func TestDial_RejectsBadToken(t *testing.T) {
	s := newStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Dial(ctx, s.gateway, s.api.URL, "alice", "not-a-token")
	assert.Error(t, err)
}

func TestClient_DisconnectEndsSessionForPartner(t *testing.T) {
	s := newStack(t)
	alice := s.dial(t, "alice")
	bob := s.dial(t, "bob")
	aliceFound := matchFound(alice)
	bobFound := matchFound(bob)

	ended := make(chan protocol.SessionEndedPayload, 1)
	alice.On(protocol.EventSessionEnded, func(payload json.RawMessage) {
		var p protocol.SessionEndedPayload
		if json.Unmarshal(payload, &p) == nil {
			ended <- p
		}
	})

	ctx := context.Background()
	require.NoError(t, alice.Join(ctx, string(store.ModeGlobal)))
	require.NoError(t, bob.Join(ctx, string(store.ModeGlobal)))

	var sessionID string
	for _, ch := range []<-chan string{aliceFound, bobFound} {
		select {
		case sessionID = <-ch:
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for match_found")
		}
	}

	require.NoError(t, bob.Close())

	select {
	case p := <-ended:
		assert.Equal(t, sessionID, p.SessionID)
		assert.Equal(t, "bob", p.EndedBy)
	case <-time.After(3 * time.Second):
		t.Fatal("partner was not told about the disconnect")
	}
	_, err := s.svc.ActiveSession(ctx, "alice")
	assert.ErrorIs(t, err, matching.ErrNoActiveSession)
}

func TestClient_DisconnectLeavesQueue(t *testing.T) {
	s := newStack(t)
	alice := s.dial(t, "alice")

	ctx := context.Background()
	require.NoError(t, alice.Join(ctx, string(store.ModeGlobal)))
	status, err := s.svc.Status(ctx, "alice")
	require.NoError(t, err)
	require.True(t, status.Queued)

	require.NoError(t, alice.Close())

	assert.Eventually(t, func() bool {
		status, err := s.svc.Status(ctx, "alice")
		return err == nil && !status.Queued
	}, 3*time.Second, 10*time.Millisecond)
}

package realtime

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyhub/matchmaking/internal/protocol"
)

// expectClose reads the next frame and checks it is a close frame with code.
func expectClose(t *testing.T, c *testClient, code ws.StatusCode) {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	frame, err := ws.ReadFrame(c)
	require.NoError(t, err)
	require.Equal(t, ws.OpClose, frame.Header.OpCode)
	got, _ := ws.ParseCloseFrameData(frame.Payload)
	assert.Equal(t, code, got)
}

func TestReadLoop_HugeDeclaredLengthClosesConnection(t *testing.T) {
	srv, hs := newTestServer(t, ServerConfig{})
	c := dialUser(t, hs, "alice")
	other := dialUser(t, hs, "bob")

	// Only the header is sent; the declared payload would not fit in memory.
	require.NoError(t, ws.WriteHeader(c.conn, ws.Header{
		Fin:    true,
		OpCode: ws.OpText,
		Masked: true,
		Mask:   ws.NewMask(),
		Length: 1 << 62,
	}))

	expectClose(t, c, ws.StatusMessageTooBig)
	assert.Eventually(t, func() bool { return len(srv.Connections().ForUser("alice")) == 0 },
		2*time.Second, 10*time.Millisecond)

	// The gateway keeps serving everyone else.
	other.send(t, `{"type":"ping"}`)
	assert.Equal(t, protocol.TypePong, other.next(t).Type)
}

func TestReadLoop_FrameOverConfiguredLimit(t *testing.T) {
	srv, hs := newTestServer(t, ServerConfig{MaxMessageSize: 32})
	c := dialUser(t, hs, "alice")

	c.send(t, `{"type":"ping"}`)
	assert.Equal(t, protocol.TypePong, c.next(t).Type)

	require.NoError(t, wsutil.WriteClientText(c.conn, []byte(`{"type":"ping","pad":"`+strings.Repeat("x", 64)+`"}`)))
	expectClose(t, c, ws.StatusMessageTooBig)
	assert.Eventually(t, func() bool { return srv.Connections().Count() == 0 },
		2*time.Second, 10*time.Millisecond)
}

type capturedPublish struct {
	channel string
	data    []byte
}

type capturingPublisher struct {
	mu   sync.Mutex
	msgs []capturedPublish
}

func (p *capturingPublisher) Publish(_ context.Context, channel string, data []byte) error {
	p.mu.Lock()
	p.msgs = append(p.msgs, capturedPublish{channel: channel, data: data})
	p.mu.Unlock()
	return nil
}

func (p *capturingPublisher) snapshot() []capturedPublish {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]capturedPublish(nil), p.msgs...)
}

func TestPresence_LastConnectionAnnouncesDisconnect(t *testing.T) {
	srv, hs := newTestServer(t, ServerConfig{})
	pub := &capturingPublisher{}
	srv.PublishPresence(pub, "")

	tab1 := dialUser(t, hs, "alice")
	tab2 := dialUser(t, hs, "alice")

	require.NoError(t, tab1.conn.Close())
	assert.Eventually(t, func() bool { return srv.Connections().Count() == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Empty(t, pub.snapshot(), "alice still has a connection")

	require.NoError(t, tab2.conn.Close())
	require.Eventually(t, func() bool { return len(pub.snapshot()) == 1 },
		2*time.Second, 10*time.Millisecond)

	got := pub.snapshot()[0]
	assert.Equal(t, protocol.ChannelPresence, got.channel)
	msg, userID, err := protocol.ParseMessage(got.data)
	require.NoError(t, err)
	assert.Equal(t, protocol.EventUserDisconnected, msg.Event)
	assert.Equal(t, "alice", userID)
}

func TestPresence_ShutdownDoesNotAnnounce(t *testing.T) {
	srv, hs := newTestServer(t, ServerConfig{})
	pub := &capturingPublisher{}
	srv.PublishPresence(pub, "")
	dialUser(t, hs, "alice")

	require.NoError(t, srv.Shutdown(context.Background()))
	assert.Zero(t, srv.Connections().Count())
	assert.Empty(t, pub.snapshot())
}

package matching

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyhub/matchmaking/internal/messaging"
	"github.com/studyhub/matchmaking/internal/protocol"
	"github.com/studyhub/matchmaking/internal/store"
)

func TestHandleDisconnect_LeavesQueue(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.join(t, "x", store.ModeGlobal)

	require.NoError(t, f.svc.HandleDisconnect(ctx, "x"))

	status, err := f.svc.Status(ctx, "x")
	require.NoError(t, err)
	assert.False(t, status.Queued)

	f.join(t, "y", store.ModeGlobal)
	assert.Empty(t, f.pub.events(protocol.EventMatchFound), "a disconnected user must not be matched")
}

func TestHandleDisconnect_EndsSessionAndTellsPartner(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.join(t, "x", store.ModeGlobal)
	f.join(t, "y", store.ModeGlobal)
	sess, err := f.svc.ActiveSession(ctx, "x")
	require.NoError(t, err)

	require.NoError(t, f.svc.HandleDisconnect(ctx, "x"))

	_, err = f.svc.ActiveSession(ctx, "y")
	assert.ErrorIs(t, err, ErrNoActiveSession)
	ended, err := f.store.Session(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "x", ended.EndedBy)
	assert.Equal(t, []string{"y"}, f.pub.recipients(t, protocol.EventSessionEnded))

	// A second disconnect of the same user changes nothing.
	require.NoError(t, f.svc.HandleDisconnect(ctx, "x"))
	assert.Len(t, f.pub.events(protocol.EventSessionEnded), 1)
}

func TestSubscribePresence_RedisDisconnectEndsSession(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	broker := messaging.NewRedisBroker(client, nil)
	t.Cleanup(func() { _ = broker.Close() })

	f := newFixture(t, nil)
	require.NoError(t, f.svc.SubscribePresence(broker, ""))
	f.join(t, "x", store.ModeGlobal)
	f.join(t, "y", store.ModeGlobal)

	ctx := context.Background()
	require.NoError(t, messaging.Broadcast(ctx, broker, protocol.ChannelPresence,
		protocol.EventUserDisconnected, protocol.UserDisconnectedPayload{UserID: "y"}))

	assert.Eventually(t, func() bool {
		_, err := f.svc.ActiveSession(ctx, "x")
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"x"}, f.pub.recipients(t, protocol.EventSessionEnded))
}

func TestHandlePresence_IgnoresOtherEvents(t *testing.T) {
	f := newFixture(t, nil)
	f.join(t, "x", store.ModeGlobal)

	data, err := protocol.NewMessage(protocol.EventMatchFound, protocol.MatchFoundPayload{SessionID: "s", UserID: "x"})
	require.NoError(t, err)
	f.svc.handlePresence(data)
	f.svc.handlePresence([]byte("{not json"))

	status, err := f.svc.Status(context.Background(), "x")
	require.NoError(t, err)
	assert.True(t, status.Queued)
}

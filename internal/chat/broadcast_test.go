package chat_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/lan-chat/internal/chat"
	"github.com/omochice/lan-chat/internal/staging"
	"github.com/omochice/lan-chat/pkg/protocol"
)

// drain closes every session and runs its writer so Written is final.
func drain(t *testing.T, registry *chat.Registry) {
	t.Helper()
	for _, s := range registry.Snapshot() {
		registry.Remove(s.ID())
		_ = s.WriteLoop()
	}
}

func TestBroadcast_ExcludesOrigin(t *testing.T) {
	registry := chat.NewRegistry(8)
	broadcaster := chat.NewBroadcaster(registry, protocol.NewLegacy(0), testLogger())

	conns := []*mockConn{newMockConn("a"), newMockConn("b"), newMockConn("c")}
	ids := make([]chat.SessionID, len(conns))
	for i, c := range conns {
		ids[i] = registry.Add(c)
	}

	delivered := broadcaster.Broadcast(ids[0], "alice: hi")
	assert.Equal(t, 2, delivered)

	drain(t, registry)
	assert.Empty(t, conns[0].Written())
	assert.Equal(t, "alice: hi", string(conns[1].Written()))
	assert.Equal(t, "alice: hi", string(conns[2].Written()))
}

func TestBroadcast_ServerNoticeReachesEveryone(t *testing.T) {
	registry := chat.NewRegistry(8)
	broadcaster := chat.NewBroadcaster(registry, protocol.NewLegacy(0), testLogger())

	a, b := newMockConn("a"), newMockConn("b")
	registry.Add(a)
	registry.Add(b)

	assert.Equal(t, 2, broadcaster.Broadcast(chat.NoSession, "server restarting"))
}

func TestBroadcast_DisconnectsStuckPeer(t *testing.T) {
	registry := chat.NewRegistry(1).WithSendTimeout(50 * time.Millisecond)
	broadcaster := chat.NewBroadcaster(registry, protocol.NewLegacy(0), testLogger())

	origin := registry.Add(newMockConn("origin"))
	stuck := newMockConn("stuck")
	stuckID := registry.Add(stuck)
	healthy := newMockConn("healthy")
	healthyID := registry.Add(healthy)

	stuckSession, _ := registry.Get(stuckID)
	require.NoError(t, stuckSession.Send([]byte("backlog")))

	assert.Equal(t, 1, broadcaster.Broadcast(origin, "hello"))
	assert.True(t, stuck.Closed(), "stuck peer is disconnected so the loss is visible")
	assert.Equal(t, 3, registry.Count(), "the broadcaster never removes sessions")

	s, _ := registry.Get(healthyID)
	registry.Remove(healthyID)
	require.NoError(t, s.WriteLoop())
	assert.Equal(t, "hello", string(healthy.Written()))
}

func TestBroadcast_BusyPeerReceivesEverything(t *testing.T) {
	codec := protocol.NewFramed(0)
	registry := chat.NewRegistry(64)
	broadcaster := chat.NewBroadcaster(registry, codec, testLogger())

	talker := registry.Add(newMockConn("talker"))
	peer := newMockConn("peer")
	peerID := registry.Add(peer)
	peerSession, _ := registry.Get(peerID)

	go func() { _ = peerSession.WriteLoop() }()
	require.NoError(t, peerSession.Enqueue(slowJob{delay: 300 * time.Millisecond}))

	const messages = 100
	for i := 0; i < messages; i++ {
		require.Equal(t, 1, broadcaster.Broadcast(talker, fmt.Sprintf("bob: line %d", i)))
	}
	registry.Remove(peerID)
	<-peerSession.Done()

	got := decodePeer(t, codec, peer.Written())
	require.Len(t, got.texts, messages)
	for i, text := range got.texts {
		assert.Equal(t, fmt.Sprintf("bob: line %d", i), text)
	}
	assert.False(t, peer.Closed())
}

// staleSessions hands out a snapshot taken before some sessions left.
type staleSessions struct {
	*chat.Registry
	snapshot []*chat.Session
}

func (s staleSessions) Snapshot() []*chat.Session { return s.snapshot }

func TestBroadcastAndRelay_ClosedPeerDoesNotAffectOthers(t *testing.T) {
	req := require.New(t)
	codec := protocol.NewFramed(0)
	registry := chat.NewRegistry(16)

	senderID := registry.Add(newMockConn("sender"))
	registry.SetName(senderID, "alice")
	sender, _ := registry.Get(senderID)
	a, b := newMockConn("a"), newMockConn("b")
	registry.Add(a)
	registry.Add(b)
	broken := newMockConn("broken")
	broken.writeErr = errors.New("broken pipe")
	_ = broken.Close()
	registry.Add(broken)
	gone := newMockConn("gone")
	goneID := registry.Add(gone)

	sessions := staleSessions{Registry: registry, snapshot: registry.Snapshot()}
	registry.Remove(goneID)

	store, err := staging.New(filepath.Join(t.TempDir(), "ReceivedFiles"), testLogger())
	req.NoError(err)
	broadcaster := chat.NewBroadcaster(sessions, codec, testLogger())
	relay := chat.NewRelay(sessions, codec, store, testChunkSize, testLogger())

	broadcaster.Broadcast(senderID, "alice: before")

	content := pattern(testChunkSize*2 + 9)
	dec := codec.NewDecoder(bytes.NewReader(uploadStream(codec, "shared.bin", content, "")), protocol.StateIdle)
	header, err := dec.Next()
	req.NoError(err)
	req.NoError(relay.Transfer(context.Background(), sender, header.Text, dec))

	broadcaster.Broadcast(senderID, "alice: after")

	drain(t, registry)
	req.Equal(a.Written(), b.Written(), "live peers receive identical bytes")
	got := decodePeer(t, codec, a.Written())
	req.Equal("shared.bin", got.name)
	req.Equal(content, got.content)
	req.Equal([]string{"alice: before", "alice: after"}, got.texts)
	req.Empty(gone.Written())
	req.Empty(broken.Written())
}

func TestBroadcast_Empty(t *testing.T) {
	registry := chat.NewRegistry(1)
	broadcaster := chat.NewBroadcaster(registry, protocol.NewLegacy(0), testLogger())
	assert.Zero(t, broadcaster.Broadcast(chat.NoSession, "anyone?"))
}

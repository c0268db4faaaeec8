package chat_test

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/lan-chat/internal/chat"
)

func TestSession_WriteLoopPreservesOrder(t *testing.T) {
	registry := chat.NewRegistry(8)
	conn := newMockConn("a")
	id := registry.Add(conn)
	s, _ := registry.Get(id)

	require.NoError(t, s.Send([]byte("one ")))
	require.NoError(t, s.Send([]byte("two ")))
	require.NoError(t, s.Send([]byte("three")))

	registry.Remove(id)
	require.NoError(t, s.WriteLoop())

	assert.Equal(t, "one two three", string(conn.Written()))
	<-s.Done()
}

func TestSession_StuckPeerIsDisconnected(t *testing.T) {
	registry := chat.NewRegistry(2).WithSendTimeout(20 * time.Millisecond)
	conn := newMockConn("a")
	id := registry.Add(conn)
	s, _ := registry.Get(id)

	require.NoError(t, s.Send([]byte("1")))
	require.NoError(t, s.Send([]byte("2")))
	assert.ErrorIs(t, s.Send([]byte("3")), chat.ErrQueueFull)
	assert.True(t, conn.Closed(), "a stuck peer must be disconnected, not silently skipped")
	assert.Equal(t, 1, registry.Count(), "removal is left to the session worker")
}

// slowJob holds the writer like a large file transfer does.
type slowJob struct {
	delay time.Duration
}

func (j slowJob) WriteTo(io.Writer) (int64, error) {
	time.Sleep(j.delay)
	return 0, nil
}

func TestSession_BusyPeerWaitsInsteadOfDropping(t *testing.T) {
	registry := chat.NewRegistry(1)
	conn := newMockConn("a")
	id := registry.Add(conn)
	s, _ := registry.Get(id)

	go func() { _ = s.WriteLoop() }()
	require.NoError(t, s.Enqueue(slowJob{delay: 100 * time.Millisecond}))
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Send([]byte{byte('0' + i)}))
	}
	registry.Remove(id)
	<-s.Done()

	assert.Equal(t, "01234", string(conn.Written()))
	assert.False(t, conn.Closed())
}

func TestSession_EnqueueAfterRemove(t *testing.T) {
	registry := chat.NewRegistry(1)
	id := registry.Add(newMockConn("a"))
	s, _ := registry.Get(id)
	registry.Remove(id)

	assert.ErrorIs(t, s.Send([]byte("late")), chat.ErrSessionClosed)
}

func TestSession_WriteErrorClosesConn(t *testing.T) {
	registry := chat.NewRegistry(8)
	conn := newMockConn("a")
	conn.writeErr = errors.New("broken pipe")
	id := registry.Add(conn)
	s, _ := registry.Get(id)

	require.NoError(t, s.Send([]byte("lost")))
	require.NoError(t, s.Send([]byte("also lost")))
	registry.Remove(id)

	err := s.WriteLoop()
	assert.EqualError(t, err, "broken pipe")
	assert.True(t, conn.Closed())
}

func TestIsSessionFatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "staging", err: chat.ErrStaging, want: false},
		{name: "other", err: errors.New("connection reset"), want: true},
		{name: "session closed", err: chat.ErrSessionClosed, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, chat.IsSessionFatal(tt.err))
		})
	}
}

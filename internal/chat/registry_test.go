package chat_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/lan-chat/internal/chat"
)

func TestRegistry_AddAndRemove(t *testing.T) {
	registry := chat.NewRegistry(4)

	first := registry.Add(newMockConn("a"))
	second := registry.Add(newMockConn("b"))
	assert.Less(t, first, second)
	assert.NotEqual(t, chat.NoSession, first)
	assert.Equal(t, 2, registry.Count())

	registry.Remove(first)
	registry.Remove(first)
	assert.Equal(t, 1, registry.Count())

	_, ok := registry.Get(first)
	assert.False(t, ok)

	third := registry.Add(newMockConn("c"))
	assert.Greater(t, third, second, "ids must never be reused")
}

func TestRegistry_SetName(t *testing.T) {
	registry := chat.NewRegistry(4)
	id := registry.Add(newMockConn("a"))

	registry.SetName(id, "alice")
	registry.SetName(id+100, "ghost")

	s, ok := registry.Get(id)
	require.True(t, ok)
	assert.Equal(t, "alice", s.Name())
}

func TestRegistry_SnapshotIsOrderedCopy(t *testing.T) {
	registry := chat.NewRegistry(4)
	ids := make([]chat.SessionID, 5)
	for i := range ids {
		ids[i] = registry.Add(newMockConn(fmt.Sprintf("c%d", i)))
	}

	snapshot := registry.Snapshot()
	assert.Equal(t, ids, lo.Map(snapshot, func(s *chat.Session, _ int) chat.SessionID { return s.ID() }))

	registry.Remove(ids[0])
	assert.Len(t, snapshot, 5, "snapshot must not change after removal")
	assert.Len(t, registry.Snapshot(), 4)
}

func TestRegistry_RemoveClosesQueue(t *testing.T) {
	registry := chat.NewRegistry(4)
	id := registry.Add(newMockConn("a"))
	stale := registry.Snapshot()

	registry.Remove(id)

	err := stale[0].Send([]byte("late"))
	assert.ErrorIs(t, err, chat.ErrSessionClosed)
}

func TestRegistry_ConcurrentJoinLeave(t *testing.T) {
	const n = 100
	registry := chat.NewRegistry(4)

	var mu sync.Mutex
	seen := make(map[chat.SessionID]bool)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := registry.Add(newMockConn(fmt.Sprintf("c%d", i)))
			registry.SetName(id, fmt.Sprintf("user%d", i))
			_ = registry.Snapshot()

			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Len(t, seen, n, "every join must get a distinct id")
	assert.Equal(t, n, registry.Count())

	for id := range seen {
		wg.Add(1)
		go func(id chat.SessionID) {
			defer wg.Done()
			registry.Remove(id)
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 0, registry.Count())
	assert.Empty(t, registry.Snapshot())
}

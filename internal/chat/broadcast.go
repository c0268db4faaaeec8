package chat

import (
	"log/slog"

	"github.com/samber/lo"

	"github.com/omochice/lan-chat/pkg/protocol"
)

// Broadcaster delivers chat text to every live session but the originator.
type Broadcaster struct {
	sessions Sessions
	enc      protocol.Encoder
	log      *slog.Logger
}

func NewBroadcaster(sessions Sessions, enc protocol.Encoder, log *slog.Logger) *Broadcaster {
	return &Broadcaster{sessions: sessions, enc: enc, log: log}
}

// Broadcast queues text for every session except origin and returns how
// many sessions accepted it. It waits on peers whose queue is full. A peer
// that is closed, or stuck past its send timeout, is logged and skipped;
// a stuck peer also has its connection closed so its own worker removes it.
func (b *Broadcaster) Broadcast(origin SessionID, text string) int {
	data := b.enc.Text(text)
	peers := lo.Reject(b.sessions.Snapshot(), func(s *Session, _ int) bool {
		return s.ID() == origin
	})

	delivered := 0
	for _, peer := range peers {
		if err := peer.Send(data); err != nil {
			b.log.Warn("Broadcast delivery skipped", "session_id", peer.ID(), "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/omochice/lan-chat/pkg/protocol"
)

// Handler runs the per-connection session worker.
type Handler struct {
	sessions    Sessions
	broadcaster *Broadcaster
	relay       *Relay
	codec       protocol.Codec
	log         *slog.Logger
}

func NewHandler(sessions Sessions, broadcaster *Broadcaster, relay *Relay, codec protocol.Codec, log *slog.Logger) *Handler {
	return &Handler{
		sessions:    sessions,
		broadcaster: broadcaster,
		relay:       relay,
		codec:       codec,
		log:         log,
	}
}

// Serve registers conn, reads its display name and dispatches frames until
// the connection ends or ctx is cancelled. The session is removed and conn
// closed before Serve returns.
func (h *Handler) Serve(ctx context.Context, conn Conn) {
	id := h.sessions.Add(conn)
	session, _ := h.sessions.Get(id)
	log := h.log.With("session_id", id, "remote_addr", conn.RemoteAddr())

	go func() {
		if err := session.WriteLoop(); err != nil {
			log.Debug("Write loop ended", "error", err)
		}
	}()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	name, err := h.run(ctx, session, log)
	switch {
	case err == nil, isClosed(err):
		log.Info("Client disconnected", "name", name)
	case ctx.Err() != nil:
		log.Debug("Session cancelled", "name", name)
	default:
		log.Warn("Session ended", "name", name, "error", err)
	}

	h.sessions.Remove(id)
	_ = conn.Close()
	<-session.Done()

	if name != "" {
		h.broadcaster.Broadcast(id, name+" left the chat.")
	}
}

// run returns the display name once known and the error that ended the
// session.
func (h *Handler) run(ctx context.Context, session *Session, log *slog.Logger) (string, error) {
	dec := h.codec.NewDecoder(session.Conn(), protocol.StateAwaitingName)

	name, err := dec.ReadName()
	if err != nil {
		return "", err
	}
	if name == "" {
		name = fmt.Sprintf("guest-%d", session.ID())
	}
	h.sessions.SetName(session.ID(), name)
	log.Info("Client joined", "name", name)
	h.broadcaster.Broadcast(session.ID(), name+" joined the chat.")

	for {
		frame, err := dec.Next()
		if err != nil {
			if !IsSessionFatal(err) {
				log.Warn("Ignoring malformed frame", "error", err)
				continue
			}
			return name, err
		}

		switch frame.Kind {
		case protocol.FrameText:
			log.Debug("Message received", "length", len(frame.Text))
			h.broadcaster.Broadcast(session.ID(), name+": "+frame.Text)
		case protocol.FrameFileHeader:
			log.Info("Receiving file", "file", frame.Text)
			if err := h.relay.Transfer(ctx, session, frame.Text, dec); err != nil {
				if IsSessionFatal(err) {
					return name, err
				}
			}
		default:
			return name, errors.New("chat: unexpected file chunk")
		}
	}
}

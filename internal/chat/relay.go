package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/samber/lo"

	"github.com/omochice/lan-chat/internal/ledger"
	"github.com/omochice/lan-chat/internal/staging"
	"github.com/omochice/lan-chat/pkg/protocol"
)

// Recorder receives one entry per completed relay.
type Recorder interface {
	Record(t ledger.Transfer) error
}

// Relay stages an incoming file on disk, then forwards it to every other
// session. The file is fully received before any peer sees its header.
type Relay struct {
	sessions  Sessions
	enc       protocol.Encoder
	store     *staging.Store
	recorder  Recorder
	chunkSize int
	log       *slog.Logger
}

func NewRelay(sessions Sessions, enc protocol.Encoder, store *staging.Store, chunkSize int, log *slog.Logger) *Relay {
	if chunkSize <= 0 {
		chunkSize = protocol.DefaultChunkSize
	}
	return &Relay{
		sessions:  sessions,
		enc:       enc,
		store:     store,
		chunkSize: chunkSize,
		log:       log,
	}
}

// WithRecorder sets where completed transfers are recorded.
func (r *Relay) WithRecorder(rec Recorder) *Relay {
	r.recorder = rec
	return r
}

// Transfer consumes the file chunks that follow a header from src and
// relays the file to all sessions except sender. It returns once the
// final chunk has been read.
//
// A disk failure or a framing anomaly inside the transfer drops the file:
// the remaining chunks are drained so the stream stays in sync, and the
// returned error satisfies IsSessionFatal == false. Errors from the
// stream itself are returned as is.
func (r *Relay) Transfer(ctx context.Context, sender *Session, fileName string, src protocol.Decoder) error {
	file, stageErr := r.store.Create(fileName)
	if stageErr != nil {
		stageErr = fmt.Errorf("%w: %w", ErrStaging, stageErr)
	}
	var dropped error = stageErr

	drop := func(err error) {
		if dropped == nil {
			dropped = err
			_ = file.Abort()
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			drop(err)
			return err
		}
		frame, err := src.Next()
		if err != nil {
			if errors.Is(err, protocol.ErrFraming) {
				drop(err)
				continue
			}
			drop(err)
			return err
		}
		if dropped == nil && len(frame.Data) > 0 {
			if _, err := file.Write(frame.Data); err != nil {
				drop(fmt.Errorf("%w: %w", ErrStaging, err))
			}
		}
		if frame.Final {
			break
		}
	}
	if dropped != nil {
		r.log.Warn("File transfer dropped", "sender", sender.Name(), "file", fileName, "error", dropped)
		return dropped
	}

	staged, err := file.Commit()
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrStaging, err)
		r.log.Warn("File transfer dropped", "sender", sender.Name(), "file", fileName, "error", err)
		return err
	}

	recipients := r.forward(sender.ID(), staged)
	r.log.Info("File relayed",
		"sender", sender.Name(),
		"file", staged.Name,
		"size", staged.Size,
		"mime_type", staged.MimeType,
		"recipients", recipients)

	if r.recorder != nil {
		err := r.recorder.Record(ledger.Transfer{
			ID:         staged.ID,
			SenderID:   uint64(sender.ID()),
			Sender:     sender.Name(),
			Name:       staged.Name,
			Size:       staged.Size,
			MimeType:   staged.MimeType,
			Recipients: recipients,
		})
		if err != nil {
			r.log.Error("Failed to record transfer", "file", staged.Name, "error", err)
		}
	}
	return nil
}

func (r *Relay) forward(origin SessionID, staged staging.Staged) int {
	peers := lo.Reject(r.sessions.Snapshot(), func(s *Session, _ int) bool {
		return s.ID() == origin
	})

	delivered := 0
	for _, peer := range peers {
		job := &fileJob{
			path:      staged.Path,
			name:      staged.Name,
			enc:       r.enc,
			chunkSize: r.chunkSize,
			log:       r.log,
		}
		if err := peer.Enqueue(job); err != nil {
			r.log.Warn("File delivery skipped", "session_id", peer.ID(), "file", staged.Name, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// fileJob writes a staged file as header, content chunks and final chunk.
// It runs on the recipient's writer, so the sequence is never interleaved
// with other frames for that recipient.
type fileJob struct {
	path      string
	name      string
	enc       protocol.Encoder
	chunkSize int
	log       *slog.Logger
}

// WriteTo only returns errors from w. A staged file that cannot be read
// is logged; if its header was already sent the transfer is closed with
// a final chunk so the recipient stays in sync.
func (j *fileJob) WriteTo(w io.Writer) (int64, error) {
	f, err := os.Open(j.path)
	if err != nil {
		j.log.Error("Failed to open staged file", "path", j.path, "error", err)
		return 0, nil
	}
	defer f.Close()

	var written int64
	write := func(data []byte) error {
		n, err := w.Write(data)
		written += int64(n)
		return err
	}

	if err := write(j.enc.FileHeader(j.name)); err != nil {
		return written, err
	}
	buf := make([]byte, j.chunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if werr := write(j.enc.FileChunk(buf[:n], false)); werr != nil {
				return written, werr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			j.log.Error("Failed to read staged file", "path", j.path, "error", err)
			break
		}
	}
	return written, write(j.enc.FileChunk(nil, true))
}

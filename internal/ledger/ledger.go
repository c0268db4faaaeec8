// Package ledger keeps a history of relayed files in BadgerDB.
package ledger

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/mama165/sdk-go/database"
	"github.com/samber/lo"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const keyPrefix = "xfer:"

// Transfer is one completed file relay.
type Transfer struct {
	ID         uuid.UUID
	SenderID   uint64
	Sender     string
	Name       string
	Size       int64
	MimeType   string
	Recipients int
	At         time.Time
}

// Ledger stores transfers keyed by time.
type Ledger struct {
	db  *badger.DB
	log *slog.Logger
}

// Open opens the ledger at path. An empty path keeps it in memory.
func Open(path string, log *slog.Logger) (*Ledger, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts.WithLoggingLevel(badger.WARNING))
	if err != nil {
		return nil, fmt.Errorf("ledger: open %q: %w", path, err)
	}
	return &Ledger{db: db, log: log}, nil
}

// Record persists a transfer.
// The key is "xfer:{unix_nano padded to 19 digits}:{uuid}" so a plain
// lexicographic scan returns transfers in time order and two transfers in
// the same nanosecond cannot overwrite each other.
func (l *Ledger) Record(t Transfer) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.At.IsZero() {
		t.At = time.Now().UTC()
	}
	key := fmt.Sprintf("%s%019d:%s", keyPrefix, t.At.UnixNano(), t.ID)

	value, err := toStruct(t)
	if err != nil {
		return err
	}
	data, err := proto.Marshal(value)
	if err != nil {
		return err
	}
	err = l.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return err
	}
	l.log.Debug("Transfer recorded", "key", key)
	return nil
}

// Recent returns up to limit transfers, newest first.
func (l *Ledger) Recent(limit int) ([]Transfer, error) {
	var raw [][]byte
	err := l.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		it := txn.NewIterator(options)
		defer it.Close()

		prefix := []byte(keyPrefix)
		// Newest possible key, reverse iteration walks back from here.
		it.Seek(append(prefix, []byte("9999999999999999999")...))
		for ; it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(raw) == limit {
				break
			}
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			raw = append(raw, value)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	transfers := make([]Transfer, 0, len(raw))
	for _, b := range raw {
		var value structpb.Struct
		if err := proto.Unmarshal(b, &value); err != nil {
			return nil, err
		}
		t, err := fromStruct(&value)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, t)
	}
	return transfers, nil
}

// Inspect serves a read-only HTML view of the ledger on port at /inspect.
func (l *Ledger) Inspect(port int) {
	l.log.Info("Ledger inspector available", "url", fmt.Sprintf("http://localhost:%d/inspect", port))
	database.StartDebugServer(l.db, port, "/inspect", inspectRow)
}

func inspectRow(key string, val []byte) database.InspectRow {
	row := database.DefaultMapper(key, val)
	row.Type = "TRANSFER"

	var value structpb.Struct
	if err := proto.Unmarshal(val, &value); err != nil {
		row.Detail = "unreadable value"
		return row
	}
	t, err := fromStruct(&value)
	if err != nil {
		row.Detail = err.Error()
		return row
	}
	row.Detail = fmt.Sprintf("%s sent %s (%d bytes, %s) to %d", t.Sender, t.Name, t.Size, t.MimeType, t.Recipients)
	return row
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func toStruct(t Transfer) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"id":         t.ID.String(),
		"sender_id":  fmt.Sprint(t.SenderID),
		"sender":     t.Sender,
		"name":       t.Name,
		"size":       fmt.Sprint(t.Size),
		"mime_type":  t.MimeType,
		"recipients": t.Recipients,
		"at":         fmt.Sprint(t.At.UnixNano()),
	})
}

func fromStruct(s *structpb.Struct) (Transfer, error) {
	fields := lo.MapValues(s.GetFields(), func(v *structpb.Value, _ string) any {
		return v.AsInterface()
	})
	str := func(key string) string {
		v, _ := fields[key].(string)
		return v
	}

	id, err := uuid.Parse(str("id"))
	if err != nil {
		return Transfer{}, err
	}
	var senderID uint64
	var size, at int64
	if _, err := fmt.Sscan(str("sender_id"), &senderID); err != nil {
		return Transfer{}, fmt.Errorf("ledger: sender_id: %w", err)
	}
	if _, err := fmt.Sscan(str("size"), &size); err != nil {
		return Transfer{}, fmt.Errorf("ledger: size: %w", err)
	}
	if _, err := fmt.Sscan(str("at"), &at); err != nil {
		return Transfer{}, fmt.Errorf("ledger: at: %w", err)
	}
	recipients, _ := fields["recipients"].(float64)

	return Transfer{
		ID:         id,
		SenderID:   senderID,
		Sender:     str("sender"),
		Name:       str("name"),
		Size:       size,
		MimeType:   str("mime_type"),
		Recipients: int(recipients),
		At:         time.Unix(0, at).UTC(),
	}, nil
}

// Package staging stores incoming files on disk before they are relayed.
package staging

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// sniffLen is how much of the head of a file is kept for type detection.
const sniffLen = 3072

var ErrAlreadyFinished = errors.New("staging: file already committed or aborted")

// Store creates staged files under a root directory. Each file lives in
// its own sub directory so identical names never collide.
type Store struct {
	dir string
	log *slog.Logger
}

// New returns a store rooted at dir, creating the directory if needed.
func New(dir string, log *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("staging: create %s: %w", dir, err)
	}
	return &Store{dir: dir, log: log}, nil
}

// Dir returns the root directory.
func (s *Store) Dir() string { return s.dir }

// Staged describes a committed file.
type Staged struct {
	ID       uuid.UUID
	Name     string
	Path     string
	Size     int64
	MimeType string
}

// File is a staged file being written.
type File struct {
	store    *Store
	id       uuid.UUID
	name     string
	dir      string
	f        *os.File
	size     int64
	head     []byte
	finished bool
}

// Create opens a new staged file for name. Only the base name is used.
func (s *Store) Create(name string) (*File, error) {
	id := uuid.New()
	safe := SafeName(name)
	dir := filepath.Join(s.dir, id.String())
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, fmt.Errorf("staging: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, safe), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("staging: %w", err)
	}
	return &File{store: s, id: id, name: safe, dir: dir, f: f}, nil
}

// Name returns the sanitized file name.
func (f *File) Name() string { return f.name }

// Write appends p to the staged file.
func (f *File) Write(p []byte) (int, error) {
	if f.finished {
		return 0, ErrAlreadyFinished
	}
	if missing := sniffLen - len(f.head); missing > 0 {
		f.head = append(f.head, p[:min(missing, len(p))]...)
	}
	n, err := f.f.Write(p)
	f.size += int64(n)
	return n, err
}

// Commit closes the file and returns its description.
func (f *File) Commit() (Staged, error) {
	if f.finished {
		return Staged{}, ErrAlreadyFinished
	}
	f.finished = true
	path := f.f.Name()
	if err := f.f.Close(); err != nil {
		_ = os.RemoveAll(f.dir)
		return Staged{}, fmt.Errorf("staging: close %s: %w", path, err)
	}
	staged := Staged{
		ID:       f.id,
		Name:     f.name,
		Path:     path,
		Size:     f.size,
		MimeType: mimetype.Detect(f.head).String(),
	}
	f.store.log.Debug("File staged", "path", path, "size", staged.Size, "mime_type", staged.MimeType)
	return staged, nil
}

// Abort discards the partial file. Calling it after Commit does nothing.
func (f *File) Abort() error {
	if f.finished {
		return nil
	}
	f.finished = true
	_ = f.f.Close()
	return os.RemoveAll(f.dir)
}

// SafeName strips directory components from a client supplied name.
func SafeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	base := filepath.Base(filepath.Clean("/" + name))
	switch base {
	case "", "/", ".", "..":
		return "unnamed"
	}
	return base
}

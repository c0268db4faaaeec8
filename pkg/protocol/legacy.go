package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	filePrefix = []byte(FilePrefix)
	endOfFile  = []byte(EndOfFile)
)

// Legacy is the sentinel-based codec spoken by existing LAN chat clients.
//
// Chunk boundaries are whatever a single Read returns; there is no length
// prefix. Inside a file transfer every chunk is scanned for END_OF_FILE, so
// file content that contains that literal ends the transfer early.
//
// A header is only recognised at the start of a chunk. When a chat line and
// the following "FILE:" header arrive in the same Read, the receiver decodes
// both as one text message and the file content that follows as more text.
// Senders cannot prevent TCP from coalescing writes.
//
// Both hazards are kept: fixing them would break existing clients. Use
// Framed when both ends can be upgraded.
type Legacy struct {
	chunkSize int
}

// NewLegacy returns a legacy codec reading chunks of at most chunkSize bytes.
func NewLegacy(chunkSize int) *Legacy {
	if chunkSize <= len(EndOfFile) {
		chunkSize = DefaultChunkSize
	}
	return &Legacy{chunkSize: chunkSize}
}

func (c *Legacy) String() string { return CodecLegacy }

// DisplayName encodes the first message of a session.
func (c *Legacy) DisplayName(name string) []byte {
	return []byte(name)
}

// Text encodes a chat message.
func (c *Legacy) Text(body string) []byte {
	return []byte(body)
}

// FileHeader encodes "FILE:<name>\x00".
func (c *Legacy) FileHeader(name string) []byte {
	out := make([]byte, 0, len(FilePrefix)+len(name)+1)
	out = append(out, FilePrefix...)
	out = append(out, name...)
	return append(out, 0)
}

// FileChunk returns data unchanged, followed by END_OF_FILE when final.
func (c *Legacy) FileChunk(data []byte, final bool) []byte {
	n := len(data)
	if final {
		n += len(EndOfFile)
	}
	out := make([]byte, 0, n)
	out = append(out, data...)
	if final {
		out = append(out, EndOfFile...)
	}
	return out
}

// NewDecoder implements Codec.
func (c *Legacy) NewDecoder(r io.Reader, initial State) Decoder {
	return &legacyDecoder{
		r:     r,
		buf:   make([]byte, c.chunkSize),
		state: initial,
	}
}

type legacyDecoder struct {
	r     io.Reader
	buf   []byte
	err   error
	state State

	// pending holds bytes already read but not yet classified, e.g. chat
	// text that followed END_OF_FILE in the same chunk.
	pending []byte
	// carry holds a trailing partial END_OF_FILE inside a transfer.
	carry []byte
}

func (d *legacyDecoder) State() State { return d.state }

func (d *legacyDecoder) ReadName() (string, error) {
	if d.state != StateAwaitingName {
		return "", &FramingError{Reason: "display name already read"}
	}
	chunk, err := d.read()
	if err != nil {
		return "", err
	}
	d.state = StateIdle
	return decodeText(chunk), nil
}

func (d *legacyDecoder) Next() (Frame, error) {
	switch d.state {
	case StateAwaitingName:
		return Frame{}, &FramingError{Reason: "display name not read yet"}
	case StateReceivingFile:
		return d.nextChunk()
	}

	chunk, err := d.read()
	if err != nil {
		return Frame{}, err
	}
	if !bytes.HasPrefix(chunk, filePrefix) {
		return Frame{Kind: FrameText, Text: decodeText(chunk)}, nil
	}

	rest := chunk[len(filePrefix):]
	end := bytes.IndexByte(rest, 0)
	if end < 0 {
		return Frame{}, &FramingError{Reason: "file header without NUL terminator"}
	}
	if content := rest[end+1:]; len(content) > 0 {
		d.pending = content
	}
	d.state = StateReceivingFile
	return Frame{Kind: FrameFileHeader, Text: strings.ToValidUTF8(string(rest[:end]), "\uFFFD")}, nil
}

func (d *legacyDecoder) nextChunk() (Frame, error) {
	chunk, err := d.read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, fmt.Errorf("protocol: reading file content: %w", err)
	}

	data := chunk
	if len(d.carry) > 0 {
		data = append(d.carry, chunk...)
		d.carry = nil
	}

	if i := bytes.Index(data, endOfFile); i >= 0 {
		if rest := data[i+len(endOfFile):]; len(rest) > 0 {
			d.pending = rest
		}
		d.state = StateIdle
		return Frame{Kind: FrameFileChunk, Data: data[:i], Final: true}, nil
	}

	if keep := partialSuffix(data, endOfFile); keep > 0 {
		d.carry = bytes.Clone(data[len(data)-keep:])
		data = data[:len(data)-keep]
	}
	return Frame{Kind: FrameFileChunk, Data: data}, nil
}

// read returns the next chunk, serving pending bytes first. A chunk is
// returned before any error the reader reported alongside it.
func (d *legacyDecoder) read() ([]byte, error) {
	if len(d.pending) > 0 {
		chunk := d.pending
		d.pending = nil
		return chunk, nil
	}
	if d.err != nil {
		return nil, d.err
	}
	for {
		n, err := d.r.Read(d.buf)
		if err != nil {
			d.err = err
		}
		if n > 0 {
			return bytes.Clone(d.buf[:n]), nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// partialSuffix returns the length of the longest proper prefix of sep
// that data ends with.
func partialSuffix(data, sep []byte) int {
	for k := min(len(sep)-1, len(data)); k > 0; k-- {
		if bytes.HasSuffix(data, sep[:k]) {
			return k
		}
	}
	return 0
}

func decodeText(b []byte) string {
	return strings.TrimRight(strings.ToValidUTF8(string(b), "\uFFFD"), "\x00")
}

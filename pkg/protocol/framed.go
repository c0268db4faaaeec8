package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of a framed record.
const (
	fieldText     protowire.Number = 1
	fieldFileName protowire.Number = 2
	fieldChunk    protowire.Number = 3
	fieldFinal    protowire.Number = 4
)

// Framed is the length-prefixed codec.
//
// Each frame is a uvarint byte count followed by a record in protobuf wire
// format. Payload bytes are never inspected, so any file content is safe.
type Framed struct {
	maxFrameSize int
}

// NewFramed returns a framed codec rejecting records above maxFrameSize.
func NewFramed(maxFrameSize int) *Framed {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Framed{maxFrameSize: maxFrameSize}
}

func (c *Framed) String() string { return CodecFramed }

// DisplayName encodes the first message of a session as a text record.
func (c *Framed) DisplayName(name string) []byte {
	return c.Text(name)
}

// Text encodes a chat message.
func (c *Framed) Text(body string) []byte {
	rec := protowire.AppendTag(nil, fieldText, protowire.BytesType)
	rec = protowire.AppendString(rec, body)
	return envelope(rec)
}

// FileHeader encodes the start of a file transfer.
func (c *Framed) FileHeader(name string) []byte {
	rec := protowire.AppendTag(nil, fieldFileName, protowire.BytesType)
	rec = protowire.AppendString(rec, name)
	return envelope(rec)
}

// FileChunk encodes a piece of file content.
func (c *Framed) FileChunk(data []byte, final bool) []byte {
	rec := protowire.AppendTag(nil, fieldChunk, protowire.BytesType)
	rec = protowire.AppendBytes(rec, data)
	if final {
		rec = protowire.AppendTag(rec, fieldFinal, protowire.VarintType)
		rec = protowire.AppendVarint(rec, protowire.EncodeBool(true))
	}
	return envelope(rec)
}

// ChunkRecordSize is the largest record FileChunk produces for chunkSize
// bytes of content. A decoder limit below it rejects full chunks.
func ChunkRecordSize(chunkSize int) int {
	return protowire.SizeTag(fieldChunk) + protowire.SizeBytes(chunkSize) +
		protowire.SizeTag(fieldFinal) + protowire.SizeVarint(protowire.EncodeBool(true))
}

func envelope(rec []byte) []byte {
	out := make([]byte, 0, protowire.SizeVarint(uint64(len(rec)))+len(rec))
	out = protowire.AppendVarint(out, uint64(len(rec)))
	return append(out, rec...)
}

// NewDecoder implements Codec.
func (c *Framed) NewDecoder(r io.Reader, initial State) Decoder {
	return &framedDecoder{
		r:     bufio.NewReader(r),
		max:   c.maxFrameSize,
		state: initial,
	}
}

type framedDecoder struct {
	r     *bufio.Reader
	max   int
	state State
}

func (d *framedDecoder) State() State { return d.state }

func (d *framedDecoder) ReadName() (string, error) {
	if d.state != StateAwaitingName {
		return "", &FramingError{Reason: "display name already read"}
	}
	f, err := d.readFrame()
	if err != nil {
		return "", err
	}
	if f.Kind != FrameText {
		return "", &FramingError{Reason: fmt.Sprintf("expected display name, got %s", f.Kind)}
	}
	d.state = StateIdle
	return f.Text, nil
}

func (d *framedDecoder) Next() (Frame, error) {
	if d.state == StateAwaitingName {
		return Frame{}, &FramingError{Reason: "display name not read yet"}
	}
	f, err := d.readFrame()
	if err != nil {
		if d.state == StateReceivingFile && err == io.EOF {
			return Frame{}, fmt.Errorf("protocol: reading file content: %w", io.ErrUnexpectedEOF)
		}
		return Frame{}, err
	}

	switch d.state {
	case StateIdle:
		switch f.Kind {
		case FrameFileChunk:
			return Frame{}, &FramingError{Reason: "file chunk outside a transfer"}
		case FrameFileHeader:
			d.state = StateReceivingFile
		}
	case StateReceivingFile:
		if f.Kind != FrameFileChunk {
			return Frame{}, &FramingError{Reason: fmt.Sprintf("unexpected %s inside a transfer", f.Kind)}
		}
		if f.Final {
			d.state = StateIdle
		}
	}
	return f, nil
}

// readFrame reads one envelope. Oversized records are skipped so the
// stream stays aligned on the next envelope.
func (d *framedDecoder) readFrame() (Frame, error) {
	size, err := binary.ReadUvarint(d.r)
	if err != nil {
		return Frame{}, err
	}
	if size > uint64(d.max) {
		if _, err := io.CopyN(io.Discard, d.r, int64(size)); err != nil {
			return Frame{}, err
		}
		return Frame{}, &FramingError{Reason: fmt.Sprintf("record of %d bytes exceeds limit of %d", size, d.max)}
	}
	rec := make([]byte, size)
	if _, err := io.ReadFull(d.r, rec); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}
	return parseRecord(rec)
}

func parseRecord(rec []byte) (Frame, error) {
	var (
		f     Frame
		found bool
	)
	for len(rec) > 0 {
		num, typ, n := protowire.ConsumeTag(rec)
		if n < 0 {
			return Frame{}, &FramingError{Reason: "malformed record tag", Err: protowire.ParseError(n)}
		}
		rec = rec[n:]

		switch {
		case typ == protowire.BytesType && (num == fieldText || num == fieldFileName || num == fieldChunk):
			v, m := protowire.ConsumeBytes(rec)
			if m < 0 {
				return Frame{}, &FramingError{Reason: "malformed record field", Err: protowire.ParseError(m)}
			}
			rec = rec[m:]
			found = true
			switch num {
			case fieldText:
				f.Kind, f.Text = FrameText, strings.ToValidUTF8(string(v), "\uFFFD")
			case fieldFileName:
				f.Kind, f.Text = FrameFileHeader, strings.ToValidUTF8(string(v), "\uFFFD")
			case fieldChunk:
				f.Kind, f.Data = FrameFileChunk, v
			}
		case num == fieldFinal && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(rec)
			if m < 0 {
				return Frame{}, &FramingError{Reason: "malformed record field", Err: protowire.ParseError(m)}
			}
			rec = rec[m:]
			f.Final = protowire.DecodeBool(v)
		default:
			m := protowire.ConsumeFieldValue(num, typ, rec)
			if m < 0 {
				return Frame{}, &FramingError{Reason: "malformed record field", Err: protowire.ParseError(m)}
			}
			rec = rec[m:]
		}
	}
	if !found {
		return Frame{}, &FramingError{Reason: "record carries no frame"}
	}
	if f.Kind != FrameFileChunk {
		f.Final = false
	}
	return f, nil
}

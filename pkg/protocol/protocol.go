// Package protocol implements the LAN chat wire formats.
//
// Two codecs are provided. Legacy speaks the existing sentinel protocol
// byte for byte: a display name as the first chunk, chat text as raw UTF-8
// chunks, files introduced by "FILE:<name>\x00" and terminated by the literal
// END_OF_FILE. Framed replaces the sentinels with length-prefixed records so
// file content can never be mistaken for control data.
package protocol

import (
	"fmt"
	"io"
)

const (
	// FilePrefix starts a file header frame.
	FilePrefix = "FILE:"
	// EndOfFile terminates a file transfer in the legacy protocol.
	EndOfFile = "END_OF_FILE"

	// DiscoverRequest is the UDP probe payload sent by clients.
	DiscoverRequest = "DISCOVER_CHAT_SERVER"
	// DiscoverResponse is the UDP reply payload sent by the server.
	DiscoverResponse = "CHAT_SERVER_RESPONSE"

	// DefaultChunkSize is the read and relay buffer size.
	DefaultChunkSize = 8192
	// DefaultMaxFrameSize bounds a single framed record.
	DefaultMaxFrameSize = 1 << 20
)

const (
	CodecLegacy = "legacy"
	CodecFramed = "framed"
)

// FrameKind represents the type of a decoded frame
type FrameKind int

const (
	FrameText FrameKind = iota
	FrameFileHeader
	FrameFileChunk
)

// String returns the string representation of FrameKind
func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "TEXT"
	case FrameFileHeader:
		return "FILE_HEADER"
	case FrameFileChunk:
		return "FILE_CHUNK"
	default:
		return "UNKNOWN"
	}
}

// Frame is one logical unit decoded from a stream.
//
// Text holds the chat body for FrameText and the file name for
// FrameFileHeader. Data and Final are only meaningful for FrameFileChunk;
// a chunk with Final set completes the transfer and may be empty.
type Frame struct {
	Kind  FrameKind
	Text  string
	Data  []byte
	Final bool
}

// State is the position of a decoder in the per-session state machine.
type State int

const (
	StateAwaitingName State = iota
	StateIdle
	StateReceivingFile
)

func (s State) String() string {
	switch s {
	case StateAwaitingName:
		return "AWAITING_NAME"
	case StateIdle:
		return "IDLE"
	case StateReceivingFile:
		return "RECEIVING_FILE"
	default:
		return "UNKNOWN"
	}
}

// Decoder turns a byte stream into frames.
// A Decoder is not safe for concurrent use.
type Decoder interface {
	// ReadName consumes the display name. It must be called exactly once,
	// in StateAwaitingName.
	ReadName() (string, error)

	// Next returns the next frame. Framing anomalies are reported as
	// *FramingError and leave the decoder usable; any other error comes
	// from the underlying reader.
	Next() (Frame, error)

	// State reports the current state.
	State() State
}

// Encoder produces wire bytes for outgoing frames.
// Every method returns a freshly allocated slice.
type Encoder interface {
	DisplayName(name string) []byte
	Text(body string) []byte
	FileHeader(name string) []byte
	FileChunk(data []byte, final bool) []byte
}

// Codec pairs an Encoder with a Decoder factory for one wire format.
type Codec interface {
	Encoder

	// NewDecoder returns a decoder reading from r, starting in the given
	// state. Servers start in StateAwaitingName, clients in StateIdle.
	NewDecoder(r io.Reader, initial State) Decoder

	// String returns the codec name.
	String() string
}

// CodecByName returns the codec registered under name.
func CodecByName(name string, chunkSize, maxFrameSize int) (Codec, error) {
	switch name {
	case CodecLegacy, "":
		return NewLegacy(chunkSize), nil
	case CodecFramed:
		return NewFramed(maxFrameSize), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

package protocol_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/lan-chat/pkg/protocol"
)

func TestFramed_SessionStream(t *testing.T) {
	codec := protocol.NewFramed(0)
	content := []byte("binary\x00content with END_OF_FILE inside FILE:fake\x00")

	var stream bytes.Buffer
	stream.Write(codec.DisplayName("carol"))
	stream.Write(codec.Text("hi all"))
	stream.Write(codec.FileHeader("report.pdf"))
	stream.Write(codec.FileChunk(content[:10], false))
	stream.Write(codec.FileChunk(content[10:], true))
	stream.Write(codec.Text("done"))

	dec := codec.NewDecoder(&stream, protocol.StateAwaitingName)

	name, err := dec.ReadName()
	require.NoError(t, err)
	assert.Equal(t, "carol", name)

	f, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, protocol.Frame{Kind: protocol.FrameText, Text: "hi all"}, f)

	f, err = dec.Next()
	require.NoError(t, err)
	assert.Equal(t, protocol.FrameFileHeader, f.Kind)
	assert.Equal(t, "report.pdf", f.Text)

	assert.Equal(t, content, readFile(t, dec))

	f, err = dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "done", f.Text)

	_, err = dec.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFramed_ZeroByteFile(t *testing.T) {
	codec := protocol.NewFramed(0)

	var stream bytes.Buffer
	stream.Write(codec.FileHeader("empty"))
	stream.Write(codec.FileChunk(nil, true))

	dec := codec.NewDecoder(&stream, protocol.StateIdle)
	_, err := dec.Next()
	require.NoError(t, err)
	assert.Empty(t, readFile(t, dec))
	assert.Equal(t, protocol.StateIdle, dec.State())
}

func TestFramed_OversizedRecordIsSkipped(t *testing.T) {
	codec := protocol.NewFramed(16)

	var stream bytes.Buffer
	stream.Write(codec.Text("this message is far longer than sixteen bytes"))
	stream.Write(codec.Text("short"))

	dec := codec.NewDecoder(&stream, protocol.StateIdle)

	_, err := dec.Next()
	assert.ErrorIs(t, err, protocol.ErrFraming)

	f, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "short", f.Text)
}

func TestFramed_UnexpectedFrames(t *testing.T) {
	codec := protocol.NewFramed(0)

	var stream bytes.Buffer
	stream.Write(codec.FileChunk([]byte("stray"), false))
	stream.Write(codec.FileHeader("a.txt"))
	stream.Write(codec.Text("not a chunk"))
	stream.Write(codec.FileChunk([]byte("ok"), true))

	dec := codec.NewDecoder(&stream, protocol.StateIdle)

	_, err := dec.Next()
	assert.ErrorIs(t, err, protocol.ErrFraming)

	f, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, protocol.FrameFileHeader, f.Kind)

	_, err = dec.Next()
	assert.ErrorIs(t, err, protocol.ErrFraming)
	assert.Equal(t, protocol.StateReceivingFile, dec.State())

	assert.Equal(t, "ok", string(readFile(t, dec)))
}

func TestFramed_TruncatedTransfer(t *testing.T) {
	codec := protocol.NewFramed(0)

	var stream bytes.Buffer
	stream.Write(codec.FileHeader("a.txt"))
	stream.Write(codec.FileChunk([]byte("part"), false))

	dec := codec.NewDecoder(&stream, protocol.StateIdle)
	_, err := dec.Next()
	require.NoError(t, err)
	_, err = dec.Next()
	require.NoError(t, err)

	_, err = dec.Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestFramed_ChunkRecordSizeFitsFullChunk(t *testing.T) {
	const chunkSize = 8192
	data := bytes.Repeat([]byte{0xAB}, chunkSize)
	codec := protocol.NewFramed(protocol.ChunkRecordSize(chunkSize))

	var stream bytes.Buffer
	stream.Write(codec.FileHeader("big.bin"))
	stream.Write(codec.FileChunk(data, false))
	stream.Write(codec.FileChunk(data, true))

	dec := codec.NewDecoder(&stream, protocol.StateIdle)
	_, err := dec.Next()
	require.NoError(t, err)
	for _, final := range []bool{false, true} {
		f, err := dec.Next()
		require.NoError(t, err)
		assert.Equal(t, final, f.Final)
		assert.Len(t, f.Data, chunkSize)
	}

	tight := protocol.NewFramed(protocol.ChunkRecordSize(chunkSize) - 1)
	dec = tight.NewDecoder(bytes.NewReader(codec.FileChunk(data, true)), protocol.StateIdle)
	_, err = dec.Next()
	assert.ErrorIs(t, err, protocol.ErrFraming)
}

func TestCodecByName(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{name: "", want: protocol.CodecLegacy},
		{name: "legacy", want: protocol.CodecLegacy},
		{name: "framed", want: protocol.CodecFramed},
		{name: "xml", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codec, err := protocol.CodecByName(tt.name, 0, 0)
			if tt.wantErr {
				assert.ErrorIs(t, err, protocol.ErrUnknownCodec)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, codec.String())
		})
	}
}

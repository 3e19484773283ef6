package decoder

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func icyBlock(meta string) []byte {
	padded := len(meta)
	// round up to next multiple of 16
	blocks := (padded + 15) / 16
	buf := make([]byte, blocks*16)
	copy(buf, meta)
	return append([]byte{byte(blocks)}, buf...)
}

func TestIcyExtractorSeparatesAudioFromMetadata(t *testing.T) {
	audio1 := bytes.Repeat([]byte{0xAA}, 8)
	audio2 := bytes.Repeat([]byte{0xBB}, 8)
	meta := icyBlock("StreamTitle='Artist - Title';StreamUrl='http://x';")

	var stream bytes.Buffer
	stream.Write(audio1)
	stream.Write(meta)
	stream.Write(audio2)

	var gotMeta map[string]string
	ext := NewIcyExtractor(&stream, 8, func(m map[string]string) { gotMeta = m })

	out, err := io.ReadAll(ext)
	require.NoError(t, err)
	assert.Equal(t, append(audio1, audio2...), out)
	require.NotNil(t, gotMeta)
	assert.Equal(t, "Artist - Title", gotMeta["StreamTitle"])
	assert.Equal(t, "http://x", gotMeta["StreamUrl"])
}

func TestIcyExtractorSkipsZeroLengthBlock(t *testing.T) {
	audio1 := bytes.Repeat([]byte{0x01}, 4)
	audio2 := bytes.Repeat([]byte{0x02}, 4)

	var stream bytes.Buffer
	stream.Write(audio1)
	stream.WriteByte(0) // zero-length metadata block
	stream.Write(audio2)

	called := false
	ext := NewIcyExtractor(&stream, 4, func(map[string]string) { called = true })
	out, err := io.ReadAll(ext)
	require.NoError(t, err)
	assert.Equal(t, append(audio1, audio2...), out)
	assert.False(t, called)
}

func TestParseIcyMetaHandlesSemicolonInValue(t *testing.T) {
	meta := parseIcyMeta([]byte("StreamTitle='A; B - C';"))
	assert.Equal(t, "A; B - C", meta["StreamTitle"])
}

func TestIcyExtractorPassthroughWhenNoInterval(t *testing.T) {
	data := []byte("just plain audio bytes")
	ext := NewIcyExtractor(bytes.NewReader(data), 0, nil)
	out, err := io.ReadAll(ext)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

package decoder

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePCMContentTypeDefaults(t *testing.T) {
	f := parsePCMContentType("audio/pcm")
	assert.Equal(t, 44100, *f.SampleRate)
	assert.Equal(t, 2, *f.Channels)
}

func TestParsePCMContentTypeHonorsParams(t *testing.T) {
	f := parsePCMContentType("audio/L16;rate=48000;channels=1")
	assert.Equal(t, 48000, *f.SampleRate)
	assert.Equal(t, 1, *f.Channels)
}

func TestPCMInstanceDeliverOutputTruncatesToFrame(t *testing.T) {
	data := bytes.Repeat([]byte{0x01, 0x02, 0x03, 0x04}, 4) // 16 bytes, 4 frames of 4 bytes
	inst := NewPCMInstance(bytes.NewReader(data), parsePCMContentType("audio/L16;rate=44100;channels=2"))

	dst := make([]byte, 7) // not a multiple of frame size (4)
	n, err := inst.DeliverOutput(dst)
	require.NoError(t, err)
	assert.Equal(t, 4, n) // rounded down to 1 whole frame
}

func TestPCMDescriptorCheckType(t *testing.T) {
	d := pcmDescriptor()
	assert.True(t, d.CheckType("audio/L16;rate=44100;channels=2", nil))
	assert.True(t, d.CheckType("audio/pcm", nil))
	assert.False(t, d.CheckType("audio/mpeg", nil))
}

func TestPCMInstanceCloseClosesUnderlyingCloser(t *testing.T) {
	pr, pw := io.Pipe()
	inst := NewPCMInstance(pr, parsePCMContentType("audio/pcm"))
	go func() { _ = pw.Close() }()
	require.NoError(t, inst.Close())
}

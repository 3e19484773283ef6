package format

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	f, err := Parse("S16_LE@44100/2")
	require.NoError(t, err)
	assert.True(t, f.IsComplete())
	assert.Equal(t, 44100, *f.SampleRate)
	assert.Equal(t, 2, *f.Channels)
	assert.Equal(t, 16, *f.Bits)
	assert.True(t, *f.Signed)
	assert.False(t, *f.Float)
	assert.Equal(t, "S16_LE@44100/2", f.String())
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, bad := range []string{"", "44100/2", "S16_LE@44100", "X16_LE@44100/2", "S16_BE@44100/2"} {
		_, err := Parse(bad)
		assert.Error(t, err, bad)
	}
}

func TestCompleteFillsUnknowns(t *testing.T) {
	partial := AudioFormat{SampleRate: nil, Channels: ptr(2)}
	ref, _ := Parse("S16_LE@44100/2")
	completed := partial.Complete(ref)
	require.NotNil(t, completed.SampleRate)
	assert.Equal(t, 44100, *completed.SampleRate)
	assert.Equal(t, 2, *completed.Channels)
	assert.True(t, *completed.Signed)
}

func TestEqualUndefinedMatchesAnything(t *testing.T) {
	a := AudioFormat{SampleRate: ptr(44100)}
	b := AudioFormat{SampleRate: ptr(48000)}
	assert.False(t, a.Equal(b))

	c := AudioFormat{}
	assert.True(t, a.Equal(c))
	assert.True(t, c.Equal(a))
}

func TestBytesPerFrame(t *testing.T) {
	f := New(44100, 2, 16, true, false)
	assert.Equal(t, 4, f.BytesPerFrame())

	incomplete := AudioFormat{}
	assert.Equal(t, 0, incomplete.BytesPerFrame())
}

func TestParseDeviceString(t *testing.T) {
	known := []string{"alsa", "pulse", "null"}

	backend, device := ParseDeviceString("alsa:hw:0,0", known)
	assert.Equal(t, "alsa", backend)
	assert.Equal(t, "hw:0,0", device)

	backend, device = ParseDeviceString("pulse:@DEFAULT_SINK@", known)
	assert.Equal(t, "pulse", backend)
	assert.Equal(t, "@DEFAULT_SINK@", device)

	backend, device = ParseDeviceString("null", known)
	assert.Equal(t, "", backend)
	assert.Equal(t, "null", device)
}

package persist

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "streamd.db"), false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSetGetRoundTrip(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Set("player_volume", "0.75"))
	v, ok, err := s.Get("player_volume")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "0.75", v)

	_, ok, err = s.Get("player_muted")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetIgnoresUnrecognizedKeys(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Set("not_a_real_key", "whatever"))
	_, ok, err := s.Get("not_a_real_key")
	require.NoError(t, err)
	assert.False(t, ok, "keys outside the spec.md §6 allow-list must never be written back")
}

func TestDeviceUUIDStable(t *testing.T) {
	s := openTestStore(t)

	id1, err := s.DeviceUUID()
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	id2, err := s.DeviceUUID()
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "device_uuid must be generated once and then persisted")
}

func TestPlayerStateRoundTrip(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SavePlayerState(PlayerState{
		Volume:        0.4,
		Muted:         true,
		RepeatMode:    2,
		QueuePosition: 7,
		Name:          "living-room",
		Interface:     "eth0",
		AudioDevice:   "speaker:default",
	}))

	got, err := s.LoadPlayerState(PlayerState{})
	require.NoError(t, err)
	assert.InDelta(t, 0.4, got.Volume, 0.0001)
	assert.True(t, got.Muted)
	assert.Equal(t, 2, got.RepeatMode)
	assert.Equal(t, 7, got.QueuePosition)
	assert.Equal(t, "living-room", got.Name)
	assert.Equal(t, "eth0", got.Interface)
	assert.Equal(t, "speaker:default", got.AudioDevice)
}

func TestPlayerStateDefaultsWhenNeverWritten(t *testing.T) {
	s := openTestStore(t)

	defaults := PlayerState{Volume: 1.0, RepeatMode: 0}
	got, err := s.LoadPlayerState(defaults)
	require.NoError(t, err)
	assert.Equal(t, defaults, got)
}

func TestQueueSnapshotRoundTrip(t *testing.T) {
	s := openTestStore(t)

	rate := 44100
	snapshot := []QueueTrackSnapshot{
		{
			ID:          "a",
			DisplayText: "Track A",
			Kind:        0,
			StreamingRefs: []StreamRefSnapshot{
				{FormatType: "audio/mpeg", URL: "https://example.com/a.mp3", SampleRate: &rate},
			},
			Attributes: map[string]string{"artist": "Example"},
		},
	}
	require.NoError(t, s.SaveQueueSnapshot(snapshot))

	got, ok, err := s.LoadQueueSnapshot()
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "Track A", got[0].DisplayText)
	require.Len(t, got[0].StreamingRefs, 1)
	assert.Equal(t, "audio/mpeg", got[0].StreamingRefs[0].FormatType)
	require.NotNil(t, got[0].StreamingRefs[0].SampleRate)
	assert.Equal(t, 44100, *got[0].StreamingRefs[0].SampleRate)
}

func TestLoadQueueSnapshotAbsent(t *testing.T) {
	s := openTestStore(t)

	_, ok, err := s.LoadQueueSnapshot()
	require.NoError(t, err)
	assert.False(t, ok)
}

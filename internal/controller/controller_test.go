package controller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftaudio/streamd/internal/decoder"
	"github.com/riftaudio/streamd/internal/pipeline"
	"github.com/riftaudio/streamd/internal/queue"
	"github.com/riftaudio/streamd/internal/sink"
	"github.com/riftaudio/streamd/internal/track"
)

func pcmServer(t *testing.T, ms int) *httptest.Server {
	t.Helper()
	frames := 44100 * ms / 1000
	payload := make([]byte, frames*4)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/L16;rate=44100;channels=2")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
	}))
}

func mkQueueTrack(t *testing.T, id, url string) *track.Track {
	t.Helper()
	tr, err := track.New(id, "display-"+id, track.KindTrack, []track.StreamRef{{URL: url}})
	require.NoError(t, err)
	return tr
}

func TestControllerPlaysThroughQueueThenStops(t *testing.T) {
	srv := pcmServer(t, 50)
	defer srv.Close()

	q := queue.New("q", "test")
	require.NoError(t, q.Add(nil, nil, []*track.Track{
		mkQueueTrack(t, "a", srv.URL),
		mkQueueTrack(t, "b", srv.URL),
	}, false))

	opts := Options{PipelineOpts: pipeline.Options{SinkBackend: "null", FifoCapacity: 1 << 16}}
	c := New(q, opts, decoder.Default(), sink.Default(), false)

	states := make(chan PlaybackState, 16)
	c.OnStateChange(func(s PlaybackState) { states <- s })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Play(ctx))

	require.Eventually(t, func() bool {
		return c.State() == Stopped
	}, 9*time.Second, 20*time.Millisecond, "controller should stop after the queue runs out with RepeatOff")
}

func TestControllerRepeatQueueWrapsAround(t *testing.T) {
	srv := pcmServer(t, 50)
	defer srv.Close()

	q := queue.New("q", "test")
	require.NoError(t, q.Add(nil, nil, []*track.Track{
		mkQueueTrack(t, "a", srv.URL),
	}, false))

	opts := Options{PipelineOpts: pipeline.Options{SinkBackend: "null", FifoCapacity: 1 << 16}}
	c := New(q, opts, decoder.Default(), sink.Default(), false)
	c.SetRepeatMode(RepeatQueue)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Play(ctx))

	// With one track and RepeatQueue, the controller should keep restarting
	// it rather than stopping — give it a couple of cycles, then stop it
	// explicitly and confirm Stop takes effect.
	time.Sleep(300 * time.Millisecond)
	assert.NotEqual(t, Stopped, c.State())
	c.Stop()
	assert.Equal(t, Stopped, c.State())
}

func TestControllerRepeatShuffleReshufflesOnEachWrap(t *testing.T) {
	srv := pcmServer(t, 50)
	defer srv.Close()

	q := queue.New("q", "test")
	require.NoError(t, q.Add(nil, nil, []*track.Track{
		mkQueueTrack(t, "a", srv.URL),
		mkQueueTrack(t, "b", srv.URL),
		mkQueueTrack(t, "c", srv.URL),
	}, false))

	opts := Options{PipelineOpts: pipeline.Options{SinkBackend: "null", FifoCapacity: 1 << 16}}
	c := New(q, opts, decoder.Default(), sink.Default(), false)
	c.SetRepeatMode(RepeatShuffle)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Play(ctx))

	// Unlike RepeatQueue, RepeatShuffle must keep cycling through wraps
	// without stopping — each wrap reshuffles rather than replaying the same
	// fixed order once.
	time.Sleep(400 * time.Millisecond)
	assert.NotEqual(t, Stopped, c.State())
	assert.Equal(t, 3, q.Length(), "reshuffling must never drop or duplicate items")
	c.Stop()
	assert.Equal(t, Stopped, c.State())
}

func TestControllerPauseResume(t *testing.T) {
	srv := pcmServer(t, 500)
	defer srv.Close()

	q := queue.New("q", "test")
	require.NoError(t, q.Add(nil, nil, []*track.Track{mkQueueTrack(t, "a", srv.URL)}, false))

	opts := Options{PipelineOpts: pipeline.Options{SinkBackend: "null", FifoCapacity: 1 << 20}}
	c := New(q, opts, decoder.Default(), sink.Default(), false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Play(ctx))
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, c.Pause())
	assert.Equal(t, PausedState, c.State())

	require.NoError(t, c.Play(ctx))
	assert.Equal(t, PlayingState, c.State())
}

func TestControllerVolumeCachedWhenNothingPlaying(t *testing.T) {
	q := queue.New("q", "test")
	c := New(q, Options{}, decoder.Default(), sink.Default(), false)

	require.NoError(t, c.SetVolume(0.5))
	assert.InDelta(t, 0.5, c.Volume(), 0.0001)

	require.NoError(t, c.SetMuted(true))
	assert.True(t, c.Muted())
}

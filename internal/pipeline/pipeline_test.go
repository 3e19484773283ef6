package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftaudio/streamd/internal/decoder"
	"github.com/riftaudio/streamd/internal/format"
	"github.com/riftaudio/streamd/internal/sink"
	"github.com/riftaudio/streamd/internal/track"
)

func TestPipelinePlaysRawPCMToEndOfTrack(t *testing.T) {
	// 1 second of silence at CD quality, served as raw L16 PCM.
	frameBytes := 4 // 16-bit stereo
	frames := 44100
	payload := make([]byte, frames*frameBytes)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/L16;rate=44100;channels=2")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	tr, err := track.New("t1", "Test Track", track.KindTrack, []track.StreamRef{
		{FormatType: "audio/L16", URL: srv.URL},
	})
	require.NoError(t, err)

	opts := Options{
		SinkBackend:  "null",
		FifoCapacity: 1 << 16,
		PollInterval: 20 * time.Millisecond,
	}
	p := New(tr, opts, decoder.Default(), sink.Default(), false)

	terminal := make(chan State, 1)
	p.OnTerminal(func(s State) { terminal <- s })

	var negotiated format.AudioFormat
	p.OnFormat(func(f format.AudioFormat) { negotiated = f })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go p.Run(ctx)

	select {
	case s := <-terminal:
		assert.Equal(t, EndOfTrack, s)
	case <-time.After(9 * time.Second):
		t.Fatal("pipeline never reached a terminal state")
	}
	assert.Equal(t, 44100, *negotiated.SampleRate)
	assert.Equal(t, 2, *negotiated.Channels)
}

func TestPipelineFailsWhenNoStreamingRefs(t *testing.T) {
	tr, err := track.New("t2", "Empty Track", track.KindTrack, nil)
	require.NoError(t, err)

	p := New(tr, Options{SinkBackend: "null"}, decoder.Default(), sink.Default(), false)
	terminal := make(chan State, 1)
	p.OnTerminal(func(s State) { terminal <- s })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p.Run(ctx)

	select {
	case s := <-terminal:
		assert.Equal(t, TerminatedError, s)
	default:
		assert.Equal(t, TerminatedError, p.State())
	}
}

func TestPipelineUnknownSinkBackendFailsOver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/L16;rate=8000;channels=1")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(make([]byte, 1600))
	}))
	defer srv.Close()

	tr, err := track.New("t3", "Track", track.KindTrack, []track.StreamRef{{URL: srv.URL}})
	require.NoError(t, err)

	p := New(tr, Options{SinkBackend: "nonexistent-backend"}, decoder.Default(), sink.Default(), false)
	terminal := make(chan State, 1)
	p.OnTerminal(func(s State) { terminal <- s })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Run(ctx)

	select {
	case s := <-terminal:
		assert.Equal(t, TerminatedError, s)
	default:
		assert.Equal(t, TerminatedError, p.State())
	}
}

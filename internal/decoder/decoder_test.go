package decoder

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftaudio/streamd/internal/fifo"
	"github.com/riftaudio/streamd/internal/format"
)

// fakeInstance yields a fixed number of bytes of a repeating pattern, then
// io.EOF, so decoder.run's state machine can be exercised without a real
// codec.
type fakeInstance struct {
	remaining int
	closed    bool
}

func (f *fakeInstance) Format() format.AudioFormat {
	return format.New(44100, 2, 16, true, false)
}

func (f *fakeInstance) Close() error {
	f.closed = true
	return nil
}

func (f *fakeInstance) DeliverOutput(dst []byte) (int, error) {
	if f.remaining == 0 {
		return 0, io.EOF
	}
	n := len(dst)
	if n > f.remaining {
		n = f.remaining
	}
	for i := 0; i < n; i++ {
		dst[i] = 0x42
	}
	f.remaining -= n
	if f.remaining == 0 {
		return n, nil
	}
	return n, nil
}

func TestDecoderRunsToTerminatedOk(t *testing.T) {
	inst := &fakeInstance{remaining: 1000}
	out := fifo.New(256, 32, 32)
	d := New(inst, out, false)

	terminal := make(chan State, 1)
	d.OnTerminal(func(s State) { terminal <- s })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	// Drain the fifo concurrently so the decoder isn't stuck waiting for
	// writable space.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if err := out.LockWaitReadable(time.Second); err != nil {
				return
			}
			n := out.Size(fifo.NextReadable)
			_ = out.UnlockAfterRead(n)
		}
	}()

	select {
	case s := <-terminal:
		assert.Equal(t, TerminatedOk, s)
	case <-time.After(2 * time.Second):
		t.Fatal("decoder never reached a terminal state")
	}
	assert.True(t, inst.closed)
}

func TestRegistryFindCodecPicksFirstMatch(t *testing.T) {
	r := Default()
	d, ok := r.FindCodec("audio/mpeg", nil)
	require.True(t, ok)
	assert.Equal(t, "mp3", d.Name)

	d, ok = r.FindCodec("audio/flac", nil)
	require.True(t, ok)
	assert.Equal(t, "flac", d.Name)

	_, ok = r.FindCodec("application/octet-stream", nil)
	assert.False(t, ok)
}

func TestDecoderTerminateDrop(t *testing.T) {
	inst := &fakeInstance{remaining: 10_000_000}
	out := fifo.New(64, 8, 8)
	d := New(inst, out, false)

	terminal := make(chan State, 1)
	d.OnTerminal(func(s State) { terminal <- s })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	// Let it fill the buffer once, then request a hard stop without
	// draining — it should terminate even though nobody reads.
	time.Sleep(20 * time.Millisecond)
	d.Terminate(Drop)

	select {
	case s := <-terminal:
		assert.Equal(t, TerminatedOk, s)
	case <-time.After(2 * time.Second):
		t.Fatal("decoder never terminated on Drop")
	}
}

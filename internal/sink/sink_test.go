package sink

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftaudio/streamd/internal/fifo"
	"github.com/riftaudio/streamd/internal/format"
)

func newNullSink(t *testing.T, capacity, low, high int) (*Sink, *nullInstance, *fifo.Fifo) {
	t.Helper()
	f := format.New(44100, 2, 16, true, false)
	d := nullDescriptor()
	inst, err := d.NewIf(f, "", false)
	require.NoError(t, err)
	src := fifo.New(capacity, low, high)
	ni := inst.(*nullInstance)
	return New(inst, src, false), ni, src
}

func TestSinkDrainsFifoIntoBackend(t *testing.T) {
	s, ni, src := newNullSink(t, 256, 32, 32)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	require.NoError(t, src.LockWaitWritable(time.Second, 64))
	payload := make([]byte, 64)
	for i := range payload {
		payload[i] = byte(i)
	}
	_, err := src.FillAndUnlock(payload, 64)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return ni.BytesWritten() >= 64
	}, time.Second, 5*time.Millisecond)
}

func TestSinkTerminateForceStopsEvenIfUnread(t *testing.T) {
	s, _, src := newNullSink(t, 64, 8, 8)

	terminal := make(chan State, 1)
	s.OnTerminal(func(st State) { terminal <- st })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	require.NoError(t, src.LockWaitWritable(time.Second, 8))
	_, _ = src.FillAndUnlock(make([]byte, 8), 8)

	s.Terminate(Force)

	select {
	case st := <-terminal:
		assert.Equal(t, TerminatedOk, st)
	case <-time.After(2 * time.Second):
		t.Fatal("sink never terminated on Force")
	}
}

func TestSinkPauseResumeNullBackend(t *testing.T) {
	s, ni, _ := newNullSink(t, 64, 8, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	assert.True(t, s.Pause())
	assert.True(t, ni.paused.Load())
	assert.True(t, s.Resume())
	assert.False(t, ni.paused.Load())
}

// volumeOnlyInstance implements VolumeCapable but not Pausable, exercising
// the soft-mute fallback Sink.Pause/Resume fall back to for backends like
// portaudio that have no hardware pause of their own.
type volumeOnlyInstance struct {
	fmt   format.AudioFormat
	level atomic.Value // float64
}

func (v *volumeOnlyInstance) Format() format.AudioFormat { return v.fmt }
func (v *volumeOnlyInstance) Write(pcm []byte) error      { return nil }
func (v *volumeOnlyInstance) Close() error                { return nil }
func (v *volumeOnlyInstance) SetVolume(level float64) error {
	v.level.Store(level)
	return nil
}
func (v *volumeOnlyInstance) Volume() float64 {
	l, _ := v.level.Load().(float64)
	return l
}

func TestSinkPauseSoftMutesWhenBackendIsNotPausable(t *testing.T) {
	inst := &volumeOnlyInstance{fmt: format.New(44100, 2, 16, true, false)}
	s := New(inst, fifo.New(64, 8, 8), false)
	require.True(t, s.SetVolume(0.8))

	assert.True(t, s.Pause())
	assert.Equal(t, Paused, s.State())
	assert.InDelta(t, 0.0, inst.Volume(), 0.0001, "soft-muted backend must have 0 applied to the device")

	assert.True(t, s.Resume())
	assert.Equal(t, Running, s.State())
	assert.InDelta(t, 0.8, inst.Volume(), 0.0001, "resume must restore the pre-pause level")
}

func TestSinkPauseFailsWhenBackendHasNoPauseOrVolume(t *testing.T) {
	s, _, _ := newNullSink(t, 64, 8, 8)
	// Swap in an instance with neither capability to confirm Pause reports
	// failure instead of silently claiming a paused state.
	s.inst = struct {
		Instance
	}{}
	assert.False(t, s.Pause())
}

func TestRegistryDefaultHasThreeBackends(t *testing.T) {
	r := Default()
	for _, name := range []string{"speaker", "portaudio", "null"} {
		_, ok := r.Find(name)
		assert.True(t, ok, "missing backend %q", name)
	}
}

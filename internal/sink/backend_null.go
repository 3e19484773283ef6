package sink

import (
	"sync"
	"sync/atomic"

	"github.com/riftaudio/streamd/internal/format"
)

// nullDescriptor discards whatever it is written, accepting immediately
// rather than pacing to real time — a "fast-motion" backend for headless
// runs and tests, where nothing needs to actually come out of a speaker
// and the Pipeline should be free to run as fast as the Feeder/Decoder can
// go (SPEC_FULL.md §11).
func nullDescriptor() Descriptor {
	return Descriptor{
		Name: "null",
		NewIf: func(f format.AudioFormat, device string, debug bool) (Instance, error) {
			return &nullInstance{fmt: f}, nil
		},
	}
}

type nullInstance struct {
	fmt          format.AudioFormat
	bytesWritten int64
	paused       atomic.Bool
	volume       atomic.Value // float64
	mu           sync.Mutex
}

func (n *nullInstance) Format() format.AudioFormat { return n.fmt }

func (n *nullInstance) Write(pcm []byte) error {
	n.mu.Lock()
	n.bytesWritten += int64(len(pcm))
	n.mu.Unlock()
	return nil
}

func (n *nullInstance) Close() error { return nil }

func (n *nullInstance) Pause() error {
	n.paused.Store(true)
	return nil
}

func (n *nullInstance) Resume() error {
	n.paused.Store(false)
	return nil
}

func (n *nullInstance) SetVolume(level float64) error {
	n.volume.Store(level)
	return nil
}

// BytesWritten reports how many PCM bytes have been accepted, useful for
// tests asserting a Pipeline actually produced output.
func (n *nullInstance) BytesWritten() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.bytesWritten
}

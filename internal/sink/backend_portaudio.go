package sink

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/riftaudio/streamd/internal/format"
)

var (
	paInitOnce sync.Once
	paInitErr  error
)

// portaudioDescriptor opens a device directly via gordonklaus/portaudio —
// not used by the teacher, but pulled in per SPEC_FULL.md §11 so a device
// string of the form "portaudio:<device name>" (internal/format's
// ParseDeviceString) can bypass beep's single global speaker and pick a
// specific interface.
func portaudioDescriptor() Descriptor {
	return Descriptor{
		Name: "portaudio",
		NewIf: func(f format.AudioFormat, device string, debug bool) (Instance, error) {
			paInitOnce.Do(func() { paInitErr = portaudio.Initialize() })
			if paInitErr != nil {
				return nil, fmt.Errorf("portaudio: initialize: %w", paInitErr)
			}

			devInfo, err := resolvePortaudioDevice(device)
			if err != nil {
				return nil, err
			}

			inst := &portaudioInstance{fmt: f, pull: make(chan []byte, 4), closed: make(chan struct{}), volume: 1}

			params := portaudio.StreamParameters{
				Output: portaudio.StreamDeviceParameters{
					Device:   devInfo,
					Channels: *f.Channels,
					Latency:  devInfo.DefaultLowOutputLatency,
				},
				SampleRate:      float64(*f.SampleRate),
				FramesPerBuffer: portaudio.FramesPerBufferUnspecified,
			}
			stream, err := portaudio.OpenStream(params, inst.callback)
			if err != nil {
				return nil, fmt.Errorf("portaudio: open stream: %w", err)
			}
			if err := stream.Start(); err != nil {
				return nil, fmt.Errorf("portaudio: start stream: %w", err)
			}
			inst.stream = stream
			return inst, nil
		},
	}
}

func resolvePortaudioDevice(name string) (*portaudio.DeviceInfo, error) {
	if name == "" {
		return portaudio.DefaultOutputDevice()
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	for _, d := range devices {
		if d.Name == name && d.MaxOutputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("portaudio: no output device named %q", name)
}

// portaudioInstance buffers PCM bytes pushed by Sink.Write and hands them
// out int16-frame-at-a-time from portaudio's realtime callback.
type portaudioInstance struct {
	fmt    format.AudioFormat
	stream *portaudio.Stream

	leftover []byte

	pull      chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	volMu  sync.Mutex
	volume float64
}

func (p *portaudioInstance) Format() format.AudioFormat { return p.fmt }

// SetVolume applies a software gain in the realtime callback — portaudio
// has no per-stream hardware volume of its own, and this is also what lets
// Sink.Pause soft-mute this backend when it has no Pause/Resume of its own.
func (p *portaudioInstance) SetVolume(level float64) error {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	p.volMu.Lock()
	p.volume = level
	p.volMu.Unlock()
	return nil
}

func (p *portaudioInstance) Write(pcm []byte) error {
	select {
	case p.pull <- pcm:
		return nil
	case <-p.closed:
		return fmt.Errorf("portaudio: write after close")
	}
}

// callback is invoked on portaudio's realtime thread; it must never block
// for long, so it only drains what's already queued and zero-fills gaps
// rather than waiting on Write.
func (p *portaudioInstance) callback(out []int16) {
	need := len(out) * 2 // bytes (int16 = 2 bytes)
	for len(p.leftover) < need {
		select {
		case chunk := <-p.pull:
			p.leftover = append(p.leftover, chunk...)
		default:
			// Nothing queued: zero-fill the remainder (brief underrun)
			// rather than stalling the audio thread.
			for i := range out {
				out[i] = 0
			}
			return
		}
	}
	p.volMu.Lock()
	vol := p.volume
	p.volMu.Unlock()
	for i := range out {
		off := i * 2
		sample := int16(uint16(p.leftover[off]) | uint16(p.leftover[off+1])<<8)
		if vol != 1 {
			sample = int16(float64(sample) * vol)
		}
		out[i] = sample
	}
	p.leftover = p.leftover[need:]
}

func (p *portaudioInstance) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	if p.stream != nil {
		_ = p.stream.Stop()
		return p.stream.Close()
	}
	return nil
}

package sink

import (
	"fmt"
	"sync"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/effects"
	"github.com/gopxl/beep/speaker"

	"github.com/riftaudio/streamd/internal/format"
)

var (
	speakerOnce       sync.Once
	speakerInitErr    error
	speakerSampleRate beep.SampleRate
)

// speakerDescriptor plays through gopxl/beep/speaker, exactly the backend
// the teacher's Player uses — generalized here from "decode straight into
// the speaker chain" into "adapt the Sink's incoming PCM bytes into a
// beep.Streamer and hand that to speaker.Play".
func speakerDescriptor() Descriptor {
	return Descriptor{
		Name: "speaker",
		NewIf: func(f format.AudioFormat, device string, debug bool) (Instance, error) {
			sr := beep.SampleRate(*f.SampleRate)
			speakerOnce.Do(func() {
				bufSize := sr.N(200 * time.Millisecond)
				speakerInitErr = speaker.Init(sr, bufSize)
				speakerSampleRate = sr
			})
			if speakerInitErr != nil {
				return nil, fmt.Errorf("speaker: init: %w", speakerInitErr)
			}
			if speakerSampleRate != sr {
				return nil, fmt.Errorf("speaker: already initialized at %d Hz, cannot reopen at %d Hz", speakerSampleRate, sr)
			}

			src := &pcmStreamer{fmt: f, pull: make(chan []byte, 4), closed: make(chan struct{})}
			vol := &effects.Volume{Streamer: src, Base: 2, Volume: 0}
			inst := &speakerInstance{streamer: src, volume: vol, fmt: f}

			done := make(chan struct{})
			speaker.Play(beep.Seq(vol, beep.Callback(func() { close(done) })))
			inst.done = done
			return inst, nil
		},
	}
}

// pcmStreamer adapts push-style byte delivery (Sink.Write) into beep's
// pull-style Stream(samples) interface: Write hands a chunk to the
// streamer, which the speaker's mixing goroutine drains via Stream.
type pcmStreamer struct {
	fmt       format.AudioFormat
	pull      chan []byte
	leftover  []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func (p *pcmStreamer) write(pcm []byte) {
	select {
	case p.pull <- pcm:
	case <-p.closed:
	}
}

func (p *pcmStreamer) close() {
	p.closeOnce.Do(func() { close(p.closed) })
}

// Stream implements beep.Streamer. It is called from speaker's own audio
// callback goroutine, never from Sink.run, so it must not block
// indefinitely once closed.
func (p *pcmStreamer) Stream(samples [][2]float64) (int, bool) {
	const bytesPerFrame = 4
	i := 0
	for i < len(samples) {
		if len(p.leftover) < bytesPerFrame {
			select {
			case chunk, ok := <-p.pull:
				if !ok {
					break
				}
				p.leftover = append(p.leftover, chunk...)
			case <-p.closed:
				if i == 0 {
					return 0, false
				}
				return i, true
			}
		}
		if len(p.leftover) < bytesPerFrame {
			continue
		}
		l := int16(uint16(p.leftover[0]) | uint16(p.leftover[1])<<8)
		r := int16(uint16(p.leftover[2]) | uint16(p.leftover[3])<<8)
		samples[i][0] = float64(l) / 32768
		samples[i][1] = float64(r) / 32768
		p.leftover = p.leftover[bytesPerFrame:]
		i++
	}
	return i, true
}

func (p *pcmStreamer) Err() error { return nil }

type speakerInstance struct {
	streamer *pcmStreamer
	volume   *effects.Volume
	fmt      format.AudioFormat
	done     chan struct{}
}

func (s *speakerInstance) Format() format.AudioFormat { return s.fmt }

func (s *speakerInstance) Write(pcm []byte) error {
	s.streamer.write(pcm)
	return nil
}

func (s *speakerInstance) Close() error {
	s.streamer.close()
	select {
	case <-s.done:
	case <-time.After(time.Second):
	}
	speaker.Lock()
	speaker.Clear()
	speaker.Unlock()
	return nil
}

func (s *speakerInstance) Pause() error {
	speaker.Lock()
	s.volume.Silent = true
	speaker.Unlock()
	return nil
}

func (s *speakerInstance) Resume() error {
	speaker.Lock()
	s.volume.Silent = false
	speaker.Unlock()
	return nil
}

func (s *speakerInstance) SetVolume(level float64) error {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	speaker.Lock()
	if level == 0 {
		s.volume.Silent = true
	} else {
		s.volume.Silent = false
		s.volume.Volume = (level - 1) * 5
	}
	speaker.Unlock()
	return nil
}

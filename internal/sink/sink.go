// Package sink implements the audio output layer of spec.md §4.4: a
// registry of backend descriptors (new_if/play/stop/pause?/set_volume?/
// delete_if), and a Sink that owns a goroutine draining PCM bytes out of a
// Fifo into whichever backend Instance it was built with.
//
// Grounded on the teacher's speaker.Play/speaker.Clear/speaker.Lock
// choreography in internal/audio/player.go, generalized into a backend
// interface so the same orchestration drives gopxl/beep/speaker,
// gordonklaus/portaudio, or a null backend for headless tests.
package sink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/riftaudio/streamd/internal/fifo"
	"github.com/riftaudio/streamd/internal/format"
	"github.com/riftaudio/streamd/internal/logging"
	"github.com/riftaudio/streamd/internal/perror"
)

// State is the Sink lifecycle of spec.md §4.4 — Running gains a Paused
// sub-state a Decoder or Feeder has no equivalent of.
type State int

const (
	Initialized State = iota
	Running
	Paused
	Terminating
	TerminatedOk
	TerminatedError
)

// TerminateMode: Drain empties the Fifo through the device before
// stopping; Drop stops as soon as the device can be told to; Force stops
// without waiting on the device at all.
type TerminateMode int

const (
	Drain TerminateMode = iota
	Drop
	Force
)

// Instance is one open audio output device, built by a Descriptor's NewIf.
// Write is called repeatedly with PCM bytes already shaped to Format();
// it must not return until the bytes are accepted (blocking backpressure
// is how a Sink paces the pipeline — spec.md §4.4).
type Instance interface {
	Write(pcm []byte) error
	Format() format.AudioFormat
	Close() error
}

// Pausable is an optional Instance capability.
type Pausable interface {
	Pause() error
	Resume() error
}

// VolumeCapable is an optional Instance capability; a sink backend that
// implements it is preferred for volume control over a codec- or
// controller-level fallback (SPEC_FULL.md §13).
type VolumeCapable interface {
	SetVolume(level float64) error
}

// Descriptor is one backend's contract.
type Descriptor struct {
	Name  string
	NewIf func(f format.AudioFormat, device string, debug bool) (Instance, error)
}

// Registry holds known backends by name.
type Registry struct {
	mu    sync.RWMutex
	descs map[string]Descriptor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry { return &Registry{descs: make(map[string]Descriptor)} }

// Register adds a backend descriptor under its Name.
func (r *Registry) Register(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descs[d.Name] = d
}

// Find looks up a backend by name.
func (r *Registry) Find(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descs[name]
	return d, ok
}

// Default returns a Registry carrying the three backends spec.md §4.4
// requires: beep's cross-platform speaker output, portaudio for direct
// device selection, and a null backend for headless runs.
func Default() *Registry {
	r := NewRegistry()
	r.Register(speakerDescriptor())
	r.Register(portaudioDescriptor())
	r.Register(nullDescriptor())
	return r
}

// Sink drains src into an Instance on its own goroutine.
type Sink struct {
	inst Instance
	src  *fifo.Fifo
	log  *logging.Logger

	mu            sync.Mutex
	state         State
	err           error
	terminating   bool
	terminateMode TerminateMode
	onTerminal    func(State)
	terminalFired bool
	volume        float64
	softMuted     bool
}

// New builds a Sink around an already-opened Instance.
func New(inst Instance, src *fifo.Fifo, debug bool) *Sink {
	return &Sink{
		inst:   inst,
		src:    src,
		log:    logging.Tagged("SINK", debug),
		volume: 1,
	}
}

func (s *Sink) Format() format.AudioFormat { return s.inst.Format() }

func (s *Sink) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Sink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// OnTerminal registers a callback fired exactly once on the transition
// into TerminatedOk or TerminatedError.
func (s *Sink) OnTerminal(cb func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTerminal = cb
}

func (s *Sink) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Sink) setTerminal(st State, err error) {
	s.mu.Lock()
	s.state = st
	s.err = err
	cb := s.onTerminal
	already := s.terminalFired
	s.terminalFired = true
	s.mu.Unlock()
	if cb != nil && !already {
		cb(st)
	}
}

// Pause pauses playback if the backend supports hardware pause (Pausable);
// otherwise it falls back to a soft mute (spec.md §4.4: "toggles hardware
// pause if available; otherwise a soft mute"), driving the volume to 0 and
// remembering the level in effect so Resume can restore it. Returns false
// only if neither a hardware pause nor a soft mute could be applied — the
// caller must not report a paused state in that case.
func (s *Sink) Pause() bool {
	if p, ok := s.inst.(Pausable); ok {
		if err := p.Pause(); err == nil {
			s.setState(Paused)
			return true
		}
	}

	s.mu.Lock()
	preMute := s.volume
	s.mu.Unlock()
	if !s.applyVolume(0) {
		return false
	}
	s.mu.Lock()
	s.volume = preMute
	s.softMuted = true
	s.mu.Unlock()
	s.setState(Paused)
	return true
}

// Resume undoes Pause, whether it was a hardware pause or a soft mute.
func (s *Sink) Resume() bool {
	if p, ok := s.inst.(Pausable); ok {
		if err := p.Resume(); err == nil {
			s.setState(Running)
			return true
		}
	}

	s.mu.Lock()
	wasSoftMuted := s.softMuted
	level := s.volume
	s.softMuted = false
	s.mu.Unlock()
	if !wasSoftMuted {
		return false
	}
	if !s.applyVolume(level) {
		return false
	}
	s.setState(Running)
	return true
}

// SetVolume forwards to the instance if it implements VolumeCapable, and
// remembers the requested level so a later soft-mute Pause can restore it
// on Resume. While soft-muted, the remembered level is the one to restore
// to, not 0 — the 0 actually applied to the device is tracked separately.
func (s *Sink) SetVolume(level float64) bool {
	s.mu.Lock()
	softMuted := s.softMuted
	s.mu.Unlock()
	if softMuted {
		s.mu.Lock()
		s.volume = level
		s.mu.Unlock()
		return true
	}
	return s.applyVolume(level)
}

// applyVolume pushes level straight to the instance and records it as the
// current volume, bypassing the soft-mute bookkeeping SetVolume does.
func (s *Sink) applyVolume(level float64) bool {
	vc, ok := s.inst.(VolumeCapable)
	if !ok {
		return false
	}
	if err := vc.SetVolume(level); err != nil {
		return false
	}
	s.mu.Lock()
	s.volume = level
	s.mu.Unlock()
	return true
}

func (s *Sink) isTerminating() (bool, TerminateMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminating, s.terminateMode
}

// Terminate requests the drain loop stop.
func (s *Sink) Terminate(mode TerminateMode) {
	s.mu.Lock()
	s.terminating = true
	s.terminateMode = mode
	s.mu.Unlock()
}

// Start launches the drain loop.
func (s *Sink) Start(ctx context.Context) {
	s.setState(Running)
	go s.run(ctx)
}

func (s *Sink) run(ctx context.Context) {
	defer s.inst.Close()

	for {
		terminating, mode := s.isTerminating()
		if terminating && mode == Force {
			s.setTerminal(TerminatedOk, nil)
			return
		}

		select {
		case <-ctx.Done():
			s.setTerminal(TerminatedOk, nil)
			return
		default:
		}

		if err := s.src.LockWaitReadable(500 * time.Millisecond); err != nil {
			if err == fifo.ErrTimeout {
				if terminating {
					// Nothing left to drain.
					s.setTerminal(TerminatedOk, nil)
					return
				}
				continue
			}
			s.setTerminal(TerminatedError, fmt.Errorf("%w: %v", perror.Resource, err))
			return
		}

		buf := append([]byte(nil), s.src.GetReadPtr()...)
		n := len(buf)
		if uerr := s.src.UnlockAfterRead(n); uerr != nil {
			s.setTerminal(TerminatedError, fmt.Errorf("%w: %v", perror.Logic, uerr))
			return
		}

		if terminating, mode := s.isTerminating(); terminating && mode == Drop {
			s.setTerminal(TerminatedOk, nil)
			return
		}

		if err := s.inst.Write(buf); err != nil {
			s.setTerminal(TerminatedError, fmt.Errorf("%w: device write: %v", perror.Device, err))
			return
		}
	}
}

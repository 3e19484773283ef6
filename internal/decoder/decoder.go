// Package decoder implements the codec layer of spec.md §4.3: a registry of
// codec descriptors (check_type/new_instance/deliver_output/delete_instance,
// with set_volume and get_seek_time as optional capabilities), and a
// decoder instance that owns its own goroutine pulling compressed bytes
// from a Feeder and pushing decoded PCM into a Fifo for the Sink.
//
// Grounded on the teacher's loadAndPlay/mp3.Decode pipeline in
// internal/audio/player.go, generalized from "decode straight into a beep
// speaker chain" into "decode into the canonical PCM wire format the Fifo
// carries" so any Sink backend — not just the teacher's beep/speaker one —
// can consume it.
package decoder

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/riftaudio/streamd/internal/fifo"
	"github.com/riftaudio/streamd/internal/format"
	"github.com/riftaudio/streamd/internal/logging"
	"github.com/riftaudio/streamd/internal/perror"
)

// State mirrors the Feeder lifecycle, renamed per spec.md §4.3's own
// vocabulary: a Decoder is "Running" rather than "Connected" once decoding.
type State int

const (
	Initialized State = iota
	Running
	Terminating
	TerminatedOk
	TerminatedError
)

// TerminateMode: Drop/Force stop the run loop at its next check; Drain does
// not stop it, so decoding goes on until the input reaches EOF.
type TerminateMode int

const (
	Drain TerminateMode = iota
	Drop
	Force
)

// Instance is one running decode session, built from a Descriptor.
// DeliverOutput fills dst with canonical-format PCM bytes and returns how
// many bytes it wrote; it returns io.EOF once the underlying stream is
// exhausted.
type Instance interface {
	DeliverOutput(dst []byte) (int, error)
	Format() format.AudioFormat
	Close() error
}

// VolumeCapable is an optional Instance capability (spec.md §4.3: codecs
// may own volume control, e.g. FLAC ReplayGain scaling).
type VolumeCapable interface {
	SetVolume(level float64) error
}

// SeekTimeCapable is an optional Instance capability exposing the decoder's
// own notion of elapsed time, when it tracks one independent of the Sink.
type SeekTimeCapable interface {
	GetSeekTime() (time.Duration, bool)
}

// Descriptor is one codec's contract, matching spec.md §4.3's
// check_type/new_instance/delete_instance triple. CheckType is given the
// Feeder's Content-Type (may be empty) and a short peek of the stream's
// first bytes, and returns whether this codec should handle it.
type Descriptor struct {
	Name        string
	CheckType   func(contentType string, peek []byte) bool
	NewInstance func(src io.Reader, contentType string, debug bool) (Instance, error)
}

// Registry holds the known codecs, tried in registration order — the first
// whose CheckType matches wins (spec.md §4.3's find_codec).
type Registry struct {
	mu    sync.RWMutex
	descs []Descriptor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry { return &Registry{} }

// Register adds a codec descriptor.
func (r *Registry) Register(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descs = append(r.descs, d)
}

// FindCodec returns the first registered descriptor matching contentType
// and peek, or false if none do.
func (r *Registry) FindCodec(contentType string, peek []byte) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.descs {
		if d.CheckType(contentType, peek) {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Default returns a Registry carrying the four codecs required by
// spec.md §4.3: MP3, FLAC, WAV/AIFF and raw PCM passthrough.
func Default() *Registry {
	r := NewRegistry()
	r.Register(mp3Descriptor())
	r.Register(flacDescriptor())
	r.Register(wavDescriptor())
	r.Register(pcmDescriptor())
	return r
}

// Decoder runs one Instance on its own goroutine, pumping output into out
// (spec.md §4.3: "a decoder instance owns its own thread running
// lock_wait_writable → deliver_output → unlock_after_write").
type Decoder struct {
	inst Instance
	out  *fifo.Fifo
	log  *logging.Logger

	mu            sync.Mutex
	state         State
	err           error
	terminating   bool
	terminateMode TerminateMode
	onTerminal    func(State)
	terminalFired bool
	bytesOut      int64
}

// New builds a Decoder around an already-constructed Instance.
func New(inst Instance, out *fifo.Fifo, debug bool) *Decoder {
	return &Decoder{
		inst: inst,
		out:  out,
		log:  logging.Tagged("DECODER", debug),
	}
}

// Format returns the instance's output format.
func (d *Decoder) Format() format.AudioFormat { return d.inst.Format() }

// OnTerminal registers a callback fired exactly once on the transition
// into TerminatedOk or TerminatedError.
func (d *Decoder) OnTerminal(cb func(State)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onTerminal = cb
}

func (d *Decoder) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Decoder) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// BytesDelivered reports the cumulative PCM bytes handed to the output
// Fifo, which a Pipeline can divide by the format's byte rate to estimate
// elapsed playback position without every codec needing GetSeekTime.
func (d *Decoder) BytesDelivered() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bytesOut
}

// SetVolume forwards to the instance if it implements VolumeCapable.
// Returns false when the codec has no volume control of its own, so a
// caller can fall back to sink- or controller-level attenuation
// (SPEC_FULL.md §13's sink→codec→cached fallback order).
func (d *Decoder) SetVolume(level float64) bool {
	vc, ok := d.inst.(VolumeCapable)
	if !ok {
		return false
	}
	return vc.SetVolume(level) == nil
}

// GetSeekTime forwards to the instance if it implements SeekTimeCapable.
func (d *Decoder) GetSeekTime() (time.Duration, bool) {
	sc, ok := d.inst.(SeekTimeCapable)
	if !ok {
		return 0, false
	}
	return sc.GetSeekTime()
}

func (d *Decoder) setTerminal(s State, err error) {
	d.mu.Lock()
	d.state = s
	d.err = err
	cb := d.onTerminal
	already := d.terminalFired
	d.terminalFired = true
	d.mu.Unlock()
	if cb != nil && !already {
		cb(s)
	}
}

func (d *Decoder) isTerminating() (bool, TerminateMode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.terminating, d.terminateMode
}

// Terminate requests the run loop stop. Drop/Force stop it at the next loop
// check, before another fragment is delivered; under Drain the loop keeps
// decoding until the instance reports EOF or ctx is canceled, so the rest
// of the input still reaches the Fifo.
func (d *Decoder) Terminate(mode TerminateMode) {
	d.mu.Lock()
	d.terminating = true
	d.terminateMode = mode
	d.mu.Unlock()
}

// Start launches the decode loop.
func (d *Decoder) Start(ctx context.Context) {
	d.mu.Lock()
	d.state = Running
	d.mu.Unlock()
	go d.run(ctx)
}

func (d *Decoder) run(ctx context.Context) {
	defer d.inst.Close()

	for {
		if terminating, mode := d.isTerminating(); terminating && mode != Drain {
			d.setTerminal(TerminatedOk, nil)
			return
		}
		select {
		case <-ctx.Done():
			d.setTerminal(TerminatedOk, nil)
			return
		default:
		}

		if err := d.out.LockWaitWritable(500*time.Millisecond, 1); err != nil {
			if err == fifo.ErrTimeout {
				continue
			}
			d.setTerminal(TerminatedError, fmt.Errorf("%w: %v", perror.Resource, err))
			return
		}

		dst := d.out.GetWritePtr()
		n, decErr := d.inst.DeliverOutput(dst)
		if n > 0 {
			if uerr := d.out.UnlockAfterWrite(n); uerr != nil {
				d.setTerminal(TerminatedError, fmt.Errorf("%w: %v", perror.Logic, uerr))
				return
			}
			d.mu.Lock()
			d.bytesOut += int64(n)
			d.mu.Unlock()
		} else {
			if uerr := d.out.UnlockAfterWrite(0); uerr != nil {
				d.setTerminal(TerminatedError, fmt.Errorf("%w: %v", perror.Logic, uerr))
				return
			}
		}

		if decErr != nil {
			if decErr == io.EOF {
				d.setTerminal(TerminatedOk, nil)
				return
			}
			d.setTerminal(TerminatedError, fmt.Errorf("%w: decode: %v", perror.FormatMismatch, decErr))
			return
		}
	}
}

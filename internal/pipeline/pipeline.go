// Package pipeline implements spec.md §4.5's per-track orchestration: try
// each of a Track's StreamRefs in turn, wire a Feeder through a Decoder
// into a Sink, poll position, and surface format/metadata/end-of-track
// events to whatever owns the Pipeline (the Controller).
//
// Grounded on the teacher's Player.loadAndPlay (internal/audio/player.go):
// same "try local, then cached, then stream; wait for buffer; decode;
// build the playback chain; wait for finish or cancellation" shape, but
// generalized from one hardcoded codec/sink pair into the Decoder/Sink
// registries, and from "one fixed local song" into "iterate a Track's
// candidate StreamRefs until one plays".
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/riftaudio/streamd/internal/decoder"
	"github.com/riftaudio/streamd/internal/feeder"
	"github.com/riftaudio/streamd/internal/fifo"
	"github.com/riftaudio/streamd/internal/format"
	"github.com/riftaudio/streamd/internal/logging"
	"github.com/riftaudio/streamd/internal/perror"
	"github.com/riftaudio/streamd/internal/sink"
	"github.com/riftaudio/streamd/internal/track"
)

// State is the Pipeline lifecycle: Initialized while trying StreamRefs,
// Running once a Feeder/Decoder/Sink triple is wired up and playing,
// Terminating, then one of two terminal states: EndOfTrack for a track that
// played to its end, or TerminatedError.
type State int

const (
	Initialized State = iota
	Running
	Terminating
	EndOfTrack
	TerminatedError
)

// TerminateMode mirrors the vocabulary used by Feeder/Decoder/Sink.
type TerminateMode int

const (
	Drain TerminateMode = iota
	Drop
	Force
)

// Options configures a Pipeline.
type Options struct {
	BearerToken    string
	IcyMetadata    bool
	UserAgent      string
	RetryMax       int
	SinkBackend    string // e.g. "speaker", "portaudio", "null"
	SinkDevice     string
	FifoCapacity   int
	FifoLowMark    int
	FifoHighMark   int
	ConnectTimeout time.Duration
	PollInterval   time.Duration
}

func (o Options) withDefaults() Options {
	if o.FifoCapacity == 0 {
		o.FifoCapacity = 1 << 20 // 1 MiB of decoded PCM
	}
	// The Decoder writes while the Fifo holds fewer than FifoLowMark bytes and
	// the Sink reads once it holds more than FifoHighMark, so the low mark
	// sits above the high mark to keep both sides able to move.
	if o.FifoLowMark == 0 {
		o.FifoLowMark = o.FifoCapacity - o.FifoCapacity/8
	}
	if o.FifoHighMark == 0 {
		o.FifoHighMark = o.FifoCapacity / 8
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.PollInterval == 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	return o
}

// Pipeline plays a single Track, trying its StreamRefs in order.
type Pipeline struct {
	tr     *track.Track
	opts   Options
	codecs *decoder.Registry
	sinks  *sink.Registry
	log    *logging.Logger

	formatCB   func(format.AudioFormat)
	metaCB     func(map[string]string)
	positionCB func(time.Duration)

	mu            sync.Mutex
	state         State
	err           error
	feeder        *feeder.Feeder
	dec           *decoder.Decoder
	sk            *sink.Sink
	negotiatedFmt format.AudioFormat
	onTerminal    func(State)
	terminalFired bool
}

// New builds a Pipeline for tr. codecs/sinks are the registries to search;
// pass decoder.Default()/sink.Default() for the full built-in set.
func New(tr *track.Track, opts Options, codecs *decoder.Registry, sinks *sink.Registry, debug bool) *Pipeline {
	return &Pipeline{
		tr:     tr,
		opts:   opts.withDefaults(),
		codecs: codecs,
		sinks:  sinks,
		log:    logging.Tagged("PIPELINE", debug),
	}
}

// OnFormat registers a callback fired once the first StreamRef negotiates
// a concrete AudioFormat (spec.md §4.5's format_callback).
func (p *Pipeline) OnFormat(cb func(format.AudioFormat)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.formatCB = cb
}

// OnMeta registers a callback fired on each ICY metadata block
// (spec.md §4.5's meta_callback).
func (p *Pipeline) OnMeta(cb func(map[string]string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metaCB = cb
}

// OnPosition registers a callback fired on the Pipeline's poll cadence
// with the current estimated elapsed playback time (spec.md §4.5).
func (p *Pipeline) OnPosition(cb func(time.Duration)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positionCB = cb
}

// OnTerminal registers a callback fired exactly once when the Pipeline
// reaches EndOfTrack or TerminatedError.
func (p *Pipeline) OnTerminal(cb func(State)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTerminal = cb
}

func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Pipeline) setTerminal(s State, err error) {
	p.mu.Lock()
	p.state = s
	p.err = err
	cb := p.onTerminal
	already := p.terminalFired
	p.terminalFired = true
	p.mu.Unlock()
	if cb != nil && !already {
		cb(s)
	}
}

// Run tries each StreamRef in order until one plays to completion or is
// terminated from outside; it blocks until the track ends, errors out
// exhausting every ref, or ctx is canceled.
func (p *Pipeline) Run(ctx context.Context) {
	refs := p.tr.StreamingRefs()
	if len(refs) == 0 {
		p.setTerminal(TerminatedError, fmt.Errorf("%w: track has no streaming refs", perror.Protocol))
		return
	}

	var lastErr error
	for _, ref := range refs {
		select {
		case <-ctx.Done():
			p.setTerminal(TerminatedError, ctx.Err())
			return
		default:
		}
		if err := p.tryRef(ctx, ref); err != nil {
			p.log.Debugf("streaming ref %s failed: %v", ref.URL, err)
			lastErr = err
			continue
		}
		return // tryRef blocked until the track ended or was terminated; terminal state already set
	}
	p.setTerminal(TerminatedError, fmt.Errorf("%w: all streaming refs failed: %v", perror.Transport, lastErr))
}

// tryRef connects one StreamRef all the way through Feeder→Decoder→Sink
// and blocks until that attempt reaches a terminal state. A non-nil
// return means the attempt never got off the ground (connect-phase
// failure) and the caller should try the next ref; once playback actually
// starts, Run commits to this ref regardless of how it ends.
func (p *Pipeline) tryRef(ctx context.Context, ref track.StreamRef) error {
	fo := feeder.Options{
		BearerToken: p.opts.BearerToken,
		IcyMetadata: p.opts.IcyMetadata,
		UserAgent:   p.opts.UserAgent,
		RetryMax:    p.opts.RetryMax,
	}
	fd := feeder.New(ref.URL, fo, p.log.Enabled())
	fd.Start(ctx)
	if err := fd.WaitConnected(p.opts.ConnectTimeout); err != nil {
		return err
	}

	var body io.Reader = fd.FD()
	if fd.IcyInterval() > 0 {
		body = decoder.NewIcyExtractor(body, fd.IcyInterval(), func(meta map[string]string) {
			p.mu.Lock()
			cb := p.metaCB
			p.mu.Unlock()
			if cb != nil {
				cb(meta)
			}
		})
	}

	peekBuf := make([]byte, 512)
	n, _ := io.ReadFull(body, peekBuf)
	peek := peekBuf[:n]
	body = io.MultiReader(bytes.NewReader(peek), body)

	desc, ok := p.codecs.FindCodec(fd.ContentType(), peek)
	if !ok {
		fd.Terminate(feeder.Force)
		return fmt.Errorf("%w: no codec matched content-type %q", perror.FormatMismatch, fd.ContentType())
	}
	inst, err := desc.NewInstance(body, fd.ContentType(), p.log.Enabled())
	if err != nil {
		fd.Terminate(feeder.Force)
		return fmt.Errorf("%w: %v", perror.FormatMismatch, err)
	}

	negotiated := inst.Format()

	p.mu.Lock()
	p.negotiatedFmt = negotiated
	cb := p.formatCB
	p.mu.Unlock()
	if cb != nil {
		cb(negotiated)
	}

	skDesc, ok := p.sinks.Find(p.opts.SinkBackend)
	if !ok {
		inst.Close()
		fd.Terminate(feeder.Force)
		return fmt.Errorf("%w: unknown sink backend %q", perror.Device, p.opts.SinkBackend)
	}
	skInst, err := skDesc.NewIf(negotiated, p.opts.SinkDevice, p.log.Enabled())
	if err != nil {
		inst.Close()
		fd.Terminate(feeder.Force)
		return fmt.Errorf("%w: %v", perror.Device, err)
	}

	buf := fifo.New(p.opts.FifoCapacity, p.opts.FifoLowMark, p.opts.FifoHighMark)
	dec := decoder.New(inst, buf, p.log.Enabled())
	sk := sink.New(skInst, buf, p.log.Enabled())

	p.mu.Lock()
	p.feeder = fd
	p.dec = dec
	p.sk = sk
	p.state = Running
	p.mu.Unlock()

	decTerm := make(chan decoder.State, 1)
	dec.OnTerminal(func(s decoder.State) { decTerm <- s })
	skTerm := make(chan sink.State, 1)
	sk.OnTerminal(func(s sink.State) { skTerm <- s })

	dec.Start(ctx)
	sk.Start(ctx)

	pollCtx, pollCancel := context.WithCancel(ctx)
	defer pollCancel()
	go p.pollPosition(pollCtx, dec, negotiated)

	select {
	case s := <-decTerm:
		if s == decoder.TerminatedError {
			dec.Terminate(decoder.Drop)
			sk.Terminate(sink.Drain)
			<-skTerm
			p.setTerminal(TerminatedError, dec.Err())
			return nil
		}
		// Decoder finished cleanly: let the sink drain whatever is left
		// in the fifo, then declare end of track.
		sk.Terminate(sink.Drain)
		<-skTerm
		p.setTerminal(EndOfTrack, nil)
		return nil
	case s := <-skTerm:
		dec.Terminate(decoder.Drop)
		<-decTerm
		if s == sink.TerminatedError {
			p.setTerminal(TerminatedError, sk.Err())
		} else {
			p.setTerminal(EndOfTrack, nil)
		}
		return nil
	case <-ctx.Done():
		dec.Terminate(decoder.Force)
		sk.Terminate(sink.Force)
		p.setTerminal(TerminatedError, ctx.Err())
		return nil
	}
}

// pollPosition reports elapsed playback time every PollInterval, estimated
// from the cumulative PCM bytes the Decoder has delivered. ICY metadata
// does not go through this ticker: the meta callback fires as each block
// is parsed.
func (p *Pipeline) pollPosition(ctx context.Context, dec *decoder.Decoder, f format.AudioFormat) {
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()
	bpf := f.BytesPerFrame()
	if bpf <= 0 || f.SampleRate == nil || *f.SampleRate <= 0 {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			cb := p.positionCB
			p.mu.Unlock()
			if cb == nil {
				continue
			}
			frames := dec.BytesDelivered() / int64(bpf)
			cb(time.Duration(frames) * time.Second / time.Duration(*f.SampleRate))
		}
	}
}

// SeekTime estimates elapsed playback position from cumulative decoder
// output, falling back to the codec's own GetSeekTime when it has one.
func (p *Pipeline) SeekTime() (time.Duration, bool) {
	p.mu.Lock()
	dec := p.dec
	f := p.negotiatedFmt
	p.mu.Unlock()
	if dec == nil {
		return 0, false
	}
	if t, ok := dec.GetSeekTime(); ok {
		return t, true
	}
	bpf := f.BytesPerFrame()
	if bpf <= 0 || f.SampleRate == nil || *f.SampleRate <= 0 {
		return 0, false
	}
	frames := dec.BytesDelivered() / int64(bpf)
	return time.Duration(frames) * time.Second / time.Duration(*f.SampleRate), true
}

// Pause/Resume/SetVolume forward to the live Sink, if one is wired up.
func (p *Pipeline) Pause() bool {
	p.mu.Lock()
	sk := p.sk
	p.mu.Unlock()
	return sk != nil && sk.Pause()
}

func (p *Pipeline) Resume() bool {
	p.mu.Lock()
	sk := p.sk
	p.mu.Unlock()
	return sk != nil && sk.Resume()
}

// SetVolume tries the sink first, then the codec, per SPEC_FULL.md §13's
// fallback order; returns false if neither can apply it, so the caller
// (Controller) should cache it for when a capable component appears.
func (p *Pipeline) SetVolume(level float64) bool {
	p.mu.Lock()
	sk := p.sk
	dec := p.dec
	p.mu.Unlock()
	if sk != nil && sk.SetVolume(level) {
		return true
	}
	if dec != nil && dec.SetVolume(level) {
		return true
	}
	return false
}

// Terminate stops the active Feeder/Decoder/Sink triple, if any.
func (p *Pipeline) Terminate(mode TerminateMode) {
	p.mu.Lock()
	fd, dec, sk := p.feeder, p.dec, p.sk
	p.mu.Unlock()
	var fm feeder.TerminateMode
	var dm decoder.TerminateMode
	var sm sink.TerminateMode
	switch mode {
	case Drain:
		fm, dm, sm = feeder.Drain, decoder.Drain, sink.Drain
	case Drop:
		fm, dm, sm = feeder.Drop, decoder.Drop, sink.Drop
	default:
		fm, dm, sm = feeder.Force, decoder.Force, sink.Force
	}
	if fd != nil {
		fd.Terminate(fm)
	}
	if dec != nil {
		dec.Terminate(dm)
	}
	if sk != nil {
		sk.Terminate(sm)
	}
}


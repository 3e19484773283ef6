// Package controller implements spec.md §4.6's Play/Pause/Stop state
// machine: it owns a Queue and drives one Pipeline at a time across it,
// handling repeat modes and volume/mute routing.
//
// Grounded on the teacher's PlayerBar.nextSong/previousSong
// (internal/ui/components/player_bar.go) for the repeat-mode branching —
// RepeatOne replays in place, RepeatAll wraps the index, RepeatOff stops at
// the end — generalized from a UI widget's queueIndex/slice pair into the
// Queue package's cursor, and from a single in-process Player into
// Pipeline instances built fresh per track.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/riftaudio/streamd/internal/decoder"
	"github.com/riftaudio/streamd/internal/logging"
	"github.com/riftaudio/streamd/internal/perror"
	"github.com/riftaudio/streamd/internal/pipeline"
	"github.com/riftaudio/streamd/internal/queue"
	"github.com/riftaudio/streamd/internal/sink"
	"github.com/riftaudio/streamd/internal/track"
)

// PlaybackState is the Controller's own state, distinct from any one
// Pipeline's lifecycle (spec.md §4.6).
type PlaybackState int

const (
	Stopped PlaybackState = iota
	PlayingState
	PausedState
)

// RepeatMode matches the teacher's RepeatMode vocabulary
// (internal/ui/components/player_bar.go), plus RepeatShuffle, which the
// teacher's UI widget never modeled: under RepeatShuffle the Queue's mapped
// ordering is reshuffled and the cursor wrapped to its start every time
// playback runs off the end, not just once at mode-set time.
type RepeatMode int

const (
	RepeatOff RepeatMode = iota
	RepeatItem
	RepeatQueue
	RepeatShuffle
)

// QueueFillFunc is an external collaborator a caller may install to keep
// the Queue topped up in "dynamic" mode (SPEC_FULL.md §12) — e.g. a radio
// station appending the next track on demand. The Controller only calls it
// when the cursor would otherwise run off the end of the Queue with
// RepeatQueue engaged; if it appends nothing, the cursor wraps as usual.
// The fill logic itself lives outside this package.
type QueueFillFunc func(q *queue.Queue) error

// Options configures a Controller.
type Options struct {
	PipelineOpts pipeline.Options
	CommandRate  rate.Limit // commands/sec; 0 disables limiting
	CommandBurst int
}

// Controller drives playback of a Queue.
type Controller struct {
	q       *queue.Queue
	codecs  *decoder.Registry
	sinks   *sink.Registry
	opts    Options
	log     *logging.Logger
	limiter *rate.Limiter

	mu            sync.Mutex
	state         PlaybackState
	repeat        RepeatMode
	volume        float64
	muted         bool
	current       *pipeline.Pipeline
	cancelTrack   context.CancelFunc
	fillFunc      QueueFillFunc
	onStateChange func(PlaybackState)
	onTrackChange func(*track.Track)
	onPosition    func(time.Duration)
	onMeta        func(map[string]string)
}

// New builds a Controller around q.
func New(q *queue.Queue, opts Options, codecs *decoder.Registry, sinks *sink.Registry, debug bool) *Controller {
	c := &Controller{
		q:      q,
		codecs: codecs,
		sinks:  sinks,
		opts:   opts,
		log:    logging.Tagged("CONTROLLER", debug),
		volume: 1.0,
	}
	if opts.CommandRate > 0 {
		burst := opts.CommandBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(opts.CommandRate, burst)
	}
	return c
}

// SetQueueFillFunc installs the dynamic-mode queue-fill hook.
func (c *Controller) SetQueueFillFunc(f QueueFillFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fillFunc = f
}

// OnStateChange registers a callback fired whenever PlaybackState changes.
func (c *Controller) OnStateChange(cb func(PlaybackState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStateChange = cb
}

// OnTrackChange registers a callback fired whenever the active track
// changes (including to nil, on Stop).
func (c *Controller) OnTrackChange(cb func(*track.Track)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrackChange = cb
}

// OnPosition registers a callback fired on each active Pipeline's poll
// cadence with the current estimated elapsed playback time (spec.md §6's
// streaming metadata surface, via the teacher's nextSong-adjacent progress
// reporting generalized onto the Pipeline's own ticker).
func (c *Controller) OnPosition(cb func(time.Duration)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPosition = cb
}

// OnMeta registers a callback fired once per ICY metadata update a Pipeline
// reports (spec.md §6: "exactly one update per metadata change").
func (c *Controller) OnMeta(cb func(map[string]string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMeta = cb
}

func (c *Controller) setState(s PlaybackState) {
	c.mu.Lock()
	c.state = s
	cb := c.onStateChange
	c.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (c *Controller) State() PlaybackState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) RepeatMode() RepeatMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.repeat
}

func (c *Controller) SetRepeatMode(m RepeatMode) {
	c.mu.Lock()
	c.repeat = m
	c.mu.Unlock()
}

// checkRate applies the command-ingestion rate limiter, if configured
// (spec.md §4.6/§7: remote commands are rate-limited; Protocol error if
// exceeded).
func (c *Controller) checkRate() error {
	if c.limiter == nil {
		return nil
	}
	if !c.limiter.Allow() {
		return fmt.Errorf("%w: command rate limit exceeded", perror.Protocol)
	}
	return nil
}

// Play starts (or resumes) playback at the Queue's current cursor item.
func (c *Controller) Play(ctx context.Context) error {
	if err := c.checkRate(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.state == PausedState && c.current != nil {
		cur := c.current
		c.mu.Unlock()
		if !cur.Resume() {
			return fmt.Errorf("%w: active sink failed to resume", perror.Device)
		}
		c.setState(PlayingState)
		return nil
	}
	c.mu.Unlock()

	item, ok := c.q.GetCursorItem()
	if !ok {
		return fmt.Errorf("%w: queue is empty", perror.Logic)
	}
	return c.playTrack(ctx, item)
}

// playTrack tears down any running Pipeline and starts a fresh one for tr.
func (c *Controller) playTrack(ctx context.Context, tr *track.Track) error {
	c.stopCurrent(pipeline.Drop)

	trackCtx, cancel := context.WithCancel(ctx)
	p := pipeline.New(tr, c.opts.PipelineOpts, c.codecs, c.sinks, c.log.Enabled())

	c.mu.Lock()
	c.current = p
	c.cancelTrack = cancel
	vol, muted := c.volume, c.muted
	posCB, metaCB := c.onPosition, c.onMeta
	c.mu.Unlock()
	if muted {
		p.SetVolume(0)
	} else {
		p.SetVolume(vol)
	}
	if posCB != nil {
		p.OnPosition(posCB)
	}
	if metaCB != nil {
		p.OnMeta(metaCB)
	}

	done := make(chan pipeline.State, 1)
	p.OnTerminal(func(s pipeline.State) { done <- s })

	go p.Run(trackCtx)
	go c.watch(trackCtx, p, done)

	c.setState(PlayingState)
	c.mu.Lock()
	cb := c.onTrackChange
	c.mu.Unlock()
	if cb != nil {
		cb(tr)
	}
	return nil
}

// watch waits for the active Pipeline to end and advances the Queue per
// the current RepeatMode, mirroring the teacher's nextSong branching.
func (c *Controller) watch(ctx context.Context, p *pipeline.Pipeline, done chan pipeline.State) {
	select {
	case s := <-done:
		if s != pipeline.EndOfTrack {
			c.log.Debugf("track ended in error: %v", p.Err())
		}
		c.mu.Lock()
		stillCurrent := c.current == p
		c.mu.Unlock()
		if stillCurrent {
			c.advance(ctx)
		}
	case <-ctx.Done():
	}
}

// advance moves the Queue cursor per RepeatMode and starts the next track,
// or stops if there is nowhere left to go — the same three-way branch as
// the teacher's nextSong, generalized onto Queue's cursor instead of a
// slice index.
func (c *Controller) advance(ctx context.Context) {
	c.mu.Lock()
	mode := c.repeat
	fill := c.fillFunc
	c.mu.Unlock()

	if mode == RepeatItem {
		item, ok := c.q.GetCursorItem()
		if !ok {
			c.Stop()
			return
		}
		_ = c.playTrack(ctx, item)
		return
	}

	pos, _ := c.q.CursorPosition()
	if !c.q.AdvanceCursor() {
		if mode == RepeatQueue && fill != nil && fill(c.q) == nil && c.q.SetCursorPosition(pos+1) == nil {
			// The fill hook appended items; play on from the first new one.
		} else if mode == RepeatQueue {
			c.q.WrapCursorToStart()
		} else if mode == RepeatShuffle {
			c.reshuffle()
		} else {
			c.Stop()
			return
		}
	}

	item, ok := c.q.GetCursorItem()
	if !ok {
		c.Stop()
		return
	}
	_ = c.playTrack(ctx, item)
}

// reshuffle wraps the cursor to the mapped ordering's current first item and
// reshuffles the rest of the range around it, mirroring the original's
// playlistShuffle: every wrap under RepeatShuffle gets a fresh ordering, not
// just the one in effect when the mode was set.
func (c *Controller) reshuffle() {
	c.q.WrapCursorToStart()
	_ = c.q.Shuffle(0, c.q.Length(), true)
}

// Next skips to the next Queue item, honoring RepeatItem by replaying the
// current track (spec.md §4.6, teacher's nextSong).
func (c *Controller) Next(ctx context.Context) error {
	if err := c.checkRate(); err != nil {
		return err
	}
	c.mu.Lock()
	mode := c.repeat
	c.mu.Unlock()
	if mode == RepeatItem {
		item, ok := c.q.GetCursorItem()
		if !ok {
			return fmt.Errorf("%w: queue is empty", perror.Logic)
		}
		return c.playTrack(ctx, item)
	}
	if !c.q.AdvanceCursor() {
		if mode == RepeatQueue {
			c.q.WrapCursorToStart()
		} else if mode == RepeatShuffle {
			c.reshuffle()
		} else {
			c.Stop()
			return nil
		}
	}
	item, ok := c.q.GetCursorItem()
	if !ok {
		c.Stop()
		return nil
	}
	return c.playTrack(ctx, item)
}

// Previous mirrors Next backwards (teacher's previousSong).
func (c *Controller) Previous(ctx context.Context) error {
	if err := c.checkRate(); err != nil {
		return err
	}
	c.mu.Lock()
	mode := c.repeat
	c.mu.Unlock()
	if mode == RepeatItem {
		item, ok := c.q.GetCursorItem()
		if !ok {
			return fmt.Errorf("%w: queue is empty", perror.Logic)
		}
		return c.playTrack(ctx, item)
	}
	pos, ok := c.q.CursorPosition()
	if !ok {
		return fmt.Errorf("%w: queue is empty", perror.Logic)
	}
	if pos == 0 {
		if mode == RepeatQueue {
			pos = c.q.Length() - 1
		} else if mode == RepeatShuffle {
			c.reshuffle()
			pos = 0
		} else {
			return nil
		}
	} else {
		pos--
	}
	if err := c.q.SetCursorPosition(pos); err != nil {
		return err
	}
	item, ok := c.q.GetCursorItem()
	if !ok {
		return nil
	}
	return c.playTrack(ctx, item)
}

// Pause pauses the active Pipeline, if any.
func (c *Controller) Pause() error {
	if err := c.checkRate(); err != nil {
		return err
	}
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()
	if cur == nil {
		return fmt.Errorf("%w: nothing is playing", perror.Logic)
	}
	if !cur.Pause() {
		return fmt.Errorf("%w: active sink supports neither hardware pause nor volume control", perror.Device)
	}
	c.setState(PausedState)
	return nil
}

// Stop halts playback and clears the active Pipeline.
func (c *Controller) Stop() {
	c.stopCurrent(pipeline.Drop)
	c.setState(Stopped)
	c.mu.Lock()
	cb := c.onTrackChange
	c.mu.Unlock()
	if cb != nil {
		cb(nil)
	}
}

func (c *Controller) stopCurrent(mode pipeline.TerminateMode) {
	c.mu.Lock()
	cur, cancel := c.current, c.cancelTrack
	c.current, c.cancelTrack = nil, nil
	c.mu.Unlock()
	if cur != nil {
		cur.Terminate(mode)
	}
	if cancel != nil {
		cancel()
	}
}

// SeekTime returns the active Pipeline's estimated elapsed time.
func (c *Controller) SeekTime() (time.Duration, bool) {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()
	if cur == nil {
		return 0, false
	}
	return cur.SeekTime()
}

// CurrentTrack returns the Queue's cursor item, which is what the active
// Pipeline (if any) is playing.
func (c *Controller) CurrentTrack() (*track.Track, bool) {
	return c.q.GetCursorItem()
}

// SetVolume sets playback volume in [0,1], applying it to the active
// Pipeline if one exists and caching it for the next track otherwise.
func (c *Controller) SetVolume(level float64) error {
	if err := c.checkRate(); err != nil {
		return err
	}
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	c.mu.Lock()
	c.volume = level
	muted := c.muted
	cur := c.current
	c.mu.Unlock()
	if cur != nil && !muted {
		cur.SetVolume(level)
	}
	return nil
}

func (c *Controller) Volume() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.volume
}

// SetMuted toggles mute, applying the cached volume (or 0) to the active
// Pipeline.
func (c *Controller) SetMuted(muted bool) error {
	if err := c.checkRate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.muted = muted
	vol := c.volume
	cur := c.current
	c.mu.Unlock()
	if cur == nil {
		return nil
	}
	if muted {
		cur.SetVolume(0)
	} else {
		cur.SetVolume(vol)
	}
	return nil
}

func (c *Controller) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// Queue exposes the underlying Queue for command handlers (setTrack,
// addTracks, shuffleTracks, ...) to mutate directly — the Controller only
// owns playback, not Queue membership (spec.md §3 vs §4.6).
func (c *Controller) Queue() *queue.Queue { return c.q }

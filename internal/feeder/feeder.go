// Package feeder implements the HTTP-fetching producer of spec.md §4.2: it
// GETs a URL, optionally with a bearer token and Shoutcast-style inline
// metadata request, follows redirects, and delivers the body into a pipe
// the Decoder reads from.
//
// This generalizes the teacher's StreamReader (internal/audio/streaming.go)
// — a mutex+cond buffered downloader feeding an in-memory byte slice — into
// a true producer that writes into a bounded pipe instead of growing an
// unbounded buffer, with an explicit Initialized/Connecting/Connected/
// Terminating/Terminated state machine standing in for the teacher's
// looser done/err fields, and a retryablehttp client (as internal/api's
// Client already used) instead of a bare http.Client, so a connect-phase
// blip doesn't immediately fail the track.
package feeder

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/riftaudio/streamd/internal/logging"
	"github.com/riftaudio/streamd/internal/perror"
)

// State is the Feeder lifecycle of spec.md §4.2.
type State int

const (
	Initialized State = iota
	Connecting
	Connected
	Terminating
	TerminatedOk
	TerminatedError
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "Initialized"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Terminating:
		return "Terminating"
	case TerminatedOk:
		return "TerminatedOk"
	case TerminatedError:
		return "TerminatedError"
	default:
		return "Unknown"
	}
}

// Options configures a Feeder.
type Options struct {
	BearerToken string
	IcyMetadata bool // send "Icy-MetaData: 1"
	UserAgent   string
	RetryMax    int
}

// Feeder fetches uri and exposes its body through FD(), an io.Reader that
// the Decoder consumes. Construct with New, then Start.
type Feeder struct {
	uri  string
	opts Options
	log  *logging.Logger

	client *retryablehttp.Client

	mu            sync.Mutex
	cond          *sync.Cond
	state         State
	err           error
	contentType   string
	icyInterval   int
	responseHdr   http.Header
	statusLine    string
	terminating   bool
	terminateMode TerminateMode

	pr *io.PipeReader
	pw *io.PipeWriter

	onTerminal    func(State)
	terminalFired bool
}

// TerminateMode matches the Drain/Drop/Force vocabulary used to stop a
// Pipeline (spec.md §5); the Feeder treats Drain and Drop alike (stop at
// the next fragment boundary) and only Force closes the pipe at once.
type TerminateMode int

const (
	Drain TerminateMode = iota
	Drop
	Force
)

// New builds a Feeder for uri. debug gates verbose logging.
func New(uri string, opts Options, debug bool) *Feeder {
	rc := retryablehttp.NewClient()
	rc.RetryMax = opts.RetryMax
	rc.Logger = nil

	f := &Feeder{
		uri:    uri,
		opts:   opts,
		log:    logging.Tagged("FEEDER", debug),
		client: rc,
	}
	f.cond = sync.NewCond(&f.mu)
	f.pr, f.pw = io.Pipe()
	return f
}

// OnTerminal registers a callback fired exactly once, on the transition
// into TerminatedOk or TerminatedError (spec.md §4.2).
func (f *Feeder) OnTerminal(cb func(State)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTerminal = cb
}

func (f *Feeder) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
	f.cond.Broadcast()
}

func (f *Feeder) setTerminal(s State, err error) {
	f.mu.Lock()
	f.state = s
	f.err = err
	cb := f.onTerminal
	alreadyFired := f.terminalFired
	f.terminalFired = true
	f.mu.Unlock()
	f.cond.Broadcast()
	if cb != nil && !alreadyFired {
		cb(s)
	}
}

// State returns the current lifecycle state.
func (f *Feeder) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// URI returns the feeder's target URL.
func (f *Feeder) URI() string { return f.uri }

// FD returns the read end of the pipe the Decoder consumes.
func (f *Feeder) FD() io.Reader { return f.pr }

// ContentType returns the response Content-Type, valid once Connected.
func (f *Feeder) ContentType() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contentType
}

// IcyInterval returns the negotiated icy-metaint, or 0 if ICY is disabled.
func (f *Feeder) IcyInterval() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.icyInterval
}

// ResponseHeader returns the full parsed response header.
func (f *Feeder) ResponseHeader() http.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.responseHdr.Clone()
}

// ResponseHeaderField looks up name case-insensitively and returns the last
// instance of it. An empty name returns the response status line instead
// (spec.md §4.2: "nil returns the response status line").
func (f *Feeder) ResponseHeaderField(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name == "" {
		return f.statusLine
	}
	values := f.responseHdr.Values(name)
	if len(values) == 0 {
		return ""
	}
	return values[len(values)-1]
}

// Err returns the terminal error, if any.
func (f *Feeder) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// WaitConnected blocks until state reaches Connected or a terminal state,
// or timeout elapses.
func (f *Feeder) WaitConnected(timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	deadline := time.Now().Add(timeout)
	for f.state != Connected && f.state != TerminatedOk && f.state != TerminatedError {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w: feeder did not connect within timeout", perror.Transport)
		}
		waitOnCond(f.cond, &f.mu, remaining)
	}
	if f.state == TerminatedError {
		return f.err
	}
	return nil
}

// waitOnCond blocks on cond for at most d, by arranging a timer to
// broadcast it — sync.Cond has no native timed wait (same trick as
// internal/fifo).
func waitOnCond(cond *sync.Cond, mu *sync.Mutex, d time.Duration) {
	timer := time.AfterFunc(d, func() {
		mu.Lock()
		cond.Broadcast()
		mu.Unlock()
	})
	cond.Wait()
	timer.Stop()
}

// Terminate requests the feeder stop. Drain/Drop behave alike for the
// feeder (there is no partial-fragment "drain" semantics to preserve on the
// producer side); Force closes the pipe immediately without waiting for
// the run loop to notice.
func (f *Feeder) Terminate(mode TerminateMode) {
	f.mu.Lock()
	f.terminating = true
	f.terminateMode = mode
	wasTerminal := f.state == TerminatedOk || f.state == TerminatedError
	if f.state != TerminatedOk && f.state != TerminatedError {
		f.state = Terminating
	}
	f.mu.Unlock()
	f.cond.Broadcast()
	if mode == Force && !wasTerminal {
		_ = f.pw.CloseWithError(io.ErrClosedPipe)
	}
}

func (f *Feeder) isTerminating() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminating
}

// Start launches the connect+stream loop in its own goroutine.
func (f *Feeder) Start(ctx context.Context) {
	f.setState(Connecting)
	go f.run(ctx)
}

func (f *Feeder) run(ctx context.Context) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, f.uri, nil)
	if err != nil {
		f.setTerminal(TerminatedError, fmt.Errorf("%w: build request: %v", perror.Transport, err))
		return
	}
	if f.opts.UserAgent != "" {
		req.Header.Set("User-Agent", f.opts.UserAgent)
	}
	if f.opts.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+f.opts.BearerToken)
	}
	if f.opts.IcyMetadata {
		req.Header.Set("Icy-MetaData", "1")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		f.setTerminal(TerminatedError, fmt.Errorf("%w: %v", perror.Transport, err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		f.setTerminal(TerminatedError, fmt.Errorf("%w: HTTP %d", perror.Transport, resp.StatusCode))
		return
	}

	f.mu.Lock()
	f.contentType = resp.Header.Get("Content-Type")
	f.responseHdr = resp.Header.Clone()
	f.statusLine = resp.Status
	if f.opts.IcyMetadata {
		if mi := resp.Header.Get("icy-metaint"); mi != "" {
			if n, perr := strconv.Atoi(mi); perr == nil {
				f.icyInterval = n
			}
		}
	}
	f.mu.Unlock()
	f.setState(Connected)
	f.log.Debugf("connected to %s (content-type=%s icy-interval=%d)", f.uri, f.ContentType(), f.IcyInterval())

	f.streamBody(resp.Body)
}

// streamBody copies the response body into the pipe, 32KiB at a time, each
// write gated by a 500ms readiness slice so termination is noticed
// promptly (spec.md §4.2/§5).
func (f *Feeder) streamBody(body io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		if f.isTerminating() {
			f.finishTerminating()
			return
		}
		n, rerr := body.Read(buf)
		if n > 0 {
			if werr := f.writeFragment(buf[:n]); werr != nil {
				if f.isTerminating() {
					f.setTerminal(TerminatedOk, nil)
				} else {
					f.setTerminal(TerminatedError, fmt.Errorf("%w: pipe write: %v", perror.Transport, werr))
				}
				return
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				_ = f.pw.Close()
				f.setTerminal(TerminatedOk, nil)
				return
			}
			if f.isTerminating() {
				f.setTerminal(TerminatedOk, nil)
				return
			}
			f.setTerminal(TerminatedError, fmt.Errorf("%w: body read: %v", perror.Transport, rerr))
			return
		}
	}
}

// writeFragment delivers frag to the pipe, looping on partial writes until
// it is fully delivered or termination is noticed within a 500ms slice.
func (f *Feeder) writeFragment(frag []byte) error {
	const slice = 500 * time.Millisecond
	off := 0
	for off < len(frag) {
		type result struct {
			n   int
			err error
		}
		done := make(chan result, 1)
		go func(chunk []byte) {
			n, err := f.pw.Write(chunk)
			done <- result{n, err}
		}(frag[off:])

		for delivered := false; !delivered; {
			select {
			case r := <-done:
				delivered = true
				off += r.n
				if r.err != nil {
					return r.err
				}
			case <-time.After(slice):
				if f.isTerminating() {
					// Unblock the writer goroutine; it will surface
					// io.ErrClosedPipe on its next Write attempt.
					_ = f.pw.CloseWithError(io.ErrClosedPipe)
					r := <-done
					off += r.n
					return r.err
				}
				// Not terminating: keep waiting on this same write and
				// check again after the next slice.
			}
		}
	}
	return nil
}

func (f *Feeder) finishTerminating() {
	_ = f.pw.Close()
	f.setTerminal(TerminatedOk, nil)
}

// ParseBearer is a small convenience for controllers assembling feeder
// options from a persisted Authorization header value ("Bearer xyz").
func ParseBearer(authHeader string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(authHeader, prefix) {
		return strings.TrimPrefix(authHeader, prefix)
	}
	return authHeader
}

// Package remote is the one concrete transport binding for the Controller
// command surface spec.md §6 describes as an external collaborator: JSON
// command/response frames over a websocket connection. It implements
// exactly the command set of spec.md §6's table and the error taxonomy of
// §7 (InvalidRequest/MethodNotFound/InvalidParams/GenericError); discovery,
// cloud registration and RPC framing beyond this are out of scope.
//
// Grounded on the teacher's RegisterCall (internal/viewer/routes/call.go):
// the same gorilla/websocket.Upgrader + read-loop-plus-write-loop shape,
// generalized from one WebRTC signaling channel into a generic
// dispatch(method, params) -> (result, error) command handler.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/riftaudio/streamd/internal/controller"
	"github.com/riftaudio/streamd/internal/format"
	"github.com/riftaudio/streamd/internal/logging"
	"github.com/riftaudio/streamd/internal/perror"
	"github.com/riftaudio/streamd/internal/queue"
	"github.com/riftaudio/streamd/internal/track"
)

// ErrorCode is the fixed vocabulary spec.md §7 requires on every command
// failure.
type ErrorCode string

const (
	InvalidRequest ErrorCode = "InvalidRequest"
	MethodNotFound ErrorCode = "MethodNotFound"
	InvalidParams  ErrorCode = "InvalidParams"
	GenericError   ErrorCode = "GenericError"
)

// Request is one inbound command frame.
type Request struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Error is the JSON-RPC-shaped error record of spec.md §7.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Response answers one Request, or carries an unsolicited push (Method set,
// ID empty) such as a status or metadata update.
type Response struct {
	ID     string      `json:"id,omitempty"`
	Method string      `json:"method,omitempty"`
	Result interface{} `json:"result,omitempty"`
	Error  *Error      `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server dispatches the spec.md §6 command surface over one or more
// websocket connections and fans out status/metadata pushes to all of
// them — the streaming metadata surface of spec.md §6.
type Server struct {
	ctrl *controller.Controller
	log  *logging.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]chan Response
}

// New builds a Server bound to ctrl. Call Wire once to hook the
// Controller's position/metadata/state callbacks into the broadcast path.
func New(ctrl *controller.Controller, debug bool) *Server {
	return &Server{
		ctrl:  ctrl,
		log:   logging.Tagged("REMOTE", debug),
		conns: make(map[*websocket.Conn]chan Response),
	}
}

// Wire attaches this Server as the sink for the Controller's state, track,
// position and metadata callbacks, so every connected client receives the
// at-most-one-per-250ms position/status pushes spec.md §6 guarantees
// (already coalesced one layer down, in internal/pipeline).
func (s *Server) Wire() {
	s.ctrl.OnStateChange(func(st controller.PlaybackState) {
		s.broadcast("status", map[string]string{"play_state": playStateString(st)})
	})
	s.ctrl.OnTrackChange(func(tr *track.Track) {
		if tr == nil {
			s.broadcast("track", nil)
			return
		}
		s.broadcast("track", trackView(tr))
	})
	s.ctrl.OnPosition(func(d time.Duration) {
		s.broadcast("seek", map[string]float64{"seconds": d.Seconds()})
	})
	s.ctrl.OnMeta(func(meta map[string]string) {
		s.broadcast("metadata", meta)
	})
}

func playStateString(st controller.PlaybackState) string {
	switch st {
	case controller.PlayingState:
		return "play"
	case controller.PausedState:
		return "pause"
	default:
		return "stop"
	}
}

// ServeHTTP upgrades the connection and runs its read/write loop until the
// client disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	out := make(chan Response, 64)
	s.mu.Lock()
	s.conns[conn] = out
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for resp := range out {
			if err := conn.WriteJSON(resp); err != nil {
				return
			}
		}
	}()

	for {
		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			break
		}
		resp := s.dispatch(r.Context(), req)
		select {
		case out <- resp:
		default:
			s.log.Warnf("client too slow, dropping response to %q", req.Method)
		}
	}
	close(out)
	<-writeDone
}

func (s *Server) broadcast(method string, payload interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp := Response{Method: method, Result: payload}
	for _, ch := range s.conns {
		select {
		case ch <- resp:
		default:
			s.log.Warnf("client too slow, dropping %q push", method)
		}
	}
}

func errResponse(id string, code ErrorCode, format string, args ...interface{}) Response {
	return Response{ID: id, Error: &Error{Code: code, Message: fmt.Sprintf(format, args...)}}
}

// dispatch routes one Request to the matching Controller operation.
// Protocol/InvalidParams failures never mutate Controller state, per
// spec.md §7: every case below validates parameters before touching ctrl.
func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Method {
	case "play":
		var p struct {
			Playing bool `json:"playing"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errResponse(req.ID, InvalidParams, "play: %v", err)
		}
		var err error
		if p.Playing {
			err = s.ctrl.Play(ctx)
		} else {
			err = s.ctrl.Pause()
		}
		return respondErr(req.ID, err)

	case "setTrack":
		var p struct {
			PlaybackQueuePos int `json:"playback_queue_pos"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errResponse(req.ID, InvalidParams, "setTrack: %v", err)
		}
		if err := s.ctrl.Queue().SetCursorPosition(p.PlaybackQueuePos); err != nil {
			return errResponse(req.ID, InvalidParams, "setTrack: %v", err)
		}
		if s.ctrl.State() == controller.PlayingState {
			return respondErr(req.ID, s.ctrl.Play(ctx))
		}
		return Response{ID: req.ID, Result: "ok"}

	case "setTracks", "addTracks":
		var p struct {
			Position *int          `json:"position"`
			Items    []trackParams `json:"items"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errResponse(req.ID, InvalidParams, "%s: %v", req.Method, err)
		}
		items, err := buildTracks(p.Items)
		if err != nil {
			return errResponse(req.ID, InvalidParams, "%s: %v", req.Method, err)
		}
		replace := req.Method == "setTracks"
		if err := s.ctrl.Queue().Add(p.Position, p.Position, items, replace); err != nil {
			return errResponse(req.ID, GenericError, "%s: %v", req.Method, err)
		}
		if replace {
			_ = s.ctrl.Queue().SetCursorPosition(0)
		}
		return Response{ID: req.ID, Result: "ok"}

	case "removeTracks":
		var p struct {
			Items []itemRefParams `json:"items"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errResponse(req.ID, InvalidParams, "removeTracks: %v", err)
		}
		if err := s.ctrl.Queue().Remove(buildRefs(p.Items)); err != nil {
			return errResponse(req.ID, GenericError, "removeTracks: %v", err)
		}
		return Response{ID: req.ID, Result: "ok"}

	case "moveTracks":
		var p struct {
			TargetPos int             `json:"target_pos"`
			Items     []itemRefParams `json:"items"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errResponse(req.ID, InvalidParams, "moveTracks: %v", err)
		}
		if err := s.ctrl.Queue().Move(queue.OrderMapped, p.TargetPos, buildRefs(p.Items)); err != nil {
			return errResponse(req.ID, GenericError, "moveTracks: %v", err)
		}
		return Response{ID: req.ID, Result: "ok"}

	case "shuffleTracks":
		var p struct {
			Start *int `json:"start"`
			End   *int `json:"end"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errResponse(req.ID, InvalidParams, "shuffleTracks: %v", err)
		}
		start, end := 0, s.ctrl.Queue().Length()
		if p.Start != nil {
			start = *p.Start
		}
		if p.End != nil {
			end = *p.End
		}
		if err := s.ctrl.Queue().Shuffle(start, end, true); err != nil {
			return errResponse(req.ID, InvalidParams, "shuffleTracks: %v", err)
		}
		return Response{ID: req.ID, Result: "ok"}

	case "setPlaybackQueueMode":
		var p struct {
			Mode string `json:"mode"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errResponse(req.ID, InvalidParams, "setPlaybackQueueMode: %v", err)
		}
		switch p.Mode {
		case "queue":
			s.ctrl.SetRepeatMode(controller.RepeatOff)
		case "repeat-queue", "dynamic":
			s.ctrl.SetRepeatMode(controller.RepeatQueue)
		case "repeat-item":
			s.ctrl.SetRepeatMode(controller.RepeatItem)
		case "shuffle", "repeat-shuffle":
			_ = s.ctrl.Queue().Shuffle(0, s.ctrl.Queue().Length(), true)
			s.ctrl.SetRepeatMode(controller.RepeatShuffle)
		default:
			return errResponse(req.ID, InvalidParams, "setPlaybackQueueMode: unknown mode %q", p.Mode)
		}
		return Response{ID: req.ID, Result: "ok"}

	case "setVolume":
		var p struct {
			Level    *float64 `json:"level"`
			Relative *float64 `json:"relative"`
			Muted    *bool    `json:"muted"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errResponse(req.ID, InvalidParams, "setVolume: %v", err)
		}
		if p.Level != nil {
			if err := s.ctrl.SetVolume(*p.Level); err != nil {
				return respondErr(req.ID, err)
			}
		} else if p.Relative != nil {
			if err := s.ctrl.SetVolume(s.ctrl.Volume() + *p.Relative); err != nil {
				return respondErr(req.ID, err)
			}
		}
		if p.Muted != nil {
			if err := s.ctrl.SetMuted(*p.Muted); err != nil {
				return respondErr(req.ID, err)
			}
		}
		return Response{ID: req.ID, Result: "ok"}

	case "getPlayerStatus":
		return Response{ID: req.ID, Result: map[string]interface{}{
			"play_state": playStateString(s.ctrl.State()),
			"volume":     s.ctrl.Volume(),
			"muted":      s.ctrl.Muted(),
		}}

	case "getSeekPosition":
		d, ok := s.ctrl.SeekTime()
		if !ok {
			return Response{ID: req.ID, Result: map[string]interface{}{"seconds": 0, "playing": false}}
		}
		return Response{ID: req.ID, Result: map[string]interface{}{"seconds": d.Seconds(), "playing": true}}

	case "getTrack":
		tr, ok := s.ctrl.CurrentTrack()
		if !ok {
			return Response{ID: req.ID, Result: nil}
		}
		return Response{ID: req.ID, Result: trackView(tr)}

	case "getPlaybackQueue":
		items := s.ctrl.Queue().Items(queue.OrderMapped)
		views := make([]map[string]interface{}, 0, len(items))
		for _, it := range items {
			views = append(views, trackView(it))
		}
		return Response{ID: req.ID, Result: views}

	case "getVolume":
		return Response{ID: req.ID, Result: map[string]interface{}{
			"level": s.ctrl.Volume(),
			"muted": s.ctrl.Muted(),
		}}

	default:
		return errResponse(req.ID, MethodNotFound, "unknown method %q", req.Method)
	}
}

func respondErr(id string, err error) Response {
	if err == nil {
		return Response{ID: id, Result: "ok"}
	}
	switch {
	case perror.Is(err, perror.Protocol):
		return errResponse(id, InvalidRequest, "%v", err)
	default:
		return errResponse(id, GenericError, "%v", err)
	}
}

type streamRefParams struct {
	FormatType string `json:"format_type"`
	URL        string `json:"url"`
	SampleRate *int   `json:"sample_rate,omitempty"`
	Channels   *int   `json:"channels,omitempty"`
}

type trackParams struct {
	ID            string            `json:"id"`
	DisplayText   string            `json:"display_text"`
	Kind          string            `json:"kind"` // "track" | "stream"
	StreamingRefs []streamRefParams `json:"streaming_refs"`
	Attributes    map[string]string `json:"attributes"`
}

type itemRefParams struct {
	ID       string `json:"id"`
	Position *int   `json:"pos"`
}

func buildRefs(items []itemRefParams) []queue.ItemRef {
	out := make([]queue.ItemRef, 0, len(items))
	for _, it := range items {
		out = append(out, queue.ItemRef{ID: it.ID, Position: it.Position})
	}
	return out
}

func buildTracks(items []trackParams) ([]*track.Track, error) {
	out := make([]*track.Track, 0, len(items))
	for _, it := range items {
		kind := track.KindTrack
		if it.Kind == "stream" {
			kind = track.KindStream
		}
		refs := make([]track.StreamRef, 0, len(it.StreamingRefs))
		for _, r := range it.StreamingRefs {
			refs = append(refs, track.StreamRef{
				FormatType: r.FormatType,
				URL:        r.URL,
				SampleRate: r.SampleRate,
				Channels:   r.Channels,
			})
		}
		tr, err := track.New(it.ID, it.DisplayText, kind, refs)
		if err != nil {
			return nil, err
		}
		if it.Attributes != nil {
			tr.SetAttributes(it.Attributes)
		}
		out = append(out, tr)
	}
	return out, nil
}

func trackView(tr *track.Track) map[string]interface{} {
	refs := tr.StreamingRefs()
	refViews := make([]map[string]interface{}, 0, len(refs))
	for _, r := range refs {
		refViews = append(refViews, map[string]interface{}{
			"format_type": r.FormatType,
			"url":         r.URL,
		})
	}
	kind := "track"
	if tr.Kind() == track.KindStream {
		kind = "stream"
	}
	return map[string]interface{}{
		"id":             tr.ID(),
		"display_text":   tr.DisplayText(),
		"kind":           kind,
		"streaming_refs": refViews,
		"attributes":     tr.Attributes(),
	}
}

// DeviceLiteral formats a "backend:device" string per spec.md §6, used by
// a getAudioDevices-style command an integrator might add on top of this
// Server.
func DeviceLiteral(backend, device string) string {
	if backend == "" {
		return device
	}
	return backend + ":" + device
}

// AudioFormatLiteral exposes format.AudioFormat.String for command
// handlers that report the negotiated format (e.g. getPlayerStatus
// extensions); kept here so callers don't need to import internal/format
// just to log a literal.
func AudioFormatLiteral(f format.AudioFormat) string { return f.String() }

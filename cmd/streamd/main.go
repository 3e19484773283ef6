// streamd is the headless network audio player daemon described by this
// repository: it exposes the Controller's command surface over a
// websocket (internal/remote), persists player state to sqlite
// (internal/persist), and drives the Feeder/Decoder/Sink pipeline
// (internal/pipeline) for whatever the Queue's cursor points at.
//
// Grounded on the teacher's cmd/desktop/main.go: flag parsing, config.Load,
// a context cancelled on SIGINT/SIGTERM, and a setupGracefulShutdown
// goroutine — generalized from "show a Fyne window" to "serve a websocket
// and persist state on the way out."
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/time/rate"

	"github.com/riftaudio/streamd/internal/config"
	"github.com/riftaudio/streamd/internal/controller"
	"github.com/riftaudio/streamd/internal/decoder"
	"github.com/riftaudio/streamd/internal/persist"
	"github.com/riftaudio/streamd/internal/pipeline"
	"github.com/riftaudio/streamd/internal/queue"
	"github.com/riftaudio/streamd/internal/remote"
	"github.com/riftaudio/streamd/internal/sink"
	"github.com/riftaudio/streamd/internal/track"
)

var (
	configPath = flag.String("config", "", "Path to configuration file")
	debug      = flag.Bool("debug", false, "Enable debug mode - shows detailed logging for all components")
	Version    = "dev"
)

func main() {
	flag.Parse()

	if *debug {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
		log.Println("[MAIN] Debug mode enabled - all components will log detailed information")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[MAIN] Failed to load config: %v", err)
	}
	if *debug {
		cfg.Debug = true
	}
	if cfg.Debug {
		log.Printf("[MAIN] Configuration loaded successfully")
		log.Printf("[MAIN] - Audio backend: %s device: %q sample rate: %d", cfg.Audio.Backend, cfg.Audio.Device, cfg.Audio.SampleRate)
		log.Printf("[MAIN] - Persist database path: %s", cfg.Persist.DatabasePath)
		log.Printf("[MAIN] - Remote listen addr: %s", cfg.Remote.ListenAddr)
	}

	store, err := persist.Open(cfg.Persist.DatabasePath, cfg.Debug)
	if err != nil {
		log.Fatalf("[MAIN] Failed to open persisted state: %v", err)
	}
	defer store.Close()

	deviceID, err := store.DeviceUUID()
	if err != nil {
		log.Fatalf("[MAIN] Failed to resolve device uuid: %v", err)
	}
	if cfg.Debug {
		log.Printf("[MAIN] - Device UUID: %s", deviceID)
	}

	saved, err := store.LoadPlayerState(persist.PlayerState{
		Volume:     cfg.Player.DefaultVolume,
		Muted:      cfg.Player.DefaultMuted,
		RepeatMode: defaultRepeatInt(cfg.Player.DefaultRepeatMode),
	})
	if err != nil {
		log.Fatalf("[MAIN] Failed to load persisted player state: %v", err)
	}

	q := queue.New("", "streamd")
	if snapshot, ok, err := store.LoadQueueSnapshot(); err != nil {
		log.Printf("[MAIN] Failed to load persisted queue, starting empty: %v", err)
	} else if ok {
		if err := restoreQueue(q, snapshot); err != nil {
			log.Printf("[MAIN] Failed to restore persisted queue, starting empty: %v", err)
		} else {
			_ = q.SetCursorPosition(clamp(saved.QueuePosition, 0, max(q.Length()-1, 0)))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctrl := controller.New(q, controller.Options{
		PipelineOpts: pipeline.Options{
			BearerToken:  cfg.Feeder.BearerToken,
			IcyMetadata:  cfg.Feeder.IcyMetadata,
			UserAgent:    cfg.Feeder.UserAgent,
			RetryMax:     cfg.Feeder.RetryMax,
			SinkBackend:  resolveBackend(cfg.Audio.Backend),
			SinkDevice:   cfg.Audio.Device,
			FifoCapacity: cfg.Audio.BufferSize,
			FifoLowMark:  cfg.Audio.LowWatermark,
			FifoHighMark: cfg.Audio.HighWatermark,
		},
		CommandRate:  rate.Limit(cfg.Remote.CommandRate),
		CommandBurst: cfg.Remote.CommandBurst,
	}, decoder.Default(), sink.Default(), cfg.Debug)

	_ = ctrl.SetVolume(saved.Volume)
	_ = ctrl.SetMuted(saved.Muted)
	ctrl.SetRepeatMode(repeatFromInt(saved.RepeatMode))

	config.Watch(func(live *config.Config) {
		_ = ctrl.SetVolume(live.Player.DefaultVolume)
		_ = ctrl.SetMuted(live.Player.DefaultMuted)
		if mode, err := config.ParseRepeatMode(live.Player.DefaultRepeatMode); err == nil {
			ctrl.SetRepeatMode(repeatFromInt(defaultRepeatInt(mode)))
		}
	})

	srv := remote.New(ctrl, cfg.Debug)
	srv.Wire()
	mux := http.NewServeMux()
	mux.Handle("/", srv)
	httpSrv := &http.Server{Addr: cfg.Remote.ListenAddr, Handler: mux}

	go func() {
		log.Printf("[MAIN] Listening for remote commands on %s", cfg.Remote.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[MAIN] Remote server stopped: %v", err)
		}
	}()

	setupGracefulShutdown(cancel, ctrl, httpSrv, store, q)

	<-ctx.Done()
	log.Printf("[MAIN] Shutdown complete")
}

func setupGracefulShutdown(cancel context.CancelFunc, ctrl *controller.Controller, httpSrv *http.Server, store *persist.Store, q *queue.Queue) {
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)

		sig := <-c
		log.Printf("[MAIN] Received signal: %v", sig)
		log.Printf("[MAIN] Initiating graceful shutdown...")

		ctrl.Stop()
		_ = httpSrv.Close()

		pos, _ := q.CursorPosition()
		if err := store.SavePlayerState(persist.PlayerState{
			Volume:        ctrl.Volume(),
			Muted:         ctrl.Muted(),
			RepeatMode:    int(ctrl.RepeatMode()),
			QueuePosition: pos,
		}); err != nil {
			log.Printf("[MAIN] Failed to persist player state: %v", err)
		}
		if err := store.SaveQueueSnapshot(snapshotQueue(q)); err != nil {
			log.Printf("[MAIN] Failed to persist queue snapshot: %v", err)
		}

		cancel()
		log.Printf("[MAIN] Graceful shutdown completed")
		os.Exit(0)
	}()
}

func resolveBackend(name string) string {
	if name == "" || name == config.BackendAuto {
		return "speaker"
	}
	return name
}

func defaultRepeatInt(mode string) int {
	switch mode {
	case "item":
		return int(controller.RepeatItem)
	case "queue":
		return int(controller.RepeatQueue)
	default:
		return int(controller.RepeatOff)
	}
}

func repeatFromInt(v int) controller.RepeatMode {
	switch v {
	case int(controller.RepeatItem):
		return controller.RepeatItem
	case int(controller.RepeatQueue):
		return controller.RepeatQueue
	case int(controller.RepeatShuffle):
		return controller.RepeatShuffle
	default:
		return controller.RepeatOff
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func restoreQueue(q *queue.Queue, snapshot []persist.QueueTrackSnapshot) error {
	items := make([]*track.Track, 0, len(snapshot))
	for _, s := range snapshot {
		refs := make([]track.StreamRef, 0, len(s.StreamingRefs))
		for _, r := range s.StreamingRefs {
			refs = append(refs, track.StreamRef{
				FormatType: r.FormatType,
				URL:        r.URL,
				SampleRate: r.SampleRate,
				Channels:   r.Channels,
			})
		}
		kind := track.KindTrack
		if s.Kind == int(track.KindStream) {
			kind = track.KindStream
		}
		tr, err := track.New(s.ID, s.DisplayText, kind, refs)
		if err != nil {
			return err
		}
		if s.Attributes != nil {
			tr.SetAttributes(s.Attributes)
		}
		items = append(items, tr)
	}
	return q.Add(nil, nil, items, true)
}

func snapshotQueue(q *queue.Queue) []persist.QueueTrackSnapshot {
	items := q.Items(queue.OrderOriginal)
	out := make([]persist.QueueTrackSnapshot, 0, len(items))
	for _, tr := range items {
		refs := tr.StreamingRefs()
		refViews := make([]persist.StreamRefSnapshot, 0, len(refs))
		for _, r := range refs {
			refViews = append(refViews, persist.StreamRefSnapshot{
				FormatType: r.FormatType,
				URL:        r.URL,
				SampleRate: r.SampleRate,
				Channels:   r.Channels,
			})
		}
		out = append(out, persist.QueueTrackSnapshot{
			ID:            tr.ID(),
			DisplayText:   tr.DisplayText(),
			Kind:          int(tr.Kind()),
			StreamingRefs: refViews,
			Attributes:    tr.Attributes(),
		})
	}
	return out
}

// Package persist implements spec.md §6's persisted key/value state: a
// sqlite-backed store for the nine keys named there (player_volume,
// player_muted, player_repeat_mode, player_queue, player_queue_position,
// device_uuid, player_name, player_interface, player_audio_device). Only
// those keys are ever written back; Set on anything else is a no-op.
//
// Grounded on the teacher's internal/storage/db.go: same sql.Open("sqlite",
// path) + busy_timeout/WAL pragma + migration-on-open shape, narrowed from
// amp's multi-table music library schema down to one key/value table,
// since the core has nothing else worth persisting.
package persist

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/google/uuid"
	"github.com/riftaudio/streamd/internal/logging"
)

// Keys is the fixed set of keys spec.md §6 says are ever written back.
// Set silently ignores any key outside this set.
var Keys = map[string]bool{
	"player_volume":         true,
	"player_muted":          true,
	"player_repeat_mode":    true,
	"player_queue":          true,
	"player_queue_position": true,
	"device_uuid":           true,
	"player_name":           true,
	"player_interface":      true,
	"player_audio_device":   true,
}

// Store is a sqlite-backed key/value table scoped to the persisted keys
// spec.md §6 names.
type Store struct {
	db  *sql.DB
	log *logging.Logger
}

const createTable = `
CREATE TABLE IF NOT EXISTS player_state (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

// Open creates (or reuses) the sqlite database at path and runs its one
// migration, mirroring the teacher's NewDatabase/openDatabase/
// runMigrations sequence.
func Open(path string, debug bool) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("persist: create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("persist: open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=30000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("persist: execute pragma %s: %w", p, err)
		}
	}

	if _, err := db.Exec(createTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("persist: run migration: %w", err)
	}

	return &Store{db: db, log: logging.Tagged("PERSIST", debug)}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Get reads a key's raw string value.
func (s *Store) Get(key string) (string, bool, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM player_state WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("persist: get %q: %w", key, err)
	}
	return v, true, nil
}

// Set writes key=value, ignoring keys outside the spec.md §6 allow-list.
func (s *Store) Set(key, value string) error {
	if !Keys[key] {
		s.log.Debugf("ignoring write to unrecognized key %q", key)
		return nil
	}
	_, err := s.db.Exec(
		`INSERT INTO player_state (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("persist: set %q: %w", key, err)
	}
	return nil
}

// DeviceUUID returns the persisted device_uuid, generating and persisting
// one on first run.
func (s *Store) DeviceUUID() (string, error) {
	if v, ok, err := s.Get("device_uuid"); err != nil {
		return "", err
	} else if ok {
		return v, nil
	}
	id := uuid.NewString()
	if err := s.Set("device_uuid", id); err != nil {
		return "", err
	}
	return id, nil
}

// PlayerState is the subset of spec.md §3's global player state that
// survives a restart: play_state and current_track_id are explicitly
// excluded there ("always starts Stop"/unset).
type PlayerState struct {
	Volume         float64
	Muted          bool
	RepeatMode     int // 0=Off 1=Item 2=Queue 3=Shuffle, matching spec.md §3's enum order
	QueuePosition  int
	Name           string
	Interface      string
	AudioDevice    string
}

// LoadPlayerState reads every persisted player_* key, filling in the
// caller-supplied defaults for anything never written.
func (s *Store) LoadPlayerState(defaults PlayerState) (PlayerState, error) {
	st := defaults
	if v, ok, err := s.Get("player_volume"); err != nil {
		return st, err
	} else if ok {
		if _, err := fmt.Sscanf(v, "%g", &st.Volume); err != nil {
			s.log.Warnf("malformed player_volume %q: %v", v, err)
		}
	}
	if v, ok, err := s.Get("player_muted"); err != nil {
		return st, err
	} else if ok {
		st.Muted = v == "true" || v == "1"
	}
	if v, ok, err := s.Get("player_repeat_mode"); err != nil {
		return st, err
	} else if ok {
		if _, err := fmt.Sscanf(v, "%d", &st.RepeatMode); err != nil {
			s.log.Warnf("malformed player_repeat_mode %q: %v", v, err)
		}
	}
	if v, ok, err := s.Get("player_queue_position"); err != nil {
		return st, err
	} else if ok {
		if _, err := fmt.Sscanf(v, "%d", &st.QueuePosition); err != nil {
			s.log.Warnf("malformed player_queue_position %q: %v", v, err)
		}
	}
	if v, ok, err := s.Get("player_name"); err != nil {
		return st, err
	} else if ok {
		st.Name = v
	}
	if v, ok, err := s.Get("player_interface"); err != nil {
		return st, err
	} else if ok {
		st.Interface = v
	}
	if v, ok, err := s.Get("player_audio_device"); err != nil {
		return st, err
	} else if ok {
		st.AudioDevice = v
	}
	return st, nil
}

// SavePlayerState writes every field back except play_state and
// current_track_id, which spec.md §3 says never survive a restart.
func (s *Store) SavePlayerState(st PlayerState) error {
	if err := s.Set("player_volume", fmt.Sprintf("%g", st.Volume)); err != nil {
		return err
	}
	muted := "false"
	if st.Muted {
		muted = "true"
	}
	if err := s.Set("player_muted", muted); err != nil {
		return err
	}
	if err := s.Set("player_repeat_mode", fmt.Sprintf("%d", st.RepeatMode)); err != nil {
		return err
	}
	if err := s.Set("player_queue_position", fmt.Sprintf("%d", st.QueuePosition)); err != nil {
		return err
	}
	if err := s.Set("player_name", st.Name); err != nil {
		return err
	}
	if err := s.Set("player_interface", st.Interface); err != nil {
		return err
	}
	return s.Set("player_audio_device", st.AudioDevice)
}

// QueueTrackSnapshot is the JSON-serializable shape of one Track, for the
// player_queue JSON snapshot (spec.md §6).
type QueueTrackSnapshot struct {
	ID            string            `json:"id"`
	DisplayText   string            `json:"display_text"`
	Kind          int               `json:"kind"`
	StreamingRefs []StreamRefSnapshot `json:"streaming_refs"`
	Attributes    map[string]string `json:"attributes"`
}

// StreamRefSnapshot is the JSON-serializable shape of one StreamRef.
type StreamRefSnapshot struct {
	FormatType string `json:"format_type"`
	URL        string `json:"url"`
	SampleRate *int   `json:"sample_rate,omitempty"`
	Channels   *int   `json:"channels,omitempty"`
}

// SaveQueueSnapshot persists the queue (in original order) as the
// player_queue JSON value.
func (s *Store) SaveQueueSnapshot(items []QueueTrackSnapshot) error {
	b, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("persist: marshal queue snapshot: %w", err)
	}
	return s.Set("player_queue", string(b))
}

// LoadQueueSnapshot reads back the player_queue JSON value, if any.
func (s *Store) LoadQueueSnapshot() ([]QueueTrackSnapshot, bool, error) {
	v, ok, err := s.Get("player_queue")
	if err != nil || !ok {
		return nil, false, err
	}
	var items []QueueTrackSnapshot
	if err := json.Unmarshal([]byte(v), &items); err != nil {
		return nil, false, fmt.Errorf("persist: unmarshal queue snapshot: %w", err)
	}
	return items, true, nil
}

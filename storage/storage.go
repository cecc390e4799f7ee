// Package storage keeps a rolling history of filtered rocket dynamics
// and flight events in a BuntDB file, for the ground-support API and
// post-flight review. It is diagnostic storage, separate from the raw
// packet flight logs.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tidwall/buntdb"
)

// Dynamics is one snapshot of the fusion task's filtered state.
// JSON kept compact for network payloads.
type Dynamics struct {
	MissionTimeUS uint64  `json:"mission_time_us"`
	AltM          float32 `json:"alt_m"`
	AccelMS2      float32 `json:"accel_ms2"`
	ApogeeM       float32 `json:"apogee_m,omitempty"`
	State         string  `json:"state"`
	Substate      string  `json:"substate,omitempty"`
	ElevationMM   int32   `json:"elevation_mm,omitempty"`
	TS            int64   `json:"ts"` // unix seconds
}

// FlightEvent is one detector event.
type FlightEvent struct {
	MissionTimeUS uint64  `json:"mission_time_us"`
	Event         string  `json:"event"`
	AltM          float32 `json:"alt_m"`
	TS            int64   `json:"ts"`
}

type Store struct {
	db        *buntdb.DB
	retention time.Duration
}

var store *Store

// Open opens a persistent BuntDB file on disk and configures retention
// for dynamics snapshots. Events are kept until the file is removed.
func Open(path string, retention time.Duration) (*Store, error) {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	_ = os.MkdirAll(filepath.Dir(path), 0o755)

	db, err := buntdb.Open(path)
	if err != nil {
		return nil, err
	}
	store = &Store{db: db, retention: retention}
	return store, nil
}

func Get() *Store { return store }

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordDynamics stores one snapshot keyed by mission time. Snapshots
// expire after the retention period.
func (s *Store) RecordDynamics(d Dynamics) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if d.TS == 0 {
		d.TS = time.Now().Unix()
	}
	b, _ := json.Marshal(d)
	key := fmt.Sprintf("dyn:%016d", d.MissionTimeUS)
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(b), &buntdb.SetOptions{Expires: true, TTL: s.retention})
		return err
	})
}

// RecordEvent stores one flight event keyed by mission time.
func (s *Store) RecordEvent(e FlightEvent) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if e.TS == 0 {
		e.TS = time.Now().Unix()
	}
	b, _ := json.Marshal(e)
	key := fmt.Sprintf("evt:%016d", e.MissionTimeUS)
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(b), nil)
		return err
	})
}

// RecentDynamics returns up to limit snapshots, newest first.
func (s *Store) RecentDynamics(limit int) ([]Dynamics, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	out := make([]Dynamics, 0, 64)
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.DescendKeys("dyn:*", func(key, val string) bool {
			var d Dynamics
			if json.Unmarshal([]byte(val), &d) == nil {
				out = append(out, d)
			}
			return limit <= 0 || len(out) < limit
		})
	})
	return out, err
}

// Latest returns the most recent snapshot, or nil when none exist.
func (s *Store) Latest() (*Dynamics, error) {
	recent, err := s.RecentDynamics(1)
	if err != nil || len(recent) == 0 {
		return nil, err
	}
	return &recent[0], nil
}

// Events returns all recorded flight events in mission-time order.
func (s *Store) Events() ([]FlightEvent, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	out := make([]FlightEvent, 0, 8)
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("evt:*", func(key, val string) bool {
			var e FlightEvent
			if json.Unmarshal([]byte(val), &e) == nil {
				out = append(out, e)
			}
			return true
		})
	})
	return out, err
}

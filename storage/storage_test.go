package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.buntdb"), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecentDynamicsNewestFirst(t *testing.T) {
	s := openTest(t)
	for i := uint64(1); i <= 3; i++ {
		err := s.RecordDynamics(Dynamics{MissionTimeUS: i * 1000, AltM: float32(i), State: "STATE_IDLE"})
		if err != nil {
			t.Fatal(err)
		}
	}
	recent, err := s.RecentDynamics(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 {
		t.Fatalf("snapshots = %d, want limit 2", len(recent))
	}
	if recent[0].MissionTimeUS != 3000 || recent[1].MissionTimeUS != 2000 {
		t.Fatalf("snapshots out of order: %+v", recent)
	}
}

func TestLatest(t *testing.T) {
	s := openTest(t)
	if latest, err := s.Latest(); err != nil || latest != nil {
		t.Fatalf("latest on empty store = (%v, %v), want (nil, nil)", latest, err)
	}
	if err := s.RecordDynamics(Dynamics{MissionTimeUS: 500, AltM: 12}); err != nil {
		t.Fatal(err)
	}
	latest, err := s.Latest()
	if err != nil || latest == nil {
		t.Fatalf("latest = (%v, %v)", latest, err)
	}
	if latest.AltM != 12 {
		t.Fatalf("latest altitude = %v, want 12", latest.AltM)
	}
}

func TestEventsAscending(t *testing.T) {
	s := openTest(t)
	for _, e := range []FlightEvent{
		{MissionTimeUS: 2000, Event: "apogee"},
		{MissionTimeUS: 1000, Event: "airborne"},
		{MissionTimeUS: 3000, Event: "landing"},
	} {
		if err := s.RecordEvent(e); err != nil {
			t.Fatal(err)
		}
	}
	events, err := s.Events()
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	want := []string{"airborne", "apogee", "landing"}
	for i, e := range events {
		if e.Event != want[i] {
			t.Fatalf("event %d = %s, want %s", i, e.Event, want[i])
		}
	}
}

func TestUninitializedStore(t *testing.T) {
	var s *Store
	if err := s.RecordDynamics(Dynamics{}); err == nil {
		t.Fatal("nil store accepted a snapshot")
	}
	if _, err := s.RecentDynamics(1); err == nil {
		t.Fatal("nil store answered a query")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("nil store close = %v, want nil", err)
	}
}

package logging

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/CarletonURocketry/inspace-telem/packets"
	"github.com/CarletonURocketry/inspace-telem/state"
)

type fakeLED struct {
	mu   sync.Mutex
	last bool
	sets int
}

func (l *fakeLED) Set(on bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last = on
	l.sets++
	return nil
}

func (l *fakeLED) state() (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last, l.sets
}

func newTestState(t *testing.T) *state.State {
	t.Helper()
	return state.Open(filepath.Join(t.TempDir(), "eeprom"))
}

// produce assembles a minimal frame holding one status block with the
// given marker code and hands it to the logging sink. It returns the
// wire signature of that block, which survives sequence-number
// stamping, plus the frame length.
func produce(t *testing.T, buf *packets.Buffer, marker uint8) ([]byte, int) {
	t.Helper()
	slot := buf.GetEmpty()
	if slot == nil {
		t.Fatal("no empty slot")
	}
	end := packets.InitPacket(slot.Frame[:], "VA3INS", 0, 0)
	body, end, ok := packets.AppendBlock(slot.Frame[:], end, packets.BlockStatus, 0)
	if !ok {
		t.Fatal("status block rejected")
	}
	packets.PutStatus(body, marker)
	slot.End = end
	buf.PutFull(slot)
	return []byte{byte(packets.BlockStatus), 1, 0, 0, marker}, end
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestChooseFlightNumber(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"flog_0_0.bin", "flog_0_1000.bin", "flog_1000_0.bin"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if got := ChooseFlightNumber(dir, "flog"); got != 1001 {
		t.Fatalf("flight number = %d, want 1001", got)
	}
}

func TestChooseFlightNumberEmptyDir(t *testing.T) {
	if got := ChooseFlightNumber(t.TempDir(), "flog"); got != 1 {
		t.Fatalf("flight number in empty dir = %d, want 1", got)
	}
}

func TestChooseFlightNumberIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"elog_5_0.bin", "notes.txt", "flog_2_9.bin"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if got := ChooseFlightNumber(dir, "flog"); got != 3 {
		t.Fatalf("flight number = %d, want 3", got)
	}
}

func TestChooseFlightNumberUnreadableDir(t *testing.T) {
	if got := ChooseFlightNumber(filepath.Join(t.TempDir(), "missing"), "flog"); got < 0 {
		t.Fatalf("flight number from unreadable dir = %d, want non-negative random", got)
	}
}

func flogContents(t *testing.T, dir string) map[string][]byte {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	out := map[string][]byte{}
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			t.Fatal(err)
		}
		out[e.Name()] = data
	}
	return out
}

// While idle, the file pair swaps after the ping-pong duration and the
// newly-active file starts clean.
func TestPingPongSwap(t *testing.T) {
	flightDir, landedDir := t.TempDir(), t.TempDir()
	st := newTestState(t)
	buf := packets.NewBuffer()
	led := &fakeLED{}
	task := NewTask(st, buf, flightDir, landedDir, led, 100*time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		task.Run(context.Background())
	}()

	sigA, nA := produce(t, buf, 0xA1)
	_, nB := produce(t, buf, 0xB2)
	waitFor(t, time.Second, func() bool {
		for _, data := range flogContents(t, flightDir) {
			if len(data) >= nA+nB {
				return true
			}
		}
		return false
	})

	// Past the swap interval. The next packet wakes the loop and still
	// lands pre-swap; the swap happens before the one after it.
	time.Sleep(150 * time.Millisecond)
	produce(t, buf, 0xC3)
	sigD, _ := produce(t, buf, 0xD4)

	waitFor(t, time.Second, func() bool {
		for _, data := range flogContents(t, flightDir) {
			if bytes.Contains(data, sigD) {
				return true
			}
		}
		return false
	})

	buf.Close()
	<-done

	files := flogContents(t, flightDir)
	if len(files) != 2 {
		t.Fatalf("flight files = %d, want 2", len(files))
	}
	var withD []byte
	for _, data := range files {
		if bytes.Contains(data, sigD) {
			withD = data
		}
	}
	if withD == nil {
		t.Fatal("no flight file contains the post-swap packet")
	}
	if bytes.Contains(withD, sigA) {
		t.Fatal("post-swap file still holds pre-swap data")
	}
}

// The full flight: pre-launch writes, airborne writes, then landed
// extraction copies everything onto the removable filesystem, clears
// the sources and returns to idle with the eject LED raised.
func TestLandedExtraction(t *testing.T) {
	flightDir, landedDir := t.TempDir(), t.TempDir()
	st := newTestState(t)
	buf := packets.NewBuffer()
	led := &fakeLED{}
	task := NewTask(st, buf, flightDir, landedDir, led, time.Hour)

	done := make(chan struct{})
	go func() {
		defer close(done)
		task.Run(context.Background())
	}()

	sig1, n1 := produce(t, buf, 0x01)
	st.SetFlightState(state.StateAirborne)
	sig2, n2 := produce(t, buf, 0x02)

	waitFor(t, time.Second, func() bool {
		if on, _ := led.state(); on {
			return false
		}
		for _, data := range flogContents(t, flightDir) {
			if len(data) >= n1+n2 {
				return true
			}
		}
		return false
	})

	st.SetFlightState(state.StateLanded)
	// A packet wakes the logger so it notices the landing.
	produce(t, buf, 0x03)

	waitFor(t, 2*time.Second, func() bool {
		return st.FlightState() == state.StateIdle
	})

	buf.Close()
	<-done

	entries, err := os.ReadDir(landedDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("extraction files = %d, want 1", len(entries))
	}
	extracted, err := os.ReadFile(filepath.Join(landedDir, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	i1 := bytes.Index(extracted, sig1)
	i2 := bytes.Index(extracted, sig2)
	if i1 < 0 || i2 < 0 || i2 < i1 {
		t.Fatal("extraction file missing flight data or out of order")
	}

	on, sets := led.state()
	if !on {
		t.Fatal("eject LED not raised after extraction")
	}
	if sets < 2 {
		t.Fatal("eject LED never driven low during flight")
	}

	// The sources were cleared, so nothing is retained for a second
	// extraction of the same data.
	for name, data := range flogContents(t, flightDir) {
		if len(data) != 0 {
			t.Fatalf("flight file %s not cleared after extraction (%d bytes)", name, len(data))
		}
	}
}

// Package logging owns the durable flight log: a ping-pong pair of
// pre-launch files on the power-safe filesystem, append-only logging
// during flight, and extraction onto removable media after landing.
package logging

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/CarletonURocketry/inspace-telem/board"
	"github.com/CarletonURocketry/inspace-telem/monitoring"
	"github.com/CarletonURocketry/inspace-telem/packets"
	"github.com/CarletonURocketry/inspace-telem/state"
)

// PingPongDuration bounds retained pre-launch history: the active and
// standby files swap this often while idle, so between one and two
// durations of data survive to the flight log.
const PingPongDuration = 30 * time.Second

// flightFilePrefix and extractFilePrefix name log files as
// <prefix>_<flight>_<serial>.bin.
const (
	flightFilePrefix  = "flog"
	extractFilePrefix = "elog"
)

// nameMax is the longest base name the log filesystems accept. Longer
// names round-trip through truncation; accepted, not fixed.
const nameMax = 255

// numTimesTryOpen is how many times opening a log file is attempted.
const numTimesTryOpen = 3

// syncEveryPackets controls how often, in packets written, the active
// file is fsynced. Syncing is expensive on the power-safe filesystem.
const syncEveryPackets = 4

// copyBufSize is the chunk size used while copying out to the
// extraction filesystem.
const copyBufSize = 8192

// Task drains the logging sink into flight log files.
type Task struct {
	st        *state.State
	buffer    *packets.Buffer
	flightDir string
	landedDir string
	led       board.EjectLED
	pingPong  time.Duration
}

// NewTask wires a logger. pingPong <= 0 uses the default duration.
func NewTask(st *state.State, buffer *packets.Buffer, flightDir, landedDir string, led board.EjectLED, pingPong time.Duration) *Task {
	if pingPong <= 0 {
		pingPong = PingPongDuration
	}
	return &Task{st: st, buffer: buffer, flightDir: flightDir, landedDir: landedDir, led: led, pingPong: pingPong}
}

// logFileName builds a log file path, truncating the base name to what
// the filesystem can hold.
func logFileName(dir, prefix string, flightNumber, serialNumber int) string {
	name := fmt.Sprintf("%s_%d_%d.bin", prefix, flightNumber, serialNumber)
	if len(name) > nameMax {
		name = name[:nameMax]
	}
	return filepath.Join(dir, name)
}

// findMaxFlightNumber scans dir for files matching the prefix and
// returns the largest flight number found, zero when none match.
func findMaxFlightNumber(dir, prefix string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	maxFlight := 0
	for _, entry := range entries {
		var flight, serial int
		if n, _ := fmt.Sscanf(entry.Name(), prefix+"_%d_%d.bin", &flight, &serial); n == 2 {
			if flight > maxFlight {
				maxFlight = flight
			}
		}
	}
	return maxFlight, nil
}

// ChooseFlightNumber picks a flight number that will not clash with
// previous files in dir. An unreadable directory falls back to a random
// number rather than overwriting flight zero.
func ChooseFlightNumber(dir, prefix string) int {
	maxFlight, err := findMaxFlightNumber(dir, prefix)
	if err != nil {
		monitoring.Errorf("flight_number_scan dir=%q err=%v picking=random", dir, err)
		return rand.Int()
	}
	return maxFlight + 1
}

// tryOpenFile attempts to open a log file a few times before giving up.
func tryOpenFile(name string, flag int) (*os.File, error) {
	var err error
	for i := 0; i < numTimesTryOpen; i++ {
		var f *os.File
		f, err = os.OpenFile(name, flag, 0o644)
		if err == nil {
			monitoring.Debugf("log_file_opened name=%q", name)
			return f, nil
		}
		monitoring.Errorf("log_file_open attempt=%d name=%q err=%v", i, name, err)
		time.Sleep(time.Millisecond)
	}
	return nil, err
}

func (t *Task) openFlightFile(flightNumber int, serial *int) (*os.File, error) {
	name := logFileName(t.flightDir, flightFilePrefix, flightNumber, *serial)
	*serial++
	return tryOpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC)
}

// clearFile resets a file to zero length with its write position at the
// start.
func clearFile(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return f.Sync()
}

// closeSynced flushes a file to stable storage before closing it.
func closeSynced(f *os.File) error {
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Run drains the logging buffer until the buffer is closed or the
// context is cancelled. It exits early when a log file cannot be opened,
// at setup or when replacing a file after a write failure.
func (t *Task) Run(ctx context.Context) {
	monitoring.Infof("logging_started")

	flightNumber := ChooseFlightNumber(t.flightDir, flightFilePrefix)
	flightSer := 0
	extractNumber := ChooseFlightNumber(t.landedDir, extractFilePrefix)
	extractSer := 0

	active, err := t.openFlightFile(flightNumber, &flightSer)
	if err != nil {
		monitoring.Errorf("logging_setup flight=%d serial=%d err=%v", flightNumber, flightSer, err)
		return
	}
	standby, err := t.openFlightFile(flightNumber, &flightSer)
	if err != nil {
		monitoring.Errorf("logging_setup flight=%d serial=%d err=%v", flightNumber, flightSer, err)
		_ = active.Close()
		return
	}
	defer func() {
		if err := closeSynced(active); err != nil {
			monitoring.Errorf("logging_close file=active err=%v", err)
		}
		if err := closeSynced(standby); err != nil {
			monitoring.Errorf("logging_close file=standby err=%v", err)
		}
	}()

	// Both files were just truncated, so neither has data yet.
	lastSwap := time.Now()
	packetSeq := uint8(0)

	for {
		switch t.st.FlightState() {
		case state.StateIdle, state.StateAirborne:
			if t.st.FlightState() == state.StateIdle && time.Since(lastSwap) > t.pingPong {
				active, standby = standby, active
				if err := clearFile(active); err != nil {
					monitoring.Errorf("log_swap_clear err=%v", err)
				}
				lastSwap = time.Now()
				monitoring.LogSwaps.Inc()
				monitoring.Infof("log_files_swapped")
			}

			// Not safe to eject while airborne, until files are copied
			// out after landing.
			if t.st.FlightState() == state.StateAirborne {
				if err := t.led.Set(false); err != nil {
					monitoring.Errorf("ejectled err=%v", err)
				}
			}

			slot := t.buffer.GetFull()
			if slot == nil {
				monitoring.Infof("logging_stopped reason=buffer_closed")
				return
			}
			packets.SetPacketNum(slot.Bytes(), packetSeq)
			packetSeq++
			if err := t.logPacket(active, slot.Bytes()); err != nil {
				monitoring.Errorf("log_write err=%v opening_new_file=true", err)
				_ = active.Close()
				active, err = t.openFlightFile(flightNumber, &flightSer)
				if err != nil {
					monitoring.Errorf("logging_reopen flight=%d serial=%d err=%v", flightNumber, flightSer, err)
					t.buffer.PutEmpty(slot)
					return
				}
			}
			// The packet goes back after an attempted write, success
			// or not.
			t.buffer.PutEmpty(slot)

			// Commit writes on the power-safe filesystem sparingly to
			// save time.
			if packetSeq%syncEveryPackets == 0 {
				if err := active.Sync(); err != nil {
					monitoring.Errorf("log_sync err=%v", err)
				}
			}

		case state.StateLanded:
			t.extract(ctx, extractNumber, &extractSer, flightNumber, &flightSer, &active, &standby)
			packetSeq = 0
			if t.st.FlightState() == state.StateLanded {
				// Extraction failed; don't spin on the removable FS.
				time.Sleep(time.Second)
			}
		}

		select {
		case <-ctx.Done():
			monitoring.Infof("logging_stopped reason=ctx")
			return
		default:
		}
	}
}

// logPacket writes one packet to the active file.
func (t *Task) logPacket(f *os.File, frame []byte) error {
	n, err := f.Write(frame)
	monitoring.Debugf("logged_bytes n=%d", n)
	if err != nil {
		return err
	}
	monitoring.LogBytes.Add(float64(n))
	return nil
}

// extract copies the pre-flight pair onto the extraction filesystem,
// oldest data first, then returns the system to idle.
func (t *Task) extract(ctx context.Context, extractNumber int, extractSer *int, flightNumber int, flightSer *int, active, standby **os.File) {
	_, span := monitoring.Tracer().Start(ctx, "logging.extract")
	defer span.End()

	// Append so an earlier partial extraction is not overwritten.
	name := logFileName(t.landedDir, extractFilePrefix, extractNumber, *extractSer)
	*extractSer++
	extract, err := tryOpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_APPEND)
	if err != nil {
		monitoring.Errorf("extract_open flight=%d serial=%d err=%v", extractNumber, *extractSer, err)
		return
	}
	monitoring.Infof("extracting_to name=%q", name)

	// Standby holds the older data; copy it first. If a copy fails the
	// source is not cleared, so the data can be retried next power
	// cycle, and the file is replaced to keep the stream position sane.
	if err := copyOut(*standby, extract); err != nil {
		monitoring.Errorf("extract_copy file=standby err=%v", err)
		_ = (*standby).Close()
		if *standby, err = t.openFlightFile(flightNumber, flightSer); err != nil {
			monitoring.Errorf("extract_replace file=standby err=%v", err)
			_ = closeSynced(extract)
			return
		}
	}
	if err := copyOut(*active, extract); err != nil {
		monitoring.Errorf("extract_copy file=active err=%v", err)
		_ = (*active).Close()
		if *active, err = t.openFlightFile(flightNumber, flightSer); err != nil {
			monitoring.Errorf("extract_replace file=active err=%v", err)
			_ = closeSynced(extract)
			return
		}
	}

	if err := closeSynced(extract); err != nil {
		monitoring.Errorf("extract_close err=%v", err)
	}

	// Logs are on the removable partition; safe to take the card out.
	if err := t.led.Set(true); err != nil {
		monitoring.Errorf("ejectled err=%v", err)
	}
	t.st.SetFlightState(state.StateIdle)
}

// copyOut copies a log file's contents to the extraction file in
// chunks, then clears the source. A write failure does not break the
// loop, in case writing only fails once, but leaves the source intact.
func copyOut(src *os.File, dst *os.File) error {
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return err
	}
	var copyErr error
	buf := make([]byte, copyBufSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				copyErr = werr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	if copyErr != nil {
		// Don't clear the source when the copy is incomplete.
		return copyErr
	}
	return clearFile(src)
}

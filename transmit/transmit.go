// Package transmit drains the transmit sink and writes assembled
// frames to the radio device.
package transmit

import (
	"context"
	"io"

	"github.com/CarletonURocketry/inspace-telem/monitoring"
	"github.com/CarletonURocketry/inspace-telem/packets"
)

// Task sends packets over the radio.
type Task struct {
	buffer *packets.Buffer
	radio  io.Writer
}

// NewTask wires a transmitter to its buffer and the radio byte sink.
func NewTask(buffer *packets.Buffer, radio io.Writer) *Task {
	return &Task{buffer: buffer, radio: radio}
}

// Run transmits until the buffer closes. Radio write errors are logged
// and the loop re-entered; the packet is returned to the pool either
// way.
func (t *Task) Run(ctx context.Context) {
	monitoring.Infof("transmit_started")
	packetSeq := uint8(0)
	for {
		slot := t.buffer.GetFull()
		if slot == nil {
			monitoring.Infof("transmit_stopped reason=buffer_closed")
			return
		}
		packets.SetPacketNum(slot.Bytes(), packetSeq)
		packetSeq++

		n, err := t.radio.Write(slot.Bytes())
		if err != nil {
			monitoring.Errorf("radio_write err=%v", err)
		} else {
			monitoring.RadioFrames.Inc()
			monitoring.RadioBytes.Add(float64(n))
			monitoring.Debugf("radio_frame len=%d", n)
		}
		t.buffer.PutEmpty(slot)

		select {
		case <-ctx.Done():
			monitoring.Infof("transmit_stopped reason=ctx")
			return
		default:
		}
	}
}

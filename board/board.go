// Package board binds the telemetry core to the hardware it runs on:
// the eject-LED GPIO and the radio device node.
package board

import (
	"fmt"
	"os"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/CarletonURocketry/inspace-telem/monitoring"
)

// EjectLED signals whether the removable extraction media is safe to
// pull. Driven low for the whole flight, high at rest.
type EjectLED interface {
	// Set drives the LED: true for safe-to-remove, false for unsafe.
	Set(on bool) error
}

// noopLED is used when no GPIO is configured, such as on a development
// host.
type noopLED struct{}

func (noopLED) Set(on bool) error {
	monitoring.Debugf("ejectled_noop on=%v", on)
	return nil
}

type pinLED struct {
	pin gpio.PinOut
}

func (l *pinLED) Set(on bool) error {
	if err := l.pin.Out(gpio.Level(on)); err != nil {
		return fmt.Errorf("eject LED %s: %w", l.pin.Name(), err)
	}
	monitoring.Infof("ejectled name=%s on=%v", l.pin.Name(), on)
	return nil
}

// OpenEjectLED resolves a GPIO pin by name through periph's registry.
// An empty name returns a no-op LED.
func OpenEjectLED(name string) (EjectLED, error) {
	if name == "" {
		return noopLED{}, nil
	}
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host init: %w", err)
	}
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, fmt.Errorf("no GPIO pin named %q", name)
	}
	return &pinLED{pin: pin}, nil
}

// OpenRadio opens the radio device node as a write-only byte sink.
func OpenRadio(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open radio %q: %w", path, err)
	}
	return f, nil
}

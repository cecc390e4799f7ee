package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/CarletonURocketry/inspace-telem/app"
)

func main() {
	cmd := &cli.Command{
		Name:  "inspace-telem",
		Usage: "Model-rocket flight computer telemetry core",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Category: "radio",
				Name:     "callsign",
				Value:    "VA3INS",
				Usage:    "HAM radio `CALLSIGN` stamped on every packet (max 9 ASCII chars)",
				Sources:  cli.EnvVars("INSPACE_CALLSIGN"),
			},
			&cli.StringFlag{
				Category: "radio",
				Name:     "radio.device",
				Value:    "./radio.bin",
				Usage:    "`PATH` to the radio transmitter device node",
			},
			&cli.StringFlag{
				Category: "storage",
				Name:     "flight.dir",
				Value:    "./pwrfs",
				Usage:    "`DIR` on the power-safe filesystem for flight logs",
			},
			&cli.StringFlag{
				Category: "storage",
				Name:     "landed.dir",
				Value:    "./extfs",
				Usage:    "`DIR` on the removable filesystem for landed extraction",
			},
			&cli.StringFlag{
				Category: "storage",
				Name:     "state.path",
				Value:    "./eeprom",
				Usage:    "`PATH` of the non-volatile flight state blob",
			},
			&cli.StringFlag{
				Category: "storage",
				Name:     "storage.path",
				Value:    "./data/history.buntdb",
				Usage:    "`PATH` to the flight-history database (empty disables it)",
			},
			&cli.DurationFlag{
				Category: "storage",
				Name:     "storage.retention",
				Value:    24 * time.Hour,
				Usage:    "Retention period for dynamics history (e.g. 24h)",
			},
			&cli.DurationFlag{
				Category: "storage",
				Name:     "logging.pingpong",
				Value:    30 * time.Second,
				Usage:    "Pre-flight log file swap interval",
			},
			&cli.StringFlag{
				Category: "board",
				Name:     "ejectled.pin",
				Usage:    "GPIO pin `NAME` of the eject LED (empty disables it)",
			},
			&cli.StringFlag{
				Category: "sensors",
				Name:     "sensors",
				Value:    "accel,gyro,baro,mag,gnss",
				Usage:    "Comma-separated `LIST` of enabled sensor topics",
			},
			&cli.StringFlag{
				Category: "server",
				Name:     "server.listen",
				Aliases:  []string{"listen", "l"},
				Value:    ":8080",
				Usage:    "`ADDRESS` of the ground-support HTTP surface",
			},
			&cli.BoolFlag{
				Category: "monitoring",
				Name:     "metrics.enabled",
				Value:    true,
				Usage:    "Expose Prometheus metrics on /metrics",
			},
			&cli.StringFlag{
				Category: "monitoring",
				Name:     "tracing.endpoint",
				Aliases:  []string{"tracing", "t"},
				Value:    "",
				Usage:    "OpenTelemetry collector `ENDPOINT` for traces",
			},
			&cli.StringFlag{
				Category: "monitoring",
				Name:     "syslog.path",
				Value:    "./syslog.txt",
				Usage:    "`PATH` of the append-only syslog tee file (empty disables it)",
			},
			&cli.BoolFlag{
				Category: "monitoring",
				Name:     "debug",
				Aliases:  []string{"d"},
				Usage:    "Enable debug logging",
			},
		},
		Action: app.Run,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

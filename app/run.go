package app

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/CarletonURocketry/inspace-telem/backend"
	"github.com/CarletonURocketry/inspace-telem/board"
	"github.com/CarletonURocketry/inspace-telem/collection"
	"github.com/CarletonURocketry/inspace-telem/fusion"
	"github.com/CarletonURocketry/inspace-telem/logging"
	"github.com/CarletonURocketry/inspace-telem/monitoring"
	"github.com/CarletonURocketry/inspace-telem/packets"
	"github.com/CarletonURocketry/inspace-telem/sensors"
	"github.com/CarletonURocketry/inspace-telem/state"
	"github.com/CarletonURocketry/inspace-telem/storage"
	"github.com/CarletonURocketry/inspace-telem/transmit"
)

// sensorKindsByName maps the --sensors flag entries to topic kinds.
var sensorKindsByName = map[string]sensors.Kind{
	"accel": sensors.KindAccel,
	"gyro":  sensors.KindGyro,
	"baro":  sensors.KindBaro,
	"mag":   sensors.KindMag,
	"gnss":  sensors.KindGNSS,
}

// collectionKinds builds the capability set for the collection task:
// the enabled hardware topics plus the synthetic ones that are always
// present.
func collectionKinds(enabled string) []sensors.Kind {
	kinds := []sensors.Kind{sensors.KindFusedAlt, sensors.KindStatus, sensors.KindError}
	for _, name := range strings.Split(enabled, ",") {
		name = strings.TrimSpace(strings.ToLower(name))
		if name == "" {
			continue
		}
		if kind, ok := sensorKindsByName[name]; ok {
			kinds = append(kinds, kind)
		} else {
			monitoring.Warnf("sensor_unknown name=%q skipping=true", name)
		}
	}
	return kinds
}

// Run is the main CLI action. It wires monitoring, storage, the shared
// state, the packet buffers and the telemetry tasks, then serves the
// ground-support HTTP surface until shutdown.
func Run(ctx context.Context, c *cli.Command) error {
	listen := c.String("server.listen")
	enableMetrics := c.Bool("metrics.enabled")
	tracingEndpoint := c.String("tracing.endpoint")

	if c.Bool("debug") {
		monitoring.SetLogLevel("debug")
	}

	if path := c.String("syslog.path"); path != "" {
		if err := monitoring.OpenSyslog(path); err != nil {
			monitoring.Errorf("syslog_open path=%q err=%v", path, err)
		}
		defer monitoring.CloseSyslog()
	}

	shutdownTracer := monitoring.InitTracer(tracingEndpoint, "inspace-telem")
	defer shutdownTracer()

	if path := c.String("storage.path"); path != "" {
		if _, err := storage.Open(path, c.Duration("storage.retention")); err != nil {
			monitoring.Errorf("storage_open path=%q err=%v", path, err)
		}
	}

	st := state.Open(c.String("state.path"))
	monitoring.FlightState.Set(float64(st.FlightState()))
	backend.SetState(st)

	led, err := board.OpenEjectLED(c.String("ejectled.pin"))
	if err != nil {
		return err
	}
	radio, err := board.OpenRadio(c.String("radio.device"))
	if err != nil {
		return err
	}
	defer radio.Close()

	bus := sensors.NewBus()
	clock := sensors.BootClock()

	loggingBuf := packets.NewBuffer()
	loggingBuf.OnRecycle = func() { monitoring.BufferRecycled.WithLabelValues("logging").Inc() }
	transmitBuf := packets.NewBuffer()
	transmitBuf.OnRecycle = func() { monitoring.BufferRecycled.WithLabelValues("transmit").Inc() }

	taskCtx, cancelTasks := context.WithCancel(context.Background())
	defer cancelTasks()
	var tasks sync.WaitGroup

	run := func(f func(context.Context)) {
		tasks.Add(1)
		go func() {
			defer tasks.Done()
			f(taskCtx)
		}()
	}

	kinds := collectionKinds(c.String("sensors"))
	run(collection.NewTask(bus, st, clock, c.String("callsign"), loggingBuf, transmitBuf, kinds).Run)
	run(fusion.NewTask(bus, st, clock).Run)
	run(logging.NewTask(st, loggingBuf, c.String("flight.dir"), c.String("landed.dir"), led, c.Duration("logging.pingpong")).Run)
	run(transmit.NewTask(transmitBuf, radio).Run)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	api := chi.NewRouter()
	api.Use(middleware.Compress(5))
	api.Use(middleware.Timeout(15 * time.Second))
	api.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "no-referrer")
			next.ServeHTTP(w, r)
		})
	})
	// Tracing before logging to ensure trace IDs are present
	api.Use(monitoring.TracingMiddleware)
	api.Use(monitoring.MetricsMiddleware)
	api.Use(monitoring.LoggingMiddleware)

	if enableMetrics {
		api.Handle("/metrics", monitoring.PrometheusHandler())
	}
	api.Get("/api/state", backend.StateHandler)
	api.Get("/api/dynamics", backend.DynamicsHandler)
	api.Get("/api/events", backend.EventsHandler)
	api.Post("/api/frame/decode", backend.DecodeFrameHandler)

	r.Mount("/", api)

	monitoring.Infof("server_listening addr=%s", listen)
	srv := &http.Server{
		Addr:              listen,
		Handler:           r,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	stopTasks := func() {
		// Closing the bus and the buffers unblocks every task; cancel
		// covers the rest.
		cancelTasks()
		bus.Close()
		loggingBuf.Close()
		transmitBuf.Close()
		tasks.Wait()
	}

	select {
	case <-ctx.Done():
		monitoring.Infof("shutdown_signal")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		stopTasks()
		if s := storage.Get(); s != nil {
			_ = s.Close()
		}
		return nil
	case err := <-errCh:
		stopTasks()
		if s := storage.Get(); s != nil {
			_ = s.Close()
		}
		return err
	}
}

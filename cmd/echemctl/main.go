package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/voltlab/echemctl/internal/config"
	"github.com/voltlab/echemctl/internal/logging"
	"github.com/voltlab/echemctl/internal/observability"
	"github.com/voltlab/echemctl/internal/params"
	"github.com/voltlab/echemctl/internal/session"
	"github.com/voltlab/echemctl/internal/simulate"
	"github.com/voltlab/echemctl/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "echemctl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "TOML config file")
		port       = flag.String("port", "", "serial port (e.g. /dev/ttyUSB0)")
		baud       = flag.Int("baud", 0, "baud rate (default 115200)")
		sim        = flag.Bool("simulate", false, "run against the simulation engine")
		method     = flag.String("method", "cv", "measurement method: cv or dpv")

		startV       = flag.Float64("start-v", -1.0, "start voltage (V)")
		endV         = flag.Float64("end-v", 1.0, "end voltage (V)")
		scanRate     = flag.Float64("scan-rate", 0.2, "CV scan rate (V/s)")
		cycles       = flag.Uint("cycles", 1, "cycle count")
		currentRange = flag.Uint("current-range", 100, "current range (µA)")

		pulseHeight  = flag.Float64("pulse-height", 0.1, "DPV pulse height (V)")
		pulseWidth   = flag.Duration("pulse-width", 10*time.Millisecond, "DPV pulse width")
		pulsePeriod  = flag.Duration("pulse-period", 10*time.Millisecond, "DPV pulse period")
		sampleWindow = flag.Duration("sample-window", 20*time.Millisecond, "DPV sample window")

		out = flag.String("out", "", "CSV output path for the sample sequence")
	)
	flag.Parse()

	logging.ConfigureRuntime()
	observability.RegisterMetrics()
	log := logging.Component("echemctl")

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *port != "" {
		cfg.Serial.Port = *port
	}
	if *baud > 0 {
		cfg.Serial.Baud = *baud
	}
	if *sim {
		cfg.Simulate.Enabled = true
	}

	set, err := buildParams(*method, *startV, *endV, *scanRate, *pulseHeight,
		*pulseWidth, *pulsePeriod, *sampleWindow, *cycles, *currentRange)
	if err != nil {
		return err
	}

	var tr transport.Transport
	if cfg.Simulate.Enabled {
		log.Info().Msg("running in simulation mode")
		tr = simulate.NewEngine(cfg.SimulateConfig(), logging.Component("simulate"))
	} else {
		if cfg.Serial.Port == "" {
			return fmt.Errorf("no serial port given; use -port or -simulate")
		}
		tr = transport.NewSerialPort(cfg.LineConfig())
	}

	sess, err := session.New(tr, set, cfg.SessionConfig(), logging.Component("session"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() {
		done <- sess.Run(ctx)
	}()
	consumeEvents(sess, log)
	err = <-done

	snap := sess.Snapshot()
	if *out != "" && len(snap.Samples) > 0 {
		if werr := writeCSV(*out, snap); werr != nil {
			return werr
		}
		log.Info().Str("path", *out).Int("samples", len(snap.Samples)).Msg("sample sequence exported")
	}
	return err
}

func buildParams(method string, startV, endV, scanRate, pulseHeight float64,
	pulseWidth, pulsePeriod, sampleWindow time.Duration, cycles, currentRange uint) (params.Set, error) {
	if cycles > math.MaxUint32 {
		return params.Set{}, fmt.Errorf("cycle count %d exceeds the wire limit", cycles)
	}
	if currentRange > math.MaxUint32 {
		return params.Set{}, fmt.Errorf("current range %d µA exceeds the wire limit", currentRange)
	}
	switch method {
	case "cv", "CV":
		return params.CV(startV, endV, scanRate, uint32(cycles), uint32(currentRange))
	case "dpv", "DPV":
		return params.DPV(startV, endV, pulseHeight, pulseWidth, pulsePeriod, sampleWindow, uint32(cycles), uint32(currentRange))
	default:
		return params.Set{}, fmt.Errorf("unknown method %q (want cv or dpv)", method)
	}
}

// consumeEvents drains the session's event stream until it closes, logging
// progress every 10 samples.
func consumeEvents(sess *session.Session, log zerolog.Logger) {
	count := 0
	for ev := range sess.Events() {
		switch e := ev.(type) {
		case session.StateChanged:
			log.Info().Str("state", e.State.String()).Msg("session state")
		case session.SampleReceived:
			count++
			if count%10 == 0 {
				log.Info().
					Int("count", count).
					Float64("voltage", e.Sample.Voltage).
					Float64("current", e.Sample.Current).
					Uint32("cycle", e.Sample.Cycle).
					Msg("telemetry")
			}
		case session.StallDetected:
			log.Warn().Dur("elapsed", e.Elapsed).Msg("no telemetry; waiting")
		case session.ConsistencyWarning:
			log.Warn().
				Uint32("declared", e.Declared).
				Uint32("received", e.Received).
				Msg("device sample count disagrees with received count")
		case session.SessionEnded:
			entry := log.Info()
			if e.Err != nil {
				entry = log.Error().Err(e.Err)
			}
			entry.Str("outcome", e.Outcome.String()).Int("samples", e.SampleCount).Msg("session ended")
		}
	}
}

func writeCSV(path string, snap session.Snapshot) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"voltage_v", "current_ua", "cycle"}); err != nil {
		return err
	}
	for _, s := range snap.Samples {
		rec := []string{
			strconv.FormatFloat(s.Voltage, 'f', 4, 64),
			strconv.FormatFloat(s.Current, 'f', 4, 64),
			strconv.FormatUint(uint64(s.Cycle), 10),
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Sync()
}

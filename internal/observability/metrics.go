// Package observability registers and records the engine's Prometheus metrics.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	framesDecoded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "echemctl",
			Subsystem: "protocol",
			Name:      "frames_decoded_total",
			Help:      "Frames decoded from the transport, by frame kind.",
		},
		[]string{"kind"},
	)
	decodeFaults = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "echemctl",
			Subsystem: "protocol",
			Name:      "decode_faults_total",
			Help:      "Recoverable framing/checksum faults.",
		},
	)
	startRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "echemctl",
			Subsystem: "session",
			Name:      "start_retries_total",
			Help:      "Retries of the start-session command.",
		},
	)
	samplesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "echemctl",
			Subsystem: "session",
			Name:      "samples_received_total",
			Help:      "Telemetry samples appended to a session.",
		},
	)
	sessionsEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "echemctl",
			Subsystem: "session",
			Name:      "sessions_ended_total",
			Help:      "Sessions reaching a terminal state, by outcome.",
		},
		[]string{"outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(framesDecoded, decodeFaults, startRetries, samplesReceived, sessionsEnded)
	})
}

func RecordFrameDecoded(kind string) { framesDecoded.WithLabelValues(kind).Inc() }

func RecordDecodeFault() { decodeFaults.Inc() }

func RecordStartRetry() { startRetries.Inc() }

func RecordSample() { samplesReceived.Inc() }

func RecordSessionEnded(outcome string) { sessionsEnded.WithLabelValues(outcome).Inc() }

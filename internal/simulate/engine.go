// Package simulate synthesizes protocol-conformant device traffic so sessions
// run unmodified without hardware. All frames pass through the real codec's
// encoder; simulated bytes are indistinguishable in shape from live traffic.
package simulate

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voltlab/echemctl/internal/params"
	"github.com/voltlab/echemctl/internal/protocol"
	"github.com/voltlab/echemctl/internal/transport"
)

const (
	defaultSeed      = 0x5EED
	defaultChunkSize = 64
	defaultInterval  = 62500 * time.Microsecond // ~16 Hz, matches the instrument
	maxPointsPerLeg  = 4096
)

// Config tunes the synthetic device. The zero value produces an immediate,
// deterministic happy-path run.
type Config struct {
	Seed           int64         // pseudo-noise seed; 0 uses a fixed default
	SampleInterval time.Duration // CV sampling period, sets point density
	Pace           time.Duration // wall-clock delay per emitted chunk; 0 = immediate
	ChunkSize      int           // bytes per read boundary; 0 = 64

	// Failure injection.
	RejectStart bool   // ack start commands with ok=false
	DropStarts  int    // swallow the first N start commands entirely
	FailAfter   int    // emit a DeviceError after N samples; 0 = never
	ErrorCode   uint8  // code used by injected DeviceError frames
	Overcount   uint32 // added to the declared completion count
}

type chunk struct {
	data  []byte
	ready time.Time
}

// Engine is a simulated instrument on the far end of a Transport.
type Engine struct {
	cfg Config
	log zerolog.Logger

	mu      sync.Mutex
	opened  bool
	closed  bool
	dec     *protocol.Decoder
	pending []chunk
	offset  int // consumed bytes of pending[0]
}

func NewEngine(cfg Config, log zerolog.Logger) *Engine {
	if cfg.Seed == 0 {
		cfg.Seed = defaultSeed
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = defaultInterval
	}
	return &Engine{cfg: cfg, log: log, dec: protocol.NewDecoder()}
}

func (e *Engine) Open() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return transport.ErrClosed
	}
	if e.opened {
		return transport.ErrAlreadyOpen
	}
	e.opened = true
	return nil
}

// Write consumes host command frames and schedules the device's response
// byte stream.
func (e *Engine) Write(p []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return transport.ErrClosed
	}
	if !e.opened {
		return transport.ErrNotOpen
	}
	frames, faults := e.dec.Feed(p)
	for _, f := range faults {
		e.log.Warn().Err(f.Err).Msg("simulated device dropped malformed host frame")
	}
	for _, f := range frames {
		switch cmd := f.(type) {
		case protocol.StartSession:
			if e.cfg.DropStarts > 0 {
				e.cfg.DropStarts--
				e.log.Debug().Msg("simulated device dropped start command")
				continue
			}
			e.respond(cmd.Params)
		case protocol.StopSession:
			// Device resets without acknowledging; pending telemetry is gone.
			e.pending = nil
			e.offset = 0
		default:
			e.log.Warn().Str("frame", f.Type().String()).Msg("simulated device ignored frame")
		}
	}
	return nil
}

func (e *Engine) ReadAvailable(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, transport.ErrClosed
	}
	if !e.opened {
		return 0, transport.ErrNotOpen
	}
	if len(e.pending) == 0 {
		return 0, nil
	}
	head := e.pending[0]
	if time.Now().Before(head.ready) {
		return 0, nil
	}
	n := copy(p, head.data[e.offset:])
	e.offset += n
	if e.offset >= len(head.data) {
		e.pending = e.pending[1:]
		e.offset = 0
	}
	return n, nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.pending = nil
	e.offset = 0
	return nil
}

// respond queues the full reply to one start command: ack, telemetry sweep,
// completion. Mirrors what a real run produces for the same parameters.
func (e *Engine) respond(set params.Set) {
	ack := protocol.CommandAck{OK: !e.cfg.RejectStart, Code: e.cfg.ErrorCode}
	stream := mustEncode(ack)
	if !ack.OK {
		e.push(stream)
		return
	}

	rng := rand.New(rand.NewSource(e.cfg.Seed))
	samples := Waveform(set, e.cfg.SampleInterval, rng)
	count := uint32(0)
	for i, smp := range samples {
		if e.cfg.FailAfter > 0 && i == e.cfg.FailAfter {
			stream = append(stream, mustEncode(protocol.DeviceError{
				Code:    e.cfg.ErrorCode,
				Message: []byte("cell overload"),
			})...)
			e.push(stream)
			return
		}
		stream = append(stream, mustEncode(smp)...)
		count++
	}
	stream = append(stream, mustEncode(protocol.SessionComplete{SampleCount: count + e.cfg.Overcount})...)
	e.push(stream)
}

// push splits the stream into read-boundary chunks, schedules pacing and
// appends to the pending queue.
func (e *Engine) push(stream []byte) {
	now := time.Now()
	i := 0
	for off := 0; off < len(stream); off += e.cfg.ChunkSize {
		end := off + e.cfg.ChunkSize
		if end > len(stream) {
			end = len(stream)
		}
		ready := now
		if e.cfg.Pace > 0 {
			ready = now.Add(time.Duration(i) * e.cfg.Pace)
		}
		data := make([]byte, end-off)
		copy(data, stream[off:end])
		e.pending = append(e.pending, chunk{data: data, ready: ready})
		i++
	}
}

// Waveform generates the sample sequence a device would produce for set. CV
// sweeps start to end and back per cycle at the density implied by scan rate;
// DPV steps a single-direction staircase per cycle. Current is a smooth curve
// plus deterministic pseudo-noise from rng. Cycle numbering is 1-based.
func Waveform(set params.Set, interval time.Duration, rng *rand.Rand) []protocol.Sample {
	switch set.Method {
	case params.MethodCV:
		return cvWaveform(set, interval, rng)
	default:
		return dpvWaveform(set, rng)
	}
}

func cvWaveform(set params.Set, interval time.Duration, rng *rand.Rand) []protocol.Sample {
	step := set.ScanRate * interval.Seconds()
	points := legPoints(set.VoltageSpan(), step)

	var out []protocol.Sample
	for c := uint32(1); c <= set.Cycles; c++ {
		out = appendLeg(out, set.StartVoltage, set.EndVoltage, points, c, rng)
		out = appendLeg(out, set.EndVoltage, set.StartVoltage, points, c, rng)
	}
	return out
}

func dpvWaveform(set params.Set, rng *rand.Rand) []protocol.Sample {
	// Staircase step is half the pulse height.
	points := legPoints(set.VoltageSpan(), set.PulseHeight/2)

	var out []protocol.Sample
	mid := (set.StartVoltage + set.EndVoltage) / 2
	width := set.VoltageSpan() / 8
	for c := uint32(1); c <= set.Cycles; c++ {
		for i := 0; i < points; i++ {
			v := lerp(set.StartVoltage, set.EndVoltage, i, points)
			d := (v - mid) / width
			cur := 0.5 + 5.0*math.Exp(-d*d) + noise(rng)
			out = append(out, protocol.Sample{Voltage: v, Current: cur, Cycle: c})
		}
	}
	return out
}

func appendLeg(out []protocol.Sample, from, to float64, points int, cycle uint32, rng *rand.Rand) []protocol.Sample {
	for i := 0; i < points; i++ {
		v := lerp(from, to, i, points)
		cur := 2.0 + 0.5*v*v + math.Abs(v-0.2) + noise(rng)
		out = append(out, protocol.Sample{Voltage: v, Current: cur, Cycle: cycle})
	}
	return out
}

func legPoints(span, step float64) int {
	if step <= 0 {
		return 2
	}
	points := int(math.Ceil(span/step)) + 1
	if points < 2 {
		return 2
	}
	if points > maxPointsPerLeg {
		return maxPointsPerLeg
	}
	return points
}

func lerp(from, to float64, i, points int) float64 {
	if points <= 1 {
		return from
	}
	return from + (to-from)*float64(i)/float64(points-1)
}

func noise(rng *rand.Rand) float64 {
	return (rng.Float64() - 0.5) * 0.05
}

func mustEncode(f protocol.Frame) []byte {
	b, err := protocol.Encode(f)
	if err != nil {
		// Only reachable through a programming error in this package.
		panic(err)
	}
	return b
}

package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/voltlab/echemctl/internal/observability"
	"github.com/voltlab/echemctl/internal/params"
	"github.com/voltlab/echemctl/internal/protocol"
	"github.com/voltlab/echemctl/internal/transport"
)

var (
	ErrAlreadyStarted = errors.New("session: already started")
	ErrAborted        = errors.New("session: aborted")
	ErrAckTimeout     = errors.New("session: configuration ack timeout")
	ErrDeviceFault    = errors.New("session: device reported fault")
)

// Snapshot is a read-only view of a session's accumulated results. Samples
// are copied; consumers never hold a mutable handle.
type Snapshot struct {
	Method       params.Method
	State        State
	Samples      []protocol.Sample
	DecodeFaults int
	Warning      *ConsistencyWarning
	LastErr      error
	CreatedAt    time.Time
}

// Session drives one CV/DPV run over a transport it owns exclusively.
type Session struct {
	cfg       Config
	set       params.Set
	tr        transport.Transport
	log       zerolog.Logger
	createdAt time.Time

	mu      sync.Mutex
	state   State
	samples []protocol.Sample
	faults  int
	warning *ConsistencyWarning
	lastErr error
	opened  bool

	events     chan Event
	abortCh    chan struct{}
	abortOnce  sync.Once
	readerStop chan struct{}
	started    atomic.Bool
}

// readerMsg is one reader-to-state-machine handoff. Exactly one field is set;
// the single-producer channel preserves arrival order end to end.
type readerMsg struct {
	frame protocol.Frame
	fault *protocol.Fault
	err   error
}

// New builds an idle session. The parameter set is validated before any I/O.
func New(tr transport.Transport, set params.Set, cfg Config, log zerolog.Logger) (*Session, error) {
	if err := set.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	return &Session{
		cfg:        cfg,
		set:        set,
		tr:         tr,
		log:        log.With().Str("method", set.Method.String()).Logger(),
		createdAt:  time.Now(),
		state:      StateIdle,
		events:     make(chan Event, cfg.EventBuffer),
		abortCh:    make(chan struct{}),
		readerStop: make(chan struct{}),
	}, nil
}

// Events returns the ordered event stream. It is closed when the session
// reaches a terminal state.
func (s *Session) Events() <-chan Event {
	return s.events
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns a copy of the accumulated results so far.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	samples := make([]protocol.Sample, len(s.samples))
	copy(samples, s.samples)
	var warn *ConsistencyWarning
	if s.warning != nil {
		w := *s.warning
		warn = &w
	}
	return Snapshot{
		Method:       s.set.Method,
		State:        s.state,
		Samples:      samples,
		DecodeFaults: s.faults,
		Warning:      warn,
		LastErr:      s.lastErr,
		CreatedAt:    s.createdAt,
	}
}

// Abort requests cooperative cancellation from any non-terminal state. Safe
// to call multiple times and from any goroutine.
func (s *Session) Abort() {
	s.abortOnce.Do(func() {
		close(s.abortCh)
	})
}

// Run drives the session to a terminal state. It returns nil when the run
// completes, ErrAborted on cancellation, and the terminal failure otherwise.
// Run may be called at most once per session; a second call is a programming
// error on the caller's side.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer close(s.events)

	stopWatch := context.AfterFunc(ctx, s.Abort)
	defer stopWatch()

	select {
	case <-s.abortCh:
		return s.finishAborted()
	default:
	}

	s.setState(StateConnecting)
	if err := s.tr.Open(); err != nil {
		err = fmt.Errorf("session: connect: %w", err)
		return s.finishFailed(err)
	}
	s.mu.Lock()
	s.opened = true
	s.mu.Unlock()

	frames := make(chan readerMsg, 64)
	readerDone := make(chan struct{})
	go s.readLoop(frames, readerDone)
	defer func() {
		close(s.readerStop)
		_ = s.tr.Close()
		<-readerDone
	}()

	if err := s.configure(frames); err != nil {
		if errors.Is(err, ErrAborted) {
			return s.finishAborted()
		}
		return s.finishFailed(err)
	}

	return s.receive(frames)
}

// readLoop drains the transport, feeds the frame decoder and forwards decoded
// frames and faults in arrival order. It exits on read error or readerStop.
func (s *Session) readLoop(out chan<- readerMsg, done chan<- struct{}) {
	defer close(done)
	dec := protocol.NewDecoder()
	buf := make([]byte, 512)
	for {
		select {
		case <-s.readerStop:
			return
		default:
		}

		n, err := s.tr.ReadAvailable(buf)
		if n > 0 {
			decoded, faults := dec.Feed(buf[:n])
			for i := range faults {
				f := faults[i]
				if !s.forward(out, readerMsg{fault: &f}) {
					return
				}
			}
			for _, fr := range decoded {
				observability.RecordFrameDecoded(fr.Type().String())
				if !s.forward(out, readerMsg{frame: fr}) {
					return
				}
			}
		}
		if err != nil {
			s.forward(out, readerMsg{err: err})
			return
		}
		if n == 0 {
			select {
			case <-s.readerStop:
				return
			case <-time.After(s.cfg.PollInterval):
			}
		}
	}
}

func (s *Session) forward(out chan<- readerMsg, msg readerMsg) bool {
	select {
	case out <- msg:
		return true
	case <-s.readerStop:
		return false
	}
}

// configure writes the start command and waits for a positive ack, retrying
// with bounded backoff on timeout, decode fault or any unexpected frame.
func (s *Session) configure(frames <-chan readerMsg) error {
	cmd, err := protocol.EncodeStart(s.set)
	if err != nil {
		return fmt.Errorf("session: encode start: %w", err)
	}
	s.setState(StateConfiguring)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for attempt := 1; attempt <= s.cfg.StartAttempts; attempt++ {
		if attempt > 1 {
			observability.RecordStartRetry()
			delay := s.cfg.Backoff.Delay(attempt-1, rng)
			s.log.Warn().Int("attempt", attempt).Dur("delay", delay).Msg("retrying start command")
			select {
			case <-s.abortCh:
				return ErrAborted
			case <-time.After(delay):
			}
		}

		if err := s.tr.Write(cmd); err != nil {
			return fmt.Errorf("session: write start: %w", err)
		}

		deadline := time.NewTimer(s.cfg.AckTimeout)
		ok, err := s.awaitAck(frames, deadline.C)
		deadline.Stop()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("%w: no ack after %d attempts", ErrAckTimeout, s.cfg.StartAttempts)
}

// awaitAck consumes frames until a positive ack, a retry trigger or a fatal
// condition. ok=false with nil error means the attempt should be retried.
func (s *Session) awaitAck(frames <-chan readerMsg, deadline <-chan time.Time) (bool, error) {
	select {
	case <-s.abortCh:
		return false, ErrAborted
	case <-deadline:
		s.log.Warn().Dur("timeout", s.cfg.AckTimeout).Msg("configuration ack timeout")
		return false, nil
	case msg := <-frames:
		switch {
		case msg.err != nil:
			return false, fmt.Errorf("session: read: %w", msg.err)
		case msg.fault != nil:
			s.recordFault(*msg.fault)
			return false, nil
		default:
			ack, isAck := msg.frame.(protocol.CommandAck)
			if isAck && ack.OK {
				s.log.Debug().Uint8("code", ack.Code).Msg("start command acknowledged")
				return true, nil
			}
			s.log.Warn().Str("frame", msg.frame.Type().String()).Msg("unexpected frame while configuring")
			return false, nil
		}
	}
}

// receive appends samples in arrival order until completion, device error,
// read error or abort. Quiet intervals surface as stall events, never as
// failures.
func (s *Session) receive(frames <-chan readerMsg) error {
	s.setState(StateRunning)

	var stall *time.Timer
	var stallC <-chan time.Time
	if s.cfg.StallTimeout > 0 {
		stall = time.NewTimer(s.cfg.StallTimeout)
		stallC = stall.C
		defer stall.Stop()
	}
	lastFrame := time.Now()

	for {
		select {
		case <-s.abortCh:
			return s.finishAborted()

		case <-stallC:
			elapsed := time.Since(lastFrame)
			s.log.Warn().Dur("elapsed", elapsed).Msg("no telemetry within stall window")
			s.emit(StallDetected{Elapsed: elapsed})
			stall.Reset(s.cfg.StallTimeout)

		case msg := <-frames:
			if msg.err != nil {
				return s.finishFailed(fmt.Errorf("session: read: %w", msg.err))
			}
			lastFrame = time.Now()
			if stall != nil {
				if !stall.Stop() {
					select {
					case <-stall.C:
					default:
					}
				}
				stall.Reset(s.cfg.StallTimeout)
			}
			if msg.fault != nil {
				s.recordFault(*msg.fault)
				continue
			}

			switch f := msg.frame.(type) {
			case protocol.Sample:
				s.mu.Lock()
				s.samples = append(s.samples, f)
				n := len(s.samples)
				s.mu.Unlock()
				observability.RecordSample()
				if n%10 == 0 {
					s.log.Debug().Int("count", n).Float64("voltage", f.Voltage).Float64("current", f.Current).Msg("telemetry progress")
				}
				s.emit(SampleReceived{Sample: f})

			case protocol.SessionComplete:
				s.mu.Lock()
				received := uint32(len(s.samples))
				s.mu.Unlock()
				if f.SampleCount != received {
					warn := ConsistencyWarning{Declared: f.SampleCount, Received: received}
					s.mu.Lock()
					s.warning = &warn
					s.mu.Unlock()
					s.log.Warn().Uint32("declared", warn.Declared).Uint32("received", warn.Received).Msg("sample count mismatch at completion")
					s.emit(warn)
				}
				return s.finishCompleted()

			case protocol.DeviceError:
				err := fmt.Errorf("%w: code=%d %s", ErrDeviceFault, f.Code, f.Message)
				return s.finishFailed(err)

			case protocol.CommandAck:
				s.log.Debug().Msg("late command ack ignored")

			default:
				s.log.Warn().Str("frame", msg.frame.Type().String()).Msg("unexpected frame while running")
			}
		}
	}
}

func (s *Session) finishCompleted() error {
	s.setState(StateCompleted)
	n := s.sampleCount()
	observability.RecordSessionEnded(StateCompleted.String())
	s.log.Info().Int("samples", n).Msg("session completed")
	s.emit(SessionEnded{Outcome: StateCompleted, SampleCount: n})
	return nil
}

func (s *Session) finishAborted() error {
	s.mu.Lock()
	opened := s.opened
	s.mu.Unlock()
	if opened {
		// Best effort; the device may not acknowledge a reset promptly and we
		// do not wait for one.
		_ = s.tr.Write(protocol.EncodeStop())
	}
	s.setState(StateAborted)
	n := s.sampleCount()
	observability.RecordSessionEnded(StateAborted.String())
	s.log.Info().Int("samples", n).Msg("session aborted")
	s.emit(SessionEnded{Outcome: StateAborted, Err: ErrAborted, SampleCount: n})
	return ErrAborted
}

func (s *Session) finishFailed(err error) error {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.setState(StateFailed)
	n := s.sampleCount()
	observability.RecordSessionEnded(StateFailed.String())
	s.log.Error().Err(err).Int("samples", n).Msg("session failed")
	s.emit(SessionEnded{Outcome: StateFailed, Err: err, SampleCount: n})
	return err
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
	s.log.Debug().Str("state", next.String()).Msg("state changed")
	s.emit(StateChanged{State: next})
}

func (s *Session) recordFault(f protocol.Fault) {
	s.mu.Lock()
	s.faults++
	s.mu.Unlock()
	observability.RecordDecodeFault()
	s.log.Warn().Err(f.Err).Int64("offset", f.Offset).Msg("decode fault, resynchronized")
}

func (s *Session) sampleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

func (s *Session) emit(ev Event) {
	s.events <- ev
}

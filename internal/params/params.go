// Package params models validated, immutable CV/DPV parameter sets and their
// wire payload layout.
package params

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// Method selects the measurement technique.
type Method uint8

const (
	MethodCV Method = iota + 1
	MethodDPV
)

func (m Method) String() string {
	switch m {
	case MethodCV:
		return "CV"
	case MethodDPV:
		return "DPV"
	default:
		return "unknown"
	}
}

// Payload method tags. The tag byte makes captured payloads self-describing.
const (
	tagCV  byte = 'C'
	tagDPV byte = 'D'
)

const (
	cvPayloadLen  = 1 + 3*8 + 2*4
	dpvPayloadLen = 1 + 6*8 + 2*4
)

var (
	ErrInvalidParams  = errors.New("params: invalid parameter set")
	ErrInvalidPayload = errors.New("params: invalid payload")
)

// currentRanges lists the instrument's supported range steps in microamps.
var currentRanges = []uint32{1, 10, 20, 50, 100, 200, 500, 1000}

// Set is one validated parameter set. Pulse fields apply to DPV only and
// ScanRate to CV only; unused fields are zero. A Set is immutable once a
// session has started with it.
type Set struct {
	Method       Method
	StartVoltage float64 // V
	EndVoltage   float64 // V

	ScanRate float64 // V/s, CV

	PulseHeight  float64       // V, DPV
	PulseWidth   time.Duration // DPV
	PulsePeriod  time.Duration // DPV
	SampleWindow time.Duration // DPV

	Cycles       uint32
	CurrentRange uint32 // µA
}

// CV builds and validates a cyclic voltammetry parameter set.
func CV(startV, endV, scanRate float64, cycles, currentRange uint32) (Set, error) {
	s := Set{
		Method:       MethodCV,
		StartVoltage: startV,
		EndVoltage:   endV,
		ScanRate:     scanRate,
		Cycles:       cycles,
		CurrentRange: currentRange,
	}
	if err := s.Validate(); err != nil {
		return Set{}, err
	}
	return s, nil
}

// DPV builds and validates a differential pulse voltammetry parameter set.
func DPV(startV, endV, pulseHeight float64, pulseWidth, pulsePeriod, sampleWindow time.Duration, cycles, currentRange uint32) (Set, error) {
	s := Set{
		Method:       MethodDPV,
		StartVoltage: startV,
		EndVoltage:   endV,
		PulseHeight:  pulseHeight,
		PulseWidth:   pulseWidth,
		PulsePeriod:  pulsePeriod,
		SampleWindow: sampleWindow,
		Cycles:       cycles,
		CurrentRange: currentRange,
	}
	if err := s.Validate(); err != nil {
		return Set{}, err
	}
	return s, nil
}

// Validate enforces the parameter invariants before any I/O happens.
func (s Set) Validate() error {
	switch s.Method {
	case MethodCV, MethodDPV:
	default:
		return fmt.Errorf("%w: unknown method %d", ErrInvalidParams, s.Method)
	}
	if !finite(s.StartVoltage) || !finite(s.EndVoltage) {
		return fmt.Errorf("%w: voltages must be finite", ErrInvalidParams)
	}
	if s.StartVoltage == s.EndVoltage {
		return fmt.Errorf("%w: start voltage equals end voltage", ErrInvalidParams)
	}
	if s.Cycles < 1 {
		return fmt.Errorf("%w: cycle count must be >= 1", ErrInvalidParams)
	}
	if !validCurrentRange(s.CurrentRange) {
		return fmt.Errorf("%w: unsupported current range %dµA", ErrInvalidParams, s.CurrentRange)
	}
	switch s.Method {
	case MethodCV:
		if !(s.ScanRate > 0) || !finite(s.ScanRate) {
			return fmt.Errorf("%w: scan rate must be positive", ErrInvalidParams)
		}
	case MethodDPV:
		if !(s.PulseHeight > 0) || !finite(s.PulseHeight) {
			return fmt.Errorf("%w: pulse height must be positive", ErrInvalidParams)
		}
		if s.PulseWidth <= 0 {
			return fmt.Errorf("%w: pulse width must be positive", ErrInvalidParams)
		}
		if s.PulsePeriod <= 0 {
			return fmt.Errorf("%w: pulse period must be positive", ErrInvalidParams)
		}
		if s.PulsePeriod < s.PulseWidth {
			return fmt.Errorf("%w: pulse period shorter than pulse width", ErrInvalidParams)
		}
		if s.SampleWindow <= 0 {
			return fmt.Errorf("%w: sample window must be positive", ErrInvalidParams)
		}
	}
	return nil
}

// EncodePayload renders the set into the start-session payload layout.
func (s Set) EncodePayload() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	switch s.Method {
	case MethodCV:
		buf := make([]byte, 0, cvPayloadLen)
		buf = append(buf, tagCV)
		buf = appendFloat(buf, s.StartVoltage)
		buf = appendFloat(buf, s.EndVoltage)
		buf = appendFloat(buf, s.ScanRate)
		buf = binary.BigEndian.AppendUint32(buf, s.Cycles)
		buf = binary.BigEndian.AppendUint32(buf, s.CurrentRange)
		return buf, nil
	default:
		buf := make([]byte, 0, dpvPayloadLen)
		buf = append(buf, tagDPV)
		buf = appendFloat(buf, s.StartVoltage)
		buf = appendFloat(buf, s.EndVoltage)
		buf = appendFloat(buf, s.PulseHeight)
		buf = appendFloat(buf, millis(s.PulseWidth))
		buf = appendFloat(buf, millis(s.PulsePeriod))
		buf = appendFloat(buf, millis(s.SampleWindow))
		buf = binary.BigEndian.AppendUint32(buf, s.Cycles)
		buf = binary.BigEndian.AppendUint32(buf, s.CurrentRange)
		return buf, nil
	}
}

// DecodePayload parses a start-session payload back into a validated set.
func DecodePayload(b []byte) (Set, error) {
	if len(b) == 0 {
		return Set{}, fmt.Errorf("%w: empty", ErrInvalidPayload)
	}
	var s Set
	switch b[0] {
	case tagCV:
		if len(b) != cvPayloadLen {
			return Set{}, fmt.Errorf("%w: CV payload is %d bytes, want %d", ErrInvalidPayload, len(b), cvPayloadLen)
		}
		s.Method = MethodCV
		s.StartVoltage = readFloat(b[1:])
		s.EndVoltage = readFloat(b[9:])
		s.ScanRate = readFloat(b[17:])
		s.Cycles = binary.BigEndian.Uint32(b[25:])
		s.CurrentRange = binary.BigEndian.Uint32(b[29:])
	case tagDPV:
		if len(b) != dpvPayloadLen {
			return Set{}, fmt.Errorf("%w: DPV payload is %d bytes, want %d", ErrInvalidPayload, len(b), dpvPayloadLen)
		}
		s.Method = MethodDPV
		s.StartVoltage = readFloat(b[1:])
		s.EndVoltage = readFloat(b[9:])
		s.PulseHeight = readFloat(b[17:])
		s.PulseWidth = fromMillis(readFloat(b[25:]))
		s.PulsePeriod = fromMillis(readFloat(b[33:]))
		s.SampleWindow = fromMillis(readFloat(b[41:]))
		s.Cycles = binary.BigEndian.Uint32(b[49:])
		s.CurrentRange = binary.BigEndian.Uint32(b[53:])
	default:
		return Set{}, fmt.Errorf("%w: unknown method tag 0x%02x", ErrInvalidPayload, b[0])
	}
	if err := s.Validate(); err != nil {
		return Set{}, err
	}
	return s, nil
}

// VoltageSpan returns the swept magnitude in volts.
func (s Set) VoltageSpan() float64 {
	return math.Abs(s.EndVoltage - s.StartVoltage)
}

func validCurrentRange(r uint32) bool {
	for _, v := range currentRanges {
		if v == r {
			return true
		}
	}
	return false
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func appendFloat(buf []byte, f float64) []byte {
	return binary.BigEndian.AppendUint64(buf, math.Float64bits(f))
}

func readFloat(b []byte) float64 {
	return math.Float64frombits(binary.BigEndian.Uint64(b))
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func fromMillis(ms float64) time.Duration {
	// Round, don't truncate: durations must survive an encode/decode cycle
	// exactly, including sub-microsecond values.
	return time.Duration(math.Round(ms * float64(time.Millisecond)))
}

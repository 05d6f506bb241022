package protocol

import "github.com/voltlab/echemctl/internal/params"

const (
	Marker0 byte = 0xA5
	Marker1 byte = 0x5A

	MarkerLen  = 2
	headerLen  = MarkerLen + 1 + 2 // marker + type + length
	trailerLen = 2                 // checksum

	// MaxPayloadLen bounds a single frame payload. A length field above this
	// is a framing fault, never something to wait for.
	MaxPayloadLen = 1024
)

// FrameType is the wire type byte. Host commands use the low range, device
// frames set the high bit.
type FrameType byte

const (
	TypeStartSession FrameType = 0x01
	TypeStopSession  FrameType = 0x02

	TypeCommandAck      FrameType = 0x81
	TypeSample          FrameType = 0x82
	TypeSessionComplete FrameType = 0x83
	TypeDeviceError     FrameType = 0x8F
)

func (t FrameType) String() string {
	switch t {
	case TypeStartSession:
		return "start_session"
	case TypeStopSession:
		return "stop_session"
	case TypeCommandAck:
		return "command_ack"
	case TypeSample:
		return "sample"
	case TypeSessionComplete:
		return "session_complete"
	case TypeDeviceError:
		return "device_error"
	default:
		return "unknown"
	}
}

// Frame is one decoded wire message. It is a closed set: the four device
// frames plus the two host commands, so simulated devices and log analysis
// can decode both directions of captured traffic.
type Frame interface {
	Type() FrameType
}

// StartSession is the host command that configures and starts a test run.
type StartSession struct {
	Params params.Set
}

// StopSession is the host command that aborts the active test run.
type StopSession struct{}

// CommandAck reports whether the device accepted the last host command.
type CommandAck struct {
	OK   bool
	Code uint8
}

// Sample is one telemetry point of the active run.
type Sample struct {
	Voltage float64
	Current float64
	Cycle   uint32
}

// SessionComplete ends the telemetry stream with the device-side point count.
type SessionComplete struct {
	SampleCount uint32
}

// DeviceError is an explicit device-side fault report.
type DeviceError struct {
	Code    uint8
	Message []byte
}

func (StartSession) Type() FrameType    { return TypeStartSession }
func (StopSession) Type() FrameType     { return TypeStopSession }
func (CommandAck) Type() FrameType      { return TypeCommandAck }
func (Sample) Type() FrameType          { return TypeSample }
func (SessionComplete) Type() FrameType { return TypeSessionComplete }
func (DeviceError) Type() FrameType     { return TypeDeviceError }

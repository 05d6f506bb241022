package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/voltlab/echemctl/internal/params"
)

// Fault is one recoverable decode failure. The malformed frame is dropped and
// the scan resumes; serial links may corrupt or drop bytes, so faults never
// terminate decoding.
type Fault struct {
	Err    error
	Offset int64 // absolute stream offset of the rejected marker
}

var marker = []byte{Marker0, Marker1}

// Decoder reassembles a raw byte stream into frames. Feed may be called with
// arbitrary chunk boundaries; partial trailing bytes stay buffered. The frame
// sequence is invariant under re-chunking of the same stream.
type Decoder struct {
	buf []byte
	off int64 // stream offset of buf[0]
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends newly arrived bytes and returns every complete, checksum-valid
// frame found, plus any recoverable faults encountered while resynchronizing.
func (d *Decoder) Feed(p []byte) ([]Frame, []Fault) {
	d.buf = append(d.buf, p...)

	var frames []Frame
	var faults []Fault
	for {
		i := bytes.Index(d.buf, marker)
		if i < 0 {
			// Keep a trailing first marker byte, the second may be in flight.
			keep := 0
			if n := len(d.buf); n > 0 && d.buf[n-1] == Marker0 {
				keep = 1
			}
			d.discard(len(d.buf) - keep)
			return frames, faults
		}
		d.discard(i)

		if len(d.buf) < headerLen {
			return frames, faults
		}
		payloadLen := int(binary.BigEndian.Uint16(d.buf[MarkerLen+1 : headerLen]))
		if payloadLen > MaxPayloadLen {
			faults = append(faults, Fault{Err: ErrPayloadTooLarge, Offset: d.off})
			d.discard(1)
			continue
		}
		total := headerLen + payloadLen + trailerLen
		if len(d.buf) < total {
			return frames, faults
		}

		body := d.buf[MarkerLen : headerLen+payloadLen]
		declared := binary.BigEndian.Uint16(d.buf[total-trailerLen : total])
		if Checksum(body) != declared {
			faults = append(faults, Fault{Err: ErrBadChecksum, Offset: d.off})
			d.discard(1)
			continue
		}

		frame, err := parseFrame(FrameType(d.buf[MarkerLen]), d.buf[headerLen:headerLen+payloadLen])
		if err != nil {
			// Well-delimited but semantically broken; skip the whole frame.
			faults = append(faults, Fault{Err: err, Offset: d.off})
			d.discard(total)
			continue
		}
		frames = append(frames, frame)
		d.discard(total)
	}
}

// Buffered reports how many undecoded bytes remain in the reassembly buffer.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

func (d *Decoder) discard(n int) {
	if n <= 0 {
		return
	}
	d.buf = d.buf[n:]
	d.off += int64(n)
}

func parseFrame(t FrameType, payload []byte) (Frame, error) {
	switch t {
	case TypeStartSession:
		set, err := params.DecodePayload(payload)
		if err != nil {
			return nil, err
		}
		return StartSession{Params: set}, nil
	case TypeStopSession:
		if len(payload) != 0 {
			return nil, fmt.Errorf("%w: stop_session carries %d bytes", ErrInvalidPayload, len(payload))
		}
		return StopSession{}, nil
	case TypeCommandAck:
		if len(payload) != 2 {
			return nil, fmt.Errorf("%w: command_ack is %d bytes, want 2", ErrInvalidPayload, len(payload))
		}
		return CommandAck{OK: payload[0] != 0, Code: payload[1]}, nil
	case TypeSample:
		if len(payload) != 20 {
			return nil, fmt.Errorf("%w: sample is %d bytes, want 20", ErrInvalidPayload, len(payload))
		}
		return Sample{
			Voltage: math.Float64frombits(binary.BigEndian.Uint64(payload[0:8])),
			Current: math.Float64frombits(binary.BigEndian.Uint64(payload[8:16])),
			Cycle:   binary.BigEndian.Uint32(payload[16:20]),
		}, nil
	case TypeSessionComplete:
		if len(payload) != 4 {
			return nil, fmt.Errorf("%w: session_complete is %d bytes, want 4", ErrInvalidPayload, len(payload))
		}
		return SessionComplete{SampleCount: binary.BigEndian.Uint32(payload)}, nil
	case TypeDeviceError:
		if len(payload) < 1 {
			return nil, fmt.Errorf("%w: device_error is empty", ErrInvalidPayload)
		}
		msg := make([]byte, len(payload)-1)
		copy(msg, payload[1:])
		return DeviceError{Code: payload[0], Message: msg}, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, byte(t))
	}
}

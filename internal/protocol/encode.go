package protocol

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/sigurn/crc16"

	"github.com/voltlab/echemctl/internal/params"
)

var crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// Checksum computes the frame checksum over type+length+payload bytes.
func Checksum(b []byte) uint16 {
	return crc16.Checksum(b, crcTable)
}

// Encode renders any frame into its self-delimited wire form. Pure function,
// no I/O; the simulation engine uses it for device frames so simulated bytes
// are indistinguishable in shape from genuine traffic.
func Encode(f Frame) ([]byte, error) {
	switch fr := f.(type) {
	case StartSession:
		payload, err := fr.Params.EncodePayload()
		if err != nil {
			return nil, err
		}
		return encodeFrame(TypeStartSession, payload), nil
	case StopSession:
		return encodeFrame(TypeStopSession, nil), nil
	case CommandAck:
		ok := byte(0)
		if fr.OK {
			ok = 1
		}
		return encodeFrame(TypeCommandAck, []byte{ok, fr.Code}), nil
	case Sample:
		payload := make([]byte, 0, 20)
		payload = binary.BigEndian.AppendUint64(payload, math.Float64bits(fr.Voltage))
		payload = binary.BigEndian.AppendUint64(payload, math.Float64bits(fr.Current))
		payload = binary.BigEndian.AppendUint32(payload, fr.Cycle)
		return encodeFrame(TypeSample, payload), nil
	case SessionComplete:
		payload := binary.BigEndian.AppendUint32(nil, fr.SampleCount)
		return encodeFrame(TypeSessionComplete, payload), nil
	case DeviceError:
		if len(fr.Message) > MaxPayloadLen-1 {
			return nil, ErrPayloadTooLarge
		}
		payload := append([]byte{fr.Code}, fr.Message...)
		return encodeFrame(TypeDeviceError, payload), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, f)
	}
}

// EncodeStart is the host-side helper for the session start command.
func EncodeStart(set params.Set) ([]byte, error) {
	return Encode(StartSession{Params: set})
}

// EncodeStop is the host-side helper for the session stop command.
func EncodeStop() []byte {
	return encodeFrame(TypeStopSession, nil)
}

func encodeFrame(t FrameType, payload []byte) []byte {
	buf := make([]byte, 0, headerLen+len(payload)+trailerLen)
	buf = append(buf, Marker0, Marker1)
	buf = append(buf, byte(t))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(payload)))
	buf = append(buf, payload...)
	sum := Checksum(buf[MarkerLen:])
	buf = binary.BigEndian.AppendUint16(buf, sum)
	return buf
}

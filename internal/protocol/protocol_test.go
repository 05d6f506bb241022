package protocol

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/voltlab/echemctl/internal/params"
	"github.com/voltlab/echemctl/internal/testutil/testlog"
)

func cvSet(t *testing.T) params.Set {
	t.Helper()
	set, err := params.CV(-1.0, 1.0, 0.2, 3, 100)
	if err != nil {
		t.Fatalf("cv params: %v", err)
	}
	return set
}

func dpvSet(t *testing.T) params.Set {
	t.Helper()
	set, err := params.DPV(-0.5, 0.5, 0.1, 10*time.Millisecond, 10*time.Millisecond, 20*time.Millisecond, 2, 50)
	if err != nil {
		t.Fatalf("dpv params: %v", err)
	}
	return set
}

func TestRoundTripAllFrameKinds(t *testing.T) {
	testlog.Start(t)
	frames := []Frame{
		StartSession{Params: cvSet(t)},
		StartSession{Params: dpvSet(t)},
		StopSession{},
		CommandAck{OK: true, Code: 0},
		CommandAck{OK: false, Code: 7},
		Sample{Voltage: -0.9981, Current: 2.4417, Cycle: 2},
		SessionComplete{SampleCount: 322},
		DeviceError{Code: 3, Message: []byte("cell overload")},
	}
	for _, want := range frames {
		raw, err := Encode(want)
		if err != nil {
			t.Fatalf("encode %s: %v", want.Type(), err)
		}
		dec := NewDecoder()
		got, faults := dec.Feed(raw)
		if len(faults) != 0 {
			t.Fatalf("%s: unexpected faults: %v", want.Type(), faults)
		}
		if len(got) != 1 {
			t.Fatalf("%s: decoded %d frames, want 1", want.Type(), len(got))
		}
		if !reflect.DeepEqual(got[0], want) {
			t.Fatalf("%s: round-trip mismatch: got %+v want %+v", want.Type(), got[0], want)
		}
		if dec.Buffered() != 0 {
			t.Fatalf("%s: %d bytes left buffered", want.Type(), dec.Buffered())
		}
	}
}

func TestEncodeDeterministic(t *testing.T) {
	testlog.Start(t)
	a, err := Encode(Sample{Voltage: 0.25, Current: 1.5, Cycle: 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, err := Encode(Sample{Voltage: 0.25, Current: 1.5, Cycle: 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("encoding is not deterministic")
	}
}

func testStream(t *testing.T) ([]byte, []Frame) {
	t.Helper()
	frames := []Frame{
		CommandAck{OK: true},
		Sample{Voltage: -1.0, Current: 2.1, Cycle: 1},
		Sample{Voltage: -0.5, Current: 2.3, Cycle: 1},
		Sample{Voltage: 0.0, Current: 2.0, Cycle: 2},
		SessionComplete{SampleCount: 3},
	}
	var stream []byte
	for _, f := range frames {
		raw, err := Encode(f)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		stream = append(stream, raw...)
	}
	return stream, frames
}

func TestChunkingInvariance(t *testing.T) {
	testlog.Start(t)
	stream, want := testStream(t)

	whole := NewDecoder()
	wholeFrames, faults := whole.Feed(stream)
	if len(faults) != 0 {
		t.Fatalf("whole feed faults: %v", faults)
	}
	if !reflect.DeepEqual(wholeFrames, want) {
		t.Fatalf("whole feed mismatch")
	}

	for _, chunkSize := range []int{1, 2, 3, 7, 16, 64} {
		dec := NewDecoder()
		var got []Frame
		for off := 0; off < len(stream); off += chunkSize {
			end := off + chunkSize
			if end > len(stream) {
				end = len(stream)
			}
			frames, faults := dec.Feed(stream[off:end])
			if len(faults) != 0 {
				t.Fatalf("chunk=%d: faults: %v", chunkSize, faults)
			}
			got = append(got, frames...)
		}
		if !reflect.DeepEqual(got, wholeFrames) {
			t.Fatalf("chunk=%d: frame sequence differs from whole-stream decode", chunkSize)
		}
	}
}

func TestCorruptedFrameResynchronizes(t *testing.T) {
	testlog.Start(t)
	first, err := Encode(Sample{Voltage: -1.0, Current: 2.1, Cycle: 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	second, err := Encode(Sample{Voltage: -0.5, Current: 2.3, Cycle: 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	third, err := Encode(SessionComplete{SampleCount: 2})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	// Flip one payload byte inside the second frame.
	corrupted := make([]byte, len(second))
	copy(corrupted, second)
	corrupted[10] ^= 0xFF

	stream := append(append(append([]byte{}, first...), corrupted...), third...)
	dec := NewDecoder()
	frames, faults := dec.Feed(stream)

	if len(faults) != 1 {
		t.Fatalf("got %d faults, want exactly 1", len(faults))
	}
	if !errors.Is(faults[0].Err, ErrBadChecksum) {
		t.Fatalf("fault = %v, want ErrBadChecksum", faults[0].Err)
	}
	if len(frames) != 2 {
		t.Fatalf("decoded %d frames after corruption, want 2", len(frames))
	}
	if _, ok := frames[0].(Sample); !ok {
		t.Fatalf("first surviving frame is %s, want sample", frames[0].Type())
	}
	if _, ok := frames[1].(SessionComplete); !ok {
		t.Fatalf("second surviving frame is %s, want session_complete", frames[1].Type())
	}
}

func TestLeadingGarbageIsSkipped(t *testing.T) {
	testlog.Start(t)
	raw, err := Encode(CommandAck{OK: true})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	stream := append([]byte{0x00, 0x13, 0x37, Marker0}, raw...)
	dec := NewDecoder()
	frames, faults := dec.Feed(stream)
	if len(faults) != 0 {
		t.Fatalf("faults: %v", faults)
	}
	if len(frames) != 1 {
		t.Fatalf("decoded %d frames, want 1", len(frames))
	}
}

func TestOversizedLengthIsAFault(t *testing.T) {
	testlog.Start(t)
	stream := []byte{Marker0, Marker1, byte(TypeSample), 0xFF, 0xFF}
	good, err := Encode(CommandAck{OK: true})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	stream = append(stream, good...)

	dec := NewDecoder()
	frames, faults := dec.Feed(stream)
	if len(faults) != 1 || !errors.Is(faults[0].Err, ErrPayloadTooLarge) {
		t.Fatalf("faults = %v, want one ErrPayloadTooLarge", faults)
	}
	if len(frames) != 1 {
		t.Fatalf("decoded %d frames, want 1", len(frames))
	}
}

func TestPartialFrameStaysBuffered(t *testing.T) {
	testlog.Start(t)
	raw, err := Encode(Sample{Voltage: 0.5, Current: 1.0, Cycle: 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	dec := NewDecoder()
	frames, faults := dec.Feed(raw[:len(raw)-1])
	if len(frames) != 0 || len(faults) != 0 {
		t.Fatalf("partial frame decoded early: frames=%d faults=%d", len(frames), len(faults))
	}
	if dec.Buffered() == 0 {
		t.Fatalf("partial bytes were discarded")
	}
	frames, faults = dec.Feed(raw[len(raw)-1:])
	if len(faults) != 0 {
		t.Fatalf("faults: %v", faults)
	}
	if len(frames) != 1 {
		t.Fatalf("decoded %d frames after completion, want 1", len(frames))
	}
}

func TestBadPayloadLengthForType(t *testing.T) {
	testlog.Start(t)
	// Well-framed ack with a 3-byte payload: valid checksum, invalid shape.
	bad := encodeFrame(TypeCommandAck, []byte{1, 0, 9})
	dec := NewDecoder()
	frames, faults := dec.Feed(bad)
	if len(frames) != 0 {
		t.Fatalf("decoded %d frames from invalid payload", len(frames))
	}
	if len(faults) != 1 || !errors.Is(faults[0].Err, ErrInvalidPayload) {
		t.Fatalf("faults = %v, want one ErrInvalidPayload", faults)
	}
	if dec.Buffered() != 0 {
		t.Fatalf("invalid frame not fully consumed")
	}
}

package params

import (
	"errors"
	"testing"
	"time"

	"github.com/voltlab/echemctl/internal/testutil/testlog"
)

func TestCVValidation(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name    string
		start   float64
		end     float64
		rate    float64
		cycles  uint32
		rng     uint32
		wantErr bool
	}{
		{"valid", -1.0, 1.0, 0.2, 1, 100, false},
		{"valid reverse sweep", 1.0, -1.0, 0.5, 3, 50, false},
		{"equal voltages", 0.5, 0.5, 0.2, 1, 100, true},
		{"zero scan rate", -1.0, 1.0, 0, 1, 100, true},
		{"negative scan rate", -1.0, 1.0, -0.1, 1, 100, true},
		{"zero cycles", -1.0, 1.0, 0.2, 0, 100, true},
		{"unsupported range", -1.0, 1.0, 0.2, 1, 42, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := CV(tc.start, tc.end, tc.rate, tc.cycles, tc.rng)
			if tc.wantErr && !errors.Is(err, ErrInvalidParams) {
				t.Fatalf("err = %v, want ErrInvalidParams", err)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestDPVValidation(t *testing.T) {
	testlog.Start(t)
	ms := time.Millisecond
	if _, err := DPV(-1.0, 1.0, 0.1, 10*ms, 10*ms, 20*ms, 2, 50); err != nil {
		t.Fatalf("valid set rejected: %v", err)
	}
	if _, err := DPV(-1.0, 1.0, 0, 10*ms, 10*ms, 20*ms, 2, 50); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("zero pulse height accepted: %v", err)
	}
	if _, err := DPV(-1.0, 1.0, 0.1, 0, 10*ms, 20*ms, 2, 50); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("zero pulse width accepted: %v", err)
	}
	if _, err := DPV(-1.0, 1.0, 0.1, 20*ms, 10*ms, 20*ms, 2, 50); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("period shorter than width accepted: %v", err)
	}
	if _, err := DPV(-1.0, 1.0, 0.1, 10*ms, 10*ms, 0, 2, 50); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("zero sample window accepted: %v", err)
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	testlog.Start(t)
	cv, err := CV(-1.0, 1.0, 0.2, 3, 100)
	if err != nil {
		t.Fatalf("cv: %v", err)
	}
	dpv, err := DPV(-0.4, 0.6, 0.1, 10*time.Millisecond, 15*time.Millisecond, 20*time.Millisecond, 2, 50)
	if err != nil {
		t.Fatalf("dpv: %v", err)
	}
	for _, want := range []Set{cv, dpv} {
		payload, err := want.EncodePayload()
		if err != nil {
			t.Fatalf("%s encode: %v", want.Method, err)
		}
		got, err := DecodePayload(payload)
		if err != nil {
			t.Fatalf("%s decode: %v", want.Method, err)
		}
		if got != want {
			t.Fatalf("%s round-trip mismatch: got %+v want %+v", want.Method, got, want)
		}
	}
}

func TestPayloadRoundTripFractionalDurations(t *testing.T) {
	testlog.Start(t)
	// Durations that are not whole microseconds exercise the float
	// millisecond conversion in both directions.
	for _, d := range []time.Duration{
		1009 * time.Nanosecond,
		1982 * time.Nanosecond,
		1234567 * time.Nanosecond,
		time.Millisecond + time.Nanosecond,
	} {
		want, err := DPV(-0.4, 0.6, 0.1, d, 3*d, 7*d, 2, 50)
		if err != nil {
			t.Fatalf("dpv(%v): %v", d, err)
		}
		payload, err := want.EncodePayload()
		if err != nil {
			t.Fatalf("encode(%v): %v", d, err)
		}
		got, err := DecodePayload(payload)
		if err != nil {
			t.Fatalf("decode(%v): %v", d, err)
		}
		if got != want {
			t.Fatalf("round-trip mismatch for %v: got %+v want %+v", d, got, want)
		}
	}
}

func TestPayloadIsSelfDescribing(t *testing.T) {
	testlog.Start(t)
	cv, err := CV(-1.0, 1.0, 0.2, 1, 100)
	if err != nil {
		t.Fatalf("cv: %v", err)
	}
	payload, err := cv.EncodePayload()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if payload[0] != 'C' {
		t.Fatalf("method tag = %q, want 'C'", payload[0])
	}
	got, err := DecodePayload(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Method != MethodCV {
		t.Fatalf("decoded method = %s", got.Method)
	}
}

func TestDecodePayloadRejectsGarbage(t *testing.T) {
	testlog.Start(t)
	if _, err := DecodePayload(nil); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("empty payload: %v", err)
	}
	if _, err := DecodePayload([]byte{'X', 1, 2, 3}); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("unknown tag: %v", err)
	}
	if _, err := DecodePayload([]byte{'C', 1, 2, 3}); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("short CV payload: %v", err)
	}
}

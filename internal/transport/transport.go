// Package transport abstracts the byte-oriented duplex channel a session runs
// over: a real serial port, the simulation engine, or a captured-log replay.
package transport

import (
	"errors"
	"time"
)

var (
	ErrOpenFailed  = errors.New("transport: open failed")
	ErrAlreadyOpen = errors.New("transport: already open")
	ErrClosed      = errors.New("transport: closed")
	ErrNotOpen     = errors.New("transport: not open")
)

// Transport is one duplex byte channel. ReadAvailable is bounded-blocking: it
// returns whatever bytes have arrived within the adapter's poll window, and
// (0, nil) when nothing has, which is not an error. Implementations must make
// Close unblock a pending ReadAvailable with ErrClosed so a reader goroutine
// can terminate.
type Transport interface {
	Open() error
	Write(p []byte) error
	ReadAvailable(p []byte) (int, error)
	Close() error
}

// LineConfig carries the serial line settings for the real adapter. It is an
// explicit value handed to the constructor, never package state.
type LineConfig struct {
	Port        string
	Baud        int
	DataBits    byte
	Parity      Parity
	StopBits    byte
	ReadTimeout time.Duration // poll window for ReadAvailable
}

type Parity byte

const (
	ParityNone Parity = 'N'
	ParityOdd  Parity = 'O'
	ParityEven Parity = 'E'
)

// DefaultLineConfig returns the instrument's line defaults: 115200 8N1 with a
// short read poll window.
func DefaultLineConfig(port string) LineConfig {
	return LineConfig{
		Port:        port,
		Baud:        115200,
		DataBits:    8,
		Parity:      ParityNone,
		StopBits:    1,
		ReadTimeout: 50 * time.Millisecond,
	}
}

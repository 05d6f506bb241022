package transport

import (
	"fmt"
	"io"
	"sync"

	"github.com/tarm/serial"
)

// SerialPort adapts a real serial port to the Transport contract. Reads use
// the line's bounded ReadTimeout so a dedicated reader goroutine polls without
// ever blocking a writer behind a pending read.
type SerialPort struct {
	cfg LineConfig

	mu     sync.Mutex
	port   *serial.Port
	closed bool
}

func NewSerialPort(cfg LineConfig) *SerialPort {
	return &SerialPort{cfg: cfg}
}

func (s *SerialPort) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		return ErrAlreadyOpen
	}
	port, err := serial.OpenPort(&serial.Config{
		Name:        s.cfg.Port,
		Baud:        s.cfg.Baud,
		Size:        s.cfg.DataBits,
		Parity:      serial.Parity(s.cfg.Parity),
		StopBits:    serial.StopBits(s.cfg.StopBits),
		ReadTimeout: s.cfg.ReadTimeout,
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrOpenFailed, s.cfg.Port, err)
	}
	s.port = port
	s.closed = false
	return nil
}

func (s *SerialPort) Write(p []byte) error {
	s.mu.Lock()
	port, closed := s.port, s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if port == nil {
		return ErrNotOpen
	}
	if _, err := port.Write(p); err != nil {
		return fmt.Errorf("transport: serial write: %w", err)
	}
	return nil
}

func (s *SerialPort) ReadAvailable(p []byte) (int, error) {
	s.mu.Lock()
	port, closed := s.port, s.closed
	s.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	if port == nil {
		return 0, ErrNotOpen
	}
	n, err := port.Read(p)
	if err != nil {
		// The tarm driver reports an elapsed read timeout as EOF; that is an
		// empty poll here, not end of stream.
		if err == io.EOF && n == 0 {
			s.mu.Lock()
			closed = s.closed
			s.mu.Unlock()
			if closed {
				return 0, ErrClosed
			}
			return 0, nil
		}
		return n, fmt.Errorf("transport: serial read: %w", err)
	}
	return n, nil
}

func (s *SerialPort) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.port == nil {
		s.closed = true
		return nil
	}
	s.closed = true
	if err := s.port.Close(); err != nil {
		return fmt.Errorf("transport: serial close: %w", err)
	}
	return nil
}

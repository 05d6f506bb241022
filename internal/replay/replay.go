// Package replay reconstructs sessions from previously captured serial
// traffic. It parses hex-text and raw binary captures into byte chunks that
// preserve the original read boundaries, and serves the device-side direction
// through the transport contract so the decoder and session logic run
// unmodified over dead logs.
package replay

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/voltlab/echemctl/internal/transport"
)

// Direction tags which side of the line produced a chunk.
type Direction int

const (
	HostToDevice Direction = iota
	DeviceToHost
)

func (d Direction) String() string {
	if d == HostToDevice {
		return "host->device"
	}
	return "device->host"
}

// Capture direction markers used by the serial sniffer's per-byte format.
const (
	markHostToDevice = "VIRT->REAL"
	markDeviceToHost = "REAL->VIRT"
)

const binaryChunkSize = 256

// Chunk is one captured read with its direction.
type Chunk struct {
	Dir  Direction
	Data []byte
}

// ParseLog sniffs the capture format and parses it. Text captures may mix
// per-byte direction-tagged lines ("<ts> VIRT->REAL 0xA5") with plain hex
// dump lines, which are taken as device-to-host reads. Anything that is not
// text is treated as a raw device-to-host byte stream.
func ParseLog(r io.Reader) ([]Chunk, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("replay: read capture: %w", err)
	}
	if isText(raw) {
		return parseText(raw)
	}
	return parseBinary(raw), nil
}

func parseText(raw []byte) ([]Chunk, error) {
	var chunks []Chunk
	appendByte := func(dir Direction, b byte) {
		if n := len(chunks); n > 0 && chunks[n-1].Dir == dir {
			chunks[n-1].Data = append(chunks[n-1].Data, b)
			return
		}
		chunks = append(chunks, Chunk{Dir: dir, Data: []byte{b}})
	}

	sc := bufio.NewScanner(strings.NewReader(string(raw)))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) >= 3 && (fields[1] == markHostToDevice || fields[1] == markDeviceToHost) {
			dir := DeviceToHost
			if fields[1] == markHostToDevice {
				dir = HostToDevice
			}
			b, err := parseHexByte(fields[2])
			if err != nil {
				return nil, fmt.Errorf("replay: line %d: %w", lineNo, err)
			}
			appendByte(dir, b)
			continue
		}

		data, err := parseHexDump(line)
		if err != nil {
			return nil, fmt.Errorf("replay: line %d: %w", lineNo, err)
		}
		chunks = append(chunks, Chunk{Dir: DeviceToHost, Data: data})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("replay: scan capture: %w", err)
	}
	return chunks, nil
}

func parseBinary(raw []byte) []Chunk {
	var chunks []Chunk
	for off := 0; off < len(raw); off += binaryChunkSize {
		end := off + binaryChunkSize
		if end > len(raw) {
			end = len(raw)
		}
		data := make([]byte, end-off)
		copy(data, raw[off:end])
		chunks = append(chunks, Chunk{Dir: DeviceToHost, Data: data})
	}
	return chunks
}

func parseHexByte(s string) (byte, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	if len(s) == 1 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 1 {
		return 0, fmt.Errorf("bad hex byte %q", s)
	}
	return b[0], nil
}

func parseHexDump(line string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', ',':
			return -1
		default:
			return r
		}
	}, strings.ReplaceAll(strings.ToLower(line), "0x", ""))
	data, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("bad hex dump %q", line)
	}
	return data, nil
}

func isText(raw []byte) bool {
	for _, b := range raw {
		if b >= 0x20 && b < 0x7F {
			continue
		}
		switch b {
		case '\t', '\n', '\r':
			continue
		}
		return false
	}
	return true
}

// Reader exposes a capture's device-to-host direction through the transport
// contract. Each captured chunk is served as one read, mimicking the original
// boundaries. Writes are recorded no-ops so a session can replay its command
// phase against the log. The log's end reads as io.EOF.
type Reader struct {
	mu     sync.Mutex
	chunks []Chunk
	idx    int
	off    int
	opened bool
	closed bool
	sent   [][]byte
}

func NewReader(chunks []Chunk) *Reader {
	device := make([]Chunk, 0, len(chunks))
	for _, c := range chunks {
		if c.Dir == DeviceToHost {
			device = append(device, c)
		}
	}
	return &Reader{chunks: device}
}

func (r *Reader) Open() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return transport.ErrClosed
	}
	if r.opened {
		return transport.ErrAlreadyOpen
	}
	r.opened = true
	return nil
}

func (r *Reader) Write(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return transport.ErrClosed
	}
	if !r.opened {
		return transport.ErrNotOpen
	}
	data := make([]byte, len(p))
	copy(data, p)
	r.sent = append(r.sent, data)
	return nil
}

// Sent returns the writes recorded during replay.
func (r *Reader) Sent() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.sent))
	copy(out, r.sent)
	return out
}

func (r *Reader) ReadAvailable(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, transport.ErrClosed
	}
	if !r.opened {
		return 0, transport.ErrNotOpen
	}
	if r.idx >= len(r.chunks) {
		return 0, io.EOF
	}
	data := r.chunks[r.idx].Data
	n := copy(p, data[r.off:])
	r.off += n
	if r.off >= len(data) {
		r.idx++
		r.off = 0
	}
	return n, nil
}

func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

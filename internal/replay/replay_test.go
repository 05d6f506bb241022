package replay

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/voltlab/echemctl/internal/logging"
	"github.com/voltlab/echemctl/internal/params"
	"github.com/voltlab/echemctl/internal/protocol"
	"github.com/voltlab/echemctl/internal/session"
	"github.com/voltlab/echemctl/internal/simulate"
	"github.com/voltlab/echemctl/internal/testutil/testlog"
	"github.com/voltlab/echemctl/internal/transport"
)

func mustEncode(t *testing.T, f protocol.Frame) []byte {
	t.Helper()
	b, err := protocol.Encode(f)
	if err != nil {
		t.Fatalf("encode %s: %v", f.Type(), err)
	}
	return b
}

func testSet(t *testing.T, cycles uint32) params.Set {
	t.Helper()
	set, err := params.CV(-1.0, 1.0, 1.0, cycles, 100)
	if err != nil {
		t.Fatalf("cv params: %v", err)
	}
	return set
}

// deviceStream builds the device-to-host bytes for a complete run.
func deviceStream(t *testing.T, set params.Set) ([]byte, int) {
	t.Helper()
	rng := rand.New(rand.NewSource(1))
	samples := simulate.Waveform(set, 500*time.Millisecond, rng)
	var buf bytes.Buffer
	buf.Write(mustEncode(t, protocol.CommandAck{OK: true}))
	for _, s := range samples {
		buf.Write(mustEncode(t, s))
	}
	buf.Write(mustEncode(t, protocol.SessionComplete{SampleCount: uint32(len(samples))}))
	return buf.Bytes(), len(samples)
}

func TestParseTextPerByteTagged(t *testing.T) {
	testlog.Start(t)
	cmd, err := protocol.EncodeStart(testSet(t, 1))
	if err != nil {
		t.Fatalf("encode start: %v", err)
	}
	ack := mustEncode(t, protocol.CommandAck{OK: true})

	var log strings.Builder
	log.WriteString("# captured 2026-08-12\n\n")
	for _, b := range cmd {
		fmt.Fprintf(&log, "00:00:01.000 VIRT->REAL 0x%02X\n", b)
	}
	for _, b := range ack {
		fmt.Fprintf(&log, "00:00:01.050 REAL->VIRT 0x%02X\n", b)
	}

	chunks, err := ParseLog(strings.NewReader(log.String()))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2 (one per direction run)", len(chunks))
	}
	if chunks[0].Dir != HostToDevice || !bytes.Equal(chunks[0].Data, cmd) {
		t.Fatalf("host chunk mismatch")
	}
	if chunks[1].Dir != DeviceToHost || !bytes.Equal(chunks[1].Data, ack) {
		t.Fatalf("device chunk mismatch")
	}
}

func TestParseTextHexDumpLines(t *testing.T) {
	testlog.Start(t)
	ack := mustEncode(t, protocol.CommandAck{OK: true})
	stop := protocol.EncodeStop()

	log := "# dump\n" +
		hex.EncodeToString(ack) + "\n" +
		"\n" +
		strings.ToUpper(hex.EncodeToString(stop)) + "\n"

	chunks, err := ParseLog(strings.NewReader(log))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2 (one per line)", len(chunks))
	}
	for _, c := range chunks {
		if c.Dir != DeviceToHost {
			t.Fatalf("hex dump lines must default to device direction")
		}
	}
	if !bytes.Equal(chunks[0].Data, ack) || !bytes.Equal(chunks[1].Data, stop) {
		t.Fatalf("dump bytes mismatch")
	}
}

func TestParseTextRejectsBadHex(t *testing.T) {
	testlog.Start(t)
	if _, err := ParseLog(strings.NewReader("00:00:01 VIRT->REAL 0xZZ\n")); err == nil {
		t.Fatalf("expected error on bad hex byte")
	}
	if _, err := ParseLog(strings.NewReader("not hex at all\n")); err == nil {
		t.Fatalf("expected error on non-hex line")
	}
}

func TestParseBinaryChunks(t *testing.T) {
	testlog.Start(t)
	raw := make([]byte, 300)
	for i := range raw {
		raw[i] = byte(i) // includes control bytes, forcing the binary path
	}
	chunks, err := ParseLog(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(chunks) != 2 || len(chunks[0].Data) != 256 || len(chunks[1].Data) != 44 {
		t.Fatalf("unexpected chunking: %d chunks", len(chunks))
	}
	if !bytes.Equal(append(append([]byte{}, chunks[0].Data...), chunks[1].Data...), raw) {
		t.Fatalf("binary chunks do not reassemble the input")
	}
}

func TestReaderPreservesCaptureBoundaries(t *testing.T) {
	testlog.Start(t)
	chunks := []Chunk{
		{Dir: HostToDevice, Data: []byte{0xAA}}, // filtered out
		{Dir: DeviceToHost, Data: []byte{1, 2, 3}},
		{Dir: DeviceToHost, Data: []byte{4, 5, 6, 7, 8}},
	}
	r := NewReader(chunks)

	if _, err := r.ReadAvailable(make([]byte, 16)); !errors.Is(err, transport.ErrNotOpen) {
		t.Fatalf("read before open: %v", err)
	}
	if err := r.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := r.Open(); !errors.Is(err, transport.ErrAlreadyOpen) {
		t.Fatalf("double open: %v", err)
	}

	buf := make([]byte, 16)
	n, err := r.ReadAvailable(buf)
	if err != nil || n != 3 {
		t.Fatalf("first read n=%d err=%v, want chunk of 3", n, err)
	}
	n, err = r.ReadAvailable(buf)
	if err != nil || n != 5 {
		t.Fatalf("second read n=%d err=%v, want chunk of 5", n, err)
	}
	if _, err := r.ReadAvailable(buf); !errors.Is(err, io.EOF) {
		t.Fatalf("exhausted read: %v, want io.EOF", err)
	}

	if err := r.Write([]byte{0xA5, 0x5A}); err != nil {
		t.Fatalf("write: %v", err)
	}
	sent := r.Sent()
	if len(sent) != 1 || !bytes.Equal(sent[0], []byte{0xA5, 0x5A}) {
		t.Fatalf("sent = %v", sent)
	}

	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := r.ReadAvailable(buf); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("read after close: %v", err)
	}
}

func TestReaderSplitsChunkAcrossSmallBuffers(t *testing.T) {
	testlog.Start(t)
	r := NewReader([]Chunk{{Dir: DeviceToHost, Data: []byte{1, 2, 3, 4, 5}}})
	if err := r.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	var got []byte
	buf := make([]byte, 2)
	for {
		n, err := r.ReadAvailable(buf)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		got = append(got, buf[:n]...)
	}
	if !bytes.Equal(got, []byte{1, 2, 3, 4, 5}) {
		t.Fatalf("got %v", got)
	}
}

func TestAnalyzeReconstructsSession(t *testing.T) {
	testlog.Start(t)
	set := testSet(t, 2)
	cmd, err := protocol.EncodeStart(set)
	if err != nil {
		t.Fatalf("encode start: %v", err)
	}
	stream, total := deviceStream(t, set)

	// Corrupt one byte inside the first sample's payload. The analyzer must
	// flag it and keep everything after it.
	corrupted := append([]byte{}, stream...)
	corrupted[9+5+2] ^= 0xFF

	chunks := []Chunk{
		{Dir: HostToDevice, Data: cmd},
		{Dir: DeviceToHost, Data: corrupted},
	}
	rep := Analyze(chunks)

	if len(rep.Commands) != 1 {
		t.Fatalf("commands = %d, want 1", len(rep.Commands))
	}
	start, ok := rep.Commands[0].(protocol.StartSession)
	if !ok {
		t.Fatalf("command = %T, want StartSession", rep.Commands[0])
	}
	if start.Params != set {
		t.Fatalf("recovered params mismatch: %+v", start.Params)
	}
	if len(rep.HostFaults) != 0 {
		t.Fatalf("host faults = %d", len(rep.HostFaults))
	}
	if len(rep.DeviceFaults) == 0 {
		t.Fatalf("corruption produced no device fault")
	}
	if len(rep.Samples) != total-1 {
		t.Fatalf("samples = %d, want %d", len(rep.Samples), total-1)
	}
	if rep.Completed == nil || rep.Completed.SampleCount != uint32(total) {
		t.Fatalf("completion = %+v", rep.Completed)
	}
	if rep.Stats.Points != total-1 || rep.Stats.Cycles != 2 {
		t.Fatalf("stats = %+v", rep.Stats)
	}
	if rep.Stats.VoltageMin < -1.0 || rep.Stats.VoltageMax > 1.0 {
		t.Fatalf("voltage stats out of range: %+v", rep.Stats)
	}
}

func TestSessionRunsOverCapturedLog(t *testing.T) {
	testlog.Start(t)
	set := testSet(t, 1)
	stream, total := deviceStream(t, set)

	var log strings.Builder
	for off := 0; off < len(stream); off += 32 {
		end := off + 32
		if end > len(stream) {
			end = len(stream)
		}
		log.WriteString(hex.EncodeToString(stream[off:end]) + "\n")
	}
	chunks, err := ParseLog(strings.NewReader(log.String()))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	r := NewReader(chunks)
	cfg := session.DefaultConfig()
	cfg.PollInterval = time.Millisecond
	sess, err := session.New(r, set, cfg, logging.Component("session"))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- sess.Run(context.Background())
	}()
	for range sess.Events() {
	}
	if err := <-done; err != nil {
		t.Fatalf("replayed run: %v", err)
	}

	snap := sess.Snapshot()
	if snap.State != session.StateCompleted {
		t.Fatalf("state = %s, want completed", snap.State)
	}
	if len(snap.Samples) != total {
		t.Fatalf("samples = %d, want %d", len(snap.Samples), total)
	}
	if len(r.Sent()) == 0 {
		t.Fatalf("session wrote no start command")
	}
}

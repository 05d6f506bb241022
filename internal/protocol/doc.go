// Package protocol owns the instrument wire contract and parsing primitives.
//
// Ownership boundary:
// - frame marker/length/checksum framing
// - command encoding (host -> device)
// - streaming decode with resynchronization (device -> host)
//
// Wire layout, per frame:
//
//	0xA5 0x5A | type (1) | payload length (uint16 BE) | payload | CRC16/MODBUS (uint16 BE)
//
// The checksum covers type, length and payload. Voltages and currents are
// IEEE-754 binary64 big-endian; counts are uint32 big-endian. Frame kinds and
// session semantics here are authoritative; the literal byte values still have
// to be validated against captured device traces before claiming wire
// compatibility with production firmware.
package protocol

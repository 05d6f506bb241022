package protocol

import "errors"

var (
	ErrBadChecksum     = errors.New("protocol: checksum mismatch")
	ErrPayloadTooLarge = errors.New("protocol: payload length exceeds limit")
	ErrUnknownType     = errors.New("protocol: unknown frame type")
	ErrInvalidPayload  = errors.New("protocol: invalid payload length for type")
)

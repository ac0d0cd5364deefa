package protocol

import (
	"errors"
	"fmt"
)

// ErrProtocolViolation is the root of every malformed-data error. A
// connection that produces one is closed; nothing else is affected.
var ErrProtocolViolation = errors.New("protocol violation")

var (
	// ErrFormatMismatch means a literal in the format did not match the
	// bytes on the wire.
	ErrFormatMismatch = fmt.Errorf("%w: format mismatch", ErrProtocolViolation)

	// ErrOversized means a declared string, list or packet length is
	// above its limit.
	ErrOversized = fmt.Errorf("%w: length exceeds limit", ErrProtocolViolation)

	// ErrTruncated means the data ended before the format was satisfied.
	ErrTruncated = errors.New("truncated message")
)

// ErrBadFormat is returned for a format string or argument list that
// cannot be encoded. It indicates a programming error, not bad input.
var ErrBadFormat = errors.New("protocol: bad format or arguments")

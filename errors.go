package leap

import (
	"errors"
	"fmt"
)

// ErrStreamClosed reports that the peer closed its end of the protocol
// stream. It is the normal way a host tells the plugin to go away, so it
// triggers an orderly stop rather than a crash.
var ErrStreamClosed = errors.New("leap: stream closed by peer")

// ErrStopped reports that the runtime has stopped. Pending requests that
// are still outstanding when the runtime stops resolve with this error.
var ErrStopped = errors.New("leap: runtime stopped")

// ErrCancelled reports that a pending request was cancelled by its caller.
var ErrCancelled = errors.New("leap: request cancelled")

// errNeedMore is the scanner's internal "frame not complete yet" state.
// It never escapes to callers: the blocking reader turns it into another
// read, never into an error.
var errNeedMore = errors.New("leap: need more bytes")

// FrameErrorType classifies wire framing failures.
type FrameErrorType int

const (
	// FrameErrorBadLengthPrefix: no ':' within the header bound, or a
	// non-numeric length. The stream offset is lost; this is fatal.
	FrameErrorBadLengthPrefix FrameErrorType = iota
	// FrameErrorOversizeFrame: declared length exceeds the configured
	// limit. Also fatal; the bytes cannot be trusted.
	FrameErrorOversizeFrame
	// FrameErrorMalformedPayload: the frame body is not valid notation.
	// The frame boundary is still known, so the reader skips the frame
	// and keeps going.
	FrameErrorMalformedPayload
)

// FrameError represents a wire framing failure.
type FrameError struct {
	Type    FrameErrorType
	Message string
	Data    []byte // offending bytes, for diagnostics
}

func (e *FrameError) Error() string {
	switch e.Type {
	case FrameErrorBadLengthPrefix:
		return fmt.Sprintf("frame error: bad length prefix: %s", e.Message)
	case FrameErrorOversizeFrame:
		return fmt.Sprintf("frame error: oversize frame: %s", e.Message)
	case FrameErrorMalformedPayload:
		return fmt.Sprintf("frame error: malformed payload: %s", e.Message)
	default:
		return fmt.Sprintf("frame error: %s", e.Message)
	}
}

// Fatal reports whether the error desynchronizes the stream.
func (e *FrameError) Fatal() bool {
	return e.Type != FrameErrorMalformedPayload
}

// HandshakeErrorKind classifies startup handshake failures. All of them
// are fatal: the runtime never reaches Ready after one.
type HandshakeErrorKind int

const (
	HandshakeMissingRequiredKey HandshakeErrorKind = iota
	HandshakeMalformed
)

// HandshakeError represents a failed startup handshake.
type HandshakeError struct {
	Kind HandshakeErrorKind
	Key  string // missing key, when Kind is HandshakeMissingRequiredKey
	Err  error  // underlying decode error, when present
}

func (e *HandshakeError) Error() string {
	switch e.Kind {
	case HandshakeMissingRequiredKey:
		return fmt.Sprintf("handshake error: missing required key %q", e.Key)
	case HandshakeMalformed:
		return fmt.Sprintf("handshake error: malformed handshake: %v", e.Err)
	default:
		return "handshake error"
	}
}

func (e *HandshakeError) Unwrap() error { return e.Err }

package leap

import (
	"errors"
	"fmt"
	"io"
	"strconv"
)

// Default maximum frame payload size (8 MB). The protocol itself has no
// limit; this is local policy, adjustable through Limits.
const DefaultMaxFrame int = 8_388_608

// Maximum bytes of length prefix scanned before giving up on finding the
// ':' delimiter.
const DefaultMaxHeader int = 20

// Hard limit on frame payload size (64 MB) regardless of configuration.
const MaxFrameHardLimit int = 67_108_864

// Limits holds local framing policy.
type Limits struct {
	MaxFrame  int
	MaxHeader int
}

// DefaultLimits returns the default framing limits.
func DefaultLimits() Limits {
	return Limits{
		MaxFrame:  DefaultMaxFrame,
		MaxHeader: DefaultMaxHeader,
	}
}

// frameScanner incrementally assembles "<length>:<payload>" frames from
// fed byte chunks. next returns exactly one payload per complete frame
// and never consumes past it, so back-to-back frames in one chunk come
// out one at a time, in order.
type frameScanner struct {
	buf    []byte
	limits Limits
}

func newFrameScanner(limits Limits) *frameScanner {
	return &frameScanner{limits: limits}
}

// feed appends raw stream bytes.
func (s *frameScanner) feed(p []byte) {
	s.buf = append(s.buf, p...)
}

// buffered returns the number of unconsumed bytes held.
func (s *frameScanner) buffered() int { return len(s.buf) }

// next returns the payload of the next complete frame. It returns
// errNeedMore when the buffer holds only part of a frame, and a
// *FrameError when the bytes cannot be a frame at all.
func (s *frameScanner) next() ([]byte, error) {
	sep := -1
	bound := len(s.buf)
	if bound > s.limits.MaxHeader+1 {
		bound = s.limits.MaxHeader + 1
	}
	for i := 0; i < bound; i++ {
		if s.buf[i] == ':' {
			sep = i
			break
		}
	}
	if sep < 0 {
		if len(s.buf) > s.limits.MaxHeader {
			return nil, &FrameError{
				Type:    FrameErrorBadLengthPrefix,
				Message: fmt.Sprintf("no ':' within %d bytes", s.limits.MaxHeader),
				Data:    clip(s.buf, s.limits.MaxHeader),
			}
		}
		return nil, errNeedMore
	}

	length, err := strconv.Atoi(string(s.buf[:sep]))
	if err != nil || length < 0 {
		return nil, &FrameError{
			Type:    FrameErrorBadLengthPrefix,
			Message: fmt.Sprintf("non-numeric length %q", s.buf[:sep]),
			Data:    clip(s.buf, sep),
		}
	}
	maxFrame := s.limits.MaxFrame
	if maxFrame > MaxFrameHardLimit {
		maxFrame = MaxFrameHardLimit
	}
	if length > maxFrame {
		return nil, &FrameError{
			Type:    FrameErrorOversizeFrame,
			Message: fmt.Sprintf("declared length %d exceeds limit %d", length, maxFrame),
		}
	}

	total := sep + 1 + length
	if len(s.buf) < total {
		return nil, errNeedMore
	}

	payload := make([]byte, length)
	copy(payload, s.buf[sep+1:total])
	s.buf = s.buf[total:]
	return payload, nil
}

func clip(b []byte, n int) []byte {
	if len(b) > n {
		b = b[:n]
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// FrameReader reads length-prefixed notation frames from a stream.
type FrameReader struct {
	reader  io.Reader
	scanner *frameScanner
	chunk   []byte
}

// NewFrameReader creates a FrameReader with default limits.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{
		reader:  r,
		scanner: newFrameScanner(DefaultLimits()),
		chunk:   make([]byte, 4096),
	}
}

// SetLimits updates the reader's limits.
func (fr *FrameReader) SetLimits(limits Limits) {
	fr.scanner.limits = limits
}

// ReadFrame reads a single frame payload from the stream, blocking until
// one is complete. A short read is a retry, not an error. EOF from the
// peer becomes ErrStreamClosed.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	for {
		payload, err := fr.scanner.next()
		if err == nil {
			return payload, nil
		}
		if !errors.Is(err, errNeedMore) {
			return nil, err
		}
		n, rerr := fr.reader.Read(fr.chunk)
		if n > 0 {
			fr.scanner.feed(fr.chunk[:n])
			continue
		}
		if rerr == io.EOF || rerr == io.ErrClosedPipe {
			return nil, ErrStreamClosed
		}
		if rerr != nil {
			return nil, fmt.Errorf("stream read failed: %w", rerr)
		}
	}
}

// ReadMessage reads and decodes a single message.
func (fr *FrameReader) ReadMessage() (*Message, error) {
	payload, err := fr.ReadFrame()
	if err != nil {
		return nil, err
	}
	return DecodeMessage(payload)
}

// FrameWriter writes length-prefixed notation frames to a stream. It is
// not safe for concurrent use on its own: the runtime serializes every
// write through a single locked path so frames are never interleaved.
type FrameWriter struct {
	writer io.Writer
	limits Limits
}

// NewFrameWriter creates a FrameWriter with default limits.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{
		writer: w,
		limits: DefaultLimits(),
	}
}

// SetLimits updates the writer's limits.
func (fw *FrameWriter) SetLimits(limits Limits) {
	fw.limits = limits
}

// WriteFrame writes one payload as a frame. The prefix and payload go
// out in a single Write call so a frame is atomic on the wire.
func (fw *FrameWriter) WriteFrame(payload []byte) error {
	if len(payload) > fw.limits.MaxFrame {
		return &FrameError{
			Type:    FrameErrorOversizeFrame,
			Message: fmt.Sprintf("payload length %d exceeds limit %d", len(payload), fw.limits.MaxFrame),
		}
	}
	buf := make([]byte, 0, len(payload)+12)
	buf = strconv.AppendInt(buf, int64(len(payload)), 10)
	buf = append(buf, ':')
	buf = append(buf, payload...)
	if _, err := fw.writer.Write(buf); err != nil {
		if errors.Is(err, io.ErrClosedPipe) {
			return ErrStreamClosed
		}
		return fmt.Errorf("stream write failed: %w", err)
	}
	return nil
}

// WriteMessage encodes and writes a single message.
func (fw *FrameWriter) WriteMessage(m *Message) error {
	return fw.WriteFrame(EncodeMessage(m))
}

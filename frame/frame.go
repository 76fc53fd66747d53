// Package frame implements the length-prefixed framing used on the upstream
// byte stream. A frame is a 4-byte big-endian length followed by exactly that
// many bytes of payload.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// HeaderLen is the size of the length prefix.
const HeaderLen = 4

var (
	// ErrShortFrame is returned when the stream ends or fails before a complete
	// frame has been read.
	ErrShortFrame = errors.New("frame: stream ended before frame was complete")

	// ErrFrameTooLarge is returned when a length prefix exceeds the configured
	// limit, or a payload would not fit in the 32-bit prefix.
	ErrFrameTooLarge = errors.New("frame: payload too large")

	// ErrInvalidUTF8 is returned when a text payload is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("frame: payload is not valid utf-8")
)

// Limits bounds the memory a single frame may use. A zero MaxPayloadBytes
// disables the check.
type Limits struct {
	MaxPayloadBytes uint32
}

// DefaultMaxPayloadBytes is the payload limit used by DefaultLimits.
const DefaultMaxPayloadBytes = 16 << 20

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: DefaultMaxPayloadBytes}
}

func (l Limits) check(n uint64) error {
	if n > 0xffffffff {
		return ErrFrameTooLarge
	}
	if l.MaxPayloadBytes != 0 && n > uint64(l.MaxPayloadBytes) {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrFrameTooLarge, n, l.MaxPayloadBytes)
	}
	return nil
}

// Encode returns payload prefixed with its length. The caller must ensure
// len(payload) fits in 32 bits.
func Encode(payload []byte) []byte {
	buf := make([]byte, HeaderLen+len(payload))
	binary.BigEndian.PutUint32(buf[:HeaderLen], uint32(len(payload)))
	copy(buf[HeaderLen:], payload)
	return buf
}

// EncodeText validates s as UTF-8 and encodes it as a frame.
func EncodeText(s string) ([]byte, error) {
	if !utf8.ValidString(s) {
		return nil, ErrInvalidUTF8
	}
	return Encode([]byte(s)), nil
}

// Write encodes payload and writes it with a single call to w.Write, so that
// the header and payload of one frame are never split across writes.
func Write(w io.Writer, payload []byte, limits Limits) error {
	if err := limits.check(uint64(len(payload))); err != nil {
		return err
	}
	_, err := w.Write(Encode(payload))
	return err
}

// Read reads one complete frame from r and returns its payload. Read blocks
// until the whole frame has arrived; r may deliver it in chunks of any size.
func Read(r io.Reader, limits Limits) ([]byte, error) {
	var header [HeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, shortFrame(err)
	}
	n := binary.BigEndian.Uint32(header[:])
	if err := limits.check(uint64(n)); err != nil {
		return nil, err
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, shortFrame(err)
	}
	return payload, nil
}

// ReadText reads one frame and decodes its payload as UTF-8 text.
func ReadText(r io.Reader, limits Limits) (string, error) {
	payload, err := Read(r, limits)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(payload) {
		return "", ErrInvalidUTF8
	}
	return string(payload), nil
}

type shortFrameError struct {
	err error
}

func (e *shortFrameError) Error() string {
	return fmt.Sprintf("%s: %s", ErrShortFrame, e.err)
}

func (e *shortFrameError) Unwrap() []error {
	return []error{ErrShortFrame, e.err}
}

// shortFrame wraps a read failure so that callers can match both
// ErrShortFrame and the underlying cause (io.EOF, net.ErrClosed, ...).
func shortFrame(err error) error {
	return &shortFrameError{err: err}
}

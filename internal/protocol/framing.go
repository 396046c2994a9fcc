package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameBytes caps a single frame when no limit is configured.
const DefaultMaxFrameBytes = 1 << 20 // 1 MiB

// Framing names accepted in configuration.
const (
	FramingLines  = "lines"
	FramingLength = "length"
)

var (
	// ErrFrameTooLarge means a frame exceeded the configured maximum. The
	// stream is no longer aligned on a frame boundary after this error.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	// ErrInvalidFrame means a payload cannot be represented by the framing.
	ErrInvalidFrame = errors.New("payload cannot be framed")
)

// Framer delimits discrete messages in a byte stream. Both ends of a
// connection must use the same Framer.
type Framer interface {
	Name() string
	WriteFrame(w io.Writer, payload []byte) error
	NewReader(r io.Reader, maxFrame int) FrameReader
}

// FrameReader yields successive frame payloads. io.EOF marks a clean end of
// stream; any other error is terminal for the stream.
type FrameReader interface {
	ReadFrame() ([]byte, error)
}

// FramerByName resolves a configured framing name. Empty means lines.
func FramerByName(name string) (Framer, error) {
	switch name {
	case "", FramingLines:
		return LineFramer{}, nil
	case FramingLength:
		return LengthFramer{}, nil
	default:
		return nil, fmt.Errorf("unknown framing %q (must be %q or %q)", name, FramingLines, FramingLength)
	}
}

// LineFramer terminates every payload with '\n'. Payloads must not contain a
// newline; compact JSON never does.
type LineFramer struct{}

func (LineFramer) Name() string { return FramingLines }

func (LineFramer) WriteFrame(w io.Writer, payload []byte) error {
	if bytes.IndexByte(payload, '\n') >= 0 {
		return fmt.Errorf("%w: payload contains a newline", ErrInvalidFrame)
	}
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, payload...)
	buf = append(buf, '\n')
	_, err := w.Write(buf)
	return err
}

func (LineFramer) NewReader(r io.Reader, maxFrame int) FrameReader {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameBytes
	}
	return &lineReader{r: bufio.NewReaderSize(r, 64*1024), max: maxFrame}
}

type lineReader struct {
	r   *bufio.Reader
	max int
}

func (lr *lineReader) ReadFrame() ([]byte, error) {
	for {
		var line []byte
		for {
			chunk, err := lr.r.ReadSlice('\n')
			line = append(line, chunk...)
			if len(line) > lr.max+1 {
				return nil, fmt.Errorf("%w: more than %d bytes without a newline", ErrFrameTooLarge, lr.max)
			}
			if err == nil {
				break
			}
			if errors.Is(err, bufio.ErrBufferFull) {
				continue
			}
			if errors.Is(err, io.EOF) && len(line) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}

		line = bytes.TrimRight(line, "\r\n")
		// Blank lines are keep-alives.
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return line, nil
	}
}

// LengthFramer prefixes every payload with its length as a 4-byte big-endian
// unsigned integer.
type LengthFramer struct{}

func (LengthFramer) Name() string { return FramingLength }

func (LengthFramer) WriteFrame(w io.Writer, payload []byte) error {
	if uint64(len(payload)) > uint64(^uint32(0)) {
		return fmt.Errorf("%w: payload of %d bytes", ErrInvalidFrame, len(payload))
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}

func (LengthFramer) NewReader(r io.Reader, maxFrame int) FrameReader {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameBytes
	}
	return &lengthReader{r: r, max: maxFrame}
}

type lengthReader struct {
	r   io.Reader
	max int
	hdr [4]byte
}

func (lr *lengthReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(lr.r, lr.hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lr.hdr[:])
	if uint64(n) > uint64(lr.max) {
		return nil, fmt.Errorf("%w: %d bytes announced, limit %d", ErrFrameTooLarge, n, lr.max)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(lr.r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

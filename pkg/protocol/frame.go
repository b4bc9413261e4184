package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	// HeaderSize is the width of the ASCII length header that precedes every frame
	HeaderSize = 10

	// maxHeaderValue is the largest length that fits in a HeaderSize-digit header
	maxHeaderValue = 9_999_999_999
)

var (
	// ErrFraming indicates a malformed header or a payload cut short by the peer.
	// The connection is unusable once this is returned.
	ErrFraming = errors.New("framing error")

	// ErrFrameTooLarge is returned when a payload does not fit the header or
	// exceeds a caller-imposed read limit.
	ErrFrameTooLarge = errors.New("frame too large")
)

// Frame format: [Length (10 ASCII bytes, decimal, left-justified, space padded)][Payload (Length bytes)]
//
// The header is produced the same way the Python peers do it
// (f"{len(data):<10}"), so a 5-byte payload is framed as "5         hello".

// EncodeHeader renders the fixed-width header for a payload of n bytes.
func EncodeHeader(n int) ([]byte, error) {
	if n < 0 || int64(n) > maxHeaderValue {
		return nil, ErrFrameTooLarge
	}
	return []byte(fmt.Sprintf("%-*d", HeaderSize, n)), nil
}

// ParseHeader parses a fixed-width header. Surrounding spaces are ignored so
// both left- and right-justified encodings are accepted.
func ParseHeader(header []byte) (int, error) {
	text := strings.TrimSpace(string(header))
	if text == "" {
		return 0, fmt.Errorf("%w: empty length header", ErrFraming)
	}

	n, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid length header %q", ErrFraming, text)
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: negative length %d", ErrFraming, n)
	}
	return n, nil
}

// WriteFrame writes header and payload with a single Write call so that
// writers serialized by a connection lock can never interleave partial frames.
func WriteFrame(w io.Writer, payload []byte) error {
	header, err := EncodeHeader(len(payload))
	if err != nil {
		return err
	}

	buf := make([]byte, 0, HeaderSize+len(payload))
	buf = append(buf, header...)
	buf = append(buf, payload...)

	if _, err := w.Write(buf); err != nil {
		return err
	}

	// Flush if the writer supports it (e.g., *bufio.Writer)
	type flusher interface {
		Flush() error
	}
	if fl, ok := w.(flusher); ok {
		return fl.Flush()
	}

	return nil
}

// ReadFrame reads one frame with no size limit.
//
// A peer that closes the connection cleanly between frames yields io.EOF.
// Any other short read (partial header, truncated payload) yields ErrFraming.
func ReadFrame(r io.Reader) ([]byte, error) {
	return ReadFrameLimit(r, 0)
}

// ReadFrameLimit reads one frame, rejecting declared lengths above maxSize.
// A maxSize of 0 disables the check.
func ReadFrameLimit(r io.Reader, maxSize int) ([]byte, error) {
	header := make([]byte, HeaderSize)
	n, err := io.ReadFull(r, header)
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: short header (%d of %d bytes)", ErrFraming, n, HeaderSize)
		}
		return nil, err
	}

	length, err := ParseHeader(header)
	if err != nil {
		return nil, err
	}
	if maxSize > 0 && length > maxSize {
		return nil, fmt.Errorf("%w: declared %d bytes, limit %d", ErrFrameTooLarge, length, maxSize)
	}

	// io.ReadFull keeps reading across partial TCP segments until the
	// declared length has been consumed.
	payload := make([]byte, length)
	if length > 0 {
		if n, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("%w: truncated payload (%d of %d bytes)", ErrFraming, n, length)
			}
			return nil, err
		}
	}

	return payload, nil
}

// WriteJSON marshals v and writes it as a single frame.
func WriteJSON(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	return WriteFrame(w, data)
}

// ReadJSON reads one frame and unmarshals it into v.
func ReadJSON(r io.Reader, v any) error {
	return ReadJSONLimit(r, 0, v)
}

// ReadJSONLimit is ReadJSON with a frame size limit.
func ReadJSONLimit(r io.Reader, maxSize int, v any) error {
	payload, err := ReadFrameLimit(r, maxSize)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	return nil
}

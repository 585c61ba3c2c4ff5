package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

const frameHeaderSize = 8

// WriteFrame writes one length-prefixed frame: an 8 byte big-endian length
// followed by the body.
func WriteFrame(w io.Writer, body []byte) error {
	header := make([]byte, frameHeaderSize)
	binary.BigEndian.PutUint64(header, uint64(len(body)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one frame written by WriteFrame. Frames larger than max are
// refused with ErrFrameTooLarge; max <= 0 disables the check.
func ReadFrame(r io.Reader, max int) ([]byte, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint64(header)
	if max > 0 && length > uint64(max) {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return body, nil
}

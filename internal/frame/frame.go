// Package frame implements the engine wire framing: a 16-byte header carrying the payload
// length twice as big-endian uint64, followed by the UTF-8 JSON payload.
package frame

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/rbright/oslctl/internal/errs"
)

const (
	// HeaderSize is the fixed prefix length in bytes.
	HeaderSize = 16
	// DefaultLimit caps a single payload.
	DefaultLimit uint64 = 256 << 20

	recvChunk = 1 << 16
)

// Sender is the write half used by Write.
type Sender interface {
	Send(p []byte, timeout time.Duration) (int, error)
}

// Receiver is the read half used by Decoder.Read.
type Receiver interface {
	Recv(max int, timeout time.Duration) ([]byte, error)
}

// Encode prefixes payload with the length header.
func Encode(payload []byte) []byte {
	out := make([]byte, HeaderSize+len(payload))
	n := uint64(len(payload))
	binary.BigEndian.PutUint64(out[0:8], n)
	binary.BigEndian.PutUint64(out[8:16], n)
	copy(out[HeaderSize:], payload)
	return out
}

// Write sends one framed payload. A zero-length payload is a valid (acknowledgement) frame.
func Write(s Sender, payload []byte, timeout time.Duration) error {
	buf := Encode(payload)
	n, err := s.Send(buf, timeout)
	if err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if n != len(buf) {
		return fmt.Errorf("write frame: %w: short write %d/%d", errs.ErrConnection, n, len(buf))
	}
	return nil
}

// Read receives exactly one frame using a fresh decoder.
func Read(r Receiver, timeout time.Duration) ([]byte, error) {
	var d Decoder
	return d.Read(r, timeout)
}

// Decoder re-assembles frames from arbitrarily split reads.
type Decoder struct {
	// Limit overrides DefaultLimit when non-zero.
	Limit uint64

	buf []byte
}

// Feed appends received bytes.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes not yet consumed.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset drops any partially buffered frame.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
}

// Next returns the next complete payload, or ok=false when more bytes are needed.
func (d *Decoder) Next() ([]byte, bool, error) {
	if len(d.buf) < HeaderSize {
		return nil, false, nil
	}

	first := binary.BigEndian.Uint64(d.buf[0:8])
	second := binary.BigEndian.Uint64(d.buf[8:16])
	if first != second {
		return nil, false, &errs.ResponseFormatError{
			Reason: fmt.Sprintf("length prefixes disagree (%d != %d)", first, second),
		}
	}

	limit := d.Limit
	if limit == 0 {
		limit = DefaultLimit
	}
	if first > limit {
		return nil, false, &errs.ResponseFormatError{
			Reason: fmt.Sprintf("payload length %d exceeds limit %d", first, limit),
		}
	}

	total := HeaderSize + int(first)
	if len(d.buf) < total {
		return nil, false, nil
	}

	payload := make([]byte, first)
	copy(payload, d.buf[HeaderSize:total])
	rest := copy(d.buf, d.buf[total:])
	d.buf = d.buf[:rest]
	return payload, true, nil
}

// Read pulls bytes from r until one frame is complete or timeout elapses.
// A zero timeout waits indefinitely.
func (d *Decoder) Read(r Receiver, timeout time.Duration) ([]byte, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		payload, ok, err := d.Next()
		if err != nil {
			return nil, err
		}
		if ok {
			return payload, nil
		}

		var remaining time.Duration
		if !deadline.IsZero() {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return nil, fmt.Errorf("read frame: %w", errs.ErrTimeout)
			}
		}

		chunk, err := r.Recv(recvChunk, remaining)
		if err != nil {
			return nil, fmt.Errorf("read frame: %w", err)
		}
		if len(chunk) == 0 {
			return nil, fmt.Errorf("read frame: %w: peer closed", errs.ErrConnection)
		}
		d.Feed(chunk)
	}
}

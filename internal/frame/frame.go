// Package frame implements the length-prefixed framing used on the tunnel
// socket between broker and agent. A frame is four bytes of big-endian
// length followed by that many bytes of opaque payload; the codec never
// interprets the payload itself.
package frame

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the number of bytes used to encode a frame's length.
const HeaderSize = 4

// DefaultMaxBytes is the decoder's default cap on a single frame's payload
// size, matching the broker/agent default of 16 MiB.
const DefaultMaxBytes = 16 << 20

// ErrFrameTooLarge is returned when an encoded payload or a decoded length
// prefix exceeds the configured maximum. The connection that produced it
// must be torn down; the stream can no longer be trusted to be in sync.
type ErrFrameTooLarge struct {
	Size uint64
	Max  uint64
}

func (e *ErrFrameTooLarge) Error() string {
	return fmt.Sprintf("frame: payload of %d bytes exceeds max %d", e.Size, e.Max)
}

// Encode wraps payload in a length-prefixed frame. It fails if the payload
// is larger than what a uint32 length can express.
func Encode(payload []byte) ([]byte, error) {
	n := len(payload)
	if uint64(n) > uint64(^uint32(0)) {
		return nil, &ErrFrameTooLarge{Size: uint64(n), Max: uint64(^uint32(0))}
	}

	out := make([]byte, HeaderSize+n)
	binary.BigEndian.PutUint32(out, uint32(n))
	copy(out[HeaderSize:], payload)
	return out, nil
}

// Sink receives one fully decoded frame payload at a time, in stream order.
type Sink func(payload []byte) error

// Decoder is a streaming, single-threaded-per-connection frame parser. Feed
// it arbitrarily sized chunks of the underlying byte stream via Feed; it
// calls the configured Sink once per complete frame, in order, and never
// delivers a partial frame.
type Decoder struct {
	maxBytes uint32
	sink     Sink
	buf      []byte
}

// NewDecoder creates a Decoder that invokes sink for each decoded payload
// and rejects any frame whose declared length exceeds maxBytes. A maxBytes
// of 0 selects DefaultMaxBytes.
func NewDecoder(maxBytes uint32, sink Sink) *Decoder {
	if maxBytes == 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Decoder{maxBytes: maxBytes, sink: sink}
}

// Feed appends chunk to the internal buffer and drains as many complete
// frames as are available, handing each payload to the Sink exactly once.
// It returns ErrFrameTooLarge if a declared frame length is over the
// configured maximum — the caller must close the underlying connection in
// that case, since the byte stream can no longer be parsed reliably.
func (d *Decoder) Feed(chunk []byte) error {
	d.buf = append(d.buf, chunk...)

	for {
		if len(d.buf) < HeaderSize {
			return nil
		}

		length := binary.BigEndian.Uint32(d.buf[:HeaderSize])
		if length > d.maxBytes {
			return &ErrFrameTooLarge{Size: uint64(length), Max: uint64(d.maxBytes)}
		}

		total := HeaderSize + int(length)
		if len(d.buf) < total {
			return nil
		}

		payload := make([]byte, length)
		copy(payload, d.buf[HeaderSize:total])

		// Drop the consumed bytes before invoking the sink so a panic or
		// error inside the sink can't replay the same frame on retry.
		remaining := len(d.buf) - total
		copy(d.buf, d.buf[total:])
		d.buf = d.buf[:remaining]

		if err := d.sink(payload); err != nil {
			return err
		}
	}
}

package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame header layout: 1 flag byte plus a 4-byte big-endian length.
const (
	headerSize     = 5
	flagPlain      = 0x00
	flagCompressed = 0x01
)

// ErrUnexpectedCompression is returned when a message arrives with the
// compressed flag set but no decompressor is configured for the negotiated
// inbound encoding.
var ErrUnexpectedCompression = errors.New("framing: compressed message received without a configured decompressor")

// parseState tracks which part of the frame the reader expects next.
type parseState int

const (
	expectingFlag parseState = iota
	expectingLength
	expectingBody
)

// Reader incrementally parses length-prefixed messages from appended byte
// chunks. Chunk boundaries are arbitrary: a frame may span any number of
// appends.
type Reader struct {
	buf        []byte
	off        int
	state      parseState
	compressed bool
	bodyLen    uint32

	decompressor Compressor
	limit        int
}

// ReaderOptions configures a Reader.
type ReaderOptions struct {
	// Decompressor handles messages with the compressed flag set. Nil
	// means only uncompressed messages are legal.
	Decompressor Compressor
	// DecompressionLimit caps the decompressed size of a single message.
	// Zero or negative means unlimited.
	DecompressionLimit int
}

// NewReader creates a Reader.
func NewReader(opts ReaderOptions) *Reader {
	return &Reader{
		decompressor: opts.Decompressor,
		limit:        opts.DecompressionLimit,
	}
}

// Append adds bytes to the parse buffer. It never fails; framing errors
// surface on Next.
func (r *Reader) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	r.buf = append(r.buf, p...)
}

// Buffered returns the number of unconsumed bytes, including any partial
// frame.
func (r *Reader) Buffered() int {
	return len(r.buf) - r.off
}

func (r *Reader) available() int {
	return len(r.buf) - r.off
}

func (r *Reader) take(n int) []byte {
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

// release drops the buffer once fully consumed so the next append starts
// fresh instead of growing the old allocation.
func (r *Reader) release() {
	if r.off == len(r.buf) {
		r.buf = nil
		r.off = 0
	}
}

// Next returns the next complete message payload, decompressed if the frame
// was compressed. ok is false when more bytes are needed; call Append and
// retry. Callers drain all available messages by looping until ok is false.
func (r *Reader) Next() (payload []byte, ok bool, err error) {
	for {
		switch r.state {
		case expectingFlag:
			if r.available() < 1 {
				r.release()
				return nil, false, nil
			}
			flag := r.take(1)[0]
			switch flag {
			case flagPlain:
				r.compressed = false
			case flagCompressed:
				r.compressed = true
			default:
				return nil, false, fmt.Errorf("framing: invalid compression flag %#x", flag)
			}
			r.state = expectingLength

		case expectingLength:
			if r.available() < 4 {
				return nil, false, nil
			}
			r.bodyLen = binary.BigEndian.Uint32(r.take(4))
			r.state = expectingBody

		case expectingBody:
			if r.available() < int(r.bodyLen) {
				return nil, false, nil
			}
			body := r.take(int(r.bodyLen))
			r.state = expectingFlag

			if r.compressed {
				if r.decompressor == nil {
					return nil, false, ErrUnexpectedCompression
				}
				out, derr := r.decompressor.Decompress(body, r.limit)
				if derr != nil {
					return nil, false, derr
				}
				r.release()
				return out, true, nil
			}

			out := make([]byte, len(body))
			copy(out, body)
			if r.limit > 0 && len(out) > r.limit {
				return nil, false, &LimitError{Limit: r.limit}
			}
			r.release()
			return out, true, nil
		}
	}
}

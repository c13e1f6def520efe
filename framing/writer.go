package framing

import (
	"encoding/binary"
	"fmt"
	"math"
	"net"
)

// Payloads at or below this size are copied into a single buffer together
// with the header; anything larger goes out as a (header, payload) vector to
// avoid the copy. One HTTP/2 DATA frame's worth, minus the frame header.
const singleBufferLimit = 8*1024 - headerSize

// Writer frames outbound messages. The zero value writes uncompressed
// frames only.
type Writer struct {
	compressor Compressor
}

// NewWriter creates a Writer. A nil compressor disables compression; the
// compressed argument to Frame is then ignored.
func NewWriter(compressor Compressor) *Writer {
	return &Writer{compressor: compressor}
}

// Frame encodes one message as length-prefixed buffers ready for the wire.
// Compression applies only when requested by the caller and a compressor is
// configured; the compression context is reset between messages so no
// dictionary state leaks across frames.
func (w *Writer) Frame(payload []byte, compressed bool) (net.Buffers, error) {
	if compressed && w.compressor != nil {
		body, err := w.compressor.Compress(payload)
		if err != nil {
			return nil, fmt.Errorf("framing: compress: %w", err)
		}
		buf, err := singleBuffer(flagCompressed, body)
		if err != nil {
			return nil, err
		}
		return net.Buffers{buf}, nil
	}

	if len(payload) <= singleBufferLimit {
		buf, err := singleBuffer(flagPlain, payload)
		if err != nil {
			return nil, err
		}
		return net.Buffers{buf}, nil
	}

	header, err := frameHeader(flagPlain, len(payload))
	if err != nil {
		return nil, err
	}
	return net.Buffers{header, payload}, nil
}

func frameHeader(flag byte, length int) ([]byte, error) {
	if length < 0 || int64(length) > math.MaxUint32 {
		return nil, fmt.Errorf("framing: message length %d does not fit in uint32", length)
	}
	header := make([]byte, headerSize)
	header[0] = flag
	binary.BigEndian.PutUint32(header[1:], uint32(length))
	return header, nil
}

func singleBuffer(flag byte, body []byte) ([]byte, error) {
	if int64(len(body)) > math.MaxUint32 {
		return nil, fmt.Errorf("framing: message length %d does not fit in uint32", len(body))
	}
	buf := make([]byte, headerSize+len(body))
	buf[0] = flag
	binary.BigEndian.PutUint32(buf[1:], uint32(len(body)))
	copy(buf[headerSize:], body)
	return buf, nil
}

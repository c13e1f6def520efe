// Package grpcweb implements the gRPC-Web wire surface: the 5-byte web
// framing with its trailer frames, the base64 text channel, and a duplex
// codec that bridges gRPC-Web HTTP/1 traffic to HTTP/2 frame payloads so the
// HTTP/2-centric handlers can process both uniformly.
package grpcweb

import (
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

const (
	// flagData marks a data frame.
	flagData byte = 0x00
	// flagTrailer marks the trailer frame that closes every web response.
	flagTrailer byte = 0x80
	// frameHeaderSize is 1 flag byte plus a 4-byte big-endian length.
	frameHeaderSize = 5
)

// Mode selects binary or base64 text framing.
type Mode int

const (
	ModeBinary Mode = iota
	ModeText
)

// ModeForContentType picks the framing mode from a request content-type.
func ModeForContentType(ct string) Mode {
	if strings.Contains(ct, "application/grpc-web-text") {
		return ModeText
	}
	return ModeBinary
}

// ContentType returns the response content-type for a mode.
func (m Mode) ContentType() string {
	if m == ModeText {
		return "application/grpc-web-text+proto"
	}
	return "application/grpc-web+proto"
}

// Frame is a single gRPC-Web frame.
type Frame struct {
	Flag    byte
	Payload []byte
}

// IsTrailer reports whether the frame carries the trailer block.
func (f *Frame) IsTrailer() bool {
	return f.Flag&flagTrailer != 0
}

// EncodeDataFrame frames a message payload.
func EncodeDataFrame(data []byte) []byte {
	frame := make([]byte, frameHeaderSize+len(data))
	frame[0] = flagData
	binary.BigEndian.PutUint32(frame[1:frameHeaderSize], uint32(len(data)))
	copy(frame[frameHeaderSize:], data)
	return frame
}

// EncodeTrailerFrame serializes trailers as a 0x80-flagged frame whose
// payload is "name: value\r\n" lines with lowercased names, sorted for a
// deterministic block.
func EncodeTrailerFrame(trailers http.Header) []byte {
	var sb strings.Builder
	keys := make([]string, 0, len(trailers))
	for k := range trailers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range trailers[k] {
			sb.WriteString(strings.ToLower(k))
			sb.WriteString(": ")
			sb.WriteString(v)
			sb.WriteString("\r\n")
		}
	}
	payload := []byte(sb.String())

	frame := make([]byte, frameHeaderSize+len(payload))
	frame[0] = flagTrailer
	binary.BigEndian.PutUint32(frame[1:frameHeaderSize], uint32(len(payload)))
	copy(frame[frameHeaderSize:], payload)
	return frame
}

// ParseTrailerBlock parses a trailer frame payload back into headers.
func ParseTrailerBlock(payload []byte) http.Header {
	trailers := make(http.Header)
	for _, line := range strings.Split(string(payload), "\r\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		trailers.Add(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
	}
	return trailers
}

// ReadFrame reads one frame from r. io.EOF marks a clean end of input.
func ReadFrame(r io.Reader) (*Frame, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("grpcweb: read frame header: %w", err)
	}
	length := binary.BigEndian.Uint32(header[1:frameHeaderSize])
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("grpcweb: read frame payload: %w", err)
		}
	}
	return &Frame{Flag: header[0], Payload: payload}, nil
}

// ReadFrames reads every frame from r until EOF.
func ReadFrames(r io.Reader) ([]*Frame, error) {
	var frames []*Frame
	for {
		f, err := ReadFrame(r)
		if err == io.EOF {
			return frames, nil
		}
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
}

package grpcweb

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/http2/hpack"

	"github.com/conduitrpc/conduit/status"
)

// Bridge is a duplex codec that turns gRPC-Web HTTP/1 traffic into HTTP/2
// frame payloads and back, so the server's HTTP/2-centric handlers see one
// protocol. A Bridge serves a single exchange and is driven from one
// goroutine.
type Bridge struct {
	scheme string

	state bridgeState
	mode  Mode

	// Inbound base64 channel, text mode only.
	decoder ChunkDecoder

	// Outbound buffering, text mode only: data frames are held back and
	// flushed as a single base64 body at status time.
	respBuf *bytes.Buffer

	headSent bool

	hpackBuf bytes.Buffer
	hpackEnc *hpack.Encoder
}

type bridgeState int

const (
	bridgeIdle bridgeState = iota
	bridgeOpen
	bridgeClosed
)

// ErrBridgeClosed is returned for any event after the exchange completed.
var ErrBridgeClosed = errors.New("grpcweb: exchange already closed")

// NewBridge creates a bridge. The scheme becomes the :scheme pseudo-header
// of synthesized request blocks; empty defaults to "http".
func NewBridge(scheme string) *Bridge {
	if scheme == "" {
		scheme = "http"
	}
	b := &Bridge{scheme: scheme}
	b.hpackEnc = hpack.NewEncoder(&b.hpackBuf)
	return b
}

// Mode returns the framing mode detected from the request head.
func (b *Bridge) Mode() Mode {
	return b.mode
}

// RequestHead synthesizes the HPACK header block for the stream from the
// HTTP/1 request line and headers. Must be the first inbound event.
func (b *Bridge) RequestHead(method, path, host string, header http.Header) ([]byte, error) {
	if b.state != bridgeIdle {
		return nil, fmt.Errorf("grpcweb: request head after stream opened")
	}
	b.state = bridgeOpen

	ct := header.Get("Content-Type")
	b.mode = ModeForContentType(ct)
	if b.mode == ModeText {
		// The response text buffer exists for the whole text exchange;
		// the outbound path treats a missing buffer as an invariant
		// violation.
		b.respBuf = &bytes.Buffer{}
	}

	b.hpackBuf.Reset()
	write := func(name, value string) error {
		return b.hpackEnc.WriteField(hpack.HeaderField{Name: name, Value: value})
	}
	if err := write(":method", method); err != nil {
		return nil, err
	}
	if err := write(":scheme", b.scheme); err != nil {
		return nil, err
	}
	if err := write(":path", path); err != nil {
		return nil, err
	}
	if err := write(":authority", host); err != nil {
		return nil, err
	}
	if err := write("content-type", webToGRPCContentType(ct)); err != nil {
		return nil, err
	}
	if err := write("te", "trailers"); err != nil {
		return nil, err
	}

	for name, values := range header {
		lower := strings.ToLower(name)
		if skipRequestHeader(lower) {
			continue
		}
		if lower == "x-user-agent" {
			lower = "user-agent"
		}
		for _, v := range values {
			if err := write(lower, v); err != nil {
				return nil, err
			}
		}
	}

	block := make([]byte, b.hpackBuf.Len())
	copy(block, b.hpackBuf.Bytes())
	return block, nil
}

// RequestBody converts one HTTP/1 body chunk into a DATA frame payload. In
// text mode the chunk runs through the incremental base64 decoder first.
func (b *Bridge) RequestBody(chunk []byte) ([]byte, error) {
	if b.state != bridgeOpen {
		return nil, fmt.Errorf("grpcweb: request body outside open stream")
	}
	if b.mode == ModeText {
		return b.decoder.Decode(chunk)
	}
	return chunk, nil
}

// RequestEnd closes the request direction: an empty DATA payload with
// end-stream set. Text streams with buffered bytes that never formed a
// base64 quantum are malformed.
func (b *Bridge) RequestEnd() ([]byte, error) {
	if b.state != bridgeOpen {
		return nil, fmt.Errorf("grpcweb: request end outside open stream")
	}
	if b.mode == ModeText && b.decoder.Pending() != 0 {
		return nil, &Base64Error{Err: fmt.Errorf("%d dangling bytes at end of text body", b.decoder.Pending())}
	}
	return []byte{}, nil
}

// ResponseEventKind tags a ResponseEvent.
type ResponseEventKind int

const (
	// EventHead carries the HTTP/1 response head.
	EventHead ResponseEventKind = iota
	// EventBody carries response body bytes.
	EventBody
	// EventEnd completes the response.
	EventEnd
)

// ResponseEvent is one HTTP/1 effect of an outbound HTTP/2 payload.
type ResponseEvent struct {
	Kind   ResponseEventKind
	Status int
	Header http.Header
	Body   []byte
}

// ResponseHeaders translates an outbound HEADERS payload. The first block
// becomes the response head; a second block is the trailers. A first block
// with end-stream set is a trailers-only response and produces head, trailer
// frame and end in one batch.
func (b *Bridge) ResponseHeaders(fields []hpack.HeaderField, endStream bool) ([]ResponseEvent, error) {
	if b.state == bridgeClosed {
		return nil, ErrBridgeClosed
	}

	if b.headSent {
		// Second HEADERS block: trailers.
		return b.finish(trailersFromFields(fields))
	}

	httpStatus := 200
	header := make(http.Header)
	var grpcStatusSeen bool
	for _, f := range fields {
		if f.Name == ":status" {
			if n, err := strconv.Atoi(f.Value); err == nil {
				httpStatus = n
			}
			continue
		}
		if strings.HasPrefix(f.Name, ":") {
			continue
		}
		if f.Name == "grpc-status" {
			grpcStatusSeen = true
		}
		if f.Name == "content-type" {
			continue
		}
		header.Add(f.Name, f.Value)
	}
	header.Set("Content-Type", b.mode.ContentType())

	if !endStream {
		b.headSent = true
		return []ResponseEvent{{Kind: EventHead, Status: httpStatus, Header: header}}, nil
	}

	// Trailers-only response: head and trailer frame go out together.
	trailers := trailersFromFields(fields)
	if !grpcStatusSeen {
		// The peer reset or rejected the stream at the HTTP level;
		// synthesize the status the web client should see.
		st := status.FromHTTPStatus(httpStatus)
		trailers.Set("grpc-status", strconv.Itoa(int(st.Code())))
		trailers.Set("grpc-message", status.EncodeMessage(st.Message()))
	}
	b.headSent = true
	events := []ResponseEvent{{Kind: EventHead, Status: 200, Header: header}}
	tail, err := b.finish(trailers)
	if err != nil {
		return nil, err
	}
	return append(events, tail...), nil
}

// ResponseData translates an outbound DATA payload: written through in
// binary mode, buffered for the single flush in text mode. The payload is
// already length-prefixed, which is exactly the web data framing.
func (b *Bridge) ResponseData(payload []byte) ([]ResponseEvent, error) {
	if b.state == bridgeClosed {
		return nil, ErrBridgeClosed
	}
	if !b.headSent {
		return nil, fmt.Errorf("grpcweb: response data before headers")
	}
	if len(payload) == 0 {
		return nil, nil
	}
	if b.mode == ModeText {
		if b.respBuf == nil {
			return nil, fmt.Errorf("grpcweb: text response buffer missing")
		}
		b.respBuf.Write(payload)
		return nil, nil
	}
	return []ResponseEvent{{Kind: EventBody, Body: payload}}, nil
}

// finish emits the trailer frame and the end event, flushing the text
// buffer when present.
func (b *Bridge) finish(trailers http.Header) ([]ResponseEvent, error) {
	frame := EncodeTrailerFrame(trailers)
	b.state = bridgeClosed

	if b.mode == ModeText {
		if b.respBuf == nil {
			return nil, fmt.Errorf("grpcweb: text response buffer missing")
		}
		b.respBuf.Write(frame)
		body := EncodeText(b.respBuf.Bytes())
		return []ResponseEvent{
			{Kind: EventBody, Body: body},
			{Kind: EventEnd},
		}, nil
	}
	return []ResponseEvent{
		{Kind: EventBody, Body: frame},
		{Kind: EventEnd},
	}, nil
}

// trailersFromFields lowercases and collects a header block as trailers,
// dropping pseudo-headers.
func trailersFromFields(fields []hpack.HeaderField) http.Header {
	trailers := make(http.Header)
	for _, f := range fields {
		if strings.HasPrefix(f.Name, ":") {
			continue
		}
		trailers.Add(strings.ToLower(f.Name), f.Value)
	}
	return trailers
}

// webToGRPCContentType rewrites a gRPC-Web content type to the plain gRPC
// one, preserving the codec subtype.
func webToGRPCContentType(ct string) string {
	suffix := ""
	if idx := strings.IndexByte(ct, '+'); idx != -1 {
		suffix = ct[idx:]
	}
	return "application/grpc" + suffix
}

// skipRequestHeader filters HTTP/1 connection headers and web-only headers
// out of the synthesized block.
func skipRequestHeader(lower string) bool {
	switch lower {
	case "host", "connection", "keep-alive", "proxy-connection",
		"transfer-encoding", "upgrade", "te", "content-type", "content-length":
		return true
	}
	return strings.HasPrefix(lower, "x-grpc-web")
}

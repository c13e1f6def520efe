// Package server implements the server-side HTTP/1↔gRPC codec: it parses
// HTTP/1 request parts into typed gRPC parts and serializes gRPC response
// parts back, multiplexing binary gRPC, gRPC-Web and gRPC-Web-Text over a
// single request/response pair. Trailers are mapped into the body where the
// transport cannot carry real ones.
package server

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"

	"github.com/conduitrpc/conduit/framing"
	"github.com/conduitrpc/conduit/grpcweb"
	"github.com/conduitrpc/conduit/internal/grpcutil"
	"github.com/conduitrpc/conduit/status"
)

// inbound parse state.
type inboundState int

const (
	inExpectingHeaders inboundState = iota
	inExpectingBody
	inDone
	inIgnore
)

// outbound serialize state.
type outboundState int

const (
	outExpectingHeaders outboundState = iota
	outExpectingBodyOrStatus
	outIgnore
)

// ErrContentType is returned for a content-type that is not gRPC at all;
// the caller answers with a plain HTTP 415, not a gRPC status.
var ErrContentType = errors.New("server: unsupported content type")

// Config fixes the per-connection codec parameters.
type Config struct {
	// EnabledEncodings is the set of message encodings the server will
	// actually use, beyond the implicit identity. Nil enables every
	// registered compressor.
	EnabledEncodings []string
	// AdvertisedEncodings is what goes into grpc-accept-encoding. Nil
	// advertises the enabled set. An enabled-but-unadvertised encoding
	// is still accepted, and the response accept list then discloses it.
	AdvertisedEncodings []string
	// DecompressionLimit caps the decompressed size of a request message.
	DecompressionLimit int
	// CompressionThreshold is the response payload size below which the
	// handler leaves messages uncompressed even when an encoding was
	// negotiated. Zero selects framing.DefaultCompressionThreshold.
	CompressionThreshold int
	// CORS configures cross-origin access for gRPC-Web browsers. Nil
	// falls back to the permissive DefaultCORSConfig.
	CORS *CORSConfig
}

// CallInfo is the typed head of an accepted request.
type CallInfo struct {
	// Path is the ":path" equivalent, "/<package>.<service>/<method>".
	Path string
	// Class is the framing class negotiated from content-type.
	Class grpcutil.ContentClass
	// Timeout is the decoded grpc-timeout; zero when absent.
	Timeout time.Duration
	// Metadata holds the non-reserved request headers.
	Metadata metadata.MD
	// RequestEncoding is the inbound message encoding, "identity" when
	// none was sent.
	RequestEncoding string
	// ResponseEncoding is the outbound encoding picked from the client's
	// accept list; "identity" when none matched.
	ResponseEncoding string
}

// Codec drives one HTTP/1 exchange. Not safe for concurrent use.
type Codec struct {
	cfg  Config
	info *CallInfo

	inState  inboundState
	outState outboundState

	reader  *framing.Reader
	decoder grpcweb.ChunkDecoder

	writer  *framing.Writer
	respBuf *bytes.Buffer // gRPC-Web-Text response accumulation

	// undisclosed is set when the client used an encoding the server
	// supports but did not advertise; the response accept list then
	// includes it.
	undisclosed string
}

// NewCodec creates a codec for one exchange.
func NewCodec(cfg Config) *Codec {
	if cfg.EnabledEncodings == nil {
		cfg.EnabledEncodings = framing.RegisteredNames()
	}
	if cfg.AdvertisedEncodings == nil {
		cfg.AdvertisedEncodings = cfg.EnabledEncodings
	}
	return &Codec{cfg: cfg}
}

// ReadRequestHead classifies and validates the request head. It returns
// ErrContentType for non-gRPC traffic (HTTP 415), a *status.Error for
// fail-fast protocol errors such as an unsupported encoding, and the typed
// head otherwise.
func (c *Codec) ReadRequestHead(method, path string, header http.Header) (*CallInfo, error) {
	if c.inState != inExpectingHeaders {
		return nil, fmt.Errorf("server: request head in state %d", c.inState)
	}

	class := grpcutil.ClassifyContentType(header.Get("Content-Type"))
	if class == grpcutil.ContentUnknown {
		c.inState = inIgnore
		c.outState = outIgnore
		return nil, ErrContentType
	}

	info := &CallInfo{
		Path:             path,
		Class:            class,
		Metadata:         headerToMetadata(header),
		RequestEncoding:  framing.Identity,
		ResponseEncoding: framing.Identity,
	}
	// Bind the head before negotiation so a fail-fast status can still be
	// serialized in the right framing class.
	c.info = info
	if class == grpcutil.ContentWebText {
		c.respBuf = &bytes.Buffer{}
	}
	if v := header.Get("grpc-timeout"); v != "" {
		d, err := grpcutil.DecodeTimeout(v)
		if err != nil {
			c.failFast()
			return nil, status.Newf(codes.Internal, "malformed grpc-timeout: %v", err).Err()
		}
		info.Timeout = d
	}

	// Inbound encoding: supported, supported-but-undisclosed, or
	// unsupported.
	var decompressor framing.Compressor
	if enc := header.Get("grpc-encoding"); enc != "" && enc != framing.Identity {
		comp, registered := framing.GetCompressor(enc)
		switch {
		case registered && c.enabled(enc):
			info.RequestEncoding = enc
			decompressor = comp
			if !c.advertised(enc) {
				c.undisclosed = enc
			}
		default:
			c.failFast()
			st := status.Newf(codes.Unimplemented, "message encoding %q not enabled", enc)
			return nil, st.WithTrailers(metadata.Pairs(
				"grpc-accept-encoding", strings.Join(c.cfg.AdvertisedEncodings, ","),
			)).Err()
		}
	}

	// Outbound encoding: first entry of the client's accept list that the
	// server also enables.
	if accept := header.Get("grpc-accept-encoding"); accept != "" {
		for _, enc := range strings.Split(accept, ",") {
			enc = strings.TrimSpace(enc)
			if enc == framing.Identity {
				break
			}
			if _, ok := framing.GetCompressor(enc); ok && c.enabled(enc) {
				info.ResponseEncoding = enc
				break
			}
		}
	}

	c.reader = framing.NewReader(framing.ReaderOptions{
		Decompressor:       decompressor,
		DecompressionLimit: c.cfg.DecompressionLimit,
	})
	outComp, _ := framing.GetCompressor(info.ResponseEncoding)
	c.writer = framing.NewWriter(outComp)

	c.inState = inExpectingBody
	return info, nil
}

// ReadBody consumes one request body chunk and returns every complete
// message payload it completes. Text bodies run through the incremental
// base64 channel first.
func (c *Codec) ReadBody(chunk []byte) ([][]byte, error) {
	switch c.inState {
	case inExpectingBody:
	case inIgnore:
		return nil, nil
	default:
		return nil, fmt.Errorf("server: body in state %d", c.inState)
	}

	if c.info.Class == grpcutil.ContentWebText {
		decoded, err := c.decoder.Decode(chunk)
		if err != nil {
			return nil, err
		}
		chunk = decoded
	}
	c.reader.Append(chunk)

	var msgs [][]byte
	for {
		payload, ok, err := c.reader.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return msgs, nil
		}
		msgs = append(msgs, payload)
	}
}

// ReadEnd closes the request direction, verifying nothing is left dangling
// in the framing or base64 buffers.
func (c *Codec) ReadEnd() error {
	switch c.inState {
	case inExpectingBody:
	case inIgnore:
		return nil
	default:
		return fmt.Errorf("server: end in state %d", c.inState)
	}
	c.inState = inDone
	if c.info.Class == grpcutil.ContentWebText && c.decoder.Pending() != 0 {
		return &grpcweb.Base64Error{Err: fmt.Errorf("%d dangling bytes at end of text body", c.decoder.Pending())}
	}
	if c.reader.Buffered() != 0 {
		return fmt.Errorf("server: request ended with %d unconsumed frame bytes", c.reader.Buffered())
	}
	return nil
}

// ResponseHead is the HTTP/1 response head produced by the codec.
type ResponseHead struct {
	Status int
	Header http.Header
}

// ResponseTail closes the response. For binary gRPC the status rides in
// real HTTP trailers; for the web classes it is a trailer frame in Body.
type ResponseTail struct {
	Body     []byte
	Trailers http.Header
}

// WriteHeaders produces the response head carrying the negotiated
// encodings and the given initial metadata.
func (c *Codec) WriteHeaders(md metadata.MD) (*ResponseHead, error) {
	if c.outState != outExpectingHeaders {
		return nil, fmt.Errorf("server: response headers in state %d", c.outState)
	}
	c.outState = outExpectingBodyOrStatus

	header := make(http.Header)
	header.Set("Content-Type", c.responseContentType())
	if enc := c.info.ResponseEncoding; enc != framing.Identity {
		header.Set("grpc-encoding", enc)
	}
	header.Set("grpc-accept-encoding", c.acceptEncodingValue())
	for k, vs := range md {
		name := strings.ToLower(k)
		if grpcutil.IsReservedHeader(name) {
			continue
		}
		for _, v := range vs {
			if grpcutil.IsBinaryHeader(name) {
				v = grpcutil.EncodeBinHeader([]byte(v))
			}
			header.Add(name, v)
		}
	}
	return &ResponseHead{Status: http.StatusOK, Header: header}, nil
}

// WriteMessage frames one response message payload. The returned chunk is
// ready for the wire; in text mode it is buffered instead and the chunk is
// nil.
func (c *Codec) WriteMessage(payload []byte, compress bool) ([]byte, error) {
	if c.outState != outExpectingBodyOrStatus {
		return nil, fmt.Errorf("server: response message in state %d", c.outState)
	}
	bufs, err := c.writer.Frame(payload, compress && c.info.ResponseEncoding != framing.Identity)
	if err != nil {
		return nil, err
	}
	var out []byte
	for _, b := range bufs {
		out = append(out, b...)
	}
	if c.info.Class == grpcutil.ContentWebText {
		if c.respBuf == nil {
			return nil, fmt.Errorf("server: text response buffer missing")
		}
		c.respBuf.Write(out)
		return nil, nil
	}
	return out, nil
}

// WriteStatus terminates the response. When the status arrives before any
// headers were written (the usual fail-fast path), an empty header block is
// synthesized first, since trailers-only is not representable on HTTP/1.
// The returned head is nil when headers already went out.
func (c *Codec) WriteStatus(st *status.Status) (*ResponseHead, *ResponseTail, error) {
	var head *ResponseHead
	switch c.outState {
	case outExpectingHeaders:
		h, err := c.WriteHeaders(nil)
		if err != nil {
			return nil, nil, err
		}
		head = h
	case outExpectingBodyOrStatus:
	default:
		return nil, nil, fmt.Errorf("server: status in state %d", c.outState)
	}
	c.outState = outIgnore

	trailers := make(http.Header)
	trailers.Set("grpc-status", strconv.Itoa(int(st.Code())))
	if msg := st.Message(); msg != "" {
		trailers.Set("grpc-message", status.EncodeMessage(msg))
	}
	for k, vs := range st.Trailers() {
		name := strings.ToLower(k)
		if name == "grpc-status" || name == "grpc-message" {
			continue
		}
		for _, v := range vs {
			trailers.Add(name, v)
		}
	}

	switch c.info.Class {
	case grpcutil.ContentWebText:
		if c.respBuf == nil {
			return nil, nil, fmt.Errorf("server: text response buffer missing")
		}
		c.respBuf.Write(grpcweb.EncodeTrailerFrame(trailers))
		return head, &ResponseTail{Body: grpcweb.EncodeText(c.respBuf.Bytes())}, nil
	case grpcutil.ContentWeb:
		return head, &ResponseTail{Body: grpcweb.EncodeTrailerFrame(trailers)}, nil
	default:
		return head, &ResponseTail{Trailers: trailers}, nil
	}
}

// failFast stops inbound parsing; subsequent body chunks are discarded.
func (c *Codec) failFast() {
	c.inState = inIgnore
}

func (c *Codec) enabled(enc string) bool {
	return contains(c.cfg.EnabledEncodings, enc)
}

func (c *Codec) advertised(enc string) bool {
	return contains(c.cfg.AdvertisedEncodings, enc)
}

func contains(set []string, enc string) bool {
	for _, a := range set {
		if a == enc {
			return true
		}
	}
	return false
}

func (c *Codec) acceptEncodingValue() string {
	if c.undisclosed == "" {
		return strings.Join(c.cfg.AdvertisedEncodings, ",")
	}
	return strings.Join(append(append([]string{}, c.cfg.AdvertisedEncodings...), c.undisclosed), ",")
}

func (c *Codec) responseContentType() string {
	switch c.info.Class {
	case grpcutil.ContentWeb:
		return "application/grpc-web+proto"
	case grpcutil.ContentWebText:
		return "application/grpc-web-text+proto"
	default:
		return "application/grpc"
	}
}

// headerToMetadata collects non-reserved request headers as call metadata.
func headerToMetadata(header http.Header) metadata.MD {
	md := metadata.MD{}
	for k, vs := range header {
		name := strings.ToLower(k)
		if grpcutil.IsReservedHeader(name) || name == "grpc-accept-encoding" ||
			name == "content-length" || name == "host" || name == "connection" ||
			strings.HasPrefix(name, "x-grpc-web") {
			continue
		}
		for _, v := range vs {
			if grpcutil.IsBinaryHeader(name) {
				if decoded, err := grpcutil.DecodeBinHeader(v); err == nil {
					v = string(decoded)
				}
			}
			md[name] = append(md[name], v)
		}
	}
	return md
}

package transport

import (
	"net"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"

	"github.com/conduitrpc/conduit/framing"
	"github.com/conduitrpc/conduit/internal/grpcutil"
	"github.com/conduitrpc/conduit/status"
)

// callState is the combined client/server half-close state of one call. The
// server is never strictly ahead of the client, so the idle-client states
// other than both-idle do not exist.
type callState int

const (
	clientIdleServerIdle callState = iota
	clientActiveServerIdle
	clientClosedServerIdle
	clientActiveServerActive
	clientClosedServerActive
	clientClosedServerClosed
)

func (s callState) String() string {
	switch s {
	case clientIdleServerIdle:
		return "client-idle/server-idle"
	case clientActiveServerIdle:
		return "client-active/server-idle"
	case clientClosedServerIdle:
		return "client-closed/server-idle"
	case clientActiveServerActive:
		return "client-active/server-active"
	case clientClosedServerActive:
		return "client-closed/server-active"
	case clientClosedServerClosed:
		return "client-closed/server-closed"
	}
	return "invalid"
}

// CallConfig fixes the per-call parameters before any event is processed.
type CallConfig struct {
	// Type determines the request and response arity.
	Type CallType
	// Serializer encodes request messages and decodes response messages.
	Serializer Serializer
	// NewResponse allocates the value each response message is decoded
	// into.
	NewResponse func() any
	// UserAgent is sent verbatim. Empty selects the library default.
	UserAgent string
	// ContentSubtype is the suffix after "application/grpc+". Empty sends
	// the bare sentinel content-type.
	ContentSubtype string
	// OutboundEncoding names the compressor for request messages. Empty
	// or "identity" sends uncompressed frames.
	OutboundEncoding string
	// AcceptEncodings is advertised as grpc-accept-encoding. Nil uses
	// every registered compressor.
	AcceptEncodings []string
	// DecompressionLimit caps the decompressed size of each response
	// message. Zero means unlimited.
	DecompressionLimit int
	// CompressionThreshold is the serialized size below which
	// ShouldCompress reports false. Zero selects
	// framing.DefaultCompressionThreshold.
	CompressionThreshold int
}

const defaultUserAgent = "conduit-go/1.0"

// ClientCall is the state machine for a single RPC on the client side. All
// methods are pure transitions: they either return the wire-level effect of
// the event or an error, and never suspend. A ClientCall is not safe for
// concurrent use; the owning stream serializes events.
type ClientCall struct {
	cfg   CallConfig
	state callState

	writer *framing.Writer
	reader *framing.Reader

	reqMessageSent  bool
	respMessageSeen bool
}

// NewClientCall creates the state machine for one call.
func NewClientCall(cfg CallConfig) *ClientCall {
	if cfg.Serializer == nil {
		cfg.Serializer = ProtoSerializer{}
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.AcceptEncodings == nil {
		cfg.AcceptEncodings = framing.RegisteredNames()
	}
	comp, _ := framing.GetCompressor(cfg.OutboundEncoding)
	return &ClientCall{
		cfg:    cfg,
		state:  clientIdleServerIdle,
		writer: framing.NewWriter(comp),
	}
}

// State returns a human-readable name of the current state, for logs.
func (c *ClientCall) State() string {
	return c.state.String()
}

// Finished reports whether the call reached its terminal state.
func (c *ClientCall) Finished() bool {
	return c.state == clientClosedServerClosed
}

// SendRequestHeaders opens the call, producing the HEADERS field set for the
// stream. Valid only before any other event.
func (c *ClientCall) SendRequestHeaders(head RequestHead) ([]hpack.HeaderField, error) {
	if c.state != clientIdleServerIdle {
		return nil, &InvalidStateError{Op: "send request headers", State: c.state.String()}
	}

	method := "POST"
	if head.Cacheable {
		method = "GET"
	}
	contentType := grpcutil.ContentTypeGRPC
	if c.cfg.ContentSubtype != "" {
		contentType += "+" + c.cfg.ContentSubtype
	}

	fields := []hpack.HeaderField{
		{Name: ":method", Value: method},
		{Name: ":scheme", Value: head.Scheme},
		{Name: ":path", Value: head.Path},
		{Name: ":authority", Value: head.Authority},
		{Name: "content-type", Value: contentType},
		{Name: "te", Value: "trailers"},
		{Name: "user-agent", Value: c.cfg.UserAgent},
	}
	if enc := c.cfg.OutboundEncoding; enc != "" && enc != framing.Identity {
		fields = append(fields, hpack.HeaderField{Name: "grpc-encoding", Value: enc})
	}
	fields = append(fields, hpack.HeaderField{
		Name:  "grpc-accept-encoding",
		Value: strings.Join(c.cfg.AcceptEncodings, ","),
	})
	if head.Timeout > 0 {
		fields = append(fields, hpack.HeaderField{
			Name:  "grpc-timeout",
			Value: grpcutil.EncodeTimeout(head.Timeout),
		})
	}
	fields = append(fields, metadataFields(head.Metadata)...)

	c.state = clientActiveServerIdle
	return fields, nil
}

// ShouldCompress is the default per-message compression decision for
// SendRequest callers: an outbound encoding must be configured and the
// serialized payload must reach the configured threshold. Small messages
// stay uncompressed by default; the compressed argument of SendRequest is
// the explicit override.
func (c *ClientCall) ShouldCompress(payload []byte) bool {
	enc := c.cfg.OutboundEncoding
	if enc == "" || enc == framing.Identity {
		return false
	}
	return framing.ShouldCompress(payload, c.cfg.CompressionThreshold)
}

// SendRequest serializes and frames one request message. The compressed
// argument requests per-message compression; it only takes effect when an
// outbound encoding is configured.
func (c *ClientCall) SendRequest(msg any, compressed bool) (net.Buffers, error) {
	switch c.state {
	case clientActiveServerIdle, clientActiveServerActive:
	case clientIdleServerIdle:
		return nil, &InvalidStateError{Op: "send request", State: c.state.String()}
	default:
		// Request stream already half-closed.
		return nil, &CardinalityViolationError{Direction: "request"}
	}
	if c.cfg.Type.RequestArity() == One && c.reqMessageSent {
		return nil, &CardinalityViolationError{Direction: "request"}
	}

	payload, err := c.cfg.Serializer.Marshal(msg)
	if err != nil {
		return nil, &SerializationError{Err: err}
	}
	bufs, err := c.writer.Frame(payload, compressed)
	if err != nil {
		return nil, err
	}
	c.reqMessageSent = true
	return bufs, nil
}

// SendEndOfRequestStream half-closes the request direction.
func (c *ClientCall) SendEndOfRequestStream() error {
	switch c.state {
	case clientActiveServerIdle:
		c.state = clientClosedServerIdle
	case clientActiveServerActive:
		c.state = clientClosedServerActive
	case clientClosedServerIdle, clientClosedServerActive, clientClosedServerClosed:
		return ErrAlreadyClosed
	default:
		return &InvalidStateError{Op: "end request stream", State: c.state.String()}
	}
	return nil
}

// IsTrailersOnly reports whether a HEADERS block should be treated as a
// trailers-only response: either end-stream was set on the frame or the
// block already carries grpc-status.
func IsTrailersOnly(fields []hpack.HeaderField, endStream bool) bool {
	if endStream {
		return true
	}
	for _, f := range fields {
		if f.Name == "grpc-status" {
			return true
		}
	}
	return false
}

// ReceiveResponseHeaders admits the server's initial header block, installs
// the message reader and yields the InitialMetadata part.
func (c *ClientCall) ReceiveResponseHeaders(fields []hpack.HeaderField) ([]ResponsePart, error) {
	switch c.state {
	case clientActiveServerIdle, clientClosedServerIdle:
	default:
		return nil, &InvalidStateError{Op: "receive response headers", State: c.state.String()}
	}

	h := indexFields(fields)
	if err := c.checkResponseHead(h); err != nil {
		return nil, err
	}

	encoding := h.get("grpc-encoding")
	decompressor, err := c.inboundDecompressor(encoding)
	if err != nil {
		return nil, err
	}
	c.reader = framing.NewReader(framing.ReaderOptions{
		Decompressor:       decompressor,
		DecompressionLimit: c.cfg.DecompressionLimit,
	})

	if c.state == clientActiveServerIdle {
		c.state = clientActiveServerActive
	} else {
		c.state = clientClosedServerActive
	}
	return []ResponsePart{{Kind: PartInitialMetadata, Metadata: fieldsToMetadata(fields)}}, nil
}

// ReceiveResponseBuffer appends DATA payload bytes and drains every complete
// message. Empty buffers are legal and yield nothing.
func (c *ClientCall) ReceiveResponseBuffer(p []byte) ([]ResponsePart, error) {
	switch c.state {
	case clientActiveServerActive, clientClosedServerActive:
	default:
		return nil, &InvalidStateError{Op: "receive response buffer", State: c.state.String()}
	}

	c.reader.Append(p)
	var parts []ResponsePart
	for {
		payload, ok, err := c.reader.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return parts, nil
		}
		if c.cfg.Type.ResponseArity() == One && c.respMessageSeen {
			return nil, &CardinalityViolationError{Direction: "response"}
		}
		msg, err := c.decodeResponse(payload)
		if err != nil {
			return nil, err
		}
		c.respMessageSeen = true
		parts = append(parts, ResponsePart{Kind: PartMessage, Message: msg})
	}
}

// ReceiveEndOfResponseStream terminates the call from a trailer block, or
// from a trailers-only header block (trailersOnly true). It emits the
// TrailingMetadata part followed by the terminal Status part and always
// leaves the machine in its terminal state.
func (c *ClientCall) ReceiveEndOfResponseStream(fields []hpack.HeaderField, trailersOnly bool) ([]ResponsePart, error) {
	switch c.state {
	case clientActiveServerIdle, clientClosedServerIdle:
		if !trailersOnly {
			return nil, &InvalidStateError{Op: "receive trailers", State: c.state.String()}
		}
	case clientActiveServerActive, clientClosedServerActive:
		if trailersOnly {
			return nil, &InvalidStateError{Op: "receive trailers-only response", State: c.state.String()}
		}
	default:
		return nil, &InvalidStateError{Op: "receive end of response stream", State: c.state.String()}
	}
	c.state = clientClosedServerClosed

	h := indexFields(fields)
	if trailersOnly {
		if err := c.checkResponseHead(h); err != nil {
			return nil, err
		}
	} else if c.reader != nil && c.reader.Buffered() > 0 {
		return nil, ErrLeftOverBytes
	}

	// A missing grpc-status defaults to Unknown.
	code := codes.Unknown
	if v, ok := h.lookup("grpc-status"); ok {
		code = status.ParseCode(v)
	}
	message := status.DecodeMessage(h.get("grpc-message"))
	trailerMD := fieldsToMetadata(fields)
	st := status.New(code, message).WithTrailers(trailerMD)

	return []ResponsePart{
		{Kind: PartTrailingMetadata, Metadata: trailerMD},
		{Kind: PartStatus, Status: st},
	}, nil
}

// ReceiveReset terminates the call from an RST_STREAM, synthesizing the
// status the application sees from the HTTP/2 error code. Fails once the
// call already finished.
func (c *ClientCall) ReceiveReset(code http2.ErrCode) ([]ResponsePart, error) {
	if c.state == clientClosedServerClosed {
		return nil, &InvalidStateError{Op: "receive reset", State: c.state.String()}
	}
	c.state = clientClosedServerClosed
	return []ResponsePart{{Kind: PartStatus, Status: status.FromHTTP2ErrCode(code)}}, nil
}

// Terminate forces the terminal state from a local failure: cancellation,
// a missed deadline, or a transport error. Returns the terminal Status
// part, or nil when the call already finished and no further part may be
// emitted.
func (c *ClientCall) Terminate(err error) []ResponsePart {
	if c.state == clientClosedServerClosed {
		return nil
	}
	c.state = clientClosedServerClosed
	return []ResponsePart{{Kind: PartStatus, Status: StatusFromError(err)}}
}

// checkResponseHead validates :status and content-type on a response header
// block.
func (c *ClientCall) checkResponseHead(h fieldIndex) error {
	if v, ok := h.lookup(":status"); ok {
		httpStatus, err := strconv.Atoi(v)
		if err != nil {
			return &InvalidHTTPStatusError{}
		}
		if httpStatus != 200 {
			e := &InvalidHTTPStatusError{HTTPStatus: httpStatus}
			if gs, ok := h.lookup("grpc-status"); ok {
				e.GRPCStatus = status.New(
					status.ParseCode(gs),
					status.DecodeMessage(h.get("grpc-message")),
				)
			}
			return e
		}
	}
	if ct := h.get("content-type"); !grpcutil.ValidContentType(ct) {
		return &InvalidContentTypeError{ContentType: ct}
	}
	return nil
}

func (c *ClientCall) inboundDecompressor(encoding string) (framing.Compressor, error) {
	if encoding == "" || encoding == framing.Identity {
		return nil, nil
	}
	for _, accepted := range c.cfg.AcceptEncodings {
		if accepted == encoding {
			if comp, ok := framing.GetCompressor(encoding); ok {
				return comp, nil
			}
			break
		}
	}
	return nil, &UnsupportedEncodingError{Encoding: encoding, Accepted: c.cfg.AcceptEncodings}
}

func (c *ClientCall) decodeResponse(payload []byte) (any, error) {
	var msg any
	if c.cfg.NewResponse != nil {
		msg = c.cfg.NewResponse()
	} else {
		b := new([]byte)
		msg = b
	}
	if err := c.cfg.Serializer.Unmarshal(payload, msg); err != nil {
		return nil, &DeserializationError{Err: err}
	}
	return msg, nil
}

// fieldIndex gives case-normalized lookup over a header field block.
type fieldIndex map[string][]string

func indexFields(fields []hpack.HeaderField) fieldIndex {
	idx := make(fieldIndex, len(fields))
	for _, f := range fields {
		name := strings.ToLower(f.Name)
		idx[name] = append(idx[name], f.Value)
	}
	return idx
}

func (h fieldIndex) get(name string) string {
	if vs := h[name]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

func (h fieldIndex) lookup(name string) (string, bool) {
	if vs := h[name]; len(vs) > 0 {
		return vs[0], true
	}
	return "", false
}

// metadataFields flattens user metadata into header fields. Keys are sorted
// for a deterministic block; reserved protocol headers are skipped and
// binary values are base64 encoded.
func metadataFields(md metadata.MD) []hpack.HeaderField {
	if len(md) == 0 {
		return nil
	}
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var fields []hpack.HeaderField
	for _, k := range keys {
		name := strings.ToLower(k)
		if grpcutil.IsReservedHeader(name) {
			continue
		}
		for _, v := range md[k] {
			if grpcutil.IsBinaryHeader(name) {
				v = grpcutil.EncodeBinHeader([]byte(v))
			}
			fields = append(fields, hpack.HeaderField{Name: name, Value: v})
		}
	}
	return fields
}

// fieldsToMetadata collects the non-reserved headers of a block as user
// metadata, decoding binary values.
func fieldsToMetadata(fields []hpack.HeaderField) metadata.MD {
	md := metadata.MD{}
	for _, f := range fields {
		name := strings.ToLower(f.Name)
		if grpcutil.IsReservedHeader(name) {
			continue
		}
		v := f.Value
		if grpcutil.IsBinaryHeader(name) {
			if decoded, err := grpcutil.DecodeBinHeader(v); err == nil {
				v = string(decoded)
			}
		}
		md[name] = append(md[name], v)
	}
	return md
}

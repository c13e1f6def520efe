package transport

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"

	"github.com/conduitrpc/conduit/framing"
)

func rawCall(t CallType) *ClientCall {
	return NewClientCall(CallConfig{Type: t, Serializer: RawSerializer{}})
}

func head() RequestHead {
	return RequestHead{Scheme: "http", Authority: "example.com:50051", Path: "/foo.Bar/Baz"}
}

func field(fields []hpack.HeaderField, name string) (string, bool) {
	for _, f := range fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// frameBytes runs a payload through the framing writer the way a server
// would before putting it in a DATA frame.
func frameBytes(t *testing.T, payload []byte, comp framing.Compressor, compressed bool) []byte {
	t.Helper()
	bufs, err := framing.NewWriter(comp).Frame(payload, compressed)
	require.NoError(t, err)
	var out []byte
	for _, b := range bufs {
		out = append(out, b...)
	}
	return out
}

func respHeaders() []hpack.HeaderField {
	return []hpack.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "content-type", Value: "application/grpc"},
	}
}

func okTrailers() []hpack.HeaderField {
	return []hpack.HeaderField{{Name: "grpc-status", Value: "0"}}
}

func TestUnarySuccess(t *testing.T) {
	c := rawCall(Unary)

	fields, err := c.SendRequestHeaders(head())
	require.NoError(t, err)

	msg := []byte{0x00, 0x01, 0x02}
	bufs, err := c.SendRequest(&msg, false)
	require.NoError(t, err)
	require.Len(t, bufs, 1)
	require.Equal(t, []byte{0x00, 0x00, 0x00, 0x00, 0x03, 0x00, 0x01, 0x02}, []byte(bufs[0]))

	require.NoError(t, c.SendEndOfRequestStream())

	v, ok := field(fields, ":method")
	require.True(t, ok)
	require.Equal(t, "POST", v)

	parts, err := c.ReceiveResponseHeaders(respHeaders())
	require.NoError(t, err)
	require.Len(t, parts, 1)
	require.Equal(t, PartInitialMetadata, parts[0].Kind)

	parts, err = c.ReceiveResponseBuffer(frameBytes(t, []byte("ab"), nil, false))
	require.NoError(t, err)
	require.Len(t, parts, 1)
	require.Equal(t, PartMessage, parts[0].Kind)
	require.Equal(t, []byte("ab"), *(parts[0].Message.(*[]byte)))

	parts, err = c.ReceiveEndOfResponseStream(okTrailers(), false)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	require.Equal(t, PartTrailingMetadata, parts[0].Kind)
	require.Equal(t, PartStatus, parts[1].Kind)
	require.Equal(t, codes.OK, parts[1].Status.Code())
	require.True(t, c.Finished())
}

func TestRequestHeaderFields(t *testing.T) {
	c := NewClientCall(CallConfig{
		Type:             Unary,
		Serializer:       RawSerializer{},
		ContentSubtype:   "proto",
		OutboundEncoding: framing.Gzip,
		AcceptEncodings:  []string{framing.Identity, framing.Gzip},
		UserAgent:        "test-agent/0.1",
	})
	md := metadata.Pairs("x-request-id", "abc", "auth-token-bin", "\x01\x02")
	h := head()
	h.Timeout = 250 * time.Millisecond
	h.Metadata = md
	h.Cacheable = true

	fields, err := c.SendRequestHeaders(h)
	require.NoError(t, err)

	want := map[string]string{
		":method":              "GET",
		":scheme":              "http",
		":path":                "/foo.Bar/Baz",
		":authority":           "example.com:50051",
		"content-type":         "application/grpc+proto",
		"te":                   "trailers",
		"user-agent":           "test-agent/0.1",
		"grpc-encoding":        "gzip",
		"grpc-accept-encoding": "identity,gzip",
		"grpc-timeout":         "250000u",
		"x-request-id":         "abc",
		"auth-token-bin":       "AQI",
	}
	for name, value := range want {
		v, ok := field(fields, name)
		require.True(t, ok, "missing header %q", name)
		require.Equal(t, value, v, "header %q", name)
	}

	// Pseudo-headers come first.
	for i := 0; i < 4; i++ {
		require.True(t, fields[i].Name[0] == ':', "field %d = %q", i, fields[i].Name)
	}
}

func TestNoTimeoutHeaderWhenInfinite(t *testing.T) {
	c := rawCall(Unary)
	fields, err := c.SendRequestHeaders(head())
	require.NoError(t, err)
	_, ok := field(fields, "grpc-timeout")
	require.False(t, ok)
	_, ok = field(fields, "grpc-encoding")
	require.False(t, ok)
}

func TestTrailersOnlyUnimplemented(t *testing.T) {
	c := rawCall(Unary)
	_, err := c.SendRequestHeaders(head())
	require.NoError(t, err)

	fields := []hpack.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "content-type", Value: "application/grpc"},
		{Name: "grpc-status", Value: "12"},
		{Name: "grpc-message", Value: "Method not found"},
	}
	require.True(t, IsTrailersOnly(fields, true))
	require.True(t, IsTrailersOnly(fields, false)) // grpc-status alone is enough

	parts, err := c.ReceiveEndOfResponseStream(fields, true)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	require.Equal(t, PartTrailingMetadata, parts[0].Kind)
	require.Equal(t, codes.Unimplemented, parts[1].Status.Code())
	require.Equal(t, "Method not found", parts[1].Status.Message())
	require.True(t, c.Finished())
}

func TestCompressionMismatchTrailers(t *testing.T) {
	// Server that only supports identity answers with Unimplemented and
	// its accept list in the trailers; the client surfaces both.
	c := NewClientCall(CallConfig{
		Type:             Unary,
		Serializer:       RawSerializer{},
		OutboundEncoding: framing.Gzip,
	})
	_, err := c.SendRequestHeaders(head())
	require.NoError(t, err)

	fields := []hpack.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "content-type", Value: "application/grpc"},
		{Name: "grpc-status", Value: "12"},
		{Name: "grpc-message", Value: "message encoding \"gzip\" not enabled"},
		{Name: "grpc-accept-encoding", Value: "identity"},
	}
	parts, err := c.ReceiveEndOfResponseStream(fields, true)
	require.NoError(t, err)
	st := parts[1].Status
	require.Equal(t, codes.Unimplemented, st.Code())
	require.Contains(t, st.Message(), "gzip")
	require.Equal(t, []string{"identity"}, st.Trailers().Get("grpc-accept-encoding"))
}

func TestMissingGrpcStatusDefaultsToUnknown(t *testing.T) {
	c := rawCall(Unary)
	_, err := c.SendRequestHeaders(head())
	require.NoError(t, err)
	_, err = c.ReceiveResponseHeaders(respHeaders())
	require.NoError(t, err)

	parts, err := c.ReceiveEndOfResponseStream(nil, false)
	require.NoError(t, err)
	require.Equal(t, codes.Unknown, parts[1].Status.Code())
}

func TestPercentDecodedMessage(t *testing.T) {
	c := rawCall(Unary)
	_, err := c.SendRequestHeaders(head())
	require.NoError(t, err)
	_, err = c.ReceiveResponseHeaders(respHeaders())
	require.NoError(t, err)

	trailers := []hpack.HeaderField{
		{Name: "grpc-status", Value: "13"},
		{Name: "grpc-message", Value: "50%25 failure%0Aretry"},
	}
	parts, err := c.ReceiveEndOfResponseStream(trailers, false)
	require.NoError(t, err)
	require.Equal(t, "50% failure\nretry", parts[1].Status.Message())
}

func TestShouldCompressRequest(t *testing.T) {
	small := make([]byte, 16)
	large := make([]byte, 4096)

	// No outbound encoding: never compress by default.
	c := rawCall(Unary)
	require.False(t, c.ShouldCompress(small))
	require.False(t, c.ShouldCompress(large))

	// Negotiated encoding: the size threshold decides.
	c = NewClientCall(CallConfig{
		Type:             Unary,
		Serializer:       RawSerializer{},
		OutboundEncoding: framing.Gzip,
	})
	require.False(t, c.ShouldCompress(small))
	require.True(t, c.ShouldCompress(large))

	// A custom threshold moves the cut-off.
	c = NewClientCall(CallConfig{
		Type:                 Unary,
		Serializer:           RawSerializer{},
		OutboundEncoding:     framing.Gzip,
		CompressionThreshold: 8,
	})
	require.True(t, c.ShouldCompress(small))

	// The explicit flag still wins: a small message compresses when the
	// caller insists.
	c = NewClientCall(CallConfig{
		Type:             Unary,
		Serializer:       RawSerializer{},
		OutboundEncoding: framing.Gzip,
	})
	_, err := c.SendRequestHeaders(head())
	require.NoError(t, err)
	msg := append([]byte{}, small...)
	bufs, err := c.SendRequest(&msg, true)
	require.NoError(t, err)
	require.Equal(t, byte(0x01), bufs[0][0])
}

func TestRequestCardinality(t *testing.T) {
	tests := []struct {
		callType  CallType
		secondErr bool
	}{
		{Unary, true},
		{ServerStreaming, true},
		{ClientStreaming, false},
		{BidirectionalStreaming, false},
	}
	for _, tt := range tests {
		t.Run(tt.callType.String(), func(t *testing.T) {
			c := rawCall(tt.callType)
			_, err := c.SendRequestHeaders(head())
			require.NoError(t, err)

			msg := []byte("m")
			_, err = c.SendRequest(&msg, false)
			require.NoError(t, err)

			_, err = c.SendRequest(&msg, false)
			var cv *CardinalityViolationError
			if tt.secondErr {
				require.ErrorAs(t, err, &cv)
				require.Equal(t, "request", cv.Direction)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestResponseCardinality(t *testing.T) {
	// Two framed messages in one buffer on a single-message response.
	c := rawCall(Unary)
	_, err := c.SendRequestHeaders(head())
	require.NoError(t, err)
	_, err = c.ReceiveResponseHeaders(respHeaders())
	require.NoError(t, err)

	buf := append(frameBytes(t, []byte("one"), nil, false), frameBytes(t, []byte("two"), nil, false)...)
	_, err = c.ReceiveResponseBuffer(buf)
	var cv *CardinalityViolationError
	require.ErrorAs(t, err, &cv)
	require.Equal(t, "response", cv.Direction)

	// Streaming response accepts both.
	c = rawCall(ServerStreaming)
	_, err = c.SendRequestHeaders(head())
	require.NoError(t, err)
	_, err = c.ReceiveResponseHeaders(respHeaders())
	require.NoError(t, err)
	parts, err := c.ReceiveResponseBuffer(buf)
	require.NoError(t, err)
	require.Len(t, parts, 2)
}

func TestSendAfterCloseIsCardinalityViolation(t *testing.T) {
	c := rawCall(ClientStreaming)
	_, err := c.SendRequestHeaders(head())
	require.NoError(t, err)
	require.NoError(t, c.SendEndOfRequestStream())

	msg := []byte("late")
	_, err = c.SendRequest(&msg, false)
	var cv *CardinalityViolationError
	require.ErrorAs(t, err, &cv)

	require.ErrorIs(t, c.SendEndOfRequestStream(), ErrAlreadyClosed)
}

func TestInvalidStateTransitions(t *testing.T) {
	var ise *InvalidStateError

	c := rawCall(Unary)
	msg := []byte("m")
	_, err := c.SendRequest(&msg, false)
	require.ErrorAs(t, err, &ise, "send before headers")

	_, err = c.ReceiveResponseBuffer([]byte{0})
	require.ErrorAs(t, err, &ise, "receive buffer before headers")

	_, err = c.ReceiveResponseHeaders(respHeaders())
	require.ErrorAs(t, err, &ise, "response headers before request headers")

	_, err = c.SendRequestHeaders(head())
	require.NoError(t, err)
	_, err = c.SendRequestHeaders(head())
	require.ErrorAs(t, err, &ise, "double request headers")

	_, err = c.ReceiveResponseHeaders(respHeaders())
	require.NoError(t, err)
	_, err = c.ReceiveResponseHeaders(respHeaders())
	require.ErrorAs(t, err, &ise, "double response headers")

	// Trailers-only after response headers is not legal.
	_, err = c.ReceiveEndOfResponseStream(okTrailers(), true)
	require.ErrorAs(t, err, &ise)
}

func TestTerminalStateRejectsEverything(t *testing.T) {
	c := rawCall(Unary)
	_, err := c.SendRequestHeaders(head())
	require.NoError(t, err)
	_, err = c.ReceiveResponseHeaders(respHeaders())
	require.NoError(t, err)
	_, err = c.ReceiveEndOfResponseStream(okTrailers(), false)
	require.NoError(t, err)
	require.True(t, c.Finished())

	var ise *InvalidStateError
	_, err = c.ReceiveResponseHeaders(respHeaders())
	require.ErrorAs(t, err, &ise)
	_, err = c.ReceiveResponseBuffer(nil)
	require.ErrorAs(t, err, &ise)
	_, err = c.ReceiveEndOfResponseStream(okTrailers(), false)
	require.ErrorAs(t, err, &ise)
}

func TestInvalidHTTPStatus(t *testing.T) {
	c := rawCall(Unary)
	_, err := c.SendRequestHeaders(head())
	require.NoError(t, err)

	fields := []hpack.HeaderField{
		{Name: ":status", Value: "503"},
		{Name: "content-type", Value: "application/grpc"},
	}
	_, err = c.ReceiveResponseHeaders(fields)
	var ihs *InvalidHTTPStatusError
	require.ErrorAs(t, err, &ihs)
	require.Equal(t, 503, ihs.HTTPStatus)
	require.Nil(t, ihs.GRPCStatus)
}

func TestInvalidHTTPStatusWithGRPCStatus(t *testing.T) {
	c := rawCall(Unary)
	_, err := c.SendRequestHeaders(head())
	require.NoError(t, err)

	fields := []hpack.HeaderField{
		{Name: ":status", Value: "404"},
		{Name: "grpc-status", Value: "12"},
		{Name: "grpc-message", Value: "nope"},
	}
	_, err = c.ReceiveEndOfResponseStream(fields, true)
	var ihs *InvalidHTTPStatusError
	require.ErrorAs(t, err, &ihs)
	require.Equal(t, 404, ihs.HTTPStatus)
	require.NotNil(t, ihs.GRPCStatus)
	require.Equal(t, codes.Unimplemented, ihs.GRPCStatus.Code())
	require.Equal(t, "nope", ihs.GRPCStatus.Message())
}

func TestInvalidContentType(t *testing.T) {
	c := rawCall(Unary)
	_, err := c.SendRequestHeaders(head())
	require.NoError(t, err)

	fields := []hpack.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "content-type", Value: "text/html"},
	}
	_, err = c.ReceiveResponseHeaders(fields)
	var ict *InvalidContentTypeError
	require.ErrorAs(t, err, &ict)
	require.Equal(t, "text/html", ict.ContentType)
}

func TestUnsupportedResponseEncoding(t *testing.T) {
	c := NewClientCall(CallConfig{
		Type:            Unary,
		Serializer:      RawSerializer{},
		AcceptEncodings: []string{framing.Identity},
	})
	_, err := c.SendRequestHeaders(head())
	require.NoError(t, err)

	fields := append(respHeaders(), hpack.HeaderField{Name: "grpc-encoding", Value: "gzip"})
	_, err = c.ReceiveResponseHeaders(fields)
	var uee *UnsupportedEncodingError
	require.ErrorAs(t, err, &uee)
	require.Equal(t, "gzip", uee.Encoding)
}

func TestCompressedResponse(t *testing.T) {
	comp, ok := framing.GetCompressor(framing.Gzip)
	require.True(t, ok)

	c := rawCall(ServerStreaming)
	_, err := c.SendRequestHeaders(head())
	require.NoError(t, err)

	fields := append(respHeaders(), hpack.HeaderField{Name: "grpc-encoding", Value: "gzip"})
	_, err = c.ReceiveResponseHeaders(fields)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("data"), 512)
	parts, err := c.ReceiveResponseBuffer(frameBytes(t, payload, comp, true))
	require.NoError(t, err)
	require.Len(t, parts, 1)
	require.Equal(t, payload, *(parts[0].Message.(*[]byte)))
}

func TestLeftOverBytesAtEndOfStream(t *testing.T) {
	c := rawCall(Unary)
	_, err := c.SendRequestHeaders(head())
	require.NoError(t, err)
	_, err = c.ReceiveResponseHeaders(respHeaders())
	require.NoError(t, err)

	// Half a frame, then trailers.
	_, err = c.ReceiveResponseBuffer([]byte{0x00, 0x00, 0x00})
	require.NoError(t, err)
	_, err = c.ReceiveEndOfResponseStream(okTrailers(), false)
	require.ErrorIs(t, err, ErrLeftOverBytes)
}

func TestStatusFromErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"content type", &InvalidContentTypeError{ContentType: "text/html"}, codes.Internal},
		{"http status", &InvalidHTTPStatusError{HTTPStatus: 503}, codes.Internal},
		{"encoding", &UnsupportedEncodingError{Encoding: "zstd"}, codes.Unimplemented},
		{"limit", &framing.LimitError{Limit: 1}, codes.ResourceExhausted},
		{"unexpected compression", framing.ErrUnexpectedCompression, codes.Internal},
		{"left over", ErrLeftOverBytes, codes.Internal},
		{"other", errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, StatusFromError(tt.err).Code())
		})
	}
	require.Nil(t, StatusFromError(nil))
}

func TestReceiveReset(t *testing.T) {
	c := rawCall(Unary)
	_, err := c.SendRequestHeaders(head())
	require.NoError(t, err)

	parts, err := c.ReceiveReset(http2.ErrCodeRefusedStream)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	require.Equal(t, PartStatus, parts[0].Kind)
	require.Equal(t, codes.Unavailable, parts[0].Status.Code())
	require.True(t, c.Finished())

	_, err = c.ReceiveReset(http2.ErrCodeCancel)
	var ise *InvalidStateError
	require.ErrorAs(t, err, &ise)
}

func TestTerminate(t *testing.T) {
	c := rawCall(Unary)
	_, err := c.SendRequestHeaders(head())
	require.NoError(t, err)

	parts := c.Terminate(ErrCancelledByClient)
	require.Len(t, parts, 1)
	require.Equal(t, codes.Canceled, parts[0].Status.Code())
	require.True(t, c.Finished())

	// Terminating a finished call emits nothing: exactly one Status per
	// call.
	require.Nil(t, c.Terminate(ErrRPCTimedOut))

	c = rawCall(Unary)
	_, err = c.SendRequestHeaders(head())
	require.NoError(t, err)
	parts = c.Terminate(ErrRPCTimedOut)
	require.Equal(t, codes.DeadlineExceeded, parts[0].Status.Code())
}

func TestStatusIsLastAndUnique(t *testing.T) {
	// Drive a full streaming call and check the ordering invariant:
	// InitialMetadata?, Message*, TrailingMetadata, Status.
	c := rawCall(BidirectionalStreaming)
	_, err := c.SendRequestHeaders(head())
	require.NoError(t, err)
	msg := []byte("ping")
	_, err = c.SendRequest(&msg, false)
	require.NoError(t, err)
	require.NoError(t, c.SendEndOfRequestStream())

	var all []ResponsePart
	parts, err := c.ReceiveResponseHeaders(respHeaders())
	require.NoError(t, err)
	all = append(all, parts...)

	wire := append(frameBytes(t, []byte("a"), nil, false), frameBytes(t, []byte("b"), nil, false)...)
	for _, b := range wire {
		parts, err = c.ReceiveResponseBuffer([]byte{b}) // byte-at-a-time
		require.NoError(t, err)
		all = append(all, parts...)
	}

	parts, err = c.ReceiveEndOfResponseStream(okTrailers(), false)
	require.NoError(t, err)
	all = append(all, parts...)

	var statuses int
	for i, p := range all {
		if p.Kind == PartStatus {
			statuses++
			require.Equal(t, len(all)-1, i, "status not last")
		}
	}
	require.Equal(t, 1, statuses)
	require.Equal(t, PartInitialMetadata, all[0].Kind)
	require.Equal(t, PartTrailingMetadata, all[len(all)-2].Kind)
}

// Package status carries the terminal result of a gRPC call: a status code,
// an optional message and the trailing metadata it arrived with. It is the
// only failure shape the transport ever hands to an application.
package status

import (
	"fmt"
	"net/http"
	"strconv"

	"golang.org/x/net/http2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"

	"github.com/conduitrpc/conduit/internal/grpcutil"
)

// Status is the terminal outcome of a call.
type Status struct {
	code     codes.Code
	message  string
	trailers metadata.MD
}

// New creates a Status with the given code and message.
func New(code codes.Code, message string) *Status {
	return &Status{code: code, message: message}
}

// Newf creates a Status with a formatted message.
func Newf(code codes.Code, format string, args ...any) *Status {
	return New(code, fmt.Sprintf(format, args...))
}

// WithTrailers returns a copy of the status carrying the given trailing
// metadata.
func (s *Status) WithTrailers(md metadata.MD) *Status {
	return &Status{code: s.code, message: s.message, trailers: md}
}

// Code returns the status code. A nil status is OK.
func (s *Status) Code() codes.Code {
	if s == nil {
		return codes.OK
	}
	return s.code
}

// Message returns the status message.
func (s *Status) Message() string {
	if s == nil {
		return ""
	}
	return s.message
}

// Trailers returns the trailing metadata attached to the status. May be nil.
func (s *Status) Trailers() metadata.MD {
	if s == nil {
		return nil
	}
	return s.trailers
}

// OK reports whether the status code is OK.
func (s *Status) OK() bool {
	return s.Code() == codes.OK
}

// Err returns nil for an OK status and a *Error otherwise.
func (s *Status) Err() error {
	if s.OK() {
		return nil
	}
	return &Error{s: s}
}

func (s *Status) String() string {
	return fmt.Sprintf("rpc status: code = %s desc = %s", s.Code(), s.Message())
}

// Error wraps a non-OK Status as an error value.
type Error struct {
	s *Status
}

func (e *Error) Error() string {
	return e.s.String()
}

// Status returns the wrapped status.
func (e *Error) Status() *Status {
	return e.s
}

// FromError extracts a Status from an error. Errors that do not carry one
// come back as Unknown, matching the wire default for a missing grpc-status.
func FromError(err error) *Status {
	if err == nil {
		return New(codes.OK, "")
	}
	if se, ok := err.(*Error); ok {
		return se.s
	}
	return New(codes.Unknown, err.Error())
}

// ParseCode parses the decimal value of a grpc-status header. Out-of-range
// and malformed values map to Unknown.
func ParseCode(v string) codes.Code {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 || n > int(codes.Unauthenticated) {
		return codes.Unknown
	}
	return codes.Code(n)
}

// EncodeMessage percent-escapes a message for the grpc-message header.
func EncodeMessage(msg string) string {
	return grpcutil.EncodeGrpcMessage(msg)
}

// DecodeMessage reverses EncodeMessage.
func DecodeMessage(msg string) string {
	return grpcutil.DecodeGrpcMessage(msg)
}

// httpStatusCodes maps HTTP response statuses observed in place of a proper
// gRPC response to status codes.
var httpStatusCodes = map[int]codes.Code{
	http.StatusBadRequest:         codes.Internal,
	http.StatusUnauthorized:       codes.Unauthenticated,
	http.StatusForbidden:          codes.PermissionDenied,
	http.StatusNotFound:           codes.Unimplemented,
	http.StatusTooManyRequests:    codes.Unavailable,
	http.StatusBadGateway:         codes.Unavailable,
	http.StatusServiceUnavailable: codes.Unavailable,
	http.StatusGatewayTimeout:     codes.Unavailable,
}

// FromHTTPStatus synthesizes a Status for a non-200 HTTP response that
// carried no grpc-status of its own. The raw HTTP status lands in the
// message.
func FromHTTPStatus(httpStatus int) *Status {
	code, ok := httpStatusCodes[httpStatus]
	if !ok {
		code = codes.Internal
	}
	return Newf(code, "unexpected HTTP status code received: %d", httpStatus)
}

// http2ErrCodes maps RST_STREAM error codes to status codes per the gRPC
// HTTP/2 protocol mapping.
var http2ErrCodes = map[http2.ErrCode]codes.Code{
	http2.ErrCodeNo:                 codes.Internal,
	http2.ErrCodeProtocol:           codes.Internal,
	http2.ErrCodeInternal:           codes.Internal,
	http2.ErrCodeFlowControl:        codes.ResourceExhausted,
	http2.ErrCodeSettingsTimeout:    codes.Internal,
	http2.ErrCodeStreamClosed:       codes.Internal,
	http2.ErrCodeFrameSize:          codes.Internal,
	http2.ErrCodeRefusedStream:      codes.Unavailable,
	http2.ErrCodeCancel:             codes.Canceled,
	http2.ErrCodeCompression:        codes.Internal,
	http2.ErrCodeConnect:            codes.Internal,
	http2.ErrCodeEnhanceYourCalm:    codes.ResourceExhausted,
	http2.ErrCodeInadequateSecurity: codes.PermissionDenied,
	http2.ErrCodeHTTP11Required:     codes.Internal,
}

// FromHTTP2ErrCode synthesizes a Status for an RST_STREAM received before
// the server produced a status of its own.
func FromHTTP2ErrCode(code http2.ErrCode) *Status {
	c, ok := http2ErrCodes[code]
	if !ok {
		c = codes.Internal
	}
	return Newf(c, "stream terminated by RST_STREAM with error code: %v", code)
}

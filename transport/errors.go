package transport

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"

	"github.com/conduitrpc/conduit/framing"
	"github.com/conduitrpc/conduit/status"
)

// ErrAlreadyClosed is returned when the request stream is half-closed a
// second time.
var ErrAlreadyClosed = errors.New("transport: request stream already closed")

// ErrLeftOverBytes is returned when the response stream ends with a partial
// frame still buffered.
var ErrLeftOverBytes = errors.New("transport: response stream ended with unconsumed frame bytes")

// ErrRPCTimedOut terminates a call whose deadline passed before the server
// produced a status.
var ErrRPCTimedOut = errors.New("transport: rpc timed out")

// ErrCancelledByClient terminates a call the user gave up on.
var ErrCancelledByClient = errors.New("transport: rpc cancelled by client")

// InvalidStateError reports an operation applied in a call state that does
// not admit it. It indicates a bug in the layer driving the state machine.
type InvalidStateError struct {
	Op    string
	State string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("transport: %s is invalid in call state %s", e.Op, e.State)
}

// CardinalityViolationError reports a message sent or received past the
// arity limit of its direction.
type CardinalityViolationError struct {
	Direction string // "request" or "response"
}

func (e *CardinalityViolationError) Error() string {
	return fmt.Sprintf("transport: cardinality violation: more than one %s message on a single-message call", e.Direction)
}

// SerializationError wraps a serializer failure on the request path.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("transport: request serialization failed: %v", e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// DeserializationError wraps a serializer failure on the response path.
type DeserializationError struct {
	Err error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("transport: response deserialization failed: %v", e.Err)
}

func (e *DeserializationError) Unwrap() error { return e.Err }

// InvalidContentTypeError reports a response content-type that is not a
// gRPC one.
type InvalidContentTypeError struct {
	ContentType string
}

func (e *InvalidContentTypeError) Error() string {
	return fmt.Sprintf("transport: invalid response content-type %q", e.ContentType)
}

// InvalidHTTPStatusError reports a response :status other than 200. When the
// same header block also carried a grpc-status, GRPCStatus holds it so the
// user still sees what the server meant.
type InvalidHTTPStatusError struct {
	HTTPStatus int
	GRPCStatus *status.Status
}

func (e *InvalidHTTPStatusError) Error() string {
	if e.GRPCStatus != nil {
		return fmt.Sprintf("transport: invalid HTTP status %d with gRPC status: %v", e.HTTPStatus, e.GRPCStatus)
	}
	return fmt.Sprintf("transport: invalid HTTP status %d", e.HTTPStatus)
}

// UnsupportedEncodingError reports a grpc-encoding outside the advertised
// accept list.
type UnsupportedEncodingError struct {
	Encoding string
	Accepted []string
}

func (e *UnsupportedEncodingError) Error() string {
	return fmt.Sprintf("transport: unsupported message encoding %q, accepted: %v", e.Encoding, e.Accepted)
}

// StatusFromError maps a transport error onto the status the application
// sees. Protocol violations never retry; they fail the call directly.
func StatusFromError(err error) *status.Status {
	if err == nil {
		return nil
	}
	var (
		ict *InvalidContentTypeError
		ihs *InvalidHTTPStatusError
		uee *UnsupportedEncodingError
		le  *framing.LimitError
	)
	switch {
	case errors.As(err, &ict):
		return status.Newf(codes.Internal, "invalid content-type: %q", ict.ContentType)
	case errors.As(err, &ihs):
		return status.Newf(codes.Internal, "unexpected HTTP status code received: %d", ihs.HTTPStatus)
	case errors.As(err, &uee):
		return status.Newf(codes.Unimplemented, "message encoding %q not supported", uee.Encoding)
	case errors.As(err, &le):
		return status.New(codes.ResourceExhausted, le.Error())
	case errors.Is(err, framing.ErrUnexpectedCompression):
		return status.New(codes.Internal, err.Error())
	case errors.Is(err, ErrLeftOverBytes):
		return status.New(codes.Internal, err.Error())
	case errors.Is(err, ErrRPCTimedOut):
		return status.New(codes.DeadlineExceeded, "deadline exceeded")
	case errors.Is(err, ErrCancelledByClient):
		return status.New(codes.Canceled, "cancelled by client")
	}
	return status.New(codes.Internal, err.Error())
}

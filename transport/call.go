// Package transport implements the client side of the gRPC-over-HTTP/2 call
// protocol: a per-call state machine that validates headers and trailers,
// enforces message cardinality, drives length-prefixed framing and terminates
// every call with a status.
//
// The package deals in design-level parts (header field sets, framed message
// buffers, response parts); the HTTP/2 framing itself belongs to the layer
// below.
package transport

import (
	"time"

	"google.golang.org/grpc/metadata"

	"github.com/conduitrpc/conduit/status"
)

// CallType is the streaming shape of an RPC.
type CallType int

const (
	Unary CallType = iota
	ClientStreaming
	ServerStreaming
	BidirectionalStreaming
)

func (c CallType) String() string {
	switch c {
	case Unary:
		return "unary"
	case ClientStreaming:
		return "client-streaming"
	case ServerStreaming:
		return "server-streaming"
	case BidirectionalStreaming:
		return "bidirectional-streaming"
	}
	return "unknown"
}

// Arity constrains how many messages one peer may send on one direction of a
// call.
type Arity int

const (
	// One allows at most a single message.
	One Arity = iota
	// Many allows any number of messages.
	Many
)

// RequestArity returns how many request messages the client may send.
func (c CallType) RequestArity() Arity {
	if c == ClientStreaming || c == BidirectionalStreaming {
		return Many
	}
	return One
}

// ResponseArity returns how many response messages the server may send.
func (c CallType) ResponseArity() Arity {
	if c == ServerStreaming || c == BidirectionalStreaming {
		return Many
	}
	return One
}

// RequestHead carries everything needed to open a call on the wire.
type RequestHead struct {
	// Scheme is the :scheme pseudo-header, "http" or "https".
	Scheme string
	// Authority is the :authority pseudo-header.
	Authority string
	// Path is the full method path, "/<package>.<service>/<method>".
	Path string
	// Cacheable selects GET instead of POST as the :method.
	Cacheable bool
	// Timeout becomes the grpc-timeout header when positive. Zero means
	// no deadline is conveyed.
	Timeout time.Duration
	// Metadata is the caller's custom metadata, appended after the
	// protocol headers.
	Metadata metadata.MD
}

// ResponsePartKind tags a ResponsePart.
type ResponsePartKind int

const (
	// PartInitialMetadata is the server's initial header block.
	PartInitialMetadata ResponsePartKind = iota
	// PartMessage is one decoded response message.
	PartMessage
	// PartTrailingMetadata is the trailer block, minus the status pair.
	PartTrailingMetadata
	// PartStatus terminates the call. Exactly one is emitted per call and
	// it is always last.
	PartStatus
)

// ResponsePart is one ordered inbound event on a call. Parts arrive in the
// order InitialMetadata?, Message*, TrailingMetadata, Status.
type ResponsePart struct {
	Kind     ResponsePartKind
	Metadata metadata.MD
	Message  any
	Status   *status.Status
}

package grpcutil

import "strings"

// Content-type prefixes recognized on the wire.
const (
	ContentTypeGRPC    = "application/grpc"
	ContentTypeWeb     = "application/grpc-web"
	ContentTypeWebText = "application/grpc-web-text"
)

// ContentClass classifies how a request body is framed.
type ContentClass int

const (
	// ContentBinary is plain gRPC over HTTP/2 framing.
	ContentBinary ContentClass = iota
	// ContentWeb is gRPC-Web binary framing.
	ContentWeb
	// ContentWebText is gRPC-Web with base64 body encoding.
	ContentWebText
	// ContentUnknown is anything else; the server answers with HTTP 415.
	ContentUnknown
)

// ClassifyContentType maps a content-type header to its framing class.
// A missing header defaults to binary gRPC. Parameters after ';' and
// subtype suffixes after '+' are ignored for classification.
func ClassifyContentType(ct string) ContentClass {
	if idx := strings.IndexByte(ct, ';'); idx != -1 {
		ct = strings.TrimSpace(ct[:idx])
	}
	switch {
	case ct == "":
		return ContentBinary
	case strings.HasPrefix(ct, ContentTypeWebText):
		return ContentWebText
	case strings.HasPrefix(ct, ContentTypeWeb):
		return ContentWeb
	case strings.HasPrefix(ct, ContentTypeGRPC):
		return ContentBinary
	}
	return ContentUnknown
}

// ValidContentType reports whether ct is acceptable on a gRPC response:
// "application/grpc" optionally followed by "+proto", "+json" or another
// codec subtype.
func ValidContentType(ct string) bool {
	if !strings.HasPrefix(ct, ContentTypeGRPC) {
		return false
	}
	rest := ct[len(ContentTypeGRPC):]
	if rest == "" {
		return true
	}
	return rest[0] == '+' || rest[0] == ';'
}

// ContentSubtype extracts the codec subtype from a content-type, e.g.
// "proto" from "application/grpc+proto". Empty when absent.
func ContentSubtype(ct string) string {
	if idx := strings.IndexByte(ct, ';'); idx != -1 {
		ct = ct[:idx]
	}
	if idx := strings.IndexByte(ct, '+'); idx != -1 {
		return ct[idx+1:]
	}
	return ""
}

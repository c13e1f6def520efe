package grpcutil

import (
	"encoding/base64"
	"strings"
)

// BinHdrSuffix marks metadata keys whose values are base64 encoded on the
// wire.
const BinHdrSuffix = "-bin"

// IsBinaryHeader reports whether the metadata key carries binary data.
func IsBinaryHeader(key string) bool {
	return strings.HasSuffix(key, BinHdrSuffix)
}

// EncodeBinHeader encodes a binary metadata value without padding.
func EncodeBinHeader(v []byte) string {
	return base64.RawStdEncoding.EncodeToString(v)
}

// DecodeBinHeader accepts both padded and unpadded base64, since peers
// differ on which form they emit.
func DecodeBinHeader(v string) ([]byte, error) {
	if len(v)%4 == 0 {
		return base64.StdEncoding.DecodeString(v)
	}
	return base64.RawStdEncoding.DecodeString(v)
}

// IsReservedHeader reports whether a header belongs to the gRPC protocol
// itself rather than user metadata. Pseudo-headers are always reserved.
func IsReservedHeader(hdr string) bool {
	if hdr != "" && hdr[0] == ':' {
		return true
	}
	switch hdr {
	case "content-type",
		"user-agent",
		"grpc-message-type",
		"grpc-encoding",
		"grpc-message",
		"grpc-status",
		"grpc-timeout",
		"grpc-status-details-bin",
		"te":
		return true
	}
	return false
}

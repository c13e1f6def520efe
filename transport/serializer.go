package transport

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

// Serializer converts messages to and from payload bytes. Message
// serialization is pluggable; the transport never inspects payloads.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// ProtoSerializer marshals proto.Message values. It is the default codec,
// matching the "+proto" content subtype.
type ProtoSerializer struct{}

func (ProtoSerializer) Marshal(v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("proto serializer: expected proto.Message, got %T", v)
	}
	return proto.Marshal(m)
}

func (ProtoSerializer) Unmarshal(data []byte, v any) error {
	m, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("proto serializer: expected proto.Message, got %T", v)
	}
	return proto.Unmarshal(data, m)
}

// RawSerializer passes payload bytes through untouched. Values must be
// *[]byte. Useful for proxies that relay frames without decoding them.
type RawSerializer struct{}

func (RawSerializer) Marshal(v any) ([]byte, error) {
	b, ok := v.(*[]byte)
	if !ok {
		return nil, fmt.Errorf("raw serializer: expected *[]byte, got %T", v)
	}
	return *b, nil
}

func (RawSerializer) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("raw serializer: expected *[]byte, got %T", v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

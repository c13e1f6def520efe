package server

import (
	"bytes"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"

	"github.com/conduitrpc/conduit/framing"
	"github.com/conduitrpc/conduit/grpcweb"
	"github.com/conduitrpc/conduit/internal/grpcutil"
	"github.com/conduitrpc/conduit/status"
)

func frameMsg(t *testing.T, payload []byte, comp framing.Compressor, compressed bool) []byte {
	t.Helper()
	bufs, err := framing.NewWriter(comp).Frame(payload, compressed)
	require.NoError(t, err)
	var out []byte
	for _, b := range bufs {
		out = append(out, b...)
	}
	return out
}

func grpcHeader() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/grpc")
	return h
}

func TestReadRequestHeadClasses(t *testing.T) {
	tests := []struct {
		ct   string
		want grpcutil.ContentClass
	}{
		{"application/grpc", grpcutil.ContentBinary},
		{"application/grpc+proto", grpcutil.ContentBinary},
		{"", grpcutil.ContentBinary},
		{"application/grpc-web", grpcutil.ContentWeb},
		{"application/grpc-web-text+proto", grpcutil.ContentWebText},
	}
	for _, tt := range tests {
		c := NewCodec(Config{})
		h := http.Header{}
		if tt.ct != "" {
			h.Set("Content-Type", tt.ct)
		}
		info, err := c.ReadRequestHead("POST", "/foo.Bar/Baz", h)
		require.NoError(t, err, tt.ct)
		require.Equal(t, tt.want, info.Class, tt.ct)
		require.Equal(t, "/foo.Bar/Baz", info.Path)
	}
}

func TestReadRequestHeadRejectsForeignContentType(t *testing.T) {
	c := NewCodec(Config{})
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	_, err := c.ReadRequestHead("POST", "/foo.Bar/Baz", h)
	require.ErrorIs(t, err, ErrContentType)

	// Subsequent body chunks are discarded, not parsed.
	msgs, err := c.ReadBody([]byte("ignored"))
	require.NoError(t, err)
	require.Empty(t, msgs)
	require.NoError(t, c.ReadEnd())
}

func TestEncodingNegotiationSupported(t *testing.T) {
	c := NewCodec(Config{})
	h := grpcHeader()
	h.Set("grpc-encoding", "gzip")
	info, err := c.ReadRequestHead("POST", "/s/m", h)
	require.NoError(t, err)
	require.Equal(t, "gzip", info.RequestEncoding)

	comp, _ := framing.GetCompressor(framing.Gzip)
	payload := bytes.Repeat([]byte("request"), 100)
	msgs, err := c.ReadBody(frameMsg(t, payload, comp, true))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, payload, msgs[0])
}

func TestEncodingNegotiationUndisclosed(t *testing.T) {
	c := NewCodec(Config{
		EnabledEncodings:    []string{framing.Identity, framing.Gzip},
		AdvertisedEncodings: []string{framing.Identity},
	})
	h := grpcHeader()
	h.Set("grpc-encoding", "gzip")
	info, err := c.ReadRequestHead("POST", "/s/m", h)
	require.NoError(t, err)
	require.Equal(t, "gzip", info.RequestEncoding)

	// The response accept list discloses the encoding the client used.
	head, err := c.WriteHeaders(nil)
	require.NoError(t, err)
	require.Equal(t, "identity,gzip", head.Header.Get("grpc-accept-encoding"))
}

func TestEncodingNegotiationUnsupported(t *testing.T) {
	// Scenario: server has only identity enabled, client sends gzip.
	c := NewCodec(Config{EnabledEncodings: []string{framing.Identity}})
	h := grpcHeader()
	h.Set("grpc-encoding", "gzip")
	_, err := c.ReadRequestHead("POST", "/s/m", h)
	require.Error(t, err)

	st := status.FromError(err)
	require.Equal(t, codes.Unimplemented, st.Code())
	require.Contains(t, st.Message(), "gzip")
	require.Equal(t, []string{"identity"}, st.Trailers().Get("grpc-accept-encoding"))

	// Fail-fast: the status can still be written, with headers
	// synthesized first.
	headSt, tail, werr := c.WriteStatus(st)
	require.NoError(t, werr)
	require.NotNil(t, headSt)
	require.Equal(t, "12", tail.Trailers.Get("grpc-status"))
	require.Equal(t, "identity", tail.Trailers.Get("grpc-accept-encoding"))
}

func TestResponseEncodingSelection(t *testing.T) {
	tests := []struct {
		name   string
		accept string
		want   string
	}{
		{"first match wins", "deflate, gzip", "deflate"},
		{"skips unknown", "zstd, gzip", "gzip"},
		{"identity stops the scan", "identity, gzip", "identity"},
		{"no header", "", "identity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCodec(Config{})
			h := grpcHeader()
			if tt.accept != "" {
				h.Set("grpc-accept-encoding", tt.accept)
			}
			info, err := c.ReadRequestHead("POST", "/s/m", h)
			require.NoError(t, err)
			require.Equal(t, tt.want, info.ResponseEncoding)

			head, err := c.WriteHeaders(nil)
			require.NoError(t, err)
			if tt.want == framing.Identity {
				require.Empty(t, head.Header.Get("grpc-encoding"))
			} else {
				require.Equal(t, tt.want, head.Header.Get("grpc-encoding"))
			}
		})
	}
}

func TestTimeoutDecoding(t *testing.T) {
	c := NewCodec(Config{})
	h := grpcHeader()
	h.Set("grpc-timeout", "250m")
	info, err := c.ReadRequestHead("POST", "/s/m", h)
	require.NoError(t, err)
	require.Equal(t, "250ms", info.Timeout.String())

	c = NewCodec(Config{})
	h = grpcHeader()
	h.Set("grpc-timeout", "bogus")
	_, err = c.ReadRequestHead("POST", "/s/m", h)
	require.Error(t, err)
	require.Equal(t, codes.Internal, status.FromError(err).Code())
}

func TestRequestMetadata(t *testing.T) {
	c := NewCodec(Config{})
	h := grpcHeader()
	h.Set("x-request-id", "abc")
	h.Set("token-bin", "AQI")
	h.Set("grpc-timeout", "1S")
	h.Set("User-Agent", "x")
	info, err := c.ReadRequestHead("POST", "/s/m", h)
	require.NoError(t, err)
	require.Equal(t, []string{"abc"}, info.Metadata.Get("x-request-id"))
	require.Equal(t, []string{"\x01\x02"}, info.Metadata.Get("token-bin"))
	require.Empty(t, info.Metadata.Get("grpc-timeout"))
	require.Empty(t, info.Metadata.Get("user-agent"))
}

func TestWebTextInboundChunked(t *testing.T) {
	c := NewCodec(Config{})
	h := http.Header{}
	h.Set("Content-Type", "application/grpc-web-text")
	_, err := c.ReadRequestHead("POST", "/s/m", h)
	require.NoError(t, err)

	payload := []byte("web text request")
	encoded := grpcweb.EncodeText(frameMsg(t, payload, nil, false))

	// Feed in 3-byte chunks so the base64 channel has to buffer tails.
	var msgs [][]byte
	for off := 0; off < len(encoded); off += 3 {
		end := off + 3
		if end > len(encoded) {
			end = len(encoded)
		}
		got, err := c.ReadBody(encoded[off:end])
		require.NoError(t, err)
		msgs = append(msgs, got...)
	}
	require.NoError(t, c.ReadEnd())
	require.Len(t, msgs, 1)
	require.Equal(t, payload, msgs[0])
}

func TestWebTextOutboundSingleFlush(t *testing.T) {
	c := NewCodec(Config{})
	h := http.Header{}
	h.Set("Content-Type", "application/grpc-web-text")
	_, err := c.ReadRequestHead("POST", "/s/m", h)
	require.NoError(t, err)

	head, err := c.WriteHeaders(nil)
	require.NoError(t, err)
	require.Equal(t, "application/grpc-web-text+proto", head.Header.Get("Content-Type"))

	// Messages are buffered, not streamed.
	chunk, err := c.WriteMessage([]byte("resp-a"), false)
	require.NoError(t, err)
	require.Nil(t, chunk)
	chunk, err = c.WriteMessage([]byte("resp-b"), false)
	require.NoError(t, err)
	require.Nil(t, chunk)

	_, tail, err := c.WriteStatus(status.New(codes.OK, ""))
	require.NoError(t, err)
	require.Empty(t, tail.Trailers)

	var d grpcweb.ChunkDecoder
	decoded, err := d.Decode(tail.Body)
	require.NoError(t, err)
	frames, err := grpcweb.ReadFrames(bytes.NewReader(decoded))
	require.NoError(t, err)
	require.Len(t, frames, 3)
	require.Equal(t, []byte("resp-a"), frames[0].Payload)
	require.True(t, frames[2].IsTrailer())
	trailers := grpcweb.ParseTrailerBlock(frames[2].Payload)
	require.Equal(t, "0", trailers.Get("grpc-status"))
}

func TestWebBinaryOutboundStreams(t *testing.T) {
	c := NewCodec(Config{})
	h := http.Header{}
	h.Set("Content-Type", "application/grpc-web")
	_, err := c.ReadRequestHead("POST", "/s/m", h)
	require.NoError(t, err)

	_, err = c.WriteHeaders(nil)
	require.NoError(t, err)

	chunk, err := c.WriteMessage([]byte("stream-me"), false)
	require.NoError(t, err)
	require.NotNil(t, chunk)

	_, tail, err := c.WriteStatus(status.New(codes.OK, ""))
	require.NoError(t, err)
	require.Equal(t, byte(0x80), tail.Body[0])
	require.Empty(t, tail.Trailers)
}

func TestBinaryStatusUsesRealTrailers(t *testing.T) {
	c := NewCodec(Config{})
	_, err := c.ReadRequestHead("POST", "/s/m", grpcHeader())
	require.NoError(t, err)
	_, err = c.WriteHeaders(metadata.Pairs("x-meta", "1"))
	require.NoError(t, err)

	_, tail, err := c.WriteStatus(status.New(codes.Internal, "boom 100%"))
	require.NoError(t, err)
	require.Empty(t, tail.Body)
	require.Equal(t, "13", tail.Trailers.Get("grpc-status"))
	require.Equal(t, "boom 100%25", tail.Trailers.Get("grpc-message"))
}

func TestTrailersOnlySynthesizesHeaders(t *testing.T) {
	c := NewCodec(Config{})
	_, err := c.ReadRequestHead("POST", "/s/m", grpcHeader())
	require.NoError(t, err)

	head, tail, err := c.WriteStatus(status.New(codes.Unimplemented, "no such method"))
	require.NoError(t, err)
	require.NotNil(t, head, "headers must be synthesized before a status on HTTP/1")
	require.Equal(t, http.StatusOK, head.Status)
	require.Equal(t, "12", tail.Trailers.Get("grpc-status"))
}

func TestReadEndLeftOverBytes(t *testing.T) {
	c := NewCodec(Config{})
	_, err := c.ReadRequestHead("POST", "/s/m", grpcHeader())
	require.NoError(t, err)

	_, err = c.ReadBody([]byte{0x00, 0x00, 0x00}) // partial frame
	require.NoError(t, err)
	require.Error(t, c.ReadEnd())
}

func TestRequestDecompressionLimit(t *testing.T) {
	c := NewCodec(Config{DecompressionLimit: 16})
	h := grpcHeader()
	h.Set("grpc-encoding", "gzip")
	_, err := c.ReadRequestHead("POST", "/s/m", h)
	require.NoError(t, err)

	comp, _ := framing.GetCompressor(framing.Gzip)
	_, err = c.ReadBody(frameMsg(t, bytes.Repeat([]byte("a"), 1024), comp, true))
	var le *framing.LimitError
	require.True(t, errors.As(err, &le))
}

// Package framing implements the gRPC length-prefixed message codec: a
// 1-byte compression flag, a 4-byte big-endian length and the payload,
// with optional per-message compression drawn from a small registry.
package framing

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
)

// Encoding names recognized in grpc-encoding and grpc-accept-encoding.
const (
	// Identity occupies a slot in the accept list without invoking a
	// compressor: messages are framed but not compressed.
	Identity = "identity"
	Gzip     = "gzip"
	Deflate  = "deflate"
)

// Compressor compresses and decompresses message payloads. Implementations
// must be safe for concurrent use; the codec resets any streaming context
// between messages.
type Compressor interface {
	Name() string
	Compress(data []byte) ([]byte, error)
	// Decompress inflates data. A positive limit caps the decompressed
	// size; exceeding it returns a *LimitError.
	Decompress(data []byte, limit int) ([]byte, error)
}

// LimitError reports a message whose decompressed size exceeded the
// configured cap. The call fails with ResourceExhausted.
type LimitError struct {
	Limit int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("message decompressed size exceeds limit of %d bytes", e.Limit)
}

var registry = struct {
	sync.RWMutex
	compressors map[string]Compressor
}{
	compressors: make(map[string]Compressor),
}

// RegisterCompressor adds a compressor to the registry, replacing any
// previous entry with the same name.
func RegisterCompressor(c Compressor) {
	registry.Lock()
	defer registry.Unlock()
	registry.compressors[c.Name()] = c
}

// GetCompressor looks up a compressor by encoding name. Identity never
// resolves to a compressor.
func GetCompressor(name string) (Compressor, bool) {
	if name == "" || name == Identity {
		return nil, false
	}
	registry.RLock()
	defer registry.RUnlock()
	c, ok := registry.compressors[name]
	return c, ok
}

// RegisteredNames returns the encoding names the registry advertises in
// grpc-accept-encoding, identity first.
func RegisteredNames() []string {
	registry.RLock()
	defer registry.RUnlock()
	names := make([]string, 0, len(registry.compressors)+1)
	names = append(names, Identity)
	for _, known := range []string{Deflate, Gzip} {
		if _, ok := registry.compressors[known]; ok {
			names = append(names, known)
		}
	}
	return names
}

// DefaultCompressionThreshold is the payload size below which compression
// is skipped by default: tiny messages tend to grow when compressed.
const DefaultCompressionThreshold = 1024 // 1KB

// ShouldCompress reports whether a payload is large enough to be worth
// compressing. A non-positive threshold selects the default. Callers
// deciding the per-message compressed flag use this as the default and may
// still override it explicitly.
func ShouldCompress(data []byte, threshold int) bool {
	if threshold <= 0 {
		threshold = DefaultCompressionThreshold
	}
	return len(data) >= threshold
}

var bufferPool = sync.Pool{
	New: func() any {
		return &bytes.Buffer{}
	},
}

// gzipCompressor implements Compressor on klauspost gzip.
type gzipCompressor struct{}

var gzipWriterPool = sync.Pool{
	New: func() any {
		return gzip.NewWriter(nil)
	},
}

var gzipReaderPool = sync.Pool{
	New: func() any {
		return new(gzip.Reader)
	},
}

func (gzipCompressor) Name() string { return Gzip }

func (gzipCompressor) Compress(data []byte) ([]byte, error) {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	gz := gzipWriterPool.Get().(*gzip.Writer)
	gz.Reset(buf)
	defer gzipWriterPool.Put(gz)

	if _, err := gz.Write(data); err != nil {
		return nil, fmt.Errorf("gzip compress write: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("gzip compress close: %w", err)
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

func (gzipCompressor) Decompress(data []byte, limit int) ([]byte, error) {
	gz := gzipReaderPool.Get().(*gzip.Reader)
	defer gzipReaderPool.Put(gz)
	if err := gz.Reset(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("gzip decompress reset: %w", err)
	}
	return readLimited(gz, limit)
}

// flateCompressor implements Compressor on raw DEFLATE, the "deflate"
// message encoding.
type flateCompressor struct{}

func (flateCompressor) Name() string { return Deflate }

func (flateCompressor) Compress(data []byte) ([]byte, error) {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	fw, err := flate.NewWriter(buf, flate.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("deflate writer: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return nil, fmt.Errorf("deflate compress write: %w", err)
	}
	if err := fw.Close(); err != nil {
		return nil, fmt.Errorf("deflate compress close: %w", err)
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

func (flateCompressor) Decompress(data []byte, limit int) ([]byte, error) {
	fr := flate.NewReader(bytes.NewReader(data))
	defer fr.Close()
	return readLimited(fr, limit)
}

// readLimited drains r into a fresh slice, enforcing the decompressed-size
// cap on the way.
func readLimited(r io.Reader, limit int) ([]byte, error) {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	if limit > 0 {
		n, err := io.Copy(buf, io.LimitReader(r, int64(limit)+1))
		if err != nil {
			return nil, fmt.Errorf("decompress read: %w", err)
		}
		if n > int64(limit) {
			return nil, &LimitError{Limit: limit}
		}
	} else {
		if _, err := io.Copy(buf, r); err != nil {
			return nil, fmt.Errorf("decompress read: %w", err)
		}
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

func init() {
	RegisterCompressor(gzipCompressor{})
	RegisterCompressor(flateCompressor{})
}

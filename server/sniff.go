package server

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/net/http2"
)

// Protocol is the result of sniffing the first bytes of a connection when
// ALPN is absent or declined.
type Protocol int

const (
	// ProtocolHTTP2 means the HTTP/2 client preface was seen.
	ProtocolHTTP2 Protocol = iota
	// ProtocolHTTP1 means the bytes look like an HTTP/1.x request line.
	ProtocolHTTP1
)

// sniffLimit caps how many bytes we read looking for an HTTP/1 request line
// before declaring the connection ambiguous.
const sniffLimit = 1024

// ErrAmbiguousProtocol means the initial bytes match neither the HTTP/2
// preface nor an HTTP/1 request line; the connection should be closed.
var ErrAmbiguousProtocol = errors.New("server: connection matches neither HTTP/2 preface nor HTTP/1 request line")

var clientPreface = []byte(http2.ClientPreface)

// SniffConn detects the protocol of a raw connection and returns a net.Conn
// that replays the consumed bytes. On ErrAmbiguousProtocol the connection
// has been closed.
func SniffConn(conn net.Conn) (Protocol, net.Conn, error) {
	br := bufio.NewReaderSize(conn, sniffLimit)
	proto, err := sniff(br)
	if err != nil {
		conn.Close()
		return 0, nil, err
	}
	return proto, &bufferedConn{Conn: conn, r: br}, nil
}

// sniff reads just enough of br to classify the protocol. The bufio reader
// retains everything for replay.
func sniff(br *bufio.Reader) (Protocol, error) {
	prefix, err := br.Peek(len(clientPreface))
	if err == nil && bytes.Equal(prefix, clientPreface) {
		return ProtocolHTTP2, nil
	}
	if err != nil && len(prefix) == 0 {
		return 0, fmt.Errorf("server: sniff: %w", err)
	}
	// Shorter reads still allow HTTP/1 detection below; a short prefix
	// that matches the preface so far but ended early is ambiguous.
	if len(prefix) < len(clientPreface) && bytes.Equal(prefix, clientPreface[:len(prefix)]) {
		return 0, ErrAmbiguousProtocol
	}

	// Look for "METHOD SP PATH SP HTTP/1." within the cap.
	window, _ := br.Peek(sniffLimit)
	if isHTTP1RequestLine(window) {
		return ProtocolHTTP1, nil
	}
	return 0, ErrAmbiguousProtocol
}

// isHTTP1RequestLine applies a light-weight request-line check: an upper
// case token, a space-separated target and an HTTP/1 version before the
// first CRLF.
func isHTTP1RequestLine(window []byte) bool {
	end := bytes.IndexByte(window, '\n')
	if end == -1 {
		return false
	}
	line := window[:end]
	first := bytes.IndexByte(line, ' ')
	if first <= 0 {
		return false
	}
	for _, b := range line[:first] {
		if b < 'A' || b > 'Z' {
			return false
		}
	}
	second := bytes.LastIndexByte(line, ' ')
	if second <= first {
		return false
	}
	return bytes.HasPrefix(line[second+1:], []byte("HTTP/1."))
}

// bufferedConn replays the sniffed bytes before the rest of the stream.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

var _ io.Reader = (*bufferedConn)(nil)

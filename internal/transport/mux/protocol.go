package mux

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"time"
)

type protocolType int

const (
	protocolTCP protocolType = iota
	protocolHTTP
)

func (p protocolType) String() string {
	if p == protocolHTTP {
		return "http"
	}
	return "tcp"
}

// httpPrefixes are the first four bytes of every HTTP/1.x request method.
var httpPrefixes = [][]byte{
	[]byte("GET "),
	[]byte("POST"),
	[]byte("PUT "),
	[]byte("HEAD"),
	[]byte("OPTI"), // OPTIONS
	[]byte("PATC"), // PATCH
	[]byte("DELE"), // DELETE
	[]byte("CONN"), // CONNECT
}

// detectProtocol peeks at the first bytes to determine protocol type. A
// connection is HTTP only when it opens with a method name and a complete
// HTTP/1.x request line. HTTP clients speak first, so a connection that
// stays silent for timeout is a TCP listener and is routed as TCP. The
// returned reader holds any peeked bytes.
func detectProtocol(conn net.Conn, timeout time.Duration) (protocolType, *bufio.Reader, error) {
	reader := bufio.NewReader(conn)

	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return protocolTCP, reader, err
		}
		defer conn.SetReadDeadline(time.Time{})
	}

	peek, err := reader.Peek(4)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return protocolTCP, reader, nil
		}
		return protocolTCP, reader, err
	}

	if !hasHTTPPrefix(peek) {
		return protocolTCP, reader, nil
	}

	ok, err := isRequestLine(reader)
	if err != nil {
		// Bytes already arrived; the TCP loop owns whatever comes next.
		if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, io.EOF) {
			return protocolTCP, reader, nil
		}
		return protocolTCP, reader, err
	}
	if ok {
		return protocolHTTP, reader, nil
	}
	return protocolTCP, reader, nil
}

func hasHTTPPrefix(peek []byte) bool {
	for _, prefix := range httpPrefixes {
		if bytes.HasPrefix(peek, prefix) {
			return true
		}
	}
	return false
}

// httpVersion is how every HTTP/1.x request line ends, before the minor digit.
var httpVersion = []byte(" HTTP/1.")

// isRequestLine peeks up to the first newline and reports whether it is an
// HTTP/1.x request line. A TCP frame whose bytes happen to start with a method
// name fails this check. Nothing is consumed from reader.
func isRequestLine(reader *bufio.Reader) (bool, error) {
	for n := reader.Buffered(); n <= reader.Size(); n = reader.Buffered() + 1 {
		peek, err := reader.Peek(n)
		if i := bytes.IndexByte(peek, '\n'); i >= 0 {
			line := bytes.TrimSuffix(peek[:i], []byte("\r"))
			v := bytes.LastIndex(line, httpVersion)
			return v > 0 && len(line)-v == len(httpVersion)+1, nil
		}
		if err != nil {
			return false, err
		}
	}
	return false, nil
}

package tcp

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// maxVarintLen is the longest encoding of a 64-bit length prefix.
const maxVarintLen = 10

// ErrMessageTooLarge is returned by Read when a frame exceeds the size limit.
var ErrMessageTooLarge = errors.New("tcp: message too large")

// appendFrame appends payload as varint(len) || payload.
func appendFrame(b, payload []byte) []byte {
	return protowire.AppendBytes(b, payload)
}

// readFrame reads one length-prefixed frame. io.EOF is returned only when the
// stream ends exactly on a frame boundary.
func readFrame(br *bufio.Reader, maxSize int) ([]byte, error) {
	var hdr []byte
	for i := 1; i <= maxVarintLen; i++ {
		b, err := br.Peek(i)
		if err != nil {
			if len(b) == 0 && errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		hdr = b
		if b[i-1] < 0x80 {
			break
		}
	}

	size, n := protowire.ConsumeVarint(hdr)
	if n < 0 {
		return nil, fmt.Errorf("tcp: bad frame header: %w", protowire.ParseError(n))
	}
	if _, err := br.Discard(n); err != nil {
		return nil, err
	}
	if size > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrMessageTooLarge, size, maxSize)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(br, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

package relay

import (
	"errors"
	"io"
	"net"
)

// readOutcome is what a failed Read means for the owning loop.
type readOutcome int

const (
	// readClosed: the peer went away or the relay is shutting down.
	readClosed readOutcome = iota
	// readFailed: protocol or transport error. Still fatal only to this loop.
	readFailed
)

// classify maps a Read error onto the loop policy. Send errors never reach
// here: they are isolated inside broadcast.
func classify(err error) readOutcome {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return readClosed
	default:
		return readFailed
	}
}

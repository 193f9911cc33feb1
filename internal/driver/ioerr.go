package driver

import (
	"errors"
	"syscall"
)

type readVerdict int

const (
	// readTeardown: the connection is gone or unusable.
	readTeardown readVerdict = iota
	// readSkip: this chunk is lost, the connection lives on.
	readSkip
)

// classifyRead sorts a read error into the two fates a connection can
// have. Unreachable, reset, timed-out and unknown errors all mean
// teardown; only the oversized/interrupted class is survivable.
func classifyRead(err error) readVerdict {
	switch {
	case errors.Is(err, syscall.EMSGSIZE),
		errors.Is(err, syscall.EINTR),
		errors.Is(err, syscall.EWOULDBLOCK),
		errors.Is(err, syscall.ENOBUFS):
		return readSkip
	}
	return readTeardown
}

package liveness

import (
	"errors"
	"syscall"
)

// isConnReset reports whether err ultimately wraps ECONNRESET, the signal
// that the remote actively tore down the connection rather than merely
// going quiet.
func isConnReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET)
}

package imap

import (
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/sony/gobreaker"
)

var (
	ErrNoFolderSelected = errors.New("no folder selected")
	ErrFolderReadOnly   = errors.New("folder selected read-only")
	ErrAuthFailed       = errors.New("imap authentication failed")
	ErrNotGmail         = errors.New("server does not support X-GM-EXT-1")
	ErrMissingBody      = errors.New("server returned no body for message")
	ErrPoolClosed       = errors.New("connection pool closed")
)

// IsRetryable reports whether err is a transient network failure. Such errors
// delay a sync iteration and get the connection discarded; they do not fail the sync.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthFailed) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

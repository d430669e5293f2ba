package printer

import (
	"context"
	"errors"
	"net"
	"os"
)

var (
	ErrConnection = errors.New("printer connection failed")
	ErrTimeout    = errors.New("printer timed out")
	ErrProtocol   = errors.New("printer protocol violation")
	ErrMalformed  = errors.New("malformed printer status")
)

// Kind returns a short label for err suitable for metric labels.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrConnection):
		return "connection"
	}
	return "unknown"
}

// classify maps a raw network error onto one of the sentinel errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return ErrTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrTimeout
	}
	return ErrConnection
}

package cdp

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionFailed is returned when the websocket cannot be opened or
	// no page could be resolved on it
	ErrConnectionFailed = errors.New("connection failed")

	// ErrNotConnected is returned by page operations while no page is attached
	ErrNotConnected = errors.New("not connected to any target")

	// ErrFetchFailed is returned when the target list cannot be retrieved
	ErrFetchFailed = errors.New("failed to fetch targets")

	// ErrProtocol wraps an error reported by the remote runtime for a command
	ErrProtocol = errors.New("browser protocol error")
)

func protocolError(method string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrProtocol, method, err)
}

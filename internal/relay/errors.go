package relay

import "errors"

var (
	// ErrClosed is returned when sending on a connection that is closing or
	// already closed.
	ErrClosed = errors.New("connection closed")
	// ErrQueueFull is returned when a peer does not drain its outbound queue
	// fast enough. The connection is terminated.
	ErrQueueFull = errors.New("send queue full")
)

package rpc

import "errors"

// ErrChannelClosed is returned to every outstanding call when the
// underlying channel fails or is closed.
var ErrChannelClosed = errors.New("rpc: channel closed")

// ErrNoHandler is returned (and sent back to the caller as a wire error)
// when a peer sends a request but this side registered no handler for
// its logical service.
var ErrNoHandler = errors.New("rpc: no handler registered for this service")

// ErrDeadlineExceeded is the local error surfaced when a call's deadline
// elapses before a response arrives.
var ErrDeadlineExceeded = errors.New("rpc: deadline exceeded")

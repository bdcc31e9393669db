package websocket

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected = errors.New("websocket is not connected")
	ErrDisconnected = errors.New("websocket disconnected before the message was acknowledged")
)

// The DialError is emitted as an error event when Connect gives up
type DialError struct {
	Url string
	Err error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("failed to connect websocket to %s: %s", e.Url, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// The NackError is what an acknowledgement callback receives when the peer rejected the
// message
type NackError struct {
	Reason string
}

func (e *NackError) Error() string { return e.Reason }

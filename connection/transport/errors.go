package transport

import (
	"errors"
	"fmt"

	"github.com/gatewayclient/transport/pathutil"
)

// ErrDisposed is returned by Open and Send once a transport has been disposed
var ErrDisposed = errors.New("transport has been disposed")

// The ConfigurationError is returned synchronously when a transport cannot even attempt
// its work, for example when no backend is available to open a connection with
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// The TransportError wraps a failure reported by a backend. Socket or Request refers to
// the backend object that failed; Request is nil when the request could not even be
// built. It is only ever handed to error listeners and error callbacks, never returned.
type TransportError struct {
	Err     error
	Socket  Socket
	Request Request
}

func (e *TransportError) Error() string { return e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// The HttpStatusError is the failure a RequestTransport reports for any response status
// outside of the 2xx range
type HttpStatusError struct {
	Method     string
	StatusCode int
	Status     string
	Headers    []pathutil.Header
}

func (e *HttpStatusError) Error() string {
	return fmt.Sprintf("%s request failed with status %s", e.Method, e.Status)
}

func (e *HttpStatusError) Unwrap() error { return nil }

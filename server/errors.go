// File: server/errors.go
// Author: momentics <momentics@gmail.com>
package server

import "fmt"

// ConfigurationError is returned from New/NewTLS when the supplied
// Config or TLS material is unusable: bad listen address, non-positive
// receive buffer size, a missing request handler, or invalid
// certificate/key PEM data. It is always fatal at construction time —
// the server never starts serving.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("server: invalid configuration: %s", e.Reason)
}

// TransportError wraps a transport-level failure, e.g. the bind/listen
// failure Serve returns when net.Listen fails.
type TransportError struct {
	Reason string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("server: transport error: %s: %v", e.Reason, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

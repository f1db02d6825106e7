//go:build windows

// File: poller/poller_windows.go
// Author: momentics <momentics@gmail.com>
package poller

// New returns the platform default Poller for windows: the
// goroutine-per-fd fallback, since no IOCP bindings are wired (see
// poller_fallback.go).
func New() Poller {
	return NewFallback()
}

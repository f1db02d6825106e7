// File: poller/poller_fallback.go
// Author: momentics <momentics@gmail.com>
//
// Portable fallback for sockets that cannot be registered with the
// poll(2) backend at all — TLS connections, whose *tls.Conn exposes no
// raw descriptor, on any platform, and every connection on platforms
// without a poll(2)-shaped syscall reachable from Go without cgo. A
// real completion-port multiplexer would need golang.org/x/sys/windows
// IOCP bindings the reference reactor only stubbed out
// (reactor_windows.go); this dispatches each registered fd onto its
// own goroutine that repeatedly invokes its callback, degrading the
// single-poller-thread model to one goroutine per connection for
// whichever connections land here.
package poller

import (
	"sync"
	"time"
)

// NewFallback returns a goroutine-per-fd Poller. It is always
// available, independent of build target, so callers needing it for a
// specific subset of connections (TLS, on any platform) are not tied
// to the windows build.
func NewFallback() Poller {
	return &fallbackPoller{stop: make(map[uintptr]chan struct{})}
}

type fallbackPoller struct {
	mu   sync.Mutex
	stop map[uintptr]chan struct{}
}

func (p *fallbackPoller) Add(fd uintptr, cb Callback) {
	done := make(chan struct{})

	p.mu.Lock()
	p.stop[fd] = done
	p.mu.Unlock()

	go func() {
		for {
			select {
			case <-done:
				return
			default:
			}
			if !cb(fd) {
				p.Remove(fd)
				return
			}
		}
	}()
}

func (p *fallbackPoller) Remove(fd uintptr) {
	p.mu.Lock()
	done, ok := p.stop[fd]
	delete(p.stop, fd)
	p.mu.Unlock()

	if ok {
		close(done)
	}
}

// Poll sleeps for the requested timeout. Actual callback dispatch
// happens on the per-fd goroutines started by Add; Poll exists only so
// the server's run loop has a uniform cadence to sweep pending closes.
func (p *fallbackPoller) Poll(timeoutMs int) int {
	time.Sleep(time.Duration(timeoutMs) * time.Millisecond)
	return 0
}

func (p *fallbackPoller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for fd, done := range p.stop {
		close(done)
		delete(p.stop, fd)
	}
	return nil
}

//go:build !windows

// File: poller/poller_poll.go
// Author: momentics <momentics@gmail.com>
//
// poll(2)-based Poller. Ported from the reference implementation's
// Poller (add/remove staged behind separate mutexes, first-available
// slot recycling so the dense pollfd array stays compact for the
// syscall) and combined with the teacher reactor package's panic-
// recovering callback invocation.
package poller

import (
	"sync"

	"golang.org/x/sys/unix"
)

// New returns a Poller backed by the poll(2) syscall.
func New() Poller {
	return &pollPoller{pendingAdds: make(map[uintptr]Callback)}
}

type pollPoller struct {
	pendingAddsMu sync.Mutex
	pendingAdds   map[uintptr]Callback

	pendingRemovalsMu sync.Mutex
	pendingRemovals   []uintptr

	// fds and cbs are only ever touched from within Poll, which callers
	// must not invoke concurrently with itself.
	fds           []unix.PollFd
	cbs           []Callback
	nextAvailable int
}

func (p *pollPoller) Add(fd uintptr, cb Callback) {
	p.pendingAddsMu.Lock()
	defer p.pendingAddsMu.Unlock()
	p.pendingAdds[fd] = cb
}

func (p *pollPoller) Remove(fd uintptr) {
	// Drop a not-yet-applied Add too: Poll drains removals before adds.
	p.pendingAddsMu.Lock()
	delete(p.pendingAdds, fd)
	p.pendingAddsMu.Unlock()

	p.pendingRemovalsMu.Lock()
	defer p.pendingRemovalsMu.Unlock()
	p.pendingRemovals = append(p.pendingRemovals, fd)
}

func (p *pollPoller) Poll(timeoutMs int) int {
	p.drainRemovals()
	p.drainAdds()

	if len(p.fds) == 0 {
		return 0
	}

	n, err := unix.Poll(p.fds, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0
		}
		return -1
	}
	if n <= 0 {
		return n
	}

	var toRemove []uintptr
	processed := 0
	for i := range p.fds {
		if p.fds[i].Fd < 0 {
			continue
		}
		if p.fds[i].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) == 0 {
			continue
		}

		fd := uintptr(p.fds[i].Fd)
		if !invokeSafely(p.cbs[i], fd) {
			toRemove = append(toRemove, fd)
		}
		processed++
		if processed == n {
			break
		}
	}

	if len(toRemove) > 0 {
		p.pendingRemovalsMu.Lock()
		p.pendingRemovals = append(p.pendingRemovals, toRemove...)
		p.pendingRemovalsMu.Unlock()
		p.drainRemovals()
	}

	return n
}

func (p *pollPoller) Close() error {
	return nil
}

// invokeSafely runs cb and turns a panic into a "remove this fd" result
// so one misbehaving callback cannot wedge the whole poller.
func invokeSafely(cb Callback, fd uintptr) (keep bool) {
	defer func() {
		if recover() != nil {
			keep = false
		}
	}()
	return cb(fd)
}

func (p *pollPoller) drainAdds() {
	p.pendingAddsMu.Lock()
	adds := p.pendingAdds
	p.pendingAdds = make(map[uintptr]Callback)
	p.pendingAddsMu.Unlock()

	for fd, cb := range adds {
		p.insert(fd, cb)
	}
}

func (p *pollPoller) insert(fd uintptr, cb Callback) {
	if p.nextAvailable == len(p.fds) {
		p.fds = append(p.fds, unix.PollFd{})
		p.cbs = append(p.cbs, nil)
	}
	idx := p.nextAvailable
	p.fds[idx] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	p.cbs[idx] = cb

	for p.nextAvailable < len(p.fds) && p.fds[p.nextAvailable].Fd >= 0 {
		p.nextAvailable++
	}
}

func (p *pollPoller) drainRemovals() {
	p.pendingRemovalsMu.Lock()
	removals := p.pendingRemovals
	p.pendingRemovals = nil
	p.pendingRemovalsMu.Unlock()

	for _, fd := range removals {
		for i := range p.fds {
			if p.fds[i].Fd != int32(fd) {
				continue
			}
			p.fds[i].Fd = -1
			p.fds[i].Events = 0
			p.fds[i].Revents = 0
			p.cbs[i] = nil
			if i < p.nextAvailable {
				p.nextAvailable = i
			}
			break
		}
	}
}

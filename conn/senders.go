package conn

import (
	"sync"

	"github.com/hioload/wsreactor/protocol"
)

// sendDataFunc sends one application message, optionally fragmented so
// no single frame's encoded size (header+slice) exceeds maxFrameSize
// (0 means "do not fragment").
type sendDataFunc func(payload []byte, binary bool, maxFrameSize int) SendResult
type sendCloseFunc func(code protocol.StatusCode, reason string) SendResult
type sendControlFunc func(payload []byte) SendResult

// SendersImpl is the shared handle a Connection binds its outbound
// closures into. Closing it (via Close) atomically clears all four
// slots, which is how the connection state machine makes every
// subsequent Senders call observe Closed instead of reaching into a
// torn-down connection.
type SendersImpl struct {
	mu     sync.Mutex
	bound  bool
	closed bool

	sendData  sendDataFunc
	sendClose sendCloseFunc
	sendPing  sendControlFunc
	sendPong  sendControlFunc
}

// NewSendersImpl binds the four outbound closures a live Connection
// exposes.
func NewSendersImpl(sendData sendDataFunc, sendClose sendCloseFunc, sendPing, sendPong sendControlFunc) *SendersImpl {
	return &SendersImpl{
		bound:     true,
		sendData:  sendData,
		sendClose: sendClose,
		sendPing:  sendPing,
		sendPong:  sendPong,
	}
}

// Close clears all four slots. Further calls through the wrapping
// Senders observe Closed rather than NoImplementation, since the handle
// was once bound.
func (s *SendersImpl) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

// closeLocked is Close for a caller that already holds s.mu, such as a
// bound closure running inside Senders.call.
func (s *SendersImpl) closeLocked() {
	s.closed = true
	s.sendData = nil
	s.sendClose = nil
	s.sendPing = nil
	s.sendPong = nil
}

// Senders is the application-facing, thread-safe send API. Every method
// locks, checks liveness, and invokes the bound closure — callers never
// need to separately check whether the connection is still open.
type Senders struct {
	impl *SendersImpl
}

// NewSenders wraps impl for application use. impl may be nil, which
// behaves like a never-bound handle (every call returns
// NoImplementation).
func NewSenders(impl *SendersImpl) Senders {
	return Senders{impl: impl}
}

func (s Senders) call(f func(*SendersImpl) (sendResult SendResult, ok bool)) SendResult {
	if s.impl == nil {
		return NoImplementation
	}
	s.impl.mu.Lock()
	defer s.impl.mu.Unlock()

	if !s.impl.bound {
		return NoImplementation
	}
	if s.impl.closed {
		return Closed
	}
	res, ok := f(s.impl)
	if !ok {
		return Closed
	}
	return res
}

// SendData sends a Text message, fragmenting per maxFrameSize (0 = one
// unfragmented frame).
func (s Senders) SendData(payload []byte, maxFrameSize int) SendResult {
	return s.call(func(impl *SendersImpl) (SendResult, bool) {
		if impl.sendData == nil {
			return 0, false
		}
		return impl.sendData(payload, false, maxFrameSize), true
	})
}

// SendBinary sends a Binary message with identical framing to SendData.
func (s Senders) SendBinary(payload []byte, maxFrameSize int) SendResult {
	return s.call(func(impl *SendersImpl) (SendResult, bool) {
		if impl.sendData == nil {
			return 0, false
		}
		return impl.sendData(payload, true, maxFrameSize), true
	})
}

// SendClose starts the server-initiated close handshake.
func (s Senders) SendClose(code protocol.StatusCode, reason string) SendResult {
	return s.call(func(impl *SendersImpl) (SendResult, bool) {
		if impl.sendClose == nil {
			return 0, false
		}
		return impl.sendClose(code, reason), true
	})
}

// SendPing sends an unsolicited Ping control frame.
func (s Senders) SendPing(payload []byte) SendResult {
	return s.call(func(impl *SendersImpl) (SendResult, bool) {
		if impl.sendPing == nil {
			return 0, false
		}
		return impl.sendPing(payload), true
	})
}

// SendPong sends an unsolicited Pong control frame. Applications
// typically need not call this: the connection sends Pong automatically
// in response to every Ping.
func (s Senders) SendPong(payload []byte) SendResult {
	return s.call(func(impl *SendersImpl) (SendResult, bool) {
		if impl.sendPong == nil {
			return 0, false
		}
		return impl.sendPong(payload), true
	})
}

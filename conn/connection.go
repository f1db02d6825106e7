// File: conn/connection.go
// Author: momentics <momentics@gmail.com>
//
// Connection is the per-WebSocket state machine: it decodes inbound
// frames, assembles fragmented messages, answers Ping with Pong, runs
// the bidirectional close handshake, and exposes Senders/Receivers to
// the application. A Connection's dispatch methods are only ever called
// from the poller goroutine that owns its fd; Senders methods may be
// called concurrently from any goroutine and are serialized by
// SendersImpl's own lock plus the atomic closePhase.
package conn

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hioload/wsreactor/internal/log"
	"github.com/hioload/wsreactor/protocol"
)

// CloseHandshakeTimeout is how long a server-initiated close waits for
// the peer's Close reply before the connection is torn down
// unilaterally (spec-mandated 2000ms).
const CloseHandshakeTimeout = 2000 * time.Millisecond

var nextConnID atomic.Uint64

// NextConnectionID returns the next process-wide unique ConnectionID.
// IDs are never reused within a process and are assigned before any
// bytes of the connection reach the application.
func NextConnectionID() ConnectionID {
	return ConnectionID(nextConnID.Add(1))
}

// RawSocket abstracts the raw, already-upgraded TCP/TLS socket the HTTP
// layer hands over after a 101 response. It is the Go analogue of
// spec.md §9's "UpgradedSocket" trait.
type RawSocket interface {
	Fd() uintptr
	Recv(buf []byte) (int, error)
	Send(buf []byte) (int, error)
	Close() error
}

const (
	phaseNone int32 = iota
	phaseServerInitiated
	phaseClientInitiated
	phaseComplete
)

type assemblyBuffer struct {
	kind    DataOpCode
	payload []byte
}

// Connection is one established WebSocket session.
type Connection struct {
	id           ConnectionID
	url          string
	maxRecvBytes int

	sock RawSocket
	log  *log.Logger

	decoder *protocol.Decoder

	// mu guards assembly and closeSentAt, both of which the dispatch
	// path (poller goroutine) and the timeout sweep (server goroutine)
	// touch.
	mu          sync.Mutex
	assembly    *assemblyBuffer
	closeSentAt time.Time

	closePhase int32 // atomic, one of the phase* constants

	receivers   *Receivers
	sendersImpl *SendersImpl

	destroyed int32 // atomic, guards exactly-once teardown
	onDestroy func(*Connection)
}

// NewConnection constructs a Connection bound to sock. onDestroy is
// invoked exactly once, when the connection is torn down for any
// reason, so the caller can remove it from its connection table and
// the poller.
func NewConnection(id ConnectionID, url string, sock RawSocket, maxRecvBytes int, logger *log.Logger, onDestroy func(*Connection)) *Connection {
	if logger == nil {
		logger = log.Default()
	}
	c := &Connection{
		id:           id,
		url:          url,
		sock:         sock,
		maxRecvBytes: maxRecvBytes,
		decoder:      protocol.NewDecoder(),
		log:          logger,
		onDestroy:    onDestroy,
	}
	c.sendersImpl = NewSendersImpl(c.sendData, c.sendClose, c.sendPing, c.sendPong)
	return c
}

// ID returns the connection's process-wide unique identifier.
func (c *Connection) ID() ConnectionID { return c.id }

// URL returns the request path this connection was upgraded on.
func (c *Connection) URL() string { return c.url }

// Fd returns the underlying socket's file descriptor for poller
// registration.
func (c *Connection) Fd() uintptr { return c.sock.Fd() }

// Senders returns the application-facing send handle for this
// connection.
func (c *Connection) Senders() Senders { return NewSenders(c.sendersImpl) }

// BindReceivers installs r as the inbound callback target. Must be
// called before the connection is registered with the poller; it is
// not safe to call concurrently with dispatch.
func (c *Connection) BindReceivers(r *Receivers) { c.receivers = r }

func (c *Connection) receiveData(kind DataOpCode, payload []byte) {
	if c.receivers != nil {
		c.receivers.ReceiveData(c.id, kind, payload)
	}
}

func (c *Connection) receiveControl(kind ControlOpCode, payload []byte) {
	if c.receivers != nil {
		c.receivers.ReceiveControl(c.id, kind, payload)
	}
}

// OnReadable is the poller callback: it drains one recv, decodes as
// many frames as are complete, and dispatches each in wire order.
// Returning false requests the poller remove this connection's fd,
// which happens exactly when the connection has been torn down.
func (c *Connection) OnReadable() bool {
	buf := make([]byte, c.maxRecvBytes)
	n, err := c.sock.Recv(buf)
	if err != nil {
		if isTemporary(err) {
			return true
		}
		c.log.Debugf("conn %d: recv error, closing: %v", c.id, err)
		c.teardown()
		return false
	}
	if n == 0 {
		c.teardown()
		return false
	}

	return c.processChunk(buf[:n])
}

// Prime feeds bytes the HTTP layer already read past the upgrade
// request (net/http.Hijacker guarantees none are lost, but they arrive
// ahead of whatever the poller next reports as readable) through the
// same decode-and-dispatch path as OnReadable, before the connection is
// registered with any poller. A nil or empty data is a no-op.
func (c *Connection) Prime(data []byte) bool {
	if len(data) == 0 {
		return true
	}
	return c.processChunk(data)
}

func (c *Connection) processChunk(chunk []byte) bool {
	frames, _, decErr := c.decoder.Decode(chunk)
	if decErr != nil {
		c.protocolClose(protocol.StatusProtocolError, protocolErrorReason(decErr))
		return false
	}

	for _, f := range frames {
		if !c.dispatch(f) {
			return false
		}
	}
	return atomic.LoadInt32(&c.destroyed) == 0
}

func (c *Connection) dispatch(f *protocol.Frame) bool {
	if !f.Masked {
		c.protocolClose(protocol.StatusProtocolError, "received unmasked frame from client")
		return false
	}

	switch f.Opcode {
	case protocol.OpText:
		return c.dispatchData(DataText, "text", f)
	case protocol.OpBinary:
		return c.dispatchData(DataBinary, "binary", f)
	case protocol.OpContinuation:
		return c.dispatchContinuation(f)
	case protocol.OpClose:
		return c.dispatchClose(f)
	case protocol.OpPing:
		return c.dispatchPing(f)
	case protocol.OpPong:
		return c.dispatchPong(f)
	default:
		return true // unreachable: the decoder already rejects reserved opcodes
	}
}

func (c *Connection) dispatchData(kind DataOpCode, kindName string, f *protocol.Frame) bool {
	c.mu.Lock()
	if c.assembly != nil {
		c.mu.Unlock()
		c.protocolClose(protocol.StatusProtocolError, "Unexpected "+kindName+" frame received, expected continuation.")
		return false
	}
	if f.IsFinal {
		c.mu.Unlock()
		c.receiveData(kind, f.Payload)
		return true
	}
	c.assembly = &assemblyBuffer{kind: kind, payload: append([]byte(nil), f.Payload...)}
	c.mu.Unlock()
	return true
}

func (c *Connection) dispatchContinuation(f *protocol.Frame) bool {
	c.mu.Lock()
	if c.assembly == nil {
		c.mu.Unlock()
		c.protocolClose(protocol.StatusProtocolError, "Unexpected continuation frame received.")
		return false
	}
	c.assembly.payload = append(c.assembly.payload, f.Payload...)
	if f.IsFinal {
		kind := c.assembly.kind
		payload := c.assembly.payload
		c.assembly = nil
		c.mu.Unlock()
		c.receiveData(kind, payload)
		return true
	}
	c.mu.Unlock()
	return true
}

func (c *Connection) dispatchClose(f *protocol.Frame) bool {
	c.receiveControl(ControlClose, f.Payload)

	switch atomic.LoadInt32(&c.closePhase) {
	case phaseNone:
		atomic.StoreInt32(&c.closePhase, phaseClientInitiated)
		// Echo the client's payload back verbatim and unmasked, per
		// RFC 6455 §5.5.1 / spec.md §4.4.
		_ = c.writeFrame(true, protocol.OpClose, f.Payload)
		c.sendersImpl.Close()
		c.teardown()
		return false
	case phaseServerInitiated:
		atomic.StoreInt32(&c.closePhase, phaseComplete)
		c.teardown()
		return false
	default: // ClientInitiated or Complete: a duplicate, ignore it.
		return true
	}
}

func (c *Connection) dispatchPing(f *protocol.Frame) bool {
	c.receiveControl(ControlPing, f.Payload)
	_ = c.writeFrame(true, protocol.OpPong, f.Payload)
	return true
}

func (c *Connection) dispatchPong(f *protocol.Frame) bool {
	c.receiveControl(ControlPong, f.Payload)
	return true
}

// protocolClose sends a Close 1002 (or another supplied code/reason)
// and tears the connection down immediately — a protocol violation is
// fatal, unlike a graceful SendClose, so it does not wait out the close
// handshake timer.
func (c *Connection) protocolClose(code protocol.StatusCode, reason string) {
	if !atomic.CompareAndSwapInt32(&c.closePhase, phaseNone, phaseServerInitiated) {
		// A Close was already sent; do not send another, but still tear down.
		c.teardown()
		return
	}
	payload := protocol.EncodeClosePayload(code, reason)
	_ = c.writeFrame(true, protocol.OpClose, payload)
	c.sendersImpl.Close()
	c.teardown()
}

// sendData implements SendersImpl's sendData slot. It mirrors the
// reference implementation's fragmentation loop: the encoded header
// size is computed once from the full payload length and reused for
// every slice, which is always safe since a shorter payload can only
// need an equal or smaller header.
func (c *Connection) sendData(payload []byte, binary bool, maxFrameSize int) SendResult {
	if atomic.LoadInt32(&c.closePhase) != phaseNone {
		return Closed
	}

	opcode := protocol.OpText
	if binary {
		opcode = protocol.OpBinary
	}

	hdrSize := len(protocol.EncodeHeader(false, opcode, len(payload), false, [4]byte{}))
	if maxFrameSize != 0 && maxFrameSize <= hdrSize {
		return Failure
	}

	remaining := len(payload)
	p := payload
	op := opcode
	sentFirst := false

	if maxFrameSize > 0 {
		for remaining+hdrSize > maxFrameSize {
			if sentFirst {
				op = protocol.OpContinuation
			}
			chunk := maxFrameSize - hdrSize
			if err := c.writeFrame(false, op, p[:chunk]); err != nil {
				return Failure
			}
			sentFirst = true
			p = p[chunk:]
			remaining -= chunk
		}
	}

	if sentFirst {
		op = protocol.OpContinuation
	}
	if err := c.writeFrame(true, op, p[:remaining]); err != nil {
		return Failure
	}
	return Success
}

func (c *Connection) sendClose(code protocol.StatusCode, reason string) SendResult {
	if !atomic.CompareAndSwapInt32(&c.closePhase, phaseNone, phaseServerInitiated) {
		return Closed
	}

	c.mu.Lock()
	c.closeSentAt = time.Now()
	c.mu.Unlock()

	payload := protocol.EncodeClosePayload(code, reason)
	_ = c.writeFrame(true, protocol.OpClose, payload)
	// Only reachable through Senders.call, which holds sendersImpl.mu.
	c.sendersImpl.closeLocked()
	return Success
}

func (c *Connection) sendPing(payload []byte) SendResult {
	if atomic.LoadInt32(&c.closePhase) != phaseNone {
		return Closed
	}
	if err := c.writeFrame(true, protocol.OpPing, payload); err != nil {
		return Failure
	}
	return Success
}

func (c *Connection) sendPong(payload []byte) SendResult {
	if atomic.LoadInt32(&c.closePhase) != phaseNone {
		return Closed
	}
	if err := c.writeFrame(true, protocol.OpPong, payload); err != nil {
		return Failure
	}
	return Success
}

// CheckCloseTimeout tears the connection down unilaterally if it has
// been awaiting a close confirmation for longer than
// CloseHandshakeTimeout. Called once per poll tick by the server's
// pending-close sweep, not from the dispatch path, since a silent peer
// never makes the fd readable again.
func (c *Connection) CheckCloseTimeout(now time.Time) (timedOut bool) {
	if atomic.LoadInt32(&c.closePhase) != phaseServerInitiated {
		return false
	}
	c.mu.Lock()
	sentAt := c.closeSentAt
	c.mu.Unlock()

	if now.Sub(sentAt) <= CloseHandshakeTimeout {
		return false
	}
	c.log.Warnf("conn %d: close handshake timed out after %s, destroying", c.id, CloseHandshakeTimeout)
	c.teardown()
	return true
}

// AwaitingClose reports whether this connection is a server-initiated
// close still waiting on the peer's reply, i.e. a candidate for the
// timeout sweep.
func (c *Connection) AwaitingClose() bool {
	return atomic.LoadInt32(&c.closePhase) == phaseServerInitiated
}

func (c *Connection) writeFrame(fin bool, opcode protocol.Opcode, payload []byte) error {
	return c.sendAll(protocol.EncodeFrame(fin, opcode, payload))
}

// sendAll writes all of data synchronously, looping on partial writes
// and retrying immediately on EAGAIN/EWOULDBLOCK/EINTR, which a
// non-blocking raw-fd socket reports when its send buffer is full.
func (c *Connection) sendAll(data []byte) error {
	for len(data) > 0 {
		n, err := c.sock.Send(data)
		if err != nil {
			if isTemporary(err) {
				continue
			}
			return err
		}
		data = data[n:]
	}
	return nil
}

// teardown runs exactly once per connection: it closes the socket
// through the RawSocket abstraction and notifies onDestroy so the
// server can drop the connection from its table and the poller.
func (c *Connection) teardown() {
	if !atomic.CompareAndSwapInt32(&c.destroyed, 0, 1) {
		return
	}
	c.sendersImpl.Close()
	if err := c.sock.Close(); err != nil {
		c.log.Debugf("conn %d: close error: %v", c.id, err)
	}
	if c.onDestroy != nil {
		c.onDestroy(c)
	}
}

// ForceClose tears the connection down immediately regardless of close
// handshake state. The server's shutdown sequence calls this after a
// best-effort SendClose to every remaining connection, rather than
// waiting out each one's handshake timeout individually.
func (c *Connection) ForceClose() {
	c.teardown()
}

// Destroyed reports whether teardown has already run.
func (c *Connection) Destroyed() bool {
	return atomic.LoadInt32(&c.destroyed) != 0
}

func protocolErrorReason(err error) string {
	var pe *protocol.ProtocolError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return err.Error()
}

func isTemporary(err error) bool {
	if errors.Is(err, errEAGAIN) || errors.Is(err, errEINTR) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

package conn

import (
	"net"
	"testing"
	"time"

	"github.com/hioload/wsreactor/protocol"
)

// pipeSocket adapts a net.Conn (one end of a net.Pipe) to RawSocket for
// tests. Fd is unused off the real poller path, so it returns a
// constant.
type pipeSocket struct {
	net.Conn
}

func (p pipeSocket) Fd() uintptr                  { return 0 }
func (p pipeSocket) Recv(buf []byte) (int, error) { return p.Conn.Read(buf) }
func (p pipeSocket) Send(buf []byte) (int, error) { return p.Conn.Write(buf) }

func newTestConnection(t *testing.T) (*Connection, net.Conn, *[]struct {
	kind    DataOpCode
	payload []byte
}, chan struct{}) {
	t.Helper()
	server, client := net.Pipe()

	data := &[]struct {
		kind    DataOpCode
		payload []byte
	}{}
	destroyed := make(chan struct{}, 1)

	c := NewConnection(NextConnectionID(), "/chat", pipeSocket{server}, 4096, nil, func(*Connection) {
		select {
		case destroyed <- struct{}{}:
		default:
		}
	})
	recv := NewReceivers(func(id ConnectionID, kind DataOpCode, payload []byte) {
		*data = append(*data, struct {
			kind    DataOpCode
			payload []byte
		}{kind, payload})
	}, nil)
	c.BindReceivers(recv)

	t.Cleanup(func() { _ = client.Close() })
	return c, client, data, destroyed
}

func clientMaskedFrame(fin bool, opcode protocol.Opcode, payload []byte) []byte {
	key := [4]byte{0x11, 0x22, 0x33, 0x44}
	hdr := protocol.EncodeHeader(fin, opcode, len(payload), true, key)
	masked := make([]byte, len(payload))
	for i, b := range payload {
		masked[i] = b ^ key[i%4]
	}
	out := make([]byte, len(hdr)+len(masked))
	copy(out, hdr)
	copy(out[len(hdr):], masked)
	return out
}

func readFrame(t *testing.T, conn net.Conn) *protocol.Frame {
	t.Helper()
	dec := protocol.NewDecoder()
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("reading server frame: %v", err)
		}
		frames, _, decErr := dec.Decode(buf[:n])
		if decErr != nil {
			t.Fatalf("decoding server frame: %v", decErr)
		}
		if len(frames) > 0 {
			return frames[0]
		}
	}
}

// readFrameAsync starts reading conn in the background and delivers the
// first decoded frame on the returned channel. net.Pipe is unbuffered, so
// any test whose Connection writes synchronously inside OnReadable needs
// a concurrent reader already running, or the write deadlocks against
// the very call that's supposed to observe it.
func readFrameAsync(conn net.Conn) <-chan *protocol.Frame {
	out := make(chan *protocol.Frame, 1)
	go func() {
		dec := protocol.NewDecoder()
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				close(out)
				return
			}
			frames, _, decErr := dec.Decode(buf[:n])
			if decErr != nil {
				close(out)
				return
			}
			if len(frames) > 0 {
				out <- frames[0]
				return
			}
		}
	}()
	return out
}

func TestOnReadableDeliversTextMessage(t *testing.T) {
	c, client, data, _ := newTestConnection(t)

	go func() {
		_, _ = client.Write(clientMaskedFrame(true, protocol.OpText, []byte("hello")))
	}()

	if !c.OnReadable() {
		t.Fatalf("OnReadable returned false on a valid frame")
	}
	if len(*data) != 1 || string((*data)[0].payload) != "hello" {
		t.Fatalf("unexpected deliveries: %+v", *data)
	}
	if (*data)[0].kind != DataText {
		t.Fatalf("expected DataText, got %v", (*data)[0].kind)
	}
}

func TestOnReadableAssemblesFragmentedMessage(t *testing.T) {
	c, client, data, _ := newTestConnection(t)

	go func() {
		_, _ = client.Write(clientMaskedFrame(false, protocol.OpText, []byte("hel")))
		_, _ = client.Write(clientMaskedFrame(true, protocol.OpContinuation, []byte("lo")))
	}()

	if !c.OnReadable() {
		t.Fatalf("OnReadable returned false on first fragment")
	}
	if !c.OnReadable() {
		t.Fatalf("OnReadable returned false on final fragment")
	}
	if len(*data) != 1 || string((*data)[0].payload) != "hello" {
		t.Fatalf("unexpected deliveries: %+v", *data)
	}
}

func TestOnReadableRejectsBareContinuation(t *testing.T) {
	c, client, _, destroyed := newTestConnection(t)

	go func() {
		_, _ = client.Write(clientMaskedFrame(true, protocol.OpContinuation, []byte("oops")))
	}()
	frameCh := readFrameAsync(client)

	if c.OnReadable() {
		t.Fatalf("expected OnReadable to signal teardown on bare continuation")
	}

	f := <-frameCh
	if f == nil || f.Opcode != protocol.OpClose {
		t.Fatalf("expected a Close frame, got %v", f)
	}
	closeErr, err := protocol.ParseClosePayload(f.Payload)
	if err != nil || closeErr.Code != protocol.StatusProtocolError {
		t.Fatalf("expected StatusProtocolError, got %v err=%v", closeErr, err)
	}

	select {
	case <-destroyed:
	case <-time.After(time.Second):
		t.Fatal("onDestroy was never invoked")
	}
}

func TestOnReadableRejectsUnmaskedFrame(t *testing.T) {
	c, client, _, _ := newTestConnection(t)

	go func() {
		hdr := protocol.EncodeHeader(true, protocol.OpText, 2, false, [4]byte{})
		_, _ = client.Write(append(hdr, 'h', 'i'))
	}()
	frameCh := readFrameAsync(client)

	if c.OnReadable() {
		t.Fatalf("expected teardown on unmasked client frame")
	}
	f := <-frameCh
	if f == nil || f.Opcode != protocol.OpClose {
		t.Fatalf("expected Close, got %v", f)
	}
}

func TestPingIsAnsweredWithPong(t *testing.T) {
	c, client, _, _ := newTestConnection(t)

	var gotPing []byte
	recv := NewReceivers(nil, func(id ConnectionID, kind ControlOpCode, payload []byte) {
		if kind == ControlPing {
			gotPing = payload
		}
	})
	c.BindReceivers(recv)

	go func() {
		_, _ = client.Write(clientMaskedFrame(true, protocol.OpPing, []byte("ping-payload")))
	}()
	frameCh := readFrameAsync(client)

	if !c.OnReadable() {
		t.Fatalf("OnReadable returned false on Ping")
	}
	if string(gotPing) != "ping-payload" {
		t.Fatalf("control receiver did not observe ping payload: %q", gotPing)
	}

	f := <-frameCh
	if f == nil || f.Opcode != protocol.OpPong {
		t.Fatalf("expected an automatic Pong, got %v", f)
	}
	if string(f.Payload) != "ping-payload" {
		t.Fatalf("pong payload mismatch: %q", f.Payload)
	}
}

func TestPongDeliveredAsControlPong(t *testing.T) {
	c, client, _, _ := newTestConnection(t)

	var gotKind ControlOpCode
	var seen bool
	recv := NewReceivers(nil, func(id ConnectionID, kind ControlOpCode, payload []byte) {
		gotKind, seen = kind, true
	})
	c.BindReceivers(recv)

	go func() {
		_, _ = client.Write(clientMaskedFrame(true, protocol.OpPong, []byte("pong")))
	}()

	if !c.OnReadable() {
		t.Fatalf("OnReadable returned false on Pong")
	}
	if !seen || gotKind != ControlPong {
		t.Fatalf("expected ControlPong, got kind=%v seen=%v", gotKind, seen)
	}
}

func TestClientInitiatedCloseIsEchoed(t *testing.T) {
	c, client, _, destroyed := newTestConnection(t)

	payload := protocol.EncodeClosePayload(protocol.StatusNormalClosure, "bye")
	go func() {
		_, _ = client.Write(clientMaskedFrame(true, protocol.OpClose, payload))
	}()
	frameCh := readFrameAsync(client)

	if c.OnReadable() {
		t.Fatalf("expected OnReadable to signal teardown after client close")
	}

	f := <-frameCh
	if f == nil || f.Opcode != protocol.OpClose {
		t.Fatalf("expected echoed Close, got %v", f)
	}
	if string(f.Payload) != string(payload) {
		t.Fatalf("close payload not echoed verbatim: got %q want %q", f.Payload, payload)
	}

	select {
	case <-destroyed:
	case <-time.After(time.Second):
		t.Fatal("onDestroy was never invoked")
	}
}

func TestServerInitiatedCloseCompletesOnClientReply(t *testing.T) {
	c, client, _, destroyed := newTestConnection(t)

	go func() {
		// Drain the server's outbound Close, then reply with a Close.
		f := readFrame(t, client)
		if f.Opcode != protocol.OpClose {
			t.Errorf("expected outbound Close, got %v", f.Opcode)
		}
		_, _ = client.Write(clientMaskedFrame(true, protocol.OpClose, f.Payload))
	}()

	res := c.Senders().SendClose(protocol.StatusNormalClosure, "done")
	if res != Success {
		t.Fatalf("SendClose returned %v, want Success", res)
	}

	deadline := time.Now().Add(time.Second)
	for !c.Destroyed() && time.Now().Before(deadline) {
		c.OnReadable()
	}
	if !c.Destroyed() {
		t.Fatalf("connection was not destroyed after close handshake completed")
	}
	select {
	case <-destroyed:
	default:
		t.Fatal("onDestroy was never invoked")
	}
}

func TestServerInitiatedCloseTimesOutUnilaterally(t *testing.T) {
	c, client, _, destroyed := newTestConnection(t)
	// Drain the outbound Close (net.Pipe is unbuffered) but never reply.
	go func() {
		buf := make([]byte, 256)
		for {
			if _, err := client.Read(buf); err != nil {
				return
			}
		}
	}()

	if res := c.Senders().SendClose(protocol.StatusGoingAway, "idle"); res != Success {
		t.Fatalf("SendClose returned %v", res)
	}
	if c.CheckCloseTimeout(time.Now()) {
		t.Fatalf("timeout fired immediately")
	}
	if !c.CheckCloseTimeout(time.Now().Add(2100 * time.Millisecond)) {
		t.Fatalf("expected timeout to fire after the handshake window elapsed")
	}
	select {
	case <-destroyed:
	default:
		t.Fatal("onDestroy was never invoked on timeout")
	}
}

func TestSendDataFragmentsUnderMaxFrameSize(t *testing.T) {
	c, client, _, _ := newTestConnection(t)

	done := make(chan []*protocol.Frame, 1)
	go func() {
		dec := protocol.NewDecoder()
		var frames []*protocol.Frame
		buf := make([]byte, 64)
		for len(frames) < 3 {
			n, err := client.Read(buf)
			if err != nil {
				done <- frames
				return
			}
			fs, _, _ := dec.Decode(buf[:n])
			frames = append(frames, fs...)
		}
		done <- frames
	}()

	payload := []byte("0123456789") // 10 bytes, header is 2 bytes unmasked -> maxFrameSize 6 means 4-byte chunks
	if res := c.Senders().SendData(payload, 6); res != Success {
		t.Fatalf("SendData returned %v", res)
	}

	frames := <-done
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	if frames[0].Opcode != protocol.OpText || frames[0].IsFinal {
		t.Fatalf("first frame should be non-final Text, got %+v", frames[0])
	}
	if frames[1].Opcode != protocol.OpContinuation || frames[1].IsFinal {
		t.Fatalf("second frame should be non-final Continuation, got %+v", frames[1])
	}
	if frames[2].Opcode != protocol.OpContinuation || !frames[2].IsFinal {
		t.Fatalf("third frame should be final Continuation, got %+v", frames[2])
	}
	var reassembled []byte
	for _, f := range frames {
		reassembled = append(reassembled, f.Payload...)
	}
	if string(reassembled) != string(payload) {
		t.Fatalf("reassembled payload mismatch: got %q want %q", reassembled, payload)
	}
}

func TestSendersAreClosedAfterSendClose(t *testing.T) {
	c, client, _, _ := newTestConnection(t)
	go func() {
		buf := make([]byte, 256)
		for {
			if _, err := client.Read(buf); err != nil {
				return
			}
		}
	}()

	senders := c.Senders()
	if res := senders.SendClose(protocol.StatusNormalClosure, ""); res != Success {
		t.Fatalf("SendClose returned %v", res)
	}
	if res := senders.SendData([]byte("late"), 0); res != Closed {
		t.Fatalf("expected Closed after SendClose, got %v", res)
	}
	if res := senders.SendClose(protocol.StatusNormalClosure, "again"); res != Closed {
		t.Fatalf("expected second SendClose to report Closed, got %v", res)
	}
}

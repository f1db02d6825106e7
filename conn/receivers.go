package conn

import "sync"

// DataCallback receives an assembled application message.
type DataCallback func(id ConnectionID, kind DataOpCode, payload []byte)

// ControlCallback receives a control frame for observation. It is
// invoked in addition to, not instead of, the connection's own
// automatic handling of Close/Ping (echoing Pong, running the close
// handshake) — the application cannot suppress that handling by
// returning anything here, there is nothing to return.
type ControlCallback func(id ConnectionID, kind ControlOpCode, payload []byte)

// Receivers is the application-facing inbound callback handle returned
// from a Handler's ConnectionEstablished. It is safe to share across
// goroutines; once StopReceiving is called both callbacks become no-ops
// so the connection's dispatch path need not check liveness separately.
type Receivers struct {
	mu      sync.RWMutex
	onData  DataCallback
	onCtrl  ControlCallback
	stopped bool
}

// NewReceivers builds a Receivers bound to the given callbacks. Either
// may be nil, in which case deliveries of that kind are silently
// dropped (equivalent to having never been bound).
func NewReceivers(onData DataCallback, onCtrl ControlCallback) *Receivers {
	return &Receivers{onData: onData, onCtrl: onCtrl}
}

// ReceiveData delivers an assembled message. A no-op after StopReceiving.
func (r *Receivers) ReceiveData(id ConnectionID, kind DataOpCode, payload []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped || r.onData == nil {
		return
	}
	r.onData(id, kind, payload)
}

// ReceiveControl delivers a control frame for observation. A no-op
// after StopReceiving.
func (r *Receivers) ReceiveControl(id ConnectionID, kind ControlOpCode, payload []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped || r.onCtrl == nil {
		return
	}
	r.onCtrl(id, kind, payload)
}

// StopReceiving clears both callbacks. The server itself never calls
// this; it exists so application code can sever callbacks before
// invalidating state those callbacks captured.
func (r *Receivers) StopReceiving() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	r.onData = nil
	r.onCtrl = nil
}

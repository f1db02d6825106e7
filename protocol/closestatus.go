package protocol

import (
	"encoding/binary"
	"fmt"
)

// StatusCode is a WebSocket close status code (RFC 6455 §7.4).
type StatusCode uint16

const (
	StatusNormalClosure      StatusCode = 1000
	StatusGoingAway          StatusCode = 1001
	StatusProtocolError      StatusCode = 1002
	StatusUnsupportedData    StatusCode = 1003
	statusReserved1004       StatusCode = 1004
	StatusNoStatusRcvd       StatusCode = 1005
	statusAbnormalClosure    StatusCode = 1006
	StatusInvalidPayloadData StatusCode = 1007
	StatusPolicyViolation    StatusCode = 1008
	StatusMessageTooBig      StatusCode = 1009
	StatusMandatoryExtension StatusCode = 1010
	StatusInternalError      StatusCode = 1011
	statusTLSHandshake       StatusCode = 1015
)

// ValidWireCode reports whether code is legal to appear on the wire in a
// Close frame payload. 1004, 1005, 1006 and 1015 are reserved for local
// use (e.g. signalling "no close frame at all was received") and MUST
// NOT be sent or received in an actual frame per RFC 6455 §7.4.1.
func ValidWireCode(code StatusCode) bool {
	switch {
	case code >= StatusNormalClosure && code <= statusTLSHandshake:
		switch code {
		case statusReserved1004, StatusNoStatusRcvd, statusAbnormalClosure, statusTLSHandshake:
			return false
		default:
			return true
		}
	case code >= 3000 && code <= 4999:
		return true
	default:
		return false
	}
}

// CloseError carries a close code and reason extracted from a peer's
// Close frame payload.
type CloseError struct {
	Code   StatusCode
	Reason string
}

func (e CloseError) Error() string {
	return fmt.Sprintf("websocket closed: code=%d reason=%q", e.Code, e.Reason)
}

// EncodeClosePayload builds the u16be(code) || utf8(reason) payload for
// an outbound Close frame.
func EncodeClosePayload(code StatusCode, reason string) []byte {
	buf := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(buf, uint16(code))
	copy(buf[2:], reason)
	return buf
}

// ParseClosePayload decodes a Close frame payload. A zero-length payload
// is valid (no status code given). A length of exactly 1 is malformed —
// RFC 6455 §5.5.1 requires the payload to be empty or at least 2 bytes.
func ParseClosePayload(payload []byte) (CloseError, error) {
	switch {
	case len(payload) == 0:
		return CloseError{Code: StatusNoStatusRcvd}, nil
	case len(payload) == 1:
		return CloseError{}, fmt.Errorf("close frame payload of length 1 is malformed")
	default:
		return CloseError{
			Code:   StatusCode(binary.BigEndian.Uint16(payload)),
			Reason: string(payload[2:]),
		}, nil
	}
}

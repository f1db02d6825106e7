// File: protocol/codec.go
// Zero-copy-where-possible frame codec with frame size enforcement and
// strict RFC 6455 validation.
package protocol

import (
	"encoding/binary"
)

// Decoder turns a stream of bytes, possibly delivered in arbitrarily
// small chunks, into a sequence of complete Frames. It retains whatever
// tail of a previous chunk did not yet form a complete frame, so callers
// may feed it data as it arrives off a socket.
type Decoder struct {
	buf []byte
}

// NewDecoder returns a Decoder with no pending bytes.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode appends chunk to any carried-over bytes and extracts as many
// complete frames as are available. It returns the decoded frames, the
// number of bytes still pending (the "residual"), and a *ProtocolError
// if a framing rule was violated — once an error is returned the
// Decoder's internal state is unusable and the connection must close.
func (d *Decoder) Decode(chunk []byte) (frames []*Frame, residual int, err error) {
	if len(chunk) > 0 {
		d.buf = append(d.buf, chunk...)
	}

	for {
		frame, consumed, decErr := decodeOne(d.buf)
		if decErr != nil {
			return frames, len(d.buf), decErr
		}
		if frame == nil {
			break // incomplete; wait for more bytes
		}
		frames = append(frames, frame)
		d.buf = d.buf[consumed:]
	}

	d.compact()
	return frames, len(d.buf), nil
}

// compact copies the residual into a right-sized buffer once the old
// backing array has grown far larger than what remains, so a single
// enormous frame does not pin an oversized allocation indefinitely.
func (d *Decoder) compact() {
	switch {
	case len(d.buf) == 0:
		d.buf = nil
	case cap(d.buf) > 4*len(d.buf)+64:
		fresh := make([]byte, len(d.buf))
		copy(fresh, d.buf)
		d.buf = fresh
	}
}

// decodeOne attempts to parse a single frame from the head of raw.
// It returns (nil, 0, nil) when raw does not yet contain a complete
// frame, and a *ProtocolError when raw violates a framing rule that
// does not depend on having more bytes.
func decodeOne(raw []byte) (*Frame, int, error) {
	if len(raw) < 2 {
		return nil, 0, nil
	}

	b0, b1 := raw[0], raw[1]
	fin := b0&finBit != 0
	if b0&rsvMask != 0 {
		return nil, 0, &ProtocolError{Reason: "RSV bits set without a negotiated extension"}
	}

	opcode := Opcode(b0 & opMask)
	if opcode.IsReserved() {
		return nil, 0, &ProtocolError{Reason: "reserved opcode"}
	}

	masked := b1&maskBit != 0
	payloadLen := int(b1 &^ maskBit)
	offset := 2

	switch payloadLen {
	case 126:
		if len(raw) < offset+2 {
			return nil, 0, nil
		}
		payloadLen = int(binary.BigEndian.Uint16(raw[offset:]))
		offset += 2
	case 127:
		if len(raw) < offset+8 {
			return nil, 0, nil
		}
		ext := binary.BigEndian.Uint64(raw[offset:])
		if ext > uint64(MaxFramePayload) {
			return nil, 0, &ProtocolError{Reason: "frame payload exceeds maximum allowed size"}
		}
		payloadLen = int(ext)
		offset += 8
	}

	if opcode.IsControl() {
		if !fin {
			return nil, 0, &ProtocolError{Reason: "fragmented control frame"}
		}
		if payloadLen > MaxControlPayload {
			return nil, 0, &ProtocolError{Reason: "control frame payload too large"}
		}
	}

	if payloadLen > MaxFramePayload {
		return nil, 0, &ProtocolError{Reason: "frame payload exceeds maximum allowed size"}
	}

	var maskKey [4]byte
	if masked {
		if len(raw) < offset+4 {
			return nil, 0, nil
		}
		copy(maskKey[:], raw[offset:offset+4])
		offset += 4
	}

	total := offset + payloadLen
	if len(raw) < total {
		return nil, 0, nil
	}

	if opcode == OpClose && payloadLen == 1 {
		return nil, 0, &ProtocolError{Reason: "close frame payload of length 1 is malformed"}
	}

	payload := make([]byte, payloadLen)
	copy(payload, raw[offset:total])
	if masked {
		unmaskInPlace(payload, maskKey)
	}

	return &Frame{
		IsFinal:    fin,
		Opcode:     opcode,
		Masked:     masked,
		MaskKey:    maskKey,
		PayloadLen: payloadLen,
		Payload:    payload,
	}, total, nil
}

// EncodeHeader serializes a frame header only; the caller appends the
// payload bytes itself. The server never sets masked=true (RFC 6455
// forbids masked server→client frames); the parameter exists so the
// same codec can be exercised symmetrically in tests.
func EncodeHeader(fin bool, opcode Opcode, payloadLen int, masked bool, maskKey [4]byte) []byte {
	var b0 byte
	if fin {
		b0 |= finBit
	}
	b0 |= byte(opcode) & opMask

	var hdr []byte
	switch {
	case payloadLen <= 125:
		hdr = make([]byte, 2)
		hdr[0] = b0
		hdr[1] = byte(payloadLen)
	case payloadLen <= 0xFFFF:
		hdr = make([]byte, 4)
		hdr[0] = b0
		hdr[1] = 126
		binary.BigEndian.PutUint16(hdr[2:], uint16(payloadLen))
	default:
		hdr = make([]byte, 10)
		hdr[0] = b0
		hdr[1] = 127
		binary.BigEndian.PutUint64(hdr[2:], uint64(payloadLen))
	}

	if masked {
		hdr[1] |= maskBit
		hdr = append(hdr, maskKey[:]...)
	}
	return hdr
}

// EncodeFrame serializes a complete unmasked server→client frame:
// header followed by payload, ready to write to the socket.
func EncodeFrame(fin bool, opcode Opcode, payload []byte) []byte {
	hdr := EncodeHeader(fin, opcode, len(payload), false, [4]byte{})
	out := make([]byte, len(hdr)+len(payload))
	copy(out, hdr)
	copy(out[len(hdr):], payload)
	return out
}

func unmaskInPlace(buf []byte, key [4]byte) {
	for i := range buf {
		buf[i] ^= key[i%4]
	}
}

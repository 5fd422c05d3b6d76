// Package wire defines the on-the-wire message layouts shared by the
// signaling and audio-peer components, along with the sentinel errors
// callers match against with errors.Is.
package wire

import (
	"encoding/binary"
	"errors"
)

// Signaling opcodes (spec.md §3). Values >= 128 are reserved for future
// protocol extensions and are silently ignored rather than treated as a
// protocol error, so older builds degrade gracefully against newer ones.
const (
	OpWelcome  uint8 = 0
	OpAnnounce uint8 = 1
	OpAccept   uint8 = 2
	OpControl  uint8 = 3
	OpPeerLost uint8 = 4

	reservedOpFloor = 128
)

// IsReservedOp reports whether op falls in the reserved-for-extension range.
func IsReservedOp(op uint8) bool { return op >= reservedOpFloor }

var (
	// ErrDecryptAuth is returned when an AEAD tag fails to verify, or the
	// input is too short to contain a nonce and tag.
	ErrDecryptAuth = errors.New("wire: decryption authentication failed")
	// ErrProtocol covers unknown opcodes, misdirected messages, and
	// short/malformed packets.
	ErrProtocol = errors.New("wire: protocol error")
	// ErrNotReady is returned by AudioPeer.Send before the UDP handshake
	// has completed.
	ErrNotReady = errors.New("wire: peer not ready")
	// ErrStunUnreachable is returned when a STUN server does not respond.
	ErrStunUnreachable = errors.New("wire: stun server unreachable")
)

// SignalingMsg is the plaintext layout of one signaling dialog message,
// always carried encrypted end-to-end under the session cipher.
//
//	<op:u8><from:u8><to:u8><payload...>
type SignalingMsg struct {
	Op      uint8
	From    uint8
	To      uint8
	Payload []byte
}

// Marshal encodes m into its wire representation.
func (m SignalingMsg) Marshal() []byte {
	buf := make([]byte, 3+len(m.Payload))
	buf[0] = m.Op
	buf[1] = m.From
	buf[2] = m.To
	copy(buf[3:], m.Payload)
	return buf
}

// UnmarshalSignalingMsg parses a decrypted signaling message. Returns
// ErrProtocol if b is shorter than the 3-byte header.
func UnmarshalSignalingMsg(b []byte) (SignalingMsg, error) {
	if len(b) < 3 {
		return SignalingMsg{}, ErrProtocol
	}
	payload := make([]byte, len(b)-3)
	copy(payload, b[3:])
	return SignalingMsg{Op: b[0], From: b[1], To: b[2], Payload: payload}, nil
}

// EncodeAnnounce builds the payload for op=1 (announce) / op=2 (accept):
// <addr_len:u8><addr_bytes><username_bytes>.
func EncodeAnnounce(addr, username string) []byte {
	addrB := []byte(addr)
	payload := make([]byte, 1+len(addrB)+len(username))
	payload[0] = uint8(len(addrB))
	copy(payload[1:], addrB)
	copy(payload[1+len(addrB):], username)
	return payload
}

// DecodeAnnounce parses the op=1/op=2 payload. Returns ErrProtocol if the
// declared address length does not fit the payload.
func DecodeAnnounce(payload []byte) (addr, username string, err error) {
	if len(payload) < 1 {
		return "", "", ErrProtocol
	}
	addrLen := int(payload[0])
	if len(payload) < 1+addrLen {
		return "", "", ErrProtocol
	}
	addr = string(payload[1 : 1+addrLen])
	username = string(payload[1+addrLen:])
	return addr, username, nil
}

// EncodeBitrateControl builds the op=3 payload: <bitrate_bps:u32 be>.
func EncodeBitrateControl(bitrateBps uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, bitrateBps)
	return buf
}

// DecodeBitrateControl parses the op=3 payload.
func DecodeBitrateControl(payload []byte) (bitrateBps uint32, err error) {
	if len(payload) < 4 {
		return 0, ErrProtocol
	}
	return binary.BigEndian.Uint32(payload), nil
}

// AppendSeq appends an 8-byte big-endian sequence trailer to opus, as sent
// on the UDP audio channel (spec.md §3: "<opus_bytes><seq: u64 be>").
func AppendSeq(opus []byte, seq uint64) []byte {
	out := make([]byte, len(opus)+8)
	copy(out, opus)
	binary.BigEndian.PutUint64(out[len(opus):], seq)
	return out
}

// SplitSeq splits a decrypted inbound datagram into its Opus payload and
// trailing sequence number. Returns ErrProtocol if b is shorter than 8 bytes.
func SplitSeq(b []byte) (opus []byte, seq uint64, err error) {
	if len(b) < 8 {
		return nil, 0, ErrProtocol
	}
	n := len(b) - 8
	return b[:n], binary.BigEndian.Uint64(b[n:]), nil
}

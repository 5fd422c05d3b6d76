package signaling

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameLen bounds one signaling frame. Signaling payloads are a few
// bytes (ids, addresses, usernames); this is a generous ceiling against a
// corrupt or hostile length header.
const maxFrameLen = 1 << 16

// writeFrame writes payload prefixed with its 4-byte big-endian length.
// TCP carries no message boundaries on its own, so every encrypted
// signaling message is length-prefixed before it hits the wire.
func writeFrame(w io.Writer, payload []byte) error {
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, uint32(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one length-prefixed frame.
func readFrame(r io.Reader) ([]byte, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr)
	if n > maxFrameLen {
		return nil, fmt.Errorf("signaling: frame length %d exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

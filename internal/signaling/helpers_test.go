package signaling

import (
	"bytes"
	"net"
	"sync"
	"testing"

	"github.com/l1g4v/tSVoI/internal/cipher"
	"github.com/l1g4v/tSVoI/internal/wire"
)

// dialRaw connects directly to a test Host's listener, bypassing Client, so
// tests can drive the wire protocol by hand.
func dialRaw(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	return conn
}

// readWelcome reads and decrypts the op=0 welcome frame, returning the
// assigned id.
func readWelcome(t *testing.T, c *cipher.Cipher, conn net.Conn) uint8 {
	t.Helper()
	frame, err := readFrame(conn)
	if err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	plain, err := c.Decrypt(frame)
	if err != nil {
		t.Fatalf("decrypt welcome: %v", err)
	}
	msg, err := wire.UnmarshalSignalingMsg(plain)
	if err != nil {
		t.Fatalf("unmarshal welcome: %v", err)
	}
	if msg.Op != wire.OpWelcome || len(msg.Payload) < 1 {
		t.Fatalf("unexpected welcome: %+v", msg)
	}
	return msg.Payload[0]
}

// syncBuffer is a concurrency-safe line buffer standing in for the process's
// stdout event stream in tests.
type syncBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func newSyncBuffer() *syncBuffer { return &syncBuffer{} }

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// readLine pops one newline-delimited record, if any is buffered.
func (b *syncBuffer) readLine() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := bytes.IndexByte(b.buf, '\n')
	if i < 0 {
		return nil, false
	}
	line := append([]byte{}, b.buf[:i]...)
	b.buf = b.buf[i+1:]
	return line, true
}

package signaling

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/l1g4v/tSVoI/internal/cipher"
	"github.com/l1g4v/tSVoI/internal/control"
	"github.com/l1g4v/tSVoI/internal/peer"
	"github.com/l1g4v/tSVoI/internal/wire"
)

type fakePlayback struct{}

func (fakePlayback) Start() error                       { return nil }
func (fakePlayback) Stop()                              {}
func (fakePlayback) Ingress() chan<- []byte              { return make(chan []byte, 1) }
func (fakePlayback) SwapDevice(deviceID int) error       { return nil }
func (fakePlayback) SetFarEndSink(sink func([]float32)) {}

func fakeFactory(id uint8, remote string) (*peer.AudioPeer, error) {
	return peer.New(id, "127.0.0.1:0", testCipher(), fakePlayback{})
}

var sharedCipher *cipher.Cipher

func testCipher() *cipher.Cipher {
	if sharedCipher == nil {
		c, err := cipher.NewRandom()
		if err != nil {
			panic(err)
		}
		sharedCipher = c
	}
	return sharedCipher
}

func drainEmitter(t *testing.T, buf *syncBuffer) control.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if line, ok := buf.readLine(); ok {
			var ev control.Event
			if err := json.Unmarshal(line, &ev); err != nil {
				t.Fatalf("unmarshal event: %v", err)
			}
			return ev
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for event")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHostWelcomeAssignsSequentialIDs(t *testing.T) {
	c := testCipher()
	buf := newSyncBuffer()
	emit := control.NewEmitter(buf)

	h, err := NewHost("host", "127.0.0.1:0", c, fakeFactory, fakeCandidate, emit)
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	defer h.Close()
	go h.Run()

	a := dialRaw(t, h.Addr())
	defer a.Close()
	idA := readWelcome(t, c, a)
	if idA != 1 {
		t.Fatalf("first client id = %d, want 1", idA)
	}

	b := dialRaw(t, h.Addr())
	defer b.Close()
	idB := readWelcome(t, c, b)
	if idB != 2 {
		t.Fatalf("second client id = %d, want 2", idB)
	}
}

func TestHostRelaysAnnounceBetweenClients(t *testing.T) {
	c := testCipher()
	buf := newSyncBuffer()
	emit := control.NewEmitter(buf)

	h, err := NewHost("host", "127.0.0.1:0", c, fakeFactory, fakeCandidate, emit)
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	defer h.Close()
	go h.Run()

	a := dialRaw(t, h.Addr())
	defer a.Close()
	idA := readWelcome(t, c, a)

	b := dialRaw(t, h.Addr())
	defer b.Close()
	idB := readWelcome(t, c, b)

	// b announces to a (lower id), host should forward untouched.
	msg := wire.SignalingMsg{
		Op:      wire.OpAnnounce,
		From:    idB,
		To:      idA,
		Payload: wire.EncodeAnnounce("127.0.0.1:5000", "bee"),
	}
	enc, err := c.Encrypt(msg.Marshal())
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if err := writeFrame(b, enc); err != nil {
		t.Fatalf("write announce: %v", err)
	}

	frame, err := readFrame(a)
	if err != nil {
		t.Fatalf("a read relayed frame: %v", err)
	}
	plain, err := c.Decrypt(frame)
	if err != nil {
		t.Fatalf("decrypt relayed frame: %v", err)
	}
	got, err := wire.UnmarshalSignalingMsg(plain)
	if err != nil {
		t.Fatalf("unmarshal relayed msg: %v", err)
	}
	if got.Op != wire.OpAnnounce || got.From != idB || got.To != idA {
		t.Fatalf("relayed msg mismatch: %+v", got)
	}
}

func TestHostAnnounceToHostEstablishesPeerAndEmits(t *testing.T) {
	c := testCipher()
	buf := newSyncBuffer()
	emit := control.NewEmitter(buf)

	h, err := NewHost("host", "127.0.0.1:0", c, fakeFactory, fakeCandidate, emit)
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	defer h.Close()
	go h.Run()

	// Drain the host-boot event first.
	drainEmitter(t, buf)

	a := dialRaw(t, h.Addr())
	defer a.Close()
	idA := readWelcome(t, c, a)

	msg := wire.SignalingMsg{
		Op:      wire.OpAnnounce,
		From:    idA,
		To:      0,
		Payload: wire.EncodeAnnounce("127.0.0.1:5001", "alice"),
	}
	enc, err := c.Encrypt(msg.Marshal())
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if err := writeFrame(a, enc); err != nil {
		t.Fatalf("write announce: %v", err)
	}

	frame, err := readFrame(a)
	if err != nil {
		t.Fatalf("read accept: %v", err)
	}
	plain, err := c.Decrypt(frame)
	if err != nil {
		t.Fatalf("decrypt accept: %v", err)
	}
	accept, err := wire.UnmarshalSignalingMsg(plain)
	if err != nil {
		t.Fatalf("unmarshal accept: %v", err)
	}
	if accept.Op != wire.OpAccept {
		t.Fatalf("op = %d, want OpAccept", accept.Op)
	}

	ev := drainEmitter(t, buf)
	if ev.EventCode != control.EventPeerAttached {
		t.Fatalf("event_code = %d, want EventPeerAttached", ev.EventCode)
	}
	if ev.ID == nil || *ev.ID != idA {
		t.Fatalf("event id = %v, want %d", ev.ID, idA)
	}
	if ev.Username != "alice" {
		t.Fatalf("event username = %q, want alice", ev.Username)
	}

	if _, ok := h.Peer(idA); !ok {
		t.Fatal("host should have established an AudioPeer for idA")
	}
}

func TestHostDisconnectInvokesOnPeerLostHook(t *testing.T) {
	c := testCipher()
	buf := newSyncBuffer()
	emit := control.NewEmitter(buf)

	h, err := NewHost("host", "127.0.0.1:0", c, fakeFactory, fakeCandidate, emit)
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	defer h.Close()
	go h.Run()

	drainEmitter(t, buf) // host-boot

	a := dialRaw(t, h.Addr())
	idA := readWelcome(t, c, a)

	msg := wire.SignalingMsg{
		Op:      wire.OpAnnounce,
		From:    idA,
		To:      0,
		Payload: wire.EncodeAnnounce("127.0.0.1:5002", "eve"),
	}
	enc, err := c.Encrypt(msg.Marshal())
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if err := writeFrame(a, enc); err != nil {
		t.Fatalf("write announce: %v", err)
	}
	if _, err := readFrame(a); err != nil {
		t.Fatalf("read accept: %v", err)
	}
	drainEmitter(t, buf) // peer-attached

	lostCh := make(chan uint8, 1)
	h.OnPeerLost = func(id uint8) { lostCh <- id }

	a.Close() // disconnect triggers readLoop -> disconnect(idA)

	select {
	case id := <-lostCh:
		if id != idA {
			t.Fatalf("OnPeerLost id = %d, want %d", id, idA)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnPeerLost was never invoked")
	}

	if _, ok := h.Peer(idA); ok {
		t.Fatal("peer should have been removed from the host's table")
	}
}

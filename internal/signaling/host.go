// Package signaling implements the TCP rendezvous protocol: the host
// accepts client connections and relays announce/accept/peer-lost
// messages; clients connect to the host and to each other's advertised
// UDP candidates. Every message is framed length-prefixed over TCP and
// encrypted end-to-end under the shared session cipher.
package signaling

import (
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/l1g4v/tSVoI/internal/cipher"
	"github.com/l1g4v/tSVoI/internal/control"
	"github.com/l1g4v/tSVoI/internal/peer"
	"github.com/l1g4v/tSVoI/internal/wire"
)

// PeerFactory binds a new AudioPeer to localCandidate, without connecting
// it — the caller connects once the remote address is known. Supplied by
// session, which owns device/playback wiring that signaling has no
// business knowing about.
type PeerFactory func(id uint8, localCandidate string) (*peer.AudioPeer, error)

type tcpStream struct {
	id   uint8
	conn net.Conn
}

// Host is the signaling rendezvous point (C6): it accepts client
// connections, allocates ids, relays non-host-addressed messages, and
// maintains its own AudioPeer with every client.
type Host struct {
	Username  string
	cipher    *cipher.Cipher
	listener  net.Listener
	newPeer   PeerFactory
	candidate CandidateFunc
	emit      *control.Emitter

	nextID atomic.Uint32 // starts at 1; host itself is id 0

	streamsMu sync.Mutex
	streams   map[uint8]*tcpStream

	peersMu sync.Mutex
	peers   map[uint8]*peer.AudioPeer

	// OnPeerLost, if set, is called after a peer's AudioPeer is closed and
	// removed from this Host's table — the session's hook to drop it from
	// its own fan-out set.
	OnPeerLost func(id uint8)
}

// NewHost binds a TCP listener at bindAddr (typically a STUN-reflexive
// address) and returns a Host ready to Run.
func NewHost(username, bindAddr string, c *cipher.Cipher, newPeer PeerFactory, candidate CandidateFunc, emit *control.Emitter) (*Host, error) {
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}
	h := &Host{
		Username:  username,
		cipher:    c,
		listener:  ln,
		newPeer:   newPeer,
		candidate: candidate,
		emit:      emit,
		streams:   make(map[uint8]*tcpStream),
		peers:     make(map[uint8]*peer.AudioPeer),
	}
	h.nextID.Store(1)
	return h, nil
}

// Addr returns the host's listening address.
func (h *Host) Addr() string {
	return h.listener.Addr().String()
}

// Peer looks up the AudioPeer for id, if one has been established.
func (h *Host) Peer(id uint8) (*peer.AudioPeer, bool) {
	h.peersMu.Lock()
	defer h.peersMu.Unlock()
	p, ok := h.peers[id]
	return p, ok
}

// Run accepts connections until the listener is closed. Accept failure is
// fatal, per spec.md's error-handling table.
func (h *Host) Run() error {
	h.emit.Emit(control.Event{EventCode: control.EventHostBoot, ServerAddr: h.Addr(), ServerKey: h.cipher.KeyB64()})
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			return err
		}
		go h.handleConn(conn)
	}
}

// Close stops accepting new connections.
func (h *Host) Close() error {
	return h.listener.Close()
}

func (h *Host) handleConn(conn net.Conn) {
	id := uint8(h.nextID.Add(1) - 1)

	welcome := wire.SignalingMsg{Op: wire.OpWelcome, From: 0, To: 0, Payload: []byte{id}}
	if err := h.sendEncrypted(conn, welcome); err != nil {
		log.Printf("[signaling] host: welcome to %d: %v", id, err)
		conn.Close()
		return
	}

	h.streamsMu.Lock()
	h.streams[id] = &tcpStream{id: id, conn: conn}
	h.streamsMu.Unlock()

	h.readLoop(id, conn)
}

func (h *Host) readLoop(id uint8, conn net.Conn) {
	established := false
	for {
		frame, err := readFrame(conn)
		if err != nil {
			h.disconnect(id)
			return
		}
		plain, err := h.cipher.Decrypt(frame)
		if err != nil {
			continue // auth failure: drop, no log
		}
		msg, err := wire.UnmarshalSignalingMsg(plain)
		if err != nil {
			if !wire.IsReservedOp(plain[0]) {
				log.Printf("[signaling] host: protocol error from %d: %v", id, err)
			}
			continue
		}

		if msg.To != 0 {
			h.relay(msg.To, frame)
			continue
		}

		switch msg.Op {
		case wire.OpAnnounce:
			if established {
				log.Printf("[signaling] host: unexpected announce from %d", id)
				continue
			}
			h.handleAnnounce(id, conn, msg)
			established = true
		case wire.OpAccept:
			log.Printf("[signaling] host: unexpected accept from %d", id)
		case wire.OpControl:
			// Reserved on the host side per spec.md §4.6.
		default:
			if !wire.IsReservedOp(msg.Op) {
				log.Printf("[signaling] host: unknown op %d from %d", msg.Op, id)
			}
		}
	}
}

func (h *Host) handleAnnounce(id uint8, conn net.Conn, msg wire.SignalingMsg) {
	remoteAddr, username, err := wire.DecodeAnnounce(msg.Payload)
	if err != nil {
		log.Printf("[signaling] host: bad announce from %d: %v", id, err)
		return
	}

	addr, err := h.candidate()
	if err != nil {
		log.Printf("[signaling] host: candidate for %d: %v", id, err)
		return
	}
	p, err := h.newPeer(id, addr)
	if err != nil {
		log.Printf("[signaling] host: peer for %d: %v", id, err)
		return
	}

	h.peersMu.Lock()
	h.peers[id] = p
	h.peersMu.Unlock()

	go func() {
		if err := p.Connect(remoteAddr); err != nil {
			log.Printf("[signaling] host: connect to %d: %v", id, err)
		}
	}()

	reply := wire.SignalingMsg{
		Op:      wire.OpAccept,
		From:    0,
		To:      id,
		Payload: wire.EncodeAnnounce(p.LocalAddr(), h.Username),
	}
	if err := h.sendEncrypted(conn, reply); err != nil {
		log.Printf("[signaling] host: accept to %d: %v", id, err)
		return
	}

	h.emit.Emit(control.PeerEvent(control.EventPeerAttached, id, username))
}

// relay forwards the original encrypted frame, untouched, to the stream
// named by to. If no such stream exists the message is dropped.
func (h *Host) relay(to uint8, frame []byte) {
	h.streamsMu.Lock()
	dst, ok := h.streams[to]
	h.streamsMu.Unlock()
	if !ok {
		return
	}
	if err := writeFrame(dst.conn, frame); err != nil {
		log.Printf("[signaling] host: relay to %d: %v", to, err)
	}
}

func (h *Host) disconnect(id uint8) {
	h.streamsMu.Lock()
	delete(h.streams, id)
	remaining := make([]*tcpStream, 0, len(h.streams))
	for _, s := range h.streams {
		remaining = append(remaining, s)
	}
	h.streamsMu.Unlock()

	h.peersMu.Lock()
	p, had := h.peers[id]
	if had {
		delete(h.peers, id)
	}
	h.peersMu.Unlock()
	if had {
		p.Close()
		if h.OnPeerLost != nil {
			h.OnPeerLost(id)
		}
	}

	h.emit.Emit(control.PeerEvent(control.EventPeerLost, id, ""))

	lost := wire.SignalingMsg{Op: wire.OpPeerLost, From: 0, To: 0, Payload: []byte{id}}
	for _, s := range remaining {
		lost.To = s.id
		if err := h.sendEncrypted(s.conn, lost); err != nil {
			log.Printf("[signaling] host: peer-lost broadcast to %d: %v", s.id, err)
		}
	}
}

func (h *Host) sendEncrypted(w io.Writer, msg wire.SignalingMsg) error {
	enc, err := h.cipher.Encrypt(msg.Marshal())
	if err != nil {
		return err
	}
	return writeFrame(w, enc)
}

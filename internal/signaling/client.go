package signaling

import (
	"log"
	"net"
	"sync"

	"github.com/l1g4v/tSVoI/internal/cipher"
	"github.com/l1g4v/tSVoI/internal/control"
	"github.com/l1g4v/tSVoI/internal/peer"
	"github.com/l1g4v/tSVoI/internal/wire"
)

// CandidateFunc returns a fresh local UDP candidate address (from
// stunprobe), one call per AudioPeer — never cached.
type CandidateFunc func() (string, error)

// Client is the signaling client (C7): connects to a host, learns its own
// id, announces itself to every lower id, and relays announce/accept/
// peer-lost traffic with newer peers via the host.
type Client struct {
	Username string
	ID       uint8

	conn      net.Conn
	cipher    *cipher.Cipher
	newPeer   PeerFactory
	candidate CandidateFunc
	emit      *control.Emitter

	peersMu sync.Mutex
	peers   map[uint8]*peer.AudioPeer

	// OnPeerLost, if set, is called after a peer's AudioPeer is closed and
	// removed from this Client's table — the session's hook to drop it
	// from its own fan-out set.
	OnPeerLost func(id uint8)
}

// Dial connects to hostAddr, reads the welcome message, and returns a
// Client populated with its assigned id.
func Dial(username, hostAddr string, c *cipher.Cipher, newPeer PeerFactory, candidate CandidateFunc, emit *control.Emitter) (*Client, error) {
	conn, err := net.Dial("tcp", hostAddr)
	if err != nil {
		return nil, err
	}

	frame, err := readFrame(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	plain, err := c.Decrypt(frame)
	if err != nil {
		conn.Close()
		return nil, err
	}
	msg, err := wire.UnmarshalSignalingMsg(plain)
	if err != nil || msg.Op != wire.OpWelcome || len(msg.Payload) < 1 {
		conn.Close()
		return nil, wire.ErrProtocol
	}

	return &Client{
		Username:  username,
		ID:        msg.Payload[0],
		conn:      conn,
		cipher:    c,
		newPeer:   newPeer,
		candidate: candidate,
		emit:      emit,
		peers:     make(map[uint8]*peer.AudioPeer),
	}, nil
}

// Peer looks up the AudioPeer for id, if one has been established.
func (cl *Client) Peer(id uint8) (*peer.AudioPeer, bool) {
	cl.peersMu.Lock()
	defer cl.peersMu.Unlock()
	p, ok := cl.peers[id]
	return p, ok
}

// Run announces to every existing lower id, emits the online event, then
// serves the receive loop until the connection closes.
func (cl *Client) Run() {
	for i := uint8(0); i < cl.ID; i++ {
		if err := cl.announce(i); err != nil {
			log.Printf("[signaling] client: announce to %d: %v", i, err)
		}
	}
	cl.emit.Emit(control.Event{EventCode: control.EventOnline})
	cl.readLoop()
}

func (cl *Client) announce(to uint8) error {
	addr, err := cl.candidate()
	if err != nil {
		return err
	}
	p, err := cl.newPeer(to, addr)
	if err != nil {
		return err
	}

	cl.peersMu.Lock()
	cl.peers[to] = p
	cl.peersMu.Unlock()

	msg := wire.SignalingMsg{
		Op:      wire.OpAnnounce,
		From:    cl.ID,
		To:      to,
		Payload: wire.EncodeAnnounce(p.LocalAddr(), cl.Username),
	}
	return cl.sendEncrypted(msg)
}

func (cl *Client) readLoop() {
	for {
		frame, err := readFrame(cl.conn)
		if err != nil {
			cl.emit.Emit(control.PeerEvent(control.EventPeerLost, 0, ""))
			return
		}
		plain, err := cl.cipher.Decrypt(frame)
		if err != nil {
			continue // auth failure: drop, no log
		}
		msg, err := wire.UnmarshalSignalingMsg(plain)
		if err != nil {
			if len(plain) == 0 || !wire.IsReservedOp(plain[0]) {
				log.Printf("[signaling] client: protocol error: %v", err)
			}
			continue
		}
		if msg.To != cl.ID {
			continue
		}

		switch msg.Op {
		case wire.OpAnnounce:
			cl.handleAnnounce(msg)
		case wire.OpAccept:
			cl.handleAccept(msg)
		case wire.OpPeerLost:
			cl.handlePeerLost(msg)
		case wire.OpControl:
			// Reserved; no local effect beyond the log line below.
			if len(msg.Payload) >= 4 {
				if bps, err := wire.DecodeBitrateControl(msg.Payload); err == nil {
					log.Printf("[signaling] client: peer %d reports bitrate %d bps", msg.From, bps)
				}
			}
		default:
			if !wire.IsReservedOp(msg.Op) {
				log.Printf("[signaling] client: unknown op %d from %d", msg.Op, msg.From)
			}
		}
	}
}

func (cl *Client) handleAnnounce(msg wire.SignalingMsg) {
	remoteAddr, username, err := wire.DecodeAnnounce(msg.Payload)
	if err != nil {
		log.Printf("[signaling] client: bad announce from %d: %v", msg.From, err)
		return
	}

	addr, err := cl.candidate()
	if err != nil {
		log.Printf("[signaling] client: candidate for %d: %v", msg.From, err)
		return
	}
	p, err := cl.newPeer(msg.From, addr)
	if err != nil {
		log.Printf("[signaling] client: peer for %d: %v", msg.From, err)
		return
	}

	cl.peersMu.Lock()
	cl.peers[msg.From] = p
	cl.peersMu.Unlock()

	go func() {
		if err := p.Connect(remoteAddr); err != nil {
			log.Printf("[signaling] client: connect to %d: %v", msg.From, err)
		}
	}()

	reply := wire.SignalingMsg{
		Op:      wire.OpAccept,
		From:    cl.ID,
		To:      msg.From,
		Payload: wire.EncodeAnnounce(p.LocalAddr(), cl.Username),
	}
	if err := cl.sendEncrypted(reply); err != nil {
		log.Printf("[signaling] client: accept to %d: %v", msg.From, err)
		return
	}
	cl.emit.Emit(control.PeerEvent(control.EventPeerAttached, msg.From, username))
}

func (cl *Client) handleAccept(msg wire.SignalingMsg) {
	remoteAddr, username, err := wire.DecodeAnnounce(msg.Payload)
	if err != nil {
		log.Printf("[signaling] client: bad accept from %d: %v", msg.From, err)
		return
	}

	cl.peersMu.Lock()
	p, ok := cl.peers[msg.From]
	cl.peersMu.Unlock()
	if !ok {
		log.Printf("[signaling] client: accept from unknown peer %d", msg.From)
		return
	}

	go func() {
		if err := p.Connect(remoteAddr); err != nil {
			log.Printf("[signaling] client: connect to %d: %v", msg.From, err)
		}
	}()
	cl.emit.Emit(control.PeerEvent(control.EventPeerAttached, msg.From, username))
}

func (cl *Client) handlePeerLost(msg wire.SignalingMsg) {
	if len(msg.Payload) < 1 {
		return
	}
	id := msg.Payload[0]

	cl.peersMu.Lock()
	p, ok := cl.peers[id]
	delete(cl.peers, id)
	cl.peersMu.Unlock()
	if ok {
		p.Close()
		if cl.OnPeerLost != nil {
			cl.OnPeerLost(id)
		}
	}
	cl.emit.Emit(control.PeerEvent(control.EventPeerLost, id, ""))
}

func (cl *Client) sendEncrypted(msg wire.SignalingMsg) error {
	enc, err := cl.cipher.Encrypt(msg.Marshal())
	if err != nil {
		return err
	}
	return writeFrame(cl.conn, enc)
}

// Close terminates the TCP connection to the host.
func (cl *Client) Close() error {
	return cl.conn.Close()
}

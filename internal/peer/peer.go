// Package peer implements the per-peer UDP audio link: handshake, sequenced
// send, a background receive loop that feeds a jitter buffer, and the
// playback pipeline each AudioPeer owns.
package peer

import (
	"log"
	"net"
	"sync/atomic"

	"github.com/l1g4v/tSVoI/internal/cipher"
	"github.com/l1g4v/tSVoI/internal/jitter"
	"github.com/l1g4v/tSVoI/internal/wire"
)

const recvBufSize = 2048 // generous upper bound; max Opus frame is 1275 bytes

// playbackPipeline is the slice of *audio.Playback an AudioPeer depends on.
// Kept as an interface so peer can be tested without opening a real
// PortAudio device.
type playbackPipeline interface {
	Start() error
	Stop()
	Ingress() chan<- []byte
	SwapDevice(deviceID int) error
	SetFarEndSink(func([]float32))
}

// AudioPeer is one encrypted, sequenced UDP link to a single remote
// participant, plus the playback pipeline that link feeds.
type AudioPeer struct {
	ID       uint8
	localAddr *net.UDPAddr
	conn     *net.UDPConn
	cipher   *cipher.Cipher

	ready atomic.Bool
	seq   atomic.Uint64 // outbound sequence, monotonic from 0
	vol   atomic.Int32  // 0-100, receive-side volume percentage

	lastSeq  atomic.Int64  // highest inbound seq seen; -1 before the first frame
	received atomic.Uint64 // frames observed since the last LossRate call
	lost     atomic.Uint64 // sequence gaps observed since the last LossRate call

	jb       *jitter.Buffer
	playback playbackPipeline

	stopCh chan struct{}
}

// New binds a UDP socket to the local candidate address (typically one
// freshly obtained from stunprobe). The socket is not yet connected to any
// remote peer; call Connect once the remote candidate is known.
func New(id uint8, localCandidate string, c *cipher.Cipher, playback playbackPipeline) (*AudioPeer, error) {
	laddr, err := net.ResolveUDPAddr("udp", localCandidate)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}

	p := &AudioPeer{
		ID:        id,
		localAddr: conn.LocalAddr().(*net.UDPAddr),
		conn:      conn,
		cipher:    c,
		jb:        jitter.New(),
		playback:  playback,
		stopCh:    make(chan struct{}),
	}
	p.vol.Store(100)
	p.lastSeq.Store(-1)
	return p, nil
}

// LocalAddr returns the local candidate address this peer is bound to.
func (p *AudioPeer) LocalAddr() string {
	return p.conn.LocalAddr().String()
}

// Connect re-binds the socket to the same local candidate, connected to
// remote, performs the handshake cross-ping, and starts the background
// receive loop and playback pipeline.
func (p *AudioPeer) Connect(remote string) error {
	raddr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return err
	}
	p.conn.Close()
	conn, err := net.DialUDP("udp", p.localAddr, raddr)
	if err != nil {
		return err
	}
	p.conn = conn

	if err := p.playback.Start(); err != nil {
		return err
	}
	if _, err := p.conn.Write([]byte{1}); err != nil {
		return err
	}
	go p.recvLoop()
	return nil
}

// Ready reports whether the handshake has completed.
func (p *AudioPeer) Ready() bool {
	return p.ready.Load()
}

// SetVolume sets the receive-side volume percentage (0-100), read on every
// subsequent inbound frame.
func (p *AudioPeer) SetVolume(pct uint8) {
	if pct > 100 {
		pct = 100
	}
	p.vol.Store(int32(pct))
}

// Volume returns the current receive-side volume percentage.
func (p *AudioPeer) Volume() uint8 {
	return uint8(p.vol.Load())
}

// Send encrypts and transmits one Opus frame, appending the monotonic
// sequence trailer. Returns ErrNotReady if the handshake has not completed.
func (p *AudioPeer) Send(opus []byte) error {
	if !p.ready.Load() {
		return wire.ErrNotReady
	}
	seq := p.seq.Add(1) - 1
	tagged := wire.AppendSeq(opus, seq)
	enc, err := p.cipher.Encrypt(tagged)
	if err != nil {
		return err
	}
	_, err = p.conn.Write(enc)
	return err
}

// Close stops the receive loop, the playback pipeline, and the socket.
func (p *AudioPeer) Close() error {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	p.playback.Stop()
	return p.conn.Close()
}

// LossRate returns the fraction of inbound frames lost to sequence gaps
// since the last call, and resets the counters for the next window.
func (p *AudioPeer) LossRate() float64 {
	recv := p.received.Swap(0)
	lost := p.lost.Swap(0)
	total := recv + lost
	if total == 0 {
		return 0
	}
	return float64(lost) / float64(total)
}

// SetJitterDepth sets this peer's reorder-buffer depth (see
// jitter.Buffer.SetDepth; values below 1 are clamped to 1).
func (p *AudioPeer) SetJitterDepth(depth int) {
	p.jb.SetDepth(depth)
}

// SwapPlaybackDevice stops the current playback pipeline and rebuilds it
// against a new output device, keeping the UDP socket untouched.
func (p *AudioPeer) SwapPlaybackDevice(deviceID int) error {
	return p.playback.SwapDevice(deviceID)
}

// Playback returns the underlying playback pipeline, for callers (session)
// that need to wire its output into a shared AEC far-end sink.
func (p *AudioPeer) Playback() playbackPipeline {
	return p.playback
}

// trackSeq updates the loss counters from one inbound sequence number.
// Out-of-order arrivals (seq <= the highest seen) are counted as received
// without adjusting the gap count; the jitter buffer already reorders them.
func (p *AudioPeer) trackSeq(seq uint64) {
	p.received.Add(1)
	prev := p.lastSeq.Load()
	if prev >= 0 && seq > uint64(prev)+1 {
		p.lost.Add(seq - uint64(prev) - 1)
	}
	if prev < 0 || seq > uint64(prev) {
		p.lastSeq.Store(int64(seq))
	}
}

func (p *AudioPeer) recvLoop() {
	buf := make([]byte, recvBufSize)
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		n, err := p.conn.Read(buf)
		if err != nil {
			select {
			case <-p.stopCh:
				return
			default:
			}
			log.Printf("[peer %d] recv: %v", p.ID, err)
			return
		}

		if n == 1 && buf[0] == 1 {
			if !p.ready.Load() {
				p.ready.Store(true)
				p.conn.Write([]byte{1})
			}
			continue
		}
		if n < 8 {
			continue
		}

		plain, err := p.cipher.Decrypt(buf[:n])
		if err != nil {
			continue // auth failure: drop silently, per spec
		}

		opusBytes, seq, err := wire.SplitSeq(plain)
		if err != nil {
			continue
		}

		p.trackSeq(seq)

		tagged := append(append([]byte{}, opusBytes...), p.Volume())
		p.jb.Push(seq, tagged)

		if p.jb.ShouldFlush() {
			for _, f := range p.jb.Drain() {
				select {
				case p.playback.Ingress() <- f.Payload:
				default:
				}
			}
		}
	}
}

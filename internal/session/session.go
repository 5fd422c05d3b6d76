// Package session implements session orchestration (C8): it owns the
// capture pipeline, fans out every encoded frame to every established
// AudioPeer, and serves the control-plane operations of spec.md §6 plus
// the packet-loss-driven adaptive bitrate loop.
package session

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/l1g4v/tSVoI/internal/adapt"
	"github.com/l1g4v/tSVoI/internal/audio"
	"github.com/l1g4v/tSVoI/internal/control"
	"github.com/l1g4v/tSVoI/internal/peer"
	"github.com/l1g4v/tSVoI/internal/wire"
)

const adaptInterval = 5 * time.Second

// lossSmoothing is the EWMA weight given to each fresh loss measurement
// (adapt.SmoothLoss's alpha). 0.3 favors recent samples without letting a
// single bad interval swing the bitrate.
const lossSmoothing = 0.3

// Session wires one Capture to N AudioPeers, shared with the signaling
// component through AddPeer/RemovePeer rather than a second copy of the
// peer table.
type Session struct {
	capture *audio.Capture

	ncMu sync.Mutex
	nc   *audio.NoiseCanceller

	peersMu sync.Mutex
	peers   map[uint8]*peer.AudioPeer

	bitrate atomic.Int32 // bps; shared between control-plane writes and the adapt loop

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New returns a Session driving capture, with an initial bitrate of
// adapt.DefaultKbps kbps.
func New(capture *audio.Capture) *Session {
	s := &Session{
		capture: capture,
		peers:   make(map[uint8]*peer.AudioPeer),
		stopCh:  make(chan struct{}),
	}
	s.bitrate.Store(int32(adapt.DefaultKbps * 1000))
	return s
}

// AddPeer registers p for capture fan-out and wires its playback output
// into the shared AEC far-end reference, so one echo canceller instance
// models everything coming out of the speakers regardless of how many
// peer links are active.
func (s *Session) AddPeer(id uint8, p *peer.AudioPeer) {
	s.peersMu.Lock()
	s.peers[id] = p
	s.peersMu.Unlock()
	p.Playback().SetFarEndSink(s.capture.FeedFarEnd)
}

// RemovePeer drops id from fan-out, typically on signaling peer-lost.
func (s *Session) RemovePeer(id uint8) {
	s.peersMu.Lock()
	delete(s.peers, id)
	s.peersMu.Unlock()
}

// Peer returns the registered peer for id, if any.
func (s *Session) Peer(id uint8) (*peer.AudioPeer, bool) {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	p, ok := s.peers[id]
	return p, ok
}

func (s *Session) snapshotPeers() []*peer.AudioPeer {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	out := make([]*peer.AudioPeer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// Run starts the capture fan-out loop and the adaptive bitrate loop,
// blocking until Stop is called.
func (s *Session) Run() {
	s.wg.Add(2)
	go func() { defer s.wg.Done(); s.fanOut() }()
	go func() { defer s.wg.Done(); s.adaptLoop() }()
	s.wg.Wait()
}

// Stop halts fan-out and the adaptive loop and waits for both to exit.
func (s *Session) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	s.wg.Wait()
}

func (s *Session) fanOut() {
	for {
		select {
		case <-s.stopCh:
			return
		case frame, ok := <-s.capture.CaptureOut:
			if !ok {
				return
			}
			for _, p := range s.snapshotPeers() {
				if err := p.Send(frame); err != nil && !errors.Is(err, wire.ErrNotReady) {
					log.Printf("[session] send to %d: %v", p.ID, err)
				}
			}
		}
	}
}

// adaptLoop runs the packet-loss-driven bitrate adaptation every
// adaptInterval, generalized from one connection to N: the capture
// pipeline owns a single encoder shared by every peer, so the smoothed
// worst-observed loss across peers drives one shared bitrate. RTT is
// passed as 0, so the bitrate only steps down or holds. Each peer's
// jitter depth is set to adapt.TargetJitterDepth(0, loss) on every tick,
// which is always adapt.DefaultJitterDepth: no inter-arrival jitter is
// measured, so the depth does not widen under loss.
func (s *Session) adaptLoop() {
	ticker := time.NewTicker(adaptInterval)
	defer ticker.Stop()

	var smoothed float64
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			targets := s.snapshotPeers()
			if len(targets) == 0 {
				continue
			}

			var worst float64
			for _, p := range targets {
				loss := p.LossRate()
				if loss > worst {
					worst = loss
				}
				p.SetJitterDepth(adapt.TargetJitterDepth(0, loss))
			}
			smoothed = adapt.SmoothLoss(smoothed, worst, lossSmoothing)

			current := int(s.bitrate.Load())
			next := adapt.NextBitrate(current/1000, smoothed, 0) * 1000
			if next != current {
				s.bitrate.Store(int32(next))
				s.capture.SetBitrate(next)
				s.capture.SetPacketLossPerc(int(smoothed * 100))
				log.Printf("[session] bitrate adapted %d -> %d bps (loss=%.1f%%)", current, next, smoothed*100)
			}
		}
	}
}

// Handlers returns control.Handlers wired to this session's device,
// volume, bitrate, and noise-canceller operations, ready to pass to
// control.Run.
func (s *Session) Handlers() control.Handlers {
	return control.Handlers{
		InputDevice:    s.handleInputDevice,
		OutputDevice:   s.handleOutputDevice,
		PeerVolume:     s.handlePeerVolume,
		EncoderBitrate: s.handleEncoderBitrate,
		NoiseCanceller: s.handleNoiseCanceller,
	}
}

func (s *Session) handleInputDevice(name string, channels uint8, sampleRate uint16) {
	id, ok := deviceIDByName(audio.InputDevices(), name)
	if !ok {
		log.Printf("[session] input device %q not found", name)
		return
	}
	if err := s.capture.SwapDevice(id, int(s.bitrate.Load())); err != nil {
		log.Printf("[session] swap input device: %v", err)
	}
}

func (s *Session) handleOutputDevice(name string, channels uint8, sampleRate uint16) {
	id, ok := deviceIDByName(audio.OutputDevices(), name)
	if !ok {
		log.Printf("[session] output device %q not found", name)
		return
	}
	for _, p := range s.snapshotPeers() {
		if err := p.SwapPlaybackDevice(id); err != nil {
			log.Printf("[session] swap output device for peer %d: %v", p.ID, err)
		}
	}
}

func (s *Session) handlePeerVolume(peerID uint8, volume uint8) {
	if p, ok := s.Peer(peerID); ok {
		p.SetVolume(volume)
	}
}

func (s *Session) handleEncoderBitrate(bitrateBps uint32) {
	s.bitrate.Store(int32(bitrateBps))
	s.capture.SetBitrate(int(bitrateBps))
}

func (s *Session) handleNoiseCanceller(enabled bool, level int) {
	s.ncMu.Lock()
	if s.nc == nil {
		s.nc = audio.NewNoiseCanceller()
		s.capture.SetNoiseCanceller(s.nc)
	}
	nc := s.nc
	s.ncMu.Unlock()

	nc.SetEnabled(enabled)
	nc.SetLevel(float32(level) / 100.0)
}

func deviceIDByName(devices []audio.Device, name string) (int, bool) {
	for _, d := range devices {
		if d.Name == name {
			return d.ID, true
		}
	}
	return 0, false
}

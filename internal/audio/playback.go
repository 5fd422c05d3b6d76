package audio

import (
	"fmt"
	"log"
	"sync"

	"github.com/gordonklaus/portaudio"
	"gopkg.in/hraban/opus.v2"
)

const playbackIngressBuf = 64

// opusDecoder abstracts Opus decoding for testing.
type opusDecoder interface {
	Decode(data []byte, pcm []int16) (int, error)
}

// stopSentinel is the one-byte ingress message that tells the playback
// worker to exit.
var stopSentinel = []byte{0}

// Playback is one AudioPeer's output pipeline: an ingress channel, a
// pending-frame queue fed by a dedicated worker, and a device callback loop
// that dequeues at most one frame per invocation.
type Playback struct {
	mu       sync.Mutex
	deviceID int
	stream   paStream
	decoder  opusDecoder

	qmu   sync.Mutex
	queue [][]byte

	ingress chan []byte

	// FarEndSink, if set, receives every written output buffer — used to
	// feed a shared AEC far-end reference across all peers.
	FarEndSink func([]float32)

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewPlayback returns a Playback bound to the given output device (-1 for
// system default). The ingress channel and worker start on Start.
func NewPlayback(deviceID int) *Playback {
	return &Playback{
		deviceID: deviceID,
		ingress:  make(chan []byte, playbackIngressBuf),
	}
}

// Ingress returns the channel used to feed tagged frames (Opus bytes plus a
// trailing receive-side volume byte) or the stop sentinel.
func (p *Playback) Ingress() chan<- []byte {
	return p.ingress
}

// SetFarEndSink installs the callback that receives every written output
// buffer, used to feed a shared AEC far-end reference across peers.
func (p *Playback) SetFarEndSink(sink func([]float32)) {
	p.mu.Lock()
	p.FarEndSink = sink
	p.mu.Unlock()
}

// Start opens the output device and begins the worker and device loops.
func (p *Playback) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	dec, err := opus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return fmt.Errorf("audio: new decoder: %w", err)
	}
	p.decoder = dec

	devices, err := portaudio.Devices()
	if err != nil {
		return fmt.Errorf("audio: list devices: %w", err)
	}
	dev, err := resolveDevice(devices, p.deviceID, portaudio.DefaultOutputDevice)
	if err != nil {
		return err
	}

	buf := make([]float32, FrameSize)
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: Channels,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      SampleRate,
		FramesPerBuffer: FrameSize,
	}
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return fmt.Errorf("audio: open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("audio: start output stream: %w", err)
	}

	p.stream = stream
	p.stopCh = make(chan struct{})
	p.running = true

	p.wg.Add(2)
	go func() { defer p.wg.Done(); p.worker() }()
	go func() { defer p.wg.Done(); p.deviceLoop(buf) }()

	log.Printf("[audio] playback started device=%s", dev.Name)
	return nil
}

// Stop sends the stop sentinel, then halts the device loop and blocks until
// both goroutines exit.
func (p *Playback) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	select {
	case p.ingress <- stopSentinel:
	default:
	}
	close(p.stopCh)

	p.mu.Lock()
	if p.stream != nil {
		p.stream.Stop()
	}
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	if p.stream != nil {
		p.stream.Close()
		p.stream = nil
	}
	p.mu.Unlock()
}

// SwapDevice stops playback, reopens the named device, and resumes.
func (p *Playback) SwapDevice(deviceID int) error {
	p.Stop()
	p.ingress = make(chan []byte, playbackIngressBuf)
	p.deviceID = deviceID
	return p.Start()
}

// worker reads tagged frames from the ingress channel and appends them to
// the pending queue, until it reads the one-byte stop sentinel.
func (p *Playback) worker() {
	for {
		select {
		case frame := <-p.ingress:
			if len(frame) == 1 && frame[0] == 0 {
				return
			}
			p.qmu.Lock()
			p.queue = append(p.queue, frame)
			p.qmu.Unlock()
		case <-p.stopCh:
			return
		}
	}
}

// dequeue pops the oldest pending frame, if any.
func (p *Playback) dequeue() []byte {
	p.qmu.Lock()
	defer p.qmu.Unlock()
	if len(p.queue) == 0 {
		return nil
	}
	f := p.queue[0]
	p.queue = p.queue[1:]
	return f
}

func (p *Playback) deviceLoop(buf []float32) {
	pcm := make([]int16, FrameSize)

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		for i := range buf {
			buf[i] = 0
		}

		if frame := p.dequeue(); frame != nil && len(frame) > 1 {
			payload := frame[:len(frame)-1]
			volume := frame[len(frame)-1]

			n, err := p.decoder.Decode(payload, pcm)
			if err != nil {
				log.Printf("[audio] decode: %v", err)
			} else {
				scale := float32(volume) / 100.0 / 32768.0
				for i := 0; i < n && i < len(buf); i++ {
					buf[i] = clampFloat32(float32(pcm[i]) * scale)
				}
			}
		}

		p.mu.Lock()
		sink := p.FarEndSink
		p.mu.Unlock()
		if sink != nil {
			sink(buf)
		}

		if err := p.stream.Write(); err != nil {
			p.mu.Lock()
			running := p.running
			p.mu.Unlock()
			if running {
				log.Printf("[audio] playback write: %v", err)
			}
			return
		}
	}
}

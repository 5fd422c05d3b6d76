// Package audio implements the capture and playback pipelines: PortAudio
// device I/O, the fixed device-callback contract (RMS gate on capture,
// dequeue-decode-scale on playback), and the optional enrichment stages
// (noise gate, noise cancellation, AGC, VAD) layered ahead of them.
package audio

import (
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
	"gopkg.in/hraban/opus.v2"

	"github.com/l1g4v/tSVoI/internal/aec"
	"github.com/l1g4v/tSVoI/internal/agc"
	"github.com/l1g4v/tSVoI/internal/noisegate"
	"github.com/l1g4v/tSVoI/internal/vad"
)

const (
	// SampleRate is the negotiated rate for every device opened by this
	// package: 48 kHz, Opus's native rate.
	SampleRate = 48000
	// Channels is fixed at mono for both capture and playback.
	Channels = 1
	// FrameSize is 20 ms of audio at SampleRate: 960 samples.
	FrameSize = 960

	captureChannelBuf  = 64 // drop-oldest ring once full; capture must never block the callback
	intensityChannelBuf = 8 // lossy; observers may miss samples
	opusMaxPacketBytes = 1275 // RFC 6716 max Opus packet size
)

// paStream abstracts a PortAudio stream for testing.
type paStream interface {
	Start() error
	Stop() error
	Close() error
	Read() error
	Write() error
}

// opusEncoder abstracts Opus encoding for testing.
type opusEncoder interface {
	Encode(pcm []int16, data []byte) (int, error)
	SetBitrate(bitrate int) error
	SetDTX(dtx bool) error
	SetInBandFEC(fec bool) error
	SetPacketLossPerc(lossPerc int) error
}

// Device describes one enumerated PortAudio device.
type Device struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// InputDevices lists devices usable for Capture.
func InputDevices() []Device {
	return listDevices(func(d *portaudio.DeviceInfo) bool { return d.MaxInputChannels > 0 })
}

// OutputDevices lists devices usable for Playback.
func OutputDevices() []Device {
	return listDevices(func(d *portaudio.DeviceInfo) bool { return d.MaxOutputChannels > 0 })
}

func listDevices(match func(*portaudio.DeviceInfo) bool) []Device {
	devices, err := portaudio.Devices()
	if err != nil {
		log.Printf("[audio] list devices: %v", err)
		return nil
	}
	var out []Device
	for i, d := range devices {
		if match(d) {
			out = append(out, Device{ID: i, Name: d.Name})
		}
	}
	return out
}

// Capture owns the input device, the Opus encoder, and the optional
// enrichment stages (AEC, noise gate, noise canceller, AGC, VAD) that run
// ahead of the mandatory RMS-vs-threshold gate.
type Capture struct {
	mu       sync.Mutex
	deviceID int
	stream   paStream
	encoder  opusEncoder

	nc *NoiseCanceller

	aecProc  *aec.AEC
	aecOn    atomic.Bool
	agcProc  *agc.AGC
	agcOn    atomic.Bool
	gateProc *noisegate.Gate
	vadProc  *vad.VAD
	vadOn    atomic.Bool

	threshold atomic.Int32 // signed 8-bit range, updatable from any goroutine
	running   atomic.Bool

	// CaptureOut carries encoded Opus frames. Never blocks the device
	// callback: full buffer drops the oldest pending frame.
	CaptureOut chan []byte
	// Intensity carries the scaled RMS of every frame, gate or no gate.
	Intensity chan int8

	droppedCapture atomic.Uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCapture returns a Capture with default enrichment stages wired in but
// disabled (AEC, AGC, VAD and noise gate off; the noise canceller is not
// created here and must be attached with SetNoiseCanceller). deviceID
// selects the PortAudio input device, or -1 for the system default.
func NewCapture(deviceID int) *Capture {
	c := &Capture{
		deviceID:   deviceID,
		aecProc:    aec.New(FrameSize),
		agcProc:    agc.New(),
		gateProc:   noisegate.New(),
		vadProc:    vad.New(),
		CaptureOut: make(chan []byte, captureChannelBuf),
		Intensity:  make(chan int8, intensityChannelBuf),
	}
	c.threshold.Store(0)
	c.gateProc.SetEnabled(false)
	return c
}

// SetNoiseCanceller attaches (or, with nil, detaches) RNNoise suppression.
func (c *Capture) SetNoiseCanceller(nc *NoiseCanceller) {
	c.mu.Lock()
	c.nc = nc
	c.mu.Unlock()
}

// SetThreshold updates the RMS gate threshold. Safe from any goroutine.
func (c *Capture) SetThreshold(v int8) {
	c.threshold.Store(int32(v))
}

// Threshold returns the current RMS gate threshold.
func (c *Capture) Threshold() int8 {
	return int8(c.threshold.Load())
}

// SetAEC enables or disables acoustic echo cancellation on the capture path.
func (c *Capture) SetAEC(enabled bool) {
	c.aecProc.SetEnabled(enabled)
	c.aecOn.Store(enabled)
}

// SetAGC enables or disables automatic gain control.
func (c *Capture) SetAGC(enabled bool) {
	if enabled {
		c.agcProc.Reset()
	}
	c.agcOn.Store(enabled)
}

// SetVAD enables or disables the supplementary voice-activity detector.
// It runs after the mandatory RMS gate and can only drop frames that
// passed it; it never widens the gate.
func (c *Capture) SetVAD(enabled bool) {
	c.vadProc.SetEnabled(enabled)
	c.vadOn.Store(enabled)
}

// SetNoiseGate enables or disables the hard noise gate.
func (c *Capture) SetNoiseGate(enabled bool) {
	c.gateProc.SetEnabled(enabled)
}

// FeedFarEnd forwards playback output to the AEC far-end reference. Each
// peer's playback calls it with its own buffers (wired by session); buffers
// from different peers are appended one after another, not summed.
func (c *Capture) FeedFarEnd(buf []float32) {
	if c.aecOn.Load() {
		c.aecProc.FeedFarEnd(buf)
	}
}

// SetBitrate changes the Opus encoder target bitrate (bits per second),
// taking exclusive access to the encoder while mutating it.
func (c *Capture) SetBitrate(bps int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder == nil {
		return
	}
	if err := c.encoder.SetBitrate(bps); err != nil {
		log.Printf("[audio] set bitrate %d bps: %v", bps, err)
	}
}

// SetPacketLossPerc tells the encoder the observed loss rate so it can size
// in-band FEC redundancy.
func (c *Capture) SetPacketLossPerc(pct int) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder == nil {
		return
	}
	if err := c.encoder.SetPacketLossPerc(pct); err != nil {
		log.Printf("[audio] set packet loss %d%%: %v", pct, err)
	}
}

// DroppedFrames returns and resets the capture-channel drop counter.
func (c *Capture) DroppedFrames() uint64 {
	return c.droppedCapture.Swap(0)
}

// Start opens the input device and begins the capture loop. initialBitrate
// is in bits per second.
func (c *Capture) Start(initialBitrate int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running.Load() {
		return nil
	}

	enc, err := opus.NewEncoder(SampleRate, Channels, opus.AppVoIP)
	if err != nil {
		return fmt.Errorf("audio: new encoder: %w", err)
	}
	enc.SetBitrate(initialBitrate)
	enc.SetDTX(true)
	enc.SetInBandFEC(true)
	enc.SetPacketLossPerc(5)
	c.encoder = enc

	devices, err := portaudio.Devices()
	if err != nil {
		return fmt.Errorf("audio: list devices: %w", err)
	}
	dev, err := resolveDevice(devices, c.deviceID, portaudio.DefaultInputDevice)
	if err != nil {
		return err
	}

	buf := make([]float32, FrameSize)
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: Channels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      SampleRate,
		FramesPerBuffer: FrameSize,
	}
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return fmt.Errorf("audio: open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("audio: start input stream: %w", err)
	}

	c.stream = stream
	c.stopCh = make(chan struct{})
	c.running.Store(true)

	c.wg.Add(1)
	go func() { defer c.wg.Done(); c.captureLoop(buf) }()

	log.Printf("[audio] capture started device=%s", dev.Name)
	return nil
}

// Stop halts capture and blocks until the device callback goroutine exits.
func (c *Capture) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	close(c.stopCh)

	c.mu.Lock()
	if c.stream != nil {
		c.stream.Stop()
	}
	c.mu.Unlock()

	c.wg.Wait()

	c.mu.Lock()
	if c.stream != nil {
		c.stream.Close()
		c.stream = nil
	}
	c.mu.Unlock()
}

// SwapDevice stops capture, reopens the named device, and resumes with the
// same atomics and channels — observers never see a discontinuity beyond
// the swap gap itself.
func (c *Capture) SwapDevice(deviceID int, bps int) error {
	c.Stop()
	c.deviceID = deviceID
	return c.Start(bps)
}

func resolveDevice(devices []*portaudio.DeviceInfo, idx int, fallback func() (*portaudio.DeviceInfo, error)) (*portaudio.DeviceInfo, error) {
	if idx >= 0 && idx < len(devices) {
		return devices[idx], nil
	}
	return fallback()
}

func clampFloat32(v float32) float32 {
	if v > 1.0 {
		return 1.0
	}
	if v < -1.0 {
		return -1.0
	}
	return v
}

// clampInt8 clamps a float scaled-RMS value to the signed 8-bit range.
func clampInt8(v float64) int8 {
	if v > 127 {
		return 127
	}
	if v < -128 {
		return -128
	}
	return int8(v)
}

// rms computes sqrt(mean(sample^2)) over a float32 PCM frame already
// normalized to [-1, 1].
func rms(buf []float32) float64 {
	if len(buf) == 0 {
		return 0
	}
	var sum float64
	for _, s := range buf {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(buf)))
}

func (c *Capture) captureLoop(buf []float32) {
	pcm := make([]int16, FrameSize)
	opusBuf := make([]byte, opusMaxPacketBytes)

	for c.running.Load() {
		if err := c.stream.Read(); err != nil {
			if c.running.Load() {
				log.Printf("[audio] capture read: %v", err)
			}
			return
		}

		if c.aecOn.Load() {
			c.aecProc.Process(buf)
		}

		c.gateProc.Process(buf)

		c.mu.Lock()
		nc := c.nc
		c.mu.Unlock()
		if nc != nil {
			nc.Process(buf)
		}

		if c.agcOn.Load() {
			c.agcProc.Process(buf)
		}

		// Mandatory RMS gate: sqrt(mean((s/i16max)^2)), +0.0002, *100, clamp
		// to signed 8-bit. buf is already normalized to [-1,1], equivalent to
		// sample/i16max.
		scaled := clampInt8((rms(buf) + 0.0002) * 100)

		select {
		case c.Intensity <- scaled:
		default:
		}

		if scaled <= int8(c.threshold.Load()) {
			continue
		}

		if c.vadOn.Load() && !c.vadProc.ShouldSend(float32(rms(buf))) {
			continue
		}

		for i, s := range buf {
			pcm[i] = int16(clampFloat32(s) * 32767)
		}

		c.mu.Lock()
		n, err := c.encoder.Encode(pcm, opusBuf)
		c.mu.Unlock()
		if err != nil {
			log.Printf("[audio] encode: %v", err)
			continue
		}
		encoded := make([]byte, n)
		copy(encoded, opusBuf[:n])

		select {
		case c.CaptureOut <- encoded:
		default:
			// Drop-oldest: make room for the newest frame rather than stall.
			select {
			case <-c.CaptureOut:
				c.droppedCapture.Add(1)
			default:
			}
			select {
			case c.CaptureOut <- encoded:
			default:
			}
		}
	}
}

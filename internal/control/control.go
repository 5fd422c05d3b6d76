// Package control implements the process's external JSON interfaces: a
// single stdin-reader goroutine dispatching line-delimited control
// commands, and a thread-safe stdout event emitter.
package control

import (
	"bufio"
	"encoding/json"
	"io"
	"log"
	"sync"
)

// Event-code values, spec.md §6.
const (
	EventParseError    = -1
	EventHostBoot      = 0
	EventOnline        = 1
	EventPeerAttached  = 2
	EventPeerLost      = 3
)

// Op-code values, spec.md §6, plus the domain-stack noise-canceller toggle.
const (
	OpInputDevice      = 0
	OpOutputDevice     = 1
	OpPeerVolume       = 2
	OpEncoderBitrate   = 3
	OpNoiseCanceller   = 4
)

// Event is one line of the stdout event stream. Fields are tagged
// omitempty except EventCode so each event carries only what applies to it.
type Event struct {
	EventCode    int    `json:"event_code"`
	ServerAddr   string `json:"server_address,omitempty"`
	ServerKey    string `json:"server_key,omitempty"`
	ID           *uint8 `json:"id,omitempty"`
	Username     string `json:"username,omitempty"`
	Error        string `json:"error,omitempty"`
}

// PeerEvent returns an event carrying a peer id (attached or lost).
func PeerEvent(code int, id uint8, username string) Event {
	return Event{EventCode: code, ID: &id, Username: username}
}

// Emitter serializes Event values as line-delimited JSON to an underlying
// writer, safe for concurrent use by the host, client, and session.
type Emitter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEmitter wraps w (typically os.Stdout).
func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{w: w}
}

// Emit writes one event as a JSON line.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	enc := json.NewEncoder(e.w)
	if err := enc.Encode(ev); err != nil {
		log.Printf("[control] emit event: %v", err)
	}
}

// Command is one parsed line of the stdin control stream. Unrecognized
// fields for a given OpCode are simply unused.
type Command struct {
	OpCode     int    `json:"op_code"`
	Device     string `json:"device,omitempty"`
	Channels   uint8  `json:"channels,omitempty"`
	SampleRate uint16 `json:"sample_rate,omitempty"`
	PeerID     uint8  `json:"peer_id,omitempty"`
	Volume     uint8  `json:"volume,omitempty"`
	Bitrate    uint16 `json:"bitrate,omitempty"`
	Enabled    bool   `json:"enabled,omitempty"`
	Level      int    `json:"level,omitempty"`
}

// Handlers receives dispatched stdin commands. Any nil field is a no-op for
// that op_code.
type Handlers struct {
	InputDevice    func(device string, channels uint8, sampleRate uint16)
	OutputDevice   func(device string, channels uint8, sampleRate uint16)
	PeerVolume     func(peerID uint8, volume uint8)
	EncoderBitrate func(bitrateBps uint32)
	NoiseCanceller func(enabled bool, level int)
}

// Run reads newline-delimited JSON commands from r until it is closed or
// EOF, dispatching each to Handlers. This owns the process's one
// stdin-reader goroutine; callers run it in its own goroutine or block the
// calling one intentionally.
func Run(r io.Reader, emit *Emitter, h Handlers) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var cmd Command
		if err := json.Unmarshal(line, &cmd); err != nil {
			emit.Emit(Event{EventCode: EventParseError, Error: "Failed to parse stdin"})
			continue
		}
		dispatch(cmd, h)
	}
}

func dispatch(cmd Command, h Handlers) {
	switch cmd.OpCode {
	case OpInputDevice:
		if h.InputDevice != nil {
			h.InputDevice(cmd.Device, cmd.Channels, cmd.SampleRate)
		}
	case OpOutputDevice:
		if h.OutputDevice != nil {
			h.OutputDevice(cmd.Device, cmd.Channels, cmd.SampleRate)
		}
	case OpPeerVolume:
		if h.PeerVolume != nil {
			h.PeerVolume(cmd.PeerID, cmd.Volume)
		}
	case OpEncoderBitrate:
		if h.EncoderBitrate != nil {
			h.EncoderBitrate(uint32(cmd.Bitrate))
		}
	case OpNoiseCanceller:
		if h.NoiseCanceller != nil {
			h.NoiseCanceller(cmd.Enabled, cmd.Level)
		}
	}
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/l1g4v/tSVoI/internal/adapt"
	"github.com/l1g4v/tSVoI/internal/audio"
	"github.com/l1g4v/tSVoI/internal/cipher"
	"github.com/l1g4v/tSVoI/internal/control"
	"github.com/l1g4v/tSVoI/internal/netaddr"
	"github.com/l1g4v/tSVoI/internal/peer"
	"github.com/l1g4v/tSVoI/internal/session"
	"github.com/l1g4v/tSVoI/internal/signaling"
	"github.com/l1g4v/tSVoI/internal/stunprobe"
)

func main() {
	stunServer := flag.String("stun-server", stunprobe.DefaultServer, "STUN server used to discover this process's reflexive UDP address")
	jitterDepth := flag.Int("jitter-depth", adapt.DefaultJitterDepth, "starting per-peer jitter buffer depth, in 20ms frames")
	bitrate := flag.Int("bitrate", adapt.DefaultKbps*1000, "starting Opus encoder bitrate, in bps")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		log.Fatal("usage: tsvoi [flags] <mode> ...; mode 0 host, 1 client, 3 list devices")
	}

	mode, err := strconv.Atoi(args[0])
	if err != nil {
		log.Fatalf("invalid mode %q: %v", args[0], err)
	}

	switch mode {
	case 0:
		runHost(args[1:], *stunServer, *jitterDepth, *bitrate)
	case 1:
		runClient(args[1:], *stunServer, *jitterDepth, *bitrate)
	case 3:
		listDevices()
	default:
		log.Fatalf("unknown mode %d", mode)
	}
}

func listDevices() {
	fmt.Println("input devices:")
	for _, d := range audio.InputDevices() {
		fmt.Printf("  %d: %s\n", d.ID, d.Name)
	}
	fmt.Println("output devices:")
	for _, d := range audio.OutputDevices() {
		fmt.Printf("  %d: %s\n", d.ID, d.Name)
	}
}

// parseDevice accepts a device index, or -1 for the system default. A
// non-numeric value also falls back to -1.
func parseDevice(s string) int {
	id, err := strconv.Atoi(s)
	if err != nil {
		return -1
	}
	return id
}

func runHost(args []string, stunServer string, jitterDepth, bitrate int) {
	if len(args) != 3 {
		log.Fatal("usage: tsvoi 0 <username> <input_device> <output_device>")
	}
	username := args[0]
	inDev, outDev := parseDevice(args[1]), parseDevice(args[2])

	c, err := cipher.NewRandom()
	if err != nil {
		log.Fatalf("generate session key: %v", err)
	}

	candidate := func() (string, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return stunprobe.Reflexive(ctx, "udp6", stunServer)
	}

	bindAddr, err := candidate()
	if err != nil {
		log.Fatalf("stun probe: %v", err)
	}

	emit := control.NewEmitter(os.Stdout)
	capture := audio.NewCapture(inDev)
	sess := session.New(capture)

	newPeer := func(id uint8, localCandidate string) (*peer.AudioPeer, error) {
		p, err := peer.New(id, localCandidate, c, audio.NewPlayback(outDev))
		if err != nil {
			return nil, err
		}
		p.SetJitterDepth(jitterDepth)
		sess.AddPeer(id, p)
		return p, nil
	}

	host, err := signaling.NewHost(username, bindAddr, c, newPeer, candidate, emit)
	if err != nil {
		log.Fatalf("bind host: %v", err)
	}
	host.OnPeerLost = sess.RemovePeer

	if err := capture.Start(bitrate); err != nil {
		log.Fatalf("start capture: %v", err)
	}
	go sess.Run()
	go control.Run(os.Stdin, emit, sess.Handlers())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[tsvoi] shutting down...")
		host.Close()
		sess.Stop()
		capture.Stop()
	}()

	if err := host.Run(); err != nil {
		log.Printf("[tsvoi] host stopped: %v", err)
	}
}

func runClient(args []string, stunServer string, jitterDepth, bitrate int) {
	if len(args) != 5 {
		log.Fatal("usage: tsvoi 1 <username> <host_addr> <host_key_b64> <input_device> <output_device>")
	}
	username, rawHostAddr, keyB64 := args[0], args[1], args[2]
	inDev, outDev := parseDevice(args[3]), parseDevice(args[4])

	hostAddr, err := netaddr.Normalize(rawHostAddr)
	if err != nil {
		log.Fatalf("host address: %v", err)
	}

	c, err := cipher.New(keyB64)
	if err != nil {
		log.Fatalf("decode session key: %v", err)
	}

	candidate := func() (string, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return stunprobe.Reflexive(ctx, "udp6", stunServer)
	}

	emit := control.NewEmitter(os.Stdout)
	capture := audio.NewCapture(inDev)
	sess := session.New(capture)

	newPeer := func(id uint8, localCandidate string) (*peer.AudioPeer, error) {
		p, err := peer.New(id, localCandidate, c, audio.NewPlayback(outDev))
		if err != nil {
			return nil, err
		}
		p.SetJitterDepth(jitterDepth)
		sess.AddPeer(id, p)
		return p, nil
	}

	cl, err := signaling.Dial(username, hostAddr, c, newPeer, candidate, emit)
	if err != nil {
		log.Fatalf("dial host: %v", err)
	}
	cl.OnPeerLost = sess.RemovePeer

	if err := capture.Start(bitrate); err != nil {
		log.Fatalf("start capture: %v", err)
	}
	go sess.Run()
	go control.Run(os.Stdin, emit, sess.Handlers())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[tsvoi] shutting down...")
		cl.Close()
		sess.Stop()
		capture.Stop()
	}()

	cl.Run()
}

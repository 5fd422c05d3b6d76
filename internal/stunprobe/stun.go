// Package stunprobe obtains one reflexive public UDP address per call by
// querying a public STUN server. Candidates are not cached; every caller
// that needs a fresh one invokes Reflexive again.
package stunprobe

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun/v3"

	"github.com/l1g4v/tSVoI/internal/wire"
)

// DefaultServer is the hard-coded public STUN server used when the caller
// does not override it. Matches the STUN server commonly reached for in
// WebRTC ICE configurations.
const DefaultServer = "stun.l.google.com:19302"

// defaultTimeout bounds how long a single STUN round trip may take before
// the probe is considered unreachable.
const defaultTimeout = 5 * time.Second

// Reflexive binds an ephemeral local UDP socket on network ("udp4" or
// "udp6"), queries server for a binding response, and returns the observed
// external address in "ip:port" presentation form. Returns
// wire.ErrStunUnreachable on any network failure.
func Reflexive(ctx context.Context, network, server string) (string, error) {
	if server == "" {
		server = DefaultServer
	}

	conn, err := net.ListenPacket(network, ":0")
	if err != nil {
		return "", fmt.Errorf("%w: listen: %v", wire.ErrStunUnreachable, err)
	}
	defer conn.Close()

	raddr, err := net.ResolveUDPAddr(network, server)
	if err != nil {
		return "", fmt.Errorf("%w: resolve %s: %v", wire.ErrStunUnreachable, server, err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultTimeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return "", fmt.Errorf("%w: set deadline: %v", wire.ErrStunUnreachable, err)
	}

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	if _, err := conn.WriteTo(msg.Raw, raddr); err != nil {
		return "", fmt.Errorf("%w: write: %v", wire.ErrStunUnreachable, err)
	}

	buf := make([]byte, 1500)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		return "", fmt.Errorf("%w: read: %v", wire.ErrStunUnreachable, err)
	}

	var resp stun.Message
	resp.Raw = buf[:n]
	if err := resp.Decode(); err != nil {
		return "", fmt.Errorf("%w: decode: %v", wire.ErrStunUnreachable, err)
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(&resp); err != nil {
		var mappedAddr stun.MappedAddress
		if err2 := mappedAddr.GetFrom(&resp); err2 != nil {
			return "", fmt.Errorf("%w: no mapped address in response: %v", wire.ErrStunUnreachable, err)
		}
		return net.JoinHostPort(mappedAddr.IP.String(), fmt.Sprintf("%d", mappedAddr.Port)), nil
	}

	return net.JoinHostPort(xorAddr.IP.String(), fmt.Sprintf("%d", xorAddr.Port)), nil
}

// Package netaddr normalizes operator-supplied host addresses (the
// host_addr CLI argument a client is started with) into a canonical
// "host:port" form suitable for net.Dial.
package netaddr

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is used when raw has no explicit port.
const DefaultPort = "55001"

// Normalize accepts a bare host, host:port, or bracketed IPv6 literal and
// returns a canonical host:port.
func Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("netaddr: address is required")
	}

	if host, port, err := net.SplitHostPort(s); err == nil {
		return joinValidated(host, port)
	}

	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		return joinValidated(strings.TrimSuffix(strings.TrimPrefix(s, "["), "]"), DefaultPort)
	}

	if strings.Count(s, ":") > 1 {
		return "", fmt.Errorf("netaddr: ambiguous IPv6 literal %q needs brackets", raw)
	}

	if ip := net.ParseIP(s); ip != nil {
		return joinValidated(s, DefaultPort)
	}

	return joinValidated(s, DefaultPort)
}

func joinValidated(host, port string) (string, error) {
	if host == "" {
		return "", fmt.Errorf("netaddr: missing host")
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return "", fmt.Errorf("netaddr: invalid port %q", port)
	}
	return net.JoinHostPort(host, strconv.Itoa(n)), nil
}

// Package netaddr implements the address/identifier value types shared by
// every aoo component: EndpointId, IpAddress, Endpoint and Fingerprint
// (spec.md §3.1).
package netaddr

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// EndpointId identifies a source, sink or peer within its owning process.
type EndpointId int32

const (
	// Wildcard matches every id at a given IpAddress (used by RemoveSink).
	Wildcard EndpointId = -1
	// None is the reserved "no id" sentinel.
	None EndpointId = -2
)

// Family tags the address kind carried by an IpAddress.
type Family uint8

const (
	Unspecified Family = iota
	V4
	V6
)

// IpAddress is a family tag plus raw bytes and port. Equality is byte-exact
// over the active prefix (4 bytes for V4, 16 for V6).
type IpAddress struct {
	Family Family
	Bytes  [16]byte // only the first 4 (V4) or 16 (V6) bytes are significant
	Port   uint16
}

// NewIpAddress builds an IpAddress from a net.IP and port.
func NewIpAddress(ip net.IP, port uint16) IpAddress {
	var a IpAddress
	a.Port = port
	if v4 := ip.To4(); v4 != nil {
		a.Family = V4
		copy(a.Bytes[:4], v4)
		return a
	}
	if v6 := ip.To16(); v6 != nil {
		a.Family = V6
		copy(a.Bytes[:16], v6)
		return a
	}
	a.Family = Unspecified
	return a
}

// IP reconstructs the net.IP for this address.
func (a IpAddress) IP() net.IP {
	switch a.Family {
	case V4:
		ip := make(net.IP, 4)
		copy(ip, a.Bytes[:4])
		return ip
	case V6:
		ip := make(net.IP, 16)
		copy(ip, a.Bytes[:16])
		return ip
	default:
		return nil
	}
}

// Equal compares the active prefix of two addresses plus the port.
func (a IpAddress) Equal(b IpAddress) bool {
	if a.Family != b.Family || a.Port != b.Port {
		return false
	}
	switch a.Family {
	case V4:
		return [4]byte(a.Bytes[:4]) == [4]byte(b.Bytes[:4])
	case V6:
		return a.Bytes == b.Bytes
	default:
		return true
	}
}

// IsZero reports whether the address carries no usable family.
func (a IpAddress) IsZero() bool { return a.Family == Unspecified }

// String renders "host:port" (brackets around V6 literals).
func (a IpAddress) String() string {
	if a.IsZero() {
		return "<unspecified>"
	}
	return net.JoinHostPort(a.IP().String(), strconv.Itoa(int(a.Port)))
}

// UDPAddr converts to *net.UDPAddr for socket calls.
func (a IpAddress) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: a.IP(), Port: int(a.Port)}
}

// Endpoint is the identity of every remote source/sink/peer/server: an
// address plus the role-scoped id at that address.
type Endpoint struct {
	Address IpAddress
	ID      EndpointId
}

// Equal compares both fields.
func (e Endpoint) Equal(o Endpoint) bool {
	return e.ID == o.ID && e.Address.Equal(o.Address)
}

// String renders "host:port#id".
func (e Endpoint) String() string {
	return fmt.Sprintf("%s#%d", e.Address, e.ID)
}

// Salt is a 32-bit stream-generation nonce. The source bumps it on every
// format change or sequence wrap; sinks restart their decoder when it
// changes underneath an accepted stream (spec.md §3.1, §3.4).
type Salt int32

// Fingerprint uniquely identifies one generation of a stream from one
// endpoint (spec.md §3.1).
type Fingerprint struct {
	Endpoint Endpoint
	Salt     Salt
}

// defaultPort is used when ParseEndpointAddr is given a bare host.
const defaultPort = "7078" // matches spec.md §6.5's rendezvous server default

// ParseEndpointAddr accepts host, host:port, bracketed IPv6, aoo:// links and
// http(s)-style URLs, returning a canonical "host:port" string. Generalized
// from client/server_addr.go's normalizeServerAddr.
func ParseEndpointAddr(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("netaddr: address is required")
	}

	if strings.HasPrefix(s, "aoo://") {
		s = strings.TrimPrefix(s, "aoo://")
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return "", fmt.Errorf("netaddr: invalid address: %w", err)
		}
		if u.Host == "" {
			return "", fmt.Errorf("netaddr: invalid address: missing host")
		}
		s = u.Host
	}

	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("netaddr: invalid address: missing host")
	}

	host := s
	port := defaultPort

	if h, p, err := net.SplitHostPort(s); err == nil {
		host, port = h, p
	} else if ip := net.ParseIP(s); ip != nil && strings.Contains(s, ":") {
		host = s
	} else if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		host = strings.TrimPrefix(strings.TrimSuffix(s, "]"), "[")
	} else if strings.Contains(s, ":") {
		return "", fmt.Errorf("netaddr: invalid address %q", raw)
	}

	if host == "" {
		return "", fmt.Errorf("netaddr: invalid address: missing host")
	}

	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return "", fmt.Errorf("netaddr: invalid port %q", port)
	}

	return net.JoinHostPort(host, strconv.Itoa(n)), nil
}

// ResolveUDP parses a canonical host:port string into an IpAddress, using the
// given resolver function (normally net.ResolveUDPAddr) so callers on the
// network thread control when DNS is actually touched (design note: keep
// gethostbyname off the RT path).
func ResolveUDP(addr string) (IpAddress, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return IpAddress{}, err
	}
	return NewIpAddress(ua.IP, uint16(ua.Port)), nil
}

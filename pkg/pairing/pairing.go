// pkg/pairing/pairing.go

// Package pairing decides which peers may connect to a chunk server and
// which pre-shared secret each of them uses.
package pairing

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"PeerSync/pkg/utils"
)

var logger = utils.GetLogger("peersync")

// ErrRejected is returned for peers that are not allowed to connect.
var ErrRejected = errors.New("peer is not paired")

// Provider returns the pairing secret of a connecting peer. It is called
// on the server's event loop and must not block.
type Provider interface {
	Secret(addr net.Addr) ([]byte, error)
}

// Static pairs every allowed peer with the same secret.
type Static struct {
	secret []byte
	allow  []*net.IPNet
}

// NewStatic returns a provider using secret for all peers inside one of
// the allow networks, or all peers if allow is empty.
func NewStatic(secret []byte, allow []*net.IPNet) (*Static, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty pairing secret")
	}
	return &Static{secret: secret, allow: allow}, nil
}

func (s *Static) Secret(addr net.Addr) ([]byte, error) {
	if !allowed(s.allow, addr) {
		return nil, ErrRejected
	}
	return s.secret, nil
}

// ParseNetworks parses comma separated CIDRs or bare IPs.
func ParseNetworks(spec string) ([]*net.IPNet, error) {
	var nets []*net.IPNet
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !strings.Contains(part, "/") {
			ip := net.ParseIP(part)
			if ip == nil {
				return nil, fmt.Errorf("invalid address %q", part)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			part = fmt.Sprintf("%s/%d", part, bits)
		}
		_, n, err := net.ParseCIDR(part)
		if err != nil {
			return nil, err
		}
		nets = append(nets, n)
	}
	return nets, nil
}

func peerIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	case nil:
		return nil
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

func allowed(nets []*net.IPNet, addr net.Addr) bool {
	if len(nets) == 0 {
		return true
	}
	ip := peerIP(addr)
	if ip == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

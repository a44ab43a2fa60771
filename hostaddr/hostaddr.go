/*
Package hostaddr classifies host names as local, remote or unknown, and maps
hosts to the name of their file daemon.
*/
package hostaddr

import (
	"context"
	"fmt"
	"net"
	"strings"

	psnet "github.com/shirou/gopsutil/net"

	"github.com/CiaranWoodward/mbus/msg"
	"github.com/CiaranWoodward/mbus/protocol"
)

// Class of a host name
type Class int

const (
	Unknown Class = iota
	Local
	Remote
)

func (c Class) String() string {
	switch c {
	case Unknown:
		return "unknown"
	case Local:
		return "local"
	case Remote:
		return "remote"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// Resolver classifies host names. Unknown hosts come back with an error
// matching msg.ErrHostUnknown.
type Resolver interface {
	Classify(ctx context.Context, host string) (Class, net.IP, error)
}

// DaemonName is the module name of the file daemon serving the host at ip
func DaemonName(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return protocol.DaemonPrefix + v4.String()
	}
	return protocol.DaemonPrefix + ip.String()
}

func isLocalName(host string) bool {
	return host == "" || strings.EqualFold(host, "localhost")
}

func classify(ip net.IP, locals []net.IP) Class {
	if ip.IsLoopback() || ip.IsUnspecified() {
		return Local
	}
	for _, l := range locals {
		if l.Equal(ip) {
			return Local
		}
	}
	return Remote
}

func unknown(host string, cause error) error {
	if cause != nil {
		return msg.NewError(msg.HOST_UNKNOWN, "%s: %v", host, cause)
	}
	return msg.NewError(msg.HOST_UNKNOWN, "%s", host)
}

// System resolves names through DNS and compares them against the addresses
// of the local network interfaces
type System struct {
	// LookupIP defaults to net.DefaultResolver
	LookupIP func(ctx context.Context, network, host string) ([]net.IP, error)
	// LocalAddrs defaults to InterfaceAddrs
	LocalAddrs func() ([]net.IP, error)
}

// NewSystem returns a resolver backed by the operating system
func NewSystem() *System {
	return &System{
		LookupIP:   net.DefaultResolver.LookupIP,
		LocalAddrs: InterfaceAddrs,
	}
}

// Classify implements Resolver
func (s *System) Classify(ctx context.Context, host string) (Class, net.IP, error) {
	if isLocalName(host) {
		return Local, net.IPv4(127, 0, 0, 1), nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := s.LookupIP(ctx, "ip4", host)
		if err != nil {
			return Unknown, nil, unknown(host, err)
		}
		if len(ips) == 0 {
			return Unknown, nil, unknown(host, nil)
		}
		ip = ips[0]
	}
	locals, err := s.LocalAddrs()
	if err != nil {
		return Unknown, nil, fmt.Errorf("listing local addresses: %w", err)
	}
	return classify(ip, locals), ip, nil
}

// InterfaceAddrs returns the addresses of every local network interface
func InterfaceAddrs() ([]net.IP, error) {
	ifaces, err := psnet.Interfaces()
	if err != nil {
		return nil, err
	}
	var ips []net.IP
	for _, iface := range ifaces {
		for _, a := range iface.Addrs {
			if ip, _, err := net.ParseCIDR(a.Addr); err == nil {
				ips = append(ips, ip)
			} else if ip := net.ParseIP(a.Addr); ip != nil {
				ips = append(ips, ip)
			}
		}
	}
	return ips, nil
}

// PrimaryIPv4 picks the first non-loopback IPv4 address of the host,
// falling back to 127.0.0.1
func PrimaryIPv4() net.IP {
	ips, err := InterfaceAddrs()
	if err == nil {
		for _, ip := range ips {
			if v4 := ip.To4(); v4 != nil && !v4.IsLoopback() && !v4.IsLinkLocalUnicast() {
				return v4
			}
		}
	}
	return net.IPv4(127, 0, 0, 1).To4()
}

// Table is a fixed Resolver for hosts without usable DNS
type Table struct {
	// Hosts maps names to addresses
	Hosts map[string]net.IP
	// Self lists the addresses considered local
	Self []net.IP
}

// Classify implements Resolver
func (t *Table) Classify(_ context.Context, host string) (Class, net.IP, error) {
	if isLocalName(host) {
		return Local, net.IPv4(127, 0, 0, 1), nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		var ok bool
		if ip, ok = t.Hosts[host]; !ok {
			return Unknown, nil, unknown(host, nil)
		}
	}
	return classify(ip, t.Self), ip, nil
}

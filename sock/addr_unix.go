//go:build linux
// +build linux

package sock

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// TCPSockaddr resolves a host:port string to the native sockaddr for its
// address family.
func TCPSockaddr(addr string) (unix.Sockaddr, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	portInt, err := strconv.Atoi(port)
	if err != nil {
		return nil, err
	}

	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return nil, fmt.Errorf("resolve %q: %w", host, err)
		}
		ip = ips[0]
	}

	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: portInt}
		copy(sa.Addr[:], ip4)
		return sa, nil
	}

	sa := &unix.SockaddrInet6{Port: portInt}
	copy(sa.Addr[:], ip.To16())
	return sa, nil
}

// SockaddrToString renders a peer sockaddr as host:port. Unknown families
// render empty.
func SockaddrToString(sa unix.Sockaddr) string {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IPv4(addr.Addr[0], addr.Addr[1], addr.Addr[2], addr.Addr[3])
		return net.JoinHostPort(ip.String(), strconv.Itoa(addr.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(addr.Addr[:]).String(), strconv.Itoa(addr.Port))
	case *unix.SockaddrUnix:
		return addr.Name
	default:
		return ""
	}
}

// TCPSocket creates a blocking stream socket matching the family of sa,
// ready to be handed to a Conn and connected.
func TCPSocket(sa unix.Sockaddr) (int, error) {
	domain := unix.AF_INET
	if _, ok := sa.(*unix.SockaddrInet6); ok {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	return fd, nil
}

package webserv

import (
	"errors"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// newListenFd creates a non-blocking IPv4 listen socket bound to addr:port.
// optLinger turns on a short SO_LINGER so a close drains in-flight data.
func newListenFd(addr string, port int, optLinger bool, backlog int) (int, error) {
	if port < 1024 || port > 65535 {
		return -1, errors.New("listen: port must be in [1024, 65535]")
	}
	if addr == "" {
		addr = "0.0.0.0"
	}
	ip4 := net.ParseIP(addr)
	if ip4 == nil || ip4.To4() == nil {
		return -1, errors.New("listen: invalid IPv4 address " + addr)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, errors.New("socket: " + err.Error())
	}
	if optLinger {
		lg := unix.Linger{Onoff: 1, Linger: 1}
		if err = unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &lg); err != nil {
			unix.Close(fd)
			return -1, errors.New("set SO_LINGER: " + err.Error())
		}
	}
	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, errors.New("set SO_REUSEADDR: " + err.Error())
	}

	sa := unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip4.To4())
	if err = unix.Bind(fd, &sa); err != nil {
		unix.Close(fd)
		return -1, errors.New("bind: " + err.Error())
	}
	if err = unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, errors.New("listen: " + err.Error())
	}
	if err = unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, errors.New("set nonblock: " + err.Error())
	}
	return fd, nil
}

// sockaddrString formats a peer address as 192.168.0.1:8080.
func sockaddrString(sa unix.Sockaddr) string {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(sa.Addr[:]).String() + ":" + strconv.Itoa(sa.Port)
	case *unix.SockaddrInet6:
		return net.IP(sa.Addr[:]).String() + ":" + strconv.Itoa(sa.Port)
	}
	return ""
}

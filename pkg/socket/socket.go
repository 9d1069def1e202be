package socket

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// MaxDatagramLen bounds the receive buffer; datagrams longer than this are
// truncated by the kernel.
const MaxDatagramLen = 8192

// NewUDP creates an unbound IPv4 datagram socket.
func NewUDP() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	return fd, nil
}

func Bind(fd int, addr *net.UDPAddr) error {
	if err := unix.Bind(fd, Addr(addr)); err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	return nil
}

func Connect(fd int, addr *net.UDPAddr) error {
	if err := unix.Connect(fd, Addr(addr)); err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	return nil
}

func Close(fd int) {
	_ = unix.Close(fd)
}

func Addr(x *net.UDPAddr) unix.Sockaddr {
	res := &unix.SockaddrInet4{
		Port: x.Port,
	}
	copy(res.Addr[:], x.IP.To4())
	return res
}

func AddrToString(sa unix.Sockaddr) string {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IP(v.Addr[:])
		return fmt.Sprintf("%s:%d", ip, v.Port)
	case *unix.SockaddrInet6:
		ip := net.IP(v.Addr[:])
		return fmt.Sprintf("[%s]:%d", ip, v.Port)
	case *unix.SockaddrUnix:
		return v.Name
	default:
		panic(fmt.Errorf("unsupported address type %T", v))
	}
}

// LocalPort reports the port the socket is bound to. Needed by tests that
// bind to ephemeral ports.
func LocalPort(fd int) (int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, fmt.Errorf("getsockname: %w", err)
	}
	v, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return 0, fmt.Errorf("unsupported address type %T", sa)
	}
	return v.Port, nil
}

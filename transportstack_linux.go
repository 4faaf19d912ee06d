// SPDX-License-Identifier: GPL-3.0-or-later

package neat

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"

	"golang.org/x/sys/unix"
)

// dialRawStack dials a [TransportStack] the standard library's [net]
// package has no native support for, by constructing the raw socket with
// golang.org/x/sys/unix and handing the descriptor to [net.FileConn].
//
// SCTP and UDP-Lite are dialed as genuine raw sockets. SCTP-over-UDP is
// reported as unsupported: a conforming userspace SCTP-over-UDP
// encapsulation needs a full SCTP association state machine, which is a
// wire protocol implementation, not something this dial primitive composes
// out of kernel sockets — it is accepted as a recognized candidate so the
// happy-eyeballs race can still enumerate it and fail fast rather than
// silently drop it from the candidate set.
func dialRawStack(ctx context.Context, stack TransportStack, local, remote netip.AddrPort) (net.Conn, error) {
	switch stack {
	case StackSCTP:
		return dialRawSocket(ctx, unix.IPPROTO_SCTP, unix.SOCK_STREAM, "sctp", local, remote)
	case StackUDPLite:
		return dialRawSocket(ctx, unix.IPPROTO_UDPLITE, unix.SOCK_DGRAM, "udplite", local, remote)
	case StackSCTPOverUDP:
		return nil, fmt.Errorf("%w: SCTP-over-UDP dialing is not implemented on this platform", ErrIoError)
	default:
		return nil, fmt.Errorf("%w: stack %s has no raw dial path", ErrInternal, stack)
	}
}

// dialRawSocket creates, binds, and connects a raw socket for the given
// IP protocol number and socket type, then wraps it as a [net.Conn].
func dialRawSocket(ctx context.Context, proto, sockType int, name string, local, remote netip.AddrPort) (net.Conn, error) {
	domain := unix.AF_INET
	if remote.Addr().Is6() {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, sockType, proto)
	if err != nil {
		return nil, fmt.Errorf("%w: %s socket: %w", ErrIoError, name, err)
	}
	if local.IsValid() && local.Addr().IsValid() {
		if err := bindRawSocket(fd, domain, local); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("%w: %s bind: %w", ErrIoError, name, err)
		}
	}

	if err := connectRawSocket(fd, domain, remote); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: %s connect: %w", ErrIoError, name, err)
	}

	// unix.Socket returns a blocking-by-default descriptor on Linux; os.NewFile
	// takes ownership and net.FileConn dup()s it, so closing file releases
	// our copy either way.
	file := os.NewFile(uintptr(fd), name)
	defer file.Close()

	conn, err := net.FileConn(file)
	if err != nil {
		return nil, fmt.Errorf("%w: %s FileConn: %w", ErrIoError, name, err)
	}
	return conn, nil
}

func bindRawSocket(fd, domain int, addr netip.AddrPort) error {
	if domain == unix.AF_INET6 {
		a := addr.Addr().As16()
		sa := &unix.SockaddrInet6{Port: int(addr.Port()), Addr: a}
		return unix.Bind(fd, sa)
	}
	a := addr.Addr().As4()
	sa := &unix.SockaddrInet4{Port: int(addr.Port()), Addr: a}
	return unix.Bind(fd, sa)
}

func connectRawSocket(fd, domain int, addr netip.AddrPort) error {
	if domain == unix.AF_INET6 {
		a := addr.Addr().As16()
		sa := &unix.SockaddrInet6{Port: int(addr.Port()), Addr: a}
		return unix.Connect(fd, sa)
	}
	a := addr.Addr().As4()
	sa := &unix.SockaddrInet4{Port: int(addr.Port()), Addr: a}
	return unix.Connect(fd, sa)
}

//go:build linux

package transport

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MCTP socket constants from the kernel uapi (include/uapi/linux/mctp.h),
// not exposed by golang.org/x/sys/unix, the same situation the teacher's
// internal/uring package is in for io_uring's URING_CMD opcode: define the
// raw numbers locally and talk to the syscall directly.
const (
	afMCTP     = 45
	mctpNetAny = 0
	solMCTP    = 285
	mctpTagOwner = 0x08
)

// sockaddrMCTP mirrors struct sockaddr_mctp exactly (field order and sizes
// matter: this is passed to bind/sendto/recvfrom as a raw byte buffer).
type sockaddrMCTP struct {
	family  uint16
	pad0    uint16
	network uint32
	addr    uint8
	typ     uint8
	tag     uint8
	pad1    uint8
}

// Socket is a real AF_MCTP SOCK_DGRAM Conn, one per local endpoint. Framing
// (header, completion code, payload) is entirely the wire package's
// concern; Socket only moves opaque datagrams, exactly like MockConn's
// in-memory loopback does for tests.
type Socket struct {
	fd int

	mu     sync.Mutex
	closed bool
}

// NewSocket opens an AF_MCTP datagram socket and binds it to accept
// messages addressed to localEOID on mctpNetAny.
func NewSocket(localEOID uint8, msgType uint8) (*Socket, error) {
	fd, _, errno := unix.Syscall(unix.SYS_SOCKET, uintptr(afMCTP), uintptr(unix.SOCK_DGRAM), 0)
	if errno != 0 {
		return nil, fmt.Errorf("transport: socket(AF_MCTP): %w", errno)
	}

	sa := sockaddrMCTP{
		family:  afMCTP,
		network: mctpNetAny,
		addr:    localEOID,
		typ:     msgType,
		tag:     mctpTagOwner,
	}
	_, _, errno = unix.Syscall(unix.SYS_BIND, fd, uintptr(unsafe.Pointer(&sa)), unsafe.Sizeof(sa))
	if errno != 0 {
		unix.Close(int(fd))
		return nil, fmt.Errorf("transport: bind(AF_MCTP): %w", errno)
	}

	return &Socket{fd: int(fd)}, nil
}

// Send transmits frame to endpointID via sendto, addressed with the
// tag-owner bit set so the peer's reply carries a matching tag.
func (s *Socket) Send(endpointID uint8, frame Frame) error {
	sa := sockaddrMCTP{
		family:  afMCTP,
		network: mctpNetAny,
		addr:    endpointID,
		tag:     mctpTagOwner,
	}
	_, _, errno := unix.Syscall6(unix.SYS_SENDTO, uintptr(s.fd),
		uintptr(unsafe.Pointer(&frame[0])), uintptr(len(frame)), 0,
		uintptr(unsafe.Pointer(&sa)), unsafe.Sizeof(sa))
	if errno != 0 {
		return fmt.Errorf("transport: sendto: %w", errno)
	}
	return nil
}

// Recv blocks on recvfrom for the next datagram, returning the sender's
// endpoint id recovered from the source address.
func (s *Socket) Recv() (uint8, Frame, bool) {
	buf := make([]byte, 4096)
	var sa sockaddrMCTP
	size := unsafe.Sizeof(sa)
	for {
		n, _, errno := unix.Syscall6(unix.SYS_RECVFROM, uintptr(s.fd),
			uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)), 0,
			uintptr(unsafe.Pointer(&sa)), uintptr(unsafe.Pointer(&size)))
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return 0, nil, false
		}
		return sa.addr, Frame(buf[:n]), true
	}
}

// Close shuts down the underlying fd; a blocked Recv observes EBADF and
// returns ok=false.
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return unix.Close(s.fd)
}

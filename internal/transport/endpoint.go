package transport

import "net"

// Endpoint is the minimal contract the controller depends on: publish a
// datagram to the group, and block for the next one. Both Multicast (real
// UDP) and Link (in-process Bus) satisfy it, so the controller and protocol
// engines are testable without a real socket.
type Endpoint interface {
	Send(data []byte) error
	Recv(buf []byte) (n int, addr net.Addr, err error)
	Close() error
}

var (
	_ Endpoint = (*Multicast)(nil)
	_ Endpoint = (*Link)(nil)
)

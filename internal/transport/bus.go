package transport

import (
	"errors"
	"net"
	"sync"
)

// Bus is an in-process stand-in for Multicast: every Link registered on a
// Bus receives every datagram Sent by any other Link, including its own
// (mirroring multicast loopback). It lets the controller, election, and
// consensus state machines be tested without binding real sockets.
type Bus struct {
	mu    sync.Mutex
	links map[int]*Link
}

// NewBus creates an empty shared bus.
func NewBus() *Bus {
	return &Bus{links: make(map[int]*Link)}
}

// Link is one peer's endpoint on a Bus.
type Link struct {
	bus    *Bus
	pid    int
	inbox  chan []byte
	closed chan struct{}
	once   sync.Once
}

// Join registers a new Link for pid on the bus.
func (b *Bus) Join(pid int) *Link {
	l := &Link{bus: b, pid: pid, inbox: make(chan []byte, 256), closed: make(chan struct{})}
	b.mu.Lock()
	b.links[pid] = l
	b.mu.Unlock()
	return l
}

// Send fans the datagram out to every linked peer, including the sender.
// A closed link can no longer send, like a Multicast whose sockets are
// released.
func (l *Link) Send(data []byte) error {
	select {
	case <-l.closed:
		return errors.New("link closed")
	default:
	}

	l.bus.mu.Lock()
	targets := make([]*Link, 0, len(l.bus.links))
	for _, peer := range l.bus.links {
		targets = append(targets, peer)
	}
	l.bus.mu.Unlock()

	for _, peer := range targets {
		select {
		case peer.inbox <- data:
		default:
			// Slow receiver: drop, matching best-effort multicast delivery.
		}
	}
	return nil
}

// Recv blocks for the next datagram addressed to this link.
func (l *Link) Recv(buf []byte) (int, net.Addr, error) {
	select {
	case data, ok := <-l.inbox:
		if !ok {
			return 0, nil, errors.New("link closed")
		}
		n := copy(buf, data)
		return n, &net.UDPAddr{}, nil
	case <-l.closed:
		return 0, nil, errors.New("link closed")
	}
}

// Close removes the link from the bus and unblocks any pending Recv.
func (l *Link) Close() error {
	l.once.Do(func() {
		l.bus.mu.Lock()
		delete(l.bus.links, l.pid)
		l.bus.mu.Unlock()
		close(l.closed)
	})
	return nil
}

// Package transport implements message delivery over a shared IP multicast
// group: one datagram per message, best-effort, with loopback of the
// sender's own traffic so a single-peer deployment still observes its own
// broadcasts.
package transport

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// Multicast is a UDP multicast transport bound to one group/port pair.
// Send publishes a datagram to the group; Recv blocks for the next one.
type Multicast struct {
	group    *net.UDPAddr
	recvConn net.PacketConn
	pktConn  *ipv4.PacketConn
	sendConn *net.UDPConn
}

// reuseAddrControl enables SO_REUSEADDR and SO_REUSEPORT on the listening
// socket before bind, so multiple peer processes on the same host can each
// join the group on the same port.
func reuseAddrControl(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			sockErr = fmt.Errorf("set SO_REUSEADDR: %w", err)
			return
		}
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			sockErr = fmt.Errorf("set SO_REUSEPORT: %w", err)
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}

// Dial joins the multicast group on groupAddr:port and prepares both the
// receive socket (joined to the group) and the send socket (used to publish
// datagrams with multicast TTL 1 and loopback enabled).
func Dial(groupAddr string, port int) (*Multicast, error) {
	group := &net.UDPAddr{IP: net.ParseIP(groupAddr), Port: port}

	lc := net.ListenConfig{Control: reuseAddrControl}
	recvConn, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen multicast: %w", err)
	}

	pktConn := ipv4.NewPacketConn(recvConn)
	ifaces, err := interfacesForMulticast()
	if err != nil {
		_ = recvConn.Close()
		return nil, fmt.Errorf("enumerate interfaces: %w", err)
	}
	joined := false
	for _, iface := range ifaces {
		if err := pktConn.JoinGroup(iface, &net.UDPAddr{IP: group.IP}); err == nil {
			joined = true
		}
	}
	if !joined {
		if err := pktConn.JoinGroup(nil, &net.UDPAddr{IP: group.IP}); err != nil {
			_ = recvConn.Close()
			return nil, fmt.Errorf("join multicast group: %w", err)
		}
	}
	if err := pktConn.SetMulticastTTL(1); err != nil {
		_ = recvConn.Close()
		return nil, fmt.Errorf("set multicast ttl: %w", err)
	}
	if err := pktConn.SetMulticastLoopback(true); err != nil {
		_ = recvConn.Close()
		return nil, fmt.Errorf("enable multicast loopback: %w", err)
	}

	sendConn, err := net.DialUDP("udp4", nil, group)
	if err != nil {
		_ = recvConn.Close()
		return nil, fmt.Errorf("dial multicast send socket: %w", err)
	}
	sendPkt := ipv4.NewPacketConn(sendConn)
	if err := sendPkt.SetMulticastTTL(1); err != nil {
		_ = sendConn.Close()
		_ = recvConn.Close()
		return nil, fmt.Errorf("set send multicast ttl: %w", err)
	}
	if err := sendPkt.SetMulticastLoopback(true); err != nil {
		_ = sendConn.Close()
		_ = recvConn.Close()
		return nil, fmt.Errorf("enable send multicast loopback: %w", err)
	}

	return &Multicast{group: group, recvConn: recvConn, pktConn: pktConn, sendConn: sendConn}, nil
}

// Send publishes one datagram to the group. Failures are transient per the
// protocol's error model; callers log and continue rather than retry here.
func (m *Multicast) Send(data []byte) error {
	_, err := m.sendConn.Write(data)
	return err
}

// Recv blocks until the next datagram arrives, returning its payload and
// source address. A read error here is treated as fatal by the caller — it
// means the underlying socket is no longer usable.
func (m *Multicast) Recv(buf []byte) (int, net.Addr, error) {
	n, _, addr, err := m.pktConn.ReadFrom(buf)
	return n, addr, err
}

// Close releases both sockets.
func (m *Multicast) Close() error {
	sendErr := m.sendConn.Close()
	recvErr := m.recvConn.Close()
	if sendErr != nil {
		return sendErr
	}
	return recvErr
}

func interfacesForMulticast() ([]*net.Interface, error) {
	all, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var usable []*net.Interface
	for i := range all {
		iface := all[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		usable = append(usable, &iface)
	}
	return usable, nil
}

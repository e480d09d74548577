package dumbbell

import (
	"fmt"
	"net/netip"
)

// PacketSink listens on the receiver and counts the bytes delivered in order
// by the transport.  It accepts a single connection and never sends data.
type PacketSink struct {
	Name    string
	node    *Node
	addr    netip.AddrPort
	sock    *tcpSocket
	totalRx int64
	conns   int
	err     error

	// rxHook, when set, sees every delivery after the counter is updated
	rxHook func(totalRx int64)
}

// CreatePacketSink is a constructor
func CreatePacketSink(name string, node *Node, addr netip.AddrPort) *PacketSink {
	ps := new(PacketSink)
	ps.Name = name
	ps.node = node
	ps.addr = addr
	return ps
}

// Listen registers the sink with the node's portal
func (ps *PacketSink) Listen() error {
	if !ps.node.owns(ps.addr.Addr()) {
		return fmt.Errorf("%w: sink address %s not on node %s", ErrConfig, ps.addr.String(), ps.node.Name)
	}
	ps.node.portal.listen(ps.addr, ps.accept)
	return nil
}

// accept takes the first connection offered and refuses the rest, recording
// the second offer as an error
func (ps *PacketSink) accept(sock *tcpSocket) bool {
	ps.conns += 1
	if ps.conns > 1 {
		if ps.err == nil {
			ps.err = fmt.Errorf("%w: %s offered connection from %s", ErrSecondConnection,
				ps.Name, sock.remote.String())
		}
		return false
	}
	ps.sock = sock
	sock.SetRecvCallback(ps.received)
	return true
}

func (ps *PacketSink) received(n int) {
	ps.totalRx += int64(n)
	if ps.rxHook != nil {
		ps.rxHook(ps.totalRx)
	}
}

// TotalRx returns the bytes received so far
func (ps *PacketSink) TotalRx() int64 {
	return ps.totalRx
}

// Addr returns the address and port the sink listens on
func (ps *PacketSink) Addr() netip.AddrPort {
	return ps.addr
}

// Err returns the ordering error recorded by the sink, if any
func (ps *PacketSink) Err() error {
	return ps.err
}

// Connections returns the number of connections offered
func (ps *PacketSink) Connections() int {
	return ps.conns
}

package dumbbell

// portal.go holds the transport portal of a node: the point where packets
// addressed to the node are handed to the socket they belong to, and where
// sockets register themselves to be found.

import (
	"net/netip"

	"github.com/iti/evt/evtm"
)

// first port handed out to an active opener
const ephemeralPortBase = 49153

// connKey identifies a connection from the point of view of the local node
type connKey struct {
	local  netip.AddrPort
	remote netip.AddrPort
}

// acceptFunc is called by a listener offered a new connection.  Returning
// false refuses the connection.
type acceptFunc func(sock *tcpSocket) bool

type listener struct {
	addr   netip.AddrPort
	accept acceptFunc
}

// portal demultiplexes arriving segments to sockets
type portal struct {
	node      *Node
	listeners map[uint16]*listener
	conns     map[connKey]*tcpSocket
	nxtPort   uint16
	unmatched int // segments for which no socket or listener was found
	refused   int // connection requests refused by a listener
}

// createPortal is a constructor
func createPortal(node *Node) *portal {
	np := new(portal)
	np.node = node
	np.listeners = make(map[uint16]*listener)
	np.conns = make(map[connKey]*tcpSocket)
	np.nxtPort = ephemeralPortBase
	return np
}

// listen registers a passive opener on addr
func (np *portal) listen(addr netip.AddrPort, accept acceptFunc) {
	np.listeners[addr.Port()] = &listener{addr: addr, accept: accept}
}

// ephemeral returns a local port not used by any connection of the node
func (np *portal) ephemeral() uint16 {
	port := np.nxtPort
	np.nxtPort += 1
	return port
}

func (np *portal) register(sock *tcpSocket) {
	np.conns[connKey{local: sock.local, remote: sock.remote}] = sock
}

// deliver routes an arriving segment to its socket.  A SYN that matches no
// connection is offered to the listener on the destination port
func (np *portal) deliver(evtMgr *evtm.EventManager, pckt *packet) {
	key := connKey{local: pckt.dst, remote: pckt.src}
	sock, present := np.conns[key]
	if present {
		sock.receive(evtMgr, pckt)
		return
	}

	lstnr, present := np.listeners[pckt.dst.Port()]
	if !present || pckt.flags&flagSYN == 0 || pckt.flags&flagACK != 0 {
		np.unmatched += 1
		return
	}

	sock = createPassiveSocket(np.node, pckt.dst, pckt.src)
	if !lstnr.accept(sock) {
		np.refused += 1
		return
	}
	np.register(sock)
	sock.receive(evtMgr, pckt)
}

// release drops every socket and listener
func (np *portal) release() {
	for _, sock := range np.conns {
		sock.release()
	}
	np.conns = make(map[connKey]*tcpSocket)
	np.listeners = make(map[uint16]*listener)
}

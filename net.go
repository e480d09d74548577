package dumbbell

// net.go holds the structures that carry packets through the dumbbell:
// nodes, their interfaces, and the event handlers that move a packet from
// an egress queue across a link to the ingress side of the peer interface.
//
// A packet offered to an interface is appended to the interface's egress
// queue.  When the transmitter is idle the head of the queue is removed and
// serialized for pcktLen*8/bandwidth seconds; the packet then propagates for
// the link latency and is presented to the node holding the peer interface.
// That node either hands the packet to its transport portal (the packet is
// addressed to it) or looks up the egress interface in its routing table.

import (
	"fmt"
	"math"
	"net/netip"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"github.com/iti/rngstream"
)

// tcpFlags marks the control bits carried by a segment
type tcpFlags uint8

const (
	flagSYN tcpFlags = 1 << iota
	flagACK
	flagFIN
)

func (f tcpFlags) String() string {
	str := ""
	for _, fs := range []struct {
		flag tcpFlags
		name string
	}{{flagSYN, "SYN"}, {flagFIN, "FIN"}, {flagACK, "ACK"}} {
		if f&fs.flag == 0 {
			continue
		}
		if len(str) > 0 {
			str += "|"
		}
		str += fs.name
	}
	return str
}

const defaultTTL = 64

// packet is one IPv4 datagram carrying a TCP segment.  Sequence and
// acknowledgement numbers are byte offsets from the sending (resp.
// acknowledged) side's initial sequence number, which the packet also carries
// so that recorders can reconstruct the numbers seen on the wire.
type packet struct {
	id      int
	src     netip.AddrPort
	dst     netip.AddrPort
	seq     int64
	ack     int64
	isn     uint32 // initial sequence number of the sender of the packet
	peerISN uint32 // initial sequence number of the acknowledged side
	flags   tcpFlags
	wnd     int // advertised receive window, bytes
	payload int // bytes of application data
	ttl     int
	sack    []seqRange // blocks held out of order by the acknowledging side
}

// pcktLen is the length of the IP packet in bytes
func (pckt *packet) pcktLen() int {
	return pckt.payload + ipTCPHdrLen
}

func (pckt *packet) String() string {
	return fmt.Sprintf("%s > %s [%s] Seq=%d Ack=%d Win=%d Len=%d",
		pckt.src.String(), pckt.dst.String(), pckt.flags.String(), pckt.seq, pckt.ack, pckt.wnd, pckt.payload)
}

// pcktEvent names the points at which observers see a packet
type pcktEvent int

const (
	pcktEnqueue pcktEvent = iota
	pcktDequeue
	pcktDrop
	pcktReceive
)

var pcktEventCode map[pcktEvent]string = map[pcktEvent]string{pcktEnqueue: "+", pcktDequeue: "-",
	pcktDrop: "d", pcktReceive: "r"}

// packetObserver is implemented by anything that records packet events.  Observers
// read the packet and must not modify it or schedule events.
type packetObserver interface {
	observePacket(now float64, evt pcktEvent, intrfc *Intrfc, pckt *packet)
}

// Intrfc is a network interface of a Node, one end of a Link
type Intrfc struct {
	Name   string // name local to the node, e.g. "eth0"
	Number int    // unique integer id across the topology
	Index  int    // position among the node's interfaces

	device *Node         // node holding the interface
	addr   netip.Addr    // address assigned from the link's block
	prefix netip.Prefix  // the link's address block
	link   *Link         // link the interface attaches to
	peer   *Intrfc       // the interface at the other end of the link
	queue  *DropTailQueue // egress queue
	busy   bool          // true while a packet is being serialized

	observers []packetObserver

	txPckts int
	rxPckts int
}

// createIntrfc is a constructor
func createIntrfc(device *Node, number int, queueCapacity int) *Intrfc {
	intrfc := new(Intrfc)
	intrfc.Index = len(device.Intrfcs)
	intrfc.Name = fmt.Sprintf("eth%d", intrfc.Index)
	intrfc.Number = number
	intrfc.device = device
	intrfc.queue = CreateDropTailQueue(queueCapacity)
	intrfc.observers = make([]packetObserver, 0)
	device.Intrfcs = append(device.Intrfcs, intrfc)
	return intrfc
}

// FullName qualifies the interface name with the node name
func (intrfc *Intrfc) FullName() string {
	return intrfc.device.Name + "/" + intrfc.Name
}

// Addr returns the address assigned to the interface
func (intrfc *Intrfc) Addr() netip.Addr {
	return intrfc.addr
}

// Prefix returns the address block of the attached link
func (intrfc *Intrfc) Prefix() netip.Prefix {
	return intrfc.prefix
}

// Queue returns the interface's egress queue
func (intrfc *Intrfc) Queue() *DropTailQueue {
	return intrfc.queue
}

// Link returns the link the interface attaches to
func (intrfc *Intrfc) Link() *Link {
	return intrfc.link
}

// Device returns the node holding the interface
func (intrfc *Intrfc) Device() *Node {
	return intrfc.device
}

// installQueue replaces the egress queue.  Packets held by the previous queue
// are discarded and counted as its drops; a packet already being serialized
// is not affected.
func (intrfc *Intrfc) installQueue(dtq *DropTailQueue) []*packet {
	flushed := intrfc.queue.flush()
	intrfc.queue = dtq
	return flushed
}

func (intrfc *Intrfc) addObserver(obs packetObserver) {
	intrfc.observers = append(intrfc.observers, obs)
}

func (intrfc *Intrfc) notify(now float64, evt pcktEvent, pckt *packet) {
	for _, obs := range intrfc.observers {
		obs.observePacket(now, evt, intrfc, pckt)
	}
}

// send offers a packet to the egress side of the interface
func (intrfc *Intrfc) send(evtMgr *evtm.EventManager, pckt *packet) {
	now := evtMgr.CurrentSeconds()
	if !intrfc.queue.enqueue(pckt) {
		intrfc.notify(now, pcktDrop, pckt)
		return
	}
	intrfc.notify(now, pcktEnqueue, pckt)

	if !intrfc.busy {
		intrfc.startTx(evtMgr)
	}
}

// startTx moves the head of the egress queue onto the wire, if there is one
func (intrfc *Intrfc) startTx(evtMgr *evtm.EventManager) {
	pckt := intrfc.queue.dequeue()
	if pckt == nil {
		intrfc.busy = false
		return
	}
	intrfc.busy = true
	intrfc.notify(evtMgr.CurrentSeconds(), pcktDequeue, pckt)

	delay := intrfc.link.txTime(pckt.pcktLen())
	evtMgr.Schedule(intrfc, pckt, exitEgressIntrfc, vrtime.SecondsToTime(delay))
}

// exitEgressIntrfc executes when the last bit of a packet has left the interface.
// The packet is scheduled to arrive at the peer after the link latency and
// the transmitter turns to the next packet in the queue
func exitEgressIntrfc(evtMgr *evtm.EventManager, egressIntrfc any, data any) any {
	intrfc := egressIntrfc.(*Intrfc)
	pckt := data.(*packet)
	intrfc.txPckts += 1

	evtMgr.Schedule(intrfc.peer, pckt, enterIngressIntrfc, vrtime.SecondsToTime(intrfc.link.latency))

	intrfc.startTx(evtMgr)

	// event-handlers are required to return _something_
	return nil
}

// enterIngressIntrfc executes when a packet has fully arrived at an interface
func enterIngressIntrfc(evtMgr *evtm.EventManager, ingressIntrfc any, data any) any {
	intrfc := ingressIntrfc.(*Intrfc)
	pckt := data.(*packet)
	intrfc.rxPckts += 1
	intrfc.notify(evtMgr.CurrentSeconds(), pcktReceive, pckt)

	intrfc.device.receive(evtMgr, intrfc, pckt)
	return nil
}

// Node is a host or router of the dumbbell
type Node struct {
	ID      int
	Name    string
	Intrfcs []*Intrfc

	topo    *Topology
	routes  *RoutingTable
	portal  *portal
	fwd     *forwardScheduler
	rngstrm *rngstream.RngStream // source of initial sequence numbers
	tcp     tcpParams            // parameters of sockets opened on the node

	forwarded int // packets relayed to another node
	delivered int // packets handed to the local portal
	noRoute   int // packets discarded for lack of a route
	expired   int // packets discarded when their ttl ran out
}

// createNode is a constructor
func createNode(topo *Topology, id int, name string) *Node {
	node := new(Node)
	node.ID = id
	node.Name = name
	node.Intrfcs = make([]*Intrfc, 0)
	node.topo = topo
	node.routes = createRoutingTable()
	node.portal = createPortal(node)
	node.rngstrm = rngstream.New(name)
	node.tcp = defaultTCPParams()
	return node
}

// owns reports whether addr is assigned to one of the node's interfaces
func (node *Node) owns(addr netip.Addr) bool {
	for _, intrfc := range node.Intrfcs {
		if intrfc.addr == addr {
			return true
		}
	}
	return false
}

// Routes returns the node's routing table
func (node *Node) Routes() *RoutingTable {
	return node.routes
}

// Addr returns the address of the node's first interface
func (node *Node) Addr() netip.Addr {
	if len(node.Intrfcs) == 0 {
		return netip.Addr{}
	}
	return node.Intrfcs[0].addr
}

// receive takes a packet from one of the node's interfaces
func (node *Node) receive(evtMgr *evtm.EventManager, intrfc *Intrfc, pckt *packet) {
	if node.owns(pckt.dst.Addr()) {
		node.delivered += 1
		node.portal.deliver(evtMgr, pckt)
		return
	}

	if node.fwd != nil {
		node.fwd.schedule(evtMgr, node, pckt, forwardPckt)
		return
	}
	node.forward(evtMgr, pckt)
}

// forwardPckt executes when the router has finished processing a packet
func forwardPckt(evtMgr *evtm.EventManager, context any, data any) any {
	node := context.(*Node)
	pckt := data.(*packet)
	node.forward(evtMgr, pckt)
	return nil
}

// forward relays a packet not addressed to this node
func (node *Node) forward(evtMgr *evtm.EventManager, pckt *packet) {
	pckt.ttl -= 1
	if pckt.ttl <= 0 {
		node.expired += 1
		return
	}
	egress, err := node.routes.lookup(pckt.dst.Addr())
	if err != nil {
		node.noRoute += 1
		return
	}
	node.forwarded += 1
	egress.send(evtMgr, pckt)
}

// transmit sends a packet originating at this node
func (node *Node) transmit(evtMgr *evtm.EventManager, pckt *packet) {
	egress, err := node.routes.lookup(pckt.dst.Addr())
	if err != nil {
		node.noRoute += 1
		return
	}
	pckt.id = node.topo.nxtPcktID()
	egress.send(evtMgr, pckt)
}

// initialSeq draws an initial sequence number from the node's random stream
func (node *Node) initialSeq() uint32 {
	return uint32(math.Floor(node.rngstrm.RandU01() * float64(math.MaxUint32)))
}

var rdigits uint = 9

// round computed simulation time to avoid non-sensical comparisons
// induced by rounding error
func roundFloat(val float64, precision uint) float64 {
	ratio := math.Pow(10, float64(precision))
	return math.Round(val*ratio) / ratio
}

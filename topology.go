package dumbbell

// topology.go assembles the dumbbell: a sender and a receiver joined
// through one router by two point-to-point links.  Each link receives its
// own address block, the lower-numbered node taking the first host address
// and the other node the second.

import (
	"fmt"
)

// node indices within the dumbbell
const (
	senderIdx = iota
	routerIdx
	receiverIdx
)

var nodeNames []string = []string{"sender", "router", "receiver"}

// Topology holds the nodes and links of an assembled dumbbell, and handles
// on the four interfaces
type Topology struct {
	Nodes []*Node
	Links []*Link

	SenderIntrfc   *Intrfc // sender side of the access link
	RouterIngress  *Intrfc // router side of the access link
	RouterEgress   *Intrfc // router side of the bottleneck link; holds the bottleneck queue
	ReceiverIntrfc *Intrfc // receiver side of the bottleneck link

	numIntrfcs int
	numPckts   int
}

// BuildTopology creates the three nodes and two links described by cfg.
// Every link parameter and address block is checked before any object is
// created, so on error nothing has been built.
func BuildTopology(cfg *ExpCfg) (*Topology, error) {
	if len(cfg.Links) != 2 {
		return nil, fmt.Errorf("%w: dumbbell needs exactly 2 links, %d given", ErrConfig, len(cfg.Links))
	}
	errs := make([]error, 0)
	for _, ld := range cfg.Links {
		errs = append(errs, ld.validate())
	}
	prefixes, err := parseSubnets(cfg.Subnets)
	errs = append(errs, err)
	if cfg.DefaultQueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("default queue capacity %d less than 1", cfg.DefaultQueueCapacity))
	}
	if err := ReportErrs(errs); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrConfig, err.Error())
	}

	topo := new(Topology)
	topo.Nodes = make([]*Node, 0, len(nodeNames))
	for idx, name := range nodeNames {
		topo.Nodes = append(topo.Nodes, createNode(topo, idx, name))
	}

	// link i joins node i and node i+1
	topo.Links = make([]*Link, 0, len(cfg.Links))
	for idx, ld := range cfg.Links {
		lnk := createLink(ld)
		lnk.prefix = prefixes[idx]

		lower := createIntrfc(topo.Nodes[idx], topo.nxtIntrfcID(), cfg.DefaultQueueCapacity)
		upper := createIntrfc(topo.Nodes[idx+1], topo.nxtIntrfcID(), cfg.DefaultQueueCapacity)
		lnk.attach(lower, upper)

		first := lnk.prefix.Addr().Next()
		lower.addr, lower.prefix = first, lnk.prefix
		upper.addr, upper.prefix = first.Next(), lnk.prefix

		topo.Links = append(topo.Links, lnk)
	}

	topo.SenderIntrfc, topo.RouterIngress = topo.Links[0].Ends()
	topo.RouterEgress, topo.ReceiverIntrfc = topo.Links[1].Ends()
	return topo, nil
}

// Sender returns the node originating the bulk flow
func (topo *Topology) Sender() *Node {
	return topo.Nodes[senderIdx]
}

// Router returns the node joining the two links
func (topo *Topology) Router() *Node {
	return topo.Nodes[routerIdx]
}

// Receiver returns the node holding the sink
func (topo *Topology) Receiver() *Node {
	return topo.Nodes[receiverIdx]
}

// Intrfcs lists every interface, ordered by Number
func (topo *Topology) Intrfcs() []*Intrfc {
	intrfcs := make([]*Intrfc, 0, topo.numIntrfcs)
	for _, lnk := range topo.Links {
		intrfcs = append(intrfcs, lnk.ends[0], lnk.ends[1])
	}
	return intrfcs
}

func (topo *Topology) nxtIntrfcID() int {
	topo.numIntrfcs += 1
	return topo.numIntrfcs
}

func (topo *Topology) nxtPcktID() int {
	topo.numPckts += 1
	return topo.numPckts
}

// release drops the references the nodes and interfaces hold to each other
func (topo *Topology) release() {
	for _, node := range topo.Nodes {
		node.portal.release()
		node.routes = createRoutingTable()
		node.fwd = nil
		node.topo = nil
	}
	for _, intrfc := range topo.Intrfcs() {
		intrfc.observers = nil
		intrfc.queue.flush()
	}
}

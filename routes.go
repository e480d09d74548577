package dumbbell

// routes.go computes the forwarding state of every node from shortest paths
// through the topology.
//
// The nodes and links are converted into the weighted graph representation
// of gonum's graph package, which has built-in path discovery algorithms.
// Weighting each edge by 1, a shortest path minimizes the number of hops,
// which is sort of what link-state routing like OSPF does.  For every node a
// Dijkstra tree is computed; for every address block not attached to the
// node, the first hop of the path to the nearest node on that block gives
// the egress interface and the next-hop address.

import (
	"fmt"
	"math"
	"net/netip"

	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

// routeEntry maps a destination block to the interface packets leave by
type routeEntry struct {
	prefix  netip.Prefix
	intrfc  *Intrfc
	nextHop netip.Addr // invalid when the block is directly attached
	metric  float64    // hops to the block
}

// RouteDesc is the serializable form of a route
type RouteDesc struct {
	Prefix  string  `json:"prefix" yaml:"prefix"`
	Intrfc  string  `json:"intrfc" yaml:"intrfc"`
	NextHop string  `json:"nexthop" yaml:"nexthop"`
	Metric  float64 `json:"metric" yaml:"metric"`
}

// RoutingTable holds the forwarding state of one node
type RoutingTable struct {
	entries []routeEntry
}

func createRoutingTable() *RoutingTable {
	rt := new(RoutingTable)
	rt.entries = make([]routeEntry, 0)
	return rt
}

// lookup returns the egress interface of the longest prefix matching addr
func (rt *RoutingTable) lookup(addr netip.Addr) (*Intrfc, error) {
	var best *routeEntry
	for idx := range rt.entries {
		entry := &rt.entries[idx]
		if !entry.prefix.Contains(addr) {
			continue
		}
		if best == nil || entry.prefix.Bits() > best.prefix.Bits() {
			best = entry
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, addr.String())
	}
	return best.intrfc, nil
}

// Len returns the number of entries
func (rt *RoutingTable) Len() int {
	return len(rt.entries)
}

// Describe returns the entries in serializable form, in table order
func (rt *RoutingTable) Describe() []RouteDesc {
	descs := make([]RouteDesc, 0, len(rt.entries))
	for _, entry := range rt.entries {
		nxtHop := "direct"
		if entry.nextHop.IsValid() {
			nxtHop = entry.nextHop.String()
		}
		descs = append(descs, RouteDesc{Prefix: entry.prefix.String(), Intrfc: entry.intrfc.FullName(),
			NextHop: nxtHop, Metric: entry.metric})
	}
	return descs
}

// buildConnGraph returns a graph.Graph in which node i represents topo.Nodes[i]
// and every link is an edge of weight 1
func buildConnGraph(topo *Topology) graph.Graph {
	connGraph := simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	for _, node := range topo.Nodes {
		connGraph.AddNode(simple.Node(node.ID))
	}
	for _, lnk := range topo.Links {
		from, to := lnk.ends[0].device, lnk.ends[1].device
		weightedEdge := simple.WeightedEdge{F: simple.Node(from.ID), T: simple.Node(to.ID), W: 1.0}
		connGraph.SetWeightedEdge(weightedEdge)
	}
	return connGraph
}

// ResolveRoutes populates the routing table of every node in topo.  The tables
// are rebuilt from scratch in a fixed order, so calling it again yields
// identical tables.
func ResolveRoutes(topo *Topology) error {
	if topo == nil || len(topo.Nodes) == 0 || len(topo.Links) == 0 {
		return fmt.Errorf("%w: routing requested before the topology is assembled", ErrOrdering)
	}
	connGraph := buildConnGraph(topo)

	for _, node := range topo.Nodes {
		// let graph/path.DijkstraFrom compute the tree. The first argument
		// is the root of the tree, the second is the graph
		spTree := path.DijkstraFrom(simple.Node(node.ID), connGraph)

		rt := createRoutingTable()
		for _, lnk := range topo.Links {
			entry, found := routeToLink(node, lnk, spTree)
			if found {
				rt.entries = append(rt.entries, entry)
			}
		}

		// most specific first, then by block, so lookups and Describe are stable
		slices.SortStableFunc(rt.entries, func(a, b routeEntry) int {
			if a.prefix.Bits() != b.prefix.Bits() {
				return b.prefix.Bits() - a.prefix.Bits()
			}
			return a.prefix.Addr().Compare(b.prefix.Addr())
		})
		node.routes = rt
	}
	return nil
}

// routeToLink finds the route from node to the address block of lnk
func routeToLink(node *Node, lnk *Link, spTree path.Shortest) (routeEntry, bool) {
	// directly attached
	for _, intrfc := range node.Intrfcs {
		if intrfc.link == lnk {
			return routeEntry{prefix: lnk.prefix, intrfc: intrfc, metric: 0}, true
		}
	}

	// nearest end of the link
	var target *Node
	dist := math.Inf(1)
	for _, end := range lnk.ends {
		w := spTree.WeightTo(int64(end.device.ID))
		if w < dist {
			dist, target = w, end.device
		}
	}
	if target == nil {
		return routeEntry{}, false
	}

	hops, _ := spTree.To(int64(target.ID))
	if len(hops) < 2 {
		return routeEntry{}, false
	}
	nxtID := int(hops[1].ID())

	// the egress interface is the one whose peer sits on the next hop
	for _, intrfc := range node.Intrfcs {
		if intrfc.peer.device.ID == nxtID {
			return routeEntry{prefix: lnk.prefix, intrfc: intrfc, nextHop: intrfc.peer.addr, metric: dist + 1}, true
		}
	}
	return routeEntry{}, false
}

package dumbbell

// link.go holds the model of a point-to-point link.  A link is created
// from a validated LinkDesc and is not modified afterwards.

import (
	"fmt"
	"net/netip"
)

// point-to-point framing added to every IP packet on the wire
const pppHdrLen = 2

// Link joins exactly two interfaces
type Link struct {
	Name    string
	bps     float64     // bandwidth in bits per second
	latency float64     // propagation delay in seconds
	mtu     int         // largest IP packet, in bytes
	ends    [2]*Intrfc  // the two interfaces the link joins
	prefix  netip.Prefix // address block of the link
}

// createLink is a constructor.  The description is assumed to have been validated
func createLink(ld LinkDesc) *Link {
	lnk := new(Link)
	lnk.Name = ld.Name
	lnk.bps = ld.Bndwdth * 1e6
	lnk.latency = ld.Latency
	lnk.mtu = ld.MTU
	return lnk
}

// attach joins the two interfaces to the link and to each other
func (lnk *Link) attach(a, b *Intrfc) {
	lnk.ends = [2]*Intrfc{a, b}
	a.link, b.link = lnk, lnk
	a.peer, b.peer = b, a
}

// txTime is the time needed to serialize an IP packet of pcktLen bytes onto the link
func (lnk *Link) txTime(pcktLen int) float64 {
	return float64((pcktLen+pppHdrLen)*8) / lnk.bps
}

// Bandwidth returns the bandwidth in bits per second
func (lnk *Link) Bandwidth() float64 {
	return lnk.bps
}

// Latency returns the propagation delay in seconds
func (lnk *Link) Latency() float64 {
	return lnk.latency
}

// MTU returns the largest IP packet carried, in bytes
func (lnk *Link) MTU() int {
	return lnk.mtu
}

// Ends returns the two interfaces joined by the link
func (lnk *Link) Ends() (*Intrfc, *Intrfc) {
	return lnk.ends[0], lnk.ends[1]
}

func (lnk *Link) String() string {
	return fmt.Sprintf("%s %g bps %g s mtu %d", lnk.Name, lnk.bps, lnk.latency, lnk.mtu)
}

package dumbbell

// congestion.go holds the congestion-control algorithms the stream transport
// can be configured with.  The transport owns loss detection and recovery;
// an algorithm only decides how the window moves in response.

import (
	"fmt"
	"math"
	"strings"
)

// CongState is the window state an algorithm operates on.  Sizes are in bytes.
type CongState struct {
	Cwnd        int
	Ssthresh    int
	SegmentSize int
}

// CongestionOps is a pluggable congestion-control algorithm
type CongestionOps interface {
	// Name identifies the algorithm in configuration and reports
	Name() string

	// Init sets the starting window, initialCwnd in segments
	Init(st *CongState, initialCwnd int)

	// IncreaseWindow grows the window after new data is acknowledged outside of recovery
	IncreaseWindow(st *CongState, segmentsAcked int)

	// EnterRecovery reacts to loss signalled by duplicate acknowledgements
	EnterRecovery(st *CongState, bytesInFlight int)

	// ExitRecovery is called when all data outstanding at loss detection is acknowledged
	ExitRecovery(st *CongState)

	// OnTimeout reacts to expiry of the retransmission timer
	OnTimeout(st *CongState, bytesInFlight int)
}

// createCongestionOps returns the algorithm registered under name
func createCongestionOps(name string) (CongestionOps, error) {
	switch strings.ToLower(name) {
	case "newreno", "tcpnewreno", "reno":
		return new(newReno), nil
	case "fixed", "fixedwindow":
		return new(fixedWindow), nil
	}
	return nil, fmt.Errorf("unknown congestion control %q", name)
}

// newReno is slow start and congestion avoidance with multiplicative decrease
type newReno struct{}

func (nr *newReno) Name() string {
	return "newreno"
}

func (nr *newReno) Init(st *CongState, initialCwnd int) {
	st.Cwnd = initialCwnd * st.SegmentSize
	st.Ssthresh = math.MaxInt32
}

func (nr *newReno) IncreaseWindow(st *CongState, segmentsAcked int) {
	// slow start: one segment per segment acknowledged, up to ssthresh
	for segmentsAcked > 0 && st.Cwnd < st.Ssthresh {
		st.Cwnd += st.SegmentSize
		segmentsAcked -= 1
	}

	// congestion avoidance: about one segment per window
	for ; segmentsAcked > 0; segmentsAcked-- {
		adder := st.SegmentSize * st.SegmentSize / st.Cwnd
		if adder < 1 {
			adder = 1
		}
		st.Cwnd += adder
	}
}

func (nr *newReno) ssthresh(st *CongState, bytesInFlight int) int {
	half := bytesInFlight / 2
	if half < 2*st.SegmentSize {
		half = 2 * st.SegmentSize
	}
	return half
}

func (nr *newReno) EnterRecovery(st *CongState, bytesInFlight int) {
	st.Ssthresh = nr.ssthresh(st, bytesInFlight)
	st.Cwnd = st.Ssthresh
}

func (nr *newReno) ExitRecovery(st *CongState) {
	st.Cwnd = st.Ssthresh
}

func (nr *newReno) OnTimeout(st *CongState, bytesInFlight int) {
	st.Ssthresh = nr.ssthresh(st, bytesInFlight)
	st.Cwnd = st.SegmentSize
}

// fixedWindow keeps the window at its initial size whatever happens
type fixedWindow struct{}

func (fw *fixedWindow) Name() string {
	return "fixed"
}

func (fw *fixedWindow) Init(st *CongState, initialCwnd int) {
	st.Cwnd = initialCwnd * st.SegmentSize
	st.Ssthresh = st.Cwnd
}

func (fw *fixedWindow) IncreaseWindow(st *CongState, segmentsAcked int) {}
func (fw *fixedWindow) EnterRecovery(st *CongState, bytesInFlight int)  {}
func (fw *fixedWindow) ExitRecovery(st *CongState)                     {}
func (fw *fixedWindow) OnTimeout(st *CongState, bytesInFlight int)      {}

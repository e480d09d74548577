package dumbbell

// flow.go holds the bulk traffic generator.  A BulkSource opens a stream
// connection to the sink at its start time and keeps the transport's send
// buffer full, one fixed-size write at a time, until its byte quota is used
// up or its stop time arrives.

import (
	"fmt"
	"net/netip"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
)

// FlowState is the lifecycle state of a BulkSource
type FlowState int

const (
	FlowIdle FlowState = iota
	FlowScheduled
	FlowActive
	FlowDraining
	FlowCompleted
)

var flowStateToStr map[FlowState]string = map[FlowState]string{FlowIdle: "idle", FlowScheduled: "scheduled",
	FlowActive: "active", FlowDraining: "draining", FlowCompleted: "completed"}

func (fs FlowState) String() string {
	return flowStateToStr[fs]
}

// RtnDesc holds the context and event handler
// for scheduling a return
type RtnDesc struct {
	Cxt     any
	EvtHdlr evtm.EventHandlerFunction
}

// BulkSource is the sending application of the experiment
type BulkSource struct {
	Name     string
	node     *Node
	sinkAddr netip.AddrPort
	sendSize int
	maxBytes int64 // zero means unbounded
	start    float64
	stop     float64

	state  FlowState
	sock   StreamSocket
	forced bool // completion came from the stop time rather than the quota

	writes    int   // successful writes to the transport
	totBytes  int64 // bytes accepted by the transport
	completed float64

	rtn *RtnDesc // scheduled when the flow completes
}

// CreateBulkSource is a constructor.  The source is Idle until installed
func CreateBulkSource(name string, node *Node, sinkAddr netip.AddrPort, flow FlowDesc) *BulkSource {
	bs := new(BulkSource)
	bs.Name = name
	bs.node = node
	bs.sinkAddr = sinkAddr
	bs.sendSize = flow.SendSize
	bs.maxBytes = flow.MaxBytes
	bs.start = flow.Start
	bs.stop = flow.Stop
	bs.state = FlowIdle
	return bs
}

// Install schedules the start and stop of the flow, moving it to Scheduled.
// rtn, when not nil, is scheduled once the flow has completed
func (bs *BulkSource) Install(evtMgr *evtm.EventManager, rtn *RtnDesc) error {
	if bs.state != FlowIdle {
		return fmt.Errorf("%w: flow %s installed twice", ErrOrdering, bs.Name)
	}
	if !(bs.stop > bs.start) {
		return fmt.Errorf("%w: flow %s stop time %g not after start time %g", ErrConfig, bs.Name, bs.stop, bs.start)
	}
	now := evtMgr.CurrentSeconds()
	if bs.start < now {
		return fmt.Errorf("%w: flow %s start time %g already passed", ErrConfig, bs.Name, bs.start)
	}
	if _, err := bs.node.routes.lookup(bs.sinkAddr.Addr()); err != nil {
		return fmt.Errorf("%w: flow %s installed before routing: %w", ErrOrdering, bs.Name, err)
	}
	bs.rtn = rtn
	bs.state = FlowScheduled
	evtMgr.Schedule(bs, nil, startBulkSource, vrtime.SecondsToTime(bs.start-now))
	evtMgr.Schedule(bs, nil, stopBulkSource, vrtime.SecondsToTime(bs.stop-now))
	return nil
}

// startBulkSource executes at the flow's start time
func startBulkSource(evtMgr *evtm.EventManager, context any, data any) any {
	bs := context.(*BulkSource)
	if bs.state != FlowScheduled {
		return nil
	}
	sock := createActiveSocket(bs.node)
	sock.SetConnectCallback(func() { bs.sendData() })
	sock.SetSendCallback(func(avail int) { bs.sendData() })
	sock.SetDrainedCallback(func() { bs.complete(evtMgr) })
	bs.sock = sock
	bs.state = FlowActive

	if err := sock.Connect(evtMgr, bs.sinkAddr); err != nil {
		panic(fmt.Errorf("flow %s cannot connect: %w", bs.Name, err))
	}
	return nil
}

// stopBulkSource executes at the flow's stop time
func stopBulkSource(evtMgr *evtm.EventManager, context any, data any) any {
	bs := context.(*BulkSource)
	bs.Halt(evtMgr)
	return nil
}

// sendData writes whole units while the transport accepts them.  When the
// send buffer fills the source waits for the socket's send callback
func (bs *BulkSource) sendData() {
	for bs.state == FlowActive {
		toSend := int64(bs.sendSize)
		if bs.maxBytes > 0 {
			remaining := bs.maxBytes - bs.totBytes
			if remaining < toSend {
				toSend = remaining
			}
		}
		if toSend <= 0 {
			break
		}
		actual := bs.sock.Send(int(toSend))
		if actual != int(toSend) {
			return
		}
		bs.writes += 1
		bs.totBytes += int64(actual)
	}

	// quota used up: let the transport deliver what is queued, then finish
	if bs.state == FlowActive && bs.maxBytes > 0 && bs.totBytes >= bs.maxBytes {
		bs.state = FlowDraining
		bs.sock.Close()
	}
}

// complete moves the flow to Completed and schedules the return, once
func (bs *BulkSource) complete(evtMgr *evtm.EventManager) {
	if bs.state == FlowCompleted {
		return
	}
	bs.state = FlowCompleted
	bs.completed = evtMgr.CurrentSeconds()
	if bs.rtn != nil && bs.rtn.EvtHdlr != nil {
		evtMgr.Schedule(bs.rtn.Cxt, bs, bs.rtn.EvtHdlr, vrtime.SecondsToTime(0.0))
	}
}

// Halt ends the flow.  An unfinished flow has its connection aborted and
// whatever is still queued is not retried.  Calling Halt on a completed
// flow does nothing.
func (bs *BulkSource) Halt(evtMgr *evtm.EventManager) {
	switch bs.state {
	case FlowCompleted:
		return
	case FlowIdle:
		bs.state = FlowCompleted
		return
	}
	if bs.sock != nil {
		bs.sock.Abort()
	}
	bs.forced = true
	bs.complete(evtMgr)
}

// State returns the lifecycle state
func (bs *BulkSource) State() FlowState {
	return bs.state
}

// Writes returns the number of writes accepted by the transport
func (bs *BulkSource) Writes() int {
	return bs.writes
}

// TotalTx returns the bytes accepted by the transport
func (bs *BulkSource) TotalTx() int64 {
	return bs.totBytes
}

// Forced reports whether the flow was ended by its stop time
func (bs *BulkSource) Forced() bool {
	return bs.forced
}

// CompletedAt returns the time the flow completed
func (bs *BulkSource) CompletedAt() float64 {
	return bs.completed
}

// TransportStats returns the counters of the flow's socket
func (bs *BulkSource) TransportStats() TransportStats {
	if bs.sock == nil {
		return TransportStats{}
	}
	return bs.sock.Stats()
}

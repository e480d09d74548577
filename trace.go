package dumbbell

// trace.go holds the packet tracer.  Every enqueue, dequeue, drop and
// receive at an interface becomes one line of an ascii trace, in the
// layout of the ns-3 ascii trace helpers, and one record kept for a
// json or yaml dump of the whole run.

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/tebeka/atexit"
)

// NameType is a an entry in a dictionary created for a trace
// that maps object id numbers to a (name,type) pair
type NameType struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// PcktTrace saves information about the visitation of a packet to an interface,
// saved for post-run analysis
type PcktTrace struct {
	Time     float64 `json:"time" yaml:"time"`
	Op       string  `json:"op" yaml:"op"`         // "+", "-", "d", "r"
	ObjID    int     `json:"objid" yaml:"objid"`   // interface number
	PcktID   int     `json:"pcktid" yaml:"pcktid"` // packet identity
	Src      string  `json:"src" yaml:"src"`
	Dst      string  `json:"dst" yaml:"dst"`
	Flags    string  `json:"flags" yaml:"flags"`
	Seq      int64   `json:"seq" yaml:"seq"`
	Ack      int64   `json:"ack" yaml:"ack"`
	Len      int     `json:"len" yaml:"len"`
	QueueLen int     `json:"qlen" yaml:"qlen"`
}

// TraceManager gathers the packet events of an experiment.  When InUse is
// false every method returns immediately, so calls can be embedded everywhere
type TraceManager struct {
	// experiment uses trace
	InUse bool `json:"inuse" yaml:"inuse"`

	// name of experiment
	ExpName string `json:"expname" yaml:"expname"`

	// text name associated with each objID
	NameByID map[int]NameType `json:"namebyid" yaml:"namebyid"`

	// trace records, kept only when a dump has been requested
	Traces []PcktTrace `json:"traces" yaml:"traces"`

	// count of records by operation
	Counts map[string]int `json:"counts" yaml:"counts"`

	mu        sync.Mutex // guards the ascii file against an exit handler
	asciiFile *os.File
	ascii     *bufio.Writer
	exitHook  atexit.HandlerID
	devPath   map[int]string
	keep      bool
}

// CreateTraceManager is a constructor.  It saves the name of the experiment
// and a flag indicating whether the trace manager is active
func CreateTraceManager(expName string, active bool) *TraceManager {
	tm := new(TraceManager)
	tm.InUse = active
	tm.ExpName = expName
	tm.NameByID = make(map[int]NameType)
	tm.Traces = make([]PcktTrace, 0)
	tm.Counts = make(map[string]int)
	tm.devPath = make(map[int]string)
	return tm
}

// Active tells the caller whether the Trace Manager is actively being used
func (tm *TraceManager) Active() bool {
	return tm.InUse
}

// OpenASCII directs trace lines to the named file
func (tm *TraceManager) OpenASCII(filename string) error {
	if !tm.InUse {
		return nil
	}
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	tm.asciiFile = f
	tm.ascii = bufio.NewWriter(f)

	// a program leaving through atexit.Exit still gets a complete file
	tm.exitHook = atexit.Register(func() { tm.closeASCII() })
	return nil
}

// KeepRecords makes the manager hold every record for WriteToFile
func (tm *TraceManager) KeepRecords() {
	tm.keep = tm.InUse
}

// AddName is used to add an element to the id -> (name,type) dictionary for the trace file
func (tm *TraceManager) AddName(id int, name string, objDesc string) {
	if tm.InUse {
		_, present := tm.NameByID[id]
		if present {
			panic("duplicated id in AddName")
		}
		tm.NameByID[id] = NameType{Name: name, Type: objDesc}
	}
}

// attachIntrfc registers the interface under its number and observes it
func (tm *TraceManager) attachIntrfc(intrfc *Intrfc) {
	if !tm.InUse {
		return
	}
	tm.AddName(intrfc.Number, intrfc.FullName(), "interface")
	tm.devPath[intrfc.Number] = fmt.Sprintf("/NodeList/%d/DeviceList/%d", intrfc.device.ID, intrfc.Index)
	intrfc.addObserver(tm)
}

var traceOpPath map[pcktEvent]string = map[pcktEvent]string{pcktEnqueue: "TxQueue/Enqueue",
	pcktDequeue: "TxQueue/Dequeue", pcktDrop: "TxQueue/Drop", pcktReceive: "MacRx"}

// observePacket creates a record of the packet event and stores it
func (tm *TraceManager) observePacket(now float64, evt pcktEvent, intrfc *Intrfc, pckt *packet) {
	if !tm.InUse {
		return
	}
	op := pcktEventCode[evt]
	ptr := PcktTrace{Time: now, Op: op, ObjID: intrfc.Number, PcktID: pckt.id,
		Src: pckt.src.String(), Dst: pckt.dst.String(), Flags: pckt.flags.String(),
		Seq: pckt.seq, Ack: pckt.ack, Len: pckt.payload, QueueLen: intrfc.queue.Len()}
	if tm.keep {
		tm.Traces = append(tm.Traces, ptr)
	}
	tm.Counts[op] += 1

	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.ascii == nil {
		return
	}
	timeStr := strconv.FormatFloat(roundFloat(now, rdigits), 'f', -1, 64)
	fmt.Fprintf(tm.ascii, "%s %s %s/$ns3::PointToPointNetDevice/%s ns3::Ipv4Header (ttl %d length: %d %s > %s) ns3::TcpHeader (%d > %d [%s] Seq=%d Ack=%d Win=%d) Payload (size=%d)\n",
		op, timeStr, tm.devPath[intrfc.Number], traceOpPath[evt], pckt.ttl, pckt.pcktLen(),
		pckt.src.Addr().String(), pckt.dst.Addr().String(), pckt.src.Port(), pckt.dst.Port(),
		pckt.flags.String(), wireSeq(pckt.isn, pckt.seq), wireSeq(pckt.peerISN, pckt.ack), pckt.wnd, pckt.payload)
}

// wireSeq is the 32 bit sequence number for an offset from isn
func wireSeq(isn uint32, offset int64) uint32 {
	return isn + uint32(offset)
}

// Close flushes and closes the ascii trace file
func (tm *TraceManager) Close() error {
	if tm.exitHook != 0 {
		tm.exitHook.Cancel()
		tm.exitHook = 0
	}
	return tm.closeASCII()
}

func (tm *TraceManager) closeASCII() error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.asciiFile == nil {
		return nil
	}
	err := tm.ascii.Flush()
	if cerr := tm.asciiFile.Close(); err == nil {
		err = cerr
	}
	tm.asciiFile, tm.ascii = nil, nil
	return err
}

// WriteToFile stores the TraceManager to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (tm *TraceManager) WriteToFile(filename string) error {
	if !tm.InUse {
		return nil
	}
	return writeSerialized(filename, tm)
}

package dumbbell

// transport.go holds the reliable byte-stream transport the bulk flow runs
// over.  It is a compact TCP: three-way handshake, cumulative
// acknowledgement of every segment, reassembly of out-of-order segments,
// selective acknowledgement of what the receiver holds out of order, fast
// retransmit on three duplicate acknowledgements followed by SACK-based loss
// recovery in the manner of RFC 6675, and a retransmission timer computed as
// in RFC 6298 with exponential backoff.  How the congestion window moves is
// delegated to a CongestionOps.
//
// Sequence numbers inside the transport are byte offsets; the SYN occupies
// offset 0 and the first data byte is at offset 1.  A FIN occupies the
// offset following the last data byte.

import (
	"cmp"
	"fmt"
	"math"
	"net/netip"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"golang.org/x/exp/slices"
)

const (
	clockGranularity = 0.001
	maxRTO           = 60.0
	maxBackoffs      = 6
	dupAckThreshold  = 3
	maxSackBlocks    = 4
)

// seqRange is the block of offsets [start, end)
type seqRange struct {
	start int64
	end   int64
}

// StreamSocket is the surface of the transport used by traffic generators
type StreamSocket interface {
	// Connect opens a connection to dst; the connect callback fires when it is established
	Connect(evtMgr *evtm.EventManager, dst netip.AddrPort) error

	// Send queues n bytes for transmission.  The return is n when all of it
	// is accepted and 0 when the send buffer lacks room
	Send(n int) int

	// TxAvailable returns the free space in the send buffer
	TxAvailable() int

	// Close finishes the connection once everything queued has been acknowledged
	Close()

	// Abort ends the connection immediately, discarding what is unacknowledged
	Abort()

	SetConnectCallback(func())
	SetSendCallback(func(avail int))
	SetRecvCallback(func(n int))
	SetDrainedCallback(func())

	// Stats returns the counters of the connection
	Stats() TransportStats
}

type tcpState int

const (
	tcpClosed tcpState = iota
	tcpSynSent
	tcpSynRcvd
	tcpEstablished
	tcpClosing
	tcpDone
	tcpAborted
)

var tcpStateToStr map[tcpState]string = map[tcpState]string{tcpClosed: "closed", tcpSynSent: "syn-sent",
	tcpSynRcvd: "syn-rcvd", tcpEstablished: "established", tcpClosing: "closing", tcpDone: "done",
	tcpAborted: "aborted"}

func (ts tcpState) String() string {
	return tcpStateToStr[ts]
}

// tcpParams gathers the configuration of a socket
type tcpParams struct {
	cc          string
	mss         int
	sndBuf      int
	rcvBuf      int
	initialCwnd int
	initialRTO  float64
	minRTO      float64
}

func defaultTCPParams() tcpParams {
	return tcpParams{cc: "newreno", mss: 536, sndBuf: 131072, rcvBuf: 131072, initialCwnd: 10,
		initialRTO: 1.0, minRTO: 1.0}
}

// createTCPParams derives socket parameters from an experiment description.
// The segment size equals the application send size
func createTCPParams(cfg *ExpCfg) tcpParams {
	tp := cfg.Transport
	return tcpParams{cc: tp.CongestionControl, mss: cfg.Flow.SendSize, sndBuf: tp.SndBufSize,
		rcvBuf: tp.RcvBufSize, initialCwnd: tp.InitialCwnd, initialRTO: tp.InitialRTO, minRTO: tp.MinRTO}
}

// TransportStats counts the activity of a socket
type TransportStats struct {
	SegmentsSent    int `json:"segmentssent" yaml:"segmentssent"`
	Retransmits     int `json:"retransmits" yaml:"retransmits"`
	Timeouts        int `json:"timeouts" yaml:"timeouts"`
	FastRetransmits int `json:"fastretransmits" yaml:"fastretransmits"`
	FinalCwnd       int `json:"finalcwnd" yaml:"finalcwnd"`
}

// tcpSocket is one end of a connection
type tcpSocket struct {
	node   *Node
	evtMgr *evtm.EventManager
	local  netip.AddrPort
	remote netip.AddrPort
	state  tcpState
	params tcpParams

	isn     uint32
	peerISN uint32

	// send side
	sndUna     int64 // oldest unacknowledged offset
	sndNxt     int64 // next offset to send
	sndMax     int64 // one past the highest offset ever sent
	bufEnd     int64 // one past the last byte accepted from the application
	finQueued  bool
	finSent    bool
	finSeq     int64
	rwnd       int
	cc         CongestionOps
	cong       CongState
	inRecovery bool
	recover    int64 // sndMax when recovery began
	dupAcks    int
	sacked     []seqRange // scoreboard: sorted, disjoint, above sndUna
	highRxt    int64      // holes below this have been retransmitted in the current recovery

	// round-trip estimation and the retransmission timer
	srtt      float64
	rttvar    float64
	rto       float64
	rttValid  bool
	rttTiming bool
	rttSeq    int64
	rttStart  float64
	rtoGen    int
	rtoArmed  bool
	backoffs  int

	// receive side
	rcvNxt      int64
	ooo         map[int64]int // out-of-order segments, offset -> length
	lastOOO     int64         // offset of the latest out-of-order arrival
	peerFinSeq  int64
	peerFinRcvd bool

	bytesAccepted  int64
	bytesDelivered int64
	stats          TransportStats

	connectCb func()
	sendCb    func(avail int)
	recvCb    func(n int)
	drainedCb func()
}

var _ StreamSocket = &tcpSocket{}

func createTCPSocket(node *Node) *tcpSocket {
	sock := new(tcpSocket)
	sock.node = node
	sock.params = node.tcp
	sock.state = tcpClosed
	cc, err := createCongestionOps(sock.params.cc)
	if err != nil {
		panic(err)
	}
	sock.cc = cc
	sock.cong = CongState{SegmentSize: sock.params.mss}
	sock.cc.Init(&sock.cong, sock.params.initialCwnd)
	sock.rwnd = sock.params.rcvBuf
	sock.rto = sock.params.initialRTO
	sock.ooo = make(map[int64]int)
	sock.lastOOO = -1
	sock.peerFinSeq = -1
	return sock
}

// createActiveSocket is a constructor for a socket that will Connect
func createActiveSocket(node *Node) *tcpSocket {
	return createTCPSocket(node)
}

// createPassiveSocket is a constructor for the socket a listener creates on a SYN
func createPassiveSocket(node *Node, local, remote netip.AddrPort) *tcpSocket {
	sock := createTCPSocket(node)
	sock.local = local
	sock.remote = remote
	return sock
}

func (sock *tcpSocket) SetConnectCallback(cb func())        { sock.connectCb = cb }
func (sock *tcpSocket) SetSendCallback(cb func(avail int))  { sock.sendCb = cb }
func (sock *tcpSocket) SetRecvCallback(cb func(n int))      { sock.recvCb = cb }
func (sock *tcpSocket) SetDrainedCallback(cb func())        { sock.drainedCb = cb }

// Connect implements StreamSocket
func (sock *tcpSocket) Connect(evtMgr *evtm.EventManager, dst netip.AddrPort) error {
	if sock.state != tcpClosed {
		return fmt.Errorf("connect on socket in state %s", sock.state.String())
	}
	egress, err := sock.node.routes.lookup(dst.Addr())
	if err != nil {
		return err
	}
	sock.evtMgr = evtMgr
	sock.local = netip.AddrPortFrom(egress.addr, sock.node.portal.ephemeral())
	sock.remote = dst
	sock.node.portal.register(sock)

	sock.isn = sock.node.initialSeq()
	sock.state = tcpSynSent
	sock.bufEnd = 1
	sock.sendSegment(0, 0, flagSYN)
	sock.sndNxt, sock.sndMax = 1, 1
	sock.startRTTSample(0)
	sock.armRTO()
	return nil
}

// TxAvailable implements StreamSocket
func (sock *tcpSocket) TxAvailable() int {
	una := sock.sndUna
	if una < 1 {
		una = 1
	}
	return sock.params.sndBuf - int(sock.bufEnd-una)
}

// Send implements StreamSocket
func (sock *tcpSocket) Send(n int) int {
	if n <= 0 || sock.finQueued {
		return 0
	}
	if sock.state != tcpSynSent && sock.state != tcpEstablished {
		return 0
	}
	if n > sock.TxAvailable() {
		return 0
	}
	sock.bufEnd += int64(n)
	sock.bytesAccepted += int64(n)
	sock.trySend()
	return n
}

// Close implements StreamSocket
func (sock *tcpSocket) Close() {
	if sock.finQueued || (sock.state != tcpSynSent && sock.state != tcpEstablished) {
		return
	}
	sock.finQueued = true
	sock.finSeq = sock.bufEnd
	if sock.state == tcpEstablished {
		sock.state = tcpClosing
		sock.trySend()
	}
}

// Abort implements StreamSocket
func (sock *tcpSocket) Abort() {
	if sock.state == tcpDone || sock.state == tcpAborted {
		return
	}
	sock.state = tcpAborted
	sock.stopRTO()
	sock.ooo = make(map[int64]int)
	sock.sacked = nil
}

// release forgets the callbacks so the socket holds no references to its users
func (sock *tcpSocket) release() {
	sock.stopRTO()
	sock.connectCb, sock.sendCb, sock.recvCb, sock.drainedCb = nil, nil, nil, nil
}

// Stats returns the socket's counters
func (sock *tcpSocket) Stats() TransportStats {
	stats := sock.stats
	stats.FinalCwnd = sock.cong.Cwnd
	return stats
}

func (sock *tcpSocket) inFlight() int {
	return int(sock.sndNxt - sock.sndUna)
}

// advertised is the receive window offered to the peer
func (sock *tcpSocket) advertised() int {
	held := 0
	for _, segLen := range sock.ooo {
		held += segLen
	}
	wnd := sock.params.rcvBuf - held
	if wnd < 0 {
		wnd = 0
	}
	return wnd
}

// sendSegment builds a segment starting at offset seq and hands it to the node
func (sock *tcpSocket) sendSegment(seq int64, segLen int, flags tcpFlags) {
	if flags&flagSYN == 0 || sock.state == tcpSynRcvd {
		flags |= flagACK
	}
	pckt := &packet{src: sock.local, dst: sock.remote, seq: seq, ack: sock.rcvNxt, isn: sock.isn,
		peerISN: sock.peerISN, flags: flags, wnd: sock.advertised(), payload: segLen, ttl: defaultTTL,
		sack: sock.sackBlocks()}

	sock.stats.SegmentsSent += 1
	if seq < sock.sndMax {
		sock.stats.Retransmits += 1
	}
	sock.node.transmit(sock.evtMgr, pckt)
}

func (sock *tcpSocket) sendAck() {
	sock.sendSegment(sock.sndNxt, 0, flagACK)
}

// trySend transmits as much queued data as the windows allow
func (sock *tcpSocket) trySend() {
	if sock.state != tcpEstablished && sock.state != tcpClosing {
		return
	}
	mss := int64(sock.params.mss)
	for {
		win := min(sock.cong.Cwnd, sock.rwnd)
		room := sock.skipSacked()
		inFlight := sock.inFlight()
		avail := sock.bufEnd - sock.sndNxt
		if avail > 0 {
			segLen := int(min(mss, avail, room))

			// with nothing outstanding one segment always goes, so a shut window gets tested
			if inFlight > 0 && inFlight+segLen > win {
				break
			}
			seq := sock.sndNxt
			sock.sendSegment(seq, segLen, 0)
			sock.sndNxt += int64(segLen)
			if sock.sndNxt > sock.sndMax {
				if !sock.rttTiming && seq >= sock.sndMax {
					sock.startRTTSample(seq)
				}
				sock.sndMax = sock.sndNxt
			}
			continue
		}
		if sock.finQueued && !sock.finSent && sock.sndNxt == sock.finSeq {
			sock.sendSegment(sock.finSeq, 0, flagFIN)
			sock.finSent = true
			sock.sndNxt = sock.finSeq + 1
			if sock.sndNxt > sock.sndMax {
				sock.sndMax = sock.sndNxt
			}
		}
		break
	}
	if sock.sndMax > sock.sndUna && !sock.rtoArmed {
		sock.armRTO()
	}
}

// skipSacked moves sndNxt past data the peer already holds and returns the
// number of offsets before the next SACKed block
func (sock *tcpSocket) skipSacked() int64 {
	for _, blk := range sock.sacked {
		if sock.sndNxt < blk.start {
			return blk.start - sock.sndNxt
		}
		if sock.sndNxt < blk.end {
			sock.sndNxt = blk.end
		}
	}
	return math.MaxInt64
}

// retransmitHead resends the oldest unacknowledged segment, stopping short of SACKed data
func (sock *tcpSocket) retransmitHead() {
	if sock.finSent && sock.sndUna == sock.finSeq {
		sock.sendSegment(sock.finSeq, 0, flagFIN)
		return
	}
	segLen := min(int64(sock.params.mss), sock.bufEnd-sock.sndUna)
	if len(sock.sacked) > 0 {
		segLen = min(segLen, sock.sacked[0].start-sock.sndUna)
	}
	if segLen <= 0 {
		return
	}
	sock.sendSegment(sock.sndUna, int(segLen), 0)
	sock.highRxt = max(sock.highRxt, sock.sndUna+segLen)
}

// pipe estimates the bytes still in the network: everything unSACKed above
// the highest SACKed offset, plus the holes below it that were retransmitted.
// Holes below the highest SACKed offset are taken as lost, the path never
// reorders
func (sock *tcpSocket) pipe() int64 {
	var pipe int64
	cursor := sock.sndUna
	for _, blk := range sock.sacked {
		if cursor < blk.start {
			pipe += max(0, min(blk.start, sock.highRxt)-cursor)
		}
		cursor = max(cursor, blk.end)
	}
	if sock.sndMax > cursor {
		pipe += sock.sndMax - cursor
	}
	return pipe
}

// nextSeg chooses what recovery sends next: the lowest hole not yet
// retransmitted, otherwise new data the receive window admits
func (sock *tcpSocket) nextSeg() (int64, int, bool) {
	mss := int64(sock.params.mss)
	cursor := max(sock.sndUna, sock.highRxt)
	for _, blk := range sock.sacked {
		if cursor < blk.start {
			return cursor, int(min(mss, blk.start-cursor)), true
		}
		cursor = max(cursor, blk.end)
	}
	if sock.sndNxt < sock.sndMax {
		return 0, 0, false
	}
	avail := sock.bufEnd - sock.sndNxt
	if avail <= 0 {
		return 0, 0, false
	}
	segLen := min(mss, avail)
	if sock.sndNxt+segLen-sock.sndUna > int64(sock.rwnd) {
		return 0, 0, false
	}
	return sock.sndNxt, int(segLen), true
}

// sendInRecovery transmits while the congestion window exceeds the pipe by a segment
func (sock *tcpSocket) sendInRecovery() {
	for int64(sock.cong.Cwnd)-sock.pipe() >= int64(sock.params.mss) {
		seq, segLen, ok := sock.nextSeg()
		if !ok {
			break
		}
		sock.sendSegment(seq, segLen, 0)
		if seq < sock.sndNxt {
			sock.highRxt = seq + int64(segLen)
			continue
		}
		sock.sndNxt += int64(segLen)
		sock.sndMax = max(sock.sndMax, sock.sndNxt)
	}
	if sock.sndMax > sock.sndUna && !sock.rtoArmed {
		sock.armRTO()
	}
}

// updateScoreboard merges the SACK blocks of an acknowledgement and drops
// whatever the cumulative acknowledgement now covers
func (sock *tcpSocket) updateScoreboard(blocks []seqRange) {
	for _, blk := range blocks {
		if blk.start < blk.end && blk.end <= sock.sndMax {
			sock.sacked = append(sock.sacked, blk)
		}
	}
	slices.SortFunc(sock.sacked, func(a, b seqRange) int { return cmp.Compare(a.start, b.start) })
	merged := make([]seqRange, 0, len(sock.sacked))
	for _, blk := range sock.sacked {
		if blk.end <= sock.sndUna {
			continue
		}
		blk.start = max(blk.start, sock.sndUna)
		if n := len(merged); n > 0 && blk.start <= merged[n-1].end {
			merged[n-1].end = max(merged[n-1].end, blk.end)
			continue
		}
		merged = append(merged, blk)
	}
	sock.sacked = merged
}

// sackBlocks reports the data held out of order, the block holding the
// latest arrival first and then the highest blocks
func (sock *tcpSocket) sackBlocks() []seqRange {
	if len(sock.ooo) == 0 {
		return nil
	}
	held := make([]seqRange, 0, len(sock.ooo))
	for seq, segLen := range sock.ooo {
		held = append(held, seqRange{start: seq, end: seq + int64(segLen)})
	}
	slices.SortFunc(held, func(a, b seqRange) int { return cmp.Compare(a.start, b.start) })
	merged := held[:0]
	for _, blk := range held {
		if n := len(merged); n > 0 && blk.start <= merged[n-1].end {
			merged[n-1].end = max(merged[n-1].end, blk.end)
			continue
		}
		merged = append(merged, blk)
	}

	blocks := make([]seqRange, 0, maxSackBlocks)
	latest := -1
	for idx, blk := range merged {
		if blk.start <= sock.lastOOO && sock.lastOOO < blk.end {
			latest = idx
			blocks = append(blocks, blk)
			break
		}
	}
	for idx := len(merged) - 1; idx >= 0 && len(blocks) < maxSackBlocks; idx-- {
		if idx != latest {
			blocks = append(blocks, merged[idx])
		}
	}
	return blocks
}

// receive processes a segment addressed to this socket
func (sock *tcpSocket) receive(evtMgr *evtm.EventManager, pckt *packet) {
	sock.evtMgr = evtMgr

	switch sock.state {
	case tcpAborted, tcpDone:
		return

	case tcpClosed:
		// fresh passive socket, waiting for the SYN
		if pckt.flags&flagSYN == 0 {
			return
		}
		sock.peerISN = pckt.isn
		sock.rcvNxt = 1
		sock.rwnd = pckt.wnd
		sock.isn = sock.node.initialSeq()
		sock.state = tcpSynRcvd
		sock.bufEnd = 1
		sock.sendSegment(0, 0, flagSYN)
		sock.sndNxt, sock.sndMax = 1, 1
		return

	case tcpSynSent:
		if pckt.flags&(flagSYN|flagACK) != flagSYN|flagACK || pckt.ack != 1 {
			return
		}
		sock.peerISN = pckt.isn
		sock.rcvNxt = 1
		sock.processAck(pckt, false)
		sock.state = tcpEstablished
		if sock.finQueued {
			sock.state = tcpClosing
		}
		sock.sendAck()
		if sock.connectCb != nil {
			sock.connectCb()
		}
		sock.trySend()
		return

	case tcpSynRcvd:
		if pckt.flags&flagSYN != 0 {
			// our SYN-ACK was lost
			sock.sendSegment(0, 0, flagSYN)
			return
		}
		if pckt.flags&flagACK == 0 || pckt.ack < 1 {
			return
		}
		sock.state = tcpEstablished
	}

	if pckt.flags&flagSYN != 0 {
		// a retransmitted SYN-ACK: our acknowledgement was lost
		sock.sendAck()
		return
	}
	if pckt.flags&flagACK != 0 {
		sock.processAck(pckt, true)
		if sock.state == tcpDone {
			return
		}
	}
	if pckt.payload > 0 || pckt.flags&flagFIN != 0 {
		sock.processData(pckt)
		sock.sendAck()
	}
}

// processAck advances the send side on a cumulative acknowledgement
func (sock *tcpSocket) processAck(pckt *packet, established bool) {
	ack := pckt.ack
	sock.rwnd = pckt.wnd
	if ack > sock.sndMax {
		return
	}
	mss := sock.params.mss

	if ack > sock.sndUna {
		acked := int(ack - sock.sndUna)
		now := sock.evtMgr.CurrentSeconds()
		if sock.rttTiming && ack > sock.rttSeq {
			sock.rttSample(now - sock.rttStart)
			sock.rttTiming = false
		}
		sock.sndUna = ack
		if sock.sndNxt < sock.sndUna {
			sock.sndNxt = sock.sndUna
		}
		sock.highRxt = max(sock.highRxt, sock.sndUna)
		sock.updateScoreboard(pckt.sack)
		sock.backoffs = 0

		if sock.inRecovery {
			if ack >= sock.recover {
				sock.inRecovery = false
				sock.dupAcks = 0
				sock.cc.ExitRecovery(&sock.cong)
			}
		} else if established {
			sock.dupAcks = 0
			segsAcked := acked / mss
			if segsAcked < 1 {
				segsAcked = 1
			}
			sock.cc.IncreaseWindow(&sock.cong, segsAcked)
		}

		if sock.sndUna >= sock.sndMax {
			sock.stopRTO()
		} else {
			sock.armRTO()
		}

		if sock.finSent && sock.sndUna > sock.finSeq {
			sock.state = tcpDone
			sock.stopRTO()
			if sock.drainedCb != nil {
				sock.drainedCb()
			}
			return
		}
		if !established {
			return
		}

		if sock.inRecovery {
			sock.sendInRecovery()
		} else {
			sock.trySend()
		}
		if sock.sendCb != nil && !sock.finQueued {
			if avail := sock.TxAvailable(); avail > 0 {
				sock.sendCb(avail)
			}
		}
		return
	}

	// duplicate acknowledgement
	if !established || ack != sock.sndUna || pckt.payload > 0 || pckt.flags&(flagSYN|flagFIN) != 0 {
		return
	}
	sock.updateScoreboard(pckt.sack)
	if sock.sndMax <= sock.sndUna {
		return
	}
	sock.dupAcks += 1
	if sock.inRecovery {
		sock.sendInRecovery()
		return
	}
	if sock.dupAcks >= dupAckThreshold && ack >= sock.recover {
		sock.inRecovery = true
		sock.recover = sock.sndMax
		sock.highRxt = sock.sndUna
		sock.cc.EnterRecovery(&sock.cong, int(sock.sndMax-sock.sndUna))
		sock.stats.FastRetransmits += 1
		sock.rttTiming = false
		sock.retransmitHead()
		sock.armRTO()
		sock.sendInRecovery()
	}
}

// processData accepts the payload of a segment, reassembling out-of-order arrivals
func (sock *tcpSocket) processData(pckt *packet) {
	end := pckt.seq + int64(pckt.payload)
	if pckt.payload > 0 {
		if pckt.seq <= sock.rcvNxt && end > sock.rcvNxt {
			sock.deliver(int(end - sock.rcvNxt))
			sock.rcvNxt = end
			sock.drainOutOfOrder()
		} else if pckt.seq > sock.rcvNxt {
			if held, present := sock.ooo[pckt.seq]; !present || held < pckt.payload {
				sock.ooo[pckt.seq] = pckt.payload
			}
			sock.lastOOO = pckt.seq
		}
	}
	if pckt.flags&flagFIN != 0 {
		sock.peerFinSeq = end
	}
	if sock.peerFinSeq >= 0 && !sock.peerFinRcvd && sock.rcvNxt == sock.peerFinSeq {
		sock.rcvNxt += 1
		sock.peerFinRcvd = true
	}
}

// drainOutOfOrder delivers held segments made contiguous by an arrival
func (sock *tcpSocket) drainOutOfOrder() {
	for progress := true; progress; {
		progress = false
		for seq, segLen := range sock.ooo {
			end := seq + int64(segLen)
			if end <= sock.rcvNxt {
				delete(sock.ooo, seq)
				continue
			}
			if seq <= sock.rcvNxt {
				sock.deliver(int(end - sock.rcvNxt))
				sock.rcvNxt = end
				delete(sock.ooo, seq)
				progress = true
			}
		}
	}
}

func (sock *tcpSocket) deliver(n int) {
	sock.bytesDelivered += int64(n)
	if sock.recvCb != nil {
		sock.recvCb(n)
	}
}

func (sock *tcpSocket) startRTTSample(seq int64) {
	sock.rttTiming = true
	sock.rttSeq = seq
	sock.rttStart = sock.evtMgr.CurrentSeconds()
}

// rttSample folds a measurement into the smoothed estimates
func (sock *tcpSocket) rttSample(r float64) {
	if !sock.rttValid {
		sock.srtt = r
		sock.rttvar = r / 2.0
		sock.rttValid = true
	} else {
		sock.rttvar = 0.75*sock.rttvar + 0.25*math.Abs(sock.srtt-r)
		sock.srtt = 0.875*sock.srtt + 0.125*r
	}
	sock.rto = math.Max(sock.params.minRTO, sock.srtt+math.Max(clockGranularity, 4.0*sock.rttvar))
}

// currentRTO is the timeout including backoff
func (sock *tcpSocket) currentRTO() float64 {
	return math.Min(sock.rto*math.Pow(2.0, float64(sock.backoffs)), maxRTO)
}

// armRTO (re)starts the retransmission timer.  An older pending expiry is
// recognized as stale by its generation number
func (sock *tcpSocket) armRTO() {
	sock.rtoGen += 1
	sock.rtoArmed = true
	sock.evtMgr.Schedule(sock, sock.rtoGen, rtoExpire, vrtime.SecondsToTime(sock.currentRTO()))
}

func (sock *tcpSocket) stopRTO() {
	sock.rtoGen += 1
	sock.rtoArmed = false
}

// rtoExpire executes when a retransmission timer runs out
func rtoExpire(evtMgr *evtm.EventManager, context any, data any) any {
	sock := context.(*tcpSocket)
	gen := data.(int)
	if gen != sock.rtoGen {
		return nil
	}
	sock.rtoArmed = false
	sock.evtMgr = evtMgr
	sock.onTimeout()
	return nil
}

func (sock *tcpSocket) onTimeout() {
	switch sock.state {
	case tcpSynSent, tcpEstablished, tcpClosing:
	default:
		return
	}
	if sock.sndUna >= sock.sndMax {
		return
	}
	sock.stats.Timeouts += 1
	if sock.backoffs < maxBackoffs {
		sock.backoffs += 1
	}
	sock.rttTiming = false

	if sock.state == tcpSynSent {
		sock.sendSegment(0, 0, flagSYN)
		sock.armRTO()
		return
	}

	sock.cc.OnTimeout(&sock.cong, sock.inFlight())
	sock.inRecovery = false
	sock.dupAcks = 0
	sock.recover = sock.sndMax
	sock.highRxt = sock.sndUna

	// go back to the oldest unacknowledged byte; trySend steps over SACKed blocks
	sock.sndNxt = sock.sndUna
	if sock.finSent && sock.finSeq >= sock.sndUna {
		sock.finSent = false
	}
	sock.trySend()
}

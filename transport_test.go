package dumbbell

import (
	"math"
	"net/netip"
	"testing"

	"github.com/iti/evt/evtm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// transferTopology is a routed dumbbell whose nodes use the transport
// parameters of cfg, with a sink listening on the receiver
func transferTopology(t *testing.T, cfg *ExpCfg) (*Topology, *PacketSink) {
	t.Helper()
	require.NoError(t, cfg.Validate())
	topo, err := BuildTopology(cfg)
	require.NoError(t, err)
	topo.RouterEgress.installQueue(CreateDropTailQueue(cfg.QueueCapacity))
	require.NoError(t, ResolveRoutes(topo))
	params := createTCPParams(cfg)
	for _, node := range topo.Nodes {
		node.tcp = params
	}

	sinkAddr := netip.AddrPortFrom(topo.ReceiverIntrfc.Addr(), uint16(cfg.Flow.Port))
	sink := CreatePacketSink("sink", topo.Receiver(), sinkAddr)
	require.NoError(t, sink.Listen())
	return topo, sink
}

// transfer writes nbytes through a fresh connection, closes it, and runs to limit
func transfer(t *testing.T, topo *Topology, sink *PacketSink, nbytes int, limit float64) *tcpSocket {
	t.Helper()
	evtMgr := evtm.New()
	sock := createActiveSocket(topo.Sender())
	remaining := nbytes
	push := func() {
		for remaining > 0 {
			n := min(remaining, sock.params.mss)
			if sock.Send(n) != n {
				return
			}
			remaining -= n
		}
		sock.Close()
	}
	sock.SetConnectCallback(push)
	sock.SetSendCallback(func(avail int) { push() })
	require.NoError(t, sock.Connect(evtMgr, sink.Addr()))
	evtMgr.Run(limit)
	return sock
}

func TestTransferWithoutLoss(t *testing.T) {
	cfg := testExpCfg()
	topo, sink := transferTopology(t, cfg)

	sock := transfer(t, topo, sink, 10_000, 5.0)
	assert.Equal(t, int64(10_000), sink.TotalRx())
	assert.Equal(t, tcpDone, sock.state)
	assert.Equal(t, 0, sock.Stats().Retransmits)
	assert.Equal(t, 0, topo.RouterEgress.Queue().Drops())
	assert.Equal(t, 1, sink.Connections())
	assert.NoError(t, sink.Err())

	// the handshake and the data both crossed the router
	assert.Greater(t, topo.Router().forwarded, 20)
	assert.Equal(t, topo.ReceiverIntrfc.rxPckts, topo.RouterEgress.txPckts)
}

func TestTransferRecoversFromLoss(t *testing.T) {
	cfg := testExpCfg()
	cfg.QueueCapacity = 2
	topo, sink := transferTopology(t, cfg)

	sock := transfer(t, topo, sink, 20_000, 200.0)
	assert.Equal(t, int64(20_000), sink.TotalRx(), "every byte is delivered exactly once")
	assert.Equal(t, tcpDone, sock.state)
	assert.Greater(t, topo.RouterEgress.Queue().Drops(), 0)
	assert.Greater(t, sock.Stats().Retransmits, 0)
}

func TestSackBlocksLeadWithLatestArrival(t *testing.T) {
	sock := createTCPSocket(createNode(nil, 0, "rcv"))
	assert.Nil(t, sock.sackBlocks())

	sock.rcvNxt = 1
	for _, seq := range []int64{501, 1001, 2001, 3001, 4001, 5001} {
		sock.ooo[seq] = 500
	}
	sock.lastOOO = 2001
	want := []seqRange{{2001, 2501}, {5001, 5501}, {4001, 4501}, {3001, 3501}}
	assert.Equal(t, want, sock.sackBlocks())

	// contiguous segments are reported as one block
	sock.lastOOO = 1001
	assert.Equal(t, seqRange{501, 1501}, sock.sackBlocks()[0])
}

func TestScoreboardDrivesRecovery(t *testing.T) {
	sock := createTCPSocket(createNode(nil, 0, "snd"))
	sock.params.mss = 500
	sock.sndUna, sock.highRxt = 1, 1
	sock.sndNxt, sock.sndMax, sock.bufEnd = 6001, 6001, 6001

	// segments at 1 and 1001 were lost
	sock.updateScoreboard([]seqRange{{1501, 2501}, {501, 1001}})
	sock.updateScoreboard([]seqRange{{2001, 4001}, {7001, 7501}})
	assert.Equal(t, []seqRange{{501, 1001}, {1501, 4001}}, sock.sacked)
	assert.Equal(t, int64(2000), sock.pipe(), "only data above the highest SACK is in flight")

	seq, segLen, ok := sock.nextSeg()
	require.True(t, ok)
	assert.Equal(t, int64(1), seq)
	assert.Equal(t, 500, segLen)
	sock.highRxt = seq + int64(segLen)
	assert.Equal(t, int64(2500), sock.pipe())

	seq, segLen, ok = sock.nextSeg()
	require.True(t, ok)
	assert.Equal(t, int64(1001), seq)
	assert.Equal(t, 500, segLen)
	sock.highRxt = seq + int64(segLen)
	assert.Equal(t, int64(3000), sock.pipe())

	_, _, ok = sock.nextSeg()
	assert.False(t, ok, "nothing new to send")

	// new data goes once the holes are retransmitted, within the receive window
	sock.bufEnd = 7001
	seq, segLen, ok = sock.nextSeg()
	require.True(t, ok)
	assert.Equal(t, int64(6001), seq)
	assert.Equal(t, 500, segLen)
	sock.rwnd = 5500
	_, _, ok = sock.nextSeg()
	assert.False(t, ok)

	// a cumulative acknowledgement retires the blocks below it
	sock.sndUna = 1001
	sock.updateScoreboard(nil)
	assert.Equal(t, []seqRange{{1501, 4001}}, sock.sacked)

	sock.sndNxt = 1001
	assert.Equal(t, int64(500), sock.skipSacked())
	sock.sndNxt = 1501
	assert.Equal(t, int64(math.MaxInt64), sock.skipSacked())
	assert.Equal(t, int64(4001), sock.sndNxt)
}

func TestSendIsAllOrNothing(t *testing.T) {
	cfg := testExpCfg()
	cfg.Transport.SndBufSize = 1000
	topo, sink := transferTopology(t, cfg)

	evtMgr := evtm.New()
	sock := createActiveSocket(topo.Sender())
	require.NoError(t, sock.Connect(evtMgr, sink.Addr()))

	assert.Equal(t, 1000, sock.TxAvailable())
	assert.Equal(t, 600, sock.Send(600))
	assert.Equal(t, 400, sock.TxAvailable())
	assert.Equal(t, 0, sock.Send(500))
	assert.Equal(t, 400, sock.Send(400))
	assert.Equal(t, 0, sock.TxAvailable())
}

func TestRTOEstimate(t *testing.T) {
	node := createNode(nil, 0, "rto")
	node.tcp.minRTO = 0.2
	sock := createTCPSocket(node)
	assert.Equal(t, 1.0, sock.rto)

	sock.rttSample(0.1)
	assert.InDelta(t, 0.1, sock.srtt, 1e-12)
	assert.InDelta(t, 0.05, sock.rttvar, 1e-12)
	assert.InDelta(t, 0.3, sock.rto, 1e-12)

	sock.backoffs = 2
	assert.InDelta(t, 1.2, sock.currentRTO(), 1e-12)
	sock.backoffs = maxBackoffs
	sock.rto = 30.0
	assert.Equal(t, maxRTO, sock.currentRTO())

	// the floor applies to small samples
	floor := createTCPSocket(createNode(nil, 1, "floor"))
	floor.rttSample(0.03)
	assert.Equal(t, 1.0, floor.rto)
}

func TestPortalIgnoresStraySegments(t *testing.T) {
	cfg := testExpCfg()
	topo, sink := transferTopology(t, cfg)
	evtMgr := evtm.New()

	stray := &packet{src: netip.AddrPortFrom(topo.SenderIntrfc.Addr(), 5000), dst: sink.Addr(),
		flags: flagACK, payload: 100, ttl: defaultTTL}
	topo.Receiver().portal.deliver(evtMgr, stray)
	assert.Equal(t, 1, topo.Receiver().portal.unmatched)
	assert.Equal(t, 0, sink.Connections())
}

func TestTCPFlagsString(t *testing.T) {
	assert.Equal(t, "SYN|ACK", (flagSYN | flagACK).String())
	assert.Equal(t, "FIN|ACK", (flagFIN | flagACK).String())
	assert.Equal(t, "", tcpFlags(0).String())
}

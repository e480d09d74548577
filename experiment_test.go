package dumbbell

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupExperiment takes a new experiment through InstallFlows
func setupExperiment(t *testing.T, cfg *ExpCfg) (*Experiment, *BulkSource, *PacketSink) {
	t.Helper()
	exp, err := NewExperiment(cfg, NullLogger{})
	require.NoError(t, err)
	require.NoError(t, exp.BuildTopology())
	require.NoError(t, exp.InstallQueue())
	require.NoError(t, exp.ResolveRouting())
	source, sink, err := exp.InstallFlows()
	require.NoError(t, err)
	return exp, source, sink
}

func TestReferenceScenario(t *testing.T) {
	rprt, err := RunExperiment(testExpCfg(), NullLogger{})
	require.NoError(t, err)

	assert.Equal(t, 15e6, rprt.BottleneckBps)
	assert.Equal(t, 100, rprt.QueueCapacity)
	assert.Equal(t, rprt.QueueCapacity, rprt.QueuePeak, "the bulk flow fills the bottleneck queue")
	assert.Greater(t, rprt.QueueDrops, 0)

	// goodput is bounded by the share of each 542 byte packet that is payload
	goodput := rprt.BottleneckBps * 500.0 / 542.0
	assert.GreaterOrEqual(t, rprt.ThroughputBps, 0.8*goodput)
	assert.LessOrEqual(t, rprt.ThroughputBps, goodput)
	assert.Equal(t, Throughput(rprt.BytesReceived, rprt.Start, rprt.Stop, rprt.CorrectionFactor), rprt.ThroughputBps)
	assert.Positive(t, rprt.Transport.FastRetransmits)
	assert.LessOrEqual(t, rprt.BytesReceived, rprt.BytesSent)
	assert.Equal(t, "completed", rprt.FlowState)
	assert.Equal(t, rprt.ThroughputMbps, rprt.ExactMbps)
	assert.NotEmpty(t, rprt.RunID)

	// 0.1 s samples over [0,5]
	assert.Len(t, rprt.Samples, 50)
	assert.Equal(t, len(rprt.Samples), rprt.Summary.Count)
	assert.LessOrEqual(t, rprt.Samples[len(rprt.Samples)-1].Bytes, rprt.BytesReceived)
}

func TestSmallQueueLowersThroughput(t *testing.T) {
	cfg := testExpCfg()
	cfg.QueueCapacity = 1
	small, err := RunExperiment(cfg, NullLogger{})
	require.NoError(t, err)

	large, err := RunExperiment(testExpCfg(), NullLogger{})
	require.NoError(t, err)

	assert.Equal(t, 1, small.QueuePeak)
	assert.Less(t, small.ThroughputBps, large.ThroughputBps)
}

func TestCorrectionFactorScalesThroughput(t *testing.T) {
	cfg := testExpCfg()
	cfg.Flow.Stop = 1.0
	cfg.CorrectionFactor = 2.0
	rprt, err := RunExperiment(cfg, NullLogger{})
	require.NoError(t, err)
	assert.InDelta(t, 2.0*rprt.ExactMbps, rprt.ThroughputMbps, 1e-9)
}

func TestQuotaBelowSendSize(t *testing.T) {
	cfg := testExpCfg()
	cfg.Flow.MaxBytes = 100
	exp, source, sink := setupExperiment(t, cfg)
	require.NoError(t, exp.AttachInstrumentation())
	require.NoError(t, exp.Run())

	assert.Equal(t, 1, source.Writes())
	assert.Equal(t, FlowCompleted, source.State())
	assert.False(t, source.Forced())
	assert.Less(t, source.CompletedAt(), cfg.Flow.Stop)
	assert.Equal(t, int64(100), sink.TotalRx())

	rprt, err := exp.Report()
	require.NoError(t, err)
	assert.Equal(t, int64(100), rprt.BytesReceived)
	assert.NoError(t, exp.Teardown())
}

func TestQuotaCompletesFlow(t *testing.T) {
	cfg := testExpCfg()
	cfg.Flow.MaxBytes = 50_000
	rprt, err := RunExperiment(cfg, NullLogger{})
	require.NoError(t, err)
	assert.Equal(t, int64(50_000), rprt.BytesSent)
	assert.Equal(t, int64(50_000), rprt.BytesReceived)
	assert.Equal(t, "completed", rprt.FlowState)
}

func TestUnboundedFlowHaltsAtStop(t *testing.T) {
	cfg := testExpCfg()
	cfg.Flow.Stop = 1.0
	exp, source, _ := setupExperiment(t, cfg)
	require.NoError(t, exp.AttachInstrumentation())
	require.NoError(t, exp.Run())

	assert.Equal(t, FlowCompleted, source.State())
	assert.True(t, source.Forced())
	assert.Greater(t, source.Writes(), 1)
}

func TestSinkCounterIsMonotone(t *testing.T) {
	cfg := testExpCfg()
	cfg.Flow.Stop = 2.0
	exp, source, sink := setupExperiment(t, cfg)

	seen := []int64{}
	sink.rxHook = func(totalRx int64) { seen = append(seen, totalRx) }
	require.NoError(t, exp.AttachInstrumentation())
	require.NoError(t, exp.Run())

	require.NotEmpty(t, seen)
	for idx := 1; idx < len(seen); idx++ {
		require.GreaterOrEqual(t, seen[idx], seen[idx-1])
	}
	assert.Equal(t, sink.TotalRx(), seen[len(seen)-1])
	assert.LessOrEqual(t, sink.TotalRx(), source.TotalTx())
}

func TestSecondConnectionIsAnError(t *testing.T) {
	cfg := testExpCfg()
	cfg.Flow.Stop = 1.0
	exp, _, sink := setupExperiment(t, cfg)

	intruderFlow := cfg.Flow
	intruderFlow.Start = 0.5
	intruder := CreateBulkSource("intruder", exp.Topology().Sender(), sink.Addr(), intruderFlow)
	require.NoError(t, intruder.Install(exp.EventManager(), nil))

	require.NoError(t, exp.AttachInstrumentation())
	err := exp.Run()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEngine))
	assert.True(t, errors.Is(err, ErrSecondConnection))
	assert.GreaterOrEqual(t, sink.Connections(), 2)
}

func TestPhasesOutOfOrder(t *testing.T) {
	exp, err := NewExperiment(testExpCfg(), nil)
	require.NoError(t, err)

	assert.True(t, errors.Is(exp.InstallQueue(), ErrOrdering))
	assert.True(t, errors.Is(exp.ResolveRouting(), ErrOrdering))
	_, _, err = exp.InstallFlows()
	assert.True(t, errors.Is(err, ErrOrdering))
	assert.True(t, errors.Is(exp.AttachInstrumentation(), ErrOrdering))
	assert.True(t, errors.Is(exp.Run(), ErrOrdering))
	_, err = exp.Report()
	assert.True(t, errors.Is(err, ErrOrdering))
	assert.True(t, errors.Is(exp.Teardown(), ErrOrdering))

	require.NoError(t, exp.BuildTopology())
	assert.True(t, errors.Is(exp.BuildTopology(), ErrOrdering))
	assert.True(t, errors.Is(exp.ResolveRouting(), ErrOrdering), "routing before the queue")
	require.NoError(t, exp.InstallQueue())
	require.NoError(t, exp.ResolveRouting())
	_, _, err = exp.InstallFlows()
	require.NoError(t, err)
	assert.True(t, errors.Is(exp.Run(), ErrOrdering), "run before instrumentation")
}

func TestTeardownAfterReport(t *testing.T) {
	cfg := testExpCfg()
	cfg.Flow.Stop = 0.5
	exp, _, _ := setupExperiment(t, cfg)
	require.NoError(t, exp.AttachInstrumentation())
	require.NoError(t, exp.Run())
	rprt, err := exp.Report()
	require.NoError(t, err)

	families, err := exp.Metrics().Registry().Gather()
	require.NoError(t, err)
	gauges := make(map[string]float64)
	for _, mf := range families {
		if metrics := mf.GetMetric(); len(metrics) == 1 && metrics[0].GetGauge() != nil {
			gauges[mf.GetName()] = metrics[0].GetGauge().GetValue()
		}
	}
	assert.Equal(t, rprt.ThroughputBps, gauges["dumbbell_throughput_bps"])
	assert.Equal(t, float64(rprt.BytesReceived), gauges["dumbbell_sink_bytes"])

	require.NoError(t, exp.Teardown())
	assert.True(t, errors.Is(exp.Teardown(), ErrOrdering))
}

func TestTeardownAfterFailedRun(t *testing.T) {
	dir := t.TempDir()
	cfg := testExpCfg()
	cfg.Output = OutputDesc{Dir: dir, Trace: true, TracePrefix: "trace", Pcap: true, PcapPrefix: "shark"}
	exp, _, _ := setupExperiment(t, cfg)
	require.NoError(t, exp.AttachInstrumentation())

	pcapFiles := exp.PcapRecorder().Files()
	require.Len(t, pcapFiles, 4)

	exp.EventManager().Schedule(nil, nil, func(evtMgr *evtm.EventManager, context any, data any) any {
		panic("corrupted event")
	}, vrtime.SecondsToTime(0.5))
	err := exp.Run()
	assert.True(t, errors.Is(err, ErrEngine))
	assert.Contains(t, err.Error(), "corrupted event")
	assert.Positive(t, exp.PcapRecorder().Written())

	_, err = exp.Report()
	assert.True(t, errors.Is(err, ErrOrdering))
	require.NoError(t, exp.Teardown())
	assert.Empty(t, exp.PcapRecorder().Files())

	// the files were flushed and closed
	ascii, err := os.ReadFile(filepath.Join(dir, "trace.tr"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(ascii), "+ 0 "))
	for _, name := range pcapFiles {
		checkPcap(t, name)
	}
}

func TestNewExperimentRejectsConfig(t *testing.T) {
	cfg := testExpCfg()
	cfg.Flow.Stop = cfg.Flow.Start
	exp, err := NewExperiment(cfg, NullLogger{})
	assert.Nil(t, exp)
	assert.True(t, errors.Is(err, ErrConfig))

	cfg = testExpCfg()
	cfg.Output.Report = filepath.Join(t.TempDir(), "absent", "report.json")
	_, err = NewExperiment(cfg, NullLogger{})
	assert.True(t, errors.Is(err, ErrConfig))

	_, err = RunExperiment(&ExpCfg{}, NullLogger{})
	assert.True(t, errors.Is(err, ErrConfig))
}

func TestInstrumentationDoesNotPerturb(t *testing.T) {
	cfg := testExpCfg()
	cfg.Flow.Stop = 2.0
	plain, err := RunExperiment(cfg, NullLogger{})
	require.NoError(t, err)

	dir := t.TempDir()
	cfg = testExpCfg()
	cfg.Flow.Stop = 2.0
	cfg.Output = OutputDesc{Dir: dir, Trace: true, TracePrefix: "trace", TraceDump: "trace.yaml",
		Pcap: true, PcapPrefix: "shark"}
	traced, err := RunExperiment(cfg, NullLogger{})
	require.NoError(t, err)

	assert.Equal(t, plain.BytesSent, traced.BytesSent)
	assert.Equal(t, plain.BytesReceived, traced.BytesReceived)
	assert.Equal(t, plain.QueuePeak, traced.QueuePeak)
	assert.Equal(t, plain.QueueDrops, traced.QueueDrops)
	assert.Equal(t, plain.Transport, traced.Transport)
	if diff := cmp.Diff(plain.Samples, traced.Samples); diff != "" {
		t.Fatal(diff)
	}

	ascii, err := os.ReadFile(filepath.Join(dir, "trace.tr"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(ascii)), "\n")
	assert.Greater(t, len(lines), 100)
	assert.True(t, strings.HasPrefix(lines[0], "+ 0 /NodeList/0/DeviceList/0/$ns3::PointToPointNetDevice/TxQueue/Enqueue"),
		"first line %q", lines[0])

	dump, err := os.Stat(filepath.Join(dir, "trace.yaml"))
	require.NoError(t, err)
	assert.Greater(t, dump.Size(), int64(0))

	for _, name := range []string{"shark-0-0.pcap", "shark-1-0.pcap", "shark-1-1.pcap", "shark-2-0.pcap"} {
		checkPcap(t, filepath.Join(dir, name))
	}
}

// checkPcap reads a capture file and decodes its first packet, the SYN
// opening the bulk connection
func checkPcap(t *testing.T, filename string) {
	t.Helper()
	f, err := os.Open(filename)
	require.NoError(t, err)
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeIPv4, r.LinkType())

	data, _, err := r.ReadPacketData()
	require.NoError(t, err)
	pckt := gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.Default)
	ip, ok := pckt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	require.True(t, ok, "%s: no IPv4 layer", filename)
	tcp, ok := pckt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	require.True(t, ok, "%s: no TCP layer", filename)

	assert.True(t, tcp.SYN, filename)
	assert.False(t, tcp.ACK, filename)
	assert.Equal(t, layers.TCPPort(911), tcp.DstPort)
	assert.Equal(t, "10.1.1.1", ip.SrcIP.String())
	assert.Equal(t, "191.168.1.2", ip.DstIP.String())
}

func TestReportOutputs(t *testing.T) {
	dir := t.TempDir()
	cfg := testExpCfg()
	cfg.Name = "outputs"
	cfg.Flow.Stop = 1.0
	cfg.Output = OutputDesc{Dir: dir, Report: "report.yaml", Samples: "samples.csv",
		Metrics: "metrics.prom", Database: "runs.db"}
	rprt, err := RunExperiment(cfg, NullLogger{})
	require.NoError(t, err)

	samples, err := ReadSamples(filepath.Join(dir, "samples.csv"))
	require.NoError(t, err)
	assert.Len(t, samples, len(rprt.Samples))

	metrics, err := os.ReadFile(filepath.Join(dir, "metrics.prom"))
	require.NoError(t, err)
	assert.Contains(t, string(metrics), "dumbbell_throughput_bps")
	assert.Contains(t, string(metrics), `dumbbell_queue_peak_packets{experiment="outputs",intrfc="router/eth1"}`)

	rs, err := OpenResultsStore(filepath.Join(dir, "runs.db"))
	require.NoError(t, err)
	defer rs.Close()
	runs, err := rs.Runs("outputs")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, rprt.RunID, runs[0].RunID)
	assert.Equal(t, rprt.BytesReceived, runs[0].BytesReceived)

	_, err = os.Stat(filepath.Join(dir, "report.yaml"))
	assert.NoError(t, err)
}

func TestRouterExecTime(t *testing.T) {
	cfg := testExpCfg()
	cfg.Flow.Stop = 1.0
	cfg.Router = RouterDesc{ExecTime: 1e-5, Cores: 1}
	exp, _, sink := setupExperiment(t, cfg)
	require.NoError(t, exp.AttachInstrumentation())
	require.NoError(t, exp.Run())

	fwd := exp.Topology().Router().fwd
	require.NotNil(t, fwd)
	assert.Greater(t, fwd.served, 0)
	assert.Greater(t, sink.TotalRx(), int64(0))
}

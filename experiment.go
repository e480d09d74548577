package dumbbell

// experiment.go has the code that drives an experiment through its phases:
// assemble the topology, install the bottleneck queue, resolve routing,
// install the flow and its sink, attach instrumentation, run the event
// engine to the stop time, report, and tear down.  Each phase checks that
// the one before it has completed; a phase invoked out of order returns
// ErrOrdering and changes nothing.

import (
	"fmt"
	"net/netip"

	"github.com/iti/evt/evtm"
	"github.com/rs/xid"
)

type expPhase int

const (
	phaseCreated expPhase = iota
	phaseAssembled
	phaseQueued
	phaseRouted
	phaseFlowsInstalled
	phaseInstrumented
	phaseHalted
	phaseReported
	phaseFailed
	phaseTornDown
)

var phaseToStr map[expPhase]string = map[expPhase]string{phaseCreated: "created", phaseAssembled: "assembled",
	phaseQueued: "queued", phaseRouted: "routed", phaseFlowsInstalled: "flows installed",
	phaseInstrumented: "instrumented", phaseHalted: "halted", phaseReported: "reported",
	phaseFailed: "failed", phaseTornDown: "torn down"}

func (ep expPhase) String() string {
	return phaseToStr[ep]
}

// Experiment is one run of the dumbbell
type Experiment struct {
	Cfg   *ExpCfg
	RunID string

	logger   Logger
	evtMgr   *evtm.EventManager
	phase    expPhase
	topo     *Topology
	source   *BulkSource
	sink     *PacketSink
	traceMgr *TraceManager
	pcap     *PcapRecorder
	metrics  *Metrics
	sampler  *throughputSampler
	report   *Report
}

// NewExperiment validates cfg and creates an Experiment with its own event
// manager.  Configuration errors are reported here, before anything is
// scheduled
func NewExperiment(cfg *ExpCfg, logger Logger) (*Experiment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ok, err := CheckOutputFiles(cfg.outputFiles()); !ok {
		return nil, fmt.Errorf("%w: %s", ErrConfig, err.Error())
	}
	if logger == nil {
		logger = NullLogger{}
	}

	exp := new(Experiment)
	exp.Cfg = cfg
	exp.RunID = xid.New().String()
	exp.logger = logger
	exp.evtMgr = evtm.New()
	exp.phase = phaseCreated
	exp.metrics = CreateMetrics(cfg.Name)
	return exp, nil
}

// checkPhase returns ErrOrdering unless the experiment is in phase want
func (exp *Experiment) checkPhase(op string, want ...expPhase) error {
	for _, phase := range want {
		if exp.phase == phase {
			return nil
		}
	}
	return fmt.Errorf("%w: %s called when experiment is %s", ErrOrdering, op, exp.phase.String())
}

// BuildTopology assembles the nodes, links and addresses
func (exp *Experiment) BuildTopology() error {
	if err := exp.checkPhase("BuildTopology", phaseCreated); err != nil {
		return err
	}
	cfg := exp.Cfg
	exp.logger.Infof("TCP protocol: %s", cfg.Transport.CongestionControl)
	exp.logger.Infof("Server to Router: %s", cfg.Links[0].describe())
	exp.logger.Infof("Router to Client: %s", cfg.Links[1].describe())
	exp.logger.Infof("Packet size (bytes): %d", cfg.Flow.SendSize)
	exp.logger.Info("Creating nodes and links.")

	topo, err := BuildTopology(cfg)
	if err != nil {
		return err
	}
	params := createTCPParams(cfg)
	for _, node := range topo.Nodes {
		node.tcp = params
	}
	if cfg.Router.ExecTime > 0.0 {
		topo.Router().fwd = createForwardScheduler(cfg.Router.Cores, cfg.Router.ExecTime)
	}

	exp.logger.Info("Assigning IP Addresses.")
	for _, intrfc := range topo.Intrfcs() {
		exp.logger.Debugf("%s %s/%d", intrfc.FullName(), intrfc.addr.String(), intrfc.prefix.Bits())
	}
	exp.topo = topo
	exp.phase = phaseAssembled
	return nil
}

// InstallQueue places the bottleneck queue on the router's egress interface
func (exp *Experiment) InstallQueue() error {
	if err := exp.checkPhase("InstallQueue", phaseAssembled); err != nil {
		return err
	}
	exp.logger.Infof("Router queue size: %d", exp.Cfg.QueueCapacity)
	exp.topo.RouterEgress.installQueue(CreateDropTailQueue(exp.Cfg.QueueCapacity))
	exp.phase = phaseQueued
	return nil
}

// ResolveRouting fills the routing table of every node
func (exp *Experiment) ResolveRouting() error {
	if err := exp.checkPhase("ResolveRouting", phaseQueued); err != nil {
		return err
	}
	if err := ResolveRoutes(exp.topo); err != nil {
		return err
	}
	for _, node := range exp.topo.Nodes {
		for _, rd := range node.routes.Describe() {
			exp.logger.Debugf("%s route %s via %s (%s)", node.Name, rd.Prefix, rd.Intrfc, rd.NextHop)
		}
	}
	exp.phase = phaseRouted
	return nil
}

// InstallFlows creates the sink on the receiver and the bulk source on the
// sender, and schedules the source's start and stop
func (exp *Experiment) InstallFlows() (*BulkSource, *PacketSink, error) {
	if err := exp.checkPhase("InstallFlows", phaseRouted); err != nil {
		return nil, nil, err
	}
	cfg := exp.Cfg
	exp.logger.Info("Creating applications.")

	sinkAddr := netip.AddrPortFrom(exp.topo.ReceiverIntrfc.addr, uint16(cfg.Flow.Port))
	sink := CreatePacketSink("sink", exp.topo.Receiver(), sinkAddr)
	if err := sink.Listen(); err != nil {
		return nil, nil, err
	}

	exp.logger.Info("  Bulk send.")
	source := CreateBulkSource("bulk", exp.topo.Sender(), sinkAddr, cfg.Flow)
	if err := source.Install(exp.evtMgr, &RtnDesc{Cxt: exp, EvtHdlr: flowCompleted}); err != nil {
		return nil, nil, err
	}

	exp.sampler = createThroughputSampler(sink, cfg.Flow.Start, cfg.Flow.Stop, cfg.SampleInterval, exp.metrics)
	exp.sampler.install(exp.evtMgr)

	exp.source, exp.sink = source, sink
	exp.phase = phaseFlowsInstalled
	return source, sink, nil
}

// flowCompleted executes when the bulk source reaches Completed during the run
func flowCompleted(evtMgr *evtm.EventManager, context any, data any) any {
	exp := context.(*Experiment)
	bs := data.(*BulkSource)
	exp.logger.Infof("flow %s completed at %g s after %d writes", bs.Name, evtMgr.CurrentSeconds(), bs.writes)
	return nil
}

// AttachInstrumentation attaches the metrics collectors and, when
// configured, the ascii tracer and the pcap recorder to every interface
func (exp *Experiment) AttachInstrumentation() error {
	if err := exp.checkPhase("AttachInstrumentation", phaseFlowsInstalled); err != nil {
		return err
	}
	out := exp.Cfg.Output

	for _, intrfc := range exp.topo.Intrfcs() {
		exp.metrics.attachIntrfc(intrfc, intrfc == exp.topo.RouterEgress)
	}

	exp.traceMgr = CreateTraceManager(exp.Cfg.Name, out.Trace)
	if out.Trace {
		exp.logger.Info("Enabling trace files.")
		if err := exp.traceMgr.OpenASCII(exp.Cfg.OutputPath(out.TracePrefix + ".tr")); err != nil {
			return err
		}
		if len(out.TraceDump) > 0 {
			exp.traceMgr.KeepRecords()
		}
		for _, intrfc := range exp.topo.Intrfcs() {
			exp.traceMgr.attachIntrfc(intrfc)
		}
	}

	if out.Pcap {
		exp.logger.Info("Enabling pcap files.")
		exp.pcap = CreatePcapRecorder(exp.Cfg.OutputPath(out.PcapPrefix), exp.logger)
		for _, intrfc := range exp.topo.Intrfcs() {
			if err := exp.pcap.attachIntrfc(intrfc); err != nil {
				return err
			}
		}
	}
	exp.phase = phaseInstrumented
	return nil
}

// Run advances virtual time to the flow's stop time and halts the flow.  A
// failure inside the engine is returned wrapped in ErrEngine, as is a second
// connection offered to the sink
func (exp *Experiment) Run() (err error) {
	if err := exp.checkPhase("Run", phaseInstrumented); err != nil {
		return err
	}
	flow := exp.Cfg.Flow
	exp.logger.Info("Running simulation.")
	exp.logger.Infof("Simulation time: [%g,%g]", flow.Start, flow.Stop)
	exp.logger.Info("---------------- Start -----------------------")

	defer func() {
		if r := recover(); r != nil {
			exp.phase = phaseFailed
			err = fmt.Errorf("%w: %v", ErrEngine, r)
		}
	}()

	exp.evtMgr.Run(flow.Stop)

	exp.source.Halt(exp.evtMgr)
	if flow.Stop-exp.sampler.lastTime > 1e-9 {
		exp.sampler.record(flow.Stop)
	}
	exp.phase = phaseHalted
	exp.logger.Info("---------------- Stop ------------------------")

	if sinkErr := exp.sink.Err(); sinkErr != nil {
		return fmt.Errorf("%w: %w", ErrEngine, sinkErr)
	}
	return nil
}

// Report computes the throughput over the measurement window and writes the
// configured report artifacts
func (exp *Experiment) Report() (*Report, error) {
	if err := exp.checkPhase("Report", phaseHalted); err != nil {
		return nil, err
	}
	cfg := exp.Cfg
	flow := cfg.Flow
	bottleneck := exp.topo.RouterEgress

	rprt := new(Report)
	rprt.RunID = exp.RunID
	rprt.ExpName = cfg.Name
	rprt.CongestionControl = cfg.Transport.CongestionControl
	rprt.Start, rprt.Stop = flow.Start, flow.Stop
	rprt.BytesSent = exp.source.TotalTx()
	rprt.BytesReceived = exp.sink.TotalRx()
	rprt.CorrectionFactor = cfg.CorrectionFactor
	rprt.ThroughputBps = Throughput(rprt.BytesReceived, flow.Start, flow.Stop, cfg.CorrectionFactor)
	rprt.ThroughputMbps = rprt.ThroughputBps / 1e6
	rprt.ExactMbps = Throughput(rprt.BytesReceived, flow.Start, flow.Stop, 1.0) / 1e6
	rprt.BottleneckBps = bottleneck.link.bps
	rprt.QueueCapacity = bottleneck.queue.Capacity()
	rprt.QueuePeak = bottleneck.queue.Peak()
	rprt.QueueDrops = bottleneck.queue.Drops()
	rprt.FlowState = exp.source.State().String()
	rprt.Transport = exp.source.TransportStats()
	rprt.Samples = exp.sampler.samples
	rprt.Summary = summarize(rprt.Samples)
	exp.metrics.recordReport(rprt)

	exp.logger.Infof("Total bytes received: %d", rprt.BytesReceived)
	exp.logger.Infof("Throughput: %g Mb/s", rprt.ThroughputMbps)
	exp.logger.Debugf("bottleneck queue peak %d of %d, %d drops, %d retransmits", rprt.QueuePeak,
		rprt.QueueCapacity, rprt.QueueDrops, rprt.Transport.Retransmits)

	exp.report = rprt
	exp.phase = phaseReported
	if err := exp.writeOutputs(rprt); err != nil {
		return rprt, err
	}
	return rprt, nil
}

// writeOutputs writes the report, samples, metrics and results database named in the configuration
func (exp *Experiment) writeOutputs(rprt *Report) error {
	out := exp.Cfg.Output
	errs := make([]error, 0)
	if out.Trace && len(out.TraceDump) > 0 {
		errs = append(errs, exp.traceMgr.WriteToFile(exp.Cfg.OutputPath(out.TraceDump)))
	}
	if len(out.Report) > 0 {
		errs = append(errs, rprt.WriteToFile(exp.Cfg.OutputPath(out.Report)))
	}
	if len(out.Samples) > 0 {
		errs = append(errs, rprt.WriteSamples(exp.Cfg.OutputPath(out.Samples)))
	}
	if len(out.Metrics) > 0 {
		errs = append(errs, exp.metrics.WriteToTextfile(exp.Cfg.OutputPath(out.Metrics)))
	}
	if len(out.Database) > 0 {
		rs, err := OpenResultsStore(exp.Cfg.OutputPath(out.Database))
		if err == nil {
			errs = append(errs, rs.Record(rprt))
			errs = append(errs, rs.Close())
		} else {
			errs = append(errs, err)
		}
	}
	return ReportErrs(errs)
}

// Teardown closes the instrumentation files and releases the topology.  It
// is permitted once the run has halted, or once Run has failed
func (exp *Experiment) Teardown() error {
	if err := exp.checkPhase("Teardown", phaseHalted, phaseReported, phaseFailed); err != nil {
		return err
	}
	err := exp.release()
	exp.phase = phaseTornDown
	exp.logger.Info("Done.")
	return err
}

// release closes whatever the experiment has opened
func (exp *Experiment) release() error {
	errs := make([]error, 0)
	if exp.traceMgr != nil {
		errs = append(errs, exp.traceMgr.Close())
	}
	if exp.pcap != nil {
		errs = append(errs, exp.pcap.Close())
	}
	if exp.topo != nil {
		exp.topo.release()
	}
	exp.source, exp.sink, exp.sampler = nil, nil, nil
	return ReportErrs(errs)
}

// Topology returns the assembled topology, nil before BuildTopology
func (exp *Experiment) Topology() *Topology {
	return exp.topo
}

// Metrics returns the experiment's collectors
func (exp *Experiment) Metrics() *Metrics {
	return exp.metrics
}

// TraceManager returns the tracer, nil before AttachInstrumentation
func (exp *Experiment) TraceManager() *TraceManager {
	return exp.traceMgr
}

// PcapRecorder returns the capture recorder, nil unless capture is configured
func (exp *Experiment) PcapRecorder() *PcapRecorder {
	return exp.pcap
}

// EventManager returns the experiment's event manager
func (exp *Experiment) EventManager() *evtm.EventManager {
	return exp.evtMgr
}

// RunExperiment performs the whole fixed sequence of phases on cfg
func RunExperiment(cfg *ExpCfg, logger Logger) (*Report, error) {
	exp, err := NewExperiment(cfg, logger)
	if err != nil {
		return nil, err
	}

	steps := []func() error{
		exp.BuildTopology,
		exp.InstallQueue,
		exp.ResolveRouting,
		func() error {
			_, _, err := exp.InstallFlows()
			return err
		},
		exp.AttachInstrumentation,
		exp.Run,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			exp.release()
			return nil, err
		}
	}

	rprt, err := exp.Report()
	if terr := exp.Teardown(); err == nil {
		err = terr
	}
	return rprt, err
}
